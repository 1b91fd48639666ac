package bvh

import (
	"testing"

	"github.com/esri-i3s/slpk-writer/geo"
	"github.com/stretchr/testify/assert"
)

func TestFromPointsEmpty(t *testing.T) {
	obb, sphere := FromPoints(nil, MinimalSurfaceArea)
	assert.True(t, obb.IsInvalid())
	assert.Equal(t, 0.0, sphere.Radius)
}

func TestFromPointsSinglePoint(t *testing.T) {
	p := geo.NewVec3(5, 5, 5)
	obb, sphere := FromPoints([]geo.Vec3{p}, MinimalSurfaceArea)
	assert.Equal(t, float32(1), obb.Extents.X)
	assert.Equal(t, float32(1), obb.Extents.Y)
	assert.Equal(t, float32(1), obb.Extents.Z)
	assert.Equal(t, 1.0, sphere.Radius)
	assert.Equal(t, p, obb.Center)
}

func TestFromPointsAxesAreUnitAndQuaternionNormalized(t *testing.T) {
	points := []geo.Vec3{
		geo.NewVec3(0, 0, 0),
		geo.NewVec3(10, 0, 0),
		geo.NewVec3(0, 2, 0),
		geo.NewVec3(0, 0, 1),
		geo.NewVec3(10, 2, 1),
	}
	obb, _ := FromPoints(points, MinimalSurfaceArea)
	x, y, z := axesOf(obb)
	assert.InDelta(t, 1, x.Length(), 1e-9)
	assert.InDelta(t, 1, y.Length(), 1e-9)
	assert.InDelta(t, 1, z.Length(), 1e-9)
	assert.InDelta(t, 1, obb.Orientation.Length(), 1e-9)
}

func TestFromPointsWorldAlignedBox(t *testing.T) {
	points := []geo.Vec3{
		geo.NewVec3(-1, -2, -3),
		geo.NewVec3(1, -2, -3),
		geo.NewVec3(-1, 2, -3),
		geo.NewVec3(-1, -2, 3),
		geo.NewVec3(1, 2, 3),
	}
	obb, sphere := FromPoints(points, MinimalSurfaceArea)
	assert.InDelta(t, 0, obb.Center.X, 1e-6)
	assert.InDelta(t, 0, obb.Center.Y, 1e-6)
	assert.InDelta(t, 0, obb.Center.Z, 1e-6)
	assert.InDelta(t, 1, obb.Extents.X, 1e-4)
	assert.InDelta(t, 2, obb.Extents.Y, 1e-4)
	assert.InDelta(t, 3, obb.Extents.Z, 1e-4)
	assert.Greater(t, sphere.Radius, 0.0)
}

func TestContainsBoxForChildren(t *testing.T) {
	child1, _ := FromPoints([]geo.Vec3{geo.NewVec3(0, 0, 0), geo.NewVec3(1, 1, 1)}, MinimalSurfaceArea)
	child2, _ := FromPoints([]geo.Vec3{geo.NewVec3(5, 5, 5), geo.NewVec3(6, 6, 6)}, MinimalSurfaceArea)
	parent, _ := FromBoxes([]OBB{child1, child2}, MinimalSurfaceArea)

	assert.True(t, ContainsBox(parent, child1, 1e-6))
	assert.True(t, ContainsBox(parent, child2, 1e-6))
}

func TestCornersCountAndInvalid(t *testing.T) {
	obb, _ := FromPoints([]geo.Vec3{geo.NewVec3(0, 0, 0), geo.NewVec3(2, 2, 2)}, MinimalSurfaceArea)
	assert.Len(t, Corners(obb), 8)
	assert.Nil(t, Corners(Invalid()))
}

func TestMethodsProduceDifferentMetricsWhenApplicable(t *testing.T) {
	points := []geo.Vec3{
		geo.NewVec3(0, 0, 0),
		geo.NewVec3(10, 0, 0),
		geo.NewVec3(10, 1, 0),
		geo.NewVec3(0, 1, 0),
		geo.NewVec3(5, 0.5, 0.2),
	}
	obbArea, _ := FromPoints(points, MinimalSurfaceArea)
	obbVol, _ := FromPoints(points, MinimalVolume)
	assert.False(t, obbArea.IsInvalid())
	assert.False(t, obbVol.IsInvalid())
}
