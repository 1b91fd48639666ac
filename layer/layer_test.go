package layer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esri-i3s/slpk-writer/attrs"
	"github.com/esri-i3s/slpk-writer/bvh"
	"github.com/esri-i3s/slpk-writer/geo"
	"github.com/esri-i3s/slpk-writer/material"
	"github.com/esri-i3s/slpk-writer/math32"
	"github.com/esri-i3s/slpk-writer/mesh"
	"github.com/esri-i3s/slpk-writer/texture"
)

func unitOBB() bvh.OBB {
	return bvh.OBB{
		Center:      geo.NewVec3(0, 0, 0),
		Extents:     math32.Vector3{X: 1, Y: 1, Z: 1},
		Orientation: geo.IdentityQuat(),
	}
}

func TestBuildGeometryDefinitionsEnumeratesOnlyUsedKeys(t *testing.T) {
	var usage [geometryDefinitionSlots]int64
	usage[0] = 3
	usage[4] = 1 // regions absent

	mask := mesh.MaskPos | mesh.MaskNormal | mesh.MaskUV0 | mesh.MaskRegion
	plan := buildGeometryDefinitions(mask, usage)

	require.Len(t, plan.Definitions, 2)
	assert.Equal(t, 0, plan.DenseID[0])
	assert.Equal(t, 1, plan.DenseID[4])

	// key 0: nothing dropped, regions present.
	assert.NotNil(t, plan.Definitions[0].Legacy.Normal)
	assert.NotNil(t, plan.Definitions[0].Legacy.UVRegion)

	// key 4: regions absent despite the running mask having MaskRegion.
	assert.Nil(t, plan.Definitions[1].Legacy.UVRegion)
	assert.NotNil(t, plan.Definitions[1].Legacy.Normal)
}

func TestBuildGeometryDefinitionsDenseIDsAreAscendingByKey(t *testing.T) {
	var usage [geometryDefinitionSlots]int64
	usage[7] = 1
	usage[1] = 1
	usage[5] = 1

	plan := buildGeometryDefinitions(mesh.MaskPos, usage)
	require.Len(t, plan.Definitions, 3)
	assert.Equal(t, 0, plan.DenseID[1])
	assert.Equal(t, 1, plan.DenseID[5])
	assert.Equal(t, 2, plan.DenseID[7])
}

func TestComputeExtentIdentityTransformMatchesOBBCorners(t *testing.T) {
	obb := unitOBB()
	ext := computeExtent(SpatialReference{}, obb, nil, nil)
	assert.InDelta(t, -1, ext.XMin, 1e-9)
	assert.InDelta(t, 1, ext.XMax, 1e-9)
	assert.InDelta(t, -1, ext.YMin, 1e-9)
	assert.InDelta(t, 1, ext.YMax, 1e-9)
	assert.InDelta(t, -1, ext.ZMin, 1e-9)
	assert.InDelta(t, 1, ext.ZMax, 1e-9)
}

func TestComputeExtentRoundTripsThroughTransforms(t *testing.T) {
	scaleUp := func(sr SpatialReference, pts []geo.Vec3) ([]geo.Vec3, bool) {
		out := make([]geo.Vec3, len(pts))
		for i, p := range pts {
			out[i] = p.Scale(2)
		}
		return out, true
	}
	scaleDown := func(sr SpatialReference, pts []geo.Vec3) ([]geo.Vec3, bool) {
		out := make([]geo.Vec3, len(pts))
		for i, p := range pts {
			out[i] = p.Scale(0.5)
		}
		return out, true
	}
	obb := unitOBB()
	ext := computeExtent(SpatialReference{}, obb, scaleUp, scaleDown)
	assert.InDelta(t, -1, ext.XMin, 1e-9)
	assert.InDelta(t, 1, ext.XMax, 1e-9)
}

func TestFinalizeProducesValidJSONDocuments(t *testing.T) {
	agg := attrs.NewAggregator()
	slot, err := agg.Declare(0, attrs.Int32, "height", "Height")
	require.NoError(t, err)

	stats := attrs.NewStatsAggregator(5)
	stats.ObserveNumeric(3)
	stats.ObserveNumeric(5)

	materials := material.NewInterner()
	materials.Intern(material.Data{MetallicRough: material.PBRMetallicRoughness{TextureSetID: -1}})

	textures := texture.NewInterner()
	textures.Intern(texture.FormatJpg|texture.FormatPng, false)

	var usage [geometryDefinitionSlots]int64
	usage[0] = 2

	in := Input{
		LayerType:        "3DObject",
		SpatialReference: SpatialReference{WKID: 4326},
		RootOBB:          unitOBB(),
		PageSize:         64,
		LODMetricType:    "maxScreenThresholdSQ",
		NodeCount:        2,
		RunningMask:      mesh.MaskPos,
		GeometryUsage:    usage,
		Materials:        materials.Entries(),
		TextureSets:      textures.Definitions(),
		AttributeSlots:   []*attrs.Slot{slot},
		AttributeStats:   map[int]attrs.StatisticsDoc{0: stats.Document()},
	}

	out, err := Finalize(in)
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal(out.LayerJSON, &doc))
	assert.Equal(t, "1.7", doc.Store.Version)
	assert.Equal(t, 64, doc.NodePages.NodesPerPage)
	require.Len(t, doc.GeometryDefinitions, 1)
	require.Len(t, doc.MaterialDefinitions, 1)
	require.Len(t, doc.TextureSetDefinitions, 1)
	require.Len(t, doc.AttributeStorageInfo, 1)
	assert.Equal(t, "f_0", doc.AttributeStorageInfo[0].Key)

	var meta Metadata
	require.NoError(t, json.Unmarshal(out.MetadataJSON, &meta))
	assert.Equal(t, "1.7", meta.I3SVersion)
	assert.Equal(t, 2, meta.NodeCount)

	require.Contains(t, out.StatisticsJSON, 0)
	assert.Equal(t, 0, out.GeometryDense[0])
}

func TestFinalizeOmitsStatisticsForSlotsWithoutObservations(t *testing.T) {
	agg := attrs.NewAggregator()
	slot, err := agg.Declare(0, attrs.Int32, "height", "Height")
	require.NoError(t, err)

	in := Input{
		RootOBB:        unitOBB(),
		PageSize:       64,
		AttributeSlots: []*attrs.Slot{slot},
		AttributeStats: map[int]attrs.StatisticsDoc{},
	}
	out, err := Finalize(in)
	require.NoError(t, err)
	assert.NotContains(t, out.StatisticsJSON, 0)
}
