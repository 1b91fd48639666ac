// Package bvh implements the bounding-volume utility of spec.md §4.1: given
// a set of points (or the corners of existing bounding boxes), compute an
// oriented bounding box that closely contains them plus a concentric
// bounding sphere.
//
// spec.md §1 explicitly places "low-level geometry primitives (projection
// hulls, bounding-volume-hierarchy builders) used only by the bounding-box
// utility" out of scope; this package therefore implements the documented
// contract of §4.1 (fixed candidate axis set, metric-based selection,
// degeneracy handling, world-axis snapping) with a principal-axis search
// rather than reproducing Esri's internal disdyakis-dodecahedron rotating
// calipers (original_source/src/utils/utl_obb.cpp, utl_prohull.h).
package bvh

import (
	"math"

	"github.com/esri-i3s/slpk-writer/geo"
	"github.com/esri-i3s/slpk-writer/math32"
)

// Method selects the scalar metric used to choose among candidate OBB
// orientations, mirroring spec.md §4.1.
type Method int

const (
	MinimalSurfaceArea Method = iota // default
	MinimalDiameter
	MinimalVolume
)

// OBB is an oriented bounding box: center (double precision, per spec.md §3
// and §6), extents (single-precision half-lengths, always >= 0) and a unit
// orientation quaternion.
type OBB struct {
	Center      geo.Vec3
	Extents     math32.Vector3
	Orientation geo.Quat
}

// Sphere is a minimum bounding sphere concentric with an OBB's center.
type Sphere struct {
	Center geo.Vec3
	Radius float64
}

// Invalid returns the sentinel OBB the spec requires for empty input:
// "an invalid OBB with a sentinel extent (float::max) and zero center;
// callers must treat this as a programming error."
func Invalid() OBB {
	return OBB{
		Center:      geo.Vec3{},
		Extents:     math32.Vector3{X: math.MaxFloat32, Y: math.MaxFloat32, Z: math.MaxFloat32},
		Orientation: geo.IdentityQuat(),
	}
}

// IsInvalid reports whether obb is the Invalid() sentinel.
func (o OBB) IsInvalid() bool {
	return o.Extents.X == math.MaxFloat32 && o.Extents.Y == math.MaxFloat32 && o.Extents.Z == math.MaxFloat32
}

const axisSnapTolerance = 1e-5

var worldAxes = [3]geo.Vec3{
	geo.NewVec3(1, 0, 0),
	geo.NewVec3(0, 1, 0),
	geo.NewVec3(0, 0, 1),
}

// FromPoints computes the OBB and concentric bounding sphere for points,
// per spec.md §4.1 and §8's boundary cases.
func FromPoints(points []geo.Vec3, method Method) (OBB, Sphere) {
	if len(points) == 0 {
		return Invalid(), Sphere{Radius: 0}
	}
	if len(points) == 1 {
		return OBB{
				Center:      points[0],
				Extents:     math32.Vector3{X: 1, Y: 1, Z: 1},
				Orientation: geo.IdentityQuat(),
			}, Sphere{
				Center: points[0],
				Radius: 1,
			}
	}

	axes := candidateAxes(points)
	var best OBB
	bestMetric := math.Inf(1)
	for _, cand := range axes {
		obb := fitBox(points, cand)
		m := metric(method, obb.Extents)
		if m < bestMetric {
			bestMetric = m
			best = obb
		}
	}
	snapToWorldAxes(&best)

	maxDist := 0.0
	for _, p := range points {
		if d := best.Center.DistanceTo(p); d > maxDist {
			maxDist = d
		}
	}
	return best, Sphere{Center: best.Center, Radius: maxDist}
}

// FromBoxes computes the OBB/MBS that contains the eight corners of every
// input OBB, transformed into cartesian space by the caller beforehand.
// This is what the node assembler uses for a no-mesh parent (spec.md §4.6,
// "process_children": "if it has no mesh of its own, its OBB is computed
// from children OBBs in cartesian space").
func FromBoxes(boxes []OBB, method Method) (OBB, Sphere) {
	var points []geo.Vec3
	for _, b := range boxes {
		points = append(points, Corners(b)...)
	}
	return FromPoints(points, method)
}

// Corners returns the 8 corners of obb in world space.
func Corners(obb OBB) []geo.Vec3 {
	if obb.IsInvalid() {
		return nil
	}
	xAxis, yAxis, zAxis := axesOf(obb)
	corners := make([]geo.Vec3, 0, 8)
	for _, sx := range []float64{-1, 1} {
		for _, sy := range []float64{-1, 1} {
			for _, sz := range []float64{-1, 1} {
				offset := xAxis.Scale(sx * float64(obb.Extents.X)).
					Add(yAxis.Scale(sy * float64(obb.Extents.Y))).
					Add(zAxis.Scale(sz * float64(obb.Extents.Z)))
				corners = append(corners, obb.Center.Add(offset))
			}
		}
	}
	return corners
}

// axesOf reconstructs the orthonormal world-space axes of obb from its
// orientation quaternion.
func axesOf(obb OBB) (x, y, z geo.Vec3) {
	q := obb.Orientation
	x = q.Rotate(geo.NewVec3(1, 0, 0))
	y = q.Rotate(geo.NewVec3(0, 1, 0))
	z = q.Rotate(geo.NewVec3(0, 0, 1))
	return
}

// ContainsBox reports whether outer contains every corner of inner, within
// tolerance, per spec.md §8's "OBB of a non-leaf no-mesh node contains the
// OBBs of its children" testable property.
func ContainsBox(outer OBB, inner OBB, tolerance float64) bool {
	xAxis, yAxis, zAxis := axesOf(outer)
	for _, corner := range Corners(inner) {
		rel := corner.Sub(outer.Center)
		px := rel.Dot(xAxis)
		py := rel.Dot(yAxis)
		pz := rel.Dot(zAxis)
		if math.Abs(px) > float64(outer.Extents.X)+tolerance ||
			math.Abs(py) > float64(outer.Extents.Y)+tolerance ||
			math.Abs(pz) > float64(outer.Extents.Z)+tolerance {
			return false
		}
	}
	return true
}

type frame [3]geo.Vec3

// candidateAxes builds the set of candidate orthonormal frames to evaluate:
// the world axes, and a principal-axis frame derived from the point cloud's
// covariance (the in-scope stand-in for the out-of-scope rotating-calipers
// polyhedron search described in spec.md §4.1).
func candidateAxes(points []geo.Vec3) []frame {
	frames := []frame{worldAxes}
	if pca, ok := principalAxes(points); ok {
		frames = append(frames, pca)
	}
	return frames
}

func principalAxes(points []geo.Vec3) (frame, bool) {
	var mean geo.Vec3
	for _, p := range points {
		mean = mean.Add(p)
	}
	mean = mean.Scale(1 / float64(len(points)))

	var cov [3][3]float64
	for _, p := range points {
		d := p.Sub(mean)
		arr := [3]float64{d.X, d.Y, d.Z}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				cov[i][j] += arr[i] * arr[j]
			}
		}
	}
	n := float64(len(points))
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			cov[i][j] /= n
		}
	}

	vecs, ok := jacobiEigenvectors(cov)
	if !ok {
		return frame{}, false
	}
	x := vecs[0].Normalize()
	y := vecs[1].Normalize()
	z := x.Cross(y)
	if z.Length() < 1e-9 {
		return frame{}, false
	}
	z = z.Normalize()
	// Re-orthogonalize y to guard against numerical drift.
	y = z.Cross(x).Normalize()
	return frame{x, y, z}, true
}

// jacobiEigenvectors computes the eigenvectors of a symmetric 3x3 matrix
// using the cyclic Jacobi rotation method, returning them in descending
// eigenvalue order.
func jacobiEigenvectors(a [3][3]float64) ([3]geo.Vec3, bool) {
	m := a
	v := [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

	offDiag := func(m [3][3]float64) float64 {
		return math.Abs(m[0][1]) + math.Abs(m[0][2]) + math.Abs(m[1][2])
	}

	for iter := 0; iter < 64 && offDiag(m) > 1e-14; iter++ {
		for p := 0; p < 2; p++ {
			for q := p + 1; q < 3; q++ {
				if math.Abs(m[p][q]) < 1e-18 {
					continue
				}
				theta := (m[q][q] - m[p][p]) / (2 * m[p][q])
				t := math.Copysign(1, theta) / (math.Abs(theta) + math.Sqrt(theta*theta+1))
				c := 1 / math.Sqrt(t*t+1)
				s := t * c

				mpp, mqq, mpq := m[p][p], m[q][q], m[p][q]
				m[p][p] = c*c*mpp - 2*s*c*mpq + s*s*mqq
				m[q][q] = s*s*mpp + 2*s*c*mpq + c*c*mqq
				m[p][q] = 0
				m[q][p] = 0
				for r := 0; r < 3; r++ {
					if r != p && r != q {
						mrp, mrq := m[r][p], m[r][q]
						m[r][p] = c*mrp - s*mrq
						m[p][r] = m[r][p]
						m[r][q] = s*mrp + c*mrq
						m[q][r] = m[r][q]
					}
				}
				for r := 0; r < 3; r++ {
					vrp, vrq := v[r][p], v[r][q]
					v[r][p] = c*vrp - s*vrq
					v[r][q] = s*vrp + c*vrq
				}
			}
		}
	}

	type ev struct {
		val float64
		vec geo.Vec3
	}
	evs := make([]ev, 3)
	for i := 0; i < 3; i++ {
		evs[i] = ev{m[i][i], geo.NewVec3(v[0][i], v[1][i], v[2][i])}
	}
	for i := 0; i < 3; i++ {
		for j := i + 1; j < 3; j++ {
			if evs[j].val > evs[i].val {
				evs[i], evs[j] = evs[j], evs[i]
			}
		}
	}
	return [3]geo.Vec3{evs[0].vec, evs[1].vec, evs[2].vec}, true
}

func fitBox(points []geo.Vec3, f frame) OBB {
	minP := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	maxP := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for _, p := range points {
		for i, axis := range f {
			proj := p.Dot(axis)
			if proj < minP[i] {
				minP[i] = proj
			}
			if proj > maxP[i] {
				maxP[i] = proj
			}
		}
	}
	var center geo.Vec3
	extents := math32.Vector3{}
	for i, axis := range f {
		c := (minP[i] + maxP[i]) / 2
		e := (maxP[i] - minP[i]) / 2
		center = center.Add(axis.Scale(c))
		switch i {
		case 0:
			extents.X = float32(e)
		case 1:
			extents.Y = float32(e)
		case 2:
			extents.Z = float32(e)
		}
	}
	q := geo.QuatFromAxes(f[0], f[1], f[2]).Normalize()
	return OBB{Center: center, Extents: extents, Orientation: q}
}

func metric(method Method, e math32.Vector3) float64 {
	ex, ey, ez := float64(e.X), float64(e.Y), float64(e.Z)
	switch method {
	case MinimalDiameter:
		return 2 * math.Sqrt(ex*ex+ey*ey+ez*ez)
	case MinimalVolume:
		return 8 * ex * ey * ez
	default: // MinimalSurfaceArea
		return 8 * (ex*ey + ey*ez + ez*ex)
	}
}

// snapToWorldAxes snaps any axis within axisSnapTolerance of a world axis
// to that exact world axis, per spec.md §4.1: "snap any axis within a small
// tolerance of a world axis to that world axis."
func snapToWorldAxes(o *OBB) {
	x, y, z := axesOf(*o)
	axes := [3]*geo.Vec3{&x, &y, &z}
	for _, a := range axes {
		for _, w := range worldAxes {
			if math.Abs(a.Dot(w)-1) < axisSnapTolerance {
				*a = w
			} else if math.Abs(a.Dot(w)+1) < axisSnapTolerance {
				*a = w.Scale(-1)
			}
		}
	}
	// Re-derive the quaternion from the (possibly snapped) axes, flipping
	// the third axis if needed to preserve right-handedness.
	if x.Cross(y).Dot(z) < 0 {
		z = z.Scale(-1)
	}
	o.Orientation = geo.QuatFromAxes(x, y, z).Normalize()
}
