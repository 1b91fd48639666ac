// Package mesh implements the in-memory conditioned-mesh model of
// spec.md §4.2: positions (relative + absolute), normals, UVs, colors,
// UV-regions, feature IDs, and the conditioning operations applied before
// encoding (region absorption, normal/color dropping, UV sanitization,
// coordinate re-origin); the node assembler runs all of these except
// region absorption.
//
// Grounded on original_source/src/i3s/i3s_mesh_dom.h for the attribute-mask
// bit layout, and on g3n-engine/math32/array.go's flat-typed-buffer idiom
// for the per-vertex arrays.
package mesh

import (
	"errors"
	"fmt"
	"math"

	"github.com/esri-i3s/slpk-writer/geo"
	"github.com/esri-i3s/slpk-writer/math32"
)

// Kind distinguishes the two mesh shapes the format supports.
type Kind int

const (
	Triangles Kind = iota
	Points
)

// AttrMask is the bit set over {Pos, Normal, UV0, Color, Region, FeatureID}
// spec.md §4.2 requires: "setting or clearing a bit must correspond to
// population or emptying of the matching array."
type AttrMask uint8

const (
	MaskPos AttrMask = 1 << iota
	MaskNormal
	MaskUV0
	MaskColor
	MaskRegion
	MaskFeatureID
)

func (m AttrMask) Has(bit AttrMask) bool { return m&bit != 0 }

// WrapMode describes how a mesh's UV coordinates are sampled, computed
// lazily on first query per spec.md §4.2.
type WrapMode uint8

const (
	NoWrap WrapMode = 0
	WrapX  WrapMode = 1
	WrapY  WrapMode = 2
)

// Region is an atlas sub-rectangle addressed by a mesh's UVs, stored
// normalized in [0,1] (quantized to u16 only at legacy-buffer encode time).
type Region struct {
	UMin, VMin, UMax, VMax float32
}

// IndexedRegions is the (unique values, per-vertex index) pair spec.md §4.2
// describes: "assign from bulk ... reindexes UV-regions so the value array
// holds only unique quadruples."
type IndexedRegions struct {
	Values []Region
	Index  []uint32 // len == vertex count
}

// IndexedFeatureIDs is the (unique values, per-vertex index) pair backing a
// triangle mesh's feature-ID attribute. A nil Index with exactly one Values
// entry means every vertex belongs to that single feature.
type IndexedFeatureIDs struct {
	Values []uint64
	Index  []uint32 // len == vertex count, or nil
}

// Mesh is a conditioned mesh: one of {triangle mesh, point set}, per
// spec.md §3's "Mesh" data-model entry.
type Mesh struct {
	kind Kind

	origin   geo.Vec3
	relative []math32.Vector3 // valid when relValid
	absolute []geo.Vec3       // valid when absValid
	relValid bool
	absValid bool

	normals []math32.Vector3
	uvs     []math32.Vector2
	colors  [][4]uint8
	regions IndexedRegions

	featureIDs      IndexedFeatureIDs // triangle mesh
	pointFeatureIDs []uint64          // point mesh, one per point

	mask AttrMask

	wrapComputed bool
	wrapMode     WrapMode
}

// New creates an empty mesh of the given kind.
func New(kind Kind) *Mesh {
	return &Mesh{kind: kind}
}

// Kind returns the mesh's shape.
func (m *Mesh) Kind() Kind { return m.kind }

// Mask returns the current attribute mask.
func (m *Mesh) Mask() AttrMask { return m.mask }

// Origin returns the mesh's double-precision origin.
func (m *Mesh) Origin() geo.Vec3 { return m.origin }

// VertexCount returns the number of position entries (vertices for a
// triangle mesh, points for a point set).
func (m *Mesh) VertexCount() int {
	if m.relValid {
		return len(m.relative)
	}
	return len(m.absolute)
}

// BulkInput bundles the buffers AssignFromBulk shallow-takes.
type BulkInput struct {
	Origin          geo.Vec3
	Positions       []geo.Vec3 // absolute
	Normals         []math32.Vector3
	UVs             []math32.Vector2
	Colors          [][4]uint8
	Regions         []Region // per-vertex, pre-reindex; len must equal len(Positions) if non-nil
	FeatureIDIndex  []uint32 // triangle mesh only; per-vertex index into FeatureIDValues
	FeatureIDValues []uint64
	PointFeatureIDs []uint64 // point mesh only; one per point
}

// AssignFromBulk populates m from in, validating the invariants of
// spec.md §3: triangle vertex count is a multiple of 3, indexed-attribute
// index arrays are in range, and UV-region count equals vertex count when
// present. UV-regions are reindexed here so the value array holds only
// unique quadruples.
func (m *Mesh) AssignFromBulk(in BulkInput) error {
	n := len(in.Positions)
	if m.kind == Triangles && n%3 != 0 {
		return fmt.Errorf("mesh: triangle vertex count %d is not a multiple of 3", n)
	}
	if in.Regions != nil && len(in.Regions) != n {
		return fmt.Errorf("mesh: region count %d does not match vertex count %d", len(in.Regions), n)
	}
	if in.Normals != nil && len(in.Normals) != n {
		return fmt.Errorf("mesh: normal count %d does not match vertex count %d", len(in.Normals), n)
	}
	if in.UVs != nil && len(in.UVs) != n {
		return fmt.Errorf("mesh: uv count %d does not match vertex count %d", len(in.UVs), n)
	}
	if in.Colors != nil && len(in.Colors) != n {
		return fmt.Errorf("mesh: color count %d does not match vertex count %d", len(in.Colors), n)
	}

	m.origin = in.Origin
	m.absolute = append([]geo.Vec3(nil), in.Positions...)
	m.absValid = true
	m.relValid = false
	m.relative = nil

	m.mask = MaskPos
	m.normals = nil
	m.uvs = nil
	m.colors = nil
	m.regions = IndexedRegions{}
	m.featureIDs = IndexedFeatureIDs{}
	m.pointFeatureIDs = nil
	m.wrapComputed = false

	if in.Normals != nil {
		m.normals = append([]math32.Vector3(nil), in.Normals...)
		m.mask |= MaskNormal
	}
	if in.UVs != nil {
		m.uvs = append([]math32.Vector2(nil), in.UVs...)
		m.mask |= MaskUV0
	}
	if in.Colors != nil {
		m.colors = append([][4]uint8(nil), in.Colors...)
		m.mask |= MaskColor
	}
	if in.Regions != nil {
		m.regions = reindexRegions(in.Regions)
		m.mask |= MaskRegion
	}

	switch m.kind {
	case Triangles:
		if in.FeatureIDIndex != nil {
			for _, idx := range in.FeatureIDIndex {
				if int(idx) >= len(in.FeatureIDValues) {
					return fmt.Errorf("mesh: feature-id index %d out of range of %d values", idx, len(in.FeatureIDValues))
				}
			}
			if len(in.FeatureIDIndex)%3 != 0 {
				return errors.New("mesh: feature-id index length is not divisible by 3")
			}
			m.featureIDs = IndexedFeatureIDs{
				Values: append([]uint64(nil), in.FeatureIDValues...),
				Index:  append([]uint32(nil), in.FeatureIDIndex...),
			}
			m.mask |= MaskFeatureID
		} else if len(in.FeatureIDValues) > 0 {
			m.featureIDs = IndexedFeatureIDs{Values: append([]uint64(nil), in.FeatureIDValues...)}
			m.mask |= MaskFeatureID
		}
	case Points:
		if in.PointFeatureIDs != nil {
			if len(in.PointFeatureIDs) != n {
				return fmt.Errorf("mesh: point feature id count %d does not match point count %d", len(in.PointFeatureIDs), n)
			}
			m.pointFeatureIDs = append([]uint64(nil), in.PointFeatureIDs...)
			m.mask |= MaskFeatureID
		}
	}
	return nil
}

func reindexRegions(raw []Region) IndexedRegions {
	values := make([]Region, 0, len(raw))
	index := make([]uint32, len(raw))
	seen := make(map[Region]uint32, len(raw))
	for i, r := range raw {
		id, ok := seen[r]
		if !ok {
			id = uint32(len(values))
			values = append(values, r)
			seen[r] = id
		}
		index[i] = id
	}
	return IndexedRegions{Values: values, Index: index}
}

// RegionAt returns the UV region of vertex i.
func (m *Mesh) RegionAt(i int) Region {
	return m.regions.Values[m.regions.Index[i]]
}

// FeatureIDAt returns the feature id covering vertex i (triangle mesh) or
// point i (point mesh).
func (m *Mesh) FeatureIDAt(i int) uint64 {
	if m.kind == Points {
		if m.pointFeatureIDs == nil {
			return 0
		}
		return m.pointFeatureIDs[i]
	}
	if m.featureIDs.Index == nil {
		if len(m.featureIDs.Values) == 0 {
			return 0
		}
		return m.featureIDs.Values[0]
	}
	return m.featureIDs.Values[m.featureIDs.Index[i]]
}

// FeatureValues returns the unique feature-id values of a triangle mesh.
func (m *Mesh) FeatureValues() []uint64 { return m.featureIDs.Values }

// FeatureIndex returns the per-vertex feature index, or nil if every vertex
// shares the single feature in FeatureValues()[0].
func (m *Mesh) FeatureIndex() []uint32 { return m.featureIDs.Index }

// AbsolutePositions lazily materializes the absolute position view from the
// relative view plus origin, per spec.md §4.2.
func (m *Mesh) AbsolutePositions() []geo.Vec3 {
	if !m.absValid {
		m.absolute = make([]geo.Vec3, len(m.relative))
		for i, r := range m.relative {
			m.absolute[i] = m.origin.Add(geo.NewVec3(float64(r.X), float64(r.Y), float64(r.Z)))
		}
		m.absValid = true
	}
	return m.absolute
}

// RelativePositions lazily materializes the relative (to origin) view from
// the absolute view, per spec.md §4.2.
func (m *Mesh) RelativePositions() []math32.Vector3 {
	if !m.relValid {
		m.relative = make([]math32.Vector3, len(m.absolute))
		for i, a := range m.absolute {
			d := a.Sub(m.origin)
			m.relative[i] = math32.Vector3{X: float32(d.X), Y: float32(d.Y), Z: float32(d.Z)}
		}
		m.relValid = true
	}
	return m.relative
}

// UpdatePositions replaces the relative-position array with one computed
// against newOrigin, invalidating the absolute-position view, per
// spec.md §4.2: "update positions: replace the relative-position array
// with a new one computed against a caller-provided new origin; absolute
// positions view is invalidated."
func (m *Mesh) UpdatePositions(newOrigin geo.Vec3) {
	abs := m.AbsolutePositions()
	m.origin = newOrigin
	m.relative = make([]math32.Vector3, len(abs))
	for i, a := range abs {
		d := a.Sub(newOrigin)
		m.relative[i] = math32.Vector3{X: float32(d.X), Y: float32(d.Y), Z: float32(d.Z)}
	}
	m.relValid = true
	m.absValid = false
	m.absolute = nil
}

// DropRegions absorbs each vertex's UV-region into its UV coordinates and
// clears the region array, per spec.md §4.2. Precondition: UVs are not
// wrap-sampled (WrapMode() == NoWrap).
func (m *Mesh) DropRegions() error {
	if !m.mask.Has(MaskRegion) || !m.mask.Has(MaskUV0) {
		return nil
	}
	if m.WrapMode() != NoWrap {
		return errors.New("mesh: cannot drop regions while UVs are wrap-sampled")
	}
	for i := range m.uvs {
		r := m.RegionAt(i)
		m.uvs[i].X = m.uvs[i].X*(r.UMax-r.UMin) + r.UMin
		m.uvs[i].Y = m.uvs[i].Y*(r.VMax-r.VMin) + r.VMin
	}
	m.regions = IndexedRegions{}
	m.mask &^= MaskRegion
	m.wrapComputed = false
	return nil
}

// DropNormals discards the normal array and clears MaskNormal.
func (m *Mesh) DropNormals() {
	m.normals = nil
	m.mask &^= MaskNormal
}

// DropColors discards the color array and clears MaskColor.
func (m *Mesh) DropColors() {
	m.colors = nil
	m.mask &^= MaskColor
}

// Normals returns the per-vertex normal array, or nil if absent.
func (m *Mesh) Normals() []math32.Vector3 { return m.normals }

// UVs returns the per-vertex UV array, or nil if absent.
func (m *Mesh) UVs() []math32.Vector2 { return m.uvs }

// Colors returns the per-vertex RGBA8 color array, or nil if absent.
func (m *Mesh) Colors() [][4]uint8 { return m.colors }

// CreateNormals populates flat per-face normals from relative positions:
// each of a triangle's three vertices receives the same face-normal
// direction, computed as normalize(cross(p1-p0, p2-p1)) (or its negation
// for a left-handed reference frame), per spec.md §4.2.
func (m *Mesh) CreateNormals(leftHanded bool) {
	if m.kind != Triangles {
		return
	}
	positions := m.RelativePositions()
	m.normals = make([]math32.Vector3, len(positions))
	for i := 0; i+2 < len(positions); i += 3 {
		p0, p1, p2 := positions[i], positions[i+1], positions[i+2]
		var e1, e2 math32.Vector3
		e1.SubVectors(&p1, &p0)
		e2.SubVectors(&p2, &p1)
		var n math32.Vector3
		n.CrossVectors(&e1, &e2)
		n.Normalize()
		if leftHanded {
			n.Negate()
		}
		m.normals[i] = n
		m.normals[i+1] = n
		m.normals[i+2] = n
	}
	m.mask |= MaskNormal
}

// SanitizeUVs replaces any UV component that is non-finite or whose
// magnitude exceeds maxMagnitude with 1.0, and returns how many components
// were fixed, per spec.md §4.2.
func (m *Mesh) SanitizeUVs(maxMagnitude float32) int {
	fixed := 0
	for i := range m.uvs {
		if !isFiniteWithin(m.uvs[i].X, maxMagnitude) {
			m.uvs[i].X = 1.0
			fixed++
		}
		if !isFiniteWithin(m.uvs[i].Y, maxMagnitude) {
			m.uvs[i].Y = 1.0
			fixed++
		}
	}
	return fixed
}

func isFiniteWithin(v, maxMagnitude float32) bool {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return false
	}
	return math.Abs(f) <= float64(maxMagnitude)
}

// WrapMode is lazily computed on first query: NoWrap iff every UV
// component lies in [0,1]; otherwise WrapX/WrapY are set for whichever
// axis leaves that range, and the two bits combine, per spec.md §4.2.
func (m *Mesh) WrapMode() WrapMode {
	if m.wrapComputed {
		return m.wrapMode
	}
	var mode WrapMode
	for _, uv := range m.uvs {
		if uv.X < 0 || uv.X > 1 {
			mode |= WrapX
		}
		if uv.Y < 0 || uv.Y > 1 {
			mode |= WrapY
		}
	}
	m.wrapMode = mode
	m.wrapComputed = true
	return mode
}

// ScaleXY multiplies every relative position's X component by sx and Y
// component by sy in place, returning the pre-scale positions so the
// caller can restore them afterward, per spec.md §4.6: "scale coordinates
// anisotropically ... invoke the injected Draco encoder with the two
// scale values. Restore the pre-scale positions afterward."
func (m *Mesh) ScaleXY(sx, sy float32) []math32.Vector3 {
	rel := m.RelativePositions()
	saved := append([]math32.Vector3(nil), rel...)
	for i := range rel {
		rel[i].X *= sx
		rel[i].Y *= sy
	}
	m.absValid = false
	m.absolute = nil
	return saved
}

// RestoreRelativePositions replaces the relative-position array with saved
// (typically the value ScaleXY returned) and invalidates the absolute
// cache.
func (m *Mesh) RestoreRelativePositions(saved []math32.Vector3) {
	m.relative = saved
	m.relValid = true
	m.absValid = false
	m.absolute = nil
}

// AllTrianglesDegenerate reports whether every triangle has at least one
// side shorter than edgeThreshold, per spec.md §4.6's Draco-failure
// classification ("a mesh whose triangles are all degenerate (sides
// shorter than 1e-3)").
func (m *Mesh) AllTrianglesDegenerate(edgeThreshold float32) bool {
	if m.kind != Triangles {
		return false
	}
	positions := m.RelativePositions()
	if len(positions) < 3 {
		return true
	}
	for i := 0; i+2 < len(positions); i += 3 {
		p0, p1, p2 := positions[i], positions[i+1], positions[i+2]
		if !triangleDegenerate(p0, p1, p2, edgeThreshold) {
			return false
		}
	}
	return true
}

func triangleDegenerate(p0, p1, p2 math32.Vector3, edgeThreshold float32) bool {
	var e0, e1, e2 math32.Vector3
	e0.SubVectors(&p1, &p0)
	e1.SubVectors(&p2, &p1)
	e2.SubVectors(&p0, &p2)
	return e0.Length() < edgeThreshold || e1.Length() < edgeThreshold || e2.Length() < edgeThreshold
}

// AllColorsOpaqueWhite reports whether every color entry is (255,255,255,255).
func (m *Mesh) AllColorsOpaqueWhite() bool {
	for _, c := range m.colors {
		if c != [4]uint8{255, 255, 255, 255} {
			return false
		}
	}
	return true
}
