// Package node implements the node assembler of spec.md §4.6:
// create_output_node, process_children, and create_node, plus the
// per-node JSON document shapes (nodepages entries and the legacy
// 3dNodeIndexDocument) that feed the page builder and the archive.
//
// Grounded on original_source/src/i3s/i3s_writer_impl.cpp for the
// assembly procedure and original_source/src/i3s/i3s_index_dom.h for the
// Node_desc_v17/Legacy_node_desc field names (index, parentIndex,
// lodThreshold, obb, mesh{material,geometry,attribute}, children,
// sharedResource). Libs: mesh, bvh, legacy, material, texture, attrs,
// archive, trace, werr — this package is pure orchestration glue over
// those, no new third-party dependency is introduced here.
package node

import (
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/esri-i3s/slpk-writer/archive"
	"github.com/esri-i3s/slpk-writer/attrs"
	"github.com/esri-i3s/slpk-writer/bvh"
	"github.com/esri-i3s/slpk-writer/geo"
	"github.com/esri-i3s/slpk-writer/layer"
	"github.com/esri-i3s/slpk-writer/legacy"
	"github.com/esri-i3s/slpk-writer/material"
	"github.com/esri-i3s/slpk-writer/mesh"
	"github.com/esri-i3s/slpk-writer/texture"
	"github.com/esri-i3s/slpk-writer/trace"
	"github.com/esri-i3s/slpk-writer/werr"
)

// ID is a client-assigned node identifier, per spec.md §3.
type ID = int

// InvalidID is the sentinel a Simple node's Children list may carry to
// denote "an empty leaf that must be skipped", per spec.md §3.
const InvalidID ID = -1

// AttributeField is one node's submission for a single logical attribute
// field index, per spec.md §3's "Attribute-schema slot". Type == Unknown
// is a null submission: it locks nothing and contributes no values.
type AttributeField struct {
	Index   int
	Name    string
	Alias   string
	Type    attrs.ScalarType
	Numeric []float64              // used when Type.IsNumeric() && Type != Unknown
	Strings []attrs.NullableString // used when Type == String or Type == GUID
}

// SimpleNode is the client-submitted input of spec.md §3's "Simple node":
// an optional mesh, an LOD threshold, child IDs (InvalidID elided), and a
// depth.
type SimpleNode struct {
	ID           ID
	Depth        int
	LODThreshold float64 // maximum-screen-area metric
	Children     []ID

	Mesh       *mesh.Mesh
	Material   material.Data
	TextureRaw texture.Buffer  // optional; zero value means no texture payload
	Attributes []AttributeField
}

// InternalRecord is the writer-internal record of spec.md §3's "Internal
// node record": bounding box, sphere, depth, per-mesh geometry-definition
// ID, material/texture-set IDs, children, and parent.
type InternalRecord struct {
	ID           ID
	ParentID     ID // InvalidID until process_children assigns it
	Depth        int
	Children     []ID
	LODThreshold float64
	LODMaxScreenSize float64

	OBB    bvh.OBB
	Sphere bvh.Sphere

	HasMesh            bool
	Kind               mesh.Kind
	VertexCount        int
	FeatureCount       int
	GeometryDefKey     int // -1 when HasMesh is false
	MaterialID         int // -1 when HasMesh is false
	TextureSetID       int // -1 when no texture
	Meshless           bool // true if Draco failed on an all-degenerate mesh

	LegacyGeometry []byte
	DracoGeometry  []byte
	TexturePayloads map[texture.Format][]byte
	TextureTags     map[texture.Format]string

	AttributeBuffers map[int][]byte
}

// WorkingSet is the minimal map contract the node assembler needs from
// the writer's shared staging area, per spec.md §3's "Working set". It is
// declared here (rather than node importing writer) so that writer's
// concrete mutex-guarded map can satisfy it without creating an import
// cycle between the two packages.
type WorkingSet interface {
	Get(id ID) (*InternalRecord, bool)
	Put(id ID, rec *InternalRecord)
	Remove(id ID)
}

// Config bundles the per-layer policy the node assembler needs beyond the
// injected Codecs: the spatial reference, paging defaults shared with
// layer.Finalize, and the tunable thresholds spec.md §4.6 names.
type Config struct {
	LayerType           string
	SpatialReference    layer.SpatialReference
	OBBMethod           bvh.Method
	DesiredTextureFormats texture.Format
	MaxTextureSize      int
	NormalAngleThresholdDeg float64 // default 1.0
	DegenerateEdgeThreshold float32 // default 1e-3
	// NormalFrameTransform maps absolute positions into the normal
	// comparison frame (ECEF, East-North-Up, or vertex-local); nil means
	// vertex-local (no transform), which is always a legal choice per
	// spec.md §4.6.
	NormalFrameTransform layer.Transform
}

func (c Config) normalAngleThreshold() float64 {
	if c.NormalAngleThresholdDeg == 0 {
		return 1.0
	}
	return c.NormalAngleThresholdDeg
}

func (c Config) degenerateThreshold() float32 {
	if c.DegenerateEdgeThreshold == 0 {
		return 1e-3
	}
	return c.DegenerateEdgeThreshold
}

// Assembler is the node-assembly engine of spec.md §4.6: shared state is
// the material/texture interners, the attribute aggregator, the layer-wide
// running attribute mask, and the geometry-definition usage counters —
// all safe for concurrent use by multiple create_output_node callers, per
// spec.md §5's "the writer may be driven concurrently by multiple
// producers calling create_output_node, provided each produces distinct
// node IDs."
type Assembler struct {
	Config Config
	Codecs archive.Codecs
	Sink   archive.Archive
	Tracker trace.Tracker

	Materials  *material.Interner
	Textures   *texture.Interner
	Attributes *attrs.Aggregator

	mu          sync.Mutex
	runningMask mesh.AttrMask
	usage       [8]int64
}

// NewAssembler builds an Assembler with fresh interners and aggregator.
func NewAssembler(cfg Config, codecs archive.Codecs, sink archive.Archive, tracker trace.Tracker) *Assembler {
	return &Assembler{
		Config:     cfg,
		Codecs:     codecs,
		Sink:       sink,
		Tracker:    tracker,
		Materials:  material.NewInterner(),
		Textures:   texture.NewInterner(),
		Attributes: attrs.NewAggregator(),
	}
}

// RunningMask returns the OR of every mesh attribute mask seen so far,
// the layer-wide mask layer.Finalize needs to derive the legacy geometry
// schema.
func (a *Assembler) RunningMask() mesh.AttrMask {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runningMask
}

// GeometryUsage returns a snapshot of the per-key usage counters
// layer.Finalize consumes to decide which of the 8 geometry-definition
// keys to emit.
func (a *Assembler) GeometryUsage() [8]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

func (a *Assembler) orIntoRunningMask(mask mesh.AttrMask) {
	a.mu.Lock()
	a.runningMask |= mask
	a.mu.Unlock()
}

func (a *Assembler) incrementUsage(key int) {
	a.mu.Lock()
	a.usage[key]++
	a.mu.Unlock()
}

// CreateOutputNode runs spec.md §4.6's create_output_node procedure for n
// and stages the resulting InternalRecord in ws. The archive writes happen
// after the record is computed, per spec.md §4.9: "the actual archive
// write happens after releasing the lock."
func (a *Assembler) CreateOutputNode(ws WorkingSet, n SimpleNode) (*InternalRecord, error) {
	rec := &InternalRecord{
		ID:           n.ID,
		ParentID:     InvalidID,
		Depth:        n.Depth,
		Children:     elideInvalid(n.Children),
		LODThreshold: n.LODThreshold,
		LODMaxScreenSize: 2 * math.Sqrt(n.LODThreshold/math.Pi),
		GeometryDefKey: -1,
		MaterialID:     -1,
		TextureSetID:   -1,
		TexturePayloads: map[texture.Format][]byte{},
		TextureTags:     map[texture.Format]string{},
		AttributeBuffers: map[int][]byte{},
	}

	if n.Mesh != nil {
		rec.HasMesh = true
		rec.Kind = n.Mesh.Kind()
		rec.VertexCount = n.Mesh.VertexCount()
		a.orIntoRunningMask(n.Mesh.Mask())

		if err := a.computeOBB(n.Mesh, rec); err != nil {
			return nil, err
		}

		legacyBytes, err := legacy.Encode(n.Mesh)
		if err != nil {
			return nil, err
		}
		rec.LegacyGeometry = legacyBytes

		normalsDropped := false
		colorsDropped := false
		regionsAbsent := !n.Mesh.Mask().Has(mesh.MaskRegion)

		if a.Codecs.EncodeToDraco != nil && (a.Config.LayerType == "mesh" || a.Config.LayerType == "point") {
			normalsDropped, colorsDropped, err = a.encodeDraco(n.Mesh, rec)
			if err != nil {
				return nil, err
			}
			regionsAbsent = !n.Mesh.Mask().Has(mesh.MaskRegion)
		}

		key := geometryDefinitionKey(normalsDropped, colorsDropped, regionsAbsent)
		rec.GeometryDefKey = key
		a.incrementUsage(key)

		if err := a.internMaterialAndTexture(n, rec); err != nil {
			return nil, err
		}
	}

	// Attributes are node-level data, submitted whether or not the node
	// carries a mesh, per spec.md §3's "Attribute-schema slot".
	if err := a.encodeAttributes(n.Attributes, rec); err != nil {
		return nil, err
	}

	ws.Put(n.ID, rec)
	return rec, a.writeNodePayloads(rec)
}

func elideInvalid(children []ID) []ID {
	out := make([]ID, 0, len(children))
	for _, c := range children {
		if c != InvalidID {
			out = append(out, c)
		}
	}
	return out
}

// computeOBB implements the OBB half of create_output_node step 2, per
// spec.md §4.6: "compute the OBB in the layer's spatial reference: collect
// absolute positions, convert to cartesian using the injected
// to_cartesian_space, compute OBB via §4.1, then inverse-transform the
// center back, updating relative positions to be expressed against the
// new center."
func (a *Assembler) computeOBB(m *mesh.Mesh, rec *InternalRecord) error {
	absPositions := m.AbsolutePositions()
	cartesian, ok := archive.ToCartesianSpace(a.Codecs, a.Config.SpatialReference, append([]geo.Vec3(nil), absPositions...))
	if !ok {
		return &werr.InternalError{What: "to_cartesian_space failed during OBB computation"}
	}
	obb, sphere := bvh.FromPoints(cartesian, a.Config.OBBMethod)
	if obb.IsInvalid() {
		return &werr.EmptyLeafNode{NodeID: int64(rec.ID)}
	}

	centerBack, ok := archive.FromCartesianSpace(a.Codecs, a.Config.SpatialReference, []geo.Vec3{obb.Center})
	if !ok {
		return &werr.InternalError{What: "from_cartesian_space failed during OBB computation"}
	}
	obb.Center = centerBack[0]
	sphere.Center = obb.Center

	m.UpdatePositions(obb.Center)
	rec.OBB = obb
	rec.Sphere = sphere
	return nil
}

// encodeDraco runs the Draco half of create_output_node step 2: the
// normal-droppability test, opaque-white color dropping, UV sanitization,
// anisotropic scale, and the injected Draco encoder, per spec.md §4.6. It
// returns (normalsDropped, colorsDropped, error); a Draco failure on an
// all-degenerate mesh demotes to a warning (meshless node, no error).
func (a *Assembler) encodeDraco(m *mesh.Mesh, rec *InternalRecord) (normalsDropped, colorsDropped bool, err error) {
	normalsDropped = a.normalsDroppable(m)
	if normalsDropped {
		m.DropNormals()
	}
	if m.Mask().Has(mesh.MaskColor) && m.AllColorsOpaqueWhite() {
		m.DropColors()
		colorsDropped = true
	}
	m.SanitizeUVs(1.0)

	scaleX, scaleY := a.ellipsoidAxisScale(m)
	saved := m.ScaleXY(float32(scaleX), float32(scaleY))

	dracoBytes, encErr := a.Codecs.EncodeToDraco(m, scaleX, scaleY)
	m.RestoreRelativePositions(saved)

	if encErr != nil {
		if m.AllTrianglesDegenerate(a.Config.degenerateThreshold()) {
			trace.Warn(a.Tracker, int64(rec.ID), "draco_degenerate_mesh", fmt.Sprintf("draco encode failed on all-degenerate mesh: %v", encErr))
			rec.Meshless = true
			return normalsDropped, colorsDropped, nil
		}
		return normalsDropped, colorsDropped, &werr.CompressionError{Format: "draco"}
	}
	rec.DracoGeometry = dracoBytes
	return normalsDropped, colorsDropped, nil
}

// normalsDroppable implements spec.md §4.6's normal-droppability test:
// "transform positions into the layer's normal-reference frame ... for
// each non-degenerate triangle compute its face normal and compare to
// each submitted vertex normal by angle; if every such angle is <= 1.0°,
// normals are implicit and may be dropped."
func (a *Assembler) normalsDroppable(m *mesh.Mesh) bool {
	if m.Kind() != mesh.Triangles || !m.Mask().Has(mesh.MaskNormal) {
		return false
	}
	positions := m.AbsolutePositions()
	frame := positions
	if a.Config.NormalFrameTransform != nil {
		transformed, ok := a.Config.NormalFrameTransform(a.Config.SpatialReference, positions)
		if ok {
			frame = transformed
		}
	}
	normals := m.Normals()
	threshold := a.Config.normalAngleThreshold()
	edgeThreshold := a.Config.degenerateThreshold()

	for i := 0; i+2 < len(frame); i += 3 {
		p0, p1, p2 := frame[i], frame[i+1], frame[i+2]
		e0 := p1.Sub(p0)
		e1 := p2.Sub(p1)
		if e0.Length() < float64(edgeThreshold) || e1.Length() < float64(edgeThreshold) {
			continue // degenerate triangle, skip
		}
		faceNormal := e0.Cross(e1).Normalize()
		for _, vi := range [3]int{i, i + 1, i + 2} {
			n := normals[vi]
			v := geo.NewVec3(float64(n.X), float64(n.Y), float64(n.Z)).Normalize()
			angle := vectorAngleDegrees(faceNormal, v)
			if angle > threshold {
				return false
			}
		}
	}
	return true
}

func vectorAngleDegrees(a, b geo.Vec3) float64 {
	dot := a.Dot(b)
	if dot > 1 {
		dot = 1
	}
	if dot < -1 {
		dot = -1
	}
	return math.Acos(dot) * 180 / math.Pi
}

// ellipsoidAxisScale derives the anisotropic X/Y scale spec.md §4.6 asks
// for: "derive per-axis scale by measuring cartesian displacement of unit
// eastward/northward steps at the mesh origin", pinned to
// original_source/src/i3s/i3s_writer_impl.cpp's probe: step one unit east
// from the origin, then one unit north from that point, transform all
// three points to cartesian space, and measure the two segment lengths.
// Scaling is skipped (returns 1,1) unless a segment's length deviates
// from 1.0 by more than 10 units, matching the original's globe-mode
// threshold.
func (a *Assembler) ellipsoidAxisScale(m *mesh.Mesh) (float64, float64) {
	if a.Codecs.ToCartesianSpace == nil {
		return 1, 1
	}
	origin := m.Origin()
	east := origin.Add(geo.NewVec3(1, 0, 0))
	north := east.Add(geo.NewVec3(0, 1, 0))
	frame, ok := archive.ToCartesianSpace(a.Codecs, a.Config.SpatialReference, []geo.Vec3{origin, east, north})
	if !ok || len(frame) != 3 {
		return 1, 1
	}
	scaleX := frame[1].Sub(frame[0]).Length()
	scaleY := frame[2].Sub(frame[1]).Length()

	const anisotropyThreshold = 10.0
	if math.Abs(scaleX-1.0) > anisotropyThreshold || math.Abs(scaleY-1.0) > anisotropyThreshold {
		return scaleX, scaleY
	}
	return 1, 1
}

// geometryDefinitionKey computes the 3-bit key of spec.md §3/§4.6.
func geometryDefinitionKey(normalsDropped, colorsDropped, regionsAbsent bool) int {
	key := 0
	if normalsDropped {
		key |= 1
	}
	if colorsDropped {
		key |= 2
	}
	if regionsAbsent {
		key |= 4
	}
	return key
}

// internMaterialAndTexture interns n's material and texture set, per
// spec.md §4.4/§4.5, filling rec.MaterialID/TextureSetID and the
// per-format payload map the archive write step consumes.
func (a *Assembler) internMaterialAndTexture(n SimpleNode, rec *InternalRecord) error {
	mat := n.Material
	mat.MetallicRough.TextureSetID = -1

	hasTexture := n.TextureRaw.Raw != nil || len(n.TextureRaw.Images) > 0
	if hasTexture {
		ctx := texture.Context{
			MaxTextureSize: a.Config.MaxTextureSize,
			DecodeJPEG:     a.Codecs.DecodeJPEG,
			DecodePNG:      a.Codecs.DecodePNG,
			Encoders:       a.encodersMap(),
		}
		desired := a.Config.DesiredTextureFormats
		if desired == 0 {
			desired = texture.FormatJpg | texture.FormatPng
		}
		payloads, _, err := texture.EncodeSet(ctx, n.TextureRaw, desired)
		if err != nil {
			return err
		}
		rec.TexturePayloads = payloads

		var mask texture.Format
		for f := range payloads {
			mask |= f
		}
		setID := a.Textures.Intern(mask, false)
		rec.TextureSetID = setID
		for _, def := range a.Textures.Definitions() {
			if def.ID != setID {
				continue
			}
			for _, e := range def.Entries {
				rec.TextureTags[e.Format] = e.Tag
			}
		}
		mat.MetallicRough.TextureSetID = setID
	}

	rec.MaterialID = a.Materials.Intern(mat)
	return nil
}

// encodersMap adapts the Codecs bundle's per-format encoder closures into
// the map texture.Context wants, omitting any format whose closure was
// never injected (absence of a closure disables that format, per
// spec.md §6).
func (a *Assembler) encodersMap() map[texture.Format]func(*image.RGBA) ([]byte, error) {
	out := make(map[texture.Format]func(*image.RGBA) ([]byte, error))
	if a.Codecs.EncodeToJPEG != nil {
		out[texture.FormatJpg] = a.Codecs.EncodeToJPEG
	}
	if a.Codecs.EncodeToPNG != nil {
		out[texture.FormatPng] = a.Codecs.EncodeToPNG
	}
	if a.Codecs.EncodeToDXTWithMips != nil {
		out[texture.FormatDxt] = a.Codecs.EncodeToDXTWithMips
	}
	if a.Codecs.EncodeToETC2WithMips != nil {
		out[texture.FormatEtc2] = a.Codecs.EncodeToETC2WithMips
	}
	return out
}

// encodeAttributes validates each field against the aggregator, encodes
// it per spec.md §3's attribute buffer layout, feeds its statistics
// aggregator, and stages the resulting bytes in rec.AttributeBuffers.
func (a *Assembler) encodeAttributes(fields []AttributeField, rec *InternalRecord) error {
	for _, f := range fields {
		slot, err := a.Attributes.Declare(f.Index, f.Type, f.Name, f.Alias)
		if err != nil {
			return err
		}
		if f.Type == attrs.Unknown {
			if slot.Stats != nil {
				slot.Stats.ObserveNull()
			}
			continue
		}
		data, err := encodeAttributeValues(slot.Type, f)
		if err != nil {
			return err
		}
		rec.AttributeBuffers[f.Index] = data
		observeStats(slot, f)
	}
	return nil
}

func observeStats(slot *attrs.Slot, f AttributeField) {
	if slot.Stats == nil {
		return
	}
	if slot.Type.IsNumeric() {
		for _, v := range f.Numeric {
			slot.Stats.ObserveNumeric(v)
		}
		return
	}
	for _, s := range f.Strings {
		if !s.Valid {
			slot.Stats.ObserveNull()
			continue
		}
		slot.Stats.ObserveString(s.Value)
	}
}

func encodeAttributeValues(t attrs.ScalarType, f AttributeField) ([]byte, error) {
	switch t {
	case attrs.Int8:
		return attrs.EncodeScalar(toNumeric[int8](f.Numeric)), nil
	case attrs.UInt8:
		return attrs.EncodeScalar(toNumeric[uint8](f.Numeric)), nil
	case attrs.Int16:
		return attrs.EncodeScalar(toNumeric[int16](f.Numeric)), nil
	case attrs.UInt16:
		return attrs.EncodeScalar(toNumeric[uint16](f.Numeric)), nil
	case attrs.Int32:
		return attrs.EncodeScalar(toNumeric[int32](f.Numeric)), nil
	case attrs.UInt32:
		return attrs.EncodeScalar(toNumeric[uint32](f.Numeric)), nil
	case attrs.Int64, attrs.Date, attrs.ObjectID, attrs.GlobalID:
		return attrs.EncodeScalar(toNumeric[int64](f.Numeric)), nil
	case attrs.UInt64:
		return attrs.EncodeScalar(toNumeric[uint64](f.Numeric)), nil
	case attrs.Float32:
		return attrs.EncodeScalar(toNumeric[float32](f.Numeric)), nil
	case attrs.Float64:
		return attrs.EncodeScalar(f.Numeric), nil
	case attrs.String, attrs.GUID:
		return attrs.EncodeStrings(f.Strings), nil
	default:
		return nil, &werr.InternalError{What: fmt.Sprintf("unencodable attribute type %s", t)}
	}
}

func toNumeric[T attrs.Numeric](vals []float64) []T {
	out := make([]T, len(vals))
	for i, v := range vals {
		out[i] = T(v)
	}
	return out
}

// writeNodePayloads appends every archive file create_output_node
// produces, per spec.md §6's archive layout table. Called after the
// record is staged, outside the working-set lock, per spec.md §4.9.
func (a *Assembler) writeNodePayloads(rec *InternalRecord) error {
	if rec.HasMesh {
		geomPath := fmt.Sprintf("nodes/%d/geometries/0.bin", rec.ID)
		if err := archive.AppendOrError(a.Sink, geomPath, rec.LegacyGeometry); err != nil {
			return err
		}
		if rec.DracoGeometry != nil {
			dracoPath := fmt.Sprintf("nodes/%d/geometries/1.bin", rec.ID)
			if err := archive.AppendOrError(a.Sink, dracoPath, rec.DracoGeometry); err != nil {
				return err
			}
		}
		for format, payload := range rec.TexturePayloads {
			tag := rec.TextureTags[format]
			if tag == "" {
				tag = "0"
			}
			path := fmt.Sprintf("nodes/%d/textures/%s.%s", rec.ID, tag, format.Extension())
			if err := archive.AppendOrError(a.Sink, path, payload); err != nil {
				return err
			}
		}
	}
	for idx, buf := range rec.AttributeBuffers {
		path := fmt.Sprintf("nodes/%d/attributes/f_%d/0.bin", rec.ID, idx)
		if err := archive.AppendOrError(a.Sink, path, buf); err != nil {
			return err
		}
	}
	return nil
}

// ProcessChildren implements spec.md §4.6's process_children: every
// referenced child must be present in ws; the parent merges children OBBs
// (in cartesian space) if it has no mesh of its own, records its ID as each
// child's ParentID and removes the child from ws (the child's documents,
// parent reference included, are written at save time), and an
// unreferenceable child ID is a fatal InvalidTopology error.
func (a *Assembler) ProcessChildren(ws WorkingSet, parentID ID, rec *InternalRecord) error {
	var childOBBs []bvh.OBB
	for _, cid := range rec.Children {
		child, ok := ws.Get(cid)
		if !ok {
			return &werr.InvalidTopology{Count: 1}
		}
		child.ParentID = parentID
		ws.Put(cid, child)
		ws.Remove(cid)
		childOBBs = append(childOBBs, child.OBB)
	}

	if !rec.HasMesh && len(childOBBs) > 0 {
		obb, sphere, err := a.mergeChildOBBs(childOBBs)
		if err != nil {
			return err
		}
		rec.OBB = obb
		rec.Sphere = sphere
	}
	return nil
}

// mergeChildOBBs computes the no-mesh parent OBB from its children's
// OBBs "in cartesian space", per spec.md §4.6.
func (a *Assembler) mergeChildOBBs(boxes []bvh.OBB) (bvh.OBB, bvh.Sphere, error) {
	cartesianBoxes := make([]bvh.OBB, len(boxes))
	for i, b := range boxes {
		centers, ok := archive.ToCartesianSpace(a.Codecs, a.Config.SpatialReference, []geo.Vec3{b.Center})
		if !ok {
			return bvh.OBB{}, bvh.Sphere{}, &werr.InternalError{What: "to_cartesian_space failed while merging child OBBs"}
		}
		cartesianBoxes[i] = bvh.OBB{Center: centers[0], Extents: b.Extents, Orientation: b.Orientation}
	}
	obb, sphere := bvh.FromBoxes(cartesianBoxes, a.Config.OBBMethod)
	centerBack, ok := archive.FromCartesianSpace(a.Codecs, a.Config.SpatialReference, []geo.Vec3{obb.Center})
	if !ok {
		return bvh.OBB{}, bvh.Sphere{}, &werr.InternalError{What: "from_cartesian_space failed while merging child OBBs"}
	}
	obb.Center = centerBack[0]
	sphere.Center = obb.Center
	return obb, sphere, nil
}

// CreateNode is the convenience of create_output_node followed by
// process_children, per spec.md §4.6.
func (a *Assembler) CreateNode(ws WorkingSet, n SimpleNode) (*InternalRecord, error) {
	rec, err := a.CreateOutputNode(ws, n)
	if err != nil {
		return nil, err
	}
	if err := a.ProcessChildren(ws, n.ID, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
