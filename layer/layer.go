// Package layer implements the layer finalizer of spec.md §4.8: the
// top-level scene-layer document, the per-attribute statistics documents,
// and metadata.json.
//
// Grounded on original_source/src/i3s/i3s_layer_dom.h for the document's
// field names and on g3n-engine/loader/gltf/gltf.go's plain-struct
// document style (a tree of exported fields marshaled with
// encoding/json), generalized with explicit json tags since, unlike a
// glTF loader that only ever decodes, this package must also encode
// documents whose wire field names (camelCase, the "I3SVersion" literal)
// don't match Go's exported-field-name default.
package layer

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/esri-i3s/slpk-writer/attrs"
	"github.com/esri-i3s/slpk-writer/bvh"
	"github.com/esri-i3s/slpk-writer/geo"
	"github.com/esri-i3s/slpk-writer/material"
	"github.com/esri-i3s/slpk-writer/mesh"
	"github.com/esri-i3s/slpk-writer/texture"
)

// StoreVersion is the fixed store-descriptor version spec.md §4.8 requires.
const StoreVersion = "1.7"

// I3SVersion is the fixed metadata.json version field spec.md §4.8 requires.
const I3SVersion = "1.7"

// geometryDefinitionSlots is the number of possible geometry-definition
// keys, per spec.md §4.6's 3-bit key `(normals_dropped?1:0) |
// (colors_dropped?2:0) | (regions_absent?4:0)`.
const geometryDefinitionSlots = 8

// SpatialReference identifies the layer's coordinate system.
type SpatialReference struct {
	WKID    int `json:"wkid"`
	VCSWKID int `json:"vcsWkid,omitempty"`
}

// Extent is an axis-aligned bounding box in the layer's spatial reference.
type Extent struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	ZMin float64 `json:"zmin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
	ZMax float64 `json:"zmax"`
}

// Transform converts point sets between the layer's spatial reference and
// cartesian space. ok is false when the conversion is undefined (e.g. an
// unsupported spatial reference); callers then fall back to identity.
type Transform func(sr SpatialReference, points []geo.Vec3) (out []geo.Vec3, ok bool)

// BufferAttribute describes one column of the legacy geometry buffer.
type BufferAttribute struct {
	ValueType        string `json:"valueType"`
	ValuesPerElement int    `json:"valuesPerElement"`
}

// LegacyGeometryBuffer is the canonical legacy binding spec.md §4.8 lists:
// "position: per-vertex float32×3; normal: per-vertex float32×3; uv:
// per-vertex float32×2; color: per-vertex uint8×4; feature-id: per-feature
// uint64; face-range: per-feature uint32×2; uv-region: per-vertex
// uint16×4."
type LegacyGeometryBuffer struct {
	Position  *BufferAttribute `json:"position,omitempty"`
	Normal    *BufferAttribute `json:"normal,omitempty"`
	UV0       *BufferAttribute `json:"uv0,omitempty"`
	Color     *BufferAttribute `json:"color,omitempty"`
	FeatureID *BufferAttribute `json:"featureId,omitempty"`
	FaceRange *BufferAttribute `json:"faceRange,omitempty"`
	UVRegion  *BufferAttribute `json:"uvRegion,omitempty"`
}

// CompressedGeometryBuffer lists the same attributes as Draco attributes.
type CompressedGeometryBuffer struct {
	Encoding   string   `json:"encoding"`
	Attributes []string `json:"attributes"`
}

// GeometryDefinition is one emitted record, indexed by dense ID in the
// document's geometryDefinitions array.
type GeometryDefinition struct {
	Legacy     LegacyGeometryBuffer     `json:"geometryBuffer"`
	Compressed CompressedGeometryBuffer `json:"compressedGeometryBuffer"`
}

// legacyBufferFor builds the canonical legacy binding for a running mask
// refined by a geometry-definition key's dropped/absent flags.
func legacyBufferFor(mask mesh.AttrMask, normalsDropped, colorsDropped, regionsAbsent bool) LegacyGeometryBuffer {
	var b LegacyGeometryBuffer
	b.Position = &BufferAttribute{ValueType: "Float32", ValuesPerElement: 3}
	if mask.Has(mesh.MaskNormal) && !normalsDropped {
		b.Normal = &BufferAttribute{ValueType: "Float32", ValuesPerElement: 3}
	}
	if mask.Has(mesh.MaskUV0) {
		b.UV0 = &BufferAttribute{ValueType: "Float32", ValuesPerElement: 2}
	}
	if mask.Has(mesh.MaskColor) && !colorsDropped {
		b.Color = &BufferAttribute{ValueType: "UInt8", ValuesPerElement: 4}
	}
	if mask.Has(mesh.MaskFeatureID) {
		b.FeatureID = &BufferAttribute{ValueType: "UInt64", ValuesPerElement: 1}
		b.FaceRange = &BufferAttribute{ValueType: "UInt32", ValuesPerElement: 2}
	}
	if mask.Has(mesh.MaskRegion) && !regionsAbsent {
		b.UVRegion = &BufferAttribute{ValueType: "UInt16", ValuesPerElement: 4}
	}
	return b
}

func compressedBufferFor(b LegacyGeometryBuffer) CompressedGeometryBuffer {
	c := CompressedGeometryBuffer{Encoding: "draco"}
	if b.Position != nil {
		c.Attributes = append(c.Attributes, "POSITION")
	}
	if b.Normal != nil {
		c.Attributes = append(c.Attributes, "NORMAL")
	}
	if b.UV0 != nil {
		c.Attributes = append(c.Attributes, "TEX_COORD_0")
	}
	if b.Color != nil {
		c.Attributes = append(c.Attributes, "COLOR")
	}
	if b.UVRegion != nil {
		c.Attributes = append(c.Attributes, "UV_REGION")
	}
	return c
}

// GeometryDefinitionPlan is the result of enumerating the 8 possible keys
// and emitting a dense-ID remap for the ones actually used, per spec.md
// §4.8: "Remap every per-node geometry-definition ID through the dense
// remapping."
type GeometryDefinitionPlan struct {
	Definitions []GeometryDefinition
	DenseID     map[int]int // original 0..7 key -> dense index into Definitions
}

// buildGeometryDefinitions enumerates the 8 possible keys in ascending
// order and emits a definition for each one actually used.
func buildGeometryDefinitions(mask mesh.AttrMask, usage [geometryDefinitionSlots]int64) GeometryDefinitionPlan {
	plan := GeometryDefinitionPlan{DenseID: make(map[int]int)}
	for key := 0; key < geometryDefinitionSlots; key++ {
		if usage[key] == 0 {
			continue
		}
		normalsDropped := key&1 != 0
		colorsDropped := key&2 != 0
		regionsAbsent := key&4 != 0
		legacy := legacyBufferFor(mask, normalsDropped, colorsDropped, regionsAbsent)
		plan.DenseID[key] = len(plan.Definitions)
		plan.Definitions = append(plan.Definitions, GeometryDefinition{
			Legacy:     legacy,
			Compressed: compressedBufferFor(legacy),
		})
	}
	return plan
}

// materialRecord is the wire shape of one materialDefinitions entry,
// translated from material.Data's interning-oriented struct.
type materialRecord struct {
	AlphaMode            string            `json:"alphaMode"`
	AlphaCutoff          float32           `json:"alphaCutoff,omitempty"`
	DoubleSided          bool              `json:"doubleSided"`
	CullFace             string            `json:"cullFace,omitempty"`
	EmissiveFactor       [3]float32        `json:"emissiveFactor,omitempty"`
	PBRMetallicRoughness materialPBRRecord `json:"pbrMetallicRoughness"`
}

type materialPBRRecord struct {
	BaseColorFactor          [4]float32 `json:"baseColorFactor"`
	MetallicFactor           float32    `json:"metallicFactor"`
	RoughnessFactor          float32    `json:"roughnessFactor"`
	BaseColorTextureSetIndex *int       `json:"baseColorTextureSetIndex,omitempty"`
}

func alphaModeName(m material.AlphaMode) string {
	switch m {
	case material.AlphaMask:
		return "mask"
	case material.AlphaBlend:
		return "blend"
	default:
		return "opaque"
	}
}

func cullModeName(c material.CullMode) string {
	switch c {
	case material.CullBack:
		return "back"
	case material.CullFront:
		return "front"
	default:
		return "none"
	}
}

func toMaterialRecord(d material.Data) materialRecord {
	r := materialRecord{
		AlphaMode:      alphaModeName(d.AlphaMode),
		AlphaCutoff:    d.AlphaCutoff,
		DoubleSided:    d.DoubleSided,
		CullFace:       cullModeName(d.CullMode),
		EmissiveFactor: [3]float32{d.EmissiveFactor.R, d.EmissiveFactor.G, d.EmissiveFactor.B},
		PBRMetallicRoughness: materialPBRRecord{
			BaseColorFactor: [4]float32{
				d.MetallicRough.BaseColorFactor.R,
				d.MetallicRough.BaseColorFactor.G,
				d.MetallicRough.BaseColorFactor.B,
				d.MetallicRough.BaseColorFactor.A,
			},
			MetallicFactor:  d.MetallicRough.MetallicFactor,
			RoughnessFactor: d.MetallicRough.RoughnessFactor,
		},
	}
	if d.MetallicRough.TextureSetID >= 0 {
		id := d.MetallicRough.TextureSetID
		r.PBRMetallicRoughness.BaseColorTextureSetIndex = &id
	}
	return r
}

// textureSetRecord is the wire shape of one textureSetDefinitions entry.
type textureSetRecord struct {
	IsAtlas bool                 `json:"atlas,omitempty"`
	Formats []textureFormatEntry `json:"formats"`
}

type textureFormatEntry struct {
	Name   string `json:"name"`
	Format string `json:"format"`
}

func toTextureSetRecord(d texture.Definition) textureSetRecord {
	r := textureSetRecord{IsAtlas: d.IsAtlas}
	for _, e := range d.Entries {
		r.Formats = append(r.Formats, textureFormatEntry{Name: e.Tag, Format: e.Ext})
	}
	return r
}

// AttributeStorageInfo describes one attribute's schema and storage
// layout in the layer document.
type AttributeStorageInfo struct {
	Key      string                  `json:"key"`
	Name     string                  `json:"name"`
	Header   []AttributeStorageField `json:"header"`
	Ordering []string                `json:"ordering,omitempty"`
}

// AttributeStorageField is one header column (the count/size prefix
// words the attrs package's binary codec writes).
type AttributeStorageField struct {
	Property  string `json:"property"`
	ValueType string `json:"valueType"`
}

func attributeStorageInfoFor(index int, slot *attrs.Slot) AttributeStorageInfo {
	info := AttributeStorageInfo{
		Key:  fmt.Sprintf("f_%d", index),
		Name: slot.Name,
	}
	if slot.Type == attrs.String {
		info.Header = []AttributeStorageField{
			{Property: "count", ValueType: "UInt32"},
			{Property: "totalByteCount", ValueType: "UInt32"},
		}
		info.Ordering = []string{"attributeByteCounts", "attributeValues"}
	} else {
		info.Header = []AttributeStorageField{
			{Property: "count", ValueType: "UInt32"},
		}
		info.Ordering = []string{"attributeValues"}
	}
	return info
}

// NodePageIndexingScheme records the paged-index metadata spec.md §4.8
// requires: the chosen page size and LOD-metric type.
type NodePageIndexingScheme struct {
	NodesPerPage        int    `json:"nodesPerPage"`
	LODSelectionMetricType string `json:"lodSelectionMetricType"`
}

// StoreDescriptor is the layer document's store section.
type StoreDescriptor struct {
	Version string `json:"version"`
}

// Document is the top-level scene-layer document (commonly persisted as
// 3dSceneLayer.json).
type Document struct {
	LayerType             string                 `json:"layerType"`
	SpatialReference      SpatialReference       `json:"spatialReference"`
	Store                 StoreDescriptor        `json:"store"`
	NodePages             NodePageIndexingScheme `json:"nodePages"`
	FullExtent            Extent                 `json:"fullExtent"`
	GeometryDefinitions   []GeometryDefinition   `json:"geometryDefinitions,omitempty"`
	MaterialDefinitions   []materialRecord       `json:"materialDefinitions,omitempty"`
	TextureSetDefinitions []textureSetRecord     `json:"textureSetDefinitions,omitempty"`
	AttributeStorageInfo  []AttributeStorageInfo `json:"attributeStorageInfo,omitempty"`
	StatisticsHRefs       []string               `json:"statisticsHRefs,omitempty"`
}

// Metadata is metadata.json, per spec.md §4.8's "fixed keys I3SVersion
// (\"1.7\") and nodeCount".
type Metadata struct {
	I3SVersion string `json:"I3SVersion"`
	NodeCount  int    `json:"nodeCount"`
}

// Input bundles everything the finalizer needs to assemble Document,
// Metadata and the per-attribute statistics documents.
type Input struct {
	LayerType        string
	SpatialReference SpatialReference
	ToCartesian      Transform
	FromCartesian    Transform
	RootOBB          bvh.OBB
	PageSize         int
	LODMetricType    string
	NodeCount        int
	RunningMask      mesh.AttrMask
	GeometryUsage    [geometryDefinitionSlots]int64
	Materials        []material.Data
	TextureSets      []texture.Definition
	AttributeSlots   []*attrs.Slot // ordered by Index
	AttributeStats   map[int]attrs.StatisticsDoc
}

// Output is everything Finalize produces, ready to be written through an
// archive sink.
type Output struct {
	LayerJSON      []byte
	MetadataJSON   []byte
	StatisticsJSON map[int][]byte // attribute index -> statistics document bytes
	GeometryDense  map[int]int    // original 0..7 key -> dense geometry-definition ID
}

// Finalize assembles the layer document, metadata.json, and the
// per-attribute statistics documents, per spec.md §4.8.
func Finalize(in Input) (Output, error) {
	geomPlan := buildGeometryDefinitions(in.RunningMask, in.GeometryUsage)

	extent := computeExtent(in.SpatialReference, in.RootOBB, in.ToCartesian, in.FromCartesian)

	doc := Document{
		LayerType:        in.LayerType,
		SpatialReference: in.SpatialReference,
		Store:            StoreDescriptor{Version: StoreVersion},
		NodePages: NodePageIndexingScheme{
			NodesPerPage:           in.PageSize,
			LODSelectionMetricType: in.LODMetricType,
		},
		FullExtent:          extent,
		GeometryDefinitions: geomPlan.Definitions,
	}
	for _, m := range in.Materials {
		doc.MaterialDefinitions = append(doc.MaterialDefinitions, toMaterialRecord(m))
	}
	for _, t := range in.TextureSets {
		doc.TextureSetDefinitions = append(doc.TextureSetDefinitions, toTextureSetRecord(t))
	}

	slots := append([]*attrs.Slot(nil), in.AttributeSlots...)
	sort.Slice(slots, func(i, j int) bool { return slots[i].Index < slots[j].Index })
	stats := make(map[int][]byte, len(slots))
	for _, slot := range slots {
		doc.AttributeStorageInfo = append(doc.AttributeStorageInfo, attributeStorageInfoFor(slot.Index, slot))
		href := fmt.Sprintf("statistics/f_%d/0", slot.Index)
		doc.StatisticsHRefs = append(doc.StatisticsHRefs, href)
		if d, ok := in.AttributeStats[slot.Index]; ok {
			b, err := json.Marshal(statisticsDocRecord{Summary: d})
			if err != nil {
				return Output{}, fmt.Errorf("layer: marshal statistics for f_%d: %w", slot.Index, err)
			}
			stats[slot.Index] = b
		}
	}

	layerJSON, err := json.Marshal(doc)
	if err != nil {
		return Output{}, fmt.Errorf("layer: marshal layer document: %w", err)
	}
	metadataJSON, err := json.Marshal(Metadata{I3SVersion: I3SVersion, NodeCount: in.NodeCount})
	if err != nil {
		return Output{}, fmt.Errorf("layer: marshal metadata: %w", err)
	}

	return Output{
		LayerJSON:      layerJSON,
		MetadataJSON:   metadataJSON,
		StatisticsJSON: stats,
		GeometryDense:  geomPlan.DenseID,
	}, nil
}

type statisticsDocRecord struct {
	Summary attrs.StatisticsDoc `json:"summary"`
}

// computeExtent implements spec.md §4.8's extent rule: "derive the layer
// extent from the root OBB by transforming its eight corners into
// cartesian space, then inverse-transforming and taking axis-aligned
// min/max." Concretely: project the OBB corners into cartesian space,
// take their axis-aligned bounds there, then map that box's corners back
// into the layer's spatial reference and take the axis-aligned bounds of
// the result.
func computeExtent(sr SpatialReference, obb bvh.OBB, toCartesian, fromCartesian Transform) Extent {
	corners := bvh.Corners(obb)
	if len(corners) == 0 {
		return Extent{}
	}

	cart := corners
	if toCartesian != nil {
		if c, ok := toCartesian(sr, corners); ok {
			cart = c
		}
	}

	cMin, cMax := boundsOf(cart)
	boxCorners := cornersOf(cMin, cMax)

	geoCorners := boxCorners
	if fromCartesian != nil {
		if g, ok := fromCartesian(sr, boxCorners); ok {
			geoCorners = g
		}
	}

	gMin, gMax := boundsOf(geoCorners)
	return Extent{
		XMin: gMin.X, YMin: gMin.Y, ZMin: gMin.Z,
		XMax: gMax.X, YMax: gMax.Y, ZMax: gMax.Z,
	}
}

func boundsOf(points []geo.Vec3) (min, max geo.Vec3) {
	min, max = points[0], points[0]
	for _, p := range points[1:] {
		min = min.Min(p)
		max = max.Max(p)
	}
	return
}

func cornersOf(min, max geo.Vec3) []geo.Vec3 {
	var out []geo.Vec3
	for _, x := range []float64{min.X, max.X} {
		for _, y := range []float64{min.Y, max.Y} {
			for _, z := range []float64{min.Z, max.Z} {
				out = append(out, geo.NewVec3(x, y, z))
			}
		}
	}
	return out
}
