package node

import (
	"fmt"

	"github.com/esri-i3s/slpk-writer/bvh"
	"github.com/esri-i3s/slpk-writer/mesh"
)

// OBBDoc is the wire shape of an oriented bounding box, grounded on
// original_source/src/utils/utl_obb.h's Obb_abs::serialize: a center (3
// doubles), a halfSize (3 floats), and a unit quaternion (4 doubles,
// x,y,z,w).
type OBBDoc struct {
	Center     [3]float64 `json:"center"`
	HalfSize   [3]float32 `json:"halfSize"`
	Quaternion [4]float64 `json:"quaternion"`
}

func toOBBDoc(o bvh.OBB) OBBDoc {
	return OBBDoc{
		Center:     [3]float64{o.Center.X, o.Center.Y, o.Center.Z},
		HalfSize:   [3]float32{o.Extents.X, o.Extents.Y, o.Extents.Z},
		Quaternion: [4]float64{o.Orientation.X, o.Orientation.Y, o.Orientation.Z, o.Orientation.W},
	}
}

func toMBS(s bvh.Sphere) [4]float64 {
	return [4]float64{s.Center.X, s.Center.Y, s.Center.Z, s.Radius}
}

// MeshMaterialRef is Mesh_desc_v17's material sub-reference.
type MeshMaterialRef struct {
	Definition int `json:"definition"`
	Resource   int `json:"resource"`
}

// MeshGeometryRef is Mesh_desc_v17's geometry sub-reference.
type MeshGeometryRef struct {
	Definition   int `json:"definition"`
	Resource     int `json:"resource"`
	VertexCount  int `json:"vertexCount"`
	FeatureCount int `json:"featureCount,omitempty"`
}

// MeshAttributeRef is Mesh_desc_v17's attribute sub-reference.
type MeshAttributeRef struct {
	Resource int `json:"resource"`
}

// MeshDoc is Mesh_desc_v17: the per-node mesh's material/geometry/attribute
// resource bindings.
type MeshDoc struct {
	Material  *MeshMaterialRef  `json:"material,omitempty"`
	Geometry  *MeshGeometryRef  `json:"geometry,omitempty"`
	Attribute *MeshAttributeRef `json:"attribute,omitempty"`
}

// PageEntry is one element of a nodepages/<n>.json.gz array, per
// Node_desc_v17. Index/ParentIndex/Children are global page-stream indexes
// assigned by the page builder, not client node IDs.
type PageEntry struct {
	Index        int      `json:"index"`
	ParentIndex  *int     `json:"parentIndex,omitempty"`
	LODThreshold float64  `json:"lodThreshold,omitempty"`
	OBB          OBBDoc   `json:"obb"`
	Mesh         *MeshDoc `json:"mesh,omitempty"`
	Children     []int    `json:"children,omitempty"`
}

// Page is the nodepages/<n>.json.gz array wrapper, per Node_page_desc_v17.
type Page struct {
	Nodes []PageEntry `json:"nodes"`
}

// BuildPageEntry assembles one node's PageEntry from its InternalRecord and
// its already-assigned global index/parentIndex/children indices, per
// spec.md §4.7's "rewrite all index, parent_index, and children fields so
// indexes are positions in the concatenated page stream." geometryDefID is
// the dense geometry-definition ID layer.Finalize remapped rec's
// GeometryDefKey to; it is ignored when rec has no mesh.
func BuildPageEntry(rec *InternalRecord, globalIndex, parentIndex int, childIndices []int, geometryDefID int) PageEntry {
	entry := PageEntry{
		Index:        globalIndex,
		LODThreshold: rec.LODThreshold,
		OBB:          toOBBDoc(rec.OBB),
		Children:     childIndices,
	}
	if parentIndex >= 0 {
		entry.ParentIndex = &parentIndex
	}
	if rec.HasMesh {
		mesh := &MeshDoc{
			Geometry: &MeshGeometryRef{
				Definition:   geometryDefID,
				Resource:     rec.ID,
				VertexCount:  rec.VertexCount,
				FeatureCount: rec.FeatureCount,
			},
		}
		if rec.MaterialID >= 0 {
			mesh.Material = &MeshMaterialRef{Definition: rec.MaterialID, Resource: rec.ID}
		}
		if len(rec.AttributeBuffers) > 0 {
			mesh.Attribute = &MeshAttributeRef{Resource: rec.ID}
		}
		entry.Mesh = mesh
	}
	return entry
}

// LODSelection is Lod_selection_desc: the per-node LOD metric pair a legacy
// reader expects alongside lodThreshold.
type LODSelection struct {
	MetricType string  `json:"metricType"`
	MaxError   float64 `json:"maxError"`
}

// DataRef is Attribute_data_ref_desc/Geometry_data_ref_desc/
// Texture_data_ref_desc, which all share the same {href} shape.
type DataRef struct {
	Href string `json:"href"`
}

// NodeRef is Node_ref_desc: the parent/children cross-reference shape
// embedded in a legacy per-node document, carrying just enough of the
// referenced node's own bounding volumes for a reader to cull without
// following the link.
type NodeRef struct {
	ID  string     `json:"id"`
	Href string    `json:"href"`
	MBS [4]float64 `json:"mbs"`
	OBB OBBDoc     `json:"obb"`
}

// LegacyNodeDoc is Legacy_node_desc, the nodes/<id>/3dNodeIndexDocument.json
// layout read by pre-1.7 clients.
type LegacyNodeDoc struct {
	ID            string         `json:"id"`
	Level         int            `json:"level"`
	MBS           [4]float64     `json:"mbs"`
	OBB           OBBDoc         `json:"obb"`
	LODSelection  []LODSelection `json:"lodSelection"`
	GeometryData  []DataRef      `json:"geometryData,omitempty"`
	TextureData   []DataRef      `json:"textureData,omitempty"`
	AttributeData []DataRef      `json:"attributeData,omitempty"`
	FeatureData   []DataRef      `json:"featureData,omitempty"`
	SharedResource *DataRef      `json:"sharedResource,omitempty"`
	ParentNode    *NodeRef       `json:"parentNode,omitempty"`
	Children      []NodeRef      `json:"children,omitempty"`
}

// LegacyDocInput bundles everything BuildLegacyNodeDoc needs beyond rec
// itself: the legacy IDs and bounding volumes of the parent and children,
// keyed by their own legacy ID strings.
type LegacyDocInput struct {
	LegacyID      string
	LODMetricType string
	Parent        *LegacyRefInfo
	Children      []LegacyRefInfo
}

// LegacyRefInfo is the sliver of another node's InternalRecord a NodeRef
// needs: its legacy ID and bounding volumes.
type LegacyRefInfo struct {
	LegacyID string
	OBB      bvh.OBB
	Sphere   bvh.Sphere
}

func toNodeRef(info LegacyRefInfo) NodeRef {
	return NodeRef{
		ID:   info.LegacyID,
		Href: fmt.Sprintf("../%s", info.LegacyID),
		MBS:  toMBS(info.Sphere),
		OBB:  toOBBDoc(info.OBB),
	}
}

// BuildLegacyNodeDoc assembles rec's 3dNodeIndexDocument, per spec.md §6 and
// Legacy_node_desc's field set. includeShared adds the sharedResource and
// featureData hrefs to a meshed, non-point node's document; the writer
// passes true for every node, since it writes both documents for every
// meshed, non-point node.
func BuildLegacyNodeDoc(rec *InternalRecord, in LegacyDocInput, includeShared bool) LegacyNodeDoc {
	doc := LegacyNodeDoc{
		ID:           in.LegacyID,
		Level:        rec.Depth,
		MBS:          toMBS(rec.Sphere),
		OBB:          toOBBDoc(rec.OBB),
		LODSelection: []LODSelection{{MetricType: in.LODMetricType, MaxError: rec.LODMaxScreenSize}},
	}
	if rec.HasMesh {
		doc.GeometryData = []DataRef{{Href: "./geometries/0"}}
		if rec.DracoGeometry != nil {
			doc.GeometryData = append(doc.GeometryData, DataRef{Href: "./geometries/1"})
		}
		for format, tag := range rec.TextureTags {
			doc.TextureData = append(doc.TextureData, DataRef{Href: fmt.Sprintf("./textures/%s.%s", tag, format.Extension())})
		}
		for idx := range rec.AttributeBuffers {
			doc.AttributeData = append(doc.AttributeData, DataRef{Href: fmt.Sprintf("../../attributes/f_%d/0", idx)})
		}
		if includeShared && rec.Kind != mesh.Points {
			doc.SharedResource = &DataRef{Href: "./shared"}
			doc.FeatureData = []DataRef{{Href: "./features/0"}}
		}
	}
	if in.Parent != nil {
		ref := toNodeRef(*in.Parent)
		doc.ParentNode = &ref
	}
	for _, c := range in.Children {
		doc.Children = append(doc.Children, toNodeRef(c))
	}
	return doc
}

// SharedMaterialParams is the param sub-record of a Legacy_material_desc.
// Its vertex-attribute flags are read off rec's geometry-definition key
// bits (bit1 colors dropped, bit2 regions absent), since the assembler
// does not otherwise retain a per-node attribute mask.
type SharedMaterialParams struct {
	VertexRegions bool    `json:"vertexRegions"`
	VertexColors  bool    `json:"vertexColors"`
	Shininess     float32 `json:"shininess"`
}

// SharedMaterialEntry is one entry of materialDefinitions, keyed "unnamed"
// the way legacy (pre-10.8) readers expect.
type SharedMaterialEntry struct {
	Params SharedMaterialParams `json:"params"`
}

// SharedMaterialDefs wraps SharedMaterialEntry under its legacy key.
type SharedMaterialDefs struct {
	Unnamed SharedMaterialEntry `json:"unnamed"`
}

// SharedResourceDoc is Shared_resource_desc, the shared/sharedResource.json
// document: modern clients read materials from the layer descriptor, this
// document exists only for legacy validation.
type SharedResourceDoc struct {
	MaterialDefinitions SharedMaterialDefs `json:"materialDefinitions"`
}

// BuildSharedResourceDoc derives rec's legacy shared-resource document from
// its geometry-definition key, per spec.md §4.6's
// "(normals_dropped?1:0)|(colors_dropped?2:0)|(regions_absent?4:0)" encoding.
func BuildSharedResourceDoc(rec *InternalRecord) SharedResourceDoc {
	return SharedResourceDoc{
		MaterialDefinitions: SharedMaterialDefs{
			Unnamed: SharedMaterialEntry{
				Params: SharedMaterialParams{
					VertexRegions: rec.GeometryDefKey&4 == 0,
					VertexColors:  rec.GeometryDefKey&2 == 0,
					Shininess:     1,
				},
			},
		},
	}
}

// FeatureDataDoc is Legacy_feature_desc's placeholder shape.
// i3s_writer_impl.cpp defaults both arrays to the JSON literal "[]" for
// non-point layers rather than omitting the document entirely.
type FeatureDataDoc struct {
	GeometryData []any `json:"geometryData"`
	FeatureData  []any `json:"featureData"`
}

// BuildFeatureDataDoc returns the empty-array placeholder written for every
// meshed, non-point node.
func BuildFeatureDataDoc() FeatureDataDoc {
	return FeatureDataDoc{GeometryData: []any{}, FeatureData: []any{}}
}
