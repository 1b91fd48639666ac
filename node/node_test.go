package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esri-i3s/slpk-writer/archive"
	"github.com/esri-i3s/slpk-writer/attrs"
	"github.com/esri-i3s/slpk-writer/bvh"
	"github.com/esri-i3s/slpk-writer/geo"
	"github.com/esri-i3s/slpk-writer/layer"
	"github.com/esri-i3s/slpk-writer/material"
	"github.com/esri-i3s/slpk-writer/math32"
	"github.com/esri-i3s/slpk-writer/mesh"
	"github.com/esri-i3s/slpk-writer/trace"
	"github.com/esri-i3s/slpk-writer/werr"
)

// memWorkingSet is the test double for WorkingSet: a plain map, since tests
// never touch it concurrently.
type memWorkingSet struct {
	m map[ID]*InternalRecord
}

func newMemWorkingSet() *memWorkingSet {
	return &memWorkingSet{m: make(map[ID]*InternalRecord)}
}

func (w *memWorkingSet) Get(id ID) (*InternalRecord, bool) {
	r, ok := w.m[id]
	return r, ok
}

func (w *memWorkingSet) Put(id ID, rec *InternalRecord) { w.m[id] = rec }
func (w *memWorkingSet) Remove(id ID)                   { delete(w.m, id) }

func flatTriangleMesh(normals []math32.Vector3, colors [][4]uint8) *mesh.Mesh {
	m := mesh.New(mesh.Triangles)
	in := mesh.BulkInput{
		Origin: geo.NewVec3(0, 0, 0),
		Positions: []geo.Vec3{
			geo.NewVec3(0, 0, 0),
			geo.NewVec3(1, 0, 0),
			geo.NewVec3(0, 1, 0),
		},
		Normals: normals,
		Colors:  colors,
	}
	if err := m.AssignFromBulk(in); err != nil {
		panic(err)
	}
	return m
}

func degenerateMesh() *mesh.Mesh {
	m := mesh.New(mesh.Triangles)
	in := mesh.BulkInput{
		Origin: geo.NewVec3(0, 0, 0),
		Positions: []geo.Vec3{
			geo.NewVec3(0, 0, 0),
			geo.NewVec3(0.0001, 0, 0),
			geo.NewVec3(0.0002, 0, 0),
		},
	}
	if err := m.AssignFromBulk(in); err != nil {
		panic(err)
	}
	return m
}

func newTestAssembler(codecs archive.Codecs, layerType string) *Assembler {
	cfg := Config{LayerType: layerType}
	return NewAssembler(cfg, codecs, archive.NewMemoryArchive(), nil)
}

func TestCreateOutputNodeNoMeshStagesRecordOnly(t *testing.T) {
	a := newTestAssembler(archive.Codecs{}, "mesh")
	ws := newMemWorkingSet()

	rec, err := a.CreateOutputNode(ws, SimpleNode{ID: 1, Depth: 0, LODThreshold: 100})
	require.NoError(t, err)
	assert.False(t, rec.HasMesh)
	assert.Equal(t, InvalidID, rec.MaterialID)

	staged, ok := ws.Get(1)
	require.True(t, ok)
	assert.Same(t, rec, staged)
}

func TestCreateOutputNodeWithMeshComputesOBBAndLegacyGeometry(t *testing.T) {
	a := newTestAssembler(archive.Codecs{}, "mesh")
	ws := newMemWorkingSet()

	m := flatTriangleMesh(nil, nil)
	rec, err := a.CreateOutputNode(ws, SimpleNode{ID: 2, Mesh: m, LODThreshold: 400})

	require.NoError(t, err)
	assert.True(t, rec.HasMesh)
	assert.False(t, rec.OBB.IsInvalid())
	assert.NotEmpty(t, rec.LegacyGeometry)
	assert.Equal(t, 0, rec.MaterialID) // first interned material gets id 0
	assert.InDelta(t, 2*11.283791670955126, rec.LODMaxScreenSize, 1e-6)
}

func TestCreateOutputNodeDracoPathDropsMatchingNormalsAndOpaqueWhiteColors(t *testing.T) {
	faceNormal := []math32.Vector3{{X: 0, Y: 0, Z: 1}, {X: 0, Y: 0, Z: 1}, {X: 0, Y: 0, Z: 1}}
	opaqueWhite := [][4]uint8{{255, 255, 255, 255}, {255, 255, 255, 255}, {255, 255, 255, 255}}

	var gotScaleX, gotScaleY float64
	codecs := archive.Codecs{
		EncodeToDraco: func(m *mesh.Mesh, scaleX, scaleY float64) ([]byte, error) {
			gotScaleX, gotScaleY = scaleX, scaleY
			return []byte("draco"), nil
		},
	}
	a := newTestAssembler(codecs, "mesh")
	ws := newMemWorkingSet()

	m := flatTriangleMesh(faceNormal, opaqueWhite)
	rec, err := a.CreateOutputNode(ws, SimpleNode{ID: 3, Mesh: m, LODThreshold: 100})

	require.NoError(t, err)
	assert.Equal(t, []byte("draco"), rec.DracoGeometry)
	assert.Equal(t, 1.0, gotScaleX)
	assert.Equal(t, 1.0, gotScaleY)
	assert.Equal(t, 7, rec.GeometryDefKey) // normals dropped (1) | colors dropped (2) | no region mask (4)
	assert.False(t, m.Mask().Has(mesh.MaskNormal))
	assert.False(t, m.Mask().Has(mesh.MaskColor))
}

func TestCreateOutputNodeDracoFailureOnDegenerateMeshBecomesWarning(t *testing.T) {
	codecs := archive.Codecs{
		EncodeToDraco: func(m *mesh.Mesh, scaleX, scaleY float64) ([]byte, error) {
			return nil, assert.AnError
		},
	}
	tracker := trace.NewCollector()
	cfg := Config{LayerType: "mesh"}
	a := NewAssembler(cfg, codecs, archive.NewMemoryArchive(), tracker)
	ws := newMemWorkingSet()

	m := degenerateMesh()
	rec, err := a.CreateOutputNode(ws, SimpleNode{ID: 4, Mesh: m, LODThreshold: 1})

	require.NoError(t, err)
	assert.True(t, rec.Meshless)
	assert.Nil(t, rec.DracoGeometry)
	assert.Equal(t, 1, tracker.CountAtLeast(trace.WARN))
}

func TestCreateOutputNodeDracoFailureOnHealthyMeshIsFatal(t *testing.T) {
	codecs := archive.Codecs{
		EncodeToDraco: func(m *mesh.Mesh, scaleX, scaleY float64) ([]byte, error) {
			return nil, assert.AnError
		},
	}
	a := newTestAssembler(codecs, "mesh")
	ws := newMemWorkingSet()

	m := flatTriangleMesh(nil, nil)
	_, err := a.CreateOutputNode(ws, SimpleNode{ID: 5, Mesh: m, LODThreshold: 1})

	require.Error(t, err)
	assert.ErrorIs(t, err, werr.ErrCompression)
}

func TestInternMaterialAndTextureAssignsMaterialIDEvenWithoutTexture(t *testing.T) {
	a := newTestAssembler(archive.Codecs{}, "mesh")
	ws := newMemWorkingSet()

	m := flatTriangleMesh(nil, nil)
	rec, err := a.CreateOutputNode(ws, SimpleNode{ID: 6, Mesh: m, Material: material.Data{}, LODThreshold: 1})

	require.NoError(t, err)
	assert.GreaterOrEqual(t, rec.MaterialID, 0)
	assert.Equal(t, -1, rec.TextureSetID)
}

func TestEncodeAttributesLocksTypeAndFeedsStatistics(t *testing.T) {
	a := newTestAssembler(archive.Codecs{}, "mesh")
	ws := newMemWorkingSet()

	fields := []AttributeField{
		{Index: 0, Name: "height", Type: attrs.Int32, Numeric: []float64{1, 2, 3}},
		{Index: 1, Name: "label", Type: attrs.String, Strings: []attrs.NullableString{
			{Valid: true, Value: "a"}, {Valid: false},
		}},
	}
	rec, err := a.CreateOutputNode(ws, SimpleNode{ID: 7, LODThreshold: 1, Attributes: fields})
	require.NoError(t, err)

	numericBuf, ok := rec.AttributeBuffers[0]
	require.True(t, ok)
	decoded, err := attrs.DecodeScalar[int32](numericBuf)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, decoded)

	stringBuf, ok := rec.AttributeBuffers[1]
	require.True(t, ok)
	values, err := attrs.DecodeStrings(stringBuf)
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, "a", values[0].Value)
	assert.False(t, values[1].Valid)

	slot, ok := a.Attributes.Slot(0)
	require.True(t, ok)
	doc := slot.Stats.Document()
	assert.EqualValues(t, 3, doc.Count)
}

func TestMeshlessNodeAttributeBuffersAreWrittenToArchive(t *testing.T) {
	sink := archive.NewMemoryArchive()
	cfg := Config{LayerType: "mesh"}
	a := NewAssembler(cfg, archive.Codecs{}, sink, nil)
	ws := newMemWorkingSet()

	fields := []AttributeField{
		{Index: 0, Name: "height", Type: attrs.Int32, Numeric: []float64{5}},
	}
	rec, err := a.CreateOutputNode(ws, SimpleNode{ID: 20, LODThreshold: 1, Attributes: fields})
	require.NoError(t, err)
	require.False(t, rec.HasMesh)

	buf, ok := sink.Get("nodes/20/attributes/f_0/0.bin")
	require.True(t, ok)
	decoded, err := attrs.DecodeScalar[int32](buf)
	require.NoError(t, err)
	assert.Equal(t, []int32{5}, decoded)

	_, hasGeom := sink.Get("nodes/20/geometries/0.bin")
	assert.False(t, hasGeom)
}

func TestEncodeAttributesRejectsTypeMismatchAcrossNodes(t *testing.T) {
	a := newTestAssembler(archive.Codecs{}, "mesh")
	ws := newMemWorkingSet()

	_, err := a.CreateOutputNode(ws, SimpleNode{ID: 8, LODThreshold: 1, Attributes: []AttributeField{
		{Index: 0, Name: "f", Type: attrs.Int32, Numeric: []float64{1}},
	}})
	require.NoError(t, err)

	_, err = a.CreateOutputNode(ws, SimpleNode{ID: 9, LODThreshold: 1, Attributes: []AttributeField{
		{Index: 0, Name: "f", Type: attrs.Float64, Numeric: []float64{1}},
	}})
	require.Error(t, err)
	assert.ErrorIs(t, err, werr.ErrTypeMismatch)
}

func TestProcessChildrenMergesOBBsForNoMeshParent(t *testing.T) {
	a := newTestAssembler(archive.Codecs{}, "mesh")
	ws := newMemWorkingSet()

	left := flatTriangleMesh(nil, nil)
	right := mesh.New(mesh.Triangles)
	require.NoError(t, right.AssignFromBulk(mesh.BulkInput{
		Origin: geo.NewVec3(10, 0, 0),
		Positions: []geo.Vec3{
			geo.NewVec3(10, 0, 0),
			geo.NewVec3(11, 0, 0),
			geo.NewVec3(10, 1, 0),
		},
	}))

	leftRec, err := a.CreateOutputNode(ws, SimpleNode{ID: 10, Mesh: left, LODThreshold: 1})
	require.NoError(t, err)
	rightRec, err := a.CreateOutputNode(ws, SimpleNode{ID: 11, Mesh: right, LODThreshold: 1})
	require.NoError(t, err)

	parentRec, err := a.CreateOutputNode(ws, SimpleNode{ID: 12, Children: []ID{10, 11}, LODThreshold: 1})
	require.NoError(t, err)

	require.NoError(t, a.ProcessChildren(ws, 12, parentRec))

	assert.False(t, parentRec.OBB.IsInvalid())
	assert.True(t, bvh.ContainsBox(parentRec.OBB, leftRec.OBB, 1e-6))
	assert.True(t, bvh.ContainsBox(parentRec.OBB, rightRec.OBB, 1e-6))

	_, stillPresent := ws.Get(10)
	assert.False(t, stillPresent) // ProcessChildren removes each child once it is folded into the parent
}

func TestProcessChildrenErrorsOnMissingChild(t *testing.T) {
	a := newTestAssembler(archive.Codecs{}, "mesh")
	ws := newMemWorkingSet()

	parentRec, err := a.CreateOutputNode(ws, SimpleNode{ID: 13, Children: []ID{999}, LODThreshold: 1})
	require.NoError(t, err)

	err = a.ProcessChildren(ws, 13, parentRec)
	require.Error(t, err)
	assert.ErrorIs(t, err, werr.ErrInvalidTopology)
}

func TestCreateNodeWiresCreateOutputNodeAndProcessChildren(t *testing.T) {
	a := newTestAssembler(archive.Codecs{}, "mesh")
	ws := newMemWorkingSet()

	leaf := flatTriangleMesh(nil, nil)
	leafRec, err := a.CreateNode(ws, SimpleNode{ID: 14, Mesh: leaf, LODThreshold: 1})
	require.NoError(t, err)
	require.NotNil(t, leafRec)

	parentRec, err := a.CreateNode(ws, SimpleNode{ID: 15, Children: []ID{14}, LODThreshold: 1})
	require.NoError(t, err)
	assert.False(t, parentRec.OBB.IsInvalid())
}

func TestGeometryDefinitionKeyBitLayout(t *testing.T) {
	assert.Equal(t, 0, geometryDefinitionKey(false, false, false))
	assert.Equal(t, 1, geometryDefinitionKey(true, false, false))
	assert.Equal(t, 2, geometryDefinitionKey(false, true, false))
	assert.Equal(t, 4, geometryDefinitionKey(false, false, true))
	assert.Equal(t, 7, geometryDefinitionKey(true, true, true))
}

func TestNormalsDroppableTrueWhenEveryNormalMatchesFaceNormal(t *testing.T) {
	a := newTestAssembler(archive.Codecs{}, "mesh")
	m := flatTriangleMesh([]math32.Vector3{{X: 0, Y: 0, Z: 1}, {X: 0, Y: 0, Z: 1}, {X: 0, Y: 0, Z: 1}}, nil)
	assert.True(t, a.normalsDroppable(m))
}

func TestNormalsDroppableFalseWhenNormalsDiverge(t *testing.T) {
	a := newTestAssembler(archive.Codecs{}, "mesh")
	m := flatTriangleMesh([]math32.Vector3{{X: 1, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}}, nil)
	assert.False(t, a.normalsDroppable(m))
}

func TestEllipsoidAxisScaleDefaultsToOneWithoutCartesianCodec(t *testing.T) {
	a := newTestAssembler(archive.Codecs{}, "mesh")
	m := flatTriangleMesh(nil, nil)
	sx, sy := a.ellipsoidAxisScale(m)
	assert.Equal(t, 1.0, sx)
	assert.Equal(t, 1.0, sy)
}

func TestEllipsoidAxisScaleAppliesBeyondThreshold(t *testing.T) {
	codecs := archive.Codecs{
		ToCartesianSpace: func(sr layer.SpatialReference, points []geo.Vec3) ([]geo.Vec3, bool) {
			out := make([]geo.Vec3, len(points))
			for i, p := range points {
				out[i] = geo.NewVec3(p.X*20, p.Y, p.Z)
			}
			return out, true
		},
	}
	a := newTestAssembler(codecs, "mesh")
	m := flatTriangleMesh(nil, nil)
	sx, sy := a.ellipsoidAxisScale(m)
	assert.InDelta(t, 20.0, sx, 1e-9)
	assert.InDelta(t, 1.0, sy, 1e-9)
}
