package writer

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esri-i3s/slpk-writer/archive"
	"github.com/esri-i3s/slpk-writer/geo"
	"github.com/esri-i3s/slpk-writer/layer"
	"github.com/esri-i3s/slpk-writer/mesh"
	"github.com/esri-i3s/slpk-writer/node"
	"github.com/esri-i3s/slpk-writer/werr"
)

func flatTriangleMesh() *mesh.Mesh {
	m := mesh.New(mesh.Triangles)
	in := mesh.BulkInput{
		Origin: geo.NewVec3(0, 0, 0),
		Positions: []geo.Vec3{
			geo.NewVec3(0, 0, 0),
			geo.NewVec3(1, 0, 0),
			geo.NewVec3(0, 1, 0),
		},
	}
	if err := m.AssignFromBulk(in); err != nil {
		panic(err)
	}
	return m
}

func newTestWriter() (*LayerWriter, *archive.MemoryArchive) {
	sink := archive.NewMemoryArchive()
	cfg := Config{Node: node.Config{LayerType: "mesh"}, LODMetricType: "maxScreenThreshold"}
	return New(cfg, archive.Codecs{}, sink, nil), sink
}

func TestSaveBeforeRootIsFinalizedReportsInvalidTopology(t *testing.T) {
	w, _ := newTestWriter()
	_, err := w.Submit(node.SimpleNode{ID: 1, LODThreshold: 10})
	require.NoError(t, err)
	_, err = w.Submit(node.SimpleNode{ID: 2, LODThreshold: 10})
	require.NoError(t, err)

	_, err = w.Save(layer.Input{LayerType: "mesh"})
	require.Error(t, err)
	assert.ErrorIs(t, err, werr.ErrInvalidTopology)

	var topo *werr.InvalidTopology
	require.True(t, errors.As(err, &topo))
	assert.Equal(t, 1, topo.Count) // 2 pending entries, 1 offender
}

func TestSaveWritesPagesLegacyDocsAndLayerDocuments(t *testing.T) {
	w, sink := newTestWriter()

	_, err := w.Submit(node.SimpleNode{ID: 1, Depth: 1, LODThreshold: 10})
	require.NoError(t, err)
	_, err = w.Submit(node.SimpleNode{ID: 2, Depth: 1, LODThreshold: 10})
	require.NoError(t, err)

	root, err := w.Submit(node.SimpleNode{ID: 3, Depth: 0, LODThreshold: 400, Children: []node.ID{1, 2}})
	require.NoError(t, err)
	assert.False(t, root.HasMesh)

	out, err := w.Save(layer.Input{LayerType: "mesh"})
	require.NoError(t, err)
	assert.Equal(t, node.ID(3), out.RootID)
	assert.Equal(t, 3, out.NodeCount)
	assert.Equal(t, 1, out.PagesWritten)

	pageBytes, ok := sink.Get("nodepages/0.json.gz")
	require.True(t, ok)
	var page node.Page
	require.NoError(t, json.Unmarshal(pageBytes, &page))
	require.Len(t, page.Nodes, 3)

	var rootEntry *node.PageEntry
	for i := range page.Nodes {
		if page.Nodes[i].ParentIndex == nil {
			rootEntry = &page.Nodes[i]
		}
	}
	require.NotNil(t, rootEntry)
	assert.Len(t, rootEntry.Children, 2)

	_, ok = sink.Get("nodes/3/3dNodeIndexDocument.json.gz")
	assert.True(t, ok)
	_, ok = sink.Get("nodes/root/3dNodeIndexDocument.json.gz")
	assert.True(t, ok)
	_, ok = sink.Get("nodes/1/3dNodeIndexDocument.json.gz")
	assert.True(t, ok)

	_, ok = sink.Get("3dSceneLayer.json.gz")
	assert.True(t, ok)

	metadataBytes, ok := sink.Get("metadata.json")
	require.True(t, ok)
	var meta layer.Metadata
	require.NoError(t, json.Unmarshal(metadataBytes, &meta))
	assert.Equal(t, 3, meta.NodeCount)
}

func TestSaveWritesSharedResourceAndFeaturePlaceholderForMeshedNode(t *testing.T) {
	w, sink := newTestWriter()

	root, err := w.Submit(node.SimpleNode{ID: 1, Depth: 0, LODThreshold: 400, Mesh: flatTriangleMesh()})
	require.NoError(t, err)
	require.True(t, root.HasMesh)

	_, err = w.Save(layer.Input{LayerType: "mesh"})
	require.NoError(t, err)

	sharedBytes, ok := sink.Get("nodes/1/shared/sharedResource.json.gz")
	require.True(t, ok)
	var shared node.SharedResourceDoc
	require.NoError(t, json.Unmarshal(sharedBytes, &shared))
	assert.True(t, shared.MaterialDefinitions.Unnamed.Params.VertexColors)

	featureBytes, ok := sink.Get("nodes/1/features/0.json.gz")
	require.True(t, ok)
	var feature node.FeatureDataDoc
	require.NoError(t, json.Unmarshal(featureBytes, &feature))
	assert.NotNil(t, feature.GeometryData)
	assert.NotNil(t, feature.FeatureData)

	_, ok = sink.Get("nodes/root/shared/sharedResource.json.gz")
	assert.True(t, ok)
	_, ok = sink.Get("nodes/root/features/0.json.gz")
	assert.True(t, ok)
}

func TestSaveRemapsChildIndicesNotClientIDs(t *testing.T) {
	w, sink := newTestWriter()

	_, err := w.Submit(node.SimpleNode{ID: 100, LODThreshold: 10})
	require.NoError(t, err)
	_, err = w.Submit(node.SimpleNode{ID: 200, Children: []node.ID{100}, LODThreshold: 50})
	require.NoError(t, err)

	_, err = w.Save(layer.Input{LayerType: "mesh"})
	require.NoError(t, err)

	pageBytes, ok := sink.Get("nodepages/0.json.gz")
	require.True(t, ok)
	var page node.Page
	require.NoError(t, json.Unmarshal(pageBytes, &page))

	for _, entry := range page.Nodes {
		for _, child := range entry.Children {
			assert.Less(t, child, len(page.Nodes))
			assert.GreaterOrEqual(t, child, 0)
		}
	}
}
