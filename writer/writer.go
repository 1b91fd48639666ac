// Package writer implements the top-level orchestration of spec.md §4.9:
// LayerWriter bundles a node.Assembler, a page.Builder, and an
// archive.Archive into the submit/save lifecycle a client drives by
// staging nodes one at a time and finally calling Save to emit the paged
// index and the layer-level documents.
//
// Grounded on original_source/src/i3s/i3s_writer_impl.cpp's top-level
// Writer class (the working-set map, save()'s aggregation of page and
// layer documents) for the procedure, and on g3n-engine's app-level
// structs for the style of one struct wiring subsystem pieces together
// behind a mutex.
package writer

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/esri-i3s/slpk-writer/archive"
	"github.com/esri-i3s/slpk-writer/attrs"
	"github.com/esri-i3s/slpk-writer/layer"
	"github.com/esri-i3s/slpk-writer/mesh"
	"github.com/esri-i3s/slpk-writer/node"
	"github.com/esri-i3s/slpk-writer/page"
	"github.com/esri-i3s/slpk-writer/trace"
	"github.com/esri-i3s/slpk-writer/werr"
)

// Config bundles the layer-level policy Save needs beyond node.Config:
// the page-building strategy, the target page size, and the LOD metric
// type reported in both the layer descriptor and every per-node document.
type Config struct {
	Node          node.Config
	PageBuilder   page.Builder
	PageSize      int
	LODMetricType string
}

// LayerWriter is the §4.9 writer orchestration. It keeps two node stores
// deliberately: node.Assembler.ProcessChildren removes an absorbed child
// from the working set entirely (spec.md §3: "an entry is ... removed
// either when the node is absorbed as a child by a later submission or
// when the root is finalized"), so a second, never-pruned store is needed
// to retain every record for page-building and document assembly once the
// working set has collapsed to the single root entry Save expects.
type LayerWriter struct {
	Assembler *node.Assembler
	Config    Config
	Sink      archive.Archive
	Tracker   trace.Tracker

	mu      sync.Mutex
	pending map[node.ID]*node.InternalRecord
	records map[node.ID]*node.InternalRecord
	order   []node.ID
}

// New builds a LayerWriter around a fresh node.Assembler.
func New(cfg Config, codecs archive.Codecs, sink archive.Archive, tracker trace.Tracker) *LayerWriter {
	return &LayerWriter{
		Assembler: node.NewAssembler(cfg.Node, codecs, sink, tracker),
		Config:    cfg,
		Sink:      sink,
		Tracker:   tracker,
		pending:   make(map[node.ID]*node.InternalRecord),
		records:   make(map[node.ID]*node.InternalRecord),
	}
}

// workingSet adapts LayerWriter's pending map to node.WorkingSet. Put
// mirrors every insertion into the permanent records/order store so a
// later Remove (process_children absorbing a child) never loses the
// record.
type workingSet struct {
	w *LayerWriter
}

func (s workingSet) Get(id node.ID) (*node.InternalRecord, bool) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	rec, ok := s.w.pending[id]
	return rec, ok
}

func (s workingSet) Put(id node.ID, rec *node.InternalRecord) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if _, exists := s.w.records[id]; !exists {
		s.w.order = append(s.w.order, id)
	}
	s.w.records[id] = rec
	s.w.pending[id] = rec
}

func (s workingSet) Remove(id node.ID) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	delete(s.w.pending, id)
}

// Submit runs create_output_node followed by process_children for n, per
// spec.md §4.6's create_node convenience, staging the result in the
// working set.
func (w *LayerWriter) Submit(n node.SimpleNode) (*node.InternalRecord, error) {
	ws := workingSet{w}
	rec, err := w.Assembler.CreateOutputNode(ws, n)
	if err != nil {
		return nil, err
	}
	if err := w.Assembler.ProcessChildren(ws, n.ID, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Output summarizes a completed Save, for a caller that wants to report
// progress rather than just trust the archive's own success.
type Output struct {
	RootID       node.ID
	NodeCount    int
	PagesWritten int
}

// Save runs spec.md §4.9's save procedure: verify exactly one working-set
// entry remains (the root), build the page plan, then write every
// nodepages/3dNodeIndexDocument/layer document to the archive. If the
// extent or paged-index emission fails, no subsequent documents are
// written, but already-appended per-node files remain, per spec.md §7.
func (w *LayerWriter) Save(in layer.Input) (Output, error) {
	w.mu.Lock()
	pendingCount := len(w.pending)
	if pendingCount != 1 {
		w.mu.Unlock()
		return Output{}, &werr.InvalidTopology{Count: pendingCount - 1}
	}
	var rootID node.ID
	for id := range w.pending {
		rootID = id
	}
	order := append([]node.ID(nil), w.order...)
	records := make(map[node.ID]*node.InternalRecord, len(w.records))
	for id, rec := range w.records {
		records[id] = rec
	}
	w.mu.Unlock()

	indexOf := make(map[node.ID]int, len(order))
	for i, id := range order {
		indexOf[id] = i
	}
	rootIndex, ok := indexOf[rootID]
	if !ok {
		return Output{}, &werr.InternalError{What: "root id missing from insertion order"}
	}

	pageNodes := make([]page.Node, len(order))
	parentIndexOf := make(map[int]int, len(order))
	for i, id := range order {
		rec := records[id]
		children := make([]int, 0, len(rec.Children))
		for _, cid := range rec.Children {
			ci, ok := indexOf[cid]
			if !ok {
				continue
			}
			children = append(children, ci)
			parentIndexOf[ci] = i
		}
		pageNodes[i] = page.Node{Children: children, OBBRadius: rec.Sphere.Radius}
	}

	builder := w.Config.PageBuilder
	if builder == nil {
		builder = page.BreadthFirst{}
	}
	pageSize := w.Config.PageSize
	if pageSize == 0 {
		pageSize = page.DefaultPageSize
	}
	plan := builder.Build(pageNodes, rootIndex, pageSize)

	slots := collectSlots(w.Assembler.Attributes)

	layerInput := in
	layerInput.RootOBB = records[rootID].OBB
	layerInput.PageSize = pageSize
	layerInput.NodeCount = len(order)
	layerInput.RunningMask = w.Assembler.RunningMask()
	layerInput.GeometryUsage = w.Assembler.GeometryUsage()
	layerInput.Materials = w.Assembler.Materials.Entries()
	layerInput.TextureSets = w.Assembler.Textures.Definitions()
	layerInput.AttributeSlots = slots
	layerInput.AttributeStats = collectStats(slots)
	if layerInput.LODMetricType == "" {
		layerInput.LODMetricType = w.Config.LODMetricType
	}

	out, err := layer.Finalize(layerInput)
	if err != nil {
		return Output{}, err
	}

	if err := w.writePages(plan, pageNodes, order, records, parentIndexOf, out.GeometryDense); err != nil {
		return Output{}, err
	}
	if err := w.writeLegacyDocs(order, records, rootID); err != nil {
		return Output{}, err
	}

	if err := archive.AppendOrError(w.Sink, "3dSceneLayer.json.gz", out.LayerJSON); err != nil {
		return Output{}, err
	}
	// The archive layout table carries metadata.json without a .gz suffix;
	// unlike every other document, it bypasses the sink's gzip wrapping.
	if err := appendUncompressed(w.Sink, "metadata.json", out.MetadataJSON); err != nil {
		return Output{}, err
	}
	for i, doc := range out.StatisticsJSON {
		path := fmt.Sprintf("statistics/f_%d/0.json.gz", i)
		if err := archive.AppendOrError(w.Sink, path, doc); err != nil {
			return Output{}, err
		}
	}

	return Output{RootID: rootID, NodeCount: len(order), PagesWritten: len(plan.Pages())}, nil
}

func appendUncompressed(sink archive.Archive, path string, data []byte) error {
	target := sink
	if gz, ok := sink.(*archive.GzipArchive); ok {
		target = gz.Sink
	}
	if !target.AppendFile(path, data) {
		return &werr.IoWriteFailed{Path: path}
	}
	return nil
}

// writePages writes each page the plan carves out as nodepages/<n>.json.gz,
// remapping every node's index, parentIndex, and children fields to page-
// stream positions, per spec.md §4.7.
func (w *LayerWriter) writePages(plan page.Plan, pageNodes []page.Node, order []node.ID, records map[node.ID]*node.InternalRecord, parentIndexOf map[int]int, geometryDense map[int]int) error {
	newIndex := make(map[int]int, len(plan.Order))
	for i, orig := range plan.Order {
		newIndex[orig] = i
	}
	for pageIdx, indices := range plan.Pages() {
		entries := make([]node.PageEntry, len(indices))
		for i, globalIdx := range indices {
			orig := plan.Order[globalIdx]
			rec := records[order[orig]]
			parentIdx := -1
			if p, ok := parentIndexOf[orig]; ok {
				parentIdx = newIndex[p]
			}
			children := make([]int, 0, len(pageNodes[orig].Children))
			for _, c := range pageNodes[orig].Children {
				children = append(children, newIndex[c])
			}
			geomDefID := 0
			if rec.HasMesh {
				geomDefID = geometryDense[rec.GeometryDefKey]
			}
			entries[i] = node.BuildPageEntry(rec, globalIdx, parentIdx, children, geomDefID)
		}
		data, err := json.Marshal(node.Page{Nodes: entries})
		if err != nil {
			return &werr.JSONParsingError{Doc: "nodepage", Err: err}
		}
		path := fmt.Sprintf("nodepages/%d.json.gz", pageIdx)
		if err := archive.AppendOrError(w.Sink, path, data); err != nil {
			return err
		}
	}
	return nil
}

// writeLegacyDocs writes nodes/<id>/3dNodeIndexDocument.json.gz for every
// node, per spec.md §6's archive layout table. The root's document is also
// duplicated under nodes/root/... for readers that look there first.
func (w *LayerWriter) writeLegacyDocs(order []node.ID, records map[node.ID]*node.InternalRecord, rootID node.ID) error {
	for _, id := range order {
		rec := records[id]
		legacyID := fmt.Sprintf("%d", id)

		var parent *node.LegacyRefInfo
		if rec.ParentID != node.InvalidID {
			if p, ok := records[rec.ParentID]; ok {
				parent = &node.LegacyRefInfo{LegacyID: fmt.Sprintf("%d", p.ID), OBB: p.OBB, Sphere: p.Sphere}
			}
		}
		var children []node.LegacyRefInfo
		for _, cid := range rec.Children {
			if c, ok := records[cid]; ok {
				children = append(children, node.LegacyRefInfo{LegacyID: fmt.Sprintf("%d", c.ID), OBB: c.OBB, Sphere: c.Sphere})
			}
		}

		if rec.HasMesh && rec.Kind != mesh.Points {
			if err := w.writeSharedResource(legacyID, rec); err != nil {
				return err
			}
			if id == rootID {
				if err := w.writeSharedResource("root", rec); err != nil {
					return err
				}
			}
		}

		doc := node.BuildLegacyNodeDoc(rec, node.LegacyDocInput{
			LegacyID:      legacyID,
			LODMetricType: w.Config.LODMetricType,
			Parent:        parent,
			Children:      children,
		}, true)
		data, err := json.Marshal(doc)
		if err != nil {
			return &werr.JSONParsingError{Doc: "3dNodeIndexDocument", Err: err}
		}
		path := fmt.Sprintf("nodes/%s/3dNodeIndexDocument.json.gz", legacyID)
		if err := archive.AppendOrError(w.Sink, path, data); err != nil {
			return err
		}
		if id == rootID {
			if err := archive.AppendOrError(w.Sink, "nodes/root/3dNodeIndexDocument.json.gz", data); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeSharedResource writes a node's legacy shared/sharedResource.json.gz
// and features/0.json.gz placeholder, per spec.md §6's archive layout table.
func (w *LayerWriter) writeSharedResource(legacyID string, rec *node.InternalRecord) error {
	sharedData, err := json.Marshal(node.BuildSharedResourceDoc(rec))
	if err != nil {
		return &werr.JSONParsingError{Doc: "sharedResource", Err: err}
	}
	if err := archive.AppendOrError(w.Sink, fmt.Sprintf("nodes/%s/shared/sharedResource.json.gz", legacyID), sharedData); err != nil {
		return err
	}
	featureData, err := json.Marshal(node.BuildFeatureDataDoc())
	if err != nil {
		return &werr.JSONParsingError{Doc: "features", Err: err}
	}
	return archive.AppendOrError(w.Sink, fmt.Sprintf("nodes/%s/features/0.json.gz", legacyID), featureData)
}

func collectSlots(agg *attrs.Aggregator) []*attrs.Slot {
	indices := agg.Indices()
	slots := make([]*attrs.Slot, 0, len(indices))
	for _, idx := range indices {
		if slot, ok := agg.Slot(idx); ok {
			slots = append(slots, slot)
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Index < slots[j].Index })
	return slots
}

func collectStats(slots []*attrs.Slot) map[int]attrs.StatisticsDoc {
	out := make(map[int]attrs.StatisticsDoc, len(slots))
	for _, s := range slots {
		if s.Stats != nil {
			out[s.Index] = s.Stats.Document()
		}
	}
	return out
}
