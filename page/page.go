// Package page implements the two tree-to-pages strategies of
// spec.md §4.7: given the ordered internal node records, the root index,
// and a page size, produce a flat global-index assignment that pages are
// sliced from.
//
// Grounded on original_source/src/i3s/i3s_pages_breadthfirst.cpp and
// i3s_pages_localsubtree.cpp for the two traversal orders. The
// local-subtree pass-1 priority queue uses stdlib container/heap, the
// same way node/index reordering problems elsewhere in the corpus reach
// for container/heap rather than a third-party priority-queue package —
// no pack example imports one, and heap.Interface is the idiomatic Go
// fit for a small bounded priority queue like this.
package page

import (
	"container/heap"
	"math"
)

// Node is one node record as the page builder sees it: its children
// (original indices) and the radius of its own bounding sphere, which
// becomes the traversal priority assigned to those children.
type Node struct {
	Children  []int
	OBBRadius float64
}

// DefaultPageSize is the page size spec.md §4.7 uses absent an explicit
// override.
const DefaultPageSize = 64

// Plan is the result of a page-building strategy: the original node
// index visited at each new global index.
type Plan struct {
	Order    []int // Order[newIndex] == original index
	PageSize int
}

// NewIndexOf returns the new global index assigned to originalIndex.
func (p Plan) NewIndexOf(originalIndex int) int {
	for i, orig := range p.Order {
		if orig == originalIndex {
			return i
		}
	}
	return -1
}

// Pages partitions Order into page-sized chunks of new global indices;
// the last page may be shorter.
func (p Plan) Pages() [][]int {
	var pages [][]int
	for i := 0; i < len(p.Order); i += p.PageSize {
		end := i + p.PageSize
		if end > len(p.Order) {
			end = len(p.Order)
		}
		chunk := make([]int, end-i)
		for j := i; j < end; j++ {
			chunk[j-i] = j
		}
		pages = append(pages, chunk)
	}
	return pages
}

// Builder is implemented by each page-ordering strategy.
type Builder interface {
	Build(nodes []Node, root int, pageSize int) Plan
}

// BreadthFirst assigns global indices in breadth-first visit order from
// root, per spec.md §4.7: "the page of a node at global index i is
// ⌊i/page_size⌋."
type BreadthFirst struct{}

// Build implements Builder.
func (BreadthFirst) Build(nodes []Node, root int, pageSize int) Plan {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	order := make([]int, 0, len(nodes))
	queue := []int{root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		queue = append(queue, nodes[n].Children...)
	}
	return Plan{Order: order, PageSize: pageSize}
}

// LocalSubtreeOptions configures the two-pass local-subtree strategy.
type LocalSubtreeOptions struct {
	// MaxSiblingGroup bounds how many same-parent children are grouped
	// into one pending-queue entry, per spec.md §4.7 ("partition
	// remaining-to-visit children into groups of at most
	// max_count_sibling_local_subtrees"). Defaults to 1.
	MaxSiblingGroup int
}

// LocalSubtree keeps a node's descendants in the same page as the node
// whenever the subtree is small, and otherwise expands pages breadth-first
// weighted by parent bounding-sphere radius (since clients load a page
// when its parent node splits), per spec.md §4.7.
type LocalSubtree struct {
	Options LocalSubtreeOptions
}

type pendingGroup struct {
	members  []int
	priority float64 // parent OBB radius; root group gets math.MaxFloat64
}

type groupHeap []pendingGroup

func (h groupHeap) Len() int            { return len(h) }
func (h groupHeap) Less(i, j int) bool  { return h[i].priority > h[j].priority } // max-heap
func (h groupHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *groupHeap) Push(x interface{}) { *h = append(*h, x.(pendingGroup)) }
func (h *groupHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Build implements Builder.
func (ls LocalSubtree) Build(nodes []Node, root int, pageSize int) Plan {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	maxGroup := ls.Options.MaxSiblingGroup
	if maxGroup <= 0 {
		maxGroup = 1
	}

	assigned := make([]bool, len(nodes))
	descendants := descendantCounts(nodes, root)

	var order []int
	pending := &groupHeap{}
	heap.Init(pending)
	heap.Push(pending, pendingGroup{members: []int{root}, priority: math.MaxFloat64})

	for pending.Len() > 0 {
		g := heap.Pop(pending).(pendingGroup)

		// Small subtrees are deferred entirely to pass 2, per spec.md
		// §4.7: "when a group's total remaining descendant count is
		// less than page_size, stop treating it as a root-group
		// candidate."
		total := 0
		for _, m := range g.members {
			total += descendants[m]
		}
		if total < pageSize && g.members[0] != root {
			continue
		}

		for _, m := range g.members {
			if assigned[m] {
				continue
			}
			assigned[m] = true
			order = append(order, m)

			children := append([]int(nil), nodes[m].Children...)
			for i := 0; i < len(children); i += maxGroup {
				end := i + maxGroup
				if end > len(children) {
					end = len(children)
				}
				heap.Push(pending, pendingGroup{members: children[i:end], priority: nodes[m].OBBRadius})
			}
		}
	}

	// Pass 2: post-order over everything not yet assigned.
	var postOrder []int
	var visit func(n int)
	visit = func(n int) {
		for _, c := range nodes[n].Children {
			visit(c)
		}
		if !assigned[n] {
			postOrder = append(postOrder, n)
			assigned[n] = true
		}
	}
	visit(root)
	order = append(order, postOrder...)

	return Plan{Order: order, PageSize: pageSize}
}

func descendantCounts(nodes []Node, root int) []int {
	counts := make([]int, len(nodes))
	var visit func(n int) int
	visit = func(n int) int {
		total := 0
		for _, c := range nodes[n].Children {
			total += 1 + visit(c)
		}
		counts[n] = total
		return total
	}
	visit(root)
	return counts
}
