package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// a small fixed tree:
//
//	        0
//	      / | \
//	     1  2  3
//	    /|     |
//	   4 5     6
func sampleTree() []Node {
	return []Node{
		{Children: []int{1, 2, 3}, OBBRadius: 100},
		{Children: []int{4, 5}, OBBRadius: 50},
		{Children: nil, OBBRadius: 10},
		{Children: []int{6}, OBBRadius: 20},
		{Children: nil, OBBRadius: 5},
		{Children: nil, OBBRadius: 5},
		{Children: nil, OBBRadius: 5},
	}
}

func assertRootFirst(t *testing.T, plan Plan, root int) {
	t.Helper()
	require.NotEmpty(t, plan.Order)
	assert.Equal(t, root, plan.Order[0])
	pages := plan.Pages()
	require.NotEmpty(t, pages)
	require.NotEmpty(t, pages[0])
	assert.Equal(t, 0, pages[0][0])
}

func assertChildrenAscending(t *testing.T, plan Plan, nodes []Node) {
	t.Helper()
	for orig, n := range nodes {
		parentNew := plan.NewIndexOf(orig)
		if parentNew < 0 {
			continue
		}
		last := -1
		for _, c := range n.Children {
			cNew := plan.NewIndexOf(c)
			require.GreaterOrEqual(t, cNew, 0)
			assert.Greater(t, cNew, last, "children of node %d must appear in ascending new-index order", orig)
			last = cNew
		}
	}
}

func TestBreadthFirstVisitsLevelByLevel(t *testing.T) {
	nodes := sampleTree()
	plan := BreadthFirst{}.Build(nodes, 0, 4)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, plan.Order)
	assertRootFirst(t, plan, 0)
	assertChildrenAscending(t, plan, nodes)
}

func TestBreadthFirstPageAssignment(t *testing.T) {
	nodes := sampleTree()
	plan := BreadthFirst{}.Build(nodes, 0, 4)
	pages := plan.Pages()
	require.Len(t, pages, 2)
	assert.Len(t, pages[0], 4)
	assert.Len(t, pages[1], 3)
}

func TestLocalSubtreeRootAlwaysFirst(t *testing.T) {
	nodes := sampleTree()
	plan := LocalSubtree{}.Build(nodes, 0, 4)
	assertRootFirst(t, plan, 0)
	assert.Len(t, plan.Order, len(nodes))
}

func TestLocalSubtreeChildrenAscending(t *testing.T) {
	nodes := sampleTree()
	plan := LocalSubtree{}.Build(nodes, 0, 4)
	assertChildrenAscending(t, plan, nodes)
}

func TestLocalSubtreeVisitsEveryNodeExactlyOnce(t *testing.T) {
	nodes := sampleTree()
	plan := LocalSubtree{}.Build(nodes, 0, 2)
	seen := map[int]bool{}
	for _, n := range plan.Order {
		assert.False(t, seen[n], "node %d visited twice", n)
		seen[n] = true
	}
	assert.Len(t, plan.Order, len(nodes))
}

func TestLocalSubtreeWithSiblingGroupingOption(t *testing.T) {
	nodes := sampleTree()
	plan := LocalSubtree{Options: LocalSubtreeOptions{MaxSiblingGroup: 2}}.Build(nodes, 0, 4)
	assertRootFirst(t, plan, 0)
	assertChildrenAscending(t, plan, nodes)
	assert.Len(t, plan.Order, len(nodes))
}

func TestPlanPagesLastPageShort(t *testing.T) {
	plan := Plan{Order: []int{0, 1, 2, 3, 4}, PageSize: 2}
	pages := plan.Pages()
	require.Len(t, pages, 3)
	assert.Len(t, pages[0], 2)
	assert.Len(t, pages[1], 2)
	assert.Len(t, pages[2], 1)
}

func TestDefaultPageSizeAppliedWhenZero(t *testing.T) {
	nodes := sampleTree()
	plan := BreadthFirst{}.Build(nodes, 0, 0)
	assert.Equal(t, DefaultPageSize, plan.PageSize)
}
