package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectorReport(t *testing.T) {
	c := NewCollector()
	Warn(c, 3, "degenerate_mesh", "all triangles degenerate")
	c.Report(Event{Level: ERROR, NodeID: 3, Code: "bad_uv", Message: "uv out of range"})

	events := c.Events()
	assert.Len(t, events, 2)
	assert.Equal(t, WARN, events[0].Level)
	assert.Equal(t, int64(3), events[0].NodeID)
	assert.Equal(t, 1, c.CountAtLeast(ERROR))
	assert.Equal(t, 2, c.CountAtLeast(WARN))
}

func TestNilTrackerDiscards(t *testing.T) {
	assert.NotPanics(t, func() {
		Warn(nil, 0, "x", "y")
	})
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "WARN", WARN.String())
	assert.Equal(t, "UNKNOWN", Level(99).String())
}
