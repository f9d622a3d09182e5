package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerStartStop(t *testing.T) {
	tr := New()
	assert.Equal(t, 0, tr.Count())

	tr.Start("root-1")
	assert.True(t, tr.IsRunning("root-1"))
	assert.Equal(t, 1, tr.Count())

	tr.Start("root-2")
	assert.Equal(t, 2, tr.Count())

	tr.Stop("root-1")
	assert.False(t, tr.IsRunning("root-1"))
	assert.Equal(t, 1, tr.Count())

	list := tr.List()
	assert.Len(t, list, 1)
	assert.Equal(t, "root-2", list[0].RootTaskID)
}

func TestTrackerStopUnknownIsNoop(t *testing.T) {
	tr := New()
	tr.Stop("nonexistent")
	assert.Equal(t, 0, tr.Count())
}
