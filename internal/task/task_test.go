package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
}

func TestEffectivePriorityDefaultsToLowest(t *testing.T) {
	tk := &Task{Priority: 0}
	assert.Equal(t, UnscheduledPriority, tk.EffectivePriority())

	tk2 := &Task{Priority: 2}
	assert.Equal(t, 2, tk2.EffectivePriority())
}

func TestCloneIsDeep(t *testing.T) {
	tk := &Task{
		ID:     "a",
		Inputs: map[string]any{"x": map[string]any{"y": 1}},
	}
	clone := tk.Clone()
	nested := clone.Inputs["x"].(map[string]any)
	nested["y"] = 2

	orig := tk.Inputs["x"].(map[string]any)
	assert.Equal(t, 1, orig["y"])
	assert.Equal(t, 2, nested["y"])
}

func TestTreeSingleRootReachable(t *testing.T) {
	a := &Task{ID: "a"}
	bParent := "a"
	b := &Task{ID: "b", ParentID: &bParent}
	cParent := "b"
	c := &Task{ID: "c", ParentID: &cParent}

	tr := NewTree([]*Task{a, b, c})
	assert.True(t, tr.Reachable())
	assert.Equal(t, "a", tr.Root().ID)
	assert.Len(t, tr.ChildrenOf("a"), 1)
	assert.Len(t, tr.DescendantsOf("a"), 2)
}

func TestTreeMultipleRootsUnreachable(t *testing.T) {
	a := &Task{ID: "a"}
	b := &Task{ID: "b"}
	tr := NewTree([]*Task{a, b})
	assert.False(t, tr.Reachable())
	assert.Equal(t, -1, tr.RootIndex())
}
