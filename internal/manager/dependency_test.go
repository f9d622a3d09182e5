package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipartnerupflow/taskengine/internal/task"
)

func newResolvedTree(tasks ...*task.Task) *task.Tree {
	return task.NewTree(tasks)
}

// TestResolveInputsBareStringWholesaleMerges covers spec §4.4.3/§4.4.4's
// bare-string dependency form: its result is merged flat into inputs,
// key by key.
func TestResolveInputsBareStringWholesaleMerges(t *testing.T) {
	src := &task.Task{ID: "a"}
	src.SetResult(map[string]any{"x": 1, "y": 2})

	dependent := &task.Task{ID: "r", Dependencies: []task.Dependency{{ID: "a", BareString: true}}}
	tree := newResolvedTree(src, dependent)

	inputs := resolveInputsWithLogger(tree, dependent, nil)
	assert.Equal(t, 1, inputs["x"])
	assert.Equal(t, 2, inputs["y"])
	_, hasNested := inputs["a"]
	assert.False(t, hasNested, "bare-string dependency must not also nest by id")
}

// TestResolveInputsStructuredNestsByID is scenario S2: a root depending
// on several structured {id: ...} dependencies (default type, i.e.
// NormalizeType()=="result") nests each dependency's result under its
// own id rather than wholesale-merging, so results don't clobber one
// another.
func TestResolveInputsStructuredNestsByID(t *testing.T) {
	c1 := &task.Task{ID: "c1"}
	c1.SetResult(map[string]any{"value": 1})
	c2 := &task.Task{ID: "c2"}
	c2.SetResult(map[string]any{"value": 2})
	c3 := &task.Task{ID: "c3"}
	c3.SetResult(map[string]any{"value": 3})

	root := &task.Task{ID: "r", Dependencies: []task.Dependency{
		{ID: "c1"}, {ID: "c2"}, {ID: "c3"},
	}}
	tree := newResolvedTree(c1, c2, c3, root)

	inputs := resolveInputsWithLogger(tree, root, nil)
	require.Len(t, inputs, 3)
	for _, id := range []string{"c1", "c2", "c3"} {
		nested, ok := inputs[id].(map[string]any)
		require.True(t, ok, "expected inputs[%q] to be a nested result map, got %#v", id, inputs[id])
		assert.NotNil(t, nested["value"])
	}
	assert.Equal(t, 1, inputs["c1"].(map[string]any)["value"])
	assert.Equal(t, 2, inputs["c2"].(map[string]any)["value"])
	assert.Equal(t, 3, inputs["c3"].(map[string]any)["value"])
}

// TestResolveInputsDeclaredPropertiesOverridesBothForms confirms a
// declared input_schema.properties projection wins over either the
// bare-string or structured default behavior.
func TestResolveInputsDeclaredPropertiesOverridesBothForms(t *testing.T) {
	src := &task.Task{ID: "a"}
	src.SetResult(map[string]any{"keep": 1, "drop": 2})

	dependent := &task.Task{
		ID:           "r",
		Dependencies: []task.Dependency{{ID: "a", BareString: true}},
		Schemas: map[string]any{
			"input_schema": map[string]any{
				"properties": map[string]any{"keep": map[string]any{}},
			},
		},
	}
	tree := newResolvedTree(src, dependent)

	inputs := resolveInputsWithLogger(tree, dependent, nil)
	assert.Equal(t, 1, inputs["keep"])
	_, hasDrop := inputs["drop"]
	assert.False(t, hasDrop)
}
