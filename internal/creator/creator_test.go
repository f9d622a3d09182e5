package creator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipartnerupflow/taskengine/internal/sqlitetest"
	"github.com/aipartnerupflow/taskengine/internal/store"
	"github.com/aipartnerupflow/taskengine/internal/task"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	drv := sqlitetest.NewDriver(t)
	return store.New(drv)
}

func strPtr(s string) *string { return &s }

func TestCreateSimpleParentChild(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil)

	entries := []Entry{
		{Name: "root"},
		{Name: "child", ParentRef: strPtr("root")},
	}

	tree, err := c.Create(context.Background(), entries)
	require.NoError(t, err)
	assert.True(t, tree.Reachable())
	assert.Equal(t, "root", tree.Root().Name)
	assert.True(t, tree.Root().HasChildren)
	assert.Len(t, tree.ChildrenOf(tree.Root().ID), 1)
}

func TestCreateRejectsMixedIdMode(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil)

	entries := []Entry{
		{ID: strPtr("a"), Name: "a"},
		{Name: "b"},
	}

	_, err := c.Create(context.Background(), entries)
	assert.ErrorIs(t, err, task.ErrMixedIdMode)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil)

	entries := []Entry{
		{Name: "dup"},
		{Name: "dup"},
	}

	_, err := c.Create(context.Background(), entries)
	assert.ErrorIs(t, err, task.ErrDuplicateName)
}

func TestCreateRejectsUnknownParent(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil)

	entries := []Entry{
		{Name: "a", ParentRef: strPtr("missing")},
	}

	_, err := c.Create(context.Background(), entries)
	assert.ErrorIs(t, err, task.ErrUnknownParent)
}

func TestCreateRejectsUnknownDependency(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil)

	entries := []Entry{
		{Name: "a", Dependencies: []DependencySpec{{Ref: "missing", Required: true}}},
	}

	_, err := c.Create(context.Background(), entries)
	assert.ErrorIs(t, err, task.ErrUnknownDependency)
}

func TestCreateRejectsSelfDependency(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil)

	entries := []Entry{
		{Name: "a", Dependencies: []DependencySpec{{Ref: "a", Required: true}}},
	}

	_, err := c.Create(context.Background(), entries)
	assert.ErrorIs(t, err, task.ErrCircularDependency)
}

func TestCreateRejectsCircularDependency(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil)

	entries := []Entry{
		{Name: "root"},
		{Name: "a", ParentRef: strPtr("root"), Dependencies: []DependencySpec{{Ref: "b", Required: true}}},
		{Name: "b", ParentRef: strPtr("root"), Dependencies: []DependencySpec{{Ref: "a", Required: true}}},
	}

	_, err := c.Create(context.Background(), entries)
	assert.ErrorIs(t, err, task.ErrCircularDependency)
}

func TestCreateRewritesDependenciesToPersistedIDs(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil)

	entries := []Entry{
		{Name: "root"},
		{Name: "a", ParentRef: strPtr("root")},
		{Name: "b", ParentRef: strPtr("root"), Dependencies: []DependencySpec{{Ref: "a", Required: true}}},
	}

	tree, err := c.Create(context.Background(), entries)
	require.NoError(t, err)

	var taskA, taskB *task.Task
	for _, tk := range tree.Nodes {
		switch tk.Name {
		case "a":
			taskA = tk
		case "b":
			taskB = tk
		}
	}
	require.NotNil(t, taskA)
	require.NotNil(t, taskB)
	require.Len(t, taskB.Dependencies, 1)
	assert.Equal(t, taskA.ID, taskB.Dependencies[0].ID)
	assert.Equal(t, "result", taskB.Dependencies[0].Type)
}

func TestCreateRegeneratesIDOnCollision(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil)

	// First ingestion claims id "fixed".
	_, err := c.Create(context.Background(), []Entry{{ID: strPtr("fixed"), Name: "first"}})
	require.NoError(t, err)

	// Second ingestion asks for the same id; the creator must regenerate.
	tree, err := c.Create(context.Background(), []Entry{{ID: strPtr("fixed"), Name: "second"}})
	require.NoError(t, err)
	assert.NotEqual(t, "fixed", tree.Root().ID)
}

func TestCreateRejectsEmptyArray(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil)

	_, err := c.Create(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyArray)
}
