package copyengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipartnerupflow/taskengine/internal/creator"
	"github.com/aipartnerupflow/taskengine/internal/sqlitetest"
	"github.com/aipartnerupflow/taskengine/internal/store"
	"github.com/aipartnerupflow/taskengine/internal/task"
)

func strPtr(s string) *string { return &s }

func newTestEngine(t *testing.T) (*store.Store, *Engine) {
	t.Helper()
	s := store.New(sqlitetest.NewDriver(t))
	return s, New(s)
}

func setStatus(t *testing.T, ctx context.Context, s *store.Store, id string, status task.Status) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.Driver().UpdateTaskStatus(ctx, id, store.UpdateStatusParams{
		Status:      &status,
		CompletedAt: &now,
	}))
}

// TestCopyNoDependents covers the base case: a completed root with a
// single completed child and no cross-tree dependents. The clone
// reproduces the whole subtree.
func TestCopyNoDependents(t *testing.T) {
	ctx := context.Background()
	s, e := newTestEngine(t)
	c := creator.New(s, nil)

	_, err := c.Create(ctx, []creator.Entry{
		{ID: strPtr("root"), Name: "root"},
		{ID: strPtr("c1"), Name: "c1", ParentRef: strPtr("root")},
	})
	require.NoError(t, err)
	setStatus(t, ctx, s, "root", task.StatusCompleted)
	setStatus(t, ctx, s, "c1", task.StatusCompleted)

	clone, err := e.Copy(ctx, "root", Options{Save: true})
	require.NoError(t, err)

	require.Len(t, clone.Nodes, 2)
	cloneRoot := clone.Root()
	require.NotNil(t, cloneRoot)
	assert.Equal(t, "root", cloneRoot.Name)
	assert.NotEqual(t, "root", cloneRoot.ID)
	require.NotNil(t, cloneRoot.OriginalTaskID)
	assert.Equal(t, "root", *cloneRoot.OriginalTaskID)

	children := clone.Children(clone.RootIndex())
	require.Len(t, children, 1)
	assert.Equal(t, "c1", children[0].Name)
	require.NotNil(t, children[0].OriginalTaskID)
	assert.Equal(t, "root", *children[0].OriginalTaskID)

	orig, err := s.Driver().GetTaskByID(ctx, "root")
	require.NoError(t, err)
	assert.True(t, orig.HasCopy)
	origChild, err := s.Driver().GetTaskByID(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, origChild.HasCopy)
}

// TestCopyExcludesPendingDependentOnFailedLeaf covers spec scenario S6:
// root R has a completed child c1, a failed leaf c2, and a pending
// child c3 that carries an explicit dependency on c2. Copying R must
// clone only R, c1 and c2 — c3 is excluded and left untouched even
// though it is structurally R's own child.
func TestCopyExcludesPendingDependentOnFailedLeaf(t *testing.T) {
	ctx := context.Background()
	s, e := newTestEngine(t)
	c := creator.New(s, nil)

	_, err := c.Create(ctx, []creator.Entry{
		{ID: strPtr("root"), Name: "root"},
		{ID: strPtr("c1"), Name: "c1", ParentRef: strPtr("root")},
		{ID: strPtr("c2"), Name: "c2", ParentRef: strPtr("root")},
		{ID: strPtr("c3"), Name: "c3", ParentRef: strPtr("root"),
			Dependencies: []creator.DependencySpec{{Ref: "c2", Required: true}}},
	})
	require.NoError(t, err)
	setStatus(t, ctx, s, "root", task.StatusInProgress)
	setStatus(t, ctx, s, "c1", task.StatusCompleted)
	setStatus(t, ctx, s, "c2", task.StatusFailed)

	clone, err := e.Copy(ctx, "root", Options{Save: true})
	require.NoError(t, err)

	require.Len(t, clone.Nodes, 3)
	names := map[string]bool{}
	for _, n := range clone.Nodes {
		names[n.Name] = true
	}
	assert.True(t, names["root"])
	assert.True(t, names["c1"])
	assert.True(t, names["c2"])
	assert.False(t, names["c3"])

	c3, err := s.Driver().GetTaskByID(ctx, "c3")
	require.NoError(t, err)
	assert.False(t, c3.HasCopy)
	assert.Equal(t, task.StatusPending, c3.GetStatus())
}

// TestCopyPullsInExternalDependent covers a task outside subtree(T)
// that depends on a member of subtree(T): it is pulled into the
// minimal enclosing subtree even though it is not T's descendant.
func TestCopyPullsInExternalDependent(t *testing.T) {
	ctx := context.Background()
	s, e := newTestEngine(t)
	c := creator.New(s, nil)

	_, err := c.Create(ctx, []creator.Entry{
		{ID: strPtr("root"), Name: "root"},
		{ID: strPtr("a"), Name: "a", ParentRef: strPtr("root")},
		{ID: strPtr("b"), Name: "b", ParentRef: strPtr("root"),
			Dependencies: []creator.DependencySpec{{Ref: "a", Required: true}}},
	})
	require.NoError(t, err)
	setStatus(t, ctx, s, "root", task.StatusCompleted)
	setStatus(t, ctx, s, "a", task.StatusCompleted)
	setStatus(t, ctx, s, "b", task.StatusCompleted)

	clone, err := e.Copy(ctx, "a", Options{Save: true})
	require.NoError(t, err)

	names := map[string]bool{}
	for _, n := range clone.Nodes {
		names[n.Name] = true
	}
	assert.True(t, names["a"])
	assert.True(t, names["b"], "external dependent b must be pulled into the enclosing subtree")
	assert.True(t, names["root"], "minimal enclosing subtree must include the LCA of a and b")
}

// TestCopyPreviewDoesNotPersist covers opts.Save=false: the returned
// tree has the expected shape but nothing is written to the repository.
func TestCopyPreviewDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	s, e := newTestEngine(t)
	c := creator.New(s, nil)

	_, err := c.Create(ctx, []creator.Entry{
		{ID: strPtr("root"), Name: "root"},
		{ID: strPtr("c1"), Name: "c1", ParentRef: strPtr("root")},
	})
	require.NoError(t, err)
	setStatus(t, ctx, s, "root", task.StatusCompleted)
	setStatus(t, ctx, s, "c1", task.StatusCompleted)

	clone, err := e.Copy(ctx, "root", Options{Save: false})
	require.NoError(t, err)
	require.Len(t, clone.Nodes, 2)

	orig, err := s.Driver().GetTaskByID(ctx, "root")
	require.NoError(t, err)
	assert.False(t, orig.HasCopy)

	all, err := s.Driver().GetAllTasksInTree(ctx, "root")
	require.NoError(t, err)
	assert.Len(t, all, 2, "preview must not persist any new rows")
}
