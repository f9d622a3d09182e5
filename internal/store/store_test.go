package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipartnerupflow/taskengine/internal/sqlitetest"
	"github.com/aipartnerupflow/taskengine/internal/task"
)

func strPtr(s string) *string { return &s }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(sqlitetest.NewDriver(t))
}

func createChain(t *testing.T, ctx context.Context, s *Store) {
	t.Helper()
	_, err := s.Driver().CreateTask(ctx, CreateTaskParams{ID: "root", Name: "root"})
	require.NoError(t, err)
	_, err = s.Driver().CreateTask(ctx, CreateTaskParams{ID: "c1", Name: "c1", ParentID: strPtr("root")})
	require.NoError(t, err)
	require.NoError(t, s.Driver().SetHasChildren(ctx, "root", true))
}

// TestHandleTaskDeleteRejectsNonPendingSubtree covers spec §4.2's S5
// delete-guard scenario: a subtree containing a non-pending task must be
// refused outright, with nothing removed.
func TestHandleTaskDeleteRejectsNonPendingSubtree(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createChain(t, ctx, s)

	completed := task.StatusCompleted
	require.NoError(t, s.Driver().UpdateTaskStatus(ctx, "c1", UpdateStatusParams{Status: &completed}))

	_, err := s.HandleTaskDelete(ctx, "root")
	assert.ErrorIs(t, err, task.ErrNotPending)

	got, err := s.Driver().GetTaskByID(ctx, "root")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

// TestHandleTaskDeleteRejectsExternalDependents covers the
// depended-on-from-outside-the-subtree branch of the same guard: a task
// in the same tree but outside the deleted subtree that depends on a
// subtree member blocks deletion even though the subtree itself is
// entirely pending.
func TestHandleTaskDeleteRejectsExternalDependents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createChain(t, ctx, s)

	_, err := s.Driver().CreateTask(ctx, CreateTaskParams{
		ID: "sibling", Name: "sibling", ParentID: strPtr("root"),
		Dependencies: []task.Dependency{{ID: "c1"}},
	})
	require.NoError(t, err)

	_, err = s.HandleTaskDelete(ctx, "c1")
	assert.ErrorIs(t, err, task.ErrDependedOn)
}

// TestHandleTaskDeleteRemovesPendingSubtree is the success path: an
// all-pending subtree with no external dependents is fully removed.
func TestHandleTaskDeleteRemovesPendingSubtree(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createChain(t, ctx, s)

	result, err := s.HandleTaskDelete(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, 2, result.DeletedCount)

	got, err := s.Driver().GetTaskByID(ctx, "root")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// TestHandleTaskDeleteUnknownTask reports ErrNotFound rather than
// silently succeeding.
func TestHandleTaskDeleteUnknownTask(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.HandleTaskDelete(ctx, "missing")
	assert.ErrorIs(t, err, task.ErrNotFound)
}
