package facade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipartnerupflow/taskengine/internal/copyengine"
	"github.com/aipartnerupflow/taskengine/internal/creator"
	"github.com/aipartnerupflow/taskengine/internal/executors/aggregate"
	"github.com/aipartnerupflow/taskengine/internal/manager"
	"github.com/aipartnerupflow/taskengine/internal/registry"
	"github.com/aipartnerupflow/taskengine/internal/sessionpool"
	"github.com/aipartnerupflow/taskengine/internal/sqlitetest"
	"github.com/aipartnerupflow/taskengine/internal/store"
	"github.com/aipartnerupflow/taskengine/internal/task"
	"github.com/aipartnerupflow/taskengine/internal/tracker"
)

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	s := store.New(sqlitetest.NewDriver(t))
	pool := sessionpool.New(4, time.Hour)
	t.Cleanup(pool.Shutdown)
	reg := registry.New()
	require.NoError(t, reg.Register(aggregate.ID, "core", aggregate.New))
	return New(s, creator.New(s, nil), manager.New(s, reg), copyengine.New(s), tracker.New(), pool, nil)
}

// TestCreateAndRunPersistsTreeImmediately covers spec §6.1's tasks.create:
// the tree returned reflects what was just persisted, independent of the
// background distribution run it kicks off.
func TestCreateAndRunPersistsTreeImmediately(t *testing.T) {
	ctx := context.Background()
	f := newTestFacade(t)

	tree, err := f.CreateAndRun(ctx, []creator.Entry{{ID: strPtr("root"), Name: "root"}})
	require.NoError(t, err)
	require.NotNil(t, tree.Root())
	assert.Equal(t, "root", tree.Root().ID)
}

// TestRunRejectsDoubleExecution is spec §5's session-discipline invariant:
// a root already tracked as running must be rejected, not double-scheduled.
func TestRunRejectsDoubleExecution(t *testing.T) {
	ctx := context.Background()
	f := newTestFacade(t)

	_, err := f.creator.Create(ctx, []creator.Entry{{ID: strPtr("root"), Name: "root"}})
	require.NoError(t, err)

	f.tracker.Start("root")
	defer f.tracker.Stop("root")

	err = f.Run(ctx, "root")
	assert.ErrorIs(t, err, task.ErrAlreadyRunning)
}

// TestRunTracksAndReleasesRoot confirms the happy path leaves no running
// entry behind once distribution completes.
func TestRunTracksAndReleasesRoot(t *testing.T) {
	ctx := context.Background()
	f := newTestFacade(t)

	_, err := f.creator.Create(ctx, []creator.Entry{
		{ID: strPtr("leaf"), Name: "leaf", Params: map[string]any{"executor_id": aggregate.ID}},
	})
	require.NoError(t, err)

	require.NoError(t, f.Run(ctx, "leaf"))
	assert.False(t, f.IsRunning("leaf"))

	got, err := f.GetTask(ctx, "leaf")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.GetStatus())
}

// TestDeleteForwardsGuard confirms Delete forwards the store's own
// delete-policy errors unchanged.
func TestDeleteForwardsGuard(t *testing.T) {
	ctx := context.Background()
	f := newTestFacade(t)

	_, err := f.creator.Create(ctx, []creator.Entry{{ID: strPtr("root"), Name: "root"}})
	require.NoError(t, err)
	require.NoError(t, f.Run(ctx, "root"))

	_, err = f.Delete(ctx, "root")
	assert.ErrorIs(t, err, task.ErrNotPending)
}

func strPtr(s string) *string { return &s }
