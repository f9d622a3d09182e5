// Package facade implements the Task Executor Facade (spec component
// C9): the single entry point that drives ingestion (C4), scheduling
// (C6), running-root bookkeeping (C5), and session discipline (C3)
// behind one API, so transport adapters (server/router) never touch
// those components directly. Grounded on the teacher's service-layer
// pattern of wrapping several narrower collaborators behind one façade
// type (server/service wrapping store + ai + notification concerns).
package facade

import (
	"context"
	"log/slog"

	"github.com/aipartnerupflow/taskengine/internal/copyengine"
	"github.com/aipartnerupflow/taskengine/internal/creator"
	"github.com/aipartnerupflow/taskengine/internal/manager"
	"github.com/aipartnerupflow/taskengine/internal/sessionpool"
	"github.com/aipartnerupflow/taskengine/internal/store"
	"github.com/aipartnerupflow/taskengine/internal/task"
	"github.com/aipartnerupflow/taskengine/internal/tracker"
)

// Facade is the single entry point described by spec §6: it accepts a
// raw task array or an existing root id, drives ingestion-then-
// distribution, and enforces one execution in flight per root task.
type Facade struct {
	store      *store.Store
	creator    *creator.Creator
	manager    *manager.Manager
	copyEngine *copyengine.Engine
	tracker    *tracker.Tracker
	sessions   *sessionpool.Pool
	logger     *slog.Logger
}

// New assembles a Facade from its already-constructed collaborators.
func New(s *store.Store, c *creator.Creator, m *manager.Manager, ce *copyengine.Engine, tr *tracker.Tracker, pool *sessionpool.Pool, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{store: s, creator: c, manager: m, copyEngine: ce, tracker: tr, sessions: pool, logger: logger}
}

// CreateAndRun ingests entries (spec §4.1) and immediately distributes
// the resulting tree (spec §4.4), returning the persisted tree as it
// stood right after creation (the caller streams subsequent progress
// off the bus, per spec §6.3).
func (f *Facade) CreateAndRun(ctx context.Context, entries []creator.Entry) (*task.Tree, error) {
	tree, err := f.creator.Create(ctx, entries)
	if err != nil {
		return nil, err
	}
	root := tree.Root()
	if root == nil {
		return tree, nil
	}
	go func() {
		runCtx := context.Background()
		if err := f.Run(runCtx, root.ID); err != nil {
			f.logger.Error("facade: run failed", "root_task_id", root.ID, "error", err)
		}
	}()
	return tree, nil
}

// Run distributes the tree rooted at rootID (spec §6.1's execute_task
// on an existing id), enforcing spec §5's session discipline: one
// session leased, one tracked running-root entry, for the whole
// top-level call. A root already running is rejected rather than
// double-scheduled.
func (f *Facade) Run(ctx context.Context, rootID string) error {
	if f.tracker.IsRunning(rootID) {
		return task.ErrAlreadyRunning
	}
	return f.sessions.WithSession(ctx, func(_ *sessionpool.Session) error {
		f.tracker.Start(rootID)
		defer f.tracker.Stop(rootID)
		return f.manager.DistributeTaskTree(ctx, rootID)
	})
}

// StoreDriver exposes the underlying repository for the handful of
// field-level operations (tasks.update's writable-field set, root
// resolution) that don't warrant their own Facade method.
func (f *Facade) StoreDriver() store.Driver {
	return f.store.Driver()
}

// GetTask returns a single task by id (spec §6.1 tasks.get).
func (f *Facade) GetTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := f.store.Driver().GetTaskByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, task.ErrNotFound
	}
	return t, nil
}

// GetTree returns the full tree rooted at rootID (spec §6.1 tasks.tree).
func (f *Facade) GetTree(ctx context.Context, rootID string) (*task.Tree, error) {
	return f.store.Driver().BuildTaskTree(ctx, rootID)
}

// Children returns the direct children of parentID (spec §6.1
// tasks.children).
func (f *Facade) Children(ctx context.Context, parentID string) ([]*task.Task, error) {
	return f.store.Driver().GetChildTasksByParentID(ctx, parentID)
}

// ListTasks runs a filtered query (spec §6.1 tasks.list).
func (f *Facade) ListTasks(ctx context.Context, q store.QueryParams) ([]*task.Task, error) {
	return f.store.Driver().QueryTasks(ctx, q)
}

// Delete removes a pending subtree (spec §6.1 tasks.delete, spec §4.2
// delete policy).
func (f *Facade) Delete(ctx context.Context, id string) (*store.DeleteResult, error) {
	return f.store.HandleTaskDelete(ctx, id)
}

// Cancel cancels a task out of band (spec §6.1 tasks.cancel, spec
// §4.4.7).
func (f *Facade) Cancel(ctx context.Context, id, reason string) error {
	return f.manager.CancelTask(ctx, id, reason)
}

// Copy clones the minimal enclosing subtree for re-execution (spec
// §6.1 tasks.copy, spec §4.7).
func (f *Facade) Copy(ctx context.Context, id string, opts copyengine.Options) (*task.Tree, error) {
	return f.copyEngine.Copy(ctx, id, opts)
}

// RunningRoots lists every root task currently tracked as running
// (spec §6.1 running.list).
func (f *Facade) RunningRoots() []tracker.RunningRoot {
	return f.tracker.List()
}

// IsRunning reports whether rootID is currently tracked as running
// (spec §6.1 tasks.running.status).
func (f *Facade) IsRunning(rootID string) bool {
	return f.tracker.IsRunning(rootID)
}
