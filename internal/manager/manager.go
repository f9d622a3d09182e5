// Package manager implements the Task Manager (spec component C6): the
// scheduler that walks a task tree bottom-up, dispatches ready tasks to
// registered executors, resolves dependency results into inputs, and
// fans progress out onto the streaming bus. Grounded on the teacher's
// ai/agents/orchestrator/dag_scheduler.go (bounded worker pool, panic
// recovery, cascade-on-failure) generalized from a flat Kahn's-algorithm
// DAG to the tree-plus-cross-tree-dependency shape this engine schedules.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aipartnerupflow/taskengine/internal/metrics"
	"github.com/aipartnerupflow/taskengine/internal/registry"
	"github.com/aipartnerupflow/taskengine/internal/store"
	"github.com/aipartnerupflow/taskengine/internal/streaming"
	"github.com/aipartnerupflow/taskengine/internal/task"
)

// PreHook runs before executor dispatch and may mutate inputs in place;
// the manager persists the result only if it actually changed (spec
// §4.4.2 step 5).
type PreHook func(ctx context.Context, t *task.Task, inputs map[string]any) (map[string]any, error)

// PostHook runs after a task completes; failures are logged and never
// reopen the task (spec §4.4.6 step 1).
type PostHook func(ctx context.Context, t *task.Task, inputsUsed, result map[string]any)

// DefaultMaxConcurrency bounds how many tasks within one priority bucket
// run at once when the caller does not specify a value.
const DefaultMaxConcurrency = 8

// Manager is the scheduler. One instance is constructed at startup and
// shared across every tree it executes (spec §9: registries are an
// immutable snapshot captured at scheduler construction); the live
// executor map below is the one piece of mutable state that must
// outlive any single DistributeTaskTree call so CancelTask can reach a
// task that's mid-flight in a different goroutine.
type Manager struct {
	store    *store.Store
	registry *registry.Registry
	bus      *streaming.Bus
	logger   *slog.Logger
	metrics  *metrics.Exporter

	preHooks  []PreHook
	postHooks []PostHook

	maxConcurrency int

	liveMu        sync.Mutex
	liveExecutors map[string]registry.CancelableExecutor
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithBus attaches the streaming bus; a nil bus (the default) makes
// every emit a no-op.
func WithBus(bus *streaming.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithLogger overrides the default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics attaches a Prometheus exporter; a nil exporter (the
// default) makes every record a no-op.
func WithMetrics(e *metrics.Exporter) Option {
	return func(m *Manager) { m.metrics = e }
}

// WithMaxConcurrency bounds fan-out within a single priority bucket.
func WithMaxConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxConcurrency = n
		}
	}
}

// WithPreHook registers a pre-execution hook (spec §4.4.2 step 5).
func WithPreHook(h PreHook) Option {
	return func(m *Manager) { m.preHooks = append(m.preHooks, h) }
}

// WithPostHook registers a post-completion hook (spec §4.4.6 step 1).
func WithPostHook(h PostHook) Option {
	return func(m *Manager) { m.postHooks = append(m.postHooks, h) }
}

// New constructs a Manager against s and reg, applying opts.
func New(s *store.Store, reg *registry.Registry, opts ...Option) *Manager {
	m := &Manager{
		store:          s,
		registry:       reg,
		logger:         slog.Default(),
		maxConcurrency: DefaultMaxConcurrency,
		liveExecutors:  make(map[string]registry.CancelableExecutor),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// emit forwards e onto the bus if one is attached.
func (m *Manager) emit(e streaming.Event) {
	if m.bus != nil {
		m.bus.Emit(e)
	}
}

// DistributeTaskTree is the scheduler's entry point (spec §4.4): it
// loads the full tree rooted at rootID, marks any already-terminal
// nodes eligible for re-execution, and recursively schedules from the
// root down.
func (m *Manager) DistributeTaskTree(ctx context.Context, rootID string) error {
	tree, err := m.store.Driver().BuildTaskTree(ctx, rootID)
	if err != nil {
		return err
	}
	markForReExecution(tree)
	m.scheduleNode(ctx, tree, tree.RootIndex())
	return nil
}

// markForReExecution implements spec §4.4.5: nodes already failed or
// completed are flipped to pending in memory only, so this run's
// scheduling pass treats them as runnable. pending/in_progress nodes
// are left untouched.
func markForReExecution(tree *task.Tree) {
	for _, t := range tree.Nodes {
		switch t.GetStatus() {
		case task.StatusFailed, task.StatusCompleted:
			t.SetStatus(task.StatusPending)
		}
	}
}

// scheduleNode implements spec §4.4.1 for node idx within tree.
func (m *Manager) scheduleNode(ctx context.Context, tree *task.Tree, idx int) {
	if ctx.Err() != nil {
		return
	}
	n := tree.Nodes[idx]

	switch n.GetStatus() {
	case task.StatusCompleted, task.StatusInProgress, task.StatusFailed, task.StatusCancelled:
		return
	}

	if childrenDone(tree, idx) && n.GetStatus() != task.StatusCompleted {
		m.executeTask(ctx, tree, n)
		return
	}

	m.scheduleUnfinishedDescendants(ctx, tree, idx)
}

// childrenDone reports whether every direct child of idx has reached
// completed or failed (spec §4.4.1 step 2 — literally those two
// statuses, not every terminal one: a cancelled child leaves its
// parent permanently unscheduled rather than implicitly cancelling it).
func childrenDone(tree *task.Tree, idx int) bool {
	for _, c := range tree.Children(idx) {
		s := c.GetStatus()
		if s != task.StatusCompleted && s != task.StatusFailed {
			return false
		}
	}
	return true
}

// scheduleUnfinishedDescendants implements spec §4.4.1 step 3: bucket
// every unfinished descendant of idx by priority (ascending), and
// within each bucket fan out the dependency-ready ones concurrently.
func (m *Manager) scheduleUnfinishedDescendants(ctx context.Context, tree *task.Tree, idx int) {
	buckets := make(map[int][]*task.Task)
	for _, d := range tree.Descendants(idx) {
		if d.GetStatus().IsTerminal() || d.GetStatus() == task.StatusInProgress {
			continue
		}
		p := d.EffectivePriority()
		buckets[p] = append(buckets[p], d)
	}
	if len(buckets) == 0 {
		return
	}

	priorities := make([]int, 0, len(buckets))
	for p := range buckets {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)

	for _, p := range priorities {
		m.runBucket(ctx, tree, buckets[p])
	}
}

// runBucket fans out every dependency-ready task in the bucket
// concurrently, bounded by m.maxConcurrency via errgroup.SetLimit, the
// same pattern the teacher's DAG scheduler uses for its worker pool
// (bounded fan-out, panic recovery turning a crash into a failed task
// rather than taking the whole run down).
func (m *Manager) runBucket(ctx context.Context, tree *task.Tree, bucket []*task.Task) {
	ready := make([]*task.Task, 0, len(bucket))
	for _, t := range bucket {
		if m.dependencyReady(tree, t) {
			ready = append(ready, t)
		}
	}
	if len(ready) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.maxConcurrency)
	for _, t := range ready {
		idx, ok := tree.IndexOf(t.ID)
		if !ok {
			continue
		}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					n := tree.Nodes[idx]
					m.logger.Error("manager: panic during scheduling, failing task", "task_id", n.ID, "panic", r)
					m.failTask(ctx, n, fmtPanic(r))
					if m.metrics != nil {
						m.metrics.TaskFailed("unknown")
					}
				}
			}()
			m.scheduleNode(gctx, tree, idx)
			return nil
		})
	}
	_ = g.Wait()
}

// dependencyReady implements spec §4.4.3: T is ready unless some
// required dependency has not reached completed within the same tree.
func (m *Manager) dependencyReady(tree *task.Tree, t *task.Task) bool {
	for _, dep := range t.Dependencies {
		if !dep.Required {
			continue
		}
		src, ok := tree.ByID(dep.ID)
		if !ok || src.GetStatus() != task.StatusCompleted {
			return false
		}
	}
	return true
}

func fmtPanic(r any) string {
	return fmt.Sprintf("panic: %v", r)
}
