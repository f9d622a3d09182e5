package manager

import (
	"context"
	"reflect"
	"time"

	"github.com/aipartnerupflow/taskengine/internal/registry"
	"github.com/aipartnerupflow/taskengine/internal/store"
	"github.com/aipartnerupflow/taskengine/internal/streaming"
	"github.com/aipartnerupflow/taskengine/internal/task"
)

// executeTask runs the per-task execution protocol of spec §4.4.2 for a
// task already selected to run (children terminal, dependencies ready).
func (m *Manager) executeTask(ctx context.Context, tree *task.Tree, t *task.Task) {
	driver := m.store.Driver()

	// 1. Guard: refresh from storage; abort if another writer already
	// moved this task past pending.
	cur, err := driver.GetTaskByID(ctx, t.ID)
	if err != nil {
		m.logger.Error("manager: guard refresh failed", "task_id", t.ID, "error", err)
		return
	}
	if cur == nil {
		return
	}
	if s := cur.GetStatus(); s.IsTerminal() || s == task.StatusInProgress {
		t.SetStatus(s)
		return
	}
	if !t.TryStartExecution() {
		return
	}

	// 2. Transition.
	now := time.Now().UTC()
	inProgress := task.StatusInProgress
	if err := driver.UpdateTaskStatus(ctx, t.ID, store.UpdateStatusParams{
		Status:     &inProgress,
		StartedAt:  &now,
		ClearError: true,
	}); err != nil {
		m.logger.Error("manager: persist in_progress failed", "task_id", t.ID, "error", err)
	}
	t.SetStartedAt(now)
	m.emit(streaming.Event{RootTaskID: rootOf(tree), TaskID: t.ID, Kind: streaming.KindTaskStart, Status: string(task.StatusInProgress), Timestamp: time.Now().UTC()})

	// 3. Dependency resolution.
	resolved := m.resolveInputs(tree, t)
	if !reflect.DeepEqual(resolved, t.GetInputs()) {
		if err := driver.UpdateTaskInputs(ctx, t.ID, resolved); err != nil {
			m.logger.Error("manager: persist resolved inputs failed", "task_id", t.ID, "error", err)
		}
		t.SetInputs(resolved)
	}

	// 4. Re-check cancellation.
	if m.isCancelled(ctx, t.ID) {
		return
	}

	// 5. Pre-hooks.
	for _, hook := range m.preHooks {
		before := t.GetInputs()
		after, err := hook(ctx, t, before)
		if err != nil {
			m.logger.Warn("manager: pre-hook failed", "task_id", t.ID, "error", err)
			continue
		}
		if !reflect.DeepEqual(before, after) {
			if err := driver.UpdateTaskInputs(ctx, t.ID, after); err != nil {
				m.logger.Error("manager: persist pre-hook inputs failed", "task_id", t.ID, "error", err)
			}
			t.SetInputs(after)
		}
	}

	// 6. Re-check cancellation.
	if m.isCancelled(ctx, t.ID) {
		return
	}

	// 7. Executor dispatch.
	params := t.GetParams()
	schemas := t.GetSchemas()
	exec, err := m.registry.Lookup(params, schemas)
	if err != nil {
		m.failTask(ctx, t, err.Error())
		if m.metrics != nil {
			m.metrics.TaskFailed("unknown")
		}
		return
	}

	m.registerLive(t.ID, exec)
	defer m.unregisterLive(t.ID)

	if m.metrics != nil {
		m.metrics.TaskStarted(exec.Type())
	}

	inputSchema, _ := schemas["input_schema"].(map[string]any)
	result, execErr := exec.Execute(ctx, registry.ExecutionOptions{
		Inputs:              t.GetInputs(),
		Params:              registry.ParamsWithoutExecutorID(params),
		InputSchema:         inputSchema,
		CancellationChecker: func() bool { return m.isCancelled(ctx, t.ID) },
	})

	// 8. Post-execution cancellation check. CancelTask already wrote the
	// cancelled row and emitted task_cancelled when the cancellation was
	// requested; this is purely a stop-without-completing checkpoint.
	if m.isCancelled(ctx, t.ID) {
		return
	}

	if execErr != nil {
		m.failTask(ctx, t, execErr.Error())
		if m.metrics != nil {
			m.metrics.TaskFailed(exec.Type())
		}
		return
	}

	// 9. Commit result.
	completedAt := time.Now().UTC()
	completed := task.StatusCompleted
	progress := 1.0
	if err := driver.UpdateTaskStatus(ctx, t.ID, store.UpdateStatusParams{
		Status:      &completed,
		Progress:    &progress,
		Result:      result,
		CompletedAt: &completedAt,
	}); err != nil {
		m.logger.Error("manager: persist completed failed", "task_id", t.ID, "error", err)
	}
	t.SetStatus(task.StatusCompleted)
	t.SetProgress(1.0)
	t.SetResult(result)
	t.SetCompletedAt(completedAt)
	m.emit(streaming.Event{RootTaskID: rootOf(tree), TaskID: t.ID, Kind: streaming.KindTaskCompleted, Status: string(task.StatusCompleted), Progress: 1.0, Result: result, Final: true, Timestamp: time.Now().UTC()})
	if m.metrics != nil {
		m.metrics.TaskCompleted(exec.Type())
	}

	// 10. Propagate.
	m.executeAfterTask(ctx, tree, t, resolved, result)
}

// failTask writes the failed terminal state shared by every error exit
// of executeTask (spec §4.4.2: "On any exception...").
func (m *Manager) failTask(ctx context.Context, t *task.Task, msg string) {
	completedAt := time.Now().UTC()
	failed := task.StatusFailed
	if err := m.store.Driver().UpdateTaskStatus(ctx, t.ID, store.UpdateStatusParams{
		Status:      &failed,
		Error:       &msg,
		CompletedAt: &completedAt,
	}); err != nil {
		m.logger.Error("manager: persist failed status failed", "task_id", t.ID, "error", err)
	}
	t.SetStatus(task.StatusFailed)
	t.SetError(&msg)
	t.SetCompletedAt(completedAt)
	m.emit(streaming.Event{TaskID: t.ID, Kind: streaming.KindTaskFailed, Status: string(task.StatusFailed), Error: msg, Final: true, Timestamp: time.Now().UTC()})
}

// isCancelled re-reads the task from storage, the re-read-at-every-
// suspension-point discipline spec §4.4.7 requires so an out-of-band
// cancel_task call (from a different goroutine, possibly a different
// process instance sharing the same database) is observed promptly.
func (m *Manager) isCancelled(ctx context.Context, id string) bool {
	cur, err := m.store.Driver().GetTaskByID(ctx, id)
	if err != nil || cur == nil {
		return false
	}
	return cur.GetStatus() == task.StatusCancelled
}

func (m *Manager) registerLive(id string, exec registry.Executor) {
	ce, ok := exec.(registry.CancelableExecutor)
	if !ok {
		return
	}
	m.liveMu.Lock()
	defer m.liveMu.Unlock()
	m.liveExecutors[id] = ce
}

func (m *Manager) unregisterLive(id string) {
	m.liveMu.Lock()
	defer m.liveMu.Unlock()
	delete(m.liveExecutors, id)
}

// executeAfterTask implements spec §4.4.6: run post-hooks, then
// re-evaluate every other pending task in the root tree for readiness
// and dispatch newly-ready ones. Dispatched dependents' own failures
// never propagate back to T.
func (m *Manager) executeAfterTask(ctx context.Context, tree *task.Tree, t *task.Task, inputsUsed, result map[string]any) {
	for _, hook := range m.postHooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("manager: post-hook panicked", "task_id", t.ID, "panic", r)
				}
			}()
			hook(ctx, t, inputsUsed, result)
		}()
	}

	for _, other := range tree.Nodes {
		if other.ID == t.ID || other.GetStatus() != task.StatusPending {
			continue
		}
		if !m.dependencyReady(tree, other) {
			continue
		}
		idx, ok := tree.IndexOf(other.ID)
		if !ok {
			continue
		}
		m.scheduleNode(ctx, tree, idx)
	}
}

func rootOf(tree *task.Tree) string {
	if root := tree.Root(); root != nil {
		return root.ID
	}
	return ""
}
