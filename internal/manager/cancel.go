package manager

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/aipartnerupflow/taskengine/internal/registry"
	"github.com/aipartnerupflow/taskengine/internal/store"
	"github.com/aipartnerupflow/taskengine/internal/streaming"
	"github.com/aipartnerupflow/taskengine/internal/task"
)

// DefaultCancelReason is used when a caller cancels without supplying a
// reason.
const DefaultCancelReason = "cancelled"

// CancelTask implements spec §4.4.7. It is an out-of-band write: it does
// not require the caller to hold any reference into a running
// DistributeTaskTree call, only the task id, relying on the running
// executeTask's isCancelled re-reads to notice the new status.
func (m *Manager) CancelTask(ctx context.Context, id string, reason string) error {
	driver := m.store.Driver()

	cur, err := driver.GetTaskByID(ctx, id)
	if err != nil {
		return err
	}
	if cur == nil {
		return task.ErrNotFound
	}
	if cur.GetStatus().IsTerminal() {
		return errors.Wrapf(task.ErrAlreadyTerminal, "task %s has status %s", id, cur.GetStatus())
	}

	if reason == "" {
		reason = DefaultCancelReason
	}

	var partialResult, tokenUsage map[string]any
	if cur.GetStatus() == task.StatusInProgress {
		if live := m.getLive(id); live != nil && live.Cancelable() {
			res, cancelErr := live.Cancel(ctx)
			if cancelErr != nil {
				m.logger.Warn("manager: executor cancel failed", "task_id", id, "error", cancelErr)
			} else if res != nil {
				tokenUsage = res.TokenUsage
				if res.PartialResult != nil {
					partialResult = res.PartialResult
				} else {
					partialResult = res.Result
				}
			}
		}
	}

	completedAt := time.Now().UTC()
	cancelled := task.StatusCancelled
	upd := store.UpdateStatusParams{
		Status:      &cancelled,
		Error:       &reason,
		CompletedAt: &completedAt,
	}
	if partialResult != nil {
		merged := partialResult
		if tokenUsage != nil {
			merged = cloneWith(merged, "token_usage", tokenUsage)
		}
		upd.Result = merged
	} else if tokenUsage != nil {
		upd.Result = map[string]any{"token_usage": tokenUsage}
	}

	if err := driver.UpdateTaskStatus(ctx, id, upd); err != nil {
		return err
	}

	m.emit(streaming.Event{TaskID: id, Kind: streaming.KindTaskCancelled, Status: string(task.StatusCancelled), Error: reason, Final: true, Timestamp: time.Now().UTC()})
	m.unregisterLive(id)
	if m.metrics != nil {
		m.metrics.TaskCancelled()
	}
	return nil
}

func (m *Manager) getLive(id string) registry.CancelableExecutor {
	m.liveMu.Lock()
	defer m.liveMu.Unlock()
	return m.liveExecutors[id]
}

func cloneWith(m map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}
