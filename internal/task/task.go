// Package task defines the Task entity, its lifecycle, and the in-memory
// task tree that the rest of the engine schedules over (spec component C1).
package task

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusDeleted    Status = "deleted"
)

// IsTerminal reports whether the status will never be rewritten except by
// an explicit copy-and-re-run (spec invariant 7).
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Dependency declares that a task consumes another task's result before it
// may run (spec §3).
type Dependency struct {
	ID       string `json:"id"`
	Required bool   `json:"required"`
	Type     string `json:"type"`
	// BareString marks a dependency ingested from the bare-string wire
	// form (spec §4.4.3), the only form that wholesale-merges its
	// source's result into inputs; a structured {id: ...} entry always
	// goes nested-by-id even when its type normalizes to "result". Must
	// round-trip through storage, so it carries a real json tag rather
	// than being dropped on persist.
	BareString bool `json:"bare_string,omitempty"`
}

// NormalizeType fills in the default dependency type ("result") when empty.
func (d Dependency) NormalizeType() string {
	if d.Type == "" {
		return "result"
	}
	return d.Type
}

// Task is the persisted unit of work. Field names mirror spec §3 exactly;
// json tags back the wire representation accepted by the Task Creator and
// returned by the Repository.
type Task struct {
	ID              string  `json:"id"`
	ParentID        *string `json:"parent_id,omitempty"`
	OriginalTaskID  *string `json:"original_task_id,omitempty"`
	UserID          *string `json:"user_id,omitempty"`
	Name            string  `json:"name"`
	Status          Status  `json:"status"`
	Priority        int     `json:"priority"`
	HasChildren     bool    `json:"has_children"`
	HasCopy         bool    `json:"has_copy"`
	Progress        float64 `json:"progress"`
	Dependencies    []Dependency           `json:"dependencies,omitempty"`
	Inputs          map[string]any         `json:"inputs,omitempty"`
	Params          map[string]any         `json:"params,omitempty"`
	Schemas         map[string]any         `json:"schemas,omitempty"`
	Result          map[string]any         `json:"result,omitempty"`
	Error           *string                `json:"error,omitempty"`
	Metadata        map[string]any         `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// mu guards in-process mutation of a live Task between a scheduler
	// goroutine and concurrent readers (e.g. the streaming bus or a
	// cancellation request). It is never (de)serialized.
	mu sync.RWMutex
}

// DefaultPriority is used whenever an ingested entry omits priority
// (spec §4.4.1 tie-break: "missing priority" treated as lowest, 999, only
// at scheduling time; the Creator still stores the documented default of 1
// when the caller supplies none at all).
const DefaultPriority = 1

// UnscheduledPriority is the priority bucket used by the scheduler when a
// task's stored priority is absent/zero in contexts where 999 applies.
const UnscheduledPriority = 999

// Clone returns a deep copy of the task suitable for safe concurrent reads
// without holding the original's lock across a call boundary.
func (t *Task) Clone() *Task {
	t.mu.RLock()
	defer t.mu.RUnlock()

	clone := *t
	clone.Dependencies = append([]Dependency(nil), t.Dependencies...)
	clone.Inputs = cloneMap(t.Inputs)
	clone.Params = cloneMap(t.Params)
	clone.Schemas = cloneMap(t.Schemas)
	clone.Result = cloneMap(t.Result)
	clone.Metadata = cloneMap(t.Metadata)
	clone.mu = sync.RWMutex{}
	return &clone
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// GetStatus returns the current status thread-safely.
func (t *Task) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status
}

// SetStatus updates the status thread-safely.
func (t *Task) SetStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = s
}

// EffectivePriority returns Priority, substituting UnscheduledPriority when
// the stored value is zero (spec §4.4.1: "When priority is missing, treat
// it as 999").
func (t *Task) EffectivePriority() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.Priority == 0 {
		return UnscheduledPriority
	}
	return t.Priority
}

// GetInputs returns a deep copy of Inputs, safe to read concurrently
// with an owning goroutine's in-flight mutation.
func (t *Task) GetInputs() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cloneMap(t.Inputs)
}

// SetInputs replaces Inputs thread-safely.
func (t *Task) SetInputs(in map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Inputs = in
}

// GetParams returns a deep copy of Params.
func (t *Task) GetParams() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cloneMap(t.Params)
}

// GetSchemas returns a deep copy of Schemas.
func (t *Task) GetSchemas() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cloneMap(t.Schemas)
}

// GetDependencies returns a copy of Dependencies.
func (t *Task) GetDependencies() []Dependency {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Dependency(nil), t.Dependencies...)
}

// GetResult returns a deep copy of Result.
func (t *Task) GetResult() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cloneMap(t.Result)
}

// SetResult replaces Result thread-safely.
func (t *Task) SetResult(r map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Result = r
}

// SetError replaces Error thread-safely.
func (t *Task) SetError(e *string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Error = e
}

// SetProgress replaces Progress thread-safely.
func (t *Task) SetProgress(p float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Progress = p
}

// SetStartedAt replaces StartedAt thread-safely.
func (t *Task) SetStartedAt(tm time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.StartedAt = &tm
}

// SetCompletedAt replaces CompletedAt thread-safely.
func (t *Task) SetCompletedAt(tm time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CompletedAt = &tm
}

// TryStartExecution atomically transitions the task from pending to
// in_progress, returning false if another goroutine already claimed it
// (status is no longer pending). This is the scheduler's execution
// guard (spec §4.4.2 step 1) made race-safe: two concurrent scheduling
// passes may observe the same task as a dispatch candidate, but only
// one may win the transition.
func (t *Task) TryStartExecution() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status != StatusPending {
		return false
	}
	t.Status = StatusInProgress
	return true
}
