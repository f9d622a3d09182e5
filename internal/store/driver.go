// Package store defines the Task Repository contract (spec component C2):
// CRUD plus the ancestor/descendant walks the rest of the engine relies on.
// Two dialects implement Driver: internal/store/postgres and
// internal/store/sqlite.
package store

import (
	"context"
	"time"

	"github.com/aipartnerupflow/taskengine/internal/task"
)

// CreateTaskParams are the fields accepted by create_task (spec §4.2).
// ID is set by the Creator when the caller supplied one (and it doesn't
// already exist); otherwise the Driver generates one.
type CreateTaskParams struct {
	ID             string
	ParentID       *string
	OriginalTaskID *string
	UserID         *string
	Name           string
	Priority       int
	Dependencies   []task.Dependency
	Inputs         map[string]any
	Params         map[string]any
	Schemas        map[string]any
}

// UpdateStatusParams are the fields accepted by update_task_status. A nil
// pointer field is left untouched; Clear* flags explicitly null out a
// field (distinct from "don't touch"), matching spec §4.2's "fields that
// are not passed are not changed".
type UpdateStatusParams struct {
	Status      *task.Status
	Error       *string
	ClearError  bool
	Result      map[string]any
	ClearResult bool
	Progress    *float64
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// QueryParams backs query_tasks (spec §4.2). ParentID uses a sentinel
// empty string to mean "root tasks only"; a nil ParentID means no filter
// on parentage at all.
type QueryParams struct {
	UserID    *string
	Status    *task.Status
	ParentID  *string
	Limit     int
	Offset    int
	OrderBy   string
	OrderDesc bool
}

// Driver is the storage contract the rest of the engine is built against.
// Implementations must be safe for concurrent use by multiple goroutines
// (each operating on distinct tasks, per spec §5 "Shared state").
type Driver interface {
	CreateTask(ctx context.Context, params CreateTaskParams) (*task.Task, error)
	GetTaskByID(ctx context.Context, id string) (*task.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, upd UpdateStatusParams) error
	UpdateTaskInputs(ctx context.Context, id string, inputs map[string]any) error

	GetRootTask(ctx context.Context, t *task.Task) (*task.Task, error)
	GetAllTasksInTree(ctx context.Context, rootID string) ([]*task.Task, error)
	GetChildTasksByParentID(ctx context.Context, parentID string) ([]*task.Task, error)
	BuildTaskTree(ctx context.Context, rootID string) (*task.Tree, error)

	QueryTasks(ctx context.Context, q QueryParams) ([]*task.Task, error)

	SetParentID(ctx context.Context, id string, parentID string) error
	SetHasChildren(ctx context.Context, id string, v bool) error
	SetHasCopy(ctx context.Context, id string, v bool) error
	SetDependencies(ctx context.Context, id string, deps []task.Dependency) error

	DeleteTasks(ctx context.Context, ids []string) (int, error)

	Close() error
}
