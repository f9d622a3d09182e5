package store

import (
	"context"

	"github.com/aipartnerupflow/taskengine/internal/task"
)

// Store wraps a Driver with cross-task policy that doesn't belong to any
// single SQL statement, mirroring the teacher's Store-facade-over-Driver
// layering (store/store.go wrapping store.Driver).
type Store struct {
	driver Driver
}

// New wraps a Driver in a Store.
func New(driver Driver) *Store {
	return &Store{driver: driver}
}

// Driver exposes the underlying Driver for components that need direct
// repository access (the Task Manager, the Copy Engine).
func (s *Store) Driver() Driver {
	return s.driver
}

// Close releases the underlying driver's resources.
func (s *Store) Close() error {
	return s.driver.Close()
}

// DeleteResult reports the outcome of a delete request.
type DeleteResult struct {
	DeletedCount int
}

// HandleTaskDelete implements the delete policy of spec §4.2: refuse
// unless the subject task and every descendant are pending, and no task
// outside the subtree depends on any of them. On success the subtree is
// physically removed.
func (s *Store) HandleTaskDelete(ctx context.Context, id string) (*DeleteResult, error) {
	subject, err := s.driver.GetTaskByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if subject == nil {
		return nil, task.ErrNotFound
	}

	root, err := s.driver.GetRootTask(ctx, subject)
	if err != nil {
		return nil, err
	}
	allInTree, err := s.driver.GetAllTasksInTree(ctx, root.ID)
	if err != nil {
		return nil, err
	}

	tree := task.NewTree(allInTree)
	subtree := tree.Subtree(id)

	subtreeIDs := make(map[string]bool, len(subtree))
	for _, t := range subtree {
		if t.GetStatus() != task.StatusPending {
			return nil, errorf("%w: task %s has status %s", task.ErrNotPending, t.ID, t.GetStatus())
		}
		subtreeIDs[t.ID] = true
	}

	for _, t := range allInTree {
		if subtreeIDs[t.ID] {
			continue
		}
		for _, dep := range t.Dependencies {
			if subtreeIDs[dep.ID] {
				return nil, errorf("%w: task %s depends on %s", task.ErrDependedOn, t.ID, dep.ID)
			}
		}
	}

	ids := make([]string, 0, len(subtree))
	for _, t := range subtree {
		ids = append(ids, t.ID)
	}

	deleted, err := s.driver.DeleteTasks(ctx, ids)
	if err != nil {
		return nil, err
	}
	return &DeleteResult{DeletedCount: deleted}, nil
}
