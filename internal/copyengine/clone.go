package copyengine

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/aipartnerupflow/taskengine/internal/store"
	"github.com/aipartnerupflow/taskengine/internal/task"
)

// persistClone implements spec §4.7 steps 6-7: recursively clone every
// node of the enclosing subtree (parents before children, since we
// already know the shape — unlike the Task Creator's arbitrary-array
// ingestion, no two-pass wiring is needed here), rewrite dependencies
// that target another cloned node to the clone's id, and mark every
// cloned original's has_copy.
func (e *Engine) persistClone(ctx context.Context, tree *task.Tree, enclosing map[int]bool, lcaIdx int) (*task.Tree, error) {
	order := orderedByDepth(tree, enclosing)

	originalRootID := tree.Nodes[lcaIdx].ID
	cloneByIdx := make(map[int]*task.Task, len(order))
	cloneByOriginalID := make(map[string]*task.Task, len(order))

	for _, idx := range order {
		orig := tree.Nodes[idx]

		var parentID *string
		if idx != lcaIdx {
			parentClone := cloneByIdx[tree.ParentIdx[idx]]
			parentID = &parentClone.ID
		}

		clone, err := e.store.Driver().CreateTask(ctx, store.CreateTaskParams{
			ParentID:       parentID,
			OriginalTaskID: &originalRootID,
			UserID:         orig.UserID,
			Name:           orig.Name,
			Priority:       orig.Priority,
			Inputs:         orig.GetInputs(),
			Params:         orig.GetParams(),
			Schemas:        orig.GetSchemas(),
		})
		if err != nil {
			return nil, err
		}
		cloneByIdx[idx] = clone
		cloneByOriginalID[orig.ID] = clone

		if parentID != nil {
			if err := e.store.Driver().SetHasChildren(ctx, *parentID, true); err != nil {
				return nil, err
			}
		}
	}

	for _, idx := range order {
		orig := tree.Nodes[idx]
		origDeps := orig.GetDependencies()
		if len(origDeps) == 0 {
			continue
		}
		clone := cloneByIdx[idx]
		newDeps := make([]task.Dependency, 0, len(origDeps))
		for _, dep := range origDeps {
			if ct, ok := cloneByOriginalID[dep.ID]; ok {
				newDeps = append(newDeps, task.Dependency{ID: ct.ID, Required: dep.Required, Type: dep.Type})
			} else {
				// Dependency target falls outside the cloned region
				// (e.g. an already-completed artifact shared with the
				// originals); keep pointing at it unchanged.
				newDeps = append(newDeps, dep)
			}
		}
		if err := e.store.Driver().SetDependencies(ctx, clone.ID, newDeps); err != nil {
			return nil, err
		}
	}

	for idx := range enclosing {
		if err := e.store.Driver().SetHasCopy(ctx, tree.Nodes[idx].ID, true); err != nil {
			return nil, err
		}
	}

	return e.store.Driver().BuildTaskTree(ctx, cloneByIdx[lcaIdx].ID)
}

// previewClone builds the same clone shape in memory without touching
// the repository, for tasks.copy's save=false preview mode.
func previewClone(tree *task.Tree, enclosing map[int]bool, lcaIdx int) *task.Tree {
	order := orderedByDepth(tree, enclosing)

	originalRootID := tree.Nodes[lcaIdx].ID
	cloneByIdx := make(map[int]*task.Task, len(order))
	cloneByOriginalID := make(map[string]*task.Task, len(order))
	nodes := make([]*task.Task, 0, len(order))

	for _, idx := range order {
		orig := tree.Nodes[idx]

		var parentID *string
		if idx != lcaIdx {
			parentClone := cloneByIdx[tree.ParentIdx[idx]]
			parentID = &parentClone.ID
		}

		id := uuid.NewString()
		clone := &task.Task{
			ID:             id,
			ParentID:       parentID,
			OriginalTaskID: &originalRootID,
			UserID:         orig.UserID,
			Name:           orig.Name,
			Status:         task.StatusPending,
			Priority:       orig.Priority,
			Inputs:         orig.GetInputs(),
			Params:         orig.GetParams(),
			Schemas:        orig.GetSchemas(),
		}
		cloneByIdx[idx] = clone
		cloneByOriginalID[orig.ID] = clone
		nodes = append(nodes, clone)
	}

	for _, idx := range order {
		orig := tree.Nodes[idx]
		origDeps := orig.GetDependencies()
		if len(origDeps) == 0 {
			continue
		}
		clone := cloneByIdx[idx]
		newDeps := make([]task.Dependency, 0, len(origDeps))
		for _, dep := range origDeps {
			if ct, ok := cloneByOriginalID[dep.ID]; ok {
				newDeps = append(newDeps, task.Dependency{ID: ct.ID, Required: dep.Required, Type: dep.Type})
			} else {
				newDeps = append(newDeps, dep)
			}
		}
		clone.Dependencies = newDeps
	}

	for _, idx := range order {
		clone := cloneByIdx[idx]
		clone.HasChildren = len(tree.Children(idx)) > 0 && hasAnyClonedChild(tree, idx, enclosing)
	}

	return task.NewTree(nodes)
}

func hasAnyClonedChild(tree *task.Tree, idx int, enclosing map[int]bool) bool {
	for _, c := range tree.Children(idx) {
		if ci, ok := tree.IndexOf(c.ID); ok && enclosing[ci] {
			return true
		}
	}
	return false
}

func orderedByDepth(tree *task.Tree, set map[int]bool) []int {
	order := make([]int, 0, len(set))
	for idx := range set {
		order = append(order, idx)
	}
	sort.Slice(order, func(i, j int) bool {
		return depth(tree, order[i]) < depth(tree, order[j])
	})
	return order
}
