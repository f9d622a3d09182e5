// Package copyengine implements the Copy Engine (spec component C10):
// subtree-plus-dependent-closure computation and recursive cloning for
// task re-execution. Grounded on internal/store's existing
// subtree-and-closure walk (store.HandleTaskDelete) generalized from a
// delete-guard closure to a clone-and-relink operation.
package copyengine

import (
	"context"
	"sort"

	"github.com/aipartnerupflow/taskengine/internal/store"
	"github.com/aipartnerupflow/taskengine/internal/task"
)

// Options controls tasks.copy (spec §4.7, §6.1).
type Options struct {
	// Children asks for each direct child's own subtree to be included
	// (spec §4.7 step 2). subtree(T) already contains every descendant
	// of T, so the copied set and the dependents pulled into the closure
	// in step 3 are the same whether Children is true or false.
	Children bool
	// Save persists the clone. When false, the clone is computed and
	// returned without being written to the repository — a preview.
	Save bool
}

// Engine computes and persists task-tree copies.
type Engine struct {
	store *store.Store
}

// New builds an Engine over s.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// Copy implements spec §4.7 end to end for the task identified by
// taskID, returning the cloned tree (persisted unless opts.Save is
// false).
func (e *Engine) Copy(ctx context.Context, taskID string, opts Options) (*task.Tree, error) {
	subject, err := e.store.Driver().GetTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if subject == nil {
		return nil, task.ErrNotFound
	}

	root, err := e.store.Driver().GetRootTask(ctx, subject)
	if err != nil {
		return nil, err
	}
	allInTree, err := e.store.Driver().GetAllTasksInTree(ctx, root.ID)
	if err != nil {
		return nil, err
	}
	tree := task.NewTree(allInTree)

	subjectIdx, ok := tree.IndexOf(taskID)
	if !ok {
		return nil, task.ErrNotFound
	}

	subtreeSet := subtreeIndexSet(tree, subjectIdx, opts.Children)
	dependents := dependentClosure(tree, subtreeSet)
	required := unionSets(subtreeSet, dependents)
	required = failureAwareFilter(tree, subtreeSet, dependents, required)

	enclosing, lcaIdx := minimalEnclosingSubtree(tree, required)

	if opts.Save {
		return e.persistClone(ctx, tree, enclosing, lcaIdx)
	}
	return previewClone(tree, enclosing, lcaIdx), nil
}

// subtreeIndexSet returns subtree(T) (spec §4.7 step 1), optionally
// extended per step 2 when children is true: every direct child's own
// subtree is already part of subtree(T) by definition (Tree.Descendants
// is transitive), so the returned set is the same either way and the
// children flag changes neither the tree shape nor which dependents get
// swept into the closure.
func subtreeIndexSet(tree *task.Tree, idx int, children bool) map[int]bool {
	set := map[int]bool{idx: true}
	for _, d := range tree.Descendants(idx) {
		if di, ok := tree.IndexOf(d.ID); ok {
			set[di] = true
		}
	}
	_ = children // both branches already include the full subtree; see doc comment
	return set
}

// dependentClosure implements spec §4.7 step 3: every task that
// transitively depends (via a Dependencies edge, never tree parentage)
// on an identifier in base — including a base member itself, when it
// also carries such a dependency (e.g. a pending sibling that depends
// on a failed leaf of the same subtree; spec §8 scenario S6).
func dependentClosure(tree *task.Tree, base map[int]bool) map[int]bool {
	satisfied := make(map[int]bool, len(base))
	for i := range base {
		satisfied[i] = true
	}
	dependent := map[int]bool{}
	changed := true
	for changed {
		changed = false
		for i, t := range tree.Nodes {
			if dependent[i] {
				continue
			}
			for _, dep := range t.Dependencies {
				di, ok := tree.IndexOf(dep.ID)
				if !ok {
					continue
				}
				if satisfied[di] || dependent[di] {
					dependent[i] = true
					satisfied[i] = true
					changed = true
					break
				}
			}
		}
	}
	return dependent
}

// failureAwareFilter implements spec §4.7 step 4: when subtree(T)
// contains a failed leaf, drop every pending task that depends on a
// subtree(T) identifier from the required set — whether that task was
// pulled in as an external dependent or was already a structural member
// of subtree(T) (spec §8 scenario S6: a pending sibling depending on a
// failed leaf is excluded from its own parent's copy).
func failureAwareFilter(tree *task.Tree, subtreeSet, dependents, required map[int]bool) map[int]bool {
	hasFailedLeaf := false
	for idx := range subtreeSet {
		if len(tree.Children(idx)) == 0 && tree.Nodes[idx].GetStatus() == task.StatusFailed {
			hasFailedLeaf = true
			break
		}
	}
	if !hasFailedLeaf {
		return required
	}
	filtered := map[int]bool{}
	for idx := range required {
		if dependents[idx] && tree.Nodes[idx].GetStatus() == task.StatusPending {
			continue
		}
		filtered[idx] = true
	}
	return filtered
}

func unionSets(a, b map[int]bool) map[int]bool {
	out := make(map[int]bool, len(a)+len(b))
	for i := range a {
		out[i] = true
	}
	for i := range b {
		out[i] = true
	}
	return out
}

// minimalEnclosingSubtree implements spec §4.7 step 5: the smallest
// connected subtree of root(T) containing every member of s. Computed
// as the lowest common ancestor of s plus every node on the path from
// that ancestor down to each member.
func minimalEnclosingSubtree(tree *task.Tree, s map[int]bool) (map[int]bool, int) {
	if len(s) == 0 {
		return s, -1
	}

	members := make([]int, 0, len(s))
	for i := range s {
		members = append(members, i)
	}
	sort.Ints(members)

	common := ancestorSet(tree, members[0])
	for _, m := range members[1:] {
		a := ancestorSet(tree, m)
		for k := range common {
			if !a[k] {
				delete(common, k)
			}
		}
	}

	lca := members[0]
	bestDepth := -1
	for idx := range common {
		d := depth(tree, idx)
		if d > bestDepth {
			bestDepth = d
			lca = idx
		}
	}

	enclosing := map[int]bool{}
	for _, m := range members {
		cur := m
		for {
			enclosing[cur] = true
			if cur == lca {
				break
			}
			cur = tree.ParentIdx[cur]
		}
	}
	return enclosing, lca
}

func ancestorSet(tree *task.Tree, idx int) map[int]bool {
	out := map[int]bool{}
	for idx != -1 {
		out[idx] = true
		idx = tree.ParentIdx[idx]
	}
	return out
}

func depth(tree *task.Tree, idx int) int {
	d := 0
	for tree.ParentIdx[idx] != -1 {
		d++
		idx = tree.ParentIdx[idx]
	}
	return d
}
