package task

// Tree is the in-memory task tree: a flat arena of nodes plus parent/child
// indices, as suggested by the design notes for a systems-language
// reimplementation (an arena-and-index approach in place of the source's
// shared references and parent back-pointers).
type Tree struct {
	Nodes     []*Task
	ParentIdx []int   // ParentIdx[i] == -1 for the root
	ChildIdxs [][]int // ChildIdxs[i] lists indices of i's direct children

	byID map[string]int
}

// NewTree assembles a Tree from a flat list of tasks already carrying
// persisted parent_id references. It does not validate single-rootedness;
// callers that need invariant 1 checked can call Reachable.
func NewTree(tasks []*Task) *Tree {
	t := &Tree{
		Nodes:     make([]*Task, len(tasks)),
		ParentIdx: make([]int, len(tasks)),
		ChildIdxs: make([][]int, len(tasks)),
		byID:      make(map[string]int, len(tasks)),
	}
	copy(t.Nodes, tasks)
	for i, tk := range tasks {
		t.byID[tk.ID] = i
		t.ParentIdx[i] = -1
	}
	for i, tk := range tasks {
		if tk.ParentID == nil {
			continue
		}
		if pi, ok := t.byID[*tk.ParentID]; ok {
			t.ParentIdx[i] = pi
			t.ChildIdxs[pi] = append(t.ChildIdxs[pi], i)
		}
	}
	return t
}

// IndexOf returns the arena index of a task id.
func (t *Tree) IndexOf(id string) (int, bool) {
	i, ok := t.byID[id]
	return i, ok
}

// ByID returns the task with the given id, if present.
func (t *Tree) ByID(id string) (*Task, bool) {
	i, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return t.Nodes[i], true
}

// RootIndex returns the index of the unique parentless node, or -1 if none
// or more than one exists.
func (t *Tree) RootIndex() int {
	root := -1
	for i, p := range t.ParentIdx {
		if p == -1 {
			if root != -1 {
				return -1
			}
			root = i
		}
	}
	return root
}

// Root returns the root task, or nil if the tree has no unique root.
func (t *Tree) Root() *Task {
	idx := t.RootIndex()
	if idx == -1 {
		return nil
	}
	return t.Nodes[idx]
}

// Children returns the direct children of the task at idx.
func (t *Tree) Children(idx int) []*Task {
	out := make([]*Task, 0, len(t.ChildIdxs[idx]))
	for _, ci := range t.ChildIdxs[idx] {
		out = append(out, t.Nodes[ci])
	}
	return out
}

// ChildrenOf returns the direct children of the task with the given id.
func (t *Tree) ChildrenOf(id string) []*Task {
	idx, ok := t.byID[id]
	if !ok {
		return nil
	}
	return t.Children(idx)
}

// Descendants returns every task reachable from idx's children, depth-first,
// excluding idx itself.
func (t *Tree) Descendants(idx int) []*Task {
	var out []*Task
	var walk func(i int)
	walk = func(i int) {
		for _, ci := range t.ChildIdxs[i] {
			out = append(out, t.Nodes[ci])
			walk(ci)
		}
	}
	walk(idx)
	return out
}

// DescendantsOf returns every task reachable from id's children.
func (t *Tree) DescendantsOf(id string) []*Task {
	idx, ok := t.byID[id]
	if !ok {
		return nil
	}
	return t.Descendants(idx)
}

// Subtree returns id itself plus every descendant.
func (t *Tree) Subtree(id string) []*Task {
	idx, ok := t.byID[id]
	if !ok {
		return nil
	}
	out := []*Task{t.Nodes[idx]}
	out = append(out, t.Descendants(idx)...)
	return out
}

// Reachable reports whether exactly one root exists (RootIndex) and every
// node reaches it by following parent links upward
// (spec invariant 1 / testable property 4).
func (t *Tree) Reachable() bool {
	rootIdx := t.RootIndex()
	if rootIdx == -1 {
		return false
	}
	for i := range t.Nodes {
		seen := map[int]bool{}
		cur := i
		for cur != rootIdx {
			if cur == -1 || seen[cur] {
				return false
			}
			seen[cur] = true
			cur = t.ParentIdx[cur]
		}
	}
	return true
}

// Walk visits every node in the tree, parent before child (BFS order from
// the root), calling fn on each.
func (t *Tree) Walk(fn func(*Task)) {
	rootIdx := t.RootIndex()
	if rootIdx == -1 {
		for _, n := range t.Nodes {
			fn(n)
		}
		return
	}
	queue := []int{rootIdx}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		fn(t.Nodes[i])
		queue = append(queue, t.ChildIdxs[i]...)
	}
}
