package creator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/aipartnerupflow/taskengine/internal/store"
	"github.com/aipartnerupflow/taskengine/internal/task"
)

// ErrEmptyArray is returned when Create is called with no entries.
var ErrEmptyArray = errors.New("ingested task array must not be empty")

// Creator ingests a raw task array into a validated, persisted tree
// (spec §4.1).
type Creator struct {
	store  *store.Store
	logger *slog.Logger
}

// New builds a Creator over the given Store. A nil logger falls back to
// slog.Default(), matching the teacher's logger-defaulting convention.
func New(s *store.Store, logger *slog.Logger) *Creator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Creator{store: s, logger: logger}
}

// Create runs the full ingestion pipeline and returns the persisted
// root tree with children populated.
func (c *Creator) Create(ctx context.Context, entries []Entry) (*task.Tree, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyArray
	}

	idMode, keyOf, err := detectIdentifierMode(entries)
	if err != nil {
		return nil, err
	}

	keyToIndex, err := buildIdentifierTable(entries, keyOf, idMode)
	if err != nil {
		return nil, err
	}

	if err := validateReferences(entries, keyToIndex); err != nil {
		return nil, err
	}

	if err := detectCycles(entries, keyToIndex); err != nil {
		return nil, err
	}

	if err := validateDependentClosure(entries, keyToIndex); err != nil {
		return nil, err
	}

	persisted, identifierToTask, err := c.persistEntries(ctx, entries, keyOf)
	if err != nil {
		return nil, err
	}

	if err := c.wireParentsAndDependencies(ctx, entries, persisted, identifierToTask); err != nil {
		return nil, err
	}

	return c.buildAndVerifyTree(ctx, persisted)
}

// detectIdentifierMode implements spec §4.1 step 1: either every entry
// supplies an id, or none does.
func detectIdentifierMode(entries []Entry) (idMode bool, keyOf func(Entry) string, err error) {
	idCount, nameCount := 0, 0
	for _, e := range entries {
		if e.ID != nil && *e.ID != "" {
			idCount++
		} else {
			nameCount++
		}
	}
	if idCount > 0 && nameCount > 0 {
		return false, nil, task.ErrMixedIdMode
	}

	idMode = idCount > 0
	if idMode {
		keyOf = func(e Entry) string { return *e.ID }
	} else {
		keyOf = func(e Entry) string { return e.Name }
	}
	return idMode, keyOf, nil
}

// buildIdentifierTable implements spec §4.1 step 2.
func buildIdentifierTable(entries []Entry, keyOf func(Entry) string, idMode bool) (map[string]int, error) {
	table := make(map[string]int, len(entries))
	for i, e := range entries {
		if e.Name == "" {
			return nil, errors.Wrapf(task.ErrDuplicateName, "entry %d: name is required", i)
		}
		key := keyOf(e)
		if _, exists := table[key]; exists {
			if idMode {
				return nil, errors.Wrapf(task.ErrDuplicateIdentifier, "id %q at index %d", key, i)
			}
			return nil, errors.Wrapf(task.ErrDuplicateName, "name %q at index %d", key, i)
		}
		table[key] = i
	}
	return table, nil
}

// validateReferences implements spec §4.1 step 3.
func validateReferences(entries []Entry, keyToIndex map[string]int) error {
	for i, e := range entries {
		if e.ParentRef != nil && *e.ParentRef != "" {
			if _, ok := keyToIndex[*e.ParentRef]; !ok {
				return errors.Wrapf(task.ErrUnknownParent, "entry %q (index %d): parent_id %q", e.Name, i, *e.ParentRef)
			}
		}
		for _, dep := range e.Dependencies {
			if dep.Ref == "" {
				return errors.Wrapf(task.ErrUnknownDependency, "entry %q (index %d): dependency has no id or name", e.Name, i)
			}
			if _, ok := keyToIndex[dep.Ref]; !ok {
				return errors.Wrapf(task.ErrUnknownDependency, "entry %q (index %d): dependency %q", e.Name, i, dep.Ref)
			}
		}
	}
	return nil
}

// detectCycles implements spec §4.1 step 4: DFS over the dependency
// graph, reporting a back-edge as CircularDependency with the cycle in
// declaration-order task names.
func detectCycles(entries []Entry, keyToIndex map[string]int) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(entries))
	var path []string

	var visit func(i int) error
	visit = func(i int) error {
		color[i] = gray
		path = append(path, entries[i].Name)

		for _, dep := range entries[i].Dependencies {
			j := keyToIndex[dep.Ref]
			if j == i {
				return errors.Wrapf(task.ErrCircularDependency, "%s -> %s", entries[i].Name, entries[i].Name)
			}
			switch color[j] {
			case gray:
				cycle := append(append([]string(nil), path...), entries[j].Name)
				return errors.Wrapf(task.ErrCircularDependency, "%v", cycle)
			case white:
				if err := visit(j); err != nil {
					return err
				}
			}
		}

		color[i] = black
		path = path[:len(path)-1]
		return nil
	}

	for i := range entries {
		if color[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateDependentClosure implements spec §4.1 step 5. Because every
// dependency reference is already required (step 3) to resolve within
// this same array, the transitive dependent set can never reach outside
// it; this walk still runs so the guarantee is verified rather than
// assumed, mirroring the original implementation's defensive pass.
func validateDependentClosure(entries []Entry, keyToIndex map[string]int) error {
	for _, e := range entries {
		for _, dep := range e.Dependencies {
			if _, ok := keyToIndex[dep.Ref]; !ok {
				// Unreachable given validateReferences already rejected
				// unresolved dependency refs; kept for parity with the
				// original closure check.
				return errors.Wrapf(task.ErrMissingDependentTask, "%s", e.Name)
			}
		}
	}
	return nil
}

// persistEntries implements spec §4.1 step 6: create each task with no
// parent_id / dependencies yet, regenerating the id on collision.
func (c *Creator) persistEntries(ctx context.Context, entries []Entry, keyOf func(Entry) string) ([]*task.Task, map[string]*task.Task, error) {
	persisted := make([]*task.Task, len(entries))
	identifierToTask := make(map[string]*task.Task, len(entries))

	for i, e := range entries {
		callerKey := keyOf(e)
		actualID := ""
		if e.ID != nil {
			actualID = *e.ID
		}

		if actualID != "" {
			existing, err := c.store.Driver().GetTaskByID(ctx, actualID)
			if err != nil {
				return nil, nil, err
			}
			if existing != nil {
				c.logger.Warn("task id already exists, generating a fresh id",
					"requested_id", actualID, "entry_index", i, "entry_name", e.Name)
				actualID = ""
			}
		}

		t, err := c.store.Driver().CreateTask(ctx, store.CreateTaskParams{
			ID:       actualID,
			Name:     e.Name,
			UserID:   e.UserID,
			Priority: e.Priority,
			Inputs:   e.Inputs,
			Params:   e.Params,
			Schemas:  e.Schemas,
		})
		if err != nil {
			return nil, nil, errors.Wrapf(err, "persist entry %q", e.Name)
		}

		persisted[i] = t
		identifierToTask[callerKey] = t
	}

	return persisted, identifierToTask, nil
}

// wireParentsAndDependencies implements spec §4.1 step 7: the second
// pass that rewrites parent_id and dependency ids from caller references
// to persisted ids, and flips has_children on parents.
func (c *Creator) wireParentsAndDependencies(ctx context.Context, entries []Entry, persisted []*task.Task, identifierToTask map[string]*task.Task) error {
	parentHasChildren := make(map[string]bool)

	for i, e := range entries {
		t := persisted[i]

		if e.ParentRef != nil && *e.ParentRef != "" {
			parentTask, ok := identifierToTask[*e.ParentRef]
			if !ok {
				return errors.Wrapf(task.ErrUnknownParent, "entry %q: parent reference %q", e.Name, *e.ParentRef)
			}
			if err := c.store.Driver().SetParentID(ctx, t.ID, parentTask.ID); err != nil {
				return err
			}
			t.ParentID = &parentTask.ID
			parentHasChildren[parentTask.ID] = true
		}

		if len(e.Dependencies) > 0 {
			deps := make([]task.Dependency, 0, len(e.Dependencies))
			for _, dep := range e.Dependencies {
				depTask, ok := identifierToTask[dep.Ref]
				if !ok {
					return errors.Wrapf(task.ErrUnknownDependency, "entry %q: dependency reference %q", e.Name, dep.Ref)
				}
				deps = append(deps, task.Dependency{
					ID:         depTask.ID,
					Required:   dep.Required,
					Type:       normalizedDepType(dep.Type),
					BareString: dep.BareString,
				})
			}
			if err := c.store.Driver().SetDependencies(ctx, t.ID, deps); err != nil {
				return err
			}
			t.Dependencies = deps
		}
	}

	for parentID := range parentHasChildren {
		if err := c.store.Driver().SetHasChildren(ctx, parentID, true); err != nil {
			return err
		}
	}
	for _, t := range persisted {
		if parentHasChildren[t.ID] {
			t.HasChildren = true
		}
	}

	return nil
}

func normalizedDepType(t string) string {
	if t == "" {
		return "result"
	}
	return t
}

// buildAndVerifyTree implements spec §4.1 step 8: reject unless exactly
// one root exists and every persisted node is reachable from it.
func (c *Creator) buildAndVerifyTree(ctx context.Context, persisted []*task.Task) (*task.Tree, error) {
	tree := task.NewTree(persisted)

	rootIdx := tree.RootIndex()
	if rootIdx < 0 {
		roots := 0
		for _, t := range persisted {
			if t.ParentID == nil {
				roots++
			}
		}
		if roots == 0 {
			return nil, fmt.Errorf("no root task found among %d persisted entries", len(persisted))
		}
		return nil, errors.Wrap(task.ErrMultipleRoots, "structural check after persistence")
	}

	if !tree.Reachable() {
		return nil, errors.Wrap(task.ErrUnreachableTask, "structural check after persistence")
	}

	return c.store.Driver().BuildTaskTree(ctx, tree.Root().ID)
}
