package task

import "github.com/pkg/errors"

// Sentinel errors forming the validation/reference error taxonomy of
// spec §7. Wrapped with github.com/pkg/errors so callers can add context
// while errors.Is/errors.Cause still resolves to the sentinel.
var (
	// ErrMixedIdMode is returned when some entries of an ingested array
	// supply an id and others don't (spec §4.1 step 1).
	ErrMixedIdMode = errors.New("mixed identifier mode: either every task supplies an id or none do")

	// ErrDuplicateIdentifier is returned when two entries share an id.
	ErrDuplicateIdentifier = errors.New("duplicate task id in ingested array")

	// ErrDuplicateName is returned when two entries share a name in
	// name-mode (no ids supplied).
	ErrDuplicateName = errors.New("duplicate task name in ingested array")

	// ErrUnknownParent is returned when parent_id does not resolve within
	// the ingested array.
	ErrUnknownParent = errors.New("parent_id does not resolve to any task in the ingested array")

	// ErrUnknownDependency is returned when a dependency reference does
	// not resolve within the ingested array.
	ErrUnknownDependency = errors.New("dependency does not resolve to any task in the ingested array")

	// ErrCircularDependency is returned when the dependency graph induced
	// by an ingested array contains a cycle.
	ErrCircularDependency = errors.New("circular dependency detected")

	// ErrMissingDependentTask is returned when a task outside the
	// ingested array depends on one inside it (spec §4.1 step 5).
	ErrMissingDependentTask = errors.New("a task depends on an ingested task but is not itself present in the array")

	// ErrMultipleRoots is returned when structural validation after
	// persistence finds more than one parentless task.
	ErrMultipleRoots = errors.New("more than one root task in ingested array")

	// ErrUnreachableTask is returned when a persisted task cannot be
	// reached from the root by following parent_id upward.
	ErrUnreachableTask = errors.New("task is not reachable from the tree root")

	// ErrNotFound is returned by repository lookups for a missing task.
	ErrNotFound = errors.New("task not found")

	// ErrNotPending is returned by the delete operation when the subject
	// task or one of its descendants is not in status pending.
	ErrNotPending = errors.New("task is not pending")

	// ErrDependedOn is returned by the delete operation when a task
	// outside the subtree depends on one inside it.
	ErrDependedOn = errors.New("task is depended on by a task outside the subtree")

	// ErrAlreadyTerminal is returned by cancel_task when the task has
	// already reached a terminal state.
	ErrAlreadyTerminal = errors.New("task has already reached a terminal state")

	// ErrExecutorNotFound is returned by the registry when no executor
	// matches the lookup order of spec §4.5.
	ErrExecutorNotFound = errors.New("no matching executor registered")

	// ErrSessionLimitExceeded is returned by the session pool when
	// max_sessions is reached (spec §4.3).
	ErrSessionLimitExceeded = errors.New("session limit exceeded")

	// ErrAlreadyRunning is returned by the facade when a top-level
	// execution is requested for a root task that is already tracked as
	// running (spec §5's one-execution-in-flight-per-root discipline).
	ErrAlreadyRunning = errors.New("root task is already running")
)
