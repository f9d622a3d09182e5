// Package registry implements the Executor Registry (spec component C7):
// process-wide lookup of pluggable Executors by id or type, modeled as a
// tagged-variant registry with string keys per spec §9's design note
// ("avoid any dependence on the source's reflective mechanism").
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/aipartnerupflow/taskengine/internal/task"
)

// CancelResult is the optional return of Executor.Cancel, folded into
// the task's persisted row (spec §4.4.7 / §4.5).
type CancelResult struct {
	TokenUsage    map[string]any
	Result        map[string]any
	PartialResult map[string]any
}

// ExecutionOptions carries everything an Executor is instantiated with
// (spec §4.5's "Instantiation contract").
type ExecutionOptions struct {
	Inputs              map[string]any
	Params              map[string]any // params minus executor_id
	InputSchema         map[string]any
	CancellationChecker func() bool
}

// Executor is the pluggable unit of work dispatched by the Task Manager.
// Cancelable executors additionally implement CancelableExecutor.
type Executor interface {
	ID() string
	Type() string
	Execute(ctx context.Context, opts ExecutionOptions) (map[string]any, error)
}

// CancelableExecutor is implemented by executors that declare
// cancelable = true and support being cancelled mid-flight.
type CancelableExecutor interface {
	Executor
	Cancelable() bool
	Cancel(ctx context.Context) (*CancelResult, error)
}

// Factory constructs a fresh Executor instance per task execution
// (executors are stateless registrations; instances are per-run).
type Factory func() Executor

// Registry is the process-wide lookup table, built once at startup and
// treated as an immutable snapshot thereafter (spec §9).
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]Factory
	idsByType map[string][]string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byID:      make(map[string]Factory),
		idsByType: make(map[string][]string),
	}
}

// Register adds an executor factory under the given id/type pair. The
// same id must not be registered twice.
func (r *Registry) Register(id, execType string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("executor id %q already registered", id)
	}
	r.byID[id] = factory
	r.idsByType[execType] = append(r.idsByType[execType], id)
	return nil
}

// Lookup implements the spec §4.5 resolution order:
//  1. params.executor_id, if registered.
//  2. schemas.method, if it names a registered id.
//  3. the registered executor whose type equals schemas.type
//     (defaulting to "stdio").
func (r *Registry) Lookup(params, schemas map[string]any) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id, ok := stringField(params, "executor_id"); ok {
		if f, ok := r.byID[id]; ok {
			return f(), nil
		}
	}

	if method, ok := stringField(schemas, "method"); ok {
		if f, ok := r.byID[method]; ok {
			return f(), nil
		}
	}

	execType := "stdio"
	if t, ok := stringField(schemas, "type"); ok && t != "" {
		execType = t
	}
	if ids, ok := r.idsByType[execType]; ok && len(ids) > 0 {
		return r.byID[ids[0]](), nil
	}

	return nil, errors.Wrapf(task.ErrExecutorNotFound, "registered ids=%v types=%v", r.registeredIDsLocked(), r.registeredTypesLocked())
}

func (r *Registry) registeredIDsLocked() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) registeredTypesLocked() []string {
	types := make([]string, 0, len(r.idsByType))
	for t := range r.idsByType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func stringField(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// ParamsWithoutExecutorID returns a shallow copy of params with the
// executor_id key removed, matching the instantiation contract in §4.5
// ("all of params except executor_id").
func ParamsWithoutExecutorID(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if k == "executor_id" {
			continue
		}
		out[k] = v
	}
	return out
}
