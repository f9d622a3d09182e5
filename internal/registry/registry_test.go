package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	id, typ string
}

func (f *fakeExecutor) ID() string   { return f.id }
func (f *fakeExecutor) Type() string { return f.typ }
func (f *fakeExecutor) Execute(ctx context.Context, opts ExecutionOptions) (map[string]any, error) {
	return map[string]any{"echo": opts.Inputs}, nil
}

func TestLookupByExecutorID(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("echo", "stdio", func() Executor { return &fakeExecutor{id: "echo", typ: "stdio"} }))

	ex, err := r.Lookup(map[string]any{"executor_id": "echo"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "echo", ex.ID())
}

func TestLookupBySchemasMethod(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("aggregate", "stdio", func() Executor { return &fakeExecutor{id: "aggregate", typ: "stdio"} }))

	ex, err := r.Lookup(nil, map[string]any{"method": "aggregate"})
	require.NoError(t, err)
	assert.Equal(t, "aggregate", ex.ID())
}

func TestLookupByType(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("shell", "stdio", func() Executor { return &fakeExecutor{id: "shell", typ: "stdio"} }))

	ex, err := r.Lookup(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "shell", ex.ID())
}

func TestLookupNotFound(t *testing.T) {
	r := New()
	_, err := r.Lookup(map[string]any{"executor_id": "missing"}, nil)
	assert.Error(t, err)
}

func TestParamsWithoutExecutorID(t *testing.T) {
	out := ParamsWithoutExecutorID(map[string]any{"executor_id": "echo", "x": 1})
	assert.Equal(t, map[string]any{"x": 1}, out)
}
