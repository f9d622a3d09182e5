package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipartnerupflow/taskengine/internal/copyengine"
	"github.com/aipartnerupflow/taskengine/internal/creator"
	"github.com/aipartnerupflow/taskengine/internal/executors/aggregate"
	"github.com/aipartnerupflow/taskengine/internal/facade"
	"github.com/aipartnerupflow/taskengine/internal/manager"
	"github.com/aipartnerupflow/taskengine/internal/registry"
	"github.com/aipartnerupflow/taskengine/internal/sessionpool"
	"github.com/aipartnerupflow/taskengine/internal/sqlitetest"
	"github.com/aipartnerupflow/taskengine/internal/store"
	"github.com/aipartnerupflow/taskengine/internal/streaming"
	"github.com/aipartnerupflow/taskengine/internal/tracker"
)

func newTestRouter(t *testing.T) (*echo.Echo, *streaming.MemorySink) {
	t.Helper()
	s := store.New(sqlitetest.NewDriver(t))
	pool := sessionpool.New(4, time.Hour)
	t.Cleanup(pool.Shutdown)
	reg := registry.New()
	require.NoError(t, reg.Register(aggregate.ID, "core", aggregate.New))

	bus := streaming.NewBus()
	mem := streaming.NewMemorySink()
	bus.Attach(mem)

	mgr := manager.New(s, reg, manager.WithBus(bus))
	f := facade.New(s, creator.New(s, nil), mgr, copyengine.New(s), tracker.New(), pool, nil)

	e := echo.New()
	New(f, bus, mem, nil).Register(e)
	return e, mem
}

func doRPC(t *testing.T, e *echo.Echo, method string, params any) rpcResponse {
	t.Helper()
	p, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(rpcRequest{Method: method, Params: p})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

// TestTasksCreateThenGet covers the create-then-read round trip of spec
// §6.1: a freshly created root is immediately visible via tasks.get.
func TestTasksCreateThenGet(t *testing.T) {
	e, _ := newTestRouter(t)

	resp := doRPC(t, e, "tasks.create", map[string]any{
		"id":     "root",
		"name":   "root",
		"params": map[string]any{"executor_id": aggregate.ID},
	})
	require.Empty(t, resp.Error)
	tree, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "root", tree["id"])

	time.Sleep(50 * time.Millisecond)

	resp = doRPC(t, e, "tasks.get", map[string]any{"task_id": "root"})
	require.Empty(t, resp.Error)
	got, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "root", got["id"])
}

// TestTasksListDefaultsToRootOnly covers tasks.list's root_only default.
func TestTasksListDefaultsToRootOnly(t *testing.T) {
	e, _ := newTestRouter(t)

	doRPC(t, e, "tasks.create", []map[string]any{
		{"id": "root", "name": "root"},
		{"id": "child", "name": "child", "parent_id": "root"},
	})
	time.Sleep(50 * time.Millisecond)

	resp := doRPC(t, e, "tasks.list", map[string]any{})
	require.Empty(t, resp.Error)
	list, ok := resp.Result.([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, "root", list[0].(map[string]any)["id"])
}

// TestTasksDeleteRejectsNonPending confirms the router surfaces the
// store's delete guard as an error payload rather than a transport error.
func TestTasksDeleteRejectsNonPending(t *testing.T) {
	e, _ := newTestRouter(t)

	doRPC(t, e, "tasks.create", map[string]any{
		"id": "root", "name": "root", "params": map[string]any{"executor_id": aggregate.ID},
	})
	time.Sleep(50 * time.Millisecond)

	resp := doRPC(t, e, "tasks.delete", map[string]any{"task_id": "root"})
	assert.NotEmpty(t, resp.Error)
}

// TestUnknownMethodReturnsPayloadError confirms dispatch errors are
// returned as JSON-RPC-style payload errors, not HTTP failures.
func TestUnknownMethodReturnsPayloadError(t *testing.T) {
	e, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(mustJSON(t, rpcRequest{Method: "no.such.method"})))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "unknown method")
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// TestAgentRunIngestsAndReturnsEventsURL covers the [EXPANSION] A2A
// route: it shares tasks.create's ingestion and hands back an SSE URL
// instead of the nested tree.
func TestAgentRunIngestsAndReturnsEventsURL(t *testing.T) {
	e, _ := newTestRouter(t)

	body := mustJSON(t, map[string]any{"id": "root", "name": "root"})
	req := httptest.NewRequest(http.MethodPost, "/a2a/agent.run", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "root", out["root_task_id"])
	assert.Contains(t, out["events_url"], "/events?task_id=root")
}
