// Package router implements the JSON-RPC-shaped HTTP surface of spec
// §6.1/§6.2/§6.3: a thin echo.Echo adapter over internal/facade. The
// core itself is transport-agnostic; every handler here does nothing
// but decode params, call the facade, and encode a response. Grounded
// on the teacher's server/router layering (echo.Echo plus a grouped
// API surface registered over a shared service struct).
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/aipartnerupflow/taskengine/internal/copyengine"
	"github.com/aipartnerupflow/taskengine/internal/creator"
	"github.com/aipartnerupflow/taskengine/internal/facade"
	"github.com/aipartnerupflow/taskengine/internal/metrics"
	"github.com/aipartnerupflow/taskengine/internal/store"
	"github.com/aipartnerupflow/taskengine/internal/streaming"
	"github.com/aipartnerupflow/taskengine/internal/task"
	"github.com/aipartnerupflow/taskengine/internal/version"
)

// Router owns the facade plus the sinks its handlers read from or write
// configuration for (spec §6.2/§6.3's webhook/SSE adapters).
type Router struct {
	facade  *facade.Facade
	memory  *streaming.MemorySink
	bus     *streaming.Bus
	metrics *metrics.Exporter
}

// New builds a Router. memory/metrics may be nil: with no memory sink
// the /events route answers 404, and with no metrics exporter /metrics
// is not registered.
func New(f *facade.Facade, bus *streaming.Bus, memory *streaming.MemorySink, m *metrics.Exporter) *Router {
	return &Router{facade: f, bus: bus, memory: memory, metrics: m}
}

// Register mounts every route of spec §6 onto e.
func (rt *Router) Register(e *echo.Echo) {
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	e.POST("/rpc", rt.handleRPC)
	e.GET("/events", rt.handleEvents)
	// [EXPANSION] A2A surface (§6 supplement): same facade, same SSE
	// endpoint, one extra entry route instead of a parallel RPC stack.
	e.POST("/a2a/agent.run", rt.handleAgentRun)

	if rt.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(rt.metrics.Handler()))
	}
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleRPC dispatches the method names of spec §6.1, one core handler
// per method, all funneled through the same Facade.
func (rt *Router) handleRPC(c echo.Context) error {
	var req rpcRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, rpcResponse{Error: err.Error()})
	}

	result, err := rt.dispatch(c, req.Method, req.Params)
	if err != nil {
		return c.JSON(http.StatusOK, rpcResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, rpcResponse{Result: result})
}

func (rt *Router) dispatch(c echo.Context, method string, params json.RawMessage) (any, error) {
	ctx := c.Request().Context()

	switch method {
	case "engine.version":
		return map[string]string{"version": version.String(), "full": version.StringFull()}, nil
	case "tasks.create":
		return rt.tasksCreate(ctx, params)
	case "tasks.get", "tasks.detail":
		return rt.tasksGet(ctx, params)
	case "tasks.tree":
		return rt.tasksTree(ctx, params)
	case "tasks.list":
		return rt.tasksList(ctx, params)
	case "tasks.children":
		return rt.tasksChildren(ctx, params)
	case "tasks.running.list":
		return rt.facade.RunningRoots(), nil
	case "tasks.running.status":
		return rt.tasksRunningStatus(params)
	case "tasks.running.count":
		return len(rt.facade.RunningRoots()), nil
	case "tasks.update":
		return rt.tasksUpdate(ctx, params)
	case "tasks.delete":
		return rt.tasksDelete(ctx, params)
	case "tasks.copy":
		return rt.tasksCopy(ctx, params)
	case "tasks.cancel", "tasks.running.cancel":
		return rt.tasksCancel(ctx, params)
	case "tasks.execute":
		return rt.tasksExecute(ctx, params)
	default:
		return nil, errors.Errorf("unknown method %q", method)
	}
}

func (rt *Router) tasksCreate(ctx context.Context, params json.RawMessage) (any, error) {
	entries, err := decodeEntries(params)
	if err != nil {
		return nil, err
	}
	tree, err := rt.facade.CreateAndRun(ctx, entries)
	if err != nil {
		return nil, err
	}
	return nestedTree(tree, tree.RootIndex())
}

// decodeEntries normalises tasks.create's params (spec §6.1: "either a
// single task mapping or an array") into []creator.Entry.
func decodeEntries(params json.RawMessage) ([]creator.Entry, error) {
	var wrapper struct {
		Tasks json.RawMessage `json:"tasks"`
	}
	raw := params
	if err := json.Unmarshal(params, &wrapper); err == nil && wrapper.Tasks != nil {
		raw = wrapper.Tasks
	}

	var arr []creator.Entry
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) > 0 {
		return arr, nil
	}

	var single creator.Entry
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, errors.Wrap(err, "params must be a task mapping or an array of task mappings")
	}
	return []creator.Entry{single}, nil
}

func (rt *Router) tasksGet(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	t, err := rt.facade.GetTask(ctx, p.TaskID)
	if errors.Is(err, task.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return taskToMap(t)
}

func (rt *Router) tasksTree(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		TaskID string `json:"task_id"`
		RootID string `json:"root_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	id := p.RootID
	if id == "" {
		id = p.TaskID
	}
	subject, err := rt.facade.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	tree, err := rt.facade.GetTree(ctx, subject.ID)
	if err != nil {
		return nil, err
	}
	return nestedTree(tree, tree.RootIndex())
}

func (rt *Router) tasksList(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		UserID   *string `json:"user_id"`
		Status   *string `json:"status"`
		RootOnly *bool   `json:"root_only"`
		Limit    int     `json:"limit"`
		Offset   int     `json:"offset"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}

	q := store.QueryParams{UserID: p.UserID, Limit: p.Limit, Offset: p.Offset}
	if p.Status != nil {
		s := task.Status(*p.Status)
		q.Status = &s
	}
	if p.RootOnly == nil || *p.RootOnly {
		empty := ""
		q.ParentID = &empty
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}

	tasks, err := rt.facade.ListTasks(ctx, q)
	if err != nil {
		return nil, err
	}
	return tasksToMaps(tasks)
}

func (rt *Router) tasksChildren(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		ParentID string `json:"parent_id"`
		TaskID   string `json:"task_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	id := p.ParentID
	if id == "" {
		id = p.TaskID
	}
	children, err := rt.facade.Children(ctx, id)
	if err != nil {
		return nil, err
	}
	return tasksToMaps(children)
}

func (rt *Router) tasksRunningStatus(params json.RawMessage) (any, error) {
	var p struct {
		RootTaskID string `json:"root_task_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	return map[string]any{"running": rt.facade.IsRunning(p.RootTaskID)}, nil
}

func (rt *Router) tasksUpdate(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		TaskID      string         `json:"task_id"`
		Status      *string        `json:"status"`
		Error       *string        `json:"error"`
		Result      map[string]any `json:"result"`
		Progress    *float64       `json:"progress"`
		Inputs      map[string]any `json:"inputs"`
		StartedAt   *time.Time     `json:"started_at"`
		CompletedAt *time.Time     `json:"completed_at"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}

	driver := rt.facade2Driver()
	upd := store.UpdateStatusParams{
		Error:       p.Error,
		Result:      p.Result,
		Progress:    p.Progress,
		StartedAt:   p.StartedAt,
		CompletedAt: p.CompletedAt,
	}
	if p.Status != nil {
		s := task.Status(*p.Status)
		upd.Status = &s
	}
	if err := driver.UpdateTaskStatus(ctx, p.TaskID, upd); err != nil {
		return nil, err
	}
	if p.Inputs != nil {
		if err := driver.UpdateTaskInputs(ctx, p.TaskID, p.Inputs); err != nil {
			return nil, err
		}
	}
	t, err := rt.facade.GetTask(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	return taskToMap(t)
}

func (rt *Router) tasksDelete(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	res, err := rt.facade.Delete(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted_count": res.DeletedCount}, nil
}

func (rt *Router) tasksCopy(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		TaskID   string `json:"task_id"`
		Children bool   `json:"children"`
		Save     *bool  `json:"save"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	save := true
	if p.Save != nil {
		save = *p.Save
	}
	tree, err := rt.facade.Copy(ctx, p.TaskID, copyengine.Options{Children: p.Children, Save: save})
	if err != nil {
		return nil, err
	}
	return nestedTree(tree, tree.RootIndex())
}

type cancelResult struct {
	TaskID     string         `json:"task_id"`
	Status     string         `json:"status"`
	Message    string         `json:"message"`
	TokenUsage map[string]any `json:"token_usage,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
}

func (rt *Router) tasksCancel(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		TaskIDs      []string `json:"task_ids"`
		ErrorMessage string   `json:"error_message"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}

	out := make([]cancelResult, 0, len(p.TaskIDs))
	for _, id := range p.TaskIDs {
		if err := rt.facade.Cancel(ctx, id, p.ErrorMessage); err != nil {
			out = append(out, cancelResult{TaskID: id, Status: "error", Message: err.Error()})
			continue
		}
		t, err := rt.facade.GetTask(ctx, id)
		if err != nil {
			out = append(out, cancelResult{TaskID: id, Status: "cancelled"})
			continue
		}
		out = append(out, cancelResult{TaskID: id, Status: string(t.GetStatus()), Result: t.GetResult()})
	}
	return out, nil
}

func (rt *Router) tasksExecute(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		TaskID        string `json:"task_id"`
		UseStreaming  bool   `json:"use_streaming"`
		WebhookConfig *struct {
			URL string `json:"url"`
		} `json:"webhook_config"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}

	t, err := rt.facade.GetTask(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	root, err := rt.facade2Driver().GetRootTask(ctx, t)
	if err != nil {
		return nil, err
	}

	go func() {
		if runErr := rt.facade.Run(context.Background(), root.ID); runErr != nil {
			_ = runErr
		}
	}()

	resp := map[string]any{
		"success":      true,
		"protocol":     "jsonrpc",
		"root_task_id": root.ID,
		"task_id":      p.TaskID,
		"status":       "started",
		"message":      "execution started",
	}
	switch {
	case p.WebhookConfig != nil && p.WebhookConfig.URL != "":
		resp["streaming"] = true
		resp["webhook_url"] = p.WebhookConfig.URL
	case p.UseStreaming:
		resp["streaming"] = true
		resp["events_url"] = fmt.Sprintf("/events?task_id=%s", root.ID)
	}
	return resp, nil
}

// handleEvents serves the SSE endpoint of spec §6.3.
func (rt *Router) handleEvents(c echo.Context) error {
	rootID := c.QueryParam("task_id")
	if rootID == "" || rt.memory == nil {
		return c.NoContent(http.StatusNotFound)
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().WriteHeader(http.StatusOK)

	sent := 0
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		events := rt.memory.Events(rootID)
		for ; sent < len(events); sent++ {
			writeSSEEvent(c, events[sent])
			if events[sent].Final {
				return nil
			}
		}

		select {
		case <-c.Request().Context().Done():
			return nil
		case <-ticker.C:
		}
	}
}

func writeSSEEvent(c echo.Context, e streaming.Event) {
	body, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Response(), "data: %s\n\n", body)
	c.Response().Flush()
}

// handleAgentRun implements the A2A supplement of SPEC_FULL.md §6: same
// ingestion path as tasks.create, streamed back over the same SSE
// endpoint instead of a parallel RPC surface.
func (rt *Router) handleAgentRun(c echo.Context) error {
	body, err := readAll(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, rpcResponse{Error: err.Error()})
	}
	entries, err := decodeEntries(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, rpcResponse{Error: err.Error()})
	}
	tree, err := rt.facade.CreateAndRun(c.Request().Context(), entries)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, rpcResponse{Error: err.Error()})
	}
	root := tree.Root()
	events := ""
	if root != nil {
		events = fmt.Sprintf("/events?task_id=%s", root.ID)
	}
	return c.JSON(http.StatusOK, map[string]any{"root_task_id": rootIDOf(root), "events_url": events})
}

func rootIDOf(t *task.Task) string {
	if t == nil {
		return ""
	}
	return t.ID
}

func readAll(c echo.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.Bind(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// facade2Driver reaches the underlying store.Driver for the handful of
// field-level operations (tasks.update, root resolution) the Facade
// doesn't itself expose a method for. The facade's own methods remain
// the preferred path for every operation they cover.
func (rt *Router) facade2Driver() store.Driver {
	return rt.facade.StoreDriver()
}

func taskToMap(t *task.Task) (map[string]any, error) {
	if t == nil {
		return nil, nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func tasksToMaps(tasks []*task.Task) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		m, err := taskToMap(t)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func nestedTree(tree *task.Tree, idx int) (map[string]any, error) {
	n := tree.Nodes[idx]
	m, err := taskToMap(n)
	if err != nil {
		return nil, err
	}
	children := tree.Children(idx)
	kids := make([]map[string]any, 0, len(children))
	for _, ch := range children {
		ci, ok := tree.IndexOf(ch.ID)
		if !ok {
			continue
		}
		cm, err := nestedTree(tree, ci)
		if err != nil {
			return nil, err
		}
		kids = append(kids, cm)
	}
	m["children"] = kids
	return m, nil
}
