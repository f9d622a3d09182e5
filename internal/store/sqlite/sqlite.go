// Package sqlite implements the embedded store.Driver dialect, the
// default for local/dev use (spec §6.4 DATABASE_URL resolves the dialect;
// sqlite is the fallback). Mirrors the teacher's store/db/sqlite package:
// one file, hand-rolled SQL, "?" placeholders.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aipartnerupflow/taskengine/internal/store"
	"github.com/aipartnerupflow/taskengine/internal/task"
)

// DB is the sqlite-backed store.Driver.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at dsn.
func Open(dsn string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers
	d := &DB{db: sqlDB}
	if err := d.migrate(context.Background()); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	parent_id TEXT,
	original_task_id TEXT,
	user_id TEXT,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 1,
	has_children INTEGER NOT NULL DEFAULT 0,
	has_copy INTEGER NOT NULL DEFAULT 0,
	progress REAL NOT NULL DEFAULT 0,
	dependencies TEXT,
	inputs TEXT,
	params TEXT,
	schemas TEXT,
	result TEXT,
	error TEXT,
	metadata TEXT,
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_parent_id ON tasks(parent_id);
CREATE INDEX IF NOT EXISTS idx_tasks_user_id ON tasks(user_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`)
	if err != nil {
		return fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalDeps(raw sql.NullString) ([]task.Dependency, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var deps []task.Dependency
	if err := json.Unmarshal([]byte(raw.String), &deps); err != nil {
		return nil, err
	}
	return deps, nil
}

func unmarshalMap(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}

func (d *DB) CreateTask(ctx context.Context, params store.CreateTaskParams) (*task.Task, error) {
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	priority := params.Priority
	if priority == 0 {
		priority = task.DefaultPriority
	}

	deps, err := marshalJSON(params.Dependencies)
	if err != nil {
		return nil, err
	}
	inputs, err := marshalJSON(params.Inputs)
	if err != nil {
		return nil, err
	}
	prms, err := marshalJSON(params.Params)
	if err != nil {
		return nil, err
	}
	schemas, err := marshalJSON(params.Schemas)
	if err != nil {
		return nil, err
	}

	_, err = d.db.ExecContext(ctx, `
INSERT INTO tasks (id, parent_id, original_task_id, user_id, name, status, priority,
	has_children, has_copy, progress, dependencies, inputs, params, schemas,
	created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?, ?, ?, ?)
`, id, nullString(params.ParentID), nullString(params.OriginalTaskID), nullString(params.UserID),
		params.Name, string(task.StatusPending), priority, deps, inputs, prms, schemas, now, now)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	return d.GetTaskByID(ctx, id)
}

const selectCols = `id, parent_id, original_task_id, user_id, name, status, priority,
	has_children, has_copy, progress, dependencies, inputs, params, schemas, result, error,
	metadata, created_at, started_at, updated_at, completed_at`

func (d *DB) scanTask(row interface {
	Scan(dest ...any) error
}) (*task.Task, error) {
	var (
		t                                                     task.Task
		parentID, originalID, userID, errStr                  sql.NullString
		deps, inputs, params, schemas, result, metadata       sql.NullString
		hasChildren, hasCopy                                  int
		startedAt, completedAt                                sql.NullTime
	)
	if err := row.Scan(&t.ID, &parentID, &originalID, &userID, &t.Name, &t.Status, &t.Priority,
		&hasChildren, &hasCopy, &t.Progress, &deps, &inputs, &params, &schemas, &result, &errStr,
		&metadata, &t.CreatedAt, &startedAt, &t.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}

	if parentID.Valid {
		v := parentID.String
		t.ParentID = &v
	}
	if originalID.Valid {
		v := originalID.String
		t.OriginalTaskID = &v
	}
	if userID.Valid {
		v := userID.String
		t.UserID = &v
	}
	if errStr.Valid {
		v := errStr.String
		t.Error = &v
	}
	t.HasChildren = hasChildren != 0
	t.HasCopy = hasCopy != 0
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}

	var err error
	if t.Dependencies, err = unmarshalDeps(deps); err != nil {
		return nil, err
	}
	if t.Inputs, err = unmarshalMap(inputs); err != nil {
		return nil, err
	}
	if t.Params, err = unmarshalMap(params); err != nil {
		return nil, err
	}
	if t.Schemas, err = unmarshalMap(schemas); err != nil {
		return nil, err
	}
	if t.Result, err = unmarshalMap(result); err != nil {
		return nil, err
	}
	if t.Metadata, err = unmarshalMap(metadata); err != nil {
		return nil, err
	}
	return &t, nil
}

func (d *DB) GetTaskByID(ctx context.Context, id string) (*task.Task, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM tasks WHERE id = ?`, id)
	t, err := d.scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (d *DB) UpdateTaskStatus(ctx context.Context, id string, upd store.UpdateStatusParams) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.ClearError {
		sets = append(sets, "error = NULL")
	} else if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *upd.Error)
	}
	if upd.ClearResult {
		sets = append(sets, "result = NULL")
	} else if upd.Result != nil {
		raw, err := marshalJSON(upd.Result)
		if err != nil {
			return err
		}
		sets = append(sets, "result = ?")
		args = append(args, raw)
	}
	if upd.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *upd.Progress)
	}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *upd.StartedAt)
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *upd.CompletedAt)
	}

	args = append(args, id)
	_, err := d.db.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update task status %s: %w", id, err)
	}
	return nil
}

func (d *DB) UpdateTaskInputs(ctx context.Context, id string, inputs map[string]any) error {
	raw, err := marshalJSON(inputs)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `UPDATE tasks SET inputs = ?, updated_at = ? WHERE id = ?`, raw, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update task inputs %s: %w", id, err)
	}
	return nil
}

func (d *DB) GetRootTask(ctx context.Context, t *task.Task) (*task.Task, error) {
	cur := t
	for cur.ParentID != nil {
		parent, err := d.GetTaskByID(ctx, *cur.ParentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, fmt.Errorf("get root task: %w: %s", task.ErrUnknownParent, *cur.ParentID)
		}
		cur = parent
	}
	return cur, nil
}

func (d *DB) GetAllTasksInTree(ctx context.Context, rootID string) ([]*task.Task, error) {
	// Breadth-first collection starting from rootID.
	out := []*task.Task{}
	root, err := d.GetTaskByID(ctx, rootID)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("get all tasks in tree: %w: %s", task.ErrNotFound, rootID)
	}
	out = append(out, root)
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		children, err := d.GetChildTasksByParentID(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			out = append(out, c)
			queue = append(queue, c.ID)
		}
	}
	return out, nil
}

func (d *DB) GetChildTasksByParentID(ctx context.Context, parentID string) ([]*task.Task, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+selectCols+` FROM tasks WHERE parent_id = ? ORDER BY priority ASC, created_at ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("get children of %s: %w", parentID, err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := d.scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (d *DB) BuildTaskTree(ctx context.Context, rootID string) (*task.Tree, error) {
	tasks, err := d.GetAllTasksInTree(ctx, rootID)
	if err != nil {
		return nil, err
	}
	return task.NewTree(tasks), nil
}

func (d *DB) QueryTasks(ctx context.Context, q store.QueryParams) ([]*task.Task, error) {
	where := []string{"1 = 1"}
	var args []any

	if q.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *q.UserID)
	}
	if q.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*q.Status))
	}
	if q.ParentID != nil {
		if *q.ParentID == "" {
			where = append(where, "parent_id IS NULL")
		} else {
			where = append(where, "parent_id = ?")
			args = append(args, *q.ParentID)
		}
	}

	orderBy := "created_at"
	if q.OrderBy != "" {
		orderBy = q.OrderBy
	}
	dir := "ASC"
	if q.OrderDesc {
		dir = "DESC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY %s %s LIMIT ? OFFSET ?`,
		selectCols, strings.Join(where, " AND "), sanitizeOrderBy(orderBy), dir)
	args = append(args, limit, q.Offset)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := d.scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// sanitizeOrderBy restricts order_by to a known column allow-list to avoid
// building a query from unsanitized caller input.
func sanitizeOrderBy(col string) string {
	switch col {
	case "created_at", "updated_at", "priority", "status", "name":
		return col
	default:
		return "created_at"
	}
}

func (d *DB) SetParentID(ctx context.Context, id string, parentID string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE tasks SET parent_id = ?, updated_at = ? WHERE id = ?`, parentID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set parent id %s: %w", id, err)
	}
	return nil
}

func (d *DB) SetHasChildren(ctx context.Context, id string, v bool) error {
	_, err := d.db.ExecContext(ctx, `UPDATE tasks SET has_children = ?, updated_at = ? WHERE id = ?`, boolToInt(v), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set has_children %s: %w", id, err)
	}
	return nil
}

func (d *DB) SetHasCopy(ctx context.Context, id string, v bool) error {
	_, err := d.db.ExecContext(ctx, `UPDATE tasks SET has_copy = ?, updated_at = ? WHERE id = ?`, boolToInt(v), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set has_copy %s: %w", id, err)
	}
	return nil
}

func (d *DB) SetDependencies(ctx context.Context, id string, deps []task.Dependency) error {
	raw, err := marshalJSON(deps)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `UPDATE tasks SET dependencies = ?, updated_at = ? WHERE id = ?`, raw, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set dependencies %s: %w", id, err)
	}
	return nil
}

func (d *DB) DeleteTasks(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	res, err := d.db.ExecContext(ctx, `DELETE FROM tasks WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
