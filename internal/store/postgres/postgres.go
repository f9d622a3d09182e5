// Package postgres implements the Postgres store.Driver dialect, selected
// when DATABASE_URL points at a postgres:// DSN (spec §6.4). Mirrors the
// teacher's store/db/postgres package: hand-rolled SQL with $N
// placeholders and a placeholder/placeholders helper pair.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/aipartnerupflow/taskengine/internal/store"
	"github.com/aipartnerupflow/taskengine/internal/task"
)

// DB is the postgres-backed store.Driver.
type DB struct {
	db *sql.DB
}

// Open opens a connection pool against dsn and ensures the schema exists.
func Open(dsn string) (*DB, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
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
	has_children BOOLEAN NOT NULL DEFAULT FALSE,
	has_copy BOOLEAN NOT NULL DEFAULT FALSE,
	progress DOUBLE PRECISION NOT NULL DEFAULT 0,
	dependencies JSONB,
	inputs JSONB,
	params JSONB,
	schemas JSONB,
	result JSONB,
	error TEXT,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tasks_parent_id ON tasks(parent_id);
CREATE INDEX IF NOT EXISTS idx_tasks_user_id ON tasks(user_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`)
	if err != nil {
		return errors.Wrap(err, "migrate postgres schema")
	}
	return nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// placeholder returns the $i postgres bind placeholder.
func placeholder(i int) string {
	return fmt.Sprintf("$%d", i)
}

// placeholders returns a comma-joined run of $1..$n, used for VALUES and
// multi-arg IN clauses built at runtime.
func placeholders(n int) string {
	p := make([]string, n)
	for i := range p {
		p[i] = placeholder(i + 1)
	}
	return strings.Join(p, ", ")
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal json column")
	}
	return string(b), nil
}

func unmarshalDeps(raw sql.NullString) ([]task.Dependency, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var deps []task.Dependency
	if err := json.Unmarshal([]byte(raw.String), &deps); err != nil {
		return nil, errors.Wrap(err, "unmarshal dependencies")
	}
	return deps, nil
}

func unmarshalMap(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, errors.Wrap(err, "unmarshal json column")
	}
	return m, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
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

	query := fmt.Sprintf(`
INSERT INTO tasks (id, parent_id, original_task_id, user_id, name, status, priority,
	has_children, has_copy, progress, dependencies, inputs, params, schemas,
	created_at, updated_at)
VALUES (%s, %s, %s, %s, %s, %s, %s, FALSE, FALSE, 0, %s, %s, %s, %s, %s, %s)
`, placeholder(1), placeholder(2), placeholder(3), placeholder(4), placeholder(5),
		placeholder(6), placeholder(7), placeholder(8), placeholder(9), placeholder(10),
		placeholder(11), placeholder(12), placeholder(13))

	_, err = d.db.ExecContext(ctx, query, id, nullString(params.ParentID), nullString(params.OriginalTaskID),
		nullString(params.UserID), params.Name, string(task.StatusPending), priority,
		deps, inputs, prms, schemas, now, now)
	if err != nil {
		return nil, errors.Wrapf(err, "create task %s", id)
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
		t                                                task.Task
		parentID, originalID, userID, errStr             sql.NullString
		deps, inputs, params, schemas, result, metadata  sql.NullString
		hasChildren, hasCopy                              bool
		startedAt, completedAt                            sql.NullTime
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
	t.HasChildren = hasChildren
	t.HasCopy = hasCopy
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
	row := d.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM tasks WHERE id = `+placeholder(1), id)
	t, err := d.scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get task %s", id)
	}
	return t, nil
}

func (d *DB) UpdateTaskStatus(ctx context.Context, id string, upd store.UpdateStatusParams) error {
	sets := []string{}
	var args []any
	i := 1

	sets = append(sets, "updated_at = "+placeholder(i))
	args = append(args, time.Now().UTC())
	i++

	if upd.Status != nil {
		sets = append(sets, "status = "+placeholder(i))
		args = append(args, string(*upd.Status))
		i++
	}
	if upd.ClearError {
		sets = append(sets, "error = NULL")
	} else if upd.Error != nil {
		sets = append(sets, "error = "+placeholder(i))
		args = append(args, *upd.Error)
		i++
	}
	if upd.ClearResult {
		sets = append(sets, "result = NULL")
	} else if upd.Result != nil {
		raw, err := marshalJSON(upd.Result)
		if err != nil {
			return err
		}
		sets = append(sets, "result = "+placeholder(i))
		args = append(args, raw)
		i++
	}
	if upd.Progress != nil {
		sets = append(sets, "progress = "+placeholder(i))
		args = append(args, *upd.Progress)
		i++
	}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = "+placeholder(i))
		args = append(args, *upd.StartedAt)
		i++
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = "+placeholder(i))
		args = append(args, *upd.CompletedAt)
		i++
	}

	args = append(args, id)
	query := `UPDATE tasks SET ` + strings.Join(sets, ", ") + ` WHERE id = ` + placeholder(i)
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrapf(err, "update task status %s", id)
	}
	return nil
}

func (d *DB) UpdateTaskInputs(ctx context.Context, id string, inputs map[string]any) error {
	raw, err := marshalJSON(inputs)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `UPDATE tasks SET inputs = `+placeholder(1)+`, updated_at = `+placeholder(2)+` WHERE id = `+placeholder(3),
		raw, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "update task inputs %s", id)
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
			return nil, errors.Wrapf(task.ErrUnknownParent, "get root task: %s", *cur.ParentID)
		}
		cur = parent
	}
	return cur, nil
}

func (d *DB) GetAllTasksInTree(ctx context.Context, rootID string) ([]*task.Task, error) {
	out := []*task.Task{}
	root, err := d.GetTaskByID(ctx, rootID)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, errors.Wrapf(task.ErrNotFound, "get all tasks in tree: %s", rootID)
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
	rows, err := d.db.QueryContext(ctx, `SELECT `+selectCols+` FROM tasks WHERE parent_id = `+placeholder(1)+` ORDER BY priority ASC, created_at ASC`, parentID)
	if err != nil {
		return nil, errors.Wrapf(err, "get children of %s", parentID)
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
	i := 1

	if q.UserID != nil {
		where = append(where, "user_id = "+placeholder(i))
		args = append(args, *q.UserID)
		i++
	}
	if q.Status != nil {
		where = append(where, "status = "+placeholder(i))
		args = append(args, string(*q.Status))
		i++
	}
	if q.ParentID != nil {
		if *q.ParentID == "" {
			where = append(where, "parent_id IS NULL")
		} else {
			where = append(where, "parent_id = "+placeholder(i))
			args = append(args, *q.ParentID)
			i++
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

	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY %s %s LIMIT %s OFFSET %s`,
		selectCols, strings.Join(where, " AND "), sanitizeOrderBy(orderBy), dir, placeholder(i), placeholder(i+1))
	args = append(args, limit, q.Offset)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query tasks")
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
	_, err := d.db.ExecContext(ctx, `UPDATE tasks SET parent_id = `+placeholder(1)+`, updated_at = `+placeholder(2)+` WHERE id = `+placeholder(3),
		parentID, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "set parent id %s", id)
	}
	return nil
}

func (d *DB) SetHasChildren(ctx context.Context, id string, v bool) error {
	_, err := d.db.ExecContext(ctx, `UPDATE tasks SET has_children = `+placeholder(1)+`, updated_at = `+placeholder(2)+` WHERE id = `+placeholder(3),
		v, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "set has_children %s", id)
	}
	return nil
}

func (d *DB) SetHasCopy(ctx context.Context, id string, v bool) error {
	_, err := d.db.ExecContext(ctx, `UPDATE tasks SET has_copy = `+placeholder(1)+`, updated_at = `+placeholder(2)+` WHERE id = `+placeholder(3),
		v, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "set has_copy %s", id)
	}
	return nil
}

func (d *DB) SetDependencies(ctx context.Context, id string, deps []task.Dependency) error {
	raw, err := marshalJSON(deps)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `UPDATE tasks SET dependencies = `+placeholder(1)+`, updated_at = `+placeholder(2)+` WHERE id = `+placeholder(3),
		raw, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "set dependencies %s", id)
	}
	return nil
}

func (d *DB) DeleteTasks(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `DELETE FROM tasks WHERE id IN (` + placeholders(len(ids)) + `)`
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "delete tasks")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "delete tasks rows affected")
	}
	return int(n), nil
}
