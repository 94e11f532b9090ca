package repositoryimpl

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/taskhub/taskhub/internal/task"
	"github.com/taskhub/taskhub/pkg/cerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                   VARCHAR(26)  NOT NULL,
	short_id             VARCHAR(16)  NOT NULL DEFAULT '',
	title                VARCHAR(255) NOT NULL,
	description          TEXT         NOT NULL,
	category             VARCHAR(32)  NOT NULL,
	priority             VARCHAR(16)  NOT NULL,
	status               VARCHAR(32)  NOT NULL,
	assigned_agent       VARCHAR(64)  NOT NULL DEFAULT '',
	estimated_hours      DOUBLE       NOT NULL DEFAULT 0,
	actual_hours         DOUBLE       NULL,
	requester            VARCHAR(64)  NOT NULL,
	approval_required    TINYINT(1)   NOT NULL DEFAULT 0,
	clarifying_questions TEXT         NULL,
	success_criteria     TEXT         NULL,
	metadata             TEXT         NULL,
	created_at           DATETIME(6)  NOT NULL,
	updated_at           DATETIME(6)  NOT NULL,
	assigned_at          DATETIME(6)  NULL,
	started_at           DATETIME(6)  NULL,
	completed_at         DATETIME(6)  NULL,
	PRIMARY KEY (id),
	INDEX idx_status_agent (status, assigned_agent),
	INDEX idx_created_at (created_at)
)`

const taskColumns = `id, short_id, title, description, category, priority, status, assigned_agent,
	estimated_hours, actual_hours, requester, approval_required,
	clarifying_questions, success_criteria, metadata,
	created_at, updated_at, assigned_at, started_at, completed_at`

// MySQLRepository stores tasks in a single MySQL table. Conditional updates
// use the affected-row count, so concurrent claimants across processes are
// resolved by the database.
type MySQLRepository struct {
	db *sql.DB
}

var _ task.Repository = (*MySQLRepository)(nil)

func NewMySQLRepository(ctx context.Context, dsn string) (*MySQLRepository, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, cerr.NewError(cerr.Unavailable, "failed to open mysql", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, cerr.NewError(cerr.Unavailable, "failed to connect to mysql", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, cerr.NewError(cerr.Unavailable, "failed to ensure tasks table", err)
	}
	return &MySQLRepository{db: db}, nil
}

func (r *MySQLRepository) Close() error {
	return r.db.Close()
}

func (r *MySQLRepository) Create(ctx context.Context, t *task.Task) error {
	questions, criteria, metadata, err := encodeLists(t)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ShortID, t.Title, t.Description, t.Category, t.Priority, t.Status, t.AssignedAgent,
		t.EstimatedHours, t.ActualHours, t.Requester, t.ApprovalRequired,
		questions, criteria, metadata,
		t.CreatedAt, t.UpdatedAt, t.AssignedAt, t.StartedAt, t.CompletedAt)
	if err != nil {
		return cerr.NewError(cerr.Unavailable, "failed to insert task", err)
	}
	return nil
}

func (r *MySQLRepository) Get(ctx context.Context, id string) (*task.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cerr.NewError(cerr.NotFound, "task not found", err)
		}
		return nil, cerr.NewError(cerr.Unavailable, "failed to read task", err)
	}
	return t, nil
}

func (r *MySQLRepository) List(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, f.Category)
	}
	if f.AssignedAgent != "" {
		query += ` AND assigned_agent = ?`
		args = append(args, f.AssignedAgent)
	}
	query += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryTasks(ctx, query, args...)
}

func (r *MySQLRepository) Update(ctx context.Context, t *task.Task) error {
	questions, criteria, metadata, err := encodeLists(t)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET
			short_id = ?, title = ?, description = ?, category = ?, priority = ?,
			status = ?, assigned_agent = ?, estimated_hours = ?, actual_hours = ?,
			requester = ?, approval_required = ?, clarifying_questions = ?,
			success_criteria = ?, metadata = ?, updated_at = ?,
			assigned_at = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		t.ShortID, t.Title, t.Description, t.Category, t.Priority,
		t.Status, t.AssignedAgent, t.EstimatedHours, t.ActualHours,
		t.Requester, t.ApprovalRequired, questions,
		criteria, metadata, t.UpdatedAt,
		t.AssignedAt, t.StartedAt, t.CompletedAt,
		t.ID)
	if err != nil {
		return cerr.NewError(cerr.Unavailable, "failed to update task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return cerr.NewError(cerr.Unavailable, "failed to update task", err)
	}
	if n == 0 {
		// RowsAffected is also 0 for a no-change update, so confirm the row exists.
		if _, getErr := r.Get(ctx, t.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (r *MySQLRepository) Claim(ctx context.Context, id, agent string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ? AND status = ? AND assigned_agent = ?`,
		task.StatusInProgress, now, now,
		id, task.StatusAssigned, agent)
	if err != nil {
		return false, cerr.NewError(cerr.Unavailable, "failed to claim task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, cerr.NewError(cerr.Unavailable, "failed to claim task", err)
	}
	return n == 1, nil
}

func (r *MySQLRepository) FailIfActive(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, assigned_agent = '', completed_at = COALESCE(completed_at, ?), updated_at = ?,
			metadata = JSON_SET(COALESCE(NULLIF(metadata, ''), '{}'), '$.failure_reason', ?)
		WHERE id = ? AND status IN (?, ?, ?)`,
		task.StatusFailed, now, now, reason,
		id, task.StatusAssigned, task.StatusInProgress, task.StatusTesting)
	if err != nil {
		return false, cerr.NewError(cerr.Unavailable, "failed to fail task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, cerr.NewError(cerr.Unavailable, "failed to fail task", err)
	}
	return n == 1, nil
}

func (r *MySQLRepository) RecordProgress(ctx context.Context, id string, progress float64, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks
		SET metadata = JSON_SET(COALESCE(NULLIF(metadata, ''), '{}'), '$.progress', ?), updated_at = ?
		WHERE id = ? AND status = ?`,
		strconv.FormatFloat(progress, 'f', 2, 64), now,
		id, task.StatusInProgress)
	if err != nil {
		return false, cerr.NewError(cerr.Unavailable, "failed to record progress", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, cerr.NewError(cerr.Unavailable, "failed to record progress", err)
	}
	return n == 1, nil
}

func (r *MySQLRepository) FindAssigned(ctx context.Context, agent string) (*task.Task, error) {
	tasks, err := r.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND assigned_agent = ?
		ORDER BY created_at ASC LIMIT 1`,
		task.StatusAssigned, agent)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

func (r *MySQLRepository) FindStaleInProgress(ctx context.Context, cutoff time.Time) ([]*task.Task, error) {
	return r.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN (?, ?) AND started_at IS NOT NULL AND started_at < ?`,
		task.StatusInProgress, task.StatusTesting, cutoff)
}

func (r *MySQLRepository) ListCreatedSince(ctx context.Context, since time.Time) ([]*task.Task, error) {
	return r.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE created_at >= ? ORDER BY created_at ASC`,
		since)
}

func (r *MySQLRepository) ListRecent(ctx context.Context, limit int) ([]*task.Task, error) {
	return r.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		ORDER BY created_at DESC LIMIT ?`,
		limit)
}

func (r *MySQLRepository) FindByMeta(ctx context.Context, key, value string) (*task.Task, error) {
	tasks, err := r.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE JSON_UNQUOTE(JSON_EXTRACT(metadata, CONCAT('$.', ?))) = ?
		LIMIT 1`,
		key, value)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("no task with %s=%s", key, value), nil)
	}
	return tasks[0], nil
}

func (r *MySQLRepository) CountByStatus(ctx context.Context) (map[task.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, cerr.NewError(cerr.Unavailable, "failed to count tasks", err)
	}
	defer rows.Close()

	counts := map[task.Status]int{}
	for rows.Next() {
		var status task.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, cerr.NewError(cerr.Unavailable, "failed to count tasks", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, cerr.NewError(cerr.Unavailable, "failed to count tasks", err)
	}
	return counts, nil
}

func (r *MySQLRepository) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cerr.NewError(cerr.Unavailable, "failed to query tasks", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, cerr.NewError(cerr.Unavailable, "failed to scan task", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, cerr.NewError(cerr.Unavailable, "failed to query tasks", err)
	}
	return tasks, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*task.Task, error) {
	var (
		t         task.Task
		questions sql.NullString
		criteria  sql.NullString
		metadata  sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.ShortID, &t.Title, &t.Description, &t.Category, &t.Priority, &t.Status, &t.AssignedAgent,
		&t.EstimatedHours, &t.ActualHours, &t.Requester, &t.ApprovalRequired,
		&questions, &criteria, &metadata,
		&t.CreatedAt, &t.UpdatedAt, &t.AssignedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	if questions.Valid && questions.String != "" {
		if err := json.Unmarshal([]byte(questions.String), &t.ClarifyingQuestions); err != nil {
			return nil, fmt.Errorf("failed to decode clarifying_questions: %w", err)
		}
	}
	if criteria.Valid && criteria.String != "" {
		if err := json.Unmarshal([]byte(criteria.String), &t.SuccessCriteria); err != nil {
			return nil, fmt.Errorf("failed to decode success_criteria: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &t, nil
}

func encodeLists(t *task.Task) (questions, criteria, metadata string, err error) {
	enc := func(v any) (string, error) {
		if v == nil {
			return "", nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return "", cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to encode task field: %w", err))
		}
		return string(b), nil
	}
	if questions, err = enc(t.ClarifyingQuestions); err != nil {
		return
	}
	if criteria, err = enc(t.SuccessCriteria); err != nil {
		return
	}
	metadata, err = enc(t.Metadata)
	return
}
