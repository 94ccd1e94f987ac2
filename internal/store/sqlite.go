package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dispatchd/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    cohort_id   TEXT NOT NULL DEFAULT '',
    kind        TEXT NOT NULL,
    payload     BLOB,
    status      TEXT NOT NULL,
    output      BLOB,
    exit_code   INTEGER,
    error       TEXT,
    timeout_s   INTEGER,
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createCohortsTable = `
CREATE TABLE IF NOT EXISTS cohorts (
    id         TEXT PRIMARY KEY,
    size       INTEGER NOT NULL,
    created_at DATETIME NOT NULL
)`

const createTaskLogsTable = `
CREATE TABLE IF NOT EXISTS task_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id    TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createTasksCohortIndex = `
CREATE INDEX IF NOT EXISTS idx_tasks_cohort ON tasks(cohort_id)`

const createTaskLogsIndex = `
CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id, seq)`

const insertTaskSQL = `
INSERT INTO tasks (
    id, cohort_id, kind, payload, status, output, exit_code,
    error, timeout_s, duration_ms, created_at, started_at, finished_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectTaskColumns = `
SELECT id, cohort_id, kind, payload, status, output, exit_code,
    error, timeout_s, duration_ms, created_at, started_at, finished_at
FROM tasks`

// ErrNotFound is returned when a task or cohort is not found.
var ErrNotFound = errors.New("record not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{
		createTasksTable,
		createCohortsTable,
		createTaskLogsTable,
		createTasksCohortIndex,
		createTaskLogsIndex,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	_, err := s.db.ExecContext(ctx, insertTaskSQL,
		t.ID, t.CohortID, t.Kind, []byte(t.Payload), t.Status, t.Output, t.ExitCode,
		t.Error, t.TimeoutS, t.DurationMS, t.CreatedAt, t.StartedAt, t.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// CreateCohort inserts a cohort and all of its member tasks in one transaction,
// so a cohort is never visible with only part of its members persisted.
func (s *SQLiteStore) CreateCohort(ctx context.Context, c *model.Cohort, tasks []*model.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO cohorts (id, size, created_at) VALUES (?, ?, ?)",
		c.ID, c.Size, c.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert cohort: %w", err)
	}

	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx, insertTaskSQL,
			t.ID, t.CohortID, t.Kind, []byte(t.Payload), t.Status, t.Output, t.ExitCode,
			t.Error, t.TimeoutS, t.DurationMS, t.CreatedAt, t.StartedAt, t.FinishedAt,
		); err != nil {
			return fmt.Errorf("insert cohort task: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cohort: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t := &model.Task{}
	err := s.db.QueryRowContext(ctx, selectTaskColumns+" WHERE id = ?", id).Scan(
		&t.ID, &t.CohortID, &t.Kind, &t.Payload, &t.Status, &t.Output, &t.ExitCode,
		&t.Error, &t.TimeoutS, &t.DurationMS, &t.CreatedAt, &t.StartedAt, &t.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a paginated list of tasks ordered by created_at DESC,
// along with the total count. A non-empty cohortID restricts both the page
// and the count to that cohort's members.
func (s *SQLiteStore) ListTasks(ctx context.Context, cohortID string, limit, offset int) ([]*model.Task, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	countQuery := "SELECT COUNT(*) FROM tasks"
	pageQuery := selectTaskColumns + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	countArgs := []any{}
	pageArgs := []any{limit, offset}
	if cohortID != "" {
		countQuery = "SELECT COUNT(*) FROM tasks WHERE cohort_id = ?"
		pageQuery = selectTaskColumns + " WHERE cohort_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
		countArgs = []any{cohortID}
		pageArgs = []any{cohortID, limit, offset}
	}

	var total int
	if err := tx.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx, pageQuery, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t := &model.Task{}
		if err := rows.Scan(
			&t.ID, &t.CohortID, &t.Kind, &t.Payload, &t.Status, &t.Output, &t.ExitCode,
			&t.Error, &t.TimeoutS, &t.DurationMS, &t.CreatedAt, &t.StartedAt, &t.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// UpdateTaskStatus moves a task to a new status after checking that the
// transition is allowed from its current one. Moving to running sets
// started_at; moving to a terminal status sets finished_at.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read current status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE tasks SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.TerminalStatus(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE tasks SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE tasks SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

// UpdateTask persists the full outcome of a task. Like UpdateTaskStatus it
// refuses status changes that are not valid transitions from the stored one.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *model.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", t.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read current status: %w", err)
	}

	if current != t.Status && !model.ValidTransition(current, t.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, t.Status)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, output = ?, exit_code = ?, error = ?,
			duration_ms = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		t.Status, t.Output, t.ExitCode, t.Error,
		t.DurationMS, t.StartedAt, t.FinishedAt, t.ID,
	); err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task update: %w", err)
	}
	return nil
}

// GetCohort retrieves a cohort by ID.
func (s *SQLiteStore) GetCohort(ctx context.Context, id string) (*model.Cohort, error) {
	c := &model.Cohort{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, size, created_at FROM cohorts WHERE id = ?", id,
	).Scan(&c.ID, &c.Size, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cohort: %w", err)
	}
	return c, nil
}

// ListCohorts returns a paginated list of cohorts ordered by created_at DESC,
// along with the total count.
func (s *SQLiteStore) ListCohorts(ctx context.Context, limit, offset int) ([]*model.Cohort, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM cohorts").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count cohorts: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT id, size, created_at FROM cohorts ORDER BY created_at DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list cohorts: %w", err)
	}
	defer rows.Close()

	var cohorts []*model.Cohort
	for rows.Next() {
		c := &model.Cohort{}
		if err := rows.Scan(&c.ID, &c.Size, &c.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan cohort: %w", err)
		}
		cohorts = append(cohorts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate cohorts: %w", err)
	}

	return cohorts, total, nil
}

// GetCohortProgress aggregates the status counts for a cohort's tasks.
func (s *SQLiteStore) GetCohortProgress(ctx context.Context, id string) (*CohortProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM tasks WHERE cohort_id = ? GROUP BY status", id)
	if err != nil {
		return nil, fmt.Errorf("aggregate cohort progress: %w", err)
	}
	defer rows.Close()

	p := &CohortProgress{ByStatus: make(map[string]int)}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan progress row: %w", err)
		}
		p.ByStatus[status] = n
		p.Total += n
		if model.TerminalStatus(status) {
			p.Done += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress rows: %w", err)
	}

	return p, nil
}

// GetStats computes aggregate statistics across all tasks.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		CountByStatus: make(map[string]int),
		CountByKind:   make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	kindRows, err := s.db.QueryContext(ctx, "SELECT kind, COUNT(*) FROM tasks GROUP BY kind")
	if err != nil {
		return nil, fmt.Errorf("count by kind: %w", err)
	}
	defer kindRows.Close()
	for kindRows.Next() {
		var kind string
		var n int
		if err := kindRows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan kind count: %w", err)
		}
		stats.CountByKind[kind] = n
	}
	if err := kindRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kind counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM tasks WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// InsertLogLine appends one output line for a task.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, taskID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO task_logs (task_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		taskID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns all stored output lines for a task ordered by sequence.
func (s *SQLiteStore) GetLogLines(ctx context.Context, taskID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, task_id, seq, line, created_at FROM task_logs WHERE task_id = ? ORDER BY seq ASC",
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	lines := []model.LogLine{}
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}

	return lines, nil
}

// FailUnfinished marks every pending or running task as failed with the given
// reason and returns how many rows were touched. It runs once at boot so a
// crash never leaves tasks stuck in a non-terminal status.
func (s *SQLiteStore) FailUnfinished(ctx context.Context, reason string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET status = ?, error = ?, finished_at = ? WHERE status IN (?, ?)",
		model.StatusFailed, reason, time.Now().UTC(),
		model.StatusPending, model.StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("fail unfinished tasks: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}
