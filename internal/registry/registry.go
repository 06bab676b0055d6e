// Package registry persists batch task state in SQLite. Besides plain CRUD
// it carries the two in-memory guards that keep the completion pipeline
// at-most-once: the processing set (one completion notification per task at
// a time) and the stopping set (progress events voided once a stop is
// requested).
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hazyhaar/askbatch/internal/driver"
	"github.com/hazyhaar/askbatch/dbopen"
)

// ErrNotFound is returned when a task ID has no stored state.
var ErrNotFound = errors.New("registry: task not found")

// ErrAlreadyProcessing is returned by BeginProcessing while a prior
// completion for the same task is still in flight.
var ErrAlreadyProcessing = errors.New("registry: task already processing")

// Status is the lifecycle state of a batch task.
type Status string

const (
	StatusWaiting           Status = "waiting"
	StatusRunning           Status = "running"
	StatusStopping          Status = "stopping"
	StatusStopped           Status = "stopped"
	StatusStoppedWithExport Status = "stopped_with_export"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusStoppedWithExport, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Active reports whether the task counts toward the active listing.
func (s Status) Active() bool {
	return s == StatusWaiting || s == StatusRunning
}

// Task is one batch task record.
type Task struct {
	TaskID    string
	SessionID string
	Status    Status
	Label     string
	Total     int
	Current   int
	Rows      []driver.Row
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    task_id    TEXT PRIMARY KEY,
    session_id TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL,
    label      TEXT NOT NULL DEFAULT '',
    total      INTEGER NOT NULL DEFAULT 0,
    current    INTEGER NOT NULL DEFAULT 0,
    rows_json  TEXT NOT NULL DEFAULT '[]',
    error      TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);
CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at);
`

// Store wraps the task database plus the in-memory dedup guards.
type Store struct {
	db *sql.DB

	mu         sync.Mutex
	processing map[string]struct{}
	stopping   map[string]struct{}
}

// Open opens (or creates) the registry database at path.
func Open(path string) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(schema))
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	return New(db), nil
}

// New wraps an already-opened database. The schema must be applied by the
// caller (dbopen.WithSchema(Schema)).
func New(db *sql.DB) *Store {
	return &Store{
		db:         db,
		processing: make(map[string]struct{}),
		stopping:   make(map[string]struct{}),
	}
}

// Schema is the registry DDL, exported for callers that open the database
// themselves (tests use dbopen.OpenMemory with it).
const Schema = schema

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SaveState upserts a task record, stamping updated_at. CreatedAt is kept
// from the first insert.
func (s *Store) SaveState(ctx context.Context, t *Task) error {
	rows, err := json.Marshal(t.Rows)
	if err != nil {
		return fmt.Errorf("registry: marshal rows: %w", err)
	}
	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, session_id, status, label, total, current, rows_json, error, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(task_id) DO UPDATE SET
			session_id = excluded.session_id,
			status     = excluded.status,
			label      = excluded.label,
			total      = excluded.total,
			current    = excluded.current,
			rows_json  = excluded.rows_json,
			error      = excluded.error,
			updated_at = excluded.updated_at`,
		t.TaskID, t.SessionID, string(t.Status), t.Label, t.Total, t.Current,
		string(rows), t.Error, now, now)
	if err != nil {
		return fmt.Errorf("registry: save state: %w", err)
	}
	return nil
}

// UpdateProgress bumps the current counter without touching rows.
func (s *Store) UpdateProgress(ctx context.Context, taskID string, current int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET current = ?, updated_at = ? WHERE task_id = ?`,
		current, time.Now().Unix(), taskID)
	if err != nil {
		return fmt.Errorf("registry: update progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Finish records a terminal outcome and its rows in one transaction.
func (s *Store) Finish(ctx context.Context, taskID string, status Status, errMsg string, rows []driver.Row) error {
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("registry: marshal rows: %w", err)
	}
	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error = ?, rows_json = ?, updated_at = ?
			WHERE task_id = ?`,
			string(status), errMsg, string(payload), time.Now().Unix(), taskID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("registry: finish: %w", err)
	}
	return nil
}

// GetState loads one task.
func (s *Store) GetState(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, session_id, status, label, total, current, rows_json, error, created_at, updated_at
		FROM tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get state: %w", err)
	}
	return t, nil
}

// ListActive returns tasks in waiting or running state, oldest first.
func (s *Store) ListActive(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, session_id, status, label, total, current, rows_json, error, created_at, updated_at
		FROM tasks WHERE status IN (?, ?) ORDER BY created_at`,
		string(StatusWaiting), string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("registry: list active: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: list active: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Clear removes one task and its dedup-guard entries.
func (s *Store) Clear(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("registry: clear: %w", err)
	}
	s.mu.Lock()
	delete(s.processing, taskID)
	delete(s.stopping, taskID)
	s.mu.Unlock()
	return nil
}

// ClearAll wipes every task record and both guard sets.
func (s *Store) ClearAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return fmt.Errorf("registry: clear all: %w", err)
	}
	s.mu.Lock()
	s.processing = make(map[string]struct{})
	s.stopping = make(map[string]struct{})
	s.mu.Unlock()
	return nil
}

// ClearSession removes the tasks bound to a closed page session.
func (s *Store) ClearSession(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("registry: clear session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Sweep deletes records not updated within maxAge. Run hourly.
func (s *Store) Sweep(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("registry: sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// BeginProcessing claims the completion pipeline for a task. The claim must
// be released with EndProcessing.
func (s *Store) BeginProcessing(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.processing[taskID]; busy {
		return fmt.Errorf("%w: %s", ErrAlreadyProcessing, taskID)
	}
	s.processing[taskID] = struct{}{}
	return nil
}

// EndProcessing releases a BeginProcessing claim.
func (s *Store) EndProcessing(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processing, taskID)
}

// MarkStopping voids subsequent progress and completion events for taskID
// until ClearStopping.
func (s *Store) MarkStopping(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopping[taskID] = struct{}{}
}

// IsStopping reports whether a stop was requested for taskID.
func (s *Store) IsStopping(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.stopping[taskID]
	return ok
}

// ClearStopping lifts the stop mark.
func (s *Store) ClearStopping(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stopping, taskID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*Task, error) {
	var (
		t        Task
		status   string
		rowsJSON string
		created  int64
		updated  int64
	)
	if err := r.Scan(&t.TaskID, &t.SessionID, &status, &t.Label, &t.Total,
		&t.Current, &rowsJSON, &t.Error, &created, &updated); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if err := json.Unmarshal([]byte(rowsJSON), &t.Rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	t.CreatedAt = time.Unix(created, 0)
	t.UpdatedAt = time.Unix(updated, 0)
	return &t, nil
}
