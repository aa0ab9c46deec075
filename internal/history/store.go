// Package history persists the outcome and steps of every run in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/HyphaGroup/vigil/internal/event"
	"github.com/HyphaGroup/vigil/internal/execution"
)

var ErrRunNotFound = errors.New("run not found in history")

// Run is a persisted execution
type Run struct {
	ID             string     `json:"id"`
	Driver         string     `json:"driver,omitempty"`
	Status         string     `json:"status"`
	Reason         string     `json:"reason,omitempty"`
	Error          string     `json:"error,omitempty"`
	StepBudget     int        `json:"step_budget"`
	StepsCompleted int        `json:"steps_completed"`
	Result         string     `json:"result,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Step is a persisted step record
type Step struct {
	StepNumber   int       `json:"step_number"`
	ActionType   string    `json:"action_type,omitempty"`
	Description  string    `json:"description,omitempty"`
	Status       string    `json:"status"`
	DurationMS   int64     `json:"duration_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// ListFilter narrows List results
type ListFilter struct {
	Status string
	Limit  int
}

// Store records run history in a SQLite database. It implements
// execution.Recorder.
type Store struct {
	db *sql.DB
}

var _ execution.Recorder = (*Store)(nil)

// NewStore opens (creating if needed) the database at path
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_busy_timeout=5000&_journal_mode=WAL&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		driver TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		step_budget INTEGER NOT NULL,
		steps_completed INTEGER NOT NULL DEFAULT 0,
		result TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	CREATE INDEX IF NOT EXISTS idx_executions_finished ON executions(finished_at);

	CREATE TABLE IF NOT EXISTS execution_steps (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		step_number INTEGER NOT NULL,
		action_type TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		recorded_at DATETIME NOT NULL,
		FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_steps_execution ON execution_steps(execution_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordStart inserts a running row for exec
func (s *Store) RecordStart(ctx context.Context, exec execution.Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO executions (id, driver, status, step_budget, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		exec.ID, exec.Driver, string(execution.StatusRunning), exec.StepBudget, exec.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution %s: %w", exec.ID, err)
	}
	return nil
}

// RecordStep appends a finished step
func (s *Store) RecordStep(ctx context.Context, executionID string, step event.StepUpdate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_steps (id, execution_id, step_number, action_type, description,
		                             status, duration_ms, error_message, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"step_"+uuid.New().String()[:8], executionID, step.StepNumber, step.ActionType, step.Description,
		string(step.Status), step.DurationMS, step.ErrorMessage, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert step %d of %s: %w", step.StepNumber, executionID, err)
	}
	return nil
}

// RecordOutcome stores the terminal state. A run whose start was never
// recorded is inserted whole.
func (s *Store) RecordOutcome(ctx context.Context, out *execution.Outcome) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, reason = ?, error = ?, steps_completed = ?, result = ?, finished_at = ?
		WHERE id = ?`,
		string(out.Status), string(out.Reason), out.Error, out.StepsCompleted, out.Result, out.FinishedAt.UTC(),
		out.ExecutionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution %s: %w", out.ExecutionID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, status, reason, error, step_budget, steps_completed, result, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ExecutionID, string(out.Status), string(out.Reason), out.Error, out.StepBudget,
		out.StepsCompleted, out.Result, out.StartedAt.UTC(), out.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution %s: %w", out.ExecutionID, err)
	}
	return nil
}

const runColumns = `id, driver, status, reason, error, step_budget, steps_completed, result, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var finishedAt sql.NullTime
	if err := row.Scan(
		&run.ID, &run.Driver, &run.Status, &run.Reason, &run.Error,
		&run.StepBudget, &run.StepsCompleted, &run.Result, &run.StartedAt, &finishedAt,
	); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return &run, nil
}

// Get returns the run with id
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query execution: %w", err)
	}
	return run, nil
}

// List returns runs, newest first
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM executions`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// Steps returns the recorded steps of a run in order
func (s *Store) Steps(ctx context.Context, executionID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_number, action_type, description, status, duration_ms, error_message, recorded_at
		FROM execution_steps WHERE execution_id = ?
		ORDER BY step_number, recorded_at`, executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []Step
	for rows.Next() {
		var st Step
		if err := rows.Scan(&st.StepNumber, &st.ActionType, &st.Description, &st.Status,
			&st.DurationMS, &st.ErrorMessage, &st.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// DeleteFinishedBefore removes runs that finished before cutoff along with
// their steps. Running rows are never removed.
func (s *Store) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff = cutoff.UTC()
	_, err = tx.ExecContext(ctx, `
		DELETE FROM execution_steps WHERE execution_id IN (
			SELECT id FROM executions WHERE finished_at IS NOT NULL AND finished_at < ?
		)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete steps: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}
