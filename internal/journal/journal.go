// Package journal persists run history and per-task outcomes, giving the
// presentation layer a durable replay of what each run did.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"chatsweep/internal/model"
	"chatsweep/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// Run is one recorded run with its final counters.
type Run struct {
	ID             int64
	StartedAt      time.Time
	FinishedAt     *time.Time
	Status         model.RunStatus
	TargetCount    int
	Matched        int
	Deleted        int
	Skipped        int
	Failed         int
	Throttled      int
	ThrottledTotal time.Duration
}

// SQLite implements the run journal backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// StartRun inserts a run row and returns its identifier.
func (s *SQLite) StartRun(ctx context.Context, cfg *model.RunConfig) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (started_at, status, target_count) VALUES (?, ?, ?)`,
		time.Now().UTC().Format(timeLayout), string(model.StatusRunning), len(cfg.Targets),
	)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// RecordTask appends one terminal task outcome to the run's log.
func (s *SQLite) RecordTask(ctx context.Context, runID int64, entry model.TaskLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_log (run_id, message_id, target_id, state, reason, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, entry.MessageID, entry.TargetID, string(entry.State),
		entry.Reason, entry.Attempts, entry.Time.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert task log: %w", err)
	}
	return nil
}

// FinishRun stamps the run's terminal status and final counters.
func (s *SQLite) FinishRun(ctx context.Context, runID int64, status model.RunStatus, snap model.ProgressSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs
		 SET finished_at = ?, status = ?, matched = ?, deleted = ?, skipped = ?,
		     failed = ?, throttled = ?, throttled_ms = ?
		 WHERE id = ?`,
		time.Now().UTC().Format(timeLayout), string(status),
		snap.Matched, snap.Deleted, snap.Skipped, snap.Failed,
		snap.Throttled, snap.ThrottledTotal.Milliseconds(), runID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// GetRun returns a single recorded run.
func (s *SQLite) GetRun(ctx context.Context, id int64) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, status, target_count,
		        matched, deleted, skipped, failed, throttled, throttled_ms
		 FROM runs WHERE id = ?`, id,
	)
	return scanRun(row)
}

// ListRuns returns all recorded runs, most recent first.
func (s *SQLite) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, status, target_count,
		        matched, deleted, skipped, failed, throttled, throttled_ms
		 FROM runs ORDER BY id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// TasksForRun replays the task log of one run in recorded order.
func (s *SQLite) TasksForRun(ctx context.Context, runID int64) ([]model.TaskLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, target_id, state, reason, attempts, created_at
		 FROM task_log WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query task log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.TaskLog
	for rows.Next() {
		var e model.TaskLog
		var state, created string
		if err := rows.Scan(&e.MessageID, &e.TargetID, &state, &e.Reason, &e.Attempts, &created); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		e.State = model.TaskState(state)
		e.Time, _ = time.Parse(timeLayout, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var started string
	var finished sql.NullString
	var status string
	var throttledMS int64
	err := row.Scan(&r.ID, &started, &finished, &status, &r.TargetCount,
		&r.Matched, &r.Deleted, &r.Skipped, &r.Failed, &r.Throttled, &throttledMS)
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.StartedAt, _ = time.Parse(timeLayout, started)
	if finished.Valid {
		t, err := time.Parse(timeLayout, finished.String)
		if err == nil {
			r.FinishedAt = &t
		}
	}
	r.Status = model.RunStatus(status)
	r.ThrottledTotal = time.Duration(throttledMS) * time.Millisecond
	return &r, nil
}
