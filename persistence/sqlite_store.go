package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lexcodex/goalloop/framework"
)

// SQLiteStore persists runs, stage outputs, the ledger and events in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens/creates the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite store path required")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// go-sqlite3 connections do not share an in-memory database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		goal TEXT NOT NULL,
		status TEXT NOT NULL,
		iterations INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS runs_session ON runs(session_id, started_at);
	CREATE TABLE IF NOT EXISTS stages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		stage TEXT NOT NULL,
		output TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);
	CREATE TABLE IF NOT EXISTS ledger (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		stage TEXT NOT NULL,
		task_id TEXT,
		attempt INTEGER,
		status TEXT NOT NULL,
		executor TEXT,
		fingerprint TEXT,
		error TEXT,
		duration_ms INTEGER,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StartRun inserts the run row in the running state.
func (s *SQLiteStore) StartRun(ctx context.Context, run framework.Run) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO runs (run_id, session_id, goal, status, iterations, started_at)
	VALUES (?, ?, ?, ?, 0, ?)
	ON CONFLICT(run_id) DO NOTHING`,
		run.ID, run.SessionID, Redact(run.Goal), RunStatusRunning, run.StartedAt.UTC())
	return err
}

// FinishRun stores the final status of a run, creating the row if StartRun
// was never called.
func (s *SQLiteStore) FinishRun(ctx context.Context, record framework.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO runs (run_id, session_id, goal, status, iterations, error, started_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id) DO UPDATE SET
		status=excluded.status,
		iterations=excluded.iterations,
		error=excluded.error,
		finished_at=excluded.finished_at`,
		record.RunID, record.SessionID, Redact(record.Goal), record.Status, record.Iterations,
		nullString(Redact(record.Error)), record.StartedAt.UTC(), record.FinishedAt.UTC())
	return err
}

// SaveStage stores one stage output as JSON.
func (s *SQLiteStore) SaveStage(ctx context.Context, runID string, iteration int, stage framework.StageName, output any) error {
	data, err := marshalOutput(output)
	if err != nil {
		return fmt.Errorf("encode %s output: %w", stage, err)
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO stages (run_id, iteration, stage, output, created_at) VALUES (?, ?, ?, ?, ?)`,
		runID, iteration, string(stage), string(data), time.Now().UTC())
	return err
}

// AppendLedger appends one stage or attempt record.
func (s *SQLiteStore) AppendLedger(ctx context.Context, entry framework.LedgerEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO ledger (
		run_id, iteration, stage, task_id, attempt, status, executor,
		fingerprint, error, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID, entry.Iteration, string(entry.Stage), nullString(entry.TaskID), entry.Attempt,
		string(entry.Status), nullString(entry.Executor), nullString(entry.Fingerprint),
		nullString(Redact(entry.Error)), entry.DurationMS, ts.UTC())
	return err
}

// AppendEvent stores a redacted free-text event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, runID string, text string) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO events (run_id, text, created_at) VALUES (?, ?, ?)`,
		runID, Redact(text), time.Now().UTC())
	return err
}

// ListRuns returns the newest runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]framework.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT run_id, session_id, goal, status, iterations, error, started_at, finished_at
	FROM runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

// RecentSessionRuns returns the newest finished runs of a session.
func (s *SQLiteStore) RecentSessionRuns(ctx context.Context, sessionID string, limit int) ([]framework.RunRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT run_id, session_id, goal, status, iterations, error, started_at, finished_at
	FROM runs WHERE session_id = ? AND status != ?
	ORDER BY started_at DESC, run_id DESC LIMIT ?`, sessionID, RunStatusRunning, limit)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

// GetRun loads a run with its stages, ledger and events.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunDetail, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT run_id, session_id, goal, status, iterations, error, started_at, finished_at
	FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return nil, false, err
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, false, err
	}
	if len(runs) == 0 {
		return nil, false, nil
	}
	detail := &RunDetail{Run: runs[0]}

	if detail.Stages, err = s.loadStages(ctx, runID); err != nil {
		return nil, false, err
	}
	if detail.Ledger, err = s.loadLedger(ctx, runID); err != nil {
		return nil, false, err
	}
	if detail.Events, err = s.loadEvents(ctx, runID); err != nil {
		return nil, false, err
	}
	return detail, true, nil
}

func (s *SQLiteStore) loadStages(ctx context.Context, runID string) ([]StageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT iteration, stage, output, created_at FROM stages WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StageRecord
	for rows.Next() {
		var (
			rec    StageRecord
			stage  string
			output sql.NullString
		)
		if err := rows.Scan(&rec.Iteration, &stage, &output, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Stage = framework.StageName(stage)
		if output.Valid {
			rec.Output = []byte(output.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadLedger(ctx context.Context, runID string) ([]framework.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT run_id, iteration, stage, task_id, attempt, status, executor, fingerprint, error, duration_ms, created_at
	FROM ledger WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []framework.LedgerEntry
	for rows.Next() {
		var (
			entry                                 framework.LedgerEntry
			stage, status                         string
			taskID, executor, fingerprint, errMsg sql.NullString
			attempt, duration                     sql.NullInt64
		)
		if err := rows.Scan(&entry.RunID, &entry.Iteration, &stage, &taskID, &attempt, &status,
			&executor, &fingerprint, &errMsg, &duration, &entry.Timestamp); err != nil {
			return nil, err
		}
		entry.Stage = framework.StageName(stage)
		entry.Status = framework.LedgerStatus(status)
		entry.TaskID = taskID.String
		entry.Attempt = int(attempt.Int64)
		entry.Executor = executor.String
		entry.Fingerprint = fingerprint.String
		entry.Error = errMsg.String
		entry.DurationMS = duration.Int64
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadEvents(ctx context.Context, runID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT text, created_at FROM events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EventRecord
	for rows.Next() {
		var ev EventRecord
		if err := rows.Scan(&ev.Text, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanRuns(rows *sql.Rows) ([]framework.RunRecord, error) {
	defer rows.Close()
	var out []framework.RunRecord
	for rows.Next() {
		var (
			rec      framework.RunRecord
			errMsg   sql.NullString
			finished sql.NullTime
		)
		if err := rows.Scan(&rec.RunID, &rec.SessionID, &rec.Goal, &rec.Status, &rec.Iterations,
			&errMsg, &rec.StartedAt, &finished); err != nil {
			return nil, err
		}
		rec.Error = errMsg.String
		if finished.Valid {
			rec.FinishedAt = finished.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
