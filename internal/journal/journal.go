// Package journal keeps a local history of convergence and deployment
// runs in SQLite. The journal is advisory: it never blocks or fails a
// run, callers log journal errors as warnings and move on.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Kind distinguishes the two run types in history.
type Kind string

const (
	KindConverge Kind = "converge"
	KindDeploy   Kind = "deploy"
)

// Run is one recorded invocation.
type Run struct {
	ID       int64
	Kind     Kind
	Host     string
	Outcome  string // "ok", "failed", "reboot-required"
	Started  time.Time
	Duration time.Duration
	Steps    []StepRecord
}

// StepRecord is one step within a run.
type StepRecord struct {
	Name     string
	Status   string
	Detail   string
	Duration time.Duration
}

// Journal persists run history.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite",
		fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		host TEXT NOT NULL,
		outcome TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS run_steps (
		run_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, position),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`

	_, err := j.db.Exec(schema)
	return err
}

// Record stores a completed run with its steps.
func (j *Journal) Record(ctx context.Context, run Run) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (kind, host, outcome, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?)
	`, string(run.Kind), run.Host, run.Outcome, run.Started.UTC().Format(time.RFC3339), run.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("run id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_steps (run_id, position, name, status, detail, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare step insert: %w", err)
	}
	defer stmt.Close()

	for i, step := range run.Steps {
		if _, err := stmt.ExecContext(ctx, runID, i, step.Name, step.Status, step.Detail, step.Duration.Milliseconds()); err != nil {
			return fmt.Errorf("insert step %s: %w", step.Name, err)
		}
	}

	return tx.Commit()
}

// Recent returns the latest runs, newest first, with steps attached.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, kind, host, outcome, started_at, duration_ms
		FROM runs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run        Run
			kind       string
			started    string
			durationMS int64
		)
		if err := rows.Scan(&run.ID, &kind, &run.Host, &run.Outcome, &started, &durationMS); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Kind = Kind(kind)
		run.Duration = time.Duration(durationMS) * time.Millisecond
		if t, err := time.Parse(time.RFC3339, started); err == nil {
			run.Started = t
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	for i := range runs {
		steps, err := j.steps(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Steps = steps
	}
	return runs, nil
}

func (j *Journal) steps(ctx context.Context, runID int64) ([]StepRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT name, status, detail, duration_ms
		FROM run_steps WHERE run_id = ? ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var (
			step       StepRecord
			durationMS int64
		)
		if err := rows.Scan(&step.Name, &step.Status, &step.Detail, &durationMS); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step.Duration = time.Duration(durationMS) * time.Millisecond
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
