package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/valrun/pkg/api"
)

// Store is a SQLite-backed history of validation runs.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps writes serialized.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// RecordRun stores a finished run and its per-task results in one transaction.
func (s *Store) RecordRun(ctx context.Context, sum api.RunSummary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, mode, tag, dry_run, status, started_at, ended_at, total, finished, failed, skipped)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.RunID, sum.Mode, sum.Tag, sum.DryRun, string(sum.Status),
		formatTime(sum.Started), formatTime(sum.Ended),
		sum.Total, sum.Finished, sum.Failed, sum.Skipped)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO task_results (run_id, name, package, status, return_code, runtime, wall_seconds, backend, job_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for _, t := range sum.Tasks {
		if _, err := stmt.ExecContext(ctx, sum.RunID, t.Name, t.Package, t.Status, t.ReturnCode,
			t.Runtime, t.WallSeconds, t.Backend, t.JobID); err != nil {
			return fmt.Errorf("insert result %s: %w", t.Name, err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs first, without task results.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]api.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mode, tag, dry_run, status, started_at, ended_at, total, finished, failed, skipped
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []api.RunSummary
	for rows.Next() {
		var (
			r              api.RunSummary
			status         string
			started, ended string
		)
		if err := rows.Scan(&r.RunID, &r.Mode, &r.Tag, &r.DryRun, &status, &started, &ended,
			&r.Total, &r.Finished, &r.Failed, &r.Skipped); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = api.RunStatus(status)
		r.Started = parseTime(started)
		r.Ended = parseTime(ended)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunResults returns the task results of one run ordered by name.
func (s *Store) RunResults(ctx context.Context, runID string) ([]api.TaskReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, package, status, return_code, runtime, wall_seconds, backend, job_id
		 FROM task_results WHERE run_id = ? ORDER BY name`, runID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []api.TaskReport
	for rows.Next() {
		var t api.TaskReport
		if err := rows.Scan(&t.Name, &t.Package, &t.Status, &t.ReturnCode, &t.Runtime,
			&t.WallSeconds, &t.Backend, &t.JobID); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// timeLayout has fixed width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
