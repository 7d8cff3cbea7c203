package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/skiff-dev/skiff/internal/deploy"
	"github.com/skiff-dev/skiff/pkg/api"
)

// Store is a SQLite-backed record of pipeline runs, so deploy history
// survives daemon restarts.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
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

// SaveRun upserts the run summary and its step records. Called after every
// run reaches a terminal state.
func (s *Store) SaveRun(ctx context.Context, run *deploy.Run) error {
	sum := run.Summary()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var finished *time.Time
	if sum.FinishedAt != nil {
		finished = sum.FinishedAt
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, target, commit_sha, status, failed_step, revision, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			failed_step = excluded.failed_step,
			revision = excluded.revision,
			finished_at = excluded.finished_at`,
		sum.ID, sum.Target, sum.Commit, string(sum.Status), sum.FailedStep, sum.Revision, sum.StartedAt, finished)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}

	for _, rec := range run.Steps() {
		exit := 0
		var out strings.Builder
		for _, res := range rec.Results {
			exit = res.ExitCode
			out.WriteString(res.Stdout)
			out.WriteString(res.Stderr)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_steps (run_id, idx, name, exit_code, output, error, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, idx) DO UPDATE SET
				exit_code = excluded.exit_code,
				output = excluded.output,
				error = excluded.error,
				duration_ms = excluded.duration_ms`,
			sum.ID, rec.Index, rec.Name, exit, out.String(), rec.Err, rec.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("save step %d: %w", rec.Index, err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]api.RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target, commit_sha, status, failed_step, revision, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []api.RunSummary
	for rows.Next() {
		var (
			sum      api.RunSummary
			status   string
			commit   sql.NullString
			revision sql.NullString
			finished sql.NullTime
		)
		if err := rows.Scan(&sum.ID, &sum.Target, &commit, &status, &sum.FailedStep, &revision, &sum.StartedAt, &finished); err != nil {
			return nil, err
		}
		sum.Status = api.RunStatus(status)
		sum.Commit = commit.String
		sum.Revision = revision.String
		if finished.Valid {
			t := finished.Time
			sum.FinishedAt = &t
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// GetRun returns a run summary and its step reports.
func (s *Store) GetRun(ctx context.Context, id string) (api.RunSummary, []api.StepReport, error) {
	var (
		sum      api.RunSummary
		status   string
		commit   sql.NullString
		revision sql.NullString
		finished sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, target, commit_sha, status, failed_step, revision, started_at, finished_at
		FROM runs WHERE id = ?`, id).
		Scan(&sum.ID, &sum.Target, &commit, &status, &sum.FailedStep, &revision, &sum.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return sum, nil, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return sum, nil, err
	}
	sum.Status = api.RunStatus(status)
	sum.Commit = commit.String
	sum.Revision = revision.String
	if finished.Valid {
		t := finished.Time
		sum.FinishedAt = &t
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, name, exit_code, output, error, duration_ms
		FROM run_steps WHERE run_id = ? ORDER BY idx`, id)
	if err != nil {
		return sum, nil, err
	}
	defer rows.Close()

	var steps []api.StepReport
	for rows.Next() {
		var (
			rep     api.StepReport
			out     sql.NullString
			stepErr sql.NullString
		)
		if err := rows.Scan(&rep.Index, &rep.Name, &rep.ExitCode, &out, &stepErr, &rep.Duration); err != nil {
			return sum, nil, err
		}
		rep.Output = out.String
		rep.Error = stepErr.String
		steps = append(steps, rep)
	}
	return sum, steps, rows.Err()
}
