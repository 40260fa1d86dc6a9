package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ship-commander/fleet/internal/results"
	"github.com/ship-commander/fleet/internal/task"
	"github.com/ship-commander/fleet/internal/workspace"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested batch does not exist.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed batch history and dead-workspace flags.
type Store struct {
	db *sql.DB
}

// BatchSummary is one row of batch history.
type BatchSummary struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"startedAt"`
	WallClock time.Duration `json:"wallClockNs"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	TimedOut  int           `json:"timedOut"`
	Cancelled int           `json:"cancelled"`
}

// DeadWorkspace is a workspace kept after its agent died, awaiting sweep.
type DeadWorkspace struct {
	Workspace workspace.Workspace
	Reason    string
	DeadAt    time.Time
}

// New opens (creating if needed) the database at path and applies the schema.
func New(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveReport persists a batch report, replacing any earlier copy with the same batch ID.
func (s *Store) SaveReport(ctx context.Context, report results.BatchReport) error {
	if strings.TrimSpace(report.BatchID) == "" {
		return errors.New("batch id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save report: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, report.BatchID); err != nil {
		return fmt.Errorf("replace batch %s: %w", report.BatchID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO batches (id, started_at, wall_clock_ms, total, succeeded, failed, timed_out, cancelled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.BatchID,
		report.StartedAt.UnixMilli(),
		report.WallClock.Milliseconds(),
		report.Total,
		report.Succeeded,
		report.Failed,
		report.TimedOut,
		report.Cancelled,
	); err != nil {
		return fmt.Errorf("insert batch %s: %w", report.BatchID, err)
	}

	for i, entry := range report.PerTask {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_results (batch_id, position, task_id, agent_id, status, error_kind, output, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			report.BatchID,
			i,
			entry.TaskID,
			entry.AgentID,
			string(entry.Status),
			string(entry.ErrorKind),
			entry.Output,
			entry.DurationMs,
		); err != nil {
			return fmt.Errorf("insert result %s/%s: %w", report.BatchID, entry.TaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch %s: %w", report.BatchID, err)
	}
	return nil
}

// GetReport loads a stored batch report.
func (s *Store) GetReport(ctx context.Context, batchID string) (results.BatchReport, error) {
	summary, err := scanSummary(s.db.QueryRowContext(ctx, `
		SELECT id, started_at, wall_clock_ms, total, succeeded, failed, timed_out, cancelled
		FROM batches WHERE id = ?
	`, batchID))
	if errors.Is(err, sql.ErrNoRows) {
		return results.BatchReport{}, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	if err != nil {
		return results.BatchReport{}, fmt.Errorf("get batch %s: %w", batchID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, agent_id, status, error_kind, output, duration_ms
		FROM task_results WHERE batch_id = ? ORDER BY position
	`, batchID)
	if err != nil {
		return results.BatchReport{}, fmt.Errorf("list results for batch %s: %w", batchID, err)
	}
	defer rows.Close()

	report := results.BatchReport{
		BatchID:   summary.ID,
		StartedAt: summary.StartedAt,
		WallClock: summary.WallClock,
		Total:     summary.Total,
		Succeeded: summary.Succeeded,
		Failed:    summary.Failed,
		TimedOut:  summary.TimedOut,
		Cancelled: summary.Cancelled,
		PerTask:   []results.TaskReport{},
	}
	for rows.Next() {
		var (
			entry     results.TaskReport
			agentID   sql.NullString
			errorKind sql.NullString
			output    sql.NullString
			status    string
		)
		if err := rows.Scan(&entry.TaskID, &agentID, &status, &errorKind, &output, &entry.DurationMs); err != nil {
			return results.BatchReport{}, fmt.Errorf("scan result: %w", err)
		}
		entry.AgentID = agentID.String
		entry.Status = task.Status(status)
		entry.ErrorKind = task.ErrorKind(errorKind.String)
		entry.Output = output.String
		report.PerTask = append(report.PerTask, entry)
	}
	return report, rows.Err()
}

// ListReports returns the most recent batches first. A non-positive limit returns all.
func (s *Store) ListReports(ctx context.Context, limit int) ([]BatchSummary, error) {
	query := `SELECT id, started_at, wall_clock_ms, total, succeeded, failed, timed_out, cancelled
		FROM batches ORDER BY started_at DESC, id`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var summaries []BatchSummary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// FlagDead records a workspace left behind by a dead agent. Re-flagging refreshes dead_at.
func (s *Store) FlagDead(ctx context.Context, ws workspace.Workspace, reason string, deadAt time.Time) error {
	if strings.TrimSpace(ws.Name) == "" {
		return errors.New("workspace name is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_workspaces (name, path, branch, base_ref, reason, dead_at, swept_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(name) DO UPDATE SET
			path = excluded.path,
			branch = excluded.branch,
			base_ref = excluded.base_ref,
			reason = excluded.reason,
			dead_at = excluded.dead_at,
			swept_at = NULL
	`, ws.Name, ws.Path, ws.BranchName, ws.BaseRef, reason, deadAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("flag dead workspace %s: %w", ws.Name, err)
	}
	return nil
}

// IsFlagged reports whether name has a dead workspace that has not been swept yet.
func (s *Store) IsFlagged(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM dead_workspaces WHERE name = ? AND swept_at IS NULL`, name,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check dead workspace %s: %w", name, err)
	}
	return true, nil
}

// DeadWorkspaces returns unswept workspaces flagged at or before cutoff, oldest first.
func (s *Store) DeadWorkspaces(ctx context.Context, cutoff time.Time) ([]DeadWorkspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, path, branch, base_ref, reason, dead_at
		FROM dead_workspaces
		WHERE swept_at IS NULL AND dead_at <= ?
		ORDER BY dead_at, name
	`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list dead workspaces: %w", err)
	}
	defer rows.Close()

	var dead []DeadWorkspace
	for rows.Next() {
		var (
			entry   DeadWorkspace
			branch  sql.NullString
			baseRef sql.NullString
			reason  sql.NullString
			deadAt  int64
		)
		if err := rows.Scan(&entry.Workspace.Name, &entry.Workspace.Path, &branch, &baseRef, &reason, &deadAt); err != nil {
			return nil, fmt.Errorf("scan dead workspace: %w", err)
		}
		entry.Workspace.BranchName = branch.String
		entry.Workspace.BaseRef = baseRef.String
		entry.Reason = reason.String
		entry.DeadAt = time.UnixMilli(deadAt).UTC()
		dead = append(dead, entry)
	}
	return dead, rows.Err()
}

// MarkSwept records that a dead workspace has been destroyed.
func (s *Store) MarkSwept(ctx context.Context, name string, sweptAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE dead_workspaces SET swept_at = ? WHERE name = ?`, sweptAt.UnixMilli(), name)
	if err != nil {
		return fmt.Errorf("mark workspace %s swept: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("workspace %s: %w", name, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSummary(row scanner) (BatchSummary, error) {
	var (
		summary   BatchSummary
		startedAt int64
		wallClock int64
	)
	if err := row.Scan(
		&summary.ID,
		&startedAt,
		&wallClock,
		&summary.Total,
		&summary.Succeeded,
		&summary.Failed,
		&summary.TimedOut,
		&summary.Cancelled,
	); err != nil {
		return BatchSummary{}, err
	}
	summary.StartedAt = time.UnixMilli(startedAt).UTC()
	summary.WallClock = time.Duration(wallClock) * time.Millisecond
	return summary, nil
}
