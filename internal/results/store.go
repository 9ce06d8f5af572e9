// Package results persists scenario outcomes: one row per run plus the
// per-payload measurements parsed from the load-generator output. Queried by
// the MCP server and the CLI after runs complete.
package results

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed results store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the results database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		test_id TEXT NOT NULL,
		scenario TEXT NOT NULL,
		client TEXT NOT NULL,
		image TEXT,
		network TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		status TEXT DEFAULT 'running',
		error_message TEXT,
		iterations INTEGER DEFAULT 0,
		checks_passed INTEGER DEFAULT 0,
		checks_failed INTEGER DEFAULT 0,
		request_avg_ms REAL DEFAULT 0,
		request_p95_ms REAL DEFAULT 0,
		new_payload_p95_ms REAL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_scenario ON runs(scenario);

	CREATE TABLE IF NOT EXISTS payload_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		payload_index INTEGER NOT NULL,
		block INTEGER NOT NULL,
		gas_used INTEGER NOT NULL,
		new_payload_ms REAL NOT NULL,
		fcu_ms REAL NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_payload_metrics_run ON payload_metrics(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// StartRun records the beginning of a scenario execution and returns the run ID.
func (s *Store) StartRun(ctx context.Context, run Run) (string, error) {
	id := run.ID
	if id == "" {
		id = uuid.New().String()
	}
	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, test_id, scenario, client, image, network, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, run.TestID, run.Scenario, run.Client, run.Image, run.Network, startedAt, StatusRunning,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return id, nil
}

// CompleteRun finalizes a run with its status and summary aggregates.
func (s *Store) CompleteRun(ctx context.Context, id string, run Run) error {
	status := run.Status
	if status == "" {
		status = StatusCompleted
	}
	completedAt := run.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			completed_at = ?, status = ?, error_message = ?,
			iterations = ?, checks_passed = ?, checks_failed = ?,
			request_avg_ms = ?, request_p95_ms = ?, new_payload_p95_ms = ?
		WHERE id = ?`,
		completedAt, status, run.Error,
		run.Iterations, run.ChecksPassed, run.ChecksFailed,
		run.RequestAvgMS, run.RequestP95MS, run.NewPayloadP95MS,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// AddPayloadMetrics inserts per-payload measurements for a run in one
// transaction.
func (s *Store) AddPayloadMetrics(ctx context.Context, runID string, metrics []PayloadMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO payload_metrics (run_id, payload_index, block, gas_used, new_payload_ms, fcu_ms)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range metrics {
		if _, err := stmt.ExecContext(ctx, runID, m.Index, m.Block, m.GasUsed, m.NewPayloadMS, m.FCUMS); err != nil {
			return fmt.Errorf("failed to insert payload metric: %w", err)
		}
	}
	return tx.Commit()
}

// GetRun returns one run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, test_id, scenario, client, image, network,
		       started_at, COALESCE(completed_at, started_at), status, COALESCE(error_message, ''),
		       iterations, checks_passed, checks_failed,
		       request_avg_ms, request_p95_ms, new_payload_p95_ms
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", id)
	}
	return run, err
}

// ListRuns returns the most recent runs, optionally filtered by scenario.
func (s *Store) ListRuns(ctx context.Context, scenario string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, test_id, scenario, client, image, network,
		       started_at, COALESCE(completed_at, started_at), status, COALESCE(error_message, ''),
		       iterations, checks_passed, checks_failed,
		       request_avg_ms, request_p95_ms, new_payload_p95_ms
		FROM runs`
	args := []any{}
	if scenario != "" {
		query += ` WHERE scenario = ?`
		args = append(args, scenario)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// GetPayloadMetrics returns the per-payload measurements of a run in payload
// order.
func (s *Store) GetPayloadMetrics(ctx context.Context, runID string) ([]PayloadMetric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload_index, block, gas_used, new_payload_ms, fcu_ms
		FROM payload_metrics WHERE run_id = ? ORDER BY payload_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payload metrics: %w", err)
	}
	defer rows.Close()

	var metrics []PayloadMetric
	for rows.Next() {
		var m PayloadMetric
		if err := rows.Scan(&m.Index, &m.Block, &m.GasUsed, &m.NewPayloadMS, &m.FCUMS); err != nil {
			return nil, fmt.Errorf("failed to scan payload metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	err := row.Scan(
		&run.ID, &run.TestID, &run.Scenario, &run.Client, &run.Image, &run.Network,
		&run.StartedAt, &run.CompletedAt, &run.Status, &run.Error,
		&run.Iterations, &run.ChecksPassed, &run.ChecksFailed,
		&run.RequestAvgMS, &run.RequestP95MS, &run.NewPayloadP95MS,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}
