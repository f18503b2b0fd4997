package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/batchload/pkg/types"
)

// SQLiteStore keeps run history in SQLite.
//
// It doubles as a batch observer: batch events are buffered in memory during
// the run and written together with the report, so the hot loop never waits
// on the database.
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex
	pending []types.BatchEvent
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL so the MCP server can read while a run writes
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate creates the schema. Balances are TEXT decimals: they overflow INTEGER.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		started_at DATETIME,
		duration_ms INTEGER NOT NULL,
		transactions INTEGER NOT NULL,
		wei_spent TEXT NOT NULL,
		wei_transferred TEXT NOT NULL,
		errors INTEGER NOT NULL,
		batches INTEGER DEFAULT 0,
		batch_size INTEGER DEFAULT 0,
		interval_ms INTEGER DEFAULT 0,
		provider TEXT,
		from_address TEXT,
		to_address TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_timestamp ON runs(timestamp DESC);

	CREATE TABLE IF NOT EXISTS batches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		batch_index INTEGER NOT NULL,
		first_nonce INTEGER NOT NULL,
		last_nonce INTEGER NOT NULL,
		size INTEGER NOT NULL,
		errors INTEGER NOT NULL,
		elapsed_ms INTEGER NOT NULL,
		sleep_ms INTEGER NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_batches_run ON batches(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// OnBatch buffers a batch event until the report is written.
func (s *SQLiteStore) OnBatch(ev types.BatchEvent) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
}

// Write stores the report and the buffered batch events in one transaction.
func (s *SQLiteStore) Write(ctx context.Context, report *types.RunReport) error {
	if report.ID == "" {
		return errors.New("report has no run id")
	}

	s.mu.Lock()
	batches := s.pending
	s.pending = nil
	s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, timestamp, started_at, duration_ms, transactions, wei_spent, wei_transferred,
			errors, batches, batch_size, interval_ms, provider, from_address, to_address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, report.ID, report.Timestamp.UTC(), nullTime(report.StartedAt), report.DurationMS,
		int64(report.TransactionCount), types.BigString(report.WeiSpent), types.BigString(report.WeiTransferred),
		int64(report.ErrorCount), int64(report.Batches), report.BatchSize, report.IntervalMS,
		nullString(report.Provider), nullString(report.From), nullString(report.To))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if len(batches) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO batches (run_id, batch_index, first_nonce, last_nonce, size, errors, elapsed_ms, sleep_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare batch insert: %w", err)
		}
		defer stmt.Close()

		for _, b := range batches {
			if _, err := stmt.ExecContext(ctx, report.ID, int64(b.Index), int64(b.FirstNonce), int64(b.LastNonce),
				b.Size, b.Errors, b.ElapsedMS, b.SleepMS); err != nil {
				return fmt.Errorf("failed to insert batch %d: %w", b.Index, err)
			}
		}
	}

	return tx.Commit()
}

const runColumns = `id, timestamp, started_at, duration_ms, transactions, wei_spent, wei_transferred,
	errors, batches, batch_size, interval_ms, provider, from_address, to_address`

// ListRuns returns a page of runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) (*types.PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]types.RunReport, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &types.PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// GetRun returns one run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*types.RunReport, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// GetBatches returns the batch events of a run in batch order.
func (s *SQLiteStore) GetBatches(ctx context.Context, runID string) ([]types.BatchEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_index, first_nonce, last_nonce, size, errors, elapsed_ms, sleep_ms
		FROM batches WHERE run_id = ?
		ORDER BY batch_index
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]types.BatchEvent, 0)
	for rows.Next() {
		var b types.BatchEvent
		var index, first, last int64
		if err := rows.Scan(&index, &first, &last, &b.Size, &b.Errors, &b.ElapsedMS, &b.SleepMS); err != nil {
			return nil, err
		}
		b.Index, b.FirstNonce, b.LastNonce = uint64(index), uint64(first), uint64(last)
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// DeleteRun deletes a run and its batches.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*types.RunReport, error) {
	var (
		run                      types.RunReport
		startedAt                sql.NullTime
		txCount, errCount, batch int64
		spent, transferred       string
		provider, from, to       sql.NullString
	)
	err := row.Scan(&run.ID, &run.Timestamp, &startedAt, &run.DurationMS, &txCount, &spent, &transferred,
		&errCount, &batch, &run.BatchSize, &run.IntervalMS, &provider, &from, &to)
	if err != nil {
		return nil, err
	}

	if run.WeiSpent, err = types.ParseBig(spent); err != nil {
		return nil, fmt.Errorf("run %s: wei_spent: %w", run.ID, err)
	}
	if run.WeiTransferred, err = types.ParseBig(transferred); err != nil {
		return nil, fmt.Errorf("run %s: wei_transferred: %w", run.ID, err)
	}
	run.TransactionCount = uint64(txCount)
	run.ErrorCount = uint64(errCount)
	run.Batches = uint64(batch)
	run.Timestamp = run.Timestamp.UTC()
	if startedAt.Valid {
		run.StartedAt = startedAt.Time.UTC()
	}
	run.Provider = provider.String
	run.From = from.String
	run.To = to.String
	return &run, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
