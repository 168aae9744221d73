// Package sqlite provides a durable assignment-record backend for
// deployments without etcd.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"capdispatch/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS assignments (
	id            TEXT PRIMARY KEY,
	request_id    TEXT NOT NULL,
	worker_id     TEXT NOT NULL,
	attempt_index INTEGER NOT NULL,
	outcome       TEXT NOT NULL,
	latency_ms    INTEGER NOT NULL,
	timestamp     TEXT NOT NULL,
	error_detail  TEXT
);
CREATE INDEX IF NOT EXISTS idx_assignments_worker ON assignments(worker_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_assignments_time ON assignments(timestamp);
`

// timeLayout pads fractional seconds to nine digits so that the TEXT
// timestamp column sorts lexically in chronological order. RFC3339Nano
// trims trailing zeros, which breaks lexical range comparisons at
// whole-second boundaries.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteAssignmentRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the assignment database at path with WAL mode
// and a busy timeout, and applies the schema.
func Open(path string, logger *slog.Logger) (domain.AssignmentRepository, func() error, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("apply schema on %s: %w", path, err)
	}

	repo := &sqliteAssignmentRepository{db: db, logger: logger.With("component", "sqlite-assignment-repo")}
	return repo, db.Close, nil
}

// Save inserts one assignment record. Records are immutable, so a
// duplicate id is a no-op.
func (r *sqliteAssignmentRepository) Save(ctx context.Context, record *domain.AssignmentRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO assignments
		 (id, request_id, worker_id, attempt_index, outcome, latency_ms, timestamp, error_detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.RequestID, record.WorkerID, record.AttemptIndex,
		string(record.Outcome), record.LatencyMs, record.Timestamp.UTC().Format(timeLayout),
		record.ErrorDetail,
	)
	if err != nil {
		return fmt.Errorf("insert assignment record %s: %w", record.ID, err)
	}
	return nil
}

// List returns matching records ordered by timestamp ascending.
func (r *sqliteAssignmentRepository) List(ctx context.Context, filter domain.AssignmentFilter) ([]*domain.AssignmentRecord, error) {
	query := `SELECT id, request_id, worker_id, attempt_index, outcome, latency_ms, timestamp, error_detail
	          FROM assignments WHERE 1=1`
	var args []any
	if filter.WorkerID != "" {
		query += " AND worker_id = ?"
		args = append(args, filter.WorkerID)
	}
	if filter.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, string(filter.Outcome))
	}
	if !filter.From.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.From.UTC().Format(timeLayout))
	}
	if !filter.To.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.To.UTC().Format(timeLayout))
	}
	query += " ORDER BY timestamp ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query assignment records: %w", err)
	}
	defer rows.Close()

	var records []*domain.AssignmentRecord
	for rows.Next() {
		var rec domain.AssignmentRecord
		var outcome, ts string
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.WorkerID, &rec.AttemptIndex,
			&outcome, &rec.LatencyMs, &ts, &rec.ErrorDetail); err != nil {
			return nil, fmt.Errorf("scan assignment record: %w", err)
		}
		rec.Outcome = domain.Outcome(outcome)
		t, err := time.Parse(timeLayout, ts)
		if err != nil {
			r.logger.Warn("skipping assignment record with malformed timestamp", "id", rec.ID, "error", err)
			continue
		}
		rec.Timestamp = t
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignment records: %w", err)
	}
	return records, nil
}
