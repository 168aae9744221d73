// Package ledger is the append-only audit store of every dispatch
// attempt, used for compliance reporting and workload accounting.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"capdispatch/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Ledger buffers assignment records in memory and flushes them to a
// durable repository in the background. Append never fails from the
// dispatcher's point of view; repository errors are logged and retried
// on the next flush.
type Ledger struct {
	repo   domain.AssignmentRepository // nil means memory-only
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	records []*domain.AssignmentRecord // full history when repo == nil
	pending []*domain.AssignmentRecord // unflushed records when repo != nil
}

// New creates a ledger. A nil repository keeps the full history in
// memory.
func New(repo domain.AssignmentRepository, logger *slog.Logger) *Ledger {
	return &Ledger{
		repo:   repo,
		logger: logger.With("component", "ledger"),
		tracer: otel.Tracer("capdispatch-ledger"),
	}
}

// Append records one attempt. Concurrent writers only contend on the
// append position; existing records are immutable.
func (l *Ledger) Append(record *domain.AssignmentRecord) {
	if err := record.Validate(); err != nil {
		l.logger.Error("dropping invalid assignment record", "error", err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.repo == nil {
		l.records = append(l.records, record)
		return
	}
	l.pending = append(l.pending, record)
}

// Flush writes pending records to the repository. Records that fail to
// save stay pending for the next flush.
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	if l.repo == nil || len(batch) == 0 {
		return nil
	}

	ctx, span := l.tracer.Start(ctx, "ledger.Flush",
		trace.WithAttributes(attribute.Int("batch_size", len(batch))))
	defer span.End()

	var failed []*domain.AssignmentRecord
	for _, rec := range batch {
		if err := l.repo.Save(ctx, rec); err != nil {
			l.logger.Warn("failed to flush assignment record, will retry", "assignment_id", rec.ID, "error", err)
			span.RecordError(err)
			failed = append(failed, rec)
		}
	}

	if len(failed) > 0 {
		l.mu.Lock()
		l.pending = append(failed, l.pending...)
		l.mu.Unlock()
		span.SetStatus(codes.Error, "partial flush")
		return fmt.Errorf("ledger flush: %d of %d records failed", len(failed), len(batch))
	}
	return nil
}

// Query returns matching records ordered by timestamp ascending. Reads
// never block appends beyond the buffer copy.
func (l *Ledger) Query(ctx context.Context, filter domain.AssignmentFilter) ([]*domain.AssignmentRecord, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Query")
	defer span.End()

	var out []*domain.AssignmentRecord
	if l.repo != nil {
		durable, err := l.repo.List(ctx, filter)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to query assignment repository")
			return nil, fmt.Errorf("query assignment repository: %w", err)
		}
		out = append(out, durable...)
	}

	l.mu.Lock()
	buffered := l.pending
	if l.repo == nil {
		buffered = l.records
	}
	for _, rec := range buffered {
		if filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	l.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	span.SetAttributes(attribute.Int("records_returned", len(out)))
	return out, nil
}
