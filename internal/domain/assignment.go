package domain

import (
	"context"
	"fmt"
	"time"
)

// Outcome classifies one dispatch attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// AssignmentRecord is one row of the audit trail: a single attempt to
// run a request on a worker. Records are immutable once written.
type AssignmentRecord struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	WorkerID     string    `json:"worker_id"`
	AttemptIndex int       `json:"attempt_index"`
	Outcome      Outcome   `json:"outcome"`
	LatencyMs    int64     `json:"latency_ms"`
	Timestamp    time.Time `json:"timestamp"`
	ErrorDetail  string    `json:"error_detail,omitempty"`
}

// Validate checks if the assignment record is valid.
func (r *AssignmentRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("assignment record ID cannot be empty")
	}
	if r.RequestID == "" {
		return fmt.Errorf("assignment record request ID cannot be empty")
	}
	if r.WorkerID == "" {
		return fmt.Errorf("assignment record worker ID cannot be empty")
	}
	switch r.Outcome {
	case OutcomeSuccess, OutcomeFailure, OutcomeTimeout:
	default:
		return fmt.Errorf("invalid assignment outcome: %s", r.Outcome)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("assignment record timestamp cannot be zero")
	}
	return nil
}

// AssignmentFilter narrows an audit query. Zero fields match everything.
type AssignmentFilter struct {
	WorkerID string
	Outcome  Outcome
	From     time.Time
	To       time.Time
}

// Matches reports whether the record passes the filter.
func (f AssignmentFilter) Matches(rec *AssignmentRecord) bool {
	if f.WorkerID != "" && rec.WorkerID != f.WorkerID {
		return false
	}
	if f.Outcome != "" && rec.Outcome != f.Outcome {
		return false
	}
	if !f.From.IsZero() && rec.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.Timestamp.After(f.To) {
		return false
	}
	return true
}

// AssignmentRepository persists assignment records durably. The ledger
// buffers appends in memory and flushes through this interface in the
// background, so repository errors are never visible to the dispatcher.
type AssignmentRepository interface {
	Save(ctx context.Context, record *AssignmentRecord) error
	// List returns matching records ordered by timestamp ascending.
	List(ctx context.Context, filter AssignmentFilter) ([]*AssignmentRecord, error)
}

// WorkerRepository persists worker definitions for dynamic registration.
type WorkerRepository interface {
	Save(ctx context.Context, worker *Worker) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Worker, error)
	List(ctx context.Context) ([]*Worker, error)
}
