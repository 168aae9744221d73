package domain

import (
	"errors"
	"fmt"
)

// ErrWorkerNotFound is returned when a worker id is not registered.
var ErrWorkerNotFound = errors.New("worker not found")

// ErrNoCapableWorker is returned when no registered worker satisfies a
// request's required capabilities. Nothing was invoked; nothing to retry.
var ErrNoCapableWorker = errors.New("no capable worker")

// ErrDeadlineExceeded is returned when the caller-imposed time budget is
// exhausted, either before the first attempt or mid-iteration.
var ErrDeadlineExceeded = errors.New("dispatch deadline exceeded")

// ErrAllCandidatesFailed is returned when every resolved candidate was
// tried and failed.
var ErrAllCandidatesFailed = errors.New("all candidates failed")

// ErrCapabilityConflict is returned when two registered workers claim
// exclusive ownership of the same capability.
var ErrCapabilityConflict = errors.New("duplicate capability conflict")

// ErrStreamInterrupted is returned when a candidate fails after at least
// one chunk has reached the caller. Partial output cannot be un-sent, so
// no silent retry happens past this point.
var ErrStreamInterrupted = errors.New("stream interrupted after partial output")

// AllCandidatesFailedError carries the full attempt trail so callers can
// distinguish "nothing was healthy" from "nothing is capable".
type AllCandidatesFailedError struct {
	RequestID string
	Attempts  []*AssignmentRecord
}

func (e *AllCandidatesFailedError) Error() string {
	return fmt.Sprintf("request %s: all %d candidates failed", e.RequestID, len(e.Attempts))
}

func (e *AllCandidatesFailedError) Unwrap() error { return ErrAllCandidatesFailed }

// DeadlineExceededError carries the attempts made before the deadline
// cut the iteration short.
type DeadlineExceededError struct {
	RequestID string
	Attempts  []*AssignmentRecord
}

func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf("request %s: deadline exceeded after %d attempts", e.RequestID, len(e.Attempts))
}

func (e *DeadlineExceededError) Unwrap() error { return ErrDeadlineExceeded }
