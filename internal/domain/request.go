package domain

import (
	"fmt"
	"time"
)

// WorkRequest is one unit of work to route: a text-generation request or
// a process-activity execution. Payload is forwarded verbatim to the
// chosen worker.
type WorkRequest struct {
	ID                   string   `json:"id"`
	Category             string   `json:"category"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	Payload              []byte   `json:"payload,omitempty"`
	// MaxAttempts bounds how many distinct workers are tried before
	// giving up. Zero means the configured default.
	MaxAttempts int `json:"max_attempts,omitempty"`
	// Deadline is the absolute time after which the request fails fast.
	// Zero means the configured default budget from acceptance time.
	Deadline time.Time `json:"deadline,omitzero"`
}

// Validate checks if the work request is valid.
func (r *WorkRequest) Validate() error {
	if r.Category == "" && len(r.RequiredCapabilities) == 0 {
		return fmt.Errorf("work request needs a category or required capabilities")
	}
	if r.MaxAttempts < 0 {
		return fmt.Errorf("max attempts cannot be negative")
	}
	return nil
}

// DispatchResult is the terminal outcome of a successful dispatch.
// Attempts carries every assignment record produced for the request,
// including the final successful one.
type DispatchResult struct {
	RequestID string              `json:"request_id"`
	WorkerID  string              `json:"worker_id"`
	Output    []byte              `json:"output,omitempty"`
	Attempts  []*AssignmentRecord `json:"attempts"`
}

// ChunkSink receives incremental output chunks during a streaming
// dispatch. A sink error aborts the stream.
type ChunkSink func(chunk []byte) error
