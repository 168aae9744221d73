package http

import (
	"time"

	"capdispatch/internal/domain"
)

// DispatchRequest is the DTO for submitting a work request.
type DispatchRequest struct {
	Category             string   `json:"category"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	Payload              string   `json:"payload"`
	MaxAttempts          int      `json:"max_attempts,omitempty" validate:"gte=0,lte=20"`
	// TimeoutMs is the request budget; the engine derives the absolute
	// deadline at acceptance time. Zero means the configured default.
	TimeoutMs int `json:"timeout_ms,omitempty" validate:"gte=0"`
}

// ToDomain converts the DTO to a domain work request.
func (r *DispatchRequest) ToDomain() *domain.WorkRequest {
	req := &domain.WorkRequest{
		Category:             r.Category,
		RequiredCapabilities: r.RequiredCapabilities,
		Payload:              []byte(r.Payload),
		MaxAttempts:          r.MaxAttempts,
	}
	if r.TimeoutMs > 0 {
		req.Deadline = time.Now().Add(time.Duration(r.TimeoutMs) * time.Millisecond)
	}
	return req
}

// DispatchResponse is the terminal result of a dispatch.
type DispatchResponse struct {
	RequestID string                     `json:"request_id"`
	WorkerID  string                     `json:"worker_id,omitempty"`
	Output    string                     `json:"output,omitempty"`
	Attempts  []*domain.AssignmentRecord `json:"attempts,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

// RegisterWorkerRequest is the DTO for registering or replacing a
// worker definition.
type RegisterWorkerRequest struct {
	ID           string            `json:"id" validate:"required,min=1,max=128"`
	Kind         string            `json:"kind" validate:"required,oneof=llm-provider agent-role"`
	Capabilities []string          `json:"capabilities,omitempty"`
	PriorityTier int               `json:"priority_tier" validate:"gte=0"`
	Exclusive    bool              `json:"exclusive,omitempty"`
	StaticConfig map[string]string `json:"static_config,omitempty"`
}

// ToDomain converts the DTO to a domain worker.
func (r *RegisterWorkerRequest) ToDomain() *domain.Worker {
	return &domain.Worker{
		ID:           r.ID,
		Kind:         domain.WorkerKind(r.Kind),
		Capabilities: r.Capabilities,
		PriorityTier: r.PriorityTier,
		Exclusive:    r.Exclusive,
		StaticConfig: r.StaticConfig,
	}
}

// StreamFrame is the terminal JSON frame of a streaming dispatch,
// sent after all chunks.
type StreamFrame struct {
	Done      bool   `json:"done"`
	RequestID string `json:"request_id,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`
	Error     string `json:"error,omitempty"`
}
