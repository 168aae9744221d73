package domain

import (
	"fmt"
	"slices"
)

// WorkerKind defines the kind of a routable worker.
type WorkerKind string

const (
	WorkerKindLLMProvider WorkerKind = "llm-provider"
	WorkerKindAgentRole   WorkerKind = "agent-role"
)

// Worker is one routable unit of capability: an LLM provider or a
// role-bound agent. The dispatch path never mutates a Worker; health and
// workload are tracked separately, keyed by ID.
type Worker struct {
	ID           string     `json:"id"`
	Kind         WorkerKind `json:"kind"`
	Capabilities []string   `json:"capabilities,omitempty"`
	PriorityTier int        `json:"priority_tier"`
	// Exclusive marks a worker as the sole owner of its capabilities.
	// Registering two exclusive workers sharing a capability fails.
	Exclusive bool `json:"exclusive,omitempty"`
	// StaticConfig holds opaque connection/model parameters owned by the
	// worker's invoker (endpoint, model, command, ...).
	StaticConfig map[string]string `json:"static_config,omitempty"`
}

// Validate checks if the worker definition is valid.
func (w *Worker) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("worker id cannot be empty")
	}
	switch w.Kind {
	case WorkerKindLLMProvider, WorkerKindAgentRole:
	default:
		return fmt.Errorf("invalid worker kind: %s", w.Kind)
	}
	if w.PriorityTier < 0 {
		return fmt.Errorf("worker %s: priority tier cannot be negative", w.ID)
	}
	return nil
}

// HasCapability reports whether the worker carries the given tag.
func (w *Worker) HasCapability(tag string) bool {
	return slices.Contains(w.Capabilities, tag)
}

// HasAllCapabilities reports whether the worker carries every given tag.
func (w *Worker) HasAllCapabilities(tags []string) bool {
	for _, tag := range tags {
		if !w.HasCapability(tag) {
			return false
		}
	}
	return true
}
