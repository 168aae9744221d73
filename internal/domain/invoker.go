package domain

import "context"

// Invoker is the uniform call contract a worker is invoked through.
// How a worker produces its output is opaque to the dispatcher; one
// Invoker implementation exists per worker kind.
type Invoker interface {
	// Invoke runs the payload on the worker, honoring ctx for the
	// remaining time budget, and returns the worker's output.
	Invoke(ctx context.Context, worker *Worker, payload []byte) ([]byte, error)
	// Probe performs a lightweight liveness check, distinct from a real
	// work invocation.
	Probe(ctx context.Context, worker *Worker) error
}

// StreamEvent is one element of a streaming invocation. Exactly one of
// Data and Err is set. The channel is closed after the terminal event;
// a close without a preceding Err means the stream completed.
type StreamEvent struct {
	Data []byte
	Err  error
}

// StreamInvoker is implemented by invokers whose workers can produce
// incremental output.
type StreamInvoker interface {
	InvokeStream(ctx context.Context, worker *Worker, payload []byte) (<-chan StreamEvent, error)
}

// Dispatcher routes a work request to the best available worker,
// falling back along the resolved candidate order until success or
// exhaustion.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *WorkRequest) (*DispatchResult, error)
	// DispatchStream forwards chunks to sink as they arrive. Candidate
	// failures before the first chunk fall back silently; once a chunk
	// has been emitted a failure is terminal.
	DispatchStream(ctx context.Context, req *WorkRequest, sink ChunkSink) (*DispatchResult, error)
}
