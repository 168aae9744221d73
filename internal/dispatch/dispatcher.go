// Package dispatch executes the resolved candidate list against real
// workers: sequential attempts, remaining-budget propagation, at most
// one successful worker per request.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"capdispatch/internal/domain"
	"capdispatch/internal/health"
	"capdispatch/internal/ledger"
	"capdispatch/internal/metrics"
	"capdispatch/internal/resolver"
	"capdispatch/internal/workload"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Defaults supplies per-request bounds when the request leaves them
// unset.
type Defaults struct {
	MaxAttempts int
	Budget      time.Duration
}

// Dispatcher orchestrates resolution, invocation, and accounting for
// work requests. Requests are independent and may be dispatched
// concurrently.
type Dispatcher struct {
	resolver *resolver.Resolver
	monitor  *health.Monitor
	tracker  *workload.Tracker
	ledger   *ledger.Ledger
	invokers map[domain.WorkerKind]domain.Invoker
	defaults Defaults
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New creates a dispatcher.
func New(res *resolver.Resolver, mon *health.Monitor, tracker *workload.Tracker, led *ledger.Ledger,
	invokers map[domain.WorkerKind]domain.Invoker, defaults Defaults, logger *slog.Logger) *Dispatcher {
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = 3
	}
	if defaults.Budget <= 0 {
		defaults.Budget = 30 * time.Second
	}
	return &Dispatcher{
		resolver: res,
		monitor:  mon,
		tracker:  tracker,
		ledger:   led,
		invokers: invokers,
		defaults: defaults,
		logger:   logger.With("component", "dispatcher"),
		tracer:   otel.Tracer("capdispatch-dispatcher"),
		now:      time.Now,
	}
}

// Dispatch resolves candidates and tries them in order until one
// succeeds, the deadline passes, or every candidate has failed.
func (d *Dispatcher) Dispatch(ctx context.Context, req *domain.WorkRequest) (*domain.DispatchResult, error) {
	req, err := d.prepare(req)
	if err != nil {
		return nil, err
	}

	ctx, span := d.tracer.Start(ctx, "dispatcher.Dispatch", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("request.category", req.Category),
	))
	defer span.End()

	candidates, err := d.candidates(req, span)
	if err != nil {
		return nil, err
	}

	var attempts []*domain.AssignmentRecord
	for i, w := range candidates {
		if err := d.checkBudget(ctx, req, attempts, span); err != nil {
			return nil, err
		}

		rec, output := d.attempt(ctx, req, w, i)
		attempts = append(attempts, rec)

		if rec.Outcome == domain.OutcomeSuccess {
			metrics.DispatchRequestsTotal.WithLabelValues("success").Inc()
			span.SetAttributes(attribute.String("dispatch.worker_id", w.ID), attribute.Int("dispatch.attempts", len(attempts)))
			return &domain.DispatchResult{
				RequestID: req.ID,
				WorkerID:  w.ID,
				Output:    output,
				Attempts:  attempts,
			}, nil
		}
		d.logger.Warn("candidate failed, falling back",
			"request_id", req.ID, "worker_id", w.ID, "outcome", rec.Outcome, "error", rec.ErrorDetail)
	}

	metrics.DispatchRequestsTotal.WithLabelValues("exhausted").Inc()
	span.SetStatus(codes.Error, "all candidates failed")
	return nil, &domain.AllCandidatesFailedError{RequestID: req.ID, Attempts: attempts}
}

// DispatchStream is the streaming variant. A candidate failing before
// any chunk reached the caller falls back silently; after the first
// chunk a failure is a terminal stream error because partial output
// cannot be un-sent.
func (d *Dispatcher) DispatchStream(ctx context.Context, req *domain.WorkRequest, sink domain.ChunkSink) (*domain.DispatchResult, error) {
	req, err := d.prepare(req)
	if err != nil {
		return nil, err
	}

	ctx, span := d.tracer.Start(ctx, "dispatcher.DispatchStream", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("request.category", req.Category),
	))
	defer span.End()

	candidates, err := d.candidates(req, span)
	if err != nil {
		return nil, err
	}

	var attempts []*domain.AssignmentRecord
	for i, w := range candidates {
		if err := d.checkBudget(ctx, req, attempts, span); err != nil {
			return nil, err
		}

		rec, output, emitted, streamErr := d.streamAttempt(ctx, req, w, i, sink)
		attempts = append(attempts, rec)

		// A sink failure is terminal even when the worker itself
		// succeeded, so the interrupted check comes first.
		if emitted && streamErr != nil {
			metrics.DispatchRequestsTotal.WithLabelValues("stream_interrupted").Inc()
			span.SetStatus(codes.Error, "stream interrupted")
			return nil, fmt.Errorf("request %s: worker %s failed after partial output: %v: %w",
				req.ID, w.ID, streamErr, domain.ErrStreamInterrupted)
		}
		if rec.Outcome == domain.OutcomeSuccess {
			metrics.DispatchRequestsTotal.WithLabelValues("success").Inc()
			return &domain.DispatchResult{
				RequestID: req.ID,
				WorkerID:  w.ID,
				Output:    output,
				Attempts:  attempts,
			}, nil
		}
		d.logger.Warn("stream candidate failed before first chunk, falling back",
			"request_id", req.ID, "worker_id", w.ID, "error", rec.ErrorDetail)
	}

	metrics.DispatchRequestsTotal.WithLabelValues("exhausted").Inc()
	span.SetStatus(codes.Error, "all candidates failed")
	return nil, &domain.AllCandidatesFailedError{RequestID: req.ID, Attempts: attempts}
}

// prepare fills defaults into a copy of the request and validates it.
func (d *Dispatcher) prepare(req *domain.WorkRequest) (*domain.WorkRequest, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	prepared := *req
	if prepared.ID == "" {
		prepared.ID = uuid.NewString()
	}
	if prepared.MaxAttempts == 0 {
		prepared.MaxAttempts = d.defaults.MaxAttempts
	}
	if prepared.Deadline.IsZero() {
		prepared.Deadline = d.now().Add(d.defaults.Budget)
	}
	return &prepared, nil
}

func (d *Dispatcher) candidates(req *domain.WorkRequest, span trace.Span) ([]*domain.Worker, error) {
	if !d.now().Before(req.Deadline) {
		metrics.DispatchRequestsTotal.WithLabelValues("deadline_exceeded").Inc()
		span.SetStatus(codes.Error, "deadline already passed")
		return nil, &domain.DeadlineExceededError{RequestID: req.ID}
	}
	candidates := d.resolver.Resolve(req)
	if len(candidates) == 0 {
		metrics.DispatchRequestsTotal.WithLabelValues("no_capable_worker").Inc()
		span.SetStatus(codes.Error, "no capable worker")
		return nil, fmt.Errorf("request %s: %w", req.ID, domain.ErrNoCapableWorker)
	}
	span.SetAttributes(attribute.Int("dispatch.candidates", len(candidates)))
	return candidates, nil
}

// checkBudget stops the iteration when the caller canceled or the
// deadline passed between attempts.
func (d *Dispatcher) checkBudget(ctx context.Context, req *domain.WorkRequest, attempts []*domain.AssignmentRecord, span trace.Span) error {
	if ctx.Err() != nil {
		metrics.DispatchRequestsTotal.WithLabelValues("canceled").Inc()
		span.SetStatus(codes.Error, "caller canceled")
		return fmt.Errorf("request %s: %w", req.ID, ctx.Err())
	}
	if !d.now().Before(req.Deadline) {
		metrics.DispatchRequestsTotal.WithLabelValues("deadline_exceeded").Inc()
		span.SetStatus(codes.Error, "deadline exceeded mid-iteration")
		return &domain.DeadlineExceededError{RequestID: req.ID, Attempts: attempts}
	}
	return nil
}

// attempt invokes one candidate with the remaining time budget and
// records the outcome in the ledger, health monitor, and metrics.
func (d *Dispatcher) attempt(ctx context.Context, req *domain.WorkRequest, w *domain.Worker, index int) (*domain.AssignmentRecord, []byte) {
	token := d.tracker.Begin(w.ID)
	defer token.End()

	attemptCtx, cancel := context.WithDeadline(ctx, req.Deadline)
	defer cancel()

	start := d.now()
	var output []byte
	var err error
	if invoker, ok := d.invokers[w.Kind]; ok {
		output, err = invoker.Invoke(attemptCtx, w, req.Payload)
	} else {
		err = fmt.Errorf("no invoker registered for worker kind %s", w.Kind)
	}
	latency := d.now().Sub(start)

	rec := d.record(req, w, index, start, latency, err)
	return rec, output
}

// streamAttempt invokes one candidate in streaming mode, forwarding
// chunks to the sink. Workers without a streaming invoker degrade to a
// single-chunk stream.
func (d *Dispatcher) streamAttempt(ctx context.Context, req *domain.WorkRequest, w *domain.Worker, index int, sink domain.ChunkSink) (rec *domain.AssignmentRecord, output []byte, emitted bool, streamErr error) {
	invoker, ok := d.invokers[w.Kind]
	if !ok {
		start := d.now()
		err := fmt.Errorf("no invoker registered for worker kind %s", w.Kind)
		return d.record(req, w, index, start, 0, err), nil, false, err
	}

	streamer, ok := invoker.(domain.StreamInvoker)
	if !ok {
		rec, out := d.attempt(ctx, req, w, index)
		if rec.Outcome == domain.OutcomeSuccess && len(out) > 0 {
			if err := sink(out); err != nil {
				return rec, nil, true, fmt.Errorf("chunk sink: %w", err)
			}
		}
		return rec, out, rec.Outcome == domain.OutcomeSuccess, nil
	}

	token := d.tracker.Begin(w.ID)
	defer token.End()

	attemptCtx, cancel := context.WithDeadline(ctx, req.Deadline)
	defer cancel()

	start := d.now()
	events, err := streamer.InvokeStream(attemptCtx, w, req.Payload)
	if err != nil {
		latency := d.now().Sub(start)
		return d.record(req, w, index, start, latency, err), nil, false, err
	}

	var buf bytes.Buffer
	for ev := range events {
		if ev.Err != nil {
			streamErr = ev.Err
			break
		}
		if err := sink(ev.Data); err != nil {
			streamErr = fmt.Errorf("chunk sink: %w", err)
			emitted = true
			break
		}
		emitted = true
		buf.Write(ev.Data)
	}
	latency := d.now().Sub(start)

	rec = d.record(req, w, index, start, latency, streamErr)
	return rec, buf.Bytes(), emitted, streamErr
}

// record builds the assignment record for one attempt and feeds every
// accounting surface.
func (d *Dispatcher) record(req *domain.WorkRequest, w *domain.Worker, index int, start time.Time, latency time.Duration, err error) *domain.AssignmentRecord {
	outcome := domain.OutcomeSuccess
	detail := ""
	if err != nil {
		detail = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = domain.OutcomeTimeout
		} else {
			outcome = domain.OutcomeFailure
		}
	}

	rec := &domain.AssignmentRecord{
		ID:           uuid.NewString(),
		RequestID:    req.ID,
		WorkerID:     w.ID,
		AttemptIndex: index,
		Outcome:      outcome,
		LatencyMs:    latency.Milliseconds(),
		Timestamp:    start,
		ErrorDetail:  detail,
	}
	d.ledger.Append(rec)
	d.monitor.RecordOutcome(w.ID, err == nil, latency, detail)
	metrics.DispatchAttemptsTotal.WithLabelValues(w.ID, string(outcome)).Inc()
	return rec
}
