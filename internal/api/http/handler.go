// Package http exposes the dispatch, health, worker, and audit APIs for
// administrative and client surfaces.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"capdispatch/internal/domain"
	"capdispatch/internal/engine"
	"capdispatch/internal/metrics"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Handler serves the engine's boundary APIs.
type Handler struct {
	engine   *engine.Engine
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewHandler creates a handler over a running engine.
func NewHandler(eng *engine.Engine, logger *slog.Logger) *Handler {
	return &Handler{
		engine:   eng,
		logger:   logger.With("component", "api"),
		validate: validator.New(),
		tracer:   otel.Tracer("capdispatch-api"),
	}
}

// RegisterRoutes registers all API routes on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /dispatch", h.instrument("/dispatch", http.HandlerFunc(h.handleDispatch)))
	mux.Handle("GET /dispatch/stream", http.HandlerFunc(h.handleDispatchStream))
	mux.Handle("GET /workers", h.instrument("/workers", http.HandlerFunc(h.handleListWorkers)))
	mux.Handle("PUT /workers/{id}", h.instrument("/workers/{id}", http.HandlerFunc(h.handleRegisterWorker)))
	mux.Handle("DELETE /workers/{id}", h.instrument("/workers/{id}", http.HandlerFunc(h.handleDeregisterWorker)))
	mux.Handle("GET /health", h.instrument("/health", http.HandlerFunc(h.handleHealthAll)))
	mux.Handle("GET /health/{id}", h.instrument("/health/{id}", http.HandlerFunc(h.handleHealthOne)))
	mux.Handle("POST /probe/{id}", h.instrument("/probe/{id}", http.HandlerFunc(h.handleProbe)))
	mux.Handle("GET /assignments", h.instrument("/assignments", http.HandlerFunc(h.handleAssignments)))
}

// instrumentedResponseWriter captures the status code for metrics.
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (h *Handler) instrument(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()
		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()
		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeValidationError(w, err)
		return
	}

	result, err := h.engine.Dispatcher().Dispatch(r.Context(), req.ToDomain())
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, DispatchResponse{
		RequestID: result.RequestID,
		WorkerID:  result.WorkerID,
		Output:    string(result.Output),
		Attempts:  result.Attempts,
	})
}

// writeDispatchError maps the engine's error taxonomy onto status codes
// and keeps the attempt trail visible so operators can distinguish one
// flaky provider from a total outage.
func (h *Handler) writeDispatchError(w http.ResponseWriter, err error) {
	var exhausted *domain.AllCandidatesFailedError
	var deadline *domain.DeadlineExceededError
	switch {
	case errors.Is(err, domain.ErrNoCapableWorker):
		writeJSON(w, http.StatusNotFound, DispatchResponse{Error: err.Error()})
	case errors.As(err, &deadline):
		writeJSON(w, http.StatusGatewayTimeout, DispatchResponse{
			RequestID: deadline.RequestID,
			Attempts:  deadline.Attempts,
			Error:     err.Error(),
		})
	case errors.As(err, &exhausted):
		writeJSON(w, http.StatusBadGateway, DispatchResponse{
			RequestID: exhausted.RequestID,
			Attempts:  exhausted.Attempts,
			Error:     err.Error(),
		})
	default:
		h.logger.Error("dispatch failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	if tag := r.URL.Query().Get("capability"); tag != "" {
		writeJSON(w, http.StatusOK, h.engine.Registry().ListByCapability(tag))
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Registry().List())
}

func (h *Handler) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req RegisterWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if id := r.PathValue("id"); id != req.ID {
		http.Error(w, "worker id in path and body must match", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeValidationError(w, err)
		return
	}

	worker := req.ToDomain()
	if err := h.engine.Registry().Register(worker); err != nil {
		if errors.Is(err, domain.ErrCapabilityConflict) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// Persist so other instances (and restarts) pick the worker up via
	// the watcher. Local registration already succeeded, so a store
	// failure is logged rather than unwound.
	if store := h.engine.WorkerStore(); store != nil {
		if err := store.Save(r.Context(), worker); err != nil {
			h.logger.Error("failed to persist worker definition", "worker_id", worker.ID, "error", err)
		}
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleDeregisterWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.engine.Registry().Deregister(id)
	if store := h.engine.WorkerStore(); store != nil {
		if err := store.Delete(r.Context(), id); err != nil {
			h.logger.Error("failed to delete persisted worker definition", "worker_id", id, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHealthAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Health().SnapshotAll())
}

func (h *Handler) handleHealthOne(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Health().Snapshot(r.PathValue("id")))
}

func (h *Handler) handleProbe(w http.ResponseWriter, r *http.Request) {
	record, err := h.engine.Health().Probe(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrWorkerNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Error("probe failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) handleAssignments(w http.ResponseWriter, r *http.Request) {
	filter := domain.AssignmentFilter{
		WorkerID: r.URL.Query().Get("worker_id"),
		Outcome:  domain.Outcome(r.URL.Query().Get("outcome")),
	}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid 'from' timestamp", http.StatusBadRequest)
			return
		}
		filter.From = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid 'to' timestamp", http.StatusBadRequest)
			return
		}
		filter.To = t
	}

	records, err := h.engine.Ledger().Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("error querying assignments", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) writeValidationError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var details []string
	for _, verr := range verrs {
		details = append(details, "Field '"+verr.Field()+"' failed on the '"+verr.Tag()+"' tag.")
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":   "Validation failed",
		"details": details,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
