package http

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"capdispatch/internal/config"
	"capdispatch/internal/domain"
	"capdispatch/internal/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestAPI stands up a full engine (memory ledger, no background
// clockwork) behind the API mux, with one llm-provider worker backed by
// the given upstream handler.
func newTestAPI(t *testing.T, upstream http.HandlerFunc) (*http.ServeMux, *engine.Engine) {
	t.Helper()

	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		ProbeInterval:      30 * time.Second,
		ProbeTimeout:       time.Second,
		DegradedThreshold:  1,
		UnhealthyThreshold: 3,
		DefaultMaxAttempts: 3,
		DefaultDeadline:    5 * time.Second,
		Workers: []config.WorkerConfig{{
			ID:           "local-llama",
			Kind:         "llm-provider",
			Capabilities: []string{"completion"},
			StaticConfig: map[string]string{"endpoint": srv.URL},
		}},
		Chains: []config.ChainConfig{{Category: "completion", Workers: []string{"local-llama"}}},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(cfg, logger)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewHandler(eng, logger).RegisterRoutes(mux)
	return mux, eng
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestDispatchEndpointSuccess(t *testing.T) {
	mux, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("generated text"))
	})

	rec := doJSON(t, mux, http.MethodPost, "/dispatch", DispatchRequest{
		Category: "completion",
		Payload:  `{"prompt":"hi"}`,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp DispatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "local-llama", resp.WorkerID)
	assert.Equal(t, "generated text", resp.Output)
	assert.NotEmpty(t, resp.RequestID)
	require.Len(t, resp.Attempts, 1)
	assert.Equal(t, domain.OutcomeSuccess, resp.Attempts[0].Outcome)
}

func TestDispatchEndpointNoCapableWorker(t *testing.T) {
	mux, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := doJSON(t, mux, http.MethodPost, "/dispatch", DispatchRequest{Category: "uncovered"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDispatchEndpointAllCandidatesFailed(t *testing.T) {
	mux, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	rec := doJSON(t, mux, http.MethodPost, "/dispatch", DispatchRequest{Category: "completion"})
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var resp DispatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Error)
	require.Len(t, resp.Attempts, 1)
	assert.Equal(t, domain.OutcomeFailure, resp.Attempts[0].Outcome)
}

func TestDispatchEndpointRejectsMalformedBody(t *testing.T) {
	mux, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodPost, "/dispatch", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterWorkerEndpoint(t *testing.T) {
	mux, eng := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := doJSON(t, mux, http.MethodPut, "/workers/cloud-gpt", RegisterWorkerRequest{
		ID:           "cloud-gpt",
		Kind:         "llm-provider",
		Capabilities: []string{"completion"},
		PriorityTier: 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	w, err := eng.Registry().Get("cloud-gpt")
	require.NoError(t, err)
	assert.Equal(t, 1, w.PriorityTier)
}

func TestRegisterWorkerIDMismatch(t *testing.T) {
	mux, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := doJSON(t, mux, http.MethodPut, "/workers/other-id", RegisterWorkerRequest{
		ID:   "cloud-gpt",
		Kind: "llm-provider",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterWorkerValidation(t *testing.T) {
	mux, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := doJSON(t, mux, http.MethodPut, "/workers/bad", RegisterWorkerRequest{
		ID:   "bad",
		Kind: "mainframe",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Validation failed")
}

func TestRegisterWorkerExclusiveConflict(t *testing.T) {
	mux, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := doJSON(t, mux, http.MethodPut, "/workers/owner", RegisterWorkerRequest{
		ID:           "owner",
		Kind:         "agent-role",
		Capabilities: []string{"triage"},
		Exclusive:    true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, mux, http.MethodPut, "/workers/rival", RegisterWorkerRequest{
		ID:           "rival",
		Kind:         "agent-role",
		Capabilities: []string{"triage"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeregisterWorkerEndpoint(t *testing.T) {
	mux, eng := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := doJSON(t, mux, http.MethodDelete, "/workers/local-llama", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err := eng.Registry().Get("local-llama")
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound)
}

func TestListWorkersEndpoint(t *testing.T) {
	mux, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := doJSON(t, mux, http.MethodGet, "/workers", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var workers []*domain.Worker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &workers))
	require.Len(t, workers, 1)
	assert.Equal(t, "local-llama", workers[0].ID)

	rec = doJSON(t, mux, http.MethodGet, "/workers?capability=embedding", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	workers = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &workers))
	assert.Empty(t, workers)
}

func TestHealthEndpoints(t *testing.T) {
	mux, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := doJSON(t, mux, http.MethodGet, "/health/local-llama", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var record domain.HealthRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, domain.HealthStatusUnhealthy, record.Status)
	assert.Equal(t, domain.NeverObservedReason, record.LastErrorMessage)

	// A forced probe against the healthy upstream flips the record.
	rec = doJSON(t, mux, http.MethodPost, "/probe/local-llama", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, domain.HealthStatusHealthy, record.Status)

	rec = doJSON(t, mux, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all map[string]*domain.HealthRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Contains(t, all, "local-llama")
}

func TestProbeUnknownWorkerEndpoint(t *testing.T) {
	mux, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := doJSON(t, mux, http.MethodPost, "/probe/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssignmentsEndpoint(t *testing.T) {
	mux, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	rec := doJSON(t, mux, http.MethodPost, "/dispatch", DispatchRequest{Category: "completion"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/assignments?worker_id=local-llama&outcome=success", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var records []*domain.AssignmentRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "local-llama", records[0].WorkerID)

	rec = doJSON(t, mux, http.MethodGet, "/assignments?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
