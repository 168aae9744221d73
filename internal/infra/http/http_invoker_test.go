package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"capdispatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func endpointWorker(endpoint string, extra map[string]string) *domain.Worker {
	cfg := map[string]string{"endpoint": endpoint}
	for k, v := range extra {
		cfg[k] = v
	}
	return &domain.Worker{ID: "w", Kind: domain.WorkerKindLLMProvider, StaticConfig: cfg}
}

func TestInvokePostsPayload(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"answer":42}`))
	}))
	defer srv.Close()

	inv := NewInvoker()
	out, err := inv.Invoke(context.Background(), endpointWorker(srv.URL, nil), []byte(`{"q":"?"}`))
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"answer":42}`), out)
	assert.Equal(t, []byte(`{"q":"?"}`), gotBody)
	assert.Equal(t, "application/json", gotContentType)
}

func TestInvokeErrorStatusIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	inv := NewInvoker()
	_, err := inv.Invoke(context.Background(), endpointWorker(srv.URL, nil), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestInvokeMissingEndpoint(t *testing.T) {
	inv := NewInvoker()
	_, err := inv.Invoke(context.Background(), &domain.Worker{ID: "w", Kind: domain.WorkerKindLLMProvider}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no endpoint")
}

func TestInvokeHonorsContextDeadline(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	inv := NewInvoker()
	_, err := inv.Invoke(ctx, endpointWorker(srv.URL, nil), nil)
	require.Error(t, err)
	<-started
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvokeStreamDeliversChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("first"))
		flusher.Flush()
		_, _ = w.Write([]byte("second"))
		flusher.Flush()
	}))
	defer srv.Close()

	inv := NewInvoker().(domain.StreamInvoker)
	events, err := inv.InvokeStream(context.Background(), endpointWorker(srv.URL, nil), nil)
	require.NoError(t, err)

	var total []byte
	for ev := range events {
		require.NoError(t, ev.Err)
		total = append(total, ev.Data...)
	}
	assert.Equal(t, []byte("firstsecond"), total)
}

func TestProbeUsesProbePath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inv := NewInvoker()
	require.NoError(t, inv.Probe(context.Background(), endpointWorker(srv.URL, nil)))
	assert.Equal(t, "/healthz", gotPath)

	require.NoError(t, inv.Probe(context.Background(), endpointWorker(srv.URL, map[string]string{"probe_path": "/v1/models"})))
	assert.Equal(t, "/v1/models", gotPath)
}

func TestProbeFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	inv := NewInvoker()
	err := inv.Probe(context.Background(), endpointWorker(srv.URL, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
