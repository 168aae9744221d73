// Package http invokes llm-provider workers over their HTTP endpoint.
package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"capdispatch/internal/domain"
)

const (
	configEndpoint    = "endpoint"
	configProbePath   = "probe_path"
	configContentType = "content_type"

	defaultProbePath = "/healthz"
	maxErrorBody     = 1024
)

type httpInvoker struct {
	client *http.Client
}

// NewInvoker creates the invoker for llm-provider workers. Per-attempt
// deadlines come from the context, so the client itself carries no
// timeout.
func NewInvoker() domain.Invoker {
	return &httpInvoker{client: &http.Client{}}
}

// Invoke posts the payload to the worker's endpoint and returns the
// response body.
func (e *httpInvoker) Invoke(ctx context.Context, worker *domain.Worker, payload []byte) ([]byte, error) {
	resp, err := e.do(ctx, worker, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from worker %s: %w", worker.ID, err)
	}
	return body, nil
}

// InvokeStream posts the payload and forwards the response body in
// chunks as it arrives.
func (e *httpInvoker) InvokeStream(ctx context.Context, worker *domain.Worker, payload []byte) (<-chan domain.StreamEvent, error) {
	resp, err := e.do(ctx, worker, payload)
	if err != nil {
		return nil, err
	}

	events := make(chan domain.StreamEvent)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case events <- domain.StreamEvent{Data: chunk}:
				case <-ctx.Done():
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				select {
				case events <- domain.StreamEvent{Err: fmt.Errorf("stream from worker %s: %w", worker.ID, err)}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return events, nil
}

// Probe issues a minimal liveness request against the worker's probe
// path, distinct from a real work invocation.
func (e *httpInvoker) Probe(ctx context.Context, worker *domain.Worker) error {
	endpoint, err := endpointFor(worker)
	if err != nil {
		return err
	}
	probePath := worker.StaticConfig[configProbePath]
	if probePath == "" {
		probePath = defaultProbePath
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(endpoint, "/")+probePath, nil)
	if err != nil {
		return fmt.Errorf("create probe request for worker %s: %w", worker.ID, err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe worker %s: %w", worker.ID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe worker %s: unexpected status %s", worker.ID, resp.Status)
	}
	return nil
}

func (e *httpInvoker) do(ctx context.Context, worker *domain.Worker, payload []byte) (*http.Response, error) {
	endpoint, err := endpointFor(worker)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request for worker %s: %w", worker.ID, err)
	}
	contentType := worker.StaticConfig[configContentType]
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke worker %s: %w", worker.ID, err)
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, fmt.Errorf("worker %s returned %s: %s", worker.ID, resp.Status, string(body))
	}
	return resp, nil
}

func endpointFor(worker *domain.Worker) (string, error) {
	endpoint := worker.StaticConfig[configEndpoint]
	if endpoint == "" {
		return "", fmt.Errorf("worker %s has no endpoint configured", worker.ID)
	}
	return endpoint, nil
}

var _ domain.StreamInvoker = (*httpInvoker)(nil)
