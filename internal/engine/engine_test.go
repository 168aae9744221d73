package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"capdispatch/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		ProbeInterval:      time.Minute,
		ProbeTimeout:       time.Second,
		DegradedThreshold:  1,
		UnhealthyThreshold: 3,
		DefaultMaxAttempts: 3,
		DefaultDeadline:    10 * time.Second,
		DecayWindow:        time.Minute,
		FlushInterval:      time.Minute,
		Workers: []config.WorkerConfig{{
			ID:           "local",
			Kind:         "llm-provider",
			Capabilities: []string{"completion"},
			StaticConfig: map[string]string{"endpoint": "http://127.0.0.1:1"},
		}},
		Chains: []config.ChainConfig{{Category: "completion", Workers: []string{"local"}}},
	}
}

func TestNewRegistersConfiguredWorkers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := New(testConfig(), logger)
	require.NoError(t, err)

	w, err := eng.Registry().Get("local")
	require.NoError(t, err)
	assert.True(t, w.HasCapability("completion"))
	assert.Nil(t, eng.WorkerStore())
}

func TestNewRejectsInvalidWorker(t *testing.T) {
	cfg := testConfig()
	cfg.Workers[0].Kind = "mainframe"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := New(cfg, logger)
	require.Error(t, err)
}

func TestNewSqliteBackendRequiresPath(t *testing.T) {
	cfg := testConfig()
	cfg.Ledger = config.LedgerConfig{Backend: "sqlite"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := New(cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite_path")
}

func TestStartStopLifecycle(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := New(testConfig(), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	eng.Stop(context.Background())
}

func TestApplyConfigReplacesWorkersAndChains(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := New(testConfig(), logger)
	require.NoError(t, err)

	updated := testConfig()
	updated.Workers = append(updated.Workers, config.WorkerConfig{
		ID:           "cloud",
		Kind:         "llm-provider",
		Capabilities: []string{"completion"},
		PriorityTier: 1,
	})
	updated.Chains = []config.ChainConfig{{Category: "completion", Workers: []string{"local", "cloud"}}}
	eng.ApplyConfig(updated)

	_, err = eng.Registry().Get("cloud")
	require.NoError(t, err)
	assert.Len(t, eng.Registry().List(), 2)
}
