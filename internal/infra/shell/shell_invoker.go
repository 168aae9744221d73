// Package shell invokes agent-role workers as a bound subprocess with
// the payload on stdin.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"capdispatch/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	configCommand      = "command"
	configProbeCommand = "probe_command"
)

type shellInvoker struct {
	logger *slog.Logger
	tracer trace.Tracer
}

// NewInvoker creates the invoker for agent-role workers.
func NewInvoker(logger *slog.Logger) domain.Invoker {
	return &shellInvoker{
		logger: logger.With("invoker", "shell"),
		tracer: otel.Tracer("capdispatch-shell-invoker"),
	}
}

// Invoke runs the worker's bound command with the payload on stdin and
// returns its stdout.
func (e *shellInvoker) Invoke(ctx context.Context, worker *domain.Worker, payload []byte) ([]byte, error) {
	ctx, span := e.tracer.Start(ctx, "invoker.shell.Invoke",
		trace.WithAttributes(attribute.String("worker.id", worker.ID)))
	defer span.End()

	command := worker.StaticConfig[configCommand]
	if command == "" {
		return nil, fmt.Errorf("worker %s has no command configured", worker.ID)
	}

	e.logger.Info("executing agent command", "worker_id", worker.ID)

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errOutput := stderr.String(); errOutput != "" {
		span.SetAttributes(attribute.String("shell.stderr", errOutput))
	}

	if err != nil {
		span.SetStatus(codes.Error, "agent command failed")
		span.RecordError(err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stdout.Bytes(), fmt.Errorf("agent command for worker %s: %w", worker.ID, ctxErr)
		}
		return stdout.Bytes(), fmt.Errorf("agent command for worker %s failed: %w (stderr: %s)",
			worker.ID, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Probe checks the worker is invocable: it runs the configured probe
// command when present, otherwise verifies the bound binary resolves.
func (e *shellInvoker) Probe(ctx context.Context, worker *domain.Worker) error {
	if probe := worker.StaticConfig[configProbeCommand]; probe != "" {
		cmd := exec.CommandContext(ctx, "bash", "-c", probe)
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("probe command for worker %s failed: %w", worker.ID, err)
		}
		return nil
	}

	command := worker.StaticConfig[configCommand]
	if command == "" {
		return fmt.Errorf("worker %s has no command configured", worker.ID)
	}
	binary := strings.Fields(command)[0]
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("worker %s binary %q not found: %w", worker.ID, binary, err)
	}
	return nil
}
