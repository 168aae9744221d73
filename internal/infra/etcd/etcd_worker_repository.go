package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"capdispatch/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// WorkerDir is the etcd prefix where worker definitions live for
	// dynamic registration.
	WorkerDir = "/dispatch/workers/"
)

type etcdWorkerRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewWorkerRepository creates a repository for worker definitions backed
// by etcd.
func NewWorkerRepository(client *clientv3.Client, logger *slog.Logger) domain.WorkerRepository {
	return &etcdWorkerRepository{
		client: client,
		logger: logger,
		tracer: otel.Tracer("capdispatch-etcd-worker-repo"),
	}
}

// Save persists the worker definition to etcd.
func (r *etcdWorkerRepository) Save(ctx context.Context, worker *domain.Worker) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveWorker")
	defer span.End()

	workerJSON, err := json.Marshal(worker)
	if err != nil {
		return fmt.Errorf("failed to marshal worker to JSON: %w", err)
	}

	key := path.Join(WorkerDir, worker.ID)
	span.SetAttributes(
		attribute.String("worker.id", worker.ID),
		attribute.String("etcd.key", key),
	)

	_, err = r.client.Put(ctx, key, string(workerJSON))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put worker to etcd")
		return fmt.Errorf("failed to save worker %s to etcd: %w", worker.ID, err)
	}
	return nil
}

// Delete removes a worker definition from etcd.
func (r *etcdWorkerRepository) Delete(ctx context.Context, id string) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.DeleteWorker")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", id))

	key := path.Join(WorkerDir, id)
	_, err := r.client.Delete(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete worker from etcd")
		return fmt.Errorf("failed to delete worker %s from etcd: %w", id, err)
	}
	return nil
}

// Get retrieves a worker definition from etcd.
func (r *etcdWorkerRepository) Get(ctx context.Context, id string) (*domain.Worker, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.GetWorker")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", id))

	key := path.Join(WorkerDir, id)
	resp, err := r.client.Get(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get worker from etcd")
		return nil, fmt.Errorf("failed to get worker %s from etcd: %w", id, err)
	}

	if len(resp.Kvs) == 0 {
		return nil, domain.ErrWorkerNotFound
	}

	var worker domain.Worker
	if err := json.Unmarshal(resp.Kvs[0].Value, &worker); err != nil {
		return nil, fmt.Errorf("failed to unmarshal worker %s from JSON: %w", id, err)
	}
	return &worker, nil
}

// List retrieves all worker definitions from etcd.
func (r *etcdWorkerRepository) List(ctx context.Context) ([]*domain.Worker, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListWorkers")
	defer span.End()

	resp, err := r.client.Get(ctx, WorkerDir, clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list workers from etcd")
		return nil, fmt.Errorf("failed to list workers from etcd: %w", err)
	}
	span.SetAttributes(attribute.Int("etcd.kv_count", len(resp.Kvs)))

	workers := make([]*domain.Worker, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var worker domain.Worker
		if err := json.Unmarshal(kv.Value, &worker); err != nil {
			r.logger.Warn("failed to unmarshal worker from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		workers = append(workers, &worker)
	}
	return workers, nil
}
