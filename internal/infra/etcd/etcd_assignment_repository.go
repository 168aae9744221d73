package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"

	"capdispatch/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// AssignmentDir is the etcd prefix assignment records live under,
	// keyed /dispatch/assignments/{workerID}/{assignmentID}.
	AssignmentDir = "/dispatch/assignments/"
)

type etcdAssignmentRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewAssignmentRepository creates a repository for assignment records
// backed by etcd.
func NewAssignmentRepository(client *clientv3.Client, logger *slog.Logger) domain.AssignmentRepository {
	return &etcdAssignmentRepository{
		client: client,
		logger: logger,
		tracer: otel.Tracer("capdispatch-etcd-assignment-repo"),
	}
}

// Save persists a single assignment record to etcd.
func (r *etcdAssignmentRepository) Save(ctx context.Context, record *domain.AssignmentRecord) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveAssignment")
	defer span.End()

	recordJSON, err := json.Marshal(record)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal assignment record")
		return fmt.Errorf("failed to marshal assignment record %s to JSON: %w", record.ID, err)
	}

	key := path.Join(AssignmentDir, record.WorkerID, record.ID)
	span.SetAttributes(
		attribute.String("assignment.id", record.ID),
		attribute.String("worker.id", record.WorkerID),
		attribute.String("etcd.key", key),
	)

	_, err = r.client.Put(ctx, key, string(recordJSON))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put assignment record to etcd")
		return fmt.Errorf("failed to save assignment record %s to etcd: %w", record.ID, err)
	}
	return nil
}

// List retrieves matching assignment records ordered by timestamp
// ascending. A worker-id filter narrows the key prefix; the remaining
// filters apply in memory.
func (r *etcdAssignmentRepository) List(ctx context.Context, filter domain.AssignmentFilter) ([]*domain.AssignmentRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListAssignments")
	defer span.End()

	prefix := AssignmentDir
	if filter.WorkerID != "" {
		prefix = path.Join(AssignmentDir, filter.WorkerID) + "/"
	}
	span.SetAttributes(attribute.String("etcd.prefix", prefix))

	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list assignment records from etcd")
		return nil, fmt.Errorf("failed to list assignment records from etcd: %w", err)
	}

	records := make([]*domain.AssignmentRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var record domain.AssignmentRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			r.logger.Warn("failed to unmarshal assignment record from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		if filter.Matches(&record) {
			records = append(records, &record)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	span.SetAttributes(attribute.Int("records_returned", len(records)))
	return records, nil
}
