package etcd

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"capdispatch/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// RegistrySink is the registry surface the watcher feeds.
type RegistrySink interface {
	Register(w *domain.Worker) error
	Deregister(id string)
}

// WorkerWatcher keeps the in-process registry in sync with worker
// definitions stored under WorkerDir, so an administrative surface can
// add or retire workers without restarting the engine.
type WorkerWatcher struct {
	client *clientv3.Client
	sink   RegistrySink
	logger *slog.Logger
}

// NewWorkerWatcher creates a watcher feeding the given registry.
func NewWorkerWatcher(client *clientv3.Client, sink RegistrySink, logger *slog.Logger) *WorkerWatcher {
	return &WorkerWatcher{
		client: client,
		sink:   sink,
		logger: logger.With("component", "worker-watcher"),
	}
}

// Watch loads the current definitions and then follows changes until the
// context is canceled. This is a blocking call and should be run in a
// goroutine.
func (w *WorkerWatcher) Watch(ctx context.Context) {
	w.logger.Info("starting to watch for worker definitions")

	if err := w.loadInitial(ctx); err != nil {
		w.logger.Error("failed to perform initial worker load", "error", err)
	}

	watchChan := w.client.Watch(ctx, WorkerDir, clientv3.WithPrefix())
	for watchResp := range watchChan {
		for _, event := range watchResp.Events {
			key := string(event.Kv.Key)
			switch event.Type {
			case clientv3.EventTypePut:
				var worker domain.Worker
				if err := json.Unmarshal(event.Kv.Value, &worker); err != nil {
					w.logger.Warn("ignoring malformed worker definition", "key", key, "error", err)
					continue
				}
				if err := w.sink.Register(&worker); err != nil {
					w.logger.Warn("failed to register watched worker", "worker_id", worker.ID, "error", err)
					continue
				}
				w.logger.Info("worker definition applied", "worker_id", worker.ID)
			case clientv3.EventTypeDelete:
				id := key[len(WorkerDir):]
				w.sink.Deregister(id)
				w.logger.Info("worker definition removed", "worker_id", id)
			}
		}
	}
	w.logger.Info("stopped watching for worker definitions")
}

func (w *WorkerWatcher) loadInitial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := w.client.Get(ctx, WorkerDir, clientv3.WithPrefix())
	if err != nil {
		return err
	}
	for _, kv := range resp.Kvs {
		var worker domain.Worker
		if err := json.Unmarshal(kv.Value, &worker); err != nil {
			w.logger.Warn("ignoring malformed worker definition", "key", string(kv.Key), "error", err)
			continue
		}
		if err := w.sink.Register(&worker); err != nil {
			w.logger.Warn("failed to register stored worker", "worker_id", worker.ID, "error", err)
		}
	}
	return nil
}
