// Package engine assembles the dispatch core from configuration and
// owns its runtime lifecycle: the probe schedule, workload decay, and
// ledger flushing.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"capdispatch/internal/config"
	"capdispatch/internal/dispatch"
	"capdispatch/internal/domain"
	"capdispatch/internal/health"
	etcdinfra "capdispatch/internal/infra/etcd"
	httpinfra "capdispatch/internal/infra/http"
	shellinfra "capdispatch/internal/infra/shell"
	sqliteinfra "capdispatch/internal/infra/sqlite"
	"capdispatch/internal/ledger"
	"capdispatch/internal/registry"
	"capdispatch/internal/resolver"
	"capdispatch/internal/workload"

	"github.com/robfig/cron/v3"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Engine wires the registry, health monitor, resolver, workload tracker,
// ledger, and dispatcher behind one lifecycle.
type Engine struct {
	cfg        *config.Config
	logger     *slog.Logger
	registry   *registry.Registry
	monitor    *health.Monitor
	tracker    *workload.Tracker
	ledger     *ledger.Ledger
	resolver   *resolver.Resolver
	dispatcher *dispatch.Dispatcher

	cron       *cron.Cron
	etcdClient *clientv3.Client
	workerRepo domain.WorkerRepository
	closeRepo  func() error
	cancel     context.CancelFunc
}

// New builds an engine from configuration. Workers declared in the
// config are registered immediately; dynamic workers arrive later via
// the etcd watcher when enabled.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	reg := registry.New(logger)
	for _, w := range cfg.DomainWorkers() {
		if err := reg.Register(w); err != nil {
			return nil, fmt.Errorf("register configured worker: %w", err)
		}
	}

	invokers := map[domain.WorkerKind]domain.Invoker{
		domain.WorkerKindLLMProvider: httpinfra.NewInvoker(),
		domain.WorkerKindAgentRole:   shellinfra.NewInvoker(logger),
	}

	mon := health.NewMonitor(reg, invokers, health.Options{
		Thresholds:   health.Thresholds{Degraded: cfg.DegradedThreshold, Unhealthy: cfg.UnhealthyThreshold},
		StaleAfter:   cfg.Staleness(),
		ProbeTimeout: cfg.ProbeTimeout,
	}, logger)

	tracker := workload.New()

	e := &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		registry: reg,
		monitor:  mon,
		tracker:  tracker,
	}

	repo, err := e.openLedgerBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	e.ledger = ledger.New(repo, logger)

	if cfg.Etcd.WatchWorkers {
		client, err := e.sharedEtcdClient(cfg)
		if err != nil {
			return nil, err
		}
		e.workerRepo = etcdinfra.NewWorkerRepository(client, logger)
	}

	e.resolver = resolver.New(reg, mon, tracker, cfg.DomainChains(), logger)
	e.dispatcher = dispatch.New(e.resolver, mon, tracker, e.ledger, invokers, dispatch.Defaults{
		MaxAttempts: cfg.DefaultMaxAttempts,
		Budget:      cfg.DefaultDeadline,
	}, logger)

	return e, nil
}

func (e *Engine) openLedgerBackend(cfg *config.Config, logger *slog.Logger) (domain.AssignmentRepository, error) {
	switch cfg.Ledger.Backend {
	case "etcd":
		client, err := e.sharedEtcdClient(cfg)
		if err != nil {
			return nil, err
		}
		return etcdinfra.NewAssignmentRepository(client, logger), nil
	case "sqlite":
		if cfg.Ledger.SQLitePath == "" {
			return nil, fmt.Errorf("ledger backend sqlite requires ledger.sqlite_path")
		}
		repo, closer, err := sqliteinfra.Open(cfg.Ledger.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		e.closeRepo = closer
		return repo, nil
	default:
		return nil, nil // memory-only ledger
	}
}

func (e *Engine) sharedEtcdClient(cfg *config.Config) (*clientv3.Client, error) {
	if e.etcdClient != nil {
		return e.etcdClient, nil
	}
	if len(cfg.Etcd.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints required for etcd-backed features")
	}
	client, err := etcdinfra.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}
	e.etcdClient = client
	return client, nil
}

// Start launches the background clockwork: periodic probes, workload
// decay, ledger flushing, and (when enabled) the dynamic worker watcher.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	e.monitor.Start(ctx)

	e.cron = cron.New()
	if _, err := e.cron.AddFunc(fmt.Sprintf("@every %s", e.cfg.ProbeInterval), func() {
		e.monitor.ProbeAll(ctx)
	}); err != nil {
		return fmt.Errorf("schedule probe loop: %w", err)
	}
	if _, err := e.cron.AddFunc(fmt.Sprintf("@every %s", e.cfg.DecayWindow), e.tracker.Decay); err != nil {
		return fmt.Errorf("schedule workload decay: %w", err)
	}
	if _, err := e.cron.AddFunc(fmt.Sprintf("@every %s", e.cfg.FlushInterval), func() {
		if err := e.ledger.Flush(ctx); err != nil {
			e.logger.Warn("ledger flush incomplete", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule ledger flush: %w", err)
	}
	e.cron.Start()

	if e.cfg.Etcd.WatchWorkers {
		client, err := e.sharedEtcdClient(e.cfg)
		if err != nil {
			return err
		}
		watcher := etcdinfra.NewWorkerWatcher(client, e.registry, e.logger)
		go watcher.Watch(ctx)
	}

	// Prime health state so the first dispatches see fresh snapshots.
	go e.monitor.ProbeAll(ctx)

	e.logger.Info("engine started",
		"workers", len(e.registry.List()),
		"probe_interval", e.cfg.ProbeInterval,
		"ledger_backend", e.cfg.Ledger.Backend)
	return nil
}

// Stop halts the clockwork and flushes the ledger.
func (e *Engine) Stop(ctx context.Context) {
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	if err := e.ledger.Flush(ctx); err != nil {
		e.logger.Warn("final ledger flush incomplete", "error", err)
	}
	if e.closeRepo != nil {
		if err := e.closeRepo(); err != nil {
			e.logger.Warn("failed to close ledger backend", "error", err)
		}
	}
	if e.etcdClient != nil {
		_ = e.etcdClient.Close()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.logger.Info("engine stopped")
}

// ApplyConfig applies a reloaded configuration: workers are
// re-registered (health and workload state is preserved by id) and the
// chain set is replaced. Engine tunables require a restart.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	for _, w := range cfg.DomainWorkers() {
		if err := e.registry.Register(w); err != nil {
			e.logger.Error("failed to apply reloaded worker", "worker_id", w.ID, "error", err)
		}
	}
	e.resolver.SetChains(cfg.DomainChains())
	e.logger.Info("configuration reloaded", "workers", len(cfg.Workers), "chains", len(cfg.Chains))
}

// Dispatcher exposes the dispatch API.
func (e *Engine) Dispatcher() domain.Dispatcher { return e.dispatcher }

// Health exposes the health query API.
func (e *Engine) Health() *health.Monitor { return e.monitor }

// Ledger exposes the audit query API.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Registry exposes worker registration.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// WorkerStore exposes the durable worker-definition store. It is nil
// unless dynamic registration is backed by etcd.
func (e *Engine) WorkerStore() domain.WorkerRepository { return e.workerRepo }
