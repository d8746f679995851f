package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/leadforge/lead-scraper/pkg/config"
	"github.com/leadforge/lead-scraper/pkg/extract"
	"github.com/leadforge/lead-scraper/pkg/fetch"
	"github.com/leadforge/lead-scraper/pkg/jobs"
	"github.com/leadforge/lead-scraper/pkg/log"
	"github.com/leadforge/lead-scraper/pkg/metrics"
	"github.com/leadforge/lead-scraper/pkg/orchestrate"
	"github.com/leadforge/lead-scraper/pkg/page"
	"github.com/leadforge/lead-scraper/pkg/pipeline"
	"github.com/leadforge/lead-scraper/pkg/queue"
	"github.com/leadforge/lead-scraper/pkg/storage"
	"github.com/leadforge/lead-scraper/pkg/watch"
)

// taskQueue is both ends of a queue implementation.
type taskQueue interface {
	queue.Dispatcher
	queue.Consumer
}

// services are the long-lived components of a worker process.
type services struct {
	cfg      *config.AppConfig
	logger   *logrus.Logger
	store    *storage.BadgerStore
	registry *prometheus.Registry
	metrics  *metrics.Pipeline
	queue    taskQueue
	manager  *jobs.Manager
	runner   *pipeline.Runner
	hosts    *fetch.HostSemaphorePool
}

// openStore opens the state directory and seeds the configured structures and accounts.
func openStore(cfg *config.AppConfig, logger *logrus.Logger) (*storage.BadgerStore, error) {
	store, err := storage.NewBadgerStore(cfg.StateDir, log.Component(logger, "storage"))
	if err != nil {
		return nil, err
	}
	if err := seed(store, cfg, time.Now(), log.Component(logger, "seed")); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// seed writes the configured structures, keeping the creation time of those
// already stored, and creates the quota profiles of accounts that have none.
func seed(store storage.Store, cfg *config.AppConfig, now time.Time, logger *logrus.Entry) error {
	for key, declared := range cfg.Structures {
		structure := declared.ToStructure(key, now)
		if existing, err := store.GetStructure(key); err == nil {
			structure.CreatedAt = existing.CreatedAt
		}
		if err := store.PutStructure(structure); err != nil {
			return fmt.Errorf("seeding structure '%s': %w", key, err)
		}
	}
	created := 0
	for owner, account := range cfg.Accounts {
		ok, err := store.EnsureQuota(account.ToQuotaProfile(owner, now))
		if err != nil {
			return fmt.Errorf("seeding account '%s': %w", owner, err)
		}
		if ok {
			created++
		}
	}
	logger.Debugf("Seeded %d structures, created %d quota profiles", len(cfg.Structures), created)
	return nil
}

// newQueue dials the broker when its URL is set in the environment, and falls
// back to the in-process priority queue otherwise.
func newQueue(cfg *config.AppConfig, m *metrics.Pipeline, logger *logrus.Logger) (taskQueue, error) {
	entry := log.Component(logger, "queue")
	if url := os.Getenv(cfg.Queue.AMQPURLEnv); url != "" {
		q, err := queue.DialAMQP(url, cfg.Queue, entry)
		if err != nil {
			return nil, err
		}
		return q, nil
	}
	entry.Infof("%s not set, using the in-process task queue", cfg.Queue.AMQPURLEnv)
	return queue.NewTaskQueue(entry, m.Queue), nil
}

// newRunner assembles the fetch, extraction and token components behind a pipeline runner.
func newRunner(cfg *config.AppConfig, store storage.Store, m *metrics.Pipeline, logger *logrus.Logger) (*pipeline.Runner, *fetch.HostSemaphorePool, error) {
	fetchLog := log.Component(logger, "fetch")
	client := fetch.NewClient(cfg.HTTPClientSettings, fetchLog)
	hosts := fetch.NewHostSemaphorePool(cfg.MaxRequestsPerHost, fetchLog)
	limiter := fetch.NewRateLimiter(cfg.DefaultDelayPerHost, fetchLog)
	fetcher := fetch.NewFetcher(client, hosts, limiter, fetch.OptionsFromConfig(*cfg), fetchLog)

	extractor, err := extract.NewFromConfig(cfg.Extraction, log.Component(logger, "extract"))
	if err != nil {
		return nil, nil, err
	}
	tokens, err := page.NewTokenCounter(cfg.Extraction.TokenizerEncoding)
	if err != nil {
		logger.Warnf("Token budgeting disabled: %v", err)
	}

	runner, err := pipeline.NewRunner(*cfg, pipeline.Deps{
		Store:     store,
		Fetcher:   fetcher,
		Extractor: extractor,
		Tokens:    tokens,
		Metrics:   m,
		Log:       log.Component(logger, "pipeline"),
	})
	if err != nil {
		return nil, nil, err
	}
	return runner, hosts, nil
}

// newServices opens the store and wires the worker components. local forces
// the in-process queue whatever the configuration says.
func newServices(cfg *config.AppConfig, logger *logrus.Logger, local bool) (*services, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	var q taskQueue
	if local {
		q = queue.NewTaskQueue(log.Component(logger, "queue"), m.Queue)
	} else if q, err = newQueue(cfg, m, logger); err != nil {
		store.Close()
		return nil, err
	}
	runner, hosts, err := newRunner(cfg, store, m, logger)
	if err != nil {
		q.Close()
		store.Close()
		return nil, err
	}

	return &services{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: registry,
		metrics:  m,
		queue:    q,
		manager:  jobs.NewManager(store, q, log.Component(logger, "jobs")),
		runner:   runner,
		hosts:    hosts,
	}, nil
}

// background starts the helpers of a worker process. They stop with ctx;
// the returned func waits for the maintenance scheduler.
func (s *services) background(ctx context.Context) (func(), error) {
	if s.cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, s.cfg.Metrics.Addr, s.cfg.Metrics.Path, s.registry, log.Component(s.logger, "metrics")); err != nil {
				s.logger.Errorf("Metrics server error: %v", err)
			}
		}()
	}
	if s.cfg.DBGCInterval > 0 {
		go s.store.RunGC(ctx, s.cfg.DBGCInterval)
	}
	go s.hosts.RunEviction(ctx, 0)

	watchdog := watch.NewWatchdog(s.store, *s.cfg, s.metrics, log.Component(s.logger, "watchdog"))
	go watchdog.Run(ctx)

	maintenance, err := watch.NewMaintenance(s.store, s.cfg.Watchdog, log.Component(s.logger, "maintenance"))
	if err != nil {
		return nil, err
	}
	maintenance.Start()
	return func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		maintenance.Stop(stopCtx)
	}, nil
}

// local reports whether tasks flow through the in-process queue.
func (s *services) local() bool {
	_, ok := s.queue.(*queue.TaskQueue)
	return ok
}

// work runs the worker pool until the queue is closed and drained or ctx is done.
func (s *services) work(ctx context.Context) ([]orchestrate.TaskResult, error) {
	orch := orchestrate.NewOrchestrator(s.cfg.NumWorkers, s.queue, s.runner, s.manager, log.Component(s.logger, "orchestrate"))
	results, err := orch.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return results, err
}

// Close releases the queue and the store.
func (s *services) Close() {
	if err := s.queue.Close(); err != nil {
		s.logger.Warnf("Closing queue: %v", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warnf("Closing store: %v", err)
	}
}
