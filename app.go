package main

import (
	"context"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"

	"stocknity/config"
	"stocknity/models"
	"stocknity/routes"
	"stocknity/scheduler"
	"stocknity/services/backend"
	"stocknity/services/cache"
	"stocknity/services/datafetcher"
	"stocknity/services/events"
	"stocknity/services/history"
	"stocknity/services/metrics"
	"stocknity/services/queue"
	"stocknity/services/ratelimit"
	"stocknity/services/snapshot"
	"stocknity/services/tasks"
	"stocknity/services/tracker"
)

// app holds every long-lived component of the service
type app struct {
	cfg      *config.Config
	log      *logger.L
	registry *prometheus.Registry

	backend   backend.Backend
	store     *cache.Store
	tracker   *tracker.Tracker
	limiter   *ratelimit.Limiter
	fetcher   *datafetcher.DataFetcher
	queue     *queue.Queue
	pool      *queue.WorkerPool
	scheduler *scheduler.Scheduler
	hub       *events.Hub

	// optional stores, nil when not configured or unreachable
	db        *gorm.DB
	history   *history.Store
	snapshots *snapshot.Store
}

// newApp wires the components. Only the shared backend is required; the
// durable stores degrade to nil with a warning.
func newApp(ctx context.Context, cfg *config.Config) *app {
	a := &app{
		cfg:      cfg,
		log:      logger.New("app"),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.registry)

	a.backend = openBackend(cfg, a.log)
	a.openDurableStores(ctx)

	a.store = cache.NewStore(a.backend, logger.New("cache"),
		cache.WithRetention(cfg.CacheRetention),
		cache.WithMetrics(m),
	)

	var recorder tracker.HistoryRecorder
	if a.history != nil {
		recorder = a.history
	}
	a.tracker = tracker.New(a.store, recorder, logger.New("tracker"))
	a.limiter = ratelimit.New(cfg.CallsPerSecond, logger.New("ratelimit"))
	a.hub = events.NewHub(logger.New("events"))

	fetchOpts := []datafetcher.Option{
		datafetcher.WithPublisher(a.hub),
		datafetcher.WithMetrics(m),
	}
	if a.snapshots != nil {
		fetchOpts = append(fetchOpts, datafetcher.WithMirror(a.snapshots))
	}
	a.fetcher = datafetcher.NewDataFetcher(a.store, a.tracker, a.limiter, datafetcher.Config{
		PendingTimeout: cfg.PendingTimeout,
		PendingWait:    cfg.PendingWait,
		TTL:            cfg.TTL,
	}, logger.New("fetcher"), fetchOpts...)
	a.registerSources()

	queueOpts := []queue.Option{queue.WithPublisher(a.hub)}
	schedOpts := []scheduler.Option{scheduler.WithMetrics(m)}
	if a.db != nil {
		archive, err := queue.NewTaskArchive(a.db, logger.New("archive"))
		if err != nil {
			a.log.Errorf("ERROR: task archive migration: %v", err)
		} else {
			queueOpts = append(queueOpts, queue.WithArchive(archive))
			schedOpts = append(schedOpts, scheduler.WithArchive(archive))
		}
	}
	if a.history != nil {
		schedOpts = append(schedOpts, scheduler.WithHistory(a.history))
	}

	a.queue = queue.New(a.backend, logger.New("queue"), queueOpts...)
	a.pool = queue.NewWorkerPool(a.queue, cfg.Workers, logger.New("worker"), queue.WithPoolMetrics(m))
	tasks.New(a.fetcher, logger.New("tasks")).Register(a.pool)
	a.scheduler = scheduler.NewScheduler(a.queue, a.store, cfg.Scheduler, logger.New("scheduler"), schedOpts...)

	return a
}

func openBackend(cfg *config.Config, log *logger.L) backend.Backend {
	if cfg.BackendMode == "memory" {
		log.Warn("Warning: using in-process backend; cache and queue are not shared between processes")
		return backend.NewMemory()
	}

	r, err := backend.NewRedis(backend.RedisConfig{
		URL:          cfg.RedisURL,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     cfg.RedisPoolSize,
	}, logger.New("redis"))
	if err != nil {
		log.Errorf("ERROR: redis connection failed: %v", err)
		log.Warn("Warning: falling back to in-process backend")
		return backend.NewMemory()
	}
	return r
}

func (a *app) openDurableStores(ctx context.Context) {
	db, err := config.InitDB(a.cfg, logger.New("db"))
	if err != nil {
		a.log.Warnf("Warning: task archive disabled: %v", err)
	} else {
		a.db = db
	}

	hist, err := history.Open(a.cfg.HistoryPath, logger.New("history"))
	if err != nil {
		a.log.Warnf("Warning: API call history disabled: %v", err)
	} else {
		a.history = hist
	}

	if a.cfg.MongoURI == "" {
		a.log.Info("MONGODB_URI not set, snapshot mirror disabled")
		return
	}
	snaps, err := snapshot.Connect(ctx, a.cfg.MongoURI, a.cfg.MongoDB, logger.New("snapshot"))
	if err != nil {
		a.log.Warnf("Warning: snapshot mirror disabled: %v", err)
		return
	}
	a.snapshots = snaps
}

// registerSources installs the providers in fallback order. The Mongo
// snapshot, when present, is the last resort for every upstream type.
func (a *app) registerSources() {
	httpSource := func(sc config.SourceConfig) datafetcher.Source {
		return datafetcher.NewHTTPSource(datafetcher.HTTPSourceConfig{
			Name:     sc.Name,
			BaseURL:  sc.BaseURL,
			Endpoint: sc.Endpoint,
			APIKey:   a.cfg.SourceAPIKey,
			Timeout:  a.cfg.SourceTimeout,
			MaxBody:  a.cfg.SourceMaxBody,
		}, logger.New("source"))
	}

	for _, sc := range a.cfg.ScreenerSources {
		if sc.BaseURL == "" {
			a.log.Warnf("Warning: source %s has no URL, skipped", sc.Name)
			continue
		}
		a.fetcher.Register(models.DataTypeScreenerRows, httpSource(sc))
	}
	if a.cfg.ReturnsSource.BaseURL != "" {
		a.fetcher.Register(models.DataTypeTimeSeriesReturns, httpSource(a.cfg.ReturnsSource))
	}
	if a.cfg.ScoreSource.BaseURL != "" {
		a.fetcher.Register(models.DataTypeDerivedScore, httpSource(a.cfg.ScoreSource))
	}
	a.fetcher.Register(models.DataTypeSectorAverages, datafetcher.NewSectorAverageSource(a.store))

	if a.snapshots != nil {
		for _, dataType := range []models.DataType{
			models.DataTypeScreenerRows,
			models.DataTypeTimeSeriesReturns,
			models.DataTypeDerivedScore,
		} {
			a.fetcher.Register(dataType, a.snapshots.SourceFor(dataType))
		}
	}
}

func (a *app) services() routes.Services {
	return routes.Services{
		Store:     a.store,
		Tracker:   a.tracker,
		Fetcher:   a.fetcher,
		Queue:     a.queue,
		Pool:      a.pool,
		Scheduler: a.scheduler,
		Hub:       a.hub,
		Limiter:   a.limiter,
		History:   a.history,
		Snapshots: a.snapshots,
	}
}

// start runs the workers and the triggers
func (a *app) start(ctx context.Context) error {
	a.pool.Start(ctx)
	return a.scheduler.Start()
}

// ready reports the first dependency that is not reachable
func (a *app) ready(ctx context.Context) error {
	if err := a.backend.Ping(ctx); err != nil {
		return err
	}
	if a.db != nil {
		sqlDB, err := a.db.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return err
		}
	}
	return nil
}

// stop releases everything in reverse start order
func (a *app) stop() {
	a.scheduler.Stop()
	a.pool.Stop()
	a.hub.Shutdown()

	if a.snapshots != nil {
		if err := a.snapshots.Close(); err != nil {
			a.log.Warnf("Warning: snapshot close: %v", err)
		}
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.log.Warnf("Warning: history close: %v", err)
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			sqlDB.Close()
			a.log.Info("database connection closed")
		}
	}
	if err := a.backend.Close(); err != nil {
		a.log.Warnf("Warning: backend close: %v", err)
	}
}
