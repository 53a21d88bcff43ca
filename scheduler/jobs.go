package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/go-co-op/gocron"

	"stocknity/models"
	"stocknity/services/cache"
	"stocknity/services/metrics"
)

// TaskQueue is the part of the queue the scheduler drives
type TaskQueue interface {
	Enqueue(ctx context.Context, taskType string, payload models.TaskPayload, priority models.Priority) (string, error)
	Stats(ctx context.Context) (models.QueueStats, error)
	Ping(ctx context.Context) error
	Prune(ctx context.Context) (int, error)
}

// CacheStore is the part of the cache the scheduler reads and clears
type CacheStore interface {
	ClearAll(ctx context.Context) (int, error)
	Stat(ctx context.Context, key string) (cache.EntryInfo, bool, error)
}

// Pruner drops durable records older than a cutoff
type Pruner interface {
	Cleanup(ctx context.Context, cutoff time.Time) (int64, error)
}

// RefreshResult reports what a refresh enqueued
type RefreshResult struct {
	Enqueued int      `json:"enqueued"`
	TaskIDs  []string `json:"task_ids"`
	Cleared  int      `json:"cleared,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// HealthReport is the outcome of the last health check
type HealthReport struct {
	CheckedAt    time.Time         `json:"checked_at"`
	BackendUp    bool              `json:"backend_up"`
	BackendError string            `json:"backend_error,omitempty"`
	Queue        models.QueueStats `json:"queue"`
}

// CleanupReport is the outcome of a cleanup run
type CleanupReport struct {
	ArchivedRemoved int64 `json:"archived_removed"`
	HistoryRemoved  int64 `json:"history_removed"`
	TaskRefsPruned  int   `json:"task_refs_pruned"`
}

// JobStatus describes one trigger
type JobStatus struct {
	Name     string    `json:"name"`
	Unit     string    `json:"unit,omitempty"`
	Interval int       `json:"interval,omitempty"`
	LastRun  time.Time `json:"last_run,omitempty"`
	NextRun  time.Time `json:"next_run,omitempty"`
}

// Status is the scheduler snapshot served to operators
type Status struct {
	Running    bool              `json:"running"`
	Jobs       []JobStatus       `json:"jobs"`
	Queue      models.QueueStats `json:"queue"`
	LastHealth *HealthReport     `json:"last_health,omitempty"`
	Config     Config            `json:"config"`
}

// CombinationStatus is the cache state of one (index, sector) pair
type CombinationStatus struct {
	Index  string `json:"index"`
	Sector string `json:"sector"`
	Key    string `json:"key"`
	State  string `json:"state"`
	AgeSec int64  `json:"age_seconds,omitempty"`
}

// Cache states reported by CacheStatus
const (
	StateFresh   = "fresh"
	StateStale   = "stale"
	StateMissing = "missing"
)

// Scheduler manages scheduled jobs
type Scheduler struct {
	cron    *gocron.Scheduler
	cfg     Config
	queue   TaskQueue
	cache   CacheStore
	archive Pruner
	history Pruner
	metrics *metrics.Metrics
	log     *logger.L
	now     func() time.Time

	mu         sync.RWMutex
	running    bool
	lastRun    map[string]time.Time
	lastHealth *HealthReport
}

// Option customises a Scheduler
type Option func(*Scheduler)

func WithArchive(p Pruner) Option {
	return func(s *Scheduler) { s.archive = p }
}

func WithHistory(p Pruner) Option {
	return func(s *Scheduler) { s.history = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a new scheduler instance
func NewScheduler(q TaskQueue, c CacheStore, cfg Config, log *logger.L, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:    gocron.NewScheduler(time.UTC),
		cfg:     cfg,
		queue:   q,
		cache:   c,
		log:     log,
		now:     time.Now,
		lastRun: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers every trigger and starts the cron loop
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	s.log.Info("starting scheduler")

	start := s.now().Add(time.Duration(s.cfg.StartDelayMinutes) * time.Minute)
	if _, err := s.cron.Every(1).Day().StartAt(start).LimitRunsTo(1).Tag(JobInitialRefresh).
		Do(s.job(JobInitialRefresh, s.runRefresh)); err != nil {
		return fmt.Errorf("schedule %s: %w", JobInitialRefresh, err)
	}

	// Every opens one job chain, so each trigger calls it exactly once
	var refresh *gocron.Scheduler
	if s.cfg.DataFetchIntervalMinutes >= minutesPerDay {
		refresh = s.cron.Every(1).Day().At(s.cfg.DailyRefresh)
	} else {
		refresh = s.cron.Every(s.cfg.DataFetchIntervalMinutes).Minutes().WaitForSchedule()
	}
	if _, err := refresh.Tag(JobRefresh).SingletonMode().Do(s.job(JobRefresh, s.runRefresh)); err != nil {
		return fmt.Errorf("schedule %s: %w", JobRefresh, err)
	}

	if _, err := s.cron.Every(s.cfg.HealthCheckIntervalMinutes).Minutes().Tag(JobHealthCheck).
		Do(s.job(JobHealthCheck, s.runHealthCheck)); err != nil {
		return fmt.Errorf("schedule %s: %w", JobHealthCheck, err)
	}

	var cleanup *gocron.Scheduler
	if s.cfg.CleanupIntervalDays == 7 {
		cleanup = s.cron.Every(1).Week().Sunday().At(s.cfg.WeeklyCleanup)
	} else {
		cleanup = s.cron.Every(s.cfg.CleanupIntervalDays).Days().At(s.cfg.WeeklyCleanup)
	}
	if _, err := cleanup.Tag(JobCleanup).SingletonMode().Do(s.job(JobCleanup, s.runCleanup)); err != nil {
		return fmt.Errorf("schedule %s: %w", JobCleanup, err)
	}

	s.cron.StartAsync()
	s.running = true
	s.log.Infof("scheduler started, first refresh at %s", start.UTC().Format(time.RFC3339))
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	// running jobs take s.mu, so the cron loop is stopped without it
	s.cron.Stop()
	s.cron.Clear()
	s.log.Info("scheduler stopped")
}

// IsRunning returns whether the cron loop is active
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) job(name string, fn func(ctx context.Context)) func() {
	return func() {
		s.mu.Lock()
		s.lastRun[name] = s.now()
		s.mu.Unlock()
		fn(context.Background())
	}
}

func (s *Scheduler) runRefresh(ctx context.Context) {
	result := s.ScheduledRefresh(ctx)
	s.log.Infof("scheduled refresh enqueued %d tasks", result.Enqueued)
}

func (s *Scheduler) runHealthCheck(ctx context.Context) {
	s.HealthCheck(ctx)
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	if _, err := s.Cleanup(ctx); err != nil {
		s.log.Errorf("ERROR: cleanup: %v", err)
	}
}

func (s *Scheduler) enqueue(ctx context.Context, result *RefreshResult, taskType string, dims models.Dimensions, priority models.Priority) {
	id, err := s.queue.Enqueue(ctx, taskType, models.TaskPayload{Dimensions: dims}, priority)
	if err != nil {
		s.log.Warnf("Warning: could not enqueue %s %s/%s: %v", taskType, dims.Index, dims.Sector, err)
		result.Errors = append(result.Errors, err.Error())
		return
	}
	result.Enqueued++
	result.TaskIDs = append(result.TaskIDs, id)
}

func (s *Scheduler) enqueueAll(ctx context.Context, result *RefreshResult, priority models.Priority) {
	for _, dims := range models.Combinations() {
		s.enqueue(ctx, result, models.TaskFetchStockData, dims, priority)
	}
	s.enqueue(ctx, result, models.TaskCalculateAnnualReturns, models.Dimensions{}, priority)
	// averages are derived from the screener rows, so they queue behind them
	s.enqueue(ctx, result, models.TaskCalculateSectorAverages, models.Dimensions{}, models.PriorityNormal)
}

// ScheduledRefresh enqueues a high-priority fetch for every combination
func (s *Scheduler) ScheduledRefresh(ctx context.Context) RefreshResult {
	var result RefreshResult
	s.enqueueAll(ctx, &result, models.PriorityHigh)
	return result
}

// ManualRefresh enqueues an urgent fetch for dims. Empty dims refresh
// every combination at high priority.
func (s *Scheduler) ManualRefresh(ctx context.Context, dims models.Dimensions) (RefreshResult, error) {
	var result RefreshResult
	if dims.Index == "" && dims.Sector == "" {
		s.enqueueAll(ctx, &result, models.PriorityHigh)
		return result, nil
	}
	if _, err := models.CacheKey(models.DataTypeScreenerRows, dims); err != nil {
		return result, err
	}
	id, err := s.queue.Enqueue(ctx, models.TaskFetchStockData, models.TaskPayload{Dimensions: dims}, models.PriorityUrgent)
	if err != nil {
		return result, err
	}
	s.log.Infof("manual refresh of %s/%s queued as %s", dims.Index, dims.Sector, id)
	result.Enqueued = 1
	result.TaskIDs = []string{id}
	return result, nil
}

// ForceRefreshAll clears the cache and enqueues every combination as urgent
func (s *Scheduler) ForceRefreshAll(ctx context.Context) (RefreshResult, error) {
	var result RefreshResult
	cleared, err := s.cache.ClearAll(ctx)
	if err != nil {
		return result, fmt.Errorf("clear cache: %w", err)
	}
	result.Cleared = cleared
	s.log.Warnf("Warning: force refresh cleared %d cache entries", cleared)
	s.enqueueAll(ctx, &result, models.PriorityUrgent)
	return result, nil
}

// HealthCheck reads queue and backend state without changing either
func (s *Scheduler) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{CheckedAt: s.now(), BackendUp: true}
	if err := s.queue.Ping(ctx); err != nil {
		report.BackendUp = false
		report.BackendError = err.Error()
		s.log.Errorf("ERROR: health check: backend unreachable: %v", err)
	}
	if report.BackendUp {
		stats, err := s.queue.Stats(ctx)
		if err != nil {
			s.log.Warnf("Warning: health check: queue stats: %v", err)
		} else {
			report.Queue = stats
			s.metrics.QueueDepth(stats.Pending, stats.Processing, stats.Completed, stats.Failed)
		}
	}
	s.log.Infof("health check: backend_up=%t pending=%d processing=%d completed=%d failed=%d",
		report.BackendUp, report.Queue.Pending, report.Queue.Processing, report.Queue.Completed, report.Queue.Failed)

	s.mu.Lock()
	s.lastHealth = &report
	s.mu.Unlock()
	return report
}

// Cleanup drops archived tasks and call history past retention, and
// expired task references
func (s *Scheduler) Cleanup(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport
	cutoff := s.now().Add(-s.cfg.ArchiveRetention)

	if s.archive != nil {
		n, err := s.archive.Cleanup(ctx, cutoff)
		if err != nil {
			return report, fmt.Errorf("archive cleanup: %w", err)
		}
		report.ArchivedRemoved = n
	}
	if s.history != nil {
		n, err := s.history.Cleanup(ctx, cutoff)
		if err != nil {
			return report, fmt.Errorf("history cleanup: %w", err)
		}
		report.HistoryRemoved = n
	}
	n, err := s.queue.Prune(ctx)
	if err != nil {
		return report, fmt.Errorf("prune task references: %w", err)
	}
	report.TaskRefsPruned = n

	s.log.Infof("cleanup completed: archived=%d history=%d refs=%d",
		report.ArchivedRemoved, report.HistoryRemoved, report.TaskRefsPruned)
	return report, nil
}

// Status reports triggers, queue counts and the last health check
func (s *Scheduler) Status(ctx context.Context) Status {
	s.mu.RLock()
	status := Status{
		Running:    s.running,
		LastHealth: s.lastHealth,
		Config:     s.cfg,
	}
	lastRun := make(map[string]time.Time, len(s.lastRun))
	for k, v := range s.lastRun {
		lastRun[k] = v
	}
	s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, job := range s.cron.Jobs() {
		for _, tag := range job.Tags() {
			seen[tag] = true
			status.Jobs = append(status.Jobs, JobStatus{
				Name:     tag,
				Unit:     job.ScheduledUnit(),
				Interval: job.ScheduledInterval(),
				LastRun:  lastRun[tag],
				NextRun:  job.NextRun(),
			})
		}
	}
	for name, at := range lastRun {
		if !seen[name] {
			status.Jobs = append(status.Jobs, JobStatus{Name: name, LastRun: at})
		}
	}
	sort.Slice(status.Jobs, func(i, j int) bool { return status.Jobs[i].Name < status.Jobs[j].Name })

	if stats, err := s.queue.Stats(ctx); err == nil {
		status.Queue = stats
	}
	return status
}

// CacheStatus reports fresh, stale or missing for every combination
func (s *Scheduler) CacheStatus(ctx context.Context) ([]CombinationStatus, error) {
	combos := models.Combinations()
	out := make([]CombinationStatus, 0, len(combos))
	for _, dims := range combos {
		key := models.ScreenerKey(dims.Index, dims.Sector)
		cs := CombinationStatus{Index: dims.Index, Sector: dims.Sector, Key: key, State: StateMissing}
		info, ok, err := s.cache.Stat(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			cs.State = StateStale
			if info.Fresh {
				cs.State = StateFresh
			}
			cs.AgeSec = int64(info.Age / time.Second)
		}
		out = append(out, cs)
	}
	return out, nil
}
