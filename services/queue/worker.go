package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitmark-inc/logger"
	"go.uber.org/atomic"

	"stocknity/models"
	"stocknity/services/metrics"
)

// DefaultPollInterval is how long an idle worker sleeps before polling again
const DefaultPollInterval = time.Second

// HandlerFunc runs one task. A returned error or a result without Success
// counts as a failed attempt.
type HandlerFunc func(ctx context.Context, task *models.Task) (models.TaskResult, error)

// PoolStats is a snapshot of the pool counters
type PoolStats struct {
	Workers   int   `json:"workers"`
	Running   bool  `json:"running"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// WorkerPool drains the queue with a fixed number of workers
type WorkerPool struct {
	queue        *Queue
	workers      int
	pollInterval time.Duration
	log          *logger.L
	metrics      *metrics.Metrics

	handlers map[string]HandlerFunc

	mu       sync.RWMutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	processed atomic.Int64
	failed    atomic.Int64
}

// PoolOption customises a WorkerPool
type PoolOption func(*WorkerPool)

func WithPollInterval(d time.Duration) PoolOption {
	return func(p *WorkerPool) { p.pollInterval = d }
}

func WithPoolMetrics(m *metrics.Metrics) PoolOption {
	return func(p *WorkerPool) { p.metrics = m }
}

// NewWorkerPool creates a stopped pool of workers
func NewWorkerPool(q *Queue, workers int, log *logger.L, opts ...PoolOption) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	p := &WorkerPool{
		queue:        q,
		workers:      workers,
		pollInterval: DefaultPollInterval,
		log:          log,
		handlers:     make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle registers fn for taskType. Register handlers before Start.
func (p *WorkerPool) Handle(taskType string, fn HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[taskType] = fn
}

// Start launches the workers
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopChan = make(chan struct{})
	stop := p.stopChan
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i, stop)
	}
	p.log.Infof("worker pool started with %d workers", p.workers)
}

// Stop signals the workers and waits for in-flight tasks to finish
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopChan)
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

// IsRunning returns whether the pool has been started
func (p *WorkerPool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Stats returns the pool counters
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Workers:   p.workers,
		Running:   p.IsRunning(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *WorkerPool) work(ctx context.Context, n int, stop <-chan struct{}) {
	defer p.wg.Done()
	p.log.Debugf("worker %d started", n)

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.log.Errorf("ERROR: worker %d dequeue: %v", n, err)
		}
		if task == nil {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}

		p.process(ctx, task)
	}
}

func (p *WorkerPool) process(ctx context.Context, task *models.Task) {
	p.mu.RLock()
	handler, ok := p.handlers[task.Type]
	p.mu.RUnlock()

	var (
		result models.TaskResult
		err    error
	)
	if !ok {
		err = fmt.Errorf("no handler for task type %q", task.Type)
	} else {
		result, err = p.run(ctx, handler, task)
	}
	if err == nil && !result.Success {
		err = fmt.Errorf("%s", orDefault(result.Error, "task reported failure"))
	}

	if err != nil {
		p.failed.Inc()
		p.metrics.TaskProcessed(task.Type, "failed")
		if ferr := p.queue.Fail(ctx, task.ID, err.Error()); ferr != nil {
			p.log.Errorf("ERROR: could not record failure of task %s: %v", task.ID, ferr)
		}
		return
	}

	p.processed.Inc()
	p.metrics.TaskProcessed(task.Type, "completed")
	if cerr := p.queue.Complete(ctx, task.ID, result); cerr != nil {
		p.log.Errorf("ERROR: could not complete task %s: %v", task.ID, cerr)
	}
}

// run calls handler, turning a panic into an error
func (p *WorkerPool) run(ctx context.Context, handler HandlerFunc, task *models.Task) (result models.TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Criticalf("task %s panicked: %v", task.ID, r)
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return handler(ctx, task)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
