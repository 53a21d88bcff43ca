// Package queue is the prioritised task queue shared by every process
// attached to the same backend, plus the worker pool that drains it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/google/uuid"

	"stocknity/fault"
	"stocknity/models"
	"stocknity/services/backend"
)

// DefaultTaskTTL bounds how long a task record lives in the backend
const DefaultTaskTTL = time.Hour

// priorityScale keeps priorities apart in the zset score; seq stays well
// below it for the lifetime of a deployment
const priorityScale = 1e12

var (
	queueKey      = backend.Namespace("task_queue")
	seqKey        = backend.Namespace("task_queue", "seq")
	taskPrefix    = backend.Namespace("task") + ":"
	processingKey = backend.Namespace("tasks", "processing")
	completedKey  = backend.Namespace("tasks", "completed")
	failedKey     = backend.Namespace("tasks", "failed")
)

// Archiver keeps terminal tasks beyond the record TTL
type Archiver interface {
	Save(ctx context.Context, task *models.ArchivedTask) error
	Get(ctx context.Context, id string) (*models.ArchivedTask, error)
}

// Publisher receives task lifecycle events
type Publisher interface {
	Publish(eventType string, data interface{})
}

// Queue stores tasks in the backend and orders them in a zset
type Queue struct {
	backend backend.Backend
	log     *logger.L
	archive Archiver
	events  Publisher
	ttl     time.Duration
	now     func() time.Time
}

// Option customises a Queue
type Option func(*Queue)

func WithArchive(a Archiver) Option {
	return func(q *Queue) { q.archive = a }
}

func WithPublisher(p Publisher) Option {
	return func(q *Queue) { q.events = p }
}

func WithTaskTTL(ttl time.Duration) Option {
	return func(q *Queue) { q.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue over b
func New(b backend.Backend, log *logger.L, opts ...Option) *Queue {
	q := &Queue{
		backend: b,
		log:     log,
		ttl:     DefaultTaskTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Ping reports whether the backend is reachable
func (q *Queue) Ping(ctx context.Context) error {
	return q.backend.Ping(ctx)
}

// Enqueue stores a new pending task and returns its id
func (q *Queue) Enqueue(ctx context.Context, taskType string, payload models.TaskPayload, priority models.Priority) (string, error) {
	if strings.TrimSpace(taskType) == "" {
		return "", fault.ErrInvalidTaskType
	}
	if !priority.Valid() {
		return "", fmt.Errorf("%d: %w", int(priority), fault.ErrInvalidPriority)
	}

	now := q.now()
	task := &models.Task{
		ID:         uuid.New().String(),
		Type:       taskType,
		Payload:    payload,
		Priority:   priority,
		Status:     models.TaskPending,
		MaxRetries: models.DefaultMaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := q.save(ctx, task); err != nil {
		return "", err
	}
	if err := q.push(ctx, task); err != nil {
		return "", err
	}

	q.log.Debugf("enqueued %s task %s at %s", task.Type, task.ID, task.Priority)
	q.publish("task_enqueued", task)
	return task.ID, nil
}

func (q *Queue) push(ctx context.Context, task *models.Task) error {
	seq, err := q.backend.Incr(ctx, seqKey)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.ID, err)
	}
	score := float64(task.Priority)*priorityScale - float64(seq)
	if err := q.backend.ZAdd(ctx, queueKey, score, task.ID); err != nil {
		return fmt.Errorf("enqueue %s: %w", task.ID, err)
	}
	return nil
}

// Dequeue pops the highest-priority task and marks it processing. It
// returns nil when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*models.Task, error) {
	for {
		id, ok, err := q.backend.ZPopMax(ctx, queueKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}

		task, err := q.load(ctx, id)
		if errors.Is(err, fault.ErrTaskNotFound) {
			q.log.Warnf("Warning: dropping expired task %s from queue", id)
			continue
		}
		if err != nil {
			return nil, err
		}

		task.Status = models.TaskProcessing
		task.UpdatedAt = q.now()
		if err := q.save(ctx, task); err != nil {
			return nil, err
		}
		if err := q.backend.SAdd(ctx, processingKey, task.ID); err != nil {
			return nil, err
		}
		return task, nil
	}
}

// Complete records a successful run. Completing a terminal task is a no-op.
func (q *Queue) Complete(ctx context.Context, id string, result models.TaskResult) error {
	task, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}

	task.Status = models.TaskCompleted
	task.Result = &result
	task.UpdatedAt = q.now()
	if err := q.save(ctx, task); err != nil {
		return err
	}
	if err := q.backend.SRem(ctx, processingKey, id); err != nil {
		return err
	}
	if err := q.backend.SAdd(ctx, completedKey, id); err != nil {
		return err
	}

	q.archiveTask(ctx, task)
	q.publish("task_completed", task)
	return nil
}

// Fail records a failed run. The task is queued again behind tasks of the
// same priority until its retries are used up, then marked failed. Failing
// a terminal task is a no-op.
func (q *Queue) Fail(ctx context.Context, id string, message string) error {
	task, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}

	task.RetryCount++
	task.ErrorMessage = message
	task.UpdatedAt = q.now()

	if err := q.backend.SRem(ctx, processingKey, id); err != nil {
		return err
	}

	if task.RetryCount < task.MaxRetries {
		task.Status = models.TaskRetry
		if err := q.save(ctx, task); err != nil {
			return err
		}
		q.log.Warnf("Warning: task %s failed (attempt %d/%d): %s", id, task.RetryCount, task.MaxRetries, message)
		if err := q.push(ctx, task); err != nil {
			return err
		}
		q.publish("task_retry", task)
		return nil
	}

	task.Status = models.TaskFailed
	if err := q.save(ctx, task); err != nil {
		return err
	}
	if err := q.backend.SAdd(ctx, failedKey, id); err != nil {
		return err
	}
	q.log.Errorf("ERROR: task %s failed permanently after %d attempts: %s", id, task.RetryCount, message)

	q.archiveTask(ctx, task)
	q.publish("task_failed", task)
	return nil
}

// GetStatus returns the task with id. Tasks whose record has expired are
// served from the archive when one is configured.
func (q *Queue) GetStatus(ctx context.Context, id string) (*models.Task, error) {
	task, err := q.load(ctx, id)
	if err == nil || !errors.Is(err, fault.ErrTaskNotFound) || q.archive == nil {
		return task, err
	}

	archived, aerr := q.archive.Get(ctx, id)
	if aerr != nil {
		return nil, err
	}
	return fromArchive(archived), nil
}

// Stats counts tasks per state
func (q *Queue) Stats(ctx context.Context) (models.QueueStats, error) {
	var (
		stats models.QueueStats
		err   error
	)
	if stats.Pending, err = q.backend.ZCard(ctx, queueKey); err != nil {
		return stats, err
	}
	if stats.Processing, err = q.backend.SCard(ctx, processingKey); err != nil {
		return stats, err
	}
	if stats.Completed, err = q.backend.SCard(ctx, completedKey); err != nil {
		return stats, err
	}
	if stats.Failed, err = q.backend.SCard(ctx, failedKey); err != nil {
		return stats, err
	}
	return stats, nil
}

// Failed lists the tasks that used up their retries, most recent first
func (q *Queue) Failed(ctx context.Context) ([]models.Task, error) {
	ids, err := q.backend.SMembers(ctx, failedKey)
	if err != nil {
		return nil, err
	}
	tasks := make([]models.Task, 0, len(ids))
	for _, id := range ids {
		task, err := q.load(ctx, id)
		if errors.Is(err, fault.ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt) })
	return tasks, nil
}

// Prune removes set members whose task record has expired and returns how
// many were dropped
func (q *Queue) Prune(ctx context.Context) (int, error) {
	dropped := 0
	for _, set := range []string{processingKey, completedKey, failedKey} {
		ids, err := q.backend.SMembers(ctx, set)
		if err != nil {
			return dropped, err
		}
		for _, id := range ids {
			if _, err := q.backend.Get(ctx, taskPrefix+id); !errors.Is(err, fault.ErrKeyNotFound) {
				continue
			}
			if err := q.backend.SRem(ctx, set, id); err != nil {
				return dropped, err
			}
			dropped++
		}
	}
	if dropped > 0 {
		q.log.Infof("pruned %d expired task references", dropped)
	}
	return dropped, nil
}

func (q *Queue) load(ctx context.Context, id string) (*models.Task, error) {
	data, err := q.backend.Get(ctx, taskPrefix+id)
	if errors.Is(err, fault.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", id, fault.ErrTaskNotFound)
	}
	if err != nil {
		return nil, err
	}
	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &task, nil
}

func (q *Queue) save(ctx context.Context, task *models.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	return q.backend.Set(ctx, taskPrefix+task.ID, data, q.ttl)
}

func (q *Queue) archiveTask(ctx context.Context, task *models.Task) {
	if q.archive == nil {
		return
	}
	if err := q.archive.Save(ctx, models.NewArchivedTask(task, q.now())); err != nil {
		q.log.Warnf("Warning: could not archive task %s: %v", task.ID, err)
	}
}

func (q *Queue) publish(eventType string, task *models.Task) {
	if q.events == nil {
		return
	}
	q.events.Publish(eventType, map[string]interface{}{
		"id":          task.ID,
		"type":        task.Type,
		"priority":    task.Priority.String(),
		"status":      task.Status,
		"retry_count": task.RetryCount,
		"error":       task.ErrorMessage,
	})
}

func fromArchive(a *models.ArchivedTask) *models.Task {
	task := &models.Task{
		ID:       a.ID,
		Type:     a.Type,
		Priority: models.Priority(a.Priority),
		Status:   models.TaskStatus(a.Status),
		Payload: models.TaskPayload{
			Dimensions: models.Dimensions{Index: a.Index, Sector: a.Sector},
		},
		RetryCount:   a.RetryCount,
		MaxRetries:   a.MaxRetries,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
		ErrorMessage: a.ErrorMessage,
	}
	if task.Status == models.TaskCompleted {
		task.Result = &models.TaskResult{
			Success:   true,
			Source:    a.Source,
			DataCount: a.DataCount,
		}
	}
	return task
}
