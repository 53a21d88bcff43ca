package models

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"stocknity/fault"
)

// Task types handled by the worker pool
const (
	TaskFetchStockData          = "fetch_stock_data"
	TaskCalculateAnnualReturns  = "calculate_annual_returns"
	TaskCalculateSectorAverages = "calculate_sector_averages"
)

// DefaultMaxRetries is applied when a task is enqueued without a limit
const DefaultMaxRetries = 3

// Priority orders tasks in the queue, higher first
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the four levels
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// ParsePriority accepts the lower-case level names
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return 0, fmt.Errorf("%q: %w", s, fault.ErrInvalidPriority)
}

// TaskStatus is the lifecycle state of a task
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskRetry      TaskStatus = "retry"
)

// IsTerminal reports whether no further transitions are allowed
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskPayload carries what a handler needs to run a task
type TaskPayload struct {
	Dimensions Dimensions `json:"dimensions"`
}

// TaskResult is what a handler reports back
type TaskResult struct {
	Success   bool   `json:"success"`
	DataCount int    `json:"data_count"`
	Source    string `json:"source,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Task is a unit of background work
type Task struct {
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	Payload      TaskPayload `json:"payload"`
	Priority     Priority    `json:"priority"`
	Status       TaskStatus  `json:"status"`
	RetryCount   int         `json:"retry_count"`
	MaxRetries   int         `json:"max_retries"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	Result       *TaskResult `json:"result,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// QueueStats counts tasks per state
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// ArchivedTask is the durable copy of a task that reached a terminal state
type ArchivedTask struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Type         string    `gorm:"index" json:"type"`
	Priority     int       `json:"priority"`
	Status       string    `gorm:"index" json:"status"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	Index        string    `json:"index"`
	Sector       string    `json:"sector"`
	ErrorMessage string    `json:"error_message"`
	Source       string    `json:"source"`
	DataCount    int       `json:"data_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	ArchivedAt   time.Time `gorm:"index" json:"archived_at"`
}

// NewArchivedTask flattens a task for the archive table
func NewArchivedTask(t *Task, now time.Time) *ArchivedTask {
	a := &ArchivedTask{
		ID:           t.ID,
		Type:         t.Type,
		Priority:     int(t.Priority),
		Status:       string(t.Status),
		RetryCount:   t.RetryCount,
		MaxRetries:   t.MaxRetries,
		Index:        t.Payload.Dimensions.Index,
		Sector:       t.Payload.Dimensions.Sector,
		ErrorMessage: t.ErrorMessage,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		ArchivedAt:   now,
	}
	if t.Result != nil {
		a.Source = t.Result.Source
		a.DataCount = t.Result.DataCount
	}
	return a
}

// MigrateTaskModels runs database migrations for the task archive
func MigrateTaskModels(db *gorm.DB) error {
	return db.AutoMigrate(&ArchivedTask{})
}
