package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitmark-inc/logger"
	"gorm.io/gorm"

	"stocknity/fault"
	"stocknity/models"
)

// ArchiveRetention is how long terminal tasks are kept by the cleanup job
const ArchiveRetention = 30 * 24 * time.Hour

// TaskArchive is the relational copy of terminal tasks
type TaskArchive struct {
	db  *gorm.DB
	log *logger.L
}

// NewTaskArchive migrates the archive table and returns the archive
func NewTaskArchive(db *gorm.DB, log *logger.L) (*TaskArchive, error) {
	if err := models.MigrateTaskModels(db); err != nil {
		return nil, fmt.Errorf("failed to migrate task archive: %w", err)
	}
	return &TaskArchive{db: db, log: log}, nil
}

// Save upserts the archived task
func (a *TaskArchive) Save(ctx context.Context, task *models.ArchivedTask) error {
	return a.db.WithContext(ctx).Save(task).Error
}

// Get returns the archived task with id
func (a *TaskArchive) Get(ctx context.Context, id string) (*models.ArchivedTask, error) {
	var task models.ArchivedTask
	if err := a.db.WithContext(ctx).Where("id = ?", id).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%s: %w", id, fault.ErrTaskNotFound)
		}
		return nil, err
	}
	return &task, nil
}

// List returns archived tasks, newest first, optionally filtered by status
func (a *TaskArchive) List(ctx context.Context, status string, limit int) ([]models.ArchivedTask, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := a.db.WithContext(ctx).Order("archived_at DESC").Limit(limit)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var tasks []models.ArchivedTask
	if err := query.Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// Cleanup deletes tasks archived before cutoff and returns how many went
func (a *TaskArchive) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	result := a.db.WithContext(ctx).Where("archived_at < ?", cutoff).Delete(&models.ArchivedTask{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		a.log.Infof("removed %d archived tasks older than %s", result.RowsAffected, cutoff.Format(time.RFC3339))
	}
	return result.RowsAffected, nil
}
