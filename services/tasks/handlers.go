// Package tasks maps queued task types onto fetches
package tasks

import (
	"context"
	"fmt"

	"github.com/bitmark-inc/logger"

	"stocknity/fault"
	"stocknity/models"
	"stocknity/services/datafetcher"
	"stocknity/services/queue"
)

//go:generate mockgen -destination=mocks/mock_fetcher.go -package=mocks stocknity/services/tasks Fetcher

// Fetcher is the part of the data fetcher the handlers need
type Fetcher interface {
	Fetch(ctx context.Context, req models.FetchRequest) datafetcher.FetchResult
}

type Handlers struct {
	fetcher Fetcher
	log     *logger.L
}

func New(f Fetcher, log *logger.L) *Handlers {
	return &Handlers{fetcher: f, log: log}
}

// Register installs every handler on pool
func (h *Handlers) Register(pool *queue.WorkerPool) {
	pool.Handle(models.TaskFetchStockData, h.FetchStockData)
	pool.Handle(models.TaskCalculateAnnualReturns, h.CalculateAnnualReturns)
	pool.Handle(models.TaskCalculateSectorAverages, h.CalculateSectorAverages)
}

// FetchStockData refreshes the screener rows for the task's index and sector
func (h *Handlers) FetchStockData(ctx context.Context, task *models.Task) (models.TaskResult, error) {
	dims := task.Payload.Dimensions
	if dims.Index == "" || dims.Sector == "" {
		return models.TaskResult{}, fmt.Errorf("fetch_stock_data needs index and sector: %w", fault.ErrInvalidDimensions)
	}
	return h.run(ctx, task, models.FetchRequest{
		DataType:   models.DataTypeScreenerRows,
		Dimensions: models.Dimensions{Index: dims.Index, Sector: dims.Sector},
	}), nil
}

func (h *Handlers) CalculateAnnualReturns(ctx context.Context, task *models.Task) (models.TaskResult, error) {
	return h.run(ctx, task, models.FetchRequest{DataType: models.DataTypeTimeSeriesReturns}), nil
}

func (h *Handlers) CalculateSectorAverages(ctx context.Context, task *models.Task) (models.TaskResult, error) {
	return h.run(ctx, task, models.FetchRequest{DataType: models.DataTypeSectorAverages}), nil
}

func (h *Handlers) run(ctx context.Context, task *models.Task, req models.FetchRequest) models.TaskResult {
	result := h.fetcher.Fetch(ctx, req)
	if !result.Success {
		h.log.Warnf("Warning: task %s (%s) fetch failed: %s", task.ID, task.Type, result.Error)
		return models.TaskResult{Error: result.Error}
	}
	h.log.Debugf("task %s (%s) fetched %d rows from %s", task.ID, task.Type, result.RecordCount, result.Source)
	return models.TaskResult{
		Success:   true,
		DataCount: result.RecordCount,
		Source:    result.Source,
	}
}
