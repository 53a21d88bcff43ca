package tasks_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocknity/fault"
	"stocknity/models"
	"stocknity/services/backend"
	"stocknity/services/datafetcher"
	"stocknity/services/queue"
	"stocknity/services/tasks"
	"stocknity/services/tasks/mocks"
)

func TestMain(m *testing.M) {
	dir, _ := os.MkdirTemp("", "tasks-test")
	_ = logger.Initialise(logger.Configuration{
		Directory: dir,
		File:      "testing.log",
		Size:      1048576,
		Count:     10,
		Console:   false,
		Levels: map[string]string{
			logger.DefaultTag: "critical",
		},
	})
	code := m.Run()
	logger.Finalise()
	os.RemoveAll(dir)
	os.Exit(code)
}

func TestFetchStockData(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), models.FetchRequest{
		DataType:   models.DataTypeScreenerRows,
		Dimensions: models.Dimensions{Index: "DJIA", Sector: "Energy"},
	}).Return(datafetcher.FetchResult{Success: true, RecordCount: 8, Source: "finviz"})

	h := tasks.New(fetcher, logger.New("testing"))
	result, err := h.FetchStockData(context.Background(), &models.Task{
		ID:      "t1",
		Type:    models.TaskFetchStockData,
		Payload: models.TaskPayload{Dimensions: models.Dimensions{Index: "DJIA", Sector: "Energy"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskResult{Success: true, DataCount: 8, Source: "finviz"}, result)
}

func TestFetchStockDataNeedsDimensions(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	h := tasks.New(mocks.NewMockFetcher(ctrl), logger.New("testing"))
	_, err := h.FetchStockData(context.Background(), &models.Task{ID: "t1", Type: models.TaskFetchStockData})
	assert.True(t, errors.Is(err, fault.ErrInvalidDimensions))
}

func TestSingletonTasks(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), models.FetchRequest{DataType: models.DataTypeTimeSeriesReturns}).
		Return(datafetcher.FetchResult{Success: false, Error: "All sources failed"})
	fetcher.EXPECT().Fetch(gomock.Any(), models.FetchRequest{DataType: models.DataTypeSectorAverages}).
		Return(datafetcher.FetchResult{Success: true, RecordCount: 11, Source: "sector-average-calculator"})

	h := tasks.New(fetcher, logger.New("testing"))
	ctx := context.Background()

	result, err := h.CalculateAnnualReturns(ctx, &models.Task{ID: "r", Type: models.TaskCalculateAnnualReturns})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "All sources failed", result.Error)

	result, err = h.CalculateSectorAverages(ctx, &models.Task{ID: "s", Type: models.TaskCalculateSectorAverages})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 11, result.DataCount)
}

func TestRegisteredHandlersDrainQueue(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return(datafetcher.FetchResult{Success: true, RecordCount: 1, Source: "finviz"}).Times(2)

	q := queue.New(backend.NewMemory(), logger.New("testing"))
	pool := queue.NewWorkerPool(q, 1, logger.New("testing"), queue.WithPollInterval(10*time.Millisecond))
	tasks.New(fetcher, logger.New("testing")).Register(pool)

	ctx := context.Background()
	_, err := q.Enqueue(ctx, models.TaskFetchStockData, models.TaskPayload{Dimensions: models.Dimensions{Index: "DJIA", Sector: "Any"}}, models.PriorityHigh)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, models.TaskCalculateSectorAverages, models.TaskPayload{}, models.PriorityLow)
	require.NoError(t, err)

	pool.Start(ctx)
	defer pool.Stop()

	require.Eventually(t, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats.Completed == 2
	}, 5*time.Second, 20*time.Millisecond)
}
