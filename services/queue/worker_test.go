package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocknity/models"
	"stocknity/services/backend"
	"stocknity/services/metrics"
	"stocknity/services/queue"
)

func TestWorkerPool(t *testing.T) {
	q := queue.New(backend.NewMemory(), logger.New("testing"))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	pool := queue.NewWorkerPool(q, 3, logger.New("testing"),
		queue.WithPollInterval(10*time.Millisecond),
		queue.WithPoolMetrics(m),
	)

	pool.Handle(models.TaskFetchStockData, func(_ context.Context, task *models.Task) (models.TaskResult, error) {
		switch task.Payload.Dimensions.Sector {
		case "Energy":
			return models.TaskResult{}, errors.New("upstream timeout")
		case "Financial":
			return models.TaskResult{Success: false, Error: "All sources failed"}, nil
		case "Utilities":
			panic("bad row")
		}
		return models.TaskResult{Success: true, DataCount: 5, Source: "finviz"}, nil
	})

	ctx := context.Background()
	ok, err := q.Enqueue(ctx, models.TaskFetchStockData, payload("DJIA", "Technology"), models.PriorityHigh)
	require.NoError(t, err)
	failing, err := q.Enqueue(ctx, models.TaskFetchStockData, payload("DJIA", "Energy"), models.PriorityHigh)
	require.NoError(t, err)
	unsuccessful, err := q.Enqueue(ctx, models.TaskFetchStockData, payload("DJIA", "Financial"), models.PriorityHigh)
	require.NoError(t, err)
	panicking, err := q.Enqueue(ctx, models.TaskFetchStockData, payload("DJIA", "Utilities"), models.PriorityHigh)
	require.NoError(t, err)
	unhandled, err := q.Enqueue(ctx, "rebuild_index", models.TaskPayload{}, models.PriorityLow)
	require.NoError(t, err)

	pool.Start(ctx)
	assert.True(t, pool.IsRunning())

	require.Eventually(t, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats.Completed == 1 && stats.Failed == 4 && stats.Pending == 0 && stats.Processing == 0
	}, 5*time.Second, 20*time.Millisecond)

	pool.Stop()
	assert.False(t, pool.IsRunning())

	task, err := q.GetStatus(ctx, ok)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, task.Status)
	assert.Equal(t, 5, task.Result.DataCount)

	for id, msg := range map[string]string{
		failing:      "upstream timeout",
		unsuccessful: "All sources failed",
		panicking:    "task panicked: bad row",
		unhandled:    `no handler for task type "rebuild_index"`,
	} {
		task, err := q.GetStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.TaskFailed, task.Status, id)
		assert.Equal(t, models.DefaultMaxRetries, task.RetryCount, id)
		assert.Equal(t, msg, task.ErrorMessage, id)
	}

	stats := pool.Stats()
	assert.Equal(t, 3, stats.Workers)
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(4*models.DefaultMaxRetries), stats.Failed)

	// completed and failed for fetch_stock_data, failed for rebuild_index
	series, err := testutil.GatherAndCount(reg, "stocknity_tasks_processed_total")
	require.NoError(t, err)
	assert.Equal(t, 3, series)
}

func TestWorkerPoolStopIsIdempotent(t *testing.T) {
	pool := queue.NewWorkerPool(queue.New(backend.NewMemory(), logger.New("testing")), 0, logger.New("testing"))
	pool.Stop()
	pool.Start(context.Background())
	pool.Start(context.Background())
	pool.Stop()
	pool.Stop()
	assert.Equal(t, 1, pool.Stats().Workers)
}
