package history_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocknity/models"
	"stocknity/services/history"
)

func TestMain(m *testing.M) {
	dir, _ := os.MkdirTemp("", "history-test")
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

func TestRecordAndQuery(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "nested", "history.db"), logger.New("testing"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	calls := []models.APICallLogEntry{
		{Timestamp: base.Add(-48 * time.Hour), Source: "finviz", Success: true, RecordCount: 10, ResponseTimeMs: 100},
		{Timestamp: base, Source: "finviz", Endpoint: "screener", Success: true, RecordCount: 50, ResponseTimeMs: 300,
			Parameters: map[string]string{"index": "DJIA"}, CacheKey: "screener:DJIA:Energy"},
		{Timestamp: base.Add(time.Minute), Source: "finviz", Success: false, ResponseTimeMs: 100, Error: "rate limited"},
		{Timestamp: base.Add(2 * time.Minute), Source: "backup", Success: true, RecordCount: 5, ResponseTimeMs: 50},
	}
	for _, c := range calls {
		require.NoError(t, store.Record(ctx, c))
	}

	recent, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "backup", recent[0].Source)
	assert.Equal(t, "rate limited", recent[1].Error)

	all, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, map[string]string{"index": "DJIA"}, all[2].Parameters)
	assert.True(t, base.Equal(all[2].Timestamp))

	stats, err := store.StatsSince(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, history.SourceStats{Calls: 2, Failures: 1, Records: 50, AvgResponseMs: 200}, stats["finviz"])
	assert.Equal(t, int64(1), stats["backup"].Calls)

	removed, err := store.Cleanup(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
