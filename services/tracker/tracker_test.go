package tracker_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocknity/models"
	"stocknity/services/backend"
	"stocknity/services/cache"
	"stocknity/services/tracker"
)

func TestMain(m *testing.M) {
	dir, _ := os.MkdirTemp("", "tracker-test")
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

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu    sync.Mutex
	calls []models.APICallLogEntry
}

func (r *recorder) Record(_ context.Context, entry models.APICallLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, entry)
	return nil
}

func setup() (*tracker.Tracker, *cache.Store, *clock, *recorder) {
	c := &clock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	store := cache.NewStore(backend.NewMemory(), logger.New("testing"), cache.WithClock(c.Now))
	rec := &recorder{}
	return tracker.New(store, rec, logger.New("testing")), store, c, rec
}

func TestTrackSaveAndAccess(t *testing.T) {
	ctx := context.Background()
	tr, _, c, _ := setup()

	require.NoError(t, tr.TrackSave(ctx, models.CacheEntry{
		Key:         "screener:DJIA:Energy",
		Source:      models.SourcePrimary,
		Provider:    "finviz",
		TTLSeconds:  604800,
		RecordCount: 12,
		SizeBytes:   900,
	}))

	c.Advance(time.Minute)
	require.NoError(t, tr.TrackAccess(ctx, "screener:DJIA:Energy"))
	require.NoError(t, tr.TrackAccess(ctx, "screener:DJIA:Energy"))

	entries, err := tr.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, models.DataTypeScreenerRows, e.DataType)
	assert.Equal(t, "DJIA", e.Index)
	assert.Equal(t, "Energy", e.Sector)
	assert.Equal(t, 2, e.CacheHits)
	assert.True(t, c.Now().Equal(e.LastAccessedAt))
}

func TestTrackAccessSynthesizesFromCache(t *testing.T) {
	ctx := context.Background()
	tr, store, _, _ := setup()

	require.NoError(t, store.Save(ctx, "screener:S&P 500:Technology", []byte(`[{"Ticker":"AAPL"},{"Ticker":"MSFT"}]`), time.Hour))
	require.NoError(t, tr.TrackAccess(ctx, "screener:S&P 500:Technology"))

	entries, err := tr.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "S&P 500", entries[0].Index)
	assert.Equal(t, "Technology", entries[0].Sector)
	assert.Equal(t, 2, entries[0].RecordCount)
	assert.Equal(t, 1, entries[0].CacheHits)
	assert.Equal(t, int64(3600), entries[0].TTLSeconds)

	// unknown everywhere: nothing to track
	require.NoError(t, tr.TrackAccess(ctx, "screener:DJIA:Utilities"))
	entries, err = tr.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAPICallRingIsBounded(t *testing.T) {
	ctx := context.Background()
	tr, _, _, rec := setup()

	require.NoError(t, tr.TrackSave(ctx, models.CacheEntry{Key: "screener:DJIA:Any"}))
	for i := 0; i < tracker.MaxAPICallLog+5; i++ {
		require.NoError(t, tr.TrackAPICall(ctx, models.APICallLogEntry{
			Source:   "finviz",
			Endpoint: "screener_view",
			Success:  true,
			CacheKey: "screener:DJIA:Any",
			Parameters: map[string]string{
				"n": fmt.Sprint(i),
			},
		}))
	}

	calls, err := tr.RecentAPICalls(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, calls, tracker.MaxAPICallLog)
	assert.Equal(t, fmt.Sprint(tracker.MaxAPICallLog+4), calls[0].Parameters["n"])

	calls, err = tr.RecentAPICalls(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, calls, 3)

	summary, err := tr.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(tracker.MaxAPICallLog+5), summary.TotalAPICalls)

	entries, err := tr.Entries(ctx)
	require.NoError(t, err)
	assert.Equal(t, tracker.MaxAPICallLog+5, entries[0].APICallsMade)
	assert.Len(t, rec.calls, tracker.MaxAPICallLog+5)
}

func TestPendingLifecycle(t *testing.T) {
	ctx := context.Background()
	tr, _, _, _ := setup()
	key := "screener:DJIA:Energy"

	assert.False(t, tr.IsPending(ctx, key, 5*time.Minute))

	ok, err := tr.AddPending(ctx, key, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tr.AddPending(ctx, key, 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "only one pending request per key")

	assert.True(t, tr.IsPending(ctx, key, 5*time.Minute))

	require.NoError(t, tr.RemovePending(ctx, key))
	assert.False(t, tr.IsPending(ctx, key, 5*time.Minute))
}

func TestStalePendingIsDropped(t *testing.T) {
	ctx := context.Background()
	tr, _, c, _ := setup()
	key := "screener:DJIA:Energy"

	ok, err := tr.AddPending(ctx, key, 5*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	c.Advance(6 * time.Minute)
	assert.False(t, tr.IsPending(ctx, key, 5*time.Minute))

	ok, err = tr.AddPending(ctx, key, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "stale claim was removed")
}

func TestSummaryAggregates(t *testing.T) {
	ctx := context.Background()
	tr, _, _, _ := setup()

	require.NoError(t, tr.TrackSave(ctx, models.CacheEntry{Key: "screener:DJIA:Energy", Source: models.SourcePrimary, RecordCount: 10, SizeBytes: 100}))
	require.NoError(t, tr.TrackSave(ctx, models.CacheEntry{Key: "screener:S&P 500:Energy", Source: models.SourceFallback, RecordCount: 20, SizeBytes: 200}))
	require.NoError(t, tr.TrackSave(ctx, models.CacheEntry{Key: "sector-averages", Source: models.SourceCalculated, RecordCount: 11, SizeBytes: 50}))
	_, err := tr.AddPending(ctx, "timeseries-returns", time.Minute)
	require.NoError(t, err)

	s, err := tr.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, s.TotalEntries)
	assert.Equal(t, 41, s.TotalRecords)
	assert.Equal(t, 350, s.TotalSizeBytes)
	assert.Equal(t, 1, s.PendingRequests)
	assert.Equal(t, 2, s.ByDataType["screener"])
	assert.Equal(t, 1, s.ByDataType["sector-averages"])
	assert.Equal(t, 1, s.BySource["calculated"])
	assert.Equal(t, 1, s.ByIndex["DJIA"])
	assert.Equal(t, 2, s.BySector["Energy"])

	require.NoError(t, tr.Clear(ctx))
	s, err = tr.Summary(ctx)
	require.NoError(t, err)
	assert.Zero(t, s.TotalEntries)
	assert.Zero(t, s.PendingRequests)
}
