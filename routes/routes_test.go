package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	neturl "net/url"
	"os"
	"testing"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"stocknity/controllers"
	"stocknity/middleware"
	"stocknity/models"
	"stocknity/scheduler"
	"stocknity/services/backend"
	"stocknity/services/cache"
	"stocknity/services/datafetcher"
	"stocknity/services/queue"
	"stocknity/services/ratelimit"
	"stocknity/services/tracker"
)

const (
	testSecret = "route-secret"
	testAPIKey = "route-key"
)

func TestMain(m *testing.M) {
	dir, _ := os.MkdirTemp("", "routes-test")
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
	gin.SetMode(gin.TestMode)
	code := m.Run()
	logger.Finalise()
	os.RemoveAll(dir)
	os.Exit(code)
}

type staticSource struct{}

func (staticSource) Name() string { return "finviz" }

func (staticSource) Query(_ context.Context, dims models.Dimensions) (models.Rows, error) {
	return models.Rows{
		{"Ticker": "AAPL", "Index": dims.Index, "Sector": dims.Sector, "P/E": 31.2},
		{"Ticker": "MSFT", "Index": dims.Index, "Sector": dims.Sector, "P/E": 35.8},
	}, nil
}

type fixture struct {
	router *gin.Engine
	store  *cache.Store
	queue  *queue.Queue
}

func newFixture(t *testing.T) *fixture {
	log := logger.New("testing")
	mem := backend.NewMemory()
	store := cache.NewStore(mem, log)
	tr := tracker.New(store, nil, log)
	limiter := ratelimit.New(1000, log)
	fetcher := datafetcher.NewDataFetcher(store, tr, limiter, datafetcher.Config{}, log)
	fetcher.Register(models.DataTypeScreenerRows, staticSource{})

	q := queue.New(mem, log)
	pool := queue.NewWorkerPool(q, 1, log)
	sched := scheduler.NewScheduler(q, store, scheduler.DefaultConfig(), log)

	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	require.NoError(t, err)

	router := gin.New()
	SetupRoutes(router, Services{
		Store:     store,
		Tracker:   tr,
		Fetcher:   fetcher,
		Queue:     q,
		Pool:      pool,
		Scheduler: sched,
		Limiter:   limiter,
	}, Auth{
		JWTSecret:         testSecret,
		APIKeyHash:        string(hash),
		RequestsPerMinute: 1000,
	}, log)

	return &fixture{router: router, store: store, queue: q}
}

func (f *fixture) do(method, path string, body interface{}, authed bool) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("X-API-Key", testAPIKey)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestFetchRequiresOperator(t *testing.T) {
	f := newFixture(t)
	req := models.FetchRequest{
		DataType:   models.DataTypeScreenerRows,
		Dimensions: models.Dimensions{Index: "S&P 500", Sector: "Technology"},
	}

	w := f.do(http.MethodPost, "/api/v1/fetch", req, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/api/v1/fetch", req, true)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "finviz", body["source"])
	assert.Equal(t, float64(2), body["record_count"])
}

func TestFetchWithBearerToken(t *testing.T) {
	f := newFixture(t)
	token, err := middleware.IssueOperatorToken("ops", testSecret, time.Hour)
	require.NoError(t, err)

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(models.FetchRequest{DataType: models.DataTypeScreenerRows})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/fetch", &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	// authorised, but the dimensions are missing
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCacheEntryAndStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := models.ScreenerKey("DJIA", "Energy")
	require.NoError(t, f.store.Save(ctx, key, []byte(`[{"Ticker":"XOM"}]`), time.Hour))

	w := f.do(http.MethodGet, "/api/v1/cache/"+escape(key), nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["stale"])
	assert.Len(t, body["data"], 1)

	w = f.do(http.MethodGet, "/api/v1/cache/"+escape(models.ScreenerKey("DJIA", "Utilities")), nil, false)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/api/v1/cache/status", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, float64(24), body["total"])
	assert.Equal(t, float64(1), body["summary"].(map[string]interface{})[scheduler.StateFresh])
}

func TestCacheExtend(t *testing.T) {
	f := newFixture(t)
	key := models.ScreenerKey("DJIA", "Energy")
	require.NoError(t, f.store.Save(context.Background(), key, []byte(`[]`), time.Hour))

	w := f.do(http.MethodPost, "/api/v1/cache/extend", controllers.ExtendRequest{Key: key, ExtraHours: 2}, true)
	require.Equal(t, http.StatusOK, w.Code)

	info, ok, err := f.store.Stat(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2*time.Hour, info.Extended)

	w = f.do(http.MethodPost, "/api/v1/cache/extend", controllers.ExtendRequest{Key: "bogus", ExtraHours: 2}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSchedulerRefreshAndTasks(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/scheduler/refresh", models.Dimensions{Index: "DJIA", Sector: "Energy"}, true)
	require.Equal(t, http.StatusAccepted, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["enqueued"])
	id := data["task_ids"].([]interface{})[0].(string)

	w = f.do(http.MethodGet, "/api/v1/tasks/"+id, nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	task := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, string(models.TaskPending), task["status"])

	w = f.do(http.MethodGet, "/api/v1/tasks/missing", nil, false)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/api/v1/tasks/stats", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)["queue"].(map[string]interface{})
	assert.Equal(t, float64(1), stats["pending"])

	w = f.do(http.MethodPost, "/api/v1/scheduler/refresh", models.Dimensions{Index: "DJIA"}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTrackingClear(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/api/v1/cache/tracking/clear", nil, false).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/cache/tracking/clear", nil, true).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/cache/info", nil, false).Code)
}

func escape(key string) string {
	return (&neturl.URL{Path: key}).EscapedPath()
}

func TestSources(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/v1/sources", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	sources := decode(t, w)["sources"].(map[string]interface{})
	assert.Equal(t, []interface{}{"finviz"}, sources[string(models.DataTypeScreenerRows)])

	// optional stores are reported as unavailable
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/api/v1/sources/history", nil, false).Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/api/v1/sources/snapshots", nil, false).Code)
}
