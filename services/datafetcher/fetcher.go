package datafetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitmark-inc/logger"
	"golang.org/x/sync/singleflight"

	"stocknity/fault"
	"stocknity/models"
	"stocknity/services/cache"
	"stocknity/services/metrics"
	"stocknity/services/ratelimit"
	"stocknity/services/tracker"
)

// Defaults for the pending-request handshake
const (
	DefaultPendingTimeout = 5 * time.Minute
	DefaultPendingWait    = 2 * time.Second
)

// Config tunes the fetch algorithm
type Config struct {
	PendingTimeout time.Duration
	PendingWait    time.Duration
	TTL            models.TTLPolicy
}

// FetchResult is returned by Fetch. Failures are reported in Error rather
// than as a Go error so callers can tell them apart from absent data.
type FetchResult struct {
	Success     bool        `json:"success"`
	Key         string      `json:"key"`
	Data        models.Rows `json:"data,omitempty"`
	Source      string      `json:"source,omitempty"`
	Error       string      `json:"error,omitempty"`
	RecordCount int         `json:"record_count"`
	Cached      bool        `json:"cached"`
}

// DataFetcher reads through the cache to the configured sources
type DataFetcher struct {
	store   *cache.Store
	tracker *tracker.Tracker
	limiter *ratelimit.Limiter
	cfg     Config
	log     *logger.L

	mu      sync.RWMutex
	sources map[models.DataType][]Source

	mirror  Mirror
	events  Publisher
	metrics *metrics.Metrics
	group   singleflight.Group
}

// Option customises a DataFetcher
type Option func(*DataFetcher)

func WithMirror(m Mirror) Option {
	return func(df *DataFetcher) { df.mirror = m }
}

func WithPublisher(p Publisher) Option {
	return func(df *DataFetcher) { df.events = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(df *DataFetcher) { df.metrics = m }
}

// NewDataFetcher creates a fetcher with no sources registered
func NewDataFetcher(store *cache.Store, tr *tracker.Tracker, limiter *ratelimit.Limiter, cfg Config, log *logger.L, opts ...Option) *DataFetcher {
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = DefaultPendingTimeout
	}
	if cfg.PendingWait <= 0 {
		cfg.PendingWait = DefaultPendingWait
	}
	if cfg.TTL == nil {
		cfg.TTL = models.DefaultTTLPolicy()
	}
	df := &DataFetcher{
		store:   store,
		tracker: tr,
		limiter: limiter,
		cfg:     cfg,
		log:     log,
		sources: make(map[models.DataType][]Source),
	}
	for _, opt := range opts {
		opt(df)
	}
	return df
}

// Register appends sources for dataType in priority order
func (df *DataFetcher) Register(dataType models.DataType, sources ...Source) {
	df.mu.Lock()
	defer df.mu.Unlock()
	df.sources[dataType] = append(df.sources[dataType], sources...)
}

// Sources returns the names of the sources registered for dataType
func (df *DataFetcher) Sources(dataType models.DataType) []string {
	df.mu.RLock()
	defer df.mu.RUnlock()
	names := make([]string, 0, len(df.sources[dataType]))
	for _, src := range df.sources[dataType] {
		names = append(names, src.Name())
	}
	return names
}

// TTL returns the freshness policy for dataType
func (df *DataFetcher) TTL(dataType models.DataType) time.Duration {
	return df.cfg.TTL.For(dataType)
}

// Fetch returns fresh cached data for req or fetches it from the sources.
// Concurrent calls for the same key inside this process share one attempt.
// The returned rows are shared and must not be modified.
func (df *DataFetcher) Fetch(ctx context.Context, req models.FetchRequest) FetchResult {
	key, err := models.CacheKey(req.DataType, req.Dimensions)
	if err != nil {
		return FetchResult{Error: err.Error()}
	}
	// the shared attempt outlives any single caller; each caller still
	// returns as soon as its own context is done
	ch := df.group.DoChan(key, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), df.cfg.PendingTimeout)
		defer cancel()
		return df.fetch(shared, key, req), nil
	})
	select {
	case <-ctx.Done():
		return FetchResult{Key: key, Error: ctx.Err().Error()}
	case res := <-ch:
		return res.Val.(FetchResult)
	}
}

func (df *DataFetcher) fetch(ctx context.Context, key string, req models.FetchRequest) FetchResult {
	result, backendUp := df.fromCache(ctx, key)
	if result != nil {
		return *result
	}

	claimed := false
	if backendUp {
		waited := false
		if df.tracker.IsPending(ctx, key, df.cfg.PendingTimeout) {
			if result := df.awaitPending(ctx, key); result != nil {
				return *result
			}
			waited = true
		}

		// after one wait the fetch goes ahead even if the claim is still held
		ok, err := df.tracker.AddPending(ctx, key, df.cfg.PendingTimeout)
		switch {
		case err != nil:
			df.log.Warnf("Warning: could not mark %s pending: %v", key, err)
		case ok:
			claimed = true
		case !waited:
			if result := df.awaitPending(ctx, key); result != nil {
				return *result
			}
		}
	}

	if claimed {
		defer func() {
			if err := df.tracker.RemovePending(context.Background(), key); err != nil {
				df.log.Warnf("Warning: could not clear pending %s: %v", key, err)
			}
		}()
	}

	return df.fromSources(ctx, key, req, backendUp)
}

// fromCache returns a result on a fresh hit. The second value is false when
// the backend could not be reached.
func (df *DataFetcher) fromCache(ctx context.Context, key string) (*FetchResult, bool) {
	payload, ok, err := df.store.Get(ctx, key)
	if errors.Is(err, fault.ErrBackendUnavailable) {
		df.log.Warnf("Warning: cache unavailable for %s, going upstream: %v", key, err)
		return nil, false
	}
	if err != nil {
		// an unreadable entry is a miss; the next save replaces it
		df.log.Errorf("ERROR: unreadable cache entry %s: %v", key, err)
		return nil, true
	}
	if !ok {
		return nil, true
	}
	var rows models.Rows
	if err := json.Unmarshal(payload, &rows); err != nil {
		df.log.Errorf("ERROR: corrupt payload at %s: %v", key, err)
		return nil, true
	}
	if err := df.tracker.TrackAccess(ctx, key); err != nil {
		df.log.Debugf("track access %s: %v", key, err)
	}
	return &FetchResult{
		Success:     true,
		Key:         key,
		Data:        rows,
		Source:      "cache",
		RecordCount: len(rows),
		Cached:      true,
	}, true
}

// awaitPending gives an in-flight fetch a moment to land, then rechecks once
func (df *DataFetcher) awaitPending(ctx context.Context, key string) *FetchResult {
	df.log.Debugf("%s pending elsewhere, waiting %s", key, df.cfg.PendingWait)
	select {
	case <-ctx.Done():
		return &FetchResult{Key: key, Error: ctx.Err().Error()}
	case <-time.After(df.cfg.PendingWait):
	}
	result, _ := df.fromCache(ctx, key)
	return result
}

func (df *DataFetcher) fromSources(ctx context.Context, key string, req models.FetchRequest, backendUp bool) FetchResult {
	df.mu.RLock()
	sources := append([]Source(nil), df.sources[req.DataType]...)
	df.mu.RUnlock()

	if len(sources) == 0 {
		return FetchResult{Key: key, Error: fault.ErrNoSources.Error()}
	}

	params := map[string]string{"data_type": string(req.DataType)}
	if req.Dimensions.Index != "" {
		params["index"] = req.Dimensions.Index
	}
	if req.Dimensions.Sector != "" {
		params["sector"] = req.Dimensions.Sector
	}
	if req.Dimensions.ScoreKind != "" {
		params["score_kind"] = req.Dimensions.ScoreKind
	}

	for i, src := range sources {
		name := src.Name()
		if err := df.limiter.Wait(ctx, name); err != nil {
			return FetchResult{Key: key, Error: err.Error()}
		}

		start := time.Now()
		rows, err := src.Query(ctx, req.Dimensions)
		elapsed := time.Since(start)

		if err == nil {
			if req.DataType == models.DataTypeScreenerRows {
				rows = CleanScreenerRows(rows, req.Dimensions, df.store.Now())
			}
			if len(rows) == 0 {
				err = fmt.Errorf("%s returned no rows: %w", name, fault.ErrUpstreamUnavailable)
			}
		}

		call := models.APICallLogEntry{
			Timestamp:      df.store.Now(),
			Source:         name,
			Endpoint:       endpointOf(src),
			Parameters:     params,
			ResponseTimeMs: elapsed.Milliseconds(),
			CacheKey:       key,
		}

		if err != nil && ctx.Err() != nil {
			df.log.Warnf("Warning: fetch of %s abandoned: %v", key, ctx.Err())
			return FetchResult{Key: key, Error: ctx.Err().Error()}
		}

		if err != nil {
			// only a rate limit touches the backoff; plain failures leave it as is
			rateLimited := errors.Is(err, fault.ErrRateLimited)
			if rateLimited {
				df.limiter.OnResult(name, true)
				df.metrics.UpstreamCall(name, "rate_limited", elapsed.Seconds())
			} else {
				df.metrics.UpstreamCall(name, "error", elapsed.Seconds())
			}
			call.Error = err.Error()
			df.trackCall(ctx, call, backendUp)
			df.log.Warnf("Warning: %s failed for %s: %v", name, key, err)
			continue
		}

		df.limiter.OnResult(name, false)
		df.metrics.UpstreamCall(name, "ok", elapsed.Seconds())

		result, err := df.save(ctx, key, req, src, i, rows, backendUp)
		if err != nil {
			return FetchResult{Key: key, Error: err.Error()}
		}
		call.Success = true
		call.RecordCount = len(rows)
		df.trackCall(ctx, call, backendUp)
		df.publish("fetch_completed", result)
		df.log.Infof("fetched %s from %s: %d rows in %s", key, name, len(rows), elapsed)
		return result
	}

	df.log.Errorf("ERROR: all sources failed for %s", key)
	result := FetchResult{Key: key, Error: fault.ErrAllSourcesFailed.Error()}
	df.publish("fetch_failed", result)
	return result
}

func (df *DataFetcher) save(ctx context.Context, key string, req models.FetchRequest, src Source, position int, rows models.Rows, backendUp bool) (FetchResult, error) {
	payload, err := json.Marshal(rows)
	if err != nil {
		return FetchResult{}, fmt.Errorf("encode rows for %s: %w", key, err)
	}

	ttl := df.cfg.TTL.For(req.DataType)
	entry := models.CacheEntry{
		Key:         key,
		DataType:    req.DataType,
		Source:      kindOf(src, position),
		Provider:    src.Name(),
		Index:       req.Dimensions.Index,
		Sector:      req.Dimensions.Sector,
		CreatedAt:   df.store.Now(),
		TTLSeconds:  int64(ttl / time.Second),
		RecordCount: len(rows),
		SizeBytes:   len(payload),
	}

	if backendUp {
		if err := df.store.Save(ctx, key, payload, ttl); err != nil {
			df.log.Warnf("Warning: could not cache %s: %v", key, err)
		} else if err := df.tracker.TrackSave(ctx, entry); err != nil {
			df.log.Warnf("Warning: could not track %s: %v", key, err)
		}
	}

	if df.mirror != nil {
		if err := df.mirror.Mirror(ctx, entry, payload); err != nil {
			df.log.Warnf("Warning: snapshot mirror failed for %s: %v", key, err)
		}
	}

	return FetchResult{
		Success:     true,
		Key:         key,
		Data:        rows,
		Source:      src.Name(),
		RecordCount: len(rows),
	}, nil
}

func (df *DataFetcher) trackCall(ctx context.Context, call models.APICallLogEntry, backendUp bool) {
	if !backendUp {
		return
	}
	if err := df.tracker.TrackAPICall(ctx, call); err != nil {
		df.log.Debugf("track api call: %v", err)
	}
}

func (df *DataFetcher) publish(eventType string, result FetchResult) {
	if df.events == nil {
		return
	}
	df.events.Publish(eventType, map[string]interface{}{
		"key":          result.Key,
		"source":       result.Source,
		"record_count": result.RecordCount,
		"error":        result.Error,
	})
}
