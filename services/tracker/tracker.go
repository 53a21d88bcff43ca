// Package tracker records cache saves, accesses and upstream calls, and owns
// the pending-request registry used to deduplicate fetches across processes.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bitmark-inc/logger"

	"stocknity/fault"
	"stocknity/models"
	"stocknity/services/backend"
	"stocknity/services/cache"
)

// MaxAPICallLog bounds the ring of recent upstream calls
const MaxAPICallLog = 1000

var (
	entryPrefix   = backend.Namespace("tracking", "entry") + ":"
	indexKey      = backend.Namespace("tracking", "keys")
	apiLogKey     = backend.Namespace("tracking", "api_calls")
	apiCountKey   = backend.Namespace("tracking", "api_call_count")
	pendingPrefix = backend.Namespace("pending") + ":"
)

// HistoryRecorder receives every API call for durable storage
type HistoryRecorder interface {
	Record(ctx context.Context, entry models.APICallLogEntry) error
}

// Summary aggregates the tracking index
type Summary struct {
	TotalEntries    int            `json:"total_entries"`
	TotalRecords    int            `json:"total_records"`
	TotalSizeBytes  int            `json:"total_size_bytes"`
	TotalAPICalls   int64          `json:"total_api_calls"`
	TotalCacheHits  int            `json:"total_cache_hits"`
	PendingRequests int            `json:"pending_requests"`
	ByDataType      map[string]int `json:"by_data_type"`
	BySource        map[string]int `json:"by_source"`
	ByIndex         map[string]int `json:"by_index"`
	BySector        map[string]int `json:"by_sector"`
}

// Tracker keeps its state in the backend shared with the cache store
type Tracker struct {
	store   *cache.Store
	backend backend.Backend
	history HistoryRecorder
	log     *logger.L
}

// New creates a tracker persisting through store's backend.
// history may be nil.
func New(store *cache.Store, history HistoryRecorder, log *logger.L) *Tracker {
	return &Tracker{
		store:   store,
		backend: store.Backend(),
		history: history,
		log:     log,
	}
}

func (t *Tracker) loadEntry(ctx context.Context, key string) (*models.CacheEntry, error) {
	data, err := t.backend.Get(ctx, entryPrefix+key)
	if err != nil {
		return nil, err
	}
	var entry models.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode tracking entry %s: %w", key, err)
	}
	return &entry, nil
}

func (t *Tracker) storeEntry(ctx context.Context, entry *models.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := t.backend.Set(ctx, entryPrefix+entry.Key, data, 0); err != nil {
		return err
	}
	return t.backend.SAdd(ctx, indexKey, entry.Key)
}

// TrackSave records a freshly saved cache entry. Hit and call counters
// carry over from any previous entry for the same key.
func (t *Tracker) TrackSave(ctx context.Context, entry models.CacheEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.store.Now()
	}
	if entry.LastAccessedAt.IsZero() {
		entry.LastAccessedAt = entry.CreatedAt
	}
	if dataType, dims, ok := models.ParseKey(entry.Key); ok {
		if entry.DataType == "" {
			entry.DataType = dataType
		}
		if entry.Index == "" {
			entry.Index = dims.Index
		}
		if entry.Sector == "" {
			entry.Sector = dims.Sector
		}
	}
	if previous, err := t.loadEntry(ctx, entry.Key); err == nil {
		entry.CacheHits += previous.CacheHits
		entry.APICallsMade += previous.APICallsMade
	}
	if err := t.storeEntry(ctx, &entry); err != nil {
		return fmt.Errorf("track save %s: %w", entry.Key, err)
	}
	return nil
}

// TrackAccess counts a cache hit on key. A key present in the cache but
// unknown to the tracker gets a minimal entry built from the key itself.
func (t *Tracker) TrackAccess(ctx context.Context, key string) error {
	entry, err := t.loadEntry(ctx, key)
	if errors.Is(err, fault.ErrKeyNotFound) {
		entry, err = t.synthesize(ctx, key)
	}
	if err != nil {
		return fmt.Errorf("track access %s: %w", key, err)
	}
	if entry == nil {
		return nil
	}
	entry.CacheHits++
	entry.LastAccessedAt = t.store.Now()
	if err := t.storeEntry(ctx, entry); err != nil {
		return fmt.Errorf("track access %s: %w", key, err)
	}
	return nil
}

func (t *Tracker) synthesize(ctx context.Context, key string) (*models.CacheEntry, error) {
	info, ok, err := t.store.Stat(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	entry := &models.CacheEntry{
		Key:        key,
		CreatedAt:  info.CreatedAt,
		TTLSeconds: int64(info.TTL / time.Second),
		SizeBytes:  info.SizeBytes,
	}
	if dataType, dims, ok := models.ParseKey(key); ok {
		entry.DataType = dataType
		entry.Index = dims.Index
		entry.Sector = dims.Sector
	}
	if payload, ok, err := t.store.GetAnyAge(ctx, key); err == nil && ok {
		var rows []json.RawMessage
		if json.Unmarshal(payload, &rows) == nil {
			entry.RecordCount = len(rows)
		}
	}
	t.log.Debugf("synthesized tracking entry for %s", key)
	return entry, nil
}

// TrackAPICall appends to the recent-call ring and bumps the call count of
// the entry the call was made for
func (t *Tracker) TrackAPICall(ctx context.Context, call models.APICallLogEntry) error {
	if call.Timestamp.IsZero() {
		call.Timestamp = t.store.Now()
	}
	data, err := json.Marshal(call)
	if err != nil {
		return err
	}
	if err := t.backend.LPushTrim(ctx, apiLogKey, data, MaxAPICallLog); err != nil {
		return fmt.Errorf("track api call: %w", err)
	}
	if _, err := t.backend.Incr(ctx, apiCountKey); err != nil {
		return fmt.Errorf("track api call: %w", err)
	}
	if call.CacheKey != "" {
		if entry, err := t.loadEntry(ctx, call.CacheKey); err == nil {
			entry.APICallsMade++
			if err := t.storeEntry(ctx, entry); err != nil {
				return fmt.Errorf("track api call: %w", err)
			}
		}
	}
	if t.history != nil {
		if err := t.history.Record(ctx, call); err != nil {
			t.log.Warnf("Warning: api call history write failed: %v", err)
		}
	}
	return nil
}

// RecentAPICalls returns up to limit calls, newest first
func (t *Tracker) RecentAPICalls(ctx context.Context, limit int) ([]models.APICallLogEntry, error) {
	if limit <= 0 || limit > MaxAPICallLog {
		limit = MaxAPICallLog
	}
	values, err := t.backend.LRange(ctx, apiLogKey, 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	calls := make([]models.APICallLogEntry, 0, len(values))
	for _, v := range values {
		var call models.APICallLogEntry
		if err := json.Unmarshal(v, &call); err != nil {
			continue
		}
		calls = append(calls, call)
	}
	return calls, nil
}

// AddPending claims key for an upstream fetch. It returns false when
// another caller already holds the claim. The claim expires after timeout.
func (t *Tracker) AddPending(ctx context.Context, key string, timeout time.Duration) (bool, error) {
	data, err := json.Marshal(models.PendingRequest{
		Key:            key,
		StartedAt:      t.store.Now(),
		TimeoutSeconds: int64(timeout / time.Second),
	})
	if err != nil {
		return false, err
	}
	return t.backend.SetNX(ctx, pendingPrefix+key, data, timeout)
}

// RemovePending releases the claim on key
func (t *Tracker) RemovePending(ctx context.Context, key string) error {
	_, err := t.backend.Del(ctx, pendingPrefix+key)
	return err
}

// IsPending reports whether a live claim exists for key. A claim older
// than timeout is removed. An unreachable backend reads as not pending.
func (t *Tracker) IsPending(ctx context.Context, key string, timeout time.Duration) bool {
	data, err := t.backend.Get(ctx, pendingPrefix+key)
	if err != nil {
		return false
	}
	var pending models.PendingRequest
	if err := json.Unmarshal(data, &pending); err == nil {
		if t.store.Now().Sub(pending.StartedAt) < timeout {
			return true
		}
	}
	if _, err := t.backend.Del(ctx, pendingPrefix+key); err != nil {
		t.log.Warnf("Warning: could not drop stale pending request %s: %v", key, err)
	} else {
		t.log.Infof("dropped stale pending request %s", key)
	}
	return false
}

// Pending lists the live claims
func (t *Tracker) Pending(ctx context.Context) ([]models.PendingRequest, error) {
	keys, err := t.backend.Keys(ctx, pendingPrefix+"*")
	if err != nil {
		return nil, err
	}
	requests := make([]models.PendingRequest, 0, len(keys))
	for _, k := range keys {
		data, err := t.backend.Get(ctx, k)
		if err != nil {
			continue
		}
		var pending models.PendingRequest
		if err := json.Unmarshal(data, &pending); err != nil {
			pending.Key = strings.TrimPrefix(k, pendingPrefix)
		}
		requests = append(requests, pending)
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].Key < requests[j].Key })
	return requests, nil
}

// Entries returns every tracked entry ordered by key
func (t *Tracker) Entries(ctx context.Context) ([]models.CacheEntry, error) {
	keys, err := t.backend.SMembers(ctx, indexKey)
	if err != nil {
		return nil, err
	}
	entries := make([]models.CacheEntry, 0, len(keys))
	for _, key := range keys {
		entry, err := t.loadEntry(ctx, key)
		if errors.Is(err, fault.ErrKeyNotFound) {
			_ = t.backend.SRem(ctx, indexKey, key)
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Summary aggregates the tracking index
func (t *Tracker) Summary(ctx context.Context) (Summary, error) {
	summary := Summary{
		ByDataType: make(map[string]int),
		BySource:   make(map[string]int),
		ByIndex:    make(map[string]int),
		BySector:   make(map[string]int),
	}

	entries, err := t.Entries(ctx)
	if err != nil {
		return summary, err
	}
	for _, e := range entries {
		summary.TotalEntries++
		summary.TotalRecords += e.RecordCount
		summary.TotalSizeBytes += e.SizeBytes
		summary.TotalCacheHits += e.CacheHits
		summary.ByDataType[orUnknown(string(e.DataType))]++
		summary.BySource[orUnknown(string(e.Source))]++
		if e.Index != "" {
			summary.ByIndex[e.Index]++
		}
		if e.Sector != "" {
			summary.BySector[e.Sector]++
		}
	}

	if data, err := t.backend.Get(ctx, apiCountKey); err == nil {
		fmt.Sscan(string(data), &summary.TotalAPICalls)
	}
	if pending, err := t.Pending(ctx); err == nil {
		summary.PendingRequests = len(pending)
	}
	return summary, nil
}

// Clear drops all tracking state. Cached payloads are left alone.
func (t *Tracker) Clear(ctx context.Context) error {
	keys, err := t.backend.SMembers(ctx, indexKey)
	if err != nil {
		return err
	}
	toDelete := []string{indexKey, apiLogKey, apiCountKey}
	for _, key := range keys {
		toDelete = append(toDelete, entryPrefix+key)
	}
	pending, err := t.backend.Keys(ctx, pendingPrefix+"*")
	if err != nil {
		return err
	}
	toDelete = append(toDelete, pending...)
	if _, err := t.backend.Del(ctx, toDelete...); err != nil {
		return err
	}
	t.log.Infof("tracking cleared: %d entries", len(keys))
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
