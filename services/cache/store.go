// Package cache stores serialized payloads with explicit freshness.
//
// A payload is written once as a single envelope carrying its creation time
// and TTL. Freshness is decided on read, so an expired payload stays
// readable through GetAnyAge until it is cleared or the optional stale
// retention window runs out.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/vmihailenco/msgpack/v5"

	"stocknity/fault"
	"stocknity/services/backend"
	"stocknity/services/metrics"
)

var keyPrefix = backend.Namespace("cache") + ":"

type envelope struct {
	Payload         []byte `msgpack:"p"`
	CreatedAt       int64  `msgpack:"c"`
	TTLSeconds      int64  `msgpack:"t"`
	ExtendedSeconds int64  `msgpack:"x"`
}

func (e *envelope) createdAt() time.Time {
	return time.Unix(0, e.CreatedAt)
}

func (e *envelope) window() time.Duration {
	return time.Duration(e.TTLSeconds+e.ExtendedSeconds) * time.Second
}

// EntryInfo describes a stored payload without returning it
type EntryInfo struct {
	Key       string        `json:"key"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
	Extended  time.Duration `json:"extended"`
	Age       time.Duration `json:"age"`
	Fresh     bool          `json:"fresh"`
	SizeBytes int           `json:"size_bytes"`
}

// Store is the cache over the shared backend
type Store struct {
	backend   backend.Backend
	log       *logger.L
	metrics   *metrics.Metrics
	retention time.Duration
	now       func() time.Time
}

// Option customises a Store
type Option func(*Store)

// WithRetention keeps expired payloads in the backend for d past their
// freshness window. Zero keeps them until cleared.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a cache store
func NewStore(b backend.Backend, log *logger.L, opts ...Option) *Store {
	s := &Store{
		backend: b,
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend exposes the shared store to components persisting their own state
func (s *Store) Backend() backend.Backend {
	return s.backend
}

// Now returns the store clock
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) expiry(e *envelope) time.Duration {
	if s.retention <= 0 {
		return 0
	}
	return e.window() + s.retention
}

// Save writes payload under key as one atomic put
func (s *Store) Save(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if ttl < time.Second {
		return fmt.Errorf("save %s: %w", key, fault.ErrInvalidTTL)
	}
	e := &envelope{
		Payload:    payload,
		CreatedAt:  s.now().UnixNano(),
		TTLSeconds: int64(ttl / time.Second),
	}
	data, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.backend.Set(ctx, keyPrefix+key, data, s.expiry(e)); err != nil {
		return err
	}
	s.log.Debugf("saved %s: %d bytes ttl %s", key, len(payload), ttl)
	return nil
}

func (s *Store) load(ctx context.Context, key string) (*envelope, error) {
	data, err := s.backend.Get(ctx, keyPrefix+key)
	if err != nil {
		return nil, err
	}
	var e envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &e, nil
}

func (s *Store) fresh(e *envelope) bool {
	return s.now().Sub(e.createdAt()) < e.window()
}

// Get returns the payload only while it is fresh
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	e, err := s.load(ctx, key)
	if errors.Is(err, fault.ErrKeyNotFound) {
		s.metrics.CacheMiss()
		return nil, false, nil
	}
	if err != nil {
		s.metrics.CacheMiss()
		return nil, false, err
	}
	if !s.fresh(e) {
		s.metrics.CacheMiss()
		return nil, false, nil
	}
	s.metrics.CacheHit()
	return e.Payload, true, nil
}

// GetAnyAge returns the payload regardless of its age
func (s *Store) GetAnyAge(ctx context.Context, key string) ([]byte, bool, error) {
	e, err := s.load(ctx, key)
	if errors.Is(err, fault.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !s.fresh(e) {
		s.metrics.StaleRead()
	}
	return e.Payload, true, nil
}

// Stat reports age and freshness for key
func (s *Store) Stat(ctx context.Context, key string) (EntryInfo, bool, error) {
	e, err := s.load(ctx, key)
	if errors.Is(err, fault.ErrKeyNotFound) {
		return EntryInfo{}, false, nil
	}
	if err != nil {
		return EntryInfo{}, false, err
	}
	return EntryInfo{
		Key:       key,
		CreatedAt: e.createdAt(),
		TTL:       time.Duration(e.TTLSeconds) * time.Second,
		Extended:  time.Duration(e.ExtendedSeconds) * time.Second,
		Age:       s.now().Sub(e.createdAt()),
		Fresh:     s.fresh(e),
		SizeBytes: len(e.Payload),
	}, true, nil
}

// Clear removes key
func (s *Store) Clear(ctx context.Context, key string) error {
	_, err := s.backend.Del(ctx, keyPrefix+key)
	return err
}

// ClearAll removes every cached payload and returns how many were removed
func (s *Store) ClearAll(ctx context.Context) (int, error) {
	keys, err := s.backend.Keys(ctx, keyPrefix+"*")
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.backend.Del(ctx, keys...)
	if err != nil {
		return 0, err
	}
	s.log.Infof("cleared %d cache keys", n)
	return int(n), nil
}

// Keys lists the logical keys currently stored
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.backend.Keys(ctx, keyPrefix+"*")
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, keyPrefix)
	}
	return keys, nil
}

// ExtendTTL widens the freshness window of key by extra. The stored TTL is
// left as created. Absent keys are ignored.
func (s *Store) ExtendTTL(ctx context.Context, key string, extra time.Duration) error {
	if extra < time.Second {
		return fmt.Errorf("extend %s: %w", key, fault.ErrInvalidTTL)
	}
	e, err := s.load(ctx, key)
	if errors.Is(err, fault.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	e.ExtendedSeconds += int64(extra / time.Second)
	data, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.backend.Set(ctx, keyPrefix+key, data, s.expiry(e)); err != nil {
		return err
	}
	s.log.Infof("extended %s by %s", key, extra)
	return nil
}

// Ping checks the backend is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}
