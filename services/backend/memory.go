package backend

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"stocknity/fault"
)

// Memory implements Backend inside the process. Strings expire through
// go-cache; sorted sets, sets and lists never expire. A single mutex makes
// every operation atomic, matching what Redis gives per command.
type Memory struct {
	mu      sync.Mutex
	strings *cache.Cache
	zsets   map[string]map[string]float64
	sets    map[string]map[string]struct{}
	lists   map[string][][]byte
	offline bool
}

// NewMemory creates an empty in-process backend
func NewMemory() *Memory {
	return &Memory{
		strings: cache.New(cache.NoExpiration, time.Minute),
		zsets:   make(map[string]map[string]float64),
		sets:    make(map[string]map[string]struct{}),
		lists:   make(map[string][][]byte),
	}
}

// SetOffline makes every operation fail as if the store were unreachable
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

func (m *Memory) check(op string) error {
	if m.offline {
		return fmt.Errorf("%w: %s: memory backend offline", fault.ErrBackendUnavailable, op)
	}
	return nil
}

func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return cache.NoExpiration
	}
	return ttl
}

func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check("ping")
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings.Flush()
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("get"); err != nil {
		return nil, err
	}
	v, ok := m.strings.Get(key)
	if !ok {
		return nil, fault.ErrKeyNotFound
	}
	return append([]byte(nil), v.([]byte)...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("set"); err != nil {
		return err
	}
	m.strings.Set(key, append([]byte(nil), value...), expiration(ttl))
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("setnx"); err != nil {
		return false, err
	}
	// Add fails when an unexpired item is present
	if err := m.strings.Add(key, append([]byte(nil), value...), expiration(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("del"); err != nil {
		return 0, err
	}
	var n int64
	for _, key := range keys {
		if _, ok := m.strings.Get(key); ok {
			m.strings.Delete(key)
			n++
		}
		if _, ok := m.zsets[key]; ok {
			delete(m.zsets, key)
			n++
		}
		if _, ok := m.sets[key]; ok {
			delete(m.sets, key)
			n++
		}
		if _, ok := m.lists[key]; ok {
			delete(m.lists, key)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("expire"); err != nil {
		return false, err
	}
	v, ok := m.strings.Get(key)
	if !ok {
		return false, nil
	}
	m.strings.Set(key, v, expiration(ttl))
	return true, nil
}

func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("keys"); err != nil {
		return nil, err
	}
	var keys []string
	for key := range m.strings.Items() {
		if match(pattern, key) {
			keys = append(keys, key)
		}
	}
	for key := range m.zsets {
		if match(pattern, key) {
			keys = append(keys, key)
		}
	}
	for key := range m.sets {
		if match(pattern, key) {
			keys = append(keys, key)
		}
	}
	for key := range m.lists {
		if match(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// match handles the prefix patterns used in this repo directly,
// everything else goes through path.Match
func match(pattern, key string) bool {
	if strings.HasSuffix(pattern, "*") && !strings.ContainsAny(pattern[:len(pattern)-1], "*?[\\") {
		return strings.HasPrefix(key, pattern[:len(pattern)-1])
	}
	ok, _ := path.Match(pattern, key)
	return ok
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("incr"); err != nil {
		return 0, err
	}
	var n int64
	ttl := time.Duration(cache.NoExpiration)
	if v, exp, ok := m.strings.GetWithExpiration(key); ok {
		parsed, err := strconv.ParseInt(string(v.([]byte)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %s is not an integer", key)
		}
		n = parsed
		if !exp.IsZero() {
			ttl = time.Until(exp)
		}
	}
	n++
	m.strings.Set(key, []byte(strconv.FormatInt(n, 10)), ttl)
	return n, nil
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("zadd"); err != nil {
		return err
	}
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

// ZPopMax removes the highest score; equal scores resolve to the
// lexicographically greatest member as Redis does
func (m *Memory) ZPopMax(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("zpopmax"); err != nil {
		return "", false, err
	}
	z := m.zsets[key]
	if len(z) == 0 {
		return "", false, nil
	}
	var (
		best      string
		bestScore float64
		found     bool
	)
	for member, score := range z {
		if !found || score > bestScore || (score == bestScore && member > best) {
			best, bestScore, found = member, score, true
		}
	}
	delete(z, best)
	if len(z) == 0 {
		delete(m.zsets, key)
	}
	return best, true, nil
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("zcard"); err != nil {
		return 0, err
	}
	return int64(len(m.zsets[key])), nil
}

func (m *Memory) ZRem(_ context.Context, key string, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("zrem"); err != nil {
		return err
	}
	delete(m.zsets[key], member)
	if len(m.zsets[key]) == 0 {
		delete(m.zsets, key)
	}
	return nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("sadd"); err != nil {
		return err
	}
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, member := range members {
		s[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("srem"); err != nil {
		return err
	}
	for _, member := range members {
		delete(m.sets[key], member)
	}
	if len(m.sets[key]) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *Memory) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("scard"); err != nil {
		return 0, err
	}
	return int64(len(m.sets[key])), nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("smembers"); err != nil {
		return nil, err
	}
	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *Memory) LPushTrim(_ context.Context, key string, value []byte, max int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("lpush"); err != nil {
		return err
	}
	list := append([][]byte{append([]byte(nil), value...)}, m.lists[key]...)
	if max > 0 && int64(len(list)) > max {
		list = list[:max]
	}
	m.lists[key] = list
	return nil
}

// LRange follows Redis index rules, negative stop counts from the end
func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("lrange"); err != nil {
		return nil, err
	}
	list := m.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return [][]byte{}, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range list[start : stop+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}
