// Package ratelimit throttles outbound calls per upstream source with an
// adaptive backoff multiplier.
package ratelimit

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/bitmark-inc/logger"
	"golang.org/x/time/rate"
)

// MaxMultiplier caps the backoff applied after repeated rate-limit signals
const MaxMultiplier = 60

type sourceState struct {
	limiter           *rate.Limiter
	consecutiveErrors int
	multiplier        float64
}

// State is a point-in-time view of one source
type State struct {
	Source            string  `json:"source"`
	ConsecutiveErrors int     `json:"consecutive_errors"`
	Multiplier        float64 `json:"multiplier"`
	IntervalSeconds   float64 `json:"interval_seconds"`
}

// Limiter spaces calls to each source at least
// 1/callsPerSecond * multiplier seconds apart
type Limiter struct {
	mu             sync.Mutex
	callsPerSecond float64
	sources        map[string]*sourceState
	log            *logger.L
}

// New creates a limiter allowing callsPerSecond per source
func New(callsPerSecond float64, log *logger.L) *Limiter {
	if callsPerSecond <= 0 {
		callsPerSecond = 1
	}
	return &Limiter{
		callsPerSecond: callsPerSecond,
		sources:        make(map[string]*sourceState),
		log:            log,
	}
}

// state must be called with l.mu held
func (l *Limiter) state(source string) *sourceState {
	st, ok := l.sources[source]
	if !ok {
		st = &sourceState{
			limiter:    rate.NewLimiter(rate.Limit(l.callsPerSecond), 1),
			multiplier: 1,
		}
		l.sources[source] = st
	}
	return st
}

// Wait blocks until a call to source is permitted or ctx is done
func (l *Limiter) Wait(ctx context.Context, source string) error {
	l.mu.Lock()
	limiter := l.state(source).limiter
	l.mu.Unlock()

	return limiter.Wait(ctx)
}

// OnResult adjusts the backoff for source. A rate-limit signal doubles the
// multiplier up to MaxMultiplier; a successful call resets it to 1.
func (l *Limiter) OnResult(source string, rateLimited bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(source)
	if rateLimited {
		st.consecutiveErrors++
		st.multiplier = math.Min(math.Pow(2, float64(st.consecutiveErrors)), MaxMultiplier)
		l.log.Warnf("Warning: %s rate limited, backoff multiplier %.0f", source, st.multiplier)
	} else {
		if st.multiplier > 1 {
			l.log.Infof("%s recovered, backoff reset", source)
		}
		st.consecutiveErrors = 0
		st.multiplier = 1
	}
	st.limiter.SetLimit(rate.Limit(l.callsPerSecond / st.multiplier))
}

// Multiplier returns the current backoff multiplier for source
func (l *Limiter) Multiplier(source string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state(source).multiplier
}

// Snapshot lists every source seen so far
func (l *Limiter) Snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()

	states := make([]State, 0, len(l.sources))
	for name, st := range l.sources {
		states = append(states, State{
			Source:            name,
			ConsecutiveErrors: st.consecutiveErrors,
			Multiplier:        st.multiplier,
			IntervalSeconds:   st.multiplier / l.callsPerSecond,
		})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Source < states[j].Source })
	return states
}
