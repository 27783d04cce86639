// SPDX-License-Identifier: AGPL-3.0-or-later
// Package breaker implements C5 CircuitBreaker around the mail transport
// call, wrapping github.com/sony/gobreaker with the spec's dual failure-rate
// / slow-call-rate trip condition (§4.5).
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/relaynotify/core/internal/domain/models"
	"github.com/relaynotify/core/pkg/logger"
)

// Config carries the thresholds from CircuitBreakerConfig needed to build a
// Breaker; kept separate from the config package to avoid a dependency
// cycle (config has no business depending on this package's types).
type Config struct {
	Name              string
	WindowSize        int
	MinCalls          uint32
	FailureRateThresh float64
	SlowCallThresh    float64
	SlowCallDuration  time.Duration
	OpenCooldown      time.Duration
	ProbeCount        uint32
	OnMetric          func(event string)
}

// outcome is one call's result, as recorded into the ring buffer.
type outcome struct {
	failed bool
	slow   bool
}

// Breaker[T] wraps a generic gobreaker.CircuitBreaker, adding a ring buffer
// of the last WindowSize call outcomes so ReadyToTrip can evaluate both
// halves of the spec's dual threshold — failure rate and slow-call rate —
// over the same bounded sliding window (§4.5), rather than gobreaker's own
// cumulative Counts, which never resets on a timer with Interval=0 and so
// dilutes a recent failure burst against the breaker's entire Closed-state
// lifetime.
type Breaker[T any] struct {
	cb *gobreaker.CircuitBreaker[T]

	mu            sync.Mutex
	outcomes      []outcome
	pos           int
	filled        int
	slowThreshold time.Duration

	onMetric func(event string)
}

func New[T any](cfg Config) *Breaker[T] {
	b := &Breaker[T]{
		outcomes:      make([]outcome, max(cfg.WindowSize, 1)),
		slowThreshold: cfg.SlowCallDuration,
		onMetric:      cfg.OnMetric,
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.ProbeCount,
		Interval:    0, // Counts is unused by ReadyToTrip below; the ring buffer is the sliding window
		Timeout:     cfg.OpenCooldown,
		ReadyToTrip: func(gobreaker.Counts) bool {
			failureRatio, slowRatio, filled := b.windowRatios()
			if filled < int(cfg.MinCalls) {
				return false
			}
			if failureRatio >= cfg.FailureRateThresh {
				return true
			}
			return slowRatio >= cfg.SlowCallThresh
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			if b.onMetric != nil {
				switch to {
				case gobreaker.StateOpen:
					b.onMetric("cb.open")
				case gobreaker.StateHalfOpen:
					b.onMetric("cb.halfopen.trial")
				}
			}
		},
	}

	b.cb = gobreaker.NewCircuitBreaker[T](settings)
	return b
}

// Execute runs fn through the breaker, recording its failure/slow outcome
// into the sliding window before returning. It translates gobreaker's
// open-state/too-many-requests errors into models.ErrCircuitOpen so callers
// only need to check one sentinel (§4.5's contract: no retries inside the
// breaker, upstream decides what to do with CircuitOpen).
func (b *Breaker[T]) Execute(fn func() (T, error)) (T, error) {
	errSlowCall := errors.New("breaker: slow call")
	result, err := b.cb.Execute(func() (T, error) {
		start := time.Now()
		result, err := fn()
		slow := time.Since(start) >= b.slowThreshold
		b.recordOutcome(err != nil, slow)
		if err == nil && slow {
			// gobreaker consults ReadyToTrip only after a failed call, so a slow
			// success is reported to it as a failure and unwrapped below.
			return result, errSlowCall
		}
		return result, err
	})
	if err == errSlowCall {
		return result, nil
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		if b.onMetric != nil {
			b.onMetric("cb.fallback")
		}
		return result, models.ErrCircuitOpen
	}
	return result, err
}

func (b *Breaker[T]) recordOutcome(failed, slow bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outcomes[b.pos] = outcome{failed: failed, slow: slow}
	b.pos = (b.pos + 1) % len(b.outcomes)
	if b.filled < len(b.outcomes) {
		b.filled++
	}
}

// windowRatios computes the failure and slow-call ratios over the ring
// buffer's current contents, along with how many calls it holds.
func (b *Breaker[T]) windowRatios() (failureRatio, slowRatio float64, filled int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.filled == 0 {
		return 0, 0, 0
	}
	var failed, slow int
	for i := 0; i < b.filled; i++ {
		if b.outcomes[i].failed {
			failed++
		}
		if b.outcomes[i].slow {
			slow++
		}
	}
	return float64(failed) / float64(b.filled), float64(slow) / float64(b.filled), b.filled
}

// State exposes the breaker's current state for health/status reporting.
func (b *Breaker[T]) State() gobreaker.State {
	return b.cb.State()
}
