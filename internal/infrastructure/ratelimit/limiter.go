// SPDX-License-Identifier: AGPL-3.0-or-later
// Package ratelimit implements C4 RateLimiter: a fixed-window counter with
// per-class limits and consecutive-violation escalation (§4.4).
package ratelimit

import (
	"sync"
	"time"

	"github.com/relaynotify/core/internal/domain/models"
	"github.com/relaynotify/core/pkg/logger"
)

// Decision is the result of an Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Blocked   bool
}

// Limits holds the per-class ceilings for one fixed window.
type Limits struct {
	Read   int
	Write  int
	Admin  int
	Public int
}

func (l Limits) forClass(class models.OperationClass) int {
	switch class {
	case models.ClassRead:
		return l.Read
	case models.ClassWrite:
		return l.Write
	case models.ClassAdmin:
		return l.Admin
	case models.ClassPublic:
		return l.Public
	default:
		return l.Write
	}
}

// Store is the backing counter store the Limiter increments against. It is
// the seam the spec's "fail open if unreachable" clause hangs on; the
// in-memory implementation below never fails, but a remote-backed Store
// (e.g. Redis) could.
type Store interface {
	// Increment bumps the counter for (identity, class, windowIndex) and
	// returns the post-increment count.
	Increment(identity string, class models.OperationClass, windowIndex int64) (int, error)
	// Violation records a deny and returns the consecutive-violation count
	// within the violation window, resetting it if the window has elapsed.
	Violation(identity string, now time.Time, violationWindow time.Duration) (int, error)
	// ClearViolations resets the violation counter for an identity after an
	// allowed request.
	ClearViolations(identity string) error
	// Block places identity under an escalation block until until.
	Block(identity string, until time.Time) error
	// BlockedUntil reports the active block deadline for identity, if any.
	BlockedUntil(identity string) (time.Time, bool, error)
	// Reset clears all counters for identity (admin/testing).
	Reset(identity string) error
}

// Limiter is C4. It is safe for concurrent use.
type Limiter struct {
	store              Store
	window             time.Duration
	limits             Limits
	violationThreshold int
	violationWindow    time.Duration
	blockDuration      time.Duration

	onMetric func(event string)
}

// Option configures optional behavior on a Limiter.
type Option func(*Limiter)

// WithMetrics registers a callback invoked for every allow/deny/block event,
// matching SPEC_FULL.md's "record a metric for each allow/deny and block
// event" requirement without coupling this package to the metrics package.
func WithMetrics(onMetric func(event string)) Option {
	return func(l *Limiter) { l.onMetric = onMetric }
}

func New(store Store, window time.Duration, limits Limits, violationThreshold int, violationWindow, blockDuration time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		store:              store,
		window:             window,
		limits:             limits,
		violationThreshold: violationThreshold,
		violationWindow:    violationWindow,
		blockDuration:      blockDuration,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow applies the fixed-window check for (identity, class), then the
// violation-escalation rule on a deny. It fails open (allows the request) if
// the backing store errors, per §4.4's failure semantics.
func (l *Limiter) Allow(identity string, class models.OperationClass) Decision {
	now := time.Now()

	if until, blocked, err := l.store.BlockedUntil(identity); err != nil {
		l.record("ratelimit.allow")
		logger.Logger.Warn("rate limit store unreachable, failing open", "identity", identity, "error", err)
		return Decision{Allowed: true, Remaining: -1, ResetAt: now.Add(l.window)}
	} else if blocked && now.Before(until) {
		l.record("ratelimit.blocked")
		return Decision{Allowed: false, Blocked: true, ResetAt: until}
	}

	windowIndex := now.Unix() / int64(l.window.Seconds())
	resetAt := time.Unix((windowIndex+1)*int64(l.window.Seconds()), 0)

	count, err := l.store.Increment(identity, class, windowIndex)
	if err != nil {
		l.record("ratelimit.allow")
		logger.Logger.Warn("rate limit store unreachable, failing open", "identity", identity, "error", err)
		return Decision{Allowed: true, Remaining: -1, ResetAt: resetAt}
	}

	limit := l.limits.forClass(class)
	if count <= limit {
		l.record("ratelimit.allow")
		_ = l.store.ClearViolations(identity)
		return Decision{Allowed: true, Remaining: limit - count, ResetAt: resetAt}
	}

	l.record("ratelimit.deny")
	violations, vErr := l.store.Violation(identity, now, l.violationWindow)
	if vErr == nil && violations >= l.violationThreshold {
		until := now.Add(l.blockDuration)
		if err := l.store.Block(identity, until); err == nil {
			l.record("ratelimit.blocked")
			logger.Logger.Warn("identity blocked after repeated rate limit violations",
				"identity", identity, "violations", violations, "until", until)
			return Decision{Allowed: false, Blocked: true, ResetAt: until}
		}
	}

	return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}
}

// Reset clears all counters and block state for identity.
func (l *Limiter) Reset(identity string) error {
	return l.store.Reset(identity)
}

func (l *Limiter) record(event string) {
	if l.onMetric != nil {
		l.onMetric(event)
	}
}
