// SPDX-License-Identifier: AGPL-3.0-or-later
// Package sweep implements the periodic housekeeping pass named in §4.6's
// dead-letter lifecycle ("mutated only by admin retry flow or expiry
// sweep") and the rate limiter's TTL-backed violation/block state: a
// ticker-driven worker, adapted from the teacher's magic-link cleanup
// worker, stripped of its RLS/tenant plumbing since this core has no
// multi-tenant request path.
package sweep

import (
	"context"
	"time"

	"github.com/relaynotify/core/pkg/logger"
)

// deadLetterExpirer is the DeadLetterRepository surface the sweep needs.
type deadLetterExpirer interface {
	ExpireOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// rateLimitPruner is the ratelimit.MemoryStore surface the sweep needs. It
// is optional: a remote-backed Store expires its own TTLs and has nothing
// for the sweep to call.
type rateLimitPruner interface {
	PruneExpired(now time.Time) int
}

// Config controls how often the sweep runs and how old a dead letter must
// be before it is marked EXPIRED.
type Config struct {
	Interval      time.Duration
	DeadLetterAge time.Duration
}

func DefaultConfig() Config {
	return Config{Interval: 1 * time.Hour, DeadLetterAge: 30 * 24 * time.Hour}
}

// Worker periodically expires stale dead letters and prunes lapsed
// rate-limit state.
type Worker struct {
	deadLetters deadLetterExpirer
	limiter     rateLimitPruner
	cfg         Config
	stopChan    chan struct{}
}

func NewWorker(deadLetters deadLetterExpirer, limiter rateLimitPruner, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 1 * time.Hour
	}
	if cfg.DeadLetterAge <= 0 {
		cfg.DeadLetterAge = 30 * 24 * time.Hour
	}
	return &Worker{deadLetters: deadLetters, limiter: limiter, cfg: cfg, stopChan: make(chan struct{})}
}

func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	logger.Logger.Info("sweep worker started", "interval", w.cfg.Interval, "dead_letter_age", w.cfg.DeadLetterAge)

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-w.stopChan:
			logger.Logger.Info("sweep worker stopped")
			return
		case <-ctx.Done():
			logger.Logger.Info("sweep worker context cancelled")
			return
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopChan)
}

func (w *Worker) sweep(ctx context.Context) {
	if expired, err := w.deadLetters.ExpireOlderThan(ctx, w.cfg.DeadLetterAge); err != nil {
		logger.Logger.Error("failed to expire dead letters", "error", err)
	} else if expired > 0 {
		logger.Logger.Info("expired dead letters", "count", expired)
	}

	if w.limiter == nil {
		return
	}
	if pruned := w.limiter.PruneExpired(time.Now()); pruned > 0 {
		logger.Logger.Info("pruned expired rate-limit state", "count", pruned)
	}
}
