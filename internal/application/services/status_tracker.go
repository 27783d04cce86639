// SPDX-License-Identifier: AGPL-3.0-or-later
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaynotify/core/internal/domain/models"
	"github.com/relaynotify/core/pkg/clock"
)

// statusRepository is the DeliveryRepository surface StatusTracker drives
// (§4.8). Transitions other than the async transport callback are applied
// directly by the DeliveryPipeline (C6); StatusTracker's only write path is
// the ingress hook's callback, and it offers Get for callers outside the
// pipeline.
type statusRepository interface {
	GetByTrackingID(ctx context.Context, trackingID uuid.UUID) (*models.DeliveryRecord, error)
	MarkTransportEvent(ctx context.Context, trackingID uuid.UUID, event models.TransportEvent) error
	Stats(ctx context.Context) (*models.DeliveryStats, error)
	StatsSince(ctx context.Context, since time.Time) (*models.DeliveryStats, error)
}

// Statistics is the read-only aggregate StatusTracker.Statistics returns
// (§4.8): counts plus derived delivery/bounce/complaint rates over sent
// volume for the requested window.
type Statistics struct {
	Window      time.Duration `json:"window"`
	Sent        int           `json:"sent"`
	Delivered   int           `json:"delivered"`
	Bounced     int           `json:"bounced"`
	Complained  int           `json:"complained"`
	Failed      int           `json:"failed"`
	DeadLetter  int           `json:"dead_letter"`
	DeliveryRate   float64    `json:"delivery_rate"`
	BounceRate     float64    `json:"bounce_rate"`
	ComplaintRate  float64    `json:"complaint_rate"`
}

// StatusTracker is C8: it exposes the delivery lifecycle to callers outside
// the pipeline, applies asynchronous transport callbacks, and aggregates
// windowed statistics (§4.8).
type StatusTracker struct {
	repo  statusRepository
	clock clock.Clock
}

func NewStatusTracker(repo statusRepository, clk clock.Clock) *StatusTracker {
	if clk == nil {
		clk = clock.Real()
	}
	return &StatusTracker{repo: repo, clock: clk}
}

// Get returns the current DeliveryRecord for trackingID.
func (s *StatusTracker) Get(ctx context.Context, trackingID uuid.UUID) (*models.DeliveryRecord, error) {
	return s.repo.GetByTrackingID(ctx, trackingID)
}

// OnTransportCallback applies an asynchronous DELIVERED/BOUNCED/COMPLAINED/
// FAILED event reported by the ingress hook, idempotently: the underlying
// repository call is a no-op once the record is already terminal (§4.6, §8).
func (s *StatusTracker) OnTransportCallback(ctx context.Context, trackingID uuid.UUID, event models.TransportEvent) error {
	switch event {
	case models.EventDelivered, models.EventBounced, models.EventComplained, models.EventFailed:
	default:
		return fmt.Errorf("status tracker: unknown transport event %q", event)
	}
	return s.repo.MarkTransportEvent(ctx, trackingID, event)
}

// Statistics aggregates delivery outcomes over the trailing window and
// derives delivery/bounce/complaint rates against sent volume (§4.8). A
// zero window returns lifetime totals.
func (s *StatusTracker) Statistics(ctx context.Context, window time.Duration) (*Statistics, error) {
	var stats *models.DeliveryStats
	var err error
	if window <= 0 {
		stats, err = s.repo.Stats(ctx)
	} else {
		stats, err = s.repo.StatsSince(ctx, s.clock.Now().Add(-window))
	}
	if err != nil {
		return nil, fmt.Errorf("status tracker: aggregate statistics: %w", err)
	}

	result := &Statistics{
		Window:     window,
		Sent:       stats.TotalSent,
		Delivered:  stats.TotalDelivered,
		Bounced:    stats.ByState[string(models.DeliveryBounced)],
		Complained: stats.ByState[string(models.DeliveryComplained)],
		Failed:     stats.TotalFailed,
		DeadLetter: stats.TotalDeadLetter,
	}

	// Sent volume includes every record that left SENDING, whether or not it
	// later reached a terminal outcome, so the denominator is sent + every
	// state a sent record can still move into.
	denominator := result.Sent + result.Delivered + result.Bounced + result.Complained
	if denominator > 0 {
		result.DeliveryRate = float64(result.Delivered) / float64(denominator)
		result.BounceRate = float64(result.Bounced) / float64(denominator)
		result.ComplaintRate = float64(result.Complained) / float64(denominator)
	}

	return result, nil
}
