// SPDX-License-Identifier: AGPL-3.0-or-later
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaynotify/core/internal/domain/models"
	"github.com/relaynotify/core/internal/infrastructure/dbctx"
	"github.com/relaynotify/core/pkg/logger"
)

// DeliveryRepository persists DeliveryRecord rows and exposes the queries the
// delivery pipeline needs to pick up pending work and redrive it on failure.
type DeliveryRepository struct {
	db *sql.DB
}

func NewDeliveryRepository(db *sql.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

// Create persists a new DeliveryRecord in PENDING state and assigns it a tracking ID.
func (r *DeliveryRepository) Create(ctx context.Context, input models.DeliveryInput) (*models.DeliveryRecord, error) {
	q := dbctx.GetQuerier(ctx, r.db)

	variables := models.JSONB(input.Variables)

	query := `
		INSERT INTO deliveries (
			tracking_id, notification_id, recipient, channel, type, priority,
			state, variables, scheduled_for
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`

	rec := &models.DeliveryRecord{
		TrackingID:     uuid.New(),
		NotificationID: input.NotificationID,
		Recipient:      input.Recipient,
		Channel:        input.Channel,
		Type:           input.Type,
		Priority:       input.Priority,
		State:          models.DeliveryPending,
		Variables:      variables,
		ScheduledFor:   input.ScheduledFor,
	}

	err := q.QueryRowContext(ctx, query,
		rec.TrackingID, rec.NotificationID, rec.Recipient, rec.Channel, rec.Type, rec.Priority,
		rec.State, variables, rec.ScheduledFor,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery record: %w", err)
	}

	logger.Logger.Debug("delivery record created",
		"tracking_id", rec.TrackingID,
		"channel", rec.Channel,
		"type", rec.Type)

	return rec, nil
}

// GetNextToProcess claims a batch of PENDING/SCHEDULED records whose scheduled
// time has arrived, locking them against concurrent pipeline workers.
func (r *DeliveryRepository) GetNextToProcess(ctx context.Context, limit int) ([]*models.DeliveryRecord, error) {
	query := `
		UPDATE deliveries
		SET state = 'SENDING', updated_at = now()
		WHERE id IN (
			SELECT id FROM deliveries
			WHERE state IN ('PENDING', 'SCHEDULED')
			  AND (scheduled_for IS NULL OR scheduled_for <= $1)
			ORDER BY priority DESC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING
			id, tracking_id, notification_id, recipient, channel, type, priority,
			state, reason, attempts, last_error, variables,
			created_at, updated_at, scheduled_for, sent_at, delivered_at
	`

	rows, err := r.db.QueryContext(ctx, query, time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get next deliveries to process: %w", err)
	}
	defer rows.Close()

	return scanDeliveryRows(rows)
}

// GetRetryable fetches FAILED-but-not-terminal records whose backoff has elapsed.
func (r *DeliveryRepository) GetRetryable(ctx context.Context, limit int, maxAttempts int) ([]*models.DeliveryRecord, error) {
	query := `
		UPDATE deliveries
		SET state = 'SENDING', updated_at = now()
		WHERE id IN (
			SELECT id FROM deliveries
			WHERE state = 'FAILED'
			  AND attempts < $1
			  AND scheduled_for IS NOT NULL AND scheduled_for <= $2
			ORDER BY priority DESC, updated_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING
			id, tracking_id, notification_id, recipient, channel, type, priority,
			state, reason, attempts, last_error, variables,
			created_at, updated_at, scheduled_for, sent_at, delivered_at
	`

	rows, err := r.db.QueryContext(ctx, query, maxAttempts, time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get retryable deliveries: %w", err)
	}
	defer rows.Close()

	return scanDeliveryRows(rows)
}

func scanDeliveryRows(rows *sql.Rows) ([]*models.DeliveryRecord, error) {
	var out []*models.DeliveryRecord
	for rows.Next() {
		rec := &models.DeliveryRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.TrackingID, &rec.NotificationID, &rec.Recipient, &rec.Channel, &rec.Type, &rec.Priority,
			&rec.State, &rec.Reason, &rec.Attempts, &rec.LastError, &rec.Variables,
			&rec.CreatedAt, &rec.UpdatedAt, &rec.ScheduledFor, &rec.SentAt, &rec.DeliveredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan delivery record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// MarkSent transitions a record to SENT after the transport accepted it.
func (r *DeliveryRepository) MarkSent(ctx context.Context, id int64) error {
	q := dbctx.GetQuerier(ctx, r.db)
	_, err := q.ExecContext(ctx, `
		UPDATE deliveries SET state = 'SENT', sent_at = now(), updated_at = now()
		WHERE id = $1 AND state NOT IN ('DELIVERED', 'BOUNCED', 'COMPLAINED', 'DEAD_LETTER', 'FAILED')
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark delivery sent: %w", err)
	}
	return nil
}

// MarkTransportEvent applies an asynchronous DELIVERED/BOUNCED/COMPLAINED/FAILED
// callback from the mail transport (§6), idempotently: once a record reaches a
// terminal state further events are ignored.
func (r *DeliveryRepository) MarkTransportEvent(ctx context.Context, trackingID uuid.UUID, event models.TransportEvent) error {
	var state models.DeliveryState
	switch event {
	case models.EventDelivered:
		state = models.DeliveryDelivered
	case models.EventBounced:
		state = models.DeliveryBounced
	case models.EventComplained:
		state = models.DeliveryComplained
	case models.EventFailed:
		state = models.DeliveryFailed
	default:
		return fmt.Errorf("unknown transport event: %s", event)
	}

	q := dbctx.GetQuerier(ctx, r.db)
	res, err := q.ExecContext(ctx, `
		UPDATE deliveries
		SET state = $1, delivered_at = CASE WHEN $1 = 'DELIVERED' THEN now() ELSE delivered_at END, updated_at = now()
		WHERE tracking_id = $2
		  AND state NOT IN ('DELIVERED', 'BOUNCED', 'COMPLAINED', 'DEAD_LETTER', 'FAILED')
	`, state, trackingID)
	if err != nil {
		return fmt.Errorf("failed to apply transport event: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		logger.Logger.Debug("transport event ignored, delivery already terminal or unknown",
			"tracking_id", trackingID, "event", event)
	}
	return nil
}

// MarkFailed records an attempt failure. A non-zero nextAttemptAt is stored as
// scheduled_for, making the record eligible for GetRetryable once it passes; a
// zero nextAttemptAt stores NULL, leaving the record FAILED with no retry.
// Dead-lettering an exhausted record is the caller's job (MarkDeadLetter).
func (r *DeliveryRepository) MarkFailed(ctx context.Context, id int64, cause error, nextAttemptAt time.Time) error {
	q := dbctx.GetQuerier(ctx, r.db)
	errMsg := cause.Error()
	var next interface{}
	if !nextAttemptAt.IsZero() {
		next = nextAttemptAt
	}
	_, err := q.ExecContext(ctx, `
		UPDATE deliveries
		SET state = 'FAILED', attempts = attempts + 1, last_error = $1,
		    scheduled_for = $2, updated_at = now()
		WHERE id = $3
	`, errMsg, next, id)
	if err != nil {
		return fmt.Errorf("failed to mark delivery failed: %w", err)
	}
	return nil
}

// MarkScheduled defers a record to SCHEDULED for a later retry pass (quiet
// hours, digest deferral), without touching attempts: neither deferral is a
// delivery attempt, so the retry budget is unaffected (§4.6 steps 2-3).
func (r *DeliveryRepository) MarkScheduled(ctx context.Context, id int64, scheduledFor time.Time) error {
	q := dbctx.GetQuerier(ctx, r.db)
	_, err := q.ExecContext(ctx, `
		UPDATE deliveries SET state = 'SCHEDULED', scheduled_for = $1, updated_at = now()
		WHERE id = $2 AND state NOT IN ('DELIVERED', 'BOUNCED', 'COMPLAINED', 'DEAD_LETTER')
	`, scheduledFor, id)
	if err != nil {
		return fmt.Errorf("failed to mark delivery scheduled: %w", err)
	}
	return nil
}

// MarkDeadLetter moves an exhausted record to its terminal DEAD_LETTER state.
func (r *DeliveryRepository) MarkDeadLetter(ctx context.Context, id int64) error {
	q := dbctx.GetQuerier(ctx, r.db)
	_, err := q.ExecContext(ctx, `
		UPDATE deliveries SET state = 'DEAD_LETTER', updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark delivery dead lettered: %w", err)
	}
	return nil
}

// GetByTrackingID looks up a single record for status queries (§4.8).
func (r *DeliveryRepository) GetByTrackingID(ctx context.Context, trackingID uuid.UUID) (*models.DeliveryRecord, error) {
	rec := &models.DeliveryRecord{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tracking_id, notification_id, recipient, channel, type, priority,
		       state, reason, attempts, last_error, variables,
		       created_at, updated_at, scheduled_for, sent_at, delivered_at
		FROM deliveries WHERE tracking_id = $1
	`, trackingID).Scan(
		&rec.ID, &rec.TrackingID, &rec.NotificationID, &rec.Recipient, &rec.Channel, &rec.Type, &rec.Priority,
		&rec.State, &rec.Reason, &rec.Attempts, &rec.LastError, &rec.Variables,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ScheduledFor, &rec.SentAt, &rec.DeliveredAt,
	)
	if err == sql.ErrNoRows {
		return nil, models.ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery by tracking id: %w", err)
	}
	return rec, nil
}

// Stats aggregates counts for the monitoring surface (§4.8).
func (r *DeliveryRepository) Stats(ctx context.Context) (*models.DeliveryStats, error) {
	stats := &models.DeliveryStats{ByChannel: map[string]int{}, ByState: map[string]int{}}

	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM deliveries GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to get state counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan state count: %w", err)
		}
		stats.ByState[state] = count
		switch models.DeliveryState(state) {
		case models.DeliveryPending, models.DeliveryScheduled:
			stats.TotalPending += count
		case models.DeliverySending:
			stats.TotalSending += count
		case models.DeliverySent:
			stats.TotalSent += count
		case models.DeliveryDelivered:
			stats.TotalDelivered += count
		case models.DeliveryFailed:
			stats.TotalFailed += count
		case models.DeliveryDeadLetter:
			stats.TotalDeadLetter += count
		}
	}

	chRows, err := r.db.QueryContext(ctx, `SELECT channel, COUNT(*) FROM deliveries GROUP BY channel`)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel counts: %w", err)
	}
	defer chRows.Close()
	for chRows.Next() {
		var channel string
		var count int
		if err := chRows.Scan(&channel, &count); err != nil {
			return nil, fmt.Errorf("failed to scan channel count: %w", err)
		}
		stats.ByChannel[channel] = count
	}

	return stats, nil
}

// StatsSince aggregates state counts for records updated at or after since,
// the windowed variant StatusTracker.Statistics uses for its sent/delivered/
// bounced/complained/failed rates (§4.8).
func (r *DeliveryRepository) StatsSince(ctx context.Context, since time.Time) (*models.DeliveryStats, error) {
	stats := &models.DeliveryStats{ByChannel: map[string]int{}, ByState: map[string]int{}}

	rows, err := r.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM deliveries WHERE updated_at >= $1 GROUP BY state
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get windowed state counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan windowed state count: %w", err)
		}
		stats.ByState[state] = count
		switch models.DeliveryState(state) {
		case models.DeliveryPending, models.DeliveryScheduled:
			stats.TotalPending += count
		case models.DeliverySending:
			stats.TotalSending += count
		case models.DeliverySent:
			stats.TotalSent += count
		case models.DeliveryDelivered:
			stats.TotalDelivered += count
		case models.DeliveryFailed:
			stats.TotalFailed += count
		case models.DeliveryDeadLetter:
			stats.TotalDeadLetter += count
		}
	}

	return stats, nil
}
