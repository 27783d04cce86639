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

// DeadLetterRepository persists DeadLetterRecord rows for deliveries that
// exhausted their retry budget (§4.6 step 8).
type DeadLetterRepository struct {
	db *sql.DB
}

func NewDeadLetterRepository(db *sql.DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

// Create stores an exhausted delivery as a dead letter, via dbctx.Querier.
// It does not change the owning delivery record; the caller moves that to
// DEAD_LETTER with DeliveryRepository.MarkDeadLetter.
func (r *DeadLetterRepository) Create(ctx context.Context, trackingID uuid.UUID, recipient string, channel models.Channel, subject, content string, variables models.JSONB, cause error) (*models.DeadLetterRecord, error) {
	q := dbctx.GetQuerier(ctx, r.db)

	rec := &models.DeadLetterRecord{
		TrackingID:   trackingID,
		Recipient:    recipient,
		Channel:      channel,
		Subject:      subject,
		Content:      content,
		Variables:    variables,
		ErrorMessage: cause.Error(),
		Status:       models.DeadLetterPending,
	}

	err := q.QueryRowContext(ctx, `
		INSERT INTO dead_letters (
			tracking_id, recipient, channel, subject, content, variables,
			error_message, retry_count, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)
		RETURNING id, created_at
	`, rec.TrackingID, rec.Recipient, rec.Channel, rec.Subject, rec.Content, rec.Variables,
		rec.ErrorMessage, rec.Status,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create dead letter record: %w", err)
	}

	logger.Logger.Warn("delivery moved to dead letter",
		"tracking_id", trackingID, "channel", channel, "error", rec.ErrorMessage)

	return rec, nil
}

// Get fetches a dead letter record by its id.
func (r *DeadLetterRepository) Get(ctx context.Context, id int64) (*models.DeadLetterRecord, error) {
	rec := &models.DeadLetterRecord{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tracking_id, recipient, channel, subject, content, variables,
		       error_message, retry_count, status, created_at, retried_at, resolved_at
		FROM dead_letters WHERE id = $1
	`, id).Scan(
		&rec.ID, &rec.TrackingID, &rec.Recipient, &rec.Channel, &rec.Subject, &rec.Content, &rec.Variables,
		&rec.ErrorMessage, &rec.RetryCount, &rec.Status, &rec.CreatedAt, &rec.RetriedAt, &rec.ResolvedAt,
	)
	if err == sql.ErrNoRows {
		return nil, models.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter record: %w", err)
	}
	return rec, nil
}

// ListRedrivable returns dead letters eligible for automatic or operator redrive.
func (r *DeadLetterRepository) ListRedrivable(ctx context.Context, limit int) ([]*models.DeadLetterRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tracking_id, recipient, channel, subject, content, variables,
		       error_message, retry_count, status, created_at, retried_at, resolved_at
		FROM dead_letters
		WHERE status = 'PENDING'
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list redrivable dead letters: %w", err)
	}
	defer rows.Close()

	var out []*models.DeadLetterRecord
	for rows.Next() {
		rec := &models.DeadLetterRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.TrackingID, &rec.Recipient, &rec.Channel, &rec.Subject, &rec.Content, &rec.Variables,
			&rec.ErrorMessage, &rec.RetryCount, &rec.Status, &rec.CreatedAt, &rec.RetriedAt, &rec.ResolvedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// MarkRetried records a redrive attempt. The caller re-submits the delivery to
// the pipeline; success resolves the dead letter (via MarkResolved), failure
// calls this again with status RETRY_FAILED or MAX_RETRIES_EXCEEDED.
func (r *DeadLetterRepository) MarkRetried(ctx context.Context, id int64, status models.DeadLetterStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE dead_letters
		SET status = $1, retry_count = retry_count + 1, retried_at = now()
		WHERE id = $2
	`, status, id)
	if err != nil {
		return fmt.Errorf("failed to mark dead letter retried: %w", err)
	}
	return nil
}

// MarkResolved closes a dead letter once its redrive has succeeded.
func (r *DeadLetterRepository) MarkResolved(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE dead_letters SET status = 'RESOLVED', resolved_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark dead letter resolved: %w", err)
	}
	return nil
}

// ExpireOlderThan marks PENDING dead letters past the retention window as
// EXPIRED; the rows are kept, never deleted.
func (r *DeadLetterRepository) ExpireOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	res, err := r.db.ExecContext(ctx, `
		UPDATE dead_letters SET status = 'EXPIRED'
		WHERE status = 'PENDING' AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire dead letters: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.Logger.Info("expired stale dead letters", "count", n)
	}
	return n, nil
}
