// SPDX-License-Identifier: AGPL-3.0-or-later
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relaynotify/core/internal/domain/models"
	"github.com/relaynotify/core/internal/infrastructure/dbctx"
)

// NotificationRepository persists the in-app Notification rows the digest
// scheduler (C7) later aggregates (§4.6 step 2, §4.7).
type NotificationRepository struct {
	db *sql.DB
}

func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create persists a new notification in UNREAD state.
func (r *NotificationRepository) Create(ctx context.Context, userID, notifType, title, content string) (*models.Notification, error) {
	q := dbctx.GetQuerier(ctx, r.db)

	n := &models.Notification{
		ID:     uuid.New(),
		UserID: userID,
		Type:   notifType,
		Title:  title,
		Content: content,
		Status: models.NotificationUnread,
	}
	err := q.QueryRowContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, content, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, n.ID, n.UserID, n.Type, n.Title, n.Content, n.Status).Scan(&n.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	return n, nil
}

// DigestEligibleForUser returns undigested notifications for userID created
// at or after since, used by the digest scheduler's window query (§4.7).
func (r *NotificationRepository) DigestEligibleForUser(ctx context.Context, userID string, since time.Time) ([]*models.Notification, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, type, title, content, status, created_at, read_at, digest_processed_at
		FROM notifications
		WHERE user_id = $1 AND digest_processed_at IS NULL AND created_at >= $2
		ORDER BY type, created_at ASC
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list digest-eligible notifications for %s: %w", userID, err)
	}
	defer rows.Close()
	return scanNotificationRows(rows)
}

// DistinctDigestEligibleUsers returns the set of user IDs with at least one
// undigested notification, the population the scheduler sweeps over.
func (r *NotificationRepository) DistinctDigestEligibleUsers(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM notifications WHERE digest_processed_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list digest-eligible users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan digest-eligible user: %w", err)
		}
		out = append(out, userID)
	}
	return out, nil
}

// MarkDigestProcessed atomically stamps every given notification id with
// digestProcessedAt = now, once its digest email has been accepted (§4.7).
func (r *NotificationRepository) MarkDigestProcessed(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	q := dbctx.GetQuerier(ctx, r.db)
	_, err := q.ExecContext(ctx, `
		UPDATE notifications SET digest_processed_at = now()
		WHERE id = ANY($1) AND digest_processed_at IS NULL
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to mark notifications digest processed: %w", err)
	}
	return nil
}

func scanNotificationRows(rows *sql.Rows) ([]*models.Notification, error) {
	var out []*models.Notification
	for rows.Next() {
		n := &models.Notification{}
		if err := rows.Scan(
			&n.ID, &n.UserID, &n.Type, &n.Title, &n.Content, &n.Status,
			&n.CreatedAt, &n.ReadAt, &n.DigestProcessedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}
