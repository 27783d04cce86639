// SPDX-License-Identifier: AGPL-3.0-or-later
package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/relaynotify/core/internal/domain/models"
	"github.com/relaynotify/core/internal/infrastructure/dbctx"
)

// PreferenceRepository persists NotificationPreference rows, one per
// (user_id, type) pair (§4.3).
type PreferenceRepository struct {
	db *sql.DB
}

func NewPreferenceRepository(db *sql.DB) *PreferenceRepository {
	return &PreferenceRepository{db: db}
}

// Get returns the stored preference for (userID, type), or
// ErrPreferenceNotFound if the user has never configured or been seeded one.
func (r *PreferenceRepository) Get(ctx context.Context, userID, notifType string) (*models.NotificationPreference, error) {
	p := &models.NotificationPreference{}
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, type, in_app_enabled, email_enabled, push_enabled,
		       frequency, quiet_hours_start, quiet_hours_end, timezone, updated_at
		FROM notification_preferences WHERE user_id = $1 AND type = $2
	`, userID, notifType).Scan(
		&p.UserID, &p.Type, &p.InAppEnabled, &p.EmailEnabled, &p.PushEnabled,
		&p.Frequency, &p.QuietHoursStart, &p.QuietHoursEnd, &p.Timezone, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, models.ErrPreferenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preference %s/%s: %w", userID, notifType, err)
	}
	return p, nil
}

// ListForUser returns every preference the user has configured, used by
// defaults() to decide which notification types still need seeding.
func (r *PreferenceRepository) ListForUser(ctx context.Context, userID string) ([]*models.NotificationPreference, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, type, in_app_enabled, email_enabled, push_enabled,
		       frequency, quiet_hours_start, quiet_hours_end, timezone, updated_at
		FROM notification_preferences WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list preferences for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []*models.NotificationPreference
	for rows.Next() {
		p := &models.NotificationPreference{}
		if err := rows.Scan(
			&p.UserID, &p.Type, &p.InAppEnabled, &p.EmailEnabled, &p.PushEnabled,
			&p.Frequency, &p.QuietHoursStart, &p.QuietHoursEnd, &p.Timezone, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan preference: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Upsert creates or replaces a preference row.
func (r *PreferenceRepository) Upsert(ctx context.Context, p *models.NotificationPreference) error {
	q := dbctx.GetQuerier(ctx, r.db)
	_, err := q.ExecContext(ctx, `
		INSERT INTO notification_preferences (
			user_id, type, in_app_enabled, email_enabled, push_enabled,
			frequency, quiet_hours_start, quiet_hours_end, timezone, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (user_id, type) DO UPDATE SET
			in_app_enabled = EXCLUDED.in_app_enabled,
			email_enabled = EXCLUDED.email_enabled,
			push_enabled = EXCLUDED.push_enabled,
			frequency = EXCLUDED.frequency,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			timezone = EXCLUDED.timezone,
			updated_at = now()
	`, p.UserID, p.Type, p.InAppEnabled, p.EmailEnabled, p.PushEnabled,
		p.Frequency, p.QuietHoursStart, p.QuietHoursEnd, p.Timezone)
	if err != nil {
		return fmt.Errorf("failed to upsert preference %s/%s: %w", p.UserID, p.Type, err)
	}
	return nil
}
