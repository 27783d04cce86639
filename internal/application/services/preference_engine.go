// SPDX-License-Identifier: AGPL-3.0-or-later
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaynotify/core/internal/domain/models"
	"github.com/relaynotify/core/pkg/logger"
)

// preferenceRepository defines the persistence operations PreferenceEngine needs.
type preferenceRepository interface {
	Get(ctx context.Context, userID, notifType string) (*models.NotificationPreference, error)
	ListForUser(ctx context.Context, userID string) ([]*models.NotificationPreference, error)
	Upsert(ctx context.Context, p *models.NotificationPreference) error
}

// preferenceAuditor is notified of every persisted preference change so it
// can be recorded in the audit trail (§4.10); satisfied by AuditLogger.
type preferenceAuditor interface {
	RecordPreferenceChange(ctx context.Context, userID, notifType string, before, after *models.NotificationPreference)
}

// TypeDefault describes the seeded preference for one notification type,
// applied the first time PreferenceEngine.Defaults runs for a user.
type TypeDefault struct {
	Type         string
	InAppEnabled bool
	EmailEnabled bool
	PushEnabled  bool
	Frequency    models.Frequency
}

// PreferenceEngine resolves and mutates per-user notification preferences,
// including quiet-hours evaluation and one-time default seeding (§4.3).
type PreferenceEngine struct {
	repo     preferenceRepository
	auditor  preferenceAuditor
	defaults []TypeDefault
}

// NewPreferenceEngine builds a PreferenceEngine. auditor may be nil if
// preference-change auditing is wired elsewhere or not yet available.
func NewPreferenceEngine(repo preferenceRepository, auditor preferenceAuditor, defaults []TypeDefault) *PreferenceEngine {
	return &PreferenceEngine{repo: repo, auditor: auditor, defaults: defaults}
}

// Get returns the stored preference for (userID, type), or the library
// default if the user has never configured or been seeded one (§4.3).
func (e *PreferenceEngine) Get(ctx context.Context, userID, notifType string) (*models.NotificationPreference, error) {
	p, err := e.repo.Get(ctx, userID, notifType)
	if errors.Is(err, models.ErrPreferenceNotFound) {
		return models.DefaultPreference(userID, notifType), nil
	}
	if err != nil {
		return nil, fmt.Errorf("preference engine: get %s/%s: %w", userID, notifType, err)
	}
	return p, nil
}

// ListForUser returns every preference the user has configured, used by the
// digest scheduler to evaluate each digest-frequency type's due schedule
// (§4.7).
func (e *PreferenceEngine) ListForUser(ctx context.Context, userID string) ([]*models.NotificationPreference, error) {
	return e.repo.ListForUser(ctx, userID)
}

// Upsert persists an updated preference and emits an audit change log
// recording what changed relative to the previous state.
func (e *PreferenceEngine) Upsert(ctx context.Context, next *models.NotificationPreference) error {
	before, err := e.repo.Get(ctx, next.UserID, next.Type)
	if errors.Is(err, models.ErrPreferenceNotFound) {
		before = nil
	} else if err != nil {
		return fmt.Errorf("preference engine: load previous %s/%s: %w", next.UserID, next.Type, err)
	}

	if next.Timezone == "" {
		next.Timezone = "UTC"
	}
	if err := e.repo.Upsert(ctx, next); err != nil {
		return fmt.Errorf("preference engine: upsert %s/%s: %w", next.UserID, next.Type, err)
	}

	if e.auditor != nil {
		e.auditor.RecordPreferenceChange(ctx, next.UserID, next.Type, before, next)
	}
	logger.Logger.Debug("preference upserted", "user_id", next.UserID, "type", next.Type)
	return nil
}

// IsEnabled reports whether channel delivery is permitted for (userID, type):
// true iff a preference exists, its frequency is not OFF, and the channel
// toggle is set. An absent preference defaults to enabled (§4.3).
func (e *PreferenceEngine) IsEnabled(ctx context.Context, userID, notifType string, channel models.Channel) (bool, error) {
	p, err := e.repo.Get(ctx, userID, notifType)
	if errors.Is(err, models.ErrPreferenceNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("preference engine: is enabled %s/%s: %w", userID, notifType, err)
	}
	if p.Frequency == models.FrequencyOff {
		return false, nil
	}
	return p.ChannelEnabled(channel), nil
}

// InQuietHours reports whether localTime falls inside the user's configured
// quiet window for notifType, honoring wrap-around across midnight: a window
// of start=22:00, end=07:00 covers [22:00,24:00) ∪ [00:00,07:00) (§4.3).
func (e *PreferenceEngine) InQuietHours(ctx context.Context, userID, notifType string, localTime time.Time) (bool, error) {
	p, err := e.repo.Get(ctx, userID, notifType)
	if errors.Is(err, models.ErrPreferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("preference engine: quiet hours %s/%s: %w", userID, notifType, err)
	}
	if p.QuietHoursStart == nil || p.QuietHoursEnd == nil {
		return false, nil
	}
	start, err := parseClock(*p.QuietHoursStart)
	if err != nil {
		return false, fmt.Errorf("preference engine: invalid quiet_hours_start %q: %w", *p.QuietHoursStart, err)
	}
	end, err := parseClock(*p.QuietHoursEnd)
	if err != nil {
		return false, fmt.Errorf("preference engine: invalid quiet_hours_end %q: %w", *p.QuietHoursEnd, err)
	}
	return inWindow(clockOf(localTime), start, end), nil
}

// NextQuietHoursEnd returns the next instant strictly after from at which the
// user's quiet window for notifType ends, used to schedule deferred delivery.
// If no quiet window is configured it returns from unchanged.
func (e *PreferenceEngine) NextQuietHoursEnd(ctx context.Context, userID, notifType string, from time.Time) (time.Time, error) {
	p, err := e.repo.Get(ctx, userID, notifType)
	if errors.Is(err, models.ErrPreferenceNotFound) {
		return from, nil
	}
	if err != nil {
		return from, fmt.Errorf("preference engine: next quiet hours end %s/%s: %w", userID, notifType, err)
	}
	if p.QuietHoursEnd == nil {
		return from, nil
	}
	end, err := parseClock(*p.QuietHoursEnd)
	if err != nil {
		return from, fmt.Errorf("preference engine: invalid quiet_hours_end %q: %w", *p.QuietHoursEnd, err)
	}

	candidate := time.Date(from.Year(), from.Month(), from.Day(), end.hour, end.minute, 0, 0, from.Location())
	if !candidate.After(from) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate, nil
}

// Defaults seeds one preference per configured TypeDefault for userID,
// skipping any type the user already has a preference for. It is safe to
// call repeatedly (§4.3).
func (e *PreferenceEngine) Defaults(ctx context.Context, userID string) error {
	existing, err := e.repo.ListForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("preference engine: list existing for %s: %w", userID, err)
	}
	seeded := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		seeded[p.Type] = struct{}{}
	}

	for _, d := range e.defaults {
		if _, ok := seeded[d.Type]; ok {
			continue
		}
		p := &models.NotificationPreference{
			UserID:       userID,
			Type:         d.Type,
			InAppEnabled: d.InAppEnabled,
			EmailEnabled: d.EmailEnabled,
			PushEnabled:  d.PushEnabled,
			Frequency:    d.Frequency,
			Timezone:     "UTC",
		}
		if err := e.repo.Upsert(ctx, p); err != nil {
			return fmt.Errorf("preference engine: seed default %s/%s: %w", userID, d.Type, err)
		}
	}
	return nil
}

type timeOfDay struct{ hour, minute int }

func clockOf(t time.Time) timeOfDay {
	return timeOfDay{hour: t.Hour(), minute: t.Minute()}
}

func parseClock(hhmm string) (timeOfDay, error) {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return timeOfDay{}, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return timeOfDay{}, fmt.Errorf("out of range")
	}
	return timeOfDay{hour: h, minute: m}, nil
}

func (c timeOfDay) before(o timeOfDay) bool {
	return c.hour < o.hour || (c.hour == o.hour && c.minute < o.minute)
}

func (c timeOfDay) equal(o timeOfDay) bool {
	return c.hour == o.hour && c.minute == o.minute
}

// inWindow reports whether t falls within [start, end), wrapping across
// midnight when end <= start. start == end denotes an empty window.
func inWindow(t, start, end timeOfDay) bool {
	if start.equal(end) {
		return false
	}
	if start.before(end) {
		return !t.before(start) && t.before(end)
	}
	// Wraps across midnight: [start, 24:00) ∪ [00:00, end).
	return !t.before(start) || t.before(end)
}
