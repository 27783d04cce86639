// SPDX-License-Identifier: AGPL-3.0-or-later
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/relaynotify/core/internal/domain/models"
	"github.com/relaynotify/core/pkg/clock"
	"github.com/relaynotify/core/pkg/logger"
)

// digestNotificationType is the synthetic NotificationRequest type the
// scheduler re-enters the pipeline with for every digest email (§4.7); it
// carries no per-type preference of its own, so it always resolves to the
// library's immediate-delivery default rather than being deferred again.
const digestNotificationType = "digest"

// digestMaxItemsPerType bounds how many notifications a single digest email
// lists before collapsing the remainder into an overflow count (§4.7).
const digestMaxItemsPerType = 5

// digestNotificationSource is the NotificationRepository surface the
// scheduler sweeps over (§4.7).
type digestNotificationSource interface {
	DigestEligibleForUser(ctx context.Context, userID string, since time.Time) ([]*models.Notification, error)
	DistinctDigestEligibleUsers(ctx context.Context) ([]string, error)
	MarkDigestProcessed(ctx context.Context, ids []uuid.UUID) error
}

// digestPreferenceLister is a narrower surface than preferenceResolver: the
// scheduler needs every per-type preference for a user at once, not a
// single-type lookup, plus the same quiet-hours check the delivery pipeline
// applies, grounded on services.PreferenceEngine.
type digestPreferenceLister interface {
	ListForUser(ctx context.Context, userID string) ([]*models.NotificationPreference, error)
	InQuietHours(ctx context.Context, userID, notifType string, localTime time.Time) (bool, error)
}

// pipelineEnqueuer is the DeliveryPipeline surface the scheduler re-enters
// with digest payloads, so a digest email gets the same circuit breaker,
// rate limiting, retry/backoff and dead-letter handling as any other
// delivery (§2, §4.7) instead of bypassing them with a direct transport call.
type pipelineEnqueuer interface {
	Enqueue(ctx context.Context, req models.NotificationRequest) (uuid.UUID, error)
}

// DigestSchedulerConfig sizes the per-recipient sweep (§4.7).
type DigestSchedulerConfig struct {
	DailyCron    string // 6-field cron spec, recipient-local
	WeeklyCron   string // 6-field cron spec, recipient-local
	TickInterval time.Duration
}

// DefaultDigestSchedulerConfig mirrors config.DigestConfig's defaults: daily
// at 08:00, weekly Monday at 09:00, both recipient-local.
func DefaultDigestSchedulerConfig() DigestSchedulerConfig {
	return DigestSchedulerConfig{
		DailyCron:    "0 0 8 * * *",
		WeeklyCron:   "0 0 9 * * MON",
		TickInterval: time.Minute,
	}
}

// DigestScheduler is C7: it periodically folds a recipient's accumulated
// DAILY_DIGEST/WEEKLY_DIGEST-frequency notifications into one email,
// evaluating each recipient's due time against their own timezone rather
// than a single global clock (§4.7, resolving the spec's Open Question in
// favor of per-user local scheduling).
type DigestScheduler struct {
	notifications digestNotificationSource
	preferences   digestPreferenceLister
	pipeline      pipelineEnqueuer
	clock         clock.Clock

	cfg    DigestSchedulerConfig
	parser cron.Parser
	daily  cron.Schedule
	weekly cron.Schedule

	driver *cron.Cron
}

func NewDigestScheduler(
	notifications digestNotificationSource,
	preferences digestPreferenceLister,
	pipeline pipelineEnqueuer,
	clk clock.Clock,
	cfg DigestSchedulerConfig,
) (*DigestScheduler, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	daily, err := parser.Parse(cfg.DailyCron)
	if err != nil {
		return nil, fmt.Errorf("digest scheduler: parse daily cron %q: %w", cfg.DailyCron, err)
	}
	weekly, err := parser.Parse(cfg.WeeklyCron)
	if err != nil {
		return nil, fmt.Errorf("digest scheduler: parse weekly cron %q: %w", cfg.WeeklyCron, err)
	}

	return &DigestScheduler{
		notifications: notifications,
		preferences:   preferences,
		pipeline:      pipeline,
		clock:         clk,
		cfg:           cfg,
		parser:        parser,
		daily:         daily,
		weekly:        weekly,
	}, nil
}

// Start launches the driving cron.Cron instance, ticking every TickInterval
// to re-evaluate every digest-eligible recipient (§4.7).
func (s *DigestScheduler) Start() error {
	s.driver = cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %s", s.cfg.TickInterval)
	if _, err := s.driver.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("digest scheduler: schedule tick: %w", err)
	}
	s.driver.Start()
	logger.Logger.Info("digest scheduler started", "daily_cron", s.cfg.DailyCron, "weekly_cron", s.cfg.WeeklyCron)
	return nil
}

// Stop halts the driving cron and waits for any in-flight tick to finish.
func (s *DigestScheduler) Stop() {
	if s.driver == nil {
		return
	}
	ctx := s.driver.Stop()
	<-ctx.Done()
}

// tick re-evaluates every digest-eligible recipient against their own
// timezone, sending a digest to whoever's daily or weekly schedule fires on
// this minute.
func (s *DigestScheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	users, err := s.notifications.DistinctDigestEligibleUsers(ctx)
	if err != nil {
		logger.Logger.Error("digest scheduler: list eligible users", "error", err)
		return
	}
	for _, userID := range users {
		if err := s.sweepUser(ctx, userID); err != nil {
			logger.Logger.Error("digest scheduler: sweep user failed", "user_id", userID, "error", err)
		}
	}
}

// sweepUser checks every digest-frequency preference the user has
// configured and sends a digest for each one whose schedule fires this
// minute, in the user's own timezone.
func (s *DigestScheduler) sweepUser(ctx context.Context, userID string) error {
	prefs, err := s.preferences.ListForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list preferences: %w", err)
	}

	now := s.clock.Now().UTC()
	for _, pref := range prefs {
		if !pref.Frequency.IsDigest() {
			continue
		}
		loc, err := time.LoadLocation(pref.Timezone)
		if err != nil {
			loc = time.UTC
		}
		local := now.In(loc)

		var due bool
		var window time.Duration
		switch pref.Frequency {
		case models.FrequencyDailyDigest:
			due = s.fires(s.daily, local)
			window = 24 * time.Hour
		case models.FrequencyWeeklyDigest:
			due = s.fires(s.weekly, local)
			window = 7 * 24 * time.Hour
		}
		if !due {
			continue
		}

		inQuiet, err := s.preferences.InQuietHours(ctx, userID, pref.Type, local)
		if err != nil {
			return fmt.Errorf("check quiet hours for type %s: %w", pref.Type, err)
		}
		if inQuiet {
			logger.Logger.Debug("digest scheduler: recipient in quiet hours, deferring to next tick",
				"user_id", userID, "type", pref.Type)
			continue
		}

		if err := s.sendDigest(ctx, userID, pref.Type, now.Add(-window)); err != nil {
			return fmt.Errorf("send digest for type %s: %w", pref.Type, err)
		}
	}
	return nil
}

// fires reports whether sched's next occurrence after one tick ago lands on
// the current minute, the standard technique for evaluating a cron.Schedule
// against a recurring driver tick rather than letting cron.Cron own the
// schedule directly (needed here because the schedule must be evaluated in
// per-recipient local time, not the process's own timezone).
func (s *DigestScheduler) fires(sched cron.Schedule, local time.Time) bool {
	truncated := local.Truncate(time.Minute)
	prev := truncated.Add(-s.cfg.TickInterval)
	next := sched.Next(prev)
	return !next.After(truncated)
}

// sendDigest aggregates undigested notifications of one type since the
// window start into a single email and re-enters the delivery pipeline with
// it (§2, §4.7), so the digest gets the same circuit breaker, rate limiting,
// retry/backoff and dead-letter handling as any other send; it marks the
// source notifications processed once the pipeline has accepted the request.
func (s *DigestScheduler) sendDigest(ctx context.Context, userID, notifType string, since time.Time) error {
	items, err := s.notifications.DigestEligibleForUser(ctx, userID, since)
	if err != nil {
		return fmt.Errorf("list eligible notifications: %w", err)
	}
	var filtered []*models.Notification
	for _, n := range items {
		if n.Type == notifType {
			filtered = append(filtered, n)
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	req := models.NotificationRequest{
		UserID:   userID,
		Type:     digestNotificationType,
		Priority: models.PriorityCritical,
		Variables: map[string]interface{}{
			"subject": fmt.Sprintf("Your %s digest", strings.ToLower(notifType)),
			"body":    buildDigestBody(filtered),
		},
		RequestedChannels: []models.Channel{models.ChannelEmail},
		CreatedAt:         s.clock.Now(),
	}
	if _, err := s.pipeline.Enqueue(ctx, req); err != nil {
		return fmt.Errorf("enqueue digest: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(filtered))
	for _, n := range filtered {
		ids = append(ids, n.ID)
	}
	return s.notifications.MarkDigestProcessed(ctx, ids)
}

// buildDigestBody lists up to digestMaxItemsPerType notifications, folding
// any remainder into a trailing overflow count rather than growing the email
// unbounded (§4.7).
func buildDigestBody(items []*models.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You have %d update(s):\n\n", len(items))

	shown := items
	overflow := 0
	if len(items) > digestMaxItemsPerType {
		shown = items[:digestMaxItemsPerType]
		overflow = len(items) - digestMaxItemsPerType
	}
	for _, n := range shown {
		fmt.Fprintf(&b, "- %s\n", n.Title)
		if n.Content != "" {
			fmt.Fprintf(&b, "  %s\n", n.Content)
		}
	}
	if overflow > 0 {
		fmt.Fprintf(&b, "...and %d more\n", overflow)
	}
	return b.String()
}
