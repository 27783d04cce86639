// SPDX-License-Identifier: AGPL-3.0-or-later
package services

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaynotify/core/internal/domain/models"
	"github.com/relaynotify/core/internal/infrastructure/email"
	"github.com/relaynotify/core/internal/infrastructure/ratelimit"
	"github.com/relaynotify/core/pkg/clock"
	"github.com/relaynotify/core/pkg/logger"
)

// deliveryRepository is the subset of database.DeliveryRepository the
// pipeline drives.
type deliveryRepository interface {
	Create(ctx context.Context, input models.DeliveryInput) (*models.DeliveryRecord, error)
	GetNextToProcess(ctx context.Context, limit int) ([]*models.DeliveryRecord, error)
	GetRetryable(ctx context.Context, limit int, maxAttempts int) ([]*models.DeliveryRecord, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, cause error, nextAttemptAt time.Time) error
	MarkScheduled(ctx context.Context, id int64, scheduledFor time.Time) error
	MarkDeadLetter(ctx context.Context, id int64) error
	GetByTrackingID(ctx context.Context, trackingID uuid.UUID) (*models.DeliveryRecord, error)
}

// deadLetterRepository is the subset of database.DeadLetterRepository the
// pipeline drives on retry exhaustion (§4.6 step 8).
type deadLetterRepository interface {
	Create(ctx context.Context, trackingID uuid.UUID, recipient string, channel models.Channel, subject, content string, variables models.JSONB, cause error) (*models.DeadLetterRecord, error)
}

// notificationCreator persists the in-app row a digest-deferred or in-app
// delivery produces (§4.6 step 2).
type notificationCreator interface {
	Create(ctx context.Context, userID, notifType, title, content string) (*models.Notification, error)
}

// preferenceResolver is the PreferenceEngine surface the pipeline consults.
type preferenceResolver interface {
	Get(ctx context.Context, userID, notifType string) (*models.NotificationPreference, error)
	IsEnabled(ctx context.Context, userID, notifType string, channel models.Channel) (bool, error)
	InQuietHours(ctx context.Context, userID, notifType string, localTime time.Time) (bool, error)
	NextQuietHoursEnd(ctx context.Context, userID, notifType string, from time.Time) (time.Time, error)
}

// templateResolver is the TemplateStore surface the pipeline consults (C1).
type templateResolver interface {
	Get(ctx context.Context, typ, lang string) (*models.Template, error)
}

// messageRenderer is the TemplateRenderer surface the pipeline consults (C2).
type messageRenderer interface {
	Render(tmpl *models.Template, vars map[string]interface{}) (*models.RenderedContent, error)
}

// rateLimiter is the RateLimiter surface the pipeline consults (C4).
type rateLimiter interface {
	Allow(identity string, class models.OperationClass) ratelimit.Decision
}

// transportBreaker is the CircuitBreaker surface wrapping the transport (C5).
type transportBreaker interface {
	Execute(fn func() (*email.SendResult, error)) (*email.SendResult, error)
}

// RecipientResolver maps a user ID and channel to a concrete delivery
// address (mailbox, device token, in-app inbox key). Spec.md names this the
// "user-info collaborator"; this codebase does not own a user directory, so
// callers supply their own implementation. DirectResolver below is the
// default: it treats the user ID as the address directly.
type RecipientResolver interface {
	Resolve(ctx context.Context, userID string, channel models.Channel) (string, error)
}

// DirectResolver is a RecipientResolver that uses the user ID unchanged,
// suitable when the caller already passes an email address or device token
// as the user ID.
type DirectResolver struct{}

func (DirectResolver) Resolve(_ context.Context, userID string, _ models.Channel) (string, error) {
	return userID, nil
}

// PipelineConfig sizes the DeliveryPipeline's worker pool, queue and retry
// policy (§4.6).
type PipelineConfig struct {
	Workers          int
	QueueCapacity    int
	EnqueueTimeout   time.Duration
	PollInterval     time.Duration
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	RetryMultiplier  float64
	RetryMaxDelay    time.Duration
	RetryJitterRatio float64
	DrainTimeout     time.Duration
}

// PipelineMetrics receives named pipeline events; the pipeline skips the call
// when no PipelineMetrics is wired (nil), so wiring it is optional.
type PipelineMetrics interface {
	Count(event string)
}

// job is one unit of work moving through the in-memory queue.
type job struct {
	record *models.DeliveryRecord
}

// DeliveryPipeline is C6, the central core: it turns a NotificationRequest
// into one DeliveryRecord per resolved channel, and drives each record
// through preference resolution, quiet hours, template rendering, rate
// limiting and transport submission with bounded retry (§4.6).
type DeliveryPipeline struct {
	deliveries    deliveryRepository
	deadLetters   deadLetterRepository
	notifications notificationCreator
	preferences   preferenceResolver
	templates     templateResolver
	renderer      messageRenderer
	limiter       rateLimiter
	breaker       transportBreaker
	transport     email.Transport
	recipients    RecipientResolver
	metrics       PipelineMetrics
	clock         clock.Clock

	cfg PipelineConfig

	queue    chan job
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	ctx      context.Context
	mu       sync.Mutex
	started  bool
	draining bool
}

// DefaultPipelineConfig returns the spec's default sizing (§4.6).
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Workers:          32,
		QueueCapacity:    10000,
		EnqueueTimeout:   50 * time.Millisecond,
		PollInterval:     1 * time.Second,
		MaxAttempts:      3,
		RetryBaseDelay:   1 * time.Second,
		RetryMultiplier:  2,
		RetryMaxDelay:    10 * time.Second,
		RetryJitterRatio: 0.2,
		DrainTimeout:     30 * time.Second,
	}
}

func NewDeliveryPipeline(
	deliveries deliveryRepository,
	deadLetters deadLetterRepository,
	notifications notificationCreator,
	preferences preferenceResolver,
	templates templateResolver,
	renderer messageRenderer,
	limiter rateLimiter,
	breaker transportBreaker,
	transport email.Transport,
	recipients RecipientResolver,
	metrics PipelineMetrics,
	clk clock.Clock,
	cfg PipelineConfig,
) *DeliveryPipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 32
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10000
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 50 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if clk == nil {
		clk = clock.Real()
	}
	if recipients == nil {
		recipients = DirectResolver{}
	}

	return &DeliveryPipeline{
		deliveries:    deliveries,
		deadLetters:   deadLetters,
		notifications: notifications,
		preferences:   preferences,
		templates:     templates,
		renderer:      renderer,
		limiter:       limiter,
		breaker:       breaker,
		transport:     transport,
		recipients:    recipients,
		metrics:       metrics,
		clock:         clk,
		cfg:           cfg,
		queue:         make(chan job, cfg.QueueCapacity),
	}
}

// Start launches the worker pool and the background poller that feeds
// PENDING/SCHEDULED and due-for-retry FAILED records into the queue.
func (p *DeliveryPipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("delivery pipeline already started")
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.started = true

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop()
	}
	p.wg.Add(1)
	go p.pollLoop()

	logger.Logger.Info("delivery pipeline started", "workers", p.cfg.Workers, "queue_capacity", p.cfg.QueueCapacity)
	return nil
}

// Shutdown stops accepting new work, waits for in-flight records to reach a
// terminal state or drainTimeout, then flushes whatever is left in the
// in-memory queue to the dead letter table on a best-effort basis (§4.6).
func (p *DeliveryPipeline) Shutdown(ctx context.Context, drainTimeout time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return fmt.Errorf("delivery pipeline not started")
	}
	p.draining = true
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		logger.Logger.Warn("delivery pipeline drain timeout, flushing remaining queue to dead letter")
	}

	close(p.queue)
	flushed := 0
	for j := range p.queue {
		if err := p.sendToDeadLetter(ctx, j.record, fmt.Errorf("shutdown: undrained")); err != nil {
			logger.Logger.Error("failed to flush undrained record to dead letter", "tracking_id", j.record.TrackingID, "error", err)
			continue
		}
		flushed++
	}
	if flushed > 0 {
		logger.Logger.Info("flushed undrained records to dead letter on shutdown", "count", flushed)
	}

	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
	return nil
}

// Enqueue resolves the channel set for req (explicit RequestedChannels, or
// all channels, keeping only those the user's preference enables), persists
// one PENDING DeliveryRecord per channel, and attempts to hand each to the
// worker pool within EnqueueTimeout. It returns the tracking ID of the first
// resolved channel; every created record remains independently queryable via
// Status even if this call returns ErrOverloaded or ErrShuttingDown (§4.6).
func (p *DeliveryPipeline) Enqueue(ctx context.Context, req models.NotificationRequest) (uuid.UUID, error) {
	if err := req.Validate(); err != nil {
		return uuid.Nil, err
	}

	channels, err := p.resolveChannels(ctx, req)
	if err != nil {
		return uuid.Nil, err
	}
	if len(channels) == 0 {
		return uuid.Nil, fmt.Errorf("no channel resolved for user %s type %s", req.UserID, req.Type)
	}

	var primary uuid.UUID
	var overloaded error
	for i, ch := range channels {
		rec, err := p.deliveries.Create(ctx, models.DeliveryInput{
			NotificationID: nil,
			Recipient:      req.UserID,
			Channel:        ch,
			Type:           req.Type,
			Priority:       req.Priority,
			Variables:      req.Variables,
		})
		if err != nil {
			return primary, fmt.Errorf("delivery pipeline: persist record: %w", err)
		}
		if i == 0 {
			primary = rec.TrackingID
		}
		if err := p.submit(rec); err != nil {
			overloaded = err
		}
	}
	return primary, overloaded
}

// EnqueueBatch enqueues every request and returns the primary tracking ID
// keyed by recipient user ID; a per-request error does not abort the batch.
func (p *DeliveryPipeline) EnqueueBatch(ctx context.Context, reqs []models.NotificationRequest) map[string]uuid.UUID {
	out := make(map[string]uuid.UUID, len(reqs))
	for _, req := range reqs {
		id, err := p.Enqueue(ctx, req)
		if err != nil && id == uuid.Nil {
			logger.Logger.Warn("batch enqueue failed", "user_id", req.UserID, "type", req.Type, "error", err)
			continue
		}
		out[req.UserID] = id
	}
	return out
}

// Status returns the current DeliveryRecord for trackingID (§4.8).
func (p *DeliveryPipeline) Status(ctx context.Context, trackingID uuid.UUID) (*models.DeliveryRecord, error) {
	return p.deliveries.GetByTrackingID(ctx, trackingID)
}

// resolveChannels determines which channels a request targets: the caller's
// explicit list if given, or every channel otherwise, filtered in both cases
// to the channels the user's preference enables.
func (p *DeliveryPipeline) resolveChannels(ctx context.Context, req models.NotificationRequest) ([]models.Channel, error) {
	candidates := req.RequestedChannels
	if len(candidates) == 0 {
		candidates = []models.Channel{models.ChannelInApp, models.ChannelEmail, models.ChannelPush}
	}

	var out []models.Channel
	for _, ch := range candidates {
		enabled, err := p.preferences.IsEnabled(ctx, req.UserID, req.Type, ch)
		if err != nil {
			return nil, fmt.Errorf("delivery pipeline: resolve channel %s: %w", ch, err)
		}
		if enabled {
			out = append(out, ch)
		}
	}
	return out, nil
}

// submit hands rec to the worker pool, blocking up to EnqueueTimeout before
// returning models.ErrOverloaded; once Shutdown has begun it returns
// models.ErrShuttingDown instead. The record stays PENDING in the database
// either way and will be picked up by the background poller if this call
// times out.
func (p *DeliveryPipeline) submit(rec *models.DeliveryRecord) error {
	p.mu.Lock()
	draining := p.draining
	p.mu.Unlock()
	if draining {
		return models.ErrShuttingDown
	}
	select {
	case p.queue <- job{record: rec}:
		return nil
	case <-time.After(p.cfg.EnqueueTimeout):
		p.count("queue.overloaded")
		return models.ErrOverloaded
	}
}

func (p *DeliveryPipeline) pollLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

func (p *DeliveryPipeline) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	due, err := p.deliveries.GetNextToProcess(ctx, p.cfg.Workers)
	if err != nil {
		logger.Logger.Error("failed to poll due deliveries", "error", err)
	}
	for _, rec := range due {
		p.enqueueClaimed(rec)
	}

	retryable, err := p.deliveries.GetRetryable(ctx, p.cfg.Workers, p.cfg.MaxAttempts)
	if err != nil {
		logger.Logger.Error("failed to poll retryable deliveries", "error", err)
	}
	for _, rec := range retryable {
		p.enqueueClaimed(rec)
	}
}

func (p *DeliveryPipeline) enqueueClaimed(rec *models.DeliveryRecord) {
	select {
	case p.queue <- job{record: rec}:
	case <-p.ctx.Done():
	}
}

func (p *DeliveryPipeline) workerLoop() {
	defer p.wg.Done()
	for j := range p.queue {
		p.process(p.ctx, j.record)
	}
}

// process runs steps 2-8 of §4.6 for a single claimed record.
func (p *DeliveryPipeline) process(ctx context.Context, rec *models.DeliveryRecord) {
	// Step 2: preference resolution.
	pref, err := p.preferences.Get(ctx, rec.Recipient, rec.Type)
	if err != nil {
		p.fail(ctx, rec, models.ReasonInternal, fmt.Errorf("resolve preference: %w", err))
		return
	}
	if pref.Frequency == models.FrequencyOff || !pref.ChannelEnabled(rec.Channel) {
		p.fail(ctx, rec, models.ReasonSuppressed, fmt.Errorf("suppressed by preference"))
		return
	}
	if pref.Frequency.IsDigest() && rec.Channel == models.ChannelEmail {
		p.deferToDigest(ctx, rec)
		return
	}

	// Step 3: quiet hours, evaluated in the recipient's own timezone (§4.3).
	if rec.Priority != models.PriorityCritical {
		loc, err := time.LoadLocation(pref.Timezone)
		if err != nil {
			loc = time.UTC
		}
		local := p.clock.Now().In(loc)
		inQuiet, err := p.preferences.InQuietHours(ctx, rec.Recipient, rec.Type, local)
		if err != nil {
			p.fail(ctx, rec, models.ReasonInternal, fmt.Errorf("quiet hours check: %w", err))
			return
		}
		if inQuiet {
			end, err := p.preferences.NextQuietHoursEnd(ctx, rec.Recipient, rec.Type, local)
			if err != nil {
				p.fail(ctx, rec, models.ReasonInternal, fmt.Errorf("quiet hours end: %w", err))
				return
			}
			p.reschedule(ctx, rec, end)
			return
		}
	}

	// Step 4: template acquisition and rendering.
	tmpl, err := p.templates.Get(ctx, rec.Type, "")
	if err != nil {
		p.fail(ctx, rec, models.ReasonValidation, fmt.Errorf("acquire template: %w", err))
		return
	}
	rendered, err := p.renderer.Render(tmpl, rec.Variables)
	if err != nil {
		p.fail(ctx, rec, models.ReasonValidation, fmt.Errorf("render template: %w", err))
		return
	}

	// Step 5: rate limit.
	decision := p.limiter.Allow(rec.Recipient, models.ClassWrite)
	if !decision.Allowed {
		p.fail(ctx, rec, models.ReasonRateLimited, models.ErrRateLimited)
		return
	}

	// Step 6: submit to transport.
	p.send(ctx, rec, rendered)
}

// send transitions rec to SENDING and submits it through the circuit
// breaker; handles success, retry and permanent-failure outcomes.
func (p *DeliveryPipeline) send(ctx context.Context, rec *models.DeliveryRecord, rendered *models.RenderedContent) {
	address, err := p.recipients.Resolve(ctx, rec.Recipient, rec.Channel)
	if err != nil {
		p.fail(ctx, rec, models.ReasonValidation, fmt.Errorf("resolve recipient: %w", err))
		return
	}

	if rec.Channel != models.ChannelEmail {
		// In-app/push transports are out of this pipeline's scope (§1
		// Non-goals); record success so status reflects the render.
		p.succeed(ctx, rec)
		return
	}

	msg := email.Message{
		To:       []string{address},
		Subject:  rendered.Subject,
		BodyText: rendered.BodyText,
		BodyHTML: rendered.BodyHTML,
	}

	_, err = p.breaker.Execute(func() (*email.SendResult, error) {
		return p.transport.Send(ctx, msg)
	})
	if err == nil {
		p.succeed(ctx, rec)
		return
	}

	if !p.retryable(err) {
		p.fail(ctx, rec, models.ReasonTransport, err)
		return
	}
	if rec.Attempts+1 < p.cfg.MaxAttempts {
		p.scheduleRetry(ctx, rec, err)
		return
	}
	p.exhaust(ctx, rec, rendered, err)
}

func (p *DeliveryPipeline) retryable(err error) bool {
	return email.CategorizeError(err).Retryable()
}

func (p *DeliveryPipeline) succeed(ctx context.Context, rec *models.DeliveryRecord) {
	if err := p.deliveries.MarkSent(ctx, rec.ID); err != nil {
		logger.Logger.Error("failed to mark delivery sent", "tracking_id", rec.TrackingID, "error", err)
		return
	}
	p.count("email.sent")
}

// scheduleRetry computes the next attempt time with exponential backoff,
// base 1s, multiplier 2, cap 10s, plus up to ±20% jitter (§4.6 step 7).
func (p *DeliveryPipeline) scheduleRetry(ctx context.Context, rec *models.DeliveryRecord, cause error) {
	delay := p.backoff(rec.Attempts)
	next := p.clock.Now().Add(delay)
	if err := p.deliveries.MarkFailed(ctx, rec.ID, cause, next); err != nil {
		logger.Logger.Error("failed to schedule retry", "tracking_id", rec.TrackingID, "error", err)
		return
	}
	p.count("email.retried")
}

func (p *DeliveryPipeline) backoff(attempt int) time.Duration {
	base := float64(p.cfg.RetryBaseDelay)
	delay := base * pow(p.cfg.RetryMultiplier, attempt)
	if cap := float64(p.cfg.RetryMaxDelay); delay > cap {
		delay = cap
	}
	jitter := delay * p.cfg.RetryJitterRatio * (rand.Float64()*2 - 1)
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// exhaust moves rec to DEAD_LETTER once its retry budget is spent (§4.6 step 8).
func (p *DeliveryPipeline) exhaust(ctx context.Context, rec *models.DeliveryRecord, rendered *models.RenderedContent, cause error) {
	subject, body := "", ""
	if rendered != nil {
		subject, body = rendered.Subject, rendered.BodyText
	}
	if _, err := p.deadLetters.Create(ctx, rec.TrackingID, rec.Recipient, rec.Channel, subject, body, rec.Variables, cause); err != nil {
		logger.Logger.Error("failed to create dead letter", "tracking_id", rec.TrackingID, "error", err)
		return
	}
	if err := p.deliveries.MarkDeadLetter(ctx, rec.ID); err != nil {
		logger.Logger.Error("failed to mark delivery dead lettered", "tracking_id", rec.TrackingID, "error", err)
		return
	}
	p.count("email.deadletter")
}

func (p *DeliveryPipeline) sendToDeadLetter(ctx context.Context, rec *models.DeliveryRecord, cause error) error {
	if _, err := p.deadLetters.Create(ctx, rec.TrackingID, rec.Recipient, rec.Channel, "", "", rec.Variables, cause); err != nil {
		return err
	}
	return p.deliveries.MarkDeadLetter(ctx, rec.ID)
}

// fail transitions rec to FAILED without scheduling a retry, used for the
// pipeline's non-retryable failure modes (suppression, rate limiting,
// validation, internal error).
func (p *DeliveryPipeline) fail(ctx context.Context, rec *models.DeliveryRecord, reason models.FailureReason, cause error) {
	if err := p.deliveries.MarkFailed(ctx, rec.ID, cause, time.Time{}); err != nil {
		logger.Logger.Error("failed to mark delivery failed", "tracking_id", rec.TrackingID, "reason", reason, "error", err)
		return
	}
	switch reason {
	case models.ReasonRateLimited:
		p.count("ratelimit.deny")
	case models.ReasonSuppressed:
		p.count("email.suppressed")
	default:
		p.count(fmt.Sprintf("email.failed.%s", reason))
	}
}

// reschedule transitions rec to SCHEDULED for the quiet-hours window's end,
// without touching the retry budget: deferral is not a delivery attempt
// (§4.6 step 3).
func (p *DeliveryPipeline) reschedule(ctx context.Context, rec *models.DeliveryRecord, at time.Time) {
	if err := p.deliveries.MarkScheduled(ctx, rec.ID, at); err != nil {
		logger.Logger.Error("failed to reschedule delivery", "tracking_id", rec.TrackingID, "error", err)
	}
}

// digestDeferredSentinel is the scheduled_for recorded for a DeliveryRecord
// deferred into a digest. This record's only remaining role was persisting
// the Notification row the digest scheduler reads; the digest email itself
// is a fresh NotificationRequest the scheduler re-enters the pipeline with
// (§2, §4.7), so this record must never be reclaimed by GetNextToProcess -
// a near-term scheduledFor would cause it to be reprocessed and a duplicate
// Notification row created on every pipeline sweep.
var digestDeferredSentinel = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// deferToDigest persists a Notification row and leaves rec SCHEDULED to be
// picked up by the digest scheduler (§4.6 step 2, §4.7); it does not
// dispatch email, and is not counted against the retry budget.
func (p *DeliveryPipeline) deferToDigest(ctx context.Context, rec *models.DeliveryRecord) {
	if _, err := p.notifications.Create(ctx, rec.Recipient, rec.Type, rec.Type, ""); err != nil {
		logger.Logger.Error("failed to persist digest notification", "tracking_id", rec.TrackingID, "error", err)
		p.fail(ctx, rec, models.ReasonInternal, err)
		return
	}
	if err := p.deliveries.MarkScheduled(ctx, rec.ID, digestDeferredSentinel); err != nil {
		logger.Logger.Error("failed to mark delivery deferred to digest", "tracking_id", rec.TrackingID, "error", err)
	}
}

func (p *DeliveryPipeline) count(event string) {
	if p.metrics != nil {
		p.metrics.Count(event)
	}
}
