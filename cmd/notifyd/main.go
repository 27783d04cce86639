// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaynotify/core/internal/application/services"
	"github.com/relaynotify/core/internal/domain/models"
	"github.com/relaynotify/core/internal/infrastructure/authorization"
	"github.com/relaynotify/core/internal/infrastructure/breaker"
	"github.com/relaynotify/core/internal/infrastructure/config"
	"github.com/relaynotify/core/internal/infrastructure/database"
	"github.com/relaynotify/core/internal/infrastructure/email"
	"github.com/relaynotify/core/internal/infrastructure/ingress"
	"github.com/relaynotify/core/internal/infrastructure/metrics"
	"github.com/relaynotify/core/internal/infrastructure/ratelimit"
	"github.com/relaynotify/core/internal/infrastructure/sweep"
	"github.com/relaynotify/core/internal/infrastructure/template"
	"github.com/relaynotify/core/pkg/clock"
	"github.com/relaynotify/core/pkg/logger"
)

// Build-time variables set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// defaultTypeDefaults seeds every notification type the system ships with
// opinionated, opt-out defaults: in-app and email on, push off until a
// recipient turns it on; every type is immediate except product.update,
// which is batched into the daily digest.
var defaultTypeDefaults = []services.TypeDefault{
	{Type: "account.security", InAppEnabled: true, EmailEnabled: true, PushEnabled: false, Frequency: models.FrequencyImmediate},
	{Type: "billing.invoice", InAppEnabled: true, EmailEnabled: true, PushEnabled: false, Frequency: models.FrequencyImmediate},
	{Type: "product.update", InAppEnabled: true, EmailEnabled: true, PushEnabled: false, Frequency: models.FrequencyDailyDigest},
	{Type: "social.mention", InAppEnabled: true, EmailEnabled: true, PushEnabled: false, Frequency: models.FrequencyImmediate},
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.SetLevelAndFormat(logger.ParseLevel(cfg.Logger.Level), cfg.Logger.Format)
	logger.Logger.Info("starting notifyd", "version", Version, "commit", Commit, "organisation", cfg.App.Organisation)

	db, err := database.InitDB(ctx, database.Config{DSN: cfg.Database.DSN})
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	defer db.Close()

	clk := clock.Real()
	collector := metrics.New()

	auditRepo := database.NewAuditRepository(db)
	deadLetterRepo := database.NewDeadLetterRepository(db)
	deliveryRepo := database.NewDeliveryRepository(db)
	notificationRepo := database.NewNotificationRepository(db)
	preferenceRepo := database.NewPreferenceRepository(db)
	templateRepo := database.NewTemplateRepository(db)

	adminAuthorizer := authorization.NewAdminAuthorizer(cfg.App.AdminEmails)
	auditLogger := services.NewAuditLogger(auditRepo, adminAuthorizer, clk)

	preferenceEngine := services.NewPreferenceEngine(preferenceRepo, auditLogger, defaultTypeDefaults)

	templateStore := template.NewStore(templateRepo, cfg.TemplateCache.TTL, cfg.TemplateCache.MaxEntries)
	renderer := template.NewRenderer(cfg.TemplateCache.RenderCacheTTL)

	if len(cfg.TemplateCache.WarmupTypes) > 0 {
		if err := templateStore.Warmup(ctx, cfg.TemplateCache.WarmupTypes, cfg.TemplateCache.WarmupConcurrency); err != nil {
			logger.Logger.Error("template warm-up failed", "error", err)
		} else {
			snap := templateStore.WarmupSnapshot()
			logger.Logger.Info("template warm-up complete", "total", snap.Total, "processed", snap.Processed, "failed", snap.Failed,
				"duration", snap.FinishedAt.Sub(snap.StartedAt))
		}
	}

	limiterStore := ratelimit.NewMemoryStore()
	limiter := ratelimit.New(
		limiterStore,
		cfg.RateLimit.Window,
		ratelimit.Limits{
			Read:   cfg.RateLimit.LimitRead,
			Write:  cfg.RateLimit.LimitWrite,
			Admin:  cfg.RateLimit.LimitAdmin,
			Public: cfg.RateLimit.LimitPublic,
		},
		cfg.RateLimit.ViolationThreshold,
		cfg.RateLimit.ViolationWindow,
		cfg.RateLimit.BlockDuration,
		ratelimit.WithMetrics(collector.Count),
	)

	transportBreaker := breaker.New[*email.SendResult](breaker.Config{
		Name:              "mail-transport",
		WindowSize:        cfg.CircuitBreak.WindowSize,
		MinCalls:          cfg.CircuitBreak.MinCalls,
		FailureRateThresh: cfg.CircuitBreak.FailureRateThresh,
		SlowCallThresh:    cfg.CircuitBreak.SlowCallThresh,
		SlowCallDuration:  cfg.CircuitBreak.SlowCallDuration,
		OpenCooldown:      cfg.CircuitBreak.OpenCooldown,
		ProbeCount:        cfg.CircuitBreak.ProbeCount,
		OnMetric:          collector.Count,
	})

	transport := email.NewSMTPTransport(cfg.Mail)

	pipeline := services.NewDeliveryPipeline(
		deliveryRepo,
		deadLetterRepo,
		notificationRepo,
		preferenceEngine,
		templateStore,
		renderer,
		limiter,
		transportBreaker,
		transport,
		services.DirectResolver{},
		pipelineMetrics{collector},
		clk,
		services.PipelineConfig{
			Workers:          cfg.Pipeline.Workers,
			QueueCapacity:    cfg.Pipeline.QueueCapacity,
			EnqueueTimeout:   cfg.Pipeline.EnqueueTimeout,
			MaxAttempts:      cfg.Pipeline.MaxAttempts,
			RetryBaseDelay:   cfg.Pipeline.RetryBaseDelay,
			RetryMultiplier:  cfg.Pipeline.RetryMultiplier,
			RetryMaxDelay:    cfg.Pipeline.RetryMaxDelay,
			RetryJitterRatio: cfg.Pipeline.RetryJitterRatio,
			DrainTimeout:     cfg.Pipeline.DrainTimeout,
		},
	)
	if err := pipeline.Start(); err != nil {
		log.Fatalf("failed to start delivery pipeline: %v", err)
	}

	digestScheduler, err := services.NewDigestScheduler(
		notificationRepo,
		preferenceEngine,
		pipeline,
		clk,
		services.DigestSchedulerConfig{
			DailyCron:  cfg.Digest.DailyCron,
			WeeklyCron: cfg.Digest.WeeklyCron,
		},
	)
	if err != nil {
		log.Fatalf("failed to build digest scheduler: %v", err)
	}
	if err := digestScheduler.Start(); err != nil {
		log.Fatalf("failed to start digest scheduler: %v", err)
	}

	statusTracker := services.NewStatusTracker(deliveryRepo, clk)

	sweepWorker := sweep.NewWorker(deadLetterRepo, limiterStore, sweep.Config{
		Interval:      cfg.Sweep.Interval,
		DeadLetterAge: cfg.Sweep.DeadLetterAge,
	})
	go sweepWorker.Start(ctx)

	ingressHandler := ingress.NewHandler(statusTracker, auditLogger, ingress.DefaultConfig(cfg.Server.IngressSecret), clk)
	router := ingress.NewRouter(ingressHandler)

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: router,
	}

	go func() {
		logger.Logger.Info("notifyd listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Logger.Info("shutting down notifyd")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error("http server forced to shutdown", "error", err)
	}

	digestScheduler.Stop()
	sweepWorker.Stop()

	if err := pipeline.Shutdown(shutdownCtx, cfg.Pipeline.DrainTimeout); err != nil {
		logger.Logger.Error("delivery pipeline did not drain cleanly", "error", err)
	}

	logger.Logger.Info("notifyd exited")
}

// pipelineMetrics adapts metrics.Collector to services.PipelineMetrics.
type pipelineMetrics struct {
	collector *metrics.Collector
}

func (m pipelineMetrics) Count(event string) {
	m.collector.Count(event)
}
