// SPDX-License-Identifier: AGPL-3.0-or-later
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration tree, grouped into one nested struct per
// subsystem in the same style the teacher used for its Auth/OAuth/Mail split.
type Config struct {
	App           AppConfig
	Database      DatabaseConfig
	Server        ServerConfig
	Logger        LoggerConfig
	Mail          MailConfig
	Pipeline      PipelineConfig
	RateLimit     RateLimitConfig
	CircuitBreak  CircuitBreakerConfig
	Digest        DigestConfig
	TemplateCache TemplateCacheConfig
	Sweep         SweepConfig
}

type AppConfig struct {
	Organisation string
	AdminEmails  []string
}

type DatabaseConfig struct {
	DSN string
}

type ServerConfig struct {
	ListenAddr     string
	IngressSecret  string // HMAC key used to verify inbound transport status callbacks
}

type LoggerConfig struct {
	Level  string
	Format string // "classic" or "json"
}

type MailConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLS                bool
	StartTLS           bool
	InsecureSkipVerify bool
	Timeout            time.Duration
	From               string
	FromName           string
	SubjectPrefix      string
	TemplateDir        string
	DefaultLocale      string
}

// PipelineConfig sizes the DeliveryPipeline's bounded worker pool and queue
// (§4.6: default 32 workers, capacity 10,000, 50ms backpressure timeout).
type PipelineConfig struct {
	Workers           int
	QueueCapacity     int
	EnqueueTimeout    time.Duration
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMultiplier   float64
	RetryMaxDelay     time.Duration
	RetryJitterRatio  float64
	DrainTimeout      time.Duration
}

// RateLimitConfig holds the per-class fixed-window limits and the violation
// escalation window/duration from §4.4.
type RateLimitConfig struct {
	Window             time.Duration
	LimitRead          int
	LimitWrite         int
	LimitAdmin         int
	LimitPublic        int
	ViolationThreshold int
	ViolationWindow    time.Duration
	BlockDuration      time.Duration
}

// CircuitBreakerConfig configures the mail-transport breaker from §4.5.
type CircuitBreakerConfig struct {
	WindowSize        int
	WindowDuration     time.Duration
	MinCalls          uint32
	FailureRateThresh float64
	SlowCallThresh    float64
	SlowCallDuration  time.Duration
	OpenCooldown      time.Duration
	ProbeCount        uint32
}

// DigestConfig schedules the per-recipient daily/weekly digest sweeps (§4.7).
type DigestConfig struct {
	DailyCron  string
	WeeklyCron string
}

// TemplateCacheConfig bounds the TemplateStore's LRU and TTL (§4.1).
type TemplateCacheConfig struct {
	TTL               time.Duration
	MaxEntries        int
	RenderCacheTTL    time.Duration
	RenderCacheMaxLen int
	WarmupTypes       []string
	WarmupConcurrency int
}

// SweepConfig controls the periodic dead-letter expiry and rate-limit
// state pruning pass (§4.6, §4.4).
type SweepConfig struct {
	Interval      time.Duration
	DeadLetterAge time.Duration
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	config := &Config{}

	config.App.Organisation = mustGetEnv("RELAY_ORGANISATION")
	config.App.AdminEmails = parseList(getEnv("RELAY_ADMIN_EMAILS", ""))

	config.Database.DSN = mustGetEnv("RELAY_DB_DSN")

	config.Server.ListenAddr = getEnv("RELAY_LISTEN_ADDR", ":8080")
	config.Server.IngressSecret = mustGetEnv("RELAY_INGRESS_SECRET")

	config.Logger.Level = getEnv("RELAY_LOG_LEVEL", "info")
	config.Logger.Format = getEnv("RELAY_LOG_FORMAT", "classic")

	config.Mail.Host = mustGetEnv("RELAY_MAIL_HOST")
	config.Mail.Port = getEnvInt("RELAY_MAIL_PORT", 587)
	config.Mail.Username = getEnv("RELAY_MAIL_USERNAME", "")
	config.Mail.Password = getEnv("RELAY_MAIL_PASSWORD", "")
	config.Mail.TLS = getEnvBool("RELAY_MAIL_TLS", true)
	config.Mail.StartTLS = getEnvBool("RELAY_MAIL_STARTTLS", true)
	config.Mail.InsecureSkipVerify = getEnvBool("RELAY_MAIL_INSECURE_SKIP_VERIFY", false)
	config.Mail.Timeout = getEnvDuration("RELAY_MAIL_TIMEOUT", 10*time.Second)
	config.Mail.From = mustGetEnv("RELAY_MAIL_FROM")
	config.Mail.FromName = getEnv("RELAY_MAIL_FROM_NAME", config.App.Organisation)
	config.Mail.SubjectPrefix = getEnv("RELAY_MAIL_SUBJECT_PREFIX", "")
	config.Mail.TemplateDir = getEnv("RELAY_MAIL_TEMPLATE_DIR", "templates/emails")
	config.Mail.DefaultLocale = getEnv("RELAY_MAIL_DEFAULT_LOCALE", "en")

	config.Pipeline.Workers = getEnvInt("RELAY_PIPELINE_WORKERS", 32)
	config.Pipeline.QueueCapacity = getEnvInt("RELAY_PIPELINE_QUEUE_CAPACITY", 10000)
	config.Pipeline.EnqueueTimeout = getEnvDuration("RELAY_PIPELINE_ENQUEUE_TIMEOUT", 50*time.Millisecond)
	config.Pipeline.MaxAttempts = getEnvInt("RELAY_PIPELINE_MAX_ATTEMPTS", 3)
	config.Pipeline.RetryBaseDelay = getEnvDuration("RELAY_PIPELINE_RETRY_BASE_DELAY", 1*time.Second)
	config.Pipeline.RetryMultiplier = getEnvFloat("RELAY_PIPELINE_RETRY_MULTIPLIER", 2.0)
	config.Pipeline.RetryMaxDelay = getEnvDuration("RELAY_PIPELINE_RETRY_MAX_DELAY", 10*time.Second)
	config.Pipeline.RetryJitterRatio = getEnvFloat("RELAY_PIPELINE_RETRY_JITTER_RATIO", 0.2)
	config.Pipeline.DrainTimeout = getEnvDuration("RELAY_PIPELINE_DRAIN_TIMEOUT", 30*time.Second)

	config.RateLimit.Window = getEnvDuration("RELAY_RATELIMIT_WINDOW", 60*time.Second)
	config.RateLimit.LimitRead = getEnvInt("RELAY_RATELIMIT_READ", 100)
	config.RateLimit.LimitWrite = getEnvInt("RELAY_RATELIMIT_WRITE", 50)
	config.RateLimit.LimitAdmin = getEnvInt("RELAY_RATELIMIT_ADMIN", 20)
	config.RateLimit.LimitPublic = getEnvInt("RELAY_RATELIMIT_PUBLIC", 20)
	config.RateLimit.ViolationThreshold = getEnvInt("RELAY_RATELIMIT_VIOLATION_THRESHOLD", 3)
	config.RateLimit.ViolationWindow = getEnvDuration("RELAY_RATELIMIT_VIOLATION_WINDOW", 5*time.Minute)
	config.RateLimit.BlockDuration = getEnvDuration("RELAY_RATELIMIT_BLOCK_DURATION", 5*time.Minute)

	config.CircuitBreak.WindowSize = getEnvInt("RELAY_BREAKER_WINDOW_SIZE", 100)
	config.CircuitBreak.WindowDuration = getEnvDuration("RELAY_BREAKER_WINDOW_DURATION", 60*time.Second)
	config.CircuitBreak.MinCalls = uint32(getEnvInt("RELAY_BREAKER_MIN_CALLS", 20))
	config.CircuitBreak.FailureRateThresh = getEnvFloat("RELAY_BREAKER_FAILURE_RATE", 0.5)
	config.CircuitBreak.SlowCallThresh = getEnvFloat("RELAY_BREAKER_SLOW_CALL_RATE", 0.8)
	config.CircuitBreak.SlowCallDuration = getEnvDuration("RELAY_BREAKER_SLOW_CALL_DURATION", 2*time.Second)
	config.CircuitBreak.OpenCooldown = getEnvDuration("RELAY_BREAKER_OPEN_COOLDOWN", 60*time.Second)
	config.CircuitBreak.ProbeCount = uint32(getEnvInt("RELAY_BREAKER_PROBE_COUNT", 10))

	config.Digest.DailyCron = getEnv("RELAY_DIGEST_DAILY_CRON", "0 0 8 * * *")
	config.Digest.WeeklyCron = getEnv("RELAY_DIGEST_WEEKLY_CRON", "0 0 9 * * MON")

	config.TemplateCache.TTL = getEnvDuration("RELAY_TEMPLATE_CACHE_TTL", 24*time.Hour)
	config.TemplateCache.MaxEntries = getEnvInt("RELAY_TEMPLATE_CACHE_MAX_ENTRIES", 500)
	config.TemplateCache.RenderCacheTTL = getEnvDuration("RELAY_TEMPLATE_RENDER_CACHE_TTL", 1*time.Hour)
	config.TemplateCache.RenderCacheMaxLen = getEnvInt("RELAY_TEMPLATE_RENDER_CACHE_MAX_LEN", 100*1024)
	config.TemplateCache.WarmupTypes = parseList(getEnv("RELAY_TEMPLATE_WARMUP_TYPES", ""))
	config.TemplateCache.WarmupConcurrency = getEnvInt("RELAY_TEMPLATE_WARMUP_CONCURRENCY", 3)

	config.Sweep.Interval = getEnvDuration("RELAY_SWEEP_INTERVAL", 1*time.Hour)
	config.Sweep.DeadLetterAge = getEnvDuration("RELAY_SWEEP_DEAD_LETTER_AGE", 30*24*time.Hour)

	return config, nil
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func mustGetEnv(key string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		panic(fmt.Sprintf("missing required environment variable: %s", key))
	}
	return value
}

func getEnv(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	var result int
	if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
		return result
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return strings.ToLower(value) == "true" || value == "1"
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}
