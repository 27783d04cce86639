// SPDX-License-Identifier: AGPL-3.0-or-later
package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, e := range os.Environ() {
		for i := 0; i < len(e); i++ {
			if e[i] == '=' {
				key := e[:i]
				if len(key) > 6 && key[:6] == "RELAY_" {
					os.Unsetenv(key)
				}
				break
			}
		}
	}
}

func TestLoad_MinimalRequiredEnv(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("RELAY_ORGANISATION", "Acme")
	t.Setenv("RELAY_DB_DSN", "postgres://localhost/relay")
	t.Setenv("RELAY_INGRESS_SECRET", "s3cr3t")
	t.Setenv("RELAY_MAIL_HOST", "smtp.example.com")
	t.Setenv("RELAY_MAIL_FROM", "noreply@example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "Acme", cfg.App.Organisation)
	assert.Equal(t, "postgres://localhost/relay", cfg.Database.DSN)
	assert.Equal(t, "s3cr3t", cfg.Server.IngressSecret)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "smtp.example.com", cfg.Mail.Host)
	assert.Equal(t, 587, cfg.Mail.Port)
	assert.True(t, cfg.Mail.TLS)
	assert.True(t, cfg.Mail.StartTLS)
	assert.Equal(t, 10*time.Second, cfg.Mail.Timeout)
	assert.Equal(t, "Acme", cfg.Mail.FromName)
}

func TestLoad_MissingRequiredVar_Panics(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("RELAY_DB_DSN", "postgres://localhost/relay")
	t.Setenv("RELAY_INGRESS_SECRET", "s3cr3t")
	t.Setenv("RELAY_MAIL_HOST", "smtp.example.com")
	t.Setenv("RELAY_MAIL_FROM", "noreply@example.com")

	assert.Panics(t, func() {
		_, _ = Load()
	})
}

func TestLoad_AdminEmails(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("RELAY_ORGANISATION", "Acme")
	t.Setenv("RELAY_DB_DSN", "postgres://localhost/relay")
	t.Setenv("RELAY_INGRESS_SECRET", "s3cr3t")
	t.Setenv("RELAY_MAIL_HOST", "smtp.example.com")
	t.Setenv("RELAY_MAIL_FROM", "noreply@example.com")
	t.Setenv("RELAY_ADMIN_EMAILS", " alice@example.com, bob@example.com ,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, cfg.App.AdminEmails)
}

func TestLoad_PipelineDefaults(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("RELAY_ORGANISATION", "Acme")
	t.Setenv("RELAY_DB_DSN", "postgres://localhost/relay")
	t.Setenv("RELAY_INGRESS_SECRET", "s3cr3t")
	t.Setenv("RELAY_MAIL_HOST", "smtp.example.com")
	t.Setenv("RELAY_MAIL_FROM", "noreply@example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Pipeline.Workers)
	assert.Equal(t, 10000, cfg.Pipeline.QueueCapacity)
	assert.Equal(t, 50*time.Millisecond, cfg.Pipeline.EnqueueTimeout)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 1*time.Second, cfg.Pipeline.RetryBaseDelay)
	assert.Equal(t, 2.0, cfg.Pipeline.RetryMultiplier)
	assert.Equal(t, 10*time.Second, cfg.Pipeline.RetryMaxDelay)
	assert.Equal(t, 0.2, cfg.Pipeline.RetryJitterRatio)

	assert.Equal(t, 60*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 100, cfg.RateLimit.LimitRead)
	assert.Equal(t, 50, cfg.RateLimit.LimitWrite)
	assert.Equal(t, 20, cfg.RateLimit.LimitAdmin)
	assert.Equal(t, 20, cfg.RateLimit.LimitPublic)
	assert.Equal(t, 3, cfg.RateLimit.ViolationThreshold)
	assert.Equal(t, 5*time.Minute, cfg.RateLimit.ViolationWindow)
	assert.Equal(t, 5*time.Minute, cfg.RateLimit.BlockDuration)

	assert.Equal(t, 100, cfg.CircuitBreak.WindowSize)
	assert.Equal(t, uint32(20), cfg.CircuitBreak.MinCalls)
	assert.Equal(t, 0.5, cfg.CircuitBreak.FailureRateThresh)
	assert.Equal(t, 0.8, cfg.CircuitBreak.SlowCallThresh)
	assert.Equal(t, 2*time.Second, cfg.CircuitBreak.SlowCallDuration)
	assert.Equal(t, 60*time.Second, cfg.CircuitBreak.OpenCooldown)
	assert.Equal(t, uint32(10), cfg.CircuitBreak.ProbeCount)

	assert.Equal(t, "0 0 8 * * *", cfg.Digest.DailyCron)
	assert.Equal(t, "0 0 9 * * MON", cfg.Digest.WeeklyCron)

	assert.Equal(t, 24*time.Hour, cfg.TemplateCache.TTL)
	assert.Equal(t, 500, cfg.TemplateCache.MaxEntries)
	assert.Equal(t, 1*time.Hour, cfg.TemplateCache.RenderCacheTTL)
	assert.Equal(t, 100*1024, cfg.TemplateCache.RenderCacheMaxLen)
}

func TestLoad_PipelineOverrides(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("RELAY_ORGANISATION", "Acme")
	t.Setenv("RELAY_DB_DSN", "postgres://localhost/relay")
	t.Setenv("RELAY_INGRESS_SECRET", "s3cr3t")
	t.Setenv("RELAY_MAIL_HOST", "smtp.example.com")
	t.Setenv("RELAY_MAIL_FROM", "noreply@example.com")
	t.Setenv("RELAY_PIPELINE_WORKERS", "64")
	t.Setenv("RELAY_PIPELINE_ENQUEUE_TIMEOUT", "100ms")
	t.Setenv("RELAY_PIPELINE_RETRY_MULTIPLIER", "1.5")
	t.Setenv("RELAY_BREAKER_FAILURE_RATE", "0.75")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.Pipeline.Workers)
	assert.Equal(t, 100*time.Millisecond, cfg.Pipeline.EnqueueTimeout)
	assert.Equal(t, 1.5, cfg.Pipeline.RetryMultiplier)
	assert.Equal(t, 0.75, cfg.CircuitBreak.FailureRateThresh)
}

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		setEnv   bool
		def      int
		want     int
	}{
		{"unset uses default", "", false, 42, 42},
		{"valid value parsed", "17", true, 42, 17},
		{"invalid value falls back to default", "notanumber", true, 42, 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const key = "RELAY_TEST_INT"
			os.Unsetenv(key)
			if tt.setEnv {
				t.Setenv(key, tt.envValue)
			}
			assert.Equal(t, tt.want, getEnvInt(key, tt.def))
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		setEnv   bool
		def      bool
		want     bool
	}{
		{"unset uses default", "", false, true, true},
		{"true literal", "true", true, false, true},
		{"one literal", "1", true, false, true},
		{"false literal", "false", true, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const key = "RELAY_TEST_BOOL"
			os.Unsetenv(key)
			if tt.setEnv {
				t.Setenv(key, tt.envValue)
			}
			assert.Equal(t, tt.want, getEnvBool(key, tt.def))
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		setEnv   bool
		def      time.Duration
		want     time.Duration
	}{
		{"unset uses default", "", false, 5 * time.Second, 5 * time.Second},
		{"valid duration parsed", "250ms", true, 5 * time.Second, 250 * time.Millisecond},
		{"invalid duration falls back", "banana", true, 5 * time.Second, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const key = "RELAY_TEST_DURATION"
			os.Unsetenv(key)
			if tt.setEnv {
				t.Setenv(key, tt.envValue)
			}
			assert.Equal(t, tt.want, getEnvDuration(key, tt.def))
		})
	}
}

func TestGetEnvFloat(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		setEnv   bool
		def      float64
		want     float64
	}{
		{"unset uses default", "", false, 0.5, 0.5},
		{"valid float parsed", "0.8", true, 0.5, 0.8},
		{"invalid float falls back", "nope", true, 0.5, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const key = "RELAY_TEST_FLOAT"
			os.Unsetenv(key)
			if tt.setEnv {
				t.Setenv(key, tt.envValue)
			}
			assert.Equal(t, tt.want, getEnvFloat(key, tt.def))
		})
	}
}

func TestLoad_MailTimeoutOverride(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("RELAY_ORGANISATION", "Acme")
	t.Setenv("RELAY_DB_DSN", "postgres://localhost/relay")
	t.Setenv("RELAY_INGRESS_SECRET", "s3cr3t")
	t.Setenv("RELAY_MAIL_HOST", "smtp.example.com")
	t.Setenv("RELAY_MAIL_FROM", "noreply@example.com")
	t.Setenv("RELAY_MAIL_TIMEOUT", "30s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Mail.Timeout)
}
