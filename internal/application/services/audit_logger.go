// SPDX-License-Identifier: AGPL-3.0-or-later
package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaynotify/core/internal/domain/models"
	"github.com/relaynotify/core/pkg/clock"
	"github.com/relaynotify/core/pkg/logger"
)

// auditRepository is the AuditRepository surface AuditLogger writes
// through.
type auditRepository interface {
	Create(ctx context.Context, entry models.AuditEntry) error
}

// adminChecker is the AdminAuthorizer surface AuditLogger consults to flag
// admin actions attempted by a non-admin actor as suspicious.
type adminChecker interface {
	IsAdmin(actor string) bool
}

// AuditLogger is C10: it emits structured records for authentication,
// preference changes, admin actions, template changes, suspicious activity,
// rate-limit violations, circuit-breaker transitions and security
// configuration changes, masking sensitive fields before they are
// persisted (§4.10).
type AuditLogger struct {
	repo  auditRepository
	admin adminChecker
	clock clock.Clock
}

func NewAuditLogger(repo auditRepository, admin adminChecker, clk clock.Clock) *AuditLogger {
	if clk == nil {
		clk = clock.Real()
	}
	return &AuditLogger{repo: repo, admin: admin, clock: clk}
}

func (a *AuditLogger) write(ctx context.Context, actor, action, target string, details models.JSONB, severity models.AuditSeverity) {
	entry := models.AuditEntry{
		OccurredAt: a.clock.Now(),
		Actor:      actor,
		Action:     action,
		Target:     target,
		Details:    details,
		Severity:   severity,
	}
	if err := a.repo.Create(ctx, entry); err != nil {
		logger.Logger.Error("failed to persist audit entry", "action", action, "actor", actor, "error", err)
	}
}

// RecordAuthEvent logs an authentication success or failure.
func (a *AuditLogger) RecordAuthEvent(ctx context.Context, actor string, success bool, reason string) {
	severity := models.SeverityInfo
	if !success {
		severity = models.SeverityWarning
	}
	a.write(ctx, actor, "AUTH", actor, models.JSONB{
		"success": success,
		"reason":  reason,
	}, severity)
}

// RecordPreferenceChange logs a preference create/update with a before/after
// diff, satisfying the preferenceAuditor interface PreferenceEngine
// consults (§4.3, §4.10).
func (a *AuditLogger) RecordPreferenceChange(ctx context.Context, userID, notifType string, before, after *models.NotificationPreference) {
	action := "PREFERENCE.UPDATE"
	if before == nil {
		action = "PREFERENCE.CREATE"
	}
	a.write(ctx, userID, action, fmt.Sprintf("%s/%s", userID, notifType), models.JSONB{
		"before": preferenceDiffFields(before),
		"after":  preferenceDiffFields(after),
	}, models.SeverityInfo)
}

func preferenceDiffFields(p *models.NotificationPreference) map[string]interface{} {
	if p == nil {
		return nil
	}
	return map[string]interface{}{
		"in_app_enabled": p.InAppEnabled,
		"email_enabled":  p.EmailEnabled,
		"push_enabled":   p.PushEnabled,
		"frequency":      p.Frequency,
		"timezone":       p.Timezone,
	}
}

// RecordAdminAction logs an action gated on admin privilege, escalating to
// CRITICAL severity if the actor was not actually an admin, i.e. the
// authorization check was bypassed or misconfigured upstream.
func (a *AuditLogger) RecordAdminAction(ctx context.Context, actor, action, target string, details models.JSONB) {
	severity := models.SeverityInfo
	if a.admin != nil && !a.admin.IsAdmin(actor) {
		severity = models.SeverityCritical
	}
	a.write(ctx, actor, "ADMIN."+action, target, details, severity)
}

// RecordTemplateChange logs a template create or delete.
func (a *AuditLogger) RecordTemplateChange(ctx context.Context, actor, action, templateType, language string) {
	a.write(ctx, actor, "TEMPLATE."+action, fmt.Sprintf("%s/%s", templateType, language), nil, models.SeverityInfo)
}

// RecordSuspiciousActivity logs a detected anomaly (repeated auth failure,
// admin action by a non-admin, abnormal request volume).
func (a *AuditLogger) RecordSuspiciousActivity(ctx context.Context, actor, description string, details models.JSONB) {
	a.write(ctx, actor, "SUSPICIOUS_ACTIVITY", description, details, models.SeverityCritical)
}

// RecordRateLimitViolation logs a deny or block decision from C4.
func (a *AuditLogger) RecordRateLimitViolation(ctx context.Context, identity string, class models.OperationClass, blocked bool) {
	severity := models.SeverityWarning
	if blocked {
		severity = models.SeverityCritical
	}
	a.write(ctx, identity, "RATE_LIMIT.VIOLATION", identity, models.JSONB{
		"class":   class,
		"blocked": blocked,
	}, severity)
}

// RecordCircuitBreakerTransition logs a breaker state change from C5.
func (a *AuditLogger) RecordCircuitBreakerTransition(ctx context.Context, breakerName, from, to string) {
	a.write(ctx, "system", "CIRCUIT_BREAKER.TRANSITION", breakerName, models.JSONB{
		"from": from,
		"to":   to,
	}, models.SeverityWarning)
}

// RecordSecurityConfigChange logs a change to a security-relevant
// configuration value (admin allowlist, rate limits, breaker thresholds).
func (a *AuditLogger) RecordSecurityConfigChange(ctx context.Context, actor, key string, before, after string) {
	a.write(ctx, actor, "SECURITY_CONFIG.CHANGE", key, models.JSONB{
		"before": before,
		"after":  after,
	}, models.SeverityWarning)
}

// MaskToken masks a bearer token or API key, keeping only its first 4 and
// last 4 characters, per §4.10's declared masking policy.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}

// MaskEmail masks an email address's local part and domain, keeping only
// the first character of each and the domain's TLD, per §4.10's declared
// masking policy.
func MaskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "***"
	}
	local, domain := email[:at], email[at+1:]

	maskedLocal := string(local[0]) + strings.Repeat("*", len(local)-1)

	dot := strings.LastIndexByte(domain, '.')
	var maskedDomain string
	if dot <= 0 {
		maskedDomain = string(domain[0]) + strings.Repeat("*", len(domain)-1)
	} else {
		maskedDomain = string(domain[0]) + strings.Repeat("*", dot-1) + domain[dot:]
	}
	return maskedLocal + "@" + maskedDomain
}

// MaskPhone masks a phone number, keeping only its last 4 digits, per
// §4.10's declared masking policy.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
