// SPDX-License-Identifier: AGPL-3.0-or-later
package email

import (
	"strings"
	"time"
)

// Message is a fully rendered outbound email, handed to a Transport after
// the delivery pipeline has resolved preferences, rate limits, and template
// rendering; a Transport never renders content itself.
type Message struct {
	To       []string
	Cc       []string
	Bcc      []string
	Subject  string
	BodyText string
	BodyHTML string
	Headers  map[string]string
}

// SendResult is what a Transport returns on success, and what the circuit
// breaker wrapping it is generic over (§4.5).
type SendResult struct {
	Accepted bool
	SentAt   time.Time
}

// ErrorType categorizes a transport failure so the delivery pipeline can
// decide whether to retry, and how fast.
type ErrorType int

const (
	// ErrorTypeRetryable covers temporary errors: 4xx SMTP codes, network
	// timeouts, connection refused.
	ErrorTypeRetryable ErrorType = iota
	// ErrorTypePermanent covers errors that retrying cannot fix: 5xx SMTP
	// codes, invalid recipient, missing template.
	ErrorTypePermanent
	// ErrorTypeRateLimited covers errors signalling the relay itself is
	// throttling; they are retried with the same backoff as other
	// retryable errors.
	ErrorTypeRateLimited
)

// CategorizeError classifies a transport error by matching well-known SMTP
// status codes and network error substrings; unknown errors default to
// retryable, since losing a deliverable email is worse than retrying a
// permanent one a bounded number of times.
func CategorizeError(err error) ErrorType {
	if err == nil {
		return ErrorTypeRetryable
	}
	errStr := strings.ToLower(err.Error())

	// SMTP 5xx: mailbox not found, exceeded storage, transaction failed.
	if containsAny(errStr, "550", "551", "552", "553", "554") {
		return ErrorTypePermanent
	}
	if containsAny(errStr, "invalid recipient", "invalid sender", "invalid email", "template not found", "missing required template variables") {
		return ErrorTypePermanent
	}

	// Rate limiting: 421 service unavailable, 429 too many requests, 450 mailbox busy.
	if containsAny(errStr, "421", "429", "450", "rate limit", "too many requests", "quota exceeded") {
		return ErrorTypeRateLimited
	}

	// SMTP 4xx and network-level failures are retried with the pipeline's
	// standard backoff.
	if containsAny(errStr, "451", "452", "timeout", "connection refused", "connection reset",
		"network", "dial", "eof", "broken pipe", "no such host", "dns", "tls", "certificate") {
		return ErrorTypeRetryable
	}

	return ErrorTypeRetryable
}

// Retryable reports whether a failure of this type should ever be retried.
func (t ErrorType) Retryable() bool {
	return t != ErrorTypePermanent
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
