// SPDX-License-Identifier: AGPL-3.0-or-later
package models

import (
	"time"

	"github.com/google/uuid"
)

// DeadLetterRecord holds a delivery that exhausted its retry budget, for manual
// or scheduled redrive (§4.6 step 8, §8).
type DeadLetterRecord struct {
	ID           int64            `json:"id"`
	TrackingID   uuid.UUID        `json:"tracking_id" db:"tracking_id"`
	Recipient    string           `json:"recipient"`
	Channel      Channel          `json:"channel"`
	Subject      string           `json:"subject"`
	Content      string           `json:"content"`
	Variables    JSONB            `json:"variables,omitempty"`
	ErrorMessage string           `json:"error_message"`
	RetryCount   int              `json:"retry_count"`
	Status       DeadLetterStatus `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	RetriedAt    *time.Time       `json:"retried_at,omitempty"`
	ResolvedAt   *time.Time       `json:"resolved_at,omitempty"`
}

// CanRetry reports whether the record may be resubmitted to the pipeline. A dead
// letter is retryable while it has not been resolved and has not exceeded the
// operator retry ceiling, mirroring the original exhaustion check in reverse (§8).
func (d *DeadLetterRecord) CanRetry(maxRedrives int) bool {
	switch d.Status {
	case DeadLetterResolved, DeadLetterMaxRetriesExceeded, DeadLetterExpired, DeadLetterProcessing:
		return false
	}
	return d.RetryCount < maxRedrives
}
