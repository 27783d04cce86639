// SPDX-License-Identifier: AGPL-3.0-or-later
package models

import (
	"time"

	"github.com/google/uuid"
)

// Notification is the in-app, user-visible record created alongside (or
// instead of) an email/push DeliveryRecord, and the unit digests aggregate
// over (§4.7, §4.8).
type Notification struct {
	ID                uuid.UUID          `json:"id"`
	UserID            string             `json:"user_id"`
	Type              string             `json:"type"`
	Title             string             `json:"title"`
	Content            string             `json:"content"`
	Status            NotificationStatus `json:"status"`
	CreatedAt         time.Time          `json:"created_at"`
	ReadAt            *time.Time         `json:"read_at,omitempty"`
	DigestProcessedAt *time.Time         `json:"digest_processed_at,omitempty"`
}

// DigestEligible reports whether this notification still needs to be folded
// into a digest sweep for the owning recipient (§4.7).
func (n *Notification) DigestEligible() bool {
	return n.DigestProcessedAt == nil
}
