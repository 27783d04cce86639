// SPDX-License-Identifier: AGPL-3.0-or-later
package models

import (
	"time"

	"github.com/google/uuid"
)

// NotificationRequest is the inbound request that triggers preference
// evaluation and, per selected channel, a DeliveryRecord (§4.3, §4.6).
type NotificationRequest struct {
	ID                uuid.UUID              `json:"id"`
	UserID            string                 `json:"user_id"`
	Type              string                 `json:"type"`
	Language          string                 `json:"language"`
	Priority          Priority               `json:"priority"`
	Variables         map[string]interface{} `json:"variables"`
	RequestedChannels []Channel              `json:"requested_channels,omitempty"` // empty = resolve from preferences
	CreatedAt         time.Time              `json:"created_at"`
}

// Validate checks the structural invariants a NotificationRequest must satisfy
// before it enters preference evaluation (§4.3 edge cases).
func (n *NotificationRequest) Validate() error {
	if n.UserID == "" || n.Type == "" {
		return ErrInvalidNotification
	}
	return nil
}
