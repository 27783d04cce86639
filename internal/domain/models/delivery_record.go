// SPDX-License-Identifier: AGPL-3.0-or-later
package models

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryRecord tracks a single channel attempt of a notification through the
// pipeline, from persistence to a terminal state (§4.6, §8).
type DeliveryRecord struct {
	ID             int64         `json:"id"`
	TrackingID     uuid.UUID     `json:"tracking_id" db:"tracking_id"`
	NotificationID *uuid.UUID    `json:"notification_id,omitempty" db:"notification_id"`
	Recipient      string        `json:"recipient"`
	Channel        Channel       `json:"channel"`
	Type           string        `json:"type"`
	Priority       Priority      `json:"priority"`
	State          DeliveryState `json:"state"`
	Reason         FailureReason `json:"reason,omitempty"`
	Attempts       int           `json:"attempts"`
	LastError      *string       `json:"last_error,omitempty"`
	Variables      JSONB         `json:"variables,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	ScheduledFor   *time.Time    `json:"scheduled_for,omitempty"`
	SentAt         *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time    `json:"delivered_at,omitempty"`
}

// CanTransitionTo enforces the one-way lifecycle invariant: once a record reaches
// a terminal state it never moves again (§8).
func (d *DeliveryRecord) CanTransitionTo(next DeliveryState) bool {
	if d.State.Terminal() {
		return false
	}
	return true
}

// DeliveryInput is the caller-supplied request that seeds a DeliveryRecord before
// the pipeline resolves its channel-specific routing (§4.6 step 1).
type DeliveryInput struct {
	NotificationID *uuid.UUID
	Recipient      string
	Channel        Channel
	Type           string
	Priority       Priority
	Variables      map[string]interface{}
	ScheduledFor   *time.Time // nil = attempt immediately
}

// DeliveryStats aggregates counts by state for the monitoring surface (§4.8).
type DeliveryStats struct {
	TotalPending   int            `json:"total_pending"`
	TotalSending   int            `json:"total_sending"`
	TotalSent      int            `json:"total_sent"`
	TotalDelivered int            `json:"total_delivered"`
	TotalFailed    int            `json:"total_failed"`
	TotalDeadLetter int           `json:"total_dead_letter"`
	ByChannel      map[string]int `json:"by_channel"`
	ByState        map[string]int `json:"by_state"`
}
