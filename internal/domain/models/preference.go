// SPDX-License-Identifier: AGPL-3.0-or-later
package models

import "time"

// NotificationPreference holds one user's delivery settings for one
// notification type: which channels are enabled, how often, and the quiet
// hours window during which non-critical delivery is deferred (§4.3).
type NotificationPreference struct {
	UserID            string    `json:"user_id" db:"user_id"`
	Type              string    `json:"type"`
	InAppEnabled      bool      `json:"in_app_enabled" db:"in_app_enabled"`
	EmailEnabled      bool      `json:"email_enabled" db:"email_enabled"`
	PushEnabled       bool      `json:"push_enabled" db:"push_enabled"`
	Frequency         Frequency `json:"frequency"`
	QuietHoursStart   *string   `json:"quiet_hours_start,omitempty" db:"quiet_hours_start"` // "HH:MM", recipient-local
	QuietHoursEnd     *string   `json:"quiet_hours_end,omitempty" db:"quiet_hours_end"`
	Timezone          string    `json:"timezone"` // IANA zone name, defaults to UTC
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// ChannelEnabled reports whether the given channel is enabled under this
// preference. Unknown channels are treated as disabled.
func (p *NotificationPreference) ChannelEnabled(c Channel) bool {
	switch c {
	case ChannelInApp:
		return p.InAppEnabled
	case ChannelEmail:
		return p.EmailEnabled
	case ChannelPush:
		return p.PushEnabled
	default:
		return false
	}
}

// DefaultPreference returns the fallback preference applied when a user has
// never configured one: all channels on, immediate delivery, no quiet hours (§4.3).
func DefaultPreference(userID, notifType string) *NotificationPreference {
	return &NotificationPreference{
		UserID:       userID,
		Type:         notifType,
		InAppEnabled: true,
		EmailEnabled: true,
		PushEnabled:  true,
		Frequency:    FrequencyImmediate,
		Timezone:     "UTC",
	}
}
