// SPDX-License-Identifier: AGPL-3.0-or-later
package models

import "time"

// RateLimitCounter is one fixed-window bucket tracked by the RateLimiter, keyed
// by the identity being limited, the operation class, and the window index the
// bucket belongs to (§4.4).
type RateLimitCounter struct {
	Identity       string
	Class          OperationClass
	WindowIndex    int64
	Count          int
	BlockedUntil   *time.Time
	ViolationCount int
}

// Blocked reports whether the counter is currently under an escalation block.
func (c *RateLimitCounter) Blocked(now time.Time) bool {
	return c.BlockedUntil != nil && now.Before(*c.BlockedUntil)
}
