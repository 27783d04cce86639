// SPDX-License-Identifier: AGPL-3.0-or-later
package authorization

import "strings"

// AdminAuthorizer gates the admin-only operations §4.10 requires audit
// coverage for: template create/delete and security-configuration changes.
// Adapted from the teacher's CEDocumentAuthorizer: the same admin-email
// allowlist check, stripped of its models.User dependency since this
// codebase has no user directory of its own, operating on the actor
// identifier (an email address) directly.
type AdminAuthorizer struct {
	adminEmails []string
}

func NewAdminAuthorizer(adminEmails []string) *AdminAuthorizer {
	return &AdminAuthorizer{adminEmails: adminEmails}
}

// IsAdmin reports whether actor matches the configured admin allowlist,
// case-insensitively.
func (a *AdminAuthorizer) IsAdmin(actor string) bool {
	if actor == "" {
		return false
	}
	for _, admin := range a.adminEmails {
		if strings.EqualFold(actor, admin) {
			return true
		}
	}
	return false
}
