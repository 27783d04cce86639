// SPDX-License-Identifier: AGPL-3.0-or-later
package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatcher_ResolvesExactMatch(t *testing.T) {
	m := NewMatcher([]string{"en", "fr", "de"})
	assert.Equal(t, "fr", m.Resolve("fr"))
}

func TestMatcher_FallsBackToBaseLanguage(t *testing.T) {
	m := NewMatcher([]string{"en", "fr"})
	assert.Equal(t, "fr", m.Resolve("fr-CA"))
}

func TestMatcher_FallsBackToClosestAvailable(t *testing.T) {
	m := NewMatcher([]string{"en", "es"})
	// pt is unavailable; the matcher should not error, and should resolve to
	// some available tag rather than panicking or returning empty.
	resolved := m.Resolve("pt")
	assert.Contains(t, []string{"en", "es"}, resolved)
}

func TestMatcher_AcceptsAcceptLanguageStyleList(t *testing.T) {
	m := NewMatcher([]string{"en", "fr", "de"})
	assert.Equal(t, "de", m.Resolve("de-DE,de;q=0.9,en;q=0.8"))
}

func TestMatcher_EmptyAvailableFallsBackToDefault(t *testing.T) {
	m := NewMatcher(nil)
	assert.Equal(t, DefaultLang, m.Resolve("fr"))
}

func TestMatcher_InvalidRequestedTagDoesNotPanic(t *testing.T) {
	m := NewMatcher([]string{"en", "fr"})
	assert.NotPanics(t, func() {
		m.Resolve("!!!not-a-tag!!!")
	})
}
