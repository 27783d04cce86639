// SPDX-License-Identifier: AGPL-3.0-or-later
// Package i18n resolves a requested BCP-47 language against the set of
// languages actually available for a resource, used by the TemplateStore
// (C1) to fall back from e.g. "fr-CA" to a stored "fr" template.
package i18n

import (
	"strings"

	"golang.org/x/text/language"
)

// DefaultLang is used when nothing in a requested language tag matches any
// available language at all.
const DefaultLang = "en"

// Matcher resolves a requested language to the closest one in a fixed,
// per-resource set of available languages.
type Matcher struct {
	matcher   language.Matcher
	available []language.Tag
}

// NewMatcher builds a Matcher over the given available language codes
// (e.g. the languages a template type is actually stored in).
func NewMatcher(available []string) *Matcher {
	tags := make([]language.Tag, 0, len(available))
	for _, code := range available {
		tags = append(tags, language.Make(code))
	}
	if len(tags) == 0 {
		tags = []language.Tag{language.Make(DefaultLang)}
	}
	return &Matcher{
		matcher:   language.NewMatcher(tags),
		available: tags,
	}
}

// Resolve maps a requested language (a single BCP-47 tag, or an
// Accept-Language-style list) onto the closest available one, normalized to
// its base language subtag ("fr-CA" -> "fr").
func (m *Matcher) Resolve(requested string) string {
	tags, _, err := language.ParseAcceptLanguage(requested)
	if err != nil || len(tags) == 0 {
		tags = []language.Tag{language.Make(requested)}
	}
	tag, _, _ := m.matcher.Match(tags...)
	base, _ := tag.Base()
	return normalize(base.String())
}

func normalize(lang string) string {
	lang = strings.ToLower(lang)
	if idx := strings.IndexAny(lang, "-_"); idx > 0 {
		return lang[:idx]
	}
	return lang
}
