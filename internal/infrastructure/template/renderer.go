// SPDX-License-Identifier: AGPL-3.0-or-later
package template

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relaynotify/core/internal/domain/models"
)

// placeholderRe recognizes both {{name}} and ${name} placeholder styles in a
// single pass; the rendering model is pure substitution, not template
// execution (§4.2).
var placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}|\$\{\s*(\w+)\s*\}`)

// maxCacheableBodyLen bounds the rendered-output cache: bodies larger than
// this are rendered fresh every time instead of held in memory.
const maxCacheableBodyLen = 100 * 1024

type renderCacheEntry struct {
	content  models.RenderedContent
	cachedAt time.Time
}

// Renderer substitutes {{name}}/${name} placeholders in a Template against a
// variable map, HTML-escaping values only in the HTML body, and caches
// rendered output by (type, language, sorted variables) for a configurable
// TTL (§4.2).
type Renderer struct {
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]renderCacheEntry
}

func NewRenderer(cacheTTL time.Duration) *Renderer {
	return &Renderer{
		cacheTTL: cacheTTL,
		cache:    make(map[string]renderCacheEntry),
	}
}

// Render extracts the set of placeholder names referenced across subject,
// text and HTML bodies in a single pass (§4.2 step "extraction"), fails with
// ErrMissingVariables if any of them is absent from vars, then substitutes.
func (r *Renderer) Render(tmpl *models.Template, vars map[string]interface{}) (*models.RenderedContent, error) {
	required := extractPlaceholders(tmpl.Subject, tmpl.BodyText, tmpl.BodyHTML)
	if missing := missingFrom(required, vars); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", models.ErrMissingVariables, missing)
	}

	cacheKey := r.cacheKey(tmpl, required, vars)
	if cacheKey != "" {
		if cached, ok := r.lookup(cacheKey); ok {
			return &cached, nil
		}
	}

	rendered := models.RenderedContent{
		Subject:       substitute(tmpl.Subject, vars, false),
		BodyText:      substitute(tmpl.BodyText, vars, false),
		BodyHTML:      substitute(tmpl.BodyHTML, vars, true),
		VariableCount: len(required),
		ProcessedAt:   time.Now(),
	}

	if cacheKey != "" && len(rendered.BodyText)+len(rendered.BodyHTML) <= maxCacheableBodyLen {
		r.store(cacheKey, rendered)
	}

	return &rendered, nil
}

// ExtractPlaceholders returns the deduplicated, sorted set of placeholder
// names referenced across the given texts; exported so template authoring
// tooling (TemplateRepository.Upsert) can populate RequiredVariables
// without duplicating the extraction regex.
func ExtractPlaceholders(texts ...string) []string {
	return extractPlaceholders(texts...)
}

// extractPlaceholders returns the deduplicated, sorted set of placeholder
// names referenced across all the given texts.
func extractPlaceholders(texts ...string) []string {
	seen := make(map[string]struct{})
	for _, text := range texts {
		for _, match := range placeholderRe.FindAllStringSubmatch(text, -1) {
			name := match[1]
			if name == "" {
				name = match[2]
			}
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func missingFrom(required []string, vars map[string]interface{}) []string {
	var missing []string
	for _, name := range required {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func substitute(text string, vars map[string]interface{}, escapeHTML bool) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		sub := placeholderRe.FindStringSubmatch(match)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}
		value, ok := vars[name]
		if !ok {
			return match
		}
		rendered := fmt.Sprintf("%v", value)
		if escapeHTML {
			return html.EscapeString(rendered)
		}
		return rendered
	})
}

// cacheKey hashes (type, language, sorted variables), per §4.2's rendered-
// output cache key definition; a template content edit does not invalidate
// it before the TTL elapses, same as the spec describes.
func (r *Renderer) cacheKey(tmpl *models.Template, required []string, vars map[string]interface{}) string {
	if len(tmpl.BodyText)+len(tmpl.BodyHTML) > maxCacheableBodyLen {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s", tmpl.Type, tmpl.Language)
	for _, name := range required {
		fmt.Fprintf(&b, "|%s=%v", name, vars[name])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func (r *Renderer) lookup(key string) (models.RenderedContent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.cache[key]
	if !ok {
		return models.RenderedContent{}, false
	}
	if time.Since(ent.cachedAt) > r.cacheTTL {
		delete(r.cache, key)
		return models.RenderedContent{}, false
	}
	return ent.content, true
}

func (r *Renderer) store(key string, content models.RenderedContent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = renderCacheEntry{content: content, cachedAt: time.Now()}
}
