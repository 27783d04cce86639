// SPDX-License-Identifier: AGPL-3.0-or-later
package template

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaynotify/core/internal/domain/models"
)

func TestRenderer_SubstitutesBothPlaceholderStyles(t *testing.T) {
	tmpl := &models.Template{
		Type:     "welcome",
		Language: "en",
		Subject:  "Hi {{name}}",
		BodyText: "Hello ${name}, welcome to {{org}}.",
	}
	r := NewRenderer(time.Hour)

	out, err := r.Render(tmpl, map[string]interface{}{"name": "Ada", "org": "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada", out.Subject)
	assert.Equal(t, "Hello Ada, welcome to Acme.", out.BodyText)
	assert.Equal(t, 2, out.VariableCount)
	assert.False(t, out.ProcessedAt.IsZero())
}

func TestRenderer_EscapesHTMLBodyOnly(t *testing.T) {
	tmpl := &models.Template{
		Type:     "welcome",
		Language: "en",
		BodyText: "Hi {{name}}",
		BodyHTML: "<p>Hi {{name}}</p>",
	}
	r := NewRenderer(time.Hour)

	out, err := r.Render(tmpl, map[string]interface{}{"name": "<script>alert(1)</script>"})
	require.NoError(t, err)
	assert.Equal(t, "Hi <script>alert(1)</script>", out.BodyText)
	assert.Contains(t, out.BodyHTML, "&lt;script&gt;")
	assert.NotContains(t, out.BodyHTML, "<script>")
}

func TestRenderer_MissingRequiredVariable(t *testing.T) {
	tmpl := &models.Template{
		Type:     "welcome",
		Language: "en",
		Subject:  "Hi {{name}}",
	}
	r := NewRenderer(time.Hour)

	_, err := r.Render(tmpl, map[string]interface{}{})
	assert.ErrorIs(t, err, models.ErrMissingVariables)
}

func TestRenderer_MissingVariableAcrossAnyField(t *testing.T) {
	tmpl := &models.Template{Subject: "Hi {{name}}", BodyText: "code: {{otp}}"}
	r := NewRenderer(time.Hour)

	_, err := r.Render(tmpl, map[string]interface{}{"name": "Ada"})
	assert.ErrorIs(t, err, models.ErrMissingVariables)
}

func TestRenderer_CachesByContentAndVariables(t *testing.T) {
	tmpl := &models.Template{Type: "welcome", Language: "en", Subject: "Hi {{name}}"}
	r := NewRenderer(time.Hour)

	out1, err := r.Render(tmpl, map[string]interface{}{"name": "Ada"})
	require.NoError(t, err)
	out2, err := r.Render(tmpl, map[string]interface{}{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, out1, out2)

	out3, err := r.Render(tmpl, map[string]interface{}{"name": "Grace"})
	require.NoError(t, err)
	assert.NotEqual(t, out1.Subject, out3.Subject)
}

func TestRenderer_SkipsCacheForOversizedBodies(t *testing.T) {
	huge := make([]byte, maxCacheableBodyLen+1)
	for i := range huge {
		huge[i] = 'x'
	}
	tmpl := &models.Template{Type: "huge", Language: "en", BodyText: string(huge)}
	r := NewRenderer(time.Hour)

	_, err := r.Render(tmpl, map[string]interface{}{})
	require.NoError(t, err)
	assert.Empty(t, r.cache)
}

func TestExtractPlaceholders_DedupesAndSorts(t *testing.T) {
	names := ExtractPlaceholders("Hi {{name}}", "Code ${otp}, again {{name}}")
	assert.Equal(t, []string{"name", "otp"}, names)
}
