// SPDX-License-Identifier: AGPL-3.0-or-later
package models

import "time"

// Template is the stored subject/body content for one (type, language) pair,
// resolved and cached by the TemplateStore before rendering (§4.1, §4.2).
type Template struct {
	Type              string    `json:"type"`
	Language          string    `json:"language"`
	Subject           string    `json:"subject"`
	BodyText          string    `json:"body_text"`
	BodyHTML          string    `json:"body_html,omitempty"`
	RequiredVariables []string  `json:"required_variables,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TemplateKey identifies a template in the store's cache, keyed on type and
// the language resolved by BCP-47 fallback.
type TemplateKey struct {
	Type     string
	Language string
}

// RenderedContent is the output of the TemplateRenderer for one delivery (§4.2).
type RenderedContent struct {
	Subject       string
	BodyText      string
	BodyHTML      string
	VariableCount int
	ProcessedAt   time.Time
}
