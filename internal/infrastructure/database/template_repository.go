// SPDX-License-Identifier: AGPL-3.0-or-later
package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/relaynotify/core/internal/domain/models"
	"github.com/relaynotify/core/internal/infrastructure/template"
)

// TemplateRepository is the Postgres-backed source of truth the TemplateStore
// falls back to on a cache miss (§4.1).
type TemplateRepository struct {
	db *sql.DB
}

func NewTemplateRepository(db *sql.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// Get fetches a single (type, language) template, or ErrTemplateNotFound.
func (r *TemplateRepository) Get(ctx context.Context, typ, language string) (*models.Template, error) {
	tmpl := &models.Template{}
	err := r.db.QueryRowContext(ctx, `
		SELECT type, language, subject, body_text, body_html, required_variables, updated_at
		FROM templates WHERE type = $1 AND language = $2
	`, typ, language).Scan(
		&tmpl.Type, &tmpl.Language, &tmpl.Subject, &tmpl.BodyText, &tmpl.BodyHTML,
		pq.Array(&tmpl.RequiredVariables), &tmpl.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, models.ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template %s/%s: %w", typ, language, err)
	}
	return tmpl, nil
}

// LanguagesFor returns every language a type has a stored template for, used
// to build the BCP-47 fallback matcher for that type.
func (r *TemplateRepository) LanguagesFor(ctx context.Context, typ string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT language FROM templates WHERE type = $1`, typ)
	if err != nil {
		return nil, fmt.Errorf("failed to list template languages for %s: %w", typ, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var lang string
		if err := rows.Scan(&lang); err != nil {
			return nil, fmt.Errorf("failed to scan template language: %w", err)
		}
		out = append(out, lang)
	}
	return out, nil
}

// Upsert creates or replaces a template, used by operator tooling and tests.
// RequiredVariables is recomputed from the template bodies via the same
// extraction the TemplateRenderer uses, so a stored template always reflects
// what it actually references.
func (r *TemplateRepository) Upsert(ctx context.Context, tmpl *models.Template) error {
	tmpl.RequiredVariables = template.ExtractPlaceholders(tmpl.Subject, tmpl.BodyText, tmpl.BodyHTML)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO templates (type, language, subject, body_text, body_html, required_variables, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (type, language) DO UPDATE SET
			subject = EXCLUDED.subject,
			body_text = EXCLUDED.body_text,
			body_html = EXCLUDED.body_html,
			required_variables = EXCLUDED.required_variables,
			updated_at = now()
	`, tmpl.Type, tmpl.Language, tmpl.Subject, tmpl.BodyText, tmpl.BodyHTML, pq.Array(tmpl.RequiredVariables))
	if err != nil {
		return fmt.Errorf("failed to upsert template %s/%s: %w", tmpl.Type, tmpl.Language, err)
	}
	return nil
}

// Delete removes a template, used by operator tooling.
func (r *TemplateRepository) Delete(ctx context.Context, typ, language string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM templates WHERE type = $1 AND language = $2`, typ, language)
	if err != nil {
		return fmt.Errorf("failed to delete template %s/%s: %w", typ, language, err)
	}
	return nil
}
