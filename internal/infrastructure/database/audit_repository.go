// SPDX-License-Identifier: AGPL-3.0-or-later
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/relaynotify/core/internal/domain/models"
	"github.com/relaynotify/core/internal/infrastructure/dbctx"
)

// AuditRepository persists the structured records AuditLogger (C10) emits.
type AuditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create persists one audit entry, stamping its occurred_at server-side.
func (r *AuditRepository) Create(ctx context.Context, entry models.AuditEntry) error {
	q := dbctx.GetQuerier(ctx, r.db)
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_log (actor, action, target, details, severity)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.Actor, entry.Action, entry.Target, entry.Details, entry.Severity)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// ListByActor returns recent entries for actor, most recent first, used by
// the admin surface to review one identity's history.
func (r *AuditRepository) ListByActor(ctx context.Context, actor string, limit int) ([]*models.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, occurred_at, actor, action, target, details, severity
		FROM audit_log WHERE actor = $1 ORDER BY occurred_at DESC LIMIT $2
	`, actor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries for actor %s: %w", actor, err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// ListSince returns every entry at or after since, most recent first, used
// for periodic review sweeps.
func (r *AuditRepository) ListSince(ctx context.Context, since time.Time, limit int) ([]*models.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, occurred_at, actor, action, target, details, severity
		FROM audit_log WHERE occurred_at >= $1 ORDER BY occurred_at DESC LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries since %s: %w", since, err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

func scanAuditRows(rows *sql.Rows) ([]*models.AuditEntry, error) {
	var out []*models.AuditEntry
	for rows.Next() {
		e := &models.AuditEntry{}
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Actor, &e.Action, &e.Target, &e.Details, &e.Severity); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
