package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	audit "fedhub/pkg/platform/audit"
	txcontext "fedhub/pkg/platform/tx"
)

// Schema creates the audit trail table. Indexed by enrollment for the
// per-record trail the admin surface serves.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
    id            UUID PRIMARY KEY,
    category      TEXT NOT NULL,
    timestamp     TIMESTAMPTZ NOT NULL,
    enrollment_id TEXT NOT NULL,
    subject       TEXT NOT NULL,
    action        TEXT NOT NULL,
    actor         TEXT NOT NULL,
    reason        TEXT NOT NULL DEFAULT '',
    request_id    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS audit_events_enrollment
    ON audit_events (enrollment_id, timestamp);
`

// Store persists audit events in PostgreSQL. When the caller carries an open
// transaction in context the append joins it, so a protocol write and its
// audit entry commit atomically.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema applies the audit schema. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Append writes one audit event, deriving the category from the action when
// the emitter left it unset.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	category := event.Category
	if category == "" {
		category = audit.AuditEvent(event.Action).Category()
	}

	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO audit_events (id, category, timestamp, enrollment_id, subject, action, actor, reason, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.New(),
		string(category),
		event.Timestamp,
		event.EnrollmentID,
		event.Subject,
		event.Action,
		event.Actor,
		event.Reason,
		event.RequestID,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByEnrollment returns the audit trail for one enrollment, oldest first.
func (s *Store) ListByEnrollment(ctx context.Context, enrollmentID string) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, timestamp, enrollment_id, subject, action, actor, reason, request_id
		FROM audit_events
		WHERE enrollment_id = $1
		ORDER BY timestamp`,
		enrollmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event
	for rows.Next() {
		var category string
		var event audit.Event
		err := rows.Scan(
			&category,
			&event.Timestamp,
			&event.EnrollmentID,
			&event.Subject,
			&event.Action,
			&event.Actor,
			&event.Reason,
			&event.RequestID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Category = audit.EventCategory(category)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
