package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"fedhub/internal/federation/models"
	id "fedhub/pkg/domain"
	"fedhub/pkg/platform/sentinel"
	"fedhub/pkg/requestcontext"
)

// Schema creates the enrollment table. The partial unique index enforces
// at-most-one non-terminal enrollment per requester at the database level,
// so two simultaneous requests from a new partner cannot both win.
const Schema = `
CREATE TABLE IF NOT EXISTS federation_enrollments (
    enrollment_id  UUID PRIMARY KEY,
    requester_code TEXT NOT NULL,
    status         TEXT NOT NULL,
    record         JSONB NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS federation_enrollments_active_requester
    ON federation_enrollments (requester_code)
    WHERE status NOT IN ('rejected', 'revoked', 'expired');
CREATE INDEX IF NOT EXISTS federation_enrollments_status
    ON federation_enrollments (status);
`

const uniqueViolation = "23505"

// Postgres persists enrollments in PostgreSQL. The full record lives in a
// JSONB column; requester code and status are projected into columns for the
// uniqueness index and status filters.
type Postgres struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed enrollment store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema applies the store schema. Idempotent.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure enrollment schema: %w", err)
	}
	return nil
}

func (s *Postgres) Create(ctx context.Context, enrollment *models.Enrollment) error {
	record, err := json.Marshal(enrollment)
	if err != nil {
		return fmt.Errorf("marshal enrollment: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO federation_enrollments (enrollment_id, requester_code, status, record, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		enrollment.EnrollmentID.String(),
		enrollment.RequesterInstanceCode.String(),
		string(enrollment.Status),
		record,
		enrollment.CreatedAt,
		enrollment.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return sentinel.ErrDuplicate
		}
		return fmt.Errorf("insert enrollment: %w", err)
	}
	return nil
}

func (s *Postgres) FindByEnrollmentID(ctx context.Context, enrollmentID id.EnrollmentID) (*models.Enrollment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT record FROM federation_enrollments WHERE enrollment_id = $1`,
		enrollmentID.String(),
	)
	return scanEnrollment(row)
}

func (s *Postgres) FindActiveByRequester(ctx context.Context, code id.InstanceCode) (*models.Enrollment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT record FROM federation_enrollments
		WHERE requester_code = $1 AND status NOT IN ('rejected', 'revoked', 'expired')`,
		code.String(),
	)
	return scanEnrollment(row)
}

// UpdateStatus is compare-and-swap on the previously read status. The row
// lock from FOR UPDATE covers the read-modify-write; the status check inside
// the transaction surfaces lost races as sentinel.ErrConflict.
func (s *Postgres) UpdateStatus(ctx context.Context, enrollmentID id.EnrollmentID, expected, next models.Status, actor, reason string) (*models.Enrollment, error) {
	var updated *models.Enrollment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := lockEnrollment(ctx, tx, enrollmentID)
		if err != nil {
			return err
		}
		if e.Status != expected {
			return sentinel.ErrConflict
		}
		e.ApplyTransition(next, requestcontext.Now(ctx), actor, reason)
		if err := writeEnrollment(ctx, tx, e); err != nil {
			return err
		}
		updated = e
		return nil
	})
	return updated, err
}

func (s *Postgres) SetApproverCredentials(ctx context.Context, enrollmentID id.EnrollmentID, bundle *models.CredentialBundle) (*models.Enrollment, error) {
	return s.setCredentials(ctx, enrollmentID, func(e *models.Enrollment) {
		e.ApproverCredentials = bundle
	})
}

func (s *Postgres) SetRequesterCredentials(ctx context.Context, enrollmentID id.EnrollmentID, bundle *models.CredentialBundle) (*models.Enrollment, error) {
	return s.setCredentials(ctx, enrollmentID, func(e *models.Enrollment) {
		e.RequesterCredentials = bundle
	})
}

func (s *Postgres) setCredentials(ctx context.Context, enrollmentID id.EnrollmentID, apply func(*models.Enrollment)) (*models.Enrollment, error) {
	var updated *models.Enrollment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := lockEnrollment(ctx, tx, enrollmentID)
		if err != nil {
			return err
		}
		apply(e)
		e.UpdatedAt = requestcontext.Now(ctx)
		if err := writeEnrollment(ctx, tx, e); err != nil {
			return err
		}
		updated = e
		return nil
	})
	return updated, err
}

func (s *Postgres) ListPending(ctx context.Context) ([]*models.Enrollment, error) {
	return s.queryList(ctx, `
		SELECT record FROM federation_enrollments
		WHERE status IN ('pending_verification', 'fingerprint_verified')
		ORDER BY created_at`)
}

func (s *Postgres) List(ctx context.Context, filter models.ListFilter) ([]*models.Enrollment, error) {
	query := `SELECT record FROM federation_enrollments WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.RequesterCode != "" {
		args = append(args, filter.RequesterCode.String())
		query += fmt.Sprintf(" AND requester_code = $%d", len(args))
	}
	query += " ORDER BY created_at"
	return s.queryList(ctx, query, args...)
}

func (s *Postgres) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM federation_enrollments GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count enrollments: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[models.Status(status)] = count
	}
	return counts, rows.Err()
}

func (s *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Postgres) queryList(ctx context.Context, query string, args ...any) ([]*models.Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()

	var out []*models.Enrollment
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		var e models.Enrollment
		if err := json.Unmarshal(record, &e); err != nil {
			return nil, fmt.Errorf("unmarshal enrollment: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func lockEnrollment(ctx context.Context, tx *sql.Tx, enrollmentID id.EnrollmentID) (*models.Enrollment, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT record FROM federation_enrollments WHERE enrollment_id = $1 FOR UPDATE`,
		enrollmentID.String(),
	)
	return scanEnrollment(row)
}

func writeEnrollment(ctx context.Context, tx *sql.Tx, e *models.Enrollment) error {
	record, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal enrollment: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE federation_enrollments
		SET status = $2, record = $3, updated_at = $4
		WHERE enrollment_id = $1`,
		e.EnrollmentID.String(), string(e.Status), record, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	return nil
}

func scanEnrollment(row *sql.Row) (*models.Enrollment, error) {
	var record []byte
	if err := row.Scan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan enrollment: %w", err)
	}
	var e models.Enrollment
	if err := json.Unmarshal(record, &e); err != nil {
		return nil, fmt.Errorf("unmarshal enrollment: %w", err)
	}
	return &e, nil
}
