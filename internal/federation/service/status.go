package service

import (
	"context"

	"fedhub/internal/federation/models"
	id "fedhub/pkg/domain"
	audit "fedhub/pkg/platform/audit"
)

// statusMessages are the human-facing progress lines returned to a polling
// requester. One entry per lifecycle state.
var statusMessages = map[models.Status]string{
	models.StatusPendingVerification:  "Awaiting out-of-band fingerprint verification by the hub administrator",
	models.StatusFingerprintVerified:  "Fingerprint verified; awaiting administrator approval",
	models.StatusApproved:             "Enrollment approved; credential exchange in progress",
	models.StatusCredentialsExchanged: "Credentials exchanged; activation in progress",
	models.StatusActive:               "Federation active",
	models.StatusRejected:             "Enrollment rejected by the hub administrator",
	models.StatusRevoked:              "Federation revoked",
	models.StatusExpired:              "Enrollment expired before completion",
}

func statusMessage(status models.Status) string {
	if msg, ok := statusMessages[status]; ok {
		return msg
	}
	return string(status)
}

// GetStatus returns the polling view of one enrollment. Deliberately narrow:
// the requesting instance is unauthenticated at this point, so the response
// never includes certificates, credentials, or history.
func (e *Engine) GetStatus(ctx context.Context, enrollmentID id.EnrollmentID) (*models.StatusResponse, error) {
	enrollment, err := e.findEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	return &models.StatusResponse{
		EnrollmentID:     enrollment.EnrollmentID,
		Status:           enrollment.Status,
		Message:          statusMessage(enrollment.Status),
		CredentialsReady: enrollment.CredentialsReady(),
		UpdatedAt:        enrollment.UpdatedAt,
	}, nil
}

// Get returns the full enrollment record for the admin surface.
func (e *Engine) Get(ctx context.Context, enrollmentID id.EnrollmentID) (*models.Enrollment, error) {
	return e.findEnrollment(ctx, enrollmentID)
}

// ListPending returns enrollments awaiting administrator action.
func (e *Engine) ListPending(ctx context.Context) ([]*models.Enrollment, error) {
	return e.store.ListPending(ctx)
}

// List returns enrollments matching the filter, newest first.
func (e *Engine) List(ctx context.Context, filter models.ListFilter) ([]*models.Enrollment, error) {
	return e.store.List(ctx, filter)
}

// AuditTrailReader is implemented by audit publishers whose store supports
// per-enrollment queries.
type AuditTrailReader interface {
	List(ctx context.Context, enrollmentID string) ([]audit.Event, error)
}

// AuditTrail returns the recorded audit events for one enrollment. The
// enrollment is loaded first so unknown IDs surface as not found rather than
// an empty trail.
func (e *Engine) AuditTrail(ctx context.Context, enrollmentID id.EnrollmentID) ([]audit.Event, error) {
	if _, err := e.findEnrollment(ctx, enrollmentID); err != nil {
		return nil, err
	}
	reader, ok := e.auditor.(AuditTrailReader)
	if !ok {
		return nil, nil
	}
	return reader.List(ctx, enrollmentID.String())
}

// Statistics summarizes enrollment counts for the admin dashboard.
func (e *Engine) Statistics(ctx context.Context) (*models.Statistics, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats := &models.Statistics{ByStatus: make(map[models.Status]int, len(counts))}
	for status, n := range counts {
		stats.ByStatus[status] = n
		stats.Total += n
	}
	return stats, nil
}
