package service

import (
	"context"
	"errors"

	"fedhub/internal/federation/events"
	"fedhub/internal/federation/models"
	id "fedhub/pkg/domain"
	dErrors "fedhub/pkg/domain-errors"
	audit "fedhub/pkg/platform/audit"
	"fedhub/pkg/platform/sentinel"
)

// StoreApproverCredentials records the OIDC client this hub provisioned for
// the requester. Legal only once the enrollment is approved. Re-storing an
// identical bundle after the exchange completed is an idempotent no-op so a
// retried provisioning job cannot fail its own success.
func (e *Engine) StoreApproverCredentials(ctx context.Context, enrollmentID id.EnrollmentID, bundle *models.CredentialBundle, actor string) (*models.Enrollment, error) {
	ctx, span := e.tracer.Start(ctx, "enrollment.store_approver_credentials")
	defer span.End()

	if err := validateBundle(bundle); err != nil {
		return nil, err
	}
	current, err := e.findEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	switch current.Status {
	case models.StatusApproved:
		// proceed
	case models.StatusCredentialsExchanged:
		if current.ApproverCredentials.Equal(bundle) {
			return current, nil
		}
		return nil, dErrors.Newf(dErrors.CodeInvariantViolation,
			"enrollment %s already exchanged credentials with a different approver bundle", enrollmentID)
	default:
		return nil, dErrors.Newf(dErrors.CodeInvariantViolation,
			"approver credentials require status %s, enrollment %s is %s",
			models.StatusApproved, enrollmentID, current.Status)
	}

	updated, err := e.store.SetApproverCredentials(ctx, enrollmentID, bundle)
	if err != nil {
		return nil, e.mapCredentialStoreErr(err, enrollmentID)
	}
	e.logger.InfoContext(ctx, "approver credentials stored",
		"enrollment_id", enrollmentID.String(), "actor", actor)

	return e.maybeCompleteExchange(ctx, updated, actor)
}

// StoreRequesterCredentials records the client the requesting instance
// provisioned on its side. Accepted while approved or after the exchange
// already completed from the approver side.
func (e *Engine) StoreRequesterCredentials(ctx context.Context, enrollmentID id.EnrollmentID, bundle *models.CredentialBundle, actor string) (*models.Enrollment, error) {
	ctx, span := e.tracer.Start(ctx, "enrollment.store_requester_credentials")
	defer span.End()

	if err := validateBundle(bundle); err != nil {
		return nil, err
	}
	current, err := e.findEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	switch current.Status {
	case models.StatusApproved, models.StatusCredentialsExchanged:
		if current.Status == models.StatusCredentialsExchanged && current.RequesterCredentials.Present() {
			if current.RequesterCredentials.Equal(bundle) {
				return current, nil
			}
			return nil, dErrors.Newf(dErrors.CodeInvariantViolation,
				"enrollment %s already exchanged credentials with a different requester bundle", enrollmentID)
		}
	default:
		return nil, dErrors.Newf(dErrors.CodeInvariantViolation,
			"requester credentials require status %s or %s, enrollment %s is %s",
			models.StatusApproved, models.StatusCredentialsExchanged, enrollmentID, current.Status)
	}

	updated, err := e.store.SetRequesterCredentials(ctx, enrollmentID, bundle)
	if err != nil {
		return nil, e.mapCredentialStoreErr(err, enrollmentID)
	}
	e.logger.InfoContext(ctx, "requester credentials stored",
		"enrollment_id", enrollmentID.String(), "actor", actor)

	return e.maybeCompleteExchange(ctx, updated, actor)
}

// maybeCompleteExchange advances approved -> credentials_exchanged once both
// bundles are on the freshly written record. A CAS conflict here means a
// concurrent writer of the other bundle won the advance, which is the outcome
// we wanted anyway.
func (e *Engine) maybeCompleteExchange(ctx context.Context, enrollment *models.Enrollment, actor string) (*models.Enrollment, error) {
	if enrollment.Status != models.StatusApproved || !enrollment.BothCredentialsPresent() {
		return enrollment, nil
	}

	updated, err := e.store.UpdateStatus(ctx, enrollment.EnrollmentID,
		models.StatusApproved, models.StatusCredentialsExchanged,
		models.ActorSystem, "both credential bundles stored")
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return e.findEnrollment(ctx, enrollment.EnrollmentID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to complete credential exchange")
	}

	e.incrementTransition(models.StatusCredentialsExchanged)
	e.publish(events.TypeCredentialsExchanged, updated, models.ActorSystem, "", updated.UpdatedAt)
	e.emitAudit(ctx, audit.EventCredentialsExchanged, updated, actor, "")
	e.logger.InfoContext(ctx, "credential exchange complete",
		"enrollment_id", updated.EnrollmentID.String())
	return updated, nil
}

func (e *Engine) mapCredentialStoreErr(err error, enrollmentID id.EnrollmentID) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Newf(dErrors.CodeNotFound, "enrollment %s not found", enrollmentID)
	}
	if errors.Is(err, sentinel.ErrConflict) {
		return dErrors.Newf(dErrors.CodeConflict,
			"enrollment %s changed concurrently while storing credentials; re-read and retry", enrollmentID)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to store credentials")
}

func validateBundle(bundle *models.CredentialBundle) error {
	if bundle == nil || !bundle.Present() {
		return dErrors.New(dErrors.CodeValidation, "credential bundle must carry a client id")
	}
	return nil
}
