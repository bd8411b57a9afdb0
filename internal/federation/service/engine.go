package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"fedhub/internal/federation/events"
	"fedhub/internal/federation/identity"
	"fedhub/internal/federation/models"
	id "fedhub/pkg/domain"
	dErrors "fedhub/pkg/domain-errors"
	audit "fedhub/pkg/platform/audit"
	"fedhub/pkg/platform/sentinel"
	"fedhub/pkg/requestcontext"
)

// ProcessEnrollment is the entry point for a new federation handshake. The
// checks run in fail-closed order: structural validation, timestamp
// freshness, signature linkage, certificate validity, nonce single-use,
// duplicate suppression. Nothing is persisted until every check passes.
func (e *Engine) ProcessEnrollment(ctx context.Context, req *models.EnrollmentRequest) (*models.EnrollmentResponse, error) {
	ctx, span := e.tracer.Start(ctx, "enrollment.process")
	defer span.End()

	req.Normalize()
	if err := req.Validate(); err != nil {
		e.incrementRejected("validation")
		return nil, err
	}
	requesterCode, err := id.ParseInstanceCode(req.InstanceCode)
	if err != nil {
		e.incrementRejected("validation")
		return nil, err
	}

	now := requestcontext.Now(ctx)

	signedAt, err := req.SignedAt()
	if err != nil {
		e.incrementRejected("validation")
		return nil, err
	}
	age := now.Sub(signedAt)
	if age > e.maxTimestampAge || age < -e.maxTimestampFuture {
		e.incrementRejected("freshness")
		return nil, dErrors.New(dErrors.CodeUnauthorized, "signature timestamp is too old or in the future")
	}

	assertion := identity.Assertion{
		InstanceCode: req.InstanceCode,
		TargetURL:    req.APIURL,
		Timestamp:    req.SignatureTimestamp,
		Nonce:        req.SignatureNonce,
	}
	if err := e.idp.VerifySignature(assertion, req.EnrollmentSignature, req.InstanceCertPEM); err != nil {
		e.incrementRejected("signature")
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "enrollment signature verification failed")
	}

	if validation := e.idp.ValidateCertificate(req.InstanceCertPEM, now); !validation.Valid {
		e.incrementRejected("certificate")
		return nil, dErrors.Newf(dErrors.CodeValidation,
			"certificate validation failed: %s", strings.Join(validation.Errors, "; "))
	}

	nonceTTL := e.maxTimestampAge + e.maxTimestampFuture
	if err := e.nonces.Consume(ctx, req.InstanceCode, req.SignatureNonce, nonceTTL); err != nil {
		if errors.Is(err, sentinel.ErrReplayed) {
			e.incrementRejected("replay")
			return nil, dErrors.New(dErrors.CodeUnauthorized, "signature nonce has already been used")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check signature nonce")
	}

	if existing, err := e.store.FindActiveByRequester(ctx, requesterCode); err == nil {
		e.incrementRejected("duplicate")
		return nil, dErrors.Newf(dErrors.CodeConflict,
			"enrollment %s for instance %s is already in progress (status %s)",
			existing.EnrollmentID, requesterCode, existing.Status)
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check for existing enrollment")
	}

	fingerprint, err := e.idp.Fingerprint(req.InstanceCertPEM)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "failed to fingerprint presented certificate")
	}
	own := e.idp.OwnIdentity()

	enrollment := models.NewEnrollment(
		id.NewEnrollmentID(),
		req,
		fingerprint,
		uuid.NewString(),
		own.InstanceCode,
		own.Fingerprint,
		now,
	)

	if err := e.store.Create(ctx, enrollment); err != nil {
		if errors.Is(err, sentinel.ErrDuplicate) {
			// Lost the race against a concurrent request from the same
			// instance; report the same conflict the pre-check would have.
			e.incrementRejected("duplicate")
			return nil, dErrors.Newf(dErrors.CodeConflict,
				"an enrollment for instance %s is already in progress", requesterCode)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist enrollment")
	}

	if e.metrics != nil {
		e.metrics.EnrollmentsRequested.Inc()
	}
	e.publish(events.TypeRequested, enrollment, models.ActorSystem, "", now)
	e.emitAudit(ctx, audit.EventEnrollmentRequested, enrollment, models.ActorSystem, "")
	e.logger.InfoContext(ctx, "enrollment requested",
		"enrollment_id", enrollment.EnrollmentID.String(),
		"requester", requesterCode.String(),
		"trust_level", string(enrollment.RequesterTrustLevel),
	)

	return &models.EnrollmentResponse{
		EnrollmentID:         enrollment.EnrollmentID,
		Status:               enrollment.Status,
		ChallengeNonce:       enrollment.ChallengeNonce,
		VerifierFingerprint:  own.Fingerprint,
		VerifierInstanceCode: own.InstanceCode,
		Message:              statusMessage(enrollment.Status),
		StatusPollingURL:     fmt.Sprintf("/api/federation/enrollment/%s/status", enrollment.EnrollmentID),
	}, nil
}

// VerifyFingerprint records that an administrator confirmed, out-of-band,
// that the requester's fingerprint matches the expected partner.
func (e *Engine) VerifyFingerprint(ctx context.Context, enrollmentID id.EnrollmentID, actor string) (*models.Enrollment, error) {
	ctx, span := e.tracer.Start(ctx, "enrollment.verify_fingerprint")
	defer span.End()

	return e.transition(ctx, enrollmentID, models.StatusFingerprintVerified, actor,
		"fingerprint verified out-of-band", events.TypeFingerprintVerified, audit.EventFingerprintVerified)
}

// Approve records the administrator's decision to federate.
func (e *Engine) Approve(ctx context.Context, enrollmentID id.EnrollmentID, actor string) (*models.Enrollment, error) {
	ctx, span := e.tracer.Start(ctx, "enrollment.approve")
	defer span.End()

	return e.transition(ctx, enrollmentID, models.StatusApproved, actor,
		"enrollment approved", events.TypeApproved, audit.EventEnrollmentApproved)
}

// Reject declines the enrollment. Terminal; the reason is recorded on the
// record and in history.
func (e *Engine) Reject(ctx context.Context, enrollmentID id.EnrollmentID, actor, reason string) (*models.Enrollment, error) {
	ctx, span := e.tracer.Start(ctx, "enrollment.reject")
	defer span.End()

	if strings.TrimSpace(reason) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "a rejection reason is required")
	}
	return e.transition(ctx, enrollmentID, models.StatusRejected, actor,
		reason, events.TypeRejected, audit.EventEnrollmentRejected)
}

// Activate marks the federation live once the external IdP-creation and
// trust-cascade work has succeeded.
func (e *Engine) Activate(ctx context.Context, enrollmentID id.EnrollmentID) (*models.Enrollment, error) {
	ctx, span := e.tracer.Start(ctx, "enrollment.activate")
	defer span.End()

	return e.transition(ctx, enrollmentID, models.StatusActive, models.ActorSystem,
		"identity provider created and trust cascade completed", events.TypeActivated, audit.EventFederationActivated)
}

// Revoke withdraws trust from an approved, credential-exchanged, or active
// federation. Terminal.
func (e *Engine) Revoke(ctx context.Context, enrollmentID id.EnrollmentID, actor, reason string) (*models.Enrollment, error) {
	ctx, span := e.tracer.Start(ctx, "enrollment.revoke")
	defer span.End()

	if strings.TrimSpace(reason) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "a revocation reason is required")
	}
	return e.transition(ctx, enrollmentID, models.StatusRevoked, actor,
		reason, events.TypeRevoked, audit.EventFederationRevoked)
}

// Expire times out an enrollment stalled before approval. Driven by the
// sweeper; also callable by an external scheduler.
func (e *Engine) Expire(ctx context.Context, enrollmentID id.EnrollmentID) (*models.Enrollment, error) {
	ctx, span := e.tracer.Start(ctx, "enrollment.expire")
	defer span.End()

	return e.transition(ctx, enrollmentID, models.StatusExpired, models.ActorSystem,
		"enrollment timed out awaiting verification or approval", events.TypeExpired, audit.EventEnrollmentExpired)
}

// transition loads the current record, asserts the edge is legal, and applies
// it through the store's compare-and-swap. The store write completes before
// the event fires; a store failure propagates and no event is emitted.
func (e *Engine) transition(ctx context.Context, enrollmentID id.EnrollmentID, to models.Status, actor, reason string, eventType events.Type, auditAction audit.AuditEvent) (*models.Enrollment, error) {
	current, err := e.findEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if err := current.CanTransition(to); err != nil {
		return nil, err
	}

	updated, err := e.store.UpdateStatus(ctx, enrollmentID, current.Status, to, actor, reason)
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Newf(dErrors.CodeConflict,
				"enrollment %s changed concurrently while transitioning to %s; re-read and retry", enrollmentID, to)
		}
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "enrollment %s not found", enrollmentID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update enrollment status")
	}

	e.incrementTransition(to)
	e.publish(eventType, updated, actor, reason, updated.UpdatedAt)
	e.emitAudit(ctx, auditAction, updated, actor, reason)
	e.logger.InfoContext(ctx, "enrollment transitioned",
		"enrollment_id", enrollmentID.String(),
		"from", string(current.Status),
		"to", string(to),
		"actor", actor,
	)
	return updated, nil
}

func (e *Engine) findEnrollment(ctx context.Context, enrollmentID id.EnrollmentID) (*models.Enrollment, error) {
	enrollment, err := e.store.FindByEnrollmentID(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "enrollment %s not found", enrollmentID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load enrollment")
	}
	return enrollment, nil
}
