package models

import (
	"time"

	id "fedhub/pkg/domain"
	dErrors "fedhub/pkg/domain-errors"
)

// Status is the lifecycle state of an enrollment. Values are wire-exact:
// they appear verbatim in API responses, events, and the store.
type Status string

const (
	StatusPendingVerification  Status = "pending_verification"
	StatusFingerprintVerified  Status = "fingerprint_verified"
	StatusApproved             Status = "approved"
	StatusCredentialsExchanged Status = "credentials_exchanged"
	StatusActive               Status = "active"
	StatusRejected             Status = "rejected"
	StatusRevoked              Status = "revoked"
	StatusExpired              Status = "expired"
)

// transitions is the authoritative state machine. Every status change goes
// through CanTransitionTo; nothing mutates Status directly.
var transitions = map[Status][]Status{
	StatusPendingVerification:  {StatusFingerprintVerified, StatusRejected, StatusExpired},
	StatusFingerprintVerified:  {StatusApproved, StatusRejected, StatusExpired},
	StatusApproved:             {StatusCredentialsExchanged, StatusRevoked},
	StatusCredentialsExchanged: {StatusActive, StatusRevoked},
	StatusActive:               {StatusRevoked},
	StatusRejected:             {},
	StatusRevoked:              {},
	StatusExpired:              {},
}

// ParseStatus validates a status string at trust boundaries.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "unknown enrollment status %q", s)
	}
	return st, nil
}

func (s Status) String() string { return string(s) }

// IsTerminal reports whether the status is absorbing (no outgoing edges).
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// CanTransitionTo reports whether the edge s -> to is in the state machine.
func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the outgoing edges from s, for error messages.
func (s Status) AllowedTransitions() []Status {
	out := make([]Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// TrustLevel is the federation tier a requester asks for. The granted tier
// controls downstream classification and COI limits; at enrollment time it is
// a request, not a grant.
type TrustLevel string

const (
	TrustLevelDevelopment TrustLevel = "development"
	TrustLevelPartner     TrustLevel = "partner"
	TrustLevelBilateral   TrustLevel = "bilateral"
	TrustLevelNational    TrustLevel = "national"
)

// ParseTrustLevel validates a trust level string.
func ParseTrustLevel(s string) (TrustLevel, error) {
	switch TrustLevel(s) {
	case TrustLevelDevelopment, TrustLevelPartner, TrustLevelBilateral, TrustLevelNational:
		return TrustLevel(s), nil
	}
	return "", dErrors.Newf(dErrors.CodeInvalidInput, "unknown trust level %q", s)
}

// StatusChange is one entry in the append-only status history.
type StatusChange struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
}

// Enrollment is the aggregate root for one federation trust negotiation.
//
// Invariants:
//   - Status changes only along the transitions table, via CanTransitionTo
//   - StatusHistory is append-only and monotonically increasing in time
//   - At most one enrollment per requester code is non-terminal at a time
//     (enforced by the store, checked again by the engine)
//   - ApproverCredentials may only be set while Status == approved;
//     RequesterCredentials while Status ∈ {approved, credentials_exchanged}
//   - Terminal records (rejected, revoked, expired) are retained for audit,
//     never deleted
type Enrollment struct {
	EnrollmentID id.EnrollmentID `json:"enrollment_id"`

	RequesterInstanceCode id.InstanceCode `json:"requester_instance_code"`
	RequesterInstanceName string          `json:"requester_instance_name"`
	RequesterCertPEM      string          `json:"requester_cert_pem"`
	RequesterFingerprint  string          `json:"requester_fingerprint"`

	RequesterOIDCDiscoveryURL string `json:"requester_oidc_discovery_url"`
	RequesterAPIURL           string `json:"requester_api_url"`
	RequesterIdPURL           string `json:"requester_idp_url"`
	RequesterKASURL           string `json:"requester_kas_url,omitempty"`

	RequesterContactEmail string     `json:"requester_contact_email"`
	RequesterCapabilities []string   `json:"requester_capabilities"`
	RequesterTrustLevel   TrustLevel `json:"requester_trust_level"`

	ApproverInstanceCode id.InstanceCode `json:"approver_instance_code"`
	ApproverFingerprint  string          `json:"approver_fingerprint"`

	// ChallengeNonce is issued at request time for future challenge-response
	// extensions; it is not validated by the current protocol.
	ChallengeNonce string `json:"challenge_nonce"`
	// EnrollmentSignature is the signature presented with the original
	// request, retained for audit.
	EnrollmentSignature string `json:"enrollment_signature"`

	Status        Status         `json:"status"`
	StatusHistory []StatusChange `json:"status_history"`

	ApproverCredentials  *CredentialBundle `json:"approver_credentials,omitempty"`
	RequesterCredentials *CredentialBundle `json:"requester_credentials,omitempty"`

	RejectionReason string `json:"rejection_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActorSystem marks transitions driven by the engine itself rather than an
// administrator (initial creation, the credentials_exchanged auto-advance,
// expiry sweeps).
const ActorSystem = "system"

// NewEnrollment constructs a pending enrollment with its initial history
// entry. Identity and endpoint fields are taken from an already-validated
// request; the engine supplies the generated ID, nonce, and fingerprints.
func NewEnrollment(enrollmentID id.EnrollmentID, req *EnrollmentRequest, fingerprint, challengeNonce string, approverCode id.InstanceCode, approverFingerprint string, now time.Time) *Enrollment {
	return &Enrollment{
		EnrollmentID:              enrollmentID,
		RequesterInstanceCode:     id.InstanceCode(req.InstanceCode),
		RequesterInstanceName:     req.InstanceName,
		RequesterCertPEM:          req.InstanceCertPEM,
		RequesterFingerprint:      fingerprint,
		RequesterOIDCDiscoveryURL: req.OIDCDiscoveryURL,
		RequesterAPIURL:           req.APIURL,
		RequesterIdPURL:           req.IdPURL,
		RequesterKASURL:           req.KASURL,
		RequesterContactEmail:     req.ContactEmail,
		RequesterCapabilities:     req.RequestedCapabilities,
		RequesterTrustLevel:       TrustLevel(req.RequestedTrustLevel),
		ApproverInstanceCode:      approverCode,
		ApproverFingerprint:       approverFingerprint,
		ChallengeNonce:            challengeNonce,
		EnrollmentSignature:       req.EnrollmentSignature,
		Status:                    StatusPendingVerification,
		StatusHistory: []StatusChange{{
			Status:    StatusPendingVerification,
			Timestamp: now,
			Actor:     ActorSystem,
			Reason:    "enrollment request received",
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CanTransition checks the edge from the current status. Returns an
// invalid-transition error naming the attempted edge and the allowed set.
func (e *Enrollment) CanTransition(to Status) error {
	if !e.Status.CanTransitionTo(to) {
		return dErrors.Newf(dErrors.CodeInvariantViolation,
			"invalid transition %s -> %s (allowed from %s: %v)",
			e.Status, to, e.Status, e.Status.AllowedTransitions())
	}
	return nil
}

// ApplyTransition moves the enrollment to the target status and appends the
// history entry. Call CanTransition first; this method does not re-check.
func (e *Enrollment) ApplyTransition(to Status, now time.Time, actor, reason string) {
	e.Status = to
	e.StatusHistory = append(e.StatusHistory, StatusChange{
		Status:    to,
		Timestamp: now,
		Actor:     actor,
		Reason:    reason,
	})
	e.UpdatedAt = now
	if to == StatusRejected {
		e.RejectionReason = reason
	}
}

// CredentialsReady reports whether the approver-side OIDC client material is
// staged for the requester to collect. The flag is raised only while the
// enrollment sits in approved; once the exchange completes it drops again.
func (e *Enrollment) CredentialsReady() bool {
	return e.Status == StatusApproved && e.ApproverCredentials.Present()
}

// BothCredentialsPresent is the data precondition for the automatic
// credentials_exchanged transition.
func (e *Enrollment) BothCredentialsPresent() bool {
	return e.ApproverCredentials.Present() && e.RequesterCredentials.Present()
}
