package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers events with coalition-governance significance.
	// Trust decisions are kept tamper-proof with long retention.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events relevant to security monitoring and
	// forensics: failed signatures, replays, revocations.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine protocol activity useful for
	// debugging; can be sampled with shorter retention.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from protocol logic to capture key actions. Kept
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category     EventCategory
	Timestamp    time.Time
	EnrollmentID string
	Subject      string // requester instance code
	Action       string
	Actor        string // administrator or "system"
	Reason       string
	RequestID    string
}

// AuditEvent names the auditable protocol actions.
type AuditEvent string

const (
	EventEnrollmentRequested  AuditEvent = "enrollment_requested"
	EventEnrollmentRefused    AuditEvent = "enrollment_refused"
	EventFingerprintVerified  AuditEvent = "fingerprint_verified"
	EventEnrollmentApproved   AuditEvent = "enrollment_approved"
	EventEnrollmentRejected   AuditEvent = "enrollment_rejected"
	EventCredentialsExchanged AuditEvent = "credentials_exchanged"
	EventFederationActivated  AuditEvent = "federation_activated"
	EventFederationRevoked    AuditEvent = "federation_revoked"
	EventEnrollmentExpired    AuditEvent = "enrollment_expired"
)

// eventCategories maps each audit event to its category.
var eventCategories = map[AuditEvent]EventCategory{
	// Compliance - trust decisions with governance significance
	EventEnrollmentApproved:   CategoryCompliance,
	EventEnrollmentRejected:   CategoryCompliance,
	EventFederationActivated:  CategoryCompliance,
	EventFederationRevoked:    CategoryCompliance,
	EventCredentialsExchanged: CategoryCompliance,

	// Security - authentication failures and replays
	EventEnrollmentRefused: CategorySecurity,

	// Operations - routine protocol progress
	EventEnrollmentRequested: CategoryOperations,
	EventFingerprintVerified: CategoryOperations,
	EventEnrollmentExpired:   CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByEnrollment(ctx context.Context, enrollmentID string) ([]Event, error)
}
