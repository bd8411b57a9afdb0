// Package events carries protocol events from the enrollment engine to its
// consumers (notification service, SSE stream, Kafka sink). Publishing is
// fire-and-forget: a slow or failing subscriber can never block or fail the
// transition that produced the event.
package events

import (
	"time"

	"fedhub/internal/federation/models"
)

// Type names a protocol event. Values are wire-exact.
type Type string

const (
	TypeRequested            Type = "enrollment:requested"
	TypeFingerprintVerified  Type = "enrollment:fingerprint_verified"
	TypeApproved             Type = "enrollment:approved"
	TypeRejected             Type = "enrollment:rejected"
	TypeCredentialsExchanged Type = "enrollment:credentials_exchanged"
	TypeActivated            Type = "enrollment:activated"
	TypeRevoked              Type = "enrollment:revoked"
	TypeExpired              Type = "enrollment:expired"
)

// Event is one protocol occurrence. Enrollment is the full record after the
// transition; Actor and Reason are set where the operation carries them.
type Event struct {
	Type       Type               `json:"type"`
	Enrollment *models.Enrollment `json:"enrollment"`
	Actor      string             `json:"actor,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}
