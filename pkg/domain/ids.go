package domain

import (
	"regexp"

	"github.com/google/uuid"

	dErrors "fedhub/pkg/domain-errors"
)

// EnrollmentID uniquely identifies a federation enrollment. Distinct type so
// it cannot be confused with other UUID-backed identifiers at compile time.
type EnrollmentID uuid.UUID

// NewEnrollmentID generates a fresh enrollment identifier.
func NewEnrollmentID() EnrollmentID {
	return EnrollmentID(uuid.New())
}

// ParseEnrollmentID validates and parses an enrollment ID from its string form.
// IDs must be valid, non-nil UUIDs.
func ParseEnrollmentID(s string) (EnrollmentID, error) {
	if s == "" {
		return EnrollmentID{}, dErrors.New(dErrors.CodeInvalidInput, "enrollment id is required")
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return EnrollmentID{}, dErrors.New(dErrors.CodeInvalidInput, "enrollment id must be a valid UUID")
	}
	if parsed == uuid.Nil {
		return EnrollmentID{}, dErrors.New(dErrors.CodeInvalidInput, "enrollment id must not be the nil UUID")
	}
	return EnrollmentID(parsed), nil
}

func (id EnrollmentID) String() string { return uuid.UUID(id).String() }

// MarshalText renders the ID in canonical UUID form for JSON and logs.
func (id EnrollmentID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses the canonical UUID form.
func (id *EnrollmentID) UnmarshalText(text []byte) error {
	parsed, err := uuid.Parse(string(text))
	if err != nil {
		return err
	}
	*id = EnrollmentID(parsed)
	return nil
}

// IsNil reports whether the ID is the zero value.
func (id EnrollmentID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// InstanceCode is the short identifier of a national instance (e.g. "FRA",
// "GBR", "USA"). Codes are uppercase alphanumerics, 2 to 16 characters,
// assigned by coalition governance rather than derived from ISO tables.
type InstanceCode string

var instanceCodePattern = regexp.MustCompile(`^[A-Z0-9]{2,16}$`)

// ParseInstanceCode validates an instance code at the trust boundary.
func ParseInstanceCode(s string) (InstanceCode, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "instance code is required")
	}
	if !instanceCodePattern.MatchString(s) {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "instance code %q must be 2-16 uppercase alphanumeric characters", s)
	}
	return InstanceCode(s), nil
}

func (c InstanceCode) String() string { return string(c) }

// IsNil reports whether the code is empty.
func (c InstanceCode) IsNil() bool { return c == "" }
