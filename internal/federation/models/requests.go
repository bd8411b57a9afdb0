package models

import (
	"strings"
	"time"

	"github.com/asaskevich/govalidator"

	dErrors "fedhub/pkg/domain-errors"
	pstrings "fedhub/pkg/platform/strings"
)

// EnrollmentRequest is the inbound payload of a signed enrollment handshake.
// Field names are wire-exact for the federation API.
type EnrollmentRequest struct {
	InstanceCode          string   `json:"instanceCode"`
	InstanceName          string   `json:"instanceName"`
	InstanceCertPEM       string   `json:"instanceCertPEM"`
	OIDCDiscoveryURL      string   `json:"oidcDiscoveryUrl"`
	APIURL                string   `json:"apiUrl"`
	IdPURL                string   `json:"idpUrl"`
	KASURL                string   `json:"kasUrl,omitempty"`
	RequestedCapabilities []string `json:"requestedCapabilities"`
	RequestedTrustLevel   string   `json:"requestedTrustLevel"`
	ContactEmail          string   `json:"contactEmail"`
	EnrollmentSignature   string   `json:"enrollmentSignature"`
	SignatureTimestamp    string   `json:"signatureTimestamp"`
	SignatureNonce        string   `json:"signatureNonce"`
}

// Normalize trims whitespace on identity fields and dedupes the capability
// list before validation.
func (r *EnrollmentRequest) Normalize() {
	r.InstanceCode = strings.TrimSpace(r.InstanceCode)
	r.InstanceName = strings.TrimSpace(r.InstanceName)
	r.OIDCDiscoveryURL = strings.TrimSpace(r.OIDCDiscoveryURL)
	r.APIURL = strings.TrimSpace(r.APIURL)
	r.IdPURL = strings.TrimSpace(r.IdPURL)
	r.KASURL = strings.TrimSpace(r.KASURL)
	r.ContactEmail = strings.TrimSpace(r.ContactEmail)
	r.SignatureNonce = strings.TrimSpace(r.SignatureNonce)
	r.RequestedCapabilities = pstrings.DedupeAndTrimLower(r.RequestedCapabilities)
}

// Validate enforces structural validity of the request. Signature, freshness,
// and certificate checks are the engine's job; this only rejects payloads that
// could never be valid.
func (r *EnrollmentRequest) Validate() error {
	if !govalidator.StringLength(r.InstanceCode, "2", "16") {
		return dErrors.New(dErrors.CodeValidation, "instanceCode must be 2-16 characters")
	}
	if !govalidator.StringLength(r.InstanceName, "1", "128") {
		return dErrors.New(dErrors.CodeValidation, "instanceName is required")
	}
	if strings.TrimSpace(r.InstanceCertPEM) == "" {
		return dErrors.New(dErrors.CodeValidation, "instanceCertPEM is required")
	}
	if !govalidator.IsURL(r.OIDCDiscoveryURL) {
		return dErrors.New(dErrors.CodeValidation, "oidcDiscoveryUrl must be a valid URL")
	}
	if !govalidator.IsURL(r.APIURL) {
		return dErrors.New(dErrors.CodeValidation, "apiUrl must be a valid URL")
	}
	if !govalidator.IsURL(r.IdPURL) {
		return dErrors.New(dErrors.CodeValidation, "idpUrl must be a valid URL")
	}
	if r.KASURL != "" && !govalidator.IsURL(r.KASURL) {
		return dErrors.New(dErrors.CodeValidation, "kasUrl must be a valid URL when provided")
	}
	if !govalidator.IsEmail(r.ContactEmail) {
		return dErrors.New(dErrors.CodeValidation, "contactEmail must be a valid email address")
	}
	if _, err := ParseTrustLevel(r.RequestedTrustLevel); err != nil {
		return dErrors.Newf(dErrors.CodeValidation,
			"requestedTrustLevel must be one of development, partner, bilateral, national; got %q", r.RequestedTrustLevel)
	}
	if r.EnrollmentSignature == "" {
		return dErrors.New(dErrors.CodeValidation, "enrollmentSignature is required")
	}
	if r.SignatureNonce == "" {
		return dErrors.New(dErrors.CodeValidation, "signatureNonce is required")
	}
	if _, err := r.SignedAt(); err != nil {
		return err
	}
	return nil
}

// SignedAt parses the ISO-8601 signing timestamp.
func (r *EnrollmentRequest) SignedAt() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, r.SignatureTimestamp)
	if err != nil {
		return time.Time{}, dErrors.New(dErrors.CodeValidation, "signatureTimestamp must be an ISO-8601 timestamp")
	}
	return t, nil
}
