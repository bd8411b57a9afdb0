package models

// CredentialBundle carries the OIDC client material produced by one side of
// the credential exchange. The client secret itself never enters the
// enrollment record; SecretRef points into the secret store that holds it, so
// the audit trail cannot leak credentials.
type CredentialBundle struct {
	ClientID  string `json:"client_id"`
	IssuerURL string `json:"issuer_url,omitempty"`
	SecretRef string `json:"secret_ref,omitempty"`
}

// Present reports whether the bundle holds usable client material. A non-empty
// client identifier is the protocol's definition of "present".
func (b *CredentialBundle) Present() bool {
	return b != nil && b.ClientID != ""
}

// Equal compares bundles field-by-field. Used to keep credential storing
// idempotent when a side retries after the auto-advance already fired.
func (b *CredentialBundle) Equal(other *CredentialBundle) bool {
	if b == nil || other == nil {
		return b == other
	}
	return b.ClientID == other.ClientID &&
		b.IssuerURL == other.IssuerURL &&
		b.SecretRef == other.SecretRef
}
