// Package identity implements the instance identity provider: this instance's
// signing certificate and key, detached signatures over enrollment assertions,
// and validation of certificates presented by remote instances.
package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	id "fedhub/pkg/domain"
	dErrors "fedhub/pkg/domain-errors"
)

// Identity is what this instance presents to a human verifier: its code and
// the fingerprint of its signing certificate.
type Identity struct {
	InstanceCode id.InstanceCode `json:"instanceCode"`
	Fingerprint  string          `json:"fingerprint"`
}

// Assertion is the canonical tuple a requester signs when enrolling. The
// timestamp stays in its presented string form so both sides hash identical
// bytes regardless of local time formatting.
type Assertion struct {
	InstanceCode string
	TargetURL    string
	Timestamp    string
	Nonce        string
}

// Canonical renders the assertion as the exact byte sequence that is signed.
func (a Assertion) Canonical() []byte {
	return []byte(strings.Join([]string{a.InstanceCode, a.TargetURL, a.Timestamp, a.Nonce}, "|"))
}

// CertValidation aggregates every violation found in a presented certificate
// so a requester can fix all of them in one round trip.
type CertValidation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Provider holds this instance's signing material and validates remote
// certificates. Construct once at startup and inject into the engine.
type Provider struct {
	code    id.InstanceCode
	cert    *x509.Certificate
	certPEM string
	signer  crypto.Signer
	roots   *x509.CertPool
}

// Option configures optional Provider behavior.
type Option func(p *Provider)

// WithTrustRoots enables full chain verification of presented certificates
// against the given root pool. Without roots, validation covers structure,
// validity window, and key usage only (self-signed partners allowed).
func WithTrustRoots(roots *x509.CertPool) Option {
	return func(p *Provider) {
		p.roots = roots
	}
}

// NewFromPEM builds a Provider from PEM-encoded certificate and private key.
func NewFromPEM(code id.InstanceCode, certPEM, keyPEM []byte, opts ...Option) (*Provider, error) {
	cert, err := parseCertificatePEM(string(certPEM))
	if err != nil {
		return nil, fmt.Errorf("parse instance certificate: %w", err)
	}
	signer, err := parseSignerPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse instance key: %w", err)
	}
	p := &Provider{
		code:    code,
		cert:    cert,
		certPEM: string(certPEM),
		signer:  signer,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// LoadFromFiles builds a Provider from certificate and key files on disk.
func LoadFromFiles(code id.InstanceCode, certFile, keyFile string, opts ...Option) (*Provider, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read certificate file: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return NewFromPEM(code, certPEM, keyPEM, opts...)
}

// OwnIdentity returns this instance's code and certificate fingerprint for
// the out-of-band verification step.
func (p *Provider) OwnIdentity() Identity {
	return Identity{
		InstanceCode: p.code,
		Fingerprint:  fingerprint(p.cert),
	}
}

// CertificatePEM returns this instance's certificate as presented to peers.
func (p *Provider) CertificatePEM() string { return p.certPEM }

// Sign produces a detached base64 signature over the canonical assertion
// using this instance's private key. Used when this instance enrolls with a
// remote hub; tests use it to build valid inbound requests.
func (p *Provider) Sign(assertion Assertion) (string, error) {
	digest := sha256.Sum256(assertion.Canonical())
	sig, err := p.signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifySignature checks that signature is a valid detached signature over
// the canonical assertion by the key embedded in certPEM. A nil return means
// the signature verifies; the certificate is never trusted without this
// linkage.
func (p *Provider) VerifySignature(assertion Assertion, signature, certPEM string) error {
	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "presented certificate is not parseable")
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return dErrors.New(dErrors.CodeValidation, "enrollment signature is not valid base64")
	}
	digest := sha256.Sum256(assertion.Canonical())
	switch key := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], raw); err != nil {
			return dErrors.New(dErrors.CodeValidation, "enrollment signature does not verify against the presented certificate")
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest[:], raw) {
			return dErrors.New(dErrors.CodeValidation, "enrollment signature does not verify against the presented certificate")
		}
	default:
		return dErrors.Newf(dErrors.CodeValidation, "unsupported public key type %T in presented certificate", cert.PublicKey)
	}
	return nil
}

// ValidateCertificate runs structural, validity-window, key-usage, and
// (when trust roots are configured) chain checks against the presented
// certificate, aggregating every violation.
func (p *Provider) ValidateCertificate(certPEM string, now time.Time) CertValidation {
	var violations []string

	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return CertValidation{Valid: false, Errors: []string{err.Error()}}
	}

	if now.Before(cert.NotBefore) {
		violations = append(violations, fmt.Sprintf("certificate is not yet valid (notBefore %s)", cert.NotBefore.Format(time.RFC3339)))
	}
	if now.After(cert.NotAfter) {
		violations = append(violations, fmt.Sprintf("certificate has expired (notAfter %s)", cert.NotAfter.Format(time.RFC3339)))
	}
	if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		violations = append(violations, "certificate key usage does not permit digital signatures")
	}
	switch cert.PublicKey.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
	default:
		violations = append(violations, fmt.Sprintf("unsupported public key type %T", cert.PublicKey))
	}
	if p.roots != nil {
		_, err := cert.Verify(x509.VerifyOptions{
			Roots:       p.roots,
			CurrentTime: now,
			KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		if err != nil {
			violations = append(violations, fmt.Sprintf("certificate chain does not verify: %v", err))
		}
	}

	return CertValidation{Valid: len(violations) == 0, Errors: violations}
}

// Fingerprint computes the human-verifiable fingerprint of a PEM certificate:
// SHA-256 over the DER bytes, uppercase hex, colon-separated pairs.
func (p *Provider) Fingerprint(certPEM string) (string, error) {
	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return "", err
	}
	return fingerprint(cert), nil
}

func fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	var b strings.Builder
	for i, octet := range sum {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02X", octet)
	}
	return b.String()
}

func parseCertificatePEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no CERTIFICATE block found in PEM data")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

func parseSignerPEM(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in key data")
	}
	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("PKCS#8 key of type %T cannot sign", key)
		}
		return signer, nil
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported key PEM block %q", block.Type)
	}
}
