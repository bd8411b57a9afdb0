package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

// CertOptions controls test certificate generation.
type CertOptions struct {
	NotBefore time.Time
	NotAfter  time.Time
	KeyUsage  x509.KeyUsage
	RSA       bool
}

// GenerateInstanceCert creates a self-signed certificate and PKCS#8 key for a
// coalition instance, returned as PEM. Defaults to an ECDSA P-256 key valid
// for one year with digital signature usage.
func GenerateInstanceCert(t *testing.T, commonName string, opts CertOptions) (certPEM, keyPEM []byte) {
	t.Helper()

	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = opts.NotBefore.Add(365 * 24 * time.Hour)
	}
	if opts.KeyUsage == 0 {
		opts.KeyUsage = x509.KeyUsageDigitalSignature
	}

	var (
		priv any
		pub  any
		err  error
	)
	if opts.RSA {
		key, kerr := rsa.GenerateKey(rand.Reader, 2048)
		if kerr != nil {
			t.Fatalf("generate rsa key: %v", kerr)
		}
		priv, pub = key, &key.PublicKey
	} else {
		key, kerr := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if kerr != nil {
			t.Fatalf("generate ecdsa key: %v", kerr)
		}
		priv, pub = key, &key.PublicKey
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotAfter,
		KeyUsage:              opts.KeyUsage,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}
