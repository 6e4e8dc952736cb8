package qtrust

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// Anchor is the single trusted root used to authenticate the broker.
type Anchor struct {
	Cert *x509.Certificate
	PEM  []byte
}

// ParseAnchor parses the first CERTIFICATE block of pemData.
func ParseAnchor(pemData []byte) (*Anchor, error) {
	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("no CERTIFICATE block found")
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		return &Anchor{Cert: cert, PEM: pemData}, nil
	}
}

// Expired reports whether the certificate is past NotAfter at now.
func (a *Anchor) Expired(now time.Time) bool {
	return now.After(a.Cert.NotAfter)
}

// Digest returns the hex BLAKE3 digest of the PEM text.
func (a *Anchor) Digest() string {
	return digest(a.PEM)
}

// TLSConfig returns a client TLS configuration that trusts only this anchor.
func (a *Anchor) TLSConfig(serverName string) *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(a.Cert)
	return &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
}

func digest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
