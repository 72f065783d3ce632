package connection

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"

	"github.com/seu-repo/ocpp-gateway/internal/gateway/identity"
)

var errChargePointOffline = errors.New("connection: charge point offline")

// extractPeerCertificate normalizes a verified TLS client certificate into
// the shape identity.Verifier's mTLS check expects (§4.F).
func extractPeerCertificate(cert *x509.Certificate) *identity.PeerCertificate {
	sum := sha256.Sum256(cert.Raw)
	return &identity.PeerCertificate{
		FingerprintSHA256: hex.EncodeToString(sum[:]),
		Subject:           cert.Subject.CommonName,
		SubjectAltNames:   cert.DNSNames,
		SerialNumber:      cert.SerialNumber.String(),
	}
}
