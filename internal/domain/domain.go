// Package domain holds the in-memory record shapes described in §3 of the
// gateway's data model: charger identity, session, connection metadata,
// and charge-point transaction/connector state. These replace the
// teacher's GORM-backed ChargePoint/Transaction/User domain types, since
// persistence beyond in-memory state is explicitly out of scope here.
package domain

import "time"

// OCPPVersion is the normalized protocol version tag used throughout the
// gateway (never the raw, possibly-unnormalized string off the wire).
type OCPPVersion string

const (
	V16  OCPPVersion = "1.6J"
	V201 OCPPVersion = "2.0.1"
	V21  OCPPVersion = "2.1"
)

// NormalizeVersion maps the wire-form version token (from the URL path or
// subprotocol) onto one of the three supported OCPPVersion values.
func NormalizeVersion(raw string) (OCPPVersion, bool) {
	switch raw {
	case "1.6", "1.6j", "1.6J", "ocpp1.6", "ocpp1.6j":
		return V16, true
	case "2.0.1", "ocpp2.0.1":
		return V201, true
	case "2.1", "ocpp2.1":
		return V21, true
	default:
		return "", false
	}
}

// IdentityStatus is the activation state of a charger identity record.
type IdentityStatus string

const (
	IdentityActive   IdentityStatus = "active"
	IdentityDisabled IdentityStatus = "disabled"
)

// HashAlgorithm is the supported set of secret-hashing algorithms for
// basic and token auth.
type HashAlgorithm string

const (
	HashSHA256 HashAlgorithm = "sha256"
	HashSCrypt HashAlgorithm = "scrypt"
	HashBCrypt HashAlgorithm = "bcrypt"
)

// AuthKind discriminates the identity record's auth tagged union.
type AuthKind string

const (
	AuthBasic AuthKind = "basic"
	AuthToken AuthKind = "token"
	AuthJWT   AuthKind = "jwt"
	AuthMTLS  AuthKind = "mtls"
)

// CertificateBinding is one entry in an mTLS identity's certificate list.
type CertificateBinding struct {
	Fingerprint    string // normalized: colons stripped, upper-cased
	Subject        string
	SubjectAltName []string
	SerialNumber   string
	ValidFrom      time.Time
	ValidTo        time.Time
	Revoked        bool
}

func (c CertificateBinding) ValidAt(t time.Time) bool {
	return !c.Revoked && !t.Before(c.ValidFrom) && !t.After(c.ValidTo)
}

// Identity is the charger identity record (§3), fetched by charge-point id.
type Identity struct {
	ChargePointID       string
	StationID           string
	TenantID            string
	Status              IdentityStatus
	AllowedProtocols    []OCPPVersion
	AllowedIPs          []string // verbatim IPs or CIDRs
	AllowedTypes        []AuthKind
	Kind                AuthKind
	Username            string
	SecretHash          string
	SecretSalt          string
	HashAlgorithm       HashAlgorithm
	TokenHash           string
	JWTSecret           string // HMAC secret for AuthJWT identities, empty otherwise
	Certificates        []CertificateBinding
	RevokedFingerprints map[string]bool
}

func (id *Identity) AllowsProtocol(v OCPPVersion) bool {
	if len(id.AllowedProtocols) == 0 {
		return true
	}
	for _, p := range id.AllowedProtocols {
		if p == v {
			return true
		}
	}
	return false
}

func (id *Identity) AllowsAuthKind(k AuthKind) bool {
	if len(id.AllowedTypes) == 0 {
		return true
	}
	for _, t := range id.AllowedTypes {
		if t == k {
			return true
		}
	}
	return false
}

// SessionOutcome is the result of a session directory CAS claim (§4.G).
type SessionOutcome string

const (
	SessionFresh     SessionOutcome = "FRESH"
	SessionRefreshed SessionOutcome = "REFRESHED"
	SessionTakeover  SessionOutcome = "TAKEOVER"
	SessionDenied    SessionOutcome = "DENIED"
)

// SessionEntry is the cluster-wide ownership record for a charge point
// (§3, KV key sessions:{chargePointId}).
type SessionEntry struct {
	ChargePointID string
	OCPPVersion   OCPPVersion
	NodeID        string
	StationID     string
	TenantID      string
	ConnectedAtMs int64
	LastSeenAtMs  int64
	Epoch         int64
}

// ConnectionMeta is the in-process per-socket metadata (§3).
type ConnectionMeta struct {
	ConnectionID  string
	ChargePointID string
	OCPPVersion   OCPPVersion
	StationID     string
	TenantID      string
	SessionEpoch  int64
	IP            string
}
