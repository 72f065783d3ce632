package identity

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/seu-repo/ocpp-gateway/internal/adapter/kv"
	"github.com/seu-repo/ocpp-gateway/internal/domain"
)

func putIdentity(t *testing.T, store *kv.MemoryStore, id domain.Identity) {
	t.Helper()
	encoded, err := json.Marshal(id)
	if err != nil {
		t.Fatalf("marshal identity: %v", err)
	}
	if err := store.Set(context.Background(), "identities:"+id.ChargePointID, string(encoded), 0); err != nil {
		t.Fatalf("set identity: %v", err)
	}
}

func TestAuthenticate_RejectsUnknownIdentity(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	v := NewVerifier(store, zap.NewNop(), nil, domain.AuthBasic, nil, nil)

	_, err := v.Authenticate(context.Background(), Request{ChargePointID: "CP-1", OCPPVersion: domain.V16, Header: http.Header{}})
	if err == nil {
		t.Fatalf("expected rejection for unknown identity")
	}
}

func TestAuthenticate_RejectsDisabledIdentity(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	putIdentity(t, store, domain.Identity{ChargePointID: "CP-1", Status: domain.IdentityDisabled})
	v := NewVerifier(store, zap.NewNop(), nil, domain.AuthBasic, nil, nil)

	_, err := v.Authenticate(context.Background(), Request{ChargePointID: "CP-1", OCPPVersion: domain.V16, Header: http.Header{}})
	if err == nil {
		t.Fatalf("expected rejection for disabled identity")
	}
}

func TestAuthenticate_RejectsDisallowedProtocol(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	putIdentity(t, store, domain.Identity{
		ChargePointID: "CP-1", Status: domain.IdentityActive,
		AllowedProtocols: []domain.OCPPVersion{domain.V201},
		Kind:             domain.AuthBasic,
	})
	v := NewVerifier(store, zap.NewNop(), nil, domain.AuthBasic, nil, nil)

	_, err := v.Authenticate(context.Background(), Request{ChargePointID: "CP-1", OCPPVersion: domain.V16, Header: http.Header{}})
	if err == nil {
		t.Fatalf("expected rejection for disallowed protocol")
	}
}

func TestAuthenticate_BasicAuthSuccess(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	secretHash, err := hashSecret(domain.HashSHA256, "s3cret", "salt-1")
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	putIdentity(t, store, domain.Identity{
		ChargePointID: "CP-1", Status: domain.IdentityActive, Kind: domain.AuthBasic,
		Username: "CP-1", SecretHash: secretHash, SecretSalt: "salt-1", HashAlgorithm: domain.HashSHA256,
	})
	v := NewVerifier(store, zap.NewNop(), nil, domain.AuthBasic, nil, nil)

	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("CP-1:s3cret")))

	id, err := v.Authenticate(context.Background(), Request{ChargePointID: "CP-1", OCPPVersion: domain.V16, Header: header})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if id.ChargePointID != "CP-1" {
		t.Errorf("unexpected identity returned: %+v", id)
	}
}

func TestAuthenticate_BasicAuthWrongPassword(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	secretHash, _ := hashSecret(domain.HashSHA256, "s3cret", "salt-1")
	putIdentity(t, store, domain.Identity{
		ChargePointID: "CP-1", Status: domain.IdentityActive, Kind: domain.AuthBasic,
		Username: "CP-1", SecretHash: secretHash, SecretSalt: "salt-1", HashAlgorithm: domain.HashSHA256,
	})
	v := NewVerifier(store, zap.NewNop(), nil, domain.AuthBasic, nil, nil)

	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("CP-1:wrong")))

	if _, err := v.Authenticate(context.Background(), Request{ChargePointID: "CP-1", OCPPVersion: domain.V16, Header: header}); err == nil {
		t.Fatalf("expected rejection for wrong password")
	}
}

func TestAuthenticate_BasicAuthWithBCryptSuccess(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	secretHash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("generate bcrypt hash: %v", err)
	}
	putIdentity(t, store, domain.Identity{
		ChargePointID: "CP-1", Status: domain.IdentityActive, Kind: domain.AuthBasic,
		Username: "CP-1", SecretHash: string(secretHash), HashAlgorithm: domain.HashBCrypt,
	})
	v := NewVerifier(store, zap.NewNop(), nil, domain.AuthBasic, nil, nil)

	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("CP-1:s3cret")))

	if _, err := v.Authenticate(context.Background(), Request{ChargePointID: "CP-1", OCPPVersion: domain.V16, Header: header}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestAuthenticate_BasicAuthWithBCryptWrongPassword(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	secretHash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("generate bcrypt hash: %v", err)
	}
	putIdentity(t, store, domain.Identity{
		ChargePointID: "CP-1", Status: domain.IdentityActive, Kind: domain.AuthBasic,
		Username: "CP-1", SecretHash: string(secretHash), HashAlgorithm: domain.HashBCrypt,
	})
	v := NewVerifier(store, zap.NewNop(), nil, domain.AuthBasic, nil, nil)

	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("CP-1:wrong")))

	if _, err := v.Authenticate(context.Background(), Request{ChargePointID: "CP-1", OCPPVersion: domain.V16, Header: header}); err == nil {
		t.Fatalf("expected rejection for wrong password against a bcrypt hash")
	}
}

func TestAuthenticate_TokenAuthViaApiKeyHeader(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	tokenHash, _ := hashSecret(domain.HashSHA256, "tok-123", "salt-2")
	putIdentity(t, store, domain.Identity{
		ChargePointID: "CP-1", Status: domain.IdentityActive, Kind: domain.AuthToken,
		TokenHash: tokenHash, SecretSalt: "salt-2", HashAlgorithm: domain.HashSHA256,
	})
	v := NewVerifier(store, zap.NewNop(), nil, domain.AuthToken, nil, nil)

	header := http.Header{}
	header.Set("X-Api-Key", "tok-123")

	if _, err := v.Authenticate(context.Background(), Request{ChargePointID: "CP-1", OCPPVersion: domain.V16, Header: header}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestAuthenticate_JWTAuthSuccess(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	putIdentity(t, store, domain.Identity{
		ChargePointID: "CP-1", Status: domain.IdentityActive, Kind: domain.AuthJWT,
		JWTSecret: "jwt-secret",
	})
	v := NewVerifier(store, zap.NewNop(), nil, domain.AuthJWT, nil, nil)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "CP-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("jwt-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+signed)

	if _, err := v.Authenticate(context.Background(), Request{ChargePointID: "CP-1", OCPPVersion: domain.V201, Header: header}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestAuthenticate_JWTAuthRejectsWrongSecret(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	putIdentity(t, store, domain.Identity{
		ChargePointID: "CP-1", Status: domain.IdentityActive, Kind: domain.AuthJWT,
		JWTSecret: "jwt-secret",
	})
	v := NewVerifier(store, zap.NewNop(), nil, domain.AuthJWT, nil, nil)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "CP-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+signed)

	if _, err := v.Authenticate(context.Background(), Request{ChargePointID: "CP-1", OCPPVersion: domain.V201, Header: header}); err == nil {
		t.Fatalf("expected rejection for token signed with wrong secret")
	}
}

func TestAuthenticate_JWTAuthRejectsMismatchedSubject(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	putIdentity(t, store, domain.Identity{
		ChargePointID: "CP-1", Status: domain.IdentityActive, Kind: domain.AuthJWT,
		JWTSecret: "jwt-secret",
	})
	v := NewVerifier(store, zap.NewNop(), nil, domain.AuthJWT, nil, nil)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "CP-OTHER",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("jwt-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+signed)

	if _, err := v.Authenticate(context.Background(), Request{ChargePointID: "CP-1", OCPPVersion: domain.V201, Header: header}); err == nil {
		t.Fatalf("expected rejection for mismatched subject claim")
	}
}

func TestAuthenticate_IPAllowListRejectsOutsideCIDR(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	putIdentity(t, store, domain.Identity{
		ChargePointID: "CP-1", Status: domain.IdentityActive, Kind: "none",
		AllowedIPs: []string{"10.0.0.0/24"},
	})
	v := NewVerifier(store, zap.NewNop(), nil, "none", nil, nil)

	_, err := v.Authenticate(context.Background(), Request{
		ChargePointID: "CP-1", OCPPVersion: domain.V16, Header: http.Header{}, RemoteAddr: "192.168.1.5:5000",
	})
	if err == nil {
		t.Fatalf("expected rejection for IP outside allow-list")
	}

	id, err := v.Authenticate(context.Background(), Request{
		ChargePointID: "CP-1", OCPPVersion: domain.V16, Header: http.Header{}, RemoteAddr: "10.0.0.7:5000",
	})
	if err != nil {
		t.Fatalf("expected success for IP inside allow-list, got %v", err)
	}
	if id == nil {
		t.Fatalf("expected resolved identity")
	}
}

func TestAuthenticate_MTLSRejectsExpiredCertificate(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	now := time.Now()
	putIdentity(t, store, domain.Identity{
		ChargePointID: "CP-1", Status: domain.IdentityActive, Kind: domain.AuthMTLS,
		Certificates: []domain.CertificateBinding{
			{Fingerprint: "AABBCC", ValidFrom: now.Add(-48 * time.Hour), ValidTo: now.Add(-1 * time.Hour)},
		},
	})
	v := NewVerifier(store, zap.NewNop(), nil, domain.AuthMTLS, nil, nil)

	_, err := v.Authenticate(context.Background(), Request{
		ChargePointID: "CP-1", OCPPVersion: domain.V16, Header: http.Header{},
		PeerCertificate: &PeerCertificate{FingerprintSHA256: "AA:BB:CC"},
	})
	if err == nil {
		t.Fatalf("expected rejection for expired certificate")
	}
}

func TestAuthenticate_MTLSAcceptsMatchingUnexpiredBinding(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	now := time.Now()
	putIdentity(t, store, domain.Identity{
		ChargePointID: "CP-1", Status: domain.IdentityActive, Kind: domain.AuthMTLS,
		Certificates: []domain.CertificateBinding{
			{Fingerprint: "AABBCC", ValidFrom: now.Add(-time.Hour), ValidTo: now.Add(time.Hour)},
		},
	})
	v := NewVerifier(store, zap.NewNop(), nil, domain.AuthMTLS, nil, nil)

	_, err := v.Authenticate(context.Background(), Request{
		ChargePointID: "CP-1", OCPPVersion: domain.V16, Header: http.Header{},
		PeerCertificate: &PeerCertificate{FingerprintSHA256: "aa:bb:cc"},
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestAuthenticate_MTLSRejectsRevokedFingerprint(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	now := time.Now()
	putIdentity(t, store, domain.Identity{
		ChargePointID: "CP-1", Status: domain.IdentityActive, Kind: domain.AuthMTLS,
		Certificates: []domain.CertificateBinding{
			{Fingerprint: "AABBCC", ValidFrom: now.Add(-time.Hour), ValidTo: now.Add(time.Hour)},
		},
		RevokedFingerprints: map[string]bool{"AABBCC": true},
	})
	v := NewVerifier(store, zap.NewNop(), nil, domain.AuthMTLS, nil, nil)

	_, err := v.Authenticate(context.Background(), Request{
		ChargePointID: "CP-1", OCPPVersion: domain.V16, Header: http.Header{},
		PeerCertificate: &PeerCertificate{FingerprintSHA256: "AA:BB:CC"},
	})
	if err == nil {
		t.Fatalf("expected rejection for revoked fingerprint")
	}
}

func TestParseHostIP_NormalizesMappedAndBracketedForms(t *testing.T) {
	cases := map[string]string{
		"192.168.1.1:4000":  "192.168.1.1",
		"[::1]:4000":        "::1",
		"::ffff:10.0.0.5":   "10.0.0.5",
		"fe80::1%eth0":      "fe80::1",
	}
	for raw, want := range cases {
		got := parseHostIP(raw)
		if got == nil || got.String() != want {
			t.Errorf("parseHostIP(%q) = %v, want %s", raw, got, want)
		}
	}
}

func TestResolveClientIP_UsesForwardedForWhenTrusted(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	v := NewVerifier(store, zap.NewNop(), nil, "none", nil, nil)

	header := http.Header{}
	header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	ip, err := v.resolveClientIP(Request{RemoteAddr: "10.0.0.1:5000", Header: header, TrustedProxy: true})
	if err != nil {
		t.Fatalf("resolveClientIP: %v", err)
	}
	if ip.String() != "203.0.113.9" {
		t.Errorf("expected left-most X-Forwarded-For entry, got %v", ip)
	}
}
