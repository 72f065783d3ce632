// Package identity implements charger authentication (§4.F): identity
// lookup, protocol/IP allow-list enforcement, and basic/token/JWT/mTLS
// credential verification. Every failure path logs through an optional
// shouldLog hook; without one, every failure is logged. Grounded on the
// teacher's v201 security.go (constant-time secret comparison,
// Authorization header parsing) generalized across all four auth kinds
// and both IP families.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/scrypt"

	"github.com/seu-repo/ocpp-gateway/internal/domain"
	"github.com/seu-repo/ocpp-gateway/internal/ports"
)

// DenyReason enumerates the "unauthenticated" causes (§4.F step list).
// Every one maps to the same wire outcome; the reason exists for metrics
// and flood-controlled logging only.
type DenyReason string

const (
	DenyNotFound         DenyReason = "identity_not_found"
	DenyDisabled         DenyReason = "identity_disabled"
	DenyProtocol         DenyReason = "protocol_not_allowed"
	DenyIP               DenyReason = "ip_not_allowed"
	DenyAuthModeNotAllowed DenyReason = "auth_mode_not_allowed"
	DenyMissingCredential  DenyReason = "missing_credential"
	DenyBadCredential      DenyReason = "bad_credential"
	DenyNoTLS              DenyReason = "mtls_required"
	DenyCertExpired        DenyReason = "certificate_not_valid_now"
	DenyCertRevoked        DenyReason = "certificate_revoked"
	DenyCertNoMatch        DenyReason = "certificate_no_matching_binding"
)

// Error is returned by Authenticate on any rejection.
type Error struct {
	Reason DenyReason
}

func (e *Error) Error() string { return "unauthenticated: " + string(e.Reason) }

// Request is the subset of the incoming upgrade request identity needs.
type Request struct {
	ChargePointID     string
	OCPPVersion       domain.OCPPVersion
	RemoteAddr        string // socket peer, "ip:port" or bracketed IPv6
	Header            http.Header
	TrustedProxy      bool
	PeerCertificate   *PeerCertificate
}

// PeerCertificate is the normalized shape of a verified client certificate,
// populated by the HTTP layer's TLS handshake when present.
type PeerCertificate struct {
	FingerprintSHA256 string // hex digest, with or without colons, any case (see normalizeFingerprint)
	Subject           string
	SubjectAltNames   []string
	SerialNumber      string
}

func normalizeFingerprint(raw string) string {
	return strings.ToUpper(strings.ReplaceAll(raw, ":", ""))
}

// Verifier resolves identities and verifies credentials.
type Verifier struct {
	kv             ports.KVStore
	log            *zap.Logger
	clock          ports.Clock
	defaultAuth    domain.AuthKind
	globalIPAllow  []string
	shouldLog      func(ctx context.Context, source string) bool
}

func NewVerifier(kv ports.KVStore, log *zap.Logger, clock ports.Clock, defaultAuth domain.AuthKind, globalIPAllow []string, shouldLog func(ctx context.Context, source string) bool) *Verifier {
	if clock == nil {
		clock = ports.RealClock
	}
	if shouldLog == nil {
		shouldLog = func(context.Context, string) bool { return true }
	}
	return &Verifier{kv: kv, log: log, clock: clock, defaultAuth: defaultAuth, globalIPAllow: globalIPAllow, shouldLog: shouldLog}
}

func identityKey(chargePointID string) string { return "identities:" + chargePointID }

// LookupIdentity fetches and decodes an identity record.
func (v *Verifier) LookupIdentity(ctx context.Context, chargePointID string) (*domain.Identity, bool, error) {
	raw, ok, err := v.kv.Get(ctx, identityKey(chargePointID))
	if err != nil || !ok {
		return nil, false, err
	}
	var id domain.Identity
	if err := json.Unmarshal([]byte(raw), &id); err != nil {
		return nil, false, fmt.Errorf("identity %s: decode: %w", chargePointID, err)
	}
	return &id, true, nil
}

// Authenticate runs the ordered verification steps of §4.F and returns the
// resolved identity on success.
func (v *Verifier) Authenticate(ctx context.Context, req Request) (*domain.Identity, error) {
	id, ok, err := v.LookupIdentity(ctx, req.ChargePointID)
	if err != nil {
		return nil, err
	}
	if !ok || id.Status != domain.IdentityActive {
		reason := DenyNotFound
		if ok {
			reason = DenyDisabled
		}
		return nil, v.deny(ctx, req, reason)
	}

	if !id.AllowsProtocol(req.OCPPVersion) {
		return nil, v.deny(ctx, req, DenyProtocol)
	}

	clientIP, err := v.resolveClientIP(req)
	if err != nil || !ipAllowed(clientIP, v.globalIPAllow) || !ipAllowed(clientIP, id.AllowedIPs) {
		return nil, v.deny(ctx, req, DenyIP)
	}

	mode := v.defaultAuth
	if id.Kind != "" {
		mode = id.Kind
	}
	if !id.AllowsAuthKind(mode) {
		return nil, v.deny(ctx, req, DenyAuthModeNotAllowed)
	}

	switch mode {
	case domain.AuthBasic:
		if err := v.verifyBasic(req, id); err != nil {
			return nil, v.deny(ctx, req, DenyBadCredential)
		}
	case domain.AuthToken:
		if err := v.verifyToken(req, id); err != nil {
			return nil, v.deny(ctx, req, DenyBadCredential)
		}
	case domain.AuthJWT:
		if err := v.verifyJWT(req, id); err != nil {
			return nil, v.deny(ctx, req, DenyBadCredential)
		}
	case domain.AuthMTLS:
		if reason := v.verifyMTLS(ctx, req, id); reason != "" {
			return nil, v.deny(ctx, req, reason)
		}
	default:
		// "none": no credential check beyond identity/protocol/IP.
	}

	return id, nil
}

func (v *Verifier) deny(ctx context.Context, req Request, reason DenyReason) error {
	source := req.RemoteAddr
	if source == "" {
		source = req.ChargePointID
	}
	if v.shouldLog(ctx, source) && v.log != nil {
		v.log.Warn("charger authentication rejected",
			zap.String("charge_point_id", req.ChargePointID),
			zap.String("reason", string(reason)),
			zap.String("source", source))
	}
	return &Error{Reason: reason}
}

func hashSecret(algorithm domain.HashAlgorithm, secret, salt string) (string, error) {
	switch algorithm {
	case domain.HashSCrypt:
		derived, err := scrypt.Key([]byte(secret), []byte(salt), 1<<15, 8, 1, 32)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(derived), nil
	default: // sha256
		mac := hmac.New(sha256.New, []byte(salt))
		mac.Write([]byte(secret))
		return hex.EncodeToString(mac.Sum(nil)), nil
	}
}

func constantTimeHexEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(a)), []byte(strings.ToLower(b))) == 1
}

// checkSecret verifies a presented secret against its stored form. bcrypt
// carries its own salt inside the hash and has its own constant-time
// comparison, so it bypasses hashSecret/constantTimeHexEqual entirely;
// sha256 and scrypt go through the salted-hash-then-compare path.
func checkSecret(algorithm domain.HashAlgorithm, presented, salt, stored string) (bool, error) {
	if algorithm == domain.HashBCrypt {
		err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented))
		return err == nil, nil
	}
	computed, err := hashSecret(algorithm, presented, salt)
	if err != nil {
		return false, err
	}
	return constantTimeHexEqual(computed, stored), nil
}

func (v *Verifier) verifyBasic(req Request, id *domain.Identity) error {
	authz := req.Header.Get("Authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(authz, prefix) {
		return &Error{Reason: DenyMissingCredential}
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authz, prefix))
	if err != nil {
		return &Error{Reason: DenyBadCredential}
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return &Error{Reason: DenyBadCredential}
	}
	username, password := parts[0], parts[1]

	wantUsername := id.Username
	if wantUsername == "" {
		wantUsername = id.ChargePointID
	}
	if username != wantUsername {
		return &Error{Reason: DenyBadCredential}
	}

	ok, err := checkSecret(id.HashAlgorithm, password, id.SecretSalt, id.SecretHash)
	if err != nil {
		return err
	}
	if !ok {
		return &Error{Reason: DenyBadCredential}
	}
	return nil
}

func (v *Verifier) verifyToken(req Request, id *domain.Identity) error {
	token := ""
	if authz := req.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		token = strings.TrimPrefix(authz, "Bearer ")
	} else if apiKey := req.Header.Get("X-Api-Key"); apiKey != "" {
		token = apiKey
	}
	if token == "" {
		return &Error{Reason: DenyMissingCredential}
	}

	ok, err := checkSecret(id.HashAlgorithm, token, id.SecretSalt, id.TokenHash)
	if err != nil {
		return err
	}
	if !ok {
		return &Error{Reason: DenyBadCredential}
	}
	return nil
}

// verifyJWT validates a bearer JWT for charge points provisioned with
// AuthJWT: an HMAC signature (HS256, HS384 or HS512) against the
// identity's own secret, an "exp" claim that, when present, has not
// passed, and a "sub" claim matching the connecting charge point id. Grounded
// on the teacher's JWTService.ValidateToken (HMAC method check, no
// algorithm confusion), narrowed to verification only — the gateway never
// issues these tokens, the CPMS does.
func (v *Verifier) verifyJWT(req Request, id *domain.Identity) error {
	authz := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return &Error{Reason: DenyMissingCredential}
	}
	tokenString := strings.TrimPrefix(authz, prefix)
	if tokenString == "" || id.JWTSecret == "" {
		return &Error{Reason: DenyMissingCredential}
	}

	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
		return []byte(id.JWTSecret), nil
	})
	if err != nil {
		return &Error{Reason: DenyBadCredential}
	}
	if claims.Subject != id.ChargePointID {
		return &Error{Reason: DenyBadCredential}
	}
	return nil
}

func (v *Verifier) verifyMTLS(ctx context.Context, req Request, id *domain.Identity) DenyReason {
	if req.PeerCertificate == nil {
		return DenyNoTLS
	}
	cert := req.PeerCertificate
	fingerprint := normalizeFingerprint(cert.FingerprintSHA256)

	if id.RevokedFingerprints[fingerprint] {
		return DenyCertRevoked
	}
	revoked, _, err := v.kv.Get(ctx, "revoked-certs:"+fingerprint)
	if err == nil && revoked != "" {
		return DenyCertRevoked
	}

	now := v.clock.Now()
	for _, binding := range id.Certificates {
		if binding.Revoked || !binding.ValidAt(now) {
			continue
		}
		if normalizeFingerprint(binding.Fingerprint) == fingerprint ||
			binding.Subject == cert.Subject ||
			binding.SerialNumber == cert.SerialNumber ||
			sliceIntersects(binding.SubjectAltName, cert.SubjectAltNames) {
			return ""
		}
	}
	return DenyCertNoMatch
}

func sliceIntersects(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if set[v] {
			return true
		}
	}
	return false
}

// resolveClientIP applies §4.F's trusted-proxy / X-Forwarded-For / RFC
// 7239 Forwarded header logic, falling back to the socket peer.
func (v *Verifier) resolveClientIP(req Request) (net.IP, error) {
	if req.TrustedProxy {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if ip := parseHostIP(first); ip != nil {
				return ip, nil
			}
		}
		if fwd := req.Header.Get("Forwarded"); fwd != "" {
			if ip := parseForwardedFor(fwd); ip != nil {
				return ip, nil
			}
		}
	}
	return parseHostIP(req.RemoteAddr), nil
}

func parseForwardedFor(header string) net.IP {
	for _, directive := range strings.Split(header, ";") {
		directive = strings.TrimSpace(directive)
		if !strings.HasPrefix(strings.ToLower(directive), "for=") {
			continue
		}
		value := strings.TrimPrefix(directive, "for=")
		value = strings.Trim(value, `"`)
		if ip := parseHostIP(strings.Split(value, ",")[0]); ip != nil {
			return ip
		}
	}
	return nil
}

// parseHostIP normalizes IPv4-mapped IPv6, zone identifiers, bracketed
// form, and a trailing port, per §4.F.
func parseHostIP(raw string) net.IP {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	} else {
		raw = strings.TrimPrefix(raw, "[")
		raw = strings.TrimSuffix(raw, "]")
	}

	if idx := strings.Index(raw, "%"); idx >= 0 {
		raw = raw[:idx]
	}

	ip := net.ParseIP(raw)
	if ip == nil {
		return nil
	}
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

// ipAllowed reports whether ip satisfies allowList (verbatim IPs or
// CIDRs); an empty allowList allows everything.
func ipAllowed(ip net.IP, allowList []string) bool {
	if len(allowList) == 0 {
		return true
	}
	if ip == nil {
		return false
	}
	for _, entry := range allowList {
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err == nil && network.Contains(ip) {
				return true
			}
			continue
		}
		if candidate := parseHostIP(entry); candidate != nil && candidate.Equal(ip) {
			return true
		}
	}
	return false
}
