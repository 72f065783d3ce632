// Package connection implements the WebSocket connection manager and
// gateway loop of §4.H: upgrade negotiation, per-connection receive loop,
// and the glue around it (response cache, rate limiting, session
// ownership). Grounded on the teacher's gorilla/websocket upgrade-and-loop
// pattern (internal/adapter/ocpp/v16/server.go, v201/server.go), now
// generalized across all three protocol versions behind one handler
// instead of one handler per version.
package connection

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/domain"
	"github.com/seu-repo/ocpp-gateway/internal/gateway/cache"
	"github.com/seu-repo/ocpp-gateway/internal/gateway/identity"
	"github.com/seu-repo/ocpp-gateway/internal/gateway/ratelimit"
	"github.com/seu-repo/ocpp-gateway/internal/gateway/session"
	"github.com/seu-repo/ocpp-gateway/internal/ocpp/envelope"
	"github.com/seu-repo/ocpp-gateway/internal/ocpp/state"
)

// Close codes from §6.
const (
	CloseInvalidPathOrUnauthorized = 1008
	ClosePayloadTooLarge           = 1009
	CloseSessionTransferred        = 1012
	CloseAlreadyConnectedOrBackpressure = 1013
)

var chargePointIDPattern = regexp.MustCompile(`^[\w-]{3,}$`)

var suspiciousPathFragments = []string{
	".env", "/etc/passwd", "admin", "login", "wp-admin", "phpmyadmin", "xmlrpc", "select", "from", "..",
}

func isSuspiciousPath(path string) bool {
	lower := strings.ToLower(path)
	for _, frag := range suspiciousPathFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

func subprotocolsFor(version domain.OCPPVersion) []string {
	switch version {
	case domain.V16:
		return []string{"ocpp1.6", "ocpp1.6j"}
	case domain.V201:
		return []string{"ocpp2.0.1"}
	case domain.V21:
		return []string{"ocpp2.1"}
	default:
		return nil
	}
}

// Engine processes one inbound CALL and returns the reply frame bytes to
// write back (a CALLRESULT or CALLERROR), or an error if nothing should be
// written (malformed envelope). Implemented by the per-version message
// engine (§4.A-D), wired in cmd/gateway.
type Engine interface {
	HandleCall(ctx context.Context, meta Meta, frame *envelope.Frame) ([]byte, error)
	HandleCallResult(ctx context.Context, meta Meta, frame *envelope.Frame)
	HandleCallError(ctx context.Context, meta Meta, frame *envelope.Frame)
}

// TakeoverNotifier tells a charge point's previous owner node to close its
// local socket, implemented by *sessioncontrol.Publisher. Declared here
// rather than imported to keep this package's dependency surface limited
// to what ServeHTTP actually calls.
type TakeoverNotifier interface {
	Publish(chargePointID, previousOwnerNodeID string, newEpoch int64, newOwnerNodeID string) error
}

// Meta is the in-process per-socket metadata of §3.
type Meta struct {
	ConnectionID  string
	ChargePointID string
	OCPPVersion   domain.OCPPVersion
	StationID     string
	TenantID      string
	SessionEpoch  int64
	IP            string
}

type registeredConn struct {
	conn       *websocket.Conn
	meta       Meta
	writeMu    sync.Mutex
	pending    chan []byte
	cancel     context.CancelFunc
}

// Manager accepts upgrades, authenticates, claims ownership, and runs each
// connection's receive loop.
type Manager struct {
	log              *zap.Logger
	verifier         *identity.Verifier
	sessions         *session.Directory
	responseCache    *cache.ResponseCache
	limiter          *ratelimit.Limiter
	engine           Engine
	maxPayloadBytes  int
	pendingLimit     int
	upgrader         websocket.Upgrader
	nodeID           string
	notifier         TakeoverNotifier

	mu    sync.Mutex
	conns map[string]*registeredConn // chargePointId -> connection
}

func NewManager(log *zap.Logger, verifier *identity.Verifier, sessions *session.Directory, responseCache *cache.ResponseCache, limiter *ratelimit.Limiter, engine Engine, nodeID string, maxPayloadBytes, pendingLimit int) *Manager {
	return &Manager{
		log: log, verifier: verifier, sessions: sessions, responseCache: responseCache,
		limiter: limiter, engine: engine, nodeID: nodeID,
		maxPayloadBytes: maxPayloadBytes, pendingLimit: pendingLimit,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		conns:    make(map[string]*registeredConn),
	}
}

// SetTakeoverNotifier wires the cross-node ForceDisconnect publisher
// (§4.L). Left unset, a TAKEOVER claim on this node simply does not notify
// the previous owner node, which will find out on its own once the stale
// socket's next write fails.
func (m *Manager) SetTakeoverNotifier(notifier TakeoverNotifier) {
	m.notifier = notifier
}

var pathPattern = regexp.MustCompile(`^/ocpp/([^/]+)/([^/]+)$`)

// ServeHTTP implements the §4.H upgrade handler.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	matches := pathPattern.FindStringSubmatch(r.URL.Path)
	if matches == nil || isSuspiciousPath(r.URL.Path) {
		m.logSuspicious(r)
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	version, ok := domain.NormalizeVersion(matches[1])
	if !ok {
		http.Error(w, "unsupported version", http.StatusBadRequest)
		return
	}
	chargePointID := matches[2]
	if !chargePointIDPattern.MatchString(chargePointID) {
		http.Error(w, "invalid charge point id", http.StatusBadRequest)
		return
	}

	accepted := m.negotiateSubprotocol(r, version)
	if accepted == "" {
		http.Error(w, "missing or unsupported subprotocol", http.StatusBadRequest)
		return
	}
	// Upgrader is copied per request (not mutated on the shared Manager
	// field) since concurrent upgrades negotiate different subprotocols.
	upgrader := m.upgrader
	upgrader.Subprotocols = []string{accepted}

	var peerCert *identity.PeerCertificate
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		peerCert = extractPeerCertificate(r.TLS.PeerCertificates[0])
	}

	authReq := identity.Request{
		ChargePointID: chargePointID,
		OCPPVersion:   version,
		RemoteAddr:    r.RemoteAddr,
		Header:        r.Header,
		PeerCertificate: peerCert,
	}
	id, err := m.verifier.Authenticate(r.Context(), authReq)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	claim, err := m.sessions.Claim(r.Context(), chargePointID, m.nodeID, version, id.StationID, id.TenantID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if claim.Outcome == domain.SessionDenied {
		http.Error(w, "already connected", http.StatusConflict)
		return
	}
	if claim.Outcome == domain.SessionTakeover && claim.PreviousOwnerNode != "" && claim.PreviousOwnerNode != m.nodeID && m.notifier != nil {
		if err := m.notifier.Publish(chargePointID, claim.PreviousOwnerNode, claim.Epoch, m.nodeID); err != nil && m.log != nil {
			m.log.Warn("failed to notify previous owner of session takeover",
				zap.String("charge_point_id", chargePointID), zap.String("previous_owner", claim.PreviousOwnerNode), zap.Error(err))
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if m.log != nil {
			m.log.Warn("websocket upgrade failed", zap.String("charge_point_id", chargePointID), zap.Error(err))
		}
		return
	}

	meta := Meta{
		ConnectionID:  chargePointID + "#" + accepted,
		ChargePointID: chargePointID,
		OCPPVersion:   version,
		StationID:     id.StationID,
		TenantID:      id.TenantID,
		SessionEpoch:  claim.Epoch,
		IP:            authReq.RemoteAddr,
	}

	ctx, cancel := context.WithCancel(context.Background())
	rc := &registeredConn{conn: conn, meta: meta, pending: make(chan []byte, m.pendingLimit), cancel: cancel}

	m.mu.Lock()
	m.conns[chargePointID] = rc
	m.mu.Unlock()

	m.runLoop(ctx, rc)
}

func (m *Manager) negotiateSubprotocol(r *http.Request, version domain.OCPPVersion) string {
	offered := websocket.Subprotocols(r)
	if len(offered) == 0 {
		return ""
	}
	accepted := subprotocolsFor(version)
	for _, want := range accepted {
		for _, have := range offered {
			if strings.EqualFold(want, have) {
				return want
			}
		}
	}
	return ""
}

func (m *Manager) logSuspicious(r *http.Request) {
	if m.limiter == nil || !m.limiter.ShouldLog(r.Context(), r.RemoteAddr) {
		return
	}
	if m.log != nil {
		m.log.Warn("rejected suspicious upgrade path", zap.String("path", r.URL.Path), zap.String("remote_addr", r.RemoteAddr))
	}
}

func (m *Manager) runLoop(ctx context.Context, rc *registeredConn) {
	defer m.teardown(ctx, rc)

	for {
		_, raw, err := rc.conn.ReadMessage()
		if err != nil {
			return
		}
		if m.maxPayloadBytes > 0 && len(raw) > m.maxPayloadBytes {
			m.closeWith(rc, ClosePayloadTooLarge, "payload too large")
			return
		}

		if ok, err := m.sessions.Refresh(ctx, rc.meta.ChargePointID, m.nodeID); err != nil || !ok {
			return
		}

		m.handleFrame(ctx, rc, raw)
	}
}

func (m *Manager) handleFrame(ctx context.Context, rc *registeredConn, raw []byte) {
	frame, err := envelope.Parse(raw)
	if err != nil {
		if frame != nil && frame.Type == envelope.Call && frame.UniqueID != "" {
			reply, emitErr := envelope.EmitCallError(frame.UniqueID, state.FormatViolationCode(rc.meta.OCPPVersion == domain.V16), "malformed CALL", nil)
			if emitErr == nil {
				m.writeFrame(rc, reply)
			}
			if m.log != nil {
				m.log.Debug("replied CALLERROR to malformed CALL", zap.String("charge_point_id", rc.meta.ChargePointID), zap.Error(err))
			}
			return
		}
		if m.log != nil {
			m.log.Debug("dropping malformed frame", zap.String("charge_point_id", rc.meta.ChargePointID), zap.Error(err))
		}
		return
	}

	switch frame.Type {
	case envelope.CallResult:
		m.engine.HandleCallResult(ctx, rc.meta, frame)
		return
	case envelope.CallError:
		m.engine.HandleCallError(ctx, rc.meta, frame)
		return
	}

	if cached, hit := m.responseCache.Get(ctx, rc.meta.ChargePointID, frame.UniqueID); hit {
		m.writeFrame(rc, cached)
		return
	}

	if m.limiter != nil {
		if violation, err := m.limiter.Allow(ctx, rc.meta.ChargePointID, frame.Action); err == nil && violation != nil {
			reply, emitErr := envelope.EmitCallError(frame.UniqueID, "OccurrenceConstraintViolation", violation.Description(), map[string]interface{}{
				"scope": violation.Scope, "limit": violation.Limit, "action": violation.Action, "windowSeconds": violation.WindowSeconds,
			})
			if emitErr == nil {
				m.writeFrame(rc, reply)
				m.responseCache.Put(ctx, rc.meta.ChargePointID, frame.UniqueID, reply)
			}
			return
		}
	}

	reply, err := m.engine.HandleCall(ctx, rc.meta, frame)
	if err != nil || reply == nil {
		return
	}
	m.writeFrame(rc, reply)
	m.responseCache.Put(ctx, rc.meta.ChargePointID, frame.UniqueID, reply)
}

func (m *Manager) writeFrame(rc *registeredConn, payload []byte) {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	if err := rc.conn.WriteMessage(websocket.TextMessage, payload); err != nil && m.log != nil {
		m.log.Warn("failed to write frame", zap.String("charge_point_id", rc.meta.ChargePointID), zap.Error(err))
	}
}

func (m *Manager) closeWith(rc *registeredConn, code int, reason string) {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = rc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (m *Manager) teardown(ctx context.Context, rc *registeredConn) {
	rc.cancel()
	m.mu.Lock()
	if current, ok := m.conns[rc.meta.ChargePointID]; ok && current == rc {
		delete(m.conns, rc.meta.ChargePointID)
	}
	m.mu.Unlock()
	_ = m.sessions.Release(context.Background(), rc.meta.ChargePointID, m.nodeID)
	_ = rc.conn.Close()
}

// SendCall implements command.Sender: it writes a CALL frame to
// chargePointID's active socket, if any.
func (m *Manager) SendCall(ctx context.Context, chargePointID string, frame []byte) error {
	m.mu.Lock()
	rc, ok := m.conns[chargePointID]
	m.mu.Unlock()
	if !ok {
		return errChargePointOffline
	}
	m.writeFrame(rc, frame)
	return nil
}

// ResolveVersion implements command.LocalResolver.
func (m *Manager) ResolveVersion(chargePointID string) (domain.OCPPVersion, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.conns[chargePointID]
	if !ok {
		return "", false
	}
	return rc.meta.OCPPVersion, true
}

// ActiveConnections returns a snapshot of this node's currently connected
// charge points, for the admin/sessions endpoint.
func (m *Manager) ActiveConnections() []Meta {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Meta, 0, len(m.conns))
	for _, rc := range m.conns {
		out = append(out, rc.meta)
	}
	return out
}

// ForceClose implements sessioncontrol.Closer: it closes the local socket
// for chargePointID if it is still connected and its epoch is strictly
// behind newEpoch (the echo guard of §4.L).
func (m *Manager) ForceClose(chargePointID string, newEpoch int64, code int, reason string) bool {
	m.mu.Lock()
	rc, ok := m.conns[chargePointID]
	m.mu.Unlock()
	if !ok || rc.meta.SessionEpoch >= newEpoch {
		return false
	}
	m.closeWith(rc, code, reason)
	rc.cancel()
	return true
}
