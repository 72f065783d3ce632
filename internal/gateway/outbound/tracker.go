// Package outbound implements the pending-request tracker of §4.I: a
// gateway-initiated CALL is registered under its messageId and resolved
// exactly once, either by a matching CALLRESULT/CALLERROR or by its own
// timer, with guaranteed cancellation of that timer on every exit path.
package outbound

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/domain"
	"github.com/seu-repo/ocpp-gateway/internal/ocpp/schema"
)

// Outcome is what a pending request resolves to.
type Outcome struct {
	TimedOut         bool
	IsError          bool
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     map[string]interface{}
	Payload          []byte
}

// ResponseValidationFailedCode is the synthetic error code surfaced when a
// CALLRESULT payload fails the response schema (§4.I).
const ResponseValidationFailedCode = "ResponseValidationFailed"

type pending struct {
	action         string
	version        domain.OCPPVersion
	auditCommandID string
	timer          *time.Timer
	resultCh       chan Outcome
	once           sync.Once
}

func (p *pending) resolve(o Outcome) {
	p.once.Do(func() {
		p.timer.Stop()
		p.resultCh <- o
		close(p.resultCh)
	})
}

// Tracker registers pending outbound requests and resolves them.
type Tracker struct {
	mu       sync.Mutex
	pendings map[string]*pending
	schemas  *schema.Registry
	log      *zap.Logger
}

func NewTracker(schemas *schema.Registry, log *zap.Logger) *Tracker {
	return &Tracker{pendings: make(map[string]*pending), schemas: schemas, log: log}
}

// Register records a new pending request and starts its timeout timer.
// Await on the returned channel (or call Wait) to get the outcome.
func (t *Tracker) Register(ctx context.Context, messageID, action string, version domain.OCPPVersion, auditCommandID string, timeout time.Duration) <-chan Outcome {
	p := &pending{
		action:         action,
		version:        version,
		auditCommandID: auditCommandID,
		resultCh:       make(chan Outcome, 1),
	}

	t.mu.Lock()
	t.pendings[messageID] = p
	t.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		t.mu.Lock()
		delete(t.pendings, messageID)
		t.mu.Unlock()
		p.resolve(Outcome{TimedOut: true})
	})

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		_, stillPending := t.pendings[messageID]
		delete(t.pendings, messageID)
		t.mu.Unlock()
		if stillPending {
			p.resolve(Outcome{TimedOut: true})
		}
	}()

	return p.resultCh
}

// Wait blocks on ch until resolution or ctx cancellation (the latter is
// also wired into Register's own ctx, so this is a convenience overlay for
// callers awaiting an extra, narrower deadline).
func (t *Tracker) Wait(ctx context.Context, ch <-chan Outcome) Outcome {
	select {
	case o := <-ch:
		return o
	case <-ctx.Done():
		return Outcome{TimedOut: true}
	}
}

// HandleCallResult resolves messageID's pending request with a successful
// reply, after validating it against the response schema for (version,
// action). Unknown or already-resolved messageId is silently dropped, per
// §4.I.
func (t *Tracker) HandleCallResult(messageID string, payload []byte) {
	t.mu.Lock()
	p, ok := t.pendings[messageID]
	if ok {
		delete(t.pendings, messageID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	if t.schemas != nil && t.schemas.HasResponseSchema(p.version, p.action) {
		result := t.schemas.ValidateResponse(p.version, p.action, payload)
		if !result.Valid {
			p.resolve(Outcome{
				IsError:          true,
				ErrorCode:        ResponseValidationFailedCode,
				ErrorDescription: "response payload failed schema validation",
				ErrorDetails:     map[string]interface{}{"errors": result.Errors},
			})
			return
		}
	}

	p.resolve(Outcome{Payload: payload})
}

// HandleCallError resolves messageID's pending request with a CALLERROR.
// Unknown or already-resolved messageId is silently dropped.
func (t *Tracker) HandleCallError(messageID, errorCode, errorDescription string, errorDetails map[string]interface{}) {
	t.mu.Lock()
	p, ok := t.pendings[messageID]
	if ok {
		delete(t.pendings, messageID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	p.resolve(Outcome{IsError: true, ErrorCode: errorCode, ErrorDescription: errorDescription, ErrorDetails: errorDetails})
}

// Cancel abandons messageID without resolving it through a reply path,
// e.g. when the owning connection is torn down. The timer is still
// stopped, satisfying the "cancellation on all exit paths" rule.
func (t *Tracker) Cancel(messageID string) {
	t.mu.Lock()
	p, ok := t.pendings[messageID]
	if ok {
		delete(t.pendings, messageID)
	}
	t.mu.Unlock()
	if ok {
		p.resolve(Outcome{TimedOut: true})
	}
}
