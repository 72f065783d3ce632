// Package router adapts the three per-version OCPP message engines
// (internal/ocpp/v16, v201, v21) into the single connection.Engine the
// connection manager holds per listener. A charge point's OCPPVersion is
// fixed for the lifetime of its connection (negotiated at upgrade time via
// the WebSocket subprotocol, see gateway/connection.ServeHTTP), so routing
// is a one-time lookup keyed on Meta.OCPPVersion, not a per-message
// negotiation.
package router

import (
	"context"
	"fmt"

	"github.com/seu-repo/ocpp-gateway/internal/domain"
	"github.com/seu-repo/ocpp-gateway/internal/gateway/connection"
	"github.com/seu-repo/ocpp-gateway/internal/ocpp/envelope"
)

// VersionRouter implements connection.Engine by dispatching each frame to
// the engine registered for the connection's negotiated OCPP version.
type VersionRouter struct {
	engines map[domain.OCPPVersion]connection.Engine
}

// New builds a VersionRouter from the version -> engine table. Any engine
// implementing connection.Engine qualifies, so v16.Engine, v201.Engine and
// v21.Engine (a v201.Engine under the hood) all plug in unmodified.
func New(engines map[domain.OCPPVersion]connection.Engine) *VersionRouter {
	return &VersionRouter{engines: engines}
}

func (r *VersionRouter) engineFor(version domain.OCPPVersion) (connection.Engine, error) {
	e, ok := r.engines[version]
	if !ok {
		return nil, fmt.Errorf("router: no engine registered for OCPP version %q", version)
	}
	return e, nil
}

func (r *VersionRouter) HandleCall(ctx context.Context, meta connection.Meta, frame *envelope.Frame) ([]byte, error) {
	e, err := r.engineFor(meta.OCPPVersion)
	if err != nil {
		return envelope.EmitCallError(frame.UniqueID, "InternalError", err.Error(), nil)
	}
	return e.HandleCall(ctx, meta, frame)
}

func (r *VersionRouter) HandleCallResult(ctx context.Context, meta connection.Meta, frame *envelope.Frame) {
	e, err := r.engineFor(meta.OCPPVersion)
	if err != nil {
		return
	}
	e.HandleCallResult(ctx, meta, frame)
}

func (r *VersionRouter) HandleCallError(ctx context.Context, meta connection.Meta, frame *envelope.Frame) {
	e, err := r.engineFor(meta.OCPPVersion)
	if err != nil {
		return
	}
	e.HandleCallError(ctx, meta, frame)
}
