// Package v21 implements the OCPP 2.1 message engine. 2.1 is a schema
// superset of 2.0.1 over the action set this gateway handles (§4.C), so
// this package reuses v201's engine logic wholesale, tagged under
// domain.V21 for schema lookup and validation.
package v21

import (
	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/domain"
	"github.com/seu-repo/ocpp-gateway/internal/ocpp/schema"
	"github.com/seu-repo/ocpp-gateway/internal/ocpp/v201"
	"github.com/seu-repo/ocpp-gateway/internal/ports"
)

// Engine implements connection.Engine for OCPP 2.1.
type Engine = v201.Engine

func NewEngine(schemas *schema.Registry, results v201.ResultResolver, strict bool, bus ports.EventBus, log *zap.Logger) *Engine {
	return v201.NewEngineForVersion(schemas, results, domain.V21, strict, bus, log)
}
