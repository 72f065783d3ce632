// Package v201 implements the OCPP 2.0.1 message engine (§4.C). Grounded
// on the teacher's old internal/adapter/ocpp/v201/handlers.go
// (handleAction's action switch and payload shapes), generalized from a
// DeviceService/TransactionService pair of GORM-backed repositories onto
// the in-memory per-charger state.Store of §4.D and the monotone-seqNo
// TransactionEvent rules of §4.D, with requests validated against
// schema.Registry instead of being trusted at face value.
package v201

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/domain"
	"github.com/seu-repo/ocpp-gateway/internal/events"
	"github.com/seu-repo/ocpp-gateway/internal/gateway/connection"
	"github.com/seu-repo/ocpp-gateway/internal/ocpp/envelope"
	"github.com/seu-repo/ocpp-gateway/internal/ocpp/schema"
	"github.com/seu-repo/ocpp-gateway/internal/ocpp/state"
	"github.com/seu-repo/ocpp-gateway/internal/ports"
)

// notificationEventTypes maps the security/firmware/log notification
// actions (§4.C) onto the event type emitted to ocpp.station.events. Each
// replies with an empty object once the event is published.
var notificationEventTypes = map[string]string{
	"SecurityEventNotification":  "SecurityEventNotified",
	"FirmwareStatusNotification": "FirmwareStatusChanged",
	"LogStatusNotification":      "LogStatusChanged",
	"NotifyReport":               "ReportNotified",
}

// ResultResolver receives CALLRESULT/CALLERROR frames the gateway is the
// recipient of (implemented by outbound.Tracker).
type ResultResolver interface {
	HandleCallResult(messageID string, payload []byte)
	HandleCallError(messageID, errorCode, errorDescription string, errorDetails map[string]interface{})
}

// Engine implements connection.Engine for OCPP 2.0.1. version is
// overridable (v21 embeds this engine tagged with domain.V21, since 2.1
// is a schema superset of 2.0.1 over the same action set used here).
type Engine struct {
	schemas *schema.Registry
	results ResultResolver
	version domain.OCPPVersion
	strict  bool
	log     *zap.Logger
	bus     ports.EventBus

	mu     sync.Mutex
	stores map[string]*state.Store
}

func NewEngine(schemas *schema.Registry, results ResultResolver, strict bool, bus ports.EventBus, log *zap.Logger) *Engine {
	return NewEngineForVersion(schemas, results, domain.V201, strict, bus, log)
}

// NewEngineForVersion lets v21 reuse this engine's logic under its own
// version tag for schema lookups.
func NewEngineForVersion(schemas *schema.Registry, results ResultResolver, version domain.OCPPVersion, strict bool, bus ports.EventBus, log *zap.Logger) *Engine {
	return &Engine{schemas: schemas, results: results, version: version, strict: strict, bus: bus, log: log, stores: make(map[string]*state.Store)}
}

func (e *Engine) eventMeta(meta connection.Meta) events.Meta {
	return events.Meta{StationID: meta.StationID, TenantID: meta.TenantID, ChargePointID: meta.ChargePointID, OCPPVersion: meta.OCPPVersion}
}

func (e *Engine) emit(topic, eventType string, meta connection.Meta, connectorID *int, payload interface{}) {
	if e.bus == nil {
		return
	}
	env := events.New(eventType, e.eventMeta(meta), connectorID, payload)
	if err := events.Publish(e.bus, topic, env); err != nil && e.log != nil {
		e.log.Warn("v201: failed to publish event", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (e *Engine) storeFor(chargePointID string) *state.Store {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.stores[chargePointID]
	if !ok {
		s = state.NewStore(chargePointID, e.strict)
		e.stores[chargePointID] = s
	}
	return s
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }

func (e *Engine) HandleCall(ctx context.Context, meta connection.Meta, frame *envelope.Frame) ([]byte, error) {
	if e.schemas != nil && e.schemas.HasRequestSchema(e.version, frame.Action) {
		if result := e.schemas.ValidateRequest(e.version, frame.Action, frame.Payload); !result.Valid {
			return envelope.EmitCallError(frame.UniqueID, state.FormatViolationCode(false), "request failed schema validation", map[string]interface{}{"errors": result.Errors})
		}
	}

	store := e.storeFor(meta.ChargePointID)

	switch frame.Action {
	case "BootNotification":
		return e.handleBootNotification(store, frame)
	case "Heartbeat":
		return e.handleHeartbeat(store, frame)
	case "StatusNotification":
		return e.handleStatusNotification(store, meta, frame)
	case "TransactionEvent":
		return e.handleTransactionEvent(store, frame)
	case "MeterValues":
		return e.handleMeterValues(store, frame)
	case "Authorize":
		return e.handleAuthorize(frame)
	case "DataTransfer":
		return e.handleDataTransfer(meta, frame)
	default:
		if eventType, ok := notificationEventTypes[frame.Action]; ok {
			return e.handleNotification(meta, eventType, frame)
		}
		if e.log != nil {
			e.log.Warn("v201: unsupported action", zap.String("charge_point_id", meta.ChargePointID), zap.String("action", frame.Action))
		}
		return envelope.EmitCallError(frame.UniqueID, "NotImplemented", "action not supported", nil)
	}
}

func (e *Engine) HandleCallResult(ctx context.Context, meta connection.Meta, frame *envelope.Frame) {
	if e.results != nil {
		e.results.HandleCallResult(frame.UniqueID, frame.Payload)
	}
}

func (e *Engine) HandleCallError(ctx context.Context, meta connection.Meta, frame *envelope.Frame) {
	if e.results == nil {
		return
	}
	var details map[string]interface{}
	if len(frame.ErrorDetails) > 0 {
		_ = json.Unmarshal(frame.ErrorDetails, &details)
	}
	e.results.HandleCallError(frame.UniqueID, frame.ErrorCode, frame.ErrorDescription, details)
}

func (e *Engine) handleBootNotification(store *state.Store, frame *envelope.Frame) ([]byte, error) {
	var req BootNotificationRequest
	_ = json.Unmarshal(frame.Payload, &req)
	store.RecordBoot(time.Now().UnixMilli())
	if e.log != nil {
		e.log.Info("BootNotification", zap.String("charge_point_id", store.ChargePointID),
			zap.String("vendor", req.ChargingStation.VendorName), zap.String("model", req.ChargingStation.Model))
	}
	return envelope.EmitCallResult(frame.UniqueID, BootNotificationResponse{
		CurrentTime: nowRFC3339(),
		Interval:    300,
		Status:      "Accepted",
	})
}

func (e *Engine) handleHeartbeat(store *state.Store, frame *envelope.Frame) ([]byte, error) {
	store.RecordHeartbeat(time.Now().UnixMilli())
	return envelope.EmitCallResult(frame.UniqueID, HeartbeatResponse{CurrentTime: nowRFC3339()})
}

func (e *Engine) handleStatusNotification(store *state.Store, meta connection.Meta, frame *envelope.Frame) ([]byte, error) {
	var req StatusNotificationRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return envelope.EmitCallError(frame.UniqueID, state.FormatViolationCode(false), "invalid StatusNotification", nil)
	}
	store.SetConnectorStatus(req.ConnectorId, req.ConnectorStatus, "", time.Now().UnixMilli())
	connectorID := req.ConnectorId
	e.emit(events.TopicStationEvents, "ConnectorStatusChanged", meta, &connectorID, req)
	return envelope.EmitCallResult(frame.UniqueID, StatusNotificationResponse{})
}

func (e *Engine) handleTransactionEvent(store *state.Store, frame *envelope.Frame) ([]byte, error) {
	var req TransactionEventRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return envelope.EmitCallError(frame.UniqueID, state.FormatViolationCode(false), "invalid TransactionEvent", nil)
	}

	var connectorID *int
	if req.Evse != nil {
		id := req.Evse.ConnectorId
		connectorID = &id
	}

	result := store.TransactionEvent(state.TransactionEventType(req.EventType), req.TransactionInfo.TransactionId, int64(req.SeqNo), connectorID)
	if result.Violation == state.ViolationFormat {
		return envelope.EmitCallError(frame.UniqueID, state.FormatViolationCode(false), result.Message, nil)
	}
	if result.Violation == state.ViolationOccurrence {
		return envelope.EmitCallError(frame.UniqueID, "OccurrenceConstraintViolation", result.Message, nil)
	}

	return envelope.EmitCallResult(frame.UniqueID, TransactionEventResponse{
		IdTokenInfo: &IdTokenInfo{Status: "Accepted"},
	})
}

func (e *Engine) handleMeterValues(store *state.Store, frame *envelope.Frame) ([]byte, error) {
	return envelope.EmitCallResult(frame.UniqueID, map[string]interface{}{})
}

func (e *Engine) handleAuthorize(frame *envelope.Frame) ([]byte, error) {
	var req struct {
		IdToken IdToken `json:"idToken"`
	}
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return envelope.EmitCallError(frame.UniqueID, state.FormatViolationCode(false), "invalid Authorize", nil)
	}
	return envelope.EmitCallResult(frame.UniqueID, map[string]interface{}{
		"idTokenInfo": IdTokenInfo{Status: "Accepted"},
	})
}

func (e *Engine) handleDataTransfer(meta connection.Meta, frame *envelope.Frame) ([]byte, error) {
	var payload map[string]interface{}
	_ = json.Unmarshal(frame.Payload, &payload)
	e.emit(events.TopicSessionEvents, "DataTransferReceived", meta, nil, payload)
	return envelope.EmitCallResult(frame.UniqueID, map[string]interface{}{"status": "Accepted"})
}

// handleNotification covers the security/firmware/log notification
// actions (§4.C): publish the event, reply with an empty object.
func (e *Engine) handleNotification(meta connection.Meta, eventType string, frame *envelope.Frame) ([]byte, error) {
	var payload map[string]interface{}
	_ = json.Unmarshal(frame.Payload, &payload)
	e.emit(events.TopicStationEvents, eventType, meta, nil, payload)
	return envelope.EmitCallResult(frame.UniqueID, map[string]interface{}{})
}
