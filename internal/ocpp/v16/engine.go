// Package v16 implements the OCPP 1.6J message engine (§4.C): the
// connection.Engine that turns validated CALL frames into state.Store
// transitions and CALLRESULT/CALLERROR replies. Grounded on the teacher's
// action switch in the old internal/adapter/ocpp/v16/handlers.go
// (HandleMessage), generalized from a DeviceService/TransactionService
// pair of GORM-backed repositories onto the in-memory per-charger
// state.Store of §4.D, with request/response shapes validated against
// schema.Registry instead of being trusted at face value.
package v16

import (
	"context"
	"encoding/json"
	"strconv"
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

// notificationEventTypes maps the 1.6J security/firmware/diagnostics
// notification actions (§4.C) onto the event type emitted to
// ocpp.station.events. Each replies with an empty object once the event
// is published.
var notificationEventTypes = map[string]string{
	"SecurityEventNotification":     "SecurityEventNotified",
	"FirmwareStatusNotification":    "FirmwareStatusChanged",
	"DiagnosticsStatusNotification": "DiagnosticsStatusChanged",
	"LogStatusNotification":         "LogStatusChanged",
}

// ResultResolver receives CALLRESULT/CALLERROR frames the gateway is the
// recipient of, i.e. replies to a command this node itself sent
// (implemented by outbound.Tracker).
type ResultResolver interface {
	HandleCallResult(messageID string, payload []byte)
	HandleCallError(messageID, errorCode, errorDescription string, errorDetails map[string]interface{})
}

// Engine implements connection.Engine for OCPP 1.6J.
type Engine struct {
	schemas *schema.Registry
	results ResultResolver
	strict  bool
	log     *zap.Logger
	bus     ports.EventBus

	mu     sync.Mutex
	stores map[string]*state.Store
}

func NewEngine(schemas *schema.Registry, results ResultResolver, strict bool, bus ports.EventBus, log *zap.Logger) *Engine {
	return &Engine{schemas: schemas, results: results, strict: strict, bus: bus, log: log, stores: make(map[string]*state.Store)}
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
		e.log.Warn("v16: failed to publish event", zap.String("event_type", eventType), zap.Error(err))
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

func nowMillis() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }
func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }

// HandleCall implements connection.Engine: validate the request, apply it
// to the charger's state.Store, and emit a CALLRESULT or CALLERROR.
func (e *Engine) HandleCall(ctx context.Context, meta connection.Meta, frame *envelope.Frame) ([]byte, error) {
	if e.schemas != nil && e.schemas.HasRequestSchema(domain.V16, frame.Action) {
		if result := e.schemas.ValidateRequest(domain.V16, frame.Action, frame.Payload); !result.Valid {
			return envelope.EmitCallError(frame.UniqueID, state.FormatViolationCode(true), "request failed schema validation", map[string]interface{}{"errors": result.Errors})
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
	case "StartTransaction":
		return e.handleStartTransaction(store, frame)
	case "StopTransaction":
		return e.handleStopTransaction(store, frame)
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
			e.log.Warn("v16: unsupported action", zap.String("charge_point_id", meta.ChargePointID), zap.String("action", frame.Action))
		}
		return envelope.EmitCallError(frame.UniqueID, "NotImplemented", "action not supported", nil)
	}
}

// HandleCallResult implements connection.Engine: a reply to a
// gateway-initiated command, routed to the outbound tracker.
func (e *Engine) HandleCallResult(ctx context.Context, meta connection.Meta, frame *envelope.Frame) {
	if e.results != nil {
		e.results.HandleCallResult(frame.UniqueID, frame.Payload)
	}
}

// HandleCallError implements connection.Engine.
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

type bootNotificationReq struct {
	ChargePointVendor string `json:"chargePointVendor"`
	ChargePointModel  string `json:"chargePointModel"`
}

func (e *Engine) handleBootNotification(store *state.Store, frame *envelope.Frame) ([]byte, error) {
	var req bootNotificationReq
	_ = json.Unmarshal(frame.Payload, &req)
	store.RecordBoot(nowMillis())
	if e.log != nil {
		e.log.Info("v16: BootNotification", zap.String("charge_point_id", store.ChargePointID),
			zap.String("vendor", req.ChargePointVendor), zap.String("model", req.ChargePointModel))
	}
	return envelope.EmitCallResult(frame.UniqueID, map[string]interface{}{
		"status":      "Accepted",
		"currentTime": nowRFC3339(),
		"interval":    300,
	})
}

func (e *Engine) handleHeartbeat(store *state.Store, frame *envelope.Frame) ([]byte, error) {
	store.RecordHeartbeat(nowMillis())
	return envelope.EmitCallResult(frame.UniqueID, map[string]interface{}{"currentTime": nowRFC3339()})
}

type statusNotificationReq struct {
	ConnectorId int    `json:"connectorId"`
	ErrorCode   string `json:"errorCode"`
	Status      string `json:"status"`
}

func (e *Engine) handleStatusNotification(store *state.Store, meta connection.Meta, frame *envelope.Frame) ([]byte, error) {
	var req statusNotificationReq
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return envelope.EmitCallError(frame.UniqueID, state.FormatViolationCode(true), "invalid StatusNotification", nil)
	}
	store.SetConnectorStatus(req.ConnectorId, req.Status, req.ErrorCode, nowMillis())
	connectorID := req.ConnectorId
	e.emit(events.TopicStationEvents, "ConnectorStatusChanged", meta, &connectorID, req)
	return envelope.EmitCallResult(frame.UniqueID, map[string]interface{}{})
}

type startTransactionReq struct {
	ConnectorId int     `json:"connectorId"`
	IdTag       string  `json:"idTag"`
	MeterStart  float64 `json:"meterStart"`
	Timestamp   string  `json:"timestamp"`
}

func (e *Engine) handleStartTransaction(store *state.Store, frame *envelope.Frame) ([]byte, error) {
	var req startTransactionReq
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return envelope.EmitCallError(frame.UniqueID, state.FormatViolationCode(true), "invalid StartTransaction", nil)
	}

	result := store.StartTransaction16(req.ConnectorId, req.IdTag, req.MeterStart, req.Timestamp)
	if result.Violation != state.ViolationNone {
		return envelope.EmitCallError(frame.UniqueID, "OccurrenceConstraintViolation", result.Message, nil)
	}

	txID, _ := strconv.ParseInt(result.TransactionID, 10, 64)
	return envelope.EmitCallResult(frame.UniqueID, map[string]interface{}{
		"transactionId": txID,
		"idTagInfo":     map[string]string{"status": "Accepted"},
	})
}

type stopTransactionReq struct {
	TransactionId int64   `json:"transactionId"`
	MeterStop     float64 `json:"meterStop"`
	Timestamp     string  `json:"timestamp"`
}

func (e *Engine) handleStopTransaction(store *state.Store, frame *envelope.Frame) ([]byte, error) {
	var req stopTransactionReq
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return envelope.EmitCallError(frame.UniqueID, state.FormatViolationCode(true), "invalid StopTransaction", nil)
	}

	result := store.StopTransaction16(req.TransactionId, req.MeterStop, req.Timestamp)
	if result.Violation != state.ViolationNone {
		return envelope.EmitCallError(frame.UniqueID, "OccurrenceConstraintViolation", result.Message, nil)
	}

	return envelope.EmitCallResult(frame.UniqueID, map[string]interface{}{
		"idTagInfo": map[string]string{"status": "Accepted"},
	})
}

type meterValuesReq struct {
	TransactionId *int64 `json:"transactionId,omitempty"`
}

func (e *Engine) handleMeterValues(store *state.Store, frame *envelope.Frame) ([]byte, error) {
	var req meterValuesReq
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return envelope.EmitCallError(frame.UniqueID, state.FormatViolationCode(true), "invalid MeterValues", nil)
	}

	result := store.MeterValues16(req.TransactionId)
	if result.Violation != state.ViolationNone {
		return envelope.EmitCallError(frame.UniqueID, "OccurrenceConstraintViolation", result.Message, nil)
	}
	if result.Orphaned && e.log != nil {
		e.log.Debug("v16: MeterValues against orphaned transaction", zap.Any("transaction_id", req.TransactionId))
	}
	return envelope.EmitCallResult(frame.UniqueID, map[string]interface{}{})
}

type authorizeReq struct {
	IdTag string `json:"idTag"`
}

func (e *Engine) handleAuthorize(frame *envelope.Frame) ([]byte, error) {
	var req authorizeReq
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return envelope.EmitCallError(frame.UniqueID, state.FormatViolationCode(true), "invalid Authorize", nil)
	}
	return envelope.EmitCallResult(frame.UniqueID, map[string]interface{}{
		"idTagInfo": map[string]string{"status": "Accepted"},
	})
}

func (e *Engine) handleDataTransfer(meta connection.Meta, frame *envelope.Frame) ([]byte, error) {
	var payload map[string]interface{}
	_ = json.Unmarshal(frame.Payload, &payload)
	e.emit(events.TopicSessionEvents, "DataTransferReceived", meta, nil, payload)
	return envelope.EmitCallResult(frame.UniqueID, map[string]interface{}{"status": "Accepted"})
}

// handleNotification covers the security/firmware/diagnostics
// notification actions (§4.C): publish the event, reply with an empty
// object.
func (e *Engine) handleNotification(meta connection.Meta, eventType string, frame *envelope.Frame) ([]byte, error) {
	var payload map[string]interface{}
	_ = json.Unmarshal(frame.Payload, &payload)
	e.emit(events.TopicStationEvents, eventType, meta, nil, payload)
	return envelope.EmitCallResult(frame.UniqueID, map[string]interface{}{})
}
