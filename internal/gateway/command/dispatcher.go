// Package command implements the command → CALL dispatcher of §4.J:
// translating a cluster-wide CommandRequest into a version-appropriate
// action name and payload, validating it against the request schema,
// sending the CALL, and awaiting the outbound tracker's resolution.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/domain"
	"github.com/seu-repo/ocpp-gateway/internal/gateway/outbound"
	"github.com/seu-repo/ocpp-gateway/internal/ocpp/envelope"
	"github.com/seu-repo/ocpp-gateway/internal/ocpp/schema"
)

// Type is the cluster-wide, version-agnostic command vocabulary.
type Type string

const (
	TypeReset               Type = "Reset"
	TypeRemoteStart         Type = "RemoteStart"
	TypeRemoteStop          Type = "RemoteStop"
	TypeUnlockConnector     Type = "UnlockConnector"
	TypeChangeConfiguration Type = "ChangeConfiguration"
	TypeTriggerMessage      Type = "TriggerMessage"
	TypeUpdateFirmware      Type = "UpdateFirmware"
)

// actionTable is the version-aware commandType → action mapping (§4.J).
// An empty string means the command is unsupported on that version.
var actionTable = map[Type]struct {
	v16  string
	v2x  string
}{
	TypeReset:               {"Reset", "Reset"},
	TypeRemoteStart:         {"RemoteStartTransaction", "RequestStartTransaction"},
	TypeRemoteStop:          {"RemoteStopTransaction", "RequestStopTransaction"},
	TypeUnlockConnector:     {"UnlockConnector", "UnlockConnector"},
	TypeChangeConfiguration: {"ChangeConfiguration", ""},
	TypeTriggerMessage:      {"TriggerMessage", ""},
	TypeUpdateFirmware:      {"UpdateFirmware", "UpdateFirmware"},
}

func actionFor(commandType Type, version domain.OCPPVersion) (string, bool) {
	entry, ok := actionTable[commandType]
	if !ok {
		return "", false
	}
	if version == domain.V16 {
		return entry.v16, entry.v16 != ""
	}
	if entry.v2x == "" {
		return "", false
	}
	return entry.v2x, true
}

// Status is the dispatcher's result classification (§4.K maps these onto
// command events).
type Status string

const (
	StatusAccepted               Status = "Accepted"
	StatusRejected               Status = "Rejected"
	StatusTimeout                Status = "Timeout"
	StatusSchemaMissing          Status = "SchemaMissing"
	StatusPayloadValidationFailed Status = "PayloadValidationFailed"
	StatusUnsupportedCommand      Status = "UnsupportedCommand"
)

// Result is the outcome of dispatching one command.
type Result struct {
	Status       Status
	Payload      []byte
	ErrorCode    string
	ErrorDetails map[string]interface{}
}

// IsFailure reports the §4.K mapping: SchemaMissing/PayloadValidationFailed/
// UnsupportedCommand are "CommandFailed", everything else that isn't
// Accepted is "CommandRejected" or "CommandTimeout".
func (r Result) IsFailure() bool {
	switch r.Status {
	case StatusSchemaMissing, StatusPayloadValidationFailed, StatusUnsupportedCommand:
		return true
	default:
		return false
	}
}

// Sender abstracts writing a CALL frame to a specific charge point's
// socket; the connection manager (§4.H) implements this.
type Sender interface {
	SendCall(ctx context.Context, chargePointID string, frame []byte) error
}

// IDGenerator mints fresh outbound messageIds.
type IDGenerator func() string

// AuditFunc records one command-audit transition (§3's
// Sent → {Accepted | Rejected | Failed | Timeout} state machine).
// messageID is the outbound CALL's uniqueId, distinct from commandID
// (the cluster-wide command identifier the consumer assigned).
type AuditFunc func(ctx context.Context, chargePointID, commandID, messageID, action, status, errorCode string)

// Dispatcher implements §4.J.
type Dispatcher struct {
	schemas        *schema.Registry
	tracker        *outbound.Tracker
	sender         Sender
	newMessageID   IDGenerator
	defaultTimeout time.Duration
	log            *zap.Logger
	onAudit        AuditFunc
}

func NewDispatcher(schemas *schema.Registry, tracker *outbound.Tracker, sender Sender, newMessageID IDGenerator, defaultTimeout time.Duration, log *zap.Logger, onAudit AuditFunc) *Dispatcher {
	if onAudit == nil {
		onAudit = func(context.Context, string, string, string, string, string, string) {}
	}
	return &Dispatcher{
		schemas: schemas, tracker: tracker, sender: sender, newMessageID: newMessageID,
		defaultTimeout: defaultTimeout, log: log, onAudit: onAudit,
	}
}

// Dispatch translates commandType into a version-appropriate CALL against
// chargePointID, normalizes the payload, validates, sends, and awaits the
// reply.
func (d *Dispatcher) Dispatch(ctx context.Context, chargePointID, commandID string, version domain.OCPPVersion, commandType Type, payload map[string]interface{}, timeout time.Duration) Result {
	action, supported := actionFor(commandType, version)
	if !supported {
		return Result{Status: StatusUnsupportedCommand, ErrorCode: "UnsupportedCommand"}
	}

	normalized := normalizePayload(commandType, version, payload)

	encoded, err := json.Marshal(normalized)
	if err != nil {
		return Result{Status: StatusPayloadValidationFailed, ErrorCode: "PayloadValidationFailed"}
	}

	if d.schemas != nil && d.schemas.HasRequestSchema(version, action) {
		result := d.schemas.ValidateRequest(version, action, encoded)
		if !result.Valid {
			return Result{Status: StatusPayloadValidationFailed, ErrorCode: "PayloadValidationFailed",
				ErrorDetails: map[string]interface{}{"errors": result.Errors}}
		}
	} else if d.schemas != nil {
		return Result{Status: StatusSchemaMissing, ErrorCode: "SchemaMissing"}
	}

	messageID := d.newMessageID()
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	d.onAudit(ctx, chargePointID, commandID, messageID, action, "Sent", "")

	frame, err := envelope.EmitCall(messageID, action, normalized)
	if err != nil {
		d.onAudit(ctx, chargePointID, commandID, messageID, action, "Failed", "InternalError")
		return Result{Status: StatusRejected, ErrorCode: "InternalError"}
	}

	outcomeCh := d.tracker.Register(ctx, messageID, action, version, commandID, timeout)

	if err := d.sender.SendCall(ctx, chargePointID, frame); err != nil {
		d.tracker.Cancel(messageID)
		d.onAudit(ctx, chargePointID, commandID, messageID, action, "Failed", "ChargePointUnreachable")
		return Result{Status: StatusRejected, ErrorCode: "ChargePointUnreachable"}
	}

	outcome := d.tracker.Wait(ctx, outcomeCh)
	if outcome.TimedOut {
		d.onAudit(ctx, chargePointID, commandID, messageID, action, "Timeout", "")
		return Result{Status: StatusTimeout}
	}
	if outcome.IsError {
		d.onAudit(ctx, chargePointID, commandID, messageID, action, "Rejected", outcome.ErrorCode)
		return Result{Status: StatusRejected, ErrorCode: outcome.ErrorCode, ErrorDetails: outcome.ErrorDetails}
	}
	d.onAudit(ctx, chargePointID, commandID, messageID, action, "Accepted", "")
	return Result{Status: StatusAccepted, Payload: outcome.Payload}
}

// normalizePayload applies §4.J's field-renaming rules.
func normalizePayload(commandType Type, version domain.OCPPVersion, payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = v
	}

	if commandType == TypeRemoteStop {
		if sessionID, ok := out["sessionId"]; ok {
			delete(out, "sessionId")
			if version == domain.V16 {
				out["transactionId"] = sessionID
			} else {
				out["transactionId"] = fmt.Sprintf("%v", sessionID)
			}
		}
	}

	if commandType == TypeRemoteStart && version != domain.V16 {
		if idTag, ok := out["idTag"]; ok {
			delete(out, "idTag")
			out["idToken"] = map[string]interface{}{"idToken": idTag, "type": "Central"}
		}
	}

	return out
}
