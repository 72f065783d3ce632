package command

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/events"
	"github.com/seu-repo/ocpp-gateway/internal/ports"
)

// auditRecord is the value stored at command-audit:{commandId} and
// command-audit:unique:{messageId} (§3), mirroring the Dispatcher's
// Sent → {Accepted | Rejected | Failed | Timeout} transitions.
type auditRecord struct {
	CommandID     string `json:"commandId"`
	MessageID     string `json:"messageId"`
	ChargePointID string `json:"chargePointId"`
	Action        string `json:"action"`
	Status        string `json:"status"`
	ErrorCode     string `json:"errorCode,omitempty"`
	UpdatedAt     string `json:"updatedAt"`
}

// AuditWriter implements AuditFunc over a KVStore and EventBus: every
// transition is mirrored into the two §3 KV keys and published to
// cpms.audit.events so an external audit query surface can subscribe
// instead of polling KV.
type AuditWriter struct {
	kv  ports.KVStore
	bus ports.EventBus
	ttl time.Duration
	log *zap.Logger
}

func NewAuditWriter(kv ports.KVStore, bus ports.EventBus, ttl time.Duration, log *zap.Logger) *AuditWriter {
	return &AuditWriter{kv: kv, bus: bus, ttl: ttl, log: log}
}

// Record satisfies AuditFunc.
func (w *AuditWriter) Record(ctx context.Context, chargePointID, commandID, messageID, action, status, errorCode string) {
	rec := auditRecord{
		CommandID: commandID, MessageID: messageID, ChargePointID: chargePointID,
		Action: action, Status: status, ErrorCode: errorCode,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	encoded, err := json.Marshal(rec)
	if err != nil {
		return
	}

	if w.kv != nil {
		if err := w.kv.Set(ctx, "command-audit:"+commandID, string(encoded), w.ttl); err != nil && w.log != nil {
			w.log.Warn("audit: failed to write command-audit key", zap.String("command_id", commandID), zap.Error(err))
		}
		if messageID != "" {
			if err := w.kv.Set(ctx, "command-audit:unique:"+messageID, string(encoded), w.ttl); err != nil && w.log != nil {
				w.log.Warn("audit: failed to write command-audit unique key", zap.String("message_id", messageID), zap.Error(err))
			}
		}
	}

	if w.bus == nil {
		return
	}
	env := events.New("CommandAudit"+status, events.Meta{ChargePointID: chargePointID}, nil, rec)
	if err := events.Publish(w.bus, events.TopicAuditEvents, env); err != nil && w.log != nil {
		w.log.Warn("audit: failed to publish audit event", zap.String("command_id", commandID), zap.Error(err))
	}
}
