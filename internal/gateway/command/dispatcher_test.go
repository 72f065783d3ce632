package command

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/domain"
	"github.com/seu-repo/ocpp-gateway/internal/gateway/outbound"
	"github.com/seu-repo/ocpp-gateway/internal/ocpp/envelope"
	"github.com/seu-repo/ocpp-gateway/internal/ocpp/schema"
)

type fakeSender struct {
	SendCallFunc func(ctx context.Context, chargePointID string, frame []byte) error
	sent         [][]byte
}

func (f *fakeSender) SendCall(ctx context.Context, chargePointID string, frame []byte) error {
	f.sent = append(f.sent, frame)
	if f.SendCallFunc != nil {
		return f.SendCallFunc(ctx, chargePointID, frame)
	}
	return nil
}

func newIDGen() IDGenerator {
	var n int64
	return func() string {
		return fmt.Sprintf("msg-%d", atomic.AddInt64(&n, 1))
	}
}

func TestDispatch_UnsupportedCommandOnVersion(t *testing.T) {
	tracker := outbound.NewTracker(nil, zap.NewNop())
	sender := &fakeSender{}
	d := NewDispatcher(nil, tracker, sender, newIDGen(), time.Second, zap.NewNop(), nil)

	result := d.Dispatch(context.Background(), "CP-1", "cmd-1", domain.V201, TypeChangeConfiguration, nil, 0)
	if result.Status != StatusUnsupportedCommand {
		t.Fatalf("expected UnsupportedCommand, got %+v", result)
	}
	if len(sender.sent) != 0 {
		t.Errorf("expected no frame sent for unsupported command")
	}
}

func TestDispatch_SendsCallAndResolvesAccepted(t *testing.T) {
	tracker := outbound.NewTracker(nil, zap.NewNop())
	sender := &fakeSender{
		SendCallFunc: func(ctx context.Context, chargePointID string, frame []byte) error {
			f, err := envelope.Parse(frame)
			if err != nil {
				t.Fatalf("parse sent frame: %v", err)
			}
			go tracker.HandleCallResult(f.UniqueID, []byte(`{"status":"Accepted"}`))
			return nil
		},
	}
	d := NewDispatcher(nil, tracker, sender, newIDGen(), time.Second, zap.NewNop(), nil)

	result := d.Dispatch(context.Background(), "CP-1", "cmd-1", domain.V16, TypeReset, map[string]interface{}{"type": "Hard"}, time.Second)
	if result.Status != StatusAccepted {
		t.Fatalf("expected Accepted, got %+v", result)
	}
}

func TestDispatch_AuditsSentThenAccepted(t *testing.T) {
	tracker := outbound.NewTracker(nil, zap.NewNop())
	sender := &fakeSender{
		SendCallFunc: func(ctx context.Context, chargePointID string, frame []byte) error {
			f, err := envelope.Parse(frame)
			if err != nil {
				t.Fatalf("parse sent frame: %v", err)
			}
			go tracker.HandleCallResult(f.UniqueID, []byte(`{"status":"Accepted"}`))
			return nil
		},
	}

	var statuses []string
	audit := func(ctx context.Context, chargePointID, commandID, messageID, action, status, errorCode string) {
		statuses = append(statuses, status)
	}
	d := NewDispatcher(nil, tracker, sender, newIDGen(), time.Second, zap.NewNop(), audit)

	result := d.Dispatch(context.Background(), "CP-1", "cmd-1", domain.V16, TypeReset, map[string]interface{}{"type": "Hard"}, time.Second)
	if result.Status != StatusAccepted {
		t.Fatalf("expected Accepted, got %+v", result)
	}
	if len(statuses) != 2 || statuses[0] != "Sent" || statuses[1] != "Accepted" {
		t.Fatalf("expected audit transitions [Sent Accepted], got %v", statuses)
	}
}

func TestDispatch_TimesOutWithoutReply(t *testing.T) {
	tracker := outbound.NewTracker(nil, zap.NewNop())
	sender := &fakeSender{}
	d := NewDispatcher(nil, tracker, sender, newIDGen(), 10*time.Millisecond, zap.NewNop(), nil)

	result := d.Dispatch(context.Background(), "CP-1", "cmd-1", domain.V16, TypeReset, nil, 0)
	if result.Status != StatusTimeout {
		t.Fatalf("expected Timeout, got %+v", result)
	}
}

func TestDispatch_SendFailureRejects(t *testing.T) {
	tracker := outbound.NewTracker(nil, zap.NewNop())
	sender := &fakeSender{SendCallFunc: func(context.Context, string, []byte) error { return context.DeadlineExceeded }}
	d := NewDispatcher(nil, tracker, sender, newIDGen(), time.Second, zap.NewNop(), nil)

	result := d.Dispatch(context.Background(), "CP-1", "cmd-1", domain.V16, TypeReset, nil, 0)
	if result.Status != StatusRejected {
		t.Fatalf("expected Rejected on send failure, got %+v", result)
	}
}

func TestDispatch_SchemaMissingWhenRegistryHasNoSchema(t *testing.T) {
	tracker := outbound.NewTracker(nil, zap.NewNop())
	sender := &fakeSender{}
	registry := schema.NewRegistry(nil)
	d := NewDispatcher(registry, tracker, sender, newIDGen(), time.Second, zap.NewNop(), nil)

	result := d.Dispatch(context.Background(), "CP-1", "cmd-1", domain.V16, TypeReset, nil, 0)
	if result.Status != StatusSchemaMissing {
		t.Fatalf("expected SchemaMissing, got %+v", result)
	}
}

func TestDispatch_PayloadValidationFailure(t *testing.T) {
	tracker := outbound.NewTracker(nil, zap.NewNop())
	sender := &fakeSender{}
	registry := schema.NewRegistry(nil)
	if err := registry.Register(domain.V16, "Reset", true, []byte(`{"type":"object","properties":{"type":{"type":"string"}},"required":["type"]}`)); err != nil {
		t.Fatalf("register: %v", err)
	}
	d := NewDispatcher(registry, tracker, sender, newIDGen(), time.Second, zap.NewNop(), nil)

	result := d.Dispatch(context.Background(), "CP-1", "cmd-1", domain.V16, TypeReset, map[string]interface{}{}, 0)
	if result.Status != StatusPayloadValidationFailed {
		t.Fatalf("expected PayloadValidationFailed, got %+v", result)
	}
}

func TestNormalizePayload_RemoteStopMapsSessionIDToTransactionID(t *testing.T) {
	out := normalizePayload(TypeRemoteStop, domain.V16, map[string]interface{}{"sessionId": 42})
	if out["transactionId"] != 42 {
		t.Errorf("expected transactionId 42, got %v", out["transactionId"])
	}
	if _, has := out["sessionId"]; has {
		t.Errorf("expected sessionId to be removed")
	}
}

func TestNormalizePayload_RemoteStopStringifiesTransactionIDOn2x(t *testing.T) {
	out := normalizePayload(TypeRemoteStop, domain.V201, map[string]interface{}{"sessionId": 42})
	if out["transactionId"] != "42" {
		t.Errorf("expected stringified transactionId, got %v (%T)", out["transactionId"], out["transactionId"])
	}
}

func TestNormalizePayload_RemoteStartWrapsIdTagOn2x(t *testing.T) {
	out := normalizePayload(TypeRemoteStart, domain.V201, map[string]interface{}{"idTag": "ABC123"})
	wrapped, ok := out["idToken"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected idToken wrapper, got %v", out["idToken"])
	}
	if wrapped["idToken"] != "ABC123" || wrapped["type"] != "Central" {
		t.Errorf("unexpected idToken wrapper contents: %+v", wrapped)
	}
	if _, has := out["idTag"]; has {
		t.Errorf("expected idTag to be removed")
	}
}

func TestNormalizePayload_RemoteStartLeavesIdTagOn16J(t *testing.T) {
	out := normalizePayload(TypeRemoteStart, domain.V16, map[string]interface{}{"idTag": "ABC123"})
	if out["idTag"] != "ABC123" {
		t.Errorf("expected idTag to survive untouched on 1.6J, got %v", out["idTag"])
	}
}
