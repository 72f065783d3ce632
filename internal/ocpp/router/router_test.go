package router

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/seu-repo/ocpp-gateway/internal/domain"
	"github.com/seu-repo/ocpp-gateway/internal/gateway/connection"
	"github.com/seu-repo/ocpp-gateway/internal/ocpp/envelope"
)

type stubEngine struct {
	tag            string
	lastCallResult string
	lastCallError  string
}

func (s *stubEngine) HandleCall(ctx context.Context, meta connection.Meta, frame *envelope.Frame) ([]byte, error) {
	return envelope.EmitCallResult(frame.UniqueID, map[string]string{"handledBy": s.tag})
}
func (s *stubEngine) HandleCallResult(ctx context.Context, meta connection.Meta, frame *envelope.Frame) {
	s.lastCallResult = s.tag
}
func (s *stubEngine) HandleCallError(ctx context.Context, meta connection.Meta, frame *envelope.Frame) {
	s.lastCallError = s.tag
}

func TestVersionRouter_RoutesByMetaVersion(t *testing.T) {
	v16Engine := &stubEngine{tag: "v16"}
	v201Engine := &stubEngine{tag: "v201"}
	r := New(map[domain.OCPPVersion]connection.Engine{
		domain.V16:  v16Engine,
		domain.V201: v201Engine,
	})

	frame, err := envelope.Parse([]byte(`[2,"1","Heartbeat",{}]`))
	if err != nil {
		t.Fatalf("parse frame: %v", err)
	}

	out, err := r.HandleCall(context.Background(), connection.Meta{OCPPVersion: domain.V201}, frame)
	if err != nil {
		t.Fatalf("HandleCall: %v", err)
	}

	var decoded []json.RawMessage
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal call result envelope: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(decoded[2], &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["handledBy"] != "v201" {
		t.Errorf("handledBy = %q, want v201", payload["handledBy"])
	}
}

func TestVersionRouter_UnknownVersionReturnsCallError(t *testing.T) {
	r := New(map[domain.OCPPVersion]connection.Engine{
		domain.V16: &stubEngine{tag: "v16"},
	})

	frame, err := envelope.Parse([]byte(`[2,"1","Heartbeat",{}]`))
	if err != nil {
		t.Fatalf("parse frame: %v", err)
	}

	out, err := r.HandleCall(context.Background(), connection.Meta{OCPPVersion: domain.V21}, frame)
	if err != nil {
		t.Fatalf("HandleCall: %v", err)
	}

	var decoded []json.RawMessage
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal call error envelope: %v", err)
	}
	var messageType int
	if err := json.Unmarshal(decoded[0], &messageType); err != nil {
		t.Fatalf("unmarshal message type: %v", err)
	}
	if messageType != 4 {
		t.Errorf("messageType = %d, want 4 (CALLERROR)", messageType)
	}
}

func TestVersionRouter_CallResultAndErrorRouteToRegisteredEngine(t *testing.T) {
	v201Engine := &stubEngine{tag: "v201"}
	r := New(map[domain.OCPPVersion]connection.Engine{
		domain.V201: v201Engine,
	})

	frame, err := envelope.Parse([]byte(`[3,"1",{}]`))
	if err != nil {
		t.Fatalf("parse frame: %v", err)
	}

	r.HandleCallResult(context.Background(), connection.Meta{OCPPVersion: domain.V201}, frame)
	if v201Engine.lastCallResult != "v201" {
		t.Errorf("expected HandleCallResult to route to v201 engine")
	}

	errFrame, err := envelope.Parse([]byte(`[4,"1","InternalError","oops",{}]`))
	if err != nil {
		t.Fatalf("parse error frame: %v", err)
	}
	r.HandleCallError(context.Background(), connection.Meta{OCPPVersion: domain.V201}, errFrame)
	if v201Engine.lastCallError != "v201" {
		t.Errorf("expected HandleCallError to route to v201 engine")
	}
}
