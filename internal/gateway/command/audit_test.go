package command

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/adapter/bus"
	"github.com/seu-repo/ocpp-gateway/internal/adapter/kv"
)

func TestAuditWriter_RecordsKVKeysAndPublishesEvent(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	b := bus.NewMemoryBus()

	var published map[string]interface{}
	if err := b.Subscribe("cpms.audit.events", func(data []byte) error {
		return json.Unmarshal(data, &published)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	w := NewAuditWriter(store, b, time.Minute, zap.NewNop())
	w.Record(context.Background(), "CP-1", "cmd-1", "msg-1", "Reset", "Accepted", "")

	if _, ok, _ := store.Get(context.Background(), "command-audit:cmd-1"); !ok {
		t.Error("expected command-audit:cmd-1 to be written")
	}
	if _, ok, _ := store.Get(context.Background(), "command-audit:unique:msg-1"); !ok {
		t.Error("expected command-audit:unique:msg-1 to be written")
	}
	if published == nil {
		t.Fatal("expected an event published to cpms.audit.events")
	}
	payload, _ := published["payload"].(map[string]interface{})
	if payload["status"] != "Accepted" || payload["commandId"] != "cmd-1" {
		t.Errorf("unexpected published payload: %+v", payload)
	}
}
