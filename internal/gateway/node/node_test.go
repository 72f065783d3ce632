package node

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/adapter/kv"
)

func TestStart_WritesInitialAdvertisement(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	d := NewDirectory(store, zap.NewNop(), nil, "node-a", 30*time.Second, time.Hour)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	advert, ok, err := d.Lookup(context.Background(), "node-a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatalf("expected advertisement to be present after start")
	}
	if advert.CommandTopic != DeterministicCommandTopic("node-a") {
		t.Errorf("unexpected command topic: %s", advert.CommandTopic)
	}
}

func TestCommandTopicFor_FallsBackWhenUnadvertised(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	d := NewDirectory(store, zap.NewNop(), nil, "node-a", 30*time.Second, time.Hour)

	topic := d.CommandTopicFor(context.Background(), "node-ghost")
	if topic != DeterministicCommandTopic("node-ghost") {
		t.Errorf("expected deterministic fallback, got %s", topic)
	}
}

func TestSessionControlTopicFor_ResolvesLiveAdvertisement(t *testing.T) {
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	d := NewDirectory(store, zap.NewNop(), nil, "node-a", 30*time.Second, time.Hour)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	topic := d.SessionControlTopicFor(context.Background(), "node-a")
	if topic != DeterministicSessionControlTopic("node-a") {
		t.Errorf("unexpected session control topic: %s", topic)
	}
}
