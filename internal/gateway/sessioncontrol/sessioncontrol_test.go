package sessioncontrol

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/adapter/bus"
)

type fakeCloser struct {
	calls []struct {
		chargePointID string
		epoch         int64
	}
	shouldClose bool
}

func (f *fakeCloser) ForceClose(chargePointID string, epoch int64, code int, reason string) bool {
	f.calls = append(f.calls, struct {
		chargePointID string
		epoch         int64
	}{chargePointID, epoch})
	return f.shouldClose
}

func TestPublishAndConsume_RoutesToPreviousOwnerTopic(t *testing.T) {
	b := bus.NewMemoryBus()
	closer := &fakeCloser{shouldClose: true}
	consumer := NewConsumer("node-old", b, closer, zap.NewNop())
	if err := consumer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	publisher := NewPublisher(b, zap.NewNop())
	if err := publisher.Publish("CP-1", "node-old", 2, "node-new"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(closer.calls) != 1 {
		t.Fatalf("expected exactly one ForceClose call, got %d", len(closer.calls))
	}
	if closer.calls[0].chargePointID != "CP-1" || closer.calls[0].epoch != 2 {
		t.Errorf("unexpected ForceClose args: %+v", closer.calls[0])
	}
}

func TestConsumer_IgnoresMessagesOnOtherNodesTopics(t *testing.T) {
	b := bus.NewMemoryBus()
	closer := &fakeCloser{}
	consumer := NewConsumer("node-a", b, closer, zap.NewNop())
	if err := consumer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	publisher := NewPublisher(b, zap.NewNop())
	if err := publisher.Publish("CP-1", "node-b", 1, "node-c"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(closer.calls) != 0 {
		t.Fatalf("expected node-a's consumer not to react to node-b's topic, got %d calls", len(closer.calls))
	}
}
