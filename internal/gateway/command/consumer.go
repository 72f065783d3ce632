package command

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/domain"
	"github.com/seu-repo/ocpp-gateway/internal/events"
	"github.com/seu-repo/ocpp-gateway/internal/ports"
)

// SharedRequestsTopic and the node-specific topic template are the §4.K
// wire contract (§6 External Interfaces lists these verbatim).
const SharedRequestsTopic = "cpms.command.requests"

func NodeRequestsTopic(nodeID string) string { return "cpms.command.requests.node." + nodeID }

// Request is the wire shape of a CommandRequest consumed off the bus.
type Request struct {
	CommandID     string                 `json:"commandId"`
	ChargePointID string                 `json:"chargePointId"`
	CommandType   Type                   `json:"commandType"`
	Payload       map[string]interface{} `json:"payload"`
	TimeoutMs     int64                  `json:"timeoutMs,omitempty"`
}

// EventKind is the command-event vocabulary emitted by the consumer.
type EventKind string

const (
	EventCommandRouted     EventKind = "CommandRouted"
	EventCommandDuplicate  EventKind = "CommandDuplicate"
	EventCommandDispatched EventKind = "CommandDispatched"
	EventCommandAccepted   EventKind = "CommandAccepted"
	EventCommandTimeout    EventKind = "CommandTimeout"
	EventCommandRejected   EventKind = "CommandRejected"
	EventCommandFailed     EventKind = "CommandFailed"
)

// Event is published to ocpp.command.events.
type Event struct {
	Kind          EventKind              `json:"kind"`
	CommandID     string                 `json:"commandId"`
	ChargePointID string                 `json:"chargePointId"`
	Reason        string                 `json:"reason,omitempty"`
	Result        map[string]interface{} `json:"result,omitempty"`
}

// OwnerLookup resolves the node currently owning a charge point's session,
// satisfied by *session.Directory.
type OwnerLookup interface {
	Lookup(ctx context.Context, chargePointID string) (*domain.SessionEntry, error)
}

// LocalResolver tells the consumer whether chargePointID is connected to
// this node and, if so, its negotiated OCPP version.
type LocalResolver interface {
	ResolveVersion(chargePointID string) (domain.OCPPVersion, bool)
}

const defaultDispatchTimeout = 15 * time.Second

// Consumer implements §4.K: shared + node-specific topic consumption,
// owner-routing, idempotency, dispatch, and event emission.
type Consumer struct {
	nodeID      string
	bus         ports.EventBus
	kv          ports.KVStore
	owners      OwnerLookup
	local       LocalResolver
	dispatcher  *Dispatcher
	log         *zap.Logger
	idempotTTL  time.Duration
	publishEvent func(ctx context.Context, chargePointID string, event Event)
}

func NewConsumer(nodeID string, bus ports.EventBus, kv ports.KVStore, owners OwnerLookup, local LocalResolver, dispatcher *Dispatcher, idempotencyTTL time.Duration, log *zap.Logger) *Consumer {
	c := &Consumer{
		nodeID: nodeID, bus: bus, kv: kv, owners: owners, local: local,
		dispatcher: dispatcher, idempotTTL: idempotencyTTL, log: log,
	}
	c.publishEvent = c.defaultPublishEvent
	return c
}

// Start subscribes to the shared and node-specific topics.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.bus.Subscribe(SharedRequestsTopic, func(data []byte) error {
		c.handle(ctx, data)
		return nil
	}); err != nil {
		return err
	}
	return c.bus.Subscribe(NodeRequestsTopic(c.nodeID), func(data []byte) error {
		c.handle(ctx, data)
		return nil
	})
}

func (c *Consumer) handle(ctx context.Context, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		if c.log != nil {
			c.log.Warn("command consumer: dropping unparseable request", zap.Error(err))
		}
		return
	}

	if req.ChargePointID == "" {
		c.publishEvent(ctx, "", Event{Kind: EventCommandFailed, CommandID: req.CommandID, Reason: "Missing chargePointId"})
		return
	}

	entry, err := c.owners.Lookup(ctx, req.ChargePointID)
	if err != nil {
		c.publishEvent(ctx, req.ChargePointID, Event{Kind: EventCommandFailed, CommandID: req.CommandID, Reason: "Owner lookup failed"})
		return
	}
	if entry != nil && entry.NodeID != c.nodeID {
		if err := c.bus.Publish(NodeRequestsTopic(entry.NodeID), req.ChargePointID, data); err != nil {
			c.publishEvent(ctx, req.ChargePointID, Event{Kind: EventCommandFailed, CommandID: req.CommandID, Reason: "Route publish failed"})
			return
		}
		c.publishEvent(ctx, req.ChargePointID, Event{Kind: EventCommandRouted, CommandID: req.CommandID})
		return
	}

	claimed, err := c.kv.SetNX(ctx, "idempotency:command:"+req.CommandID, c.nodeID, c.idempotTTL)
	if err != nil {
		c.publishEvent(ctx, req.ChargePointID, Event{Kind: EventCommandFailed, CommandID: req.CommandID, Reason: "Idempotency claim failed"})
		return
	}
	if !claimed {
		c.publishEvent(ctx, req.ChargePointID, Event{Kind: EventCommandDuplicate, CommandID: req.CommandID})
		return
	}

	version, online := c.local.ResolveVersion(req.ChargePointID)
	if !online {
		c.publishEvent(ctx, req.ChargePointID, Event{Kind: EventCommandFailed, CommandID: req.CommandID, Reason: "Charge point offline"})
		return
	}

	c.publishEvent(ctx, req.ChargePointID, Event{Kind: EventCommandDispatched, CommandID: req.CommandID})

	timeout := defaultDispatchTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	result := c.dispatcher.Dispatch(ctx, req.ChargePointID, req.CommandID, version, req.CommandType, req.Payload, timeout)

	switch {
	case result.Status == StatusAccepted:
		var payload map[string]interface{}
		_ = json.Unmarshal(result.Payload, &payload)
		c.publishEvent(ctx, req.ChargePointID, Event{Kind: EventCommandAccepted, CommandID: req.CommandID, Result: payload})
	case result.Status == StatusTimeout:
		c.publishEvent(ctx, req.ChargePointID, Event{Kind: EventCommandTimeout, CommandID: req.CommandID})
	case result.IsFailure():
		c.publishEvent(ctx, req.ChargePointID, Event{Kind: EventCommandFailed, CommandID: req.CommandID, Reason: string(result.Status)})
	default:
		c.publishEvent(ctx, req.ChargePointID, Event{Kind: EventCommandRejected, CommandID: req.CommandID, Reason: result.ErrorCode})
	}
}

func (c *Consumer) defaultPublishEvent(ctx context.Context, chargePointID string, event Event) {
	encoded, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := c.bus.Publish(events.TopicCommandEvents, chargePointID, encoded); err != nil && c.log != nil {
		c.log.Warn("command consumer: failed to publish command event",
			zap.String("charge_point_id", chargePointID), zap.String("kind", string(event.Kind)), zap.Error(err))
	}
}
