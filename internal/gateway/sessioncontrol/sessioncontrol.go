// Package sessioncontrol implements the cross-node ForceDisconnect channel
// of §4.L: on a session TAKEOVER, the winning node publishes to the
// previous owner's session-control topic; that owner's consumer closes
// its local socket for the charge point, but only if its in-process
// sessionEpoch is still behind the new one (an echo-guard against closing
// a connection that has since re-won ownership).
package sessioncontrol

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/ports"
)

func NodeTopic(nodeID string) string { return "ocpp.session.control.node." + nodeID }

// ForceDisconnect is the wire message published on takeover.
type ForceDisconnect struct {
	ChargePointID  string `json:"chargePointId"`
	NewEpoch       int64  `json:"newEpoch"`
	NewOwnerNodeID string `json:"newOwnerNodeId"`
	Reason         string `json:"reason"`
}

// Closer closes the local socket for a charge point, reporting whether it
// closed one: false when no socket is held or its epoch is not behind
// (implemented by the connection manager, §4.H).
type Closer interface {
	ForceClose(chargePointID string, epoch int64, code int, reason string) (closed bool)
}

// CloseCode is the protocol "session transferred" close code (§6).
const CloseCode = 1012

// Publisher sends ForceDisconnect messages to a previous owner.
type Publisher struct {
	bus ports.EventBus
	log *zap.Logger
}

func NewPublisher(bus ports.EventBus, log *zap.Logger) *Publisher {
	return &Publisher{bus: bus, log: log}
}

// Publish sends a ForceDisconnect to previousOwnerNodeID.
func (p *Publisher) Publish(chargePointID, previousOwnerNodeID string, newEpoch int64, newOwnerNodeID string) error {
	msg := ForceDisconnect{
		ChargePointID:  chargePointID,
		NewEpoch:       newEpoch,
		NewOwnerNodeID: newOwnerNodeID,
		Reason:         "session transferred",
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.bus.Publish(NodeTopic(previousOwnerNodeID), chargePointID, encoded)
}

// Consumer subscribes to this node's own session-control topic and closes
// local sockets on instruction, guarded by epoch.
type Consumer struct {
	nodeID string
	bus    ports.EventBus
	closer Closer
	log    *zap.Logger
}

func NewConsumer(nodeID string, bus ports.EventBus, closer Closer, log *zap.Logger) *Consumer {
	return &Consumer{nodeID: nodeID, bus: bus, closer: closer, log: log}
}

// Start subscribes to this node's session-control topic.
func (c *Consumer) Start(ctx context.Context) error {
	return c.bus.Subscribe(NodeTopic(c.nodeID), func(data []byte) error {
		c.handle(data)
		return nil
	})
}

func (c *Consumer) handle(data []byte) {
	var msg ForceDisconnect
	if err := json.Unmarshal(data, &msg); err != nil {
		if c.log != nil {
			c.log.Warn("session control consumer: dropping unparseable message", zap.Error(err))
		}
		return
	}

	closed := c.closer.ForceClose(msg.ChargePointID, msg.NewEpoch, CloseCode, msg.Reason)
	if c.log != nil {
		c.log.Info("session control: force-disconnect processed",
			zap.String("charge_point_id", msg.ChargePointID),
			zap.Int64("new_epoch", msg.NewEpoch),
			zap.Bool("closed", closed))
	}
}
