// Package bus provides ports.EventBus implementations for the outbound
// command pipeline (§4.K) and session-control channel (§4.L). NATSBus is
// the primary transport, adapted from the teacher's
// internal/adapter/queue/nats.go; RabbitMQBus (rabbitmq.go) is the
// alternate transport, adapted from internal/adapter/queue/rabbitmq.go.
package bus

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/ports"
)

type NATSBus struct {
	conn *nats.Conn
	log  *zap.Logger
}

func NewNATSBus(url string, log *zap.Logger) (ports.EventBus, error) {
	nc, err := nats.Connect(url, nats.ReconnectWait(2), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	log.Info("connected to NATS", zap.String("url", url))
	return &NATSBus{conn: nc, log: log}, nil
}

// Publish carries partitionKey as a message header (Nats-Partition-Key)
// rather than folding it into the subject: NATS core has no native
// partitioned-subject concept, so the header is the signal a downstream
// consumer group hashes on to keep one charge point's events ordered.
func (b *NATSBus) Publish(subject, partitionKey string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data}
	if partitionKey != "" {
		msg.Header = nats.Header{"Nats-Partition-Key": []string{partitionKey}}
	}
	return b.conn.PublishMsg(msg)
}

func (b *NATSBus) Subscribe(subject string, handler func(data []byte) error) error {
	_, err := b.conn.QueueSubscribe(subject, subject+"-workers", func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			b.log.Error("bus message handler failed", zap.String("subject", subject), zap.Error(err))
		}
	})
	return err
}

func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}
