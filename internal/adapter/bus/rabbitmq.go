package bus

import (
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/ports"
)

// RabbitMQBus is the alternate EventBus transport, adapted from the
// teacher's internal/adapter/queue/rabbitmq.go: fanout exchange per
// subject, anonymous auto-delete queue per subscriber, automatic
// reconnect on connection loss.
type RabbitMQBus struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	url     string
	mu      sync.RWMutex
	log     *zap.Logger
}

func NewRabbitMQBus(url string, log *zap.Logger) (ports.EventBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open RabbitMQ channel: %w", err)
	}

	b := &RabbitMQBus{conn: conn, channel: ch, url: url, log: log}
	go b.monitorConnection()

	log.Info("connected to RabbitMQ", zap.String("url", url))
	return b, nil
}

// Publish stamps partitionKey onto the message headers. The exchange
// stays fanout (every subscriber still gets every message); the header
// is what a downstream consumer group hashes on to keep one charge
// point's events in order.
func (b *RabbitMQBus) Publish(subject, partitionKey string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.channel == nil {
		return fmt.Errorf("rabbitmq: channel not available")
	}

	if err := b.channel.ExchangeDeclare(subject, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declare exchange: %w", err)
	}

	return b.channel.Publish(subject, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        data,
		Timestamp:   time.Now(),
		Headers:     amqp.Table{"partition_key": partitionKey},
	})
}

func (b *RabbitMQBus) Subscribe(subject string, handler func(data []byte) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.channel == nil {
		return fmt.Errorf("rabbitmq: channel not available")
	}

	if err := b.channel.ExchangeDeclare(subject, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declare exchange: %w", err)
	}

	queue, err := b.channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: declare queue: %w", err)
	}

	if err := b.channel.QueueBind(queue.Name, "", subject, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: bind queue: %w", err)
	}

	msgs, err := b.channel.Consume(queue.Name, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: consume: %w", err)
	}

	go func() {
		for msg := range msgs {
			if err := handler(msg.Body); err != nil {
				b.log.Error("bus message handler failed", zap.String("exchange", subject), zap.Error(err))
			}
		}
	}()

	b.log.Info("subscribed to RabbitMQ exchange", zap.String("exchange", subject))
	return nil
}

func (b *RabbitMQBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.channel != nil {
		b.channel.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *RabbitMQBus) monitorConnection() {
	for {
		reason, ok := <-b.conn.NotifyClose(make(chan *amqp.Error))
		if !ok {
			return
		}
		b.log.Warn("RabbitMQ connection lost, reconnecting", zap.String("reason", reason.Reason))

		for {
			time.Sleep(5 * time.Second)
			conn, err := amqp.Dial(b.url)
			if err != nil {
				b.log.Error("failed to reconnect to RabbitMQ", zap.Error(err))
				continue
			}
			ch, err := conn.Channel()
			if err != nil {
				conn.Close()
				continue
			}

			b.mu.Lock()
			b.conn = conn
			b.channel = ch
			b.mu.Unlock()

			b.log.Info("reconnected to RabbitMQ")
			break
		}
	}
}
