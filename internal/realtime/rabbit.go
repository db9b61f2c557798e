package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// exchangeName is the fanout exchange order change events travel through
// when multiple API replicas each serve their own admin sessions.
const exchangeName = "cafe.order.events"

// RabbitBridge fans order change events across API replicas through a
// RabbitMQ fanout exchange. Each replica binds an exclusive queue, so
// every replica (including the publisher) sees every event and forwards
// it to its local hub.
//
// The consumer loop and Announce run on different goroutines (Announce is
// called from HTTP handlers via NotifyingRepository), so connection state
// is guarded by a mutex and each side publishes or consumes on its own
// AMQP channel.
type RabbitBridge struct {
	url string
	hub *Hub
	lg  *zap.Logger

	retryDelay time.Duration

	mu    sync.Mutex
	conn  *amqp091.Connection
	pubCh *amqp091.Channel
}

var _ Bridge = (*RabbitBridge)(nil)

// NewRabbitBridge creates a bridge for the given AMQP URL.
func NewRabbitBridge(url string, hub *Hub, lg *zap.Logger) *RabbitBridge {
	return &RabbitBridge{url: url, hub: hub, lg: lg, retryDelay: 3 * time.Second}
}

// Run consumes the fanout exchange until ctx is done, reconnecting with a
// fixed delay when the connection drops.
func (b *RabbitBridge) Run(ctx context.Context) error {
	for {
		err := b.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.lg.Warn("order event consumer disconnected, retrying",
			zap.Error(err),
			zap.Duration("delay", b.retryDelay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.retryDelay):
		}
	}
}

func (b *RabbitBridge) consume(ctx context.Context) error {
	ch, err := b.openChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return errors.Wrap(err, "declare queue")
	}
	if err := ch.QueueBind(q.Name, "", exchangeName, false, nil); err != nil {
		return errors.Wrap(err, "bind queue")
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "consume")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			var ev Event
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				b.lg.Warn("discarding unparseable order event",
					zap.Error(err))
				continue
			}
			b.hub.Publish(ev)
		}
	}
}

// connection returns a live connection, dialing when needed. Caller must
// hold b.mu. A fresh dial invalidates the cached publisher channel.
func (b *RabbitBridge) connection() (*amqp091.Connection, error) {
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}

	conn, err := amqp091.Dial(b.url)
	if err != nil {
		return nil, errors.Wrap(err, "dial rabbitmq")
	}
	b.conn = conn
	b.pubCh = nil
	return conn, nil
}

// openChannel opens a fresh channel with the exchange declared. The caller
// owns the channel and closes it.
func (b *RabbitBridge) openChannel() (*amqp091.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := b.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(exchangeName, "fanout", false, false, false, false, nil); err != nil {
		ch.Close()
		return nil, errors.Wrap(err, "declare exchange")
	}
	return ch, nil
}

// Subscribe registers a local observer.
func (b *RabbitBridge) Subscribe(buffer int) (<-chan Event, func()) {
	return b.hub.Subscribe(buffer)
}

// Announce publishes a local mutation to the exchange. The publishing
// replica receives its own event back through its bound queue, which is
// how the event reaches the local hub.
func (b *RabbitBridge) Announce(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pubCh == nil || b.pubCh.IsClosed() {
		conn, err := b.connection()
		if err != nil {
			return err
		}
		ch, err := conn.Channel()
		if err != nil {
			return errors.Wrap(err, "open publisher channel")
		}
		if err := ch.ExchangeDeclare(exchangeName, "fanout", false, false, false, false, nil); err != nil {
			ch.Close()
			return errors.Wrap(err, "declare exchange")
		}
		b.pubCh = ch
	}

	err = b.pubCh.PublishWithContext(ctx, exchangeName, "", false, false, amqp091.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
	if err != nil {
		return errors.Wrap(err, "publish event")
	}
	return nil
}

// Close releases the AMQP connection.
func (b *RabbitBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
