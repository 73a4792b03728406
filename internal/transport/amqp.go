package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/caelansar/chat/internal/event"
	"github.com/caelansar/chat/internal/registry"
)

// Broker topology. The names are part of the wire contract shared with
// producers and with whatever tooling inspects the dead-letter queue.
const (
	chatExchange       = "chat.exchange"
	chatQueue          = "chat.queue"
	deadLetterExchange = "chat-dead-letter.exchange"
	deadLetterQueue    = "chat-dead-letter.queue"
)

// AmqpBackend decouples the write path from delivery through a durable
// queue. A queue message is consumed by exactly one competing consumer, so
// under this backend only the node that dequeues an envelope can deliver it
// locally.
type AmqpBackend struct {
	conn *amqp.Connection
	reg  *registry.Registry

	mu     sync.Mutex
	closed bool
}

// NewAmqpBackend connects to the broker and declares the full topology,
// including the dead-letter routing for messages the consumer cannot
// process.
func NewAmqpBackend(url string, reg *registry.Registry) (*AmqpBackend, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	b := &AmqpBackend{conn: conn, reg: reg}
	if err := b.declareTopology(); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *AmqpBackend) declareTopology() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open declare channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(deadLetterExchange, "direct", false, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", deadLetterExchange, err)
	}
	if _, err := ch.QueueDeclare(deadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", deadLetterQueue, err)
	}
	if err := ch.QueueBind(deadLetterQueue, "", deadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", deadLetterQueue, err)
	}

	if err := ch.ExchangeDeclare(chatExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", chatExchange, err)
	}
	// Anything rejected off chat.queue is routed to the dead-letter exchange
	// instead of being lost or redelivered forever.
	args := amqp.Table{"x-dead-letter-exchange": deadLetterExchange}
	if _, err := ch.QueueDeclare(chatQueue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare %s: %w", chatQueue, err)
	}
	if err := ch.QueueBind(chatQueue, "", chatExchange, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", chatQueue, err)
	}
	return nil
}

// Publish serializes env and publishes it to the chat exchange. Failures
// propagate to the caller; the write path decides whether that fails the
// request.
func (b *AmqpBackend) Publish(ctx context.Context, env event.Envelope) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, chatExchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", chatExchange, err)
	}
	return nil
}

// Run consumes chat.queue with manual acknowledgements until the context is
// cancelled or the delivery stream closes.
func (b *AmqpBackend) Run(ctx context.Context) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	defer ch.Close()

	deliveries, err := ch.Consume(chatQueue, "chat-consumer", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", chatQueue, err)
	}
	log.Printf("transport: consuming %s", chatQueue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%s delivery stream closed", chatQueue)
			}
			b.handleDelivery(ctx, d)
		}
	}
}

// handleDelivery acks and fans out a well-formed envelope. A malformed body
// is rejected without requeue, which routes it to the dead-letter queue. A
// delivery read during shutdown is requeued rather than acked, so cancelling
// never loses it.
func (b *AmqpBackend) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var env event.Envelope
	if err := env.UnmarshalJSON(d.Body); err != nil {
		log.Printf("transport: rejecting delivery to dead letter: %v", err)
		if err := d.Reject(false); err != nil {
			log.Printf("transport: reject failed: %v", err)
		}
		return
	}

	if ctx.Err() != nil {
		if err := d.Nack(false, true); err != nil {
			log.Printf("transport: requeue on shutdown failed: %v", err)
		}
		return
	}

	if err := d.Ack(false); err != nil {
		log.Printf("transport: ack failed: %v", err)
		return
	}
	b.reg.Publish(env.UserID, env.Event)
}

// Close shuts the broker connection down. Publish returns ErrClosed
// afterwards.
func (b *AmqpBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.conn.Close()
}
