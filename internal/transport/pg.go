package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caelansar/chat/internal/notify"
	"github.com/caelansar/chat/internal/registry"
)

// PgBackend rides the database's own notification channel. Postgres
// broadcasts every NOTIFY to every listening session, so each server process
// running this backend sees every change and can deliver to its locally
// connected subscribers without any shared queue.
type PgBackend struct {
	pool *pgxpool.Pool
	reg  *registry.Registry
}

// NewPgBackend creates a backend over an existing pool. The pool stays owned
// by the caller.
func NewPgBackend(pool *pgxpool.Pool, reg *registry.Registry) *PgBackend {
	return &PgBackend{pool: pool, reg: reg}
}

// Run holds one dedicated connection on LISTEN for the two chat channels and
// sequentially decodes and fans out each notification. It returns on context
// cancellation or when the connection fails; recovery is the caller's call.
func (b *PgBackend) Run(ctx context.Context) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	for _, channel := range []string{notify.ChannelChatUpdated, notify.ChannelChatMessageCreated} {
		if _, err := conn.Exec(ctx, "listen "+channel); err != nil {
			return fmt.Errorf("listen %s: %w", channel, err)
		}
	}
	log.Printf("transport: listening on %s, %s", notify.ChannelChatUpdated, notify.ChannelChatMessageCreated)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		b.handle(n.Channel, []byte(n.Payload))
	}
}

// handle decodes one raw notification and publishes to every affected user.
// A decode failure is dropped: the write behind it is already committed and
// this backend has no way to re-derive the record.
func (b *PgBackend) handle(channel string, payload []byte) {
	n, err := notify.Decode(channel, payload)
	if err != nil {
		log.Printf("transport: dropping notification: %v", err)
		return
	}
	for _, userID := range n.UserIDs {
		b.reg.Publish(userID, n.Event)
	}
}

// Close is a no-op; the listen connection is released when Run returns and
// the pool belongs to the caller.
func (b *PgBackend) Close() error { return nil }

// PgPublisher emits raw change records over NOTIFY. The usual producer is a
// database trigger; this explicit publisher serves write paths (and tests)
// that need to emit without one.
type PgPublisher struct {
	pool *pgxpool.Pool
}

// NewPgPublisher creates a publisher over an existing pool.
func NewPgPublisher(pool *pgxpool.Pool) *PgPublisher {
	return &PgPublisher{pool: pool}
}

// Publish serializes payload as JSON and notifies topic with it.
func (p *PgPublisher) Publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}
	if _, err := p.pool.Exec(ctx, "select pg_notify($1, $2)", topic, string(body)); err != nil {
		return fmt.Errorf("pg_notify %s: %w", topic, err)
	}
	return nil
}
