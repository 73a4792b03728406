// Package transport feeds the subscriber registry from one of two
// interchangeable sources: the Postgres notification channel or an AMQP
// queue. Which one runs is decided once, at startup, from configuration; the
// decoder and the registry never see the difference.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caelansar/chat/internal/config"
	"github.com/caelansar/chat/internal/registry"
)

// ErrClosed is returned by operations on a backend after Close.
var ErrClosed = errors.New("transport: backend is closed")

// Backend is a long-running event source. Run blocks until the context is
// cancelled or the transport fails; it does not reconnect by itself, the
// caller decides whether to restart it.
type Backend interface {
	Run(ctx context.Context) error
	Close() error
}

// New selects and constructs the backend named by cfg.Transport.
func New(cfg *config.Config, pool *pgxpool.Pool, reg *registry.Registry) (Backend, error) {
	switch cfg.Transport {
	case "pg":
		if pool == nil {
			return nil, fmt.Errorf("pg transport requires a database connection")
		}
		return NewPgBackend(pool, reg), nil
	case "amqp":
		return NewAmqpBackend(cfg.AMQPURL, reg)
	default:
		return nil, fmt.Errorf("unknown transport %q (want pg or amqp)", cfg.Transport)
	}
}
