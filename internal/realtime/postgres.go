package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// channelName is the Postgres NOTIFY channel the orders-table trigger
// writes to (see db/migrations).
const channelName = "order_changes"

// PostgresBridge feeds the hub from Postgres LISTEN/NOTIFY. The orders
// table carries a trigger that NOTIFYs on every insert and update, so any
// writer (this process, another replica, a manual fix in psql) reaches
// all observers.
type PostgresBridge struct {
	pool *pgxpool.Pool
	hub  *Hub
	lg   *zap.Logger

	retryDelay time.Duration
}

var _ Bridge = (*PostgresBridge)(nil)

// NewPostgresBridge creates a bridge listening on the given pool.
func NewPostgresBridge(pool *pgxpool.Pool, hub *Hub, lg *zap.Logger) *PostgresBridge {
	return &PostgresBridge{pool: pool, hub: hub, lg: lg, retryDelay: 3 * time.Second}
}

// Run listens for notifications until ctx is done, reconnecting with a
// fixed delay when the listening connection drops.
func (b *PostgresBridge) Run(ctx context.Context) error {
	for {
		err := b.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.lg.Warn("order change listener disconnected, retrying",
			zap.Error(err),
			zap.Duration("delay", b.retryDelay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.retryDelay):
		}
	}
}

// listen holds one dedicated connection in LISTEN mode and forwards each
// notification payload to the hub.
func (b *PostgresBridge) listen(ctx context.Context) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire listen connection")
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+channelName); err != nil {
		return errors.Wrap(err, "listen")
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return errors.Wrap(err, "wait for notification")
		}

		var ev Event
		if err := json.Unmarshal([]byte(notification.Payload), &ev); err != nil {
			b.lg.Warn("discarding unparseable order change notification",
				zap.String("payload", notification.Payload),
				zap.Error(err))
			continue
		}
		b.hub.Publish(ev)
	}
}

// Subscribe registers a local observer.
func (b *PostgresBridge) Subscribe(buffer int) (<-chan Event, func()) {
	return b.hub.Subscribe(buffer)
}

// Announce is a no-op: the row trigger already notifies every listener,
// including this process.
func (b *PostgresBridge) Announce(context.Context, Event) error { return nil }
