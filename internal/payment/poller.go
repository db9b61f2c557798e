package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// SettleFunc applies a settlement outcome exactly once per event id.
type SettleFunc func(ctx context.Context, eventID, orderID string, paid bool) error

// Poller watches unsettled payment handles by polling the adapter on a
// fixed interval. A watch stops on settlement, on cancellation, or at the
// handle's expiry; past expiry it performs no status mutation and surfaces
// ErrPaymentExpired.
type Poller struct {
	adapter  Adapter
	settle   SettleFunc
	interval time.Duration
	lg       *zap.Logger
	now      func() time.Time
}

// NewPoller creates a Poller. settle is invoked once when a watched handle
// settles; the event id is derived from the handle so a concurrent webhook
// for the same settlement cannot double-apply.
func NewPoller(adapter Adapter, settle SettleFunc, interval time.Duration, lg *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		adapter:  adapter,
		settle:   settle,
		interval: interval,
		lg:       lg,
		now:      time.Now,
	}
}

// Watch starts a background poll loop for the handle and returns its
// cancel func. Cancelling releases the loop's timer immediately; no tick
// fires after cancel returns.
func (p *Poller) Watch(ctx context.Context, orderID, handle string, expiresAt time.Time) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		err := p.Run(ctx, orderID, handle, expiresAt)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, ErrPaymentExpired):
			p.lg.Info("payment watch expired",
				zap.String("order_id", orderID),
				zap.String("handle", handle))
		default:
			p.lg.Error("payment watch failed",
				zap.String("order_id", orderID),
				zap.String("handle", handle),
				zap.Error(err))
		}
	}()
	return cancel
}

// Run polls until the handle settles, ctx is cancelled, or expiresAt
// passes. It returns ErrPaymentExpired at expiry without mutating any
// state. Transient poll errors are logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context, orderID, handle string, expiresAt time.Time) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		// Check before waiting as well: a handle already past expiry must
		// not sit out a full interval first.
		if !p.now().Before(expiresAt) {
			return ErrPaymentExpired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if !p.now().Before(expiresAt) {
			return ErrPaymentExpired
		}

		settled, err := p.adapter.PollStatus(ctx, handle)
		if err != nil {
			p.lg.Warn("payment status poll failed",
				zap.String("handle", handle),
				zap.Error(err))
			continue
		}
		if !settled {
			continue
		}

		if err := p.settle(ctx, eventKey(handle, "paid"), orderID, true); err != nil {
			return errors.Wrap(err, "apply settlement")
		}
		return nil
	}
}
