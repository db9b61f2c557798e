package realtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/benabook/ns-cafe/internal/domain/order"
)

// NotifyingRepository decorates an order.Repository so every successful
// mutation is announced on the bridge. Used with drivers whose transport
// does not observe the database directly (the RabbitMQ bridge); the
// Postgres driver gets its events from the row trigger instead.
//
// Announce failures are logged, not returned: the mutation is already
// durable, and observers recover on their next re-fetch.
type NotifyingRepository struct {
	order.Repository
	bridge Bridge
	lg     *zap.Logger
}

var _ order.Repository = (*NotifyingRepository)(nil)

// NewNotifyingRepository wraps repo so mutations announce on bridge.
func NewNotifyingRepository(repo order.Repository, bridge Bridge, lg *zap.Logger) *NotifyingRepository {
	return &NotifyingRepository{Repository: repo, bridge: bridge, lg: lg}
}

func (r *NotifyingRepository) Insert(ctx context.Context, o *order.Order) error {
	if err := r.Repository.Insert(ctx, o); err != nil {
		return err
	}
	r.announce(ctx, Event{OrderID: o.ID, Op: OpInsert})
	return nil
}

func (r *NotifyingRepository) UpdateStatus(ctx context.Context, id string, status order.Status, expectedVersion int64) error {
	if err := r.Repository.UpdateStatus(ctx, id, status, expectedVersion); err != nil {
		return err
	}
	r.announce(ctx, Event{OrderID: id, Op: OpUpdate})
	return nil
}

func (r *NotifyingRepository) UpdatePayment(ctx context.Context, id string, payment order.PaymentStatus, status *order.Status) error {
	if err := r.Repository.UpdatePayment(ctx, id, payment, status); err != nil {
		return err
	}
	r.announce(ctx, Event{OrderID: id, Op: OpUpdate})
	return nil
}

func (r *NotifyingRepository) announce(ctx context.Context, ev Event) {
	if err := r.bridge.Announce(ctx, ev); err != nil {
		r.lg.Warn("order change announce failed",
			zap.String("order_id", ev.OrderID),
			zap.Error(err))
	}
}
