package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sentinel errors for checkout validation.
var (
	ErrEmptyCart    = errors.New("cart is empty")
	ErrNameRequired = errors.New("customer name is required")
)

// InvalidPickupTimeError indicates a pickup time outside the offered slots.
type InvalidPickupTimeError struct {
	Minutes int
}

func (e *InvalidPickupTimeError) Error() string {
	return fmt.Sprintf("pickup time %d minutes is not offered", e.Minutes)
}

// IllegalTransitionError indicates a status transition outside the legal
// set {linear next, cancelled}. The stored order is left unchanged.
type IllegalTransitionError struct {
	OrderID string
	From    Status
	To      Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("order %s: illegal transition %s -> %s", e.OrderID, e.From, e.To)
}

// PaymentWatcher starts a background settlement watch for a payment handle.
// The returned cancel func must stop the watch without further side effects.
type PaymentWatcher interface {
	Watch(ctx context.Context, orderID, handle string, expiresAt time.Time) (cancel func())
}

// Service is the order lifecycle controller: it is the sole authority on
// which status transitions are legal and on coupling payment outcomes to
// status changes. It also owns the lifetime of payment watch tasks so that
// no poll loop outlives the order it serves.
type Service struct {
	orders  Repository
	watcher PaymentWatcher
	taxRate decimal.Decimal
	now     func() time.Time

	mu      sync.Mutex
	watches map[string]func()
}

// NewService creates a lifecycle controller. taxRate is the service tax
// applied over the cart subtotal at creation time (0.06 for 6%); pass
// decimal.Zero to disable. watcher may be nil when polling is not used.
func NewService(orders Repository, watcher PaymentWatcher, taxRate decimal.Decimal) *Service {
	return &Service{
		orders:  orders,
		watcher: watcher,
		taxRate: taxRate,
		now:     time.Now,
		watches: make(map[string]func()),
	}
}

// CreateOrder turns a cart snapshot plus customer info into a persisted
// order. The total is computed deterministically from the snapshot, service
// tax included, and is never recomputed later.
func (s *Service) CreateOrder(ctx context.Context, items []Item, customer CustomerInfo, pickupMinutes int, method PaymentMethod) (*Order, error) {
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}
	if customer.Name == "" {
		return nil, ErrNameRequired
	}
	if !ValidPickupTime(pickupMinutes) {
		return nil, &InvalidPickupTimeError{Minutes: pickupMinutes}
	}

	subtotal := decimal.Zero
	for _, item := range items {
		qty := decimal.NewFromInt(int64(item.Quantity))
		subtotal = subtotal.Add(item.UnitPrice.Mul(qty))
	}

	total := subtotal
	if s.taxRate.IsPositive() {
		total = subtotal.Mul(decimal.NewFromInt(1).Add(s.taxRate))
	}
	total = total.Round(2)

	snapshot := make([]Item, len(items))
	copy(snapshot, items)

	o := &Order{
		ID:                uuid.New().String(),
		Items:             snapshot,
		Customer:          customer,
		Total:             total,
		PickupTimeMinutes: pickupMinutes,
		Status:            StatusPending,
		PaymentStatus:     PaymentPending,
		PaymentMethod:     method,
		Version:           1,
		CreatedAt:         s.now().UTC(),
	}
	if err := s.orders.Insert(ctx, o); err != nil {
		return nil, errors.Wrap(err, "insert order")
	}

	return o, nil
}

// TransitionStatus moves an order to target if the transition is legal from
// its current status, returning the updated order. Illegal targets fail
// with *IllegalTransitionError and leave stored state unchanged.
func (s *Service) TransitionStatus(ctx context.Context, id string, target Status) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !o.Status.CanTransition(target) {
		return nil, &IllegalTransitionError{OrderID: id, From: o.Status, To: target}
	}

	if err := s.orders.UpdateStatus(ctx, id, target, o.Version); err != nil {
		return nil, err
	}

	o.Status = target
	o.Version++

	// A cancelled order no longer needs a settlement watch.
	if target == StatusCancelled {
		s.StopPaymentWatch(id)
	}

	return o, nil
}

// RecordPaymentOutcome applies a settlement result. When paid and the order
// is still pending, the kitchen status advances to preparing in the same
// write. When failed, the status is left unchanged so staff can retry or
// cancel. A terminal payment status makes this a no-op, which keeps
// webhook/poll races harmless.
func (s *Service) RecordPaymentOutcome(ctx context.Context, id string, paid bool) error {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if o.PaymentStatus.Terminal() {
		return nil
	}

	payment := PaymentFailed
	var status *Status
	if paid {
		payment = PaymentPaid
		if o.Status == StatusPending {
			preparing := StatusPreparing
			status = &preparing
		}
	}

	if err := s.orders.UpdatePayment(ctx, id, payment, status); err != nil {
		return err
	}

	s.StopPaymentWatch(id)
	return nil
}

// ApplySettlement records a settlement event exactly once. Replays of the
// same event id are acknowledged without re-applying side effects. When the
// outcome write fails the event id is released again, so the processor's
// redelivery of the same event still gets applied instead of being dropped.
func (s *Service) ApplySettlement(ctx context.Context, eventID, orderID string, paid bool) error {
	already, err := s.orders.MarkEventProcessed(ctx, eventID)
	if err != nil {
		return errors.Wrap(err, "record settlement event")
	}
	if already {
		return nil
	}
	if err := s.RecordPaymentOutcome(ctx, orderID, paid); err != nil {
		if uerr := s.orders.UnmarkEvent(ctx, eventID); uerr != nil {
			return errors.Wrapf(err, "apply settlement (event %s left marked: %v)", eventID, uerr)
		}
		return errors.Wrap(err, "apply settlement")
	}
	return nil
}

// AttachPaymentHandle persists the payment handle so later webhooks and
// status checks can correlate back to the order.
func (s *Service) AttachPaymentHandle(ctx context.Context, id, handle string) error {
	return s.orders.SetPaymentHandle(ctx, id, handle)
}

// StartPaymentWatch begins polling for settlement of the given order's
// payment handle. Any previous watch for the same order is cancelled first.
func (s *Service) StartPaymentWatch(ctx context.Context, orderID, handle string, expiresAt time.Time) {
	if s.watcher == nil {
		return
	}

	s.mu.Lock()
	if prev, ok := s.watches[orderID]; ok {
		prev()
	}
	s.watches[orderID] = s.watcher.Watch(ctx, orderID, handle, expiresAt)
	s.mu.Unlock()
}

// StopPaymentWatch cancels the settlement watch for an order, if any.
// Safe to call for orders without a watch.
func (s *Service) StopPaymentWatch(orderID string) {
	s.mu.Lock()
	cancel, ok := s.watches[orderID]
	if ok {
		delete(s.watches, orderID)
	}
	s.mu.Unlock()

	if ok {
		cancel()
	}
}

// Get returns a single order by id.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.orders.GetByID(ctx, id)
}

// List returns orders newest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status *Status) ([]Order, error) {
	return s.orders.GetAll(ctx, status)
}
