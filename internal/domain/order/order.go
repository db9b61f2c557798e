package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors for repository and lifecycle operations.
var (
	ErrNotFound = errors.New("order not found")
	ErrConflict = errors.New("order already exists")
	// ErrVersionMismatch indicates a concurrent update won; the caller should
	// re-fetch and retry.
	ErrVersionMismatch = errors.New("order version mismatch")
)

// Status tracks kitchen fulfillment. Orders move linearly
// pending -> preparing -> ready -> completed; cancelled is reachable from
// any non-terminal state and, like completed, is absorbing.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ParseStatus validates a raw status value. Unknown values are rejected
// rather than passed through.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusPreparing, StatusReady, StatusCompleted, StatusCancelled:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

// Next returns the linear successor status and whether one exists.
// Terminal states have no successor.
func (s Status) Next() (Status, bool) {
	switch s {
	case StatusPending:
		return StatusPreparing, true
	case StatusPreparing:
		return StatusReady, true
	case StatusReady:
		return StatusCompleted, true
	}
	return "", false
}

// Terminal reports whether no transition is defined out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether target is a legal transition from s.
// Legal targets are exactly the linear successor and cancellation from a
// non-terminal state. Re-issuing the current status is not legal: a no-op
// transition almost always means a caller bug, so it is rejected instead
// of silently succeeding.
func (s Status) CanTransition(target Status) bool {
	if next, ok := s.Next(); ok && target == next {
		return true
	}
	return target == StatusCancelled && !s.Terminal()
}

// PaymentStatus tracks settlement independently of kitchen status.
// pending -> paid or pending -> failed; both outcomes are terminal.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// ParsePaymentStatus validates a raw payment status value.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch PaymentStatus(s) {
	case PaymentPending, PaymentPaid, PaymentFailed:
		return PaymentStatus(s), nil
	}
	return "", fmt.Errorf("unknown payment status %q", s)
}

// Terminal reports whether the payment outcome is settled.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentPaid || s == PaymentFailed
}

// PaymentMethod identifies which payment adapter handles the order.
type PaymentMethod string

const (
	MethodCard      PaymentMethod = "card"
	MethodLightning PaymentMethod = "lightning"
)

// ParsePaymentMethod validates a raw payment method value.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch PaymentMethod(s) {
	case MethodCard, MethodLightning:
		return PaymentMethod(s), nil
	}
	return "", fmt.Errorf("unknown payment method %q", s)
}

// PickupTimes are the offered pickup slots in minutes from checkout.
var PickupTimes = []int{10, 15, 20, 30}

// ValidPickupTime reports whether minutes is one of the offered slots.
func ValidPickupTime(minutes int) bool {
	for _, m := range PickupTimes {
		if m == minutes {
			return true
		}
	}
	return false
}

// Option is a menu item customization chosen by the customer.
type Option struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	PriceDelta decimal.Decimal `json:"price_delta"`
}

// Item is an immutable snapshot of a cart line item, copied into the order
// at checkout. UnitPrice already includes the selected option's delta.
type Item struct {
	ID                  string          `json:"id"`
	MenuItemID          string          `json:"menu_item_id"`
	Name                string          `json:"name"`
	UnitPrice           decimal.Decimal `json:"unit_price"`
	Quantity            int             `json:"quantity"`
	SelectedOption      *Option         `json:"selected_option,omitempty"`
	SpecialInstructions string          `json:"special_instructions,omitempty"`
}

// CustomerInfo identifies who placed the order. Attached at creation and
// never mutated after.
type CustomerInfo struct {
	Name    string `json:"name"`
	Discord string `json:"discord,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// Order is a persisted record of a completed checkout. Status and
// PaymentStatus are independent axes, coupled only by the business rule in
// Service.RecordPaymentOutcome. Version increments on every stored status
// change and backs the optimistic concurrency check.
type Order struct {
	ID                string
	Items             []Item
	Customer          CustomerInfo
	Total             decimal.Decimal
	PickupTimeMinutes int
	Status            Status
	PaymentStatus     PaymentStatus
	PaymentMethod     PaymentMethod
	PaymentHandle     string
	Version           int64
	CreatedAt         time.Time
}

// Repository defines durable persistence for orders. No business rules
// live here; transition legality is the Service's job.
type Repository interface {
	Insert(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	// GetAll returns orders newest first, optionally filtered by status.
	GetAll(ctx context.Context, status *Status) ([]Order, error)
	// UpdateStatus persists a status change guarded by the expected version.
	// Returns ErrVersionMismatch when a concurrent writer won.
	UpdateStatus(ctx context.Context, id string, status Status, expectedVersion int64) error
	// UpdatePayment persists a payment outcome, optionally advancing the
	// kitchen status in the same write.
	UpdatePayment(ctx context.Context, id string, payment PaymentStatus, status *Status) error
	SetPaymentHandle(ctx context.Context, id, handle string) error
	FindIDByPaymentHandle(ctx context.Context, handle string) (string, error)
	// MarkEventProcessed records a settlement event id, reporting whether it
	// was seen before. Backs webhook idempotence.
	MarkEventProcessed(ctx context.Context, eventID string) (already bool, err error)
	// UnmarkEvent releases a marked event id so a redelivery can be applied.
	// Called when applying the settlement fails after the mark.
	UnmarkEvent(ctx context.Context, eventID string) error
}
