// Package payment integrates external payment processors. Two
// interchangeable strategies exist: a card payment-intent flow confirmed by
// webhook, and a lightning invoice flow settled by webhook or polling.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount rejects non-positive charge amounts before any
	// provider call is made.
	ErrInvalidAmount = errors.New("payment amount must be positive")
	// ErrBadSignature rejects webhook payloads that fail verification.
	// Unverified payloads are never processed.
	ErrBadSignature = errors.New("webhook signature verification failed")
	// ErrPaymentExpired is surfaced when polling reaches the payment
	// request's expiry without settlement. No status mutation accompanies it.
	ErrPaymentExpired = errors.New("payment request expired")
)

// ProviderError wraps a failed or malformed external processor response.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("payment provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// MalformedPayloadError indicates a webhook payload missing required fields
// or carrying values outside the closed domain.
type MalformedPayloadError struct {
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed webhook payload: %s", e.Reason)
}

// Request is a payment handle obtained from a processor. Handle correlates
// webhooks and polls back to the order; exactly one of ClientSecret or
// Invoice is set depending on the strategy.
type Request struct {
	Handle       string
	ClientSecret string
	Invoice      string
	ExpiresAt    time.Time
}

// Settlement is the domain command produced by a verified webhook event.
// EventID backs idempotent application; Paid false means the processor
// reported a definitive failure. Handle is the processor-side payment
// identifier, used by the transport layer to verify that the claimed order
// actually owns the payment.
type Settlement struct {
	EventID string
	OrderID string
	Handle  string
	Paid    bool
}

// Adapter obtains a payment handle from an external processor and reports
// settlement status.
type Adapter interface {
	// CreateRequest initiates a payment for the given amount in the
	// configured fiat currency. Fails with ErrInvalidAmount on non-positive
	// amounts and *ProviderError on processor failures.
	CreateRequest(ctx context.Context, orderID string, amount decimal.Decimal) (*Request, error)
	// PollStatus reports whether the payment behind handle has settled.
	PollStatus(ctx context.Context, handle string) (settled bool, err error)
}

// WebhookParser verifies and decodes a processor callback into a
// Settlement. Verification failures return ErrBadSignature; structurally
// invalid payloads return *MalformedPayloadError.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*Settlement, error)
}

// RateSource looks up a spot exchange rate: how many units of quote buy
// one unit of base. A lookup failure fails the payment request; there is
// no fallback to a stale or default rate.
type RateSource interface {
	GetRate(ctx context.Context, base, quote string) (decimal.Decimal, error)
}
