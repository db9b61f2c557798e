// Package handler exposes the café's HTTP API: menu browsing, session
// carts, checkout, order tracking, staff order management, payment
// webhooks, and the kitchen's realtime change feed.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/benabook/ns-cafe/internal/domain/auth"
	"github.com/benabook/ns-cafe/internal/domain/cart"
	"github.com/benabook/ns-cafe/internal/domain/menu"
	"github.com/benabook/ns-cafe/internal/domain/order"
	"github.com/benabook/ns-cafe/internal/payment"
	"github.com/benabook/ns-cafe/internal/realtime"
)

// SessionCookie names the cookie carrying the anonymous cart session id.
const SessionCookie = "cafe_session"

// CartStore opens the durable cart port for one session.
type CartStore interface {
	ForSession(sessionID string) cart.Persistence
}

// HandleResolver maps a processor-side payment identifier back to the
// order that owns it. Backs the webhook ownership check.
type HandleResolver interface {
	FindIDByPaymentHandle(ctx context.Context, handle string) (string, error)
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// ImageBaseURL is prepended to relative image paths in menu responses.
	// When empty, image paths are returned as stored in the database.
	ImageBaseURL string
	// SSEHeartbeat is the keep-alive comment interval on the change feed.
	SSEHeartbeat time.Duration
}

// Handler routes HTTP requests to the domain services. It owns no business
// rules: request decoding, session plumbing, and error-to-status mapping
// only.
type Handler struct {
	cfg      Config
	menu     menu.Repository
	carts    CartStore
	orders   *order.Service
	adapters map[order.PaymentMethod]payment.Adapter
	parsers  map[order.PaymentMethod]payment.WebhookParser
	handles  HandleResolver
	verifier *auth.Verifier
	hub      *realtime.Hub
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	cfg Config,
	menuRepo menu.Repository,
	carts CartStore,
	orders *order.Service,
	adapters map[order.PaymentMethod]payment.Adapter,
	parsers map[order.PaymentMethod]payment.WebhookParser,
	handles HandleResolver,
	verifier *auth.Verifier,
	hub *realtime.Hub,
) *Handler {
	if cfg.SSEHeartbeat <= 0 {
		cfg.SSEHeartbeat = 15 * time.Second
	}
	return &Handler{
		cfg:      cfg,
		menu:     menuRepo,
		carts:    carts,
		orders:   orders,
		adapters: adapters,
		parsers:  parsers,
		handles:  handles,
		verifier: verifier,
		hub:      hub,
	}
}

// Routes registers every endpoint on a fresh mux. Staff endpoints are
// wrapped with API key authentication.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/menu", h.listMenu)
	mux.HandleFunc("GET /api/menu/{id}", h.getMenuItem)

	mux.HandleFunc("GET /api/cart", h.getCart)
	mux.HandleFunc("POST /api/cart/items", h.addCartItem)
	mux.HandleFunc("PATCH /api/cart/items/{id}", h.updateCartItem)
	mux.HandleFunc("DELETE /api/cart/items/{id}", h.removeCartItem)
	mux.HandleFunc("DELETE /api/cart", h.clearCart)

	mux.HandleFunc("POST /api/checkout", h.checkout)
	mux.HandleFunc("GET /api/orders/{id}", h.getOrder)
	mux.HandleFunc("GET /api/orders/{id}/payment", h.getPaymentStatus)

	mux.Handle("GET /api/orders", h.requireAPIKey(auth.ScopeOrdersRead, h.listOrders))
	mux.Handle("POST /api/orders/{id}/status", h.requireAPIKey(auth.ScopeOrdersWrite, h.transitionOrder))
	mux.Handle("GET /api/admin/orders/events", h.requireAPIKey(auth.ScopeOrdersRead, h.orderEvents))

	mux.HandleFunc("POST /webhooks/card", h.webhook(order.MethodCard))
	mux.HandleFunc("POST /webhooks/lightning", h.webhook(order.MethodLightning))

	return mux
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

const (
	codeInvalidRequestBody = "invalid_request_body"
	codeValidation         = "validation_failed"
	codeNotFound           = "not_found"
	codeConflict           = "conflict"
	codeIllegalTransition  = "illegal_transition"
	codeUnauthorized       = "unauthorized"
	codeBadSignature       = "bad_signature"
	codePaymentExpired     = "payment_expired"
	codeProviderFailure    = "payment_provider_failure"
	codeInternalError      = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// writeDomainError maps domain failures onto HTTP statuses. Anything it
// does not recognize is a 500, logged with the request context.
func writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		pickupErr     *order.InvalidPickupTimeError
		transitionErr *order.IllegalTransitionError
	)
	switch {
	case errors.Is(err, order.ErrNotFound), errors.Is(err, menu.ErrNotFound),
		errors.Is(err, cart.ErrItemNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, order.ErrEmptyCart), errors.Is(err, order.ErrNameRequired),
		errors.Is(err, cart.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
	case errors.As(err, &pickupErr):
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
	case errors.As(err, &transitionErr):
		writeError(w, http.StatusConflict, codeIllegalTransition, err.Error())
	case errors.Is(err, order.ErrVersionMismatch), errors.Is(err, order.ErrConflict):
		writeError(w, http.StatusConflict, codeConflict, err.Error())
	default:
		zctx.From(ctx).Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}
