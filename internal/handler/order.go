package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/benabook/ns-cafe/internal/domain/order"
	"github.com/benabook/ns-cafe/internal/payment"
)

type customerRequest struct {
	Name    string `json:"name"`
	Discord string `json:"discord,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

type checkoutRequest struct {
	Customer          customerRequest `json:"customer"`
	PickupTimeMinutes int             `json:"pickup_time_minutes"`
	PaymentMethod     string          `json:"payment_method"`
}

type paymentRequestResponse struct {
	ClientSecret string `json:"client_secret,omitempty"`
	Invoice      string `json:"invoice,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
}

type orderResponse struct {
	ID                string                  `json:"id"`
	Items             []cartLineResponse      `json:"items"`
	Customer          customerRequest         `json:"customer"`
	Total             string                  `json:"total"`
	PickupTimeMinutes int                     `json:"pickup_time_minutes"`
	Status            string                  `json:"status"`
	PaymentStatus     string                  `json:"payment_status"`
	PaymentMethod     string                  `json:"payment_method"`
	CreatedAt         time.Time               `json:"created_at"`
	Payment           *paymentRequestResponse `json:"payment,omitempty"`
}

func orderToResponse(o *order.Order) orderResponse {
	items := make([]cartLineResponse, len(o.Items))
	for i, item := range o.Items {
		line := cartLineResponse{
			ID:                  item.ID,
			MenuItemID:          item.MenuItemID,
			Name:                item.Name,
			UnitPrice:           item.UnitPrice.StringFixed(2),
			Quantity:            item.Quantity,
			SpecialInstructions: item.SpecialInstructions,
		}
		if opt := item.SelectedOption; opt != nil {
			line.SelectedOption = &menuOptionResponse{
				ID:         opt.ID,
				Name:       opt.Name,
				PriceDelta: opt.PriceDelta.StringFixed(2),
			}
		}
		items[i] = line
	}
	return orderResponse{
		ID:    o.ID,
		Items: items,
		Customer: customerRequest{
			Name:    o.Customer.Name,
			Discord: o.Customer.Discord,
			Phone:   o.Customer.Phone,
		},
		Total:             o.Total.StringFixed(2),
		PickupTimeMinutes: o.PickupTimeMinutes,
		Status:            string(o.Status),
		PaymentStatus:     string(o.PaymentStatus),
		PaymentMethod:     string(o.PaymentMethod),
		CreatedAt:         o.CreatedAt,
	}
}

// checkout turns the session cart into an order and initiates payment with
// the chosen processor. The cart is cleared only after the order persisted.
func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req checkoutRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return
	}

	method, err := order.ParsePaymentMethod(req.PaymentMethod)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	adapter, ok := h.adapters[method]
	if !ok {
		writeError(w, http.StatusBadRequest, codeValidation,
			fmt.Sprintf("payment method %q is not available", method))
		return
	}

	c, err := h.openCart(w, r)
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}

	o, err := h.orders.CreateOrder(ctx, c.Items(), order.CustomerInfo{
		Name:    req.Customer.Name,
		Discord: req.Customer.Discord,
		Phone:   req.Customer.Phone,
	}, req.PickupTimeMinutes, method)
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}

	pr, err := adapter.CreateRequest(ctx, o.ID, o.Total)
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	if err := h.orders.AttachPaymentHandle(ctx, o.ID, pr.Handle); err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	if method == order.MethodLightning {
		// The watch must outlive this request.
		h.orders.StartPaymentWatch(context.WithoutCancel(ctx), o.ID, pr.Handle, pr.ExpiresAt)
	}

	if err := c.Clear(ctx); err != nil {
		// The order exists and payment is underway; losing the cart wipe is
		// not worth failing the checkout over.
		zctx.From(ctx).Warn("clearing cart after checkout",
			zap.String("order_id", o.ID), zap.Error(err))
	}

	resp := orderToResponse(o)
	resp.Payment = &paymentRequestResponse{
		ClientSecret: pr.ClientSecret,
		Invoice:      pr.Invoice,
	}
	if !pr.ExpiresAt.IsZero() {
		resp.Payment.ExpiresAt = pr.ExpiresAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderToResponse(o))
}

type paymentStatusResponse struct {
	OrderID       string `json:"order_id"`
	PaymentStatus string `json:"payment_status"`
	Status        string `json:"status"`
}

func (h *Handler) getPaymentStatus(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentStatusResponse{
		OrderID:       o.ID,
		PaymentStatus: string(o.PaymentStatus),
		Status:        string(o.Status),
	})
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	var status *order.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		s, err := order.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeValidation, err.Error())
			return
		}
		status = &s
	}

	orders, err := h.orders.List(r.Context(), status)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}

	resp := make([]orderResponse, len(orders))
	for i := range orders {
		resp[i] = orderToResponse(&orders[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

type transitionRequest struct {
	Status string `json:"status"`
}

func (h *Handler) transitionOrder(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return
	}

	target, err := order.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}

	o, err := h.orders.TransitionStatus(r.Context(), r.PathValue("id"), target)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderToResponse(o))
}

// writePaymentError maps payment boundary failures: processor outages are
// 502, everything else about the request itself is 400.
func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	var provErr *payment.ProviderError
	switch {
	case errors.As(err, &provErr):
		zctx.From(ctx).Error("payment provider failure", zap.Error(err))
		writeError(w, http.StatusBadGateway, codeProviderFailure, "payment provider failure")
	case errors.Is(err, payment.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
	case errors.Is(err, payment.ErrPaymentExpired):
		writeError(w, http.StatusGone, codePaymentExpired, err.Error())
	default:
		writeDomainError(ctx, w, err)
	}
}
