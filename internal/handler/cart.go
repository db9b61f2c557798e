package handler

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/benabook/ns-cafe/internal/domain/cart"
	"github.com/benabook/ns-cafe/internal/domain/order"
)

// session returns the cart session id from the request cookie, minting a
// new id (and setting the cookie) when none is present.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func (h *Handler) openCart(w http.ResponseWriter, r *http.Request) (*cart.Store, error) {
	return cart.Open(r.Context(), h.carts.ForSession(h.session(w, r)))
}

type cartLineResponse struct {
	ID                  string              `json:"id"`
	MenuItemID          string              `json:"menu_item_id"`
	Name                string              `json:"name"`
	UnitPrice           string              `json:"unit_price"`
	Quantity            int                 `json:"quantity"`
	SelectedOption      *menuOptionResponse `json:"selected_option,omitempty"`
	SpecialInstructions string              `json:"special_instructions,omitempty"`
}

type cartResponse struct {
	Items     []cartLineResponse `json:"items"`
	Subtotal  string             `json:"subtotal"`
	ItemCount int                `json:"item_count"`
}

func cartToResponse(c *cart.Store) cartResponse {
	items := c.Items()
	lines := make([]cartLineResponse, len(items))
	for i, item := range items {
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
		lines[i] = line
	}
	return cartResponse{
		Items:     lines,
		Subtotal:  c.Subtotal().StringFixed(2),
		ItemCount: c.ItemCount(),
	}
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.openCart(w, r)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, cartToResponse(c))
}

type addCartItemRequest struct {
	MenuItemID          string `json:"menu_item_id"`
	Quantity            int    `json:"quantity"`
	OptionID            string `json:"option_id,omitempty"`
	SpecialInstructions string `json:"special_instructions,omitempty"`
}

func (h *Handler) addCartItem(w http.ResponseWriter, r *http.Request) {
	var req addCartItemRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return
	}
	if req.MenuItemID == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "menu_item_id is required")
		return
	}
	if req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, codeValidation, "quantity must be positive")
		return
	}

	item, err := h.menu.GetByID(r.Context(), req.MenuItemID)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}

	line := order.Item{
		MenuItemID:          item.ID,
		Name:                item.Name,
		UnitPrice:           item.Price,
		Quantity:            req.Quantity,
		SpecialInstructions: req.SpecialInstructions,
	}
	if req.OptionID != "" {
		found := false
		for _, opt := range item.Options {
			if opt.ID == req.OptionID {
				line.SelectedOption = &order.Option{
					ID:         opt.ID,
					Name:       opt.Name,
					PriceDelta: opt.PriceDelta,
				}
				line.UnitPrice = item.Price.Add(opt.PriceDelta)
				found = true
				break
			}
		}
		if !found {
			writeError(w, http.StatusBadRequest, codeValidation, "unknown option for menu item")
			return
		}
	}

	c, err := h.openCart(w, r)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	if err := c.Add(r.Context(), line); err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cartToResponse(c))
}

type updateCartItemRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) updateCartItem(w http.ResponseWriter, r *http.Request) {
	var req updateCartItemRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return
	}

	c, err := h.openCart(w, r)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	if err := c.UpdateQuantity(r.Context(), r.PathValue("id"), req.Quantity); err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, cartToResponse(c))
}

func (h *Handler) removeCartItem(w http.ResponseWriter, r *http.Request) {
	c, err := h.openCart(w, r)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	if err := c.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, cartToResponse(c))
}

func (h *Handler) clearCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.openCart(w, r)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	if err := c.Clear(r.Context()); err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, cartToResponse(c))
}
