package handler

import (
	"net/http"
	"strings"

	"github.com/benabook/ns-cafe/internal/domain/menu"
)

type menuOptionResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PriceDelta string `json:"price_delta"`
}

type menuItemResponse struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Price       string               `json:"price"`
	Category    string               `json:"category"`
	Ingredients []string             `json:"ingredients"`
	Image       string               `json:"image,omitempty"`
	Options     []menuOptionResponse `json:"options,omitempty"`
}

func (h *Handler) listMenu(w http.ResponseWriter, r *http.Request) {
	items, err := h.menu.List(r.Context())
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}

	resp := make([]menuItemResponse, len(items))
	for i := range items {
		resp[i] = h.menuItemToResponse(&items[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getMenuItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.menu.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.menuItemToResponse(item))
}

func (h *Handler) menuItemToResponse(item *menu.Item) menuItemResponse {
	options := make([]menuOptionResponse, len(item.Options))
	for i, opt := range item.Options {
		options[i] = menuOptionResponse{
			ID:         opt.ID,
			Name:       opt.Name,
			PriceDelta: opt.PriceDelta.StringFixed(2),
		}
	}

	image := item.Image
	if image != "" && h.cfg.ImageBaseURL != "" && !strings.HasPrefix(image, "http") {
		image = strings.TrimSuffix(h.cfg.ImageBaseURL, "/") + "/" + strings.TrimPrefix(image, "/")
	}

	return menuItemResponse{
		ID:          item.ID,
		Name:        item.Name,
		Price:       item.Price.StringFixed(2),
		Category:    item.Category,
		Ingredients: item.Ingredients,
		Image:       image,
		Options:     options,
	}
}
