package menu

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested menu item does not exist.
var ErrNotFound = errors.New("menu item not found")

// Item is a catalog entry customers can order.
type Item struct {
	ID          string
	Name        string
	Price       decimal.Decimal
	Category    string
	Ingredients []string
	Image       string
	Options     []Option
}

// Option is a customization offered for a menu item, priced as a delta on
// the base price.
type Option struct {
	ID         string
	Name       string
	PriceDelta decimal.Decimal
}

// Repository defines read operations for the menu catalog.
type Repository interface {
	List(ctx context.Context) ([]Item, error)
	GetByID(ctx context.Context, id string) (*Item, error)
}
