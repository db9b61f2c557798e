// Package cart holds a customer's in-progress order lines. The store keeps
// an in-memory working copy and snapshots it to a persistence port on every
// mutation, so a session survives restarts. At checkout the lines are
// copied into an order and the cart no longer owns them.
package cart

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/benabook/ns-cafe/internal/domain/order"
)

var (
	ErrItemNotFound    = errors.New("cart item not found")
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
)

// Persistence is the durable snapshot port. Load returns the last saved
// lines (nil when none); Save replaces them.
type Persistence interface {
	Load(ctx context.Context) ([]order.Item, error)
	Save(ctx context.Context, items []order.Item) error
}

// Store is a single session's cart. It is not safe for concurrent use;
// callers serialize access per session.
type Store struct {
	items []order.Item
	port  Persistence
}

// Open creates a Store loaded from its persistence port.
func Open(ctx context.Context, port Persistence) (*Store, error) {
	items, err := port.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load cart")
	}
	return &Store{items: items, port: port}, nil
}

// Add merges the item into the cart. Lines merge when they share the same
// menu item and the same selected option; special instructions are not
// part of the merge key, so a merged line keeps the earlier instructions.
// Merging sums quantities.
func (s *Store) Add(ctx context.Context, item order.Item) error {
	if item.Quantity < 1 {
		return ErrInvalidQuantity
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}

	if i := s.findMerge(item); i >= 0 {
		s.items[i].Quantity += item.Quantity
	} else {
		s.items = append(s.items, item)
	}
	return s.save(ctx)
}

// UpdateQuantity sets the quantity of an existing line. Quantities below 1
// are rejected; use Remove to drop a line.
func (s *Store) UpdateQuantity(ctx context.Context, lineID string, quantity int) error {
	if quantity < 1 {
		return ErrInvalidQuantity
	}
	for i := range s.items {
		if s.items[i].ID == lineID {
			s.items[i].Quantity = quantity
			return s.save(ctx)
		}
	}
	return ErrItemNotFound
}

// Remove deletes a line by its id.
func (s *Store) Remove(ctx context.Context, lineID string) error {
	for i := range s.items {
		if s.items[i].ID == lineID {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return s.save(ctx)
		}
	}
	return ErrItemNotFound
}

// Clear empties the cart.
func (s *Store) Clear(ctx context.Context) error {
	s.items = nil
	return s.save(ctx)
}

// Items returns a snapshot copy of the current lines.
func (s *Store) Items() []order.Item {
	out := make([]order.Item, len(s.items))
	copy(out, s.items)
	return out
}

// Subtotal is the sum of unit price times quantity over all lines.
func (s *Store) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range s.items {
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

// ItemCount is the total unit count across all lines.
func (s *Store) ItemCount() int {
	n := 0
	for _, item := range s.items {
		n += item.Quantity
	}
	return n
}

func (s *Store) findMerge(item order.Item) int {
	key := mergeKey(item)
	for i := range s.items {
		if mergeKey(s.items[i]) == key {
			return i
		}
	}
	return -1
}

func mergeKey(item order.Item) string {
	optionID := ""
	if item.SelectedOption != nil {
		optionID = item.SelectedOption.ID
	}
	return fmt.Sprintf("%s|%s", item.MenuItemID, optionID)
}

func (s *Store) save(ctx context.Context) error {
	if err := s.port.Save(ctx, s.items); err != nil {
		return errors.Wrap(err, "save cart")
	}
	return nil
}
