package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/benabook/ns-cafe/internal/domain/cart"
	"github.com/benabook/ns-cafe/internal/domain/order"
)

const loadCartSQL = `SELECT items FROM carts WHERE session_id = $1`

const saveCartSQL = `INSERT INTO carts (session_id, items, updated_at)
	VALUES ($1, $2, now())
	ON CONFLICT (session_id) DO UPDATE SET items = EXCLUDED.items, updated_at = now()`

// CartRepository stores per-session cart snapshots in PostgreSQL. Each
// session's lines live as a single JSONB document, replaced wholesale on
// every save.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

// ForSession returns the persistence port scoped to one session.
func (r *CartRepository) ForSession(sessionID string) cart.Persistence {
	return &sessionCart{pool: r.pool, sessionID: sessionID}
}

var _ cart.Persistence = (*sessionCart)(nil)

type sessionCart struct {
	pool      *pgxpool.Pool
	sessionID string
}

func (c *sessionCart) Load(ctx context.Context) ([]order.Item, error) {
	var itemsJSON []byte
	err := c.pool.QueryRow(ctx, loadCartSQL, c.sessionID).Scan(&itemsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading cart for session %q: %w", c.sessionID, err)
	}

	var items []order.Item
	if err := json.Unmarshal(itemsJSON, &items); err != nil {
		return nil, fmt.Errorf("unmarshaling cart items: %w", err)
	}
	return items, nil
}

func (c *sessionCart) Save(ctx context.Context, items []order.Item) error {
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshaling cart items: %w", err)
	}

	if _, err := c.pool.Exec(ctx, saveCartSQL, c.sessionID, itemsJSON); err != nil {
		return fmt.Errorf("saving cart for session %q: %w", c.sessionID, err)
	}
	return nil
}
