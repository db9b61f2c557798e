package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/benabook/ns-cafe/internal/domain/menu"
)

const listMenuSQL = `SELECT id, name, price, category, ingredients, COALESCE(image, ''), options
	FROM menu_items ORDER BY category, name`

const getMenuItemSQL = `SELECT id, name, price, category, ingredients, COALESCE(image, ''), options
	FROM menu_items WHERE id = $1`

const upsertMenuItemSQL = `INSERT INTO menu_items (id, name, price, category, ingredients, image, options)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name, price = EXCLUDED.price, category = EXCLUDED.category,
		ingredients = EXCLUDED.ingredients, image = EXCLUDED.image, options = EXCLUDED.options`

var _ menu.Repository = (*MenuRepository)(nil)

// MenuRepository implements menu.Repository backed by PostgreSQL.
type MenuRepository struct {
	pool *pgxpool.Pool
}

// NewMenuRepository returns a MenuRepository that uses the given pool.
func NewMenuRepository(pool *pgxpool.Pool) *MenuRepository {
	return &MenuRepository{pool: pool}
}

// List returns the full catalog ordered by category then name.
func (r *MenuRepository) List(ctx context.Context) ([]menu.Item, error) {
	rows, err := r.pool.Query(ctx, listMenuSQL)
	if err != nil {
		return nil, fmt.Errorf("listing menu items: %w", err)
	}
	defer rows.Close()

	var items []menu.Item
	for rows.Next() {
		item, err := scanMenuItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning menu item row: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating menu item rows: %w", err)
	}

	return items, nil
}

// GetByID fetches a single catalog entry.
func (r *MenuRepository) GetByID(ctx context.Context, id string) (*menu.Item, error) {
	item, err := scanMenuItem(r.pool.QueryRow(ctx, getMenuItemSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, menu.ErrNotFound
		}
		return nil, fmt.Errorf("getting menu item %q: %w", id, err)
	}
	return item, nil
}

// Upsert inserts or replaces a catalog entry. Used by the seeding command.
func (r *MenuRepository) Upsert(ctx context.Context, item *menu.Item) error {
	optionsJSON, err := json.Marshal(item.Options)
	if err != nil {
		return fmt.Errorf("marshaling menu item options: %w", err)
	}

	_, err = r.pool.Exec(ctx, upsertMenuItemSQL,
		item.ID, item.Name, item.Price, item.Category,
		item.Ingredients, item.Image, optionsJSON,
	)
	if err != nil {
		return fmt.Errorf("upserting menu item %q: %w", item.ID, err)
	}
	return nil
}

func scanMenuItem(row pgx.Row) (*menu.Item, error) {
	var (
		item        menu.Item
		optionsJSON []byte
	)
	err := row.Scan(
		&item.ID, &item.Name, &item.Price, &item.Category,
		&item.Ingredients, &item.Image, &optionsJSON,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(optionsJSON, &item.Options); err != nil {
		return nil, fmt.Errorf("unmarshaling menu item options: %w", err)
	}
	return &item, nil
}
