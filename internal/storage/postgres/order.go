package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/benabook/ns-cafe/internal/domain/order"
)

const insertOrderSQL = `INSERT INTO orders
	(id, items, customer, total, pickup_time_minutes, status, payment_status, payment_method, version, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

const getOrderSQL = `SELECT id, items, customer, total, pickup_time_minutes,
	status, payment_status, payment_method, COALESCE(payment_handle, ''), version, created_at
	FROM orders WHERE id = $1`

const listOrdersSQL = `SELECT id, items, customer, total, pickup_time_minutes,
	status, payment_status, payment_method, COALESCE(payment_handle, ''), version, created_at
	FROM orders`

const updateStatusSQL = `UPDATE orders SET status = $2, version = version + 1
	WHERE id = $1 AND version = $3`

const updatePaymentSQL = `UPDATE orders SET payment_status = $2, version = version + 1
	WHERE id = $1`

const updatePaymentAndStatusSQL = `UPDATE orders
	SET payment_status = $2, status = $3, version = version + 1
	WHERE id = $1`

const setPaymentHandleSQL = `UPDATE orders SET payment_handle = $2 WHERE id = $1`

const findByPaymentHandleSQL = `SELECT id FROM orders WHERE payment_handle = $1`

const markEventSQL = `INSERT INTO payment_events (event_id) VALUES ($1)
	ON CONFLICT (event_id) DO NOTHING`

const unmarkEventSQL = `DELETE FROM payment_events WHERE event_id = $1`

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. Order
// line items and customer info are stored as JSONB documents; everything
// the kitchen filters or sorts on lives in dedicated columns.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Insert persists a new order. A duplicate id reports order.ErrConflict.
func (r *OrderRepository) Insert(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}
	customerJSON, err := json.Marshal(o.Customer)
	if err != nil {
		return fmt.Errorf("marshaling customer info: %w", err)
	}

	_, err = r.pool.Exec(ctx, insertOrderSQL,
		o.ID, itemsJSON, customerJSON, o.Total, o.PickupTimeMinutes,
		o.Status, o.PaymentStatus, o.PaymentMethod, o.Version, o.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return order.ErrConflict
		}
		return fmt.Errorf("inserting order %q: %w", o.ID, err)
	}

	return nil
}

// GetByID fetches a single order by id.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, getOrderSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	return o, nil
}

// GetAll returns orders newest first, optionally filtered by status.
func (r *OrderRepository) GetAll(ctx context.Context, status *order.Status) ([]order.Order, error) {
	query := listOrdersSQL
	args := []any{}
	if status != nil {
		query += " WHERE status = $1"
		args = append(args, *status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var orders []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order row: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating order rows: %w", err)
	}

	return orders, nil
}

// UpdateStatus persists a status change guarded by the expected version.
// When no row is updated the order either does not exist or a concurrent
// writer bumped the version first; the two cases are distinguished so the
// caller can retry only the latter.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, status order.Status, expectedVersion int64) error {
	tag, err := r.pool.Exec(ctx, updateStatusSQL, id, status, expectedVersion)
	if err != nil {
		return fmt.Errorf("updating order %q status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("checking order %q existence: %w", id, err)
		}
		if !exists {
			return order.ErrNotFound
		}
		return order.ErrVersionMismatch
	}
	return nil
}

// UpdatePayment persists a payment outcome, optionally advancing the
// kitchen status in the same write.
func (r *OrderRepository) UpdatePayment(ctx context.Context, id string, payment order.PaymentStatus, status *order.Status) error {
	var tag pgconn.CommandTag
	var err error
	if status != nil {
		tag, err = r.pool.Exec(ctx, updatePaymentAndStatusSQL, id, payment, *status)
	} else {
		tag, err = r.pool.Exec(ctx, updatePaymentSQL, id, payment)
	}
	if err != nil {
		return fmt.Errorf("updating order %q payment: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// SetPaymentHandle records the provider-side identifier for the order's
// payment so webhook and poll results can be routed back to it.
func (r *OrderRepository) SetPaymentHandle(ctx context.Context, id, handle string) error {
	tag, err := r.pool.Exec(ctx, setPaymentHandleSQL, id, handle)
	if err != nil {
		return fmt.Errorf("setting order %q payment handle: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// FindIDByPaymentHandle resolves a provider-side payment identifier back to
// the order it belongs to.
func (r *OrderRepository) FindIDByPaymentHandle(ctx context.Context, handle string) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, findByPaymentHandleSQL, handle).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", order.ErrNotFound
		}
		return "", fmt.Errorf("finding order by payment handle: %w", err)
	}
	return id, nil
}

// MarkEventProcessed records a settlement event id, reporting whether it was
// seen before. The insert-or-ignore keeps the check and the record atomic.
func (r *OrderRepository) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, markEventSQL, eventID)
	if err != nil {
		return false, fmt.Errorf("recording payment event %q: %w", eventID, err)
	}
	return tag.RowsAffected() == 0, nil
}

// UnmarkEvent deletes a recorded event id so a redelivery can be applied.
func (r *OrderRepository) UnmarkEvent(ctx context.Context, eventID string) error {
	if _, err := r.pool.Exec(ctx, unmarkEventSQL, eventID); err != nil {
		return fmt.Errorf("releasing payment event %q: %w", eventID, err)
	}
	return nil
}

// scanOrder maps a row onto the domain type. Status columns go through the
// domain parsers so a value outside the closed set surfaces as a scan error
// instead of flowing through as a free string.
func scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		o             order.Order
		itemsJSON     []byte
		customerJSON  []byte
		status        string
		paymentStatus string
		paymentMethod string
	)
	err := row.Scan(
		&o.ID, &itemsJSON, &customerJSON, &o.Total, &o.PickupTimeMinutes,
		&status, &paymentStatus, &paymentMethod, &o.PaymentHandle,
		&o.Version, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if o.Status, err = order.ParseStatus(status); err != nil {
		return nil, fmt.Errorf("order %q: %w", o.ID, err)
	}
	if o.PaymentStatus, err = order.ParsePaymentStatus(paymentStatus); err != nil {
		return nil, fmt.Errorf("order %q: %w", o.ID, err)
	}
	if o.PaymentMethod, err = order.ParsePaymentMethod(paymentMethod); err != nil {
		return nil, fmt.Errorf("order %q: %w", o.ID, err)
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshaling order items: %w", err)
	}
	if err := json.Unmarshal(customerJSON, &o.Customer); err != nil {
		return nil, fmt.Errorf("unmarshaling customer info: %w", err)
	}
	return &o, nil
}
