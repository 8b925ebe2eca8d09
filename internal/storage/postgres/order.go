package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vendora/settlement/internal/domain/order"
)

var _ order.Store = (*OrderStore)(nil)

// OrderStore implements order.Store backed by PostgreSQL. Order items live in
// a JSONB column; customer contact details are flattened onto the row.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore returns an OrderStore that uses the given pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const listPendingSQL = `SELECT id, status, items, total_amount,
	customer_name, customer_email, customer_phone, customer_chat_id, customer_locale,
	payment_id, paid_at, cancellation_reason, created_at
FROM orders
WHERE status = 'pending_payment' AND created_at > $1
ORDER BY created_at`

// ListPendingPayment returns pending-payment orders created within maxAge.
func (s *OrderStore) ListPendingPayment(ctx context.Context, maxAge time.Duration) ([]order.Order, error) {
	cutoff := time.Now().Add(-maxAge)

	rows, err := s.pool.Query(ctx, listPendingSQL, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "list pending orders")
	}
	defer rows.Close()

	var orders []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate pending orders")
	}

	return orders, nil
}

func scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		o         order.Order
		itemsJSON []byte
		paidAt    *time.Time
	)
	err := row.Scan(
		&o.ID, &o.Status, &itemsJSON, &o.TotalAmount,
		&o.Customer.Name, &o.Customer.Email, &o.Customer.Phone, &o.Customer.ChatID, &o.Customer.Locale,
		&o.PaymentID, &paidAt, &o.CancellationReason, &o.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "scan order")
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, errors.Wrapf(err, "unmarshal items for order %q", o.ID)
	}
	o.PaidAt = paidAt

	return &o, nil
}

const transitionSQL = `UPDATE orders
SET status = $3,
    payment_id = COALESCE(NULLIF($4, ''), payment_id),
    paid_at = COALESCE($5, paid_at),
    cancellation_reason = COALESCE(NULLIF($6, ''), cancellation_reason)
WHERE id = $1 AND status = $2`

// ConditionalTransition applies the status change only if the order is still
// in the from status. The rows-affected count is the precondition result, so
// a concurrent duplicate attempt is a guaranteed no-op.
func (s *OrderStore) ConditionalTransition(ctx context.Context, orderID string, from, to order.Status, fields order.TransitionFields) (bool, error) {
	tag, err := s.pool.Exec(ctx, transitionSQL,
		orderID, from, to,
		fields.PaymentID, fields.PaidAt, fields.CancellationReason,
	)
	if err != nil {
		return false, errors.Wrapf(err, "transition order %q", orderID)
	}
	return tag.RowsAffected() == 1, nil
}

// CountByStatus returns the number of orders per status.
func (s *OrderStore) CountByStatus(ctx context.Context) (map[order.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count orders")
	}
	defer rows.Close()

	counts := make(map[order.Status]int)
	for rows.Next() {
		var (
			status order.Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate counts")
	}

	return counts, nil
}

const createOrderSQL = `INSERT INTO orders (id, status, items, total_amount,
	customer_name, customer_email, customer_phone, customer_chat_id, customer_locale, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// Create persists a new order. Used by the import tool and tests; the
// storefront normally writes orders directly.
func (s *OrderStore) Create(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return errors.Wrap(err, "marshal order items")
	}

	_, err = s.pool.Exec(ctx, createOrderSQL,
		o.ID, o.Status, itemsJSON, o.TotalAmount,
		o.Customer.Name, o.Customer.Email, o.Customer.Phone, o.Customer.ChatID, o.Customer.Locale,
		o.CreatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "create order %q", o.ID)
	}

	return nil
}
