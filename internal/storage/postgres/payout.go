package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/vendora/settlement/internal/payout"
)

var _ payout.Store = (*PayoutStore)(nil)

// PayoutStore implements payout.Store backed by PostgreSQL.
type PayoutStore struct {
	pool *pgxpool.Pool
}

// NewPayoutStore returns a PayoutStore that uses the given pool.
func NewPayoutStore(pool *pgxpool.Pool) *PayoutStore {
	return &PayoutStore{pool: pool}
}

const createPayoutSQL = `INSERT INTO vendor_payouts
	(id, vendor_id, order_id, amount, platform_fee, status, scheduled_date, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (vendor_id, order_id) DO NOTHING`

// CreatePayout persists a payout. The (vendor_id, order_id) unique constraint
// makes retries and duplicate settlement attempts no-ops.
func (s *PayoutStore) CreatePayout(ctx context.Context, p *payout.VendorPayout) error {
	_, err := s.pool.Exec(ctx, createPayoutSQL,
		p.ID, p.VendorID, p.OrderID, p.Amount, p.PlatformFee, p.Status, p.ScheduledDate, p.CreatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "create payout for vendor %q order %q", p.VendorID, p.OrderID)
	}
	return nil
}

// PendingTotal returns the summed amount of all pending payouts.
func (s *PayoutStore) PendingTotal(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM vendor_payouts WHERE status = 'pending'`,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "sum pending payouts")
	}
	return total, nil
}
