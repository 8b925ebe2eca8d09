package payout

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the settlement state of a vendor payout. The pending→paid
// transition belongs to a separate settlement run; this engine only ever
// creates pending payouts.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
)

// VendorPayout is one vendor's share of one order. At most one payout exists
// per (vendor, order) pair, and Amount + PlatformFee always equals the
// subtotal of that vendor's items in the order.
type VendorPayout struct {
	ID            string
	VendorID      string
	OrderID       string
	Amount        decimal.Decimal
	PlatformFee   decimal.Decimal
	Status        Status
	ScheduledDate time.Time
	CreatedAt     time.Time
}

// Store defines persistence for vendor payouts.
//
// CreatePayout must be idempotent on (vendor_id, order_id): inserting a
// payout that already exists is a silent no-op.
type Store interface {
	CreatePayout(ctx context.Context, p *VendorPayout) error
	PendingTotal(ctx context.Context) (decimal.Decimal, error)
}
