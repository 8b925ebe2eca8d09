package payout

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vendora/settlement/internal/domain/order"
)

// Sentinel errors for malformed item sets. Both are data-integrity failures:
// the caller logs them for manual reconciliation and does not abort an
// already-confirmed settlement.
var (
	ErrNoItems       = errors.New("order has no items")
	ErrUnknownVendor = errors.New("item has no vendor")
)

// Calculator computes per-vendor revenue splits for settled orders.
type Calculator struct {
	vendorShare decimal.Decimal
	delay       time.Duration
}

// NewCalculator creates a Calculator. vendorShare is the fraction of each
// vendor's subtotal paid out to the vendor (0.85 means 85% vendor, 15%
// platform); delay is how long after settlement the payout is scheduled.
func NewCalculator(vendorShare decimal.Decimal, delay time.Duration) *Calculator {
	return &Calculator{vendorShare: vendorShare, delay: delay}
}

// Calculate partitions the order's items by vendor and produces exactly one
// pending VendorPayout per distinct vendor, in the order vendors first appear
// among the items. For each vendor:
//
//	amount = (subtotal * vendorShare).Round(2)
//	fee    = subtotal - amount
//
// so amount + fee equals the vendor's subtotal exactly, with the rounding
// remainder retained by the platform.
func (c *Calculator) Calculate(o *order.Order, now time.Time) ([]VendorPayout, error) {
	if len(o.Items) == 0 {
		return nil, ErrNoItems
	}

	subtotals := make(map[string]decimal.Decimal, len(o.Items))
	vendors := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		if it.VendorID == "" {
			return nil, errors.Wrapf(ErrUnknownVendor, "product %s", it.ProductID)
		}
		if _, ok := subtotals[it.VendorID]; !ok {
			vendors = append(vendors, it.VendorID)
		}
		subtotals[it.VendorID] = subtotals[it.VendorID].Add(it.Subtotal())
	}

	scheduled := now.Add(c.delay)
	payouts := make([]VendorPayout, 0, len(vendors))
	for _, vendorID := range vendors {
		subtotal := subtotals[vendorID]
		amount := subtotal.Mul(c.vendorShare).Round(2)

		payouts = append(payouts, VendorPayout{
			ID:            uuid.New().String(),
			VendorID:      vendorID,
			OrderID:       o.ID,
			Amount:        amount,
			PlatformFee:   subtotal.Sub(amount),
			Status:        StatusPending,
			ScheduledDate: scheduled,
			CreatedAt:     now,
		})
	}

	return payouts, nil
}
