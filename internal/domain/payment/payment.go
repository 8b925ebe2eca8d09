// Package payment defines the payment-provider port consumed by the
// settlement engine. The engine never depends on any single provider's wire
// format; concrete adapters live next to the port.
package payment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vendora/settlement/internal/domain/order"
)

// CheckStatus is the provider's verdict on a single order's payment.
type CheckStatus string

const (
	// StatusPaid means the provider has captured the payment.
	StatusPaid CheckStatus = "paid"
	// StatusPending means the payment has not arrived yet.
	StatusPending CheckStatus = "pending"
	// StatusExpired means the provider closed the payment window.
	StatusExpired CheckStatus = "expired"
)

// Check is the transient result of querying the provider for one order.
// It is never persisted.
type Check struct {
	OrderID       string
	Status        CheckStatus
	TransactionID string
	Amount        decimal.Decimal
	Timestamp     time.Time
}

// Provider queries an external payment system for the current state of an
// order's payment. Implementations must honour ctx cancellation; a transport
// failure is returned as an error, never mapped onto a Check status.
type Provider interface {
	CheckStatus(ctx context.Context, o *order.Order) (*Check, error)
}
