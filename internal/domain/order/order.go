package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order. PendingPayment is the only
// non-terminal state: once an order reaches Processing or Cancelled it never
// changes again.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusProcessing     Status = "processing"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusProcessing || s == StatusCancelled
}

// Order is a customer order awaiting settlement. TotalAmount equals the sum
// of item price*quantity; item prices are snapshotted at order time and never
// recomputed from the live catalog.
type Order struct {
	ID                 string
	Status             Status
	Items              []Item
	TotalAmount        decimal.Decimal
	Customer           Customer
	PaymentID          string
	PaidAt             *time.Time
	CancellationReason string
	CreatedAt          time.Time
}

// Age returns how long the order has existed relative to now.
func (o *Order) Age(now time.Time) time.Duration {
	return now.Sub(o.CreatedAt)
}

// Item is a single line item. Every item belongs to exactly one vendor.
type Item struct {
	ProductID string          `json:"product_id"`
	VendorID  string          `json:"vendor_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// Subtotal returns price * quantity for this line.
func (it Item) Subtotal() decimal.Decimal {
	return it.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

// Customer holds the contact details used for notifications.
type Customer struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone"`
	ChatID string `json:"chat_id"`
	Locale string `json:"locale"`
}

// TransitionFields carries the fields persisted alongside a status change.
// Only the fields relevant to the target status are set.
type TransitionFields struct {
	PaymentID          string
	PaidAt             *time.Time
	CancellationReason string
}

// Store defines persistence operations for orders.
//
// ConditionalTransition must be atomic: the status change is applied only if
// the order's current status still equals from, and the returned bool reports
// whether it was. A false result with a nil error is the expected outcome of
// a lost race, not an error condition.
type Store interface {
	ListPendingPayment(ctx context.Context, maxAge time.Duration) ([]Order, error)
	ConditionalTransition(ctx context.Context, orderID string, from, to Status, fields TransitionFields) (bool, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// Inventory restores product stock when an order is cancelled. Restock must
// be an atomic increment, safe under concurrent per-order workers.
type Inventory interface {
	Restock(ctx context.Context, productID string, quantity int) error
}

// Vendor is a marketplace seller with notification contact details.
type Vendor struct {
	ID     string
	Name   string
	Email  string
	Phone  string
	ChatID string
	Locale string
}

// VendorDirectory resolves vendor contact details for notifications.
type VendorDirectory interface {
	GetVendor(ctx context.Context, vendorID string) (*Vendor, error)
}
