// Package event publishes settlement lifecycle events for downstream
// consumers (analytics, vendor dashboards). Publishing is best-effort: the
// engine logs failures and never blocks a transition on the event stream.
package event

import (
	"context"
	"time"
)

// Type identifies a settlement lifecycle event.
type Type string

const (
	TypeOrderSettled  Type = "order.settled"
	TypeOrderExpired  Type = "order.cancelled"
	TypePayoutCreated Type = "payout.created"
)

// Event is one settlement lifecycle record, keyed by order id.
type Event struct {
	Type     Type      `json:"type"`
	OrderID  string    `json:"order_id"`
	VendorID string    `json:"vendor_id,omitempty"`
	Amount   string    `json:"amount,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher emits settlement events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop is the Publisher used when no event stream is configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }
