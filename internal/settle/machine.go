// Package settle owns the order lifecycle: it advances orders from
// pending_payment to a terminal state and triggers every downstream effect of
// a transition (payouts, inventory compensation, notifications, events).
package settle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/vendora/settlement/internal/domain/order"
	"github.com/vendora/settlement/internal/domain/payment"
	"github.com/vendora/settlement/internal/event"
	"github.com/vendora/settlement/internal/notify"
	"github.com/vendora/settlement/internal/payout"
)

// CancelReasonTimeout is persisted on orders cancelled because payment never
// arrived within the expiration threshold.
const CancelReasonTimeout = "payment timeout"

// Outcome describes what Advance did with an order.
type Outcome string

const (
	// OutcomeSettled: the order transitioned to processing.
	OutcomeSettled Outcome = "settled"
	// OutcomeExpired: the order transitioned to cancelled.
	OutcomeExpired Outcome = "expired"
	// OutcomeNone: payment still pending, nothing to do.
	OutcomeNone Outcome = "none"
	// OutcomeSkipped: the order was already terminal, or another worker won
	// the transition race. Duplicate check results land here.
	OutcomeSkipped Outcome = "skipped"
)

// Dispatcher is the notification fan-out the machine depends on.
type Dispatcher interface {
	Send(ctx context.Context, to notify.Recipient, key string, params notify.Params, channels ...notify.Channel) (*notify.Delivery, error)
}

// ReceiptMailer sends the independent email receipt path.
type ReceiptMailer interface {
	SendReceipt(to notify.Recipient, r notify.Receipt) error
}

// PayoutCalculator computes the per-vendor split of a settled order.
type PayoutCalculator interface {
	Calculate(o *order.Order, now time.Time) ([]payout.VendorPayout, error)
}

// Machine drives a single order through its state transitions. All
// dependencies are injected; the machine holds no global state and is safe
// for concurrent use across distinct orders.
type Machine struct {
	orders      order.Store
	inventory   order.Inventory
	vendors     order.VendorDirectory
	calc        PayoutCalculator
	payouts     payout.Store
	dispatcher  Dispatcher
	mailer      ReceiptMailer
	events      event.Publisher
	expireAfter time.Duration
	lg          *zap.Logger
}

// Config bundles the Machine's dependencies.
type Config struct {
	Orders      order.Store
	Inventory   order.Inventory
	Vendors     order.VendorDirectory
	Calculator  PayoutCalculator
	Payouts     payout.Store
	Dispatcher  Dispatcher
	Mailer      ReceiptMailer
	Events      event.Publisher
	ExpireAfter time.Duration
}

// NewMachine creates a Machine.
func NewMachine(cfg Config, lg *zap.Logger) *Machine {
	return &Machine{
		orders:      cfg.Orders,
		inventory:   cfg.Inventory,
		vendors:     cfg.Vendors,
		calc:        cfg.Calculator,
		payouts:     cfg.Payouts,
		dispatcher:  cfg.Dispatcher,
		mailer:      cfg.Mailer,
		events:      cfg.Events,
		expireAfter: cfg.ExpireAfter,
		lg:          lg.Named("settle"),
	}
}

// Advance feeds one payment check result into the state machine.
//
// A paid result always settles, even for an order past the expiration
// threshold: a late payment detected in the same scan is honoured. A pending
// result expires the order only when its age strictly exceeds the threshold;
// exactly at the threshold counts as not yet expired. A provider-reported
// expired result cancels immediately. Orders already in a terminal state are
// left untouched regardless of the result.
func (m *Machine) Advance(ctx context.Context, o *order.Order, chk *payment.Check, now time.Time) (Outcome, error) {
	if o.Status.Terminal() {
		return OutcomeSkipped, nil
	}

	switch chk.Status {
	case payment.StatusPaid:
		return m.settle(ctx, o, chk, now)
	case payment.StatusExpired:
		return m.expire(ctx, o, now)
	case payment.StatusPending:
		if o.Age(now) > m.expireAfter {
			return m.expire(ctx, o, now)
		}
		return OutcomeNone, nil
	default:
		return OutcomeNone, errors.Errorf("unknown check status %q", chk.Status)
	}
}

// settle transitions pending_payment -> processing and runs the settlement
// effects in strict order: persist first, then payouts, then notifications.
// Payout and notification failures are logged, never rolled back: once the
// status is persisted the order is settled, and anything after that is
// recoverable by manual resend or reconciliation.
func (m *Machine) settle(ctx context.Context, o *order.Order, chk *payment.Check, now time.Time) (Outcome, error) {
	paidAt := chk.Timestamp
	if paidAt.IsZero() {
		paidAt = now
	}

	applied, err := m.orders.ConditionalTransition(ctx, o.ID,
		order.StatusPendingPayment, order.StatusProcessing,
		order.TransitionFields{PaymentID: chk.TransactionID, PaidAt: &paidAt},
	)
	if err != nil {
		return OutcomeNone, errors.Wrapf(err, "transition order %s to processing", o.ID)
	}
	if !applied {
		// Lost the race: another worker or a duplicate check already moved it.
		m.lg.Debug("settle skipped, order no longer pending", zap.String("order_id", o.ID))
		return OutcomeSkipped, nil
	}

	m.lg.Info("order settled",
		zap.String("order_id", o.ID),
		zap.String("payment_id", chk.TransactionID),
		zap.String("total", o.TotalAmount.String()),
	)

	payouts := m.createPayouts(ctx, o, now)
	m.notifySettled(ctx, o, payouts)
	m.publish(ctx, event.Event{Type: event.TypeOrderSettled, OrderID: o.ID, At: now})

	return OutcomeSettled, nil
}

// createPayouts computes and persists the vendor split. A malformed item set
// is a data-integrity failure: it is logged for manual reconciliation and the
// settlement stands.
func (m *Machine) createPayouts(ctx context.Context, o *order.Order, now time.Time) []payout.VendorPayout {
	payouts, err := m.calc.Calculate(o, now)
	if err != nil {
		m.lg.Error("payout calculation failed, order needs manual reconciliation",
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
		return nil
	}

	for i := range payouts {
		p := &payouts[i]
		if err := m.payouts.CreatePayout(ctx, p); err != nil {
			m.lg.Error("payout creation failed",
				zap.String("order_id", o.ID),
				zap.String("vendor_id", p.VendorID),
				zap.Error(err),
			)
			continue
		}
		m.publish(ctx, event.Event{
			Type:     event.TypePayoutCreated,
			OrderID:  o.ID,
			VendorID: p.VendorID,
			Amount:   p.Amount.String(),
			At:       now,
		})
	}

	return payouts
}

// notifySettled sends the customer confirmation, one itemized notification
// per vendor, and the email receipt. All best-effort.
func (m *Machine) notifySettled(ctx context.Context, o *order.Order, payouts []payout.VendorPayout) {
	customer := recipientFor(o.Customer)

	_, err := m.dispatcher.Send(ctx, customer, notify.TemplateOrderConfirmed, notify.Params{
		"name":     o.Customer.Name,
		"order_id": o.ID,
		"total":    o.TotalAmount.StringFixed(2),
	})
	if err != nil {
		m.lg.Warn("customer confirmation not delivered",
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
	}

	for i := range payouts {
		m.notifyVendor(ctx, o, &payouts[i])
	}

	if err := m.mailer.SendReceipt(customer, receiptFor(o)); err != nil {
		m.lg.Warn("receipt email not delivered",
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
	}
}

// notifyVendor resolves the vendor's contact details and sends the new-order
// notification. An unresolvable vendor is a data-integrity failure: logged,
// settlement unaffected.
func (m *Machine) notifyVendor(ctx context.Context, o *order.Order, p *payout.VendorPayout) {
	vendor, err := m.vendors.GetVendor(ctx, p.VendorID)
	if err != nil {
		m.lg.Error("vendor unresolvable, notification undeliverable",
			zap.String("order_id", o.ID),
			zap.String("vendor_id", p.VendorID),
			zap.Error(err),
		)
		return
	}

	_, err = m.dispatcher.Send(ctx, recipientForVendor(vendor), notify.TemplateVendorNewOrder, notify.Params{
		"order_id":  o.ID,
		"vendor":    vendor.Name,
		"items":     itemizeFor(o, p.VendorID),
		"amount":    p.Amount.StringFixed(2),
		"scheduled": p.ScheduledDate.Format("2006-01-02"),
	})
	if err != nil {
		m.lg.Warn("vendor notification not delivered",
			zap.String("order_id", o.ID),
			zap.String("vendor_id", p.VendorID),
			zap.Error(err),
		)
	}
}

// expire transitions pending_payment -> cancelled and runs the compensating
// actions: restore inventory for every item, then notify the customer.
// Restocking continues past individual failures so one bad product row never
// blocks the rest of the compensation.
func (m *Machine) expire(ctx context.Context, o *order.Order, now time.Time) (Outcome, error) {
	applied, err := m.orders.ConditionalTransition(ctx, o.ID,
		order.StatusPendingPayment, order.StatusCancelled,
		order.TransitionFields{CancellationReason: CancelReasonTimeout},
	)
	if err != nil {
		return OutcomeNone, errors.Wrapf(err, "transition order %s to cancelled", o.ID)
	}
	if !applied {
		m.lg.Debug("expire skipped, order no longer pending", zap.String("order_id", o.ID))
		return OutcomeSkipped, nil
	}

	m.lg.Info("order expired",
		zap.String("order_id", o.ID),
		zap.Duration("age", o.Age(now)),
	)

	for _, it := range o.Items {
		if err := m.inventory.Restock(ctx, it.ProductID, it.Quantity); err != nil {
			m.lg.Error("restock failed",
				zap.String("order_id", o.ID),
				zap.String("product_id", it.ProductID),
				zap.Int("quantity", it.Quantity),
				zap.Error(err),
			)
		}
	}

	_, err = m.dispatcher.Send(ctx, recipientFor(o.Customer), notify.TemplateOrderCancelled, notify.Params{
		"name":     o.Customer.Name,
		"order_id": o.ID,
		"reason":   CancelReasonTimeout,
	})
	if err != nil {
		m.lg.Warn("cancellation notice not delivered",
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
	}

	m.publish(ctx, event.Event{
		Type:    event.TypeOrderExpired,
		OrderID: o.ID,
		Reason:  CancelReasonTimeout,
		At:      now,
	})

	return OutcomeExpired, nil
}

func (m *Machine) publish(ctx context.Context, e event.Event) {
	if err := m.events.Publish(ctx, e); err != nil {
		m.lg.Warn("event publish failed",
			zap.String("type", string(e.Type)),
			zap.String("order_id", e.OrderID),
			zap.Error(err),
		)
	}
}

func recipientFor(c order.Customer) notify.Recipient {
	return notify.Recipient{
		Name:   c.Name,
		Email:  c.Email,
		Phone:  c.Phone,
		ChatID: c.ChatID,
		Locale: c.Locale,
	}
}

func recipientForVendor(v *order.Vendor) notify.Recipient {
	return notify.Recipient{
		Name:   v.Name,
		Email:  v.Email,
		Phone:  v.Phone,
		ChatID: v.ChatID,
		Locale: v.Locale,
	}
}

// itemizeFor summarizes one vendor's lines, e.g. "2x prod-1, 1x prod-2".
func itemizeFor(o *order.Order, vendorID string) string {
	var parts []string
	for _, it := range o.Items {
		if it.VendorID == vendorID {
			parts = append(parts, fmt.Sprintf("%dx %s", it.Quantity, it.ProductID))
		}
	}
	return strings.Join(parts, ", ")
}

func receiptFor(o *order.Order) notify.Receipt {
	lines := make([]notify.ReceiptLine, len(o.Items))
	for i, it := range o.Items {
		lines[i] = notify.ReceiptLine{
			Product:  it.ProductID,
			Quantity: it.Quantity,
			Price:    it.Price,
		}
	}
	return notify.Receipt{OrderID: o.ID, Total: o.TotalAmount, Lines: lines}
}
