package settle

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vendora/settlement/internal/domain/order"
	"github.com/vendora/settlement/internal/domain/payment"
	"github.com/vendora/settlement/internal/event"
	"github.com/vendora/settlement/internal/notify"
	"github.com/vendora/settlement/internal/payout"
)

// --- Mock implementations ---

type transition struct {
	orderID string
	from    order.Status
	to      order.Status
	fields  order.TransitionFields
}

type mockOrderStore struct {
	transitions []transition
	applied     bool
	err         error
}

func (m *mockOrderStore) ListPendingPayment(_ context.Context, _ time.Duration) ([]order.Order, error) {
	return nil, nil
}

func (m *mockOrderStore) ConditionalTransition(_ context.Context, orderID string, from, to order.Status, fields order.TransitionFields) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	m.transitions = append(m.transitions, transition{orderID: orderID, from: from, to: to, fields: fields})
	return m.applied, nil
}

func (m *mockOrderStore) CountByStatus(_ context.Context) (map[order.Status]int, error) {
	return nil, nil
}

type mockInventory struct {
	restocked map[string]int
	failFor   string
}

func (m *mockInventory) Restock(_ context.Context, productID string, quantity int) error {
	if productID == m.failFor {
		return errors.New("product row missing")
	}
	if m.restocked == nil {
		m.restocked = make(map[string]int)
	}
	m.restocked[productID] += quantity
	return nil
}

type mockVendorDirectory struct {
	byID map[string]*order.Vendor
}

func (m *mockVendorDirectory) GetVendor(_ context.Context, vendorID string) (*order.Vendor, error) {
	v, ok := m.byID[vendorID]
	if !ok {
		return nil, errors.Errorf("vendor %q not found", vendorID)
	}
	return v, nil
}

type mockPayoutStore struct {
	created    []payout.VendorPayout
	failVendor string
}

func (m *mockPayoutStore) CreatePayout(_ context.Context, p *payout.VendorPayout) error {
	if p.VendorID == m.failVendor {
		return errors.New("insert failed")
	}
	m.created = append(m.created, *p)
	return nil
}

func (m *mockPayoutStore) PendingTotal(_ context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type sentNotification struct {
	to     notify.Recipient
	key    string
	params notify.Params
}

type mockDispatcher struct {
	sent []sentNotification
	err  error
}

func (m *mockDispatcher) Send(_ context.Context, to notify.Recipient, key string, params notify.Params, _ ...notify.Channel) (*notify.Delivery, error) {
	m.sent = append(m.sent, sentNotification{to: to, key: key, params: params})
	if m.err != nil {
		return nil, m.err
	}
	return &notify.Delivery{Channel: "chat", MessageID: "msg-1"}, nil
}

func (m *mockDispatcher) byKey(key string) []sentNotification {
	var out []sentNotification
	for _, s := range m.sent {
		if s.key == key {
			out = append(out, s)
		}
	}
	return out
}

type mockMailer struct {
	receipts []notify.Receipt
	err      error
}

func (m *mockMailer) SendReceipt(_ notify.Recipient, r notify.Receipt) error {
	if m.err != nil {
		return m.err
	}
	m.receipts = append(m.receipts, r)
	return nil
}

type mockPublisher struct {
	events []event.Event
	err    error
}

func (m *mockPublisher) Publish(_ context.Context, e event.Event) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *mockPublisher) Close() error { return nil }

func (m *mockPublisher) byType(typ event.Type) []event.Event {
	var out []event.Event
	for _, e := range m.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// --- Helpers ---

type fixture struct {
	orders    *mockOrderStore
	inventory *mockInventory
	vendors   *mockVendorDirectory
	payouts   *mockPayoutStore
	disp      *mockDispatcher
	mailer    *mockMailer
	events    *mockPublisher
	machine   *Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		orders:    &mockOrderStore{applied: true},
		inventory: &mockInventory{},
		vendors: &mockVendorDirectory{byID: map[string]*order.Vendor{
			"vendor-a": {ID: "vendor-a", Name: "Acme", Email: "acme@example.com", ChatID: "chat-a", Locale: "en"},
			"vendor-b": {ID: "vendor-b", Name: "Bolt", Email: "bolt@example.com", ChatID: "chat-b", Locale: "es"},
		}},
		payouts: &mockPayoutStore{},
		disp:    &mockDispatcher{},
		mailer:  &mockMailer{},
		events:  &mockPublisher{},
	}

	share, err := decimal.NewFromString("0.85")
	require.NoError(t, err)

	f.machine = NewMachine(Config{
		Orders:      f.orders,
		Inventory:   f.inventory,
		Vendors:     f.vendors,
		Calculator:  payout.NewCalculator(share, 7*24*time.Hour),
		Payouts:     f.payouts,
		Dispatcher:  f.disp,
		Mailer:      f.mailer,
		Events:      f.events,
		ExpireAfter: 2 * time.Hour,
	}, zap.NewNop())
	return f
}

func mustDec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func pendingOrder(t *testing.T, createdAt time.Time) *order.Order {
	t.Helper()
	items := []order.Item{
		{ProductID: "prod-1", VendorID: "vendor-a", Quantity: 1, Price: mustDec(t, "50.00")},
		{ProductID: "prod-2", VendorID: "vendor-b", Quantity: 2, Price: mustDec(t, "30.00")},
	}
	return &order.Order{
		ID:          "ord-1",
		Status:      order.StatusPendingPayment,
		Items:       items,
		TotalAmount: mustDec(t, "110.00"),
		Customer: order.Customer{
			Name:   "Dana",
			Email:  "dana@example.com",
			Phone:  "+15550001111",
			ChatID: "chat-dana",
			Locale: "en",
		},
		CreatedAt: createdAt,
	}
}

var testNow = time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)

// --- Tests ---

func TestAdvance_PaidSettlesOrder(t *testing.T) {
	f := newFixture(t)
	o := pendingOrder(t, testNow.Add(-30*time.Minute))
	paidAt := testNow.Add(-time.Minute)

	outcome, err := f.machine.Advance(context.Background(), o, &payment.Check{
		OrderID:       o.ID,
		Status:        payment.StatusPaid,
		TransactionID: "txn-42",
		Timestamp:     paidAt,
	}, testNow)

	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, outcome)

	require.Len(t, f.orders.transitions, 1)
	tr := f.orders.transitions[0]
	assert.Equal(t, order.StatusPendingPayment, tr.from)
	assert.Equal(t, order.StatusProcessing, tr.to)
	assert.Equal(t, "txn-42", tr.fields.PaymentID)
	require.NotNil(t, tr.fields.PaidAt)
	assert.Equal(t, paidAt, *tr.fields.PaidAt)

	require.Len(t, f.payouts.created, 2)
	assert.Equal(t, "vendor-a", f.payouts.created[0].VendorID)
	assert.True(t, f.payouts.created[0].Amount.Equal(mustDec(t, "42.50")))
	assert.Equal(t, "vendor-b", f.payouts.created[1].VendorID)
	assert.True(t, f.payouts.created[1].Amount.Equal(mustDec(t, "51.00")))

	confirmations := f.disp.byKey(notify.TemplateOrderConfirmed)
	require.Len(t, confirmations, 1)
	assert.Equal(t, "chat-dana", confirmations[0].to.ChatID)
	assert.Equal(t, "110.00", confirmations[0].params["total"])

	vendorNotes := f.disp.byKey(notify.TemplateVendorNewOrder)
	require.Len(t, vendorNotes, 2)
	assert.Equal(t, "chat-a", vendorNotes[0].to.ChatID)
	assert.Equal(t, "1x prod-1", vendorNotes[0].params["items"])
	assert.Equal(t, "42.50", vendorNotes[0].params["amount"])
	assert.Equal(t, "2x prod-2", vendorNotes[1].params["items"])

	require.Len(t, f.mailer.receipts, 1)
	assert.Equal(t, "ord-1", f.mailer.receipts[0].OrderID)

	assert.Len(t, f.events.byType(event.TypeOrderSettled), 1)
	assert.Len(t, f.events.byType(event.TypePayoutCreated), 2)
}

func TestAdvance_PaidWithoutTimestampUsesNow(t *testing.T) {
	f := newFixture(t)
	o := pendingOrder(t, testNow.Add(-time.Hour))

	_, err := f.machine.Advance(context.Background(), o, &payment.Check{
		OrderID:       o.ID,
		Status:        payment.StatusPaid,
		TransactionID: "txn-1",
	}, testNow)

	require.NoError(t, err)
	require.Len(t, f.orders.transitions, 1)
	require.NotNil(t, f.orders.transitions[0].fields.PaidAt)
	assert.Equal(t, testNow, *f.orders.transitions[0].fields.PaidAt)
}

func TestAdvance_PaidBeatsAge(t *testing.T) {
	f := newFixture(t)
	// Well past the 2h threshold, but the provider says paid.
	o := pendingOrder(t, testNow.Add(-5*time.Hour))

	outcome, err := f.machine.Advance(context.Background(), o, &payment.Check{
		OrderID: o.ID, Status: payment.StatusPaid, TransactionID: "txn-late",
	}, testNow)

	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, outcome)
	require.Len(t, f.orders.transitions, 1)
	assert.Equal(t, order.StatusProcessing, f.orders.transitions[0].to)
	assert.Empty(t, f.inventory.restocked)
}

func TestAdvance_PendingPastThresholdExpires(t *testing.T) {
	f := newFixture(t)
	o := pendingOrder(t, testNow.Add(-2*time.Hour-time.Second))

	outcome, err := f.machine.Advance(context.Background(), o, &payment.Check{
		OrderID: o.ID, Status: payment.StatusPending,
	}, testNow)

	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, outcome)

	require.Len(t, f.orders.transitions, 1)
	tr := f.orders.transitions[0]
	assert.Equal(t, order.StatusCancelled, tr.to)
	assert.Equal(t, CancelReasonTimeout, tr.fields.CancellationReason)

	assert.Equal(t, 1, f.inventory.restocked["prod-1"])
	assert.Equal(t, 2, f.inventory.restocked["prod-2"])

	cancelled := f.disp.byKey(notify.TemplateOrderCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, CancelReasonTimeout, cancelled[0].params["reason"])

	expired := f.events.byType(event.TypeOrderExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, CancelReasonTimeout, expired[0].Reason)

	assert.Empty(t, f.payouts.created)
	assert.Empty(t, f.mailer.receipts)
}

func TestAdvance_PendingExactlyAtThresholdDoesNothing(t *testing.T) {
	f := newFixture(t)
	o := pendingOrder(t, testNow.Add(-2*time.Hour))

	outcome, err := f.machine.Advance(context.Background(), o, &payment.Check{
		OrderID: o.ID, Status: payment.StatusPending,
	}, testNow)

	require.NoError(t, err)
	assert.Equal(t, OutcomeNone, outcome)
	assert.Empty(t, f.orders.transitions)
	assert.Empty(t, f.inventory.restocked)
	assert.Empty(t, f.disp.sent)
}

func TestAdvance_ProviderExpiredCancelsImmediately(t *testing.T) {
	f := newFixture(t)
	// Young order, but the provider already closed the payment window.
	o := pendingOrder(t, testNow.Add(-10*time.Minute))

	outcome, err := f.machine.Advance(context.Background(), o, &payment.Check{
		OrderID: o.ID, Status: payment.StatusExpired,
	}, testNow)

	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, outcome)
	require.Len(t, f.orders.transitions, 1)
	assert.Equal(t, order.StatusCancelled, f.orders.transitions[0].to)
}

func TestAdvance_TerminalOrderSkipped(t *testing.T) {
	f := newFixture(t)
	o := pendingOrder(t, testNow.Add(-time.Hour))
	o.Status = order.StatusProcessing

	outcome, err := f.machine.Advance(context.Background(), o, &payment.Check{
		OrderID: o.ID, Status: payment.StatusPaid, TransactionID: "txn-dup",
	}, testNow)

	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Empty(t, f.orders.transitions)
	assert.Empty(t, f.payouts.created)
	assert.Empty(t, f.disp.sent)
}

func TestAdvance_LostTransitionRaceSkips(t *testing.T) {
	f := newFixture(t)
	f.orders.applied = false
	o := pendingOrder(t, testNow.Add(-time.Hour))

	outcome, err := f.machine.Advance(context.Background(), o, &payment.Check{
		OrderID: o.ID, Status: payment.StatusPaid, TransactionID: "txn-1",
	}, testNow)

	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	// No downstream effects when the precondition failed.
	assert.Empty(t, f.payouts.created)
	assert.Empty(t, f.disp.sent)
	assert.Empty(t, f.mailer.receipts)
	assert.Empty(t, f.events.events)
}

func TestAdvance_TransitionErrorPropagates(t *testing.T) {
	f := newFixture(t)
	f.orders.err = errors.New("connection reset")
	o := pendingOrder(t, testNow.Add(-time.Hour))

	outcome, err := f.machine.Advance(context.Background(), o, &payment.Check{
		OrderID: o.ID, Status: payment.StatusPaid,
	}, testNow)

	require.Error(t, err)
	assert.Equal(t, OutcomeNone, outcome)
	assert.Empty(t, f.payouts.created)
}

func TestAdvance_UnknownCheckStatus(t *testing.T) {
	f := newFixture(t)
	o := pendingOrder(t, testNow.Add(-time.Hour))

	outcome, err := f.machine.Advance(context.Background(), o, &payment.Check{
		OrderID: o.ID, Status: payment.CheckStatus("refunded"),
	}, testNow)

	require.Error(t, err)
	assert.Equal(t, OutcomeNone, outcome)
}

func TestSettle_PayoutCalculationFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	o := pendingOrder(t, testNow.Add(-time.Hour))
	o.Items = nil // forces ErrNoItems from the calculator

	outcome, err := f.machine.Advance(context.Background(), o, &payment.Check{
		OrderID: o.ID, Status: payment.StatusPaid, TransactionID: "txn-1",
	}, testNow)

	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, outcome)
	assert.Empty(t, f.payouts.created)
	// Customer confirmation still goes out.
	assert.Len(t, f.disp.byKey(notify.TemplateOrderConfirmed), 1)
}

func TestSettle_PayoutInsertFailureContinues(t *testing.T) {
	f := newFixture(t)
	f.payouts.failVendor = "vendor-a"
	o := pendingOrder(t, testNow.Add(-time.Hour))

	outcome, err := f.machine.Advance(context.Background(), o, &payment.Check{
		OrderID: o.ID, Status: payment.StatusPaid, TransactionID: "txn-1",
	}, testNow)

	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, outcome)
	require.Len(t, f.payouts.created, 1)
	assert.Equal(t, "vendor-b", f.payouts.created[0].VendorID)
	assert.Len(t, f.events.byType(event.TypePayoutCreated), 1)
}

func TestSettle_UnresolvableVendorLogsAndContinues(t *testing.T) {
	f := newFixture(t)
	delete(f.vendors.byID, "vendor-b")
	o := pendingOrder(t, testNow.Add(-time.Hour))

	outcome, err := f.machine.Advance(context.Background(), o, &payment.Check{
		OrderID: o.ID, Status: payment.StatusPaid, TransactionID: "txn-1",
	}, testNow)

	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, outcome)
	// Payout is still created for the unresolvable vendor.
	require.Len(t, f.payouts.created, 2)
	// Only the resolvable vendor gets notified.
	assert.Len(t, f.disp.byKey(notify.TemplateVendorNewOrder), 1)
}

func TestSettle_NotificationFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.disp.err = notify.ErrAllChannelsFailed
	f.mailer.err = errors.New("smtp refused")
	o := pendingOrder(t, testNow.Add(-time.Hour))

	outcome, err := f.machine.Advance(context.Background(), o, &payment.Check{
		OrderID: o.ID, Status: payment.StatusPaid, TransactionID: "txn-1",
	}, testNow)

	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, outcome)
	require.Len(t, f.orders.transitions, 1)
	assert.Equal(t, order.StatusProcessing, f.orders.transitions[0].to)
	assert.Len(t, f.payouts.created, 2)
}

func TestExpire_RestockContinuesPastFailure(t *testing.T) {
	f := newFixture(t)
	f.inventory.failFor = "prod-1"
	o := pendingOrder(t, testNow.Add(-3*time.Hour))

	outcome, err := f.machine.Advance(context.Background(), o, &payment.Check{
		OrderID: o.ID, Status: payment.StatusPending,
	}, testNow)

	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, outcome)
	// prod-1 failed but prod-2 was still restocked.
	assert.Equal(t, 2, f.inventory.restocked["prod-2"])
	assert.Len(t, f.disp.byKey(notify.TemplateOrderCancelled), 1)
}

func TestExpire_LostRaceSkipsCompensation(t *testing.T) {
	f := newFixture(t)
	f.orders.applied = false
	o := pendingOrder(t, testNow.Add(-3*time.Hour))

	outcome, err := f.machine.Advance(context.Background(), o, &payment.Check{
		OrderID: o.ID, Status: payment.StatusPending,
	}, testNow)

	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Empty(t, f.inventory.restocked)
	assert.Empty(t, f.disp.sent)
}
