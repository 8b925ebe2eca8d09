package notify

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendReceipt_MissingEmail(t *testing.T) {
	m := NewMailer("localhost", "2525", "orders@example.com")

	err := m.SendReceipt(Recipient{Name: "Dana"}, Receipt{OrderID: "ord-1"})
	require.ErrorIs(t, err, ErrNoRecipientAddress)
}

func TestBuildReceiptBody(t *testing.T) {
	body := buildReceiptBody(Receipt{
		OrderID: "ord-12345678",
		Total:   decimal.RequireFromString("110.00"),
		Lines: []ReceiptLine{
			{Product: "prod-1", Quantity: 1, Price: decimal.RequireFromString("50.00")},
			{Product: "prod-2", Quantity: 2, Price: decimal.RequireFromString("30.00")},
		},
	})

	assert.Contains(t, body, "ord-12345678")
	assert.Contains(t, body, "prod-1")
	assert.Contains(t, body, "$50.00")
	// Line subtotal, not unit price.
	assert.Contains(t, body, "$60.00")
	assert.Contains(t, body, "$110.00")
	assert.Contains(t, body, "<!DOCTYPE html>")
}
