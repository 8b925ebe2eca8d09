package notify

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Mailer sends detailed HTML receipts over SMTP. Email is an independent
// notification path: it is never part of the channel fallback chain, and its
// failures neither block nor are blocked by the primary channel outcome.
type Mailer struct {
	addr string
	from string
}

// NewMailer creates a Mailer for the SMTP server at host:port.
func NewMailer(host, port, from string) *Mailer {
	return &Mailer{
		addr: host + ":" + port,
		from: from,
	}
}

// ReceiptLine is one row in an emailed receipt.
type ReceiptLine struct {
	Product  string
	Quantity int
	Price    decimal.Decimal
}

// Receipt is the detailed order summary emailed after settlement.
type Receipt struct {
	OrderID string
	Total   decimal.Decimal
	Lines   []ReceiptLine
}

// SendReceipt emails the receipt to the recipient.
func (m *Mailer) SendReceipt(to Recipient, r Receipt) error {
	if to.Email == "" {
		return ErrNoRecipientAddress
	}

	shortID := r.OrderID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	subject := fmt.Sprintf("Your order receipt (order %s)", shortID)
	body := buildReceiptBody(r)

	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		m.from, to.Email, subject, body,
	)
	if err := smtp.SendMail(m.addr, nil, m.from, []string{to.Email}, []byte(msg)); err != nil {
		return errors.Wrap(err, "smtp send")
	}
	return nil
}

// buildReceiptBody renders the HTML receipt.
func buildReceiptBody(r Receipt) string {
	var rows strings.Builder
	for _, line := range r.Lines {
		subtotal := line.Price.Mul(decimal.NewFromInt(int64(line.Quantity)))
		rows.WriteString(fmt.Sprintf(
			`<tr>
				<td style="padding: 12px; border-bottom: 1px solid #eee;">%s</td>
				<td style="padding: 12px; border-bottom: 1px solid #eee; text-align: center;">%d</td>
				<td style="padding: 12px; border-bottom: 1px solid #eee; text-align: right;">$%s</td>
				<td style="padding: 12px; border-bottom: 1px solid #eee; text-align: right;">$%s</td>
			</tr>`,
			line.Product,
			line.Quantity,
			line.Price.StringFixed(2),
			subtotal.StringFixed(2),
		))
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
	<h1 style="font-size: 24px;">Thanks for your order</h1>
	<div style="background: #f8f9fa; padding: 15px; border-radius: 5px; margin: 20px 0;">
		<p style="margin: 0; font-size: 14px; color: #666;">Order number</p>
		<p style="margin: 5px 0 0 0; font-size: 18px; font-weight: bold; font-family: monospace;">%s</p>
	</div>
	<table style="width: 100%%; border-collapse: collapse; margin: 20px 0;">
		<thead>
			<tr style="background: #f8f9fa;">
				<th style="padding: 12px; text-align: left;">Item</th>
				<th style="padding: 12px; text-align: center;">Qty</th>
				<th style="padding: 12px; text-align: right;">Price</th>
				<th style="padding: 12px; text-align: right;">Subtotal</th>
			</tr>
		</thead>
		<tbody>
			%s
		</tbody>
	</table>
	<div style="text-align: right; padding: 20px; background: #f8f9fa; border-radius: 5px;">
		<span style="font-size: 14px; color: #666;">Total</span>
		<span style="font-size: 24px; font-weight: bold; margin-left: 10px;">$%s</span>
	</div>
	<p style="font-size: 12px; color: #999;">This email was sent automatically. Contact support with any questions.</p>
</body>
</html>`, r.OrderID, rows.String(), r.Total.StringFixed(2))
}
