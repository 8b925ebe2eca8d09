package payment

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/vendora/settlement/internal/domain/order"
)

var _ Provider = (*HTTPClient)(nil)

// HTTPClient is a provider-agnostic REST adapter: it queries
// GET {base}/payments/{orderID} and expects a JSON body with a status field.
// The per-call timeout is the network timeout only; a timed-out query is a
// transient failure and carries no business meaning.
type HTTPClient struct {
	base    string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPClient creates an adapter for the provider API at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		base:    baseURL,
		client:  &http.Client{},
		timeout: timeout,
	}
}

// CheckStatus queries the provider for the order's payment state.
func (c *HTTPClient) CheckStatus(ctx context.Context, o *order.Order) (*Check, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.base + "/payments/" + url.PathEscape(o.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "query provider")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("provider returned %d for order %s", resp.StatusCode, o.ID)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}

	chk, err := decodeCheck(body)
	if err != nil {
		return nil, errors.Wrapf(err, "decode response for order %s", o.ID)
	}
	chk.OrderID = o.ID

	return chk, nil
}

// decodeCheck parses the provider response body.
func decodeCheck(body []byte) (*Check, error) {
	chk := &Check{}
	d := jx.DecodeBytes(body)

	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "status":
			s, err := d.Str()
			if err != nil {
				return err
			}
			switch CheckStatus(s) {
			case StatusPaid, StatusPending, StatusExpired:
				chk.Status = CheckStatus(s)
			default:
				return errors.Errorf("unknown payment status %q", s)
			}
			return nil
		case "transaction_id":
			s, err := d.Str()
			if err != nil {
				return err
			}
			chk.TransactionID = s
			return nil
		case "amount":
			raw, err := d.Num()
			if err != nil {
				return err
			}
			amt, err := decimal.NewFromString(raw.String())
			if err != nil {
				return errors.Wrap(err, "parse amount")
			}
			chk.Amount = amt
			return nil
		case "timestamp":
			s, err := d.Str()
			if err != nil {
				return err
			}
			ts, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return errors.Wrap(err, "parse timestamp")
			}
			chk.Timestamp = ts
			return nil
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, err
	}
	if chk.Status == "" {
		return nil, errors.New("missing payment status")
	}

	return chk, nil
}
