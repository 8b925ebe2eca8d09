package notify

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
)

// ErrNoRecipientAddress signals that the recipient lacks the address this
// channel needs (no chat id, no phone number). It is an ordinary channel
// failure: the dispatcher falls through to the next channel.
var ErrNoRecipientAddress = errors.New("recipient has no address for this channel")

// ChatChannel posts messages to a chat-app webhook as JSON, including the
// rich attachment when one is set.
type ChatChannel struct {
	webhookURL string
	client     *http.Client
}

// NewChatChannel creates a chat channel targeting webhookURL.
func NewChatChannel(webhookURL string, timeout time.Duration) *ChatChannel {
	return &ChatChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
	}
}

func (c *ChatChannel) Name() string { return "chat" }

// Send posts the message to the recipient's chat id.
func (c *ChatChannel) Send(ctx context.Context, to Recipient, msg Message) (string, error) {
	if to.ChatID == "" {
		return "", ErrNoRecipientAddress
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("to")
	e.Str(to.ChatID)
	e.FieldStart("text")
	e.Str(msg.Body)
	if msg.Attachment != nil {
		e.FieldStart("attachment")
		e.ObjStart()
		e.FieldStart("image_url")
		e.Str(msg.Attachment.ImageURL)
		e.FieldStart("width")
		e.Int(msg.Attachment.Width)
		e.FieldStart("height")
		e.Int(msg.Attachment.Height)
		e.ObjEnd()
	}
	e.ObjEnd()

	return postJSON(ctx, c.client, c.webhookURL, e.Bytes())
}

// SMSChannel sends plain-text messages through an SMS gateway API. Messages
// are stripped of formatting, prefixed with the brand tag, and truncated to
// the channel limit; attachments are dropped.
type SMSChannel struct {
	apiURL   string
	apiKey   string
	brandTag string
	limit    int
	client   *http.Client
}

// NewSMSChannel creates an SMS channel. limit is the maximum message length
// including the brand tag prefix.
func NewSMSChannel(apiURL, apiKey, brandTag string, limit int, timeout time.Duration) *SMSChannel {
	return &SMSChannel{
		apiURL:   apiURL,
		apiKey:   apiKey,
		brandTag: brandTag,
		limit:    limit,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *SMSChannel) Name() string { return "sms" }

// Send delivers the message to the recipient's phone number.
func (c *SMSChannel) Send(ctx context.Context, to Recipient, msg Message) (string, error) {
	if to.Phone == "" {
		return "", ErrNoRecipientAddress
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("to")
	e.Str(to.Phone)
	e.FieldStart("body")
	e.Str(c.adapt(msg.Body))
	e.ObjEnd()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(e.Bytes()))
	if err != nil {
		return "", errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return doSend(c.client, req)
}

// adapt flattens the body to a single line, prefixes the brand tag, and
// truncates to the channel limit.
func (c *SMSChannel) adapt(body string) string {
	flat := strings.Join(strings.Fields(body), " ")
	out := c.brandTag + flat
	if len(out) > c.limit {
		out = out[:c.limit]
	}
	return out
}

// postJSON posts body to url and returns the provider message id.
func postJSON(ctx context.Context, client *http.Client, url string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	return doSend(client, req)
}

// doSend executes the request and extracts a message id from the response.
// Providers that return no message_id get a locally generated one.
func doSend(client *http.Client, req *http.Request) (string, error) {
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "send")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.Errorf("provider rejected message: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil || len(raw) == 0 {
		return uuid.New().String(), nil
	}
	if id := extractMessageID(raw); id != "" {
		return id, nil
	}
	return uuid.New().String(), nil
}

// extractMessageID pulls message_id (or id) out of a JSON response body.
func extractMessageID(raw []byte) string {
	var id string
	d := jx.DecodeBytes(raw)
	_ = d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "message_id", "id":
			s, err := d.Str()
			if err != nil {
				return err
			}
			if id == "" || key == "message_id" {
				id = s
			}
			return nil
		default:
			return d.Skip()
		}
	})
	return id
}
