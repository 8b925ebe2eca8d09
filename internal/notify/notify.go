// Package notify delivers customer and vendor notifications across an ordered
// list of channels with automatic fallback, plus an independent email path for
// detailed receipts.
package notify

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// Recipient is the destination of a notification. Which fields are required
// depends on the channel: chat needs ChatID, SMS needs Phone, email needs
// Email. Locale selects the template language.
type Recipient struct {
	Name   string
	Email  string
	Phone  string
	ChatID string
	Locale string
}

// Attachment is a rich media element supported by chat channels. Other
// channels drop it.
type Attachment struct {
	ImageURL string
	Width    int
	Height   int
}

// Message is one logical rendered notification. Channels may adapt its
// presentation (truncation, stripping) but never its meaning.
type Message struct {
	Body       string
	Attachment *Attachment
}

// Delivery reports which channel accepted the message.
type Delivery struct {
	Channel   string
	MessageID string
}

// Channel is a single notification transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, to Recipient, msg Message) (messageID string, err error)
}

// ErrAllChannelsFailed is returned when every channel in the chain rejected
// the message. Individual channel errors are joined onto it.
var ErrAllChannelsFailed = errors.New("all notification channels failed")

// Dispatcher renders templates and attempts delivery through an ordered
// channel chain, stopping at the first success.
type Dispatcher struct {
	templates *Registry
	channels  []Channel
	brand     *Attachment
	lg        *zap.Logger
}

// NewDispatcher creates a Dispatcher with the given default channel order.
// brand, when non-nil, is attached to messages on channels that support rich
// attachments.
func NewDispatcher(templates *Registry, brand *Attachment, lg *zap.Logger, channels ...Channel) *Dispatcher {
	return &Dispatcher{
		templates: templates,
		channels:  channels,
		brand:     brand,
		lg:        lg.Named("notify"),
	}
}

// Send renders the template identified by key in the recipient's locale and
// attempts each channel in order until one accepts the message. When the
// channels argument is empty the dispatcher's default chain is used.
//
// A channel failure is logged and the next channel is tried with the same
// rendered message; only transport and presentation vary between attempts.
// Exhausting the chain returns ErrAllChannelsFailed with every attempt's
// error attached.
func (d *Dispatcher) Send(ctx context.Context, to Recipient, key string, params Params, channels ...Channel) (*Delivery, error) {
	body, err := d.templates.Render(key, to.Locale, params)
	if err != nil {
		return nil, errors.Wrapf(err, "render %q", key)
	}

	msg := Message{Body: body, Attachment: d.brand}

	chain := channels
	if len(chain) == 0 {
		chain = d.channels
	}
	if len(chain) == 0 {
		return nil, errors.New("no channels configured")
	}

	var attempts []string
	for _, ch := range chain {
		id, sendErr := ch.Send(ctx, to, msg)
		if sendErr == nil {
			return &Delivery{Channel: ch.Name(), MessageID: id}, nil
		}

		d.lg.Warn("channel failed, trying next",
			zap.String("channel", ch.Name()),
			zap.String("template", key),
			zap.Error(sendErr),
		)
		attempts = append(attempts, ch.Name()+": "+sendErr.Error())
	}

	return nil, errors.Wrapf(ErrAllChannelsFailed, "%s", strings.Join(attempts, "; "))
}
