package notify

import (
	"strings"

	"github.com/go-faster/errors"
)

// Params supplies values for template placeholders. Rendering is strict in
// both directions: a placeholder without a param and a param without a
// placeholder are both contract violations.
type Params map[string]string

// Registry maps (template key, language) pairs to parameterized message
// bodies. Placeholders use {name} syntax. A missing language falls back to
// the registry's default language; a missing key is an error.
type Registry struct {
	defaultLang string
	templates   map[string]map[string]string
}

// NewRegistry creates a Registry with the given default language.
func NewRegistry(defaultLang string) *Registry {
	return &Registry{
		defaultLang: defaultLang,
		templates:   make(map[string]map[string]string),
	}
}

// Register adds a template body for (key, lang), replacing any previous one.
func (r *Registry) Register(key, lang, body string) {
	langs, ok := r.templates[key]
	if !ok {
		langs = make(map[string]string)
		r.templates[key] = langs
	}
	langs[lang] = body
}

// Render resolves the template for key in lang (falling back to the default
// language) and substitutes params into its placeholders.
func (r *Registry) Render(key, lang string, params Params) (string, error) {
	langs, ok := r.templates[key]
	if !ok {
		return "", errors.Errorf("unknown template %q", key)
	}

	body, ok := langs[lang]
	if !ok {
		body, ok = langs[r.defaultLang]
		if !ok {
			return "", errors.Errorf("template %q has no %q or default %q variant", key, lang, r.defaultLang)
		}
	}

	return substitute(body, params)
}

// substitute replaces every {name} placeholder in body with params[name].
// Every placeholder must resolve and every param must be used.
func substitute(body string, params Params) (string, error) {
	var b strings.Builder
	used := make(map[string]bool, len(params))

	for {
		open := strings.IndexByte(body, '{')
		if open < 0 {
			b.WriteString(body)
			break
		}
		rel := strings.IndexByte(body[open:], '}')
		if rel < 0 {
			return "", errors.Errorf("unterminated placeholder near %q", body[open:])
		}

		name := body[open+1 : open+rel]
		val, ok := params[name]
		if !ok {
			return "", errors.Errorf("unresolved placeholder {%s}", name)
		}
		used[name] = true

		b.WriteString(body[:open])
		b.WriteString(val)
		body = body[open+rel+1:]
	}

	for name := range params {
		if !used[name] {
			return "", errors.Errorf("unused param %q", name)
		}
	}

	return b.String(), nil
}

// Template keys dispatched by the settlement engine.
const (
	TemplateOrderConfirmed = "order_confirmed"
	TemplateOrderCancelled = "order_cancelled"
	TemplateVendorNewOrder = "vendor_new_order"
)

// DefaultRegistry returns the built-in message catalog (English default,
// Spanish secondary).
func DefaultRegistry() *Registry {
	r := NewRegistry("en")

	r.Register(TemplateOrderConfirmed, "en",
		"Hi {name}, your payment for order {order_id} is confirmed. Total: {total}. Your items are on the way!")
	r.Register(TemplateOrderConfirmed, "es",
		"Hola {name}, el pago de tu pedido {order_id} fue confirmado. Total: {total}. ¡Tus productos están en camino!")

	r.Register(TemplateOrderCancelled, "en",
		"Hi {name}, order {order_id} was cancelled: {reason}. You have not been charged.")
	r.Register(TemplateOrderCancelled, "es",
		"Hola {name}, el pedido {order_id} fue cancelado: {reason}. No se realizó ningún cargo.")

	r.Register(TemplateVendorNewOrder, "en",
		"New order {order_id} for {vendor}: {items}. Your payout of {amount} is scheduled for {scheduled}.")
	r.Register(TemplateVendorNewOrder, "es",
		"Nuevo pedido {order_id} para {vendor}: {items}. Tu pago de {amount} está programado para el {scheduled}.")

	return r
}
