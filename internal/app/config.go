package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Config holds the complete engine configuration, loadable from environment
// variables (SETTLE_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"control server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (SETTLE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`

	Payment   PaymentConfig
	Reconcile ReconcileConfig
	Payout    PayoutConfig
	Notify    NotifyConfig
	Events    EventsConfig
	RateLimit RateLimitConfig
	Graceful  GracefulConfig
}

// PaymentConfig points at the payment provider query API.
type PaymentConfig struct {
	APIURL  string        `usage:"payment provider base URL" flag:"payment-api-url"`
	Timeout time.Duration `default:"10s" usage:"per-query network timeout"`
}

// ReconcileConfig controls the recurring reconciliation scan.
type ReconcileConfig struct {
	Interval    time.Duration `default:"60s" usage:"time between scans"`
	Lookback    time.Duration `default:"24h" usage:"max order age considered by a scan"`
	ExpireAfter time.Duration `default:"2h"  usage:"unpaid order age before cancellation" flag:"expire-after"`
	Concurrency int           `default:"8"   usage:"per-order workers within one scan"`
}

// PayoutConfig controls the vendor revenue split.
type PayoutConfig struct {
	VendorShare     string        `default:"0.85" usage:"vendor fraction of each subtotal" flag:"vendor-share"`
	SettlementDelay time.Duration `default:"168h" usage:"delay before a payout is scheduled" flag:"settlement-delay"`
}

// NotifyConfig configures the notification channels.
type NotifyConfig struct {
	DefaultLanguage string        `default:"en" usage:"fallback template language" flag:"default-language"`
	BrandTag        string        `default:"[Vendora] " usage:"SMS brand prefix" flag:"brand-tag"`
	SMSLimit        int           `default:"160" usage:"SMS length limit" flag:"sms-limit"`
	SendTimeout     time.Duration `default:"10s" usage:"per-channel send timeout" flag:"send-timeout"`
	ChatWebhookURL  string        `usage:"chat-app webhook URL" flag:"chat-webhook-url"`
	LogoURL         string        `usage:"brand logo attached to chat messages" flag:"logo-url"`
	SMSAPIURL       string        `usage:"SMS gateway URL" flag:"sms-api-url"`
	SMSAPIKey       string        `usage:"SMS gateway API key" flag:"sms-api-key"`
	SMTPHost        string        `usage:"SMTP server host" flag:"smtp-host"`
	SMTPPort        string        `default:"587" usage:"SMTP server port" flag:"smtp-port"`
	SMTPFrom        string        `default:"orders@vendora.example" usage:"receipt sender address" flag:"smtp-from"`
}

// EventsConfig configures the optional settlement event stream.
type EventsConfig struct {
	KafkaBrokers []string `usage:"Kafka broker addresses; empty disables the stream" flag:"kafka-brokers"`
	KafkaTopic   string   `default:"settlement.events" usage:"event stream topic" flag:"kafka-topic"`
}

// RateLimitConfig controls the control-surface rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"60" usage:"max requests per window"`
	Window time.Duration `default:"1m" usage:"rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"maximum shutdown duration" flag:"shutdown-timeout"`
}

// VendorShareDecimal parses the configured vendor share fraction.
func (c *PayoutConfig) VendorShareDecimal() (decimal.Decimal, error) {
	share, err := decimal.NewFromString(c.VendorShare)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "parse vendor share")
	}
	if share.IsNegative() || share.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, errors.Errorf("vendor share %s outside [0, 1]", share)
	}
	return share, nil
}

// LoadConfig loads configuration from environment variables, YAML config
// files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SETTLE",
		Files:     []string{"config.yaml", "/etc/settlement/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set SETTLE_DATABASE_URL or DATABASE_URL")
	}
	if cfg.Payment.APIURL == "" {
		return nil, errors.New("payment provider URL is required: set SETTLE_PAYMENT_API_URL")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables
// (Railway, Render, etc.) that use standard names like DATABASE_URL and PORT
// to the SETTLE_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
