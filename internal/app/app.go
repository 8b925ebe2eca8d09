package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/vendora/settlement/internal/domain/payment"
	"github.com/vendora/settlement/internal/event"
	"github.com/vendora/settlement/internal/notify"
	"github.com/vendora/settlement/internal/payout"
	"github.com/vendora/settlement/internal/reconcile"
	"github.com/vendora/settlement/internal/settle"
	"github.com/vendora/settlement/internal/storage/postgres"
	"github.com/vendora/settlement/pkg/httpmiddleware"
	"github.com/vendora/settlement/pkg/probe"
)

// Run creates all dependencies, starts the reconciliation loop and the
// control HTTP server, and handles graceful shutdown. It is the single wiring
// point for the engine.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.Duration("interval", cfg.Reconcile.Interval),
	)

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Probes.
	probes := probe.New()
	probes.Add(probe.Readiness, "postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	probes.Add(probe.Liveness, "goroutines", time.Second, probe.GoroutineCountCheck(10000))
	probes.Start(ctx, 10*time.Second)
	defer probes.Stop()

	// Stores.
	orderStore := postgres.NewOrderStore(pool)
	payoutStore := postgres.NewPayoutStore(pool)
	inventoryStore := postgres.NewInventoryStore(pool)
	vendorStore := postgres.NewVendorStore(pool)

	// Notification channels.
	var channels []notify.Channel
	if cfg.Notify.ChatWebhookURL != "" {
		channels = append(channels, notify.NewChatChannel(cfg.Notify.ChatWebhookURL, cfg.Notify.SendTimeout))
	}
	if cfg.Notify.SMSAPIURL != "" {
		channels = append(channels, notify.NewSMSChannel(
			cfg.Notify.SMSAPIURL, cfg.Notify.SMSAPIKey,
			cfg.Notify.BrandTag, cfg.Notify.SMSLimit, cfg.Notify.SendTimeout,
		))
	}

	var brand *notify.Attachment
	if cfg.Notify.LogoURL != "" {
		brand = &notify.Attachment{ImageURL: cfg.Notify.LogoURL, Width: 240, Height: 240}
	}
	dispatcher := notify.NewDispatcher(notify.DefaultRegistry(), brand, lg, channels...)
	mailer := notify.NewMailer(cfg.Notify.SMTPHost, cfg.Notify.SMTPPort, cfg.Notify.SMTPFrom)

	// Event stream.
	var events event.Publisher = event.Noop{}
	if len(cfg.Events.KafkaBrokers) > 0 {
		kp := event.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		defer func() {
			if err := kp.Close(); err != nil {
				lg.Warn("close event publisher", zap.Error(err))
			}
		}()
		events = kp
	}

	// Settlement core.
	share, err := cfg.Payout.VendorShareDecimal()
	if err != nil {
		return err
	}
	machine := settle.NewMachine(settle.Config{
		Orders:      orderStore,
		Inventory:   inventoryStore,
		Vendors:     vendorStore,
		Calculator:  payout.NewCalculator(share, cfg.Payout.SettlementDelay),
		Payouts:     payoutStore,
		Dispatcher:  dispatcher,
		Mailer:      mailer,
		Events:      events,
		ExpireAfter: cfg.Reconcile.ExpireAfter,
	}, lg)

	provider := payment.NewHTTPClient(cfg.Payment.APIURL, cfg.Payment.Timeout)

	metrics, err := reconcile.NewMetrics(m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "create metrics")
	}
	loop := reconcile.NewLoop(reconcile.Config{
		Interval:    cfg.Reconcile.Interval,
		Lookback:    cfg.Reconcile.Lookback,
		Concurrency: cfg.Reconcile.Concurrency,
	}, orderStore, provider, machine, metrics, lg)

	loop.Start(ctx)
	defer loop.Stop()

	// Control server.
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", probes.LiveEndpoint)
	mux.HandleFunc("/readyz", probes.ReadyEndpoint)
	NewControl(loop, orderStore, payoutStore, probes.IsReady).Register(mux)

	handler := httpmiddleware.Wrap(mux,
		httpmiddleware.Recovery(),
		httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
			Max:    cfg.RateLimit.Max,
			Window: cfg.RateLimit.Window,
		}),
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.LogRequests(),
	)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           otelhttp.NewHandler(handler, "settlement-control"),
	}

	probes.SetReady(true)

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		probes.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		loop.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		close(shutdownDone)
	}()

	lg.Info("Control server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
