// Package reconcile runs the recurring scan that reconciles pending-payment
// orders against the payment provider and drives the settlement state machine.
package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vendora/settlement/internal/domain/order"
	"github.com/vendora/settlement/internal/domain/payment"
	"github.com/vendora/settlement/internal/settle"
)

// Advancer is the state machine port the loop drives.
type Advancer interface {
	Advance(ctx context.Context, o *order.Order, chk *payment.Check, now time.Time) (settle.Outcome, error)
}

// Config holds the loop's scheduling parameters.
type Config struct {
	// Interval between scans.
	Interval time.Duration
	// Lookback bounds the scan window: only pending orders younger than this
	// are candidates. Older strays belong to manual reconciliation.
	Lookback time.Duration
	// Concurrency bounds the per-order worker pool within one scan.
	Concurrency int
	// Now overrides the clock; nil means time.Now. Tests use it to run many
	// virtual ticks quickly.
	Now func() time.Time
}

// ScanReport summarizes one scan.
type ScanReport struct {
	Checked  int           `json:"checked"`
	Settled  int           `json:"settled"`
	Expired  int           `json:"expired"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Stats is a snapshot of the loop's lifetime counters.
type Stats struct {
	Running      bool          `json:"running"`
	Scans        uint64        `json:"scans"`
	LastScanAt   time.Time     `json:"last_scan_at"`
	LastDuration time.Duration `json:"last_scan_duration"`
	Checked      uint64        `json:"orders_checked"`
	Settled      uint64        `json:"orders_settled"`
	Expired      uint64        `json:"orders_expired"`
	Failed       uint64        `json:"orders_failed"`
}

// Loop periodically scans pending-payment orders and feeds each through a
// payment-status check into the state machine. The loop itself holds no
// financial logic.
type Loop struct {
	cfg      Config
	orders   order.Store
	provider payment.Provider
	machine  Advancer
	metrics  *Metrics
	lg       *zap.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}

	// scanMu serializes scans so a manual trigger never overlaps a scheduled
	// one. Within a scan, orders are independent units of work.
	scanMu sync.Mutex

	running      atomic.Bool
	scans        atomic.Uint64
	checked      atomic.Uint64
	settled      atomic.Uint64
	expired      atomic.Uint64
	failed       atomic.Uint64
	lastScanUnix atomic.Int64
	lastDuration atomic.Int64
}

// NewLoop creates a Loop. metrics may be nil.
func NewLoop(cfg Config, orders order.Store, provider payment.Provider, machine Advancer, metrics *Metrics, lg *zap.Logger) *Loop {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Loop{
		cfg:      cfg,
		orders:   orders,
		provider: provider,
		machine:  machine,
		metrics:  metrics,
		lg:       lg.Named("reconcile"),
	}
}

// Start launches the recurring scan schedule: one scan immediately, then one
// per interval. Calling Start while already running is a logged no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stop != nil {
		l.lg.Info("already running, start ignored")
		return
	}

	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.running.Store(true)

	go l.run(ctx, l.stop, l.done)

	l.lg.Info("started",
		zap.Duration("interval", l.cfg.Interval),
		zap.Duration("lookback", l.cfg.Lookback),
		zap.Int("concurrency", l.cfg.Concurrency),
	)
}

// Stop cancels the recurring schedule. An in-flight scan finishes; Stop does
// not wait for it. Calling Stop when not running is a no-op.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stop == nil {
		return
	}
	close(l.stop)
	l.stop = nil
	l.running.Store(false)
	l.lg.Info("stopped")
}

// Done returns a channel closed once the schedule goroutine has exited, or
// nil if the loop was never started.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

func (l *Loop) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	if _, err := l.scan(ctx); err != nil {
		l.lg.Error("scan failed, retrying on next tick", zap.Error(err))
	}

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := l.scan(ctx); err != nil {
				l.lg.Error("scan failed, retrying on next tick", zap.Error(err))
			}
		}
	}
}

// CheckNow runs a single scan outside the schedule. Used by the operational
// surface for manual reconciliation.
func (l *Loop) CheckNow(ctx context.Context) (ScanReport, error) {
	return l.scan(ctx)
}

// scan lists candidate orders and processes each through a bounded worker
// pool. Failures are isolated per order: one bad order never aborts the rest
// of the scan.
func (l *Loop) scan(ctx context.Context) (ScanReport, error) {
	l.scanMu.Lock()
	defer l.scanMu.Unlock()

	started := time.Now()

	candidates, err := l.orders.ListPendingPayment(ctx, l.cfg.Lookback)
	if err != nil {
		l.failed.Add(1)
		return ScanReport{}, err
	}

	var settled, expired, skipped, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)
	for i := range candidates {
		o := &candidates[i]
		g.Go(func() error {
			switch outcome := l.checkOrder(gctx, o); outcome {
			case settle.OutcomeSettled:
				settled.Add(1)
			case settle.OutcomeExpired:
				expired.Add(1)
			case settle.OutcomeSkipped:
				skipped.Add(1)
			case outcomeFailed:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := ScanReport{
		Checked:  len(candidates),
		Settled:  int(settled.Load()),
		Expired:  int(expired.Load()),
		Skipped:  int(skipped.Load()),
		Failed:   int(failed.Load()),
		Duration: time.Since(started),
	}

	l.scans.Add(1)
	l.checked.Add(uint64(report.Checked))
	l.settled.Add(uint64(report.Settled))
	l.expired.Add(uint64(report.Expired))
	l.failed.Add(uint64(report.Failed))
	l.lastScanUnix.Store(started.Unix())
	l.lastDuration.Store(int64(report.Duration))
	l.metrics.recordScan(ctx, report)

	l.lg.Info("scan complete",
		zap.Int("checked", report.Checked),
		zap.Int("settled", report.Settled),
		zap.Int("expired", report.Expired),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration),
	)

	return report, nil
}

// outcomeFailed marks an order whose check or transition errored; it retries
// on the next tick.
const outcomeFailed = settle.Outcome("failed")

// checkOrder queries the provider for one order and feeds the result into the
// state machine. A provider failure is transient: it is logged and the order
// is left for the next tick, never expired on the strength of a failed query.
func (l *Loop) checkOrder(ctx context.Context, o *order.Order) settle.Outcome {
	chk, err := l.provider.CheckStatus(ctx, o)
	if err != nil {
		l.lg.Warn("payment status check failed",
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
		return outcomeFailed
	}

	outcome, err := l.machine.Advance(ctx, o, chk, l.cfg.Now())
	if err != nil {
		l.lg.Error("state transition failed",
			zap.String("order_id", o.ID),
			zap.String("check_status", string(chk.Status)),
			zap.Error(err),
		)
		return outcomeFailed
	}
	return outcome
}

// Stats returns a snapshot of the loop's lifetime counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Running:      l.running.Load(),
		Scans:        l.scans.Load(),
		LastScanAt:   time.Unix(l.lastScanUnix.Load(), 0).UTC(),
		LastDuration: time.Duration(l.lastDuration.Load()),
		Checked:      l.checked.Load(),
		Settled:      l.settled.Load(),
		Expired:      l.expired.Load(),
		Failed:       l.failed.Load(),
	}
}
