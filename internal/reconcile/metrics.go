package reconcile

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics exposes the loop's counters through OpenTelemetry. A nil *Metrics
// is valid and records nothing, which keeps tests free of meter setup.
type Metrics struct {
	scans   metric.Int64Counter
	checked metric.Int64Counter
	settled metric.Int64Counter
	expired metric.Int64Counter
	failed  metric.Int64Counter
}

// NewMetrics registers the reconcile counters on the given meter provider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("vendora.settlement.reconcile")

	m := &Metrics{}
	var err error
	if m.scans, err = meter.Int64Counter("reconcile.scans"); err != nil {
		return nil, err
	}
	if m.checked, err = meter.Int64Counter("reconcile.orders.checked"); err != nil {
		return nil, err
	}
	if m.settled, err = meter.Int64Counter("reconcile.orders.settled"); err != nil {
		return nil, err
	}
	if m.expired, err = meter.Int64Counter("reconcile.orders.expired"); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("reconcile.orders.failed"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordScan(ctx context.Context, r ScanReport) {
	if m == nil {
		return
	}
	m.scans.Add(ctx, 1)
	m.checked.Add(ctx, int64(r.Checked))
	m.settled.Add(ctx, int64(r.Settled))
	m.expired.Add(ctx, int64(r.Expired))
	m.failed.Add(ctx, int64(r.Failed))
}
