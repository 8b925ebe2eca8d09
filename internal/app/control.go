package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/vendora/settlement/internal/domain/order"
	"github.com/vendora/settlement/internal/payout"
	"github.com/vendora/settlement/internal/reconcile"
)

// Control serves the operational HTTP surface of the engine: aggregate health
// with scan stats, order/payout counts, and a manual scan trigger.
type Control struct {
	loop      *reconcile.Loop
	orders    order.Store
	payouts   payout.Store
	ready     func() bool
	startedAt time.Time
}

// NewControl creates the control surface handlers. ready reports whether the
// service would currently pass its readiness probes.
func NewControl(loop *reconcile.Loop, orders order.Store, payouts payout.Store, ready func() bool) *Control {
	return &Control{
		loop:      loop,
		orders:    orders,
		payouts:   payouts,
		ready:     ready,
		startedAt: time.Now(),
	}
}

// Register mounts the control endpoints on mux.
func (c *Control) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", c.Health)
	mux.HandleFunc("/stats", c.Stats)
	mux.HandleFunc("/check-now", c.CheckNow)
}

type healthResponse struct {
	Status string          `json:"status"`
	Ready  bool            `json:"ready"`
	Uptime string          `json:"uptime"`
	Scan   reconcile.Stats `json:"scan"`
}

// Health reports process uptime, probe readiness, and the reconcile loop's
// lifetime counters.
func (c *Control) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	ready := c.ready()
	status := "ok"
	if !ready {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status: status,
		Ready:  ready,
		Uptime: time.Since(c.startedAt).Truncate(time.Second).String(),
		Scan:   c.loop.Stats(),
	})
}

type statsResponse struct {
	Orders             map[order.Status]int `json:"orders"`
	PendingPayoutTotal string               `json:"pending_payout_total"`
}

// Stats reports order counts by status and the total pending payout amount.
func (c *Control) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	counts, err := c.orders.CountByStatus(r.Context())
	if err != nil {
		c.fail(r.Context(), w, "count orders", err)
		return
	}
	total, err := c.payouts.PendingTotal(r.Context())
	if err != nil {
		c.fail(r.Context(), w, "sum pending payouts", err)
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Orders:             counts,
		PendingPayoutTotal: total.StringFixed(2),
	})
}

// CheckNow triggers a single reconciliation scan and returns its report.
// Useful for operational testing without waiting for the next tick.
func (c *Control) CheckNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	report, err := c.loop.CheckNow(r.Context())
	if err != nil {
		c.fail(r.Context(), w, "manual scan", err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (c *Control) fail(ctx context.Context, w http.ResponseWriter, op string, err error) {
	zctx.From(ctx).Error("control request failed", zap.String("op", op), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": op + " failed"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
