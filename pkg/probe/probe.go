// Package probe provides Kubernetes-style liveness and readiness endpoints.
//
// Checks run in background goroutines at a fixed interval and use
// consecutive-failure/success thresholds to avoid flapping: a check must fail
// failureThreshold times in a row before being reported unhealthy, and
// succeed successThreshold times before recovering.
package probe

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Kind separates liveness checks (is the process functional) from readiness
// checks (can it take traffic).
type Kind int

const (
	Liveness Kind = iota
	Readiness
)

// CheckFunc reports nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

// check holds configuration and runtime state for one registered check.
// run() executes on a single goroutine, so the consecutive counters need no
// synchronization; healthy and lastErr are read by HTTP handlers and use
// atomics.
type check struct {
	name             string
	kind             Kind
	timeout          time.Duration
	fn               CheckFunc
	failureThreshold int
	successThreshold int

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	consecutiveFails int
	consecutiveOK    int
}

func (c *check) run(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.fn(checkCtx)
	c.lastErr.Store(&err)

	if err != nil {
		c.consecutiveOK = 0
		c.consecutiveFails++
		if c.consecutiveFails >= c.failureThreshold {
			c.healthy.Store(false)
		}
		return
	}
	c.consecutiveFails = 0
	c.consecutiveOK++
	if c.consecutiveOK >= c.successThreshold {
		c.healthy.Store(true)
	}
}

func (c *check) failure() (string, bool) {
	if c.healthy.Load() {
		return "", false
	}
	if p := c.lastErr.Load(); p != nil && *p != nil {
		return (*p).Error(), true
	}
	return "check is unhealthy", true
}

// Probe manages a set of health checks for one service.
type Probe struct {
	ready atomic.Bool

	mu     sync.RWMutex
	checks []*check
	cancel context.CancelFunc
}

// New creates a Probe. The service starts not-ready; call SetReady(true)
// after initialization completes.
func New() *Probe {
	return &Probe{}
}

// Add registers a check of the given kind. Must be called before Start.
func (p *Probe) Add(kind Kind, name string, timeout time.Duration, fn CheckFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := &check{
		name:             name,
		kind:             kind,
		timeout:          timeout,
		fn:               fn,
		failureThreshold: 3,
		successThreshold: 1,
	}
	c.healthy.Store(true) // assume healthy until proven otherwise
	p.checks = append(p.checks, c)
}

// Start launches one goroutine per registered check, each running the check
// immediately and then on every interval until ctx is cancelled or Stop is
// called.
func (p *Probe) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.cancel = cancel
	checks := make([]*check, len(p.checks))
	copy(checks, p.checks)
	p.mu.Unlock()

	for _, c := range checks {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			c.run(ctx)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					c.run(ctx)
				}
			}
		}()
	}
}

// Stop cancels the background check goroutines. Safe to call repeatedly.
func (p *Probe) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// SetReady flips the manual readiness gate. Typically true after startup,
// false at the beginning of graceful shutdown.
func (p *Probe) SetReady(ready bool) {
	p.ready.Store(ready)
}

// IsReady reports whether the manual gate is open and every readiness check
// is passing.
func (p *Probe) IsReady() bool {
	if !p.ready.Load() {
		return false
	}
	for _, c := range p.snapshot(Readiness) {
		if !c.healthy.Load() {
			return false
		}
	}
	return true
}

func (p *Probe) snapshot(kind Kind) []*check {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*check, 0, len(p.checks))
	for _, c := range p.checks {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type statusResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LiveEndpoint serves /livez: 200 while all liveness checks pass, 503 with
// failure details otherwise.
func (p *Probe) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, p.failures(Liveness))
}

// ReadyEndpoint serves /readyz: 200 only when the service is marked ready
// and all readiness checks pass.
func (p *Probe) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failures := p.failures(Readiness)
	if !p.ready.Load() {
		failures["_readiness"] = "service is not ready"
	}
	writeStatus(w, failures)
}

func (p *Probe) failures(kind Kind) map[string]string {
	failures := make(map[string]string)
	for _, c := range p.snapshot(kind) {
		if msg, failed := c.failure(); failed {
			failures[c.name] = msg
		}
	}
	return failures
}

func writeStatus(w http.ResponseWriter, failures map[string]string) {
	w.Header().Set("Content-Type", "application/json")

	resp := statusResponse{Status: "ok"}
	status := http.StatusOK
	if len(failures) > 0 {
		resp.Status = "unhealthy"
		resp.Checks = failures
		status = http.StatusServiceUnavailable
	}

	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
