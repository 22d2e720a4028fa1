// Package health provides readiness state tracking and HTTP health check
// handlers. The service reports ready only once the registry has been
// loaded from chain history and every registered dependency check passes.
package health

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// State constants for the readiness state machine.
const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

// DefaultCheckTimeout bounds each dependency check run by the readiness
// handler.
const DefaultCheckTimeout = 2 * time.Second

// Check probes one dependency.
type Check func(ctx context.Context) error

// Checker tracks the readiness state of the service.
// It is safe for concurrent use.
type Checker struct {
	state atomic.Int32

	mu      sync.RWMutex
	checks  map[string]Check
	timeout time.Duration
}

// NewChecker creates a Checker in the Starting state.
func NewChecker() *Checker {
	return &Checker{
		checks:  make(map[string]Check),
		timeout: DefaultCheckTimeout,
	}
}

// AddCheck registers a named dependency check. Readiness fails while any
// check fails.
func (c *Checker) AddCheck(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// SetReady transitions to the Ready state.
func (c *Checker) SetReady() {
	c.state.Store(stateReady)
}

// SetDraining transitions to the Draining state.
func (c *Checker) SetDraining() {
	c.state.Store(stateDraining)
}

// ReadyWhen moves to Ready once gate is closed, unless the checker started
// draining first or ctx ended.
func (c *Checker) ReadyWhen(ctx context.Context, gate <-chan struct{}) {
	go func() {
		select {
		case <-gate:
			c.state.CompareAndSwap(stateStarting, stateReady)
		case <-ctx.Done():
		}
	}()
}

// IsReady returns true when the state is Ready.
func (c *Checker) IsReady() bool {
	return c.state.Load() == stateReady
}

// State returns the current state as a human-readable string.
func (c *Checker) State() string {
	switch c.state.Load() {
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	default:
		return "starting"
	}
}

// Run executes every check and returns the failures by name.
func (c *Checker) Run(ctx context.Context) map[string]string {
	c.mu.RLock()
	checks := maps.Clone(c.checks)
	c.mu.RUnlock()

	results := make(map[string]string, len(checks))
	for _, name := range slices.Sorted(maps.Keys(checks)) {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		err := checks[name](cctx)
		cancel()
		if err != nil {
			results[name] = err.Error()
		} else {
			results[name] = "ok"
		}
	}
	return results
}

// healthResponse is the JSON body returned by health endpoints.
type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LivenessHandler returns an http.HandlerFunc that always responds 200 OK.
// Use this for K8s livenessProbe (/healthz).
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}

// ReadinessHandler returns an http.HandlerFunc that responds 200 when ready
// and every check passes, and 503 otherwise.
// Use this for K8s readinessProbe (/readyz).
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: c.State()})
			return
		}
		results := c.Run(r.Context())
		for _, res := range results {
			if res != "ok" {
				writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Checks: results})
				return
			}
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: c.State(), Checks: results})
	}
}

func writeJSON(w http.ResponseWriter, code int, v healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
