// Package health exposes liveness/readiness endpoints for the supervisor
// process, where readiness tracks the age of the last successful sync
// tick rather than any per-request session state.
package health

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// staleAfter is how long since the last successful sync tick before the
// process reports not-ready — long enough to absorb one missed tick at
// the default 120s sync interval plus margin for a slow one.
const staleAfter = 5 * time.Minute

// Checker tracks the supervisor's last successful sync tick and serves it
// as a readiness signal.
type Checker struct {
	lastSuccess atomic.Int64 // unix seconds; zero means "never synced"
}

// NewChecker creates a new health checker, not-ready until the first
// successful sync tick records itself.
func NewChecker() *Checker {
	return &Checker{}
}

// RecordSyncSuccess marks now as the time of the most recent successful
// sync tick.
func (c *Checker) RecordSyncSuccess(now time.Time) {
	c.lastSuccess.Store(now.Unix())
}

// IsReady reports whether the last successful sync tick is recent enough.
func (c *Checker) IsReady(now time.Time) bool {
	last := c.lastSuccess.Load()
	if last == 0 {
		return false
	}
	return now.Sub(time.Unix(last, 0)) < staleAfter
}

// LivenessHandler returns an HTTP handler for liveness checks.
// Liveness checks only verify that the process is responding.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

// ReadinessHandler returns an HTTP handler for readiness checks.
// Reports ready only while sync ticks are landing within staleAfter.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		if c.IsReady(now) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "sync stale or never completed\n")
		}
	})
}

// AttachEndpoints attaches health check endpoints to the given ServeMux.
func AttachEndpoints(mux *http.ServeMux, checker *Checker) {
	mux.Handle("/healthz", checker.LivenessHandler())
	mux.Handle("/readyz", checker.ReadinessHandler())
}
