// Package health serves the liveness and readiness probes of a carecall node.
//
//   - /healthz answers 200 while the process can serve HTTP.
//   - /readyz answers 200 only when every registered [Checker] passes and the
//     node is not draining. A draining node finishes its live calls but should
//     receive no new ones.
//
// Responses are JSON objects with a top-level "status" field and a "checks"
// map with the result of each named checker. Status is one of:
//
//	ok        every check passed
//	degraded  only optional checks failed; the node still takes calls
//	fail      a required check failed
//	draining  the node is shutting down

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	// Name labels the check in the JSON response (e.g. "store", "alerts").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error

	// Optional checks cover dependencies a call can do without, like the
	// alert bus when alerts are also logged. Their failure degrades the
	// node instead of failing it.
	Optional bool
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction; only the draining flag changes afterwards.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New returns a handler that runs checkers concurrently on every /readyz
// request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// SetDraining marks the node as shutting down. /readyz fails from then on.
func (h *Handler) SetDraining() { h.draining.Store(true) }

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is the readiness probe. Each checker gets a [checkTimeout] deadline
// derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, result{Status: "draining"})
		return
	}

	var (
		mu       sync.Mutex
		checks   = make(map[string]string, len(h.checkers))
		failed   bool
		degraded bool
	)
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				checks[c.Name] = "ok"
			case c.Optional:
				checks[c.Name] = "degraded: " + err.Error()
				degraded = true
			default:
				checks[c.Name] = "fail: " + err.Error()
				failed = true
			}
			return nil
		})
	}
	_ = g.Wait()

	res, code := result{Status: "ok", Checks: checks}, http.StatusOK
	switch {
	case failed:
		res.Status, code = "fail", http.StatusServiceUnavailable
	case degraded:
		res.Status = "degraded"
	}
	writeJSON(w, code, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
