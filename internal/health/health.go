// Package health serves the liveness and readiness probes on Kestrel's admin
// endpoint.
//
//   - /healthz answers 200 whenever the process can serve HTTP.
//   - /readyz answers 200 only while every registered [Checker] passes, so an
//     orchestrator stops routing new calls to an instance whose model backend
//     or memory store has gone away.
//
// Responses are JSON: a top-level "status" ("ok" or "fail") and a "checks"
// map with one entry per checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// probeTimeout bounds one readiness check. A model backend that cannot
// answer its info endpoint within this is not going to hold a frame budget
// either.
const probeTimeout = 5 * time.Second

// Checker is one named dependency probe. Check returns nil while the
// dependency can serve and must respect ctx.
type Checker struct {
	// Name keys the check in the JSON response, e.g. "model" or "memory".
	Name string

	Check func(ctx context.Context) error
}

// result is the JSON response body for both probes.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker set is fixed at
// construction; safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] over the given checkers.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always answers 200: liveness is "the process serves HTTP".
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz probes every checker and answers 503 if any fails. Checks run
// concurrently; the model backend probe and the database ping should not
// queue behind each other under a shared deadline.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	type outcome struct {
		name   string
		detail string
		ok     bool
	}
	outcomes := make([]outcome, len(h.checkers))

	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()
			if err := c.Check(ctx); err != nil {
				outcomes[i] = outcome{name: c.Name, detail: "fail: " + err.Error()}
				return
			}
			outcomes[i] = outcome{name: c.Name, detail: "ok", ok: true}
		}()
	}
	wg.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(outcomes))}
	status := http.StatusOK
	for _, o := range outcomes {
		res.Checks[o.name] = o.detail
		if !o.ok {
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, res)
}

// Register adds both probe routes to mux.
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
