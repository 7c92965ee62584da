// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 while the process can serve HTTP and carries a few
// live counters such as the number of rehearsal sessions. /readyz answers
// 200 only when the server is not draining and every [Checker] passes;
// checks run concurrently, each under its own deadline.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/resilience"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 3 * time.Second

const (
	statusOK   = "ok"
	statusFail = "fail"
)

// Checker probes one dependency. Check returns nil when it is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type checkResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

type readyReport struct {
	Status   string                 `json:"status"`
	Draining bool                   `json:"draining,omitempty"`
	Checks   map[string]checkResult `json:"checks,omitempty"`
}

type liveReport struct {
	Status   string           `json:"status"`
	Counters map[string]int64 `json:"counters,omitempty"`
}

// Handler serves /healthz and /readyz.
type Handler struct {
	checkers []Checker
	draining atomic.Bool

	mu       sync.RWMutex
	counters map[string]func() int64
}

// New returns a Handler that runs checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		counters: make(map[string]func() int64),
	}
}

// Report adds a counter to the /healthz body. fn is called per request.
func (h *Handler) Report(name string, fn func() int64) {
	h.mu.Lock()
	h.counters[name] = fn
	h.mu.Unlock()
}

// SetDraining flips /readyz to failing so new sessions land elsewhere while
// the running ones finish. /healthz is unaffected.
func (h *Handler) SetDraining(v bool) {
	h.draining.Store(v)
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	rep := liveReport{Status: statusOK}
	h.mu.RLock()
	if len(h.counters) > 0 {
		rep.Counters = make(map[string]int64, len(h.counters))
		for name, fn := range h.counters {
			rep.Counters[name] = fn()
		}
	}
	h.mu.RUnlock()
	writeJSON(w, http.StatusOK, rep)
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make([]checkResult, len(h.checkers))

	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(ctx)
			res := checkResult{Status: statusOK, ElapsedMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status, res.Error = statusFail, err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	rep := readyReport{Status: statusOK, Draining: h.draining.Load()}
	if rep.Draining {
		rep.Status = statusFail
	}
	if len(h.checkers) > 0 {
		rep.Checks = make(map[string]checkResult, len(h.checkers))
	}
	for i, c := range h.checkers {
		rep.Checks[c.Name] = results[i]
		if results[i].Status != statusOK {
			rep.Status = statusFail
		}
	}

	code := http.StatusOK
	if rep.Status != statusOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Pinger is implemented by script stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker checks a script store.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// BreakerChecker fails only when every TTS backend's breaker is open. With
// at least one closed or half-open breaker the fallback chain can still
// synthesize lines.
func BreakerChecker(name string, breakers func() []*resilience.CircuitBreaker) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			bs := breakers()
			if len(bs) == 0 {
				return errors.New("no tts backends configured")
			}
			for _, b := range bs {
				if b.State() != resilience.StateOpen {
					return nil
				}
			}
			return fmt.Errorf("all %d tts breakers open", len(bs))
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"fail"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
