// Package handlers contains the HTTP endpoints served behind the middleware chain.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCheckTimeout bounds each readiness check.
const DefaultCheckTimeout = 2 * time.Second

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Uptime    string `json:"uptime"`
}

// ReadyResponse is the readiness payload. Checks maps each backend to "ok" or "fail".
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// CheckFunc reports whether a dependency is reachable.
type CheckFunc func(ctx context.Context) error

type dependency struct {
	name  string
	check CheckFunc
}

// HealthHandler serves /health and /ready for the gateway.
type HealthHandler struct {
	started      time.Time
	checkTimeout time.Duration
	draining     atomic.Bool

	mu   sync.Mutex
	deps []dependency
}

// NewHealthHandler returns a handler that reports ready until SetReady(false).
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{
		started:      time.Now(),
		checkTimeout: DefaultCheckTimeout,
	}
}

// AddCheck registers a backend consulted by /ready. A repeated name replaces the earlier check.
func (h *HealthHandler) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.deps {
		if h.deps[i].name == name {
			h.deps[i].check = check
			return
		}
	}
	h.deps = append(h.deps, dependency{name: name, check: check})
}

// SetReady toggles readiness. The server clears it before draining connections.
func (h *HealthHandler) SetReady(ready bool) {
	h.draining.Store(!ready)
}

// Health reports that the process is up. It never consults backends.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.started).Truncate(time.Second).String(),
	})
}

// Ready reports whether the gateway should receive traffic.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{
		Status:    "ready",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if h.draining.Load() {
		resp.Status = "not ready"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp.Checks = h.runChecks(r.Context())

	code := http.StatusOK
	for _, result := range resp.Checks {
		if result != "ok" {
			resp.Status = "not ready"
			code = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, code, resp)
}

// runChecks calls every registered check concurrently under a shared deadline.
func (h *HealthHandler) runChecks(ctx context.Context) map[string]string {
	h.mu.Lock()
	deps := append([]dependency(nil), h.deps...)
	h.mu.Unlock()

	if len(deps) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.checkTimeout)
	defer cancel()

	results := make([]string, len(deps))
	var wg sync.WaitGroup
	for i, dep := range deps {
		wg.Add(1)
		go func(i int, check CheckFunc) {
			defer wg.Done()
			results[i] = "ok"
			if err := check(ctx); err != nil {
				results[i] = "fail"
			}
		}(i, dep.check)
	}
	wg.Wait()

	checks := make(map[string]string, len(deps))
	for i, dep := range deps {
		checks[dep.name] = results[i]
	}
	return checks
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
