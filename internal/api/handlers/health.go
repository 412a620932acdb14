// Package handlers holds ambient HTTP handlers that sit alongside the
// WebSocket endpoint: health checks and anything else that never touches
// relay protocol traffic.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Pinger is implemented by every dependency the health check verifies.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler concurrently pings every registered dependency and reports
// their status as JSON.
type HealthHandler struct {
	deps    map[string]Pinger
	timeout time.Duration
}

// NewHealthHandler builds a HealthHandler over the given named
// dependencies (e.g. "redis", "nats").
func NewHealthHandler(deps map[string]Pinger) *HealthHandler {
	return &HealthHandler{deps: deps, timeout: 2 * time.Second}
}

type healthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var mu sync.Mutex
	checks := make(map[string]string, len(h.deps))
	healthy := true

	var wg sync.WaitGroup
	for name, dep := range h.deps {
		wg.Add(1)
		go func(name string, dep Pinger) {
			defer wg.Done()
			err := dep.Ping(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[name] = err.Error()
				healthy = false
				return
			}
			checks[name] = "ok"
		}(name, dep)
	}
	wg.Wait()

	status := healthStatus{Status: "ok", Checks: checks}
	code := http.StatusOK
	if !healthy {
		status.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
