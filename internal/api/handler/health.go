package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/ruleforge/internal/api/response"
)

// Pinger is anything whose liveness the health check reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
// Every named dependency is pinged; any failure turns the response into a 503.
func NewHealthHandler(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := make(map[string]string, len(deps))
		healthy := true
		for name, p := range deps {
			if err := p.Ping(r.Context()); err != nil {
				checks[name] = "error: " + err.Error()
				healthy = false
				continue
			}
			checks[name] = "ok"
		}
		if !healthy {
			response.Error(w, http.StatusServiceUnavailable, "UNHEALTHY", "A dependency is unavailable", checks)
			return
		}
		response.JSON(w, map[string]any{"status": "ok", "checks": checks})
	}
}
