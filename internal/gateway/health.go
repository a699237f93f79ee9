package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/droverhq/drover/internal/job"
)

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status string             `json:"status"` // "ok" or "degraded"
	Uptime string             `json:"uptime"`
	Jobs   map[job.Status]int `json:"jobs,omitempty"`
}

// handleHealth returns an http.HandlerFunc for GET /health.
// Returns 200 when the store answers, 503 when it does not.
func (g *Gateway) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status: "ok",
			Uptime: time.Since(g.startedAt).Round(time.Second).String(),
		}

		stats, err := g.store.Stats(r.Context())
		if err != nil {
			g.logger.Warn("health: store stats failed", "error", err)
			resp.Status = "degraded"
		} else {
			resp.Jobs = stats
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == "degraded" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}
