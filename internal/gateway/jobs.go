package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/droverhq/drover/internal/job"
	"github.com/go-chi/chi/v5"
)

const defaultMaxRetries = 3

// jobJSON is the serialisable job representation.
type jobJSON struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Status         string         `json:"status"`
	Input          map[string]any `json:"input,omitempty"`
	Output         map[string]any `json:"output,omitempty"`
	Priority       int            `json:"priority"`
	ScheduledAt    *time.Time     `json:"scheduled_at,omitempty"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	Error          string         `json:"error,omitempty"`
	WorkerID       string         `json:"worker_id,omitempty"`
	HeartbeatAt    *time.Time     `json:"heartbeat_at,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

func toJobJSON(j *job.Job) jobJSON {
	return jobJSON{
		ID:             j.ID,
		Type:           string(j.Type),
		Status:         string(j.Status),
		Input:          j.Input,
		Output:         j.Output,
		Priority:       j.Priority,
		ScheduledAt:    j.ScheduledAt,
		RetryCount:     j.RetryCount,
		MaxRetries:     j.MaxRetries,
		Error:          j.ErrorMessage,
		WorkerID:       j.WorkerID,
		HeartbeatAt:    j.HeartbeatAt,
		LeaseExpiresAt: j.LeaseExpiresAt,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
	}
}

// createJobRequest is the body of POST /api/jobs.
type createJobRequest struct {
	Type        string         `json:"type"`
	Input       map[string]any `json:"input"`
	Priority    int            `json:"priority"`
	MaxRetries  *int           `json:"max_retries"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
}

// handleCreateJob enqueues a new job.
func (g *Gateway) handleCreateJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		typ := job.Type(req.Type)
		if !typ.Valid() {
			http.Error(w, "invalid job type: "+req.Type, http.StatusBadRequest)
			return
		}

		maxRetries := defaultMaxRetries
		if req.MaxRetries != nil {
			if *req.MaxRetries < 0 {
				http.Error(w, "max_retries must be non-negative", http.StatusBadRequest)
				return
			}
			maxRetries = *req.MaxRetries
		}

		created, err := g.store.Create(r.Context(), job.CreateParams{
			Type:        typ,
			Input:       req.Input,
			Priority:    req.Priority,
			MaxRetries:  maxRetries,
			ScheduledAt: req.ScheduledAt,
		})
		if err != nil {
			g.logger.Error("create job failed", "error", err)
			http.Error(w, "create job failed", http.StatusInternalServerError)
			return
		}

		g.logger.Info("job enqueued", "job_id", created.ID, "type", req.Type)
		writeJSON(w, http.StatusCreated, toJobJSON(created))
	}
}

// handleGetJob returns one job by ID.
func (g *Gateway) handleGetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		j, err := g.store.Get(r.Context(), id)
		if errors.Is(err, job.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "get job failed", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, toJobJSON(j))
	}
}

// handleCancelJob requests cooperative cancellation of a job.
func (g *Gateway) handleCancelJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		cancelled, err := g.store.RequestCancellation(r.Context(), id)
		switch {
		case errors.Is(err, job.ErrNotFound):
			http.Error(w, "job not found", http.StatusNotFound)
			return
		case errors.Is(err, job.ErrNotCancellable):
			http.Error(w, "job is not cancellable", http.StatusConflict)
			return
		case err != nil:
			http.Error(w, "cancel job failed", http.StatusInternalServerError)
			return
		}

		g.logger.Info("job cancellation requested", "job_id", id)
		writeJSON(w, http.StatusOK, toJobJSON(cancelled))
	}
}

// handleListJobs lists jobs by status with pagination.
func (g *Gateway) handleListJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := job.Status(r.URL.Query().Get("status"))
		if status == "" {
			status = job.StatusPending
		}
		if !status.Valid() {
			http.Error(w, "invalid status: "+string(status), http.StatusBadRequest)
			return
		}

		limit := queryInt(r, "limit", 50)
		offset := queryInt(r, "offset", 0)

		jobs, err := g.store.ListByStatus(r.Context(), status, limit, offset)
		if err != nil {
			http.Error(w, "list jobs failed", http.StatusInternalServerError)
			return
		}

		out := make([]jobJSON, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, toJobJSON(j))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// handleStats returns per-status job counts.
func (g *Gateway) handleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := g.store.Stats(r.Context())
		if err != nil {
			http.Error(w, "stats failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": stats})
	}
}

// cleanupRequest is the body of POST /api/cleanup.
type cleanupRequest struct {
	Age      string   `json:"age"`
	Statuses []string `json:"statuses"`
}

// handleCleanup purges old terminal jobs.
func (g *Gateway) handleCleanup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cleanupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		age, err := time.ParseDuration(req.Age)
		if err != nil || age <= 0 {
			http.Error(w, "invalid age: "+req.Age, http.StatusBadRequest)
			return
		}

		var statuses []job.Status
		for _, s := range req.Statuses {
			status := job.Status(s)
			if !status.Valid() {
				http.Error(w, "invalid status: "+s, http.StatusBadRequest)
				return
			}
			statuses = append(statuses, status)
		}

		purged, err := g.store.PurgeOlderThan(r.Context(), age, statuses)
		if err != nil {
			g.logger.Error("cleanup failed", "error", err)
			http.Error(w, "cleanup failed", http.StatusInternalServerError)
			return
		}

		g.logger.Info("cleanup ran", "purged", purged, "age", age)
		writeJSON(w, http.StatusOK, map[string]any{"purged": purged})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
