// Package api serves the operator HTTP surface: health, job inspection and
// metrics.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/phonecheck/phonecheck/internal/job"
)

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	jobs    *job.Registry
	metrics http.Handler
}

// NewHandler constructs a Handler. metrics may be nil.
func NewHandler(jobs *job.Registry, metrics http.Handler) *Handler {
	return &Handler{jobs: jobs, metrics: metrics}
}

// RegisterRoutes registers all routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", h.CancelJob)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
}

// ListJobs handles GET /api/v1/jobs. Optional query parameters: status
// (repeatable), limit and offset.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseIntParam(q.Get("limit"), 20)
	offset := parseIntParam(q.Get("offset"), 0)
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var statuses []job.Status
	for _, s := range q["status"] {
		st := job.Status(s)
		if !st.Known() {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(s))
			return
		}
		statuses = append(statuses, st)
	}

	jobs, err := h.jobs.ListByStatus(r.Context(), statuses...)
	if err != nil {
		slog.Error("api: list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	total := len(jobs)
	page := []*job.Job{}
	if offset < total {
		page = jobs[offset:min(offset+limit, total)]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   page,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		slog.Error("api: get job", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if j == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// CancelJob handles POST /api/v1/jobs/{id}/cancel. The worker notices the
// change before its next number.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	applied, err := h.jobs.Update(r.Context(), id, job.WithStatus(job.StatusCancelled))
	if err != nil {
		slog.Error("api: cancel job", "job", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	if !applied {
		j, err := h.jobs.Get(r.Context(), id)
		switch {
		case err != nil:
			writeError(w, http.StatusInternalServerError, "failed to get job")
		case j == nil:
			writeError(w, http.StatusNotFound, "job not found")
		default:
			writeError(w, http.StatusConflict, "job already in terminal state")
		}
		return
	}

	slog.Info("api: job cancelled", "job", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(job.StatusCancelled)})
}

// Health handles GET /api/v1/health. It reports 503 when the job store
// cannot be read.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	active, err := h.jobs.ListByStatus(r.Context(), job.StatusQueued, job.StatusRunning)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "active_jobs": len(active)})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
