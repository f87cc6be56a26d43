// Package api provides the HTTP API handlers and routing for the preview
// service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"previewstudio/internal/apperrors"
	"previewstudio/internal/health"
	"previewstudio/internal/job"
	"previewstudio/internal/orchestrator"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	orc    *orchestrator.Orchestrator
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(orc *orchestrator.Orchestrator, healthChecker *health.Checker) *Handler {
	return &Handler{
		orc:    orc,
		health: healthChecker,
	}
}

// createResponse is returned when a job is accepted.
type createResponse struct {
	JobID  string     `json:"jobId"`
	Status job.Status `json:"status"`
}

// listResponse is one page of the job index.
type listResponse struct {
	Jobs  []*job.Job `json:"jobs"`
	Total int        `json:"total"`
	Page  int        `json:"page"`
	Limit int        `json:"limit"`
}

// CreateJob handles POST /v1/jobs. Unknown payload fields are rejected so a
// typo in an options key fails loudly instead of silently using defaults.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var payload job.Payload
	if err := dec.Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	jobID, err := h.orc.CreateJob(r.Context(), payload)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, createResponse{JobID: jobID, Status: job.StatusPending})
}

// ListJobs handles GET /v1/jobs.
// Query params: page (default 1), limit (default 20), status (optional).
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 20)

	status := job.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		h.writeError(w, http.StatusBadRequest, "Unknown status filter: "+string(status))
		return
	}

	jobs, total := h.orc.ListJobs(page, limit, status)
	h.writeJSON(w, http.StatusOK, listResponse{Jobs: jobs, Total: total, Page: page, Limit: limit})
}

// GetActiveJob handles GET /v1/jobs/active
func (h *Handler) GetActiveJob(w http.ResponseWriter, r *http.Request) {
	active := h.orc.GetActiveJob()
	if active == nil {
		h.writeError(w, http.StatusNotFound, "No active job")
		return
	}
	h.writeJSON(w, http.StatusOK, active)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	rec, err := h.orc.GetJobMeta(jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// CancelJob handles POST /v1/jobs/{jobId}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancel", h.orc.CancelJob)
}

// PauseJob handles POST /v1/jobs/{jobId}/pause
func (h *Handler) PauseJob(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "pause", h.orc.PauseJob)
}

// ResumeJob handles POST /v1/jobs/{jobId}/resume
func (h *Handler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "resume", h.orc.ResumeJob)
}

// ForceFailJob handles POST /v1/jobs/{jobId}/force-fail
func (h *Handler) ForceFailJob(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "force-fail", h.orc.ForceFailJob)
}

// RetryJob handles POST /v1/jobs/{jobId}/retry
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if err := h.orc.RetryJob(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	rec, err := h.orc.GetJobMeta(jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// GetArtifacts handles GET /v1/jobs/{jobId}/artifacts
func (h *Handler) GetArtifacts(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	items, err := h.orc.GetJobArtifacts(jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// GetImage handles GET /v1/jobs/{jobId}/images/{folder}/{filename}
func (h *Handler) GetImage(w http.ResponseWriter, r *http.Request) {
	path, err := h.orc.GetImagePath(r.PathValue("jobId"), r.PathValue("folder"), r.PathValue("filename"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	http.ServeFile(w, r, path)
}

// GetLog handles GET /v1/jobs/{jobId}/log
func (h *Handler) GetLog(w http.ResponseWriter, r *http.Request) {
	path, err := h.orc.GetLogPath(r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeFile(w, r, path)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if dependencies (Docker) are unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// transition runs one of the boolean job operations and maps a false result
// to 409: the job exists in a state the operation does not apply to, or does
// not exist at all.
func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, jobID string) bool) {
	jobID := r.PathValue("jobId")
	if !fn(r.Context(), jobID) {
		h.writeError(w, http.StatusConflict, "Cannot "+op+" job "+jobID)
		return
	}

	rec, err := h.orc.GetJobMeta(jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the facade with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
