package api

import (
	"net/http"

	"previewstudio/internal/health"
	"previewstudio/internal/observability"
	"previewstudio/internal/orchestrator"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Orchestrator  *orchestrator.Orchestrator
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Orchestrator, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Job endpoints - auth required
	auth := AuthMiddleware(cfg.APIKey)
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, auth(h))
	}

	route("POST /v1/jobs", handler.CreateJob)
	route("GET /v1/jobs", handler.ListJobs)
	route("GET /v1/jobs/active", handler.GetActiveJob)
	route("GET /v1/jobs/{jobId}", handler.GetJob)
	route("POST /v1/jobs/{jobId}/cancel", handler.CancelJob)
	route("POST /v1/jobs/{jobId}/pause", handler.PauseJob)
	route("POST /v1/jobs/{jobId}/resume", handler.ResumeJob)
	route("POST /v1/jobs/{jobId}/force-fail", handler.ForceFailJob)
	route("POST /v1/jobs/{jobId}/retry", handler.RetryJob)
	route("GET /v1/jobs/{jobId}/artifacts", handler.GetArtifacts)
	route("GET /v1/jobs/{jobId}/images/{folder}/{filename}", handler.GetImage)
	route("GET /v1/jobs/{jobId}/log", handler.GetLog)
	route("GET /v1/jobs/{jobId}/events", handler.StreamEvents)

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
