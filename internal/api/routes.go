package api

import (
	"net/http"

	"videoloop/internal/blob"
	"videoloop/internal/health"
	"videoloop/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Pipeline      Pipeline
	Blobs         blob.Store
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Pipeline, cfg.Blobs, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Entry endpoint: submissions and render-service webhooks share it, and
	// the webhook URL is registered with the render service, so no auth.
	mux.HandleFunc("POST /{$}", handler.Entry)

	// Stored artifacts: the render worker fetches seed frames from here, and
	// final_video_url points here.
	mux.HandleFunc("GET /blobs/{key...}", handler.ServeBlob)

	// Job status polling - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("GET /v1/jobs/{rootId}", authMiddleware(http.HandlerFunc(handler.GetJob)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
