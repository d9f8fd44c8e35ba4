// ABOUTME: HTTP server struct, constructor, and handler wiring for evalq.
// ABOUTME: Mounts the huma API at /api/v1 plus /healthz and /metrics on chi.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/scarson/evalq/internal/config"
	"github.com/scarson/evalq/internal/evaluation"
	"github.com/scarson/evalq/internal/health"
)

// Deps are the pipeline components the HTTP layer calls into.
type Deps struct {
	Producer   *evaluation.Producer
	Tracker    *evaluation.Tracker
	Backfiller *evaluation.Backfiller
	Monitor    *health.Monitor
	// Queue serves the admin pause/resume and job diagnostics routes.
	Queue evaluation.Queue
	// Gatherer backs /metrics; nil means prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Server holds the dependencies for the HTTP layer.
type Server struct {
	deps        Deps
	cfg         *config.Config
	rateLimiter *ipRateLimiter
}

// NewServer creates a Server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	evictTTL := cfg.RateLimitEvictTTL
	if evictTTL == 0 {
		evictTTL = 15 * time.Minute
	}
	limit, burst := rate.Limit(cfg.EnqueueRateLimit), cfg.EnqueueRateBurst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		deps:        deps,
		cfg:         cfg,
		rateLimiter: newIPRateLimiter(limit, burst, evictTTL),
	}
}

// Close stops the rate limiter's background cleanup.
func (srv *Server) Close() { srv.rateLimiter.Stop() }

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// ── Security headers ──────────────────────────────────────────────────────
	// Must be first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	})

	// ── Standard chi middleware ───────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// Content is capped well below this by EVAL_MAX_CONTENT_BYTES.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", healthzHandler(srv.deps.Monitor))
	r.Handle("/metrics", promhttp.HandlerFor(srv.deps.Gatherer, promhttp.HandlerOpts{}))

	// ── API v1 sub-router with huma (OpenAPI 3.1) ────────────────────────────
	apiRouter := chi.NewRouter()
	humaConfig := huma.DefaultConfig("evalq API", "0.1.0")
	humaConfig.Info.Description = "Asynchronous AI evaluation of questions and responses"
	humaConfig.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"operatorJWT": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}
	api := humachi.New(apiRouter, humaConfig)
	srv.registerEvaluationRoutes(api)
	srv.registerAdminRoutes(api)

	r.Mount("/api/v1", apiRouter)

	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the store is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(m *health.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if m == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := ping(r.Context(), m); err != nil {
			slog.WarnContext(r.Context(), "healthz: store ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
		}
	}
}

func ping(ctx context.Context, m *health.Monitor) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return m.Live(ctx)
}
