// Package api provides the admin HTTP API of keel: deploy requests, queue
// controls, deployment logs and registration of what gets deployed where.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/artpar/keel/internal/core/domain"
	apimw "github.com/artpar/keel/internal/shell/api/middleware"
	"github.com/artpar/keel/internal/shell/metrics"
	"github.com/artpar/keel/internal/shell/queue"
	"github.com/artpar/keel/internal/shell/store"
)

// =============================================================================
// Dependencies
// =============================================================================

// Queue is the part of the queue manager the API drives.
type Queue interface {
	Enqueue(ctx context.Context, req queue.Request) (queue.EnqueueResult, error)
	Cancel(ctx context.Context, deploymentUUID string) (*domain.QueueEntry, error)
	ForceStart(ctx context.Context, deploymentUUID string) (*domain.QueueEntry, error)
}

// ServerChecker probes a server right after it is registered.
type ServerChecker interface {
	CheckServerNow(ctx context.Context, serverID int64) error
}

// Config configures the API.
type Config struct {
	// Token protects /api/v1. Empty disables authentication.
	Token string

	// ServerKeyKey seals registered SSH private keys.
	ServerKeyKey []byte

	// LogPollInterval is how often a log stream looks for new lines.
	// Default: 500 milliseconds.
	LogPollInterval time.Duration
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	store   store.Store
	queue   Queue
	checker ServerChecker
	metrics *metrics.Metrics
	auth    *apimw.AuthMiddleware
	config  Config
	logger  *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, q Queue, config Config, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	if config.LogPollInterval == 0 {
		config.LogPollInterval = 500 * time.Millisecond
	}
	l = l.With("component", "api")
	return &Handler{
		store:  s,
		queue:  q,
		auth:   apimw.NewAuthMiddleware(apimw.AuthConfig{Token: config.Token, Logger: l}),
		config: config,
		logger: l,
	}
}

// SetServerChecker enables probing of newly registered servers.
func (h *Handler) SetServerChecker(c ServerChecker) {
	h.checker = c
}

// SetMetrics enables request instrumentation and the /metrics endpoint.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestIDHeader)
	r.Use(h.instrument)

	// Health endpoints
	r.Get("/healthz", h.handleHealth)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.auth.Handler)

		// Deployment routes
		r.Route("/deployments", func(r chi.Router) {
			// The stream upgrades the connection and writes no JSON body.
			r.Get("/{uuid}/logs/ws", h.handleLogStream)

			r.Group(func(r chi.Router) {
				r.Use(h.jsonContentType)
				r.Post("/", h.handleEnqueue)
				r.Get("/{uuid}", h.handleGetDeployment)
				r.Post("/{uuid}/cancel", h.handleCancel)
				r.Post("/{uuid}/force-start", h.handleForceStart)
				r.Get("/{uuid}/logs", h.handleLogs)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(h.jsonContentType)

			r.Get("/servers/{id}/queue", h.handleServerQueue)

			// Registration routes
			r.Put("/applications", h.handlePutApplication)
			r.Put("/servers", h.handlePutServer)
			r.Put("/destinations", h.handlePutDestination)
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request counts and latencies by route pattern, so
// deployment uuids do not become label values.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.ObserveRequest(r.Method, route, status, time.Since(start))
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// writeFailure maps an error of the store or the queue to a response.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error(), "not_found")
	case errors.Is(err, domain.ErrEntryNotActive), errors.Is(err, queue.ErrNotQueued):
		h.writeError(w, http.StatusConflict, err.Error(), "conflict")
	case errors.Is(err, store.ErrForeignKey), errors.Is(err, store.ErrInvalidData):
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
	default:
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		h.writeError(w, http.StatusInternalServerError, "internal error", "internal_error")
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
