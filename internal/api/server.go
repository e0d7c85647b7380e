// Package api exposes the relay over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fhe-relay/fhe-relay/internal/app"
	"github.com/fhe-relay/fhe-relay/internal/config"
	"github.com/fhe-relay/fhe-relay/internal/logger"
	"github.com/fhe-relay/fhe-relay/internal/metrics"
	"github.com/fhe-relay/fhe-relay/internal/middleware"
	apperrors "github.com/fhe-relay/fhe-relay/pkg/errors"
)

// Server represents the HTTP server
type Server struct {
	config      *config.Config
	relay       *app.RelayService
	apiKeyAuth  *middleware.APIKeyAuth
	rateLimiter *middleware.RateLimiter
	metrics     *metrics.Metrics
	httpServer  *http.Server
}

// NewServer creates a new API server
func NewServer(
	cfg *config.Config,
	relay *app.RelayService,
	apiKeyAuth *middleware.APIKeyAuth,
	rateLimiter *middleware.RateLimiter,
	m *metrics.Metrics,
) *Server {
	return &Server{
		config:      cfg,
		relay:       relay,
		apiKeyAuth:  apiKeyAuth,
		rateLimiter: rateLimiter,
		metrics:     m,
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Unauthenticated endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Session lifecycle
	mux.Handle("POST /v1/sessions", s.protect(s.handleOpenSession))
	mux.Handle("POST /v1/sessions/{id}/authorize", s.protect(s.handleAuthorize))
	mux.Handle("DELETE /v1/sessions/{id}", s.protect(s.handleCloseSession))

	// Operation execution
	mux.Handle("POST /v1/fhe/read", s.protect(s.handleRead))
	mux.Handle("POST /v1/fhe/mutate", s.protect(s.handleMutate))

	s.httpServer = &http.Server{
		Addr: fmt.Sprintf(":%d", s.config.Port),
		// Chain middleware: RequestID -> LimitBody -> RateLimit -> Logging -> Routes
		Handler: middleware.RequestID(
			middleware.LimitBody(
				s.rateLimiter.Limit(
					s.loggingMiddleware(mux)))),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info(context.Background(), "starting server", "port", s.config.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// protect wraps an operation handler with API-key authentication.
func (s *Server) protect(h http.HandlerFunc) http.Handler {
	return s.apiKeyAuth.Authenticate(h)
}

// loggingMiddleware logs and measures HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		elapsed := time.Since(start)
		route := r.Method + " " + r.URL.Path
		s.metrics.ObserveRequest(route, strconv.Itoa(sw.status), float64(elapsed.Milliseconds()))
		logger.Info(r.Context(), "request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

// statusWriter captures the response status for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// decodeBody decodes a JSON request body into dst.
func decodeBody(r *http.Request, dst any) *apperrors.AppError {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperrors.NewWithDetail(
			apperrors.ErrCodeBadRequest,
			"Invalid request body",
			err.Error(),
			http.StatusBadRequest,
		)
	}
	return nil
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response, mapping unexpected errors to
// internal_error without leaking their detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperrors.IsAppError(err)
	if !ok {
		logger.Error(r.Context(), "unhandled error", "error", err.Error())
		appErr = apperrors.ErrInternalError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.StatusCode)
	json.NewEncoder(w).Encode(appErr)
}
