package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dispatchd/dispatchd/pkg/metrics"
	"github.com/dispatchd/dispatchd/pkg/tracing"
)

// HTTPConfig holds configuration for the HTTP server.
type HTTPConfig struct {
	// Port is the port to listen on.
	Port int
	// EnableCORS enables CORS support.
	EnableCORS bool
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration
	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration
	// WebSocketPath is the path agents connect to (default: /ws/agent).
	WebSocketPath string
	// EnableTracing enables OpenTelemetry tracing for HTTP requests.
	EnableTracing bool
	// APIToken is the static bearer token required on mutating API routes.
	// Empty disables static token auth.
	APIToken string
	// JWTSecret enables HS256 JWT bearer tokens on mutating API routes.
	// Empty disables JWT auth.
	JWTSecret string
	// Metrics is the server metrics instance for recording HTTP metrics.
	Metrics *metrics.ServerMetrics
}

// DefaultHTTPConfig returns sensible defaults for HTTP server configuration.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Port:           8080,
		EnableCORS:     true,
		AllowedOrigins: []string{"*"},
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		WebSocketPath:  "/ws/agent",
		EnableTracing:  false,
		Metrics:        nil,
	}
}

// HTTPServer serves the REST API and the agent websocket on one port.
type HTTPServer struct {
	config HTTPConfig
	server *http.Server
	api    *API
	ws     http.Handler
	auth   *APIAuth
	logger zerolog.Logger
}

// NewHTTPServer creates a new HTTP server. The websocket handler may be
// nil on replicas that do not accept agent connections.
func NewHTTPServer(cfg HTTPConfig, api *API, ws http.Handler, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		config: cfg,
		api:    api,
		ws:     ws,
		auth:   NewAPIAuth(cfg.APIToken, cfg.JWTSecret),
		logger: logger.With().Str("component", "http_server").Logger(),
	}
}

// Start starts the HTTP server and blocks until the context is cancelled.
func (s *HTTPServer) Start(ctx context.Context) error {
	handler := s.buildHandler()

	addr := fmt.Sprintf(":%d", s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info().
		Str("address", addr).
		Bool("cors_enabled", s.config.EnableCORS).
		Bool("auth_enabled", s.auth.Enabled()).
		Msg("starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("context cancelled, stopping HTTP server")
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	}
}

// Stop gracefully stops the HTTP server.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.logger.Info().Msg("stopping HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP server shutdown error")
		return err
	}

	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

// buildHandler builds the HTTP handler with all middleware.
func (s *HTTPServer) buildHandler() http.Handler {
	rootMux := http.NewServeMux()

	// Mount the agent websocket if configured
	if s.ws != nil {
		wsPath := s.config.WebSocketPath
		if wsPath == "" {
			wsPath = "/ws/agent"
		}
		rootMux.Handle(wsPath, s.ws)
		s.logger.Info().Str("path", wsPath).Msg("agent websocket mounted")
	}

	// Mount the REST API
	s.api.Routes(rootMux)

	var handler http.Handler = rootMux

	// Add auth middleware if any credential is configured
	if s.auth.Enabled() {
		handler = s.authMiddleware(handler)
	}

	// Add logging middleware
	handler = s.loggingMiddleware(handler)

	// Add request ID middleware, outside logging so log lines carry the ID
	handler = s.requestIDMiddleware(handler)

	// Add metrics middleware if configured
	if s.config.Metrics != nil {
		handler = s.metricsMiddleware(handler)
	}

	// Add tracing middleware if enabled
	if s.config.EnableTracing {
		handler = tracing.Middleware(handler)
	}

	// Add CORS middleware if enabled
	if s.config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}

	// Add recovery middleware
	handler = s.recoveryMiddleware(handler)

	return handler
}

// corsMiddleware adds CORS headers to responses.
func (s *HTTPServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		// Check if origin is allowed
		allowed := false
		for _, o := range s.config.AllowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware adds a request ID to the request context.
func (s *HTTPServer) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs HTTP requests.
func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		requestID := GetRequestID(r.Context())

		logEvent := s.logger.Info()
		if wrapped.statusCode >= 400 {
			logEvent = s.logger.Warn()
		}
		if wrapped.statusCode >= 500 {
			logEvent = s.logger.Error()
		}

		logEvent.
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", duration).
			Str("remote_addr", r.RemoteAddr).
			Msg("HTTP request")
	})
}

// recoveryMiddleware recovers from panics.
func (s *HTTPServer) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error().
					Interface("panic", p).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("recovered from panic")

				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error": "internal server error"}`))
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records HTTP request metrics.
func (s *HTTPServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		// Normalize path to reduce cardinality (replace UUIDs and numeric IDs with :id)
		path := normalizePath(r.URL.Path)

		// Record metrics
		s.config.Metrics.RecordAPIRequest(
			r.Method,
			path,
			fmt.Sprintf("%d", wrapped.statusCode),
			duration.Seconds(),
		)
	})
}
