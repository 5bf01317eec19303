package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Context keys
type requestIDKey struct{}
type userClaimsKey struct{}

// GetRequestID returns the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GetUserFromContext returns the token claims from the context. It is nil
// for unauthenticated requests and for the static operator token.
func GetUserFromContext(ctx context.Context) *TokenClaims {
	if claims, ok := ctx.Value(userClaimsKey{}).(*TokenClaims); ok {
		return claims
	}
	return nil
}

// bearerToken extracts the bearer token from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("authorization header not provided")
	}

	const prefix = "Bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", errors.New("invalid authorization header format")
	}
	return auth[len(prefix):], nil
}

// authRequired reports whether the request must present a credential.
// Reads stay open; every mutation of the API surface is guarded.
func authRequired(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/")
}

// authMiddleware guards mutating API routes. JWT principals land in the
// request context so handlers can check roles; the static token carries
// full access and no principal.
func (s *HTTPServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !authRequired(r) {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := s.auth.Authenticate(r)
		if err != nil {
			s.logger.Debug().
				Err(err).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Msg("request rejected")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": "unauthorized"}`))
			return
		}

		if claims != nil {
			r = r.WithContext(context.WithValue(r.Context(), userClaimsKey{}, claims))
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack passes websocket upgrades through to the underlying connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Flush passes through to the underlying writer when it supports it.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// generateRequestID generates a unique request ID.
func generateRequestID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
