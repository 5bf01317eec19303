package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Authenticator validates agent connection attempts before the upgrade.
type Authenticator interface {
	// Authenticate returns an error if the request must be rejected.
	Authenticate(r *http.Request) error
}

// NoopAuthenticator accepts all connections. Use only in development.
type NoopAuthenticator struct{}

func (NoopAuthenticator) Authenticate(r *http.Request) error {
	return nil
}

// TokenAuthenticator checks a static bearer token, looking at the
// Authorization header first and falling back to a token query parameter
// for clients that cannot set headers on websocket dials.
type TokenAuthenticator struct {
	Token string
}

func (a TokenAuthenticator) Authenticate(r *http.Request) error {
	token := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	} else if q := r.URL.Query().Get("token"); q != "" {
		token = q
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) != 1 {
		return errUnauthorized
	}
	return nil
}

var errUnauthorized = &authError{msg: "invalid or missing token"}

type authError struct {
	msg string
}

func (e *authError) Error() string {
	return e.msg
}

// Handler upgrades agent HTTP requests to websocket connections and starts
// their pumps. Mounted at the agent endpoint by the HTTP server.
type Handler struct {
	upgrader websocket.Upgrader
	messages *MessageHandler
	auth     Authenticator
	logger   zerolog.Logger
}

// NewHandler creates a websocket upgrade handler. allowedOrigins restricts
// the Origin header; an empty list allows any origin, which suits agents
// dialing outside a browser.
func NewHandler(messages *MessageHandler, auth Authenticator, allowedOrigins []string, logger zerolog.Logger) *Handler {
	if auth == nil {
		auth = NoopAuthenticator{}
	}
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     makeOriginChecker(allowedOrigins),
		},
		messages: messages,
		auth:     auth,
		logger:   logger.With().Str("component", "agent_ws").Logger(),
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Authenticate(r); err != nil {
		h.logger.Warn().
			Str("remote_addr", r.RemoteAddr).
			Err(err).
			Msg("agent connection rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws, h.messages, r.RemoteAddr, h.logger)
	h.logger.Debug().
		Str("conn_id", conn.ID()).
		Str("remote_addr", r.RemoteAddr).
		Msg("agent connection established")

	go conn.WritePump()
	go conn.ReadPump()
}

func makeOriginChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}

	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.ToLower(strings.TrimSuffix(origin, "/"))] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients send no Origin header
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimSuffix(origin, "/"))]
		return ok
	}
}
