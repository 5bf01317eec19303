package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dispatchd/dispatchd/internal/database"
	"github.com/dispatchd/dispatchd/internal/protocol"
	"github.com/dispatchd/dispatchd/pkg/health"
)

// maxRequestBody caps API request bodies. Job definitions are small; this
// is only a guard against runaway payloads.
const maxRequestBody = 1 << 20

// AgentCommander pushes commands to connected agents. Implemented by the
// gateway registry.
type AgentCommander interface {
	SendCommand(agentID uuid.UUID, cmd *protocol.CommandMessage) error
	IsOnline(agentID uuid.UUID) bool
}

// LiveOutputSource serves output tails of running instances from the
// in-memory buffer before they are persisted.
type LiveOutputSource interface {
	LiveOutput(instanceID uuid.UUID) (string, bool)
}

// OutputArchive resolves archived output keys to fetchable URLs.
type OutputArchive interface {
	PresignedURL(ctx context.Context, key string, expires time.Duration) (string, error)
}

// Leadership reports whether this replica currently holds the leader lock.
type Leadership interface {
	IsLeader() bool
}

// API serves the REST surface of the control plane. Every replica serves
// the full API; only materialization is gated on leadership.
type API struct {
	repos     *database.Repositories
	commander AgentCommander
	live      LiveOutputSource
	archive   OutputArchive
	leader    Leadership
	checks    []health.Check
	agentTTL  time.Duration
	urlTTL    time.Duration
	logger    zerolog.Logger
}

// APIOption customizes the API.
type APIOption func(*API)

// WithLiveOutput wires the live output tail source for running instances.
func WithLiveOutput(src LiveOutputSource) APIOption {
	return func(a *API) { a.live = src }
}

// WithArchive wires the output archive used to presign offloaded outputs.
func WithArchive(store OutputArchive) APIOption {
	return func(a *API) { a.archive = store }
}

// WithLeadership wires the leader elector consulted by the readyz report.
func WithLeadership(l Leadership) APIOption {
	return func(a *API) { a.leader = l }
}

// WithReadinessChecks adds health checks evaluated by the readyz endpoint.
func WithReadinessChecks(checks ...health.Check) APIOption {
	return func(a *API) { a.checks = append(a.checks, checks...) }
}

// WithAgentTTL sets the heartbeat freshness window used to report agents
// as online. Defaults to 90 seconds.
func WithAgentTTL(ttl time.Duration) APIOption {
	return func(a *API) {
		if ttl > 0 {
			a.agentTTL = ttl
		}
	}
}

// WithOutputURLTTL sets how long presigned output URLs stay valid.
func WithOutputURLTTL(ttl time.Duration) APIOption {
	return func(a *API) {
		if ttl > 0 {
			a.urlTTL = ttl
		}
	}
}

// NewAPI creates the REST API around the given repositories. The commander
// may be nil, in which case cancellation of dispatched work is refused.
func NewAPI(repos *database.Repositories, commander AgentCommander, logger zerolog.Logger, opts ...APIOption) *API {
	api := &API{
		repos:     repos,
		commander: commander,
		agentTTL:  90 * time.Second,
		urlTTL:    15 * time.Minute,
		logger:    logger.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(api)
	}
	return api
}

// Routes registers all API endpoints on the mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/jobs", a.handleListJobs)
	mux.HandleFunc("POST /api/v1/jobs", a.handleCreateJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}", a.handleGetJob)
	mux.HandleFunc("PUT /api/v1/jobs/{id}", a.handleUpdateJob)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", a.handleDeleteJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/run", a.handleRunJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/instances", a.handleListJobInstances)
	mux.HandleFunc("GET /api/v1/jobs/{id}/schedules", a.handleListJobSchedules)

	mux.HandleFunc("GET /api/v1/schedules", a.handleListSchedules)
	mux.HandleFunc("POST /api/v1/schedules", a.handleCreateSchedule)
	mux.HandleFunc("GET /api/v1/schedules/{id}", a.handleGetSchedule)
	mux.HandleFunc("PUT /api/v1/schedules/{id}", a.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/v1/schedules/{id}", a.handleDeleteSchedule)
	mux.HandleFunc("POST /api/v1/schedules/{id}/enable", a.handleEnableSchedule)
	mux.HandleFunc("POST /api/v1/schedules/{id}/disable", a.handleDisableSchedule)

	mux.HandleFunc("GET /api/v1/instances", a.handleListInstances)
	mux.HandleFunc("GET /api/v1/instances/{id}", a.handleGetInstance)
	mux.HandleFunc("POST /api/v1/instances/{id}/cancel", a.handleCancelInstance)
	mux.HandleFunc("GET /api/v1/instances/{id}/output", a.handleInstanceOutput)

	mux.HandleFunc("GET /api/v1/agents", a.handleListAgents)
	mux.HandleFunc("GET /api/v1/agents/{id}", a.handleGetAgent)
	mux.HandleFunc("POST /api/v1/agents/{id}/drain", a.handleDrainAgent)
	mux.HandleFunc("POST /api/v1/agents/{id}/undrain", a.handleUndrainAgent)

	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /readyz", a.handleReadyz)
}

// writeJSON writes v as the JSON response body.
func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError writes a uniform JSON error body.
func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, errorResponse{Error: msg})
}

// writeRepoError maps repository errors onto HTTP statuses.
func (a *API) writeRepoError(w http.ResponseWriter, r *http.Request, err error, operation string) {
	switch {
	case database.IsNotFound(err):
		a.writeError(w, http.StatusNotFound, "not found")
	case database.IsDuplicate(err):
		a.writeError(w, http.StatusConflict, "already exists")
	case database.IsForeignKeyViolation(err):
		a.writeError(w, http.StatusBadRequest, "referenced resource does not exist")
	case database.IsInvalidTransition(err):
		a.writeError(w, http.StatusConflict, err.Error())
	default:
		a.logger.Error().Err(err).
			Str("request_id", GetRequestID(r.Context())).
			Str("operation", operation).
			Msg("request failed")
		a.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON decodes the request body into v, writing a 400 on failure.
func (a *API) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// pathUUID parses the {id} path segment, writing a 400 on failure.
func (a *API) pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid id: must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// parsePagination reads limit and offset query parameters.
func parsePagination(r *http.Request) database.Pagination {
	page := database.DefaultPagination()
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			page.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			page.Offset = n
		}
	}
	return page.Normalize()
}
