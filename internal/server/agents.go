package server

import (
	"net/http"

	"github.com/dispatchd/dispatchd/internal/database"
)

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	// Exact-name lookup returns zero or one agents.
	if name := q.Get("name"); name != "" {
		agent, err := a.repos.Agents.GetByName(ctx, name)
		if err != nil {
			if database.IsNotFound(err) {
				a.writeJSON(w, http.StatusOK, ListAgentsResponse{Agents: []AgentResponse{}})
				return
			}
			a.writeRepoError(w, r, err, "get agent by name")
			return
		}
		a.writeJSON(w, http.StatusOK, ListAgentsResponse{
			Agents: []AgentResponse{toAgentResponse(agent, a.agentTTL)},
		})
		return
	}

	var (
		agents []database.Agent
		err    error
	)
	if q.Get("online") == "true" {
		agents, err = a.repos.Agents.ListOnline(ctx, a.agentTTL)
	} else {
		agents, err = a.repos.Agents.List(ctx, parsePagination(r))
	}
	if err != nil {
		a.writeRepoError(w, r, err, "list agents")
		return
	}

	resp := ListAgentsResponse{Agents: make([]AgentResponse, 0, len(agents))}
	for i := range agents {
		resp.Agents = append(resp.Agents, toAgentResponse(&agents[i], a.agentTTL))
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}

	agent, err := a.repos.Agents.Get(r.Context(), id)
	if err != nil {
		a.writeRepoError(w, r, err, "get agent")
		return
	}
	a.writeJSON(w, http.StatusOK, toAgentResponse(agent, a.agentTTL))
}

// handleDrainAgent stops new work from reaching the agent. Running tasks
// finish normally; heartbeats keep flowing but no longer change the status.
// JWT principals need the admin role; the static token always may.
func (a *API) handleDrainAgent(w http.ResponseWriter, r *http.Request) {
	if claims := GetUserFromContext(r.Context()); claims != nil && !claims.IsAdmin() {
		a.writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	agent, err := a.repos.Agents.Get(ctx, id)
	if err != nil {
		a.writeRepoError(w, r, err, "get agent")
		return
	}

	if agent.Status != database.AgentStatusDraining {
		if err := a.repos.Agents.SetStatus(ctx, id, database.AgentStatusDraining); err != nil {
			a.writeRepoError(w, r, err, "drain agent")
			return
		}
		agent.Status = database.AgentStatusDraining
		a.logger.Info().
			Str("agent_id", id.String()).
			Str("agent_name", agent.Name).
			Msg("agent draining")
	}
	a.writeJSON(w, http.StatusOK, toAgentResponse(agent, a.agentTTL))
}

// handleUndrainAgent puts a drained agent back into rotation.
func (a *API) handleUndrainAgent(w http.ResponseWriter, r *http.Request) {
	if claims := GetUserFromContext(r.Context()); claims != nil && !claims.IsAdmin() {
		a.writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	agent, err := a.repos.Agents.Get(ctx, id)
	if err != nil {
		a.writeRepoError(w, r, err, "get agent")
		return
	}

	if agent.Status == database.AgentStatusDraining {
		status := database.AgentStatusRegistered
		if !agent.IsOnline(a.agentTTL) {
			status = database.AgentStatusDisconnected
		}
		if err := a.repos.Agents.SetStatus(ctx, id, status); err != nil {
			a.writeRepoError(w, r, err, "undrain agent")
			return
		}
		agent.Status = status
		a.logger.Info().
			Str("agent_id", id.String()).
			Str("agent_name", agent.Name).
			Msg("agent back in rotation")
	}
	a.writeJSON(w, http.StatusOK, toAgentResponse(agent, a.agentTTL))
}
