package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/database"
	"github.com/dispatchd/dispatchd/internal/protocol"
)

func (a *API) handleListInstances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page := parsePagination(r)
	q := r.URL.Query()

	statusFilter := q.Get("status")
	jobFilter := q.Get("job_id")
	if statusFilter != "" && jobFilter != "" {
		a.writeError(w, http.StatusBadRequest, "status and job_id filters cannot be combined")
		return
	}

	var (
		instances []database.TaskInstance
		err       error
	)
	switch {
	case statusFilter != "":
		status := database.InstanceStatus(statusFilter)
		if !validInstanceStatus(status) {
			a.writeError(w, http.StatusBadRequest, "unknown status "+statusFilter)
			return
		}
		instances, err = a.repos.Instances.ListByStatus(ctx, status, page)
	case jobFilter != "":
		jobID, parseErr := uuid.Parse(jobFilter)
		if parseErr != nil {
			a.writeError(w, http.StatusBadRequest, "invalid job_id: must be a UUID")
			return
		}
		instances, err = a.repos.Instances.ListByJob(ctx, jobID, page)
	default:
		instances, err = a.repos.Instances.List(ctx, page)
	}
	if err != nil {
		a.writeRepoError(w, r, err, "list instances")
		return
	}

	resp := ListInstancesResponse{Instances: make([]InstanceResponse, 0, len(instances))}
	for i := range instances {
		resp.Instances = append(resp.Instances, toInstanceResponse(&instances[i]))
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func validInstanceStatus(s database.InstanceStatus) bool {
	switch s {
	case database.InstanceStatusPending, database.InstanceStatusAcquired,
		database.InstanceStatusRunning, database.InstanceStatusSucceeded,
		database.InstanceStatusFailed, database.InstanceStatusCancelled,
		database.InstanceStatusTimeout, database.InstanceStatusKilled:
		return true
	}
	return false
}

func (a *API) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}

	inst, err := a.repos.Instances.Get(r.Context(), id)
	if err != nil {
		a.writeRepoError(w, r, err, "get instance")
		return
	}
	a.writeJSON(w, http.StatusOK, toInstanceResponse(inst))
}

// handleCancelInstance stops an instance. Pending instances are cancelled
// in place; dispatched ones are cancelled through their agent, which kills
// the process and reports the terminal state back.
func (a *API) handleCancelInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	var req CancelRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ctx := r.Context()
	inst, err := a.repos.Instances.Get(ctx, id)
	if err != nil {
		a.writeRepoError(w, r, err, "get instance")
		return
	}

	switch {
	case inst.Status.IsTerminal():
		a.writeError(w, http.StatusConflict, "instance already finished")
		return

	case inst.Status == database.InstanceStatusPending:
		if err := a.repos.Instances.Transition(ctx, id, database.InstanceStatusCancelled); err != nil {
			a.writeRepoError(w, r, err, "cancel instance")
			return
		}
		inst, err = a.repos.Instances.Get(ctx, id)
		if err != nil {
			a.writeRepoError(w, r, err, "get instance")
			return
		}
		a.logger.Info().Str("instance_id", id.String()).Msg("pending instance cancelled")
		a.writeJSON(w, http.StatusOK, toInstanceResponse(inst))
		return

	default:
		// Acquired or running: only the agent can stop the process.
		if a.commander == nil || inst.AgentID == nil {
			a.writeError(w, http.StatusConflict, "instance has no reachable agent")
			return
		}
		cmd, err := protocol.NewCommand(protocol.CommandCancelTask, protocol.CancelTaskPayload{
			InstanceID: id,
			Reason:     req.Reason,
		})
		if err != nil {
			a.writeRepoError(w, r, err, "build cancel command")
			return
		}
		if err := a.commander.SendCommand(*inst.AgentID, cmd); err != nil {
			a.writeError(w, http.StatusConflict, "agent is not connected")
			return
		}
		a.logger.Info().
			Str("instance_id", id.String()).
			Str("agent_id", inst.AgentID.String()).
			Msg("cancel command sent")
		a.writeJSON(w, http.StatusAccepted, toInstanceResponse(inst))
		return
	}
}

// handleInstanceOutput serves captured output. Running instances get the
// live tail when this replica holds the agent connection; archived outputs
// get a presigned URL next to the inline prefix.
func (a *API) handleInstanceOutput(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}

	inst, err := a.repos.Instances.Get(r.Context(), id)
	if err != nil {
		a.writeRepoError(w, r, err, "get instance")
		return
	}

	resp := OutputResponse{InstanceID: inst.ID, Status: string(inst.Status)}
	if !inst.Status.IsTerminal() {
		resp.Live = true
		if a.live != nil {
			if tail, ok := a.live.LiveOutput(inst.ID); ok {
				resp.Output = tail
			}
		}
		a.writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Output = inst.Output
	if inst.OutputRef != nil && a.archive != nil {
		url, err := a.archive.PresignedURL(r.Context(), *inst.OutputRef, a.urlTTL)
		if err != nil {
			a.logger.Error().Err(err).
				Str("instance_id", inst.ID.String()).
				Msg("failed to presign archived output")
		} else {
			resp.OutputURL = url
		}
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// decodeOptionalJSON tolerates an empty body on endpoints whose body only
// carries optional fields.
func decodeOptionalJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
