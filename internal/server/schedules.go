package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/database"
	"github.com/dispatchd/dispatchd/internal/schedule"
)

func (a *API) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	page := parsePagination(r)

	schedules, err := a.repos.Schedules.List(r.Context(), page)
	if err != nil {
		a.writeRepoError(w, r, err, "list schedules")
		return
	}

	resp := ListSchedulesResponse{Schedules: make([]ScheduleResponse, 0, len(schedules))}
	for i := range schedules {
		resp.Schedules = append(resp.Schedules, toScheduleResponse(&schedules[i]))
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	if req.JobID == uuid.Nil {
		a.writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		a.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	sched := req.ToModel()
	if err := schedule.Validate(sched); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	next, err := schedule.FirstFireAt(sched, time.Now())
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sched.NextFireAt = next

	if err := a.repos.Schedules.Create(r.Context(), sched); err != nil {
		a.writeRepoError(w, r, err, "create schedule")
		return
	}

	a.logger.Info().
		Str("schedule_id", sched.ID.String()).
		Str("schedule_name", sched.Name).
		Str("kind", string(sched.Kind)).
		Msg("schedule created")
	a.writeJSON(w, http.StatusCreated, toScheduleResponse(sched))
}

func (a *API) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}

	sched, err := a.repos.Schedules.Get(r.Context(), id)
	if err != nil {
		a.writeRepoError(w, r, err, "get schedule")
		return
	}
	a.writeJSON(w, http.StatusOK, toScheduleResponse(sched))
}

func (a *API) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	var req ScheduleRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		a.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	existing, err := a.repos.Schedules.Get(r.Context(), id)
	if err != nil {
		a.writeRepoError(w, r, err, "get schedule")
		return
	}
	// A schedule stays bound to its job for life.
	if req.JobID != uuid.Nil && req.JobID != existing.JobID {
		a.writeError(w, http.StatusBadRequest, "job_id cannot be changed")
		return
	}

	sched := req.ToModel()
	sched.ID = id
	sched.JobID = existing.JobID
	sched.CreatedAt = existing.CreatedAt
	sched.ExecutedCount = existing.ExecutedCount
	if err := schedule.Validate(sched); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Changing the firing rule resets the next firing; otherwise the scan
	// loop keeps working off the old one.
	next, err := schedule.FirstFireAt(sched, time.Now())
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sched.NextFireAt = next

	if err := a.repos.Schedules.Update(r.Context(), sched); err != nil {
		a.writeRepoError(w, r, err, "update schedule")
		return
	}

	a.logger.Info().
		Str("schedule_id", sched.ID.String()).
		Str("schedule_name", sched.Name).
		Msg("schedule updated")
	a.writeJSON(w, http.StatusOK, toScheduleResponse(sched))
}

func (a *API) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}

	if err := a.repos.Schedules.Delete(r.Context(), id); err != nil {
		a.writeRepoError(w, r, err, "delete schedule")
		return
	}

	a.logger.Info().Str("schedule_id", id.String()).Msg("schedule deleted")
	w.WriteHeader(http.StatusNoContent)
}

// handleEnableSchedule re-arms a disabled or completed schedule. The next
// firing is recomputed from now so a long-disabled schedule does not fire
// a backlog.
func (a *API) handleEnableSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}

	sched, err := a.repos.Schedules.Get(r.Context(), id)
	if err != nil {
		a.writeRepoError(w, r, err, "get schedule")
		return
	}
	if sched.Status == database.ScheduleStatusEnabled {
		a.writeJSON(w, http.StatusOK, toScheduleResponse(sched))
		return
	}

	next, err := schedule.FirstFireAt(sched, time.Now())
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sched.Status = database.ScheduleStatusEnabled
	sched.NextFireAt = next

	if err := a.repos.Schedules.Update(r.Context(), sched); err != nil {
		a.writeRepoError(w, r, err, "enable schedule")
		return
	}

	a.logger.Info().Str("schedule_id", id.String()).Msg("schedule enabled")
	a.writeJSON(w, http.StatusOK, toScheduleResponse(sched))
}

func (a *API) handleDisableSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}

	if err := a.repos.Schedules.SetStatus(r.Context(), id, database.ScheduleStatusDisabled); err != nil {
		a.writeRepoError(w, r, err, "disable schedule")
		return
	}

	sched, err := a.repos.Schedules.Get(r.Context(), id)
	if err != nil {
		a.writeRepoError(w, r, err, "get schedule")
		return
	}

	a.logger.Info().Str("schedule_id", id.String()).Msg("schedule disabled")
	a.writeJSON(w, http.StatusOK, toScheduleResponse(sched))
}
