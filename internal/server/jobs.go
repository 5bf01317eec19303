package server

import (
	"net/http"
	"time"

	"github.com/dispatchd/dispatchd/internal/database"
)

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page := parsePagination(r)

	// Exact-name lookup returns zero or one jobs.
	if name := r.URL.Query().Get("name"); name != "" {
		job, err := a.repos.Jobs.GetByName(ctx, name)
		if err != nil {
			if database.IsNotFound(err) {
				a.writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: []JobResponse{}})
				return
			}
			a.writeRepoError(w, r, err, "get job by name")
			return
		}
		a.writeJSON(w, http.StatusOK, ListJobsResponse{
			Jobs:  []JobResponse{toJobResponse(job)},
			Total: 1,
		})
		return
	}

	jobs, err := a.repos.Jobs.List(ctx, page)
	if err != nil {
		a.writeRepoError(w, r, err, "list jobs")
		return
	}
	total, err := a.repos.Jobs.Count(ctx)
	if err != nil {
		a.writeRepoError(w, r, err, "count jobs")
		return
	}

	resp := ListJobsResponse{Jobs: make([]JobResponse, 0, len(jobs)), Total: total}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(&jobs[i]))
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := req.ToModel()
	if err := a.repos.Jobs.Create(r.Context(), job); err != nil {
		a.writeRepoError(w, r, err, "create job")
		return
	}

	a.logger.Info().
		Str("job_id", job.ID.String()).
		Str("job_name", job.Name).
		Msg("job created")
	a.writeJSON(w, http.StatusCreated, toJobResponse(job))
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}

	job, err := a.repos.Jobs.Get(r.Context(), id)
	if err != nil {
		a.writeRepoError(w, r, err, "get job")
		return
	}
	a.writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (a *API) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	var req JobRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := a.repos.Jobs.Get(r.Context(), id)
	if err != nil {
		a.writeRepoError(w, r, err, "get job")
		return
	}

	job := req.ToModel()
	job.ID = id
	job.CreatedAt = existing.CreatedAt
	if err := a.repos.Jobs.Update(r.Context(), job); err != nil {
		a.writeRepoError(w, r, err, "update job")
		return
	}

	a.logger.Info().
		Str("job_id", job.ID.String()).
		Str("job_name", job.Name).
		Msg("job updated")
	a.writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (a *API) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}

	if err := a.repos.Jobs.Delete(r.Context(), id); err != nil {
		a.writeRepoError(w, r, err, "delete job")
		return
	}

	a.logger.Info().Str("job_id", id.String()).Msg("job deleted")
	w.WriteHeader(http.StatusNoContent)
}

// handleRunJob materializes a pending instance for the job right now,
// outside any schedule. The next agent poll picks it up.
func (a *API) handleRunJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}

	job, err := a.repos.Jobs.Get(r.Context(), id)
	if err != nil {
		a.writeRepoError(w, r, err, "get job")
		return
	}
	if !job.IsEnabled() {
		a.writeError(w, http.StatusConflict, "job is disabled")
		return
	}

	instance := &database.TaskInstance{
		JobID:       job.ID,
		Status:      database.InstanceStatusPending,
		ScheduledAt: time.Now().UTC(),
	}
	if err := a.repos.Instances.Create(r.Context(), instance); err != nil {
		a.writeRepoError(w, r, err, "create instance")
		return
	}

	a.logger.Info().
		Str("job_id", job.ID.String()).
		Str("job_name", job.Name).
		Str("instance_id", instance.ID.String()).
		Msg("manual run requested")
	a.writeJSON(w, http.StatusCreated, toInstanceResponse(instance))
}

func (a *API) handleListJobInstances(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	page := parsePagination(r)

	instances, err := a.repos.Instances.ListByJob(r.Context(), id, page)
	if err != nil {
		a.writeRepoError(w, r, err, "list job instances")
		return
	}

	resp := ListInstancesResponse{Instances: make([]InstanceResponse, 0, len(instances))}
	for i := range instances {
		resp.Instances = append(resp.Instances, toInstanceResponse(&instances[i]))
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListJobSchedules(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}

	schedules, err := a.repos.Schedules.ListByJob(r.Context(), id)
	if err != nil {
		a.writeRepoError(w, r, err, "list job schedules")
		return
	}

	resp := ListSchedulesResponse{Schedules: make([]ScheduleResponse, 0, len(schedules))}
	for i := range schedules {
		resp.Schedules = append(resp.Schedules, toScheduleResponse(&schedules[i]))
	}
	a.writeJSON(w, http.StatusOK, resp)
}
