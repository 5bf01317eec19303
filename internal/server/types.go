package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/database"
)

// Request and response bodies for the REST API. Durations cross the wire
// as milliseconds, matching the agent protocol payloads.

// JobRequest is the body for creating or updating a job.
type JobRequest struct {
	Name            string                  `json:"name"`
	Command         string                  `json:"command"`
	Args            []string                `json:"args,omitempty"`
	WorkDir         string                  `json:"work_dir,omitempty"`
	Env             map[string]string       `json:"env,omitempty"`
	Executor        string                  `json:"executor,omitempty"`
	ContainerImage  string                  `json:"container_image,omitempty"`
	TimeoutMs       int64                   `json:"timeout_ms,omitempty"`
	MaxRetries      int                     `json:"max_retries,omitempty"`
	RetryIntervalMs int64                   `json:"retry_interval_ms,omitempty"`
	Limits          database.ResourceLimits `json:"limits,omitempty"`
	Labels          map[string]string       `json:"labels,omitempty"`
	NotifyOnFailure bool                    `json:"notify_on_failure,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`
}

// Validate checks the request against the definition rules. Violations are
// reported one at a time so the caller gets a single actionable message.
func (r *JobRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(r.Command) == "" {
		return fmt.Errorf("command is required")
	}
	if r.TimeoutMs < 0 {
		return fmt.Errorf("timeout_ms must not be negative")
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if r.RetryIntervalMs < 0 {
		return fmt.Errorf("retry_interval_ms must not be negative")
	}
	switch database.ExecutorKind(r.Executor) {
	case "", database.ExecutorSubprocess:
	case database.ExecutorContainer:
		if strings.TrimSpace(r.ContainerImage) == "" {
			return fmt.Errorf("container_image is required for the container executor")
		}
	default:
		return fmt.Errorf("unknown executor %q", r.Executor)
	}
	if r.Limits.MaxMemoryBytes < 0 || r.Limits.MaxCPUPercent < 0 || r.Limits.MaxOutputBytes < 0 {
		return fmt.Errorf("resource limits must not be negative")
	}
	for k := range r.Labels {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("label keys must not be empty")
		}
	}
	return nil
}

// ToModel converts the request into a job definition. The ID and timestamps
// are left for the repository to fill.
func (r *JobRequest) ToModel() *database.Job {
	executor := database.ExecutorKind(r.Executor)
	if executor == "" {
		executor = database.ExecutorSubprocess
	}
	status := database.JobStatusEnabled
	if r.Enabled != nil && !*r.Enabled {
		status = database.JobStatusDisabled
	}
	return &database.Job{
		Name:            r.Name,
		Command:         r.Command,
		Args:            r.Args,
		WorkDir:         r.WorkDir,
		Env:             r.Env,
		Executor:        executor,
		ContainerImage:  r.ContainerImage,
		Timeout:         time.Duration(r.TimeoutMs) * time.Millisecond,
		MaxRetries:      r.MaxRetries,
		RetryInterval:   time.Duration(r.RetryIntervalMs) * time.Millisecond,
		Limits:          r.Limits,
		Labels:          r.Labels,
		Status:          status,
		NotifyOnFailure: r.NotifyOnFailure,
	}
}

// JobResponse is the API representation of a job.
type JobResponse struct {
	ID              uuid.UUID               `json:"id"`
	Name            string                  `json:"name"`
	Command         string                  `json:"command"`
	Args            []string                `json:"args,omitempty"`
	WorkDir         string                  `json:"work_dir,omitempty"`
	Env             map[string]string       `json:"env,omitempty"`
	Executor        string                  `json:"executor"`
	ContainerImage  string                  `json:"container_image,omitempty"`
	TimeoutMs       int64                   `json:"timeout_ms,omitempty"`
	MaxRetries      int                     `json:"max_retries,omitempty"`
	RetryIntervalMs int64                   `json:"retry_interval_ms,omitempty"`
	Limits          database.ResourceLimits `json:"limits,omitempty"`
	Labels          map[string]string       `json:"labels,omitempty"`
	Status          string                  `json:"status"`
	NotifyOnFailure bool                    `json:"notify_on_failure,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

func toJobResponse(job *database.Job) JobResponse {
	return JobResponse{
		ID:              job.ID,
		Name:            job.Name,
		Command:         job.Command,
		Args:            job.Args,
		WorkDir:         job.WorkDir,
		Env:             job.Env,
		Executor:        string(job.Executor),
		ContainerImage:  job.ContainerImage,
		TimeoutMs:       job.Timeout.Milliseconds(),
		MaxRetries:      job.MaxRetries,
		RetryIntervalMs: job.RetryInterval.Milliseconds(),
		Limits:          job.Limits,
		Labels:          job.Labels,
		Status:          string(job.Status),
		NotifyOnFailure: job.NotifyOnFailure,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
}

// ListJobsResponse wraps a page of jobs.
type ListJobsResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Total int64         `json:"total"`
}

// ScheduleRequest is the body for creating or updating a schedule.
type ScheduleRequest struct {
	JobID          uuid.UUID  `json:"job_id"`
	Name           string     `json:"name"`
	Kind           string     `json:"kind"`
	CronExpr       string     `json:"cron_expr,omitempty"`
	Timezone       string     `json:"timezone,omitempty"`
	IntervalMs     int64      `json:"interval_ms,omitempty"`
	FirstDelayMs   int64      `json:"first_delay_ms,omitempty"`
	ExecutionCount int        `json:"execution_count,omitempty"`
	DependsOn      *uuid.UUID `json:"depends_on,omitempty"`
	ValidFrom      *time.Time `json:"valid_from,omitempty"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`
}

// ToModel converts the request into a schedule. Firing-rule validation is
// the evaluator's job; this only shapes the fields.
func (r *ScheduleRequest) ToModel() *database.Schedule {
	status := database.ScheduleStatusEnabled
	if r.Enabled != nil && !*r.Enabled {
		status = database.ScheduleStatusDisabled
	}
	return &database.Schedule{
		JobID:          r.JobID,
		Name:           r.Name,
		Kind:           database.ScheduleKind(r.Kind),
		CronExpr:       r.CronExpr,
		Timezone:       r.Timezone,
		Interval:       time.Duration(r.IntervalMs) * time.Millisecond,
		FirstDelay:     time.Duration(r.FirstDelayMs) * time.Millisecond,
		ExecutionCount: r.ExecutionCount,
		DependsOn:      r.DependsOn,
		ValidFrom:      r.ValidFrom,
		ValidUntil:     r.ValidUntil,
		Status:         status,
	}
}

// ScheduleResponse is the API representation of a schedule.
type ScheduleResponse struct {
	ID             uuid.UUID  `json:"id"`
	JobID          uuid.UUID  `json:"job_id"`
	Name           string     `json:"name"`
	Kind           string     `json:"kind"`
	CronExpr       string     `json:"cron_expr,omitempty"`
	Timezone       string     `json:"timezone,omitempty"`
	IntervalMs     int64      `json:"interval_ms,omitempty"`
	FirstDelayMs   int64      `json:"first_delay_ms,omitempty"`
	ExecutionCount int        `json:"execution_count,omitempty"`
	DependsOn      *uuid.UUID `json:"depends_on,omitempty"`
	ValidFrom      *time.Time `json:"valid_from,omitempty"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
	NextFireAt     *time.Time `json:"next_fire_at,omitempty"`
	ExecutedCount  int        `json:"executed_count"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func toScheduleResponse(sched *database.Schedule) ScheduleResponse {
	return ScheduleResponse{
		ID:             sched.ID,
		JobID:          sched.JobID,
		Name:           sched.Name,
		Kind:           string(sched.Kind),
		CronExpr:       sched.CronExpr,
		Timezone:       sched.Timezone,
		IntervalMs:     sched.Interval.Milliseconds(),
		FirstDelayMs:   sched.FirstDelay.Milliseconds(),
		ExecutionCount: sched.ExecutionCount,
		DependsOn:      sched.DependsOn,
		ValidFrom:      sched.ValidFrom,
		ValidUntil:     sched.ValidUntil,
		NextFireAt:     sched.NextFireAt,
		ExecutedCount:  sched.ExecutedCount,
		Status:         string(sched.Status),
		CreatedAt:      sched.CreatedAt,
		UpdatedAt:      sched.UpdatedAt,
	}
}

// ListSchedulesResponse wraps a page of schedules.
type ListSchedulesResponse struct {
	Schedules []ScheduleResponse `json:"schedules"`
}

// InstanceResponse is the API representation of a task instance. Captured
// output is not inlined here; it has its own endpoint.
type InstanceResponse struct {
	ID           uuid.UUID                 `json:"id"`
	JobID        uuid.UUID                 `json:"job_id"`
	ScheduleID   *uuid.UUID                `json:"schedule_id,omitempty"`
	AgentID      *uuid.UUID                `json:"agent_id,omitempty"`
	Status       string                    `json:"status"`
	ScheduledAt  time.Time                 `json:"scheduled_at"`
	StartedAt    *time.Time                `json:"started_at,omitempty"`
	CompletedAt  *time.Time                `json:"completed_at,omitempty"`
	ExitCode     *int                      `json:"exit_code,omitempty"`
	ErrorMessage *string                   `json:"error_message,omitempty"`
	Metrics      *database.ResourceMetrics `json:"metrics,omitempty"`
	RetryCount   int                       `json:"retry_count,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

func toInstanceResponse(inst *database.TaskInstance) InstanceResponse {
	return InstanceResponse{
		ID:           inst.ID,
		JobID:        inst.JobID,
		ScheduleID:   inst.ScheduleID,
		AgentID:      inst.AgentID,
		Status:       string(inst.Status),
		ScheduledAt:  inst.ScheduledAt,
		StartedAt:    inst.StartedAt,
		CompletedAt:  inst.CompletedAt,
		ExitCode:     inst.ExitCode,
		ErrorMessage: inst.ErrorMessage,
		Metrics:      inst.Metrics,
		RetryCount:   inst.RetryCount,
		CreatedAt:    inst.CreatedAt,
		UpdatedAt:    inst.UpdatedAt,
	}
}

// ListInstancesResponse wraps a page of task instances.
type ListInstancesResponse struct {
	Instances []InstanceResponse `json:"instances"`
}

// OutputResponse carries the captured output of a task instance. Exactly
// one of Output or OutputURL is set for archived outputs; Live marks a
// tail read from a still-running process.
type OutputResponse struct {
	InstanceID uuid.UUID `json:"instance_id"`
	Status     string    `json:"status"`
	Output     string    `json:"output,omitempty"`
	OutputURL  string    `json:"output_url,omitempty"`
	Live       bool      `json:"live,omitempty"`
}

// CancelRequest optionally names why an instance was cancelled.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// AgentResponse is the API representation of an agent.
type AgentResponse struct {
	ID             uuid.UUID         `json:"id"`
	Name           string            `json:"name"`
	Address        string            `json:"address,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	MaxConcurrency int               `json:"max_concurrency"`
	Status         string            `json:"status"`
	Online         bool              `json:"online"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	RegisteredAt   time.Time         `json:"registered_at"`
}

func toAgentResponse(agent *database.Agent, ttl time.Duration) AgentResponse {
	return AgentResponse{
		ID:             agent.ID,
		Name:           agent.Name,
		Address:        agent.Address,
		Labels:         agent.Labels,
		MaxConcurrency: agent.MaxConcurrency,
		Status:         string(agent.Status),
		Online:         agent.IsOnline(ttl),
		LastHeartbeat:  agent.LastHeartbeat,
		RegisteredAt:   agent.RegisteredAt,
	}
}

// ListAgentsResponse wraps a page of agents.
type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
}
