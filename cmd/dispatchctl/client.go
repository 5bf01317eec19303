package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client wraps HTTP client for API operations
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new API client
func NewClient(server, token string) *Client {
	// Ensure server has protocol prefix
	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		server = "http://" + server
	}

	return &Client{
		baseURL: strings.TrimSuffix(server, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// request makes an HTTP request to the API
func (c *Client) request(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// ResourceLimits caps what a single task may consume
type ResourceLimits struct {
	MaxMemoryBytes int64   `json:"max_memory_bytes,omitempty"`
	MaxCPUPercent  float64 `json:"max_cpu_percent,omitempty"`
	MaxOutputBytes int64   `json:"max_output_bytes,omitempty"`
}

// Job represents a job definition
type Job struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Command         string            `json:"command"`
	Args            []string          `json:"args,omitempty"`
	WorkDir         string            `json:"work_dir,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Executor        string            `json:"executor"`
	ContainerImage  string            `json:"container_image,omitempty"`
	TimeoutMs       int64             `json:"timeout_ms,omitempty"`
	MaxRetries      int               `json:"max_retries,omitempty"`
	RetryIntervalMs int64             `json:"retry_interval_ms,omitempty"`
	Limits          ResourceLimits    `json:"limits,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
	Status          string            `json:"status"`
	NotifyOnFailure bool              `json:"notify_on_failure,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// JobRequest is the body for creating or updating a job
type JobRequest struct {
	Name            string            `json:"name"`
	Command         string            `json:"command"`
	Args            []string          `json:"args,omitempty"`
	WorkDir         string            `json:"work_dir,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Executor        string            `json:"executor,omitempty"`
	ContainerImage  string            `json:"container_image,omitempty"`
	TimeoutMs       int64             `json:"timeout_ms,omitempty"`
	MaxRetries      int               `json:"max_retries,omitempty"`
	RetryIntervalMs int64             `json:"retry_interval_ms,omitempty"`
	Limits          ResourceLimits    `json:"limits,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
	NotifyOnFailure bool              `json:"notify_on_failure,omitempty"`
	Enabled         *bool             `json:"enabled,omitempty"`
}

// ListJobsResponse is the response from listing jobs
type ListJobsResponse struct {
	Jobs  []Job `json:"jobs"`
	Total int64 `json:"total"`
}

// ListJobs lists jobs, optionally filtered by exact name
func (c *Client) ListJobs(ctx context.Context, name string, limit, offset int) (*ListJobsResponse, error) {
	path := "/api/v1/jobs"
	params := url.Values{}
	if name != "" {
		params.Add("name", name)
	}
	if limit > 0 {
		params.Add("limit", fmt.Sprintf("%d", limit))
	}
	if offset > 0 {
		params.Add("offset", fmt.Sprintf("%d", offset))
	}
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var resp ListJobsResponse
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetJob retrieves a specific job
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := c.request(ctx, http.MethodGet, "/api/v1/jobs/"+jobID, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJob creates a new job
func (c *Client) CreateJob(ctx context.Context, req *JobRequest) (*Job, error) {
	var job Job
	if err := c.request(ctx, http.MethodPost, "/api/v1/jobs", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJob replaces a job definition
func (c *Client) UpdateJob(ctx context.Context, jobID string, req *JobRequest) (*Job, error) {
	var job Job
	if err := c.request(ctx, http.MethodPut, "/api/v1/jobs/"+jobID, req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// DeleteJob deletes a job
func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	return c.request(ctx, http.MethodDelete, "/api/v1/jobs/"+jobID, nil, nil)
}

// RunJob triggers an immediate one-off run of a job
func (c *Client) RunJob(ctx context.Context, jobID string) (*Instance, error) {
	var inst Instance
	path := fmt.Sprintf("/api/v1/jobs/%s/run", jobID)
	if err := c.request(ctx, http.MethodPost, path, nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListJobInstances lists the run history of a job
func (c *Client) ListJobInstances(ctx context.Context, jobID string, limit, offset int) (*ListInstancesResponse, error) {
	path := fmt.Sprintf("/api/v1/jobs/%s/instances", jobID)
	params := url.Values{}
	if limit > 0 {
		params.Add("limit", fmt.Sprintf("%d", limit))
	}
	if offset > 0 {
		params.Add("offset", fmt.Sprintf("%d", offset))
	}
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var resp ListInstancesResponse
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListJobSchedules lists the schedules attached to a job
func (c *Client) ListJobSchedules(ctx context.Context, jobID string) (*ListSchedulesResponse, error) {
	path := fmt.Sprintf("/api/v1/jobs/%s/schedules", jobID)

	var resp ListSchedulesResponse
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Schedule represents a firing rule attached to a job
type Schedule struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	Name           string     `json:"name"`
	Kind           string     `json:"kind"`
	CronExpr       string     `json:"cron_expr,omitempty"`
	Timezone       string     `json:"timezone,omitempty"`
	IntervalMs     int64      `json:"interval_ms,omitempty"`
	FirstDelayMs   int64      `json:"first_delay_ms,omitempty"`
	ExecutionCount int        `json:"execution_count,omitempty"`
	DependsOn      string     `json:"depends_on,omitempty"`
	ValidFrom      *time.Time `json:"valid_from,omitempty"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
	NextFireAt     *time.Time `json:"next_fire_at,omitempty"`
	ExecutedCount  int        `json:"executed_count"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ScheduleRequest is the body for creating or updating a schedule
type ScheduleRequest struct {
	JobID          string     `json:"job_id"`
	Name           string     `json:"name"`
	Kind           string     `json:"kind"`
	CronExpr       string     `json:"cron_expr,omitempty"`
	Timezone       string     `json:"timezone,omitempty"`
	IntervalMs     int64      `json:"interval_ms,omitempty"`
	FirstDelayMs   int64      `json:"first_delay_ms,omitempty"`
	ExecutionCount int        `json:"execution_count,omitempty"`
	DependsOn      string     `json:"depends_on,omitempty"`
	ValidFrom      *time.Time `json:"valid_from,omitempty"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
	Enabled        *bool      `json:"enabled,omitempty"`
}

// ListSchedulesResponse is the response from listing schedules
type ListSchedulesResponse struct {
	Schedules []Schedule `json:"schedules"`
}

// ListSchedules lists all schedules
func (c *Client) ListSchedules(ctx context.Context, limit, offset int) (*ListSchedulesResponse, error) {
	path := "/api/v1/schedules"
	params := url.Values{}
	if limit > 0 {
		params.Add("limit", fmt.Sprintf("%d", limit))
	}
	if offset > 0 {
		params.Add("offset", fmt.Sprintf("%d", offset))
	}
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var resp ListSchedulesResponse
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSchedule retrieves a specific schedule
func (c *Client) GetSchedule(ctx context.Context, scheduleID string) (*Schedule, error) {
	var sched Schedule
	if err := c.request(ctx, http.MethodGet, "/api/v1/schedules/"+scheduleID, nil, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

// CreateSchedule creates a new schedule
func (c *Client) CreateSchedule(ctx context.Context, req *ScheduleRequest) (*Schedule, error) {
	var sched Schedule
	if err := c.request(ctx, http.MethodPost, "/api/v1/schedules", req, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

// UpdateSchedule replaces a schedule definition
func (c *Client) UpdateSchedule(ctx context.Context, scheduleID string, req *ScheduleRequest) (*Schedule, error) {
	var sched Schedule
	if err := c.request(ctx, http.MethodPut, "/api/v1/schedules/"+scheduleID, req, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

// DeleteSchedule deletes a schedule
func (c *Client) DeleteSchedule(ctx context.Context, scheduleID string) error {
	return c.request(ctx, http.MethodDelete, "/api/v1/schedules/"+scheduleID, nil, nil)
}

// EnableSchedule enables a schedule and recomputes its next fire time
func (c *Client) EnableSchedule(ctx context.Context, scheduleID string) (*Schedule, error) {
	var sched Schedule
	path := fmt.Sprintf("/api/v1/schedules/%s/enable", scheduleID)
	if err := c.request(ctx, http.MethodPost, path, nil, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

// DisableSchedule disables a schedule
func (c *Client) DisableSchedule(ctx context.Context, scheduleID string) (*Schedule, error) {
	var sched Schedule
	path := fmt.Sprintf("/api/v1/schedules/%s/disable", scheduleID)
	if err := c.request(ctx, http.MethodPost, path, nil, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

// ResourceMetrics describes what a finished task consumed
type ResourceMetrics struct {
	PeakMemoryBytes int64   `json:"peak_memory_bytes,omitempty"`
	CPUPercent      float64 `json:"cpu_percent,omitempty"`
	DurationMs      int64   `json:"duration_ms,omitempty"`
}

// Instance represents one concrete run of a job
type Instance struct {
	ID           string           `json:"id"`
	JobID        string           `json:"job_id"`
	ScheduleID   string           `json:"schedule_id,omitempty"`
	AgentID      string           `json:"agent_id,omitempty"`
	Status       string           `json:"status"`
	ScheduledAt  time.Time        `json:"scheduled_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	ExitCode     *int             `json:"exit_code,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Metrics      *ResourceMetrics `json:"metrics,omitempty"`
	RetryCount   int              `json:"retry_count,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// ListInstancesResponse is the response from listing instances
type ListInstancesResponse struct {
	Instances []Instance `json:"instances"`
}

// InstanceOutput is the captured output of an instance
type InstanceOutput struct {
	InstanceID string `json:"instance_id"`
	Status     string `json:"status"`
	Output     string `json:"output,omitempty"`
	OutputURL  string `json:"output_url,omitempty"`
	Live       bool   `json:"live,omitempty"`
}

// ListInstances lists instances filtered by status or job. The two filters
// are mutually exclusive; the server rejects a combined query.
func (c *Client) ListInstances(ctx context.Context, status, jobID string, limit, offset int) (*ListInstancesResponse, error) {
	path := "/api/v1/instances"
	params := url.Values{}
	if status != "" {
		params.Add("status", status)
	}
	if jobID != "" {
		params.Add("job_id", jobID)
	}
	if limit > 0 {
		params.Add("limit", fmt.Sprintf("%d", limit))
	}
	if offset > 0 {
		params.Add("offset", fmt.Sprintf("%d", offset))
	}
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var resp ListInstancesResponse
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetInstance retrieves a specific instance
func (c *Client) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	var inst Instance
	if err := c.request(ctx, http.MethodGet, "/api/v1/instances/"+instanceID, nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// CancelInstance cancels a pending or running instance. Pending instances
// come back already cancelled; dispatched ones come back unchanged while
// the agent kills the process.
func (c *Client) CancelInstance(ctx context.Context, instanceID, reason string) (*Instance, error) {
	path := fmt.Sprintf("/api/v1/instances/%s/cancel", instanceID)
	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}

	var inst Instance
	if err := c.request(ctx, http.MethodPost, path, body, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetInstanceOutput fetches the captured or live output of an instance
func (c *Client) GetInstanceOutput(ctx context.Context, instanceID string) (*InstanceOutput, error) {
	path := fmt.Sprintf("/api/v1/instances/%s/output", instanceID)

	var out InstanceOutput
	if err := c.request(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Agent represents an agent in the system
type Agent struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Address        string            `json:"address,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	MaxConcurrency int               `json:"max_concurrency"`
	Status         string            `json:"status"`
	Online         bool              `json:"online"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	RegisteredAt   time.Time         `json:"registered_at"`
}

// ListAgentsResponse is the response from listing agents
type ListAgentsResponse struct {
	Agents []Agent `json:"agents"`
}

// ListAgents lists agents. A name filter does an exact lookup; onlineOnly
// restricts the list to agents with a fresh heartbeat.
func (c *Client) ListAgents(ctx context.Context, name string, onlineOnly bool, limit, offset int) (*ListAgentsResponse, error) {
	path := "/api/v1/agents"
	params := url.Values{}
	if name != "" {
		params.Add("name", name)
	}
	if onlineOnly {
		params.Add("online", "true")
	}
	if limit > 0 {
		params.Add("limit", fmt.Sprintf("%d", limit))
	}
	if offset > 0 {
		params.Add("offset", fmt.Sprintf("%d", offset))
	}
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var resp ListAgentsResponse
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAgent retrieves a specific agent
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var agent Agent
	if err := c.request(ctx, http.MethodGet, "/api/v1/agents/"+agentID, nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// DrainAgent puts an agent into draining mode
func (c *Client) DrainAgent(ctx context.Context, agentID string) (*Agent, error) {
	var agent Agent
	path := fmt.Sprintf("/api/v1/agents/%s/drain", agentID)
	if err := c.request(ctx, http.MethodPost, path, nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// UndrainAgent returns a draining agent to normal dispatch
func (c *Client) UndrainAgent(ctx context.Context, agentID string) (*Agent, error) {
	var agent Agent
	path := fmt.Sprintf("/api/v1/agents/%s/undrain", agentID)
	if err := c.request(ctx, http.MethodPost, path, nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}
