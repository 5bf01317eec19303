// Package testfixtures provides test fixtures and builders for integration tests.
package testfixtures

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/database"
)

// JobBuilder helps construct test jobs with default values.
type JobBuilder struct {
	job *database.Job
}

// NewJobBuilder creates a new job builder with default values.
func NewJobBuilder() *JobBuilder {
	return &JobBuilder{
		job: &database.Job{
			Name:     fmt.Sprintf("test-job-%s", uuid.New().String()[:8]),
			Command:  "/bin/echo",
			Args:     []string{"hello"},
			Executor: database.ExecutorSubprocess,
			Timeout:  5 * time.Minute,
			Status:   database.JobStatusEnabled,
		},
	}
}

// WithName sets the job name.
func (b *JobBuilder) WithName(name string) *JobBuilder {
	b.job.Name = name
	return b
}

// WithCommand sets the command and its arguments.
func (b *JobBuilder) WithCommand(command string, args ...string) *JobBuilder {
	b.job.Command = command
	b.job.Args = args
	return b
}

// WithWorkDir sets the working directory.
func (b *JobBuilder) WithWorkDir(dir string) *JobBuilder {
	b.job.WorkDir = dir
	return b
}

// WithEnv sets the environment variables.
func (b *JobBuilder) WithEnv(env map[string]string) *JobBuilder {
	b.job.Env = env
	return b
}

// WithExecutor sets the executor kind.
func (b *JobBuilder) WithExecutor(executor database.ExecutorKind) *JobBuilder {
	b.job.Executor = executor
	return b
}

// WithContainerImage sets the container image and switches to the
// container executor.
func (b *JobBuilder) WithContainerImage(image string) *JobBuilder {
	b.job.Executor = database.ExecutorContainer
	b.job.ContainerImage = image
	return b
}

// WithTimeout sets the execution timeout.
func (b *JobBuilder) WithTimeout(timeout time.Duration) *JobBuilder {
	b.job.Timeout = timeout
	return b
}

// WithRetries sets the retry count and interval.
func (b *JobBuilder) WithRetries(max int, interval time.Duration) *JobBuilder {
	b.job.MaxRetries = max
	b.job.RetryInterval = interval
	return b
}

// WithLimits sets the resource limits.
func (b *JobBuilder) WithLimits(limits database.ResourceLimits) *JobBuilder {
	b.job.Limits = limits
	return b
}

// WithLabels sets the placement labels.
func (b *JobBuilder) WithLabels(labels map[string]string) *JobBuilder {
	b.job.Labels = labels
	return b
}

// WithStatus sets the job status.
func (b *JobBuilder) WithStatus(status database.JobStatus) *JobBuilder {
	b.job.Status = status
	return b
}

// WithNotifyOnFailure enables failure notifications.
func (b *JobBuilder) WithNotifyOnFailure() *JobBuilder {
	b.job.NotifyOnFailure = true
	return b
}

// Build returns the constructed job.
func (b *JobBuilder) Build() *database.Job {
	return b.job
}

// CreateJob creates a job in the database with the given options.
func CreateJob(ctx context.Context, repo database.JobRepository, opts ...func(*JobBuilder)) (*database.Job, error) {
	builder := NewJobBuilder()
	for _, opt := range opts {
		opt(builder)
	}
	job := builder.Build()
	if err := repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// ScheduleBuilder helps construct test schedules with default values.
type ScheduleBuilder struct {
	schedule *database.Schedule
}

// NewScheduleBuilder creates a new schedule builder with default values.
// The default is an enabled cron schedule firing nightly.
func NewScheduleBuilder(jobID uuid.UUID) *ScheduleBuilder {
	return &ScheduleBuilder{
		schedule: &database.Schedule{
			JobID:    jobID,
			Name:     fmt.Sprintf("test-schedule-%s", uuid.New().String()[:8]),
			Kind:     database.ScheduleKindCron,
			CronExpr: "0 2 * * *",
			Status:   database.ScheduleStatusEnabled,
		},
	}
}

// WithName sets the schedule name.
func (b *ScheduleBuilder) WithName(name string) *ScheduleBuilder {
	b.schedule.Name = name
	return b
}

// WithCron sets a cron rule.
func (b *ScheduleBuilder) WithCron(expr string) *ScheduleBuilder {
	b.schedule.Kind = database.ScheduleKindCron
	b.schedule.CronExpr = expr
	return b
}

// WithTimezone sets the cron timezone.
func (b *ScheduleBuilder) WithTimezone(tz string) *ScheduleBuilder {
	b.schedule.Timezone = tz
	return b
}

// WithInterval sets a fixed interval rule.
func (b *ScheduleBuilder) WithInterval(interval time.Duration) *ScheduleBuilder {
	b.schedule.Kind = database.ScheduleKindInterval
	b.schedule.CronExpr = ""
	b.schedule.Interval = interval
	return b
}

// WithFirstDelay sets the delay before an interval schedule first fires.
func (b *ScheduleBuilder) WithFirstDelay(delay time.Duration) *ScheduleBuilder {
	b.schedule.FirstDelay = delay
	return b
}

// WithDependsOn sets a dependency rule on the given parent schedule.
func (b *ScheduleBuilder) WithDependsOn(parentID uuid.UUID) *ScheduleBuilder {
	b.schedule.Kind = database.ScheduleKindDependency
	b.schedule.CronExpr = ""
	b.schedule.DependsOn = &parentID
	b.schedule.NextFireAt = nil
	return b
}

// WithExecutionCount sets the execution count limit.
func (b *ScheduleBuilder) WithExecutionCount(count int) *ScheduleBuilder {
	b.schedule.ExecutionCount = count
	return b
}

// WithValidFrom sets the validity window start.
func (b *ScheduleBuilder) WithValidFrom(t time.Time) *ScheduleBuilder {
	b.schedule.ValidFrom = &t
	return b
}

// WithValidUntil sets the validity window end.
func (b *ScheduleBuilder) WithValidUntil(t time.Time) *ScheduleBuilder {
	b.schedule.ValidUntil = &t
	return b
}

// WithNextFireAt sets the next firing time.
func (b *ScheduleBuilder) WithNextFireAt(t time.Time) *ScheduleBuilder {
	b.schedule.NextFireAt = &t
	return b
}

// WithStatus sets the schedule status.
func (b *ScheduleBuilder) WithStatus(status database.ScheduleStatus) *ScheduleBuilder {
	b.schedule.Status = status
	return b
}

// Build returns the constructed schedule.
func (b *ScheduleBuilder) Build() *database.Schedule {
	return b.schedule
}

// CreateSchedule creates a schedule in the database with the given options.
func CreateSchedule(ctx context.Context, repo database.ScheduleRepository, jobID uuid.UUID, opts ...func(*ScheduleBuilder)) (*database.Schedule, error) {
	builder := NewScheduleBuilder(jobID)
	for _, opt := range opts {
		opt(builder)
	}
	schedule := builder.Build()
	if err := repo.Create(ctx, schedule); err != nil {
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}
	return schedule, nil
}

// TaskInstanceBuilder helps construct test task instances with default values.
type TaskInstanceBuilder struct {
	instance *database.TaskInstance
}

// NewTaskInstanceBuilder creates a new task instance builder with default values.
func NewTaskInstanceBuilder(jobID uuid.UUID) *TaskInstanceBuilder {
	return &TaskInstanceBuilder{
		instance: &database.TaskInstance{
			JobID:       jobID,
			Status:      database.InstanceStatusPending,
			ScheduledAt: time.Now().UTC(),
		},
	}
}

// WithSchedule sets the originating schedule.
func (b *TaskInstanceBuilder) WithSchedule(scheduleID uuid.UUID) *TaskInstanceBuilder {
	b.instance.ScheduleID = &scheduleID
	return b
}

// WithAgent sets the executing agent.
func (b *TaskInstanceBuilder) WithAgent(agentID uuid.UUID) *TaskInstanceBuilder {
	b.instance.AgentID = &agentID
	return b
}

// WithStatus sets the instance status.
func (b *TaskInstanceBuilder) WithStatus(status database.InstanceStatus) *TaskInstanceBuilder {
	b.instance.Status = status
	return b
}

// WithScheduledAt sets the scheduled time.
func (b *TaskInstanceBuilder) WithScheduledAt(t time.Time) *TaskInstanceBuilder {
	b.instance.ScheduledAt = t
	return b
}

// WithStartedAt sets the start time.
func (b *TaskInstanceBuilder) WithStartedAt(t time.Time) *TaskInstanceBuilder {
	b.instance.StartedAt = &t
	return b
}

// WithCompletedAt sets the completion time.
func (b *TaskInstanceBuilder) WithCompletedAt(t time.Time) *TaskInstanceBuilder {
	b.instance.CompletedAt = &t
	return b
}

// WithExitCode sets the process exit code.
func (b *TaskInstanceBuilder) WithExitCode(code int) *TaskInstanceBuilder {
	b.instance.ExitCode = &code
	return b
}

// WithOutput sets the inline output.
func (b *TaskInstanceBuilder) WithOutput(output string) *TaskInstanceBuilder {
	b.instance.Output = output
	return b
}

// WithOutputRef sets the archived output reference.
func (b *TaskInstanceBuilder) WithOutputRef(ref string) *TaskInstanceBuilder {
	b.instance.OutputRef = &ref
	return b
}

// WithError sets the error message.
func (b *TaskInstanceBuilder) WithError(msg string) *TaskInstanceBuilder {
	b.instance.ErrorMessage = &msg
	return b
}

// WithMetrics sets the resource metrics.
func (b *TaskInstanceBuilder) WithMetrics(metrics database.ResourceMetrics) *TaskInstanceBuilder {
	b.instance.Metrics = &metrics
	return b
}

// WithRetryCount sets the retry count.
func (b *TaskInstanceBuilder) WithRetryCount(count int) *TaskInstanceBuilder {
	b.instance.RetryCount = count
	return b
}

// Build returns the constructed task instance.
func (b *TaskInstanceBuilder) Build() *database.TaskInstance {
	return b.instance
}

// CreateTaskInstance creates a task instance in the database with the given options.
func CreateTaskInstance(ctx context.Context, repo database.TaskInstanceRepository, jobID uuid.UUID, opts ...func(*TaskInstanceBuilder)) (*database.TaskInstance, error) {
	builder := NewTaskInstanceBuilder(jobID)
	for _, opt := range opts {
		opt(builder)
	}
	instance := builder.Build()
	if err := repo.Create(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to create task instance: %w", err)
	}
	return instance, nil
}

// AgentBuilder helps construct test agents with default values.
type AgentBuilder struct {
	agent *database.Agent
}

// NewAgentBuilder creates a new agent builder with default values.
// Agents bring their own identity, so the builder assigns an ID up front.
func NewAgentBuilder() *AgentBuilder {
	return &AgentBuilder{
		agent: &database.Agent{
			ID:             uuid.New(),
			Name:           fmt.Sprintf("test-agent-%s", uuid.New().String()[:8]),
			Address:        "127.0.0.1:9090",
			Labels:         map[string]string{"os": "linux"},
			MaxConcurrency: 4,
			Status:         database.AgentStatusRegistered,
			LastHeartbeat:  time.Now().UTC(),
		},
	}
}

// WithID sets the agent ID.
func (b *AgentBuilder) WithID(id uuid.UUID) *AgentBuilder {
	b.agent.ID = id
	return b
}

// WithName sets the agent name.
func (b *AgentBuilder) WithName(name string) *AgentBuilder {
	b.agent.Name = name
	return b
}

// WithAddress sets the agent address.
func (b *AgentBuilder) WithAddress(address string) *AgentBuilder {
	b.agent.Address = address
	return b
}

// WithLabels sets the capability labels.
func (b *AgentBuilder) WithLabels(labels map[string]string) *AgentBuilder {
	b.agent.Labels = labels
	return b
}

// WithMaxConcurrency sets the concurrency limit.
func (b *AgentBuilder) WithMaxConcurrency(n int) *AgentBuilder {
	b.agent.MaxConcurrency = n
	return b
}

// WithStatus sets the agent status.
func (b *AgentBuilder) WithStatus(status database.AgentStatus) *AgentBuilder {
	b.agent.Status = status
	return b
}

// WithLastHeartbeat sets the last heartbeat time.
func (b *AgentBuilder) WithLastHeartbeat(t time.Time) *AgentBuilder {
	b.agent.LastHeartbeat = t
	return b
}

// Build returns the constructed agent.
func (b *AgentBuilder) Build() *database.Agent {
	return b.agent
}

// CreateAgent registers an agent in the database with the given options.
func CreateAgent(ctx context.Context, repo database.AgentRepository, opts ...func(*AgentBuilder)) (*database.Agent, error) {
	builder := NewAgentBuilder()
	for _, opt := range opts {
		opt(builder)
	}
	agent := builder.Build()
	if err := repo.Upsert(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	return agent, nil
}

// SampleManifestYAML returns a job manifest covering every schedule kind,
// for tests that feed the registry from a directory.
func SampleManifestYAML() string {
	return `version: "1"
defaults:
  timeout_seconds: 300
  max_retries: 1
jobs:
  - name: sample-extract
    command: /usr/local/bin/extract
    args: ["--source", "orders"]
    executor: subprocess
    schedules:
      - name: extract-nightly
        kind: cron
        cron: "0 1 * * *"
  - name: sample-load
    command: /usr/local/bin/load
    executor: subprocess
    schedules:
      - name: load-after-extract
        kind: dependency
        depends_on: extract-nightly
  - name: sample-probe
    command: /usr/local/bin/probe
    args: ["--endpoint", "http://localhost:8080/healthz"]
    executor: subprocess
    timeout_seconds: 30
    schedules:
      - name: probe-often
        kind: interval
        interval_seconds: 60
`
}

// SampleTaskOutput returns captured process output with both streams
// interleaved, for archive and truncation tests.
func SampleTaskOutput() string {
	return `2026-03-14T01:00:02Z starting extract run 4412
2026-03-14T01:00:02Z source=orders rows_expected=182000
2026-03-14T01:00:14Z progress rows=50000
2026-03-14T01:00:27Z progress rows=100000
2026-03-14T01:00:39Z progress rows=150000
stderr: retrying chunk 37 after timeout
2026-03-14T01:00:51Z progress rows=182000
2026-03-14T01:00:52Z wrote s3://warehouse/orders/2026-03-14.parquet
2026-03-14T01:00:52Z extract complete exit=0
`
}
