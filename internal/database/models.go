package database

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents whether a job may be scheduled.
type JobStatus string

const (
	JobStatusEnabled  JobStatus = "enabled"
	JobStatusDisabled JobStatus = "disabled"
)

// ExecutorKind selects the launcher used to run a job on an agent.
type ExecutorKind string

const (
	ExecutorSubprocess ExecutorKind = "subprocess"
	ExecutorContainer  ExecutorKind = "container"
)

// ResourceLimits are the per-process ceilings enforced by the agent.
// Zero values mean unlimited.
type ResourceLimits struct {
	MaxMemoryBytes int64   `json:"max_memory_bytes,omitempty"`
	MaxCPUPercent  float64 `json:"max_cpu_percent,omitempty"`
	MaxOutputBytes int64   `json:"max_output_bytes,omitempty"`
}

// Job is the definition of repeatable work. Operators create and edit jobs;
// the leader reads them when materializing task instances.
type Job struct {
	ID             uuid.UUID
	Name           string
	Command        string
	Args           []string
	WorkDir        string
	Env            map[string]string
	Executor       ExecutorKind
	ContainerImage string
	Timeout        time.Duration
	MaxRetries     int
	RetryInterval  time.Duration
	Limits         ResourceLimits
	// Labels are the agent affinity requirements: every pair must be
	// present in an agent's label set for that agent to run the job.
	Labels          map[string]string
	Status          JobStatus
	NotifyOnFailure bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsEnabled reports whether the job may produce new task instances.
func (j *Job) IsEnabled() bool {
	return j.Status == JobStatusEnabled
}

// ScheduleKind discriminates how a schedule computes its next firing.
type ScheduleKind string

const (
	ScheduleKindCron       ScheduleKind = "cron"
	ScheduleKindInterval   ScheduleKind = "interval"
	ScheduleKindDependency ScheduleKind = "dependency"
)

// ScheduleStatus represents the lifecycle of a schedule.
type ScheduleStatus string

const (
	ScheduleStatusEnabled   ScheduleStatus = "enabled"
	ScheduleStatusDisabled  ScheduleStatus = "disabled"
	ScheduleStatusCompleted ScheduleStatus = "completed"
)

// Schedule binds a firing rule to a job. Only the leader's scan loop mutates
// next_fire_at and executed_count; agents never touch schedules.
type Schedule struct {
	ID       uuid.UUID
	JobID    uuid.UUID
	Name     string
	Kind     ScheduleKind
	CronExpr string
	// Timezone is the IANA zone name the cron expression is evaluated in.
	// Empty means the server's local clock.
	Timezone   string
	Interval   time.Duration
	FirstDelay time.Duration
	// ExecutionCount caps how many times an interval schedule fires.
	// Zero means unlimited.
	ExecutionCount int
	// DependsOn names the schedule whose completion fires this one.
	DependsOn     *uuid.UUID
	ValidFrom     *time.Time
	ValidUntil    *time.Time
	NextFireAt    *time.Time
	ExecutedCount int
	Status        ScheduleStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsDue reports whether the schedule should fire at the given time.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.Status == ScheduleStatusEnabled && s.NextFireAt != nil && !s.NextFireAt.After(now)
}

// InstanceStatus is the lifecycle state of one task instance.
// Instances move forward only: Pending -> Acquired -> Running -> terminal.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusAcquired  InstanceStatus = "acquired"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusSucceeded InstanceStatus = "succeeded"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
	InstanceStatusTimeout   InstanceStatus = "timeout"
	InstanceStatusKilled    InstanceStatus = "killed"
)

// IsTerminal returns true once no further transitions are allowed.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusSucceeded, InstanceStatusFailed, InstanceStatusCancelled,
		InstanceStatusTimeout, InstanceStatusKilled:
		return true
	}
	return false
}

// instanceTransitions lists the allowed source states per target state.
// Retry does not appear here: a retry creates a fresh pending row via the
// requeue path, it never moves a row backwards in place.
var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceStatusAcquired:  {InstanceStatusPending},
	InstanceStatusRunning:   {InstanceStatusAcquired},
	InstanceStatusSucceeded: {InstanceStatusRunning},
	InstanceStatusFailed:    {InstanceStatusAcquired, InstanceStatusRunning},
	InstanceStatusCancelled: {InstanceStatusPending, InstanceStatusAcquired, InstanceStatusRunning},
	InstanceStatusTimeout:   {InstanceStatusRunning},
	InstanceStatusKilled:    {InstanceStatusRunning},
}

// AllowedFrom returns the source states a transition to s accepts.
func (s InstanceStatus) AllowedFrom() []InstanceStatus {
	return instanceTransitions[s]
}

// ResourceMetrics captures what a finished process consumed.
type ResourceMetrics struct {
	PeakMemoryBytes int64   `json:"peak_memory_bytes,omitempty"`
	CPUPercent      float64 `json:"cpu_percent,omitempty"`
	DurationMs      int64   `json:"duration_ms,omitempty"`
}

// TaskInstance is one concrete attempt to run a job, created by the leader
// at fire time and handed to exactly one agent.
type TaskInstance struct {
	ID         uuid.UUID
	JobID      uuid.UUID
	ScheduleID *uuid.UUID
	AgentID    *uuid.UUID
	Status     InstanceStatus
	ScheduledAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExitCode    *int
	// Output holds inline captured stdout/stderr, possibly truncated.
	Output string
	// OutputRef is the archive object key when the full output was
	// offloaded to object storage.
	OutputRef    *string
	ErrorMessage *string
	Metrics      *ResourceMetrics
	RetryCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AcquirableTask pairs a pending instance with its job definition, as
// selected by the dispatcher for a polling agent.
type AcquirableTask struct {
	Instance TaskInstance
	Job      Job
}

// ArchivedOutput pairs an instance with its output archive key, as
// selected by the retention sweeper.
type ArchivedOutput struct {
	InstanceID uuid.UUID
	Key        string
}

// AgentStatus is the live connection state of an agent.
type AgentStatus string

const (
	AgentStatusConnected    AgentStatus = "connected"
	AgentStatusRegistered   AgentStatus = "registered"
	AgentStatusDraining     AgentStatus = "draining"
	AgentStatusDisconnected AgentStatus = "disconnected"
)

// Agent is the persisted identity of an execution agent. Created at
// registration, refreshed on every heartbeat.
type Agent struct {
	ID             uuid.UUID
	Name           string
	Address        string
	Labels         map[string]string
	MaxConcurrency int
	Status         AgentStatus
	LastHeartbeat  time.Time
	RegisteredAt   time.Time
	UpdatedAt      time.Time
}

// IsOnline reports whether the agent's heartbeat is fresher than the TTL.
// Draining agents are still online: they heartbeat and finish their work.
func (a *Agent) IsOnline(ttl time.Duration) bool {
	return a.Status != AgentStatusDisconnected && time.Since(a.LastHeartbeat) < ttl
}

// AcceptsWork reports whether the agent may be handed new tasks.
func (a *Agent) AcceptsWork() bool {
	return a.Status != AgentStatusDraining
}

// CanRun reports whether the agent's labels satisfy the job's requirements.
func (a *Agent) CanRun(job *Job) bool {
	for k, v := range job.Labels {
		if a.Labels[k] != v {
			return false
		}
	}
	return true
}

// Lock is the single leadership row per lock name. The revision is the
// fencing token: it strictly increases on every successful acquire/renew
// and survives release.
type Lock struct {
	Name      string
	HolderID  string
	Revision  int64
	ExpiresAt time.Time
}

// HeldBy reports whether holder currently owns an unexpired lock.
func (l *Lock) HeldBy(holder string, now time.Time) bool {
	return l.HolderID == holder && l.ExpiresAt.After(now)
}

// Pagination holds limit/offset parameters for list queries.
type Pagination struct {
	Limit  int
	Offset int
}

// DefaultPagination returns a Pagination with a sane page size.
func DefaultPagination() Pagination {
	return Pagination{Limit: 50, Offset: 0}
}

// Normalize clamps pagination values into valid ranges.
func (p Pagination) Normalize() Pagination {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 500 {
		p.Limit = 500
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
