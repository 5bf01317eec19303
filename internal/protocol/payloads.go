package protocol

import (
	"time"

	"github.com/google/uuid"
)

// RegisterAgentPayload is the payload for register_agent events.
type RegisterAgentPayload struct {
	AgentID        uuid.UUID         `json:"agent_id"`
	Name           string            `json:"name"`
	Address        string            `json:"address,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	MaxConcurrency int               `json:"max_concurrency"`
	Version        string            `json:"version,omitempty"`
}

// HeartbeatPayload is the payload for heartbeat events.
type HeartbeatPayload struct {
	AgentID           uuid.UUID `json:"agent_id"`
	RunningTasks      int       `json:"running_tasks"`
	AvailableCapacity int       `json:"available_capacity"`
}

// AcquireTaskPayload is the payload for acquire_task events.
type AcquireTaskPayload struct {
	AgentID uuid.UUID `json:"agent_id"`
	// MaxTasks is the agent's total concurrency limit.
	MaxTasks int `json:"max_tasks"`
	// AcquireCount is how many tasks the agent wants right now.
	AcquireCount int               `json:"acquire_count"`
	Labels       map[string]string `json:"labels,omitempty"`
	// MaxScheduledAt bounds how far into the future dispatched work may
	// be scheduled.
	MaxScheduledAt time.Time `json:"max_scheduled_at"`
}

// MetricsPayload carries resource usage observed for a finished task.
type MetricsPayload struct {
	PeakMemoryBytes int64   `json:"peak_memory_bytes,omitempty"`
	CPUPercent      float64 `json:"cpu_percent,omitempty"`
	DurationMs      int64   `json:"duration_ms,omitempty"`
}

// TaskInstanceChangedPayload is the payload for task_instance_changed events.
type TaskInstanceChangedPayload struct {
	InstanceID   uuid.UUID       `json:"instance_id"`
	AgentID      uuid.UUID       `json:"agent_id"`
	Status       string          `json:"status"`
	ExitCode     *int            `json:"exit_code,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	Metrics      *MetricsPayload `json:"metrics,omitempty"`
	// Output is the captured tail of stdout/stderr, sent with terminal
	// transitions only.
	Output string `json:"output,omitempty"`
}

// LogMessagePayload is the payload for log_message events.
type LogMessagePayload struct {
	InstanceID uuid.UUID `json:"instance_id"`
	AgentID    uuid.UUID `json:"agent_id"`
	Sequence   int64     `json:"sequence"`
	Stream     string    `json:"stream"` // "stdout" or "stderr"
	Data       string    `json:"data"`
}

// AgentRegisteredPayload is the payload for agent_registered commands.
type AgentRegisteredPayload struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// TaskAcquiredPayload is the payload for task_acquired commands.
type TaskAcquiredPayload struct {
	Tasks []ScheduledTask `json:"tasks"`
}

// CancelTaskPayload is the payload for cancel_task commands.
type CancelTaskPayload struct {
	InstanceID uuid.UUID `json:"instance_id"`
	Reason     string    `json:"reason,omitempty"`
}

// ResourceLimitsSpec mirrors the job resource limits on the wire.
type ResourceLimitsSpec struct {
	MaxMemoryBytes int64   `json:"max_memory_bytes,omitempty"`
	MaxCPUPercent  float64 `json:"max_cpu_percent,omitempty"`
	MaxOutputBytes int64   `json:"max_output_bytes,omitempty"`
}

// JobSpec is the job snapshot shipped with a dispatched task. The agent
// runs exactly what the snapshot says even if the job definition changes
// while the task is in flight.
type JobSpec struct {
	ID             uuid.UUID          `json:"id"`
	Name           string             `json:"name"`
	Command        string             `json:"command"`
	Args           []string           `json:"args,omitempty"`
	WorkDir        string             `json:"work_dir,omitempty"`
	Env            map[string]string  `json:"env,omitempty"`
	Executor       string             `json:"executor"`
	ContainerImage string             `json:"container_image,omitempty"`
	TimeoutMs      int64              `json:"timeout_ms,omitempty"`
	Limits         ResourceLimitsSpec `json:"limits,omitempty"`
}

// ScheduledTask is the unit of work handed from dispatch to execution.
type ScheduledTask struct {
	TaskInstanceID uuid.UUID `json:"task_instance_id"`
	Job            JobSpec   `json:"job"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	RetryCount     int       `json:"retry_count,omitempty"`
}

// Timeout returns the job timeout as a duration, zero when unlimited.
func (s ScheduledTask) Timeout() time.Duration {
	return time.Duration(s.Job.TimeoutMs) * time.Millisecond
}
