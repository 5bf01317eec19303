package database

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LockRepository defines the interface for distributed lock operations.
type LockRepository interface {
	// TryAcquire attempts to acquire or renew the named lock for holderID.
	// knownRevision is the revision the caller was granted last time, or
	// zero on a first attempt. On success it returns true and the new
	// revision; on contention it returns false with the revision unchanged.
	TryAcquire(ctx context.Context, name, holderID string, knownRevision int64, ttl time.Duration) (bool, int64, error)

	// Release gives up the lock if holderID still owns it. Releasing a
	// lock held by someone else is a no-op.
	Release(ctx context.Context, name, holderID string) error

	// Get retrieves the current lock row.
	Get(ctx context.Context, name string) (*Lock, error)
}

// JobRepository defines the interface for job data operations.
type JobRepository interface {
	// Create creates a new job.
	Create(ctx context.Context, job *Job) error

	// Get retrieves a job by ID.
	Get(ctx context.Context, id uuid.UUID) (*Job, error)

	// GetByName retrieves a job by name.
	GetByName(ctx context.Context, name string) (*Job, error)

	// Update updates an existing job.
	Update(ctx context.Context, job *Job) error

	// Delete deletes a job by ID.
	Delete(ctx context.Context, id uuid.UUID) error

	// List returns jobs with pagination.
	List(ctx context.Context, page Pagination) ([]Job, error)

	// Count returns the total number of jobs.
	Count(ctx context.Context) (int64, error)
}

// ScheduleRepository defines the interface for schedule data operations.
type ScheduleRepository interface {
	// Create creates a new schedule.
	Create(ctx context.Context, schedule *Schedule) error

	// Get retrieves a schedule by ID.
	Get(ctx context.Context, id uuid.UUID) (*Schedule, error)

	// Update updates an existing schedule.
	Update(ctx context.Context, schedule *Schedule) error

	// Delete deletes a schedule by ID.
	Delete(ctx context.Context, id uuid.UUID) error

	// List returns schedules with pagination.
	List(ctx context.Context, page Pagination) ([]Schedule, error)

	// ListByJob returns schedules for a job.
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]Schedule, error)

	// ListDue returns enabled schedules due at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Schedule, error)

	// ApplyEvaluation persists the outcome of evaluating a schedule.
	ApplyEvaluation(ctx context.Context, id uuid.UUID, nextFireAt *time.Time, executedCount int, status ScheduleStatus) error

	// ListDependents returns enabled schedules that depend on the given one.
	ListDependents(ctx context.Context, scheduleID uuid.UUID) ([]Schedule, error)

	// SetStatus updates only the schedule's status.
	SetStatus(ctx context.Context, id uuid.UUID, status ScheduleStatus) error
}

// TaskInstanceRepository defines the interface for task instance data operations.
type TaskInstanceRepository interface {
	// Create creates a new task instance.
	Create(ctx context.Context, instance *TaskInstance) error

	// Get retrieves a task instance by ID.
	Get(ctx context.Context, id uuid.UUID) (*TaskInstance, error)

	// List returns task instances with pagination, newest first.
	List(ctx context.Context, page Pagination) ([]TaskInstance, error)

	// ListByJob returns task instances for a job.
	ListByJob(ctx context.Context, jobID uuid.UUID, page Pagination) ([]TaskInstance, error)

	// ListByStatus returns task instances with a specific status.
	ListByStatus(ctx context.Context, status InstanceStatus, page Pagination) ([]TaskInstance, error)

	// ListAcquirable returns due pending instances whose job labels are
	// satisfied by agentLabels, paired with their job definitions.
	ListAcquirable(ctx context.Context, agentLabels map[string]string, maxScheduledAt time.Time, limit int) ([]AcquirableTask, error)

	// Acquire claims a pending instance for an agent. Returns ErrNotFound
	// when the instance was already claimed or removed.
	Acquire(ctx context.Context, id uuid.UUID, agentID uuid.UUID) error

	// RequeueUndelivered returns acquired instances whose dispatch command
	// never reached the agent back to the pending pool.
	RequeueUndelivered(ctx context.Context, ids []uuid.UUID, agentID uuid.UUID) (int64, error)

	// Transition moves an instance to a new status, enforcing the
	// forward-only lifecycle. Returns ErrInvalidTransition when the
	// instance exists but its current status disallows the move.
	Transition(ctx context.Context, id uuid.UUID, to InstanceStatus) error

	// MarkStarted records that the agent launched the process.
	MarkStarted(ctx context.Context, id uuid.UUID, startedAt time.Time) error

	// Finish records a terminal outcome with its exit details.
	Finish(ctx context.Context, id uuid.UUID, status InstanceStatus, result FinishResult) error

	// StoreOutput stores captured output inline or as an archive reference.
	StoreOutput(ctx context.Context, id uuid.UUID, output string, outputRef *string) error

	// ListArchivedBefore returns archive references whose instances
	// completed before cutoff, oldest first.
	ListArchivedBefore(ctx context.Context, cutoff time.Time, limit int) ([]ArchivedOutput, error)

	// ClearOutputRef removes the archive reference after its object was
	// deleted from storage.
	ClearOutputRef(ctx context.Context, id uuid.UUID) error

	// ReleaseOrphaned requeues or fails instances bound to agents whose
	// heartbeat predates staleBefore. Returns the counts of requeued and
	// failed instances.
	ReleaseOrphaned(ctx context.Context, staleBefore time.Time) (requeued, failed int64, err error)

	// CountByStatus returns the count of instances grouped by status.
	CountByStatus(ctx context.Context) (map[InstanceStatus]int64, error)
}

// FinishResult holds the terminal details of one task instance attempt.
type FinishResult struct {
	ExitCode     *int
	ErrorMessage *string
	Metrics      *ResourceMetrics
	CompletedAt  time.Time
}

// AgentRepository defines the interface for agent data operations.
type AgentRepository interface {
	// Upsert registers an agent or refreshes its registration.
	Upsert(ctx context.Context, agent *Agent) error

	// Get retrieves an agent by ID.
	Get(ctx context.Context, id uuid.UUID) (*Agent, error)

	// GetByName retrieves an agent by name.
	GetByName(ctx context.Context, name string) (*Agent, error)

	// List returns agents with pagination.
	List(ctx context.Context, page Pagination) ([]Agent, error)

	// ListOnline returns agents whose heartbeat is fresher than ttl.
	ListOnline(ctx context.Context, ttl time.Duration) ([]Agent, error)

	// UpdateHeartbeat advances the agent's heartbeat and status. Stale
	// heartbeats older than the stored one are ignored.
	UpdateHeartbeat(ctx context.Context, id uuid.UUID, at time.Time, status AgentStatus) error

	// SetStatus updates only the agent's status.
	SetStatus(ctx context.Context, id uuid.UUID, status AgentStatus) error

	// MarkStaleDisconnected marks agents without a recent heartbeat as
	// disconnected and returns how many were affected.
	MarkStaleDisconnected(ctx context.Context, ttl time.Duration) (int64, error)

	// Delete deletes an agent.
	Delete(ctx context.Context, id uuid.UUID) error
}

// Repositories aggregates all repository interfaces.
type Repositories struct {
	Locks     LockRepository
	Jobs      JobRepository
	Schedules ScheduleRepository
	Instances TaskInstanceRepository
	Agents    AgentRepository
}

// NewRepositories creates all repository implementations backed by the given database.
func NewRepositories(db *DB) *Repositories {
	return &Repositories{
		Locks:     NewLockRepo(db),
		Jobs:      NewJobRepo(db),
		Schedules: NewScheduleRepo(db),
		Instances: NewInstanceRepo(db),
		Agents:    NewAgentRepo(db),
	}
}
