package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// instanceRepo implements TaskInstanceRepository.
type instanceRepo struct {
	db *DB
}

// NewInstanceRepo creates a new task instance repository.
func NewInstanceRepo(db *DB) TaskInstanceRepository {
	return &instanceRepo{db: db}
}

// Create creates a new task instance.
func (r *instanceRepo) Create(ctx context.Context, instance *TaskInstance) error {
	err := r.db.pool.QueryRow(ctx, InstanceInsert,
		instance.JobID,
		instance.ScheduleID,
		instance.Status,
		instance.ScheduledAt,
		instance.RetryCount,
	).Scan(&instance.ID, &instance.CreatedAt, &instance.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create task instance: %w", WrapDBError(err))
	}
	return nil
}

// Get retrieves a task instance by ID.
func (r *instanceRepo) Get(ctx context.Context, id uuid.UUID) (*TaskInstance, error) {
	instance, err := scanInstance(r.db.pool.QueryRow(ctx, InstanceGetByID, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task instance: %w", err)
	}
	return instance, nil
}

// List returns task instances with pagination, newest first.
func (r *instanceRepo) List(ctx context.Context, page Pagination) ([]TaskInstance, error) {
	page = page.Normalize()
	rows, err := r.db.pool.Query(ctx, InstanceList, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list task instances: %w", err)
	}
	defer rows.Close()

	return scanInstances(rows)
}

// ListByJob returns task instances for a job.
func (r *instanceRepo) ListByJob(ctx context.Context, jobID uuid.UUID, page Pagination) ([]TaskInstance, error) {
	page = page.Normalize()
	rows, err := r.db.pool.Query(ctx, InstanceListByJob, jobID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list task instances by job: %w", err)
	}
	defer rows.Close()

	return scanInstances(rows)
}

// ListByStatus returns task instances with a specific status.
func (r *instanceRepo) ListByStatus(ctx context.Context, status InstanceStatus, page Pagination) ([]TaskInstance, error) {
	page = page.Normalize()
	rows, err := r.db.pool.Query(ctx, InstanceListByStatus, status, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list task instances by status: %w", err)
	}
	defer rows.Close()

	return scanInstances(rows)
}

// ListAcquirable returns due pending instances whose job labels are
// satisfied by agentLabels, paired with their job definitions.
func (r *instanceRepo) ListAcquirable(ctx context.Context, agentLabels map[string]string, maxScheduledAt time.Time, limit int) ([]AcquirableTask, error) {
	// An agent without labels must still match unlabeled jobs, so nil
	// has to encode as an empty JSON object rather than NULL.
	if agentLabels == nil {
		agentLabels = map[string]string{}
	}

	rows, err := r.db.pool.Query(ctx, InstanceListAcquirable, maxScheduledAt, agentLabels, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list acquirable tasks: %w", err)
	}
	defer rows.Close()

	var tasks []AcquirableTask
	for rows.Next() {
		var t AcquirableTask
		var timeoutMs, retryIntervalMs int64
		err := rows.Scan(
			&t.Instance.ID,
			&t.Instance.JobID,
			&t.Instance.ScheduleID,
			&t.Instance.AgentID,
			&t.Instance.Status,
			&t.Instance.ScheduledAt,
			&t.Instance.StartedAt,
			&t.Instance.CompletedAt,
			&t.Instance.ExitCode,
			&t.Instance.Output,
			&t.Instance.OutputRef,
			&t.Instance.ErrorMessage,
			&t.Instance.Metrics,
			&t.Instance.RetryCount,
			&t.Instance.CreatedAt,
			&t.Instance.UpdatedAt,
			&t.Job.ID,
			&t.Job.Name,
			&t.Job.Command,
			&t.Job.Args,
			&t.Job.WorkDir,
			&t.Job.Env,
			&t.Job.Executor,
			&t.Job.ContainerImage,
			&timeoutMs,
			&t.Job.MaxRetries,
			&retryIntervalMs,
			&t.Job.Limits,
			&t.Job.Labels,
			&t.Job.Status,
			&t.Job.NotifyOnFailure,
			&t.Job.CreatedAt,
			&t.Job.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan acquirable task: %w", err)
		}
		t.Job.Timeout = time.Duration(timeoutMs) * time.Millisecond
		t.Job.RetryInterval = time.Duration(retryIntervalMs) * time.Millisecond
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating acquirable tasks: %w", err)
	}

	return tasks, nil
}

// Acquire claims a pending instance for an agent. The conditional update
// means concurrent claims settle on the database server: losers see zero
// rows and get ErrNotFound.
func (r *instanceRepo) Acquire(ctx context.Context, id uuid.UUID, agentID uuid.UUID) error {
	result, err := r.db.pool.Exec(ctx, InstanceAcquire, id, agentID)
	if err != nil {
		return fmt.Errorf("failed to acquire task instance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueUndelivered returns acquired instances whose dispatch command never
// reached the agent back to the pending pool. The agent binding guard keeps
// a row re-acquired by someone else in the meantime out of the update.
func (r *instanceRepo) RequeueUndelivered(ctx context.Context, ids []uuid.UUID, agentID uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := r.db.pool.Exec(ctx, InstanceRequeueUndelivered, ids, agentID)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue undelivered instances: %w", err)
	}
	return result.RowsAffected(), nil
}

// Transition moves an instance to a new status, enforcing the forward-only
// lifecycle.
func (r *instanceRepo) Transition(ctx context.Context, id uuid.UUID, to InstanceStatus) error {
	allowed := to.AllowedFrom()
	if len(allowed) == 0 {
		return fmt.Errorf("no transition into status %q: %w", to, ErrInvalidTransition)
	}

	result, err := r.db.pool.Exec(ctx, InstanceTransition, id, to, statusStrings(allowed))
	if err != nil {
		return fmt.Errorf("failed to transition task instance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.transitionRefused(ctx, id)
	}
	return nil
}

// MarkStarted records that the agent launched the process.
func (r *instanceRepo) MarkStarted(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	result, err := r.db.pool.Exec(ctx, InstanceMarkStarted, id, startedAt)
	if err != nil {
		return fmt.Errorf("failed to mark task instance started: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.transitionRefused(ctx, id)
	}
	return nil
}

// Finish records a terminal outcome with its exit details.
func (r *instanceRepo) Finish(ctx context.Context, id uuid.UUID, status InstanceStatus, res FinishResult) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish requires a terminal status, got %q: %w", status, ErrInvalidTransition)
	}

	result, err := r.db.pool.Exec(ctx, InstanceFinish,
		id,
		status,
		res.ExitCode,
		res.ErrorMessage,
		res.Metrics,
		res.CompletedAt,
		statusStrings(status.AllowedFrom()),
	)
	if err != nil {
		return fmt.Errorf("failed to finish task instance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.transitionRefused(ctx, id)
	}
	return nil
}

// transitionRefused distinguishes a missing instance from one whose
// current status disallowed the update.
func (r *instanceRepo) transitionRefused(ctx context.Context, id uuid.UUID) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// StoreOutput stores captured output inline or as an archive reference.
func (r *instanceRepo) StoreOutput(ctx context.Context, id uuid.UUID, output string, outputRef *string) error {
	result, err := r.db.pool.Exec(ctx, InstanceStoreOutput, id, output, outputRef)
	if err != nil {
		return fmt.Errorf("failed to store task instance output: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListArchivedBefore returns archive references whose instances completed
// before cutoff, oldest first.
func (r *instanceRepo) ListArchivedBefore(ctx context.Context, cutoff time.Time, limit int) ([]ArchivedOutput, error) {
	rows, err := r.db.pool.Query(ctx, InstanceListArchivedBefore, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived outputs: %w", err)
	}
	defer rows.Close()

	var refs []ArchivedOutput
	for rows.Next() {
		var ref ArchivedOutput
		if err := rows.Scan(&ref.InstanceID, &ref.Key); err != nil {
			return nil, fmt.Errorf("failed to scan archived output: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archived outputs: %w", err)
	}
	return refs, nil
}

// ClearOutputRef removes the archive reference after its object was
// deleted from storage.
func (r *instanceRepo) ClearOutputRef(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.pool.Exec(ctx, InstanceClearOutputRef, id)
	if err != nil {
		return fmt.Errorf("failed to clear output reference: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseOrphaned requeues or fails instances bound to agents whose
// heartbeat predates staleBefore. Both statements run in one transaction
// so an instance is requeued or failed, never both.
func (r *instanceRepo) ReleaseOrphaned(ctx context.Context, staleBefore time.Time) (int64, int64, error) {
	var requeued, failed int64
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, InstanceRequeueOrphaned, staleBefore)
		if err != nil {
			return fmt.Errorf("failed to requeue orphaned instances: %w", err)
		}
		requeued = tag.RowsAffected()

		tag, err = tx.Exec(ctx, InstanceFailOrphaned, staleBefore)
		if err != nil {
			return fmt.Errorf("failed to fail orphaned instances: %w", err)
		}
		failed = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return requeued, failed, nil
}

// CountByStatus returns the count of instances grouped by status.
func (r *instanceRepo) CountByStatus(ctx context.Context) (map[InstanceStatus]int64, error) {
	rows, err := r.db.pool.Query(ctx, InstanceCountByStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to count task instances by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[InstanceStatus]int64)
	for rows.Next() {
		var status InstanceStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan instance count: %w", err)
		}
		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instance counts: %w", err)
	}

	return counts, nil
}

// statusStrings converts statuses for use with ANY() parameters.
func statusStrings(statuses []InstanceStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// scanInstance scans one row into a task instance.
func scanInstance(row pgx.Row) (*TaskInstance, error) {
	instance := &TaskInstance{}
	err := row.Scan(
		&instance.ID,
		&instance.JobID,
		&instance.ScheduleID,
		&instance.AgentID,
		&instance.Status,
		&instance.ScheduledAt,
		&instance.StartedAt,
		&instance.CompletedAt,
		&instance.ExitCode,
		&instance.Output,
		&instance.OutputRef,
		&instance.ErrorMessage,
		&instance.Metrics,
		&instance.RetryCount,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// scanInstances scans rows into a slice of task instances.
func scanInstances(rows pgx.Rows) ([]TaskInstance, error) {
	var instances []TaskInstance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task instance: %w", err)
		}
		instances = append(instances, *instance)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task instances: %w", err)
	}

	return instances, nil
}
