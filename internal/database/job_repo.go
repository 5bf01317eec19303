package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// jobRepo implements JobRepository.
type jobRepo struct {
	db *DB
}

// NewJobRepo creates a new job repository.
func NewJobRepo(db *DB) JobRepository {
	return &jobRepo{db: db}
}

// Create creates a new job.
func (r *jobRepo) Create(ctx context.Context, job *Job) error {
	normalizeJob(job)
	err := r.db.pool.QueryRow(ctx, JobInsert,
		job.Name,
		job.Command,
		job.Args,
		job.WorkDir,
		job.Env,
		job.Executor,
		job.ContainerImage,
		job.Timeout.Milliseconds(),
		job.MaxRetries,
		job.RetryInterval.Milliseconds(),
		job.Limits,
		job.Labels,
		job.Status,
		job.NotifyOnFailure,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", WrapDBError(err))
	}
	return nil
}

// Get retrieves a job by ID.
func (r *jobRepo) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	job, err := scanJob(r.db.pool.QueryRow(ctx, JobGetByID, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// GetByName retrieves a job by name.
func (r *jobRepo) GetByName(ctx context.Context, name string) (*Job, error) {
	job, err := scanJob(r.db.pool.QueryRow(ctx, JobGetByName, name))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job by name: %w", err)
	}
	return job, nil
}

// Update updates an existing job.
func (r *jobRepo) Update(ctx context.Context, job *Job) error {
	normalizeJob(job)
	err := r.db.pool.QueryRow(ctx, JobUpdate,
		job.ID,
		job.Name,
		job.Command,
		job.Args,
		job.WorkDir,
		job.Env,
		job.Executor,
		job.ContainerImage,
		job.Timeout.Milliseconds(),
		job.MaxRetries,
		job.RetryInterval.Milliseconds(),
		job.Limits,
		job.Labels,
		job.Status,
		job.NotifyOnFailure,
	).Scan(&job.UpdatedAt)

	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update job: %w", WrapDBError(err))
	}
	return nil
}

// Delete deletes a job by ID.
func (r *jobRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.pool.Exec(ctx, JobDelete, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", WrapDBError(err))
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns jobs with pagination.
func (r *jobRepo) List(ctx context.Context, page Pagination) ([]Job, error) {
	page = page.Normalize()
	rows, err := r.db.pool.Query(ctx, JobList, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// Count returns the total number of jobs.
func (r *jobRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.pool.QueryRow(ctx, JobCount).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

// normalizeJob replaces nil collections with empty ones so the JSONB
// columns never receive SQL NULL.
func normalizeJob(job *Job) {
	if job.Args == nil {
		job.Args = []string{}
	}
	if job.Env == nil {
		job.Env = map[string]string{}
	}
	if job.Labels == nil {
		job.Labels = map[string]string{}
	}
}

// scanJob scans one row into a job, converting the millisecond columns
// back into durations.
func scanJob(row pgx.Row) (*Job, error) {
	job := &Job{}
	var timeoutMs, retryIntervalMs int64
	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Command,
		&job.Args,
		&job.WorkDir,
		&job.Env,
		&job.Executor,
		&job.ContainerImage,
		&timeoutMs,
		&job.MaxRetries,
		&retryIntervalMs,
		&job.Limits,
		&job.Labels,
		&job.Status,
		&job.NotifyOnFailure,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Timeout = time.Duration(timeoutMs) * time.Millisecond
	job.RetryInterval = time.Duration(retryIntervalMs) * time.Millisecond
	return job, nil
}

// scanJobs scans rows into a slice of jobs.
func scanJobs(rows pgx.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}
