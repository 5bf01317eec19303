package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// scheduleRepo implements ScheduleRepository.
type scheduleRepo struct {
	db *DB
}

// NewScheduleRepo creates a new schedule repository.
func NewScheduleRepo(db *DB) ScheduleRepository {
	return &scheduleRepo{db: db}
}

// Create creates a new schedule.
func (r *scheduleRepo) Create(ctx context.Context, schedule *Schedule) error {
	err := r.db.pool.QueryRow(ctx, ScheduleInsert,
		schedule.JobID,
		schedule.Name,
		schedule.Kind,
		schedule.CronExpr,
		schedule.Timezone,
		schedule.Interval.Milliseconds(),
		schedule.FirstDelay.Milliseconds(),
		schedule.ExecutionCount,
		schedule.DependsOn,
		schedule.ValidFrom,
		schedule.ValidUntil,
		schedule.NextFireAt,
		schedule.Status,
	).Scan(&schedule.ID, &schedule.CreatedAt, &schedule.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", WrapDBError(err))
	}
	return nil
}

// Get retrieves a schedule by ID.
func (r *scheduleRepo) Get(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	schedule, err := scanSchedule(r.db.pool.QueryRow(ctx, ScheduleGetByID, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return schedule, nil
}

// Update updates an existing schedule.
func (r *scheduleRepo) Update(ctx context.Context, schedule *Schedule) error {
	err := r.db.pool.QueryRow(ctx, ScheduleUpdate,
		schedule.ID,
		schedule.Name,
		schedule.Kind,
		schedule.CronExpr,
		schedule.Timezone,
		schedule.Interval.Milliseconds(),
		schedule.FirstDelay.Milliseconds(),
		schedule.ExecutionCount,
		schedule.DependsOn,
		schedule.ValidFrom,
		schedule.ValidUntil,
		schedule.NextFireAt,
		schedule.Status,
	).Scan(&schedule.UpdatedAt)

	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update schedule: %w", WrapDBError(err))
	}
	return nil
}

// Delete deletes a schedule by ID.
func (r *scheduleRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.pool.Exec(ctx, ScheduleDelete, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", WrapDBError(err))
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns schedules with pagination.
func (r *scheduleRepo) List(ctx context.Context, page Pagination) ([]Schedule, error) {
	page = page.Normalize()
	rows, err := r.db.pool.Query(ctx, ScheduleList, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	return scanSchedules(rows)
}

// ListByJob returns schedules for a job.
func (r *scheduleRepo) ListByJob(ctx context.Context, jobID uuid.UUID) ([]Schedule, error) {
	rows, err := r.db.pool.Query(ctx, ScheduleListByJob, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules by job: %w", err)
	}
	defer rows.Close()

	return scanSchedules(rows)
}

// ListDue returns enabled schedules due at or before now.
func (r *scheduleRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]Schedule, error) {
	rows, err := r.db.pool.Query(ctx, ScheduleListDue, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer rows.Close()

	return scanSchedules(rows)
}

// ApplyEvaluation persists the outcome of evaluating a schedule.
func (r *scheduleRepo) ApplyEvaluation(ctx context.Context, id uuid.UUID, nextFireAt *time.Time, executedCount int, status ScheduleStatus) error {
	var updatedAt time.Time
	err := r.db.pool.QueryRow(ctx, ScheduleApplyEvaluation, id, nextFireAt, executedCount, status).Scan(&updatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("failed to apply schedule evaluation: %w", err)
	}
	return nil
}

// ListDependents returns enabled schedules that depend on the given one.
func (r *scheduleRepo) ListDependents(ctx context.Context, scheduleID uuid.UUID) ([]Schedule, error) {
	rows, err := r.db.pool.Query(ctx, ScheduleListDependents, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependent schedules: %w", err)
	}
	defer rows.Close()

	return scanSchedules(rows)
}

// SetStatus updates only the schedule's status.
func (r *scheduleRepo) SetStatus(ctx context.Context, id uuid.UUID, status ScheduleStatus) error {
	result, err := r.db.pool.Exec(ctx, ScheduleSetStatus, id, status)
	if err != nil {
		return fmt.Errorf("failed to set schedule status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanSchedule scans one row into a schedule, converting the millisecond
// columns back into durations.
func scanSchedule(row pgx.Row) (*Schedule, error) {
	schedule := &Schedule{}
	var intervalMs, firstDelayMs int64
	err := row.Scan(
		&schedule.ID,
		&schedule.JobID,
		&schedule.Name,
		&schedule.Kind,
		&schedule.CronExpr,
		&schedule.Timezone,
		&intervalMs,
		&firstDelayMs,
		&schedule.ExecutionCount,
		&schedule.DependsOn,
		&schedule.ValidFrom,
		&schedule.ValidUntil,
		&schedule.NextFireAt,
		&schedule.ExecutedCount,
		&schedule.Status,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	schedule.Interval = time.Duration(intervalMs) * time.Millisecond
	schedule.FirstDelay = time.Duration(firstDelayMs) * time.Millisecond
	return schedule, nil
}

// scanSchedules scans rows into a slice of schedules.
func scanSchedules(rows pgx.Rows) ([]Schedule, error) {
	var schedules []Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, *schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}

	return schedules, nil
}
