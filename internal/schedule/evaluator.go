// Package schedule computes firing decisions for job schedules. Evaluation
// is pure: the caller persists the returned update and creates the task
// instance, so the policy here stays testable without storage.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dispatchd/dispatchd/internal/database"
)

// cronParser accepts the standard 5-field syntax plus descriptors
// (@daily, @every 1h, ...).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Update is the persistent outcome of one evaluation.
type Update struct {
	// Fire indicates a TaskInstance is created for this evaluation.
	Fire bool
	// NextFireAt is the next autonomous firing, nil when there is none.
	NextFireAt *time.Time
	// ExecutedCount is the executed-count to persist.
	ExecutedCount int
	// Status is the schedule status to persist.
	Status database.ScheduleStatus
}

// Evaluate decides what happens when a schedule fires at now. The scanner
// calls it for every enabled schedule whose next_fire_at has passed;
// dependency schedules are evaluated when the schedule they depend on
// completes. A cron parse failure is returned as an error and the caller
// leaves the schedule untouched.
func Evaluate(sched *database.Schedule, now time.Time) (*Update, error) {
	if sched.ValidUntil != nil && !now.Before(*sched.ValidUntil) {
		return &Update{
			ExecutedCount: sched.ExecutedCount,
			Status:        database.ScheduleStatusCompleted,
		}, nil
	}

	executed := sched.ExecutedCount + 1
	capped := sched.ExecutionCount > 0 && executed >= sched.ExecutionCount

	switch sched.Kind {
	case database.ScheduleKindInterval:
		if capped {
			return &Update{Fire: true, ExecutedCount: executed, Status: database.ScheduleStatusCompleted}, nil
		}
		// Advance from the scheduled time, not the evaluation time, so
		// firings do not drift under scan latency.
		base := now
		if sched.NextFireAt != nil {
			base = *sched.NextFireAt
		}
		next := base.Add(sched.Interval)
		return &Update{Fire: true, NextFireAt: &next, ExecutedCount: executed, Status: database.ScheduleStatusEnabled}, nil

	case database.ScheduleKindCron:
		if capped {
			return &Update{Fire: true, ExecutedCount: executed, Status: database.ScheduleStatusCompleted}, nil
		}
		next, err := cronNext(sched.CronExpr, sched.Timezone, now)
		if err != nil {
			return nil, err
		}
		return &Update{Fire: true, NextFireAt: &next, ExecutedCount: executed, Status: database.ScheduleStatusEnabled}, nil

	case database.ScheduleKindDependency:
		status := database.ScheduleStatusEnabled
		if capped {
			status = database.ScheduleStatusCompleted
		}
		return &Update{Fire: true, ExecutedCount: executed, Status: status}, nil

	default:
		return nil, fmt.Errorf("unknown schedule kind %q", sched.Kind)
	}
}

// FirstFireAt computes the initial next_fire_at for a newly created or
// re-enabled schedule. Dependency schedules return nil: they never fire
// autonomously.
func FirstFireAt(sched *database.Schedule, now time.Time) (*time.Time, error) {
	base := now
	if sched.ValidFrom != nil && sched.ValidFrom.After(now) {
		base = *sched.ValidFrom
	}

	switch sched.Kind {
	case database.ScheduleKindInterval:
		// The first-delay applies only before the first firing.
		var first time.Time
		if sched.FirstDelay > 0 {
			first = base.Add(sched.FirstDelay)
		} else {
			first = base.Add(sched.Interval)
		}
		return &first, nil

	case database.ScheduleKindCron:
		next, err := cronNext(sched.CronExpr, sched.Timezone, base)
		if err != nil {
			return nil, err
		}
		return &next, nil

	case database.ScheduleKindDependency:
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown schedule kind %q", sched.Kind)
	}
}

// Validate checks a schedule definition. Failures here are rejected at
// definition time and never reach the scan loop.
func Validate(sched *database.Schedule) error {
	switch sched.Kind {
	case database.ScheduleKindInterval:
		if sched.Interval <= 0 {
			return fmt.Errorf("interval schedule requires a positive interval")
		}
	case database.ScheduleKindCron:
		if _, err := cronNext(sched.CronExpr, sched.Timezone, time.Now()); err != nil {
			return err
		}
	case database.ScheduleKindDependency:
		if sched.DependsOn == nil {
			return fmt.Errorf("dependency schedule requires depends_on")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", sched.Kind)
	}

	if sched.ExecutionCount < 0 {
		return fmt.Errorf("execution count must not be negative")
	}
	if sched.ValidFrom != nil && sched.ValidUntil != nil && !sched.ValidUntil.After(*sched.ValidFrom) {
		return fmt.Errorf("valid_until must be after valid_from")
	}
	return nil
}

// cronNext returns the first firing strictly after the given time,
// evaluated in the schedule's timezone.
func cronNext(expr, timezone string, after time.Time) (time.Time, error) {
	if expr == "" {
		return time.Time{}, fmt.Errorf("cron expression is empty")
	}
	if timezone != "" {
		expr = "CRON_TZ=" + timezone + " " + expr
	}
	s, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse cron expression: %w", err)
	}
	next := s.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q has no future firing", expr)
	}
	return next, nil
}
