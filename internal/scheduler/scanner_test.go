package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/database"
)

func TestScanner_ScanOnce(t *testing.T) {
	ctx := context.Background()
	cfg := ScannerConfig{
		ScanInterval:    time.Second,
		JanitorInterval: time.Minute,
		BatchSize:       10,
		AgentTTL:        time.Minute,
	}

	jobID := uuid.New()
	job := &database.Job{
		ID:      jobID,
		Name:    "nightly-report",
		Command: "generate-report",
		Status:  database.JobStatusEnabled,
	}

	newDue := func(fireAt time.Time) database.Schedule {
		return database.Schedule{
			ID:         uuid.New(),
			JobID:      jobID,
			Name:       "nightly",
			Kind:       database.ScheduleKindInterval,
			Interval:   time.Minute,
			NextFireAt: &fireAt,
			Status:     database.ScheduleStatusEnabled,
		}
	}

	t.Run("follower does nothing", func(t *testing.T) {
		schedules := new(MockScheduleRepo)
		s := NewScanner(schedules, new(MockJobRepo), new(MockInstanceRepo), new(MockAgentRepo), stubLeadership(false), nil, cfg)

		require.NoError(t, s.ScanOnce(ctx))
		schedules.AssertExpectations(t)
	})

	t.Run("fires due interval schedule", func(t *testing.T) {
		schedules := new(MockScheduleRepo)
		jobs := new(MockJobRepo)
		instances := new(MockInstanceRepo)

		fireAt := time.Now().Add(-30 * time.Second)
		sched := newDue(fireAt)
		wantNext := fireAt.Add(sched.Interval)

		schedules.On("ListDue", ctx, mock.AnythingOfType("time.Time"), cfg.BatchSize).
			Return([]database.Schedule{sched}, nil)
		schedules.On("ApplyEvaluation", ctx, sched.ID, &wantNext, 1, database.ScheduleStatusEnabled).Return(nil)
		jobs.On("Get", ctx, jobID).Return(job, nil)

		var created *database.TaskInstance
		instances.On("Create", ctx, mock.AnythingOfType("*database.TaskInstance")).
			Run(func(args mock.Arguments) { created = args.Get(1).(*database.TaskInstance) }).
			Return(nil)

		s := NewScanner(schedules, jobs, instances, new(MockAgentRepo), stubLeadership(true), nil, cfg)

		require.NoError(t, s.ScanOnce(ctx))

		require.NotNil(t, created)
		assert.Equal(t, jobID, created.JobID)
		require.NotNil(t, created.ScheduleID)
		assert.Equal(t, sched.ID, *created.ScheduleID)
		assert.Equal(t, database.InstanceStatusPending, created.Status)
		assert.True(t, created.ScheduledAt.Equal(fireAt), "instance keeps the schedule's fire time")

		schedules.AssertExpectations(t)
		jobs.AssertExpectations(t)
		instances.AssertExpectations(t)
	})

	t.Run("advances schedule without materializing for disabled job", func(t *testing.T) {
		schedules := new(MockScheduleRepo)
		jobs := new(MockJobRepo)
		instances := new(MockInstanceRepo)

		fireAt := time.Now().Add(-time.Second)
		sched := newDue(fireAt)
		wantNext := fireAt.Add(sched.Interval)

		disabled := *job
		disabled.Status = database.JobStatusDisabled

		schedules.On("ListDue", ctx, mock.AnythingOfType("time.Time"), cfg.BatchSize).
			Return([]database.Schedule{sched}, nil)
		schedules.On("ApplyEvaluation", ctx, sched.ID, &wantNext, 1, database.ScheduleStatusEnabled).Return(nil)
		jobs.On("Get", ctx, jobID).Return(&disabled, nil)

		s := NewScanner(schedules, jobs, instances, new(MockAgentRepo), stubLeadership(true), nil, cfg)

		require.NoError(t, s.ScanOnce(ctx))

		schedules.AssertExpectations(t)
		jobs.AssertExpectations(t)
		instances.AssertExpectations(t)
	})

	t.Run("continues after one schedule fails", func(t *testing.T) {
		schedules := new(MockScheduleRepo)
		jobs := new(MockJobRepo)
		instances := new(MockInstanceRepo)

		fireAt := time.Now().Add(-time.Second)
		broken := newDue(fireAt)
		healthy := newDue(fireAt)
		wantNext := fireAt.Add(healthy.Interval)

		schedules.On("ListDue", ctx, mock.AnythingOfType("time.Time"), cfg.BatchSize).
			Return([]database.Schedule{broken, healthy}, nil)
		schedules.On("ApplyEvaluation", ctx, broken.ID, &wantNext, 1, database.ScheduleStatusEnabled).
			Return(errors.New("connection reset"))
		schedules.On("ApplyEvaluation", ctx, healthy.ID, &wantNext, 1, database.ScheduleStatusEnabled).Return(nil)
		jobs.On("Get", ctx, jobID).Return(job, nil)
		instances.On("Create", ctx, mock.AnythingOfType("*database.TaskInstance")).Return(nil).Once()

		s := NewScanner(schedules, jobs, instances, new(MockAgentRepo), stubLeadership(true), nil, cfg)

		require.NoError(t, s.ScanOnce(ctx))

		schedules.AssertExpectations(t)
		instances.AssertExpectations(t)
		instances.AssertNumberOfCalls(t, "Create", 1)
	})

	t.Run("returns error when listing fails", func(t *testing.T) {
		schedules := new(MockScheduleRepo)
		schedules.On("ListDue", ctx, mock.AnythingOfType("time.Time"), cfg.BatchSize).
			Return(nil, errors.New("connection refused"))

		s := NewScanner(schedules, new(MockJobRepo), new(MockInstanceRepo), new(MockAgentRepo), stubLeadership(true), nil, cfg)

		err := s.ScanOnce(ctx)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to list due schedules")

		schedules.AssertExpectations(t)
	})
}

func TestScanner_JanitorOnce(t *testing.T) {
	ctx := context.Background()
	cfg := ScannerConfig{
		ScanInterval:    time.Second,
		JanitorInterval: time.Minute,
		BatchSize:       10,
		AgentTTL:        time.Minute,
	}

	t.Run("follower does nothing", func(t *testing.T) {
		instances := new(MockInstanceRepo)
		s := NewScanner(new(MockScheduleRepo), new(MockJobRepo), instances, new(MockAgentRepo), stubLeadership(false), nil, cfg)

		require.NoError(t, s.JanitorOnce(ctx))
		instances.AssertExpectations(t)
	})

	t.Run("releases orphans and marks stale agents", func(t *testing.T) {
		instances := new(MockInstanceRepo)
		agents := new(MockAgentRepo)

		instances.On("ReleaseOrphaned", ctx, mock.MatchedBy(func(staleBefore time.Time) bool {
			age := time.Since(staleBefore)
			return age >= cfg.AgentTTL && age < cfg.AgentTTL+time.Second
		})).Return(int64(2), int64(1), nil)
		agents.On("MarkStaleDisconnected", ctx, cfg.AgentTTL).Return(int64(1), nil)

		s := NewScanner(new(MockScheduleRepo), new(MockJobRepo), instances, agents, stubLeadership(true), nil, cfg)

		require.NoError(t, s.JanitorOnce(ctx))

		instances.AssertExpectations(t)
		agents.AssertExpectations(t)
	})

	t.Run("returns error when release fails", func(t *testing.T) {
		instances := new(MockInstanceRepo)
		instances.On("ReleaseOrphaned", ctx, mock.AnythingOfType("time.Time")).
			Return(int64(0), int64(0), errors.New("deadlock detected"))

		s := NewScanner(new(MockScheduleRepo), new(MockJobRepo), instances, new(MockAgentRepo), stubLeadership(true), nil, cfg)

		err := s.JanitorOnce(ctx)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to release orphaned instances")

		instances.AssertExpectations(t)
	})
}
