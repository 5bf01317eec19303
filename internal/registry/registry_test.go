package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/database"
)

// MockJobRepo is a mock implementation of database.JobRepository.
type MockJobRepo struct {
	mock.Mock
}

func (m *MockJobRepo) Create(ctx context.Context, job *database.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *MockJobRepo) Get(ctx context.Context, id uuid.UUID) (*database.Job, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.Job), args.Error(1)
}

func (m *MockJobRepo) GetByName(ctx context.Context, name string) (*database.Job, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.Job), args.Error(1)
}

func (m *MockJobRepo) Update(ctx context.Context, job *database.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *MockJobRepo) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockJobRepo) List(ctx context.Context, page database.Pagination) ([]database.Job, error) {
	args := m.Called(ctx, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.Job), args.Error(1)
}

func (m *MockJobRepo) Count(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// MockScheduleRepo is a mock implementation of database.ScheduleRepository.
type MockScheduleRepo struct {
	mock.Mock
}

func (m *MockScheduleRepo) Create(ctx context.Context, schedule *database.Schedule) error {
	args := m.Called(ctx, schedule)
	return args.Error(0)
}

func (m *MockScheduleRepo) Get(ctx context.Context, id uuid.UUID) (*database.Schedule, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.Schedule), args.Error(1)
}

func (m *MockScheduleRepo) Update(ctx context.Context, schedule *database.Schedule) error {
	args := m.Called(ctx, schedule)
	return args.Error(0)
}

func (m *MockScheduleRepo) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockScheduleRepo) List(ctx context.Context, page database.Pagination) ([]database.Schedule, error) {
	args := m.Called(ctx, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.Schedule), args.Error(1)
}

func (m *MockScheduleRepo) ListByJob(ctx context.Context, jobID uuid.UUID) ([]database.Schedule, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.Schedule), args.Error(1)
}

func (m *MockScheduleRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]database.Schedule, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.Schedule), args.Error(1)
}

func (m *MockScheduleRepo) ApplyEvaluation(ctx context.Context, id uuid.UUID, nextFireAt *time.Time, executedCount int, status database.ScheduleStatus) error {
	args := m.Called(ctx, id, nextFireAt, executedCount, status)
	return args.Error(0)
}

func (m *MockScheduleRepo) ListDependents(ctx context.Context, scheduleID uuid.UUID) ([]database.Schedule, error) {
	args := m.Called(ctx, scheduleID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.Schedule), args.Error(1)
}

func (m *MockScheduleRepo) SetStatus(ctx context.Context, id uuid.UUID, status database.ScheduleStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func TestSyncManifest_CreatesJobAndSchedules(t *testing.T) {
	jobs := new(MockJobRepo)
	schedules := new(MockScheduleRepo)
	reg := NewRegistry(jobs, schedules, nil)

	jobID := uuid.New()
	now := time.Now()

	jobs.On("GetByName", mock.Anything, "reports").Return(nil, database.ErrNotFound)
	jobs.On("Create", mock.Anything, mock.AnythingOfType("*database.Job")).Run(func(args mock.Arguments) {
		job := args.Get(1).(*database.Job)
		assert.Equal(t, database.JobStatusEnabled, job.Status)
		assert.Equal(t, 5*time.Minute, job.Timeout)
		job.ID = jobID
	}).Return(nil)

	schedules.On("ListByJob", mock.Anything, jobID).Return([]database.Schedule{}, nil)
	schedules.On("Create", mock.Anything, mock.AnythingOfType("*database.Schedule")).Run(func(args mock.Arguments) {
		sched := args.Get(1).(*database.Schedule)
		assert.Equal(t, jobID, sched.JobID)
		assert.Equal(t, database.ScheduleKindCron, sched.Kind)
		require.NotNil(t, sched.NextFireAt)
		assert.True(t, sched.NextFireAt.After(now))
		sched.ID = uuid.New()
	}).Return(nil)

	m := &Manifest{
		Version: "1",
		Jobs: []JobDefinition{{
			Name:           "reports",
			Executor:       "subprocess",
			Command:        "/bin/report",
			TimeoutSeconds: 300,
			Schedules: []ScheduleDefinition{{
				Name: "reports-nightly",
				Kind: "cron",
				Cron: "0 2 * * *",
			}},
		}},
	}

	result, err := reg.SyncManifest(context.Background(), m)
	require.NoError(t, err)

	assert.Equal(t, 1, result.JobsCreated)
	assert.Equal(t, 1, result.SchedulesCreated)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{"reports"}, result.ManagedJobs)
	jobs.AssertExpectations(t)
	schedules.AssertExpectations(t)
}

func TestSyncManifest_UpdatesChangedJob(t *testing.T) {
	jobs := new(MockJobRepo)
	schedules := new(MockScheduleRepo)
	reg := NewRegistry(jobs, schedules, nil)

	jobID := uuid.New()
	created := time.Now().Add(-72 * time.Hour)

	jobs.On("GetByName", mock.Anything, "reports").Return(&database.Job{
		ID:        jobID,
		Name:      "reports",
		Command:   "/bin/report-v1",
		Executor:  database.ExecutorSubprocess,
		Status:    database.JobStatusEnabled,
		CreatedAt: created,
		UpdatedAt: created,
	}, nil)
	jobs.On("Update", mock.Anything, mock.AnythingOfType("*database.Job")).Run(func(args mock.Arguments) {
		job := args.Get(1).(*database.Job)
		assert.Equal(t, jobID, job.ID)
		assert.Equal(t, "/bin/report-v2", job.Command)
		// The creation time survives the update.
		assert.True(t, job.CreatedAt.Equal(created))
	}).Return(nil)
	schedules.On("ListByJob", mock.Anything, jobID).Return([]database.Schedule{}, nil)

	m := &Manifest{
		Version: "1",
		Jobs: []JobDefinition{{
			Name:     "reports",
			Executor: "subprocess",
			Command:  "/bin/report-v2",
		}},
	}

	result, err := reg.SyncManifest(context.Background(), m)
	require.NoError(t, err)

	assert.Equal(t, 0, result.JobsCreated)
	assert.Equal(t, 1, result.JobsUpdated)
	jobs.AssertExpectations(t)
}

func TestSyncManifest_UnchangedIsNoOp(t *testing.T) {
	jobs := new(MockJobRepo)
	schedules := new(MockScheduleRepo)
	reg := NewRegistry(jobs, schedules, nil)

	jobID := uuid.New()
	schedID := uuid.New()
	next := time.Now().Add(2 * time.Hour)

	jobs.On("GetByName", mock.Anything, "reports").Return(&database.Job{
		ID:       jobID,
		Name:     "reports",
		Command:  "/bin/report",
		Executor: database.ExecutorSubprocess,
		Status:   database.JobStatusEnabled,
	}, nil)
	schedules.On("ListByJob", mock.Anything, jobID).Return([]database.Schedule{{
		ID:         schedID,
		JobID:      jobID,
		Name:       "reports-nightly",
		Kind:       database.ScheduleKindCron,
		CronExpr:   "0 2 * * *",
		Status:     database.ScheduleStatusEnabled,
		NextFireAt: &next,
	}}, nil)

	m := &Manifest{
		Version: "1",
		Jobs: []JobDefinition{{
			Name:     "reports",
			Executor: "subprocess",
			Command:  "/bin/report",
			Schedules: []ScheduleDefinition{{
				Name: "reports-nightly",
				Kind: "cron",
				Cron: "0 2 * * *",
			}},
		}},
	}

	// A periodic re-sync of an unchanged file touches nothing, so the
	// stored next firing keeps its cadence.
	result, err := reg.SyncManifest(context.Background(), m)
	require.NoError(t, err)

	assert.Equal(t, 0, result.JobsCreated)
	assert.Equal(t, 0, result.JobsUpdated)
	assert.Equal(t, 0, result.SchedulesCreated)
	assert.Equal(t, 0, result.SchedulesUpdated)
	assert.Equal(t, 0, result.SchedulesRemoved)
	jobs.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
	schedules.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
	schedules.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	schedules.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestSyncManifest_RuleChangeRecomputesNextFire(t *testing.T) {
	jobs := new(MockJobRepo)
	schedules := new(MockScheduleRepo)
	reg := NewRegistry(jobs, schedules, nil)

	jobID := uuid.New()
	schedID := uuid.New()
	stale := time.Now().Add(-48 * time.Hour)

	jobs.On("GetByName", mock.Anything, "reports").Return(&database.Job{
		ID:       jobID,
		Name:     "reports",
		Command:  "/bin/report",
		Executor: database.ExecutorSubprocess,
		Status:   database.JobStatusEnabled,
	}, nil)
	schedules.On("ListByJob", mock.Anything, jobID).Return([]database.Schedule{{
		ID:         schedID,
		JobID:      jobID,
		Name:       "reports-nightly",
		Kind:       database.ScheduleKindCron,
		CronExpr:   "0 2 * * *",
		Status:     database.ScheduleStatusEnabled,
		NextFireAt: &stale,
	}}, nil)
	schedules.On("Update", mock.Anything, mock.AnythingOfType("*database.Schedule")).Run(func(args mock.Arguments) {
		sched := args.Get(1).(*database.Schedule)
		assert.Equal(t, schedID, sched.ID)
		assert.Equal(t, "0 3 * * *", sched.CronExpr)
		// Recomputed from now, not carried over from the stale stored value.
		require.NotNil(t, sched.NextFireAt)
		assert.True(t, sched.NextFireAt.After(time.Now()))
	}).Return(nil)

	m := &Manifest{
		Version: "1",
		Jobs: []JobDefinition{{
			Name:     "reports",
			Executor: "subprocess",
			Command:  "/bin/report",
			Schedules: []ScheduleDefinition{{
				Name: "reports-nightly",
				Kind: "cron",
				Cron: "0 3 * * *",
			}},
		}},
	}

	result, err := reg.SyncManifest(context.Background(), m)
	require.NoError(t, err)

	assert.Equal(t, 1, result.SchedulesUpdated)
	schedules.AssertExpectations(t)
}

func TestSyncManifest_ReEnableRecomputesNextFire(t *testing.T) {
	jobs := new(MockJobRepo)
	schedules := new(MockScheduleRepo)
	reg := NewRegistry(jobs, schedules, nil)

	jobID := uuid.New()
	schedID := uuid.New()
	stale := time.Now().Add(-24 * time.Hour)

	jobs.On("GetByName", mock.Anything, "reports").Return(&database.Job{
		ID:       jobID,
		Name:     "reports",
		Command:  "/bin/report",
		Executor: database.ExecutorSubprocess,
		Status:   database.JobStatusEnabled,
	}, nil)
	schedules.On("ListByJob", mock.Anything, jobID).Return([]database.Schedule{{
		ID:         schedID,
		JobID:      jobID,
		Name:       "reports-nightly",
		Kind:       database.ScheduleKindCron,
		CronExpr:   "0 2 * * *",
		Status:     database.ScheduleStatusDisabled,
		NextFireAt: &stale,
	}}, nil)
	schedules.On("Update", mock.Anything, mock.AnythingOfType("*database.Schedule")).Run(func(args mock.Arguments) {
		sched := args.Get(1).(*database.Schedule)
		assert.Equal(t, database.ScheduleStatusEnabled, sched.Status)
		// Re-enabling with a next firing still in the past would replay a
		// backlog, so it is recomputed from now.
		require.NotNil(t, sched.NextFireAt)
		assert.True(t, sched.NextFireAt.After(time.Now()))
	}).Return(nil)

	m := &Manifest{
		Version: "1",
		Jobs: []JobDefinition{{
			Name:     "reports",
			Executor: "subprocess",
			Command:  "/bin/report",
			Schedules: []ScheduleDefinition{{
				Name: "reports-nightly",
				Kind: "cron",
				Cron: "0 2 * * *",
			}},
		}},
	}

	result, err := reg.SyncManifest(context.Background(), m)
	require.NoError(t, err)

	assert.Equal(t, 1, result.SchedulesUpdated)
	schedules.AssertExpectations(t)
}

func TestSyncManifest_DisableSchedulePreservesNextFire(t *testing.T) {
	jobs := new(MockJobRepo)
	schedules := new(MockScheduleRepo)
	reg := NewRegistry(jobs, schedules, nil)

	jobID := uuid.New()
	schedID := uuid.New()
	next := time.Now().Add(6 * time.Hour)

	jobs.On("GetByName", mock.Anything, "reports").Return(&database.Job{
		ID:       jobID,
		Name:     "reports",
		Command:  "/bin/report",
		Executor: database.ExecutorSubprocess,
		Status:   database.JobStatusEnabled,
	}, nil)
	schedules.On("ListByJob", mock.Anything, jobID).Return([]database.Schedule{{
		ID:         schedID,
		JobID:      jobID,
		Name:       "reports-nightly",
		Kind:       database.ScheduleKindCron,
		CronExpr:   "0 2 * * *",
		Status:     database.ScheduleStatusEnabled,
		NextFireAt: &next,
	}}, nil)
	schedules.On("Update", mock.Anything, mock.AnythingOfType("*database.Schedule")).Run(func(args mock.Arguments) {
		sched := args.Get(1).(*database.Schedule)
		assert.Equal(t, database.ScheduleStatusDisabled, sched.Status)
		require.NotNil(t, sched.NextFireAt)
		assert.True(t, sched.NextFireAt.Equal(next))
	}).Return(nil)

	enabled := false
	m := &Manifest{
		Version: "1",
		Jobs: []JobDefinition{{
			Name:     "reports",
			Executor: "subprocess",
			Command:  "/bin/report",
			Schedules: []ScheduleDefinition{{
				Name:    "reports-nightly",
				Kind:    "cron",
				Cron:    "0 2 * * *",
				Enabled: &enabled,
			}},
		}},
	}

	result, err := reg.SyncManifest(context.Background(), m)
	require.NoError(t, err)

	assert.Equal(t, 1, result.SchedulesUpdated)
	schedules.AssertExpectations(t)
}

func TestSyncManifest_RemovesUnlistedSchedule(t *testing.T) {
	jobs := new(MockJobRepo)
	schedules := new(MockScheduleRepo)
	reg := NewRegistry(jobs, schedules, nil)

	jobID := uuid.New()
	keepID := uuid.New()
	oldID := uuid.New()
	next := time.Now().Add(2 * time.Hour)

	jobs.On("GetByName", mock.Anything, "reports").Return(&database.Job{
		ID:       jobID,
		Name:     "reports",
		Command:  "/bin/report",
		Executor: database.ExecutorSubprocess,
		Status:   database.JobStatusEnabled,
	}, nil)
	schedules.On("ListByJob", mock.Anything, jobID).Return([]database.Schedule{
		{
			ID:         keepID,
			JobID:      jobID,
			Name:       "reports-nightly",
			Kind:       database.ScheduleKindCron,
			CronExpr:   "0 2 * * *",
			Status:     database.ScheduleStatusEnabled,
			NextFireAt: &next,
		},
		{
			ID:       oldID,
			JobID:    jobID,
			Name:     "reports-hourly",
			Kind:     database.ScheduleKindInterval,
			Interval: time.Hour,
			Status:   database.ScheduleStatusEnabled,
		},
	}, nil)
	schedules.On("Delete", mock.Anything, oldID).Return(nil).Once()

	m := &Manifest{
		Version: "1",
		Jobs: []JobDefinition{{
			Name:     "reports",
			Executor: "subprocess",
			Command:  "/bin/report",
			Schedules: []ScheduleDefinition{{
				Name: "reports-nightly",
				Kind: "cron",
				Cron: "0 2 * * *",
			}},
		}},
	}

	result, err := reg.SyncManifest(context.Background(), m)
	require.NoError(t, err)

	assert.Equal(t, 1, result.SchedulesRemoved)
	assert.Equal(t, 0, result.SchedulesUpdated)
	schedules.AssertExpectations(t)
}

func TestSyncManifest_DependencyChain(t *testing.T) {
	jobs := new(MockJobRepo)
	schedules := new(MockScheduleRepo)
	reg := NewRegistry(jobs, schedules, nil)

	parentSchedID := uuid.New()

	jobs.On("GetByName", mock.Anything, mock.AnythingOfType("string")).Return(nil, database.ErrNotFound)
	jobs.On("Create", mock.Anything, mock.AnythingOfType("*database.Job")).Run(func(args mock.Arguments) {
		args.Get(1).(*database.Job).ID = uuid.New()
	}).Return(nil)
	schedules.On("ListByJob", mock.Anything, mock.AnythingOfType("uuid.UUID")).Return([]database.Schedule{}, nil)

	schedules.On("Create", mock.Anything, mock.MatchedBy(func(s *database.Schedule) bool {
		return s.Name == "extract-nightly"
	})).Run(func(args mock.Arguments) {
		args.Get(1).(*database.Schedule).ID = parentSchedID
	}).Return(nil)
	schedules.On("Create", mock.Anything, mock.MatchedBy(func(s *database.Schedule) bool {
		return s.Name == "load-after-extract"
	})).Run(func(args mock.Arguments) {
		sched := args.Get(1).(*database.Schedule)
		require.NotNil(t, sched.DependsOn)
		assert.Equal(t, parentSchedID, *sched.DependsOn)
		// Dependency schedules never fire on their own.
		assert.Nil(t, sched.NextFireAt)
		sched.ID = uuid.New()
	}).Return(nil)

	// The dependent job comes first in the file: its schedule has to wait
	// until the parent schedule defined further down has an id.
	m := &Manifest{
		Version: "1",
		Jobs: []JobDefinition{
			{
				Name:    "load",
				Command: "/bin/load",
				Schedules: []ScheduleDefinition{{
					Name:      "load-after-extract",
					Kind:      "dependency",
					DependsOn: "extract-nightly",
				}},
			},
			{
				Name:    "extract",
				Command: "/bin/extract",
				Schedules: []ScheduleDefinition{{
					Name: "extract-nightly",
					Kind: "cron",
					Cron: "0 1 * * *",
				}},
			},
		},
	}

	result, err := reg.SyncManifest(context.Background(), m)
	require.NoError(t, err)

	assert.Equal(t, 2, result.JobsCreated)
	assert.Equal(t, 2, result.SchedulesCreated)
	assert.Empty(t, result.Errors)
	schedules.AssertExpectations(t)
}

func TestSyncManifest_JobSyncFailureSkipsItsSchedules(t *testing.T) {
	jobs := new(MockJobRepo)
	schedules := new(MockScheduleRepo)
	reg := NewRegistry(jobs, schedules, nil)

	jobs.On("GetByName", mock.Anything, "reports").Return(nil, errors.New("connection refused"))

	m := &Manifest{
		Version: "1",
		Jobs: []JobDefinition{{
			Name:     "reports",
			Executor: "subprocess",
			Command:  "/bin/report",
			Schedules: []ScheduleDefinition{{
				Name: "reports-nightly",
				Kind: "cron",
				Cron: "0 2 * * *",
			}},
		}},
	}

	result, err := reg.SyncManifest(context.Background(), m)
	require.NoError(t, err)

	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "job reports")
	// The job still counts as manifest-managed even though its sync failed.
	assert.Equal(t, []string{"reports"}, result.ManagedJobs)
	schedules.AssertNotCalled(t, "ListByJob", mock.Anything, mock.Anything)
}

func TestSyncDir(t *testing.T) {
	dir := t.TempDir()

	valid := `version: "1"
jobs:
  - name: reports
    command: /bin/report
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reports.yaml"), []byte(valid), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("version: ["), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a manifest"), 0o644))

	jobs := new(MockJobRepo)
	schedules := new(MockScheduleRepo)
	reg := NewRegistry(jobs, schedules, nil)

	jobID := uuid.New()
	jobs.On("GetByName", mock.Anything, "reports").Return(nil, database.ErrNotFound)
	jobs.On("Create", mock.Anything, mock.AnythingOfType("*database.Job")).Run(func(args mock.Arguments) {
		args.Get(1).(*database.Job).ID = jobID
	}).Return(nil)
	schedules.On("ListByJob", mock.Anything, jobID).Return([]database.Schedule{}, nil)

	result, err := reg.SyncDir(context.Background(), dir)
	require.NoError(t, err)

	// The broken file is reported and the valid one still syncs.
	assert.Equal(t, 1, result.JobsCreated)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "broken.yaml")
	jobs.AssertExpectations(t)
}

func TestSyncDir_MissingDirectory(t *testing.T) {
	reg := NewRegistry(new(MockJobRepo), new(MockScheduleRepo), nil)

	_, err := reg.SyncDir(context.Background(), filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}

func TestSyncer_PruneFlow(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "reports.yaml")
	manifest := `version: "1"
jobs:
  - name: reports
    command: /bin/report
`
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifest), 0o644))

	jobs := new(MockJobRepo)
	schedules := new(MockScheduleRepo)
	reg := NewRegistry(jobs, schedules, nil)
	syncer := NewSyncer(reg, jobs, SyncerConfig{Dir: dir, Interval: time.Hour, PruneMissing: true}, nil)

	jobID := uuid.New()
	jobs.On("GetByName", mock.Anything, "reports").Return(nil, database.ErrNotFound).Once()
	jobs.On("Create", mock.Anything, mock.AnythingOfType("*database.Job")).Run(func(args mock.Arguments) {
		args.Get(1).(*database.Job).ID = jobID
	}).Return(nil).Once()
	schedules.On("ListByJob", mock.Anything, jobID).Return([]database.Schedule{}, nil).Once()

	// Round one: the manifest is present, nothing to prune.
	require.NoError(t, syncer.SyncOnce(context.Background()))
	jobs.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)

	// Round two: the file breaks mid-edit. No prune, and the managed-job
	// memory survives the bad round.
	require.NoError(t, os.WriteFile(manifestPath, []byte("version: ["), 0o644))
	require.NoError(t, syncer.SyncOnce(context.Background()))
	jobs.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
	assert.True(t, syncer.prevManaged["reports"])

	// Round three: the manifest is gone for real. The job is disabled,
	// not deleted.
	require.NoError(t, os.Remove(manifestPath))
	jobs.On("GetByName", mock.Anything, "reports").Return(&database.Job{
		ID:     jobID,
		Name:   "reports",
		Status: database.JobStatusEnabled,
	}, nil).Once()
	jobs.On("Update", mock.Anything, mock.MatchedBy(func(job *database.Job) bool {
		return job.ID == jobID && job.Status == database.JobStatusDisabled
	})).Return(nil).Once()

	require.NoError(t, syncer.SyncOnce(context.Background()))

	jobs.AssertExpectations(t)
	assert.False(t, syncer.prevManaged["reports"])
}

func TestSyncer_PruneDisabledByDefault(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "reports.yaml")
	manifest := `version: "1"
jobs:
  - name: reports
    command: /bin/report
`
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifest), 0o644))

	jobs := new(MockJobRepo)
	schedules := new(MockScheduleRepo)
	reg := NewRegistry(jobs, schedules, nil)
	syncer := NewSyncer(reg, jobs, SyncerConfig{Dir: dir, Interval: time.Hour}, nil)

	jobID := uuid.New()
	jobs.On("GetByName", mock.Anything, "reports").Return(nil, database.ErrNotFound).Once()
	jobs.On("Create", mock.Anything, mock.AnythingOfType("*database.Job")).Run(func(args mock.Arguments) {
		args.Get(1).(*database.Job).ID = jobID
	}).Return(nil).Once()
	schedules.On("ListByJob", mock.Anything, jobID).Return([]database.Schedule{}, nil).Once()

	require.NoError(t, syncer.SyncOnce(context.Background()))

	require.NoError(t, os.Remove(manifestPath))
	require.NoError(t, syncer.SyncOnce(context.Background()))

	// Without prune_missing the vanished manifest leaves the job alone.
	jobs.AssertNumberOfCalls(t, "GetByName", 1)
	jobs.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
}

func TestSyncer_StartStop(t *testing.T) {
	dir := t.TempDir()
	manifest := `version: "1"
jobs:
  - name: reports
    command: /bin/report
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reports.yaml"), []byte(manifest), 0o644))

	jobs := new(MockJobRepo)
	schedules := new(MockScheduleRepo)
	reg := NewRegistry(jobs, schedules, nil)
	syncer := NewSyncer(reg, jobs, SyncerConfig{Dir: dir, Interval: time.Hour}, nil)

	jobID := uuid.New()
	jobs.On("GetByName", mock.Anything, "reports").Return(nil, database.ErrNotFound)
	jobs.On("Create", mock.Anything, mock.AnythingOfType("*database.Job")).Run(func(args mock.Arguments) {
		args.Get(1).(*database.Job).ID = jobID
	}).Return(nil)
	schedules.On("ListByJob", mock.Anything, jobID).Return([]database.Schedule{}, nil)

	ctx := context.Background()
	require.NoError(t, syncer.Start(ctx))
	require.Error(t, syncer.Start(ctx), "second start should fail")

	require.NoError(t, syncer.Stop(ctx))
	require.NoError(t, syncer.Stop(ctx), "stop is idempotent")
}

func TestSyncer_StartFailsOnMissingDir(t *testing.T) {
	reg := NewRegistry(new(MockJobRepo), new(MockScheduleRepo), nil)
	syncer := NewSyncer(reg, new(MockJobRepo), SyncerConfig{Dir: filepath.Join(t.TempDir(), "absent"), Interval: time.Hour}, nil)

	require.Error(t, syncer.Start(context.Background()))
	// A failed start leaves the syncer stopped and restartable.
	require.NoError(t, syncer.Stop(context.Background()))
}
