package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"

	"github.com/dispatchd/dispatchd/internal/database"
	"github.com/dispatchd/dispatchd/internal/protocol"
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

// MockInstanceRepo is a mock implementation of database.TaskInstanceRepository.
type MockInstanceRepo struct {
	mock.Mock
}

func (m *MockInstanceRepo) Create(ctx context.Context, instance *database.TaskInstance) error {
	args := m.Called(ctx, instance)
	return args.Error(0)
}

func (m *MockInstanceRepo) Get(ctx context.Context, id uuid.UUID) (*database.TaskInstance, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.TaskInstance), args.Error(1)
}

func (m *MockInstanceRepo) List(ctx context.Context, page database.Pagination) ([]database.TaskInstance, error) {
	args := m.Called(ctx, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.TaskInstance), args.Error(1)
}

func (m *MockInstanceRepo) ListByJob(ctx context.Context, jobID uuid.UUID, page database.Pagination) ([]database.TaskInstance, error) {
	args := m.Called(ctx, jobID, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.TaskInstance), args.Error(1)
}

func (m *MockInstanceRepo) ListByStatus(ctx context.Context, status database.InstanceStatus, page database.Pagination) ([]database.TaskInstance, error) {
	args := m.Called(ctx, status, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.TaskInstance), args.Error(1)
}

func (m *MockInstanceRepo) ListAcquirable(ctx context.Context, agentLabels map[string]string, maxScheduledAt time.Time, limit int) ([]database.AcquirableTask, error) {
	args := m.Called(ctx, agentLabels, maxScheduledAt, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.AcquirableTask), args.Error(1)
}

func (m *MockInstanceRepo) Acquire(ctx context.Context, id uuid.UUID, agentID uuid.UUID) error {
	args := m.Called(ctx, id, agentID)
	return args.Error(0)
}

func (m *MockInstanceRepo) RequeueUndelivered(ctx context.Context, ids []uuid.UUID, agentID uuid.UUID) (int64, error) {
	args := m.Called(ctx, ids, agentID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockInstanceRepo) Transition(ctx context.Context, id uuid.UUID, to database.InstanceStatus) error {
	args := m.Called(ctx, id, to)
	return args.Error(0)
}

func (m *MockInstanceRepo) MarkStarted(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	args := m.Called(ctx, id, startedAt)
	return args.Error(0)
}

func (m *MockInstanceRepo) Finish(ctx context.Context, id uuid.UUID, status database.InstanceStatus, result database.FinishResult) error {
	args := m.Called(ctx, id, status, result)
	return args.Error(0)
}

func (m *MockInstanceRepo) StoreOutput(ctx context.Context, id uuid.UUID, output string, outputRef *string) error {
	args := m.Called(ctx, id, output, outputRef)
	return args.Error(0)
}

func (m *MockInstanceRepo) ListArchivedBefore(ctx context.Context, cutoff time.Time, limit int) ([]database.ArchivedOutput, error) {
	args := m.Called(ctx, cutoff, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.ArchivedOutput), args.Error(1)
}

func (m *MockInstanceRepo) ClearOutputRef(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockInstanceRepo) ReleaseOrphaned(ctx context.Context, staleBefore time.Time) (int64, int64, error) {
	args := m.Called(ctx, staleBefore)
	return args.Get(0).(int64), args.Get(1).(int64), args.Error(2)
}

func (m *MockInstanceRepo) CountByStatus(ctx context.Context) (map[database.InstanceStatus]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[database.InstanceStatus]int64), args.Error(1)
}

// MockAgentRepo is a mock implementation of database.AgentRepository.
type MockAgentRepo struct {
	mock.Mock
}

func (m *MockAgentRepo) Upsert(ctx context.Context, agent *database.Agent) error {
	args := m.Called(ctx, agent)
	return args.Error(0)
}

func (m *MockAgentRepo) Get(ctx context.Context, id uuid.UUID) (*database.Agent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.Agent), args.Error(1)
}

func (m *MockAgentRepo) GetByName(ctx context.Context, name string) (*database.Agent, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.Agent), args.Error(1)
}

func (m *MockAgentRepo) List(ctx context.Context, page database.Pagination) ([]database.Agent, error) {
	args := m.Called(ctx, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.Agent), args.Error(1)
}

func (m *MockAgentRepo) ListOnline(ctx context.Context, ttl time.Duration) ([]database.Agent, error) {
	args := m.Called(ctx, ttl)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.Agent), args.Error(1)
}

func (m *MockAgentRepo) UpdateHeartbeat(ctx context.Context, id uuid.UUID, at time.Time, status database.AgentStatus) error {
	args := m.Called(ctx, id, at, status)
	return args.Error(0)
}

func (m *MockAgentRepo) SetStatus(ctx context.Context, id uuid.UUID, status database.AgentStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockAgentRepo) MarkStaleDisconnected(ctx context.Context, ttl time.Duration) (int64, error) {
	args := m.Called(ctx, ttl)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockAgentRepo) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// MockCommander is a mock implementation of AgentCommander.
type MockCommander struct {
	mock.Mock
}

func (m *MockCommander) SendCommand(agentID uuid.UUID, cmd *protocol.CommandMessage) error {
	args := m.Called(agentID, cmd)
	return args.Error(0)
}

func (m *MockCommander) IsOnline(agentID uuid.UUID) bool {
	args := m.Called(agentID)
	return args.Bool(0)
}

// stubLive is a canned live output source.
type stubLive struct {
	output string
	ok     bool
}

func (s stubLive) LiveOutput(uuid.UUID) (string, bool) { return s.output, s.ok }

// stubArchive presigns every key to a fixed URL.
type stubArchive struct {
	url string
	err error
}

func (s stubArchive) PresignedURL(context.Context, string, time.Duration) (string, error) {
	return s.url, s.err
}

// stubLeader is a fixed leadership answer.
type stubLeader bool

func (s stubLeader) IsLeader() bool { return bool(s) }

// testEnv bundles an API over mocks with a router.
type testEnv struct {
	jobs      *MockJobRepo
	schedules *MockScheduleRepo
	instances *MockInstanceRepo
	agents    *MockAgentRepo
	commander *MockCommander
	api       *API
	mux       *http.ServeMux
}

func newTestEnv(opts ...APIOption) *testEnv {
	env := &testEnv{
		jobs:      new(MockJobRepo),
		schedules: new(MockScheduleRepo),
		instances: new(MockInstanceRepo),
		agents:    new(MockAgentRepo),
		commander: new(MockCommander),
	}
	repos := &database.Repositories{
		Jobs:      env.jobs,
		Schedules: env.schedules,
		Instances: env.instances,
		Agents:    env.agents,
	}
	env.api = NewAPI(repos, env.commander, zerolog.Nop(), opts...)
	env.mux = http.NewServeMux()
	env.api.Routes(env.mux)
	return env
}

// do runs a request through the router and returns the recorder.
func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}
