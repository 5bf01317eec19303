package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/database"
	"github.com/dispatchd/dispatchd/internal/gateway"
	"github.com/dispatchd/dispatchd/internal/protocol"
)

type fakeInstances struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*database.TaskInstance
	calls     int
}

func (f *fakeInstances) Get(ctx context.Context, id uuid.UUID) (*database.TaskInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	instance, ok := f.instances[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return instance, nil
}

func (f *fakeInstances) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*database.Job
}

func (f *fakeJobs) Get(ctx context.Context, id uuid.UUID) (*database.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return job, nil
}

type recordingChannel struct {
	name string
	mu   sync.Mutex
	sent []*Notification
}

func (c *recordingChannel) Name() string      { return c.name }
func (c *recordingChannel) Kind() ChannelKind { return ChannelKindWebhook }
func (c *recordingChannel) Validate() error   { return nil }

func (c *recordingChannel) Send(ctx context.Context, notification *Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, notification)
	return nil
}

func (c *recordingChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// newTestService wires a service around an injected recording channel,
// bypassing channel construction.
func newTestService(instances InstanceSource, jobs JobSource, rc *recordingChannel) *Service {
	broker := gateway.NewBroker(gateway.DefaultBrokerBuffer, zerolog.Nop())
	service := NewService(Config{
		Workers:        1,
		QueueSize:      8,
		SendTimeout:    5 * time.Second,
		ThrottleWindow: time.Minute,
	}, instances, jobs, broker, nil)
	service.channels[rc.name] = rc
	service.engine = NewRuleEngine([]Rule{
		{Name: "test-rule", Channel: rc.name, Enabled: true},
	}, time.Minute)
	return service
}

func failedChange(instID, agentID uuid.UUID) *protocol.TaskInstanceChangedPayload {
	exitCode := 3
	errMsg := "pg_dump: connection refused"
	return &protocol.TaskInstanceChangedPayload{
		InstanceID:   instID,
		AgentID:      agentID,
		Status:       "failed",
		ExitCode:     &exitCode,
		ErrorMessage: &errMsg,
		Metrics:      &protocol.MetricsPayload{DurationMs: 5000},
	}
}

func TestNewService_SkipsInvalidChannels(t *testing.T) {
	broker := gateway.NewBroker(gateway.DefaultBrokerBuffer, zerolog.Nop())
	service := NewService(Config{
		Channels: []ChannelConfig{
			{Name: "broken", Kind: ChannelKindWebhook},
			{Name: "nameless", Kind: ChannelKindSlack},
			{Name: "good", Kind: ChannelKindWebhook, Webhook: WebhookConfig{URL: "https://hooks.example.com/x"}},
			{Name: "odd", Kind: ChannelKind("sms")},
		},
	}, nil, nil, broker, nil)

	require.Len(t, service.channels, 1)
	assert.Contains(t, service.channels, "good")

	// Default rules only cover channels that survived validation.
	require.Len(t, service.engine.rules, 1)
	assert.Equal(t, "default-good", service.engine.rules[0].Name)
}

func TestNewService_DropsRulesWithUnknownChannel(t *testing.T) {
	broker := gateway.NewBroker(gateway.DefaultBrokerBuffer, zerolog.Nop())
	service := NewService(Config{
		Channels: []ChannelConfig{
			{Name: "ops", Kind: ChannelKindWebhook, Webhook: WebhookConfig{URL: "https://hooks.example.com/x"}},
		},
		Rules: []Rule{
			{Name: "keep", Channel: "ops", Enabled: true},
			{Name: "drop", Channel: "missing", Enabled: true},
		},
	}, nil, nil, broker, nil)

	require.Len(t, service.engine.rules, 1)
	assert.Equal(t, "keep", service.engine.rules[0].Name)
}

func TestService_Dispatch(t *testing.T) {
	rc := &recordingChannel{name: "rec"}
	service := newTestService(nil, nil, rc)

	event := Event{
		Type:       NotificationTypeTaskFailed,
		JobID:      uuid.New(),
		JobName:    "etl",
		InstanceID: uuid.New(),
		Status:     database.InstanceStatusFailed,
	}

	require.Equal(t, 1, service.Dispatch(context.Background(), event))

	job := <-service.queue
	assert.Equal(t, "test-rule", job.rule.Name)
	assert.Equal(t, rc, job.channel)
	assert.Equal(t, NotificationTypeTaskFailed, job.notification.Type)
	assert.Equal(t, "Task Failed - etl", job.notification.Title)
	assert.Empty(t, job.notification.URL, "no base URL means no link")

	assert.Zero(t, service.Dispatch(context.Background(), event), "repeat must be throttled")
}

func TestService_DispatchQueueFull(t *testing.T) {
	rc := &recordingChannel{name: "rec"}
	broker := gateway.NewBroker(gateway.DefaultBrokerBuffer, zerolog.Nop())
	service := NewService(Config{
		Workers:        1,
		QueueSize:      1,
		SendTimeout:    time.Second,
		ThrottleWindow: time.Minute,
	}, nil, nil, broker, nil)
	service.channels[rc.name] = rc
	service.engine = NewRuleEngine([]Rule{
		{Name: "test-rule", Channel: rc.name, Enabled: true},
	}, time.Minute)

	first := Event{Type: NotificationTypeTaskFailed, JobID: uuid.New(), JobName: "a"}
	second := Event{Type: NotificationTypeTaskFailed, JobID: uuid.New(), JobName: "b"}

	assert.Equal(t, 1, service.Dispatch(context.Background(), first))
	assert.Zero(t, service.Dispatch(context.Background(), second), "full queue must drop, not block")
}

func TestService_DeliversFromBroker(t *testing.T) {
	jobID := uuid.New()
	instID := uuid.New()
	agentID := uuid.New()

	instances := &fakeInstances{instances: map[uuid.UUID]*database.TaskInstance{
		instID: {ID: instID, JobID: jobID, RetryCount: 1},
	}}
	jobs := &fakeJobs{jobs: map[uuid.UUID]*database.Job{
		jobID: {ID: jobID, Name: "nightly-backup", NotifyOnFailure: true},
	}}

	var deliveries int
	var received map[string]interface{}
	var mu sync.Mutex

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		deliveries++
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	broker := gateway.NewBroker(gateway.DefaultBrokerBuffer, zerolog.Nop())
	service := NewService(Config{
		Channels: []ChannelConfig{
			{Name: "ops", Kind: ChannelKindWebhook, Webhook: WebhookConfig{URL: server.URL}},
		},
		Workers:        1,
		QueueSize:      8,
		SendTimeout:    5 * time.Second,
		ThrottleWindow: time.Minute,
		BaseURL:        "https://dispatchd.example.com/",
	}, instances, jobs, broker, nil)

	ctx := context.Background()
	require.NoError(t, service.Start(ctx))
	defer service.Stop(ctx)

	broker.Publish(gateway.AgentEvent{
		Kind:       gateway.TaskInstanceChanged,
		AgentID:    agentID,
		TaskChange: failedChange(instID, agentID),
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received != nil
	}, 2*time.Second, 10*time.Millisecond, "notification not delivered")

	mu.Lock()
	assert.Equal(t, "task_failed", received["event"])
	assert.Equal(t, "nightly-backup", received["jobName"])
	assert.Equal(t, instID.String(), received["instanceId"])
	assert.Equal(t, agentID.String(), received["agentId"])
	assert.Equal(t, float64(3), received["exitCode"])
	assert.Equal(t, float64(1), received["retryCount"])
	assert.Equal(t, float64(5000), received["durationMs"])
	assert.Equal(t, "https://dispatchd.example.com/instances/"+instID.String(), received["url"])
	mu.Unlock()

	// The same report again lands inside the throttle window.
	broker.Publish(gateway.AgentEvent{
		Kind:       gateway.TaskInstanceChanged,
		AgentID:    agentID,
		TaskChange: failedChange(instID, agentID),
	})

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, deliveries, "duplicate report must be throttled")
	mu.Unlock()
}

func TestService_JobOptOut(t *testing.T) {
	jobID := uuid.New()
	instID := uuid.New()
	agentID := uuid.New()

	instances := &fakeInstances{instances: map[uuid.UUID]*database.TaskInstance{
		instID: {ID: instID, JobID: jobID},
	}}
	jobs := &fakeJobs{jobs: map[uuid.UUID]*database.Job{
		jobID: {ID: jobID, Name: "quiet-job", NotifyOnFailure: false},
	}}

	rc := &recordingChannel{name: "rec"}
	service := newTestService(instances, jobs, rc)

	err := service.handleTaskChange(context.Background(), agentID, time.Now(), failedChange(instID, agentID))
	require.NoError(t, err)
	assert.Empty(t, service.queue, "opted-out job must not enqueue anything")
}

func TestService_IgnoresNonFailureStatus(t *testing.T) {
	instances := &fakeInstances{}
	rc := &recordingChannel{name: "rec"}
	service := newTestService(instances, nil, rc)

	change := &protocol.TaskInstanceChangedPayload{
		InstanceID: uuid.New(),
		Status:     "succeeded",
	}

	err := service.handleTaskChange(context.Background(), uuid.New(), time.Now(), change)
	require.NoError(t, err)
	assert.Zero(t, instances.callCount(), "successful runs must not be looked up")
}

func TestService_StartStop(t *testing.T) {
	rc := &recordingChannel{name: "rec"}
	service := newTestService(nil, nil, rc)

	ctx := context.Background()
	require.NoError(t, service.Start(ctx))
	require.Error(t, service.Start(ctx), "second start must be refused")

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, service.Stop(stopCtx))
	require.NoError(t, service.Stop(stopCtx), "stop is idempotent")
}
