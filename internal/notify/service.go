package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/database"
	"github.com/dispatchd/dispatchd/internal/gateway"
	"github.com/dispatchd/dispatchd/internal/protocol"
)

// InstanceSource loads instance rows for event enrichment. Satisfied by
// database.TaskInstanceRepository.
type InstanceSource interface {
	Get(ctx context.Context, id uuid.UUID) (*database.TaskInstance, error)
}

// JobSource loads job rows for event enrichment. Satisfied by
// database.JobRepository.
type JobSource interface {
	Get(ctx context.Context, id uuid.UUID) (*database.Job, error)
}

// ChannelConfig declares one notification channel.
type ChannelConfig struct {
	Name    string
	Kind    ChannelKind
	Webhook WebhookConfig
	Slack   SlackConfig
}

// Config holds configuration for the notification service.
type Config struct {
	Channels []ChannelConfig
	// Rules route events to channels. Empty rules fall back to one
	// default rule per channel that matches everything.
	Rules []Rule
	// Workers is the number of delivery workers.
	Workers int
	// QueueSize bounds the delivery queue.
	QueueSize int
	// SendTimeout bounds one delivery attempt chain.
	SendTimeout time.Duration
	// ThrottleWindow suppresses repeats per rule, job and type.
	ThrottleWindow time.Duration
	// BaseURL is the externally reachable UI address used for links.
	BaseURL string
}

// DefaultConfig returns the default notification service configuration.
func DefaultConfig() Config {
	return Config{
		Workers:        5,
		QueueSize:      1000,
		SendTimeout:    30 * time.Second,
		ThrottleWindow: DefaultThrottleWindow,
	}
}

// Enabled reports whether any channel is configured.
func (c Config) Enabled() bool {
	return len(c.Channels) > 0
}

// notificationJob is one delivery unit for a worker.
type notificationJob struct {
	rule         Rule
	channel      Channel
	notification *Notification
}

// Service turns terminal task reports into channel deliveries. It
// consumes the gateway broker, so each replica only notifies for
// instances its own agents reported, which keeps deliveries
// exactly-once without coordination.
type Service struct {
	channels    map[string]Channel
	engine      *RuleEngine
	instances   InstanceSource
	jobs        JobSource
	broker      *gateway.Broker
	logger      *slog.Logger
	queue       chan *notificationJob
	workers     int
	sendTimeout time.Duration
	baseURL     string

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	sub     *gateway.Subscription
}

// NewService creates the notification service. Channels that fail
// validation are skipped with a warning rather than failing startup.
func NewService(
	cfg Config,
	instances InstanceSource,
	jobs JobSource,
	broker *gateway.Broker,
	logger *slog.Logger,
) *Service {
	if cfg.Workers == 0 {
		defaults := DefaultConfig()
		defaults.Channels = cfg.Channels
		defaults.Rules = cfg.Rules
		defaults.BaseURL = cfg.BaseURL
		cfg = defaults
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notifier")

	channels := make(map[string]Channel, len(cfg.Channels))
	for _, cc := range cfg.Channels {
		channel, err := buildChannel(cc, logger)
		if err != nil {
			logger.Warn("skipping notification channel",
				"channel", cc.Name,
				"error", err,
			)
			continue
		}
		channels[channel.Name()] = channel
	}

	rules := cfg.Rules
	if len(rules) == 0 {
		// No explicit rules means every channel gets every event.
		for name := range channels {
			rules = append(rules, Rule{
				Name:    "default-" + name,
				Channel: name,
				Enabled: true,
			})
		}
	}
	kept := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if _, ok := channels[rule.Channel]; !ok {
			logger.Warn("dropping rule with unknown channel",
				"rule", rule.Name,
				"channel", rule.Channel,
			)
			continue
		}
		kept = append(kept, rule)
	}

	return &Service{
		channels:    channels,
		engine:      NewRuleEngine(kept, cfg.ThrottleWindow),
		instances:   instances,
		jobs:        jobs,
		broker:      broker,
		logger:      logger,
		queue:       make(chan *notificationJob, cfg.QueueSize),
		workers:     cfg.Workers,
		sendTimeout: cfg.SendTimeout,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		stopCh:      make(chan struct{}),
	}
}

// buildChannel constructs and validates one configured channel.
func buildChannel(cc ChannelConfig, logger *slog.Logger) (Channel, error) {
	if cc.Name == "" {
		return nil, fmt.Errorf("channel name is required")
	}

	var channel Channel
	switch cc.Kind {
	case ChannelKindWebhook:
		channel = NewWebhookChannel(cc.Name, cc.Webhook, logger)
	case ChannelKindSlack:
		channel = NewSlackChannel(cc.Name, cc.Slack, logger)
	default:
		return nil, fmt.Errorf("unknown channel kind %q", cc.Kind)
	}

	if err := channel.Validate(); err != nil {
		return nil, err
	}
	return channel, nil
}

// Start subscribes to agent events and begins delivering notifications.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("notifier already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.sub = s.broker.Subscribe()
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.eventLoop(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cleanupLoop()
	}()

	s.logger.Info("notifier started",
		"workers", s.workers,
		"channels", len(s.channels),
	)
	return nil
}

// Stop gracefully stops the notification service.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.sub.Close()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("notifier stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("notifier stop timed out")
		return ctx.Err()
	}
}

func (s *Service) eventLoop(ctx context.Context) {
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-s.sub.Events():
			if !ok {
				return
			}
			if ev.Kind != gateway.TaskInstanceChanged || ev.TaskChange == nil {
				continue
			}
			if err := s.handleTaskChange(ctx, ev.AgentID, ev.At, ev.TaskChange); err != nil {
				s.logger.Error("failed to process task change",
					"instance_id", ev.TaskChange.InstanceID,
					"status", ev.TaskChange.Status,
					"error", err,
				)
			}
		}
	}
}

func (s *Service) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.engine.CleanupThrottleCache()
		}
	}
}

// handleTaskChange enriches one failure report and dispatches it.
func (s *Service) handleTaskChange(ctx context.Context, agentID uuid.UUID, at time.Time, change *protocol.TaskInstanceChangedPayload) error {
	notificationType, ok := typeForStatus(database.InstanceStatus(change.Status))
	if !ok {
		return nil
	}

	instance, err := s.instances.Get(ctx, change.InstanceID)
	if err != nil {
		return fmt.Errorf("failed to load instance: %w", err)
	}

	job, err := s.jobs.Get(ctx, instance.JobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if !job.NotifyOnFailure {
		s.logger.Debug("notifications disabled for job",
			"job", job.Name,
			"instance_id", instance.ID,
		)
		return nil
	}

	if at.IsZero() {
		at = time.Now()
	}

	event := Event{
		Type:       notificationType,
		JobID:      job.ID,
		JobName:    job.Name,
		InstanceID: instance.ID,
		AgentID:    agentID,
		Status:     database.InstanceStatus(change.Status),
		ExitCode:   change.ExitCode,
		RetryCount: instance.RetryCount,
		Timestamp:  at,
	}
	if change.ErrorMessage != nil {
		event.ErrorMessage = *change.ErrorMessage
	}
	if change.Metrics != nil {
		event.DurationMs = change.Metrics.DurationMs
	}

	s.Dispatch(ctx, event)
	return nil
}

// Dispatch evaluates the event against the rules and enqueues one
// delivery per match. It returns the number of enqueued deliveries.
// The queue never blocks the caller: deliveries that do not fit are
// dropped with a warning.
func (s *Service) Dispatch(ctx context.Context, event Event) int {
	matched := s.engine.Evaluate(event)
	if len(matched) == 0 {
		return 0
	}

	notification := s.buildNotification(event)

	enqueued := 0
	for _, rule := range matched {
		channel, ok := s.channels[rule.Channel]
		if !ok {
			continue
		}

		select {
		case s.queue <- &notificationJob{rule: rule, channel: channel, notification: notification}:
			s.engine.MarkSent(rule, event)
			enqueued++
		default:
			s.logger.Warn("notification queue full, dropping",
				"rule", rule.Name,
				"channel", rule.Channel,
				"job", event.JobName,
			)
		}
	}
	return enqueued
}

// buildNotification renders the event into a deliverable notification.
func (s *Service) buildNotification(event Event) *Notification {
	title, message := renderTemplate(event)

	notification := &Notification{
		ID:           uuid.New(),
		Type:         event.Type,
		JobID:        event.JobID,
		JobName:      event.JobName,
		InstanceID:   event.InstanceID,
		AgentID:      event.AgentID,
		Status:       string(event.Status),
		ExitCode:     event.ExitCode,
		ErrorMessage: event.ErrorMessage,
		DurationMs:   event.DurationMs,
		RetryCount:   event.RetryCount,
		Title:        title,
		Message:      message,
		CreatedAt:    event.Timestamp,
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now()
	}
	if s.baseURL != "" {
		notification.URL = fmt.Sprintf("%s/instances/%s", s.baseURL, event.InstanceID)
	}
	return notification
}

func (s *Service) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("notification worker started", "worker_id", id)
	for {
		select {
		case <-s.stopCh:
			s.logger.Debug("notification worker stopping", "worker_id", id)
			return
		case job, ok := <-s.queue:
			if !ok {
				return
			}
			s.deliver(job)
		}
	}
}

// deliver sends one notification and logs the outcome.
func (s *Service) deliver(job *notificationJob) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	start := time.Now()
	err := job.channel.Send(ctx, job.notification)
	latency := time.Since(start)

	if err != nil {
		s.logger.Error("failed to send notification",
			"rule", job.rule.Name,
			"channel", job.channel.Name(),
			"notification_type", job.notification.Type,
			"latency_ms", latency.Milliseconds(),
			"error", err,
		)
		return
	}

	s.logger.Info("notification sent",
		"rule", job.rule.Name,
		"channel", job.channel.Name(),
		"notification_type", job.notification.Type,
		"job", job.notification.JobName,
		"latency_ms", latency.Milliseconds(),
	)
}
