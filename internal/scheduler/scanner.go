// Package scheduler runs the control-plane loops: the leader's schedule
// scan and janitor, the dispatcher answering agent polls, and the persister
// applying agent-reported task state.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/database"
	"github.com/dispatchd/dispatchd/internal/schedule"
)

// Leadership gates the loops that must run on exactly one replica.
type Leadership interface {
	IsLeader() bool
}

// ScannerConfig holds configuration for the schedule scanner.
type ScannerConfig struct {
	ScanInterval    time.Duration
	JanitorInterval time.Duration
	BatchSize       int
	AgentTTL        time.Duration
}

// DefaultScannerConfig returns the default scanner configuration.
func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{
		ScanInterval:    5 * time.Second,
		JanitorInterval: 30 * time.Second,
		BatchSize:       50,
		AgentTTL:        90 * time.Second,
	}
}

// Scanner is the leader's materialization loop. Each tick it evaluates due
// schedules, advances them, and creates pending task instances. The janitor
// pass recovers instances orphaned by stale agents. Followers tick too but
// return immediately, so leadership changes need no loop restarts.
type Scanner struct {
	schedules  database.ScheduleRepository
	jobs       database.JobRepository
	instances  database.TaskInstanceRepository
	agents     database.AgentRepository
	leadership Leadership
	logger     *slog.Logger

	mu              sync.Mutex
	running         bool
	stopCh          chan struct{}
	wg              sync.WaitGroup
	scanInterval    time.Duration
	janitorInterval time.Duration
	batchSize       int
	agentTTL        time.Duration
}

// NewScanner creates a new Scanner instance.
func NewScanner(
	schedules database.ScheduleRepository,
	jobs database.JobRepository,
	instances database.TaskInstanceRepository,
	agents database.AgentRepository,
	leadership Leadership,
	logger *slog.Logger,
	cfg ScannerConfig,
) *Scanner {
	if cfg.ScanInterval == 0 {
		cfg = DefaultScannerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scanner{
		schedules:       schedules,
		jobs:            jobs,
		instances:       instances,
		agents:          agents,
		leadership:      leadership,
		logger:          logger.With("component", "scanner"),
		stopCh:          make(chan struct{}),
		scanInterval:    cfg.ScanInterval,
		janitorInterval: cfg.JanitorInterval,
		batchSize:       cfg.BatchSize,
		agentTTL:        cfg.AgentTTL,
	}
}

// Start begins the background scan loop.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scanner already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.scanLoop(ctx)
	}()

	s.logger.Info("scanner started",
		"scan_interval", s.scanInterval,
		"janitor_interval", s.janitorInterval,
		"batch_size", s.batchSize,
	)

	return nil
}

// Stop gracefully stops the scanner.
func (s *Scanner) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scanner stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scanner stop timed out")
		return ctx.Err()
	}
}

// scanLoop is the main background processing loop.
func (s *Scanner) scanLoop(ctx context.Context) {
	scanTicker := time.NewTicker(s.scanInterval)
	defer scanTicker.Stop()
	janitorTicker := time.NewTicker(s.janitorInterval)
	defer janitorTicker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-scanTicker.C:
			if err := s.ScanOnce(ctx); err != nil {
				s.logger.Error("schedule scan error", "error", err)
			}
		case <-janitorTicker.C:
			if err := s.JanitorOnce(ctx); err != nil {
				s.logger.Error("janitor error", "error", err)
			}
		}
	}
}

// ScanOnce runs a single scan pass. Followers return immediately. An error
// on one schedule skips that schedule for this tick, never the whole scan.
func (s *Scanner) ScanOnce(ctx context.Context) error {
	if !s.leadership.IsLeader() {
		return nil
	}

	now := time.Now()
	due, err := s.schedules.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list due schedules: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	s.logger.Debug("scanning due schedules", "count", len(due))

	for i := range due {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fireSchedule(ctx, s.schedules, s.jobs, s.instances, s.logger, &due[i], now); err != nil {
			s.logger.Warn("failed to fire schedule",
				"schedule_id", due[i].ID,
				"schedule_name", due[i].Name,
				"error", err,
			)
		}
	}

	return nil
}

// JanitorOnce requeues or fails instances bound to stale agents and flips
// those agents to disconnected.
func (s *Scanner) JanitorOnce(ctx context.Context) error {
	if !s.leadership.IsLeader() {
		return nil
	}

	staleBefore := time.Now().Add(-s.agentTTL)
	requeued, failed, err := s.instances.ReleaseOrphaned(ctx, staleBefore)
	if err != nil {
		return fmt.Errorf("failed to release orphaned instances: %w", err)
	}
	if requeued > 0 || failed > 0 {
		s.logger.Info("released orphaned instances", "requeued", requeued, "failed", failed)
	}

	marked, err := s.agents.MarkStaleDisconnected(ctx, s.agentTTL)
	if err != nil {
		return fmt.Errorf("failed to mark stale agents: %w", err)
	}
	if marked > 0 {
		s.logger.Info("marked stale agents disconnected", "count", marked)
	}

	return nil
}

// fireSchedule evaluates one due schedule, persists the outcome, and
// materializes a pending task instance when the evaluation fires. The
// evaluation is persisted before the instance is created, so a failure
// between the two costs one firing instead of duplicating it.
func fireSchedule(
	ctx context.Context,
	schedules database.ScheduleRepository,
	jobs database.JobRepository,
	instances database.TaskInstanceRepository,
	logger *slog.Logger,
	sched *database.Schedule,
	now time.Time,
) error {
	update, err := schedule.Evaluate(sched, now)
	if err != nil {
		return fmt.Errorf("evaluate schedule: %w", err)
	}

	if err := schedules.ApplyEvaluation(ctx, sched.ID, update.NextFireAt, update.ExecutedCount, update.Status); err != nil {
		return fmt.Errorf("apply evaluation: %w", err)
	}

	if !update.Fire {
		return nil
	}

	job, err := jobs.Get(ctx, sched.JobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if !job.IsEnabled() {
		logger.Debug("job disabled, not materializing",
			"job_id", job.ID,
			"schedule_id", sched.ID,
		)
		return nil
	}

	scheduledAt := now
	if sched.NextFireAt != nil {
		scheduledAt = *sched.NextFireAt
	}

	instance := &database.TaskInstance{
		JobID:       sched.JobID,
		ScheduleID:  &sched.ID,
		Status:      database.InstanceStatusPending,
		ScheduledAt: scheduledAt,
	}
	if err := instances.Create(ctx, instance); err != nil {
		return fmt.Errorf("create task instance: %w", err)
	}

	logger.Info("materialized task instance",
		"instance_id", instance.ID,
		"job_name", job.Name,
		"schedule_id", sched.ID,
		"scheduled_at", scheduledAt,
	)

	return nil
}
