package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/database"
)

// SyncerConfig holds configuration for the periodic manifest syncer.
type SyncerConfig struct {
	// Dir is the manifest directory to watch.
	Dir string
	// Interval is how often the directory is re-read.
	Interval time.Duration
	// PruneMissing disables jobs whose manifests disappeared from the
	// directory between two sync rounds.
	PruneMissing bool
}

// Syncer re-reads a manifest directory on an interval, keeping the store
// in step with the files the way cron keeps up with cron.d.
type Syncer struct {
	registry *Registry
	jobs     database.JobRepository
	config   SyncerConfig
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// prevManaged is the job-name set of the previous clean round.
	prevManaged map[string]bool
}

// NewSyncer creates a new manifest directory syncer.
func NewSyncer(registry *Registry, jobs database.JobRepository, cfg SyncerConfig, logger *slog.Logger) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Syncer{
		registry: registry,
		jobs:     jobs,
		config:   cfg,
		logger:   logger.With("component", "manifest_syncer"),
		stopCh:   make(chan struct{}),
	}
}

// Start runs an initial sync and begins the background re-sync loop.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("syncer already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	// The first sync is synchronous so startup fails loudly on an
	// unreadable directory.
	if err := s.SyncOnce(ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.syncLoop(ctx)
	}()

	s.logger.Info("manifest syncer started",
		"dir", s.config.Dir,
		"interval", s.config.Interval,
		"prune_missing", s.config.PruneMissing,
	)

	return nil
}

// Stop gracefully stops the syncer.
func (s *Syncer) Stop(ctx context.Context) error {
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
		s.logger.Info("manifest syncer stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Syncer) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil {
				s.logger.Error("manifest sync error", "error", err)
			}
		}
	}
}

// SyncOnce runs a single sync round over the manifest directory.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	result, err := s.registry.SyncDir(ctx, s.config.Dir)
	if err != nil {
		return err
	}

	// Prune decisions and the managed-job memory advance only on clean
	// rounds: a half-written file mid-edit must not take its siblings'
	// jobs out of rotation, or erase the record that they were managed.
	if len(result.Errors) > 0 {
		s.logger.Warn("sync round had errors, keeping previous managed set", "errors", len(result.Errors))
		return nil
	}

	current := make(map[string]bool, len(result.ManagedJobs))
	for _, name := range result.ManagedJobs {
		current[name] = true
	}

	if s.config.PruneMissing {
		s.pruneMissing(ctx, current)
	}
	s.prevManaged = current

	return nil
}

// pruneMissing disables jobs that the previous round's manifests defined
// and the current round's no longer do. The job rows stay: history and
// instances remain queryable, the scanner just stops materializing work.
func (s *Syncer) pruneMissing(ctx context.Context, current map[string]bool) {
	for name := range s.prevManaged {
		if current[name] {
			continue
		}

		job, err := s.jobs.GetByName(ctx, name)
		if err != nil {
			if !database.IsNotFound(err) {
				s.logger.Error("failed to load job for pruning", "job_name", name, "error", err)
			}
			continue
		}
		if !job.IsEnabled() {
			continue
		}

		job.Status = database.JobStatusDisabled
		if err := s.jobs.Update(ctx, job); err != nil {
			s.logger.Error("failed to disable pruned job", "job_name", name, "error", err)
			continue
		}
		s.logger.Info("job disabled, manifest removed", "job_name", name, "job_id", job.ID)
	}
}
