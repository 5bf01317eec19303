package output

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/database"
)

// Leadership gates the sweep so exactly one replica deletes.
type Leadership interface {
	IsLeader() bool
}

// OutputIndex is the slice of the instance store the sweeper reads and
// trims. Satisfied by database.TaskInstanceRepository.
type OutputIndex interface {
	ListArchivedBefore(ctx context.Context, cutoff time.Time, limit int) ([]database.ArchivedOutput, error)
	ClearOutputRef(ctx context.Context, id uuid.UUID) error
}

// Deleter removes archived objects. Satisfied by *Archive.
type Deleter interface {
	Delete(ctx context.Context, key string) error
}

// SweeperConfig holds retention settings for archived output.
type SweeperConfig struct {
	Interval  time.Duration
	Retention time.Duration
	BatchSize int
}

// DefaultSweeperConfig returns the default sweeper configuration.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:  time.Hour,
		Retention: 30 * 24 * time.Hour,
		BatchSize: 100,
	}
}

// Sweeper deletes archived output past its retention and clears the
// archive reference from the instance row. Followers tick too but return
// immediately, so leadership changes need no loop restarts.
type Sweeper struct {
	index      OutputIndex
	store      Deleter
	leadership Leadership
	logger     *slog.Logger

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	interval  time.Duration
	retention time.Duration
	batchSize int
}

// NewSweeper creates a new retention sweeper.
func NewSweeper(index OutputIndex, store Deleter, leadership Leadership, logger *slog.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.Interval == 0 {
		cfg = DefaultSweeperConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Sweeper{
		index:      index,
		store:      store,
		leadership: leadership,
		logger:     logger.With("component", "output_sweeper"),
		stopCh:     make(chan struct{}),
		interval:   cfg.Interval,
		retention:  cfg.Retention,
		batchSize:  cfg.BatchSize,
	}
}

// Start begins the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepLoop(ctx)
	}()

	s.logger.Info("output sweeper started",
		"interval", s.interval,
		"retention", s.retention,
		"batch_size", s.batchSize,
	)
	return nil
}

// Stop gracefully stops the sweeper.
func (s *Sweeper) Stop(ctx context.Context) error {
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
		s.logger.Info("output sweeper stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("output sweeper stop timed out")
		return ctx.Err()
	}
}

func (s *Sweeper) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("output sweep error", "error", err)
			}
		}
	}
}

// SweepOnce runs a single retention pass. Followers return immediately.
// A failed object delete keeps its reference so a later pass retries it.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	if !s.leadership.IsLeader() {
		return nil
	}

	cutoff := time.Now().Add(-s.retention)
	deleted := 0

	for {
		refs, err := s.index.ListArchivedBefore(ctx, cutoff, s.batchSize)
		if err != nil {
			return fmt.Errorf("failed to list expired outputs: %w", err)
		}
		if len(refs) == 0 {
			break
		}

		progress := 0
		for _, ref := range refs {
			if err := s.deleteOutput(ctx, ref); err != nil {
				s.logger.Warn("failed to delete archived output",
					"instance_id", ref.InstanceID,
					"key", ref.Key,
					"error", err,
				)
				continue
			}
			progress++
		}
		deleted += progress

		// A batch of nothing but failures would reselect the same rows.
		if progress == 0 || len(refs) < s.batchSize {
			break
		}
	}

	if deleted > 0 {
		s.logger.Info("output sweep completed", "deleted", deleted, "cutoff", cutoff)
	}
	return nil
}

func (s *Sweeper) deleteOutput(ctx context.Context, ref database.ArchivedOutput) error {
	if err := s.store.Delete(ctx, ref.Key); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	// A missing row means the instance went away with its reference.
	if err := s.index.ClearOutputRef(ctx, ref.InstanceID); err != nil && !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("clear reference: %w", err)
	}
	return nil
}
