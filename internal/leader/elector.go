// Package leader elects a single control-plane replica through the
// distributed lock row. Every replica runs an Elector; whoever holds the
// lock runs the leader-only loops, everyone else keeps renewing as a
// follower candidate.
package leader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/database"
)

// DefaultLockName is the lock row shared by all server replicas.
const DefaultLockName = "dispatchd-leader"

// Transition is an elected or demoted notification.
type Transition struct {
	// Leader is true for elected, false for demoted.
	Leader bool
	// Revision is the fencing token of the leadership term.
	Revision int64
	// At is when the transition was observed.
	At time.Time
}

// Config holds elector configuration.
type Config struct {
	// LockName is the distributed lock row name.
	LockName string
	// HolderID identifies this replica, unique per process.
	HolderID string
	// TTL is how long an acquisition stays valid without renewal.
	TTL time.Duration
	// RenewInterval is the tick between acquisition attempts. It must be
	// comfortably below TTL or leadership flaps on every slow renewal.
	RenewInterval time.Duration
}

// DefaultConfig returns the default elector configuration for a holder.
func DefaultConfig(holderID string) Config {
	return Config{
		LockName:      DefaultLockName,
		HolderID:      holderID,
		TTL:           15 * time.Second,
		RenewInterval: 5 * time.Second,
	}
}

// Elector periodically tries to acquire or renew the leadership lock.
type Elector struct {
	locks  database.LockRepository
	logger *slog.Logger

	lockName      string
	holderID      string
	ttl           time.Duration
	renewInterval time.Duration

	mu       sync.RWMutex
	running  bool
	leader   bool
	revision int64
	stopCh   chan struct{}
	wg       sync.WaitGroup

	transitions chan Transition
}

// NewElector creates an elector. Nothing runs until Start.
func NewElector(locks database.LockRepository, logger *slog.Logger, cfg Config) *Elector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LockName == "" {
		cfg.LockName = DefaultLockName
	}
	if cfg.TTL == 0 {
		cfg.TTL = 15 * time.Second
	}
	if cfg.RenewInterval == 0 {
		cfg.RenewInterval = 5 * time.Second
	}

	return &Elector{
		locks:         locks,
		logger:        logger.With("component", "elector", "holder_id", cfg.HolderID),
		lockName:      cfg.LockName,
		holderID:      cfg.HolderID,
		ttl:           cfg.TTL,
		renewInterval: cfg.RenewInterval,
		stopCh:        make(chan struct{}),
		transitions:   make(chan Transition, 16),
	}
}

// Start begins the election loop. The first attempt happens immediately,
// not one renew interval in.
func (e *Elector) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("elector already running")
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.electLoop(ctx)
	}()

	e.logger.Info("elector started",
		"lock_name", e.lockName,
		"ttl", e.ttl,
		"renew_interval", e.renewInterval,
	)

	return nil
}

// Stop halts the loop and, when this replica is the leader, releases the
// lock so the next election does not wait out the TTL.
func (e *Elector) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("elector stop timed out")
		return ctx.Err()
	}

	e.mu.Lock()
	wasLeader := e.leader
	revision := e.revision
	e.leader = false
	e.mu.Unlock()

	if wasLeader {
		if err := e.locks.Release(ctx, e.lockName, e.holderID); err != nil {
			e.logger.Error("failed to release leadership lock", "error", err)
		} else {
			e.logger.Info("released leadership lock", "revision", revision)
		}
		e.notify(Transition{Leader: false, Revision: revision, At: time.Now()})
	}

	e.logger.Info("elector stopped")
	return nil
}

// IsLeader reports whether this replica currently holds the lock.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leader
}

// Revision returns the fencing token of the last granted acquisition.
// It is only meaningful while IsLeader reports true.
func (e *Elector) Revision() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.revision
}

// Transitions returns the elected/demoted notification channel. Slow
// consumers lose notifications rather than stalling the election loop.
func (e *Elector) Transitions() <-chan Transition {
	return e.transitions
}

// electLoop drives acquisition attempts until stopped.
func (e *Elector) electLoop(ctx context.Context) {
	e.tick(ctx)

	ticker := time.NewTicker(e.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick runs a single acquisition attempt. Storage errors are logged and
// retried on the next tick; repeatedly losing the lock just means this
// replica stays a follower.
func (e *Elector) tick(ctx context.Context) {
	e.mu.RLock()
	known := e.revision
	e.mu.RUnlock()

	held, revision, err := e.locks.TryAcquire(ctx, e.lockName, e.holderID, known, e.ttl)
	if err != nil {
		e.logger.Error("leadership acquisition attempt failed", "error", err)
		return
	}

	e.mu.Lock()
	wasLeader := e.leader
	e.leader = held
	if held {
		e.revision = revision
	}
	e.mu.Unlock()

	switch {
	case held && !wasLeader:
		e.logger.Info("elected leader", "revision", revision)
		e.notify(Transition{Leader: true, Revision: revision, At: time.Now()})
	case !held && wasLeader:
		e.logger.Warn("demoted from leader", "last_revision", known)
		e.notify(Transition{Leader: false, Revision: known, At: time.Now()})
	}
}

// notify delivers a transition without ever blocking the loop.
func (e *Elector) notify(t Transition) {
	select {
	case e.transitions <- t:
	default:
		e.logger.Warn("transition dropped, subscriber lagging",
			"leader", t.Leader,
			"revision", t.Revision,
		)
	}
}
