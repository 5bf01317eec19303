package proc

import (
	"context"
	"sync"
)

// Usage is a point-in-time resource sample for one process.
type Usage struct {
	MemoryBytes int64
	CPUPercent  float64
}

// Handle controls one launched process.
type Handle interface {
	// Wait blocks until the process exit is observed and returns the
	// exit code. It is safe to call Wait and Kill concurrently.
	Wait(ctx context.Context) (int, error)
	// Kill terminates the process. Wait still observes the exit.
	// Killing a process that is already gone is not an error.
	Kill(ctx context.Context) error
	// Usage samples current resource consumption.
	Usage(ctx context.Context) (Usage, error)
}

// Launcher spawns processes of one executor kind. Implementations must
// hand back a Handle as soon as the process exists; everything after
// that point is the manager's job.
type Launcher interface {
	Name() string
	Launch(ctx context.Context, spec Spec, output *Sink) (Handle, error)
}

// Registry is the lookup table of launchers keyed by executor kind.
// Callers hold the Launcher interface only, never a concrete type.
type Registry struct {
	mu        sync.RWMutex
	launchers map[string]Launcher
}

// NewRegistry creates a registry holding the given launchers.
func NewRegistry(launchers ...Launcher) *Registry {
	r := &Registry{launchers: make(map[string]Launcher)}
	for _, l := range launchers {
		r.Register(l)
	}
	return r
}

// Register adds a launcher, replacing any previous one of the same kind.
func (r *Registry) Register(l Launcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.launchers[l.Name()] = l
}

// Lookup returns the launcher for the given executor kind.
func (r *Registry) Lookup(kind string) (Launcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.launchers[kind]
	return l, ok
}

// Kinds returns the registered executor kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.launchers))
	for kind := range r.launchers {
		kinds = append(kinds, kind)
	}
	return kinds
}
