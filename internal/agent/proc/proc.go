// Package proc manages the processes an agent runs on behalf of the
// server. A single Manager owns the process table; other components
// observe it only through AvailableCapacity and the event stream, and
// every state transition a process makes flows out as an Event.
package proc

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a managed process.
type State string

const (
	// StateStarting covers the window between admission and the launcher
	// handing the process back.
	StateStarting State = "starting"
	// StateRunning means the process is alive and being supervised.
	StateRunning State = "running"
	// StateCompleted means the process exited with code zero.
	StateCompleted State = "completed"
	// StateFailed means the process exited nonzero, could not be started,
	// or was killed for a resource limit breach.
	StateFailed State = "failed"
	// StateKilled means the process was terminated on request.
	StateKilled State = "killed"
	// StateTimeout means the process outlived its deadline and was killed.
	StateTimeout State = "timeout"
	// StateZombie means a kill was issued but the exit was never observed.
	StateZombie State = "zombie"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateKilled, StateTimeout, StateZombie:
		return true
	}
	return false
}

// EventKind classifies a process event.
type EventKind string

const (
	// EventStarted fires once when the launcher hands the process back.
	EventStarted EventKind = "started"
	// EventExited fires when the process exits on its own. A nil exit
	// code means the process could not be started at all.
	EventExited EventKind = "exited"
	// EventTimeout fires when the deadline expired and the process was
	// killed for it.
	EventTimeout EventKind = "timeout"
	// EventKilled fires when a requested kill took effect.
	EventKilled EventKind = "killed"
	// EventResourceViolation fires when a sampled resource limit breach
	// forced a kill.
	EventResourceViolation EventKind = "resource_violation"
	// EventZombie fires when a killed process never reported its exit.
	EventZombie EventKind = "zombie"
)

// Metrics summarizes the resource usage of a finished process.
type Metrics struct {
	PeakMemoryBytes int64
	CPUPercent      float64
	Duration        time.Duration
}

// Event describes one process state transition. Terminal events carry
// the captured output tail and usage metrics.
type Event struct {
	InstanceID uuid.UUID
	Kind       EventKind
	At         time.Time

	// ExitCode is set for EventExited when an exit status was observed.
	ExitCode *int
	// Cause is a human-readable explanation for abnormal terminations.
	Cause string
	// Output is the captured stdout/stderr tail, terminal events only.
	Output string
	// Metrics is the sampled usage summary, terminal events only.
	Metrics *Metrics
}

// Limits are the resource ceilings enforced for one process.
type Limits struct {
	MaxMemoryBytes int64
	MaxCPUPercent  float64
	MaxOutputBytes int64
}

// Spec describes a process to launch. Env must already be fully
// resolved; secret references never reach this layer.
type Spec struct {
	InstanceID     uuid.UUID
	Executor       string
	Command        string
	Args           []string
	WorkDir        string
	Env            map[string]string
	ContainerImage string
	// Timeout is the hard deadline, zero for unlimited.
	Timeout time.Duration
	Limits  Limits
}
