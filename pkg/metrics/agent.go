package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AgentMetrics holds all metrics for agents.
type AgentMetrics struct {
	// Process execution metrics
	ProcessDuration *prometheus.HistogramVec
	ProcessesTotal  *prometheus.CounterVec
	ProcessesActive prometheus.Gauge
	KillsTotal      *prometheus.CounterVec

	// Output metrics
	OutputBytesTotal *prometheus.CounterVec

	// Acquisition metrics
	AcquireRequestsTotal prometheus.Counter
	TasksAcquiredTotal   prometheus.Counter
	Capacity             *prometheus.GaugeVec

	// Resource metrics
	CPUUsage    prometheus.Gauge
	MemoryUsage prometheus.Gauge
	MemoryBytes *prometheus.GaugeVec

	// Connection metrics
	ConnectionState   *prometheus.GaugeVec
	ReconnectTotal    prometheus.Counter
	HeartbeatsTotal   prometheus.Counter
	HeartbeatFailures prometheus.Counter

	// Executor metrics
	ExecutorErrors *prometheus.CounterVec
}

// newAgentMetrics creates and registers all agent metrics.
func newAgentMetrics(registry *prometheus.Registry) *AgentMetrics {
	m := &AgentMetrics{
		// Process execution metrics
		ProcessDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dispatchd",
				Subsystem: "agent",
				Name:      "process_duration_seconds",
				Help:      "Duration of task process execution in seconds.",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 7200},
			},
			[]string{"status", "executor"},
		),

		ProcessesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatchd",
				Subsystem: "agent",
				Name:      "processes_total",
				Help:      "Total number of task processes executed.",
			},
			[]string{"status", "executor"},
		),

		ProcessesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "dispatchd",
				Subsystem: "agent",
				Name:      "processes_active",
				Help:      "Number of currently running task processes.",
			},
		),

		KillsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatchd",
				Subsystem: "agent",
				Name:      "kills_total",
				Help:      "Total number of forcibly terminated task processes.",
			},
			[]string{"reason"}, // timeout, cancelled, shutdown
		),

		// Output metrics
		OutputBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatchd",
				Subsystem: "agent",
				Name:      "output_bytes_total",
				Help:      "Total bytes of task output captured.",
			},
			[]string{"stream"}, // stdout, stderr
		),

		// Acquisition metrics
		AcquireRequestsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "dispatchd",
				Subsystem: "agent",
				Name:      "acquire_requests_total",
				Help:      "Total number of task acquisition requests sent.",
			},
		),

		TasksAcquiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "dispatchd",
				Subsystem: "agent",
				Name:      "tasks_acquired_total",
				Help:      "Total number of tasks acquired from the server.",
			},
		),

		Capacity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dispatchd",
				Subsystem: "agent",
				Name:      "capacity",
				Help:      "Task execution capacity.",
			},
			[]string{"kind"}, // used, max
		),

		// Resource metrics
		CPUUsage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "dispatchd",
				Subsystem: "agent",
				Name:      "cpu_usage_percent",
				Help:      "Current CPU usage as a percentage (0-100).",
			},
		),

		MemoryUsage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "dispatchd",
				Subsystem: "agent",
				Name:      "memory_usage_percent",
				Help:      "Current memory usage as a percentage (0-100).",
			},
		),

		MemoryBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dispatchd",
				Subsystem: "agent",
				Name:      "memory_bytes",
				Help:      "Memory in bytes.",
			},
			[]string{"type"}, // used, available, total
		),

		// Connection metrics
		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dispatchd",
				Subsystem: "agent",
				Name:      "connection_state",
				Help:      "Current connection state (1=connected, 0=disconnected).",
			},
			[]string{"state"},
		),

		ReconnectTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "dispatchd",
				Subsystem: "agent",
				Name:      "reconnects_total",
				Help:      "Total number of reconnection attempts.",
			},
		),

		HeartbeatsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "dispatchd",
				Subsystem: "agent",
				Name:      "heartbeats_total",
				Help:      "Total number of heartbeats sent.",
			},
		),

		HeartbeatFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "dispatchd",
				Subsystem: "agent",
				Name:      "heartbeat_failures_total",
				Help:      "Total number of failed heartbeats.",
			},
		),

		// Executor metrics
		ExecutorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatchd",
				Subsystem: "agent",
				Name:      "executor_errors_total",
				Help:      "Total number of executor errors.",
			},
			[]string{"executor", "error_type"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.ProcessDuration,
		m.ProcessesTotal,
		m.ProcessesActive,
		m.KillsTotal,
		m.OutputBytesTotal,
		m.AcquireRequestsTotal,
		m.TasksAcquiredTotal,
		m.Capacity,
		m.CPUUsage,
		m.MemoryUsage,
		m.MemoryBytes,
		m.ConnectionState,
		m.ReconnectTotal,
		m.HeartbeatsTotal,
		m.HeartbeatFailures,
		m.ExecutorErrors,
	)

	return m
}

// RecordProcessComplete records a completed task process.
func (m *AgentMetrics) RecordProcessComplete(status, executor string, durationSeconds float64) {
	m.ProcessDuration.WithLabelValues(status, executor).Observe(durationSeconds)
	m.ProcessesTotal.WithLabelValues(status, executor).Inc()
}

// SetActiveProcesses sets the count of running task processes.
func (m *AgentMetrics) SetActiveProcesses(count float64) {
	m.ProcessesActive.Set(count)
}

// RecordKill records a forcible process termination.
func (m *AgentMetrics) RecordKill(reason string) {
	m.KillsTotal.WithLabelValues(reason).Inc()
}

// RecordOutputBytes records captured task output.
func (m *AgentMetrics) RecordOutputBytes(stream string, n int) {
	m.OutputBytesTotal.WithLabelValues(stream).Add(float64(n))
}

// RecordAcquire records an acquisition round trip and the tasks it returned.
func (m *AgentMetrics) RecordAcquire(received int) {
	m.AcquireRequestsTotal.Inc()
	m.TasksAcquiredTotal.Add(float64(received))
}

// SetCapacity sets the used and maximum task capacity gauges.
func (m *AgentMetrics) SetCapacity(used, max int) {
	m.Capacity.WithLabelValues("used").Set(float64(used))
	m.Capacity.WithLabelValues("max").Set(float64(max))
}

// SetCPUUsage sets the current CPU usage percentage.
func (m *AgentMetrics) SetCPUUsage(percent float64) {
	m.CPUUsage.Set(percent)
}

// SetMemoryUsage sets the current memory usage percentage.
func (m *AgentMetrics) SetMemoryUsage(percent float64) {
	m.MemoryUsage.Set(percent)
}

// SetMemoryBytes sets the memory metrics in bytes.
func (m *AgentMetrics) SetMemoryBytes(used, available, total uint64) {
	m.MemoryBytes.WithLabelValues("used").Set(float64(used))
	m.MemoryBytes.WithLabelValues("available").Set(float64(available))
	m.MemoryBytes.WithLabelValues("total").Set(float64(total))
}

// SetConnected sets the connection state to connected.
func (m *AgentMetrics) SetConnected() {
	m.ConnectionState.WithLabelValues("connected").Set(1)
	m.ConnectionState.WithLabelValues("disconnected").Set(0)
}

// SetDisconnected sets the connection state to disconnected.
func (m *AgentMetrics) SetDisconnected() {
	m.ConnectionState.WithLabelValues("connected").Set(0)
	m.ConnectionState.WithLabelValues("disconnected").Set(1)
}

// RecordReconnect records a reconnection attempt.
func (m *AgentMetrics) RecordReconnect() {
	m.ReconnectTotal.Inc()
}

// RecordHeartbeat records a heartbeat sent to the server.
func (m *AgentMetrics) RecordHeartbeat() {
	m.HeartbeatsTotal.Inc()
}

// RecordHeartbeatFailure records a failed heartbeat.
func (m *AgentMetrics) RecordHeartbeatFailure() {
	m.HeartbeatFailures.Inc()
}

// RecordExecutorError records an executor error.
func (m *AgentMetrics) RecordExecutorError(executor, errorType string) {
	m.ExecutorErrors.WithLabelValues(executor, errorType).Inc()
}
