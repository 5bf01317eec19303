package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ServerMetrics holds all metrics for the dispatchd server.
type ServerMetrics struct {
	// Agent metrics
	AgentsTotal *prometheus.GaugeVec

	// Task instance metrics
	InstancesTotal   *prometheus.CounterVec
	InstancesActive  prometheus.Gauge
	InstanceDuration *prometheus.HistogramVec
	PendingTasks     prometheus.Gauge
	TimeToDispatch   prometheus.Histogram

	// Leader election metrics
	LeaderState       prometheus.Gauge
	LeaderTransitions prometheus.Counter

	// HTTP metrics
	APIRequestDuration *prometheus.HistogramVec
	APIRequestsTotal   *prometheus.CounterVec

	// WebSocket metrics
	WebSocketConnections   prometheus.Gauge
	WebSocketMessagesTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBQueriesTotal      *prometheus.CounterVec
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Scheduler metrics
	SchedulerDecisions *prometheus.CounterVec
	ScanDuration       prometheus.Histogram
}

// newServerMetrics creates and registers all server metrics.
func newServerMetrics(registry *prometheus.Registry) *ServerMetrics {
	m := &ServerMetrics{
		// Agent metrics
		AgentsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dispatchd",
				Subsystem: "server",
				Name:      "agents_total",
				Help:      "Number of agents by status.",
			},
			[]string{"status"}, // online, offline, draining
		),

		// Task instance metrics
		InstancesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatchd",
				Subsystem: "server",
				Name:      "instances_total",
				Help:      "Total number of task instances by terminal status.",
			},
			[]string{"status"},
		),

		InstancesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "dispatchd",
				Subsystem: "server",
				Name:      "instances_active",
				Help:      "Number of task instances currently sent or running.",
			},
		),

		InstanceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dispatchd",
				Subsystem: "server",
				Name:      "instance_duration_seconds",
				Help:      "Duration of task instance execution in seconds.",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 7200},
			},
			[]string{"status"},
		),

		PendingTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "dispatchd",
				Subsystem: "server",
				Name:      "pending_tasks",
				Help:      "Number of scheduled task instances waiting to be acquired.",
			},
		),

		TimeToDispatch: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "dispatchd",
				Subsystem: "server",
				Name:      "time_to_dispatch_seconds",
				Help:      "Time from scheduled_at until the task was sent to an agent.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
			},
		),

		// Leader election metrics
		LeaderState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "dispatchd",
				Subsystem: "server",
				Name:      "leader_state",
				Help:      "1 when this replica holds the leader lock, 0 otherwise.",
			},
		),

		LeaderTransitions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "dispatchd",
				Subsystem: "server",
				Name:      "leader_transitions_total",
				Help:      "Total number of leadership acquisitions and losses.",
			},
		),

		// HTTP metrics
		APIRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dispatchd",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP API requests in seconds.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatchd",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP API requests.",
			},
			[]string{"method", "path", "status"},
		),

		// WebSocket metrics
		WebSocketConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "dispatchd",
				Subsystem: "websocket",
				Name:      "connections",
				Help:      "Number of active agent WebSocket connections.",
			},
		),

		WebSocketMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatchd",
				Subsystem: "websocket",
				Name:      "messages_total",
				Help:      "Total number of WebSocket messages.",
			},
			[]string{"direction", "type"}, // direction: sent, received
		),

		// Database metrics
		DBQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dispatchd",
				Subsystem: "database",
				Name:      "query_duration_seconds",
				Help:      "Duration of database queries in seconds.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation", "table"},
		),

		DBQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatchd",
				Subsystem: "database",
				Name:      "queries_total",
				Help:      "Total number of database queries.",
			},
			[]string{"operation", "table", "status"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "dispatchd",
				Subsystem: "database",
				Name:      "connections_active",
				Help:      "Number of active database connections.",
			},
		),

		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "dispatchd",
				Subsystem: "database",
				Name:      "connections_idle",
				Help:      "Number of idle database connections.",
			},
		),

		// Scheduler metrics
		SchedulerDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatchd",
				Subsystem: "scheduler",
				Name:      "decisions_total",
				Help:      "Total number of scheduler decisions.",
			},
			[]string{"decision"}, // materialized, overlap_skipped, missed, timeout, orphaned, expired
		),

		ScanDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "dispatchd",
				Subsystem: "scheduler",
				Name:      "scan_duration_seconds",
				Help:      "Duration of schedule scan cycles.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.AgentsTotal,
		m.InstancesTotal,
		m.InstancesActive,
		m.InstanceDuration,
		m.PendingTasks,
		m.TimeToDispatch,
		m.LeaderState,
		m.LeaderTransitions,
		m.APIRequestDuration,
		m.APIRequestsTotal,
		m.WebSocketConnections,
		m.WebSocketMessagesTotal,
		m.DBQueryDuration,
		m.DBQueriesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.SchedulerDecisions,
		m.ScanDuration,
	)

	return m
}

// RecordAPIRequest records an HTTP API request with duration.
func (m *ServerMetrics) RecordAPIRequest(method, path, status string, durationSeconds float64) {
	m.APIRequestDuration.WithLabelValues(method, path, status).Observe(durationSeconds)
	m.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordInstanceComplete records a task instance reaching a terminal status.
func (m *ServerMetrics) RecordInstanceComplete(status string, durationSeconds float64) {
	m.InstancesTotal.WithLabelValues(status).Inc()
	m.InstanceDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordDBQuery records a database query with duration.
func (m *ServerMetrics) RecordDBQuery(operation, table, status string, durationSeconds float64) {
	m.DBQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
	m.DBQueriesTotal.WithLabelValues(operation, table, status).Inc()
}

// SetAgentCount sets the number of agents for a given status.
func (m *ServerMetrics) SetAgentCount(status string, count float64) {
	m.AgentsTotal.WithLabelValues(status).Set(count)
}

// SetActiveInstances sets the count of sent or running task instances.
func (m *ServerMetrics) SetActiveInstances(count float64) {
	m.InstancesActive.Set(count)
}

// SetPendingTasks sets the count of scheduled instances awaiting acquisition.
func (m *ServerMetrics) SetPendingTasks(count float64) {
	m.PendingTasks.Set(count)
}

// RecordDispatch records the time from scheduled_at to agent hand-off.
func (m *ServerMetrics) RecordDispatch(waitSeconds float64) {
	m.TimeToDispatch.Observe(waitSeconds)
}

// SetLeader records a leadership change for this replica.
func (m *ServerMetrics) SetLeader(isLeader bool) {
	if isLeader {
		m.LeaderState.Set(1)
	} else {
		m.LeaderState.Set(0)
	}
	m.LeaderTransitions.Inc()
}

// SetWebSocketConnections sets the number of active agent connections.
func (m *ServerMetrics) SetWebSocketConnections(count float64) {
	m.WebSocketConnections.Set(count)
}

// RecordWebSocketMessage records a WebSocket message.
func (m *ServerMetrics) RecordWebSocketMessage(direction, messageType string) {
	m.WebSocketMessagesTotal.WithLabelValues(direction, messageType).Inc()
}

// SetDBConnections sets the database connection pool gauges.
func (m *ServerMetrics) SetDBConnections(active, idle float64) {
	m.DBConnectionsActive.Set(active)
	m.DBConnectionsIdle.Set(idle)
}

// RecordSchedulerDecision records a scheduler decision.
func (m *ServerMetrics) RecordSchedulerDecision(decision string) {
	m.SchedulerDecisions.WithLabelValues(decision).Inc()
}

// RecordScan records the duration of one schedule scan cycle.
func (m *ServerMetrics) RecordScan(durationSeconds float64) {
	m.ScanDuration.Observe(durationSeconds)
}
