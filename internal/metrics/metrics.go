// Package metrics provides Prometheus metrics collection for the execution
// coordination plane, grouped by component and following the same
// constructor/registration pattern used across the service's HTTP metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the coordination plane.
type Metrics struct {
	// Execution store (C1)
	ClaimAttemptsTotal *prometheus.CounterVec // result; the worker records only successful claims, as "claimed"
	ClaimExpiredTotal  prometheus.Counter
	ExecutionsTotal    *prometheus.CounterVec // status=Completed|Failed|Stopped

	// Task queue (C2)
	TasksPublishedTotal *prometheus.CounterVec // partition
	TasksConsumedTotal  *prometheus.CounterVec // partition
	QueueDepth          *prometheus.GaugeVec   // partition

	// Command bus (C3)
	CommandsPublishedTotal *prometheus.CounterVec // command
	CommandsAppliedTotal   *prometheus.CounterVec // command
	CommandsIgnoredTotal   *prometheus.CounterVec // reason=not_owner|unknown|unknown_command

	// Event bus (C4)
	EventsPublishedTotal  *prometheus.CounterVec // partition
	EventPublishDuration  prometheus.Histogram
	EarlySkippedTotal     *prometheus.CounterVec // partition — events discarded by the stage-1 partition check
	ActiveSubscriptions   prometheus.Gauge
	SubscriptionIdleClose prometheus.Counter

	// Worker (C6) / Recovery sweeper (C7)
	RetriesTotal      *prometheus.CounterVec // reason
	RecoveredTotal    prometheus.Counter
	HeartbeatFailures prometheus.Counter
}

// New creates a new Metrics instance registered against the default registry.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClaimAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowexec_claim_attempts_total",
				Help: "Claim attempts against the execution store, by result",
			},
			[]string{"service", "result"},
		),
		ClaimExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flowexec_claims_expired_total",
				Help: "Claims moved out of active by expireOldClaims",
			},
		),
		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowexec_executions_total",
				Help: "Executions reaching a terminal status",
			},
			[]string{"service", "status"},
		),

		TasksPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowexec_tasks_published_total",
				Help: "Tasks published to the task queue",
			},
			[]string{"service", "partition"},
		),
		TasksConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowexec_tasks_consumed_total",
				Help: "Tasks delivered to a handler",
			},
			[]string{"service", "partition"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowexec_queue_depth",
				Help: "Pending entries per task queue partition",
			},
			[]string{"service", "partition"},
		),

		CommandsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowexec_commands_published_total",
				Help: "Commands published to the command bus",
			},
			[]string{"service", "command"},
		),
		CommandsAppliedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowexec_commands_applied_total",
				Help: "Commands applied by the owning worker",
			},
			[]string{"service", "command"},
		),
		CommandsIgnoredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowexec_commands_ignored_total",
				Help: "Commands discarded after the ownership re-verify",
			},
			[]string{"service", "reason"},
		),

		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowexec_events_published_total",
				Help: "Events appended to the event log",
			},
			[]string{"service", "partition"},
		),
		EventPublishDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flowexec_event_publish_duration_seconds",
				Help:    "Latency of publishEvent, insert + notify",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		EarlySkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowexec_early_skipped_total",
				Help: "Notifications discarded by the stage-1 partition/execution header check before deserialisation",
			},
			[]string{"service", "partition"},
		),
		ActiveSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowexec_active_subscriptions",
				Help: "Currently open event-bus subscriptions",
			},
		),
		SubscriptionIdleClose: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flowexec_subscription_idle_closed_total",
				Help: "Subscriptions torn down by the idle-timeout sweep",
			},
		),

		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowexec_retries_total",
				Help: "Task republishes from the worker's failure path or the recovery sweeper",
			},
			[]string{"service", "reason"},
		),
		RecoveredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flowexec_recovered_total",
				Help: "Executions republished by the recovery sweeper",
			},
		),
		HeartbeatFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flowexec_heartbeat_failures_total",
				Help: "extendClaim calls that returned false",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.ClaimAttemptsTotal, m.ClaimExpiredTotal, m.ExecutionsTotal,
			m.TasksPublishedTotal, m.TasksConsumedTotal, m.QueueDepth,
			m.CommandsPublishedTotal, m.CommandsAppliedTotal, m.CommandsIgnoredTotal,
			m.EventsPublishedTotal, m.EventPublishDuration, m.EarlySkippedTotal,
			m.ActiveSubscriptions, m.SubscriptionIdleClose,
			m.RetriesTotal, m.RecoveredTotal, m.HeartbeatFailures,
		)
	}

	return m
}

// RecordEventPublish observes publish latency and increments the per-partition counter.
func (m *Metrics) RecordEventPublish(service, partition string, d time.Duration) {
	m.EventsPublishedTotal.WithLabelValues(service, partition).Inc()
	m.EventPublishDuration.Observe(d.Seconds())
}

// Global metrics instance: a process-wide accessor for code that does not
// receive a *Metrics through its constructor. cmd/worker and cmd/apiserver
// do not use it; they call New and pass the result explicitly.
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("flowexec")
	}
	return globalMetrics
}
