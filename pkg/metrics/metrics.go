package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "task_coordination"

// Metrics holds the coordination collectors. A nil *Metrics is valid and records nothing,
// so components can treat instrumentation as optional.
type Metrics struct {
	registry prometheus.Gatherer

	// Membership metrics
	LiveNodes         prometheus.Gauge
	IsCoordinator     prometheus.Gauge
	HeartbeatFailures prometheus.Counter
	NodesRemoved      prometheus.Counter
	NodesAdded        prometheus.Counter

	// Task metrics
	TasksAssigned        prometheus.Counter
	TasksSwept           prometheus.Counter
	ClaimAttempts        *prometheus.CounterVec
	TaskRuns             *prometheus.CounterVec
	TasksInFlight        prometheus.Gauge
	TickDuration         prometheus.Histogram
	StoreErrors          *prometheus.CounterVec
	PendingRegistrations prometheus.Gauge
}

// New registers the coordination collectors with reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		LiveNodes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_nodes",
			Help:      "Number of nodes with a fresh heartbeat in the latest snapshot",
		}),
		IsCoordinator: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "is_coordinator",
			Help:      "1 when this node is the cluster coordinator",
		}),
		HeartbeatFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Heartbeat writes that failed",
		}),
		NodesRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_removed_total",
			Help:      "Nodes declared dead and swept by this coordinator",
		}),
		NodesAdded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_added_total",
			Help:      "New nodes accounted for by this coordinator",
		}),

		TasksAssigned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_assigned_total",
			Help:      "Task assignments written by this coordinator",
		}),
		TasksSwept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_swept_total",
			Help:      "Task rows reset because their destined node was gone",
		}),
		ClaimAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claim_attempts_total",
				Help:      "Claim attempts by result",
			},
			[]string{"result"},
		),
		TaskRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_runs_total",
				Help:      "Finished task runs by outcome",
			},
			[]string{"outcome"},
		),
		TasksInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Tasks currently executing on this node",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "coordinator_tick_duration_seconds",
			Help:      "Duration of coordinator control loop ticks",
			Buckets:   prometheus.DefBuckets,
		}),
		StoreErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Coordination store operations that failed",
			},
			[]string{"op"},
		),
		PendingRegistrations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_registrations",
			Help:      "Task registrations waiting for the store to come back",
		}),
	}
}

// Handler serves the exposition format for the registry the metrics were created with.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetLiveNodes(n int) {
	if m == nil {
		return
	}
	m.LiveNodes.Set(float64(n))
}

func (m *Metrics) SetCoordinator(is bool) {
	if m == nil {
		return
	}
	if is {
		m.IsCoordinator.Set(1)
	} else {
		m.IsCoordinator.Set(0)
	}
}

func (m *Metrics) IncHeartbeatFailures() {
	if m == nil {
		return
	}
	m.HeartbeatFailures.Inc()
}

func (m *Metrics) AddNodesRemoved(n int) {
	if m == nil {
		return
	}
	m.NodesRemoved.Add(float64(n))
}

func (m *Metrics) AddNodesAdded(n int) {
	if m == nil {
		return
	}
	m.NodesAdded.Add(float64(n))
}

func (m *Metrics) IncTasksAssigned() {
	if m == nil {
		return
	}
	m.TasksAssigned.Inc()
}

func (m *Metrics) AddTasksSwept(n int64) {
	if m == nil {
		return
	}
	m.TasksSwept.Add(float64(n))
}

// RecordClaim counts a claim attempt; result is "won", "lost" or "error".
func (m *Metrics) RecordClaim(result string) {
	if m == nil {
		return
	}
	m.ClaimAttempts.WithLabelValues(result).Inc()
}

// RecordRun counts a finished run by outcome.
func (m *Metrics) RecordRun(outcome string) {
	if m == nil {
		return
	}
	m.TaskRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncInFlight() {
	if m == nil {
		return
	}
	m.TasksInFlight.Inc()
}

func (m *Metrics) DecInFlight() {
	if m == nil {
		return
	}
	m.TasksInFlight.Dec()
}

func (m *Metrics) ObserveTick(seconds float64) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(seconds)
}

func (m *Metrics) RecordStoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) SetPendingRegistrations(n int) {
	if m == nil {
		return
	}
	m.PendingRegistrations.Set(float64(n))
}
