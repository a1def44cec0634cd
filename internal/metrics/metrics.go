// ABOUTME: Prometheus collectors for coordinator, monitor and API activity
// ABOUTME: Metrics satisfies coordinator.Observer and monitor.Recorder

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/2389/coven-coordinator/internal/coordinator"
)

const namespace = "coven_coordinator"

// Metrics holds the counters and histograms updated by the service.
type Metrics struct {
	tasksCreated    *prometheus.CounterVec
	tasksUnrouted   *prometheus.CounterVec
	tasksFinished   *prometheus.CounterVec
	persistFailures prometheus.Counter
	sweeps          prometheus.Counter
	staleAgents     prometheus.Gauge
	restarts        *prometheus.CounterVec
	discoveryRuns   *prometheus.CounterVec
	discoveredTasks prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

// MustNew creates the collectors and registers them with reg, panicking on
// registration conflicts. A nil reg uses the default registerer.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Tasks queued, by category.",
		}, []string{"category"}),
		tasksUnrouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_unrouted_total",
			Help:      "Task creation requests rejected because no agent was available.",
		}, []string{"category"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks completed or failed, by category and outcome.",
		}, []string{"category", "success"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "State store saves that failed.",
		}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "sweeps_total",
			Help:      "Health sweeps run.",
		}),
		staleAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "stale_agents",
			Help:      "Stale agents found by the most recent sweep.",
		}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "restarts_total",
			Help:      "Agent restart attempts, by agent and result.",
		}, []string{"agent", "result"}),
		discoveryRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "runs_total",
			Help:      "Task discovery runs, by result.",
		}, []string{"result"}),
		discoveredTasks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "tasks_created_total",
			Help:      "Tasks created from discovery.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Coordination API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}

	reg.MustRegister(
		m.tasksCreated,
		m.tasksUnrouted,
		m.tasksFinished,
		m.persistFailures,
		m.sweeps,
		m.staleAgents,
		m.restarts,
		m.discoveryRuns,
		m.discoveredTasks,
		m.requestDuration,
	)
	return m
}

// TaskCreated implements coordinator.Observer.
func (m *Metrics) TaskCreated(category string) {
	if m == nil {
		return
	}
	m.tasksCreated.WithLabelValues(category).Inc()
}

// TaskRoutingFailed implements coordinator.Observer.
func (m *Metrics) TaskRoutingFailed(category string) {
	if m == nil {
		return
	}
	m.tasksUnrouted.WithLabelValues(category).Inc()
}

// TaskFinished implements coordinator.Observer.
func (m *Metrics) TaskFinished(category string, success bool) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(category, strconv.FormatBool(success)).Inc()
}

// PersistFailed implements coordinator.Observer.
func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

// SweepCompleted implements monitor.Recorder.
func (m *Metrics) SweepCompleted(stale int) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.staleAgents.Set(float64(stale))
}

// RestartAttempted implements monitor.Recorder.
func (m *Metrics) RestartAttempted(agentName string, err error) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(agentName, result(err)).Inc()
}

// DiscoveryCompleted implements monitor.Recorder.
func (m *Metrics) DiscoveryCompleted(created int, err error) {
	if m == nil {
		return
	}
	m.discoveryRuns.WithLabelValues(result(err)).Inc()
	m.discoveredTasks.Add(float64(created))
}

// ObserveRequest records one API request.
func (m *Metrics) ObserveRequest(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(route, strconv.Itoa(code)).Observe(d.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// HealthSource provides the liveness summary exported by StateCollector.
type HealthSource interface {
	Health() coordinator.Health
}

// StateCollector exports agent and task counts read from the coordinator at
// scrape time.
type StateCollector struct {
	source HealthSource
	agents *prometheus.Desc
	tasks  *prometheus.Desc
}

// NewStateCollector creates a collector over source.
func NewStateCollector(source HealthSource) *StateCollector {
	return &StateCollector{
		source: source,
		agents: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "agents"),
			"Registered agents by status.",
			[]string{"status"}, nil,
		),
		tasks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tasks"),
			"Tasks by lifecycle state.",
			[]string{"state"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *StateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.agents
	ch <- c.tasks
}

// Collect implements prometheus.Collector.
func (c *StateCollector) Collect(ch chan<- prometheus.Metric) {
	h := c.source.Health()
	for status, n := range map[string]int{
		"available":    h.Agents.Available,
		"busy":         h.Agents.Busy,
		"unresponsive": h.Agents.Unresponsive,
		"unknown":      h.Agents.Unknown,
	} {
		ch <- prometheus.MustNewConstMetric(c.agents, prometheus.GaugeValue, float64(n), status)
	}
	for state, n := range map[string]int{
		"queued":    h.Tasks.Queued,
		"executing": h.Tasks.Executing,
		"completed": h.Tasks.Completed,
		"failed":    h.Tasks.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.GaugeValue, float64(n), state)
	}
}
