// Package metrics exports fleetd measurements to Prometheus.
//
// Metrics implements the recorders of the lifecycle controllers and the
// event monitor. StateCollector and NetworkCollector read their values from
// callbacks at scrape time.
package metrics

import (
	"time"

	"github.com/containerd/errdefs"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spin-stack/fleetd/internal/lifecycle"
	"github.com/spin-stack/fleetd/internal/monitor"
	"github.com/spin-stack/fleetd/internal/network"
)

const namespace = "fleetd"

var (
	_ lifecycle.MetricsRecorder = (*Metrics)(nil)
	_ monitor.Recorder          = (*Metrics)(nil)
)

// Result label values.
const (
	ResultOK          = "ok"
	ResultNotFound    = "not_found"
	ResultConflict    = "conflict"
	ResultTimeout     = "timeout"
	ResultUnavailable = "unavailable"
	ResultError       = "error"
)

// Result maps an error to its result label.
func Result(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errdefs.IsNotFound(err):
		return ResultNotFound
	case errdefs.IsConflict(err):
		return ResultConflict
	case errdefs.IsDeadlineExceeded(err):
		return ResultTimeout
	case errdefs.IsUnavailable(err):
		return ResultUnavailable
	default:
		return ResultError
	}
}

// Metrics holds the fleetd collectors.
type Metrics struct {
	operations  *prometheus.CounterVec
	opDuration  *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	events      *prometheus.CounterVec
	restarts    *prometheus.CounterVec
	reconnects  prometheus.Counter
	connected   prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lifecycle",
			Name: "operations_total",
			Help: "Controller operations by role, operation and result",
		}, []string{"role", "op", "result"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "lifecycle",
			Name:    "operation_duration_seconds",
			Help:    "Duration of controller operations",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 9),
		}, []string{"role", "op"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lifecycle",
			Name: "transitions_total",
			Help: "State transitions by source, target and result",
		}, []string{"from", "to", "result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "monitor",
			Name: "events_total",
			Help: "Engine events dispatched to a controller",
		}, []string{"action"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "monitor",
			Name: "restarts_total",
			Help: "Automatic restarts by role and outcome",
		}, []string{"role", "outcome"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "monitor",
			Name: "reconnects_total",
			Help: "Event stream reconnect attempts",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "monitor",
			Name: "connected",
			Help: "1 while the event stream is subscribed",
		}),
	}
	reg.MustRegister(
		m.operations,
		m.opDuration,
		m.transitions,
		m.events,
		m.restarts,
		m.reconnects,
		m.connected,
	)
	return m
}

func (m *Metrics) RecordOperation(role, op string, err error, d time.Duration) {
	m.operations.WithLabelValues(role, op, Result(err)).Inc()
	m.opDuration.WithLabelValues(role, op).Observe(d.Seconds())
}

func (m *Metrics) RecordTransition(from, to string, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.transitions.WithLabelValues(from, to, result).Inc()
}

func (m *Metrics) RecordEvent(action string) { m.events.WithLabelValues(action).Inc() }

func (m *Metrics) RecordRestart(role, outcome string) {
	m.restarts.WithLabelValues(role, outcome).Inc()
}

func (m *Metrics) RecordReconnect() { m.reconnects.Inc() }

func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

// StateCollector reports the number of containers per lifecycle state and
// the number of records marked stale.
type StateCollector struct {
	records func() []lifecycle.Record

	byState *prometheus.Desc
	stale   *prometheus.Desc
}

// NewStateCollector returns a collector reading records at scrape time.
func NewStateCollector(records func() []lifecycle.Record) *StateCollector {
	return &StateCollector{
		records: records,
		byState: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "containers"),
			"Managed containers by lifecycle state",
			[]string{"state"}, nil,
		),
		stale: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "containers_stale"),
			"Managed containers whose state awaits confirmation from the engine",
			nil, nil,
		),
	}
}

func (c *StateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.byState
	ch <- c.stale
}

func (c *StateCollector) Collect(ch chan<- prometheus.Metric) {
	counts := make(map[string]int, len(lifecycle.States))
	for _, s := range lifecycle.States {
		counts[s.String()] = 0
	}
	stale := 0
	for _, r := range c.records() {
		counts[r.State]++
		if r.Stale {
			stale++
		}
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.byState, prometheus.GaugeValue, float64(n), state)
	}
	ch <- prometheus.MustNewConstMetric(c.stale, prometheus.GaugeValue, float64(stale))
}

// NetworkCollector exports the network manager counters.
type NetworkCollector struct {
	snapshot func() network.MetricsSnapshot

	attaches       *prometheus.Desc
	attachFailures *prometheus.Desc
	detaches       *prometheus.Desc
	stale          *prometheus.Desc
	drift          *prometheus.Desc
	attachTime     *prometheus.Desc
}

// NewNetworkCollector returns a collector reading snapshot at scrape time.
func NewNetworkCollector(snapshot func() network.MetricsSnapshot) *NetworkCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "network", name), help, nil, nil)
	}
	return &NetworkCollector{
		snapshot:       snapshot,
		attaches:       desc("attaches_total", "Containers attached to the internal network"),
		attachFailures: desc("attach_failures_total", "Failed attaches"),
		detaches:       desc("detaches_total", "Containers detached from the internal network"),
		stale:          desc("stale_endpoints_total", "Endpoints removed before an attach"),
		drift:          desc("drift_recreations_total", "Network recreations after drift"),
		attachTime:     desc("attach_duration_seconds_avg", "Average attach duration"),
	}
}

func (c *NetworkCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.attaches, c.attachFailures, c.detaches, c.stale, c.drift, c.attachTime} {
		ch <- d
	}
}

func (c *NetworkCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	ch <- prometheus.MustNewConstMetric(c.attaches, prometheus.CounterValue, float64(s.Attaches))
	ch <- prometheus.MustNewConstMetric(c.attachFailures, prometheus.CounterValue, float64(s.AttachFailures))
	ch <- prometheus.MustNewConstMetric(c.detaches, prometheus.CounterValue, float64(s.Detaches))
	ch <- prometheus.MustNewConstMetric(c.stale, prometheus.CounterValue, float64(s.StaleEndpoints))
	ch <- prometheus.MustNewConstMetric(c.drift, prometheus.CounterValue, float64(s.DriftRecreations))
	ch <- prometheus.MustNewConstMetric(c.attachTime, prometheus.GaugeValue, s.AvgAttachTime.Seconds())
}
