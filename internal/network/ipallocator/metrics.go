package ipallocator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsProvider receives allocator measurements.
type MetricsProvider interface {
	IncrementAllocatedIPs()
	DecrementAllocatedIPs()
	SetAllocatedIPs(count float64)
	IncrementIPAllocations()
	IncrementIPReleases()
	IncrementIPAllocationErrors()
	ObserveIPAllocationDuration(duration time.Duration)
	ObserveIPReleaseDuration(duration time.Duration)
	SetTotalIPs(count float64)
}

// NoopMetrics discards all measurements.
type NoopMetrics struct{}

func (NoopMetrics) IncrementAllocatedIPs()                    {}
func (NoopMetrics) DecrementAllocatedIPs()                    {}
func (NoopMetrics) SetAllocatedIPs(float64)                   {}
func (NoopMetrics) IncrementIPAllocations()                   {}
func (NoopMetrics) IncrementIPReleases()                      {}
func (NoopMetrics) IncrementIPAllocationErrors()              {}
func (NoopMetrics) ObserveIPAllocationDuration(time.Duration) {}
func (NoopMetrics) ObserveIPReleaseDuration(time.Duration)    {}
func (NoopMetrics) SetTotalIPs(float64)                       {}

// PrometheusMetrics exports allocator measurements as fleetd_ipallocator_*.
type PrometheusMetrics struct {
	allocated          prometheus.Gauge
	total              prometheus.Gauge
	allocations        prometheus.Counter
	releases           prometheus.Counter
	allocationErrors   prometheus.Counter
	allocationDuration prometheus.Histogram
	releaseDuration    prometheus.Histogram
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	const ns, sub = "fleetd", "ipallocator"
	p := &PrometheusMetrics{
		allocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "allocated_ips",
			Help: "Number of add-on pool addresses in use",
		}),
		total: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "total_ips",
			Help: "Number of addresses in the add-on pool",
		}),
		allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "allocations_total",
			Help: "Allocation and reservation attempts",
		}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "releases_total",
			Help: "Release attempts",
		}),
		allocationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "allocation_errors_total",
			Help: "Failed allocations and reservations",
		}),
		allocationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "allocation_duration_seconds",
			Help:    "Duration of allocations",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
		releaseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "release_duration_seconds",
			Help:    "Duration of releases",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
	}
	reg.MustRegister(
		p.allocated,
		p.total,
		p.allocations,
		p.releases,
		p.allocationErrors,
		p.allocationDuration,
		p.releaseDuration,
	)
	return p
}

func (p *PrometheusMetrics) IncrementAllocatedIPs()        { p.allocated.Inc() }
func (p *PrometheusMetrics) DecrementAllocatedIPs()        { p.allocated.Dec() }
func (p *PrometheusMetrics) SetAllocatedIPs(count float64) { p.allocated.Set(count) }
func (p *PrometheusMetrics) IncrementIPAllocations()       { p.allocations.Inc() }
func (p *PrometheusMetrics) IncrementIPReleases()          { p.releases.Inc() }
func (p *PrometheusMetrics) IncrementIPAllocationErrors()  { p.allocationErrors.Inc() }
func (p *PrometheusMetrics) SetTotalIPs(count float64)     { p.total.Set(count) }

func (p *PrometheusMetrics) ObserveIPAllocationDuration(d time.Duration) {
	p.allocationDuration.Observe(d.Seconds())
}

func (p *PrometheusMetrics) ObserveIPReleaseDuration(d time.Duration) {
	p.releaseDuration.Observe(d.Seconds())
}

var ipAllocatorMetricsProvider MetricsProvider = NoopMetrics{}

// SetMetricsProvider sets the provider used by every allocator in the
// process. It must be called before the first allocator is created.
func SetMetricsProvider(provider MetricsProvider) {
	ipAllocatorMetricsProvider = provider
}
