package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector gathers engine metrics for Prometheus scraping
type Collector struct {
	unitsProcessed prometheus.Counter
	unitsFailed    prometheus.Counter
	unitLatency    prometheus.Histogram

	tasksFinalized *prometheus.CounterVec
	unitsInFlight  prometheus.Gauge
	sweptTasks     prometheus.Counter
}

// NewCollector creates a collector and registers its metrics with the
// given registerer (pass prometheus.DefaultRegisterer in production)
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		unitsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pageproc_units_processed_total",
			Help: "Total number of units processed successfully",
		}),
		unitsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pageproc_units_failed_total",
			Help: "Total number of unit processing failures",
		}),
		unitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pageproc_unit_latency_seconds",
			Help:    "Unit processing latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		tasksFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pageproc_tasks_finalized_total",
			Help: "Total number of tasks reaching a terminal status",
		}, []string{"status"}),
		unitsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pageproc_units_in_flight",
			Help: "Current number of units being processed",
		}),
		sweptTasks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pageproc_tasks_swept_total",
			Help: "Total number of stale tasks deleted by the retention sweeper",
		}),
	}

	reg.MustRegister(
		c.unitsProcessed,
		c.unitsFailed,
		c.unitLatency,
		c.tasksFinalized,
		c.unitsInFlight,
		c.sweptTasks,
	)

	return c
}

// RecordUnitSuccess records one successful unit and its latency
func (c *Collector) RecordUnitSuccess(latencySeconds float64) {
	c.unitsProcessed.Inc()
	c.unitLatency.Observe(latencySeconds)
}

// RecordUnitFailure records one failed unit and its latency
func (c *Collector) RecordUnitFailure(latencySeconds float64) {
	c.unitsFailed.Inc()
	c.unitLatency.Observe(latencySeconds)
}

// RecordTaskFinalized records a task reaching a terminal status
func (c *Collector) RecordTaskFinalized(status string) {
	c.tasksFinalized.WithLabelValues(status).Inc()
}

// UnitStarted increments the in-flight gauge
func (c *Collector) UnitStarted() {
	c.unitsInFlight.Inc()
}

// UnitFinished decrements the in-flight gauge
func (c *Collector) UnitFinished() {
	c.unitsInFlight.Dec()
}

// RecordSwept records stale tasks removed by the sweeper
func (c *Collector) RecordSwept(count int) {
	c.sweptTasks.Add(float64(count))
}
