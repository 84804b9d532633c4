// ============================================================================
// Falcon-Sched Metrics - Prometheus Scheduler Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collects and exposes scheduler metrics in Prometheus format
//
// Metric groups:
//
//   1. Job counters (monotone):
//      - sched_jobs_submitted_total
//      - sched_jobs_completed_total
//      - sched_jobs_missed_total: deadline misses, counted exactly once
//      - sched_jobs_cancelled_total
//      - sched_preemptions_total
//      - sched_admission_rejects_total
//      - sched_gate_rate_limited_total
//
//   2. Jitter (histogram):
//      - sched_completion_jitter_seconds: finish - deadline; negative means
//        the job beat its deadline, so buckets are symmetric around zero.
//
//   3. State gauges:
//      - sched_utilization_ppm: reserved utilization across admitted classes
//      - sched_ready_queue_depth / sched_ready_queue_depth_max
//      - sched_servers_active
//
// Alerting guidance:
//   - rate(sched_jobs_missed_total[1m]) > 0 on a supposedly schedulable
//     workload means declared WCETs are wrong
//   - sched_utilization_ppm near the ceiling means no admission headroom
//   - sched_gate_rate_limited_total growth means adaptive collaborators
//     are thrashing
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the scheduler's Prometheus instruments. Counter and gauge
// operations are atomic; the collector needs no lock of its own.
type Collector struct {
	jobsSubmitted prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsMissed    prometheus.Counter
	jobsCancelled prometheus.Counter
	preemptions   prometheus.Counter
	rejects       prometheus.Counter
	rateLimited   prometheus.Counter

	jitter prometheus.Histogram

	utilizationPPM prometheus.Gauge
	queueDepth     prometheus.Gauge
	queueDepthMax  prometheus.Gauge
	serversActive  prometheus.Gauge
}

// NewCollector creates and registers the scheduler metric set.
func NewCollector() *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_jobs_submitted_total",
			Help: "Total number of jobs accepted for scheduling",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_jobs_completed_total",
			Help: "Total number of jobs completed before their deadline",
		}),
		jobsMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_jobs_missed_total",
			Help: "Total number of deadline misses, counted once per job",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_jobs_cancelled_total",
			Help: "Total number of jobs cancelled before completion",
		}),
		preemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_preemptions_total",
			Help: "Total number of EDF preemptions",
		}),
		rejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_admission_rejects_total",
			Help: "Total number of admission rejections",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_gate_rate_limited_total",
			Help: "Total number of directives dropped by the coordination gate",
		}),
		jitter: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "sched_completion_jitter_seconds",
			Help: "Completion jitter (finish minus deadline) in seconds; negative beats the deadline",
			Buckets: []float64{
				-0.1, -0.05, -0.01, -0.005, -0.001, 0,
				0.001, 0.005, 0.01, 0.05, 0.1,
			},
		}),
		utilizationPPM: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sched_utilization_ppm",
			Help: "Reserved utilization across admitted classes in parts per million",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sched_ready_queue_depth",
			Help: "Current EDF ready queue depth",
		}),
		queueDepthMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sched_ready_queue_depth_max",
			Help: "Ready queue depth high-water mark since boot",
		}),
		serversActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sched_servers_active",
			Help: "Number of active CBS servers",
		}),
	}

	prometheus.MustRegister(c.jobsSubmitted)
	prometheus.MustRegister(c.jobsCompleted)
	prometheus.MustRegister(c.jobsMissed)
	prometheus.MustRegister(c.jobsCancelled)
	prometheus.MustRegister(c.preemptions)
	prometheus.MustRegister(c.rejects)
	prometheus.MustRegister(c.rateLimited)
	prometheus.MustRegister(c.jitter)
	prometheus.MustRegister(c.utilizationPPM)
	prometheus.MustRegister(c.queueDepth)
	prometheus.MustRegister(c.queueDepthMax)
	prometheus.MustRegister(c.serversActive)

	return c
}

// RecordSubmitted counts an accepted submission.
func (c *Collector) RecordSubmitted() {
	c.jobsSubmitted.Inc()
}

// RecordCompleted counts a clean completion and observes its jitter.
func (c *Collector) RecordCompleted(jitterSeconds float64) {
	c.jobsCompleted.Inc()
	c.jitter.Observe(jitterSeconds)
}

// RecordMissed counts a deadline miss.
func (c *Collector) RecordMissed() {
	c.jobsMissed.Inc()
}

// RecordCancelled counts a cancellation.
func (c *Collector) RecordCancelled() {
	c.jobsCancelled.Inc()
}

// RecordPreemption counts an EDF preemption.
func (c *Collector) RecordPreemption() {
	c.preemptions.Inc()
}

// RecordReject counts an admission rejection.
func (c *Collector) RecordReject() {
	c.rejects.Inc()
}

// RecordRateLimited counts a gate-dropped directive.
func (c *Collector) RecordRateLimited() {
	c.rateLimited.Inc()
}

// UpdateSchedulerStats refreshes the state gauges from the kernel's view.
func (c *Collector) UpdateSchedulerStats(utilizationPPM uint32, queueDepth, queueDepthMax, servers int) {
	c.utilizationPPM.Set(float64(utilizationPPM))
	c.queueDepth.Set(float64(queueDepth))
	c.queueDepthMax.Set(float64(queueDepthMax))
	c.serversActive.Set(float64(servers))
}

// StartServer exposes /metrics on the given port for Prometheus scraping.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
