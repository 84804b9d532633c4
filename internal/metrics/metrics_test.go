package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsSubmitted, "jobsSubmitted counter should be initialized")
	assert.NotNil(t, collector.jobsCompleted, "jobsCompleted counter should be initialized")
	assert.NotNil(t, collector.jobsMissed, "jobsMissed counter should be initialized")
	assert.NotNil(t, collector.jobsCancelled, "jobsCancelled counter should be initialized")
	assert.NotNil(t, collector.preemptions, "preemptions counter should be initialized")
	assert.NotNil(t, collector.rejects, "rejects counter should be initialized")
	assert.NotNil(t, collector.rateLimited, "rateLimited counter should be initialized")
	assert.NotNil(t, collector.jitter, "jitter histogram should be initialized")
	assert.NotNil(t, collector.utilizationPPM, "utilizationPPM gauge should be initialized")
	assert.NotNil(t, collector.queueDepth, "queueDepth gauge should be initialized")
	assert.NotNil(t, collector.serversActive, "serversActive gauge should be initialized")
}

func TestRecordCounters(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordSubmitted()
		collector.RecordMissed()
		collector.RecordCancelled()
		collector.RecordPreemption()
		collector.RecordReject()
		collector.RecordRateLimited()
	}, "counter records should not panic")

	for i := 0; i < 5; i++ {
		collector.RecordSubmitted()
	}
}

func TestRecordCompletedObservesJitter(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordCompleted(-0.002) // finished 2ms before the deadline
		collector.RecordCompleted(0.0)
		collector.RecordCompleted(0.015)
	}, "RecordCompleted should not panic")
}

func TestUpdateSchedulerStats(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.UpdateSchedulerStats(250_000, 3, 7, 2)
		collector.UpdateSchedulerStats(0, 0, 7, 0)
	}, "UpdateSchedulerStats should not panic")
}
