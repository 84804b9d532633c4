// ============================================================================
// Falcon-Sched Telemetry Sink - Per-Job Samples and Interval Aggregates
// ============================================================================
//
// Package: internal/telemetry
// File: sink.go
// Function: Buffers per-job telemetry samples in a fixed-capacity ring and
// folds them into interval aggregates for the export pipeline
//
// Emission contract:
//   Exactly one sample per job, emitted on the transition into a terminal
//   state (completed, missed, cancelled). The sink never blocks the
//   scheduler: when the ring is full the oldest sample is overwritten and a
//   drop counter increments. Observation must not perturb dispatch.
//
// ============================================================================

package telemetry

import (
	"sort"
	"sync"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// DefaultRingCapacity bounds the in-memory sample buffer.
const DefaultRingCapacity = 4096

// Aggregate is one interval's folded view of the sample stream plus the
// gauge values the kernel stamps at export time.
type Aggregate struct {
	SchemaVer int `json:"schema_ver"`

	IntervalStartNS uint64 `json:"interval_start_ns"`
	IntervalEndNS   uint64 `json:"interval_end_ns"`

	Completed uint64 `json:"completed"`
	Missed    uint64 `json:"missed"`
	Cancelled uint64 `json:"cancelled"`

	JitterP50NS int64 `json:"jitter_p50_ns"`
	JitterP95NS int64 `json:"jitter_p95_ns"`
	JitterP99NS int64 `json:"jitter_p99_ns"`

	QueueDepthMax    int                      `json:"queue_depth_max"`
	UtilizationPPM   uint32                   `json:"utilization_ppm"`
	AdmissionRejects uint64                   `json:"admission_rejects"`
	GateRateLimited  uint64                   `json:"gate_rate_limited"`
	SamplesDropped   uint64                   `json:"samples_dropped"`
	MissesByClass    map[types.ClassID]uint64 `json:"misses_by_class,omitempty"`
}

// Sink buffers samples from the kernel. Record is called from the scheduler
// path; Drain is called from the export loop, so the sink carries its own
// lock.
type Sink struct {
	mu      sync.Mutex
	ring    []types.TelemetrySample
	next    int
	count   int
	dropped uint64

	journal *Journal // optional, nil disables journalling
}

// NewSink creates a sink with the given ring capacity (0 selects the
// default) and an optional journal for durable sample history.
func NewSink(capacity int, journal *Journal) *Sink {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Sink{
		ring:    make([]types.TelemetrySample, capacity),
		journal: journal,
	}
}

// Record accepts one terminal-transition sample. Never blocks: a full ring
// overwrites the oldest sample and counts the drop.
func (s *Sink) Record(sample types.TelemetrySample) {
	s.mu.Lock()
	if s.count == len(s.ring) {
		s.dropped++
	} else {
		s.count++
	}
	s.ring[s.next] = sample
	s.next = (s.next + 1) % len(s.ring)
	s.mu.Unlock()

	if s.journal != nil {
		// Journal append is buffered; errors surface on Flush/Close.
		s.journal.Append(sample)
	}
}

// Drain removes and returns all buffered samples in arrival order.
func (s *Sink) Drain() []types.TelemetrySample {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return nil
	}
	out := make([]types.TelemetrySample, 0, s.count)
	start := (s.next - s.count + len(s.ring)) % len(s.ring)
	for i := 0; i < s.count; i++ {
		out = append(out, s.ring[(start+i)%len(s.ring)])
	}
	s.count = 0
	return out
}

// Dropped returns the cumulative count of overwritten samples.
func (s *Sink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Fold aggregates a drained batch into an interval record. Jitter
// percentiles come from completed jobs only; a batch with no completions
// reports zero jitter.
func Fold(samples []types.TelemetrySample, startNS, endNS uint64) Aggregate {
	agg := Aggregate{
		SchemaVer:       1,
		IntervalStartNS: startNS,
		IntervalEndNS:   endNS,
		MissesByClass:   make(map[types.ClassID]uint64),
	}

	var jitter []int64
	for _, smp := range samples {
		switch smp.Outcome {
		case types.OutcomeCompleted:
			agg.Completed++
			jitter = append(jitter, smp.JitterNS)
		case types.OutcomeMissed:
			agg.Missed++
			agg.MissesByClass[smp.ClassID]++
		case types.OutcomeCancelled:
			agg.Cancelled++
		}
	}

	if len(jitter) > 0 {
		sort.Slice(jitter, func(i, j int) bool { return jitter[i] < jitter[j] })
		agg.JitterP50NS = percentile(jitter, 0.50)
		agg.JitterP95NS = percentile(jitter, 0.95)
		agg.JitterP99NS = percentile(jitter, 0.99)
	}
	return agg
}

// percentile expects sorted input; index rounds half-up so small batches
// keep their extreme values visible at p99.
func percentile(sorted []int64, q float64) int64 {
	idx := int(float64(len(sorted)-1)*q + 0.5)
	return sorted[idx]
}
