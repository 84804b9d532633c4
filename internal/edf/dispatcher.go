// ============================================================================
// Falcon-Sched EDF Dispatcher - Deadline Ordering, Misses, Jitter
// ============================================================================
//
// Package: internal/edf
// File: dispatcher.go
// Function: Picks the next job to run among servers with available budget,
// detects deadline misses, and tracks scheduling jitter
//
// Dispatch rule:
//   Among all jobs whose server currently has budget, run the one with the
//   smallest absolute deadline; ties break toward the lowest job ID. A
//   running job is preempted when a newly ready job has an earlier
//   deadline (preemptive EDF); the elapsed time is charged to the outgoing
//   job's server before the switch.
//
// Miss accounting:
//   A job observed past its absolute deadline transitions to Missed at the
//   next scheduling point and is counted exactly once, no matter how many
//   scheduling points observe the overrun afterwards. Misses are expected
//   operational states under overload, not failures.
//
// ============================================================================

package edf

import (
	"fmt"
	"sort"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// BudgetSource answers whether a class's server can currently fund
// execution. Implemented by the kernel over the CBS engine.
type BudgetSource interface {
	HasBudget(types.ClassID) bool
}

// jitterCap bounds the jitter reservoir; older samples are overwritten.
const jitterCap = 512

// Dispatcher owns the ready queue plus the per-class accounting the
// telemetry export is built from. Single-writer: only the kernel calls in.
type Dispatcher struct {
	queue   *Queue
	budgets BudgetSource

	missesByClass map[types.ClassID]uint64
	missTotal     uint64
	preemptions   uint64
	maxDepth      int

	jitter     [jitterCap]int64
	jitterLen  int
	jitterNext int
}

// NewDispatcher creates a dispatcher with a ready queue of the given
// capacity.
func NewDispatcher(capacity int, budgets BudgetSource) *Dispatcher {
	return &Dispatcher{
		queue:         NewQueue(capacity),
		budgets:       budgets,
		missesByClass: make(map[types.ClassID]uint64),
	}
}

// ============================================================================
// Queue operations
// ============================================================================

// Enqueue adds a job to the ready set keyed by its absolute deadline.
// Callers must only enqueue jobs whose server has budget; that invariant
// is checked on the way out in PickNext.
func (d *Dispatcher) Enqueue(job *types.Job) error {
	if err := d.queue.Push(job, job.AbsoluteDeadlineNS); err != nil {
		return err
	}
	if d.queue.Len() > d.maxDepth {
		d.maxDepth = d.queue.Len()
	}
	return nil
}

// PickNext returns the earliest-deadline ready job, or nil when the ready
// set is empty. A job surfacing with an exhausted server means the kernel's
// bookkeeping is corrupt; that is fatal by design.
func (d *Dispatcher) PickNext() *types.Job {
	job := d.queue.Pop()
	if job == nil {
		return nil
	}
	if !d.budgets.HasBudget(job.ClassID) {
		panic(fmt.Sprintf("edf: ready queue invariant violation: job %d queued with exhausted server (class %d)",
			job.ID, job.ClassID))
	}
	return job
}

// Park removes a job from the ready set without a terminal transition,
// used when its server exhausts its budget mid-period.
func (d *Dispatcher) Park(jobID types.JobID) bool { return d.queue.Remove(jobID) }

// Cancel removes a job from the ready set for cancellation. Returns false
// if the job was not queued (e.g. currently running).
func (d *Dispatcher) Cancel(jobID types.JobID) bool { return d.queue.Remove(jobID) }

// ShouldPreempt reports whether the head of the ready set has an earlier
// deadline than the running job.
func (d *Dispatcher) ShouldPreempt(runningDeadlineNS uint64) bool {
	return d.queue.Len() > 0 && d.queue.PeekDeadline() < runningDeadlineNS
}

// QueueDepth returns the current ready-set depth.
func (d *Dispatcher) QueueDepth() int { return d.queue.Len() }

// QueueDepthMax returns the high-water mark since boot.
func (d *Dispatcher) QueueDepthMax() int { return d.maxDepth }

// ============================================================================
// Outcome accounting
// ============================================================================

// OnComplete records a job's final dispatch slice. Jobs finishing past
// their deadline are counted as missed exactly once, including jobs already
// marked missed at an earlier scheduling point and finished best-effort.
func (d *Dispatcher) OnComplete(job *types.Job, finishNS uint64) types.DispatchOutcome {
	if job.State == types.StateMissed {
		// Counted when the overrun was first observed.
		return types.OutcomeMissed
	}
	if finishNS > job.AbsoluteDeadlineNS {
		d.countMiss(job)
		return types.OutcomeMissed
	}
	d.recordJitter(int64(finishNS) - int64(job.AbsoluteDeadlineNS))
	return types.OutcomeCompleted
}

// OnPreempt returns a preempted job to the ready set. Remaining work
// carries over; the budget charge happened before the context switch.
func (d *Dispatcher) OnPreempt(job *types.Job) error {
	d.preemptions++
	return d.Enqueue(job)
}

// MarkMissed transitions a Ready/Running job observed past its deadline.
// Returns true if this call performed the (exactly-once) miss count.
func (d *Dispatcher) MarkMissed(job *types.Job, nowNS uint64) bool {
	if job.State == types.StateMissed {
		return false
	}
	if nowNS <= job.AbsoluteDeadlineNS {
		return false
	}
	d.countMiss(job)
	job.State = types.StateMissed
	return true
}

func (d *Dispatcher) countMiss(job *types.Job) {
	d.missTotal++
	d.missesByClass[job.ClassID]++
}

// Preemptions returns the cumulative preemption count.
func (d *Dispatcher) Preemptions() uint64 { return d.preemptions }

// MissCount returns the cumulative deadline-miss count.
func (d *Dispatcher) MissCount() uint64 { return d.missTotal }

// MissCountForClass returns the per-class deadline-miss counter.
func (d *Dispatcher) MissCountForClass(classID types.ClassID) uint64 {
	return d.missesByClass[classID]
}

// ============================================================================
// Jitter tracking
// ============================================================================

func (d *Dispatcher) recordJitter(jitterNS int64) {
	d.jitter[d.jitterNext] = jitterNS
	d.jitterNext = (d.jitterNext + 1) % jitterCap
	if d.jitterLen < jitterCap {
		d.jitterLen++
	}
}

// JitterPercentileNS returns the q-th percentile (0 < q <= 1) of recent
// completion jitter, or 0 when no completions have been recorded. Jitter is
// finish - deadline: negative values mean the job beat its deadline.
func (d *Dispatcher) JitterPercentileNS(q float64) int64 {
	if d.jitterLen == 0 {
		return 0
	}
	sorted := make([]int64, d.jitterLen)
	copy(sorted, d.jitter[:d.jitterLen])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(d.jitterLen-1)*q + 0.5)
	return sorted[idx]
}
