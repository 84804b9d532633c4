// ============================================================================
// Falcon-Sched EDF Ready Queue - Fixed-Capacity Deadline Heap
// ============================================================================
//
// Package: internal/edf
// File: queue.go
// Function: Orders ready jobs by (absolute_deadline_ns, job_id) with a
// binary heap backed by a fixed array
//
// Determinism:
//   Ties on the absolute deadline break toward the lower job ID. There is
//   no randomness anywhere in the ordering, so dispatch traces are fully
//   reproducible.
//
// No-allocation guarantee:
//   The backing array is sized once at construction from the maximum
//   number of concurrently admitted classes. Push/Pop/Remove are bounded
//   O(log n) / O(n) operations and never allocate, so the queue is safe to
//   use inside the scheduler's interrupt-masked critical sections.
//
// ============================================================================

package edf

import (
	"errors"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// ErrQueueFull means the ready set reached its boot-time capacity.
var ErrQueueFull = errors.New("edf: ready queue full")

type entry struct {
	deadlineNS uint64
	jobID      types.JobID
	job        *types.Job
}

// Queue is a fixed-capacity min-heap keyed by (deadlineNS, jobID).
type Queue struct {
	heap []entry
	len  int
}

// NewQueue allocates a queue with the given capacity. This is the only
// allocation the queue ever performs.
func NewQueue(capacity int) *Queue {
	return &Queue{heap: make([]entry, capacity)}
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int { return q.len }

// Cap returns the boot-time capacity.
func (q *Queue) Cap() int { return len(q.heap) }

// Push inserts a job keyed by its EDF deadline.
func (q *Queue) Push(job *types.Job, deadlineNS uint64) error {
	if q.len >= len(q.heap) {
		return ErrQueueFull
	}
	q.heap[q.len] = entry{deadlineNS: deadlineNS, jobID: job.ID, job: job}
	q.siftUp(q.len)
	q.len++
	return nil
}

// Peek returns the earliest-deadline job without removing it, or nil.
func (q *Queue) Peek() *types.Job {
	if q.len == 0 {
		return nil
	}
	return q.heap[0].job
}

// PeekDeadline returns the EDF key of the head job. Only valid when
// Len() > 0.
func (q *Queue) PeekDeadline() uint64 { return q.heap[0].deadlineNS }

// Pop removes and returns the earliest-deadline job, or nil when empty.
func (q *Queue) Pop() *types.Job {
	if q.len == 0 {
		return nil
	}
	root := q.heap[0].job
	q.len--
	if q.len > 0 {
		q.heap[0] = q.heap[q.len]
		q.siftDown(0)
	}
	q.heap[q.len] = entry{}
	return root
}

// Remove deletes a job by ID. Bounded O(n) scan plus O(log n) repair; used
// for cancellation and budget-exhaustion parking. Returns false if the job
// is not queued.
func (q *Queue) Remove(jobID types.JobID) bool {
	for i := 0; i < q.len; i++ {
		if q.heap[i].jobID != jobID {
			continue
		}
		q.len--
		if i != q.len {
			q.heap[i] = q.heap[q.len]
			q.siftDown(i)
			q.siftUp(i)
		}
		q.heap[q.len] = entry{}
		return true
	}
	return false
}

func (q *Queue) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !q.less(i, p) {
			break
		}
		q.heap[i], q.heap[p] = q.heap[p], q.heap[i]
		i = p
	}
}

func (q *Queue) siftDown(i int) {
	for {
		l := 2*i + 1
		r := 2*i + 2
		best := i
		if l < q.len && q.less(l, best) {
			best = l
		}
		if r < q.len && q.less(r, best) {
			best = r
		}
		if best == i {
			return
		}
		q.heap[i], q.heap[best] = q.heap[best], q.heap[i]
		i = best
	}
}

// less orders by deadline, then by job ID for the deterministic tie-break.
func (q *Queue) less(a, b int) bool {
	ea, eb := &q.heap[a], &q.heap[b]
	if ea.deadlineNS != eb.deadlineNS {
		return ea.deadlineNS < eb.deadlineNS
	}
	return ea.jobID < eb.jobID
}
