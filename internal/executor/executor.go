// ============================================================================
// Falcon-Sched Executor - Budget-Sliced Job Execution Unit
// ============================================================================
//
// Package: internal/executor
// File: executor.go
// Function: Runs one job slice at a time under the kernel's direction,
// modelling a single CPU core
//
// Execution model:
//   The kernel hands the executor at most one slice at a time: the picked
//   job plus the slice length, which is the smaller of the job's remaining
//   work and its server's remaining budget. The executor runs the slice
//   under a context; cancelling the context preempts the slice and the
//   executor reports how much wall time was actually consumed so the
//   kernel can charge the server precisely.
//
//   There is deliberately no pool here. The scheduling model is one core;
//   parallel slices would void every bandwidth isolation argument.
//
// ============================================================================

package executor

import (
	"context"
	"time"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// Workload is the pluggable slice body. The default workload burns wall
// time; tests inject synthetic workloads to avoid real sleeping.
type Workload interface {
	// Execute runs up to sliceNS nanoseconds of the job's work. It returns
	// early with ctx.Err() when the context is cancelled (preemption or
	// shutdown).
	Execute(ctx context.Context, job *types.Job, sliceNS uint64) error
}

// Slice reports one finished or interrupted execution slice.
type Slice struct {
	JobID     types.JobID
	ElapsedNS uint64
	// Interrupted is true when the slice was cut short by context
	// cancellation. The elapsed charge still applies.
	Interrupted bool
}

// Executor runs slices synchronously on the caller's goroutine. The kernel
// owns the loop; the executor owns only the timing measurement.
type Executor struct {
	workload Workload
}

// New creates an executor. A nil workload selects the wall-clock sleeper.
func New(workload Workload) *Executor {
	if workload == nil {
		workload = SleepWorkload{}
	}
	return &Executor{workload: workload}
}

// Run executes one slice and returns the precise wall-time charge. Run
// never returns an elapsed charge larger than the wall time observed, so
// the kernel's budget accounting stays honest under preemption.
func (e *Executor) Run(ctx context.Context, job *types.Job, sliceNS uint64) Slice {
	start := time.Now()
	err := e.workload.Execute(ctx, job, sliceNS)
	elapsed := uint64(time.Since(start).Nanoseconds())

	return Slice{
		JobID:       job.ID,
		ElapsedNS:   elapsed,
		Interrupted: err != nil,
	}
}

// SleepWorkload burns wall time for the slice duration. This is the
// default workload for the demo daemon; real deployments plug in their own.
type SleepWorkload struct{}

// Execute sleeps for the slice length or until the context is cancelled.
func (SleepWorkload) Execute(ctx context.Context, _ *types.Job, sliceNS uint64) error {
	timer := time.NewTimer(time.Duration(sliceNS))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
