// Package types defines the core domain model shared by the Falcon-Sched
// scheduling kernel and its clients.
package types

// ClassID identifies an admitted job class. One CBS server exists per class.
type ClassID uint32

// JobID identifies a single job instance. IDs are assigned monotonically at
// submission and double as the deterministic EDF tie-break key.
type JobID uint64

// JobState is the lifecycle state of a job.
type JobState string

// Job lifecycle states.
const (
	StatePending   JobState = "pending"   // submitted, not yet in the ready set
	StateReady     JobState = "ready"     // in the ready set with server budget available
	StateRunning   JobState = "running"   // currently executing
	StateCompleted JobState = "completed" // finished before its deadline
	StateMissed    JobState = "missed"    // overran its absolute deadline
	StateCancelled JobState = "cancelled" // cancelled before completion
)

// Terminal reports whether s is a terminal state. Telemetry samples are
// emitted exactly once, on the transition into a terminal state.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateMissed || s == StateCancelled
}

// DispatchOutcome classifies how a dispatch slice ended. Missed and
// Preempted are expected operational states, not failures.
type DispatchOutcome string

const (
	OutcomeCompleted DispatchOutcome = "completed"
	OutcomeMissed    DispatchOutcome = "missed"
	OutcomeCancelled DispatchOutcome = "cancelled"
	OutcomePreempted DispatchOutcome = "preempted"
)

// JobSpec is the immutable submission contract. WCET is declared in CPU
// cycles and converted to nanoseconds at admission using the platform timer
// frequency.
type JobSpec struct {
	ClassID          ClassID `json:"class_id" yaml:"class_id"`
	WCETCycles       uint64  `json:"wcet_cycles" yaml:"wcet_cycles"`
	PeriodNS         uint64  `json:"period_ns" yaml:"period_ns"`
	DeadlineOffsetNS uint64  `json:"deadline_offset_ns" yaml:"deadline_offset_ns"`
	PriorityClass    uint8   `json:"priority_class" yaml:"priority_class"`
}

// Job is one instance of work, created at submission and destroyed after
// its terminal transition. It weak-references its CBS server by class ID;
// the server always outlives the job.
type Job struct {
	ID                 JobID    `json:"id"`
	ClassID            ClassID  `json:"class_id"`
	State              JobState `json:"state"`
	SubmitNS           uint64   `json:"submit_ns"`
	StartNS            uint64   `json:"start_ns"` // first dispatch, 0 until started
	AbsoluteDeadlineNS uint64   `json:"absolute_deadline_ns"`
	RemainingWorkNS    uint64   `json:"remaining_work_ns"` // carries over across preemptions
	DropOnMiss         bool     `json:"drop_on_miss"`
}

// JobHandle is returned to submitters and identifies a job for cancellation
// and status queries.
type JobHandle struct {
	JobID   JobID   `json:"job_id"`
	ClassID ClassID `json:"class_id"`
}

// DirectiveAction enumerates the reconfiguration actions adaptive
// collaborators may propose through the coordination gate.
type DirectiveAction string

const (
	// ActionAdjustBudget changes a server's max budget within the
	// previously admitted utilization headroom. Arg is the new budget in ns.
	ActionAdjustBudget DirectiveAction = "adjust_budget"
	// ActionSetCompletionPolicy switches a class between best-effort finish
	// (Arg == 0) and drop-on-miss (Arg != 0).
	ActionSetCompletionPolicy DirectiveAction = "set_completion_policy"
)

// Directive is one adaptive reconfiguration request. Lifecycle: created per
// request, applied or dropped within one gate evaluation, never persisted.
type Directive struct {
	TargetClassID ClassID         `json:"target_class_id"`
	Action        DirectiveAction `json:"action"`
	Arg           uint64          `json:"arg"`
	RequestedAtNS uint64          `json:"requested_at_ns"`
}

// TelemetrySample is the append-only per-job record produced on a job's
// terminal transition and consumed by the external metrics pipeline.
type TelemetrySample struct {
	JobID    JobID           `json:"job_id"`
	ClassID  ClassID         `json:"class_id"`
	Outcome  DispatchOutcome `json:"outcome"`
	SubmitNS uint64          `json:"submit_ns"`
	StartNS  uint64          `json:"start_ns"`
	FinishNS uint64          `json:"finish_ns"` // completion time, or miss detection time
	JitterNS int64           `json:"jitter_ns"` // finish - deadline, only for completed jobs
}

// ServerStatus is the read-only view of one CBS server exposed to the
// control plane.
type ServerStatus struct {
	ClassID           ClassID `json:"class_id"`
	UtilizationPPM    uint32  `json:"utilization_ppm"`
	MaxBudgetNS       uint64  `json:"max_budget_ns"`
	BudgetRemainingNS uint64  `json:"budget_remaining_ns"`
	PeriodNS          uint64  `json:"period_ns"`
	CurrentDeadlineNS uint64  `json:"current_deadline_ns"`
	DropOnMiss        bool    `json:"drop_on_miss"`
}
