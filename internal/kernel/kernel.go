// ============================================================================
// Falcon-Sched Kernel - Core Scheduling Coordinator
// ============================================================================
//
// Package: internal/kernel
// File: kernel.go
// Function: Owns every scheduler component and funnels all mutation through
// single-writer entry points
//
// Architecture:
//   The kernel is the brain of the scheduler and coordinates:
//   - Admission Controller: utilization-bound admission in fixed-point ppm
//   - CBS Budget Engine: per-class bandwidth enforcement
//   - EDF Dispatcher: deadline-ordered ready queue, misses, jitter
//   - Coordination Gate: rate-limited adaptive reconfiguration
//   - Telemetry Sink/Journal/Exporter: per-job samples and aggregates
//   - Executor: the single-core slice runner
//
// Scheduling points:
//   All scheduling state changes happen at discrete points: job submission,
//   slice completion, and the periodic tick. Each point runs the same
//   sequence under the kernel lock:
//   1. Lazy CBS replenishment for servers whose recharge time arrived,
//      re-admitting their parked jobs
//   2. Deadline-miss scan over live jobs (exactly-once transition)
//   3. Dispatch: hand the earliest-deadline ready job to the executor for
//      a slice bounded by min(remaining work, remaining budget)
//
// Determinism:
//   The deterministic core (Tick / FinishSlice) takes its time from an
//   injectable clock and contains no goroutines, channels, or randomness.
//   The Start/Stop loops wrap that core with a real clock and the executor;
//   tests drive the core directly with synthetic time.
//
// ============================================================================

package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/falcon-sched/internal/admission"
	"github.com/ChuLiYu/falcon-sched/internal/cbs"
	"github.com/ChuLiYu/falcon-sched/internal/edf"
	"github.com/ChuLiYu/falcon-sched/internal/executor"
	"github.com/ChuLiYu/falcon-sched/internal/gate"
	"github.com/ChuLiYu/falcon-sched/internal/metrics"
	"github.com/ChuLiYu/falcon-sched/internal/telemetry"
	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

var log = slog.Default()

var (
	// ErrUnknownJob is returned for operations on a job that is not live.
	ErrUnknownJob = errors.New("kernel: unknown job")
	// ErrClassBusy means a class still has live jobs and cannot be released.
	ErrClassBusy = errors.New("kernel: class has live jobs")
	// ErrStopped is returned for submissions after shutdown began.
	ErrStopped = errors.New("kernel: stopped")
)

// Config carries the kernel's tuning knobs. Zero values select defaults.
type Config struct {
	CeilingPPM        uint32
	TimerFreqHz       uint64
	MaxClasses        int
	QueueCapacity     int
	GateMinIntervalNS uint64

	TickInterval   time.Duration // idle poll interval of the dispatch loop
	ExportInterval time.Duration // aggregate export cadence

	JournalPath string // empty disables the telemetry journal
	ExportPath  string // empty disables aggregate export

	// Clock returns monotone nanoseconds. Nil selects the wall clock;
	// tests inject synthetic time here.
	Clock func() uint64

	// Workload overrides the executor's slice body. Nil selects the
	// wall-clock sleeper.
	Workload executor.Workload

	// Collector receives Prometheus updates. Nil disables instrumentation.
	Collector *metrics.Collector
}

const (
	defaultMaxClasses     = 64
	defaultQueueCapacity  = 256
	defaultTickInterval   = 100 * time.Microsecond
	defaultExportInterval = 1 * time.Second
)

// DispatchDecision is one slice the executor should run. Ctx is cancelled
// when the slice must be interrupted (preemption, cancellation, shutdown);
// it is armed before the decision is returned so an interrupt arriving
// right after dispatch is never lost.
type DispatchDecision struct {
	Job     *types.Job
	SliceNS uint64
	Ctx     context.Context
}

// Kernel is the scheduling core. All mutation happens under mu; the
// component packages themselves are lock-free by contract.
type Kernel struct {
	mu sync.Mutex

	cfg       Config
	admission *admission.Controller
	budgets   *cbs.Engine
	dispatch  *edf.Dispatcher
	gate      *gate.Gate
	sink      *telemetry.Sink
	journal   *telemetry.Journal
	exporter  *telemetry.Exporter
	exec      *executor.Executor
	collector *metrics.Collector
	clock     func() uint64

	jobs      map[types.JobID]*types.Job
	parked    map[types.ClassID][]*types.Job
	liveCount map[types.ClassID]int

	running       *types.Job
	runningCancel context.CancelFunc
	nextJobID     types.JobID

	lastExportNS uint64
	stopCh       chan struct{}
	loopWg       sync.WaitGroup
	stopped      bool
}

// New builds a kernel from config. The telemetry journal is opened here so
// a bad path fails fast at boot.
func New(cfg Config) (*Kernel, error) {
	if cfg.MaxClasses <= 0 {
		cfg.MaxClasses = defaultMaxClasses
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = defaultExportInterval
	}

	var journal *telemetry.Journal
	if cfg.JournalPath != "" {
		var err error
		journal, err = telemetry.OpenJournal(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("kernel: open telemetry journal: %w", err)
		}
	}

	var exporter *telemetry.Exporter
	if cfg.ExportPath != "" {
		exporter = telemetry.NewExporter(cfg.ExportPath)
	}

	clock := cfg.Clock
	if clock == nil {
		base := time.Now()
		clock = func() uint64 { return uint64(time.Since(base).Nanoseconds()) }
	}

	k := &Kernel{
		cfg:       cfg,
		admission: admission.NewController(cfg.CeilingPPM, cfg.TimerFreqHz, cfg.MaxClasses),
		budgets:   cbs.NewEngine(cfg.MaxClasses),
		sink:      telemetry.NewSink(0, journal),
		journal:   journal,
		exporter:  exporter,
		exec:      executor.New(cfg.Workload),
		collector: cfg.Collector,
		clock:     clock,
		jobs:      make(map[types.JobID]*types.Job),
		parked:    make(map[types.ClassID][]*types.Job),
		liveCount: make(map[types.ClassID]int),
		stopCh:    make(chan struct{}),
	}
	k.dispatch = edf.NewDispatcher(cfg.QueueCapacity, k)
	k.gate = gate.New(cfg.GateMinIntervalNS, k, k.admission)
	return k, nil
}

// HasBudget implements the dispatcher's budget source.
func (k *Kernel) HasBudget(classID types.ClassID) bool {
	s := k.budgets.Lookup(classID)
	return s != nil && s.HasBudget()
}

// ============================================================================
// Submission and cancellation
// ============================================================================

// SubmitJob admits the job's class if needed, creates the job, and places
// it in the ready set. The first submission for a class performs the
// utilization-bound admission test; later submissions reuse the class's
// server.
func (k *Kernel) SubmitJob(spec types.JobSpec) (types.JobHandle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.stopped {
		return types.JobHandle{}, ErrStopped
	}

	nowNS := k.clock()
	k.schedulingPointLocked(nowNS)

	server := k.budgets.Lookup(spec.ClassID)
	if server == nil {
		grant, err := k.admission.TryAdmit(spec)
		if err != nil {
			if k.collector != nil {
				k.collector.RecordReject()
			}
			return types.JobHandle{}, err
		}
		server, err = k.budgets.Create(grant.ClassID, grant.WCETNS, grant.PeriodNS, grant.UtilizationPPM, nowNS)
		if err != nil {
			// Undo the reservation; the engine table is the same size as
			// the admission table, so this only fires on duplicate races.
			k.admission.Release(grant.ClassID)
			return types.JobHandle{}, err
		}
		log.Info("class admitted",
			"class", grant.ClassID,
			"wcet_ns", grant.WCETNS,
			"period_ns", grant.PeriodNS,
			"util_ppm", grant.UtilizationPPM,
			"total_ppm", k.admission.CurrentUtilizationPPM())
	}

	k.nextJobID++
	job := &types.Job{
		ID:                 k.nextJobID,
		ClassID:            spec.ClassID,
		State:              types.StatePending,
		SubmitNS:           nowNS,
		AbsoluteDeadlineNS: nowNS + spec.DeadlineOffsetNS,
		RemainingWorkNS:    k.admission.CyclesToNS(spec.WCETCycles),
		DropOnMiss:         server.DropOnMiss,
	}
	k.jobs[job.ID] = job
	k.liveCount[job.ClassID]++

	if err := k.admitToReadyLocked(job, server); err != nil {
		delete(k.jobs, job.ID)
		k.liveCount[job.ClassID]--
		return types.JobHandle{}, err
	}

	if k.collector != nil {
		k.collector.RecordSubmitted()
	}

	// A newly ready job with an earlier deadline preempts the running one.
	if k.running != nil && job.State == types.StateReady &&
		k.dispatch.ShouldPreempt(k.running.AbsoluteDeadlineNS) && k.runningCancel != nil {
		k.runningCancel()
	}

	return types.JobHandle{JobID: job.ID, ClassID: job.ClassID}, nil
}

// admitToReadyLocked routes a job to the ready queue or, when its server is
// recharging, the parked set.
func (k *Kernel) admitToReadyLocked(job *types.Job, server *cbs.Server) error {
	if server.HasBudget() {
		job.State = types.StateReady
		return k.dispatch.Enqueue(job)
	}
	job.State = types.StatePending
	k.parked[job.ClassID] = append(k.parked[job.ClassID], job)
	return nil
}

// CancelJob removes a job before completion. Budget already consumed stays
// charged; cancellation never refunds bandwidth. A running job is cancelled
// by interrupting its slice; the terminal sample is emitted when the slice
// unwinds.
func (k *Kernel) CancelJob(jobID types.JobID) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	job, ok := k.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownJob, jobID)
	}

	if k.running == job {
		job.State = types.StateCancelled
		if k.runningCancel != nil {
			k.runningCancel()
		}
		return nil
	}

	k.dispatch.Cancel(jobID)
	k.unparkRemoveLocked(job)
	job.State = types.StateCancelled
	k.finalizeLocked(job, types.OutcomeCancelled, k.clock())
	return nil
}

// ReleaseClass frees a class's admission and server once it has no live
// jobs, allowing re-admission with new parameters.
func (k *Kernel) ReleaseClass(classID types.ClassID) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.liveCount[classID] > 0 {
		return fmt.Errorf("%w: class %d has %d live jobs", ErrClassBusy, classID, k.liveCount[classID])
	}
	if err := k.admission.Release(classID); err != nil {
		return err
	}
	if err := k.budgets.Remove(classID); err != nil {
		return err
	}
	delete(k.liveCount, classID)
	log.Info("class released", "class", classID)
	return nil
}

// ============================================================================
// Adaptive directives
// ============================================================================

// ProposeDirective routes an adaptive reconfiguration request through the
// coordination gate. A zero RequestedAtNS is stamped with the current clock.
func (k *Kernel) ProposeDirective(d types.Directive) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if d.RequestedAtNS == 0 {
		d.RequestedAtNS = k.clock()
	}
	err := k.gate.Propose(d)
	if errors.Is(err, gate.ErrRateLimited) && k.collector != nil {
		k.collector.RecordRateLimited()
	}
	return err
}

// ApplyDirective applies a gate-accepted directive. Called by the gate with
// the kernel lock already held. Budget adjustments re-run the admission
// ceiling test; the gate throttles frequency, never validity.
func (k *Kernel) ApplyDirective(d types.Directive) error {
	server := k.budgets.Lookup(d.TargetClassID)
	if server == nil {
		return fmt.Errorf("%w: class %d", cbs.ErrUnknownServer, d.TargetClassID)
	}

	switch d.Action {
	case types.ActionAdjustBudget:
		utilPPM, err := k.admission.Reprice(d.TargetClassID, d.Arg)
		if err != nil {
			return err
		}
		k.budgets.SetMaxBudget(server, d.Arg, utilPPM)
		log.Info("budget adjusted",
			"class", d.TargetClassID,
			"max_budget_ns", d.Arg,
			"util_ppm", utilPPM)
		return nil

	case types.ActionSetCompletionPolicy:
		server.DropOnMiss = d.Arg != 0
		// Live jobs inherit the new policy; it takes effect at the next
		// miss scan.
		for _, job := range k.jobs {
			if job.ClassID == d.TargetClassID {
				job.DropOnMiss = server.DropOnMiss
			}
		}
		log.Info("completion policy changed",
			"class", d.TargetClassID,
			"drop_on_miss", server.DropOnMiss)
		return nil
	}
	return fmt.Errorf("%w: %q", gate.ErrInvalidAction, d.Action)
}

// ============================================================================
// Deterministic scheduling core
// ============================================================================

// Tick runs one scheduling point and, when the core is free, dispatches the
// earliest-deadline ready job. Returns nil when there is nothing to run or
// a slice is already in flight.
func (k *Kernel) Tick() *DispatchDecision {
	k.mu.Lock()
	defer k.mu.Unlock()

	nowNS := k.clock()
	k.schedulingPointLocked(nowNS)

	if k.running != nil {
		return nil
	}
	job := k.dispatch.PickNext()
	if job == nil {
		return nil
	}

	server := k.budgets.Lookup(job.ClassID)
	// Missed best-effort jobs keep their state so the late finish is not
	// double counted.
	if job.State == types.StateReady {
		job.State = types.StateRunning
	}
	if job.StartNS == 0 {
		job.StartNS = nowNS
	}
	k.running = job

	// Arm the interrupt while the lock is still held: a preemption check or
	// Stop racing the dispatch must find a live cancel func.
	ctx, cancel := context.WithCancel(context.Background())
	k.runningCancel = cancel

	sliceNS := job.RemainingWorkNS
	if server.BudgetRemainingNS < sliceNS {
		sliceNS = server.BudgetRemainingNS
	}
	return &DispatchDecision{Job: job, SliceNS: sliceNS, Ctx: ctx}
}

// FinishSlice applies the accounting for a finished or interrupted slice:
// charge the server, retire or re-queue the job, and run postponement when
// the budget ran out.
func (k *Kernel) FinishSlice(jobID types.JobID, elapsedNS uint64, interrupted bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.running == nil || k.running.ID != jobID {
		return fmt.Errorf("%w: %d not running", ErrUnknownJob, jobID)
	}
	job := k.running
	k.running = nil
	if k.runningCancel != nil {
		k.runningCancel()
		k.runningCancel = nil
	}

	nowNS := k.clock()
	server := k.budgets.Lookup(job.ClassID)

	exhausted := k.budgets.Charge(server, elapsedNS)
	if elapsedNS >= job.RemainingWorkNS {
		job.RemainingWorkNS = 0
	} else {
		job.RemainingWorkNS -= elapsedNS
	}

	if exhausted {
		// CBS postponement applies the moment the budget hits zero, even
		// when this job finished: queued siblings are unfunded until the
		// recharge and must leave the ready set.
		k.budgets.PostponeOnExhaustion(server, nowNS)
		k.parkClassLocked(job.ClassID, job.ID)
	}

	// Cancelled mid-slice: the consumed budget stays charged.
	if job.State == types.StateCancelled {
		k.finalizeLocked(job, types.OutcomeCancelled, nowNS)
		return nil
	}

	// A drop-on-miss job whose overrun was detected while it ran is
	// retired here; the miss was counted at the scheduling point.
	if job.State == types.StateMissed && job.DropOnMiss {
		k.finalizeLocked(job, types.OutcomeMissed, nowNS)
		return nil
	}

	if job.RemainingWorkNS == 0 {
		outcome := k.dispatch.OnComplete(job, nowNS)
		if outcome == types.OutcomeCompleted {
			job.State = types.StateCompleted
		} else {
			job.State = types.StateMissed
		}
		k.finalizeLocked(job, outcome, nowNS)
		return nil
	}

	if exhausted {
		// The interrupted job itself waits with its siblings.
		if job.State == types.StateRunning {
			job.State = types.StatePending
		}
		k.parked[job.ClassID] = append(k.parked[job.ClassID], job)
		return nil
	}

	if interrupted {
		if job.State == types.StateRunning {
			job.State = types.StateReady
		}
		if k.collector != nil {
			k.collector.RecordPreemption()
		}
		return k.dispatch.OnPreempt(job)
	}

	// The executor under-ran the slice (timer granularity); put the job
	// back so the next tick resumes it.
	if job.State == types.StateRunning {
		job.State = types.StateReady
	}
	return k.dispatch.Enqueue(job)
}

// schedulingPointLocked runs lazy replenishment and the miss scan.
func (k *Kernel) schedulingPointLocked(nowNS uint64) {
	// 1. Replenish servers whose recharge time arrived and re-admit their
	// parked jobs.
	k.budgets.Each(func(s *cbs.Server) {
		if !k.budgets.ReplenishIfDue(s, nowNS) {
			return
		}
		waiting := k.parked[s.ClassID]
		if len(waiting) == 0 {
			return
		}
		delete(k.parked, s.ClassID)
		for _, job := range waiting {
			// Missed best-effort jobs stay live and re-enter the queue;
			// only jobs already retired are skipped.
			if job.State == types.StateCancelled || job.State == types.StateCompleted {
				continue
			}
			if job.State == types.StatePending {
				job.State = types.StateReady
			}
			if err := k.dispatch.Enqueue(job); err != nil {
				log.Error("ready queue full, job dropped", "job", job.ID, "error", err)
				job.State = types.StateCancelled
				k.finalizeLocked(job, types.OutcomeCancelled, nowNS)
			}
		}
	})

	// 2. Miss scan over live jobs, exactly-once per job. MarkMissed is a
	// no-op for jobs already in the missed state.
	for _, job := range k.jobs {
		if job == k.running {
			continue
		}
		if k.dispatch.MarkMissed(job, nowNS) {
			if job.DropOnMiss {
				k.dispatch.Cancel(job.ID)
				k.unparkRemoveLocked(job)
				k.finalizeLocked(job, types.OutcomeMissed, nowNS)
			}
			// Best-effort classes keep the job queued; it finishes late
			// and emits its sample on completion.
		}
	}

	// A running job past its deadline is counted here too; it keeps
	// running best-effort unless its class drops on miss.
	if k.running != nil && k.dispatch.MarkMissed(k.running, nowNS) {
		if k.running.DropOnMiss && k.runningCancel != nil {
			k.runningCancel()
		}
	}
}

// parkClassLocked moves every queued job of a throttled class out of the
// ready set into the parked set.
func (k *Kernel) parkClassLocked(classID types.ClassID, exceptID types.JobID) {
	for _, j := range k.jobs {
		if j.ClassID != classID || j.ID == exceptID {
			continue
		}
		if k.dispatch.Park(j.ID) {
			if j.State == types.StateReady {
				j.State = types.StatePending
			}
			k.parked[classID] = append(k.parked[classID], j)
		}
	}
}

// unparkRemoveLocked drops a job from its class's parked list if present.
func (k *Kernel) unparkRemoveLocked(job *types.Job) {
	waiting := k.parked[job.ClassID]
	for i, p := range waiting {
		if p.ID == job.ID {
			k.parked[job.ClassID] = append(waiting[:i], waiting[i+1:]...)
			return
		}
	}
}

// finalizeLocked emits the exactly-once terminal sample and retires the job.
func (k *Kernel) finalizeLocked(job *types.Job, outcome types.DispatchOutcome, nowNS uint64) {
	sample := types.TelemetrySample{
		JobID:    job.ID,
		ClassID:  job.ClassID,
		Outcome:  outcome,
		SubmitNS: job.SubmitNS,
		StartNS:  job.StartNS,
		FinishNS: nowNS,
	}
	if outcome == types.OutcomeCompleted {
		sample.JitterNS = int64(nowNS) - int64(job.AbsoluteDeadlineNS)
	}
	k.sink.Record(sample)

	if k.collector != nil {
		switch outcome {
		case types.OutcomeCompleted:
			k.collector.RecordCompleted(float64(sample.JitterNS) / 1e9)
		case types.OutcomeMissed:
			k.collector.RecordMissed()
		case types.OutcomeCancelled:
			k.collector.RecordCancelled()
		}
	}

	delete(k.jobs, job.ID)
	k.liveCount[job.ClassID]--
}

// ============================================================================
// Status queries
// ============================================================================

// CurrentUtilizationPPM returns the reserved utilization sum.
func (k *Kernel) CurrentUtilizationPPM() uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.admission.CurrentUtilizationPPM()
}

// Status returns the control-plane view of every CBS server.
func (k *Kernel) Status() []types.ServerStatus {
	k.mu.Lock()
	defer k.mu.Unlock()

	out := make([]types.ServerStatus, 0, k.budgets.Len())
	k.budgets.Each(func(s *cbs.Server) {
		out = append(out, s.Status())
	})
	return out
}

// JobState returns a live job's current state.
func (k *Kernel) JobState(jobID types.JobID) (types.JobState, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	job, ok := k.jobs[jobID]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownJob, jobID)
	}
	return job.State, nil
}

// MissCount returns the cumulative deadline-miss counter.
func (k *Kernel) MissCount() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.dispatch.MissCount()
}

// RateLimitedCount returns the gate's drop counter.
func (k *Kernel) RateLimitedCount() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.gate.RateLimitedCount()
}

// DrainTelemetry removes and returns buffered telemetry samples. Exposed
// for the export loop and for tests; production readers use the aggregate
// export files.
func (k *Kernel) DrainTelemetry() []types.TelemetrySample {
	return k.sink.Drain()
}

// ============================================================================
// Dispatch and export loops
// ============================================================================

// Start launches the dispatch and export loops with the real clock.
func (k *Kernel) Start() error {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		return ErrStopped
	}
	k.mu.Unlock()

	k.loopWg.Add(1)
	go k.dispatchLoop()

	if k.exporter != nil {
		k.loopWg.Add(1)
		go k.exportLoop()
	}

	log.Info("kernel started",
		"ceiling_ppm", k.admission.CeilingPPM(),
		"max_classes", k.cfg.MaxClasses,
		"queue_capacity", k.cfg.QueueCapacity)
	return nil
}

// Stop shuts the loops down, interrupts any running slice, and flushes the
// telemetry journal.
func (k *Kernel) Stop() {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		return
	}
	k.stopped = true
	if k.runningCancel != nil {
		k.runningCancel()
	}
	k.mu.Unlock()

	close(k.stopCh)
	k.loopWg.Wait()

	if k.journal != nil {
		if err := k.journal.Close(); err != nil {
			log.Error("telemetry journal close failed", "error", err)
		}
	}
	if k.exporter != nil {
		k.exportOnce()
	}
	log.Info("kernel stopped")
}

func (k *Kernel) dispatchLoop() {
	defer k.loopWg.Done()

	for {
		select {
		case <-k.stopCh:
			return
		default:
		}

		dec := k.Tick()
		if dec == nil {
			select {
			case <-k.stopCh:
				return
			case <-time.After(k.cfg.TickInterval):
			}
			continue
		}

		slice := k.exec.Run(dec.Ctx, dec.Job, dec.SliceNS)

		if err := k.FinishSlice(dec.Job.ID, slice.ElapsedNS, slice.Interrupted); err != nil {
			log.Error("slice accounting failed", "job", dec.Job.ID, "error", err)
		}
	}
}

func (k *Kernel) exportLoop() {
	defer k.loopWg.Done()

	ticker := time.NewTicker(k.cfg.ExportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-k.stopCh:
			return
		case <-ticker.C:
			k.exportOnce()
		}
	}
}

// exportOnce folds the drained sample batch into an interval aggregate and
// publishes it atomically.
func (k *Kernel) exportOnce() {
	samples := k.sink.Drain()
	nowNS := k.clock()

	k.mu.Lock()
	agg := telemetry.Fold(samples, k.lastExportNS, nowNS)
	agg.QueueDepthMax = k.dispatch.QueueDepthMax()
	agg.UtilizationPPM = k.admission.CurrentUtilizationPPM()
	_, rejected := k.admission.Stats()
	agg.AdmissionRejects = rejected
	agg.GateRateLimited = k.gate.RateLimitedCount()
	agg.SamplesDropped = k.sink.Dropped()
	k.lastExportNS = nowNS

	if k.collector != nil {
		k.collector.UpdateSchedulerStats(
			k.admission.CurrentUtilizationPPM(),
			k.dispatch.QueueDepth(),
			k.dispatch.QueueDepthMax(),
			k.budgets.Len())
	}
	k.mu.Unlock()

	if err := k.exporter.Write(agg); err != nil {
		log.Error("aggregate export failed", "error", err)
	}
}
