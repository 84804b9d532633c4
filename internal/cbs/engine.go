// ============================================================================
// Falcon-Sched CBS Budget Engine - Constant Bandwidth Server Accounting
// ============================================================================
//
// Package: internal/cbs
// File: engine.go
// Function: Owns one server per admitted job class and enforces the CBS
// bandwidth isolation property
//
// CBS rules implemented here:
//   - Charge: consumed execution time is deducted from the server budget,
//     clamped at zero (saturating, never negative).
//   - Exhaustion (postponement): when the budget reaches zero with work
//     remaining, the server deadline is postponed to now + period and the
//     recharge is scheduled for that new deadline. The server is throttled
//     (no budget) until the recharge, so a class can never consume more
//     than max_budget per period regardless of how much work it wants to
//     do. This bounds interference on sibling servers.
//   - Idle replenishment: at the server's current deadline an idle server
//     gets a fresh budget and its deadline advances by one period. This is
//     evaluated lazily at scheduling points; no separate timer source.
//
// Invariants:
//   budget_remaining <= max_budget at all times, and budgets never go
//   negative. A detected violation is a fatal programming error: the
//   engine panics rather than continuing with unverifiable scheduling
//   guarantees.
//
// Ownership:
//   Servers are exclusively owned by the scheduler; all mutation funnels
//   through the kernel's single-writer entry points, so the engine carries
//   no lock of its own.
//
// ============================================================================

package cbs

import (
	"errors"
	"fmt"
	"math"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

var (
	// ErrUnknownServer is returned for operations on a class with no server.
	ErrUnknownServer = errors.New("cbs: unknown server")
	// ErrEngineFull means the fixed server table has no free slot.
	ErrEngineFull = errors.New("cbs: server table full")
)

// Server is one Constant Bandwidth Server. All time fields are saturating
// nanosecond counters.
type Server struct {
	ClassID           types.ClassID
	MaxBudgetNS       uint64
	BudgetRemainingNS uint64
	PeriodNS          uint64
	CurrentDeadlineNS uint64
	UtilizationPPM    uint32

	// NextReplenishNS is when the budget next recharges. After an
	// exhaustion postponement it equals CurrentDeadlineNS and the server is
	// throttled until then.
	NextReplenishNS uint64

	// DropOnMiss selects the per-class completion policy for missed jobs:
	// false (default) keeps best-effort finish, true drops the job.
	DropOnMiss bool

	throttled bool
}

// Throttled reports whether the server is waiting for a recharge after
// exhausting its budget.
func (s *Server) Throttled() bool { return s.throttled }

// HasBudget reports whether the server can currently fund execution.
func (s *Server) HasBudget() bool { return !s.throttled && s.BudgetRemainingNS > 0 }

// Status returns the read-only control-plane view of the server.
func (s *Server) Status() types.ServerStatus {
	return types.ServerStatus{
		ClassID:           s.ClassID,
		UtilizationPPM:    s.UtilizationPPM,
		MaxBudgetNS:       s.MaxBudgetNS,
		BudgetRemainingNS: s.BudgetRemainingNS,
		PeriodNS:          s.PeriodNS,
		CurrentDeadlineNS: s.CurrentDeadlineNS,
		DropOnMiss:        s.DropOnMiss,
	}
}

// Engine holds the fixed server table, one slot per admitted class, sized
// at boot.
type Engine struct {
	servers []Server
	byClass map[types.ClassID]int
}

// NewEngine creates an engine with capacity for maxClasses servers.
func NewEngine(maxClasses int) *Engine {
	return &Engine{
		servers: make([]Server, 0, maxClasses),
		byClass: make(map[types.ClassID]int, maxClasses),
	}
}

// ============================================================================
// Server lifecycle
// ============================================================================

// Create registers a server for an admitted class. The first replenishment
// is scheduled one period after now, with the deadline at the same point.
func (e *Engine) Create(classID types.ClassID, maxBudgetNS, periodNS uint64, utilPPM uint32, nowNS uint64) (*Server, error) {
	if _, exists := e.byClass[classID]; exists {
		return nil, fmt.Errorf("cbs: server for class %d already exists", classID)
	}
	if len(e.servers) == cap(e.servers) {
		return nil, fmt.Errorf("%w: %d servers", ErrEngineFull, len(e.servers))
	}
	e.servers = append(e.servers, Server{
		ClassID:           classID,
		MaxBudgetNS:       maxBudgetNS,
		BudgetRemainingNS: maxBudgetNS,
		PeriodNS:          periodNS,
		CurrentDeadlineNS: satAdd(nowNS, periodNS),
		NextReplenishNS:   satAdd(nowNS, periodNS),
		UtilizationPPM:    utilPPM,
	})
	idx := len(e.servers) - 1
	e.byClass[classID] = idx
	return &e.servers[idx], nil
}

// Remove releases a server slot. Used when a class is explicitly released.
func (e *Engine) Remove(classID types.ClassID) error {
	idx, exists := e.byClass[classID]
	if !exists {
		return fmt.Errorf("%w: class %d", ErrUnknownServer, classID)
	}
	last := len(e.servers) - 1
	if idx != last {
		e.servers[idx] = e.servers[last]
		e.byClass[e.servers[idx].ClassID] = idx
	}
	e.servers = e.servers[:last]
	delete(e.byClass, classID)
	return nil
}

// Lookup returns the server for a class, or nil if none exists.
func (e *Engine) Lookup(classID types.ClassID) *Server {
	idx, exists := e.byClass[classID]
	if !exists {
		return nil
	}
	return &e.servers[idx]
}

// Len returns the number of registered servers.
func (e *Engine) Len() int { return len(e.servers) }

// Each calls fn for every server in table order.
func (e *Engine) Each(fn func(*Server)) {
	for i := range e.servers {
		fn(&e.servers[i])
	}
}

// ============================================================================
// CBS accounting
// ============================================================================

// Charge deducts actual execution time from the server budget, clamping at
// zero. It reports whether the budget is now exhausted.
func (e *Engine) Charge(s *Server, elapsedNS uint64) (exhausted bool) {
	e.checkInvariants(s)
	if elapsedNS >= s.BudgetRemainingNS {
		s.BudgetRemainingNS = 0
	} else {
		s.BudgetRemainingNS -= elapsedNS
	}
	return s.BudgetRemainingNS == 0
}

// PostponeOnExhaustion applies the CBS postponement rule: the server
// deadline moves to now + period and the recharge is scheduled for that
// deadline. Until the recharge the server is throttled and its jobs stay
// out of the ready set.
func (e *Engine) PostponeOnExhaustion(s *Server, nowNS uint64) {
	e.checkInvariants(s)
	s.CurrentDeadlineNS = satAdd(nowNS, s.PeriodNS)
	s.NextReplenishNS = s.CurrentDeadlineNS
	s.BudgetRemainingNS = 0
	s.throttled = true
}

// ReplenishIfDue performs the lazy replenishment check at a scheduling
// point. When the recharge time has been reached the budget is restored to
// max and the deadline advances by one period. Returns true if a recharge
// happened (the kernel then re-admits the server's parked jobs).
func (e *Engine) ReplenishIfDue(s *Server, nowNS uint64) bool {
	e.checkInvariants(s)
	if nowNS < s.NextReplenishNS {
		return false
	}
	s.BudgetRemainingNS = s.MaxBudgetNS
	s.CurrentDeadlineNS = satAdd(nowNS, s.PeriodNS)
	s.NextReplenishNS = s.CurrentDeadlineNS
	s.throttled = false
	return true
}

// SetMaxBudget applies a gate-approved budget adjustment. The remaining
// budget is clamped so the invariant budget <= max is preserved; the new
// bandwidth takes full effect at the next replenishment.
func (e *Engine) SetMaxBudget(s *Server, newMaxNS uint64, utilPPM uint32) {
	s.MaxBudgetNS = newMaxNS
	s.UtilizationPPM = utilPPM
	if s.BudgetRemainingNS > newMaxNS {
		s.BudgetRemainingNS = newMaxNS
	}
}

// checkInvariants halts on corrupt budget state. Continuing would silently
// void the real-time promises made to other classes.
func (e *Engine) checkInvariants(s *Server) {
	if s.BudgetRemainingNS > s.MaxBudgetNS {
		panic(fmt.Sprintf("cbs: invariant violation: class %d budget %d exceeds max %d",
			s.ClassID, s.BudgetRemainingNS, s.MaxBudgetNS))
	}
}

func satAdd(a, b uint64) uint64 {
	s := a + b
	if s < a {
		return math.MaxUint64
	}
	return s
}
