package cbs

import (
	"testing"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestServer registers a 1ms budget / 10ms period server at t=0.
func newTestServer(t *testing.T, e *Engine, class types.ClassID) *Server {
	t.Helper()
	s, err := e.Create(class, 1_000_000, 10_000_000, 100_000, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestCreateInitialState(t *testing.T) {
	e := NewEngine(4)
	s := newTestServer(t, e, 1)

	if s.BudgetRemainingNS != 1_000_000 {
		t.Errorf("initial budget: got %d, want 1000000", s.BudgetRemainingNS)
	}
	if s.CurrentDeadlineNS != 10_000_000 {
		t.Errorf("initial deadline: got %d, want 10000000", s.CurrentDeadlineNS)
	}
	if s.NextReplenishNS != 10_000_000 {
		t.Errorf("first replenish: got %d, want 10000000", s.NextReplenishNS)
	}
	if !s.HasBudget() {
		t.Error("fresh server should have budget")
	}
}

func TestCreateDuplicateClass(t *testing.T) {
	e := NewEngine(4)
	newTestServer(t, e, 1)
	if _, err := e.Create(1, 1_000_000, 10_000_000, 100_000, 0); err == nil {
		t.Error("expected error creating duplicate server")
	}
}

func TestEngineCapacity(t *testing.T) {
	e := NewEngine(2)
	newTestServer(t, e, 1)
	newTestServer(t, e, 2)
	if _, err := e.Create(3, 1_000_000, 10_000_000, 100_000, 0); err == nil {
		t.Error("expected table-full error")
	}
}

func TestChargeClampsAtZero(t *testing.T) {
	e := NewEngine(4)
	s := newTestServer(t, e, 1)

	if exhausted := e.Charge(s, 400_000); exhausted {
		t.Error("partial charge should not exhaust")
	}
	if s.BudgetRemainingNS != 600_000 {
		t.Errorf("budget after charge: got %d, want 600000", s.BudgetRemainingNS)
	}

	// Overcharge clamps to zero, never negative.
	if exhausted := e.Charge(s, 5_000_000); !exhausted {
		t.Error("overcharge should report exhaustion")
	}
	if s.BudgetRemainingNS != 0 {
		t.Errorf("budget after overcharge: got %d, want 0", s.BudgetRemainingNS)
	}
}

func TestPostponeOnExhaustion(t *testing.T) {
	e := NewEngine(4)
	s := newTestServer(t, e, 1)

	e.Charge(s, 1_000_000)
	e.PostponeOnExhaustion(s, 1_000_000)

	if s.CurrentDeadlineNS != 11_000_000 {
		t.Errorf("postponed deadline: got %d, want 11000000", s.CurrentDeadlineNS)
	}
	if s.NextReplenishNS != 11_000_000 {
		t.Errorf("recharge time: got %d, want 11000000", s.NextReplenishNS)
	}
	if !s.Throttled() || s.HasBudget() {
		t.Error("postponed server must be throttled with no budget")
	}

	// Not due yet: nothing changes.
	if e.ReplenishIfDue(s, 10_999_999) {
		t.Error("replenish before recharge time should be a no-op")
	}

	// At the recharge point the budget is restored and the deadline
	// advances by one period.
	if !e.ReplenishIfDue(s, 11_000_000) {
		t.Error("replenish at recharge time should fire")
	}
	if s.BudgetRemainingNS != 1_000_000 {
		t.Errorf("budget after recharge: got %d, want 1000000", s.BudgetRemainingNS)
	}
	if s.CurrentDeadlineNS != 21_000_000 {
		t.Errorf("deadline after recharge: got %d, want 21000000", s.CurrentDeadlineNS)
	}
	if s.Throttled() {
		t.Error("recharged server must not be throttled")
	}
}

// TestBudgetIsolationWindow verifies the CBS isolation property over
// repeated exhaustion cycles: within any window of one period the server
// funds at most MaxBudgetNS of execution.
func TestBudgetIsolationWindow(t *testing.T) {
	e := NewEngine(4)
	s := newTestServer(t, e, 1)

	now := uint64(0)
	for cycle := 0; cycle < 5; cycle++ {
		windowStart := now
		consumed := uint64(0)

		// Greedily consume everything the server will fund.
		for s.HasBudget() {
			slice := s.BudgetRemainingNS
			e.Charge(s, slice)
			consumed += slice
			now += slice
		}
		e.PostponeOnExhaustion(s, now)

		if consumed > s.MaxBudgetNS {
			t.Fatalf("cycle %d: consumed %d ns within window exceeds max budget %d",
				cycle, consumed, s.MaxBudgetNS)
		}

		// The server stays throttled until one full period after the
		// window's exhaustion point.
		if e.ReplenishIfDue(s, s.NextReplenishNS-1) {
			t.Fatalf("cycle %d: replenished before the postponed deadline", cycle)
		}
		now = s.NextReplenishNS
		if !e.ReplenishIfDue(s, now) {
			t.Fatalf("cycle %d: recharge did not fire at the postponed deadline", cycle)
		}
		if now-windowStart < s.PeriodNS {
			t.Fatalf("cycle %d: recharge arrived %d ns after window start, want >= period %d",
				cycle, now-windowStart, s.PeriodNS)
		}
	}
}

func TestIdleReplenishment(t *testing.T) {
	e := NewEngine(4)
	s := newTestServer(t, e, 1)

	// Idle server at its deadline: budget restored, deadline advances.
	e.Charge(s, 250_000)
	if !e.ReplenishIfDue(s, 10_000_000) {
		t.Error("idle replenishment at the deadline should fire")
	}
	if s.BudgetRemainingNS != 1_000_000 {
		t.Errorf("budget after idle replenish: got %d, want 1000000", s.BudgetRemainingNS)
	}
	if s.CurrentDeadlineNS != 20_000_000 {
		t.Errorf("deadline after idle replenish: got %d, want 20000000", s.CurrentDeadlineNS)
	}
}

func TestSetMaxBudgetClampsRemaining(t *testing.T) {
	e := NewEngine(4)
	s := newTestServer(t, e, 1)

	e.SetMaxBudget(s, 400_000, 40_000)
	if s.MaxBudgetNS != 400_000 {
		t.Errorf("max budget: got %d, want 400000", s.MaxBudgetNS)
	}
	if s.BudgetRemainingNS != 400_000 {
		t.Errorf("remaining budget must be clamped to new max: got %d", s.BudgetRemainingNS)
	}
	if s.UtilizationPPM != 40_000 {
		t.Errorf("utilization: got %d, want 40000", s.UtilizationPPM)
	}
}

func TestInvariantViolationPanics(t *testing.T) {
	e := NewEngine(4)
	s := newTestServer(t, e, 1)
	s.BudgetRemainingNS = s.MaxBudgetNS + 1 // corrupt on purpose

	defer func() {
		if recover() == nil {
			t.Error("expected panic on corrupt budget state")
		}
	}()
	e.Charge(s, 1)
}

func TestRemoveServer(t *testing.T) {
	e := NewEngine(4)
	newTestServer(t, e, 1)
	newTestServer(t, e, 2)

	if err := e.Remove(1); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if e.Lookup(1) != nil {
		t.Error("removed server still resolvable")
	}
	if e.Lookup(2) == nil {
		t.Error("surviving server lost after swap-remove")
	}
	if err := e.Remove(1); err == nil {
		t.Error("expected error removing unknown server")
	}
}
