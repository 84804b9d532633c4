package gate

import (
	"errors"
	"testing"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

type fakeApplier struct {
	applied []types.Directive
	err     error
}

func (f *fakeApplier) ApplyDirective(d types.Directive) error {
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, d)
	return nil
}

type fakeTargets struct {
	admitted map[types.ClassID]bool
}

func (f *fakeTargets) Admitted(c types.ClassID) bool { return f.admitted[c] }

func newTestGate(minIntervalNS uint64) (*Gate, *fakeApplier) {
	ap := &fakeApplier{}
	g := New(minIntervalNS, ap, &fakeTargets{admitted: map[types.ClassID]bool{1: true, 2: true}})
	return g, ap
}

func directive(class types.ClassID, atNS uint64) types.Directive {
	return types.Directive{
		TargetClassID: class,
		Action:        types.ActionAdjustBudget,
		Arg:           500_000,
		RequestedAtNS: atNS,
	}
}

func TestProposeAppliesFirstDirective(t *testing.T) {
	g, ap := newTestGate(DefaultMinIntervalNS)

	if err := g.Propose(directive(1, 1_000)); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if len(ap.applied) != 1 {
		t.Fatalf("applied: got %d directives, want 1", len(ap.applied))
	}
	if g.AcceptedCount() != 1 || g.RateLimitedCount() != 0 {
		t.Errorf("counters: accepted=%d rateLimited=%d, want 1/0",
			g.AcceptedCount(), g.RateLimitedCount())
	}
}

// TestProposeRateLimitsBurst: two directives for the same class arriving
// 100 ns apart under a 1 s minimum interval; the second must be dropped
// without touching scheduler state.
func TestProposeRateLimitsBurst(t *testing.T) {
	g, ap := newTestGate(1_000_000_000)

	if err := g.Propose(directive(1, 1_000)); err != nil {
		t.Fatalf("first Propose: %v", err)
	}
	err := g.Propose(directive(1, 1_100))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second Propose: got %v, want ErrRateLimited", err)
	}

	if len(ap.applied) != 1 {
		t.Errorf("applied: got %d directives, want 1", len(ap.applied))
	}
	if g.RateLimitedCount() != 1 {
		t.Errorf("rate-limited count: got %d, want 1", g.RateLimitedCount())
	}

	// At exactly the minimum interval the directive goes through again.
	if err := g.Propose(directive(1, 1_000+1_000_000_000)); err != nil {
		t.Errorf("Propose at interval boundary: %v", err)
	}
}

// A directive stamped earlier than the last accepted one is inside the
// interval by definition; it must be dropped, not slipped through unsigned
// wraparound of the timestamp difference.
func TestProposeRejectsBackdatedTimestamp(t *testing.T) {
	g, ap := newTestGate(1_000_000_000)

	if err := g.Propose(directive(1, 2_000_000_000)); err != nil {
		t.Fatalf("first Propose: %v", err)
	}

	err := g.Propose(directive(1, 100))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("backdated Propose: got %v, want ErrRateLimited", err)
	}
	if err := g.Propose(directive(1, 2_000_000_000)); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("equal-timestamp Propose: got %v, want ErrRateLimited", err)
	}

	if len(ap.applied) != 1 {
		t.Errorf("applied: got %d directives, want 1", len(ap.applied))
	}
	if g.RateLimitedCount() != 2 {
		t.Errorf("rate-limited count: got %d, want 2", g.RateLimitedCount())
	}
}

func TestProposeRateLimitIsPerTarget(t *testing.T) {
	g, ap := newTestGate(1_000_000_000)

	if err := g.Propose(directive(1, 1_000)); err != nil {
		t.Fatalf("Propose class 1: %v", err)
	}
	if err := g.Propose(directive(2, 1_100)); err != nil {
		t.Fatalf("Propose class 2 must not share class 1's slot: %v", err)
	}
	if len(ap.applied) != 2 {
		t.Errorf("applied: got %d directives, want 2", len(ap.applied))
	}
}

func TestProposeUnknownTarget(t *testing.T) {
	g, _ := newTestGate(0)

	err := g.Propose(directive(99, 1_000))
	if !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("got %v, want ErrUnknownTarget", err)
	}
	if g.RateLimitedCount() != 0 {
		t.Errorf("unknown target must not count as rate-limited")
	}
}

func TestProposeInvalidAction(t *testing.T) {
	g, _ := newTestGate(0)

	d := directive(1, 1_000)
	d.Action = "reboot"
	if err := g.Propose(d); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("got %v, want ErrInvalidAction", err)
	}
}

// A failed application (e.g. the repriced budget would break the admission
// ceiling) must not consume the target's rate-limit slot.
func TestProposeFailedApplyKeepsSlotFree(t *testing.T) {
	g, ap := newTestGate(1_000_000_000)

	ap.err = errors.New("ceiling exceeded")
	if err := g.Propose(directive(1, 1_000)); err == nil {
		t.Fatal("expected application error to propagate")
	}

	ap.err = nil
	if err := g.Propose(directive(1, 1_100)); err != nil {
		t.Errorf("retry after failed apply: %v", err)
	}
	if g.AcceptedCount() != 1 {
		t.Errorf("accepted: got %d, want 1", g.AcceptedCount())
	}
}
