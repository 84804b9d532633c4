// ============================================================================
// Falcon-Sched Coordination Gate - Rate-Limited Adaptive Directives
// ============================================================================
//
// Package: internal/gate
// File: gate.go
// Function: Throttles reconfiguration directives from adaptive/neural
// collaborators before they reach the admission controller or budget engine
//
// Why a gate exists:
//   The adaptive subsystems (meta-agent, neural coordination) are message
//   producers, never direct mutators of scheduler state. Left unchecked
//   their heuristics oscillate and would thrash admission and budget
//   parameters. The gate enforces a minimum interval between accepted
//   directives per target class; anything faster is dropped and counted.
//
//   The gate throttles frequency only, never validity: accepted directives
//   are handed to the kernel as ordinary reconfiguration calls, which still
//   enforce every admission-control invariant.
//
// Ordering:
//   Directive application is strictly ordered by acceptance timestamp per
//   target class; the kernel's single-writer entry points guarantee this.
//
// ============================================================================

package gate

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

var (
	// ErrRateLimited means a directive arrived before the minimum interval
	// since the last accepted directive for the same target elapsed.
	ErrRateLimited = errors.New("gate: directive rate-limited")
	// ErrUnknownTarget means the target class holds no admission.
	ErrUnknownTarget = errors.New("gate: unknown target class")
	// ErrInvalidAction means the directive's action is not recognized.
	ErrInvalidAction = errors.New("gate: invalid action")
)

// DefaultMinIntervalNS spaces accepted directives one second apart, the
// slowest cadence observed to keep adaptive heuristics from oscillating.
const DefaultMinIntervalNS = 1_000_000_000

// Applier applies an accepted directive. Implemented by the kernel; an
// application error does not consume the target's rate-limit slot.
type Applier interface {
	ApplyDirective(d types.Directive) error
}

// TargetChecker reports whether a class is currently admitted.
type TargetChecker interface {
	Admitted(classID types.ClassID) bool
}

// Gate rate-limits directives per target class. Single-writer: called only
// from the kernel's entry points.
type Gate struct {
	minIntervalNS uint64
	applier       Applier
	targets       TargetChecker

	lastAccepted map[types.ClassID]uint64
	accepted     uint64
	rateLimited  uint64
}

// New creates a gate with the given minimum interval (0 selects the
// default).
func New(minIntervalNS uint64, applier Applier, targets TargetChecker) *Gate {
	if minIntervalNS == 0 {
		minIntervalNS = DefaultMinIntervalNS
	}
	return &Gate{
		minIntervalNS: minIntervalNS,
		applier:       applier,
		targets:       targets,
		lastAccepted:  make(map[types.ClassID]uint64),
	}
}

// Propose evaluates one directive: validate, rate-limit, then apply. A
// dropped directive mutates nothing beyond the rate-limited counter.
func (g *Gate) Propose(d types.Directive) error {
	switch d.Action {
	case types.ActionAdjustBudget, types.ActionSetCompletionPolicy:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAction, d.Action)
	}

	if !g.targets.Admitted(d.TargetClassID) {
		return fmt.Errorf("%w: class %d", ErrUnknownTarget, d.TargetClassID)
	}

	if last, ok := g.lastAccepted[d.TargetClassID]; ok {
		// A timestamp at or before the last accepted one is inside the
		// interval by definition; the unsigned subtraction would wrap for it.
		if d.RequestedAtNS <= last || d.RequestedAtNS-last < g.minIntervalNS {
			g.rateLimited++
			return fmt.Errorf("%w: class %d, last accepted at %d ns, requested at %d ns (min interval %d)",
				ErrRateLimited, d.TargetClassID, last, d.RequestedAtNS, g.minIntervalNS)
		}
	}

	if err := g.applier.ApplyDirective(d); err != nil {
		return err
	}
	g.lastAccepted[d.TargetClassID] = d.RequestedAtNS
	g.accepted++
	return nil
}

// RateLimitedCount returns how many directives were dropped by the
// interval check.
func (g *Gate) RateLimitedCount() uint64 { return g.rateLimited }

// AcceptedCount returns how many directives were applied.
func (g *Gate) AcceptedCount() uint64 { return g.accepted }
