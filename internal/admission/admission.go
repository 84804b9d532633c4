// ============================================================================
// Falcon-Sched Admission Controller - Utilization-Bound Admission Control
// ============================================================================
//
// Package: internal/admission
// File: admission.go
// Function: Decides whether a new job class can be admitted without
// violating previously made timing promises
//
// How it works:
//   Every job class declares a worst-case execution time (WCET, in CPU
//   cycles) and a period. The controller converts WCET to nanoseconds with
//   the platform cycle-to-ns ratio and computes the class utilization as a
//   fixed-point fraction in parts-per-million:
//
//     util_ppm = wcet_ns * 1_000_000 / period_ns   (floor division)
//
//   A class is admitted only if the sum over all admitted classes plus the
//   candidate stays at or below the configured ceiling. A rejected call
//   leaves prior state unchanged.
//
// Fixed-point arithmetic:
//   No floating point on the admission path. The ppm sum uses saturating
//   addition; a candidate whose parameters would overflow the nanosecond
//   counters is rejected as invalid at admission time rather than wrapped.
//
// Re-admission rule:
//   Admitting an already-registered class with any parameters fails with
//   ErrAlreadyAdmitted unless the class is released first. This prevents
//   silent budget inflation by repeated submission.
//
// ============================================================================

package admission

import (
	"errors"
	"fmt"
	"math"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrUtilizationExceeded means admitting the class would push total
	// reserved utilization past the configured ceiling.
	ErrUtilizationExceeded = errors.New("admission: utilization ceiling exceeded")
	// ErrAlreadyAdmitted means the class is already registered and must be
	// released before re-admission with different parameters.
	ErrAlreadyAdmitted = errors.New("admission: class already admitted")
	// ErrInvalidParameters means the job spec fails basic validation
	// (zero WCET, zero period, deadline shorter than the WCET, or values
	// that overflow the nanosecond counters).
	ErrInvalidParameters = errors.New("admission: invalid parameters")
	// ErrUnknownClass is returned by Release and status queries for a class
	// that was never admitted.
	ErrUnknownClass = errors.New("admission: unknown class")
	// ErrTableFull means the fixed server table has no free slot.
	ErrTableFull = errors.New("admission: server table full")
)

// ============================================================================
// Constants
// ============================================================================

const (
	// PPMScale is the fixed-point denominator: 1.0 CPU == 1_000_000 ppm.
	PPMScale = 1_000_000

	// DefaultCeilingPPM reserves the whole core. Deployments that want
	// headroom for interrupt handling configure a lower ceiling; the source
	// platform ran at 850_000.
	DefaultCeilingPPM = 1_000_000

	// DefaultTimerFreqHz is the platform timer frequency used for the
	// cycle-to-ns conversion (ARM architected timer, 62.5 MHz).
	DefaultTimerFreqHz = 62_500_000

	// maxPeriodNS bounds periods so that budget arithmetic cannot overflow
	// the 64-bit nanosecond counters (~1 hour).
	maxPeriodNS = uint64(3_600_000_000_000)
)

// ============================================================================
// Data structures
// ============================================================================

// Grant describes an accepted admission: the derived budget and utilization
// the CBS budget engine should configure the server with.
type Grant struct {
	ClassID        types.ClassID
	WCETNS         uint64
	PeriodNS       uint64
	UtilizationPPM uint32
}

type entry struct {
	utilPPM uint32
	wcetNS  uint64
	period  uint64
}

// Controller tracks reserved utilization across admitted classes. It never
// owns servers; the CBS budget engine does. Mutation happens only from the
// kernel's single-writer entry points, so the controller itself carries no
// lock.
type Controller struct {
	ceilingPPM  uint32
	timerFreqHz uint64
	maxClasses  int

	usedPPM uint32
	classes map[types.ClassID]entry

	accepted uint64
	rejected uint64
}

// NewController creates an admission controller with the given utilization
// ceiling (ppm), platform timer frequency, and server table capacity.
func NewController(ceilingPPM uint32, timerFreqHz uint64, maxClasses int) *Controller {
	if ceilingPPM == 0 {
		ceilingPPM = DefaultCeilingPPM
	}
	if timerFreqHz == 0 {
		timerFreqHz = DefaultTimerFreqHz
	}
	return &Controller{
		ceilingPPM:  ceilingPPM,
		timerFreqHz: timerFreqHz,
		maxClasses:  maxClasses,
		classes:     make(map[types.ClassID]entry, maxClasses),
	}
}

// ============================================================================
// Fixed-point helpers
// ============================================================================

// CyclesToNS converts declared WCET cycles to nanoseconds using the
// platform timer frequency. The intermediate product uses 128-bit-safe
// ordering to avoid overflow for realistic cycle counts.
func (c *Controller) CyclesToNS(cycles uint64) uint64 {
	if cycles == 0 {
		return 0
	}
	// cycles * 1e9 may overflow uint64 for very large WCETs; split the
	// multiplication around the frequency divisor.
	whole := cycles / c.timerFreqHz
	rem := cycles % c.timerFreqHz
	return whole*1_000_000_000 + (rem*1_000_000_000)/c.timerFreqHz
}

// UtilPPM computes floor(wcetNS * 1e6 / periodNS), saturating at
// math.MaxUint32. A zero period saturates rather than dividing by zero.
func UtilPPM(wcetNS, periodNS uint64) uint32 {
	if periodNS == 0 {
		return math.MaxUint32
	}
	// wcetNS is bounded by maxPeriodNS at validation time, so the product
	// fits in uint64 only for small values; do the division first when the
	// product would overflow.
	if wcetNS > math.MaxUint64/PPMScale {
		q := wcetNS / periodNS
		if q > math.MaxUint32/PPMScale {
			return math.MaxUint32
		}
		return uint32(q * PPMScale)
	}
	u := wcetNS * PPMScale / periodNS
	if u > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(u)
}

func satAddPPM(a, b uint32) uint32 {
	s := uint64(a) + uint64(b)
	if s > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(s)
}

// ============================================================================
// Core methods
// ============================================================================

// TryAdmit validates a job spec and reserves utilization for its class.
// On success it returns the grant the CBS engine should configure a server
// from. A rejected call leaves prior state unchanged.
func (c *Controller) TryAdmit(spec types.JobSpec) (Grant, error) {
	wcetNS := c.CyclesToNS(spec.WCETCycles)

	if err := c.validate(spec, wcetNS); err != nil {
		c.rejected++
		return Grant{}, err
	}

	if _, exists := c.classes[spec.ClassID]; exists {
		c.rejected++
		return Grant{}, fmt.Errorf("%w: class %d", ErrAlreadyAdmitted, spec.ClassID)
	}

	if len(c.classes) >= c.maxClasses {
		c.rejected++
		return Grant{}, fmt.Errorf("%w: %d classes admitted", ErrTableFull, len(c.classes))
	}

	u := UtilPPM(wcetNS, spec.PeriodNS)
	next := satAddPPM(c.usedPPM, u)
	if next > c.ceilingPPM {
		c.rejected++
		return Grant{}, fmt.Errorf("%w: %d + %d > %d ppm",
			ErrUtilizationExceeded, c.usedPPM, u, c.ceilingPPM)
	}

	c.usedPPM = next
	c.classes[spec.ClassID] = entry{utilPPM: u, wcetNS: wcetNS, period: spec.PeriodNS}
	c.accepted++

	return Grant{
		ClassID:        spec.ClassID,
		WCETNS:         wcetNS,
		PeriodNS:       spec.PeriodNS,
		UtilizationPPM: u,
	}, nil
}

func (c *Controller) validate(spec types.JobSpec, wcetNS uint64) error {
	if spec.WCETCycles == 0 {
		return fmt.Errorf("%w: wcet_cycles must be > 0", ErrInvalidParameters)
	}
	if spec.PeriodNS == 0 {
		return fmt.Errorf("%w: period_ns must be > 0", ErrInvalidParameters)
	}
	if spec.PeriodNS > maxPeriodNS {
		return fmt.Errorf("%w: period_ns %d exceeds counter bound", ErrInvalidParameters, spec.PeriodNS)
	}
	if wcetNS == 0 || wcetNS > maxPeriodNS {
		return fmt.Errorf("%w: wcet %d cycles out of range", ErrInvalidParameters, spec.WCETCycles)
	}
	if spec.DeadlineOffsetNS < wcetNS {
		return fmt.Errorf("%w: deadline_offset_ns %d shorter than wcet %d ns",
			ErrInvalidParameters, spec.DeadlineOffsetNS, wcetNS)
	}
	return nil
}

// Release frees the utilization reserved for a class so it can be
// re-admitted with different parameters.
func (c *Controller) Release(classID types.ClassID) error {
	e, exists := c.classes[classID]
	if !exists {
		return fmt.Errorf("%w: class %d", ErrUnknownClass, classID)
	}
	delete(c.classes, classID)
	c.usedPPM -= e.utilPPM
	return nil
}

// Reprice swaps a class's reserved utilization for the value implied by a
// new budget, enforcing the ceiling. Used by the coordination gate's
// adjust-budget path; the gate throttles frequency, this enforces validity.
func (c *Controller) Reprice(classID types.ClassID, newBudgetNS uint64) (uint32, error) {
	e, exists := c.classes[classID]
	if !exists {
		return 0, fmt.Errorf("%w: class %d", ErrUnknownClass, classID)
	}
	if newBudgetNS == 0 || newBudgetNS > maxPeriodNS {
		return 0, fmt.Errorf("%w: budget %d ns out of range", ErrInvalidParameters, newBudgetNS)
	}
	u := UtilPPM(newBudgetNS, e.period)
	next := satAddPPM(c.usedPPM-e.utilPPM, u)
	if next > c.ceilingPPM {
		return 0, fmt.Errorf("%w: repricing class %d to %d ppm exceeds ceiling",
			ErrUtilizationExceeded, classID, u)
	}
	e.utilPPM = u
	e.wcetNS = newBudgetNS
	c.classes[classID] = e
	c.usedPPM = next
	return u, nil
}

// ============================================================================
// Queries
// ============================================================================

// Admitted reports whether a class currently holds a reservation.
func (c *Controller) Admitted(classID types.ClassID) bool {
	_, exists := c.classes[classID]
	return exists
}

// CurrentUtilizationPPM returns the sum of admitted utilization.
func (c *Controller) CurrentUtilizationPPM() uint32 { return c.usedPPM }

// CeilingPPM returns the configured admission ceiling.
func (c *Controller) CeilingPPM() uint32 { return c.ceilingPPM }

// Stats returns cumulative accepted and rejected admission counts.
func (c *Controller) Stats() (accepted, rejected uint64) {
	return c.accepted, c.rejected
}
