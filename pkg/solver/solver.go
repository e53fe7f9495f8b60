package solver

import (
	"errors"
	"fmt"
	"math"
)

// ErrOutOfBracket is returned when the target voltage would require a time
// constant beyond the upper end of the bracket. It covers the asymptote
// U2 = D*U+ where tau is unbounded.
var ErrOutOfBracket = errors.New("target voltage outside solver bracket")

// Invertible is a strictly monotonic voltage transfer function of tau.
type Invertible interface {
	Forward(tau float64) (float64, error)
	Derivative(tau float64) (float64, error)
}

// Solver recovers tau from a target voltage.
type Solver interface {
	Solve(m Invertible, target float64) (Result, error)
}

var (
	_ Solver = (*Bisection)(nil)
	_ Solver = (*Newton)(nil)
)

// Result is the outcome of one inversion.
type Result struct {
	Tau         float64 // Solved time constant (s)
	Capacitance float64 // Sensing capacitance C1 = tau/R1 (F), filled in by the caller
	Converged   bool
	Iterations  int
}

// Bracket is the tau search interval (s).
type Bracket struct {
	Min float64
	Max float64
}

// BracketAround builds a bracket spanning the given number of decades below
// and above a nominal time constant.
func BracketAround(nominal float64, below, above float64) Bracket {
	return Bracket{
		Min: nominal * math.Pow(10, -below),
		Max: nominal * math.Pow(10, above),
	}
}

// Validate checks that the bracket is a finite, positive, non-empty interval.
func (b Bracket) Validate() error {
	if !(b.Min > 0) || !(b.Max > b.Min) || math.IsInf(b.Max, 0) {
		return fmt.Errorf("invalid bracket [%g, %g]", b.Min, b.Max)
	}
	return nil
}

// Options configures a solver.
type Options struct {
	Bracket       Bracket
	Tolerance     float64 // Absolute voltage tolerance (V)
	MaxIterations int
}

// Validate checks the solver options.
func (o Options) Validate() error {
	if err := o.Bracket.Validate(); err != nil {
		return err
	}
	if !(o.Tolerance > 0) {
		return fmt.Errorf("invalid tolerance %g", o.Tolerance)
	}
	if o.MaxIterations <= 0 {
		return fmt.Errorf("invalid max iterations %d", o.MaxIterations)
	}
	return nil
}

// bracketState tracks the current tau interval and the voltages at its ends.
// Since the transfer function decreases, vLo >= target >= vHi.
type bracketState struct {
	lo, hi   float64
	vLo, vHi float64
}

// start evaluates the bracket ends and handles targets at or outside them.
// done is true when the target resolves without iterating.
func start(m Invertible, target float64, opts Options) (st bracketState, res Result, done bool, err error) {
	if math.IsNaN(target) {
		return st, res, true, fmt.Errorf("invalid target voltage %g", target)
	}

	st.lo, st.hi = opts.Bracket.Min, opts.Bracket.Max
	if st.vLo, err = m.Forward(st.lo); err != nil {
		return st, res, true, err
	}
	if st.vHi, err = m.Forward(st.hi); err != nil {
		return st, res, true, err
	}

	if target <= st.vHi {
		return st, Result{Tau: st.hi}, true, fmt.Errorf("%w: %g V at or below %g V (tau > %g s)", ErrOutOfBracket, target, st.vHi, st.hi)
	}
	if target >= st.vLo || st.vLo-target < opts.Tolerance {
		// At or above the small-tau end: the answer is tau near zero.
		return st, Result{Tau: st.lo, Converged: true}, true, nil
	}
	return st, res, false, nil
}

// narrow replaces one end of the bracket with probe.
func (st *bracketState) narrow(probe, v, target float64) {
	if v > target {
		// Voltage too high: tau is larger than probe.
		st.lo, st.vLo = probe, v
	} else {
		st.hi, st.vHi = probe, v
	}
}

func (st *bracketState) span() float64 {
	return st.vLo - st.vHi
}

// midpoint is the geometric midpoint; the bracket spans many decades.
func (st *bracketState) midpoint() float64 {
	return math.Sqrt(st.lo * st.hi)
}
