package solver

import "math"

// Newton bisects until the bracket spans at most one decade, then takes
// Newton steps from the best estimate. A step that leaves the bracket, or a
// flat derivative, falls back to a bisection step.
type Newton struct {
	opts Options
}

// NewNewton creates a bracketed Newton solver.
func NewNewton(opts Options) (*Newton, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Newton{opts: opts}, nil
}

// Solve finds tau such that m.Forward(tau) is within tolerance of target.
func (n *Newton) Solve(m Invertible, target float64) (Result, error) {
	st, res, done, err := start(m, target, n.opts)
	if done {
		return res, err
	}

	// x is the last probe and vx its voltage; the first Newton step starts
	// from the midpoint, evaluated on demand.
	x, vx, haveVX := st.midpoint(), 0.0, false
	for i := 1; i <= n.opts.MaxIterations; i++ {
		probe := st.midpoint()
		if st.hi <= 10*st.lo {
			if !haveVX {
				v, err := m.Forward(x)
				if err != nil {
					return Result{Tau: x, Iterations: i}, err
				}
				vx, haveVX = v, true
			}
			if next, ok := n.step(m, target, x, vx, st); ok {
				probe = next
			}
		}

		v, err := m.Forward(probe)
		if err != nil {
			return Result{Tau: probe, Iterations: i}, err
		}
		if math.Abs(v-target) < n.opts.Tolerance {
			return Result{Tau: probe, Converged: true, Iterations: i}, nil
		}
		st.narrow(probe, v, target)
		x, vx, haveVX = probe, v, true

		if st.span() < n.opts.Tolerance {
			return Result{Tau: st.midpoint(), Converged: true, Iterations: i}, nil
		}
	}

	return Result{Tau: st.midpoint(), Converged: false, Iterations: n.opts.MaxIterations}, nil
}

// step computes a Newton update from x, whose voltage is v, and reports
// whether it stays strictly inside the bracket.
func (n *Newton) step(m Invertible, target, x, v float64, st bracketState) (float64, bool) {
	d, err := m.Derivative(x)
	if err != nil || d == 0 || math.IsNaN(d) {
		return 0, false
	}
	next := x - (v-target)/d
	if !(next > st.lo && next < st.hi) {
		return 0, false
	}
	return next, true
}
