package solver

// Bisection halves the bracket in log space until the voltages at both ends
// differ by less than the tolerance.
type Bisection struct {
	opts Options
}

// NewBisection creates a bisection solver.
func NewBisection(opts Options) (*Bisection, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Bisection{opts: opts}, nil
}

// Solve finds tau such that m.Forward(tau) is within tolerance of target.
// An exhausted iteration budget returns Converged=false with a nil error.
func (b *Bisection) Solve(m Invertible, target float64) (Result, error) {
	st, res, done, err := start(m, target, b.opts)
	if done {
		return res, err
	}

	for i := 1; i <= b.opts.MaxIterations; i++ {
		probe := st.midpoint()
		v, err := m.Forward(probe)
		if err != nil {
			return Result{Tau: probe, Iterations: i}, err
		}
		st.narrow(probe, v, target)

		if st.span() < b.opts.Tolerance {
			return Result{Tau: st.midpoint(), Converged: true, Iterations: i}, nil
		}
	}

	return Result{Tau: st.midpoint(), Converged: false, Iterations: b.opts.MaxIterations}, nil
}
