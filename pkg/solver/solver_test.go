package solver

import (
	"errors"
	"math"
	"testing"

	"github.com/itohio/gosoil/pkg/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOptions = Options{
	Bracket:       Bracket{Min: 1e-10, Max: 1},
	Tolerance:     1e-9,
	MaxIterations: 200,
}

func newModel(t *testing.T, s transfer.Stimulus) *transfer.Model {
	t.Helper()
	m, err := transfer.New(s, transfer.Circuit{R1: 10e3, R2: 470e3, C2: 10e-9})
	require.NoError(t, err)
	return m
}

func solvers(t *testing.T, opts Options) map[string]Solver {
	t.Helper()
	b, err := NewBisection(opts)
	require.NoError(t, err)
	n, err := NewNewton(opts)
	require.NoError(t, err)
	return map[string]Solver{"bisection": b, "newton": n}
}

func TestBracketAround(t *testing.T) {
	b := BracketAround(1e-4, 6, 4)
	assert.InEpsilon(t, 1e-10, b.Min, 1e-12)
	assert.InEpsilon(t, 1.0, b.Max, 1e-12)
	assert.NoError(t, b.Validate())
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "valid", opts: testOptions},
		{name: "inverted bracket", opts: Options{Bracket: Bracket{Min: 1, Max: 1e-3}, Tolerance: 1e-6, MaxIterations: 10}, wantErr: true},
		{name: "zero min", opts: Options{Bracket: Bracket{Min: 0, Max: 1}, Tolerance: 1e-6, MaxIterations: 10}, wantErr: true},
		{name: "infinite max", opts: Options{Bracket: Bracket{Min: 1e-9, Max: math.Inf(1)}, Tolerance: 1e-6, MaxIterations: 10}, wantErr: true},
		{name: "zero tolerance", opts: Options{Bracket: testOptions.Bracket, Tolerance: 0, MaxIterations: 10}, wantErr: true},
		{name: "zero iterations", opts: Options{Bracket: testOptions.Bracket, Tolerance: 1e-6}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errB := NewBisection(tt.opts)
			_, errN := NewNewton(tt.opts)
			if tt.wantErr {
				assert.Error(t, errB)
				assert.Error(t, errN)
			} else {
				assert.NoError(t, errB)
				assert.NoError(t, errN)
			}
		})
	}
}

func TestSolve_RoundTrip(t *testing.T) {
	stimuli := []transfer.Stimulus{
		{UPlus: 3.3, Period: 1e-3, Duty: 0.5},
		{UPlus: 3.3, Period: 20e-6, Duty: 0.01},
	}

	for name, s := range solvers(t, testOptions) {
		for _, stim := range stimuli {
			m := newModel(t, stim)
			for tau := stim.Period * stim.Duty / 20; tau < stim.Period*100; tau *= 3 {
				target, err := m.Forward(tau)
				require.NoError(t, err)

				res, err := s.Solve(m, target)
				require.NoError(t, err, "%s tau=%g", name, tau)
				require.True(t, res.Converged, "%s tau=%g", name, tau)

				// Agreement is defined in the voltage domain.
				got, err := m.Forward(res.Tau)
				require.NoError(t, err)
				assert.InDelta(t, target, got, testOptions.Tolerance, "%s tau=%g", name, tau)

				// Where the curve is steep enough, tau itself is recovered closely.
				if tau >= stim.Period*stim.Duty/5 && tau <= stim.Period*20 {
					assert.InEpsilon(t, tau, res.Tau, 1e-5, "%s tau=%g", name, tau)
				}
			}
		}
	}
}

func TestSolve_AtAsymptote(t *testing.T) {
	m := newModel(t, transfer.Stimulus{UPlus: 3.3, Period: 1e-3, Duty: 0.5})
	lo, _ := m.Band()

	for name, s := range solvers(t, testOptions) {
		t.Run(name, func(t *testing.T) {
			res, err := s.Solve(m, lo)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrOutOfBracket))
			assert.False(t, res.Converged)
			assert.Equal(t, 0, res.Iterations)
		})
	}
}

func TestSolve_AtUPlus(t *testing.T) {
	m := newModel(t, transfer.Stimulus{UPlus: 3.3, Period: 1e-3, Duty: 0.5})
	_, hi := m.Band()

	for name, s := range solvers(t, testOptions) {
		t.Run(name, func(t *testing.T) {
			res, err := s.Solve(m, hi)
			require.NoError(t, err)
			assert.True(t, res.Converged)
			assert.Equal(t, testOptions.Bracket.Min, res.Tau)
		})
	}
}

func TestSolve_NotConverged(t *testing.T) {
	opts := testOptions
	opts.MaxIterations = 5
	m := newModel(t, transfer.Stimulus{UPlus: 3.3, Period: 20e-6, Duty: 0.01})
	target, err := m.Forward(3e-7)
	require.NoError(t, err)

	b, err := NewBisection(opts)
	require.NoError(t, err)
	res, err := b.Solve(m, target)
	require.NoError(t, err)
	assert.False(t, res.Converged)
	assert.Equal(t, 5, res.Iterations)
	assert.Greater(t, res.Tau, 0.0)
}

func TestSolve_NaNTarget(t *testing.T) {
	m := newModel(t, transfer.Stimulus{UPlus: 3.3, Period: 1e-3, Duty: 0.5})
	for name, s := range solvers(t, testOptions) {
		_, err := s.Solve(m, math.NaN())
		assert.Error(t, err, name)
	}
}

func TestNewton_FewerIterations(t *testing.T) {
	m := newModel(t, transfer.Stimulus{UPlus: 3.3, Period: 1e-3, Duty: 0.5})
	s := solvers(t, testOptions)

	rb, err := s["bisection"].Solve(m, 2.1)
	require.NoError(t, err)
	rn, err := s["newton"].Solve(m, 2.1)
	require.NoError(t, err)

	assert.True(t, rb.Converged)
	assert.True(t, rn.Converged)
	assert.Less(t, rn.Iterations, rb.Iterations)
	assert.InEpsilon(t, rb.Tau, rn.Tau, 1e-6)
}

// countingModel counts forward evaluations of the wrapped model.
type countingModel struct {
	Invertible
	forward int
}

func (c *countingModel) Forward(tau float64) (float64, error) {
	c.forward++
	return c.Invertible.Forward(tau)
}

func TestNewton_OneForwardPerIteration(t *testing.T) {
	m := &countingModel{Invertible: newModel(t, transfer.Stimulus{UPlus: 3.3, Period: 1e-3, Duty: 0.5})}
	n, err := NewNewton(testOptions)
	require.NoError(t, err)

	res, err := n.Solve(m, 2.1)
	require.NoError(t, err)
	require.True(t, res.Converged)

	// Two bracket ends, at most one start value, then one per iteration.
	assert.LessOrEqual(t, m.forward, res.Iterations+3)
}

// stepModel is a strictly decreasing model with a misleading derivative,
// forcing every Newton step outside the bracket.
type stepModel struct{}

func (stepModel) Forward(tau float64) (float64, error) { return 1 / (1 + tau), nil }
func (stepModel) Derivative(float64) (float64, error)  { return -1e-30, nil }

func TestNewton_FallsBackToBisection(t *testing.T) {
	n, err := NewNewton(Options{Bracket: Bracket{Min: 1e-3, Max: 1e3}, Tolerance: 1e-9, MaxIterations: 200})
	require.NoError(t, err)

	res, err := n.Solve(stepModel{}, 0.5)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.InDelta(t, 1.0, res.Tau, 1e-6)
}
