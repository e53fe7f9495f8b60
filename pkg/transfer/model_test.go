package transfer

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModel(t *testing.T) *Model {
	t.Helper()
	m, err := New(
		Stimulus{UPlus: 3.3, Period: 1e-3, Duty: 0.5},
		Circuit{R1: 10e3, R2: 470e3, C2: 10e-9},
	)
	require.NoError(t, err)
	return m
}

func TestNew_Validation(t *testing.T) {
	good := Stimulus{UPlus: 3.3, Period: 20e-6, Duty: 0.01}
	circuit := Circuit{R1: 10e3, R2: 470e3, C2: 10e-9}

	tests := []struct {
		name      string
		stimulus  Stimulus
		circuit   Circuit
		wantParam string
	}{
		{name: "valid", stimulus: good, circuit: circuit},
		{name: "zero duty", stimulus: Stimulus{UPlus: 3.3, Period: 20e-6, Duty: 0}, circuit: circuit, wantParam: "duty"},
		{name: "full duty", stimulus: Stimulus{UPlus: 3.3, Period: 20e-6, Duty: 1}, circuit: circuit, wantParam: "duty"},
		{name: "negative period", stimulus: Stimulus{UPlus: 3.3, Period: -1, Duty: 0.5}, circuit: circuit, wantParam: "period"},
		{name: "zero voltage", stimulus: Stimulus{UPlus: 0, Period: 20e-6, Duty: 0.5}, circuit: circuit, wantParam: "u_plus"},
		{name: "zero r1", stimulus: good, circuit: Circuit{R1: 0, R2: 1, C2: 1}, wantParam: "r1"},
		{name: "negative r2", stimulus: good, circuit: Circuit{R1: 1, R2: -1, C2: 1}, wantParam: "r2"},
		{name: "NaN c2", stimulus: good, circuit: Circuit{R1: 1, R2: 1, C2: math.NaN()}, wantParam: "c2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.stimulus, tt.circuit)
			if tt.wantParam == "" {
				require.NoError(t, err)
				assert.NotNil(t, m)
				return
			}
			var domainErr *DomainError
			require.True(t, errors.As(err, &domainErr), "expected DomainError, got %v", err)
			assert.Equal(t, tt.wantParam, domainErr.Param)
			assert.Nil(t, m)
		})
	}
}

func TestForward_DomainError(t *testing.T) {
	m := testModel(t)

	for _, tau := range []float64{0, -1e-6, math.NaN()} {
		_, err := m.Forward(tau)
		var domainErr *DomainError
		assert.True(t, errors.As(err, &domainErr), "Forward(%g)", tau)

		_, err = m.Derivative(tau)
		assert.True(t, errors.As(err, &domainErr), "Derivative(%g)", tau)
	}
}

func TestForward_Limits(t *testing.T) {
	m := testModel(t)
	lo, hi := m.Band()
	assert.Equal(t, 1.65, lo)
	assert.Equal(t, 3.3, hi)

	// tau -> 0 approaches U+
	v, err := m.Forward(1e-12)
	require.NoError(t, err)
	assert.InDelta(t, hi, v, 1e-12)

	// tau -> inf approaches D*U+
	v, err = m.Forward(1e6)
	require.NoError(t, err)
	assert.InDelta(t, lo, v, 1e-6)

	v, err = m.Forward(math.Inf(1))
	require.NoError(t, err)
	assert.Equal(t, lo, v)
}

func TestForward_ClosedFormAtHalfDuty(t *testing.T) {
	// With D = 0.5 the formula reduces to U+ / (1 + exp(-T/(2*tau))).
	m := testModel(t)
	for _, tau := range []float64{1e-5, 1e-4, 8.9347e-4, 1e-2, 1} {
		got, err := m.Forward(tau)
		require.NoError(t, err)
		want := 3.3 / (1 + math.Exp(-1e-3/(2*tau)))
		assert.InDelta(t, want, got, 1e-12, "tau=%g", tau)
	}
}

func TestForward_Monotonic(t *testing.T) {
	stimuli := []Stimulus{
		{UPlus: 3.3, Period: 1e-3, Duty: 0.5},
		{UPlus: 3.3, Period: 20e-6, Duty: 0.01},
		{UPlus: 5.0, Period: 1e-4, Duty: 0.9},
	}
	for _, s := range stimuli {
		m, err := New(s, Circuit{R1: 10e3, R2: 470e3, C2: 10e-9})
		require.NoError(t, err)

		// Sample tau logarithmically across the region where the output still
		// moves in float64; below T*D/30 it is U+ to the last bit.
		prev := math.Inf(1)
		for tau := s.Period * s.Duty / 30; tau < s.Period*1e3; tau *= 1.1 {
			v, err := m.Forward(tau)
			require.NoError(t, err)
			assert.Less(t, v, prev, "Forward must strictly decrease: stimulus=%+v tau=%g", s, tau)
			prev = v
		}
	}
}

func TestDerivative_MatchesFiniteDifference(t *testing.T) {
	m := testModel(t)
	for _, tau := range []float64{1e-4, 1e-3, 1e-2, 1} {
		h := tau * 1e-6
		up, err := m.Forward(tau + h)
		require.NoError(t, err)
		down, err := m.Forward(tau - h)
		require.NoError(t, err)
		numeric := (up - down) / (2 * h)

		analytic, err := m.Derivative(tau)
		require.NoError(t, err)
		assert.Less(t, analytic, 0.0)
		assert.InEpsilon(t, numeric, analytic, 1e-5, "tau=%g", tau)
	}
}

func TestDerivative_FlatNearZero(t *testing.T) {
	m := testModel(t)
	d, err := m.Derivative(1e-300)
	require.NoError(t, err)
	assert.Equal(t, 0.0, d)
	assert.False(t, math.IsNaN(d))
}

func TestInBand(t *testing.T) {
	m := testModel(t)
	tests := []struct {
		u2   float64
		want bool
	}{
		{1.65, true},
		{3.3, true},
		{2.1, true},
		{1.6499, false},
		{3.3001, false},
		{0, false},
		{math.NaN(), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.InBand(tt.u2), "InBand(%g)", tt.u2)
	}
}

func TestCapacitanceRoundTrip(t *testing.T) {
	m := testModel(t)
	c1 := 30e-12
	tau := m.TimeConstant(c1)
	assert.InDelta(t, 3e-7, tau, 1e-20)
	assert.InDelta(t, c1, m.Capacitance(tau), 1e-24)
}

func TestSettlingTime(t *testing.T) {
	c := Circuit{R1: 10e3, R2: 470e3, C2: 10e-9}
	// R2*C2 = 4.7ms
	assert.Equal(t, 23500*time.Microsecond, c.SettlingTime(5))
	assert.Equal(t, time.Duration(0), c.SettlingTime(0))
	assert.InDelta(t, 1e-4, c.NominalTau(), 1e-18)
}

func TestStimulusFrequency(t *testing.T) {
	s := Stimulus{UPlus: 3.3, Period: 20e-6, Duty: 0.01}
	assert.InDelta(t, 50e3, s.Frequency(), 1e-6)
}
