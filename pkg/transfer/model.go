package transfer

import (
	"math"
	"time"
)

// Stimulus describes the square wave driving the R1-C1 stage.
type Stimulus struct {
	UPlus  float64 // High level voltage (V)
	Period float64 // Period T (s)
	Duty   float64 // Duty cycle D, 0 < D < 1
}

// Frequency returns the stimulus frequency in Hz.
func (s Stimulus) Frequency() float64 {
	return 1 / s.Period
}

// Validate checks the stimulus parameters.
func (s Stimulus) Validate() error {
	if !(s.UPlus > 0) || math.IsInf(s.UPlus, 0) {
		return &DomainError{Param: "u_plus", Value: s.UPlus}
	}
	if !(s.Period > 0) || math.IsInf(s.Period, 0) {
		return &DomainError{Param: "period", Value: s.Period}
	}
	if !(s.Duty > 0 && s.Duty < 1) {
		return &DomainError{Param: "duty", Value: s.Duty}
	}
	return nil
}

// Circuit holds the fixed component values of the analog front end.
// C1 (the sensing capacitance) is the unknown and is not part of it.
type Circuit struct {
	R1 float64 // Low-pass series resistance (ohm)
	R2 float64 // Peak detector discharge resistance (ohm)
	C2 float64 // Peak detector hold capacitance (F)
}

// Validate checks that all components are strictly positive.
func (c Circuit) Validate() error {
	for _, p := range []struct {
		name  string
		value float64
	}{{"r1", c.R1}, {"r2", c.R2}, {"c2", c.C2}} {
		if !(p.value > 0) || math.IsInf(p.value, 0) {
			return &DomainError{Param: p.name, Value: p.value}
		}
	}
	return nil
}

// NominalTau is R1*C2, the scale used to center the solver bracket.
func (c Circuit) NominalTau() float64 {
	return c.R1 * c.C2
}

// SettlingTime returns how long the peak detector needs to settle:
// n time constants of the R2-C2 stage.
func (c Circuit) SettlingTime(n float64) time.Duration {
	return time.Duration(math.Round(n * c.R2 * c.C2 * float64(time.Second)))
}

// Model evaluates the peak detector output for a given low-pass time constant:
//
//	Up(tau) = U+ * (1 - exp(-T*D/tau)) / (1 - exp(-T/tau))
//
// Up is strictly decreasing in tau, from U+ (tau -> 0) to D*U+ (tau -> inf).
type Model struct {
	stimulus Stimulus
	circuit  Circuit
}

// New creates a Model after validating the stimulus and circuit.
func New(stimulus Stimulus, circuit Circuit) (*Model, error) {
	if err := stimulus.Validate(); err != nil {
		return nil, err
	}
	if err := circuit.Validate(); err != nil {
		return nil, err
	}
	return &Model{stimulus: stimulus, circuit: circuit}, nil
}

// Stimulus returns the stimulus the model was built with.
func (m *Model) Stimulus() Stimulus { return m.stimulus }

// Circuit returns the circuit constants the model was built with.
func (m *Model) Circuit() Circuit { return m.circuit }

// Forward returns the steady-state peak voltage for time constant tau.
func (m *Model) Forward(tau float64) (float64, error) {
	if err := checkTau(tau); err != nil {
		return 0, err
	}
	if math.IsInf(tau, 1) {
		return m.stimulus.Duty * m.stimulus.UPlus, nil
	}

	// expm1 keeps precision for large tau where both terms approach zero.
	num := -math.Expm1(-m.stimulus.Period * m.stimulus.Duty / tau)
	den := -math.Expm1(-m.stimulus.Period / tau)
	return m.stimulus.UPlus * num / den, nil
}

// Derivative returns dUp/dtau at tau.
func (m *Model) Derivative(tau float64) (float64, error) {
	if err := checkTau(tau); err != nil {
		return 0, err
	}
	if math.IsInf(tau, 1) {
		return 0, nil
	}

	a := m.stimulus.Period * m.stimulus.Duty
	b := m.stimulus.Period

	n := -math.Expm1(-a / tau)
	d := -math.Expm1(-b / tau)
	dn := edgeSlope(a, tau)
	dd := edgeSlope(b, tau)

	return m.stimulus.UPlus * (dn*d - n*dd) / (d * d), nil
}

// edgeSlope is d/dtau (1 - exp(-k/tau)) = -(k/tau^2) * exp(-k/tau).
// Once exp underflows the slope is flat; computing it would give Inf*0.
func edgeSlope(k, tau float64) float64 {
	e := math.Exp(-k / tau)
	if e == 0 {
		return 0
	}
	return -(k / tau) / tau * e
}

// Band returns the inclusive voltage band a physical measurement must fall in.
func (m *Model) Band() (lo, hi float64) {
	return m.stimulus.Duty * m.stimulus.UPlus, m.stimulus.UPlus
}

// InBand reports whether u2 lies within Band (inclusive).
func (m *Model) InBand(u2 float64) bool {
	lo, hi := m.Band()
	return u2 >= lo && u2 <= hi
}

// Capacitance converts a solved time constant into the sensing capacitance C1.
func (m *Model) Capacitance(tau float64) float64 {
	return tau / m.circuit.R1
}

// TimeConstant converts a sensing capacitance C1 into tau = R1*C1.
func (m *Model) TimeConstant(c1 float64) float64 {
	return m.circuit.R1 * c1
}

func checkTau(tau float64) error {
	if !(tau > 0) {
		return &DomainError{Param: "tau", Value: tau}
	}
	return nil
}
