package measure

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/itohio/gosoil/pkg/solver"
)

// State is the orchestrator's position in a measurement cycle.
type State int32

const (
	Idle State = iota
	Stimulating
	Settling
	Sampling
	Inverting
	Calibrating
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Stimulating:
		return "stimulating"
	case Settling:
		return "settling"
	case Sampling:
		return "sampling"
	case Inverting:
		return "inverting"
	case Calibrating:
		return "calibrating"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Quality classifies a reading.
type Quality int

const (
	// Nominal readings come from a converged inversion inside the calibrated range.
	Nominal Quality = iota
	// OutOfRange readings have a voltage outside [D*U+, U+], a time constant
	// beyond the solver bracket, or a capacitance outside the calibration
	// curve (moisture clamped).
	OutOfRange
	// NotConverged readings exhausted the solver's iteration budget.
	NotConverged
	// Stale readings carry no fresh sample: the sampler kept faulting or the
	// sample was taken under a different stimulus.
	Stale
)

var qualityNames = map[Quality]string{
	Nominal:      "nominal",
	OutOfRange:   "out_of_range",
	NotConverged: "not_converged",
	Stale:        "stale",
}

// Qualities lists every quality tag in order.
func Qualities() []Quality {
	return []Quality{Nominal, OutOfRange, NotConverged, Stale}
}

func (q Quality) String() string {
	if name, ok := qualityNames[q]; ok {
		return name
	}
	return fmt.Sprintf("quality(%d)", int(q))
}

// MarshalText implements encoding.TextMarshaler.
func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (q *Quality) UnmarshalText(text []byte) error {
	for k, name := range qualityNames {
		if name == string(text) {
			*q = k
			return nil
		}
	}
	return fmt.Errorf("unknown quality %q", text)
}

// Reading is the result of one measurement cycle. Fields that could not be
// computed are NaN.
type Reading struct {
	ID        uuid.UUID
	Timestamp time.Time // Sample timestamp, or cycle time when no sample was taken
	Voltage   float64   // Measured peak voltage U2 (V)
	Inversion solver.Result
	Moisture  float64
	Quality   Quality
	Attempts  int // Sampling attempts used
}

func newReading(id uuid.UUID, ts time.Time) Reading {
	return Reading{
		ID:        id,
		Timestamp: ts,
		Voltage:   math.NaN(),
		Inversion: solver.Result{Tau: math.NaN(), Capacitance: math.NaN()},
		Moisture:  math.NaN(),
	}
}

// Sink receives one reading per completed cycle.
type Sink interface {
	Emit(ctx context.Context, r Reading) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Reading) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, r Reading) error {
	return f(ctx, r)
}
