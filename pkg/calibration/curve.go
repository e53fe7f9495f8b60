package calibration

import (
	"fmt"
	"math"
	"sort"
)

// Error reports malformed calibration data. It is a configuration fault:
// no valid reading can be produced from a broken curve.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "calibration error: " + e.Reason
}

// Point is a single reference measurement.
type Point struct {
	Capacitance float64 // Sensing capacitance C1 (F)
	Moisture    float64 // Moisture index at that capacitance
}

// Curve maps sensing capacitance to a moisture index by piecewise-linear
// interpolation. Capacitance values are strictly increasing.
type Curve struct {
	points []Point
}

// New validates the points and builds an immutable curve.
// The input slice is copied.
func New(points []Point) (*Curve, error) {
	if len(points) < 2 {
		return nil, &Error{Reason: fmt.Sprintf("need at least 2 points, got %d", len(points))}
	}

	cp := make([]Point, len(points))
	copy(cp, points)

	for i, p := range cp {
		if math.IsNaN(p.Capacitance) || math.IsInf(p.Capacitance, 0) ||
			math.IsNaN(p.Moisture) || math.IsInf(p.Moisture, 0) {
			return nil, &Error{Reason: fmt.Sprintf("point %d is not finite: %+v", i, p)}
		}
		if i > 0 && !(p.Capacitance > cp[i-1].Capacitance) {
			return nil, &Error{Reason: fmt.Sprintf("capacitance must be strictly increasing: point %d (%g F) after %g F",
				i, p.Capacitance, cp[i-1].Capacitance)}
		}
	}

	return &Curve{points: cp}, nil
}

// Points returns a copy of the reference points.
func (c *Curve) Points() []Point {
	result := make([]Point, len(c.points))
	copy(result, c.points)
	return result
}

// Range returns the calibrated capacitance interval.
func (c *Curve) Range() (lo, hi float64) {
	return c.points[0].Capacitance, c.points[len(c.points)-1].Capacitance
}

// Map converts a capacitance into a moisture index. Values outside the
// calibrated range are clamped to the nearest endpoint and reported with
// inRange=false; the curve is never extrapolated.
func (c *Curve) Map(c1 float64) (moisture float64, inRange bool) {
	first := c.points[0]
	last := c.points[len(c.points)-1]

	switch {
	case math.IsNaN(c1):
		return math.NaN(), false
	case c1 < first.Capacitance:
		return first.Moisture, false
	case c1 > last.Capacitance:
		return last.Moisture, false
	}

	// Index of the first point with capacitance >= c1.
	i := sort.Search(len(c.points), func(i int) bool {
		return c.points[i].Capacitance >= c1
	})
	if c.points[i].Capacitance == c1 {
		return c.points[i].Moisture, true
	}

	a, b := c.points[i-1], c.points[i]
	frac := (c1 - a.Capacitance) / (b.Capacitance - a.Capacitance)
	return a.Moisture + frac*(b.Moisture-a.Moisture), true
}
