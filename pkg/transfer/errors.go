package transfer

import "fmt"

// DomainError reports a physical parameter outside the domain where the
// transfer model is defined (non-positive time constant, resistance,
// capacitance, or a duty cycle outside (0, 1)).
type DomainError struct {
	Param string
	Value float64
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("domain error: %s = %g is outside the valid range", e.Param, e.Value)
}
