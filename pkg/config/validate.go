package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/itohio/gosoil/pkg/calibration"
	"github.com/itohio/gosoil/pkg/solver"
	"github.com/itohio/gosoil/pkg/transfer"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their YAML names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the configuration. Physical constants outside their domain
// are reported as *transfer.DomainError and a malformed calibration table as
// *calibration.Error; both are fatal at startup.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return classify(fieldErrs[0])
	}

	// Cross-field checks the tags cannot express.
	if _, err := c.Model(); err != nil {
		return err
	}
	if _, err := c.Curve(); err != nil {
		return err
	}
	if _, err := c.NewSolver(); err != nil {
		return fmt.Errorf("invalid solver configuration: %w", err)
	}
	return nil
}

// classify maps a field validation failure onto the domain error taxonomy.
func classify(fe validator.FieldError) error {
	// Namespace is "Config.stimulus.duty", "Config.calibration.points[1].capacitance", ...
	path := strings.TrimPrefix(fe.Namespace(), "Config.")
	section, param, _ := strings.Cut(path, ".")

	switch section {
	case "stimulus", "circuit":
		value, _ := fe.Value().(float64)
		return &transfer.DomainError{Param: param, Value: value}
	case "calibration":
		return &calibration.Error{Reason: fmt.Sprintf("%s failed %q validation", path, fe.Tag())}
	default:
		return fmt.Errorf("invalid configuration: %s failed %q validation (value %v)", path, fe.Tag(), fe.Value())
	}
}

// StimulusParams returns the domain stimulus.
func (c *Config) StimulusParams() transfer.Stimulus {
	return transfer.Stimulus{
		UPlus:  c.Stimulus.UPlus,
		Period: 1 / c.Stimulus.Frequency,
		Duty:   c.Stimulus.Duty,
	}
}

// CircuitParams returns the domain circuit constants.
func (c *Config) CircuitParams() transfer.Circuit {
	return transfer.Circuit{R1: c.Circuit.R1, R2: c.Circuit.R2, C2: c.Circuit.C2}
}

// Model builds the transfer model.
func (c *Config) Model() (*transfer.Model, error) {
	return transfer.New(c.StimulusParams(), c.CircuitParams())
}

// Curve builds the calibration curve.
func (c *Config) Curve() (*calibration.Curve, error) {
	points := make([]calibration.Point, len(c.Calibration.Points))
	for i, p := range c.Calibration.Points {
		points[i] = calibration.Point{Capacitance: p.Capacitance, Moisture: p.Moisture}
	}
	return calibration.New(points)
}

// SolverOptions returns the root finder options with the bracket centered on
// the nominal R1*C2 time constant.
func (c *Config) SolverOptions() solver.Options {
	return solver.Options{
		Bracket:       solver.BracketAround(c.CircuitParams().NominalTau(), c.Solver.DecadesBelow, c.Solver.DecadesAbove),
		Tolerance:     c.Solver.Tolerance,
		MaxIterations: c.Solver.MaxIterations,
	}
}

// NewSolver builds the configured root finder.
func (c *Config) NewSolver() (solver.Solver, error) {
	switch c.Solver.Method {
	case "bisection":
		return solver.NewBisection(c.SolverOptions())
	case "newton", "":
		return solver.NewNewton(c.SolverOptions())
	default:
		return nil, fmt.Errorf("unknown solver method %q", c.Solver.Method)
	}
}
