package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Serial      SerialConfig      `yaml:"serial"`
	Stimulus    StimulusConfig    `yaml:"stimulus"`
	Circuit     CircuitConfig     `yaml:"circuit"`
	Solver      SolverConfig      `yaml:"solver"`
	Measurement MeasurementConfig `yaml:"measurement"`
	Sampler     SamplerConfig     `yaml:"sampler"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Journal     JournalConfig     `yaml:"journal"`
	Status      StatusConfig      `yaml:"status"`
	Mock        MockConfig        `yaml:"mock"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate" validate:"gt=0"`
}

// StimulusConfig describes the square wave driving the sensor.
type StimulusConfig struct {
	UPlus     float64 `yaml:"u_plus" validate:"gt=0"`    // High level (V)
	Frequency float64 `yaml:"frequency" validate:"gt=0"` // Hz
	Duty      float64 `yaml:"duty" validate:"gt=0,lt=1"` // Fraction of the period at high level
}

// CircuitConfig contains the fixed component values of the analog front end.
type CircuitConfig struct {
	R1 float64 `yaml:"r1" validate:"gt=0"` // Low-pass series resistance (ohm)
	R2 float64 `yaml:"r2" validate:"gt=0"` // Peak detector discharge resistance (ohm)
	C2 float64 `yaml:"c2" validate:"gt=0"` // Peak detector capacitance (F)
}

// SolverConfig selects and tunes the root finder.
type SolverConfig struct {
	Method        string  `yaml:"method" validate:"oneof=bisection newton"`
	Tolerance     float64 `yaml:"tolerance" validate:"gt=0"` // Voltage tolerance (V)
	MaxIterations int     `yaml:"max_iterations" validate:"gt=0"`
	DecadesBelow  float64 `yaml:"decades_below" validate:"gt=0"` // Bracket below R1*C2
	DecadesAbove  float64 `yaml:"decades_above" validate:"gt=0"` // Bracket above R1*C2
}

// MeasurementConfig contains measurement cycle parameters.
type MeasurementConfig struct {
	SettlingTimeConstants float64       `yaml:"settling_time_constants" validate:"gt=0"` // Settle for N * R2 * C2
	SampleAttempts        int           `yaml:"sample_attempts" validate:"gte=1"`        // Reads per cycle before reporting stale
	Interval              time.Duration `yaml:"interval" validate:"gt=0"`                 // Time between cycles
}

// SamplerConfig contains ADC parameters.
type SamplerConfig struct {
	VRef        float64       `yaml:"vref" validate:"gt=0"`
	ReadTimeout time.Duration `yaml:"read_timeout" validate:"gt=0"`
	Average     int           `yaml:"average" validate:"gte=1"` // Reads averaged per sample
}

// CalibrationConfig contains the calibration curve.
type CalibrationConfig struct {
	Points []CalibrationPoint `yaml:"points" validate:"min=2,dive"`
}

// CalibrationPoint represents a single calibration point.
type CalibrationPoint struct {
	Capacitance float64 `yaml:"capacitance" validate:"gte=0"` // F
	Moisture    float64 `yaml:"moisture"`
}

// TelemetryConfig contains reading upload configuration.
type TelemetryConfig struct {
	SensorID    string       `yaml:"sensor_id" env:"SOIL_SENSOR_ID" validate:"required"`
	Measurement string       `yaml:"measurement" validate:"required"`
	MinBatch    int          `yaml:"min_batch" validate:"gte=1"`                // Upload once this many readings are pending
	MaxBuffered int          `yaml:"max_buffered" validate:"gtefield=MinBatch"` // Oldest readings are overwritten beyond this
	Influx      InfluxConfig `yaml:"influx"`
}

// InfluxConfig contains InfluxDB connection settings. The token is only
// read from the environment.
type InfluxConfig struct {
	URL    string `yaml:"url" env:"SOIL_INFLUX_URL"`
	Token  string `yaml:"-" env:"SOIL_INFLUX_TOKEN"`
	Org    string `yaml:"org" env:"SOIL_INFLUX_ORG"`
	Bucket string `yaml:"bucket" env:"SOIL_INFLUX_BUCKET"`
}

// Enabled reports whether an InfluxDB endpoint is configured.
func (c InfluxConfig) Enabled() bool {
	return c.URL != ""
}

// JournalConfig contains the pending-readings store location. An empty path
// keeps pending readings in memory only.
type JournalConfig struct {
	Path string `yaml:"path" env:"SOIL_JOURNAL_PATH"`
}

// StatusConfig contains the status HTTP server settings. An empty address
// disables the server.
type StatusConfig struct {
	Addr string `yaml:"addr" env:"SOIL_STATUS_ADDR"`
}

// MockConfig contains simulated board configuration.
type MockConfig struct {
	Capacitance float64 `yaml:"capacitance"` // Simulated sensing capacitance (F)
	NoiseLevel  float64 `yaml:"noise_level"` // Noise amplitude (V)
	FailEvery   int     `yaml:"fail_every"`  // Fail every Nth read (0 = never)
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:     "/dev/ttyACM0",
			BaudRate: 115200,
		},
		Stimulus: StimulusConfig{
			UPlus:     3.3,
			Frequency: 50e3,
			Duty:      0.01,
		},
		Circuit: CircuitConfig{
			R1: 10e3,
			R2: 470e3,
			C2: 10e-9,
		},
		Solver: SolverConfig{
			Method:        "newton",
			Tolerance:     1e-6,
			MaxIterations: 100,
			DecadesBelow:  6,
			DecadesAbove:  4,
		},
		Measurement: MeasurementConfig{
			SettlingTimeConstants: 5,
			SampleAttempts:        2, // One retry
			Interval:              time.Hour,
		},
		Sampler: SamplerConfig{
			VRef:        3.3,
			ReadTimeout: time.Second,
			Average:     4,
		},
		Calibration: CalibrationConfig{
			Points: []CalibrationPoint{
				{Capacitance: 10e-12, Moisture: 0.0},
				{Capacitance: 50e-12, Moisture: 1.0},
			},
		},
		Telemetry: TelemetryConfig{
			SensorID:    "soil-1",
			Measurement: "soil_moisture",
			MinBatch:    6,
			MaxBuffered: 1000,
		},
		Status: StatusConfig{
			Addr: ":9100",
		},
		Mock: MockConfig{
			Capacitance: 30e-12,
			NoiseLevel:  0.002,
		},
	}
}

// Load loads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist or fields are missing, it uses
// default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// File doesn't exist, keep defaults
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	// Ensure minimum required fields are set (use defaults if missing)
	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults fills tuning fields left at zero. Physical constants and
// calibration points are not defaulted: a missing value there is a
// configuration fault reported by Validate.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}

	if c.Solver.Method == "" {
		c.Solver.Method = def.Solver.Method
	}
	if c.Solver.Tolerance == 0 {
		c.Solver.Tolerance = def.Solver.Tolerance
	}
	if c.Solver.MaxIterations == 0 {
		c.Solver.MaxIterations = def.Solver.MaxIterations
	}
	if c.Solver.DecadesBelow == 0 {
		c.Solver.DecadesBelow = def.Solver.DecadesBelow
	}
	if c.Solver.DecadesAbove == 0 {
		c.Solver.DecadesAbove = def.Solver.DecadesAbove
	}

	if c.Measurement.SettlingTimeConstants == 0 {
		c.Measurement.SettlingTimeConstants = def.Measurement.SettlingTimeConstants
	}
	if c.Measurement.SampleAttempts == 0 {
		c.Measurement.SampleAttempts = def.Measurement.SampleAttempts
	}
	if c.Measurement.Interval == 0 {
		c.Measurement.Interval = def.Measurement.Interval
	}

	if c.Sampler.VRef == 0 {
		c.Sampler.VRef = def.Sampler.VRef
	}
	if c.Sampler.ReadTimeout == 0 {
		c.Sampler.ReadTimeout = def.Sampler.ReadTimeout
	}
	if c.Sampler.Average == 0 {
		c.Sampler.Average = def.Sampler.Average
	}

	if c.Telemetry.SensorID == "" {
		c.Telemetry.SensorID = def.Telemetry.SensorID
	}
	if c.Telemetry.Measurement == "" {
		c.Telemetry.Measurement = def.Telemetry.Measurement
	}
	if c.Telemetry.MinBatch == 0 {
		c.Telemetry.MinBatch = def.Telemetry.MinBatch
	}
	if c.Telemetry.MaxBuffered == 0 {
		c.Telemetry.MaxBuffered = def.Telemetry.MaxBuffered
	}
}
