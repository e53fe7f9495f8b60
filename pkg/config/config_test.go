package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/itohio/gosoil/pkg/calibration"
	"github.com/itohio/gosoil/pkg/solver"
	"github.com/itohio/gosoil/pkg/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotNil(t, cfg)
	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, 3.3, cfg.Stimulus.UPlus)
	assert.Equal(t, 50e3, cfg.Stimulus.Frequency)
	assert.Equal(t, 0.01, cfg.Stimulus.Duty)
	assert.Equal(t, 10e3, cfg.Circuit.R1)
	assert.Equal(t, "newton", cfg.Solver.Method)
	assert.Equal(t, 2, cfg.Measurement.SampleAttempts)
	assert.Equal(t, time.Hour, cfg.Measurement.Interval)
	assert.Equal(t, 4, cfg.Sampler.Average)
	assert.Len(t, cfg.Calibration.Points, 2)
	assert.Equal(t, 6, cfg.Telemetry.MinBatch)
	assert.Equal(t, 1000, cfg.Telemetry.MaxBuffered)
	assert.False(t, cfg.Telemetry.Influx.Enabled())

	require.NoError(t, cfg.Validate())
}

func TestLoad_FileNotExists(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
}

func TestLoad_ValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	yamlContent := `
serial:
  port: "/dev/ttyUSB1"
  baud_rate: 57600

stimulus:
  u_plus: 5.0
  frequency: 1000
  duty: 0.5

circuit:
  r1: 10000
  r2: 1000000
  c2: 1e-8

solver:
  method: bisection
  tolerance: 1e-9
  max_iterations: 200

measurement:
  settling_time_constants: 3
  sample_attempts: 3
  interval: 30m

calibration:
  points:
    - capacitance: 10e-12
      moisture: 0.0
    - capacitance: 30e-12
      moisture: 0.6
    - capacitance: 50e-12
      moisture: 1.0

telemetry:
  sensor_id: bed-3
  min_batch: 10
  max_buffered: 100
  influx:
    url: http://influx.local:8086
    org: garden
    bucket: soil
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB1", cfg.Serial.Port)
	assert.Equal(t, 57600, cfg.Serial.BaudRate)
	assert.Equal(t, 5.0, cfg.Stimulus.UPlus)
	assert.Equal(t, 1000.0, cfg.Stimulus.Frequency)
	assert.Equal(t, 0.5, cfg.Stimulus.Duty)
	assert.Equal(t, 1e6, cfg.Circuit.R2)
	assert.Equal(t, 1e-8, cfg.Circuit.C2)
	assert.Equal(t, "bisection", cfg.Solver.Method)
	assert.Equal(t, 1e-9, cfg.Solver.Tolerance)
	assert.Equal(t, 200, cfg.Solver.MaxIterations)
	assert.Equal(t, 3.0, cfg.Measurement.SettlingTimeConstants)
	assert.Equal(t, 30*time.Minute, cfg.Measurement.Interval)
	require.Len(t, cfg.Calibration.Points, 3)
	assert.Equal(t, 30e-12, cfg.Calibration.Points[1].Capacitance)
	assert.Equal(t, 0.6, cfg.Calibration.Points[1].Moisture)
	assert.Equal(t, "bed-3", cfg.Telemetry.SensorID)
	assert.Equal(t, "soil_moisture", cfg.Telemetry.Measurement) // default kept
	assert.True(t, cfg.Telemetry.Influx.Enabled())
	assert.Equal(t, "garden", cfg.Telemetry.Influx.Org)

	require.NoError(t, cfg.Validate())
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stimulus: [unterminated"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_PartialYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("serial:\n  port: COM7\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "COM7", cfg.Serial.Port)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, 3.3, cfg.Stimulus.UPlus)
	assert.Equal(t, "newton", cfg.Solver.Method)
	assert.Len(t, cfg.Calibration.Points, 2)
}

func TestLoad_ZeroTuningFieldsDefaulted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
solver:
  method: ""
  max_iterations: 0
measurement:
  sample_attempts: 0
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "newton", cfg.Solver.Method)
	assert.Equal(t, 100, cfg.Solver.MaxIterations)
	assert.Equal(t, 2, cfg.Measurement.SampleAttempts)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("SOIL_INFLUX_URL", "http://localhost:8086")
	t.Setenv("SOIL_INFLUX_TOKEN", "secret")
	t.Setenv("SOIL_INFLUX_ORG", "home")
	t.Setenv("SOIL_INFLUX_BUCKET", "garden")
	t.Setenv("SOIL_SENSOR_ID", "greenhouse")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("telemetry:\n  sensor_id: from-file\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "greenhouse", cfg.Telemetry.SensorID)
	assert.Equal(t, "http://localhost:8086", cfg.Telemetry.Influx.URL)
	assert.Equal(t, "secret", cfg.Telemetry.Influx.Token)
	assert.Equal(t, "home", cfg.Telemetry.Influx.Org)
	assert.Equal(t, "garden", cfg.Telemetry.Influx.Bucket)
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Serial.Port = "/dev/ttyS3"
	cfg.Stimulus.Frequency = 1000
	cfg.Measurement.Interval = 15 * time.Minute
	cfg.Calibration.Points = []CalibrationPoint{
		{Capacitance: 1e-11, Moisture: 0},
		{Capacitance: 4e-11, Moisture: 0.8},
	}
	cfg.Telemetry.Influx.Token = "secret"

	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, cfg.Serial.Port, loaded.Serial.Port)
	assert.Equal(t, cfg.Stimulus.Frequency, loaded.Stimulus.Frequency)
	assert.Equal(t, cfg.Measurement.Interval, loaded.Measurement.Interval)
	assert.Equal(t, cfg.Calibration.Points, loaded.Calibration.Points)
	assert.Empty(t, loaded.Telemetry.Influx.Token)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		domainParam string // expect *transfer.DomainError with this param
		calibration bool   // expect *calibration.Error
	}{
		{
			name:        "duty above one",
			mutate:      func(c *Config) { c.Stimulus.Duty = 1.5 },
			domainParam: "duty",
		},
		{
			name:        "zero duty",
			mutate:      func(c *Config) { c.Stimulus.Duty = 0 },
			domainParam: "duty",
		},
		{
			name:        "negative u_plus",
			mutate:      func(c *Config) { c.Stimulus.UPlus = -1 },
			domainParam: "u_plus",
		},
		{
			name:        "zero r1",
			mutate:      func(c *Config) { c.Circuit.R1 = 0 },
			domainParam: "r1",
		},
		{
			name:        "single calibration point",
			mutate:      func(c *Config) { c.Calibration.Points = c.Calibration.Points[:1] },
			calibration: true,
		},
		{
			name: "non increasing capacitance",
			mutate: func(c *Config) {
				c.Calibration.Points = []CalibrationPoint{
					{Capacitance: 50e-12, Moisture: 0},
					{Capacitance: 10e-12, Moisture: 1},
				}
			},
			calibration: true,
		},
		{
			name:   "unknown solver",
			mutate: func(c *Config) { c.Solver.Method = "secant" },
		},
		{
			name:   "buffer smaller than batch",
			mutate: func(c *Config) { c.Telemetry.MaxBuffered = 2 },
		},
		{
			name:   "no sample attempts",
			mutate: func(c *Config) { c.Measurement.SampleAttempts = -1 },
		},
		{
			name:   "negative averaging window",
			mutate: func(c *Config) { c.Sampler.Average = -1 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var domainErr *transfer.DomainError
			var calErr *calibration.Error
			switch {
			case tt.domainParam != "":
				require.True(t, errors.As(err, &domainErr), "got %v", err)
				assert.Equal(t, tt.domainParam, domainErr.Param)
			case tt.calibration:
				assert.True(t, errors.As(err, &calErr), "got %v", err)
			default:
				assert.False(t, errors.As(err, &domainErr))
				assert.False(t, errors.As(err, &calErr))
			}
		})
	}
}

func TestStimulusParams(t *testing.T) {
	cfg := Default()
	s := cfg.StimulusParams()

	assert.Equal(t, 3.3, s.UPlus)
	assert.InEpsilon(t, 20e-6, s.Period, 1e-12)
	assert.Equal(t, 0.01, s.Duty)
}

func TestNewSolver_Method(t *testing.T) {
	cfg := Default()

	s, err := cfg.NewSolver()
	require.NoError(t, err)
	assert.IsType(t, &solver.Newton{}, s)

	cfg.Solver.Method = "bisection"
	s, err = cfg.NewSolver()
	require.NoError(t, err)
	assert.IsType(t, &solver.Bisection{}, s)
}

func TestSolverOptions_BracketAroundNominal(t *testing.T) {
	cfg := Default()
	opts := cfg.SolverOptions()

	nominal := cfg.Circuit.R1 * cfg.Circuit.C2
	assert.InEpsilon(t, nominal*1e-6, opts.Bracket.Min, 1e-9)
	assert.InEpsilon(t, nominal*1e4, opts.Bracket.Max, 1e-9)
	assert.Equal(t, cfg.Solver.Tolerance, opts.Tolerance)
}
