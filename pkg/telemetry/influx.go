package telemetry

import (
	"context"
	"fmt"
	"math"
	"sync"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/itohio/gosoil/pkg/measure"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var _ measure.Sink = (*Influx)(nil)

// InfluxOptions configures the InfluxDB sink.
type InfluxOptions struct {
	SensorID    string
	Measurement string // Default "soil_moisture"
	MinBatch    int    // Upload once this many readings are pending (default 6)
	Logger      *zerolog.Logger
}

// Influx buffers readings and uploads them to InfluxDB in batches. Readings
// stay buffered until an upload succeeds.
type Influx struct {
	write api.WriteAPIBlocking
	buf   Buffer
	opts  InfluxOptions
	log   zerolog.Logger

	mu sync.Mutex
}

// NewInflux creates an InfluxDB sink writing through w.
func NewInflux(w api.WriteAPIBlocking, buf Buffer, opts InfluxOptions) *Influx {
	if opts.Measurement == "" {
		opts.Measurement = "soil_moisture"
	}
	if opts.MinBatch <= 0 {
		opts.MinBatch = 6
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Influx{
		write: w,
		buf:   buf,
		opts:  opts,
		log:   logger.With().Str("component", "influx").Logger(),
	}
}

// Emit buffers the reading and uploads the buffer once it holds at least
// MinBatch readings. A failed upload is logged and retried with the next
// reading; only a buffer failure is returned.
func (s *Influx) Emit(ctx context.Context, r measure.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Push(r); err != nil {
		return fmt.Errorf("failed to buffer reading: %w", err)
	}

	pending := s.buf.Len()
	if pending < s.opts.MinBatch {
		s.log.Debug().Int("pending", pending).Int("min_batch", s.opts.MinBatch).Msg("Reading buffered")
		return nil
	}

	if err := s.upload(ctx); err != nil {
		s.log.Warn().Err(err).Int("pending", pending).Msg("Upload failed, keeping readings")
	}
	return nil
}

// Flush uploads every pending reading regardless of batch size.
func (s *Influx) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() == 0 {
		return nil
	}
	return s.upload(ctx)
}

// Pending returns the number of buffered readings.
func (s *Influx) Pending() int {
	return s.buf.Len()
}

// upload writes the buffer and drops what was written; callers hold s.mu.
func (s *Influx) upload(ctx context.Context) error {
	readings, err := s.buf.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to read buffer: %w", err)
	}
	if len(readings) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(readings))
	for _, r := range readings {
		points = append(points, Point(s.opts.Measurement, s.opts.SensorID, r))
	}

	if err := s.write.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write %d points: %w", len(points), err)
	}

	if err := s.buf.Drop(len(readings)); err != nil {
		return fmt.Errorf("failed to clear uploaded readings: %w", err)
	}
	s.log.Info().Int("points", len(points)).Msg("Readings uploaded")
	return nil
}

// Point converts a reading into an InfluxDB point. Non-finite values are
// left out since line protocol cannot carry them.
func Point(measurement, sensorID string, r measure.Reading) *write.Point {
	tags := map[string]string{
		"sensor":  sensorID,
		"quality": r.Quality.String(),
	}
	fields := map[string]interface{}{
		"attempts": r.Attempts,
	}
	addFinite(fields, "voltage", r.Voltage)
	addFinite(fields, "moisture", r.Moisture)
	addFinite(fields, "capacitance", r.Inversion.Capacitance)
	addFinite(fields, "tau", r.Inversion.Tau)
	if !math.IsNaN(r.Inversion.Tau) {
		fields["iterations"] = r.Inversion.Iterations
		fields["converged"] = r.Inversion.Converged
	}
	return influxdb2.NewPoint(measurement, tags, fields, r.Timestamp)
}

func addFinite(fields map[string]interface{}, key string, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	fields[key] = v
}
