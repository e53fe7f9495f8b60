package telemetry

import (
	"context"
	"errors"

	"github.com/itohio/gosoil/pkg/measure"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogSink writes every reading to a zerolog logger.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a log sink. A nil logger uses the global one.
func NewLogSink(logger *zerolog.Logger) *LogSink {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &LogSink{log: l}
}

func (s *LogSink) Emit(_ context.Context, r measure.Reading) error {
	ev := s.log.Info()
	if r.Quality != measure.Nominal {
		ev = s.log.Warn()
	}
	ev.Str("id", r.ID.String()).
		Time("timestamp", r.Timestamp).
		Stringer("quality", r.Quality).
		Float64("voltage", r.Voltage).
		Float64("tau", r.Inversion.Tau).
		Float64("capacitance", r.Inversion.Capacitance).
		Int("iterations", r.Inversion.Iterations).
		Float64("moisture", r.Moisture).
		Msg("Reading")
	return nil
}

// Fanout delivers each reading to every sink, even when some fail.
type Fanout []measure.Sink

func (f Fanout) Emit(ctx context.Context, r measure.Reading) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
