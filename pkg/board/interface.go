package board

import (
	"context"
	"errors"
	"time"

	"github.com/itohio/gosoil/pkg/transfer"
)

// ErrSamplerFault is wrapped by every sampler read failure (hardware not
// ready, stimulus off, timeouts, malformed replies).
var ErrSamplerFault = errors.New("sampler fault")

// RawSample is a single peak-voltage measurement.
type RawSample struct {
	Timestamp time.Time         // Host time the sample was received
	Voltage   float64           // Peak detector output U2 (V)
	Stimulus  transfer.Stimulus // Stimulus active when the sample was taken
	BoardTime time.Duration     // Board uptime at conversion, zero when not reported
}

// Generator drives the square-wave stimulus. Start and Stop are idempotent.
type Generator interface {
	Start(frequency, duty float64) error
	Stop() error
}

// Sampler reads one peak voltage.
type Sampler interface {
	Read(ctx context.Context) (RawSample, error)
}

// Board is a connected sensor board providing both collaborators.
type Board interface {
	Generator
	Sampler
	Connect() error
	Close() error
	IsConnected() bool
}

// Ensure Serial implements Board.
var _ Board = (*Serial)(nil)

// Ensure Mock implements Board.
var _ Board = (*Mock)(nil)
