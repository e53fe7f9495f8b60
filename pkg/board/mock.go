package board

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/itohio/gosoil/pkg/config"
	"github.com/itohio/gosoil/pkg/transfer"
)

// Mock simulates the sensor board: the peak voltage follows the transfer
// model for a configured sensing capacitance, with deterministic noise and
// 12-bit ADC quantization.
type Mock struct {
	cfg     config.MockConfig
	uPlus   float64
	vref    float64
	circuit transfer.Circuit

	mu        sync.RWMutex
	connected bool
	running   bool
	active    transfer.Stimulus
	startTime time.Time
	reads     int
	now       func() time.Time
}

// NewMock creates a simulated board for the given front end.
func NewMock(cfg config.MockConfig, uPlus, vref float64, circuit transfer.Circuit) *Mock {
	if vref == 0 {
		vref = 3.3
	}
	return &Mock{
		cfg:     cfg,
		uPlus:   uPlus,
		vref:    vref,
		circuit: circuit,
		now:     time.Now,
	}
}

// Connect simulates connecting to the board.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}
	m.connected = true
	m.startTime = m.now()
	return nil
}

// Close stops the simulated stimulus and disconnects.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.running = false
	m.connected = false
	return nil
}

// IsConnected returns whether the mock is connected.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Running reports whether the simulated stimulus is on.
func (m *Mock) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Start turns the simulated stimulus on.
func (m *Mock) Start(frequency, duty float64) error {
	if err := checkStimulus(frequency, duty); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return fmt.Errorf("not connected")
	}
	m.running = true
	m.active = transfer.Stimulus{UPlus: m.uPlus, Period: 1 / frequency, Duty: duty}
	return nil
}

// Stop turns the simulated stimulus off.
func (m *Mock) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return nil
}

// Read returns the simulated peak voltage.
func (m *Mock) Read(ctx context.Context) (RawSample, error) {
	if err := ctx.Err(); err != nil {
		return RawSample{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return RawSample{}, fmt.Errorf("%w: not connected", ErrSamplerFault)
	}
	if !m.running {
		return RawSample{}, fmt.Errorf("%w: stimulus not running", ErrSamplerFault)
	}

	m.reads++
	if m.cfg.FailEvery > 0 && m.reads%m.cfg.FailEvery == 0 {
		return RawSample{}, fmt.Errorf("%w: simulated ADC timeout", ErrSamplerFault)
	}

	model, err := transfer.New(m.active, m.circuit)
	if err != nil {
		return RawSample{}, fmt.Errorf("%w: %v", ErrSamplerFault, err)
	}

	now := m.now()
	v, err := model.Forward(model.TimeConstant(m.cfg.Capacitance))
	if err != nil {
		return RawSample{}, fmt.Errorf("%w: %v", ErrSamplerFault, err)
	}

	// Deterministic pseudo-noise from the elapsed time.
	elapsed := float64(now.Sub(m.startTime).Nanoseconds())
	v += (math.Sin(elapsed*0.001) + math.Cos(elapsed*0.0013)) * m.cfg.NoiseLevel * 0.5

	return RawSample{
		Timestamp: now,
		Voltage:   adcToVoltage(voltageToADC(v, m.vref), m.vref),
		Stimulus:  m.active,
	}, nil
}

func checkStimulus(frequency, duty float64) error {
	if !(frequency > 0) || math.IsInf(frequency, 0) {
		return &transfer.DomainError{Param: "frequency", Value: frequency}
	}
	if !(duty > 0 && duty < 1) {
		return &transfer.DomainError{Param: "duty", Value: duty}
	}
	return nil
}
