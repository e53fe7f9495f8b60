package measure

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/itohio/gosoil/pkg/board"
	"github.com/itohio/gosoil/pkg/calibration"
	"github.com/itohio/gosoil/pkg/solver"
	"github.com/itohio/gosoil/pkg/transfer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrBusy is returned by Run while another cycle is in flight.
	ErrBusy = errors.New("measurement cycle already in progress")
	// ErrAborted is returned by Run when the cycle was cancelled. No reading
	// is emitted for an aborted cycle.
	ErrAborted = errors.New("measurement cycle aborted")
)

// stimulusTolerance is the relative tolerance used to match a sample's
// stimulus tag against the configured stimulus.
const stimulusTolerance = 1e-9

// Options tunes the orchestrator.
type Options struct {
	SettlingTimeConstants float64 // Settle for N * R2 * C2 (default 5)
	SampleAttempts        int     // Cycle attempts on sampler faults (default 2)
	Clock                 Clock
	Logger                *zerolog.Logger
}

// Orchestrator sequences one measurement cycle:
// Idle -> Stimulating -> Settling -> Sampling -> Inverting -> Calibrating -> Idle.
// At most one cycle runs at a time.
type Orchestrator struct {
	model   *transfer.Model
	solver  solver.Solver
	curve   *calibration.Curve
	gen     board.Generator
	sampler board.Sampler
	sink    Sink

	settle   time.Duration
	attempts int
	clock    Clock
	log      zerolog.Logger

	state  atomic.Int32
	mu     sync.Mutex
	cancel context.CancelFunc

	callbacks []func(State)
	cbMu      sync.RWMutex
}

// New creates an orchestrator. The sink may be nil.
func New(model *transfer.Model, s solver.Solver, curve *calibration.Curve, gen board.Generator, sampler board.Sampler, sink Sink, opts Options) (*Orchestrator, error) {
	if model == nil || s == nil || curve == nil || gen == nil || sampler == nil {
		return nil, fmt.Errorf("orchestrator requires a model, solver, curve, generator and sampler")
	}
	if opts.SettlingTimeConstants == 0 {
		opts.SettlingTimeConstants = 5
	}
	if !(opts.SettlingTimeConstants > 0) {
		return nil, fmt.Errorf("invalid settling time constants %g", opts.SettlingTimeConstants)
	}
	if opts.SampleAttempts == 0 {
		opts.SampleAttempts = 2
	}
	if opts.SampleAttempts < 0 {
		return nil, fmt.Errorf("invalid sample attempts %d", opts.SampleAttempts)
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if sink == nil {
		sink = SinkFunc(func(context.Context, Reading) error { return nil })
	}

	return &Orchestrator{
		model:    model,
		solver:   s,
		curve:    curve,
		gen:      gen,
		sampler:  sampler,
		sink:     sink,
		settle:   model.Circuit().SettlingTime(opts.SettlingTimeConstants),
		attempts: opts.SampleAttempts,
		clock:    opts.Clock,
		log:      logger.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// State returns the current cycle state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// SettlingTime returns the wait between starting the stimulus and sampling.
func (o *Orchestrator) SettlingTime() time.Duration {
	return o.settle
}

// OnStateChange registers a callback invoked synchronously on every state
// transition. Callbacks must return quickly; they may call Abort.
func (o *Orchestrator) OnStateChange(callback func(State)) {
	o.cbMu.Lock()
	defer o.cbMu.Unlock()
	o.callbacks = append(o.callbacks, callback)
}

// Abort cancels the in-flight cycle, if any. It reports whether a cycle was
// running.
func (o *Orchestrator) Abort() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil {
		return false
	}
	o.cancel()
	return true
}

// Run executes one measurement cycle and emits its reading to the sink.
// It returns ErrBusy if a cycle is already running and ErrAborted if the
// cycle was aborted or ctx was cancelled. The generator is stopped whenever
// Run returns.
func (o *Orchestrator) Run(ctx context.Context) (Reading, error) {
	o.mu.Lock()
	if o.State() != Idle {
		o.mu.Unlock()
		return Reading{}, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.state.Store(int32(Stimulating))
	o.mu.Unlock()

	defer func() {
		if err := o.gen.Stop(); err != nil {
			o.log.Warn().Err(err).Msg("Failed to stop stimulus")
		}
		o.mu.Lock()
		o.cancel = nil
		cancel()
		o.mu.Unlock()
		o.enter(Idle)
	}()

	r, err := o.cycle(ctx)
	if err != nil {
		o.log.Debug().Err(err).Msg("Cycle aborted")
		return Reading{}, err
	}

	if err := o.sink.Emit(ctx, r); err != nil {
		return r, fmt.Errorf("failed to emit reading: %w", err)
	}
	return r, nil
}

// cycle runs the state machine. A non-nil error means the cycle was aborted.
func (o *Orchestrator) cycle(ctx context.Context) (Reading, error) {
	r := newReading(uuid.New(), o.clock.Now())

	sample, ok, err := o.acquire(ctx, &r)
	if err != nil {
		return Reading{}, err
	}
	if !ok {
		r.Quality = Stale
		return r, nil
	}

	r.Timestamp = sample.Timestamp
	r.Voltage = sample.Voltage

	if !sameStimulus(sample.Stimulus, o.model.Stimulus()) {
		o.log.Warn().
			Float64("period", sample.Stimulus.Period).
			Float64("duty", sample.Stimulus.Duty).
			Msg("Sample taken under a different stimulus")
		r.Quality = Stale
		return r, nil
	}

	if !o.model.InBand(sample.Voltage) {
		lo, hi := o.model.Band()
		o.log.Warn().Float64("voltage", sample.Voltage).Float64("min", lo).Float64("max", hi).
			Msg("Voltage outside the valid band")
		r.Quality = OutOfRange
		return r, nil
	}

	o.enter(Inverting)
	if ctx.Err() != nil {
		return Reading{}, o.aborted(ctx)
	}

	res, err := o.solver.Solve(o.model, sample.Voltage)
	res.Capacitance = o.model.Capacitance(res.Tau)
	r.Inversion = res
	switch {
	case errors.Is(err, solver.ErrOutOfBracket):
		o.log.Warn().Err(err).Msg("Time constant beyond solver bracket")
		r.Quality = OutOfRange
		return r, nil
	case err != nil:
		o.log.Warn().Err(err).Msg("Inversion failed")
		r.Quality = NotConverged
		return r, nil
	case !res.Converged:
		o.log.Warn().Int("iterations", res.Iterations).Float64("tau", res.Tau).Msg("Inversion did not converge")
		r.Quality = NotConverged
		return r, nil
	}

	o.enter(Calibrating)
	if ctx.Err() != nil {
		return Reading{}, o.aborted(ctx)
	}

	moisture, inRange := o.curve.Map(res.Capacitance)
	r.Moisture = moisture
	if !inRange {
		lo, hi := o.curve.Range()
		o.log.Warn().Float64("capacitance", res.Capacitance).Float64("min", lo).Float64("max", hi).
			Msg("Capacitance outside calibrated range")
		r.Quality = OutOfRange
		return r, nil
	}

	r.Quality = Nominal
	return r, nil
}

// acquire stimulates, settles and samples, restarting the sequence on sampler
// faults until the attempts are used up. ok is false when every attempt
// faulted.
func (o *Orchestrator) acquire(ctx context.Context, r *Reading) (board.RawSample, bool, error) {
	stim := o.model.Stimulus()

	for attempt := 1; attempt <= o.attempts; attempt++ {
		r.Attempts = attempt

		o.enter(Stimulating)
		if ctx.Err() != nil {
			return board.RawSample{}, false, o.aborted(ctx)
		}
		if err := o.gen.Start(stim.Frequency(), stim.Duty); err != nil {
			o.log.Warn().Err(err).Int("attempt", attempt).Msg("Failed to start stimulus")
			// The board may have started before failing.
			if stopErr := o.gen.Stop(); stopErr != nil {
				o.log.Warn().Err(stopErr).Msg("Failed to stop stimulus")
			}
			continue
		}

		o.enter(Settling)
		select {
		case <-o.clock.After(o.settle):
		case <-ctx.Done():
			return board.RawSample{}, false, o.aborted(ctx)
		}

		o.enter(Sampling)
		if ctx.Err() != nil {
			return board.RawSample{}, false, o.aborted(ctx)
		}
		sample, err := o.sampler.Read(ctx)
		if ctx.Err() != nil {
			return board.RawSample{}, false, o.aborted(ctx)
		}
		if err != nil {
			o.log.Warn().Err(err).Int("attempt", attempt).Msg("Sampler fault")
			if stopErr := o.gen.Stop(); stopErr != nil {
				o.log.Warn().Err(stopErr).Msg("Failed to stop stimulus")
			}
			continue
		}

		// The stimulus is not needed past this point.
		if err := o.gen.Stop(); err != nil {
			o.log.Warn().Err(err).Msg("Failed to stop stimulus")
		}
		return sample, true, nil
	}

	o.log.Warn().Int("attempts", o.attempts).Msg("No sample acquired, reporting stale")
	return board.RawSample{}, false, nil
}

// enter records a transition and notifies callbacks. Callers check the
// context afterwards since a callback may abort.
func (o *Orchestrator) enter(s State) {
	o.state.Store(int32(s))
	o.log.Debug().Stringer("state", s).Msg("State change")

	o.cbMu.RLock()
	callbacks := make([]func(State), len(o.callbacks))
	copy(callbacks, o.callbacks)
	o.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(s)
		}
	}
}

func (o *Orchestrator) aborted(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrAborted, context.Cause(ctx))
}

func sameStimulus(a, b transfer.Stimulus) bool {
	return closeTo(a.UPlus, b.UPlus) && closeTo(a.Period, b.Period) && closeTo(a.Duty, b.Duty)
}

func closeTo(a, b float64) bool {
	return math.Abs(a-b) <= stimulusTolerance*math.Max(math.Abs(a), math.Abs(b))
}
