package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/itohio/gosoil/pkg/board"
	"github.com/itohio/gosoil/pkg/config"
	"github.com/itohio/gosoil/pkg/history"
	"github.com/itohio/gosoil/pkg/journal"
	"github.com/itohio/gosoil/pkg/measure"
	"github.com/itohio/gosoil/pkg/metrics"
	"github.com/itohio/gosoil/pkg/sample"
	"github.com/itohio/gosoil/pkg/status"
	"github.com/itohio/gosoil/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// monitor holds the measurement chain for graceful shutdown.
type monitor struct {
	board    board.Board
	orch     *measure.Orchestrator
	registry *prometheus.Registry
	recorder *metrics.Recorder
	history  *history.History
	influx   *telemetry.Influx
	closers  []func() error
}

func newMonitor(cfg *config.Config) (*monitor, error) {
	m := &monitor{}
	if err := m.build(cfg); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *monitor) build(cfg *config.Config) error {
	model, err := cfg.Model()
	if err != nil {
		return err
	}
	curve, err := cfg.Curve()
	if err != nil {
		return err
	}
	s, err := cfg.NewSolver()
	if err != nil {
		return err
	}

	if useMock {
		log.Info().Float64("capacitance", cfg.Mock.Capacitance).Msg("Using simulated board")
		m.board = board.NewMock(cfg.Mock, cfg.Stimulus.UPlus, cfg.Sampler.VRef, cfg.CircuitParams())
	} else {
		log.Info().Str("port", cfg.Serial.Port).Msg("Using serial board")
		m.board = board.NewSerial(cfg.Serial.Port, board.SerialOptions{
			BaudRate:    cfg.Serial.BaudRate,
			UPlus:       cfg.Stimulus.UPlus,
			VRef:        cfg.Sampler.VRef,
			ReadTimeout: cfg.Sampler.ReadTimeout,
		})
	}
	if err := m.board.Connect(); err != nil {
		return fmt.Errorf("failed to connect board: %w", err)
	}
	m.closers = append(m.closers, m.board.Close)

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m.recorder = metrics.New(m.registry)
	m.history = history.New(24 * time.Hour)

	sinks := telemetry.Fanout{telemetry.NewLogSink(nil), m.recorder, m.history}
	if cfg.Telemetry.Influx.Enabled() {
		influx, err := m.openInflux(cfg)
		if err != nil {
			return err
		}
		m.influx = influx
		sinks = append(sinks, influx)
	}

	orch, err := measure.New(model, s, curve, m.board, sample.NewAveraging(m.board, cfg.Sampler.Average), sinks, measure.Options{
		SettlingTimeConstants: cfg.Measurement.SettlingTimeConstants,
		SampleAttempts:        cfg.Measurement.SampleAttempts,
	})
	if err != nil {
		return err
	}
	orch.OnStateChange(m.recorder.ObserveState)
	m.orch = orch

	return nil
}

func (m *monitor) openInflux(cfg *config.Config) (*telemetry.Influx, error) {
	var buf telemetry.Buffer
	if cfg.Journal.Path != "" {
		j, err := journal.Open(journal.Config{
			Path:     cfg.Journal.Path,
			Capacity: cfg.Telemetry.MaxBuffered,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		m.closers = append(m.closers, j.Close)
		if n := j.Len(); n > 0 {
			log.Info().Int("pending", n).Msg("Recovered pending readings")
		}
		buf = j
	} else {
		buf = telemetry.NewMemoryBuffer(cfg.Telemetry.MaxBuffered)
	}

	influxCfg := cfg.Telemetry.Influx
	client := influxdb2.NewClient(influxCfg.URL, influxCfg.Token)
	m.closers = append(m.closers, func() error {
		client.Close()
		return nil
	})

	return telemetry.NewInflux(client.WriteAPIBlocking(influxCfg.Org, influxCfg.Bucket), buf, telemetry.InfluxOptions{
		SensorID:    cfg.Telemetry.SensorID,
		Measurement: cfg.Telemetry.Measurement,
		MinBatch:    cfg.Telemetry.MinBatch,
	}), nil
}

// Measure runs one cycle. An aborted cycle is counted and returned.
func (m *monitor) Measure(ctx context.Context) (measure.Reading, error) {
	r, err := m.orch.Run(ctx)
	if errors.Is(err, measure.ErrAborted) {
		m.recorder.RecordAbort()
	}
	return r, err
}

// Loop measures immediately and then every interval until ctx is done.
func (m *monitor) Loop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_, err := m.Measure(ctx)
		switch {
		case errors.Is(err, measure.ErrAborted):
			log.Info().Msg("Measurement aborted")
			return nil
		case errors.Is(err, measure.ErrBusy):
			log.Warn().Msg("Previous measurement still running, skipping")
		case err != nil:
			log.Error().Err(err).Msg("Measurement failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close flushes pending readings and releases resources in reverse order.
func (m *monitor) Close() error {
	var errs []error
	if m.influx != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.influx.Flush(ctx); err != nil {
			log.Warn().Err(err).Int("pending", m.influx.Pending()).Msg("Failed to flush readings")
		}
		cancel()
	}
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil
	return errors.Join(errs...)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	m, err := newMonitor(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn().Err(err).Msg("Shutdown failed")
		}
	}()

	log.Info().
		Dur("interval", cfg.Measurement.Interval).
		Dur("settling", m.orch.SettlingTime()).
		Msg("Starting soil monitor")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.Loop(ctx, cfg.Measurement.Interval)
	})
	if cfg.Status.Addr != "" {
		srv := status.New(m.history, status.Options{
			Gatherer: m.registry,
			State:    m.orch.State,
		})
		g.Go(func() error {
			return srv.ListenAndServe(ctx, cfg.Status.Addr)
		})
	}
	return g.Wait()
}

func runMeasure(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	m, err := newMonitor(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	r, err := m.Measure(ctx)
	if err != nil && r.ID == uuid.Nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "quality:     %s\n", r.Quality)
	fmt.Fprintf(out, "voltage:     %.4f V\n", r.Voltage)
	fmt.Fprintf(out, "capacitance: %.4g F\n", r.Inversion.Capacitance)
	fmt.Fprintf(out, "moisture:    %.3f\n", r.Moisture)
	fmt.Fprintf(out, "attempts:    %d\n", r.Attempts)
	return err
}
