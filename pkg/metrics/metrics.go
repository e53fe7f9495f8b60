package metrics

import (
	"context"
	"math"

	"github.com/itohio/gosoil/pkg/measure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "soil"

var _ measure.Sink = (*Recorder)(nil)

// Recorder exports measurement cycles as Prometheus metrics. It is a
// measure.Sink and also observes orchestrator state changes.
type Recorder struct {
	// ReadingsTotal counts emitted readings by quality.
	ReadingsTotal *prometheus.CounterVec
	// AbortsTotal counts aborted cycles.
	AbortsTotal prometheus.Counter
	// TransitionsTotal counts state machine transitions by target state.
	TransitionsTotal *prometheus.CounterVec
	// SolverIterations observes root finder iterations per inversion.
	SolverIterations prometheus.Histogram

	Voltage     prometheus.Gauge
	Capacitance prometheus.Gauge
	Moisture    prometheus.Gauge
	// LastReading is the Unix time of the last emitted reading.
	LastReading prometheus.Gauge
}

// New creates a recorder registered with reg.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	r := &Recorder{
		ReadingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Total number of readings by quality",
		}, []string{"quality"}),
		AbortsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aborted_cycles_total",
			Help:      "Total number of aborted measurement cycles",
		}),
		TransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of measurement state transitions by state entered",
		}, []string{"state"}),
		SolverIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "solver_iterations",
			Help:      "Root finder iterations per inversion",
			Buckets:   prometheus.LinearBuckets(5, 5, 10),
		}),
		Voltage: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peak_voltage_volts",
			Help:      "Last measured peak detector voltage",
		}),
		Capacitance: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensing_capacitance_farads",
			Help:      "Last recovered sensing capacitance",
		}),
		Moisture: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "moisture_index",
			Help:      "Last moisture index",
		}),
		LastReading: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_reading_timestamp_seconds",
			Help:      "Unix time of the last reading",
		}),
	}

	// Export zero series so rates work from the first scrape.
	for _, q := range measure.Qualities() {
		r.ReadingsTotal.WithLabelValues(q.String())
	}
	return r
}

// Emit records a reading. Gauges keep their previous value when the reading
// has no finite value for them.
func (r *Recorder) Emit(_ context.Context, reading measure.Reading) error {
	r.ReadingsTotal.WithLabelValues(reading.Quality.String()).Inc()
	r.LastReading.Set(float64(reading.Timestamp.UnixNano()) / 1e9)

	if !math.IsNaN(reading.Inversion.Tau) {
		r.SolverIterations.Observe(float64(reading.Inversion.Iterations))
	}
	setFinite(r.Voltage, reading.Voltage)
	setFinite(r.Capacitance, reading.Inversion.Capacitance)
	setFinite(r.Moisture, reading.Moisture)
	return nil
}

// ObserveState counts a state transition; register it with
// Orchestrator.OnStateChange.
func (r *Recorder) ObserveState(s measure.State) {
	r.TransitionsTotal.WithLabelValues(s.String()).Inc()
}

// RecordAbort counts an aborted cycle.
func (r *Recorder) RecordAbort() {
	r.AbortsTotal.Inc()
}

func setFinite(g prometheus.Gauge, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	g.Set(v)
}
