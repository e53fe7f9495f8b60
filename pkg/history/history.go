package history

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/itohio/gosoil/pkg/measure"
)

var _ measure.Sink = (*History)(nil)

// Rate is the moisture change between two consecutive nominal readings.
type Rate struct {
	From    time.Time
	To      time.Time
	PerHour float64 // Moisture index change per hour (negative while drying)
}

// History keeps the readings of a trailing time window and the moisture
// rate between consecutive nominal readings.
type History struct {
	window time.Duration

	// Readings are ordered oldest first and removed by timestamp, not count.
	// rates[i] is the change from nominal[i] to nominal[i+1], so n nominal
	// readings give n-1 rates.
	mu       sync.RWMutex
	readings []measure.Reading
	nominal  []measure.Reading
	rates    []Rate

	callbacks []func(readings []measure.Reading, rates []Rate)
	cbMu      sync.RWMutex
}

// New creates a history covering the given window (default 24h).
func New(window time.Duration) *History {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &History{window: window}
}

// Emit adds a reading, drops readings older than the window and notifies
// callbacks.
func (h *History) Emit(_ context.Context, r measure.Reading) error {
	h.mu.Lock()
	h.readings = append(h.readings, r)
	if r.Quality == measure.Nominal && !math.IsNaN(r.Moisture) {
		h.addNominal(r)
	}
	h.expire(r.Timestamp.Add(-h.window))
	h.mu.Unlock()

	h.notifyCallbacks()
	return nil
}

// addNominal appends r and its rate against the previous nominal reading;
// callers hold h.mu.
func (h *History) addNominal(r measure.Reading) {
	if n := len(h.nominal); n > 0 {
		prev := h.nominal[n-1]
		dt := r.Timestamp.Sub(prev.Timestamp).Hours()
		if dt <= 0 {
			// Out of order or duplicate timestamp.
			return
		}
		h.rates = append(h.rates, Rate{
			From:    prev.Timestamp,
			To:      r.Timestamp,
			PerHour: (r.Moisture - prev.Moisture) / dt,
		})
	}
	h.nominal = append(h.nominal, r)
}

// expire removes readings at or before cutoff; callers hold h.mu.
func (h *History) expire(cutoff time.Time) {
	i := 0
	for i < len(h.readings) && !h.readings[i].Timestamp.After(cutoff) {
		i++
	}
	h.readings = h.readings[i:]

	j := 0
	for j < len(h.nominal) && !h.nominal[j].Timestamp.After(cutoff) {
		j++
	}
	h.nominal = h.nominal[j:]
	// Dropping nominal[0..j-1] drops the rates that start at them.
	if j <= len(h.rates) {
		h.rates = h.rates[j:]
	} else {
		h.rates = h.rates[:0]
	}
}

// Readings returns a copy of the readings in the window.
func (h *History) Readings() []measure.Reading {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make([]measure.Reading, len(h.readings))
	copy(result, h.readings)
	return result
}

// Rates returns a copy of the moisture rates in the window.
func (h *History) Rates() []Rate {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make([]Rate, len(h.rates))
	copy(result, h.rates)
	return result
}

// Latest returns the most recent reading.
func (h *History) Latest() (measure.Reading, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.readings) == 0 {
		return measure.Reading{}, false
	}
	return h.readings[len(h.readings)-1], true
}

// OnUpdate registers a callback invoked after every reading with copies of
// the window contents. The callback should return quickly.
func (h *History) OnUpdate(callback func(readings []measure.Reading, rates []Rate)) {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	h.callbacks = append(h.callbacks, callback)
}

func (h *History) notifyCallbacks() {
	h.cbMu.RLock()
	callbacks := make([]func(readings []measure.Reading, rates []Rate), len(h.callbacks))
	copy(callbacks, h.callbacks)
	h.cbMu.RUnlock()
	if len(callbacks) == 0 {
		return
	}

	readings, rates := h.Readings(), h.Rates()
	for _, cb := range callbacks {
		if cb != nil {
			cb(readings, rates)
		}
	}
}
