package sample

import (
	"context"
	"fmt"

	"github.com/itohio/gosoil/pkg/board"
)

var _ board.Sampler = (*Averaging)(nil)

// Averaging is a sampler that averages N consecutive reads of another
// sampler to reduce noise in the measurements. The averaged sample uses the
// most recent timestamp and stimulus.
type Averaging struct {
	sampler board.Sampler
	n       int
}

// NewAveraging wraps s so every Read averages n reads. n <= 1 disables
// averaging.
func NewAveraging(s board.Sampler, n int) *Averaging {
	if n <= 0 {
		n = 1
	}
	return &Averaging{sampler: s, n: n}
}

// Window returns the number of reads averaged per sample.
func (a *Averaging) Window() int {
	return a.n
}

// Read takes n reads and returns their average. Any failed read fails the
// whole sample, as does a stimulus change between reads.
func (a *Averaging) Read(ctx context.Context) (board.RawSample, error) {
	if a.n == 1 {
		return a.sampler.Read(ctx)
	}

	var sum float64
	var last board.RawSample
	for i := 0; i < a.n; i++ {
		s, err := a.sampler.Read(ctx)
		if err != nil {
			return board.RawSample{}, err
		}
		if i > 0 && s.Stimulus != last.Stimulus {
			return board.RawSample{}, fmt.Errorf("%w: stimulus changed while averaging", board.ErrSamplerFault)
		}
		sum += s.Voltage
		last = s
	}

	last.Voltage = sum / float64(a.n)
	return last, nil
}
