package telemetry

import (
	"sync"

	"github.com/itohio/gosoil/pkg/measure"
	"github.com/itohio/gosoil/pkg/ring"
)

// Buffer holds readings waiting for upload, oldest first. Implementations
// overwrite the oldest reading when full.
type Buffer interface {
	Push(r measure.Reading) error
	Len() int
	Snapshot() ([]measure.Reading, error)
	// Drop removes the n oldest readings after they were delivered.
	Drop(n int) error
}

// MemoryBuffer is a Buffer backed by a ring. Pending readings are lost on
// restart.
type MemoryBuffer struct {
	mu   sync.Mutex
	ring *ring.Ring[measure.Reading]
}

// NewMemoryBuffer creates an in-memory buffer.
func NewMemoryBuffer(capacity int) *MemoryBuffer {
	return &MemoryBuffer{ring: ring.New[measure.Reading](capacity)}
}

func (b *MemoryBuffer) Push(r measure.Reading) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring.Push(r)
	return nil
}

func (b *MemoryBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Len()
}

func (b *MemoryBuffer) Snapshot() ([]measure.Reading, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Slice(), nil
}

func (b *MemoryBuffer) Drop(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring.Discard(n)
	return nil
}
