package store

import (
	"context"
	"sync"

	"github.com/rezilient/control-plane/pkg/model"
)

// Memory is an in-memory StateStore guarded by a single mutex, serialising
// every Mutate the way the durable store's row lock does. Suitable for
// tests and single-process deployments.
type Memory struct {
	mu   sync.Mutex
	snap *model.ControlPlaneSnapshot
}

// NewMemory returns a Memory store seeded with an empty snapshot.
func NewMemory() *Memory {
	return &Memory{snap: model.NewSnapshot()}
}

// Read returns a deep copy of the current snapshot.
func (m *Memory) Read(_ context.Context) (*model.ControlPlaneSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Clone(), nil
}

// Mutate serializes access behind the store's mutex: while fn runs, no
// other caller can observe or modify the snapshot. On error from fn the
// working copy is discarded and the committed snapshot is untouched.
func (m *Memory) Mutate(_ context.Context, fn MutateFunc) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	working := m.snap.Clone()
	result, err := fn(working)
	if err != nil {
		return nil, err
	}
	working.Version = m.snap.Version + 1
	m.snap = working
	return result, nil
}

// Version returns the current snapshot version.
func (m *Memory) Version(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Version, nil
}
