package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"drop-go/internal/drop"
)

// MemoryTarget keeps snapshots in memory. It is safe for concurrent use.
type MemoryTarget struct {
	clock drop.Clock

	mu        sync.RWMutex
	snapshots map[string][]byte
	modified  map[string]time.Time
}

// NewMemoryTarget creates an empty target. nil clock uses the system clock.
func NewMemoryTarget(clock drop.Clock) *MemoryTarget {
	if clock == nil {
		clock = drop.SystemClock{}
	}
	return &MemoryTarget{
		clock:     clock,
		snapshots: make(map[string][]byte),
		modified:  make(map[string]time.Time),
	}
}

func (m *MemoryTarget) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[name] = data
	m.modified[name] = m.clock.Now()
	return nil
}

func (m *MemoryTarget) Get(ctx context.Context, name string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.snapshots[name]
	if !ok {
		return fmt.Errorf("snapshot not found: %s", name)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

func (m *MemoryTarget) List(ctx context.Context) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0, len(m.snapshots))
	for name, data := range m.snapshots {
		out = append(out, Snapshot{Name: name, Size: int64(len(data)), ModifiedAt: m.modified[name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ValidateSetup always succeeds for the in-memory target.
func (m *MemoryTarget) ValidateSetup(ctx context.Context) error {
	return nil
}

var _ Target = (*MemoryTarget)(nil)
