package contentstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"drop-go/internal/drop"
)

// MemoryStore is an in-memory implementation of drop.ContentStore with the
// same location layout as FileSystemStore. It is safe for concurrent use.
type MemoryStore struct {
	maxSize int64
	clock   drop.Clock

	mu       sync.RWMutex
	blobs    map[string][]byte
	modified map[string]time.Time
}

// NewMemoryStore creates an empty store. clock stamps staging entries for
// the orphan cleanup; nil uses the system clock.
func NewMemoryStore(maxSize int64, clock drop.Clock) *MemoryStore {
	if clock == nil {
		clock = drop.SystemClock{}
	}
	return &MemoryStore{
		maxSize:  maxSize,
		clock:    clock,
		blobs:    make(map[string][]byte),
		modified: make(map[string]time.Time),
	}
}

func (m *MemoryStore) Stage(ctx context.Context, r io.Reader) (*drop.StagedFile, error) {
	data, err := io.ReadAll(io.LimitReader(ctxReader{ctx: ctx, r: r}, m.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading upload: %w: %w", drop.ErrIOFailure, err)
	}
	if int64(len(data)) > m.maxSize {
		return nil, fmt.Errorf("staging upload over %d bytes: %w", m.maxSize, drop.ErrTooLarge)
	}

	location := stagingLocation(uuid.New().String())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[location] = data
	m.modified[location] = m.clock.Now()
	return &drop.StagedFile{Location: location, Size: int64(len(data))}, nil
}

func (m *MemoryStore) PermanentLocation(digest string) string {
	return permanentLocation(digest)
}

func (m *MemoryStore) PlacePermanently(ctx context.Context, staging, digest string) (string, error) {
	if err := validDigest(digest); err != nil {
		return "", fmt.Errorf("placing %s: %w", staging, err)
	}
	if _, err := cleanLocation(staging); err != nil {
		return "", err
	}
	location := permanentLocation(digest)

	m.mu.Lock()
	defer m.mu.Unlock()

	data, staged := m.blobs[staging]
	_, placed := m.blobs[location]
	switch {
	case placed:
	case staged:
		m.blobs[location] = data
		m.modified[location] = m.clock.Now()
	default:
		return "", fmt.Errorf("placing %s: %w: %w", staging, drop.ErrIOFailure, fs.ErrNotExist)
	}
	delete(m.blobs, staging)
	delete(m.modified, staging)
	return location, nil
}

func (m *MemoryStore) Discard(ctx context.Context, location string) error {
	if _, err := cleanLocation(location); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, location)
	delete(m.modified, location)
	return nil
}

func (m *MemoryStore) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[location]
	if !ok {
		return nil, fmt.Errorf("opening %s: %w", location, fs.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStore) ListStaged(ctx context.Context) ([]drop.StagedEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []drop.StagedEntry
	for loc, mod := range m.modified {
		if !strings.HasPrefix(loc, stagingDir+"/") {
			continue
		}
		out = append(out, drop.StagedEntry{Location: loc, ModifiedAt: mod})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out, nil
}

// Has reports whether bytes exist at location.
func (m *MemoryStore) Has(location string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[location]
	return ok
}

// Remove deletes bytes behind the store's back, simulating external loss.
func (m *MemoryStore) Remove(location string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, location)
	delete(m.modified, location)
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

var _ drop.ContentStore = (*MemoryStore)(nil)
