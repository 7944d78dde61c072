package testutil

import (
	"context"
	"errors"
	"sync"

	"drop-go/internal/drop"
)

// ErrPlacementFailed is returned by FlakyStore while placement is failing.
var ErrPlacementFailed = errors.New("placement failed")

// FlakyStore wraps a ContentStore and fails PlacePermanently while
// FailPlacement is set. Everything else is passed through.
type FlakyStore struct {
	drop.ContentStore

	mu            sync.Mutex
	failPlacement bool
	placeCalls    int
}

func NewFlakyStore(inner drop.ContentStore) *FlakyStore {
	return &FlakyStore{ContentStore: inner}
}

// FailPlacement switches placement failures on or off.
func (s *FlakyStore) FailPlacement(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPlacement = fail
}

// PlaceCalls returns how many placements were attempted.
func (s *FlakyStore) PlaceCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placeCalls
}

func (s *FlakyStore) PlacePermanently(ctx context.Context, stagingLocation, digest string) (string, error) {
	s.mu.Lock()
	s.placeCalls++
	fail := s.failPlacement
	s.mu.Unlock()
	if fail {
		return "", ErrPlacementFailed
	}
	return s.ContentStore.PlacePermanently(ctx, stagingLocation, digest)
}
