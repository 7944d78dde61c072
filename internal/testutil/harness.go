package testutil

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"drop-go/internal/contentstore"
	"drop-go/internal/database"
	"drop-go/internal/drop"
	"drop-go/internal/hashing"
)

// HarnessOptions customizes NewHarness. Zero values select test defaults.
type HarnessOptions struct {
	MaxUploadSize int64
	Hasher        drop.Hasher
	Coordinator   drop.CoordinatorOptions
	Pool          drop.PoolOptions
	Reclaimer     drop.ReclaimerOptions
}

// Harness wires a complete drop engine over an in-memory catalog and an
// in-memory content store. Placement can be made to fail through Store.
type Harness struct {
	Catalog     *database.Catalog
	Memory      *contentstore.MemoryStore
	Store       *FlakyStore
	Clock       *StubClock
	IDs         *StubIDGenerator
	Feed        *drop.Feed
	Signal      *drop.Signal
	Coordinator *drop.Coordinator
	Pool        *drop.WorkerPool
	Reclaimer   *drop.Reclaimer
}

// NewHarness builds a Harness for t.
func NewHarness(t *testing.T, opts HarnessOptions) *Harness {
	t.Helper()

	if opts.MaxUploadSize == 0 {
		opts.MaxUploadSize = 1 << 20
	}
	if opts.Hasher == nil {
		opts.Hasher = hashing.NewSHA256(hashing.DefaultChunkSize)
	}
	if opts.Coordinator == (drop.CoordinatorOptions{}) {
		opts.Coordinator = drop.DefaultCoordinatorOptions()
	}
	opts.Coordinator.RetryBase = time.Millisecond
	if opts.Pool.Workers == 0 {
		opts.Pool.Workers = 2
	}
	if opts.Pool.LeaseTimeout == 0 {
		opts.Pool.LeaseTimeout = time.Minute
	}
	if opts.Pool.IdleBackoff == 0 {
		opts.Pool.IdleBackoff = 5 * time.Millisecond
	}

	h := &Harness{
		Catalog: NewTestCatalog(t),
		Clock:   FixedClock(),
		IDs:     NewStubIDGenerator(),
		Feed:    drop.NewFeed(64),
		Signal:  drop.NewSignal(),
	}
	h.Memory = contentstore.NewMemoryStore(opts.MaxUploadSize, h.Clock)
	h.Store = NewFlakyStore(h.Memory)

	logger := drop.NewNopLogger()
	h.Coordinator = drop.NewCoordinator(h.Catalog, h.Store, h.Feed, h.Signal, h.Clock, logger, opts.Coordinator)
	h.Pool = drop.NewWorkerPool(h.Catalog, h.Store, opts.Hasher, h.Coordinator, h.Signal, h.Clock, h.IDs, logger, opts.Pool)
	h.Reclaimer = drop.NewReclaimer(h.Catalog, h.Store, h.Feed, h.Clock, logger, opts.Reclaimer)
	return h
}

// Upload accepts content under filename and fails the test on error.
func (h *Harness) Upload(t *testing.T, content, filename string) *drop.UploadReceipt {
	t.Helper()
	r, err := h.Coordinator.AcceptUpload(context.Background(), bytes.NewReader([]byte(content)), filename, "test-device")
	if err != nil {
		t.Fatalf("AcceptUpload(%s) error = %v", filename, err)
	}
	return r
}

// Drain runs the worker pool until the queue is empty.
func (h *Harness) Drain(t *testing.T) []*drop.Resolution {
	t.Helper()
	res, err := h.Pool.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	return res
}

// File finds a file row directly in the catalog.
func (h *Harness) File(t *testing.T, id int64) *drop.File {
	t.Helper()
	f, err := h.Catalog.FindFile(context.Background(), id)
	if err != nil {
		t.Fatalf("FindFile(%d) error = %v", id, err)
	}
	return f
}

// Content reads the bytes stored at location.
func (h *Harness) Content(t *testing.T, location string) string {
	t.Helper()
	rc, err := h.Memory.Open(context.Background(), location)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", location, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading %s: %v", location, err)
	}
	return string(data)
}
