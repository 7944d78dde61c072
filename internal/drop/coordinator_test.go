package drop_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"drop-go/internal/drop"
	"drop-go/internal/testutil"
)

func TestCoordinator_AcceptUpload(t *testing.T) {
	ctx := context.Background()

	t.Run("records provisional file task and message", func(t *testing.T) {
		h := testutil.NewHarness(t, testutil.HarnessOptions{})

		r := h.Upload(t, "hello", "greeting.txt")

		if r.Size != 5 {
			t.Errorf("Size = %d, want 5", r.Size)
		}
		if r.MimeType != "text/plain" || r.Category != drop.CategoryDocument {
			t.Errorf("MimeType = %q Category = %q, want text/plain document", r.MimeType, r.Category)
		}

		f := h.File(t, r.FileID)
		if f.HashStatus != drop.HashPending || f.ReferenceCount != 1 || f.Digest != "" {
			t.Errorf("provisional file = %+v", f)
		}
		if !strings.HasPrefix(f.Location, "staging/") {
			t.Errorf("Location = %q, want staging location", f.Location)
		}
		if got := h.Content(t, f.Location); got != "hello" {
			t.Errorf("staged content = %q, want %q", got, "hello")
		}

		task, err := h.Catalog.FindTask(ctx, r.TaskID)
		if err != nil {
			t.Fatalf("FindTask() error = %v", err)
		}
		if task.Status != drop.TaskPending || task.FileID != r.FileID {
			t.Errorf("task = %+v", task)
		}

		m, err := h.Coordinator.FindMessage(ctx, r.MessageID)
		if err != nil {
			t.Fatalf("FindMessage() error = %v", err)
		}
		if m.Kind != drop.KindFile || m.Content != "greeting.txt" || m.FileID != r.FileID || m.DeviceID != "test-device" {
			t.Errorf("message = %+v", m)
		}
	})

	t.Run("signals idle workers", func(t *testing.T) {
		h := testutil.NewHarness(t, testutil.HarnessOptions{})
		h.Upload(t, "hello", "a.txt")

		select {
		case <-h.Signal.C():
		default:
			t.Error("no wake-up pending after upload")
		}
	})

	t.Run("oversize upload records nothing", func(t *testing.T) {
		h := testutil.NewHarness(t, testutil.HarnessOptions{MaxUploadSize: 4})

		_, err := h.Coordinator.AcceptUpload(ctx, strings.NewReader("hello"), "a.txt", "dev")
		if !errors.Is(err, drop.ErrTooLarge) {
			t.Fatalf("AcceptUpload() error = %v, want ErrTooLarge", err)
		}
		if h.Memory.Len() != 0 {
			t.Errorf("store holds %d blobs after rejected upload, want 0", h.Memory.Len())
		}
		s, _ := h.Coordinator.Stats(ctx)
		if s.Messages != 0 || len(s.FilesByStatus) != 0 || len(s.TasksByStatus) != 0 {
			t.Errorf("stats after rejected upload = %+v", s)
		}
	})

	t.Run("requires a filename", func(t *testing.T) {
		h := testutil.NewHarness(t, testutil.HarnessOptions{})
		if _, err := h.Coordinator.AcceptUpload(ctx, strings.NewReader("x"), "  ", "dev"); err == nil {
			t.Error("AcceptUpload() expected error for blank filename")
		}
	})
}

func TestCoordinator_AcceptText(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t, testutil.HarnessOptions{})

	m, err := h.Coordinator.AcceptText(ctx, "see you at 5", "phone")
	if err != nil {
		t.Fatalf("AcceptText() error = %v", err)
	}
	if m.ID == 0 || m.Kind != drop.KindText || m.FileID != 0 || m.ContentSize != 12 {
		t.Errorf("message = %+v", m)
	}

	if _, err := h.Coordinator.DeleteMessage(ctx, m.ID); err != nil {
		t.Fatalf("DeleteMessage() error = %v", err)
	}
	if _, err := h.Coordinator.AcceptText(ctx, "", "phone"); err == nil {
		t.Error("AcceptText() expected error for empty content")
	}
}

func TestCoordinator_AttachFile(t *testing.T) {
	ctx := context.Background()

	t.Run("follows merged provisional file", func(t *testing.T) {
		h := testutil.NewHarness(t, testutil.HarnessOptions{})
		first := h.Upload(t, "hello", "a.txt")
		second := h.Upload(t, "hello", "b.txt")
		h.Drain(t)

		m, err := h.Coordinator.AttachFile(ctx, second.FileID, "c.txt", "dev")
		if err != nil {
			t.Fatalf("AttachFile() error = %v", err)
		}
		if m.FileID != first.FileID {
			t.Errorf("attached FileID = %d, want canonical %d", m.FileID, first.FileID)
		}
		if got := h.File(t, first.FileID).ReferenceCount; got != 3 {
			t.Errorf("ReferenceCount = %d, want 3", got)
		}
	})

	t.Run("rejects tombstoned file", func(t *testing.T) {
		h := testutil.NewHarness(t, testutil.HarnessOptions{})
		r := h.Upload(t, "hello", "a.txt")
		h.Drain(t)
		if _, err := h.Coordinator.DeleteMessage(ctx, r.MessageID); err != nil {
			t.Fatalf("DeleteMessage() error = %v", err)
		}

		_, err := h.Coordinator.AttachFile(ctx, r.FileID, "again.txt", "dev")
		if !errors.Is(err, drop.ErrFileUnavailable) {
			t.Errorf("AttachFile() error = %v, want ErrFileUnavailable", err)
		}
	})

	t.Run("unknown file", func(t *testing.T) {
		h := testutil.NewHarness(t, testutil.HarnessOptions{})
		_, err := h.Coordinator.AttachFile(ctx, 999, "x.txt", "dev")
		if !errors.Is(err, drop.ErrNotFound) {
			t.Errorf("AttachFile() error = %v, want ErrNotFound", err)
		}
	})
}

func TestCoordinator_DeleteMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("last reference tombstones the file once", func(t *testing.T) {
		h := testutil.NewHarness(t, testutil.HarnessOptions{})
		r := h.Upload(t, "unique bytes", "a.bin")
		h.Drain(t)

		m, err := h.Coordinator.DeleteMessage(ctx, r.MessageID)
		if err != nil {
			t.Fatalf("DeleteMessage() error = %v", err)
		}
		if !m.Deleted {
			t.Error("returned message not marked deleted")
		}

		f := h.File(t, r.FileID)
		if !f.Tombstone || f.ReferenceCount != 0 {
			t.Errorf("file after delete: tombstone = %v refcount = %d", f.Tombstone, f.ReferenceCount)
		}

		if _, err := h.Coordinator.DeleteMessage(ctx, r.MessageID); err != nil {
			t.Fatalf("second DeleteMessage() error = %v", err)
		}
		if got := h.File(t, r.FileID).ReferenceCount; got != 0 {
			t.Errorf("ReferenceCount after repeated delete = %d, want 0", got)
		}

		if _, err := h.Reclaimer.ReleaseReference(ctx, r.FileID); !errors.Is(err, drop.ErrNotFound) {
			t.Errorf("ReleaseReference() on tombstone error = %v, want ErrNotFound", err)
		}
	})

	t.Run("shared file keeps other references", func(t *testing.T) {
		h := testutil.NewHarness(t, testutil.HarnessOptions{})
		a := h.Upload(t, "hello", "a.txt")
		h.Upload(t, "hello", "b.txt")
		h.Drain(t)

		if _, err := h.Coordinator.DeleteMessage(ctx, a.MessageID); err != nil {
			t.Fatalf("DeleteMessage() error = %v", err)
		}
		f := h.File(t, a.FileID)
		if f.Tombstone || f.ReferenceCount != 1 {
			t.Errorf("file after one delete: tombstone = %v refcount = %d", f.Tombstone, f.ReferenceCount)
		}
	})

	t.Run("unknown message", func(t *testing.T) {
		h := testutil.NewHarness(t, testutil.HarnessOptions{})
		if _, err := h.Coordinator.DeleteMessage(ctx, 404); !errors.Is(err, drop.ErrNotFound) {
			t.Errorf("DeleteMessage() error = %v, want ErrNotFound", err)
		}
	})
}

func TestCoordinator_OpenContent(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t, testutil.HarnessOptions{})
	r := h.Upload(t, "hello", "a.txt")

	if _, _, err := h.Coordinator.OpenContent(ctx, r.FileID); !errors.Is(err, drop.ErrFileUnavailable) {
		t.Errorf("OpenContent() before hashing error = %v, want ErrFileUnavailable", err)
	}

	h.Drain(t)
	rc, f, err := h.Coordinator.OpenContent(ctx, r.FileID)
	if err != nil {
		t.Fatalf("OpenContent() error = %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello" {
		t.Errorf("content = %q, want %q", data, "hello")
	}
	if f.Digest != testutil.SHA256Hex([]byte("hello")) {
		t.Errorf("Digest = %q", f.Digest)
	}
}

func TestCoordinator_Stats(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t, testutil.HarnessOptions{})
	h.Upload(t, "hello", "a.txt")
	h.Upload(t, "hello", "b.txt")
	h.Drain(t)

	s, err := h.Coordinator.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if s.FilesByStatus[drop.HashCompleted] != 1 {
		t.Errorf("completed files = %d, want 1", s.FilesByStatus[drop.HashCompleted])
	}
	if s.TasksByStatus[drop.TaskCompleted] != 2 {
		t.Errorf("completed tasks = %d, want 2", s.TasksByStatus[drop.TaskCompleted])
	}
	if s.LogicalBytes != 10 || s.PhysicalBytes != 5 || s.SavedBytes() != 5 {
		t.Errorf("logical = %d physical = %d saved = %d", s.LogicalBytes, s.PhysicalBytes, s.SavedBytes())
	}
}

// staleCatalog hides the canonical file from the first FindCanonical lookup,
// as a transaction reading an old snapshot would.
type staleCatalog struct {
	drop.Catalog
	hidden int
}

func (c *staleCatalog) Update(ctx context.Context, fn func(tx drop.Tx) error) error {
	return c.Catalog.Update(ctx, func(tx drop.Tx) error {
		return fn(&staleTx{Tx: tx, catalog: c})
	})
}

type staleTx struct {
	drop.Tx
	catalog *staleCatalog
}

func (tx *staleTx) FindCanonical(ctx context.Context, digest string, excludeID int64) (*drop.File, error) {
	if tx.catalog.hidden > 0 {
		tx.catalog.hidden--
		return nil, nil
	}
	return tx.Tx.FindCanonical(ctx, digest, excludeID)
}

func TestCoordinator_ResolveLostCanonicalRace(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t, testutil.HarnessOptions{})
	first := h.Upload(t, "hello", "a.txt")
	h.Drain(t)
	second := h.Upload(t, "hello", "b.txt")

	stale := &staleCatalog{Catalog: h.Catalog, hidden: 1}
	opts := drop.DefaultCoordinatorOptions()
	opts.RetryBase = time.Millisecond
	c := drop.NewCoordinator(stale, h.Store, h.Feed, h.Signal, h.Clock, drop.NewNopLogger(), opts)

	lease, err := h.Pool.Claim(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if lease == nil || lease.TaskID != second.TaskID {
		t.Fatalf("Claim() = %+v, want task %d", lease, second.TaskID)
	}

	res, err := c.Resolve(ctx, lease, drop.HashResult{Digest: testutil.SHA256Hex([]byte("hello"))})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if stale.hidden != 0 {
		t.Fatal("canonical lookup was never hidden")
	}
	if res.Outcome != drop.OutcomeDuplicate || res.CanonicalID != first.FileID {
		t.Errorf("Resolve() = %+v, want duplicate of %d", res, first.FileID)
	}

	m, _ := c.FindMessage(ctx, second.MessageID)
	if m.FileID != first.FileID {
		t.Errorf("message FileID = %d, want %d", m.FileID, first.FileID)
	}
	if got := h.File(t, first.FileID).ReferenceCount; got != 2 {
		t.Errorf("ReferenceCount = %d, want 2", got)
	}
	if h.File(t, second.FileID) != nil {
		t.Error("provisional row still present")
	}
	if h.Memory.Len() != 1 {
		t.Errorf("store holds %d blobs, want 1", h.Memory.Len())
	}
}
