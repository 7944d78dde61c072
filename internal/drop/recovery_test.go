package drop_test

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"drop-go/internal/testutil"
)

func TestCoordinator_Recover(t *testing.T) {
	ctx := context.Background()

	t.Run("places content whose placement failed", func(t *testing.T) {
		h := testutil.NewHarness(t, testutil.HarnessOptions{})
		h.Store.FailPlacement(true)
		r := h.Upload(t, "hello", "a.txt")

		res := h.Drain(t)
		if len(res) != 1 || res[0].Placed {
			t.Fatalf("Drain() = %+v, want one unplaced resolution", res)
		}
		f := h.File(t, r.FileID)
		if f.Placed() || f.StagingPath == "" {
			t.Fatalf("file = %+v, want completed with staging path kept", f)
		}

		rc, _, err := h.Coordinator.OpenContent(ctx, r.FileID)
		if err != nil {
			t.Fatalf("OpenContent() before recovery error = %v", err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		if string(data) != "hello" {
			t.Errorf("content before recovery = %q, want %q", data, "hello")
		}

		s, _ := h.Coordinator.Stats(ctx)
		if s.UnplacedFiles != 1 {
			t.Errorf("UnplacedFiles = %d, want 1", s.UnplacedFiles)
		}

		h.Store.FailPlacement(false)
		report, err := h.Coordinator.Recover(ctx, time.Hour)
		if err != nil {
			t.Fatalf("Recover() error = %v", err)
		}
		if report.Placed != 1 || report.PlacementFailed != 0 {
			t.Errorf("report = %+v, want one placed", report)
		}
		f = h.File(t, r.FileID)
		if !f.Placed() {
			t.Errorf("file = %+v, want placed", f)
		}
		if got := h.Content(t, f.Location); got != "hello" {
			t.Errorf("placed content = %q, want %q", got, "hello")
		}
		if h.Memory.Len() != 1 {
			t.Errorf("store holds %d blobs, want 1", h.Memory.Len())
		}
	})

	t.Run("reports placement that still fails", func(t *testing.T) {
		h := testutil.NewHarness(t, testutil.HarnessOptions{})
		h.Store.FailPlacement(true)
		h.Upload(t, "hello", "a.txt")
		h.Drain(t)

		report, err := h.Coordinator.Recover(ctx, time.Hour)
		if err != nil {
			t.Fatalf("Recover() error = %v", err)
		}
		if report.PlacementFailed != 1 {
			t.Errorf("report = %+v, want one placement failure", report)
		}
	})

	t.Run("leaves released files to the sweep", func(t *testing.T) {
		h := testutil.NewHarness(t, testutil.HarnessOptions{})
		h.Store.FailPlacement(true)
		r := h.Upload(t, "hello", "a.txt")
		h.Drain(t)
		if _, err := h.Coordinator.DeleteMessage(ctx, r.MessageID); err != nil {
			t.Fatalf("DeleteMessage() error = %v", err)
		}
		h.Store.FailPlacement(false)
		calls := h.Store.PlaceCalls()

		report, err := h.Coordinator.Recover(ctx, time.Hour)
		if err != nil {
			t.Fatalf("Recover() error = %v", err)
		}
		if report.Placed != 0 || report.PlacementFailed != 0 || h.Store.PlaceCalls() != calls {
			t.Errorf("report = %+v, want tombstoned file skipped", report)
		}

		sweep, err := h.Reclaimer.Sweep(ctx)
		if err != nil {
			t.Fatalf("Sweep() error = %v", err)
		}
		if sweep.Reclaimed != 1 || h.Memory.Len() != 0 {
			t.Errorf("sweep = %+v, blobs = %d; want file reclaimed", sweep, h.Memory.Len())
		}
	})

	t.Run("removes unreferenced staging entries after grace", func(t *testing.T) {
		h := testutil.NewHarness(t, testutil.HarnessOptions{})
		orphan, err := h.Memory.Stage(ctx, strings.NewReader("left behind"))
		if err != nil {
			t.Fatalf("Stage() error = %v", err)
		}
		pending := h.Upload(t, "still queued", "a.txt")

		report, _ := h.Coordinator.Recover(ctx, time.Hour)
		if report.OrphansRemoved != 0 {
			t.Errorf("fresh staging entry removed: %+v", report)
		}

		h.Clock.Advance(2 * time.Hour)
		report, err = h.Coordinator.Recover(ctx, time.Hour)
		if err != nil {
			t.Fatalf("Recover() error = %v", err)
		}
		if report.OrphansRemoved != 1 {
			t.Errorf("report = %+v, want one orphan removed", report)
		}
		if h.Memory.Has(orphan.Location) {
			t.Error("orphan still staged")
		}
		if !h.Memory.Has(h.File(t, pending.FileID).Location) {
			t.Error("referenced staging entry removed")
		}
	})
}
