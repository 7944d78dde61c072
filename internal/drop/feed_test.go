package drop_test

import (
	"testing"

	"drop-go/internal/drop"
	"drop-go/internal/testutil"
)

func TestFeed(t *testing.T) {
	t.Run("fans out to every subscriber", func(t *testing.T) {
		f := drop.NewFeed(4)
		a, cancelA := f.Subscribe()
		b, cancelB := f.Subscribe()
		defer cancelA()
		defer cancelB()

		if n := f.Publish(drop.Event{Kind: drop.EventFileReclaimed, FileID: 7}); n != 2 {
			t.Errorf("Publish() delivered to %d, want 2", n)
		}
		for _, ch := range []<-chan drop.Event{a, b} {
			if e := <-ch; e.FileID != 7 {
				t.Errorf("event = %+v", e)
			}
		}
	})

	t.Run("drops events for a full subscriber", func(t *testing.T) {
		f := drop.NewFeed(1)
		ch, cancel := f.Subscribe()
		defer cancel()

		f.Publish(drop.Event{FileID: 1})
		if n := f.Publish(drop.Event{FileID: 2}); n != 0 {
			t.Errorf("Publish() to full subscriber delivered %d, want 0", n)
		}
		if e := <-ch; e.FileID != 1 {
			t.Errorf("event = %+v, want first event", e)
		}
	})

	t.Run("cancel closes the channel once", func(t *testing.T) {
		f := drop.NewFeed(1)
		ch, cancel := f.Subscribe()
		cancel()
		cancel()
		if _, ok := <-ch; ok {
			t.Error("channel still open after cancel")
		}
		if n := f.Publish(drop.Event{}); n != 0 {
			t.Errorf("Publish() after cancel delivered %d, want 0", n)
		}
	})

	t.Run("nil feed", func(t *testing.T) {
		var f *drop.Feed
		if n := f.Publish(drop.Event{}); n != 0 {
			t.Errorf("nil Publish() = %d", n)
		}
	})
}

func TestFeed_ResolutionEvents(t *testing.T) {
	h := testutil.NewHarness(t, testutil.HarnessOptions{})
	events, cancel := h.Feed.Subscribe()
	defer cancel()

	a := h.Upload(t, "hello", "a.txt")
	b := h.Upload(t, "hello", "b.txt")
	h.Drain(t)

	first, second := <-events, <-events
	if first.Outcome != drop.OutcomeNew || first.FileID != a.FileID || first.CanonicalID != a.FileID {
		t.Errorf("first event = %+v", first)
	}
	if second.Outcome != drop.OutcomeDuplicate || second.FileID != b.FileID || second.CanonicalID != a.FileID {
		t.Errorf("second event = %+v", second)
	}
	if first.Digest != testutil.SHA256Hex([]byte("hello")) || first.Digest != second.Digest {
		t.Errorf("digests = %q, %q", first.Digest, second.Digest)
	}
}
