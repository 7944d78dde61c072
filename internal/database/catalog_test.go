package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"drop-go/internal/drop"
)

var testNow = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// newTestCatalog creates a new in-memory catalog with the schema applied.
func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()

	c, err := NewSQLiteCatalog(":memory:")
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	if err := c.Migrate(); err != nil {
		c.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// update runs fn and fails the test on error.
func update(t *testing.T, c *Catalog, fn func(tx drop.Tx) error) {
	t.Helper()
	if err := c.Update(context.Background(), fn); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
}

func insertProvisional(t *testing.T, c *Catalog, location string) (fileID, taskID int64) {
	t.Helper()
	ctx := context.Background()
	update(t, c, func(tx drop.Tx) error {
		var err error
		fileID, err = tx.InsertFile(ctx, &drop.File{
			Location:       location,
			StagingPath:    location,
			Category:       drop.CategoryOther,
			MimeType:       "text/plain",
			Size:           5,
			ReferenceCount: 1,
			HashStatus:     drop.HashPending,
			CreatedAt:      testNow,
			UpdatedAt:      testNow,
		})
		if err != nil {
			return err
		}
		taskID, err = tx.InsertTask(ctx, &drop.Task{
			FileID:    fileID,
			Status:    drop.TaskPending,
			CreatedAt: testNow,
			UpdatedAt: testNow,
		})
		return err
	})
	return fileID, taskID
}

func TestCatalog_FindFile(t *testing.T) {
	ctx := context.Background()

	t.Run("returns nil when file not found", func(t *testing.T) {
		c := newTestCatalog(t)

		f, err := c.FindFile(ctx, 42)
		if err != nil {
			t.Fatalf("FindFile() error = %v", err)
		}
		if f != nil {
			t.Errorf("FindFile() = %+v, want nil", f)
		}
	})

	t.Run("round trips a provisional file", func(t *testing.T) {
		c := newTestCatalog(t)
		id, _ := insertProvisional(t, c, "staging/a")

		f, err := c.FindFile(ctx, id)
		if err != nil {
			t.Fatalf("FindFile() error = %v", err)
		}
		if f == nil {
			t.Fatal("FindFile() returned nil")
		}
		if f.Digest != "" {
			t.Errorf("Digest = %q, want empty", f.Digest)
		}
		if f.Location != "staging/a" || f.StagingPath != "staging/a" {
			t.Errorf("Location = %q, StagingPath = %q", f.Location, f.StagingPath)
		}
		if f.HashStatus != drop.HashPending {
			t.Errorf("HashStatus = %q, want pending", f.HashStatus)
		}
		if !f.CreatedAt.Equal(testNow) {
			t.Errorf("CreatedAt = %v, want %v", f.CreatedAt, testNow)
		}
		if f.CreatedAt.Location() != time.UTC {
			t.Errorf("CreatedAt location = %v, want UTC", f.CreatedAt.Location())
		}
	})
}

func TestCatalog_CompleteFile(t *testing.T) {
	ctx := context.Background()

	t.Run("second canonical row for a digest conflicts", func(t *testing.T) {
		c := newTestCatalog(t)
		a, _ := insertProvisional(t, c, "staging/a")
		b, _ := insertProvisional(t, c, "staging/b")

		update(t, c, func(tx drop.Tx) error {
			return tx.CompleteFile(ctx, a, "abcd1234", "content/ab/cd1234", "staging/a", testNow)
		})

		err := c.Update(ctx, func(tx drop.Tx) error {
			return tx.CompleteFile(ctx, b, "abcd1234", "content/ab/cd1234", "staging/b", testNow)
		})
		if !errors.Is(err, drop.ErrConflict) {
			t.Fatalf("CompleteFile() error = %v, want ErrConflict", err)
		}

		f, _ := c.FindFile(ctx, b)
		if f.HashStatus != drop.HashPending {
			t.Errorf("conflicting row HashStatus = %q, want pending after rollback", f.HashStatus)
		}
	})

	t.Run("finds canonical by digest", func(t *testing.T) {
		c := newTestCatalog(t)
		a, _ := insertProvisional(t, c, "staging/a")
		b, _ := insertProvisional(t, c, "staging/b")
		update(t, c, func(tx drop.Tx) error {
			return tx.CompleteFile(ctx, a, "abcd1234", "content/ab/cd1234", "staging/a", testNow)
		})

		update(t, c, func(tx drop.Tx) error {
			canon, err := tx.FindCanonical(ctx, "abcd1234", b)
			if err != nil {
				return err
			}
			if canon == nil || canon.ID != a {
				t.Errorf("FindCanonical() = %+v, want file %d", canon, a)
			}
			self, err := tx.FindCanonical(ctx, "abcd1234", a)
			if err != nil {
				return err
			}
			if self != nil {
				t.Errorf("FindCanonical() excluding canonical = %+v, want nil", self)
			}
			return nil
		})
	})

	t.Run("placement confirmation clears staging path", func(t *testing.T) {
		c := newTestCatalog(t)
		a, _ := insertProvisional(t, c, "staging/a")
		update(t, c, func(tx drop.Tx) error {
			return tx.CompleteFile(ctx, a, "abcd1234", "content/ab/cd1234", "staging/a", testNow)
		})

		unplaced, err := c.ListUnplaced(ctx)
		if err != nil {
			t.Fatalf("ListUnplaced() error = %v", err)
		}
		if len(unplaced) != 1 || unplaced[0].ID != a {
			t.Fatalf("ListUnplaced() = %+v, want file %d", unplaced, a)
		}

		update(t, c, func(tx drop.Tx) error {
			return tx.ClearStagingPath(ctx, a, "staging/a", testNow)
		})
		f, _ := c.FindFile(ctx, a)
		if !f.Placed() {
			t.Errorf("file not placed after ClearStagingPath: %+v", f)
		}
		unplaced, _ = c.ListUnplaced(ctx)
		if len(unplaced) != 0 {
			t.Errorf("ListUnplaced() = %d files, want 0", len(unplaced))
		}
	})
}

func TestCatalog_References(t *testing.T) {
	ctx := context.Background()

	t.Run("release to zero tombstones", func(t *testing.T) {
		c := newTestCatalog(t)
		id, _ := insertProvisional(t, c, "staging/a")
		update(t, c, func(tx drop.Tx) error { return tx.AddReferences(ctx, id, 1, testNow) })

		for i, wantTomb := range []bool{false, true} {
			update(t, c, func(tx drop.Tx) error {
				ok, err := tx.ReleaseReference(ctx, id, testNow)
				if err != nil {
					return err
				}
				if !ok {
					t.Errorf("release %d: ReleaseReference() = false", i)
				}
				return nil
			})
			f, _ := c.FindFile(ctx, id)
			if f.Tombstone != wantTomb {
				t.Errorf("after release %d: Tombstone = %v, want %v", i, f.Tombstone, wantTomb)
			}
		}

		update(t, c, func(tx drop.Tx) error {
			ok, err := tx.ReleaseReference(ctx, id, testNow)
			if ok {
				t.Error("ReleaseReference() at zero = true, want false")
			}
			return err
		})
	})

	t.Run("tombstoned file accepts no new references", func(t *testing.T) {
		c := newTestCatalog(t)
		id, _ := insertProvisional(t, c, "staging/a")
		update(t, c, func(tx drop.Tx) error {
			_, err := tx.ReleaseReference(ctx, id, testNow)
			return err
		})

		err := c.Update(ctx, func(tx drop.Tx) error { return tx.AddReferences(ctx, id, 1, testNow) })
		if !errors.Is(err, drop.ErrFileUnavailable) {
			t.Errorf("AddReferences() error = %v, want ErrFileUnavailable", err)
		}
	})
}

func TestCatalog_TaskLeases(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	_, taskID := insertProvisional(t, c, "staging/a")
	expires := testNow.Add(time.Minute)

	update(t, c, func(tx drop.Tx) error {
		task, err := tx.NextClaimable(ctx, testNow)
		if err != nil {
			return err
		}
		if task == nil || task.ID != taskID {
			t.Fatalf("NextClaimable() = %+v, want task %d", task, taskID)
		}
		ok, err := tx.LeaseTask(ctx, taskID, "worker-1", testNow, expires)
		if !ok {
			t.Error("LeaseTask() = false, want true")
		}
		return err
	})

	task, _ := c.FindTask(ctx, taskID)
	if task.Status != drop.TaskProcessing || task.LeaseOwner != "worker-1" || task.Attempts != 1 {
		t.Errorf("leased task = %+v", task)
	}
	if !task.LeaseExpiresAt.Equal(expires) {
		t.Errorf("LeaseExpiresAt = %v, want %v", task.LeaseExpiresAt, expires)
	}

	update(t, c, func(tx drop.Tx) error {
		next, err := tx.NextClaimable(ctx, testNow.Add(30*time.Second))
		if next != nil {
			t.Errorf("NextClaimable() during live lease = %+v, want nil", next)
		}
		ok, _ := tx.LeaseTask(ctx, taskID, "worker-2", testNow.Add(30*time.Second), expires)
		if ok {
			t.Error("LeaseTask() stole a live lease")
		}
		return err
	})

	later := expires.Add(time.Second)
	update(t, c, func(tx drop.Tx) error {
		next, err := tx.NextClaimable(ctx, later)
		if err != nil {
			return err
		}
		if next == nil || next.ID != taskID {
			t.Fatalf("NextClaimable() after expiry = %+v, want task %d", next, taskID)
		}
		ok, err := tx.LeaseTask(ctx, taskID, "worker-2", later, later.Add(time.Minute))
		if !ok {
			t.Error("LeaseTask() after expiry = false, want true")
		}
		return err
	})

	task, _ = c.FindTask(ctx, taskID)
	if task.LeaseOwner != "worker-2" || task.Attempts != 2 {
		t.Errorf("re-leased task owner = %q attempts = %d", task.LeaseOwner, task.Attempts)
	}

	update(t, c, func(tx drop.Tx) error {
		return tx.FinishTask(ctx, taskID, drop.TaskCompleted, task.FileID, "", later)
	})
	task, _ = c.FindTask(ctx, taskID)
	if task.Status != drop.TaskCompleted || task.LeaseOwner != "" || !task.LeaseExpiresAt.IsZero() {
		t.Errorf("finished task = %+v", task)
	}
	if !task.CompletedAt.Equal(later) || task.ResolvedFileID != task.FileID {
		t.Errorf("CompletedAt = %v ResolvedFileID = %d", task.CompletedAt, task.ResolvedFileID)
	}

	byFile, err := c.FindTaskForFile(ctx, task.FileID)
	if err != nil || byFile == nil || byFile.ID != taskID {
		t.Errorf("FindTaskForFile() = %+v, %v", byFile, err)
	}
}

func TestCatalog_Messages(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	a, _ := insertProvisional(t, c, "staging/a")
	b, _ := insertProvisional(t, c, "staging/b")

	var msgID int64
	update(t, c, func(tx drop.Tx) error {
		var err error
		msgID, err = tx.InsertMessage(ctx, &drop.Message{
			Kind: drop.KindFile, Content: "a.txt", FileID: a, DeviceID: "laptop", ContentSize: 5, CreatedAt: testNow,
		})
		return err
	})

	update(t, c, func(tx drop.Tx) error {
		n, err := tx.RepointMessages(ctx, a, b)
		if n != 1 {
			t.Errorf("RepointMessages() = %d, want 1", n)
		}
		return err
	})

	m, err := c.FindMessage(ctx, msgID)
	if err != nil {
		t.Fatalf("FindMessage() error = %v", err)
	}
	if m.FileID != b || m.Kind != drop.KindFile || m.DeviceID != "laptop" {
		t.Errorf("message = %+v", m)
	}

	for i, want := range []bool{true, false} {
		update(t, c, func(tx drop.Tx) error {
			ok, err := tx.SoftDeleteMessage(ctx, msgID)
			if ok != want {
				t.Errorf("SoftDeleteMessage() call %d = %v, want %v", i, ok, want)
			}
			return err
		})
	}

	update(t, c, func(tx drop.Tx) error { return tx.DeleteFile(ctx, b) })
	m, _ = c.FindMessage(ctx, msgID)
	if m.FileID != 0 {
		t.Errorf("FileID after file row deleted = %d, want 0", m.FileID)
	}
}

func TestCatalog_ListReclaimable(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	tomb, _ := insertProvisional(t, c, "staging/tomb")
	failed, _ := insertProvisional(t, c, "staging/failed")
	pendingTomb, _ := insertProvisional(t, c, "staging/pending")
	insertProvisional(t, c, "staging/live")

	update(t, c, func(tx drop.Tx) error {
		if err := tx.CompleteFile(ctx, tomb, "abcd1234", "content/ab/cd1234", "", testNow); err != nil {
			return err
		}
		if _, err := tx.ReleaseReference(ctx, tomb, testNow); err != nil {
			return err
		}
		if _, err := tx.ReleaseReference(ctx, pendingTomb, testNow); err != nil {
			return err
		}
		return tx.SetHashStatus(ctx, failed, drop.HashFailed, testNow)
	})

	got, err := c.ListReclaimable(ctx, testNow, 10)
	if err != nil {
		t.Fatalf("ListReclaimable() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != tomb {
		t.Errorf("ListReclaimable(now) = %v, want only file %d", ids(got), tomb)
	}

	got, _ = c.ListReclaimable(ctx, testNow.Add(time.Hour), 10)
	if len(got) != 2 {
		t.Errorf("ListReclaimable(after retention) = %v, want files %d and %d", ids(got), tomb, failed)
	}

	update(t, c, func(tx drop.Tx) error { return tx.ClearLocation(ctx, tomb, testNow) })
	got, _ = c.ListReclaimable(ctx, testNow, 10)
	if len(got) != 0 {
		t.Errorf("ListReclaimable() after ClearLocation = %v, want none", ids(got))
	}
}

func ids(files []*drop.File) []int64 {
	out := make([]int64, len(files))
	for i, f := range files {
		out[i] = f.ID
	}
	return out
}

func TestCatalog_LocationShared(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	a, _ := insertProvisional(t, c, "staging/a")

	shared, err := c.reader().LocationShared(ctx, "staging/a", a)
	if err != nil {
		t.Fatalf("LocationShared() error = %v", err)
	}
	if shared {
		t.Error("LocationShared() excluding owner = true, want false")
	}

	referenced, err := c.LocationReferenced(ctx, "staging/a")
	if err != nil || !referenced {
		t.Errorf("LocationReferenced() = %v, %v; want true", referenced, err)
	}
	referenced, _ = c.LocationReferenced(ctx, "staging/zzz")
	if referenced {
		t.Error("LocationReferenced() for unknown location = true")
	}
}

func TestCatalog_Stats(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	a, _ := insertProvisional(t, c, "staging/a")
	insertProvisional(t, c, "staging/b")
	update(t, c, func(tx drop.Tx) error {
		if err := tx.CompleteFile(ctx, a, "abcd1234", "content/ab/cd1234", "", testNow); err != nil {
			return err
		}
		for i := 0; i < 2; i++ {
			if _, err := tx.InsertMessage(ctx, &drop.Message{
				Kind: drop.KindFile, Content: "a.txt", FileID: a, ContentSize: 5, CreatedAt: testNow,
			}); err != nil {
				return err
			}
		}
		_, err := tx.InsertMessage(ctx, &drop.Message{Kind: drop.KindText, Content: "hi", ContentSize: 2, CreatedAt: testNow})
		return err
	})

	s, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if s.FilesByStatus[drop.HashCompleted] != 1 || s.FilesByStatus[drop.HashPending] != 1 {
		t.Errorf("FilesByStatus = %v", s.FilesByStatus)
	}
	if s.TasksByStatus[drop.TaskPending] != 2 {
		t.Errorf("TasksByStatus = %v", s.TasksByStatus)
	}
	if s.Messages != 3 {
		t.Errorf("Messages = %d, want 3", s.Messages)
	}
	if s.LogicalBytes != 10 || s.PhysicalBytes != 5 {
		t.Errorf("LogicalBytes = %d PhysicalBytes = %d, want 10 and 5", s.LogicalBytes, s.PhysicalBytes)
	}
	if s.SavedBytes() != 5 {
		t.Errorf("SavedBytes() = %d, want 5", s.SavedBytes())
	}
}

func TestCatalog_UpdateRollsBack(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	boom := errors.New("boom")

	var id int64
	err := c.Update(ctx, func(tx drop.Tx) error {
		var err error
		id, err = tx.InsertFile(ctx, &drop.File{
			Location: "staging/x", ReferenceCount: 1, HashStatus: drop.HashPending,
			CreatedAt: testNow, UpdatedAt: testNow,
		})
		if err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want %v", err, boom)
	}
	if f, _ := c.FindFile(ctx, id); f != nil {
		t.Errorf("file %d persisted after rollback", id)
	}
}

func TestCatalog_BackupTo(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c, err := NewSQLiteCatalog(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("NewSQLiteCatalog() error = %v", err)
	}
	defer c.Close()
	if err := c.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	id, _ := insertProvisional(t, c, "staging/a")

	dest := filepath.Join(dir, "backup.db")
	if err := c.BackupTo(ctx, dest); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("backup not written: %v", err)
	}

	restored, err := NewSQLiteCatalog(dest)
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	defer restored.Close()
	if err := restored.CheckMigrations(); err != nil {
		t.Errorf("backup CheckMigrations() error = %v", err)
	}
	if f, _ := restored.FindFile(ctx, id); f == nil {
		t.Error("backup is missing file row")
	}
}

func TestDialect_Rebind(t *testing.T) {
	q := "SELECT a FROM t WHERE b = ? AND c = ?"
	if got := sqliteDialect.rebind(q); got != q {
		t.Errorf("sqlite rebind = %q", got)
	}
	if got, want := postgresDialect.rebind(q), "SELECT a FROM t WHERE b = $1 AND c = $2"; got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
}

// TestPostgresCatalog runs the lease and conflict paths against a live
// server when DROP_TEST_POSTGRES_DSN is set.
func TestPostgresCatalog(t *testing.T) {
	dsn := os.Getenv("DROP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DROP_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	c, err := NewPostgresCatalog(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresCatalog() error = %v", err)
	}
	defer c.Close()
	if err := c.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	digest := "pg" + time.Now().Format("20060102150405.000000000")
	a, _ := insertProvisional(t, c, "staging/pg-a-"+digest)
	b, _ := insertProvisional(t, c, "staging/pg-b-"+digest)

	update(t, c, func(tx drop.Tx) error {
		if err := tx.LockDigest(ctx, digest); err != nil {
			return err
		}
		return tx.CompleteFile(ctx, a, digest, "content/"+digest, "", testNow)
	})
	err = c.Update(ctx, func(tx drop.Tx) error {
		return tx.CompleteFile(ctx, b, digest, "content/"+digest, "", testNow)
	})
	if !errors.Is(err, drop.ErrConflict) {
		t.Errorf("CompleteFile() error = %v, want ErrConflict", err)
	}
}
