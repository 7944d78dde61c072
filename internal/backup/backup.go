// Package backup ships point-in-time catalog snapshots to a target.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"drop-go/internal/drop"
)

// Target stores catalog snapshots by name.
type Target interface {
	// Put stores a snapshot. size is the number of bytes that will be read from r.
	Put(ctx context.Context, name string, r io.Reader, size int64) error

	// Get writes a stored snapshot to w.
	Get(ctx context.Context, name string, w io.Writer) error

	// List returns stored snapshots, oldest first.
	List(ctx context.Context) ([]Snapshot, error)

	// ValidateSetup verifies that the target is accessible.
	ValidateSetup(ctx context.Context) error
}

// Snapshot describes one stored catalog copy.
type Snapshot struct {
	Name       string
	Size       int64
	ModifiedAt time.Time
}

// Snapshotter writes a consistent copy of a catalog to a local path.
type Snapshotter interface {
	BackupTo(ctx context.Context, destPath string) error
}

// Run snapshots the catalog into a temporary file and uploads it to target.
func Run(ctx context.Context, catalog Snapshotter, target Target, clock drop.Clock, logger drop.Logger) (*Snapshot, error) {
	tmpDir, err := os.MkdirTemp("", "drop-backup-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	now := clock.Now()
	name := SnapshotName(now)
	local := filepath.Join(tmpDir, name)
	if err := catalog.BackupTo(ctx, local); err != nil {
		return nil, err
	}

	f, err := os.Open(local)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}

	if err := target.Put(ctx, name, f, info.Size()); err != nil {
		return nil, fmt.Errorf("uploading snapshot %s: %w", name, err)
	}

	logger.Info("catalog backed up", "name", name, "size", info.Size())
	return &Snapshot{Name: name, Size: info.Size(), ModifiedAt: now}, nil
}

// SnapshotName names a snapshot taken at t. Names sort chronologically.
func SnapshotName(t time.Time) string {
	return "catalog-" + t.UTC().Format("20060102T150405Z") + ".db"
}
