package drop

import (
	"context"
	"fmt"
	"time"
)

// RecoveryReport summarizes a recovery pass.
type RecoveryReport struct {
	Placed          int
	PlacementFailed int
	OrphansRemoved  int
}

// Recover repairs state left behind by a crash. Live completed files whose
// placement was never confirmed are placed again, and staging entries older
// than orphanGrace that no file row references are discarded.
func (c *Coordinator) Recover(ctx context.Context, orphanGrace time.Duration) (*RecoveryReport, error) {
	report := &RecoveryReport{}

	unplaced, err := c.catalog.ListUnplaced(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing unplaced files: %w", err)
	}
	for _, f := range unplaced {
		if f.Tombstone {
			continue
		}
		if err := c.place(ctx, f.ID, f.StagingPath, f.Digest); err != nil {
			report.PlacementFailed++
			continue
		}
		report.Placed++
	}

	staged, err := c.store.ListStaged(ctx)
	if err != nil {
		return report, fmt.Errorf("listing staging area: %w", err)
	}
	cutoff := c.clock.Now().Add(-orphanGrace)
	for _, entry := range staged {
		if entry.ModifiedAt.After(cutoff) {
			continue
		}
		referenced, err := c.catalog.LocationReferenced(ctx, entry.Location)
		if err != nil {
			return report, fmt.Errorf("checking %s: %w", entry.Location, err)
		}
		if referenced {
			continue
		}
		if err := c.store.Discard(ctx, entry.Location); err != nil {
			c.logger.Warn("discarding orphaned staging entry failed", "location", entry.Location, "error", err)
			continue
		}
		report.OrphansRemoved++
	}

	c.logger.Info("recovery finished",
		"placed", report.Placed,
		"placement_failed", report.PlacementFailed,
		"orphans_removed", report.OrphansRemoved,
	)
	return report, nil
}
