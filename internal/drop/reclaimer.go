package drop

import (
	"context"
	"fmt"
	"time"
)

// ReclaimerOptions controls the sweep.
type ReclaimerOptions struct {
	// Interval between sweeps when running periodically.
	Interval time.Duration

	// FailedRetention is how long the bytes of a failed file are kept for
	// diagnosis before the sweep discards them.
	FailedRetention time.Duration

	// KeepMarkers keeps reclaimed tombstoned rows with an empty location
	// instead of deleting them.
	KeepMarkers bool

	// BatchSize caps how many rows one sweep visits.
	BatchSize int
}

// DefaultReclaimerOptions returns the options used when none are configured.
func DefaultReclaimerOptions() ReclaimerOptions {
	return ReclaimerOptions{
		Interval:        24 * time.Hour,
		FailedRetention: 7 * 24 * time.Hour,
		BatchSize:       500,
	}
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Visited   int
	Reclaimed int // files whose row was deleted or reduced to a marker
	Expired   int // failed files whose bytes were discarded after retention
	Shared    int // discards skipped because another row holds the location
	Skipped   int // rows no longer eligible when re-checked
	Errors    []error
}

// Reclaimer releases references and physically removes unreferenced content.
type Reclaimer struct {
	catalog Catalog
	store   ContentStore
	feed    *Feed
	clock   Clock
	logger  Logger
	opts    ReclaimerOptions
}

// NewReclaimer creates a Reclaimer. feed may be nil.
func NewReclaimer(catalog Catalog, store ContentStore, feed *Feed, clock Clock, logger Logger, opts ReclaimerOptions) *Reclaimer {
	defaults := DefaultReclaimerOptions()
	if opts.Interval <= 0 {
		opts.Interval = defaults.Interval
	}
	if opts.FailedRetention <= 0 {
		opts.FailedRetention = defaults.FailedRetention
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	return &Reclaimer{
		catalog: catalog,
		store:   store,
		feed:    feed,
		clock:   clock,
		logger:  logger,
		opts:    opts,
	}
}

// ReleaseReference drops one reference from a file, tombstoning it when the
// count reaches zero. It returns ErrNotFound if the file has no reference
// left to release.
func (r *Reclaimer) ReleaseReference(ctx context.Context, fileID int64) (*File, error) {
	var f *File
	err := r.catalog.Update(ctx, func(tx Tx) error {
		var err error
		f, err = releaseReference(ctx, tx, fileID, r.clock.Now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("releasing reference on file %d: %w", fileID, err)
	}
	return f, nil
}

func releaseReference(ctx context.Context, tx Tx, fileID int64, now time.Time) (*File, error) {
	ok, err := tx.ReleaseReference(ctx, fileID, now)
	if err != nil {
		return nil, fmt.Errorf("decrementing reference count: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("file %d: %w", fileID, ErrNotFound)
	}
	f, err := tx.FindFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("finding file: %w", err)
	}
	return f, nil
}

// Run sweeps once immediately and then every Interval until ctx is
// cancelled.
func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		r.sweepAndLog(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reclaimer) sweepAndLog(ctx context.Context) {
	report, err := r.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("sweep failed", "error", err)
		}
		return
	}
	if report.Visited > 0 {
		r.logger.Info("sweep finished",
			"visited", report.Visited,
			"reclaimed", report.Reclaimed,
			"expired", report.Expired,
			"errors", len(report.Errors),
		)
	}
}

// Sweep visits tombstoned files whose bytes are still present and failed
// files past their retention window, each under its own transaction. It is
// idempotent and safe to run concurrently with itself.
func (r *Reclaimer) Sweep(ctx context.Context) (*SweepReport, error) {
	failedBefore := r.clock.Now().Add(-r.opts.FailedRetention)
	candidates, err := r.catalog.ListReclaimable(ctx, failedBefore, r.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("listing reclaimable files: %w", err)
	}

	report := &SweepReport{}
	for _, c := range candidates {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Visited++
		if err := r.reclaim(ctx, c.ID, failedBefore, report); err != nil {
			r.logger.Warn("reclaiming file failed", "file_id", c.ID, "error", err)
			report.Errors = append(report.Errors, fmt.Errorf("file %d: %w", c.ID, err))
		}
	}
	return report, nil
}

// reclaim re-checks one file and removes its bytes. Discards run while the
// transaction holds the digest lock, so a concurrent promotion of the same
// digest either sees this row or commits after the bytes are gone and places
// its own copy.
func (r *Reclaimer) reclaim(ctx context.Context, fileID int64, failedBefore time.Time, report *SweepReport) error {
	var reclaimed, expired, shared bool
	now := r.clock.Now()
	err := r.catalog.Update(ctx, func(tx Tx) error {
		reclaimed, expired, shared = false, false, false

		f, err := tx.FindFile(ctx, fileID)
		if err != nil {
			return fmt.Errorf("finding file: %w", err)
		}
		if f == nil || !reclaimable(f, failedBefore) {
			return nil
		}

		if f.Digest != "" {
			if err := tx.LockDigest(ctx, f.Digest); err != nil {
				return fmt.Errorf("locking digest: %w", err)
			}
		}

		for _, loc := range locationsOf(f) {
			inUse, err := tx.LocationShared(ctx, loc, f.ID)
			if err != nil {
				return fmt.Errorf("checking shared location: %w", err)
			}
			if inUse {
				shared = true
				continue
			}
			// A failed commit leaves the row in place and the next sweep
			// repeats an idempotent discard.
			if err := r.store.Discard(ctx, loc); err != nil {
				return fmt.Errorf("discarding %s: %w", loc, err)
			}
		}

		if f.Tombstone && !r.opts.KeepMarkers {
			if err := tx.DeleteFile(ctx, f.ID); err != nil {
				return fmt.Errorf("deleting file row: %w", err)
			}
		} else if err := tx.ClearLocation(ctx, f.ID, now); err != nil {
			return fmt.Errorf("clearing location: %w", err)
		}

		if f.Tombstone {
			reclaimed = true
		} else {
			expired = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	if shared {
		report.Shared++
	}
	switch {
	case reclaimed:
		report.Reclaimed++
		r.logger.Info("file reclaimed", "file_id", fileID, "marker", r.opts.KeepMarkers)
		r.feed.Publish(Event{Kind: EventFileReclaimed, FileID: fileID, At: now})
	case expired:
		report.Expired++
		r.logger.Info("failed file expired", "file_id", fileID)
	default:
		report.Skipped++
	}
	return nil
}

func reclaimable(f *File, failedBefore time.Time) bool {
	if f.Location == "" {
		return false
	}
	if f.Tombstone {
		return f.ReferenceCount == 0 && (f.HashStatus == HashCompleted || f.HashStatus == HashFailed)
	}
	return f.HashStatus == HashFailed && f.UpdatedAt.Before(failedBefore)
}

// locationsOf lists staging before the permanent location, so a placement
// racing the sweep either finds no source or has its copy discarded.
func locationsOf(f *File) []string {
	var locs []string
	if f.StagingPath != "" && f.StagingPath != f.Location {
		locs = append(locs, f.StagingPath)
	}
	return append(locs, f.Location)
}
