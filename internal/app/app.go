package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"drop-go/internal/backup"
	"drop-go/internal/config"
	"drop-go/internal/contentstore"
	"drop-go/internal/database"
	"drop-go/internal/database/migrations"
	"drop-go/internal/drop"
	"drop-go/internal/fs"
	"drop-go/internal/hashing"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// feedBuffer is the per-subscriber event buffer of the change feed.
const feedBuffer = 256

// DropApp is the application layer between the CLI and the drop engine.
// It constructs all dependencies from config, exposes operations that accept
// raw CLI arguments, and releases resources on Close.
type DropApp struct {
	cfg         *config.Config
	catalog     *database.Catalog
	store       drop.ContentStore
	feed        *drop.Feed
	coordinator *drop.Coordinator
	pool        *drop.WorkerPool
	reclaimer   *drop.Reclaimer
	collector   *fs.Collector
	target      backup.Target
	clock       drop.Clock
	logger      drop.Logger
	op          *Operation
	logFile     *os.File
}

// NewDropApp creates a fully wired DropApp from cfg. operation names the
// CLI command being run and tags its log lines. The caller must call Close.
func NewDropApp(ctx context.Context, cfg *config.Config, operation, parameters string) (*DropApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clock := drop.SystemClock{}
	ids := drop.UUIDGenerator{}
	op := NewOperation(operation, parameters, ids, clock)

	var mirror io.Writer
	if term.IsTerminal(int(os.Stderr.Fd())) {
		mirror = os.Stderr
	}
	logger, logFile, err := newLogger(cfg.LogDir, op.ID, mirror)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	a, err := newDropApp(ctx, cfg, &slogAdapter{l: logger}, clock, ids, op)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	a.logFile = logFile
	return a, nil
}

func newDropApp(ctx context.Context, cfg *config.Config, logger drop.Logger, clock drop.Clock, ids drop.IDGenerator, op *Operation) (*DropApp, error) {
	store, err := contentstore.NewStoreFromConfig(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("creating content store: %w", err)
	}

	hasher, err := hashing.NewHasherFromConfig(cfg.Hashing)
	if err != nil {
		return nil, fmt.Errorf("creating hasher: %w", err)
	}

	target, err := backup.NewTargetFromConfig(ctx, cfg.Backup, clock)
	if err != nil {
		return nil, fmt.Errorf("creating backup target: %w", err)
	}

	catalog, err := database.NewCatalogFromConfig(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	feed := drop.NewFeed(feedBuffer)
	signal := drop.NewSignal()

	copts := drop.DefaultCoordinatorOptions()
	if cfg.Hashing.MaxAttempts > 0 {
		copts.MaxAttempts = cfg.Hashing.MaxAttempts
	}
	coordinator := drop.NewCoordinator(catalog, store, feed, signal, clock, logger, copts)

	popts := drop.DefaultPoolOptions()
	if cfg.Hashing.Workers > 0 {
		popts.Workers = cfg.Hashing.Workers
	}
	if d := cfg.Hashing.LeaseTimeout.Duration; d > 0 {
		popts.LeaseTimeout = d
	}
	if d := cfg.Hashing.IdleBackoff.Duration; d > 0 {
		popts.IdleBackoff = d
	}
	pool := drop.NewWorkerPool(catalog, store, hasher, coordinator, signal, clock, ids, logger, popts)

	ropts := drop.DefaultReclaimerOptions()
	if d := cfg.Reclaim.Interval.Duration; d > 0 {
		ropts.Interval = d
	}
	ropts.FailedRetention = cfg.Reclaim.FailedRetention.Duration
	ropts.KeepMarkers = cfg.Reclaim.KeepMarkers
	if cfg.Reclaim.BatchSize > 0 {
		ropts.BatchSize = cfg.Reclaim.BatchSize
	}
	reclaimer := drop.NewReclaimer(catalog, store, feed, clock, logger, ropts)

	logger.Debug("operation started", "operation", op.Name, "parameters", op.Parameters)

	return &DropApp{
		cfg:         cfg,
		catalog:     catalog,
		store:       store,
		feed:        feed,
		coordinator: coordinator,
		pool:        pool,
		reclaimer:   reclaimer,
		collector:   fs.NewCollector(cfg.Filesystem.Ignore),
		target:      target,
		clock:       clock,
		logger:      logger,
		op:          op,
	}, nil
}

// track marks the operation failed when err is non-nil and returns err.
func (a *DropApp) track(err error) error {
	if err != nil {
		a.op.Fail()
	}
	return err
}

// UploadResult is the outcome of uploading one local file.
type UploadResult struct {
	Path    string
	Receipt *drop.UploadReceipt
	Err     error
}

// Upload accepts the file at rawPath, or every file in the directory at
// rawPath. Per-file failures are reported in the results and do not stop
// the remaining uploads.
func (a *DropApp) Upload(ctx context.Context, rawPath string, recursive bool, deviceID string) ([]UploadResult, error) {
	candidates, err := a.collector.Collect(rawPath, recursive)
	if err != nil {
		return nil, a.track(fmt.Errorf("collecting files: %w", err))
	}

	results := make([]UploadResult, 0, len(candidates))
	var failed bool
	for _, c := range candidates {
		receipt, err := a.uploadOne(ctx, c, deviceID)
		if err != nil {
			a.logger.Warn("upload failed", "path", c.Path, "error", err)
			failed = true
		}
		results = append(results, UploadResult{Path: c.Path, Receipt: receipt, Err: err})
	}
	if failed {
		a.op.Fail()
	}
	return results, nil
}

func (a *DropApp) uploadOne(ctx context.Context, c fs.Candidate, deviceID string) (*drop.UploadReceipt, error) {
	f, err := fs.OpenStable(c.Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", c.Path, err)
	}
	defer f.Close()
	return a.coordinator.AcceptUpload(ctx, f, c.Name(), deviceID)
}

// Text records a text message.
func (a *DropApp) Text(ctx context.Context, content, deviceID string) (*drop.Message, error) {
	m, err := a.coordinator.AcceptText(ctx, content, deviceID)
	return m, a.track(err)
}

// Attach records a new message referencing an existing file.
func (a *DropApp) Attach(ctx context.Context, fileID int64, filename, deviceID string) (*drop.Message, error) {
	m, err := a.coordinator.AttachFile(ctx, fileID, filename, deviceID)
	return m, a.track(err)
}

// Delete soft-deletes a message and releases its file reference.
func (a *DropApp) Delete(ctx context.Context, messageID int64) (*drop.Message, error) {
	m, err := a.coordinator.DeleteMessage(ctx, messageID)
	return m, a.track(err)
}

// File returns a file, following merges of provisional files.
func (a *DropApp) File(ctx context.Context, id int64) (*drop.File, error) {
	f, err := a.coordinator.FindFile(ctx, id)
	return f, a.track(err)
}

// Message returns a message by id.
func (a *DropApp) Message(ctx context.Context, id int64) (*drop.Message, error) {
	m, err := a.coordinator.FindMessage(ctx, id)
	return m, a.track(err)
}

// Download copies the content of a completed file to w.
func (a *DropApp) Download(ctx context.Context, fileID int64, w io.Writer) (*drop.File, error) {
	rc, f, err := a.coordinator.OpenContent(ctx, fileID)
	if err != nil {
		return nil, a.track(err)
	}
	defer rc.Close()
	if _, err := io.Copy(w, rc); err != nil {
		return nil, a.track(fmt.Errorf("copying content: %w", err))
	}
	return f, nil
}

// HashNext processes at most one hashing task. It returns (nil, nil) when
// the queue is empty.
func (a *DropApp) HashNext(ctx context.Context) (*drop.Resolution, error) {
	res, err := a.pool.RunOnce(ctx)
	return res, a.track(err)
}

// HashAll processes tasks until none are claimable.
func (a *DropApp) HashAll(ctx context.Context) ([]*drop.Resolution, error) {
	res, err := a.pool.Drain(ctx)
	return res, a.track(err)
}

// Sweep runs one reclamation sweep.
func (a *DropApp) Sweep(ctx context.Context) (*drop.SweepReport, error) {
	report, err := a.reclaimer.Sweep(ctx)
	return report, a.track(err)
}

// Recover runs the crash recovery pass.
func (a *DropApp) Recover(ctx context.Context) (*drop.RecoveryReport, error) {
	report, err := a.coordinator.Recover(ctx, a.cfg.Reclaim.OrphanGrace.Duration)
	return report, a.track(err)
}

// Stats summarizes the catalog.
func (a *DropApp) Stats(ctx context.Context) (*drop.Stats, error) {
	s, err := a.coordinator.Stats(ctx)
	return s, a.track(err)
}

// Serve recovers from any previous crash, then runs the hash workers and the
// periodic sweep until ctx is cancelled. Change feed events are logged.
func (a *DropApp) Serve(ctx context.Context) error {
	if _, err := a.Recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	events, unsubscribe := a.feed.Subscribe()
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pool.Run(ctx) })
	g.Go(func() error { return a.reclaimer.Run(ctx) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.logEvent(e)
			}
		}
	})
	return a.track(g.Wait())
}

func (a *DropApp) logEvent(e drop.Event) {
	switch e.Kind {
	case drop.EventFileResolved:
		a.logger.Info("feed", "event", e.Kind, "file_id", e.FileID, "canonical_id", e.CanonicalID, "outcome", e.Outcome, "digest", e.Digest)
	default:
		a.logger.Info("feed", "event", e.Kind, "file_id", e.FileID)
	}
}

// ErrBackupDisabled is returned by backup operations when no target is configured.
var ErrBackupDisabled = errors.New("catalog backups are disabled")

// Backup snapshots the catalog to the configured target.
func (a *DropApp) Backup(ctx context.Context) (*backup.Snapshot, error) {
	if a.target == nil {
		return nil, a.track(ErrBackupDisabled)
	}
	snap, err := backup.Run(ctx, a.catalog, a.target, a.clock, a.logger)
	return snap, a.track(err)
}

// Backups lists stored catalog snapshots.
func (a *DropApp) Backups(ctx context.Context) ([]backup.Snapshot, error) {
	if a.target == nil {
		return nil, a.track(ErrBackupDisabled)
	}
	list, err := a.target.List(ctx)
	return list, a.track(err)
}

// Migrate applies pending schema migrations and returns the schema version.
func (a *DropApp) Migrate() (uint, error) {
	if err := a.catalog.Migrate(); err != nil {
		return 0, a.track(err)
	}
	if err := a.catalog.CheckMigrations(); err != nil {
		return 0, a.track(err)
	}
	v, err := migrations.LatestVersion(a.catalog.Dialect())
	return v, a.track(err)
}

// Close logs the operation outcome and releases the catalog and log file.
func (a *DropApp) Close() error {
	a.logger.Info("operation finished",
		"operation", a.op.Name,
		"status", a.op.Status,
		"elapsed", a.op.Elapsed(a.clock),
	)

	var err error
	if cerr := a.catalog.Close(); cerr != nil {
		err = fmt.Errorf("closing catalog: %w", cerr)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return err
}
