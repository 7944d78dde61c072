package drop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Signal wakes idle workers when new work is committed. A nil *Signal is
// valid and never fires.
type Signal struct {
	ch chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Notify wakes one idle worker, or records a pending wake-up.
func (s *Signal) Notify() {
	if s == nil {
		return
	}
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C returns the channel that receives wake-ups.
func (s *Signal) C() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.ch
}

// PoolOptions sizes and paces the hash worker pool.
type PoolOptions struct {
	Workers      int
	LeaseTimeout time.Duration
	IdleBackoff  time.Duration
}

// DefaultPoolOptions returns the options used when none are configured.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		Workers:      2,
		LeaseTimeout: 5 * time.Minute,
		IdleBackoff:  2 * time.Second,
	}
}

// WorkerPool leases hashing tasks from the catalog, hashes the staged bytes
// and hands the result to the coordinator.
type WorkerPool struct {
	catalog     Catalog
	store       ContentStore
	hasher      Hasher
	coordinator *Coordinator
	signal      *Signal
	clock       Clock
	ids         IDGenerator
	logger      Logger
	opts        PoolOptions
}

// NewWorkerPool creates a WorkerPool. signal may be nil.
func NewWorkerPool(catalog Catalog, store ContentStore, hasher Hasher, coordinator *Coordinator, signal *Signal, clock Clock, ids IDGenerator, logger Logger, opts PoolOptions) *WorkerPool {
	defaults := DefaultPoolOptions()
	if opts.Workers < 1 {
		opts.Workers = defaults.Workers
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = defaults.LeaseTimeout
	}
	if opts.IdleBackoff <= 0 {
		opts.IdleBackoff = defaults.IdleBackoff
	}
	return &WorkerPool{
		catalog:     catalog,
		store:       store,
		hasher:      hasher,
		coordinator: coordinator,
		signal:      signal,
		clock:       clock,
		ids:         ids,
		logger:      logger,
		opts:        opts,
	}
}

// Run starts the workers and blocks until ctx is cancelled. A worker never
// abandons a task it has leased because of a failed resolution; the lease
// simply expires and another worker picks the task up.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		owner := p.ids.New()
		g.Go(func() error {
			return p.loop(ctx, owner)
		})
	}
	p.logger.Info("hash workers started", "workers", p.opts.Workers, "algorithm", p.hasher.Algorithm())
	return g.Wait()
}

func (p *WorkerPool) loop(ctx context.Context, owner string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		res, err := p.runOnce(ctx, owner)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("hash worker iteration failed", "worker", owner, "error", err)
		}
		if res != nil {
			continue
		}

		timer := time.NewTimer(p.opts.IdleBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-p.signal.C():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// RunOnce claims and processes at most one task with a fresh lease owner.
// It returns (nil, nil) when no task is available.
func (p *WorkerPool) RunOnce(ctx context.Context) (*Resolution, error) {
	return p.runOnce(ctx, p.ids.New())
}

// Drain processes tasks until none are claimable and returns every resolution.
func (p *WorkerPool) Drain(ctx context.Context) ([]*Resolution, error) {
	var out []*Resolution
	for {
		res, err := p.RunOnce(ctx)
		if err != nil {
			return out, err
		}
		if res == nil {
			return out, nil
		}
		out = append(out, res)
	}
}

func (p *WorkerPool) runOnce(ctx context.Context, owner string) (*Resolution, error) {
	lease, err := p.Claim(ctx, owner)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, nil
	}
	return p.Process(ctx, lease)
}

// Claim leases the oldest pending or lease-expired task for owner. It
// returns (nil, nil) when there is nothing to claim.
func (p *WorkerPool) Claim(ctx context.Context, owner string) (*Lease, error) {
	var lease *Lease
	now := p.clock.Now()
	expires := now.Add(p.opts.LeaseTimeout)
	err := p.catalog.Update(ctx, func(tx Tx) error {
		task, err := tx.NextClaimable(ctx, now)
		if err != nil {
			return fmt.Errorf("finding claimable task: %w", err)
		}
		if task == nil {
			return nil
		}

		ok, err := tx.LeaseTask(ctx, task.ID, owner, now, expires)
		if err != nil {
			return fmt.Errorf("leasing task %d: %w", task.ID, err)
		}
		if !ok {
			return nil
		}

		f, err := tx.FindFile(ctx, task.FileID)
		if err != nil {
			return fmt.Errorf("finding file: %w", err)
		}
		var location string
		if f != nil {
			location = stagingOf(f)
			if err := tx.SetHashStatus(ctx, f.ID, HashProcessing, now); err != nil {
				return fmt.Errorf("marking file processing: %w", err)
			}
		}

		lease = &Lease{
			TaskID:    task.ID,
			FileID:    task.FileID,
			Owner:     owner,
			ExpiresAt: expires,
			Attempts:  task.Attempts + 1,
			Location:  location,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claiming task: %w", err)
	}
	if lease != nil {
		p.logger.Debug("task leased", "task_id", lease.TaskID, "file_id", lease.FileID, "worker", owner, "attempt", lease.Attempts)
	}
	return lease, nil
}

// Process hashes the staged bytes of a leased task and resolves it. No
// catalog transaction is open while hashing.
func (p *WorkerPool) Process(ctx context.Context, lease *Lease) (*Resolution, error) {
	digest, err := p.hash(ctx, lease)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	result := HashResult{Digest: digest, Err: err}
	if err != nil {
		p.logger.Warn("hashing failed", "task_id", lease.TaskID, "file_id", lease.FileID, "error", err)
	}
	return p.coordinator.Resolve(ctx, lease, result)
}

func (p *WorkerPool) hash(ctx context.Context, lease *Lease) (string, error) {
	if lease.Location == "" {
		return "", fmt.Errorf("file %d has no staged bytes: %w", lease.FileID, ErrCorruptInput)
	}
	rc, err := p.store.Open(ctx, lease.Location)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w: %w", lease.Location, ErrCorruptInput, err)
	}
	defer rc.Close()

	digest, err := p.hasher.Hash(ctx, rc)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("hashing %s: %w: %w", lease.Location, ErrCorruptInput, err)
	}
	return digest, nil
}
