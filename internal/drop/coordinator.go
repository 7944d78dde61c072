package drop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// CoordinatorOptions tunes resolution behaviour.
type CoordinatorOptions struct {
	// MaxAttempts is how many hashing attempts a file gets before a
	// failure becomes terminal. Values below 1 mean 1.
	MaxAttempts int

	// ConflictRetries bounds how often a resolution is re-run after losing
	// a canonical digest race.
	ConflictRetries uint64

	// PlacementRetries bounds how often placement is retried after commit
	// before it is left to the recovery pass.
	PlacementRetries uint64

	// RetryBase is the first backoff interval for both retry loops.
	RetryBase time.Duration
}

// DefaultCoordinatorOptions returns the options used when none are configured.
func DefaultCoordinatorOptions() CoordinatorOptions {
	return CoordinatorOptions{
		MaxAttempts:      1,
		ConflictRetries:  5,
		PlacementRetries: 3,
		RetryBase:        20 * time.Millisecond,
	}
}

// HashResult is what a worker hands to Resolve: a digest or the error that
// prevented computing one.
type HashResult struct {
	Digest string
	Err    error
}

// Resolution is the tagged outcome of resolving one provisional file.
type Resolution struct {
	Outcome Outcome

	// FileID is the provisional file that was resolved.
	FileID int64

	// CanonicalID is the file holding the content afterwards: FileID for
	// new content, the existing canonical file for duplicates, zero on failure.
	CanonicalID int64

	Digest string

	// Retry is set when a failed attempt was put back in the queue.
	Retry bool

	// Placed reports whether new content reached the permanent area.
	Placed bool

	// Merged counts messages repointed onto the canonical file.
	Merged int64

	Err string

	stagingPath string
	tombstoned  bool
}

// Coordinator accepts uploads and resolves provisional files once their
// digest is known.
type Coordinator struct {
	catalog Catalog
	store   ContentStore
	feed    *Feed
	signal  *Signal
	clock   Clock
	logger  Logger
	opts    CoordinatorOptions
}

// NewCoordinator creates a Coordinator. feed and signal may be nil.
func NewCoordinator(catalog Catalog, store ContentStore, feed *Feed, signal *Signal, clock Clock, logger Logger, opts CoordinatorOptions) *Coordinator {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultCoordinatorOptions().RetryBase
	}
	return &Coordinator{
		catalog: catalog,
		store:   store,
		feed:    feed,
		signal:  signal,
		clock:   clock,
		logger:  logger,
		opts:    opts,
	}
}

// AcceptUpload stages r and records a provisional file, its hashing task and
// the file message in one transaction. It returns without hashing. Only
// staging failures and catalog errors are reported.
func (c *Coordinator) AcceptUpload(ctx context.Context, r io.Reader, filename, deviceID string) (*UploadReceipt, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, fmt.Errorf("accepting upload: filename is required")
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("reading upload: %w: %w", ErrIOFailure, err)
	}
	head = head[:n]
	mimeType := DetectMIME(head, filename)
	category := CategoryOf(mimeType)

	staged, err := c.store.Stage(ctx, io.MultiReader(bytes.NewReader(head), r))
	if err != nil {
		return nil, fmt.Errorf("staging upload: %w", err)
	}

	now := c.clock.Now()
	receipt := &UploadReceipt{Size: staged.Size, MimeType: mimeType, Category: category}
	err = c.catalog.Update(ctx, func(tx Tx) error {
		fileID, err := tx.InsertFile(ctx, &File{
			Location:       staged.Location,
			StagingPath:    staged.Location,
			Category:       category,
			MimeType:       mimeType,
			Size:           staged.Size,
			ReferenceCount: 1,
			HashStatus:     HashPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if err != nil {
			return fmt.Errorf("inserting file: %w", err)
		}

		taskID, err := tx.InsertTask(ctx, &Task{
			FileID:    fileID,
			Status:    TaskPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("inserting task: %w", err)
		}

		msgID, err := tx.InsertMessage(ctx, &Message{
			Kind:        KindFile,
			Content:     filename,
			FileID:      fileID,
			DeviceID:    deviceID,
			ContentSize: staged.Size,
			CreatedAt:   now,
		})
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}

		receipt.FileID, receipt.TaskID, receipt.MessageID = fileID, taskID, msgID
		return nil
	})
	if err != nil {
		if derr := c.store.Discard(ctx, staged.Location); derr != nil {
			c.logger.Warn("discarding staged upload failed", "location", staged.Location, "error", derr)
		}
		return nil, fmt.Errorf("recording upload: %w", err)
	}

	c.logger.Info("upload accepted",
		"message_id", receipt.MessageID,
		"file_id", receipt.FileID,
		"size", receipt.Size,
		"mime", mimeType,
	)
	c.signal.Notify()
	return receipt, nil
}

// AcceptText records a text message.
func (c *Coordinator) AcceptText(ctx context.Context, content, deviceID string) (*Message, error) {
	if content == "" {
		return nil, fmt.Errorf("accepting text: content is required")
	}
	msg := &Message{
		Kind:        KindText,
		Content:     content,
		DeviceID:    deviceID,
		ContentSize: int64(len(content)),
		CreatedAt:   c.clock.Now(),
	}
	err := c.catalog.Update(ctx, func(tx Tx) error {
		id, err := tx.InsertMessage(ctx, msg)
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		msg.ID = id
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording text message: %w", err)
	}
	return msg, nil
}

// AttachFile creates a new file message referencing an existing file. A
// provisional id that has since been merged is followed to its canonical file.
func (c *Coordinator) AttachFile(ctx context.Context, fileID int64, filename, deviceID string) (*Message, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, fmt.Errorf("attaching file: filename is required")
	}

	var msg *Message
	now := c.clock.Now()
	err := c.catalog.Update(ctx, func(tx Tx) error {
		f, err := followMerges(ctx, tx, fileID)
		if err != nil {
			return err
		}
		if f == nil {
			return fmt.Errorf("file %d: %w", fileID, ErrNotFound)
		}
		if f.Tombstone || f.HashStatus == HashFailed {
			return fmt.Errorf("file %d: %w", f.ID, ErrFileUnavailable)
		}

		if err := tx.AddReferences(ctx, f.ID, 1, now); err != nil {
			return fmt.Errorf("adding reference: %w", err)
		}

		m := &Message{
			Kind:        KindFile,
			Content:     filename,
			FileID:      f.ID,
			DeviceID:    deviceID,
			ContentSize: f.Size,
			CreatedAt:   now,
		}
		id, err := tx.InsertMessage(ctx, m)
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		m.ID = id
		msg = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("attaching file %d: %w", fileID, err)
	}
	return msg, nil
}

// DeleteMessage soft-deletes a message. Deleting a file message releases its
// reference exactly once; deleting an already deleted message is a no-op.
func (c *Coordinator) DeleteMessage(ctx context.Context, messageID int64) (*Message, error) {
	var msg *Message
	var released *File
	now := c.clock.Now()
	err := c.catalog.Update(ctx, func(tx Tx) error {
		m, err := tx.FindMessage(ctx, messageID)
		if err != nil {
			return fmt.Errorf("finding message: %w", err)
		}
		if m == nil {
			return fmt.Errorf("message %d: %w", messageID, ErrNotFound)
		}
		msg = m
		if m.Deleted {
			return nil
		}

		changed, err := tx.SoftDeleteMessage(ctx, messageID)
		if err != nil {
			return fmt.Errorf("deleting message: %w", err)
		}
		if !changed {
			return nil
		}
		m.Deleted = true

		if m.Kind != KindFile || m.FileID == 0 {
			return nil
		}
		f, err := releaseReference(ctx, tx, m.FileID, now)
		if errors.Is(err, ErrNotFound) {
			c.logger.Warn("message referenced a file with no references left", "message_id", messageID, "file_id", m.FileID)
			return nil
		}
		if err != nil {
			return err
		}
		released = f
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("deleting message %d: %w", messageID, err)
	}

	if released != nil {
		c.logger.Info("reference released",
			"message_id", messageID,
			"file_id", released.ID,
			"refcount", released.ReferenceCount,
			"tombstone", released.Tombstone,
		)
	}
	return msg, nil
}

// Resolve applies a hash result to the task held by lease. It returns
// ErrLeaseLost, with nothing applied, if the lease no longer holds the task.
func (c *Coordinator) Resolve(ctx context.Context, lease *Lease, result HashResult) (*Resolution, error) {
	var res *Resolution
	backoff := retry.WithMaxRetries(c.opts.ConflictRetries, retry.NewExponential(c.opts.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := c.resolveTx(ctx, lease, result)
		if errors.Is(err, ErrConflict) {
			c.logger.Debug("lost canonical race, retrying lookup", "file_id", lease.FileID, "digest", result.Digest)
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolving task %d: %w", lease.TaskID, err)
	}

	switch res.Outcome {
	case OutcomeNew:
		if res.tombstoned {
			// The reclaimer discards the staged bytes.
			c.logger.Debug("skipping placement of released file", "file_id", res.FileID)
			break
		}
		if err := c.place(ctx, res.FileID, res.stagingPath, res.Digest); err == nil {
			res.Placed = true
		}
	case OutcomeDuplicate:
		if err := c.store.Discard(ctx, res.stagingPath); err != nil {
			c.logger.Warn("discarding merged upload failed", "location", res.stagingPath, "error", err)
		}
	}

	c.logger.Info("file resolved",
		"file_id", res.FileID,
		"canonical_id", res.CanonicalID,
		"outcome", string(res.Outcome),
		"digest", res.Digest,
		"retry", res.Retry,
	)
	if !res.Retry {
		c.feed.Publish(Event{
			Kind:        EventFileResolved,
			FileID:      res.FileID,
			CanonicalID: res.CanonicalID,
			Digest:      res.Digest,
			Outcome:     res.Outcome,
			At:          c.clock.Now(),
		})
	}
	return res, nil
}

func (c *Coordinator) resolveTx(ctx context.Context, lease *Lease, result HashResult) (*Resolution, error) {
	var res *Resolution
	now := c.clock.Now()
	err := c.catalog.Update(ctx, func(tx Tx) error {
		task, err := tx.FindTask(ctx, lease.TaskID)
		if err != nil {
			return fmt.Errorf("finding task: %w", err)
		}
		if task == nil || task.Status != TaskProcessing || task.LeaseOwner != lease.Owner {
			return ErrLeaseLost
		}

		f, err := tx.FindFile(ctx, task.FileID)
		if err != nil {
			return fmt.Errorf("finding file: %w", err)
		}
		if f == nil {
			if err := tx.FinishTask(ctx, task.ID, TaskFailed, 0, "file row missing", now); err != nil {
				return fmt.Errorf("failing task: %w", err)
			}
			res = &Resolution{Outcome: OutcomeFailed, FileID: task.FileID, Err: "file row missing"}
			return nil
		}

		if result.Err != nil {
			res, err = c.failTx(ctx, tx, task, f, result.Err, now)
			return err
		}

		if err := tx.LockDigest(ctx, result.Digest); err != nil {
			return fmt.Errorf("locking digest: %w", err)
		}
		canon, err := tx.FindCanonical(ctx, result.Digest, f.ID)
		if err != nil {
			return fmt.Errorf("looking up canonical file: %w", err)
		}
		if canon == nil {
			res, err = c.promoteTx(ctx, tx, task, f, result.Digest, now)
		} else {
			res, err = c.mergeTx(ctx, tx, task, f, canon, result.Digest, now)
		}
		return err
	})
	return res, err
}

// promoteTx makes f the canonical file for digest.
func (c *Coordinator) promoteTx(ctx context.Context, tx Tx, task *Task, f *File, digest string, now time.Time) (*Resolution, error) {
	staging := stagingOf(f)
	location := c.store.PermanentLocation(digest)
	if err := tx.CompleteFile(ctx, f.ID, digest, location, staging, now); err != nil {
		return nil, fmt.Errorf("completing file: %w", err)
	}
	if err := tx.FinishTask(ctx, task.ID, TaskCompleted, f.ID, "", now); err != nil {
		return nil, fmt.Errorf("completing task: %w", err)
	}
	return &Resolution{
		Outcome:     OutcomeNew,
		FileID:      f.ID,
		CanonicalID: f.ID,
		Digest:      digest,
		stagingPath: staging,
		tombstoned:  f.Tombstone,
	}, nil
}

// mergeTx folds the provisional file f into canon.
func (c *Coordinator) mergeTx(ctx context.Context, tx Tx, task *Task, f, canon *File, digest string, now time.Time) (*Resolution, error) {
	if err := tx.AddReferences(ctx, canon.ID, f.ReferenceCount, now); err != nil {
		return nil, fmt.Errorf("adding references to canonical file: %w", err)
	}
	moved, err := tx.RepointMessages(ctx, f.ID, canon.ID)
	if err != nil {
		return nil, fmt.Errorf("repointing messages: %w", err)
	}
	if err := tx.FinishTask(ctx, task.ID, TaskCompleted, canon.ID, "", now); err != nil {
		return nil, fmt.Errorf("completing task: %w", err)
	}
	if err := tx.DeleteFile(ctx, f.ID); err != nil {
		return nil, fmt.Errorf("deleting provisional file: %w", err)
	}
	return &Resolution{
		Outcome:     OutcomeDuplicate,
		FileID:      f.ID,
		CanonicalID: canon.ID,
		Digest:      digest,
		Merged:      moved,
		stagingPath: stagingOf(f),
	}, nil
}

// failTx records a hashing failure, re-queueing the task while attempts remain.
func (c *Coordinator) failTx(ctx context.Context, tx Tx, task *Task, f *File, cause error, now time.Time) (*Resolution, error) {
	res := &Resolution{Outcome: OutcomeFailed, FileID: f.ID, Err: cause.Error()}

	taskStatus, fileStatus := TaskFailed, HashFailed
	if task.Attempts < c.opts.MaxAttempts {
		taskStatus, fileStatus = TaskPending, HashPending
		res.Retry = true
	}
	if err := tx.FinishTask(ctx, task.ID, taskStatus, 0, cause.Error(), now); err != nil {
		return nil, fmt.Errorf("recording task failure: %w", err)
	}
	if err := tx.SetHashStatus(ctx, f.ID, fileStatus, now); err != nil {
		return nil, fmt.Errorf("recording file failure: %w", err)
	}
	return res, nil
}

// place moves the bytes of a freshly completed file into the permanent area
// and confirms it in the catalog. Failures are left for the recovery pass.
func (c *Coordinator) place(ctx context.Context, fileID int64, staging, digest string) error {
	backoff := retry.WithMaxRetries(c.opts.PlacementRetries, retry.NewExponential(c.opts.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if _, err := c.store.PlacePermanently(ctx, staging, digest); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("placement deferred to recovery", "file_id", fileID, "digest", digest, "error", err)
		return err
	}

	err = c.catalog.Update(ctx, func(tx Tx) error {
		return tx.ClearStagingPath(ctx, fileID, staging, c.clock.Now())
	})
	if err != nil {
		c.logger.Warn("confirming placement failed", "file_id", fileID, "error", err)
		return err
	}
	return nil
}

// FindFile returns a file by id, following merges of provisional files.
func (c *Coordinator) FindFile(ctx context.Context, id int64) (*File, error) {
	for hops := 0; hops < maxMergeHops; hops++ {
		f, err := c.catalog.FindFile(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("finding file: %w", err)
		}
		if f != nil {
			return f, nil
		}
		t, err := c.catalog.FindTaskForFile(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("finding task for file: %w", err)
		}
		if t == nil || t.ResolvedFileID == 0 || t.ResolvedFileID == id {
			break
		}
		id = t.ResolvedFileID
	}
	return nil, fmt.Errorf("file %d: %w", id, ErrNotFound)
}

// FindMessage returns a message by id.
func (c *Coordinator) FindMessage(ctx context.Context, id int64) (*Message, error) {
	m, err := c.catalog.FindMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding message: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return m, nil
}

// OpenContent opens the bytes of a completed, live file.
func (c *Coordinator) OpenContent(ctx context.Context, fileID int64) (io.ReadCloser, *File, error) {
	f, err := c.FindFile(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	if !f.Canonical() || f.Location == "" {
		return nil, nil, fmt.Errorf("file %d is %s: %w", f.ID, f.HashStatus, ErrFileUnavailable)
	}

	rc, err := c.store.Open(ctx, f.Location)
	if err != nil && f.StagingPath != "" {
		rc, err = c.store.Open(ctx, f.StagingPath)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening file %d: %w", f.ID, err)
	}
	return rc, f, nil
}

// Stats returns catalog statistics.
func (c *Coordinator) Stats(ctx context.Context) (*Stats, error) {
	s, err := c.catalog.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("collecting stats: %w", err)
	}
	return s, nil
}

const maxMergeHops = 8

// followMerges finds a file by id inside tx, following the resolved file id
// of merged provisional files.
func followMerges(ctx context.Context, tx Tx, id int64) (*File, error) {
	for hops := 0; hops < maxMergeHops; hops++ {
		f, err := tx.FindFile(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("finding file: %w", err)
		}
		if f != nil {
			return f, nil
		}
		t, err := tx.FindTaskForFile(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("finding task for file: %w", err)
		}
		if t == nil || t.ResolvedFileID == 0 || t.ResolvedFileID == id {
			return nil, nil
		}
		id = t.ResolvedFileID
	}
	return nil, nil
}

func stagingOf(f *File) string {
	if f.StagingPath != "" {
		return f.StagingPath
	}
	return f.Location
}
