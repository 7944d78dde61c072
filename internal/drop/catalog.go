package drop

import (
	"context"
	"time"
)

// Catalog is the transactional metadata store for files, messages and tasks.
// Lookups return (nil, nil) when the row does not exist.
type Catalog interface {
	// Update runs fn inside one transaction and commits if fn returns nil.
	// A unique-digest violation surfaces as ErrConflict. fn must only use
	// the Tx it is given, never the Catalog itself.
	Update(ctx context.Context, fn func(tx Tx) error) error

	FindFile(ctx context.Context, id int64) (*File, error)
	FindMessage(ctx context.Context, id int64) (*Message, error)
	FindTask(ctx context.Context, id int64) (*Task, error)

	// FindTaskForFile returns the most recent task created for a file id,
	// including tasks whose provisional file was merged away.
	FindTaskForFile(ctx context.Context, fileID int64) (*Task, error)

	// ListReclaimable returns files the sweep should visit: tombstoned
	// files with bytes still present, and live failed files last touched
	// before failedBefore.
	ListReclaimable(ctx context.Context, failedBefore time.Time, limit int) ([]*File, error)

	// ListUnplaced returns completed files whose placement is unconfirmed.
	ListUnplaced(ctx context.Context) ([]*File, error)

	// LocationReferenced reports whether any file row records location as
	// its current or staging location.
	LocationReferenced(ctx context.Context, location string) (bool, error)

	Stats(ctx context.Context) (*Stats, error)

	Close() error
}

// Tx is the set of operations available inside a Catalog transaction.
type Tx interface {
	InsertFile(ctx context.Context, f *File) (int64, error)
	InsertTask(ctx context.Context, t *Task) (int64, error)
	InsertMessage(ctx context.Context, m *Message) (int64, error)

	FindFile(ctx context.Context, id int64) (*File, error)
	FindTask(ctx context.Context, id int64) (*Task, error)
	FindMessage(ctx context.Context, id int64) (*Message, error)

	// FindTaskForFile returns the most recent task for a file id.
	FindTaskForFile(ctx context.Context, fileID int64) (*Task, error)

	// FindCanonical returns the completed, non-tombstoned file with the
	// given digest, ignoring excludeID.
	FindCanonical(ctx context.Context, digest string, excludeID int64) (*File, error)

	// LockDigest serializes canonical assignment and reclamation for one
	// digest until the transaction ends.
	LockDigest(ctx context.Context, digest string) error

	// NextClaimable returns the oldest task that is pending or whose lease
	// expired before now.
	NextClaimable(ctx context.Context, now time.Time) (*Task, error)

	// LeaseTask claims a task for owner if it is still pending or its lease
	// has expired. It reports whether the claim took effect.
	LeaseTask(ctx context.Context, id int64, owner string, now, expires time.Time) (bool, error)

	// FinishTask moves a task to a terminal or pending status and drops its lease.
	FinishTask(ctx context.Context, id int64, status TaskStatus, resolvedFileID int64, lastError string, now time.Time) error

	SetHashStatus(ctx context.Context, fileID int64, status HashStatus, now time.Time) error

	// CompleteFile records the digest and the permanent location while
	// keeping the staging location until placement is confirmed. It
	// returns ErrConflict when another canonical row holds the digest.
	CompleteFile(ctx context.Context, fileID int64, digest, location, stagingPath string, now time.Time) error

	// ClearStagingPath confirms placement of a completed file.
	ClearStagingPath(ctx context.Context, fileID int64, stagingPath string, now time.Time) error

	// AddReferences increments the reference count of a live file.
	AddReferences(ctx context.Context, fileID int64, delta int64, now time.Time) error

	// ReleaseReference decrements the reference count and tombstones the
	// file when the count reaches zero. It reports false if the file has no
	// references left to release.
	ReleaseReference(ctx context.Context, fileID int64, now time.Time) (bool, error)

	// RepointMessages moves every message from one file to another.
	RepointMessages(ctx context.Context, fromFileID, toFileID int64) (int64, error)

	// SoftDeleteMessage marks a message deleted. It reports false if the
	// message was already deleted.
	SoftDeleteMessage(ctx context.Context, id int64) (bool, error)

	// LocationShared reports whether a file other than excludeID records
	// location as its current or staging location.
	LocationShared(ctx context.Context, location string, excludeID int64) (bool, error)

	// ClearLocation marks the bytes of a file as reclaimed.
	ClearLocation(ctx context.Context, fileID int64, now time.Time) error

	DeleteFile(ctx context.Context, fileID int64) error
}
