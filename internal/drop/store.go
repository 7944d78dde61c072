package drop

import (
	"context"
	"io"
	"time"
)

// ContentStore owns the on-disk layout: a flat staging area for unverified
// uploads and a permanent area addressed by digest. Locations are relative,
// slash-separated paths. No operation assumes exclusive access to the store.
type ContentStore interface {
	// Stage writes r to a fresh staging location. Exceeding the maximum
	// upload size removes the partial data and returns ErrTooLarge.
	Stage(ctx context.Context, r io.Reader) (*StagedFile, error)

	// PermanentLocation derives the content-addressed location of a digest.
	PermanentLocation(digest string) string

	// PlacePermanently moves staged bytes to the permanent location of
	// digest. Existing bytes at that location are kept and count as success.
	PlacePermanently(ctx context.Context, stagingLocation, digest string) (string, error)

	// Discard removes the bytes at location. A missing location is success.
	Discard(ctx context.Context, location string) error

	Open(ctx context.Context, location string) (io.ReadCloser, error)

	// ListStaged returns every entry in the staging area.
	ListStaged(ctx context.Context) ([]StagedEntry, error)
}

// StagedFile describes bytes written to the staging area.
type StagedFile struct {
	Location string
	Size     int64
}

// StagedEntry is a staging area listing entry.
type StagedEntry struct {
	Location   string
	ModifiedAt time.Time
}

// Hasher streams bytes through a digest function.
type Hasher interface {
	// Algorithm names the digest function, e.g. "sha256".
	Algorithm() string

	// Hash returns the lowercase hex digest of everything read from r.
	Hash(ctx context.Context, r io.Reader) (string, error)
}
