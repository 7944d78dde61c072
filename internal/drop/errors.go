package drop

import "errors"

var (
	// ErrIOFailure covers staging, placement and discard I/O errors.
	ErrIOFailure = errors.New("content store I/O failure")

	// ErrTooLarge is returned when an upload exceeds the configured maximum
	// size. It matches ErrIOFailure.
	ErrTooLarge error = tooLargeError{}

	// ErrConflict is a unique-digest race. Resolution retries it internally.
	ErrConflict = errors.New("canonical digest conflict")

	// ErrLeaseLost means the task is no longer held by the caller's lease.
	ErrLeaseLost = errors.New("task lease lost")

	// ErrCorruptInput means the staged bytes could not be read for hashing.
	ErrCorruptInput = errors.New("staged content unreadable")

	ErrNotFound = errors.New("not found")

	// ErrFileUnavailable is returned when a file cannot take new references
	// or serve its content.
	ErrFileUnavailable = errors.New("file unavailable")
)

type tooLargeError struct{}

func (tooLargeError) Error() string { return "upload exceeds maximum size" }
func (tooLargeError) Unwrap() error { return ErrIOFailure }
