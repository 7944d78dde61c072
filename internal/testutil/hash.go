package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sync"
)

// SHA256Hex returns the SHA-256 checksum of data as a lowercase hex string.
// Matches the digest format of the default hash engine.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ErrHashFailed is returned by FailingHasher.
var ErrHashFailed = errors.New("hash engine failure")

// FailingHasher fails the first Failures calls and then hashes with SHA-256.
type FailingHasher struct {
	mu       sync.Mutex
	Failures int
	calls    int
}

func (h *FailingHasher) Algorithm() string { return "sha256" }

func (h *FailingHasher) Hash(ctx context.Context, r io.Reader) (string, error) {
	h.mu.Lock()
	h.calls++
	fail := h.calls <= h.Failures
	h.mu.Unlock()
	if fail {
		return "", ErrHashFailed
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return SHA256Hex(data), nil
}

// Calls returns how many times Hash was called.
func (h *FailingHasher) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}
