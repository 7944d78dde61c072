// Package hashing provides the digest engines used to address content.
package hashing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/zeebo/blake3"

	"drop-go/internal/drop"
)

// DefaultChunkSize is the read buffer used while streaming content.
const DefaultChunkSize = 64 * 1024

// StreamHasher streams bytes through a hash.Hash, checking for cancellation
// between chunks.
type StreamHasher struct {
	name      string
	newHash   func() hash.Hash
	chunkSize int
}

var _ drop.Hasher = (*StreamHasher)(nil)

// NewSHA256 returns a SHA-256 engine.
func NewSHA256(chunkSize int) *StreamHasher {
	return newStreamHasher("sha256", sha256.New, chunkSize)
}

// NewBLAKE3 returns a BLAKE3 engine with a 256-bit output.
func NewBLAKE3(chunkSize int) *StreamHasher {
	return newStreamHasher("blake3", func() hash.Hash { return blake3.New() }, chunkSize)
}

func newStreamHasher(name string, newHash func() hash.Hash, chunkSize int) *StreamHasher {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &StreamHasher{name: name, newHash: newHash, chunkSize: chunkSize}
}

func (h *StreamHasher) Algorithm() string { return h.name }

// Hash returns the hex digest of everything read from r.
func (h *StreamHasher) Hash(ctx context.Context, r io.Reader) (string, error) {
	sum := h.newHash()
	buf := make([]byte, h.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := r.Read(buf)
		if n > 0 {
			sum.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading content: %w", err)
		}
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}
