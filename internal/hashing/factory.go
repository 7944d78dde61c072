package hashing

import (
	"fmt"

	"drop-go/internal/config"
	"drop-go/internal/drop"
)

// NewHasherFromConfig creates a Hasher based on the configured algorithm.
func NewHasherFromConfig(cfg config.HashingConfig) (drop.Hasher, error) {
	switch cfg.Algorithm {
	case "", "sha256":
		return NewSHA256(cfg.ChunkSize), nil
	case "blake3":
		return NewBLAKE3(cfg.ChunkSize), nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm: %s", cfg.Algorithm)
	}
}
