package contentstore

import (
	"fmt"

	"drop-go/internal/config"
	"drop-go/internal/drop"
)

// NewStoreFromConfig creates a ContentStore based on the storage config type.
func NewStoreFromConfig(cfg config.StorageConfig) (drop.ContentStore, error) {
	maxSize := cfg.MaxUploadSize
	if maxSize <= 0 {
		maxSize = config.DefaultMaxUploadSize
	}

	switch cfg.Type {
	case "memory":
		return NewMemoryStore(maxSize, nil), nil
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem store requires root to be set")
		}
		s, err := NewFileSystemStore(cfg.Root, maxSize)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
