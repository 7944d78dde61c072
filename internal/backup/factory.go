package backup

import (
	"context"
	"fmt"

	"drop-go/internal/config"
	"drop-go/internal/drop"
)

// NewTargetFromConfig creates the configured target. It returns (nil, nil)
// when backups are disabled.
func NewTargetFromConfig(ctx context.Context, cfg config.BackupConfig, clock drop.Clock) (Target, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryTarget(clock), nil
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("backup root is required for filesystem target")
		}
		t, err := NewFileSystemTarget(cfg.Root)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "s3":
		t, err := NewS3Target(ctx, S3Options{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown backup type: %s", cfg.Type)
	}
}
