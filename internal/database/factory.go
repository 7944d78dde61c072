package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"drop-go/internal/config"
)

// catalogFileName is the SQLite file inside data_dir.
const catalogFileName = "catalog.db"

// NewCatalogFromConfig opens the catalog named by the database config type
// and brings its schema up to date.
func NewCatalogFromConfig(ctx context.Context, cfg config.DatabaseConfig) (*Catalog, error) {
	var (
		c   *Catalog
		err error
	)
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		c, err = NewSQLiteCatalog(filepath.Join(cfg.DataDir, catalogFileName))
	case "memory":
		c, err = NewSQLiteCatalog(":memory:")
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("dsn required for postgres database")
		}
		c, err = NewPostgresCatalog(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := c.Migrate(); err != nil {
		c.Close()
		return nil, fmt.Errorf("migrating catalog: %w", err)
	}
	return c, nil
}
