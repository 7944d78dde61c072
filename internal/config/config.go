package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for drop.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Storage    StorageConfig    `toml:"storage"`
	Database   DatabaseConfig   `toml:"database"`
	Hashing    HashingConfig    `toml:"hashing"`
	Reclaim    ReclaimConfig    `toml:"reclaim"`
	Backup     BackupConfig     `toml:"backup"`
	Filesystem FilesystemConfig `toml:"filesystem"`
}

// StorageConfig represents configuration for the content store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StorageConfig struct {
	Type          string `toml:"type"`           // "filesystem" or "memory"
	Root          string `toml:"root,omitempty"` // only used for type=filesystem
	MaxUploadSize int64  `toml:"max_upload_size"`
}

// DatabaseConfig represents configuration for the catalog.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite", "memory" or "postgres"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
	DSN     string `toml:"dsn,omitempty"`      // only used for type=postgres
}

// HashingConfig configures the hash engine and the worker pool.
type HashingConfig struct {
	Algorithm    string   `toml:"algorithm"` // "sha256" or "blake3"
	ChunkSize    int      `toml:"chunk_size"`
	Workers      int      `toml:"workers"`
	LeaseTimeout Duration `toml:"lease_timeout"`
	IdleBackoff  Duration `toml:"idle_backoff"`
	MaxAttempts  int      `toml:"max_attempts"`
}

// ReclaimConfig configures the sweep and the startup recovery pass.
type ReclaimConfig struct {
	Interval        Duration `toml:"interval"`
	FailedRetention Duration `toml:"failed_retention"`
	KeepMarkers     bool     `toml:"keep_markers"`
	BatchSize       int      `toml:"batch_size"`
	OrphanGrace     Duration `toml:"orphan_grace"`
}

// BackupConfig represents the destination for catalog snapshots.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type BackupConfig struct {
	Type string `toml:"type"` // "none", "memory", "filesystem" or "s3"

	// FileSystem-specific fields (only used when Type == "filesystem")
	Root string `toml:"root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`
}

// FilesystemConfig holds settings for uploading from the local filesystem.
type FilesystemConfig struct {
	Ignore []string `toml:"ignore"`
}

// Duration is a time.Duration written as a string such as "5m" in TOML.
type Duration struct {
	time.Duration
}

// NewDuration wraps d.
func NewDuration(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// Defaults.
const (
	DefaultMaxUploadSize int64 = 100 * 1024 * 1024
	DefaultWorkers             = 2
	DefaultChunkSize           = 64 * 1024
	DefaultMaxAttempts         = 1
	DefaultBatchSize           = 500
)

// NewConfig creates a new Config with defaults rooted at baseDir.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Storage: StorageConfig{
			Type:          "filesystem",
			Root:          filepath.Join(baseDir, "store"),
			MaxUploadSize: DefaultMaxUploadSize,
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Hashing: HashingConfig{
			Algorithm:    "sha256",
			ChunkSize:    DefaultChunkSize,
			Workers:      DefaultWorkers,
			LeaseTimeout: NewDuration(5 * time.Minute),
			IdleBackoff:  NewDuration(2 * time.Second),
			MaxAttempts:  DefaultMaxAttempts,
		},
		Reclaim: ReclaimConfig{
			Interval:        NewDuration(24 * time.Hour),
			FailedRetention: NewDuration(7 * 24 * time.Hour),
			BatchSize:       DefaultBatchSize,
			OrphanGrace:     NewDuration(time.Hour),
		},
		Backup: BackupConfig{
			Type: "filesystem",
			Root: filepath.Join(baseDir, "backups"),
		},
		Filesystem: FilesystemConfig{
			Ignore: []string{".git", ".DS_Store"},
		},
	}
}

// Validate reports every problem in cfg.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Type {
	case "filesystem":
		if c.Storage.Root == "" {
			errs = append(errs, fmt.Errorf("storage: root required for filesystem store"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage: unknown type %q", c.Storage.Type))
	}
	if c.Storage.MaxUploadSize <= 0 {
		errs = append(errs, fmt.Errorf("storage: max_upload_size must be positive"))
	}

	switch c.Database.Type {
	case "sqlite":
		if c.Database.DataDir == "" {
			errs = append(errs, fmt.Errorf("database: data_dir required for sqlite"))
		}
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database: dsn required for postgres"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("database: unknown type %q", c.Database.Type))
	}

	if c.Hashing.Workers < 1 {
		errs = append(errs, fmt.Errorf("hashing: workers must be at least 1"))
	}
	if c.Hashing.LeaseTimeout.Duration <= 0 {
		errs = append(errs, fmt.Errorf("hashing: lease_timeout must be positive"))
	}
	if c.Hashing.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("hashing: max_attempts must be at least 1"))
	}

	if c.Reclaim.Interval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("reclaim: interval must be positive"))
	}
	if c.Reclaim.FailedRetention.Duration < 0 {
		errs = append(errs, fmt.Errorf("reclaim: failed_retention must not be negative"))
	}

	switch c.Backup.Type {
	case "", "none", "memory":
	case "filesystem":
		if c.Backup.Root == "" {
			errs = append(errs, fmt.Errorf("backup: root required for filesystem target"))
		}
	case "s3":
		if c.Backup.S3Bucket == "" {
			errs = append(errs, fmt.Errorf("backup: s3_bucket required for s3 target"))
		}
	default:
		errs = append(errs, fmt.Errorf("backup: unknown type %q", c.Backup.Type))
	}

	return errors.Join(errs...)
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
