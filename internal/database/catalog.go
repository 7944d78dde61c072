package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
	"github.com/sethvargo/go-retry"

	"drop-go/internal/database/migrations"
	"drop-go/internal/drop"
)

// Catalog implements drop.Catalog on SQLite or PostgreSQL.
type Catalog struct {
	db   *sql.DB
	d    dialect
	path string
}

// NewSQLiteCatalog opens a SQLite catalog.
// path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteCatalog(path string) (*Catalog, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &Catalog{db: db, d: sqliteDialect, path: path}, nil
}

// NewPostgresCatalog opens a PostgreSQL catalog through the pgx driver.
func NewPostgresCatalog(ctx context.Context, dsn string) (*Catalog, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &Catalog{db: db, d: postgresDialect}, nil
}

// NewSQLiteCatalogFromDB wraps an existing SQLite connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteCatalogFromDB(db *sql.DB) *Catalog {
	return &Catalog{db: db, d: sqliteDialect}
}

// OpenConnection opens and configures a SQLite connection.
// Write transactions start with BEGIN IMMEDIATE so that concurrent writers
// queue on the busy timeout instead of failing on lock upgrade.
func OpenConnection(path string) (*sql.DB, error) {
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: an in-memory database exists per connection, and a
	// single writer avoids SQLITE_BUSY between our own transactions.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Update runs fn in a read-write transaction. Transactions that fail only
// because of lock contention or serialization are run again.
func (c *Catalog) Update(ctx context.Context, fn func(tx drop.Tx) error) error {
	backoff := retry.WithMaxRetries(5, retry.NewExponential(10*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.update(ctx, fn)
		if err != nil && c.d.isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Catalog) update(ctx context.Context, fn func(tx drop.Tx) error) error {
	sqlTx, err := c.db.BeginTx(ctx, c.d.txOptions)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&catalogTx{q: sqlTx, d: c.d}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		if c.d.isUniqueViolation(err) {
			return fmt.Errorf("committing transaction: %w", drop.ErrConflict)
		}
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// reader runs single statements outside a transaction.
func (c *Catalog) reader() *catalogTx {
	return &catalogTx{q: c.db, d: c.d}
}

func (c *Catalog) FindFile(ctx context.Context, id int64) (*drop.File, error) {
	return c.reader().FindFile(ctx, id)
}

func (c *Catalog) FindMessage(ctx context.Context, id int64) (*drop.Message, error) {
	return c.reader().FindMessage(ctx, id)
}

func (c *Catalog) FindTask(ctx context.Context, id int64) (*drop.Task, error) {
	return c.reader().FindTask(ctx, id)
}

func (c *Catalog) FindTaskForFile(ctx context.Context, fileID int64) (*drop.Task, error) {
	return c.reader().FindTaskForFile(ctx, fileID)
}

func (c *Catalog) ListReclaimable(ctx context.Context, failedBefore time.Time, limit int) ([]*drop.File, error) {
	files, err := c.reader().queryFiles(ctx, `SELECT `+fileColumns+` FROM files
		WHERE location <> ''
		  AND ((tombstone AND reference_count = 0 AND hash_status IN ('completed', 'failed'))
		    OR (NOT tombstone AND hash_status = 'failed' AND updated_at < ?))
		ORDER BY id
		LIMIT ?`, ts(failedBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("listing reclaimable files: %w", err)
	}
	return files, nil
}

func (c *Catalog) ListUnplaced(ctx context.Context) ([]*drop.File, error) {
	files, err := c.reader().queryFiles(ctx, `SELECT `+fileColumns+` FROM files
		WHERE hash_status = 'completed' AND staging_path IS NOT NULL AND location <> ''
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing unplaced files: %w", err)
	}
	return files, nil
}

func (c *Catalog) LocationReferenced(ctx context.Context, location string) (bool, error) {
	return c.reader().LocationShared(ctx, location, 0)
}

// Stats collects counts and byte totals across the catalog.
func (c *Catalog) Stats(ctx context.Context) (*drop.Stats, error) {
	s := &drop.Stats{
		FilesByStatus: make(map[drop.HashStatus]int64),
		TasksByStatus: make(map[drop.TaskStatus]int64),
	}

	if err := c.groupCount(ctx, "SELECT hash_status, COUNT(*) FROM files GROUP BY hash_status", func(k string, n int64) {
		s.FilesByStatus[drop.HashStatus(k)] = n
	}); err != nil {
		return nil, fmt.Errorf("counting files: %w", err)
	}
	if err := c.groupCount(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status", func(k string, n int64) {
		s.TasksByStatus[drop.TaskStatus(k)] = n
	}); err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}

	scalars := []struct {
		dest  *int64
		query string
	}{
		{&s.Tombstoned, "SELECT COUNT(*) FROM files WHERE tombstone"},
		{&s.Messages, "SELECT COUNT(*) FROM messages WHERE NOT deleted"},
		{&s.DeletedMsgs, "SELECT COUNT(*) FROM messages WHERE deleted"},
		{&s.LogicalBytes, `SELECT CAST(COALESCE(SUM(content_size), 0) AS BIGINT) FROM messages
			WHERE kind = 'file' AND NOT deleted`},
		{&s.PhysicalBytes, `SELECT CAST(COALESCE(SUM(size), 0) AS BIGINT) FROM
			(SELECT DISTINCT location, size FROM files WHERE hash_status = 'completed' AND location <> '') placed`},
		{&s.UnplacedFiles, `SELECT COUNT(*) FROM files
			WHERE hash_status = 'completed' AND staging_path IS NOT NULL AND location <> ''`},
		{&s.PendingReclaim, `SELECT COUNT(*) FROM files
			WHERE tombstone AND reference_count = 0 AND location <> ''`},
	}
	for _, q := range scalars {
		if err := c.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("collecting stats: %w", err)
		}
	}
	return s, nil
}

func (c *Catalog) groupCount(ctx context.Context, query string, set func(string, int64)) error {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		set(k, n)
	}
	return rows.Err()
}

// Dialect returns the migrations dialect name of the catalog.
func (c *Catalog) Dialect() string {
	return c.d.name
}

// Path returns the database file path (or ":memory:" for in-memory databases).
// It is empty for PostgreSQL catalogs.
func (c *Catalog) Path() string {
	return c.path
}

// Migrate brings the schema up to date.
func (c *Catalog) Migrate() error {
	return migrations.MigrateUp(c.db, c.d.name)
}

// CheckMigrations verifies the database schema is up-to-date.
func (c *Catalog) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(c.db, c.d.name)
}

// BackupTo writes a complete copy of a SQLite catalog to destPath using
// VACUUM INTO.
func (c *Catalog) BackupTo(ctx context.Context, destPath string) error {
	if c.d.name != sqliteDialect.name {
		return fmt.Errorf("backing up database: %w", ErrNotSQLite)
	}
	if _, err := c.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// ErrNotSQLite is returned by operations that only SQLite catalogs support.
var ErrNotSQLite = errors.New("catalog is not sqlite")

var _ drop.Catalog = (*Catalog)(nil)
