package database

import (
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// dialect captures the differences between the SQLite and PostgreSQL catalogs.
// Queries are written with '?' placeholders and rebound per dialect.
type dialect struct {
	name string

	// numbered placeholders ($1, $2, ...) instead of '?'
	numbered bool

	// txOptions for read-write transactions
	txOptions *sql.TxOptions

	// lockDigestSQL takes a transaction-scoped lock on one digest. Empty
	// when the write transaction already serializes writers.
	lockDigestSQL string
}

var sqliteDialect = dialect{
	name: "sqlite3",
}

var postgresDialect = dialect{
	name:          "postgres",
	numbered:      true,
	txOptions:     &sql.TxOptions{Isolation: sql.LevelSerializable},
	lockDigestSQL: "SELECT pg_advisory_xact_lock(hashtext(?))",
}

// rebind rewrites '?' placeholders for the dialect.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isUniqueViolation reports whether err is a unique constraint failure.
func (d dialect) isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isTransient reports whether a transaction failed only because of
// contention and can be run again from the start.
func (d dialect) isTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
