package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"drop-go/internal/drop"
)

const (
	fileColumns    = "id, digest, location, staging_path, category, mime_type, size, reference_count, hash_status, tombstone, created_at, updated_at"
	taskColumns    = "id, file_id, status, lease_owner, lease_expires_at, attempts, last_error, resolved_file_id, created_at, started_at, completed_at, updated_at"
	messageColumns = "id, kind, content, file_id, device_id, content_size, deleted, created_at"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// catalogTx implements drop.Tx over a transaction, or over the connection
// pool for single-statement reads.
type catalogTx struct {
	q queryer
	d dialect
}

func (t *catalogTx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.q.ExecContext(ctx, t.d.rebind(query), args...)
}

func (t *catalogTx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.q.QueryRowContext(ctx, t.d.rebind(query), args...)
}

// execOne runs an update and reports whether it touched any row.
func (t *catalogTx) execOne(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := t.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Files

func (t *catalogTx) InsertFile(ctx context.Context, f *drop.File) (int64, error) {
	var id int64
	err := t.queryRow(ctx, `INSERT INTO files
		(digest, location, staging_path, category, mime_type, size, reference_count, hash_status, tombstone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		nullString(f.Digest), f.Location, nullString(f.StagingPath), string(f.Category), f.MimeType,
		f.Size, f.ReferenceCount, string(f.HashStatus), f.Tombstone, ts(f.CreatedAt), ts(f.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting file: %w", err)
	}
	return id, nil
}

func (t *catalogTx) FindFile(ctx context.Context, id int64) (*drop.File, error) {
	f, err := scanFile(t.queryRow(ctx, "SELECT "+fileColumns+" FROM files WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding file %d: %w", id, err)
	}
	return f, nil
}

func (t *catalogTx) FindCanonical(ctx context.Context, digest string, excludeID int64) (*drop.File, error) {
	f, err := scanFile(t.queryRow(ctx, `SELECT `+fileColumns+` FROM files
		WHERE digest = ? AND hash_status = 'completed' AND NOT tombstone AND id <> ?
		LIMIT 1`, digest, excludeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding canonical file: %w", err)
	}
	return f, nil
}

func (t *catalogTx) LockDigest(ctx context.Context, digest string) error {
	if t.d.lockDigestSQL == "" {
		return nil
	}
	if _, err := t.exec(ctx, t.d.lockDigestSQL, digest); err != nil {
		return fmt.Errorf("locking digest %s: %w", digest, err)
	}
	return nil
}

func (t *catalogTx) SetHashStatus(ctx context.Context, fileID int64, status drop.HashStatus, now time.Time) error {
	_, err := t.exec(ctx, "UPDATE files SET hash_status = ?, updated_at = ? WHERE id = ?",
		string(status), ts(now), fileID)
	if err != nil {
		return fmt.Errorf("setting hash status of file %d: %w", fileID, err)
	}
	return nil
}

func (t *catalogTx) CompleteFile(ctx context.Context, fileID int64, digest, location, stagingPath string, now time.Time) error {
	_, err := t.exec(ctx, `UPDATE files
		SET digest = ?, location = ?, staging_path = ?, hash_status = 'completed', updated_at = ?
		WHERE id = ?`,
		digest, location, nullString(stagingPath), ts(now), fileID)
	if err != nil {
		if t.d.isUniqueViolation(err) {
			return fmt.Errorf("completing file %d: %w", fileID, drop.ErrConflict)
		}
		return fmt.Errorf("completing file %d: %w", fileID, err)
	}
	return nil
}

func (t *catalogTx) ClearStagingPath(ctx context.Context, fileID int64, stagingPath string, now time.Time) error {
	_, err := t.exec(ctx, "UPDATE files SET staging_path = NULL, updated_at = ? WHERE id = ? AND staging_path = ?",
		ts(now), fileID, stagingPath)
	if err != nil {
		return fmt.Errorf("clearing staging path of file %d: %w", fileID, err)
	}
	return nil
}

func (t *catalogTx) AddReferences(ctx context.Context, fileID int64, delta int64, now time.Time) error {
	ok, err := t.execOne(ctx, `UPDATE files
		SET reference_count = reference_count + ?, updated_at = ?
		WHERE id = ? AND NOT tombstone`,
		delta, ts(now), fileID)
	if err != nil {
		return fmt.Errorf("adding references to file %d: %w", fileID, err)
	}
	if !ok {
		return fmt.Errorf("file %d: %w", fileID, drop.ErrFileUnavailable)
	}
	return nil
}

func (t *catalogTx) ReleaseReference(ctx context.Context, fileID int64, now time.Time) (bool, error) {
	ok, err := t.execOne(ctx, `UPDATE files
		SET reference_count = reference_count - 1,
		    tombstone = (tombstone OR reference_count = 1),
		    updated_at = ?
		WHERE id = ? AND reference_count > 0`,
		ts(now), fileID)
	if err != nil {
		return false, fmt.Errorf("releasing reference on file %d: %w", fileID, err)
	}
	return ok, nil
}

func (t *catalogTx) LocationShared(ctx context.Context, location string, excludeID int64) (bool, error) {
	var n int64
	err := t.queryRow(ctx, `SELECT COUNT(*) FROM files
		WHERE (location = ? OR staging_path = ?) AND id <> ?`,
		location, location, excludeID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking location %s: %w", location, err)
	}
	return n > 0, nil
}

func (t *catalogTx) ClearLocation(ctx context.Context, fileID int64, now time.Time) error {
	_, err := t.exec(ctx, "UPDATE files SET location = '', staging_path = NULL, updated_at = ? WHERE id = ?",
		ts(now), fileID)
	if err != nil {
		return fmt.Errorf("clearing location of file %d: %w", fileID, err)
	}
	return nil
}

func (t *catalogTx) DeleteFile(ctx context.Context, fileID int64) error {
	if _, err := t.exec(ctx, "DELETE FROM files WHERE id = ?", fileID); err != nil {
		return fmt.Errorf("deleting file %d: %w", fileID, err)
	}
	return nil
}

func (t *catalogTx) queryFiles(ctx context.Context, query string, args ...any) ([]*drop.File, error) {
	rows, err := t.q.QueryContext(ctx, t.d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*drop.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Tasks

func (t *catalogTx) InsertTask(ctx context.Context, task *drop.Task) (int64, error) {
	var id int64
	err := t.queryRow(ctx, `INSERT INTO tasks
		(file_id, status, lease_owner, lease_expires_at, attempts, last_error, resolved_file_id, created_at, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		task.FileID, string(task.Status), task.LeaseOwner, nullTime(task.LeaseExpiresAt), task.Attempts,
		task.LastError, nullID(task.ResolvedFileID), ts(task.CreatedAt), nullTime(task.StartedAt),
		nullTime(task.CompletedAt), ts(task.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting task: %w", err)
	}
	return id, nil
}

func (t *catalogTx) FindTask(ctx context.Context, id int64) (*drop.Task, error) {
	task, err := scanTask(t.queryRow(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding task %d: %w", id, err)
	}
	return task, nil
}

func (t *catalogTx) FindTaskForFile(ctx context.Context, fileID int64) (*drop.Task, error) {
	task, err := scanTask(t.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE file_id = ? ORDER BY id DESC LIMIT 1`, fileID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding task for file %d: %w", fileID, err)
	}
	return task, nil
}

func (t *catalogTx) NextClaimable(ctx context.Context, now time.Time) (*drop.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = 'pending' OR (status = 'processing' AND lease_expires_at < ?)
		ORDER BY id
		LIMIT 1`
	if t.d.numbered {
		query += " FOR UPDATE SKIP LOCKED"
	}
	task, err := scanTask(t.queryRow(ctx, query, ts(now)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding claimable task: %w", err)
	}
	return task, nil
}

func (t *catalogTx) LeaseTask(ctx context.Context, id int64, owner string, now, expires time.Time) (bool, error) {
	ok, err := t.execOne(ctx, `UPDATE tasks
		SET status = 'processing', lease_owner = ?, lease_expires_at = ?,
		    attempts = attempts + 1, started_at = ?, updated_at = ?
		WHERE id = ? AND (status = 'pending' OR (status = 'processing' AND lease_expires_at < ?))`,
		owner, ts(expires), ts(now), ts(now), id, ts(now))
	if err != nil {
		return false, fmt.Errorf("leasing task %d: %w", id, err)
	}
	return ok, nil
}

func (t *catalogTx) FinishTask(ctx context.Context, id int64, status drop.TaskStatus, resolvedFileID int64, lastError string, now time.Time) error {
	var completedAt time.Time
	if status == drop.TaskCompleted || status == drop.TaskFailed {
		completedAt = now
	}
	_, err := t.exec(ctx, `UPDATE tasks
		SET status = ?, resolved_file_id = ?, last_error = ?, lease_owner = '', lease_expires_at = NULL,
		    completed_at = ?, updated_at = ?
		WHERE id = ?`,
		string(status), nullID(resolvedFileID), lastError, nullTime(completedAt), ts(now), id)
	if err != nil {
		return fmt.Errorf("finishing task %d: %w", id, err)
	}
	return nil
}

// Messages

func (t *catalogTx) InsertMessage(ctx context.Context, m *drop.Message) (int64, error) {
	var id int64
	err := t.queryRow(ctx, `INSERT INTO messages
		(kind, content, file_id, device_id, content_size, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		string(m.Kind), m.Content, nullID(m.FileID), m.DeviceID, m.ContentSize, m.Deleted, ts(m.CreatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}
	return id, nil
}

func (t *catalogTx) FindMessage(ctx context.Context, id int64) (*drop.Message, error) {
	var (
		m      drop.Message
		kind   string
		fileID sql.NullInt64
	)
	err := t.queryRow(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id).Scan(
		&m.ID, &kind, &m.Content, &fileID, &m.DeviceID, &m.ContentSize, &m.Deleted, &m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding message %d: %w", id, err)
	}
	m.Kind = drop.MessageKind(kind)
	m.FileID = fileID.Int64
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func (t *catalogTx) RepointMessages(ctx context.Context, fromFileID, toFileID int64) (int64, error) {
	res, err := t.exec(ctx, "UPDATE messages SET file_id = ? WHERE file_id = ?", toFileID, fromFileID)
	if err != nil {
		return 0, fmt.Errorf("repointing messages of file %d: %w", fromFileID, err)
	}
	return res.RowsAffected()
}

func (t *catalogTx) SoftDeleteMessage(ctx context.Context, id int64) (bool, error) {
	ok, err := t.execOne(ctx, "UPDATE messages SET deleted = TRUE WHERE id = ? AND NOT deleted", id)
	if err != nil {
		return false, fmt.Errorf("deleting message %d: %w", id, err)
	}
	return ok, nil
}

var _ drop.Tx = (*catalogTx)(nil)

// Scanning

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*drop.File, error) {
	var (
		f           drop.File
		digest      sql.NullString
		stagingPath sql.NullString
		category    string
		status      string
	)
	err := row.Scan(&f.ID, &digest, &f.Location, &stagingPath, &category, &f.MimeType, &f.Size,
		&f.ReferenceCount, &status, &f.Tombstone, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.Digest = digest.String
	f.StagingPath = stagingPath.String
	f.Category = drop.Category(category)
	f.HashStatus = drop.HashStatus(status)
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	return &f, nil
}

func scanTask(row rowScanner) (*drop.Task, error) {
	var (
		task                        drop.Task
		status                      string
		resolved                    sql.NullInt64
		expires, started, completed sql.NullTime
	)
	err := row.Scan(&task.ID, &task.FileID, &status, &task.LeaseOwner, &expires, &task.Attempts,
		&task.LastError, &resolved, &task.CreatedAt, &started, &completed, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	task.Status = drop.TaskStatus(status)
	task.ResolvedFileID = resolved.Int64
	task.LeaseExpiresAt = fromNullTime(expires)
	task.StartedAt = fromNullTime(started)
	task.CompletedAt = fromNullTime(completed)
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	return &task, nil
}

// ts normalizes timestamps so both drivers store and compare them the same way.
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: ts(t), Valid: true}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}
