// Package state provides the durable sync state store for tether.
//
// The store records one row per tracked file: the remote object identifier,
// the local path relative to the sync root, the content fingerprint and
// remote revision captured at the last successful sync, and the mime class
// that decides how content is transferred. The remote poll cursor persists
// alongside the file rows so a restarted process resumes incremental polling
// instead of rescanning the remote corpus.
//
// The database runs in embedded SQLite mode with WAL for concurrency
// support. Corruption of the store must never destroy tracked content: if
// the database cannot be opened, the damaged file is moved aside and an
// empty store is created, degrading to re-detecting everything as new.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/tethersync/tether/internal/transform"
)

// PendingIDPrefix marks placeholder remote IDs assigned to files that exist
// locally but have not been created remotely yet. The orchestrator replaces
// the placeholder with the real remote ID after the first successful upload.
const PendingIDPrefix = "pending:"

// TrackedFile is the unit of synchronization.
type TrackedFile struct {
	// RemoteID is the opaque identifier assigned by the remote store.
	// Immutable once assigned; a PendingIDPrefix value means the file is
	// awaiting its first upload.
	RemoteID string

	// LocalPath is the file's path relative to the sync root.
	LocalPath string

	// Fingerprint is the content hash of the local file at last successful
	// sync. Empty for files that have never been written locally.
	Fingerprint string

	// Revision is the opaque remote revision marker at last successful sync.
	Revision string

	// MimeClass decides whether content is converted (document) or copied
	// byte-for-byte (binary).
	MimeClass transform.Class

	// RemoteMIME is the remote store's reported MIME type, kept for
	// re-export on upload. Informational for binary files.
	RemoteMIME string

	// LastSyncAt is when the file last completed a successful
	// reconciliation. Diagnostics only; never consulted for conflict
	// decisions.
	LastSyncAt time.Time

	// Orphaned marks files whose remote object is permanently gone
	// (deleted by owner, permission revoked). Surfaced to the caller
	// instead of being retried forever.
	Orphaned bool
}

// Pending reports whether the file is awaiting its first remote upload.
func (f *TrackedFile) Pending() bool {
	return strings.HasPrefix(f.RemoteID, PendingIDPrefix)
}

// Store wraps the embedded SQLite connection holding sync state.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens (or creates) the state database at path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the existing file is corrupt, it is renamed aside and a fresh store is
// created; the caller re-detects all files as new, which is safe.
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	s, err := open(path)
	if err == nil {
		return s, nil
	}

	// Corrupt store: move it aside and start over rather than refusing to
	// operate. Tracked content on disk and on the remote is untouched.
	backup := path + ".corrupt." + time.Now().UTC().Format("20060102T150405")
	if renameErr := os.Rename(path, backup); renameErr != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	s, retryErr := open(path)
	if retryErr != nil {
		return nil, fmt.Errorf("failed to recreate state store after corruption: %w", retryErr)
	}
	return s, nil
}

func open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// initSchema creates the schema if it doesn't exist. Idempotent.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS files (
		remote_id    TEXT PRIMARY KEY,
		local_path   TEXT NOT NULL UNIQUE,
		fingerprint  TEXT NOT NULL DEFAULT '',
		revision     TEXT NOT NULL DEFAULT '',
		mime_class   TEXT NOT NULL DEFAULT 'binary',
		remote_mime  TEXT NOT NULL DEFAULT '',
		last_sync_at TEXT NOT NULL DEFAULT '',
		orphaned     INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_files_local_path ON files(local_path);

	-- Single-row key/value table for the remote poll cursor and other
	-- engine metadata.
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// GetByID returns the tracked file with the given remote ID, or nil if no
// such file is tracked.
func (s *Store) GetByID(ctx context.Context, remoteID string) (*TrackedFile, error) {
	return s.getWhere(ctx, "remote_id = ?", remoteID)
}

// GetByPath returns the tracked file at the given root-relative local path,
// or nil if no such file is tracked.
func (s *Store) GetByPath(ctx context.Context, localPath string) (*TrackedFile, error) {
	return s.getWhere(ctx, "local_path = ?", filepath.ToSlash(localPath))
}

func (s *Store) getWhere(ctx context.Context, where string, arg any) (*TrackedFile, error) {
	query := `SELECT remote_id, local_path, fingerprint, revision, mime_class,
		remote_mime, last_sync_at, orphaned FROM files WHERE ` + where

	f, err := scanFile(s.conn.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tracked file: %w", err)
	}
	return f, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*TrackedFile, error) {
	var f TrackedFile
	var mimeClass, lastSync string
	var orphaned int
	if err := row.Scan(&f.RemoteID, &f.LocalPath, &f.Fingerprint, &f.Revision,
		&mimeClass, &f.RemoteMIME, &lastSync, &orphaned); err != nil {
		return nil, err
	}
	f.MimeClass = transform.Class(mimeClass)
	f.Orphaned = orphaned != 0
	if lastSync != "" {
		t, err := time.Parse(time.RFC3339Nano, lastSync)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_sync_at %q: %w", lastSync, err)
		}
		f.LastSyncAt = t
	}
	return &f, nil
}

// Upsert inserts or replaces the tracked file keyed by its remote ID.
//
// The write is a single statement, so a concurrent reader observes either
// the old row or the new row, never a half-updated one.
func (s *Store) Upsert(ctx context.Context, f *TrackedFile) error {
	if f.RemoteID == "" {
		return fmt.Errorf("tracked file must have a remote ID")
	}
	if f.LocalPath == "" {
		return fmt.Errorf("tracked file must have a local path")
	}
	if !f.MimeClass.Valid() {
		return fmt.Errorf("tracked file has invalid mime class %q", f.MimeClass)
	}

	var lastSync string
	if !f.LastSyncAt.IsZero() {
		lastSync = f.LastSyncAt.UTC().Format(time.RFC3339Nano)
	}
	orphaned := 0
	if f.Orphaned {
		orphaned = 1
	}

	query := `
	INSERT INTO files (remote_id, local_path, fingerprint, revision, mime_class, remote_mime, last_sync_at, orphaned)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(remote_id) DO UPDATE SET
		local_path   = excluded.local_path,
		fingerprint  = excluded.fingerprint,
		revision     = excluded.revision,
		mime_class   = excluded.mime_class,
		remote_mime  = excluded.remote_mime,
		last_sync_at = excluded.last_sync_at,
		orphaned     = excluded.orphaned`

	if _, err := s.conn.ExecContext(ctx, query,
		f.RemoteID, filepath.ToSlash(f.LocalPath), f.Fingerprint, f.Revision,
		string(f.MimeClass), f.RemoteMIME, lastSync, orphaned); err != nil {
		return fmt.Errorf("failed to upsert tracked file %s: %w", f.RemoteID, err)
	}
	return nil
}

// Rekey replaces a placeholder remote ID with the real one assigned by the
// remote store after a create, preserving the rest of the row.
func (s *Store) Rekey(ctx context.Context, oldID, newID string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE files SET remote_id = ? WHERE remote_id = ?`, newID, oldID)
	if err != nil {
		return fmt.Errorf("failed to rekey %s -> %s: %w", oldID, newID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("no tracked file with remote ID %s", oldID)
	}
	return nil
}

// Delete removes the tracked file with the given remote ID.
// Deleting an untracked ID is a no-op (idempotent).
func (s *Store) Delete(ctx context.Context, remoteID string) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM files WHERE remote_id = ?`, remoteID); err != nil {
		return fmt.Errorf("failed to delete tracked file %s: %w", remoteID, err)
	}
	return nil
}

// All returns every tracked file ordered by local path.
func (s *Store) All(ctx context.Context) ([]*TrackedFile, error) {
	query := `SELECT remote_id, local_path, fingerprint, revision, mime_class,
		remote_mime, last_sync_at, orphaned FROM files ORDER BY local_path`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked files: %w", err)
	}
	defer rows.Close()

	var files []*TrackedFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tracked file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tracked files: %w", err)
	}
	return files, nil
}

// Count returns the number of tracked files.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tracked files: %w", err)
	}
	return n, nil
}

const cursorKey = "remote_cursor"

// Cursor returns the persisted remote poll cursor, or "" if polling has not
// been bootstrapped yet.
func (s *Store) Cursor(ctx context.Context) (string, error) {
	var v string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, cursorKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cursor: %w", err)
	}
	return v, nil
}

// SetCursor persists the remote poll cursor.
func (s *Store) SetCursor(ctx context.Context, cursor string) error {
	query := `INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.conn.ExecContext(ctx, query, cursorKey, cursor); err != nil {
		return fmt.Errorf("failed to persist cursor: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}
