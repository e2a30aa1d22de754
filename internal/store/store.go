// Package store is the relay's version-chain store, lock persistence, and
// conflict log: the only component that talks to the database. It is
// backed by embedded, cgo-free SQLite (github.com/ncruces/go-sqlite3), the
// same engine and PRAGMA sequence the teacher's Turso cache layer uses.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/partsync/partsync/internal/wire"
)

var (
	// ErrNotFound is returned when a lookup by id/file finds no row.
	ErrNotFound = errors.New("not found")
)

const operationTimeout = 5 * time.Second

// Store wraps the SQLite connection backing the diffs, locks,
// file_versions, and conflicts tables described in spec.md §6.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the database at path, enabling WAL mode for
// concurrent readers during writes, exactly as the teacher's Turso layer
// does for its embedded cache.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{conn: conn, path: path}
	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection, checkpointing the WAL first.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "store: wal checkpoint failed: %v\n", err)
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	schema := `
	CREATE TABLE IF NOT EXISTS diffs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file TEXT NOT NULL,
		patch TEXT NOT NULL,
		author TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'human',
		timestamp INTEGER NOT NULL,
		version TEXT NOT NULL,
		previous_version TEXT NOT NULL,
		compressed INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_diffs_file ON diffs(file);
	CREATE INDEX IF NOT EXISTS idx_diffs_timestamp ON diffs(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_diffs_file_version ON diffs(file, version);

	CREATE TABLE IF NOT EXISTS locks (
		file TEXT PRIMARY KEY,
		locked_by TEXT NOT NULL,
		lock_type TEXT NOT NULL DEFAULT 'editing',
		since INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS file_versions (
		file TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file TEXT NOT NULL,
		conflict_file TEXT NOT NULL,
		author_a TEXT NOT NULL,
		author_b TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_conflicts_file ON conflicts(file);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// InsertDiff appends a diff row and returns its monotonic id.
func (s *Store) InsertDiff(d wire.FileDiff) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO diffs (file, patch, author, type, timestamp, version, previous_version, compressed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.File, d.Patch, d.Author, string(d.Type), d.Timestamp, d.Version, d.PreviousVersion, boolToInt(d.Compressed))
	if err != nil {
		return 0, fmt.Errorf("insert diff: %w", err)
	}
	return res.LastInsertId()
}

// UpsertVersion replaces the single current-fingerprint row for file.
func (s *Store) UpsertVersion(file, hash string, ts int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO file_versions (file, hash, timestamp) VALUES (?, ?, ?)
		ON CONFLICT(file) DO UPDATE SET hash = excluded.hash, timestamp = excluded.timestamp`,
		file, hash, ts)
	if err != nil {
		return fmt.Errorf("upsert version: %w", err)
	}
	return nil
}

// GetVersion returns the current FileVersion row for file, or ErrNotFound.
func (s *Store) GetVersion(file string) (*wire.FileVersion, error) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	row := s.conn.QueryRowContext(ctx, `SELECT file, hash, timestamp FROM file_versions WHERE file = ?`, file)
	var v wire.FileVersion
	if err := row.Scan(&v.File, &v.Hash, &v.Timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get version: %w", err)
	}
	return &v, nil
}

// DiffsByFile returns up to limit diffs for file, newest first.
func (s *Store) DiffsByFile(file string, limit int) ([]wire.FileDiff, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, file, patch, author, type, timestamp, version, previous_version, compressed
		FROM diffs WHERE file = ? ORDER BY id DESC LIMIT ?`, file, limit)
	if err != nil {
		return nil, fmt.Errorf("diffs by file: %w", err)
	}
	defer rows.Close()
	return scanDiffs(rows)
}

// DiffsSince returns every diff for file whose id exceeds the id of the
// row whose version matches the given fingerprint, oldest first. If no
// such row exists, every diff for the file is returned.
func (s *Store) DiffsSince(file, version string) ([]wire.FileDiff, error) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	var afterID int64
	row := s.conn.QueryRowContext(ctx, `
		SELECT id FROM diffs WHERE file = ? AND version = ? ORDER BY id DESC LIMIT 1`, file, version)
	if err := row.Scan(&afterID); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("diffs since lookup: %w", err)
		}
		afterID = 0
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, file, patch, author, type, timestamp, version, previous_version, compressed
		FROM diffs WHERE file = ? AND id > ? ORDER BY id ASC`, file, afterID)
	if err != nil {
		return nil, fmt.Errorf("diffs since: %w", err)
	}
	defer rows.Close()
	return scanDiffs(rows)
}

// Recent returns up to limit diffs across all files, newest first.
func (s *Store) Recent(limit int) ([]wire.FileDiff, error) {
	if limit <= 0 {
		limit = 30
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, file, patch, author, type, timestamp, version, previous_version, compressed
		FROM diffs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent diffs: %w", err)
	}
	defer rows.Close()
	return scanDiffs(rows)
}

// ByID looks up a single diff by id, used by undo.
func (s *Store) ByID(id int64) (*wire.FileDiff, error) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	row := s.conn.QueryRowContext(ctx, `
		SELECT id, file, patch, author, type, timestamp, version, previous_version, compressed
		FROM diffs WHERE id = ?`, id)
	d, err := scanDiff(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("diff by id: %w", err)
	}
	return d, nil
}

// Prune deletes rows for file beyond the newest keep by timestamp,
// preserving the invariant that the stored chain is a history suffix.
func (s *Store) Prune(file string, keep int) error {
	if keep <= 0 {
		keep = wire.MaxDiffHistory
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	_, err := s.conn.ExecContext(ctx, `
		DELETE FROM diffs WHERE file = ? AND id NOT IN (
			SELECT id FROM diffs WHERE file = ? ORDER BY timestamp DESC, id DESC LIMIT ?
		)`, file, file, keep)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	return nil
}

// CountByFile returns the number of stored diff rows for file, used by
// tests asserting the history bound (spec.md P5).
func (s *Store) CountByFile(file string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	var n int
	row := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM diffs WHERE file = ?`, file)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count by file: %w", err)
	}
	return n, nil
}

// SaveLock persists a lock row (no connection id — that binding is
// runtime-only per spec.md §4.3).
func (s *Store) SaveLock(l wire.LockState) error {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO locks (file, locked_by, lock_type, since) VALUES (?, ?, ?, ?)
		ON CONFLICT(file) DO UPDATE SET locked_by = excluded.locked_by, lock_type = excluded.lock_type, since = excluded.since`,
		l.File, l.LockedBy, string(l.LockType), l.Since)
	if err != nil {
		return fmt.Errorf("save lock: %w", err)
	}
	return nil
}

// DeleteLock removes the persisted lock row for file, if any.
func (s *Store) DeleteLock(file string) error {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	_, err := s.conn.ExecContext(ctx, `DELETE FROM locks WHERE file = ?`, file)
	if err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}

// LoadLocks returns every persisted lock row, used at startup to seed the
// in-memory lock table.
func (s *Store) LoadLocks() ([]wire.LockState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx, `SELECT file, locked_by, lock_type, since FROM locks`)
	if err != nil {
		return nil, fmt.Errorf("load locks: %w", err)
	}
	defer rows.Close()

	var out []wire.LockState
	for rows.Next() {
		var l wire.LockState
		var lockType string
		if err := rows.Scan(&l.File, &l.LockedBy, &lockType, &l.Since); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		l.LockType = wire.LockType(lockType)
		out = append(out, l)
	}
	return out, rows.Err()
}

// InsertConflict persists a ConflictEvent and returns its id.
func (s *Store) InsertConflict(e wire.ConflictEvent) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO conflicts (file, conflict_file, author_a, author_b, timestamp, resolved)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.File, e.ConflictFile, e.AuthorA, e.AuthorB, e.Timestamp, boolToInt(e.Resolved))
	if err != nil {
		return 0, fmt.Errorf("insert conflict: %w", err)
	}
	return res.LastInsertId()
}

// RecentConflicts returns up to limit conflicts, newest first.
func (s *Store) RecentConflicts(limit int) ([]wire.ConflictEvent, error) {
	if limit <= 0 {
		limit = 10
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, file, conflict_file, author_a, author_b, timestamp, resolved
		FROM conflicts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent conflicts: %w", err)
	}
	defer rows.Close()

	var out []wire.ConflictEvent
	for rows.Next() {
		var e wire.ConflictEvent
		var resolved int
		if err := rows.Scan(&e.ID, &e.File, &e.ConflictFile, &e.AuthorA, &e.AuthorB, &e.Timestamp, &resolved); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		e.Resolved = resolved != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// TotalDiffs returns the total number of stored diff rows, for the
// dashboard health block.
func (s *Store) TotalDiffs() (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	var n int64
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM diffs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("total diffs: %w", err)
	}
	return n, nil
}

// TotalFiles returns the number of distinct files with a current version.
func (s *Store) TotalFiles() (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	var n int64
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_versions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("total files: %w", err)
	}
	return n, nil
}

// DBSizeBytes returns the on-disk size of the database file. Returns 0
// for in-memory databases.
func (s *Store) DBSizeBytes() int64 {
	if s.path == ":memory:" {
		return 0
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDiff(row rowScanner) (*wire.FileDiff, error) {
	var d wire.FileDiff
	var authorType string
	var compressed int
	if err := row.Scan(&d.ID, &d.File, &d.Patch, &d.Author, &authorType, &d.Timestamp, &d.Version, &d.PreviousVersion, &compressed); err != nil {
		return nil, err
	}
	d.Type = wire.AuthorType(authorType)
	d.Compressed = compressed != 0
	return &d, nil
}

func scanDiffs(rows *sql.Rows) ([]wire.FileDiff, error) {
	var out []wire.FileDiff
	for rows.Next() {
		d, err := scanDiff(rows)
		if err != nil {
			return nil, fmt.Errorf("scan diff: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
