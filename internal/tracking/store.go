// Package tracking is the embedded store of last-synced state: one row
// per (group, path) with the content checksum and both sides' cheap
// signatures, an append-only per-path history, and a run ledger.
package tracking

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrCorrupt marks an unreadable or failed-integrity database. It is
// fatal: the store is never silently reinitialized over damaged state.
var ErrCorrupt = errors.New("tracking store corrupt")

// Store wraps the SQLite tracking database. Writes go through a single
// mutex; SQLite itself is additionally held to one connection.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (or creates) the tracking database at path, verifies
// integrity, and migrates the schema forward.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create tracking dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open tracking db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.checkIntegrity(); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, s.classify(err)
	}
	return s, nil
}

// DefaultPath returns the tracking database location:
// $XDG_STATE_HOME/keepsake/tracking.db or ~/.local/state/keepsake/tracking.db.
func DefaultPath() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "keepsake", "tracking.db")
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "keepsake", "tracking.db")
}

func (s *Store) checkIntegrity() error {
	var result string
	if err := s.db.QueryRow(`PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: integrity_check: %s", ErrCorrupt, result)
	}
	return nil
}

// classify maps SQLite corruption codes onto ErrCorrupt so callers can
// tell fatal store damage from ordinary I/O failures.
func (s *Store) classify(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Entry is the recorded state of one path at its last successful sync.
// Checksum digests the master-side plaintext; the backup signature may
// differ when a pipeline transforms the stored bytes.
type Entry struct {
	GroupID       string
	Path          string
	Checksum      string
	Size          int64
	ModTime       time.Time
	BackupSize    int64
	BackupModTime time.Time
	SyncedAt      time.Time
}

// Record upserts the current state for (entry.GroupID, entry.Path) and
// appends it to the history.
func (s *Store) Record(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return s.classify(fmt.Errorf("begin record: %w", err))
	}
	syncedAt := e.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now()
	}
	_, err = tx.Exec(`INSERT INTO files
			(group_id, path, checksum, size, mtime_ns, synced_at, backup_size, backup_mtime_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (group_id, path) DO UPDATE SET
			checksum = excluded.checksum,
			size = excluded.size,
			mtime_ns = excluded.mtime_ns,
			synced_at = excluded.synced_at,
			backup_size = excluded.backup_size,
			backup_mtime_ns = excluded.backup_mtime_ns`,
		e.GroupID, e.Path, e.Checksum, e.Size, e.ModTime.UnixNano(),
		syncedAt.UnixNano(), e.BackupSize, e.BackupModTime.UnixNano())
	if err != nil {
		tx.Rollback()
		return s.classify(fmt.Errorf("record %s: %w", e.Path, err))
	}
	_, err = tx.Exec(`INSERT INTO history
			(group_id, path, checksum, size, mtime_ns, synced_at, backup_size, backup_mtime_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.GroupID, e.Path, e.Checksum, e.Size, e.ModTime.UnixNano(),
		syncedAt.UnixNano(), e.BackupSize, e.BackupModTime.UnixNano())
	if err != nil {
		tx.Rollback()
		return s.classify(fmt.Errorf("record history %s: %w", e.Path, err))
	}
	if err := tx.Commit(); err != nil {
		return s.classify(fmt.Errorf("commit record: %w", err))
	}
	return nil
}

const entryColumns = `group_id, path, checksum, size, mtime_ns, synced_at, backup_size, backup_mtime_ns`

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	var mtime, synced, backupMtime int64
	err := row.Scan(&e.GroupID, &e.Path, &e.Checksum, &e.Size, &mtime, &synced, &e.BackupSize, &backupMtime)
	if err != nil {
		return Entry{}, err
	}
	e.ModTime = time.Unix(0, mtime)
	e.SyncedAt = time.Unix(0, synced)
	e.BackupModTime = time.Unix(0, backupMtime)
	return e, nil
}

// Lookup returns the tracked state for one path.
func (s *Store) Lookup(groupID, relPath string) (Entry, bool, error) {
	row := s.db.QueryRow(
		`SELECT `+entryColumns+` FROM files WHERE group_id = ? AND path = ?`,
		groupID, relPath)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, s.classify(fmt.Errorf("lookup %s: %w", relPath, err))
	}
	return e, true, nil
}

// Entries returns every tracked path for a group, keyed by path.
func (s *Store) Entries(groupID string) (map[string]Entry, error) {
	rows, err := s.db.Query(
		`SELECT `+entryColumns+` FROM files WHERE group_id = ?`, groupID)
	if err != nil {
		return nil, s.classify(fmt.Errorf("entries: %w", err))
	}
	defer rows.Close()

	out := make(map[string]Entry)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, s.classify(fmt.Errorf("entries scan: %w", err))
		}
		out[e.Path] = e
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(fmt.Errorf("entries: %w", err))
	}
	return out, nil
}

// History returns up to limit prior sync records for a path, newest
// first. limit <= 0 means no limit.
func (s *Store) History(groupID, relPath string, limit int) ([]Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM history WHERE group_id = ? AND path = ? ORDER BY id DESC`
	args := []any{groupID, relPath}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, s.classify(fmt.Errorf("history %s: %w", relPath, err))
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, s.classify(fmt.Errorf("history scan: %w", err))
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(fmt.Errorf("history %s: %w", relPath, err))
	}
	return out, nil
}

// Forget drops the tracked state for a path, keeping its history.
func (s *Store) Forget(groupID, relPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM files WHERE group_id = ? AND path = ?`, groupID, relPath)
	if err != nil {
		return s.classify(fmt.Errorf("forget %s: %w", relPath, err))
	}
	return nil
}

// Run is one row of the run ledger.
type Run struct {
	ID         string
	GroupID    string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Copied     int64
	Deleted    int64
	Failed     int64
	Conflicts  int64
	Bytes      int64
}

// RecordRun appends a run to the ledger.
func (s *Store) RecordRun(r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO runs
			(id, group_id, status, started_at, finished_at, files_copied, files_deleted, files_failed, conflicts, bytes_copied)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.GroupID, r.Status, r.StartedAt.UnixNano(), r.FinishedAt.UnixNano(),
		r.Copied, r.Deleted, r.Failed, r.Conflicts, r.Bytes)
	if err != nil {
		return s.classify(fmt.Errorf("record run: %w", err))
	}
	return nil
}

// Runs returns up to limit runs for a group, newest first.
func (s *Store) Runs(groupID string, limit int) ([]Run, error) {
	q := `SELECT id, group_id, status, started_at, finished_at, files_copied, files_deleted, files_failed, conflicts, bytes_copied
		FROM runs WHERE group_id = ? ORDER BY started_at DESC`
	args := []any{groupID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, s.classify(fmt.Errorf("runs: %w", err))
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.GroupID, &r.Status, &started, &finished,
			&r.Copied, &r.Deleted, &r.Failed, &r.Conflicts, &r.Bytes); err != nil {
			return nil, s.classify(fmt.Errorf("runs scan: %w", err))
		}
		r.StartedAt = time.Unix(0, started)
		r.FinishedAt = time.Unix(0, finished)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(fmt.Errorf("runs: %w", err))
	}
	return out, nil
}
