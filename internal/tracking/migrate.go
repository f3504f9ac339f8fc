package tracking

import (
	"database/sql"
	"fmt"
	"time"
)

// migration is one additive schema step. Never edit a shipped
// migration; append a new version.
type migration struct {
	version     int
	description string
	stmts       []string
}

var migrations = []migration{
	{
		version:     1,
		description: "tracked files and per-path history",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS files (
				group_id  TEXT NOT NULL,
				path      TEXT NOT NULL,
				checksum  TEXT NOT NULL,
				size      INTEGER NOT NULL,
				mtime_ns  INTEGER NOT NULL,
				synced_at INTEGER NOT NULL,
				PRIMARY KEY (group_id, path)
			)`,
			`CREATE TABLE IF NOT EXISTS history (
				id        INTEGER PRIMARY KEY AUTOINCREMENT,
				group_id  TEXT NOT NULL,
				path      TEXT NOT NULL,
				checksum  TEXT NOT NULL,
				size      INTEGER NOT NULL,
				mtime_ns  INTEGER NOT NULL,
				synced_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS history_group_path ON history(group_id, path, id)`,
		},
	},
	{
		version:     2,
		description: "run ledger",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS runs (
				id            TEXT PRIMARY KEY,
				group_id      TEXT NOT NULL,
				status        TEXT NOT NULL,
				started_at    INTEGER NOT NULL,
				finished_at   INTEGER NOT NULL,
				files_copied  INTEGER NOT NULL DEFAULT 0,
				files_deleted INTEGER NOT NULL DEFAULT 0,
				files_failed  INTEGER NOT NULL DEFAULT 0,
				conflicts     INTEGER NOT NULL DEFAULT 0,
				bytes_copied  INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS runs_group ON runs(group_id, started_at)`,
		},
	},
	{
		// Pipeline-transformed backups no longer share the master's
		// size/mtime, so the backup side needs its own signature.
		version:     3,
		description: "backup-side signatures",
		stmts: []string{
			`ALTER TABLE files ADD COLUMN backup_size INTEGER NOT NULL DEFAULT -1`,
			`ALTER TABLE files ADD COLUMN backup_mtime_ns INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE history ADD COLUMN backup_size INTEGER NOT NULL DEFAULT -1`,
			`ALTER TABLE history ADD COLUMN backup_mtime_ns INTEGER NOT NULL DEFAULT 0`,
		},
	},
}

// schemaVersion is the head version this build understands.
func schemaVersion() int {
	return migrations[len(migrations)-1].version
}

// migrate brings the database to the head version, applying each
// pending migration in its own transaction.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		applied_at  INTEGER NOT NULL,
		description TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > schemaVersion() {
		return fmt.Errorf("tracking store schema v%d is newer than this build (v%d)", current, schemaVersion())
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration v%d (%s): %w", m.version, m.description, err)
			}
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)`,
			m.version, time.Now().Unix(), m.description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}
