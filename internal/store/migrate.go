package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the version the last entry of migrations produces.
const schemaVersion = 3

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations run in order, each exactly once.
var migrations = []migration{
	{
		Version:     1,
		Description: "users and raw event log",
		SQL: `
		CREATE TABLE IF NOT EXISTS users (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			platform_user_id INTEGER NOT NULL UNIQUE,
			username         TEXT NOT NULL DEFAULT '',
			first_name       TEXT NOT NULL DEFAULT '',
			last_name        TEXT NOT NULL DEFAULT '',
			email            TEXT,
			active           INTEGER NOT NULL DEFAULT 0,
			state            TEXT NOT NULL DEFAULT 'BASIC',
			version          INTEGER NOT NULL DEFAULT 0,
			created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at       DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email);

		CREATE TABLE IF NOT EXISTS raw_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id   TEXT NOT NULL,
			user_id    INTEGER NOT NULL,
			chat_id    INTEGER NOT NULL,
			kind       TEXT NOT NULL,
			payload    BLOB,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_raw_log_user ON raw_log(user_id, created_at);
		`,
	},
	{
		Version:     2,
		Description: "file metadata",
		SQL: `
		CREATE TABLE IF NOT EXISTS file_metadata (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			kind             TEXT NOT NULL,
			platform_file_id TEXT NOT NULL,
			content_id       INTEGER NOT NULL UNIQUE,
			size             INTEGER NOT NULL DEFAULT 0,
			mime_type        TEXT NOT NULL DEFAULT '',
			name             TEXT NOT NULL DEFAULT '',
			created_at       DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_file_metadata_kind ON file_metadata(kind, id);
		`,
	},
	{
		Version:     3,
		Description: "binary content",
		SQL: `
		CREATE TABLE IF NOT EXISTS binary_content (
			id   INTEGER PRIMARY KEY AUTOINCREMENT,
			data BLOB NOT NULL
		);
		`,
	},
}

// RunMigrations brings db up to schemaVersion. Each migration commits in
// its own transaction together with its schema_version row.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version     INTEGER PRIMARY KEY,
		description TEXT,
		applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}
	if current > schemaVersion {
		return fmt.Errorf("database schema v%d is newer than this binary (v%d)", current, schemaVersion)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
		logger.Info("schema migrated", "version", m.Version, "description", m.Description)
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration v%d: %w", m.Version, err)
	}
	defer tx.Rollback()

	for _, stmt := range statements(m.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration v%d (%s): %w", m.Version, m.Description, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, description) VALUES (?, ?)`, m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return tx.Commit()
}

// statements splits a migration script on semicolons. Scripts carry no
// semicolons inside literals or triggers.
func statements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// GetSchemaVersion reports the highest applied migration, 0 for a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}
