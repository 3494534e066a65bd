// Package store persists users, the raw event log, file metadata and file
// content. SQLite backs the relational data; file bytes can live in SQLite
// or Badger, and the raw log can be mirrored to MongoDB.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLite owns the database handle shared by the SQL repositories.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at dbPath and applies pending migrations.
func Open(dbPath string, logger *slog.Logger) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single writer keeps SQLite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Users() *Users { return &Users{db: s.db} }

func (s *SQLite) RawLog() *RawLog { return &RawLog{db: s.db} }

func (s *SQLite) Files() *Files { return &Files{db: s.db} }

func (s *SQLite) Contents() *SQLiteContent { return &SQLiteContent{db: s.db} }

// Ping checks that the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the raw handle for tooling.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
