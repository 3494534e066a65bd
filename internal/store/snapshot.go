package store

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// Snapshot writes a consistent copy of the database to dst, which must not
// exist yet. WAL content is folded into the copy.
func (s *SQLite) Snapshot(ctx context.Context, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("snapshot target %s already exists", dst)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dst); err != nil {
		return fmt.Errorf("snapshot to %s: %w", dst, err)
	}
	return nil
}

func openBadgerDir(dir string) (*badger.DB, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return db, nil
}

// DumpBadger streams a full backup of the Badger database in dir to w. The
// directory is locked while the dump runs, so the server must be stopped.
func DumpBadger(dir string, w io.Writer) (uint64, error) {
	db, err := openBadgerDir(dir)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	since, err := db.Backup(w, 0)
	if err != nil {
		return 0, fmt.Errorf("dump badger: %w", err)
	}
	return since, nil
}

// LoadBadger replaces the Badger database in dir with a stream produced by
// DumpBadger, including the content id sequence.
func LoadBadger(dir string, r io.Reader) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear %s: %w", dir, err)
	}
	db, err := openBadgerDir(dir)
	if err != nil {
		return err
	}
	if err := db.Load(r, 256); err != nil {
		db.Close()
		return fmt.Errorf("load badger: %w", err)
	}
	return db.Close()
}
