package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"filebot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "filebot.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ptr(s string) *string { return &s }

func TestRunMigrations_FreshAndIdempotent(t *testing.T) {
	s := testStore(t)

	if err := RunMigrations(s.DB(), testLogger()); err != nil {
		t.Fatalf("second migration run failed: %v", err)
	}
	version, err := GetSchemaVersion(s.DB())
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}

	for _, table := range []string{"users", "raw_log", "file_metadata", "binary_content", "schema_version"} {
		var name string
		err := s.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestUsers_FindOrCreate(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	users := testStore(t).Users()

	u, err := users.FindOrCreate(ctx, domain.UserRecord{PlatformUserID: 42, Username: "alice"})
	req.NoError(err)
	req.NotZero(u.ID)
	req.Equal(domain.StateBasic, u.State)
	req.False(u.Active)
	req.Nil(u.Email)
	req.Zero(u.Version)

	again, err := users.FindOrCreate(ctx, domain.UserRecord{PlatformUserID: 42, Username: "renamed"})
	req.NoError(err)
	req.Equal(u.ID, again.ID)
	req.Equal("alice", again.Username, "existing record must not be overwritten")

	missing, err := users.FindByPlatformID(ctx, 7)
	req.NoError(err)
	req.Nil(missing)
}

func TestUsers_FindOrCreateConcurrent(t *testing.T) {
	ctx := context.Background()
	users := testStore(t).Users()

	var wg sync.WaitGroup
	ids := make(chan uint64, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := users.FindOrCreate(ctx, domain.UserRecord{PlatformUserID: 99})
			if err != nil {
				t.Error(err)
				return
			}
			ids <- u.ID
		}()
	}
	wg.Wait()
	close(ids)

	var first uint64
	for id := range ids {
		if first == 0 {
			first = id
		}
		if id != first {
			t.Fatalf("concurrent first sightings produced different ids %d and %d", first, id)
		}
	}

	all, err := users.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestUsers_UpdateCompareAndSet(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	users := testStore(t).Users()

	u, err := users.FindOrCreate(ctx, domain.UserRecord{PlatformUserID: 1})
	req.NoError(err)

	stale := *u

	u.State = domain.StateWaitForEmail
	req.NoError(users.Update(ctx, u))
	req.Equal(int64(1), u.Version)

	stale.State = domain.StateBasic
	err = users.Update(ctx, &stale)
	req.ErrorIs(err, domain.ErrVersionConflict)

	stored, err := users.FindByID(ctx, u.ID)
	req.NoError(err)
	req.Equal(domain.StateWaitForEmail, stored.State)
	req.Equal(int64(1), stored.Version)
}

func TestUsers_UpdateEmailTaken(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	users := testStore(t).Users()

	a, err := users.FindOrCreate(ctx, domain.UserRecord{PlatformUserID: 1})
	req.NoError(err)
	b, err := users.FindOrCreate(ctx, domain.UserRecord{PlatformUserID: 2})
	req.NoError(err)

	a.Email = ptr("a@example.com")
	req.NoError(users.Update(ctx, a))

	b.Email = ptr("a@example.com")
	err = users.Update(ctx, b)
	req.True(errors.Is(err, domain.ErrEmailTaken), "got %v", err)

	found, err := users.FindByEmail(ctx, "a@example.com")
	req.NoError(err)
	req.Equal(a.ID, found.ID)
}

func TestUsers_UpdateMissing(t *testing.T) {
	users := testStore(t).Users()
	err := users.Update(context.Background(), &domain.UserRecord{ID: 404, State: domain.StateBasic})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRawLog_NoDedup(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	log := testStore(t).RawLog()

	entry := domain.RawLogEntry{EventID: "evt-1", UserID: 1, ChatID: 1, Kind: domain.PayloadText, Payload: []byte(`{"text":"hi"}`)}
	req.NoError(log.Append(ctx, entry))
	req.NoError(log.Append(ctx, entry))

	n, err := log.CountByEvent(ctx, "evt-1")
	req.NoError(err)
	req.Equal(2, n)

	recent, err := log.Recent(ctx, 10)
	req.NoError(err)
	req.Len(recent, 2)
	req.Equal(domain.PayloadText, recent[0].Kind)
	req.JSONEq(`{"text":"hi"}`, string(recent[0].Payload))
}

func TestFiles_SaveAndFindByKind(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	files := testStore(t).Files()

	saved, err := files.Save(ctx, domain.FileMetadata{
		Kind:           domain.ResourceDocument,
		PlatformFileID: "tg-file",
		ContentID:      7,
		Size:           3,
		MimeType:       "text/plain",
		Name:           "a.txt",
	})
	req.NoError(err)
	req.NotZero(saved.ID)

	got, err := files.FindByID(ctx, domain.ResourceDocument, saved.ID)
	req.NoError(err)
	req.NotNil(got)
	req.Equal(uint64(7), got.ContentID)
	req.Equal("a.txt", got.Name)

	wrongKind, err := files.FindByID(ctx, domain.ResourcePhoto, saved.ID)
	req.NoError(err)
	req.Nil(wrongKind)

	_, err = files.Save(ctx, domain.FileMetadata{Kind: domain.ResourceDocument, PlatformFileID: "dup", ContentID: 7})
	req.Error(err, "one metadata row per content")
}

func TestSQLiteContent_PutGetDelete(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	contents := testStore(t).Contents()

	id, err := contents.Put(ctx, []byte("hello"))
	req.NoError(err)

	got, err := contents.Get(ctx, id)
	req.NoError(err)
	req.Equal([]byte("hello"), got.Data)

	req.NoError(contents.Delete(ctx, id))
	gone, err := contents.Get(ctx, id)
	req.NoError(err)
	req.Nil(gone)
}

func TestSQLite_Snapshot(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := testStore(t)

	_, err := s.Users().FindOrCreate(ctx, domain.UserRecord{PlatformUserID: 77, Username: "snap"})
	req.NoError(err)

	dst := filepath.Join(t.TempDir(), "copy.db")
	req.NoError(s.Snapshot(ctx, dst))
	req.Error(s.Snapshot(ctx, dst), "existing target must be refused")

	copied, err := Open(dst, testLogger())
	req.NoError(err)
	defer copied.Close()
	u, err := copied.Users().FindByPlatformID(ctx, 77)
	req.NoError(err)
	req.NotNil(u)
	req.Equal("snap", u.Username)
}

func TestRunMigrations_RefusesNewerSchema(t *testing.T) {
	s := testStore(t)
	_, err := s.DB().Exec(`INSERT INTO schema_version (version, description) VALUES (?, 'future')`, schemaVersion+1)
	require.NoError(t, err)
	require.Error(t, RunMigrations(s.DB(), testLogger()))
}

func TestStatements(t *testing.T) {
	got := statements("CREATE TABLE a (x INT);\n\n  CREATE INDEX i ON a(x);  \n")
	require.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a(x)"}, got)
}
