package store

import (
	"bytes"
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

func TestBadgerContentStore(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	defer db.Close()

	s, err := NewBadgerContentStore(db, testLogger())
	req.NoError(err)
	defer s.Close()

	first, err := s.Put(ctx, []byte("one"))
	req.NoError(err)
	second, err := s.Put(ctx, []byte("two"))
	req.NoError(err)
	req.NotZero(first)
	req.Greater(second, first)

	got, err := s.Get(ctx, second)
	req.NoError(err)
	req.Equal([]byte("two"), got.Data)

	req.NoError(s.Delete(ctx, first))
	gone, err := s.Get(ctx, first)
	req.NoError(err)
	req.Nil(gone)

	missing, err := s.Get(ctx, 12345)
	req.NoError(err)
	req.Nil(missing)
}

func TestBadgerContentStore_CancelledContext(t *testing.T) {
	s, err := OpenBadgerContentStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Put(ctx, []byte("x"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestDumpAndLoadBadger(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	src := t.TempDir()

	s, err := OpenBadgerContentStore(src, testLogger())
	req.NoError(err)
	id, err := s.Put(ctx, []byte("payload"))
	req.NoError(err)
	req.NoError(s.Close())

	var dump bytes.Buffer
	_, err = DumpBadger(src, &dump)
	req.NoError(err)

	dst := t.TempDir()
	req.NoError(LoadBadger(dst, &dump))

	restored, err := OpenBadgerContentStore(dst, testLogger())
	req.NoError(err)
	defer restored.Close()

	got, err := restored.Get(ctx, id)
	req.NoError(err)
	req.NotNil(got)
	req.Equal([]byte("payload"), got.Data)

	next, err := restored.Put(ctx, []byte("after restore"))
	req.NoError(err)
	req.Greater(next, id, "restored sequence must not hand out used ids")
}
