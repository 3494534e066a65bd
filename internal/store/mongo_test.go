package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"filebot/internal/domain"
)

func TestToRawLogDocument(t *testing.T) {
	doc := toRawLogDocument(domain.RawLogEntry{
		EventID: "e1",
		UserID:  5,
		Kind:    domain.PayloadText,
		Payload: []byte(`{"text":"hello"}`),
	})
	require.Equal(t, "hello", doc.Payload["text"])
	require.Nil(t, doc.Raw)
	require.False(t, doc.CreatedAt.IsZero())

	doc = toRawLogDocument(domain.RawLogEntry{EventID: "e2", Payload: []byte("not json")})
	require.Nil(t, doc.Payload)
	require.Equal(t, []byte("not json"), doc.Raw)
}

type recordingLog struct {
	entries []domain.RawLogEntry
	err     error
}

func (r *recordingLog) Append(_ context.Context, e domain.RawLogEntry) error {
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, e)
	return nil
}

func TestTeeRawLog(t *testing.T) {
	ctx := context.Background()
	primary := &recordingLog{}
	broken := &recordingLog{err: errors.New("mirror down")}
	mirror := &recordingLog{}

	tee := NewTeeRawLog(testLogger(), primary, broken, mirror)
	require.NoError(t, tee.Append(ctx, domain.RawLogEntry{EventID: "a"}))
	require.Len(t, primary.entries, 1)
	require.Len(t, mirror.entries, 1)

	failing := NewTeeRawLog(testLogger(), &recordingLog{err: errors.New("disk full")}, mirror)
	require.Error(t, failing.Append(ctx, domain.RawLogEntry{EventID: "b"}))
	require.Len(t, mirror.entries, 1, "mirrors are skipped when the primary fails")
}
