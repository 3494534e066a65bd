package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"filebot/internal/domain"
)

const (
	contentPrefix      = "content:"
	contentSequenceKey = "seq:content"
	sequenceBandwidth  = 100
)

// BadgerContentStore keeps file bytes in Badger under monotonically
// increasing ids handed out by a Badger sequence.
type BadgerContentStore struct {
	db     *badger.DB
	seq    *badger.Sequence
	owned  bool
	logger *slog.Logger
}

var _ domain.ContentStore = (*BadgerContentStore)(nil)

// OpenBadgerContentStore opens a Badger database in dir owned by the store.
func OpenBadgerContentStore(dir string, logger *slog.Logger) (*BadgerContentStore, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	s, err := NewBadgerContentStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewBadgerContentStore wraps an already open database.
func NewBadgerContentStore(db *badger.DB, logger *slog.Logger) (*BadgerContentStore, error) {
	seq, err := db.GetSequence([]byte(contentSequenceKey), sequenceBandwidth)
	if err != nil {
		return nil, fmt.Errorf("content sequence: %w", err)
	}
	return &BadgerContentStore{db: db, seq: seq, logger: logger}, nil
}

func contentKey(id uint64) []byte {
	key := make([]byte, len(contentPrefix)+8)
	copy(key, contentPrefix)
	binary.BigEndian.PutUint64(key[len(contentPrefix):], id)
	return key
}

// Put stores data under a fresh id. Ids start at 1.
func (s *BadgerContentStore) Put(ctx context.Context, data []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	next, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next content id: %w", err)
	}
	id := next + 1

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(contentKey(id), data)
	})
	if err != nil {
		return 0, fmt.Errorf("put content %d: %w", id, err)
	}
	return id, nil
}

// Get returns (nil, nil) for an unknown id.
func (s *BadgerContentStore) Get(ctx context.Context, id uint64) (*domain.BinaryContent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(contentKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get content %d: %w", id, err)
	}
	return &domain.BinaryContent{ID: id, Data: data}, nil
}

func (s *BadgerContentStore) Delete(ctx context.Context, id uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(contentKey(id))
	})
	if err != nil {
		return fmt.Errorf("delete content %d: %w", id, err)
	}
	return nil
}

// Close releases the sequence lease and, when the store opened the
// database itself, closes it.
func (s *BadgerContentStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("release content sequence", "err", err)
	}
	if s.owned {
		return s.db.Close()
	}
	return nil
}
