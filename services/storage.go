package services

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/batnet/ledger/protocol"
)

// LevelDBStore implements protocol.Store over an embedded leveldb database.
// All ledger state lives in one keyspace; callers namespace with key
// prefixes.
type LevelDBStore struct {
	db *leveldb.DB
}

// NewLevelDBStore opens (or creates) the database at dir.
func NewLevelDBStore(dir string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("opening ledger database %s: %w", dir, err)
	}
	return &LevelDBStore{db: db}, nil
}

// Put implements protocol.Store. Writes are synchronous by default so
// crash recovery never observes a persisted state ahead of the write that
// produced it.
func (s *LevelDBStore) Put(key string, value []byte) error {
	return s.db.Put([]byte(key), value, nil)
}

// Get implements protocol.Store.
func (s *LevelDBStore) Get(key string) ([]byte, error) {
	value, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, protocol.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Delete implements protocol.Store. Deleting a missing key is not an error.
func (s *LevelDBStore) Delete(key string) error {
	return s.db.Delete([]byte(key), nil)
}

// Iterate implements protocol.Store, visiting keys with the given prefix in
// lexical order.
func (s *LevelDBStore) Iterate(prefix string, fn func(key string, value []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	for iter.Next() {
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())
		if err := fn(string(iter.Key()), value); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Close flushes and closes the database.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
