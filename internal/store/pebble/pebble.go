package pebble

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"

	"shelf/internal/store"
	"shelf/internal/store/flat"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Store implements store.Store on pebble. Pebble has no transactions, so a
// writable transaction is an indexed batch (reads see its own writes) and a
// read-only one is a snapshot. Writers are serialized by writeLock.
type Store struct {
	db        *pebble.DB
	writeLock sync.Mutex
}

// Open creates or opens a pebble database in dir.
func Open(dir string) (*Store, error) {
	return open(dir, &pebble.Options{})
}

// OpenInMemory opens a database backed by an in-memory filesystem.
func OpenInMemory() (*Store, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(dir string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, fmt.Errorf("opening pebble db %s: %w", dir, store.ErrLocked)
		}
		return nil, fmt.Errorf("opening pebble db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Begin(writable bool) (store.Tx, error) {
	if !writable {
		return flat.NewTx(&snapshotKV{snap: s.db.NewSnapshot()}, false, nil), nil
	}
	s.writeLock.Lock()
	kv := &batchKV{batch: s.db.NewIndexedBatch()}
	return flat.NewTx(kv, true, s.writeLock.Unlock), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type batchKV struct {
	batch *pebble.Batch
}

func (b *batchKV) Get(key []byte) ([]byte, error) {
	return get(b.batch.Get(key))
}

func (b *batchKV) Set(key, value []byte) error {
	return b.batch.Set(key, value, nil)
}

func (b *batchKV) Delete(key []byte) error {
	return b.batch.Delete(key, nil)
}

func (b *batchKV) NewIter(lower, upper []byte) (flat.Iter, error) {
	it, err := b.batch.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	return &iter{it}, nil
}

func (b *batchKV) Commit() error {
	defer b.batch.Close()
	return b.batch.Commit(pebble.Sync)
}

func (b *batchKV) Discard() error {
	return b.batch.Close()
}

type snapshotKV struct {
	snap *pebble.Snapshot
}

func (s *snapshotKV) Get(key []byte) ([]byte, error) {
	return get(s.snap.Get(key))
}

func (s *snapshotKV) Set(_, _ []byte) error {
	return store.ErrTxNotWritable
}

func (s *snapshotKV) Delete(_ []byte) error {
	return store.ErrTxNotWritable
}

func (s *snapshotKV) NewIter(lower, upper []byte) (flat.Iter, error) {
	it, err := s.snap.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	return &iter{it}, nil
}

func (s *snapshotKV) Commit() error {
	return s.snap.Close()
}

func (s *snapshotKV) Discard() error {
	return s.snap.Close()
}

func get(val []byte, closer io.Closer, err error) ([]byte, error) {
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	// Copy the value since the closer will invalidate it
	result := make([]byte, len(val))
	copy(result, val)
	return result, nil
}

// iter adapts *pebble.Iterator to flat.Iter.
type iter struct {
	*pebble.Iterator
}
