package leveldb

import (
	"errors"
	"fmt"
	"syscall"

	"shelf/internal/store"
	"shelf/internal/store/flat"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var defaultOptions = opt.Options{
	Compression:            opt.NoCompression,
	BlockCacheCapacity:     8 * opt.MiB,
	WriteBuffer:            4 * opt.MiB,
	DisableSeeksCompaction: true,
}

// Store implements store.Store on goleveldb. Writable transactions use
// leveldb's own OpenTransaction, which excludes every other writer until it
// is committed or discarded; read-only transactions use snapshots.
type Store struct {
	ldb *leveldb.DB
}

// Open creates or opens a leveldb database in dir.
func Open(dir string) (*Store, error) {
	opts := defaultOptions
	ldb, err := leveldb.OpenFile(dir, &opts)
	if err != nil {
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, fmt.Errorf("opening leveldb %s: %w", dir, store.ErrLocked)
		}
		return nil, fmt.Errorf("opening leveldb: %w", err)
	}
	return &Store{ldb: ldb}, nil
}

// OpenInMemory opens a database backed by memory storage.
func OpenInMemory() (*Store, error) {
	ldb, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("opening in-memory leveldb: %w", err)
	}
	return &Store{ldb: ldb}, nil
}

func (s *Store) Begin(writable bool) (store.Tx, error) {
	if !writable {
		snap, err := s.ldb.GetSnapshot()
		if err != nil {
			return nil, err
		}
		return flat.NewTx(&snapshotKV{snap: snap}, false, nil), nil
	}
	tr, err := s.ldb.OpenTransaction()
	if err != nil {
		return nil, err
	}
	return flat.NewTx(&transactionKV{tr: tr}, true, nil), nil
}

func (s *Store) Close() error {
	return s.ldb.Close()
}

type transactionKV struct {
	tr *leveldb.Transaction
}

func (t *transactionKV) Get(key []byte) ([]byte, error) {
	val, err := t.tr.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	return val, err
}

func (t *transactionKV) Set(key, value []byte) error {
	return t.tr.Put(key, value, nil)
}

func (t *transactionKV) Delete(key []byte) error {
	return t.tr.Delete(key, nil)
}

func (t *transactionKV) NewIter(lower, upper []byte) (flat.Iter, error) {
	return &iter{t.tr.NewIterator(&util.Range{Start: lower, Limit: upper}, nil)}, nil
}

func (t *transactionKV) Commit() error {
	return t.tr.Commit()
}

func (t *transactionKV) Discard() error {
	t.tr.Discard()
	return nil
}

type snapshotKV struct {
	snap *leveldb.Snapshot
}

func (s *snapshotKV) Get(key []byte) ([]byte, error) {
	val, err := s.snap.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	return val, err
}

func (s *snapshotKV) Set(_, _ []byte) error {
	return store.ErrTxNotWritable
}

func (s *snapshotKV) Delete(_ []byte) error {
	return store.ErrTxNotWritable
}

func (s *snapshotKV) NewIter(lower, upper []byte) (flat.Iter, error) {
	return &iter{s.snap.NewIterator(&util.Range{Start: lower, Limit: upper}, nil)}, nil
}

func (s *snapshotKV) Commit() error {
	s.snap.Release()
	return nil
}

func (s *snapshotKV) Discard() error {
	s.snap.Release()
	return nil
}

// iter adapts a leveldb iterator to flat.Iter.
type iter struct {
	it iterator.Iterator
}

func (i *iter) First() bool            { return i.it.First() }
func (i *iter) Last() bool             { return i.it.Last() }
func (i *iter) SeekGE(key []byte) bool { return i.it.Seek(key) }
func (i *iter) Next() bool             { return i.it.Next() }
func (i *iter) Prev() bool             { return i.it.Prev() }
func (i *iter) Valid() bool            { return i.it.Valid() }
func (i *iter) Key() []byte            { return i.it.Key() }
func (i *iter) Value() []byte          { return i.it.Value() }
func (i *iter) Error() error           { return i.it.Error() }

func (i *iter) Close() error {
	i.it.Release()
	return nil
}
