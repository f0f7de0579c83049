package bolt

import (
	"errors"
	"fmt"
	"time"

	"shelf/internal/store"

	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

// DefaultOpenTimeout bounds how long Open waits for the file lock.
const DefaultOpenTimeout = time.Second

// Store implements store.Store using bbolt (embedded B+ tree).
type Store struct {
	db *bolt.DB
}

// Open creates or opens a bbolt database at the given path. A lock held by
// another connection surfaces as store.ErrLocked once timeout expires.
func Open(path string, timeout time.Duration) (*Store, error) {
	if timeout <= 0 {
		timeout = DefaultOpenTimeout
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		if errors.Is(err, berrors.ErrTimeout) {
			return nil, fmt.Errorf("opening bolt db %s: %w", path, store.ErrLocked)
		}
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	return &Store{db: db}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.db.Path()
}

func (s *Store) Begin(writable bool) (store.Tx, error) {
	tx, err := s.db.Begin(writable)
	if err != nil {
		return nil, translate(err)
	}
	return &Tx{tx: tx}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Tx wraps a bolt transaction.
type Tx struct {
	tx *bolt.Tx
}

func (t *Tx) Writable() bool {
	return t.tx.Writable()
}

func (t *Tx) Bucket(name []byte) (store.Bucket, error) {
	if len(name) == 0 {
		return nil, store.ErrBucketName
	}
	if t.tx.DB() == nil {
		return nil, store.ErrTxClosed
	}
	b := t.tx.Bucket(name)
	if b == nil {
		return nil, nil
	}
	return &Bucket{b: b}, nil
}

func (t *Tx) CreateBucket(name []byte) (store.Bucket, error) {
	if len(name) == 0 {
		return nil, store.ErrBucketName
	}
	b, err := t.tx.CreateBucketIfNotExists(name)
	if err != nil {
		return nil, translate(err)
	}
	return &Bucket{b: b}, nil
}

func (t *Tx) DeleteBucket(name []byte) error {
	err := t.tx.DeleteBucket(name)
	if errors.Is(err, berrors.ErrBucketNotFound) {
		return nil
	}
	return translate(err)
}

func (t *Tx) Commit() error {
	return translate(t.tx.Commit())
}

func (t *Tx) Rollback() error {
	return translate(t.tx.Rollback())
}

// Bucket wraps a bolt bucket. Values are copied out because bolt only
// guarantees them for the lifetime of the transaction.
type Bucket struct {
	b *bolt.Bucket
}

func (b *Bucket) Get(key []byte) ([]byte, error) {
	return clone(b.b.Get(key)), nil
}

func (b *Bucket) Put(key, value []byte) error {
	return translate(b.b.Put(key, value))
}

func (b *Bucket) Delete(key []byte) error {
	return translate(b.b.Delete(key))
}

func (b *Bucket) Sequence() (uint64, error) {
	return b.b.Sequence(), nil
}

func (b *Bucket) SetSequence(v uint64) error {
	return translate(b.b.SetSequence(v))
}

func (b *Bucket) Cursor() (store.Cursor, error) {
	return &Cursor{c: b.b.Cursor()}, nil
}

// Cursor wraps a bolt cursor; bolt cursors need no cleanup.
type Cursor struct {
	c *bolt.Cursor
}

func (c *Cursor) First() ([]byte, []byte)           { return pair(c.c.First()) }
func (c *Cursor) Last() ([]byte, []byte)            { return pair(c.c.Last()) }
func (c *Cursor) Seek(seek []byte) ([]byte, []byte) { return pair(c.c.Seek(seek)) }
func (c *Cursor) Next() ([]byte, []byte)            { return pair(c.c.Next()) }
func (c *Cursor) Prev() ([]byte, []byte)            { return pair(c.c.Prev()) }
func (c *Cursor) Err() error                        { return nil }
func (c *Cursor) Close() error                      { return nil }

func pair(k, v []byte) ([]byte, []byte) {
	if k == nil {
		return nil, nil
	}
	val := clone(v)
	if val == nil {
		val = []byte{}
	}
	return clone(k), val
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, berrors.ErrTxNotWritable):
		return store.ErrTxNotWritable
	case errors.Is(err, berrors.ErrTxClosed), errors.Is(err, berrors.ErrDatabaseNotOpen):
		return store.ErrTxClosed
	default:
		return err
	}
}
