package store

import "errors"

// Store is an abstract ordered key-value engine partitioned into buckets.
// bbolt provides buckets natively; pebble and leveldb emulate them over a
// flat key space (see package flat). Everything above this package talks to
// the engine only through these interfaces.
type Store interface {
	// Begin starts a transaction. Writable transactions are serialized by
	// the engine; read-only transactions see a consistent snapshot.
	Begin(writable bool) (Tx, error)
	Close() error
}

// Tx is one engine transaction. It must be finished with exactly one of
// Commit or Rollback and must not be shared between goroutines.
type Tx interface {
	Writable() bool

	// Bucket returns the named bucket, or nil if it does not exist.
	Bucket(name []byte) (Bucket, error)
	// CreateBucket returns the named bucket, creating it if needed.
	CreateBucket(name []byte) (Bucket, error)
	// DeleteBucket removes a bucket with all of its keys. Deleting a
	// missing bucket is not an error.
	DeleteBucket(name []byte) error

	Commit() error
	Rollback() error
}

// Bucket is an ordered map of byte keys inside a transaction.
// Slices returned by Get and Cursor are owned by the caller.
type Bucket interface {
	// Get returns the value for key, or nil if the key is absent.
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error

	// Sequence returns the bucket's monotonically managed counter.
	Sequence() (uint64, error)
	SetSequence(v uint64) error

	// Cursor opens a positioned iterator. It must be closed and must not be
	// used across mutations of the bucket: reposition with Seek instead.
	Cursor() (Cursor, error)
}

// Cursor walks a bucket in byte order. Every positioning call returns the
// key and value at the new position, or a nil key once it runs off either end.
type Cursor interface {
	First() (key, value []byte)
	Last() (key, value []byte)
	Seek(seek []byte) (key, value []byte)
	Next() (key, value []byte)
	Prev() (key, value []byte)
	Err() error
	Close() error
}

var (
	// ErrLocked is returned by engine constructors when another connection
	// holds the database lock.
	ErrLocked = errors.New("store: database locked by another connection")
	// ErrTxNotWritable is returned when a write is issued in a read-only transaction.
	ErrTxNotWritable = errors.New("store: transaction not writable")
	// ErrTxClosed is returned when a finished transaction is used again.
	ErrTxClosed = errors.New("store: transaction closed")
	// ErrBucketName is returned for an empty bucket name.
	ErrBucketName = errors.New("store: invalid bucket name")
)

// ForEach calls fn for every key/value pair of b in ascending order.
// Iteration stops at the first error returned by fn.
func ForEach(b Bucket, fn func(key, value []byte) error) error {
	c, err := b.Cursor()
	if err != nil {
		return err
	}
	defer c.Close()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return c.Err()
}

// Keys returns a copy of every key in b. Callers use it to mutate a bucket
// safely while walking it.
func Keys(b Bucket) ([][]byte, error) {
	var keys [][]byte
	err := ForEach(b, func(k, _ []byte) error {
		keys = append(keys, k)
		return nil
	})
	return keys, err
}

// PrefixEnd returns the smallest key greater than every key starting with
// prefix, or nil if no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
