// Package flat emulates store buckets on top of engines that only expose a
// single ordered key space, such as pebble and leveldb.
//
// Key layout:
//
//	0x01 <name>                     bucket marker
//	0x02 <uvarint len> <name> <key> bucket data
//	0x03 <name>                     bucket sequence (8 bytes, big endian)
//
// Data keys carry a length-prefixed bucket name so that no bucket prefix is a
// prefix of another one.
package flat

import (
	"encoding/binary"

	"shelf/internal/store"
)

const (
	tagBucket byte = 0x01
	tagData   byte = 0x02
	tagSeq    byte = 0x03
)

// KV is the transactional surface a flat engine provides.
type KV interface {
	// Get returns a copy of the value, or nil when the key is absent.
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	// NewIter iterates keys in [lower, upper). A nil upper is unbounded.
	NewIter(lower, upper []byte) (Iter, error)
	Commit() error
	Discard() error
}

// Iter is a bounded engine iterator.
type Iter interface {
	First() bool
	Last() bool
	SeekGE(key []byte) bool
	Next() bool
	Prev() bool
	Valid() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// Tx implements store.Tx over a KV.
type Tx struct {
	kv       KV
	writable bool
	done     bool
	release  func()
}

// NewTx wraps kv. release, if non-nil, runs once when the transaction ends;
// engines use it to drop their writer lock.
func NewTx(kv KV, writable bool, release func()) *Tx {
	return &Tx{kv: kv, writable: writable, release: release}
}

func (t *Tx) Writable() bool {
	return t.writable
}

func (t *Tx) Bucket(name []byte) (store.Bucket, error) {
	if err := t.check(name, false); err != nil {
		return nil, err
	}
	marker, err := t.kv.Get(markerKey(name))
	if err != nil {
		return nil, err
	}
	if marker == nil {
		return nil, nil
	}
	return t.bucket(name), nil
}

func (t *Tx) CreateBucket(name []byte) (store.Bucket, error) {
	if err := t.check(name, false); err != nil {
		return nil, err
	}
	marker, err := t.kv.Get(markerKey(name))
	if err != nil {
		return nil, err
	}
	if marker == nil {
		if !t.writable {
			return nil, store.ErrTxNotWritable
		}
		if err := t.kv.Set(markerKey(name), []byte{1}); err != nil {
			return nil, err
		}
	}
	return t.bucket(name), nil
}

func (t *Tx) DeleteBucket(name []byte) error {
	if err := t.check(name, true); err != nil {
		return err
	}
	b := t.bucket(name)
	keys, err := store.Keys(b)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := t.kv.Delete(b.dataKey(k)); err != nil {
			return err
		}
	}
	if err := t.kv.Delete(seqKey(name)); err != nil {
		return err
	}
	return t.kv.Delete(markerKey(name))
}

func (t *Tx) Commit() error {
	if t.done {
		return store.ErrTxClosed
	}
	defer t.finish()
	if !t.writable {
		return t.kv.Discard()
	}
	return t.kv.Commit()
}

func (t *Tx) Rollback() error {
	if t.done {
		return store.ErrTxClosed
	}
	defer t.finish()
	return t.kv.Discard()
}

// finish runs after the batch is applied or dropped, so the next writer
// sees it.
func (t *Tx) finish() {
	t.done = true
	if t.release != nil {
		t.release()
		t.release = nil
	}
}

func (t *Tx) check(name []byte, write bool) error {
	if t.done {
		return store.ErrTxClosed
	}
	if len(name) == 0 {
		return store.ErrBucketName
	}
	if write && !t.writable {
		return store.ErrTxNotWritable
	}
	return nil
}

func (t *Tx) bucket(name []byte) *Bucket {
	prefix := make([]byte, 0, 1+binary.MaxVarintLen64+len(name))
	prefix = append(prefix, tagData)
	prefix = binary.AppendUvarint(prefix, uint64(len(name)))
	prefix = append(prefix, name...)
	return &Bucket{tx: t, name: append([]byte(nil), name...), prefix: prefix}
}

// Bucket is a prefix of the flat key space.
type Bucket struct {
	tx     *Tx
	name   []byte
	prefix []byte
}

func (b *Bucket) Get(key []byte) ([]byte, error) {
	if b.tx.done {
		return nil, store.ErrTxClosed
	}
	return b.tx.kv.Get(b.dataKey(key))
}

func (b *Bucket) Put(key, value []byte) error {
	if err := b.tx.check(b.name, true); err != nil {
		return err
	}
	return b.tx.kv.Set(b.dataKey(key), append([]byte(nil), value...))
}

func (b *Bucket) Delete(key []byte) error {
	if err := b.tx.check(b.name, true); err != nil {
		return err
	}
	return b.tx.kv.Delete(b.dataKey(key))
}

func (b *Bucket) Sequence() (uint64, error) {
	if b.tx.done {
		return 0, store.ErrTxClosed
	}
	raw, err := b.tx.kv.Get(seqKey(b.name))
	if err != nil || len(raw) != 8 {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (b *Bucket) SetSequence(v uint64) error {
	if err := b.tx.check(b.name, true); err != nil {
		return err
	}
	return b.tx.kv.Set(seqKey(b.name), binary.BigEndian.AppendUint64(nil, v))
}

func (b *Bucket) Cursor() (store.Cursor, error) {
	if b.tx.done {
		return nil, store.ErrTxClosed
	}
	it, err := b.tx.kv.NewIter(b.prefix, store.PrefixEnd(b.prefix))
	if err != nil {
		return nil, err
	}
	return &Cursor{it: it, prefix: b.prefix}, nil
}

func (b *Bucket) dataKey(key []byte) []byte {
	out := make([]byte, 0, len(b.prefix)+len(key))
	out = append(out, b.prefix...)
	return append(out, key...)
}

// Cursor adapts an Iter bounded to one bucket prefix.
type Cursor struct {
	it     Iter
	prefix []byte
}

func (c *Cursor) First() ([]byte, []byte) { return c.at(c.it.First()) }
func (c *Cursor) Last() ([]byte, []byte)  { return c.at(c.it.Last()) }
func (c *Cursor) Next() ([]byte, []byte)  { return c.at(c.it.Next()) }
func (c *Cursor) Prev() ([]byte, []byte)  { return c.at(c.it.Prev()) }
func (c *Cursor) Err() error              { return c.it.Error() }
func (c *Cursor) Close() error            { return c.it.Close() }

func (c *Cursor) Seek(seek []byte) ([]byte, []byte) {
	target := make([]byte, 0, len(c.prefix)+len(seek))
	target = append(target, c.prefix...)
	target = append(target, seek...)
	return c.at(c.it.SeekGE(target))
}

func (c *Cursor) at(ok bool) ([]byte, []byte) {
	if !ok || !c.it.Valid() {
		return nil, nil
	}
	k := c.it.Key()
	if len(k) < len(c.prefix) {
		return nil, nil
	}
	key := append([]byte{}, k[len(c.prefix):]...)
	val := append([]byte{}, c.it.Value()...)
	return key, val
}

func markerKey(name []byte) []byte {
	return append([]byte{tagBucket}, name...)
}

func seqKey(name []byte) []byte {
	return append([]byte{tagSeq}, name...)
}
