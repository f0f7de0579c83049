// Package storetest holds the conformance suite every store.Store engine
// runs from its own tests.
package storetest

import (
	"testing"
	"time"

	"shelf/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores produced by open.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"bucket_lifecycle", testBucketLifecycle},
		{"put_get_delete", testPutGetDelete},
		{"rollback_discards_writes", testRollback},
		{"read_only_rejects_writes", testReadOnly},
		{"cursor_order", testCursorOrder},
		{"cursor_seek", testCursorSeek},
		{"buckets_are_isolated", testBucketIsolation},
		{"sequence", testSequence},
		{"closed_tx", testClosedTx},
		{"writer_sees_previous_commit", testWriterSeesPreviousCommit},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			defer s.Close() //nolint:errcheck
			tc.fn(t, s)
		})
	}
}

func update(t *testing.T, s store.Store, fn func(tx store.Tx)) {
	t.Helper()
	tx, err := s.Begin(true)
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func view(t *testing.T, s store.Store, fn func(tx store.Tx)) {
	t.Helper()
	tx, err := s.Begin(false)
	require.NoError(t, err)
	defer tx.Rollback() //nolint:errcheck
	fn(tx)
}

func testBucketLifecycle(t *testing.T, s store.Store) {
	view(t, s, func(tx store.Tx) {
		b, err := tx.Bucket([]byte("people"))
		require.NoError(t, err)
		assert.Nil(t, b)
	})
	update(t, s, func(tx store.Tx) {
		b, err := tx.CreateBucket([]byte("people"))
		require.NoError(t, err)
		require.NoError(t, b.Put([]byte("k"), []byte("v")))
	})
	update(t, s, func(tx store.Tx) {
		b, err := tx.CreateBucket([]byte("people"))
		require.NoError(t, err)
		v, err := b.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v, "CreateBucket must keep an existing bucket")
		require.NoError(t, tx.DeleteBucket([]byte("people")))
		require.NoError(t, tx.DeleteBucket([]byte("missing")))
	})
	view(t, s, func(tx store.Tx) {
		b, err := tx.Bucket([]byte("people"))
		require.NoError(t, err)
		assert.Nil(t, b)
	})
	update(t, s, func(tx store.Tx) {
		b, err := tx.CreateBucket([]byte("people"))
		require.NoError(t, err)
		v, err := b.Get([]byte("k"))
		require.NoError(t, err)
		assert.Nil(t, v, "recreated bucket must be empty")
	})

	tx, err := s.Begin(true)
	require.NoError(t, err)
	defer tx.Rollback() //nolint:errcheck
	_, err = tx.CreateBucket(nil)
	assert.ErrorIs(t, err, store.ErrBucketName)
}

func testPutGetDelete(t *testing.T, s store.Store) {
	update(t, s, func(tx store.Tx) {
		b, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)
		require.NoError(t, b.Put([]byte("a"), []byte("1")))
		require.NoError(t, b.Put([]byte("a"), []byte("2")))

		v, err := b.Get([]byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), v, "reads must see the transaction's own writes")

		require.NoError(t, b.Put([]byte("gone"), []byte("x")))
		require.NoError(t, b.Delete([]byte("gone")))
		require.NoError(t, b.Delete([]byte("never-there")))
	})
	view(t, s, func(tx store.Tx) {
		b, err := tx.Bucket([]byte("b"))
		require.NoError(t, err)
		require.NotNil(t, b)
		v, err := b.Get([]byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), v)
		v, err = b.Get([]byte("gone"))
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}

func testRollback(t *testing.T, s store.Store) {
	update(t, s, func(tx store.Tx) {
		_, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)
	})

	tx, err := s.Begin(true)
	require.NoError(t, err)
	b, err := tx.Bucket([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, b.Put([]byte("k"), []byte("v")))
	require.NoError(t, tx.Rollback())

	view(t, s, func(tx store.Tx) {
		b, err := tx.Bucket([]byte("b"))
		require.NoError(t, err)
		v, err := b.Get([]byte("k"))
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}

func testReadOnly(t *testing.T, s store.Store) {
	update(t, s, func(tx store.Tx) {
		_, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)
	})
	view(t, s, func(tx store.Tx) {
		assert.False(t, tx.Writable())
		b, err := tx.Bucket([]byte("b"))
		require.NoError(t, err)
		assert.ErrorIs(t, b.Put([]byte("k"), []byte("v")), store.ErrTxNotWritable)
		assert.ErrorIs(t, b.Delete([]byte("k")), store.ErrTxNotWritable)
		_, err = tx.CreateBucket([]byte("other"))
		assert.ErrorIs(t, err, store.ErrTxNotWritable)
	})
}

func fill(t *testing.T, s store.Store, bucket string, keys ...string) {
	t.Helper()
	update(t, s, func(tx store.Tx) {
		b, err := tx.CreateBucket([]byte(bucket))
		require.NoError(t, err)
		for _, k := range keys {
			require.NoError(t, b.Put([]byte(k), []byte("val-"+k)))
		}
	})
}

func testCursorOrder(t *testing.T, s store.Store) {
	fill(t, s, "b", "c", "a", "b")
	view(t, s, func(tx store.Tx) {
		b, err := tx.Bucket([]byte("b"))
		require.NoError(t, err)
		c, err := b.Cursor()
		require.NoError(t, err)
		defer c.Close() //nolint:errcheck

		var forward []string
		for k, v := c.First(); k != nil; k, v = c.Next() {
			assert.Equal(t, "val-"+string(k), string(v))
			forward = append(forward, string(k))
		}
		assert.Equal(t, []string{"a", "b", "c"}, forward)

		var backward []string
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			backward = append(backward, string(k))
		}
		assert.Equal(t, []string{"c", "b", "a"}, backward)
		require.NoError(t, c.Err())
	})
}

func testCursorSeek(t *testing.T, s store.Store) {
	fill(t, s, "b", "aa", "ac", "b")
	view(t, s, func(tx store.Tx) {
		b, err := tx.Bucket([]byte("b"))
		require.NoError(t, err)
		c, err := b.Cursor()
		require.NoError(t, err)
		defer c.Close() //nolint:errcheck

		k, _ := c.Seek([]byte("ab"))
		assert.Equal(t, "ac", string(k))
		k, _ = c.Seek([]byte("aa"))
		assert.Equal(t, "aa", string(k))
		k, _ = c.Seek([]byte("c"))
		assert.Nil(t, k, "seeking past the end must report no key")
		k, _ = c.Last()
		assert.Equal(t, "b", string(k))
	})
}

func testBucketIsolation(t *testing.T, s store.Store) {
	fill(t, s, "a", "1", "2")
	fill(t, s, "ab", "3")
	view(t, s, func(tx store.Tx) {
		b, err := tx.Bucket([]byte("a"))
		require.NoError(t, err)
		keys, err := store.Keys(b)
		require.NoError(t, err)
		assert.Len(t, keys, 2, "bucket must not see keys of a bucket sharing its name prefix")
	})
}

func testSequence(t *testing.T, s store.Store) {
	update(t, s, func(tx store.Tx) {
		b, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)
		seq, err := b.Sequence()
		require.NoError(t, err)
		assert.Zero(t, seq)
		require.NoError(t, b.SetSequence(41))
	})
	view(t, s, func(tx store.Tx) {
		b, err := tx.Bucket([]byte("b"))
		require.NoError(t, err)
		seq, err := b.Sequence()
		require.NoError(t, err)
		assert.Equal(t, uint64(41), seq)
	})
}

func testClosedTx(t *testing.T, s store.Store) {
	tx, err := s.Begin(true)
	require.NoError(t, err)
	_, err = tx.CreateBucket([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Error(t, tx.Commit())
}

func testWriterSeesPreviousCommit(t *testing.T, s store.Store) {
	name := []byte("counter")
	update(t, s, func(tx store.Tx) {
		_, err := tx.CreateBucket(name)
		require.NoError(t, err)
	})

	first, err := s.Begin(true)
	require.NoError(t, err)
	b, err := first.Bucket(name)
	require.NoError(t, err)
	require.NoError(t, b.SetSequence(7))
	require.NoError(t, b.Put([]byte("k"), []byte("first")))

	type seen struct {
		seq uint64
		val []byte
		err error
	}
	second := make(chan seen, 1)
	go func() {
		tx, err := s.Begin(true)
		if err != nil {
			second <- seen{err: err}
			return
		}
		defer tx.Rollback() //nolint:errcheck
		b, err := tx.Bucket(name)
		if err != nil {
			second <- seen{err: err}
			return
		}
		seq, err := b.Sequence()
		if err != nil {
			second <- seen{err: err}
			return
		}
		v, err := b.Get([]byte("k"))
		second <- seen{seq: seq, val: v, err: err}
	}()

	select {
	case got := <-second:
		t.Fatalf("second writer began while the first was open: %+v", got)
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, first.Commit())

	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, uint64(7), got.seq, "a writer must see the sequence committed before it began")
	assert.Equal(t, []byte("first"), got.val)
}
