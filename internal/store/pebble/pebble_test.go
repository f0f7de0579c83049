package pebble

import (
	"path/filepath"
	"testing"

	"shelf/internal/store"
	"shelf/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := OpenInMemory()
		require.NoError(t, err)
		return s
	})
}

func TestConformanceOnDisk(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(filepath.Join(t.TempDir(), "pebble"))
		require.NoError(t, err)
		return s
	})
}

func TestSnapshotIsolation(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	w, err := s.Begin(true)
	require.NoError(t, err)
	b, err := w.CreateBucket([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, b.Put([]byte("k"), []byte("v1")))
	require.NoError(t, w.Commit())

	r, err := s.Begin(false)
	require.NoError(t, err)
	defer r.Rollback() //nolint:errcheck

	w, err = s.Begin(true)
	require.NoError(t, err)
	b, err = w.Bucket([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, b.Put([]byte("k"), []byte("v2")))
	require.NoError(t, w.Commit())

	rb, err := r.Bucket([]byte("b"))
	require.NoError(t, err)
	v, err := rb.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v, "snapshot must not observe later commits")
}
