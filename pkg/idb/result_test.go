package idb

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultSettlesOnce(t *testing.T) {
	r := newResult[int]()
	assert.True(t, r.resolve(1))
	assert.False(t, r.resolve(2))
	assert.False(t, r.reject(errors.New("late")))

	v, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestResultWaitContext(t *testing.T) {
	r := newResult[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := r.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-r.Done():
		t.Fatal("result should still be pending")
	default:
	}
}

func TestWrapClassifies(t *testing.T) {
	disk := errors.New("disk on fire")
	_, err := wrap("put", func() (int, error) { return 0, disk }).get()
	require.ErrorIs(t, err, ErrEngine)
	require.ErrorIs(t, err, disk)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "put", ee.Op)

	_, err = wrap("add", func() (int, error) {
		return 0, fmt.Errorf("%w: duplicate", ErrConstraint)
	}).get()
	assert.ErrorIs(t, err, ErrConstraint)
	assert.NotErrorIs(t, err, ErrEngine)

	v, err := wrap("get", func() (string, error) { return "ok", nil }).get()
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestSpawn(t *testing.T) {
	release := make(chan struct{})
	r := spawn("slow", func() (int, error) {
		<-release
		return 9, nil
	})
	select {
	case <-r.Done():
		t.Fatal("spawned result settled early")
	default:
	}
	close(release)

	v, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, v)

	_, err = spawn("fail", func() (int, error) { return 0, errors.New("boom") }).get()
	assert.ErrorIs(t, err, ErrEngine)
}
