package idb

import (
	"context"
	"sync"
)

// Result is the single outcome of one engine request. It settles at most
// once; later attempts to resolve or reject it are ignored.
type Result[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newResult[T any]() *Result[T] {
	return &Result[T]{done: make(chan struct{})}
}

func (r *Result[T]) resolve(v T) bool {
	return r.settle(v, nil)
}

func (r *Result[T]) reject(err error) bool {
	var zero T
	return r.settle(zero, err)
}

func (r *Result[T]) settle(v T, err error) bool {
	settled := false
	r.once.Do(func() {
		r.val, r.err = v, err
		settled = true
		close(r.done)
	})
	return settled
}

// Done is closed once the result settles.
func (r *Result[T]) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the result settles or ctx ends.
func (r *Result[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (r *Result[T]) get() (T, error) {
	<-r.done
	return r.val, r.err
}

// wrap runs one engine request and turns its outcome into a settled
// Result. Engine failures are wrapped in *EngineError.
func wrap[T any](op string, fn func() (T, error)) *Result[T] {
	r := newResult[T]()
	v, err := fn()
	if err != nil {
		r.reject(classify(op, err))
	} else {
		r.resolve(v)
	}
	return r
}

// spawn is wrap on a separate goroutine; the returned Result settles later.
func spawn[T any](op string, fn func() (T, error)) *Result[T] {
	r := newResult[T]()
	go func() {
		v, err := fn()
		if err != nil {
			r.reject(classify(op, err))
			return
		}
		r.resolve(v)
	}()
	return r
}
