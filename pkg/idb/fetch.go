package idb

import (
	"context"
	"fmt"
)

// Window selects a slice of an ordered iteration. A nil Limit is unbounded
// and a nil Range covers every key.
//
// The last accepted position is Offset+Limit-1, but never less than Offset:
// a zero Limit still yields the record at Offset.
type Window struct {
	Offset    int
	Limit     *int
	Range     *KeyRange
	Direction Direction
}

// Limit returns a pointer to n for Window.Limit.
func Limit(n int) *int {
	return &n
}

func (w Window) last() (int, bool) {
	if w.Limit == nil {
		return 0, false
	}
	return max(w.Offset, w.Offset+*w.Limit-1), true
}

// fetch collects the window purely through the cursor protocol, so the
// number of positions read is bounded by the window rather than the source.
func (s source) fetch(ctx context.Context, w Window) ([]Value, error) {
	if w.Offset < 0 {
		return nil, fmt.Errorf("%w: negative offset %d", ErrInvalidArgument, w.Offset)
	}
	if w.Limit != nil && *w.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit %d", ErrInvalidArgument, *w.Limit)
	}
	last, bounded := w.last()
	var q any
	if w.Range != nil {
		q = w.Range
	}
	out := []Value{}
	i := 0
	err := s.iterate(ctx, q, w.Direction, false, func(c *Cursor) error {
		if i < w.Offset {
			n := w.Offset - i
			i = w.Offset
			return c.Advance(n)
		}
		out = append(out, c.Value())
		if bounded && i >= last {
			return nil
		}
		i++
		return c.Continue()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// edge returns the first value in direction dir without resuming the cursor.
func (s source) edge(ctx context.Context, dir Direction) (Value, error) {
	var v Value
	err := s.iterate(ctx, nil, dir, false, func(c *Cursor) error {
		v = c.Value()
		return nil
	})
	return v, err
}
