package idb

import (
	"context"
	"fmt"
	"iter"
)

// Index is a handle to a secondary index inside a transaction.
type Index struct {
	src source
}

func (ix *Index) Name() string      { return ix.src.index.name }
func (ix *Index) KeyPath() KeyPath  { return ix.src.index.keyPath }
func (ix *Index) Unique() bool      { return ix.src.index.unique }
func (ix *Index) MultiEntry() bool  { return ix.src.index.multiEntry }
func (ix *Index) StoreName() string { return ix.src.store.name }

// Get returns the record with the lowest primary key among those whose index
// key matches q, or nil.
func (ix *Index) Get(q any) (Value, error) {
	pk, err := ix.firstPK("index get", q)
	if err != nil || pk == nil {
		return nil, err
	}
	return request(ix.src.tx, "index get", func() (Value, error) {
		b, err := ix.src.tx.records(ix.src.store)
		if err != nil {
			return nil, err
		}
		raw, err := b.Get(pk)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, fmt.Errorf("index %q points at a missing record", ix.src.index.name)
		}
		return decodeValue(raw)
	})
}

// GetKey is Get returning the primary key instead of the record.
func (ix *Index) GetKey(q any) (Key, error) {
	pk, err := ix.firstPK("index get key", q)
	if err != nil || pk == nil {
		return nil, err
	}
	return decodeWholeKey(pk)
}

func (ix *Index) firstPK(op string, q any) ([]byte, error) {
	if q == nil {
		return nil, fmt.Errorf("%w: %s needs a key or range", ErrInvalidKey, op)
	}
	if err := ix.src.tx.check(); err != nil {
		return nil, err
	}
	rng, err := queryRange(q)
	if err != nil {
		return nil, err
	}
	return request(ix.src.tx, op, func() ([]byte, error) {
		_, pk, err := ix.src.first(rng)
		return pk, err
	})
}

// Count returns the number of index entries matching q; nil counts everything.
func (ix *Index) Count(q any) (int, error) {
	return ix.src.count(q)
}

// OpenCursor visits records in index order. Unique directions visit one
// record per distinct index key.
func (ix *Index) OpenCursor(ctx context.Context, q any, dir Direction, visit func(*Cursor) error) error {
	return ix.src.iterate(ctx, q, dir, false, visit)
}

// OpenKeyCursor is OpenCursor without loading the records.
func (ix *Index) OpenKeyCursor(ctx context.Context, q any, dir Direction, visit func(*Cursor) error) error {
	return ix.src.iterate(ctx, q, dir, true, visit)
}

// Values ranges over the records matching q in index order.
func (ix *Index) Values(ctx context.Context, q any, dir Direction) iter.Seq2[Value, error] {
	return ix.src.values(ctx, q, dir)
}

// First and Last return the records at the lowest and highest index keys.
func (ix *Index) First(ctx context.Context) (Value, error) { return ix.src.edge(ctx, Next) }
func (ix *Index) Last(ctx context.Context) (Value, error)  { return ix.src.edge(ctx, Prev) }

// All returns every indexed record in index order.
func (ix *Index) All(ctx context.Context) ([]Value, error) {
	return ix.src.fetch(ctx, Window{})
}

// Fetch returns the indexed records selected by w.
func (ix *Index) Fetch(ctx context.Context, w Window) ([]Value, error) {
	return ix.src.fetch(ctx, w)
}
