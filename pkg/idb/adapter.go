package idb

import "context"

// StoreAdapter runs each call in its own single-store session. Calls share
// no transaction, so two calls are never atomic together.
type StoreAdapter struct {
	db   *DB
	name string
}

// Store returns an adapter for the named object store.
func (db *DB) Store(name string) *StoreAdapter {
	return &StoreAdapter{db: db, name: name}
}

func (a *StoreAdapter) Name() string { return a.name }

// Index returns an adapter for one of the store's indexes.
func (a *StoreAdapter) Index(name string) *IndexAdapter {
	return &IndexAdapter{store: a, name: name}
}

func onStore[T any](ctx context.Context, a *StoreAdapter, mode Mode, fn func(*ObjectStore) (T, error)) (T, error) {
	var out T
	err := a.db.Session().Open(ctx, []string{a.name}, mode, func(tx *Tx) error {
		s, err := tx.ObjectStore(a.name)
		if err != nil {
			return err
		}
		out, err = fn(s)
		return err
	})
	return out, err
}

func (a *StoreAdapter) Put(ctx context.Context, value Value, key Key) (Key, error) {
	return onStore(ctx, a, ReadWrite, func(s *ObjectStore) (Key, error) { return s.Put(value, key) })
}

func (a *StoreAdapter) Add(ctx context.Context, value Value, key Key) (Key, error) {
	return onStore(ctx, a, ReadWrite, func(s *ObjectStore) (Key, error) { return s.Add(value, key) })
}

func (a *StoreAdapter) Delete(ctx context.Context, q any) error {
	_, err := onStore(ctx, a, ReadWrite, func(s *ObjectStore) (struct{}, error) { return struct{}{}, s.Delete(q) })
	return err
}

func (a *StoreAdapter) Clear(ctx context.Context) error {
	_, err := onStore(ctx, a, ReadWrite, func(s *ObjectStore) (struct{}, error) { return struct{}{}, s.Clear() })
	return err
}

func (a *StoreAdapter) Get(ctx context.Context, q any) (Value, error) {
	return onStore(ctx, a, ReadOnly, func(s *ObjectStore) (Value, error) { return s.Get(q) })
}

func (a *StoreAdapter) Count(ctx context.Context, q any) (int, error) {
	return onStore(ctx, a, ReadOnly, func(s *ObjectStore) (int, error) { return s.Count(q) })
}

// OpenCursor runs in a read-write session so visits may update or delete.
func (a *StoreAdapter) OpenCursor(ctx context.Context, q any, dir Direction, visit func(*Cursor) error) error {
	_, err := onStore(ctx, a, ReadWrite, func(s *ObjectStore) (struct{}, error) {
		return struct{}{}, s.OpenCursor(ctx, q, dir, visit)
	})
	return err
}

func (a *StoreAdapter) First(ctx context.Context) (Value, error) {
	return onStore(ctx, a, ReadOnly, func(s *ObjectStore) (Value, error) { return s.First(ctx) })
}

func (a *StoreAdapter) Last(ctx context.Context) (Value, error) {
	return onStore(ctx, a, ReadOnly, func(s *ObjectStore) (Value, error) { return s.Last(ctx) })
}

func (a *StoreAdapter) All(ctx context.Context) ([]Value, error) {
	return onStore(ctx, a, ReadOnly, func(s *ObjectStore) ([]Value, error) { return s.All(ctx) })
}

func (a *StoreAdapter) Fetch(ctx context.Context, w Window) ([]Value, error) {
	return onStore(ctx, a, ReadOnly, func(s *ObjectStore) ([]Value, error) { return s.Fetch(ctx, w) })
}

// IndexAdapter is the per-call facade over one index.
type IndexAdapter struct {
	store *StoreAdapter
	name  string
}

func (a *IndexAdapter) Name() string { return a.name }

func onIndex[T any](ctx context.Context, a *IndexAdapter, mode Mode, fn func(*Index) (T, error)) (T, error) {
	return onStore(ctx, a.store, mode, func(s *ObjectStore) (T, error) {
		ix, err := s.Index(a.name)
		if err != nil {
			var zero T
			return zero, err
		}
		return fn(ix)
	})
}

func (a *IndexAdapter) Get(ctx context.Context, q any) (Value, error) {
	return onIndex(ctx, a, ReadOnly, func(ix *Index) (Value, error) { return ix.Get(q) })
}

func (a *IndexAdapter) GetKey(ctx context.Context, q any) (Key, error) {
	return onIndex(ctx, a, ReadOnly, func(ix *Index) (Key, error) { return ix.GetKey(q) })
}

func (a *IndexAdapter) Count(ctx context.Context, q any) (int, error) {
	return onIndex(ctx, a, ReadOnly, func(ix *Index) (int, error) { return ix.Count(q) })
}

// OpenCursor runs in a read-write session so visits may update or delete.
func (a *IndexAdapter) OpenCursor(ctx context.Context, q any, dir Direction, visit func(*Cursor) error) error {
	_, err := onIndex(ctx, a, ReadWrite, func(ix *Index) (struct{}, error) {
		return struct{}{}, ix.OpenCursor(ctx, q, dir, visit)
	})
	return err
}

func (a *IndexAdapter) OpenKeyCursor(ctx context.Context, q any, dir Direction, visit func(*Cursor) error) error {
	_, err := onIndex(ctx, a, ReadOnly, func(ix *Index) (struct{}, error) {
		return struct{}{}, ix.OpenKeyCursor(ctx, q, dir, visit)
	})
	return err
}

func (a *IndexAdapter) First(ctx context.Context) (Value, error) {
	return onIndex(ctx, a, ReadOnly, func(ix *Index) (Value, error) { return ix.First(ctx) })
}

func (a *IndexAdapter) Last(ctx context.Context) (Value, error) {
	return onIndex(ctx, a, ReadOnly, func(ix *Index) (Value, error) { return ix.Last(ctx) })
}

func (a *IndexAdapter) All(ctx context.Context) ([]Value, error) {
	return onIndex(ctx, a, ReadOnly, func(ix *Index) ([]Value, error) { return ix.All(ctx) })
}

func (a *IndexAdapter) Fetch(ctx context.Context, w Window) ([]Value, error) {
	return onIndex(ctx, a, ReadOnly, func(ix *Index) ([]Value, error) { return ix.Fetch(ctx, w) })
}
