package idb

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"math"

	"shelf/internal/store"
)

// maxGeneratedKey is the largest key a generator hands out (2^53).
const maxGeneratedKey = 1 << 53

// StoreOptions configures a new object store.
type StoreOptions struct {
	KeyPath       KeyPath
	AutoIncrement bool
}

// IndexOptions configures a new index.
type IndexOptions struct {
	Unique     bool
	MultiEntry bool
}

// ObjectStore is a handle to one object store inside a transaction.
type ObjectStore struct {
	src source
}

func (s *ObjectStore) Name() string         { return s.src.store.name }
func (s *ObjectStore) KeyPath() KeyPath     { return s.src.store.keyPath }
func (s *ObjectStore) AutoIncrement() bool  { return s.src.store.autoIncrement }
func (s *ObjectStore) IndexNames() []string { return s.src.store.indexNames() }
func (s *ObjectStore) Transaction() *Tx     { return s.src.tx }

// Get returns the first record matching q (a key or a *KeyRange), or nil.
func (s *ObjectStore) Get(q any) (Value, error) {
	if q == nil {
		return nil, fmt.Errorf("%w: Get needs a key or range", ErrInvalidKey)
	}
	if err := s.src.tx.check(); err != nil {
		return nil, err
	}
	rng, err := queryRange(q)
	if err != nil {
		return nil, err
	}
	return request(s.src.tx, "get", func() (Value, error) {
		_, v, err := s.src.first(rng)
		if err != nil || v == nil {
			return nil, err
		}
		return decodeValue(v)
	})
}

// Put inserts or replaces value and returns its key. key must be nil when
// the store uses in-line keys.
func (s *ObjectStore) Put(value Value, key Key) (Key, error) {
	return s.write("put", value, key, false)
}

// Add is Put that fails with ErrConstraint when the key already exists.
func (s *ObjectStore) Add(value Value, key Key) (Key, error) {
	return s.write("add", value, key, true)
}

func (s *ObjectStore) write(op string, value Value, key Key, noOverwrite bool) (Key, error) {
	if err := s.src.tx.checkWrite(); err != nil {
		return nil, err
	}
	meta := s.src.store
	clone, err := cloneValue(value)
	if err != nil {
		return nil, err
	}
	generate := false
	switch {
	case len(meta.keyPath) > 0 && key != nil:
		return nil, fmt.Errorf("%w: store %q uses in-line keys", ErrInvalidKey, meta.name)
	case len(meta.keyPath) > 0:
		k, ok := meta.keyPath.evaluate(clone)
		switch {
		case ok:
			key = k
		case meta.autoIncrement:
			generate = true
			if err := meta.keyPath.inject(clone, float64(0)); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: value has no key at %s", ErrInvalidKey, meta.keyPath)
		}
	case key == nil && meta.autoIncrement:
		generate = true
	case key == nil:
		return nil, fmt.Errorf("%w: store %q needs an explicit key", ErrInvalidKey, meta.name)
	}
	var encPK []byte
	if !generate {
		if encPK, err = encodeKey(key); err != nil {
			return nil, err
		}
	}
	return request(s.src.tx, op, func() (Key, error) {
		b, err := s.src.tx.records(meta)
		if err != nil {
			return nil, err
		}
		if generate {
			n, err := nextKey(b)
			if err != nil {
				return nil, err
			}
			if len(meta.keyPath) > 0 {
				if err := meta.keyPath.inject(clone, n); err != nil {
					return nil, err
				}
			}
			if encPK, err = encodeKey(n); err != nil {
				return nil, err
			}
		} else if meta.autoIncrement {
			if err := bumpKey(b, key); err != nil {
				return nil, err
			}
		}
		if noOverwrite {
			existing, err := b.Get(encPK)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				return nil, fmt.Errorf("%w: key already exists in %q", ErrConstraint, meta.name)
			}
		}
		if err := s.putRecord(clone, encPK, noOverwrite); err != nil {
			return nil, err
		}
		return decodeWholeKey(encPK)
	})
}

// nextKey advances the store's key generator.
func nextKey(b store.Bucket) (float64, error) {
	seq, err := b.Sequence()
	if err != nil {
		return 0, err
	}
	if seq >= maxGeneratedKey {
		return 0, fmt.Errorf("%w: key generator exhausted", ErrConstraint)
	}
	return float64(seq + 1), b.SetSequence(seq + 1)
}

// bumpKey moves the generator past an explicit numeric key.
func bumpKey(b store.Bucket, key Key) error {
	f, ok := toNumber(key)
	if !ok || f < 1 {
		return nil
	}
	seq, err := b.Sequence()
	if err != nil {
		return err
	}
	n := uint64(math.Min(math.Floor(f), maxGeneratedKey))
	if n <= seq {
		return nil
	}
	return b.SetSequence(n)
}

// putRecord stores value under encPK and rewrites its index entries. It runs
// inside a request.
func (s *ObjectStore) putRecord(value Value, encPK []byte, fresh bool) error {
	meta := s.src.store
	b, err := s.src.tx.records(meta)
	if err != nil {
		return err
	}
	var old Value
	if !fresh {
		raw, err := b.Get(encPK)
		if err != nil {
			return err
		}
		if raw != nil {
			if old, err = decodeValue(raw); err != nil {
				return err
			}
		}
	}
	for _, name := range meta.indexNames() {
		ix := meta.indexes[name]
		keys := indexKeys(ix, value)
		if ix.unique {
			if err := s.checkUnique(ix, keys, encPK); err != nil {
				return err
			}
		}
	}
	for _, name := range meta.indexNames() {
		ix := meta.indexes[name]
		eb, err := s.src.tx.entries(meta, ix)
		if err != nil {
			return err
		}
		if old != nil {
			for _, k := range indexKeys(ix, old) {
				if err := eb.Delete(entryKey(k, encPK)); err != nil {
					return err
				}
			}
		}
		for _, k := range indexKeys(ix, value) {
			if err := eb.Put(entryKey(k, encPK), bytes.Clone(encPK)); err != nil {
				return err
			}
		}
	}
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	return b.Put(bytes.Clone(encPK), data)
}

func (s *ObjectStore) checkUnique(ix *indexMeta, keys [][]byte, encPK []byte) error {
	eb, err := s.src.tx.entries(s.src.store, ix)
	if err != nil {
		return err
	}
	c, err := eb.Cursor()
	if err != nil {
		return err
	}
	defer c.Close()
	for _, k := range keys {
		found, pk := c.Seek(k)
		if found != nil && bytes.HasPrefix(found, k) && len(found) == len(k)+len(pk) && !bytes.Equal(pk, encPK) {
			return fmt.Errorf("%w: index %q already holds key %x", ErrConstraint, ix.name, k)
		}
	}
	return c.Err()
}

// deleteRecord removes the record at encPK with its index entries. It runs
// inside a request. A missing record is not an error.
func (s *ObjectStore) deleteRecord(encPK []byte) error {
	meta := s.src.store
	b, err := s.src.tx.records(meta)
	if err != nil {
		return err
	}
	raw, err := b.Get(encPK)
	if err != nil || raw == nil {
		return err
	}
	old, err := decodeValue(raw)
	if err != nil {
		return err
	}
	for _, name := range meta.indexNames() {
		ix := meta.indexes[name]
		eb, err := s.src.tx.entries(meta, ix)
		if err != nil {
			return err
		}
		for _, k := range indexKeys(ix, old) {
			if err := eb.Delete(entryKey(k, encPK)); err != nil {
				return err
			}
		}
	}
	return b.Delete(encPK)
}

// Delete removes every record matching q (a key or a *KeyRange).
func (s *ObjectStore) Delete(q any) error {
	if q == nil {
		return fmt.Errorf("%w: Delete needs a key or range", ErrInvalidKey)
	}
	if err := s.src.tx.checkWrite(); err != nil {
		return err
	}
	rng, err := queryRange(q)
	if err != nil {
		return err
	}
	_, err = request(s.src.tx, "delete", func() (struct{}, error) {
		pks, err := s.src.collect(rng)
		if err != nil {
			return struct{}{}, err
		}
		for _, pk := range pks {
			if err := s.deleteRecord(pk); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	return err
}

// Clear removes every record. The key generator keeps its state.
func (s *ObjectStore) Clear() error {
	if err := s.src.tx.checkWrite(); err != nil {
		return err
	}
	meta := s.src.store
	_, err := request(s.src.tx, "clear", func() (struct{}, error) {
		b, err := s.src.tx.records(meta)
		if err != nil {
			return struct{}{}, err
		}
		seq, err := b.Sequence()
		if err != nil {
			return struct{}{}, err
		}
		if err := recreate(s.src.tx.etx, recordBucket(meta.name)); err != nil {
			return struct{}{}, err
		}
		if b, err = s.src.tx.records(meta); err != nil {
			return struct{}{}, err
		}
		if err := b.SetSequence(seq); err != nil {
			return struct{}{}, err
		}
		for _, name := range meta.indexNames() {
			if err := recreate(s.src.tx.etx, indexBucket(meta.name, name)); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	return err
}

func recreate(etx store.Tx, name []byte) error {
	if err := etx.DeleteBucket(name); err != nil {
		return err
	}
	_, err := etx.CreateBucket(name)
	return err
}

// Count returns the number of records matching q; nil counts everything.
func (s *ObjectStore) Count(q any) (int, error) {
	return s.src.count(q)
}

// OpenCursor visits records matching q in direction dir.
func (s *ObjectStore) OpenCursor(ctx context.Context, q any, dir Direction, visit func(*Cursor) error) error {
	return s.src.iterate(ctx, q, dir, false, visit)
}

// OpenKeyCursor is OpenCursor without loading values.
func (s *ObjectStore) OpenKeyCursor(ctx context.Context, q any, dir Direction, visit func(*Cursor) error) error {
	return s.src.iterate(ctx, q, dir, true, visit)
}

// Values ranges over the records matching q.
func (s *ObjectStore) Values(ctx context.Context, q any, dir Direction) iter.Seq2[Value, error] {
	return s.src.values(ctx, q, dir)
}

// First and Last return the records with the lowest and highest keys, or
// nil when the store is empty.
func (s *ObjectStore) First(ctx context.Context) (Value, error) { return s.src.edge(ctx, Next) }
func (s *ObjectStore) Last(ctx context.Context) (Value, error)  { return s.src.edge(ctx, Prev) }

// All returns every record in key order.
func (s *ObjectStore) All(ctx context.Context) ([]Value, error) {
	return s.src.fetch(ctx, Window{})
}

// Fetch returns the records selected by w.
func (s *ObjectStore) Fetch(ctx context.Context, w Window) ([]Value, error) {
	return s.src.fetch(ctx, w)
}

// Index returns a handle to one of the store's indexes.
func (s *ObjectStore) Index(name string) (*Index, error) {
	if err := s.src.tx.check(); err != nil {
		return nil, err
	}
	ix, ok := s.src.store.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: index %q on %q", ErrNotFound, name, s.src.store.name)
	}
	return &Index{src: source{tx: s.src.tx, store: s.src.store, index: ix}}, nil
}

// CreateIndex adds an index and fills it from the existing records. It is
// only valid during an upgrade.
func (s *ObjectStore) CreateIndex(name string, keyPath KeyPath, opts IndexOptions) (*Index, error) {
	if err := s.src.tx.checkUpgrade(); err != nil {
		return nil, err
	}
	meta := s.src.store
	if name == "" {
		return nil, fmt.Errorf("%w: empty index name", ErrInvalidArgument)
	}
	if _, exists := meta.indexes[name]; exists {
		return nil, fmt.Errorf("%w: index %q already exists on %q", ErrConstraint, name, meta.name)
	}
	if len(keyPath) == 0 {
		return nil, fmt.Errorf("%w: index %q needs a key path", ErrInvalidArgument, name)
	}
	if err := keyPath.validate(); err != nil {
		return nil, err
	}
	if opts.MultiEntry && len(keyPath) > 1 {
		return nil, fmt.Errorf("%w: multi-entry index %q cannot use a compound key path", ErrInvalidArgument, name)
	}
	ix := &indexMeta{name: name, keyPath: keyPath, unique: opts.Unique, multiEntry: opts.MultiEntry}
	_, err := request(s.src.tx, "create index", func() (struct{}, error) {
		return struct{}{}, s.buildIndex(ix)
	})
	if err != nil {
		return nil, err
	}
	meta.indexes[name] = ix
	logger.Debug("index created", "store", meta.name, "index", name, "unique", ix.unique, "multi_entry", ix.multiEntry)
	return &Index{src: source{tx: s.src.tx, store: meta, index: ix}}, nil
}

func (s *ObjectStore) buildIndex(ix *indexMeta) error {
	meta := s.src.store
	eb, err := s.src.tx.etx.CreateBucket(indexBucket(meta.name, ix.name))
	if err != nil {
		return err
	}
	b, err := s.src.tx.records(meta)
	if err != nil {
		return err
	}
	err = store.ForEach(b, func(pk, raw []byte) error {
		v, err := decodeValue(raw)
		if err != nil {
			return err
		}
		for _, k := range indexKeys(ix, v) {
			if ix.unique {
				dup, err := hasKey(eb, k)
				if err != nil {
					return err
				}
				if dup {
					return fmt.Errorf("%w: records share key %x in unique index %q", ErrConstraint, k, ix.name)
				}
			}
			if err := eb.Put(entryKey(k, pk), bytes.Clone(pk)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	updated := meta.clone()
	updated.indexes[ix.name] = ix
	return writeStoreMeta(s.src.tx.etx, updated)
}

// hasKey reports whether any entry in eb carries index key k.
func hasKey(eb store.Bucket, k []byte) (bool, error) {
	c, err := eb.Cursor()
	if err != nil {
		return false, err
	}
	defer c.Close()
	found, pk := c.Seek(k)
	return found != nil && bytes.HasPrefix(found, k) && len(found) == len(k)+len(pk), c.Err()
}

// DeleteIndex drops an index. It is only valid during an upgrade.
func (s *ObjectStore) DeleteIndex(name string) error {
	if err := s.src.tx.checkUpgrade(); err != nil {
		return err
	}
	meta := s.src.store
	if _, ok := meta.indexes[name]; !ok {
		return fmt.Errorf("%w: index %q on %q", ErrNotFound, name, meta.name)
	}
	_, err := request(s.src.tx, "delete index", func() (struct{}, error) {
		if err := s.src.tx.etx.DeleteBucket(indexBucket(meta.name, name)); err != nil {
			return struct{}{}, err
		}
		updated := meta.clone()
		delete(updated.indexes, name)
		return struct{}{}, writeStoreMeta(s.src.tx.etx, updated)
	})
	if err != nil {
		return err
	}
	delete(meta.indexes, name)
	return nil
}

// indexKeys returns the encoded keys value contributes to ix. Values whose
// key path is missing or not a valid key are not indexed.
func indexKeys(ix *indexMeta, value Value) [][]byte {
	k, ok := ix.keyPath.evaluate(value)
	if !ok {
		return nil
	}
	if arr, isArr := k.([]any); ix.multiEntry && isArr {
		var out [][]byte
		seen := map[string]bool{}
		for _, el := range arr {
			enc, err := encodeKey(el)
			if err != nil || seen[string(enc)] {
				continue
			}
			seen[string(enc)] = true
			out = append(out, enc)
		}
		return out
	}
	enc, err := encodeKey(k)
	if err != nil {
		return nil
	}
	return [][]byte{enc}
}

func entryKey(key, pk []byte) []byte {
	out := make([]byte, 0, len(key)+len(pk))
	return append(append(out, key...), pk...)
}
