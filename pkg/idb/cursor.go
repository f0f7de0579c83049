package idb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"shelf/internal/store"
)

// Direction is the order in which a cursor visits its source.
type Direction int

const (
	Next Direction = iota
	NextUnique
	Prev
	PrevUnique
)

func (d Direction) String() string {
	switch d {
	case Next:
		return "next"
	case NextUnique:
		return "nextunique"
	case Prev:
		return "prev"
	case PrevUnique:
		return "prevunique"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// ParseDirection accepts the names returned by Direction.String.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "next":
		return Next, nil
	case "nextunique":
		return NextUnique, nil
	case "prev":
		return Prev, nil
	case "prevunique":
		return PrevUnique, nil
	}
	return Next, fmt.Errorf("%w: direction %q", ErrInvalidArgument, s)
}

func (d Direction) valid() bool   { return d >= Next && d <= PrevUnique }
func (d Direction) forward() bool { return d == Next || d == NextUnique }
func (d Direction) unique() bool  { return d == NextUnique || d == PrevUnique }

// source is what a cursor walks: the records of an object store, or the
// entries of one of its indexes when index is set.
type source struct {
	tx    *Tx
	store *storeMeta
	index *indexMeta
}

func (s source) bucket() (store.Bucket, error) {
	if s.index == nil {
		return s.tx.records(s.store)
	}
	return s.tx.entries(s.store, s.index)
}

// split returns the encoded key and primary key of a bucket pair. Index
// entries are keyed by index key followed by primary key and hold the
// primary key as value.
func (s source) split(k, v []byte) (key, pk []byte) {
	if s.index == nil {
		return k, k
	}
	return k[:len(k)-len(v)], v
}

// seekFunc positions bc relative to the last visited bucket key raw and its
// encoded key.
type seekFunc func(bc store.Cursor, raw, key []byte) ([]byte, []byte)

// Cursor is the position handed to a visit function. Calling exactly one of
// Continue, ContinueTo or Advance during the visit moves to the next
// position; returning without doing so ends the iteration.
type Cursor struct {
	src     source
	dir     Direction
	unique  bool
	rng     encodedRange
	keyOnly bool

	raw, encKey, encPK []byte
	key, primaryKey    Key
	value              Value

	visiting bool
	next     seekFunc
	times    int
}

// Key is the current key: the primary key on an object store, the index key
// on an index.
func (c *Cursor) Key() Key { return c.key }

// PrimaryKey is the primary key of the current record.
func (c *Cursor) PrimaryKey() Key { return c.primaryKey }

// Value is the current record, or nil on a key cursor.
func (c *Cursor) Value() Value { return c.value }

// Direction is the order the cursor walks in.
func (c *Cursor) Direction() Direction { return c.dir }

// Continue moves to the next position.
func (c *Cursor) Continue() error {
	if err := c.canResume(); err != nil {
		return err
	}
	c.next, c.times = c.step, 1
	return nil
}

// ContinueTo moves to the first position at or beyond k in the iteration
// direction. k must lie strictly beyond the current key.
func (c *Cursor) ContinueTo(k Key) error {
	if err := c.canResume(); err != nil {
		return err
	}
	target, err := encodeKey(k)
	if err != nil {
		return err
	}
	cmp := bytes.Compare(target, c.encKey)
	if (c.dir.forward() && cmp <= 0) || (!c.dir.forward() && cmp >= 0) {
		return fmt.Errorf("%w: %v is not beyond the current key", ErrInvalidKey, k)
	}
	c.next, c.times = func(bc store.Cursor, _, _ []byte) ([]byte, []byte) {
		if c.dir.forward() {
			return bc.Seek(target)
		}
		k, v := seekThrough(bc, target)
		return c.group(bc, k, v)
	}, 1
	return nil
}

// Advance skips n-1 positions and visits the n-th one.
func (c *Cursor) Advance(n int) error {
	if err := c.canResume(); err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("%w: advance count must be positive, got %d", ErrInvalidArgument, n)
	}
	c.next, c.times = c.step, n
	return nil
}

// Update replaces the record at the current position.
func (c *Cursor) Update(v Value) error {
	if err := c.canMutate(); err != nil {
		return err
	}
	clone, err := cloneValue(v)
	if err != nil {
		return err
	}
	os := c.objectStore()
	if len(os.src.store.keyPath) > 0 {
		k, ok := os.src.store.keyPath.evaluate(clone)
		enc, kerr := encodeKey(k)
		if !ok || kerr != nil || !bytes.Equal(enc, c.encPK) {
			return fmt.Errorf("%w: updated value must keep primary key %v", ErrInvalidKey, c.primaryKey)
		}
	}
	exists, err := request(c.src.tx, "cursor update", func() (bool, error) {
		b, err := c.src.tx.records(c.src.store)
		if err != nil {
			return false, err
		}
		raw, err := b.Get(c.encPK)
		return raw != nil, err
	})
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: record %v was deleted", ErrStaleCursor, c.primaryKey)
	}
	_, err = request(c.src.tx, "cursor update", func() (struct{}, error) {
		return struct{}{}, os.putRecord(clone, c.encPK, false)
	})
	return err
}

// Delete removes the record at the current position. It does not move the cursor.
func (c *Cursor) Delete() error {
	if err := c.canMutate(); err != nil {
		return err
	}
	os := c.objectStore()
	_, err := request(c.src.tx, "cursor delete", func() (struct{}, error) {
		return struct{}{}, os.deleteRecord(c.encPK)
	})
	return err
}

func (c *Cursor) objectStore() *ObjectStore {
	return &ObjectStore{src: source{tx: c.src.tx, store: c.src.store}}
}

func (c *Cursor) canResume() error {
	if !c.visiting {
		return fmt.Errorf("%w: cursor used outside its visit", ErrInvalidState)
	}
	if c.next != nil {
		return ErrDoubleResume
	}
	return c.src.tx.check()
}

func (c *Cursor) canMutate() error {
	if !c.visiting {
		return fmt.Errorf("%w: cursor used outside its visit", ErrInvalidState)
	}
	if err := c.src.tx.checkWrite(); err != nil {
		return err
	}
	if c.keyOnly {
		return fmt.Errorf("%w: key cursor has no value", ErrInvalidState)
	}
	if c.next != nil {
		return fmt.Errorf("%w: cursor already resumed", ErrInvalidState)
	}
	return nil
}

func (c *Cursor) start(bc store.Cursor, _, _ []byte) ([]byte, []byte) {
	if c.dir.forward() {
		switch {
		case c.rng.lower == nil:
			return bc.First()
		case c.rng.lowerOpen:
			return seekPast(bc, c.rng.lower)
		}
		return bc.Seek(c.rng.lower)
	}
	var k, v []byte
	switch {
	case c.rng.upper == nil:
		k, v = bc.Last()
	case c.rng.upperOpen:
		k, v = seekBefore(bc, c.rng.upper)
	default:
		k, v = seekThrough(bc, c.rng.upper)
	}
	return c.group(bc, k, v)
}

func (c *Cursor) step(bc store.Cursor, raw, key []byte) ([]byte, []byte) {
	switch {
	case c.dir.forward() && c.unique:
		return seekPast(bc, key)
	case c.dir.forward():
		k, v := bc.Seek(raw)
		if k != nil && bytes.Equal(k, raw) {
			return bc.Next()
		}
		return k, v
	case c.unique:
		k, v := seekBefore(bc, key)
		return c.group(bc, k, v)
	}
	return seekBefore(bc, raw)
}

// group moves a prevunique cursor from the last entry of a run of equal
// index keys to the first one, so each key is visited with its lowest
// primary key.
func (c *Cursor) group(bc store.Cursor, k, v []byte) ([]byte, []byte) {
	if !c.unique || c.dir.forward() || k == nil {
		return k, v
	}
	key, _ := c.src.split(k, v)
	return bc.Seek(key)
}

// seekPast positions at the first key not starting with prefix.
func seekPast(bc store.Cursor, prefix []byte) ([]byte, []byte) {
	end := store.PrefixEnd(prefix)
	if end == nil {
		return nil, nil
	}
	return bc.Seek(end)
}

// seekBefore positions at the last key below k.
func seekBefore(bc store.Cursor, k []byte) ([]byte, []byte) {
	if found, _ := bc.Seek(k); found == nil {
		return bc.Last()
	}
	return bc.Prev()
}

// seekThrough positions at the last key at or below every key starting with prefix.
func seekThrough(bc store.Cursor, prefix []byte) ([]byte, []byte) {
	end := store.PrefixEnd(prefix)
	if end == nil {
		return bc.Last()
	}
	return seekBefore(bc, end)
}

// move applies fn times times and loads the resulting position. It reports
// false once the source is exhausted or the position leaves the range.
func (c *Cursor) move(fn seekFunc, times int) (bool, error) {
	return request(c.src.tx, "cursor", func() (bool, error) {
		b, err := c.src.bucket()
		if err != nil {
			return false, err
		}
		bc, err := b.Cursor()
		if err != nil {
			return false, err
		}
		defer bc.Close()

		raw, key := c.raw, c.encKey
		var k, v, pk []byte
		for range times {
			if k, v = fn(bc, raw, key); k == nil {
				return false, bc.Err()
			}
			key, pk = c.src.split(k, v)
			if !c.rng.contains(key) {
				return false, nil
			}
			raw = k
		}
		if err := bc.Err(); err != nil {
			return false, err
		}
		return true, c.load(raw, key, pk, v)
	})
}

func (c *Cursor) load(raw, key, pk, v []byte) error {
	var err error
	if c.key, err = decodeWholeKey(key); err != nil {
		return err
	}
	if c.primaryKey, err = decodeWholeKey(pk); err != nil {
		return err
	}
	c.raw, c.encKey, c.encPK = raw, key, pk
	c.value = nil
	if c.keyOnly {
		return nil
	}
	if c.src.index != nil {
		b, err := c.src.tx.records(c.src.store)
		if err != nil {
			return err
		}
		if v, err = b.Get(pk); err != nil {
			return err
		}
		if v == nil {
			return fmt.Errorf("index %q points at missing record %v", c.src.index.name, c.primaryKey)
		}
	}
	c.value, err = decodeValue(v)
	return err
}

// iterate drives the visit protocol over s.
func (s source) iterate(ctx context.Context, q any, dir Direction, keyOnly bool, visit func(*Cursor) error) error {
	if err := s.tx.check(); err != nil {
		return err
	}
	if !dir.valid() {
		return fmt.Errorf("%w: direction %d", ErrInvalidArgument, int(dir))
	}
	rng, err := queryRange(q)
	if err != nil {
		return err
	}
	c := &Cursor{
		src:     s,
		dir:     dir,
		unique:  dir.unique() && s.index != nil,
		rng:     rng,
		keyOnly: keyOnly,
	}
	ok, err := c.move(c.start, 1)
	for ok {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.visiting, c.next, c.times = true, nil, 0
		verr := visit(c)
		c.visiting = false
		if verr != nil {
			return verr
		}
		if c.next == nil {
			return nil
		}
		ok, err = c.move(c.next, c.times)
	}
	return err
}

// values is a pull view over iterate. Breaking out of the loop ends the
// iteration without error.
func (s source) values(ctx context.Context, q any, dir Direction) iter.Seq2[Value, error] {
	return func(yield func(Value, error) bool) {
		stopped := false
		err := s.iterate(ctx, q, dir, false, func(c *Cursor) error {
			if !yield(c.Value(), nil) {
				stopped = true
				return nil
			}
			return c.Continue()
		})
		if err != nil && !stopped {
			yield(nil, err)
		}
	}
}

// first returns the first bucket pair whose key falls in rng, or nil.
func (s source) first(rng encodedRange) (k, v []byte, err error) {
	err = s.scan(rng, func(bk, bv []byte) error {
		k, v = bk, bv
		return errStop
	})
	return k, v, err
}

// collect returns the encoded primary keys of every entry in rng.
func (s source) collect(rng encodedRange) ([][]byte, error) {
	var pks [][]byte
	err := s.scan(rng, func(k, v []byte) error {
		_, pk := s.split(k, v)
		pks = append(pks, pk)
		return nil
	})
	return pks, err
}

func (s source) count(q any) (int, error) {
	if err := s.tx.check(); err != nil {
		return 0, err
	}
	rng, err := queryRange(q)
	if err != nil {
		return 0, err
	}
	return request(s.tx, "count", func() (int, error) {
		n := 0
		err := s.scan(rng, func(_, _ []byte) error {
			n++
			return nil
		})
		return n, err
	})
}

var errStop = errors.New("stop scan")

// scan calls fn for each bucket pair in rng in ascending order. The bucket
// must not be modified from fn.
func (s source) scan(rng encodedRange, fn func(k, v []byte) error) error {
	b, err := s.bucket()
	if err != nil {
		return err
	}
	bc, err := b.Cursor()
	if err != nil {
		return err
	}
	defer bc.Close()
	var k, v []byte
	switch {
	case rng.lower == nil:
		k, v = bc.First()
	case rng.lowerOpen:
		k, v = seekPast(bc, rng.lower)
	default:
		k, v = bc.Seek(rng.lower)
	}
	for ; k != nil; k, v = bc.Next() {
		if key, _ := s.split(k, v); !rng.contains(key) {
			break
		}
		if err := fn(k, v); err != nil {
			if errors.Is(err, errStop) {
				return nil
			}
			return err
		}
	}
	return bc.Err()
}
