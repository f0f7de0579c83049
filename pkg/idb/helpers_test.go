package idb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var backends = []Backend{Bolt, Pebble, LevelDB}

// forEachBackend runs fn once per storage engine.
func forEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	for _, b := range backends {
		t.Run(string(b), func(t *testing.T) {
			fn(t, b)
		})
	}
}

func newTestDB(t *testing.T, b Backend, upgrade UpgradeFunc) *DB {
	t.Helper()
	return newTestDBIn(t, b, t.TempDir(), 1, upgrade)
}

func newTestDBIn(t *testing.T, b Backend, dir string, version uint64, upgrade UpgradeFunc) *DB {
	t.Helper()
	db, err := New(Options{
		Name:        "test",
		Version:     version,
		Upgrade:     upgrade,
		Backend:     b,
		Dir:         dir,
		OpenTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func person(name string, age int) map[string]any {
	return map[string]any{"name": name, "age": float64(age)}
}

func address(street, city string) map[string]any {
	return map[string]any{"street": street, "city": city}
}

func product(id int, name string) map[string]any {
	return map[string]any{"id": float64(id), "name": name}
}

// seedPeople creates the person and address stores with their indexes.
func seedPeople(s *Session, _ uint64) error {
	people, err := s.CreateObjectStore("person", StoreOptions{AutoIncrement: true})
	if err != nil {
		return err
	}
	if _, err := people.CreateIndex("name", Path("name"), IndexOptions{Unique: true}); err != nil {
		return err
	}
	if _, err := people.CreateIndex("age", Path("age"), IndexOptions{}); err != nil {
		return err
	}
	for _, p := range []map[string]any{
		person("aaa", 10), person("ddd", 10),
		person("bbb", 20), person("eee", 20),
		person("ccc", 30), person("fff", 30),
	} {
		if _, err := people.Add(p, nil); err != nil {
			return err
		}
	}

	addresses, err := s.CreateObjectStore("address", StoreOptions{AutoIncrement: true})
	if err != nil {
		return err
	}
	if _, err := addresses.CreateIndex("street", Path("street"), IndexOptions{}); err != nil {
		return err
	}
	for _, a := range []map[string]any{
		address("aaa", "NY"), address("bbb", "TOKYO"), address("aaa", "PARIS"),
	} {
		if _, err := addresses.Put(a, nil); err != nil {
			return err
		}
	}
	return nil
}

// seedProducts creates the product store with in-line generated keys.
func seedProducts(s *Session, _ uint64) error {
	products, err := s.CreateObjectStore("product", StoreOptions{KeyPath: Path("id"), AutoIncrement: true})
	if err != nil {
		return err
	}
	for _, name := range []string{"Python", "Ruby", "Java"} {
		if _, err := products.Add(map[string]any{"name": name}, nil); err != nil {
			return err
		}
	}
	return nil
}

// inStore runs fn against one object store in a fresh session.
func inStore(t *testing.T, db *DB, name string, mode Mode, fn func(s *ObjectStore) error) error {
	t.Helper()
	return db.Session().Open(context.Background(), []string{name}, mode, func(tx *Tx) error {
		s, err := tx.ObjectStore(name)
		if err != nil {
			return err
		}
		return fn(s)
	})
}

// inIndex runs fn against one index in a fresh session.
func inIndex(t *testing.T, db *DB, storeName, indexName string, mode Mode, fn func(ix *Index) error) error {
	t.Helper()
	return inStore(t, db, storeName, mode, func(s *ObjectStore) error {
		ix, err := s.Index(indexName)
		if err != nil {
			return err
		}
		return fn(ix)
	})
}

func allValues(t *testing.T, db *DB, name string) []Value {
	t.Helper()
	var out []Value
	require.NoError(t, inStore(t, db, name, ReadOnly, func(s *ObjectStore) error {
		var err error
		out, err = s.All(context.Background())
		return err
	}))
	return out
}

func countRecords(t *testing.T, db *DB, name string) int {
	t.Helper()
	var n int
	require.NoError(t, inStore(t, db, name, ReadOnly, func(s *ObjectStore) error {
		var err error
		n, err = s.Count(nil)
		return err
	}))
	return n
}

// visitAll continues through every position and records the values.
func visitAll(out *[]Value) func(c *Cursor) error {
	return func(c *Cursor) error {
		*out = append(*out, c.Value())
		return c.Continue()
	}
}
