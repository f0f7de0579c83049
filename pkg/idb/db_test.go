package idb

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"shelf/internal/config"
	"shelf/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Backend: Pebble})
	assert.ErrorIs(t, err, ErrInvalidArgument, "empty name")

	_, err = New(Options{Name: "a/b", Backend: Pebble})
	assert.ErrorIs(t, err, ErrInvalidArgument, "name with separator")

	_, err = New(Options{Name: "x", Backend: "sqlite"})
	assert.ErrorIs(t, err, ErrInvalidArgument, "unknown backend")

	_, err = New(Options{Name: "x"})
	assert.ErrorIs(t, err, ErrInvalidArgument, "bolt needs a directory")

	db, err := New(Options{Name: "x", Backend: LevelDB})
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck
	assert.Equal(t, "x", db.Name())
	assert.Equal(t, uint64(1), db.Version(), "version defaults to 1")
	assert.Equal(t, LevelDB, db.Backend())
}

func TestParseBackend(t *testing.T) {
	for in, want := range map[string]Backend{"": Bolt, "bolt": Bolt, "pebble": Pebble, "leveldb": LevelDB} {
		got, err := ParseBackend(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseBackend("badger")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Defaults().Database
	cfg.Backend = "pebble"
	cfg.DataDir = "/var/lib/shelf"
	cfg.OpenTimeout = config.Duration{Duration: 3 * time.Second}
	cfg.Initialize = true
	cfg.SchemaCacheSize = 4

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, Options{
		Name:               "shelf",
		Version:            1,
		Backend:            Pebble,
		Dir:                "/var/lib/shelf",
		OpenTimeout:        3 * time.Second,
		InitializeDatabase: true,
		SchemaCacheSize:    4,
	}, opts)

	cfg.Backend = "mysql"
	_, err = OptionsFromConfig(cfg)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSessionOpenArguments(t *testing.T) {
	db := newTestDB(t, Bolt, seedProducts)
	ctx := context.Background()
	noop := func(*Tx) error { return nil }

	assert.ErrorIs(t, db.Session().Open(ctx, nil, ReadOnly, noop), ErrInvalidArgument)
	assert.ErrorIs(t, db.Session().Open(ctx, []string{"product"}, VersionChange, noop), ErrInvalidArgument)
	assert.ErrorIs(t, db.Session().Open(ctx, []string{"product"}, ReadOnly, nil), ErrInvalidArgument)
}

func TestSessionModes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		db := newTestDB(t, b, seedProducts)
		for _, mode := range []Mode{ReadOnly, ReadWrite} {
			require.NoError(t, db.Session().Open(context.Background(), []string{"product"}, mode, func(tx *Tx) error {
				assert.Equal(t, mode, tx.Mode())
				s, err := tx.ObjectStore("product")
				require.NoError(t, err)
				assert.NotNil(t, s)
				return nil
			}))
		}
	})
}

func TestTxUnusableAfterSession(t *testing.T) {
	db := newTestDB(t, Bolt, seedProducts)

	var kept *ObjectStore
	require.NoError(t, inStore(t, db, "product", ReadWrite, func(s *ObjectStore) error {
		kept = s
		return nil
	}))
	_, err := kept.Get(1)
	assert.ErrorIs(t, err, ErrTransactionInactive)
	_, err = kept.Put(product(9, "Late"), nil)
	assert.ErrorIs(t, err, ErrTransactionInactive)
	assert.NoError(t, kept.Transaction().Err(), "a clean commit records no failure")
}

func TestTxFailureRecorded(t *testing.T) {
	db := newTestDB(t, Bolt, seedProducts)

	var tx *Tx
	err := db.Session().Open(context.Background(), []string{"product"}, ReadWrite, func(t2 *Tx) error {
		tx = t2
		s, err := t2.ObjectStore("product")
		if err != nil {
			return err
		}
		_, _ = s.Add(product(1, "Dup"), nil)
		return nil
	})
	require.ErrorIs(t, err, ErrConstraint)
	assert.ErrorIs(t, tx.Err(), ErrConstraint)
	_, err = tx.ObjectStore("product")
	assert.ErrorIs(t, err, ErrTransactionInactive)
}

func TestUpgradeOutsideUpgrade(t *testing.T) {
	db := newTestDB(t, Bolt, seedPeople)

	_, err := db.Session().CreateObjectStore("late", StoreOptions{})
	assert.ErrorIs(t, err, ErrSessionNotOpen)
	assert.ErrorIs(t, db.Session().DeleteObjectStore("person"), ErrSessionNotOpen)
	_, err = db.Session().ObjectStoreNames()
	assert.ErrorIs(t, err, ErrSessionNotOpen)

	require.NoError(t, inStore(t, db, "person", ReadWrite, func(s *ObjectStore) error {
		_, err := s.CreateIndex("city", Path("city"), IndexOptions{})
		assert.ErrorIs(t, err, ErrSessionNotOpen)
		assert.ErrorIs(t, s.DeleteIndex("age"), ErrSessionNotOpen)
		return nil
	}))
}

func TestUpgradeSchemaErrors(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		db := newTestDB(t, b, func(s *Session, _ uint64) error {
			people, err := s.CreateObjectStore("person", StoreOptions{AutoIncrement: true})
			require.NoError(t, err)

			_, err = s.CreateObjectStore("person", StoreOptions{})
			assert.ErrorIs(t, err, ErrConstraint, "duplicate store")
			_, err = s.CreateObjectStore("", StoreOptions{})
			assert.ErrorIs(t, err, ErrInvalidArgument, "empty store name")
			_, err = s.CreateObjectStore("pair", StoreOptions{KeyPath: Path("a", "b"), AutoIncrement: true})
			assert.ErrorIs(t, err, ErrInvalidArgument, "generator with compound key path")
			_, err = s.CreateObjectStore("bad", StoreOptions{KeyPath: Path("a..b")})
			assert.ErrorIs(t, err, ErrInvalidArgument)

			_, err = people.CreateIndex("name", Path("name"), IndexOptions{})
			require.NoError(t, err)
			_, err = people.CreateIndex("name", Path("name"), IndexOptions{})
			assert.ErrorIs(t, err, ErrConstraint, "duplicate index")
			_, err = people.CreateIndex("", Path("x"), IndexOptions{})
			assert.ErrorIs(t, err, ErrInvalidArgument)
			_, err = people.CreateIndex("nopath", nil, IndexOptions{})
			assert.ErrorIs(t, err, ErrInvalidArgument)
			assert.ErrorIs(t, people.DeleteIndex("zip"), ErrNotFound)
			assert.ErrorIs(t, s.DeleteObjectStore("ghost"), ErrNotFound)

			names, err := s.ObjectStoreNames()
			require.NoError(t, err)
			assert.Equal(t, []string{"person"}, names)
			return nil
		})
		assert.Equal(t, 0, countRecords(t, db, "person"))
	})
}

func TestUpgradeFailureRollsBack(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		dir := t.TempDir()
		boom := errors.New("boom")

		failing := newTestDBIn(t, b, dir, 1, func(s *Session, _ uint64) error {
			if _, err := s.CreateObjectStore("product", StoreOptions{}); err != nil {
				return err
			}
			return boom
		})
		err := failing.Session().Open(context.Background(), []string{"product"}, ReadOnly, func(*Tx) error { return nil })
		require.ErrorIs(t, err, boom)
		require.NoError(t, failing.Close())

		var seen []uint64
		db := newTestDBIn(t, b, dir, 1, func(s *Session, old uint64) error {
			seen = append(seen, old)
			names, err := s.ObjectStoreNames()
			require.NoError(t, err)
			assert.Empty(t, names, "the failed upgrade left nothing behind")
			return seedProducts(s, old)
		})
		assert.Equal(t, 3, countRecords(t, db, "product"))
		assert.Equal(t, []uint64{0}, seen)
	})
}

func TestUpgradeFromOlderVersion(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		dir := t.TempDir()
		v1 := newTestDBIn(t, b, dir, 1, seedPeople)
		assert.Equal(t, 6, countRecords(t, v1, "person"))
		require.NoError(t, v1.Close())

		var from uint64
		v2 := newTestDBIn(t, b, dir, 2, func(s *Session, old uint64) error {
			from = old
			people, err := s.ObjectStore("person")
			if err != nil {
				return err
			}
			if _, err := people.CreateIndex("initial", Path("name"), IndexOptions{Unique: true}); err != nil {
				return err
			}
			if err := people.DeleteIndex("age"); err != nil {
				return err
			}
			return s.DeleteObjectStore("address")
		})

		var n int
		require.NoError(t, inIndex(t, v2, "person", "initial", ReadOnly, func(ix *Index) error {
			var err error
			n, err = ix.Count(nil)
			return err
		}))
		assert.Equal(t, uint64(1), from)
		assert.Equal(t, 6, n, "new index is filled from existing records")

		require.NoError(t, inStore(t, v2, "person", ReadOnly, func(s *ObjectStore) error {
			assert.Equal(t, []string{"initial", "name"}, s.IndexNames())
			return nil
		}))
		err := v2.Session().Open(context.Background(), []string{"address"}, ReadOnly, func(*Tx) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCreateIndexUniqueBackfillConflict(t *testing.T) {
	dir := t.TempDir()
	v1 := newTestDBIn(t, Bolt, dir, 1, seedPeople)
	assert.Equal(t, 6, countRecords(t, v1, "person"))
	require.NoError(t, v1.Close())

	v2 := newTestDBIn(t, Bolt, dir, 2, func(s *Session, _ uint64) error {
		people, err := s.ObjectStore("person")
		if err != nil {
			return err
		}
		_, err = people.CreateIndex("age_unique", Path("age"), IndexOptions{Unique: true})
		return err
	})
	err := v2.Session().Open(context.Background(), []string{"person"}, ReadOnly, func(*Tx) error { return nil })
	assert.ErrorIs(t, err, ErrConstraint)
}

func TestVersionTooOld(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		dir := t.TempDir()
		v2 := newTestDBIn(t, b, dir, 2, seedProducts)
		assert.Equal(t, 3, countRecords(t, v2, "product"))
		require.NoError(t, v2.Close())

		v1 := newTestDBIn(t, b, dir, 1, seedProducts)
		err := v1.Session().Open(context.Background(), []string{"product"}, ReadOnly, func(*Tx) error { return nil })
		assert.ErrorIs(t, err, ErrVersion)
	})
}

func TestOpenBlocked(t *testing.T) {
	dir := t.TempDir()
	holder := newTestDBIn(t, Bolt, dir, 1, seedProducts)
	assert.Equal(t, 3, countRecords(t, holder, "product"))

	other := newTestDBIn(t, Bolt, dir, 1, seedProducts)
	err := other.Session().Open(context.Background(), []string{"product"}, ReadOnly, func(*Tx) error { return nil })
	assert.ErrorIs(t, err, ErrBlocked)

	require.NoError(t, holder.Close())
	assert.Equal(t, 3, countRecords(t, other, "product"), "the lock is released on close")
}

func TestDestroy(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		db := newTestDB(t, b, seedProducts)
		ctx := context.Background()

		require.NoError(t, inStore(t, db, "product", ReadWrite, func(s *ObjectStore) error {
			_, err := s.Add(map[string]any{"name": "Go"}, nil)
			return err
		}))
		assert.Equal(t, 4, countRecords(t, db, "product"))

		require.NoError(t, db.Destroy(ctx))
		assert.Equal(t, 3, countRecords(t, db, "product"), "only the upgrade's records exist after a destroy")
	})
}

func TestDestroyOnDisk(t *testing.T) {
	dir := t.TempDir()
	db := newTestDBIn(t, Bolt, dir, 1, seedProducts)
	assert.Equal(t, 3, countRecords(t, db, "product"))

	path := filepath.Join(dir, "test.db")
	_, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, db.Destroy(context.Background()))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "destroy removes the engine file")
}

func TestDestroyBeforeOpen(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		db := newTestDB(t, b, seedProducts)
		ctx := context.Background()

		require.NoError(t, inStore(t, db, "product", ReadWrite, func(s *ObjectStore) error {
			return s.Clear()
		}))

		// The destroy is registered before DestroyAsync returns, so this
		// open observes a fresh database.
		pending := db.DestroyAsync()
		assert.Equal(t, 3, countRecords(t, db, "product"))

		_, err := pending.Wait(ctx)
		require.NoError(t, err)
	})
}

func TestDestroyWaitsForSessions(t *testing.T) {
	db := newTestDB(t, Bolt, seedProducts)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- inStore(t, db, "product", ReadWrite, func(s *ObjectStore) error {
			close(entered)
			<-release
			_, err := s.Add(map[string]any{"name": "Go"}, nil)
			return err
		})
	}()
	<-entered

	pending := db.DestroyAsync()
	assert.Same(t, pending, db.DestroyAsync(), "concurrent destroys share one result")
	select {
	case <-pending.Done():
		t.Fatal("destroy finished while a session was open")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done, "the in-flight session commits")

	_, err := pending.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, countRecords(t, db, "product"))
}

func TestDestroyWaitHonoursContext(t *testing.T) {
	db := newTestDB(t, Bolt, seedProducts)
	assert.Equal(t, 3, countRecords(t, db, "product"))

	release := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_ = inStore(t, db, "product", ReadOnly, func(*ObjectStore) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, db.Destroy(ctx), context.DeadlineExceeded)

	// A session open waits for the pending destroy too.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	err := db.Session().Open(ctx2, []string{"product"}, ReadOnly, func(*Tx) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDestroyInsideSession(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		db := newTestDB(t, b, seedProducts)
		ctx := context.Background()

		var pending *Result[struct{}]
		require.NoError(t, inStore(t, db, "product", ReadWrite, func(s *ObjectStore) error {
			err := db.Destroy(s.Transaction().Context())
			assert.ErrorIs(t, err, ErrInvalidState)
			pending = db.DestroyAsync()
			select {
			case <-pending.Done():
				t.Error("destroy finished while its caller's session was open")
			default:
			}
			return nil
		}))

		_, err := pending.Wait(ctx)
		require.NoError(t, err)
		require.NoError(t, inStore(t, db, "product", ReadOnly, func(*ObjectStore) error { return nil }))
	})
}

func TestDestroyFromOtherDBSession(t *testing.T) {
	db := newTestDB(t, Pebble, seedProducts)
	other := newTestDB(t, Pebble, seedProducts)

	require.NoError(t, inStore(t, other, "product", ReadOnly, func(s *ObjectStore) error {
		return db.Destroy(s.Transaction().Context())
	}))
}

func TestShutdownHonoursContext(t *testing.T) {
	db := newTestDB(t, Bolt, seedProducts)

	release := make(chan struct{})
	entered := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- inStore(t, db, "product", ReadOnly, func(*ObjectStore) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, db.Shutdown(ctx), context.DeadlineExceeded)

	err := db.Session().Open(context.Background(), []string{"product"}, ReadOnly, func(*Tx) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidState, "no new sessions once shutdown began")

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, db.Shutdown(context.Background()))
	require.NoError(t, db.Close())
}

func TestInitializeDatabase(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		dir := t.TempDir()
		first := newTestDBIn(t, b, dir, 1, seedProducts)
		require.NoError(t, inStore(t, first, "product", ReadWrite, func(s *ObjectStore) error {
			_, err := s.Add(map[string]any{"name": "Go"}, nil)
			return err
		}))
		require.NoError(t, first.Close())

		db, err := New(Options{
			Name:               "test",
			Upgrade:            seedProducts,
			Backend:            b,
			Dir:                dir,
			InitializeDatabase: true,
		})
		require.NoError(t, err)
		defer db.Close() //nolint:errcheck
		assert.Equal(t, 3, countRecords(t, db, "product"))
	})
}

func TestClose(t *testing.T) {
	db := newTestDB(t, Bolt, seedProducts)
	assert.Equal(t, 3, countRecords(t, db, "product"))

	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "close is idempotent")
	err := db.Session().Open(context.Background(), []string{"product"}, ReadOnly, func(*Tx) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestConcurrentSessions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		db := newTestDB(t, b, seedProducts)

		const writers = 8
		keys := make(chan Key, writers)
		var wg sync.WaitGroup
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := inStore(t, db, "product", ReadWrite, func(s *ObjectStore) error {
					k, err := s.Add(map[string]any{"name": "writer", "n": i}, nil)
					keys <- k
					return err
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		close(keys)

		seen := map[Key]bool{}
		for k := range keys {
			assert.False(t, seen[k], "key %v handed out twice", k)
			seen[k] = true
		}
		assert.Len(t, seen, writers)
		assert.Equal(t, 3+writers, countRecords(t, db, "product"))
	})
}

func TestLogsUpgradeAndDestroy(t *testing.T) {
	capture := logging.CaptureForTest()
	defer capture.Restore()

	db := newTestDB(t, Bolt, seedProducts)
	assert.Equal(t, 3, countRecords(t, db, "product"))
	require.NoError(t, db.Destroy(context.Background()))

	assert.True(t, capture.Has(slog.LevelInfo, "database upgraded"))
	assert.True(t, capture.Has(slog.LevelInfo, "database destroyed"))
	assert.True(t, capture.Has(slog.LevelDebug, "object store created"))
	component, ok := capture.Attr("database upgraded", "component")
	require.True(t, ok)
	assert.Equal(t, "idb", component.String())
	to, ok := capture.Attr("database upgraded", "to")
	require.True(t, ok)
	assert.Equal(t, uint64(1), to.Uint64())
	assert.Zero(t, capture.Count(slog.LevelWarn))
}
