package idb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"shelf/internal/config"
	"shelf/internal/logging"
	"shelf/internal/store"

	"github.com/google/uuid"
	"github.com/maypok86/otter"
)

var logger = logging.For("idb")

const defaultSchemaCacheSize = 64

// UpgradeFunc runs in a version change transaction when the stored schema
// version is below Options.Version. oldVersion is 0 for a new database.
// Object stores and indexes can only be created or deleted from here.
type UpgradeFunc func(s *Session, oldVersion uint64) error

// Options is the process-wide configuration of one database. It is fixed
// once New returns.
type Options struct {
	Name    string
	Version uint64
	Upgrade UpgradeFunc

	Backend Backend
	// Dir holds the engine files. Pebble and leveldb run in memory when it
	// is empty; bolt requires it.
	Dir         string
	OpenTimeout time.Duration

	// InitializeDatabase destroys any existing database before first use.
	InitializeDatabase bool
	SchemaCacheSize    int
}

// OptionsFromConfig maps the [database] config section onto Options. When
// the section declares stores, Upgrade creates them; callers may replace it.
func OptionsFromConfig(cfg config.DatabaseConfig) (Options, error) {
	backend, err := ParseBackend(cfg.Backend)
	if err != nil {
		return Options{}, err
	}
	var upgrade UpgradeFunc
	if len(cfg.Stores) > 0 {
		upgrade = DeclaredUpgrade(cfg.Stores)
	}
	return Options{
		Upgrade:            upgrade,
		Name:               cfg.Name,
		Version:            cfg.Version,
		Backend:            backend,
		Dir:                config.ExpandHome(cfg.DataDir),
		OpenTimeout:        cfg.OpenTimeout.Duration,
		InitializeDatabase: cfg.Initialize,
		SchemaCacheSize:    cfg.SchemaCacheSize,
	}, nil
}

// DB is a database handle shared by every session. It owns at most one
// engine connection, opened on first use and kept until Destroy or Close.
type DB struct {
	opts    Options
	schemas otter.Cache[uint64, *schema]

	openMu sync.Mutex // serializes connection establishment

	mu         sync.Mutex
	idle       chan struct{} // closed when refs drops to zero
	conn       store.Store
	refs       int
	destroying *Result[struct{}]
	closed     bool // no new sessions
	shut       bool // connection and cache released
}

// New validates opts and returns a DB. No engine file is touched until the
// first session opens, except that InitializeDatabase schedules a destroy.
func New(opts Options) (*DB, error) {
	if opts.Name == "" || strings.ContainsAny(opts.Name, `/\`) {
		return nil, fmt.Errorf("%w: database name %q", ErrInvalidArgument, opts.Name)
	}
	if opts.Version == 0 {
		opts.Version = 1
	}
	backend, err := ParseBackend(string(opts.Backend))
	if err != nil {
		return nil, err
	}
	opts.Backend = backend
	if opts.Backend == Bolt && opts.Dir == "" {
		return nil, fmt.Errorf("%w: bolt backend needs a data directory", ErrInvalidArgument)
	}
	if opts.SchemaCacheSize <= 0 {
		opts.SchemaCacheSize = defaultSchemaCacheSize
	}
	cache, err := otter.MustBuilder[uint64, *schema](opts.SchemaCacheSize).Build()
	if err != nil {
		return nil, fmt.Errorf("building schema cache: %w", err)
	}
	db := &DB{opts: opts, schemas: cache}
	if opts.InitializeDatabase {
		db.DestroyAsync()
	}
	return db, nil
}

func (db *DB) Name() string     { return db.opts.Name }
func (db *DB) Version() uint64  { return db.opts.Version }
func (db *DB) Backend() Backend { return db.opts.Backend }

// Session returns a new unopened session.
func (db *DB) Session() *Session {
	return &Session{db: db, id: uuid.New()}
}

// acquire returns the shared connection, opening and upgrading it if needed.
// It waits for a pending destroy first. Every successful acquire must be
// paired with release.
func (db *DB) acquire(ctx context.Context, s *Session) (store.Store, error) {
	db.mu.Lock()
	for db.destroying != nil {
		pending := db.destroying
		db.mu.Unlock()
		select {
		case <-pending.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		db.mu.Lock()
	}
	if db.closed {
		db.mu.Unlock()
		return nil, fmt.Errorf("%w: database %q is closed", ErrInvalidState, db.opts.Name)
	}
	if db.refs == 0 {
		db.idle = make(chan struct{})
	}
	db.refs++
	conn := db.conn
	db.mu.Unlock()

	if conn != nil {
		return conn, nil
	}
	conn, err := db.connect(ctx, s)
	if err != nil {
		db.release()
		return nil, err
	}
	return conn, nil
}

func (db *DB) release() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.refs--
	if db.refs == 0 {
		close(db.idle)
	}
}

// waitIdle waits, with db.mu held, until no session holds the connection.
// On a ctx error db.mu is still held.
func (db *DB) waitIdle(ctx context.Context) error {
	for db.refs > 0 {
		idle := db.idle
		db.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			db.mu.Lock()
			return ctx.Err()
		}
		db.mu.Lock()
	}
	return nil
}

func (db *DB) connect(ctx context.Context, s *Session) (store.Store, error) {
	db.openMu.Lock()
	defer db.openMu.Unlock()

	db.mu.Lock()
	conn := db.conn
	db.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	conn, err := openEngine(db.opts)
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			return nil, fmt.Errorf("%w: %v", ErrBlocked, err)
		}
		return nil, classify("open", err)
	}
	if err := db.upgrade(ctx, conn, s); err != nil {
		if cerr := conn.Close(); cerr != nil {
			logger.Warn("closing connection after failed upgrade", "db", db.opts.Name, "err", cerr)
		}
		return nil, err
	}
	db.mu.Lock()
	db.conn = conn
	db.mu.Unlock()
	logger.Debug("connection opened", "db", db.opts.Name, "backend", db.opts.Backend, "version", db.opts.Version)
	return conn, nil
}

// upgrade runs the upgrade callback when the stored version is behind.
func (db *DB) upgrade(ctx context.Context, conn store.Store, s *Session) error {
	etx, err := conn.Begin(true)
	if err != nil {
		return classify("begin upgrade", err)
	}
	old, err := readVersion(etx)
	if err != nil {
		_ = etx.Rollback()
		return classify("read version", err)
	}
	want := db.opts.Version
	if old > want {
		_ = etx.Rollback()
		return fmt.Errorf("%w: stored %d, requested %d", ErrVersion, old, want)
	}
	if old == want {
		return classify("begin upgrade", etx.Rollback())
	}
	sch, err := readSchema(etx)
	if err != nil {
		_ = etx.Rollback()
		return classify("read schema", err)
	}
	sch.version = want
	tx := newTx(ctx, db, s.id, VersionChange, etx, sch, nil)
	s.upgrade = tx
	defer func() {
		s.upgrade = nil
		if !tx.done {
			tx.rollback()
		}
	}()

	var uerr error
	if db.opts.Upgrade != nil {
		uerr = db.opts.Upgrade(s, old)
	}
	if err := tx.end(uerr); err != nil {
		return err
	}
	db.schemas.Clear()
	logger.Info("database upgraded", "db", db.opts.Name, "from", old, "to", want, "session", s.id)
	return nil
}

// schemaFor returns the schema visible to etx, cached by version.
func (db *DB) schemaFor(etx store.Tx) (*schema, error) {
	v, err := readVersion(etx)
	if err != nil {
		return nil, err
	}
	if s, ok := db.schemas.Get(v); ok {
		return s, nil
	}
	s, err := readSchema(etx)
	if err != nil {
		return nil, err
	}
	db.schemas.Set(v, s)
	return s, nil
}

// DestroyAsync requests that the database be deleted. The request is
// registered before it returns: every later session open waits for it. It
// runs once in-flight sessions finish. Concurrent requests share one result.
func (db *DB) DestroyAsync() *Result[struct{}] {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.destroying != nil {
		return db.destroying
	}
	logger.Debug("destroy requested", "db", db.opts.Name)
	// The goroutine blocks on db.mu until the result is registered.
	db.destroying = spawn("destroy", func() (struct{}, error) {
		err := db.destroy()
		db.mu.Lock()
		db.destroying = nil
		db.mu.Unlock()
		if err != nil {
			logger.Warn("destroy failed", "db", db.opts.Name, "err", err)
		} else {
			logger.Info("database destroyed", "db", db.opts.Name)
		}
		return struct{}{}, err
	})
	return db.destroying
}

// Destroy deletes the database and waits for it to be gone. The wait needs
// every session to finish, so a ctx from Tx.Context of this DB yields
// ErrInvalidState instead of waiting on itself; use DestroyAsync there.
func (db *DB) Destroy(ctx context.Context) error {
	if inSession(ctx, db) {
		return fmt.Errorf("%w: destroy of %q from inside one of its sessions", ErrInvalidState, db.opts.Name)
	}
	_, err := db.DestroyAsync().Wait(ctx)
	return err
}

func (db *DB) destroy() error {
	db.mu.Lock()
	_ = db.waitIdle(context.Background())
	conn := db.conn
	db.conn = nil
	db.mu.Unlock()

	db.schemas.Clear()
	if conn != nil {
		if err := conn.Close(); err != nil {
			return err
		}
	}
	return removeEngine(db.opts)
}

// Close is Shutdown without a deadline.
func (db *DB) Close() error {
	return db.Shutdown(context.Background())
}

// Shutdown waits for a pending destroy and for in-flight sessions, then
// closes the engine connection. Sessions opened afterwards fail. When ctx
// ends first Shutdown returns its error and may be called again.
func (db *DB) Shutdown(ctx context.Context) error {
	db.mu.Lock()
	for db.destroying != nil {
		pending := db.destroying
		db.mu.Unlock()
		select {
		case <-pending.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		db.mu.Lock()
	}
	if db.shut {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	if err := db.waitIdle(ctx); err != nil {
		db.mu.Unlock()
		return err
	}
	db.shut = true
	conn := db.conn
	db.conn = nil
	db.mu.Unlock()

	db.schemas.Close()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
