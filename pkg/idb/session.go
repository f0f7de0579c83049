package idb

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// Session opens transactions on a DB. It starts unopened; each Open call
// produces a *Tx that lives only for the duration of the callback.
type Session struct {
	db      *DB
	id      uuid.UUID
	upgrade *Tx // set while the upgrade callback runs
}

// ID identifies the session in logs.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Open runs fn in one transaction spanning the named object stores. The
// transaction commits when fn returns nil and no request failed; otherwise
// it rolls back and Open returns fn's error or the first request failure.
//
// Open waits for a pending destroy, and opens and upgrades the shared
// connection if needed. A connection held by another handle yields
// ErrBlocked. Tx.Context derives from ctx.
func (s *Session) Open(ctx context.Context, names []string, mode Mode, fn func(*Tx) error) error {
	if len(names) == 0 {
		return fmt.Errorf("%w: no object stores named", ErrInvalidArgument)
	}
	if mode != ReadOnly && mode != ReadWrite {
		return fmt.Errorf("%w: cannot open a %s transaction", ErrInvalidArgument, mode)
	}
	if fn == nil {
		return fmt.Errorf("%w: nil transaction function", ErrInvalidArgument)
	}
	conn, err := s.db.acquire(ctx, s)
	if err != nil {
		return err
	}
	defer s.db.release()

	etx, err := conn.Begin(mode == ReadWrite)
	if err != nil {
		return classify("begin", err)
	}
	sch, err := s.db.schemaFor(etx)
	if err != nil {
		_ = etx.Rollback()
		return classify("load schema", err)
	}
	for _, name := range names {
		if _, ok := sch.stores[name]; !ok {
			_ = etx.Rollback()
			return fmt.Errorf("%w: object store %q", ErrNotFound, name)
		}
	}
	tx := newTx(ctx, s.db, s.id, mode, etx, sch, slices.Clone(names))
	logger.Debug("session opened", "session", s.id, "stores", names, "mode", mode)
	defer func() {
		if !tx.done {
			tx.rollback()
		}
	}()
	return tx.end(fn(tx))
}

func (s *Session) upgradeTx() (*Tx, error) {
	if s.upgrade == nil {
		return nil, ErrSessionNotOpen
	}
	if err := s.upgrade.checkUpgrade(); err != nil {
		return nil, err
	}
	return s.upgrade, nil
}

// CreateObjectStore adds an object store. It is only valid inside the
// upgrade callback.
func (s *Session) CreateObjectStore(name string, opts StoreOptions) (*ObjectStore, error) {
	tx, err := s.upgradeTx()
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty object store name", ErrInvalidArgument)
	}
	if _, exists := tx.schema.stores[name]; exists {
		return nil, fmt.Errorf("%w: object store %q already exists", ErrConstraint, name)
	}
	if err := opts.KeyPath.validate(); err != nil {
		return nil, err
	}
	if opts.AutoIncrement && (len(opts.KeyPath) > 1 || (len(opts.KeyPath) == 1 && opts.KeyPath[0] == "")) {
		return nil, fmt.Errorf("%w: auto-increment needs an out-of-line or single key path", ErrInvalidArgument)
	}
	meta := &storeMeta{
		name:          name,
		keyPath:       slices.Clone(opts.KeyPath),
		autoIncrement: opts.AutoIncrement,
		indexes:       map[string]*indexMeta{},
	}
	_, err = request(tx, "create object store", func() (struct{}, error) {
		if _, err := tx.etx.CreateBucket(recordBucket(name)); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, writeStoreMeta(tx.etx, meta)
	})
	if err != nil {
		return nil, err
	}
	tx.schema.stores[name] = meta
	logger.Debug("object store created", "store", name, "key_path", meta.keyPath.String(), "auto_increment", meta.autoIncrement)
	return tx.ObjectStore(name)
}

// DeleteObjectStore drops an object store with its records and indexes. It
// is only valid inside the upgrade callback.
func (s *Session) DeleteObjectStore(name string) error {
	tx, err := s.upgradeTx()
	if err != nil {
		return err
	}
	meta, ok := tx.schema.stores[name]
	if !ok {
		return fmt.Errorf("%w: object store %q", ErrNotFound, name)
	}
	_, err = request(tx, "delete object store", func() (struct{}, error) {
		for _, ix := range meta.indexNames() {
			if err := tx.etx.DeleteBucket(indexBucket(name, ix)); err != nil {
				return struct{}{}, err
			}
		}
		if err := tx.etx.DeleteBucket(recordBucket(name)); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, deleteStoreMeta(tx.etx, name)
	})
	if err != nil {
		return err
	}
	delete(tx.schema.stores, name)
	return nil
}

// ObjectStore returns a store handle inside the upgrade callback, for
// seeding records or adding indexes to an existing store.
func (s *Session) ObjectStore(name string) (*ObjectStore, error) {
	tx, err := s.upgradeTx()
	if err != nil {
		return nil, err
	}
	return tx.ObjectStore(name)
}

// ObjectStoreNames lists the stores visible to the upgrade callback.
func (s *Session) ObjectStoreNames() ([]string, error) {
	tx, err := s.upgradeTx()
	if err != nil {
		return nil, err
	}
	return tx.schema.storeNames(), nil
}
