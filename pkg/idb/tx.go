package idb

import (
	"context"
	"fmt"
	"slices"

	"shelf/internal/store"

	"github.com/google/uuid"
)

// Mode selects what a transaction may do.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
	// VersionChange transactions run the upgrade callback. They may create
	// and delete object stores and indexes. Callers cannot open one directly.
	VersionChange
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	case VersionChange:
		return "versionchange"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Tx is one open transaction. It is valid only inside the function passed
// to Session.Open (or the upgrade callback) and must not be shared between
// goroutines. Every handle derived from it shares its lifetime.
type Tx struct {
	ctx     context.Context
	db      *DB
	session uuid.UUID
	mode    Mode
	etx     store.Tx
	schema  *schema
	scope   []string // nil: every store
	active  bool
	done    bool
	failure error
}

func newTx(ctx context.Context, db *DB, session uuid.UUID, mode Mode, etx store.Tx, sch *schema, scope []string) *Tx {
	return &Tx{ctx: withSession(ctx, db), db: db, session: session, mode: mode, etx: etx, schema: sch, scope: scope, active: true}
}

// Context returns the context the transaction was opened with. It marks the
// caller as inside a session of this DB, so pass it to Destroy and to
// cursors opened from the transaction function.
func (tx *Tx) Context() context.Context {
	return tx.ctx
}

type sessionKey struct{ db *DB }

func withSession(ctx context.Context, db *DB) context.Context {
	return context.WithValue(ctx, sessionKey{db}, true)
}

// inSession reports whether ctx was handed out by a transaction of db.
func inSession(ctx context.Context, db *DB) bool {
	_, ok := ctx.Value(sessionKey{db}).(bool)
	return ok
}

// Mode returns the transaction's access mode.
func (tx *Tx) Mode() Mode {
	return tx.mode
}

// StoreNames lists the object stores addressable in this transaction.
func (tx *Tx) StoreNames() []string {
	if tx.scope != nil {
		return slices.Clone(tx.scope)
	}
	return tx.schema.storeNames()
}

// Err returns the request failure that aborted the transaction, if any.
func (tx *Tx) Err() error {
	return tx.failure
}

// ObjectStore returns a handle to a store in the transaction's scope.
func (tx *Tx) ObjectStore(name string) (*ObjectStore, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if tx.scope != nil && !slices.Contains(tx.scope, name) {
		return nil, fmt.Errorf("%w: object store %q is not in the transaction scope", ErrNotFound, name)
	}
	meta, ok := tx.schema.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: object store %q", ErrNotFound, name)
	}
	return &ObjectStore{src: source{tx: tx, store: meta}}, nil
}

func (tx *Tx) check() error {
	if !tx.active {
		if tx.failure != nil {
			return fmt.Errorf("%w: aborted by %w", ErrTransactionInactive, tx.failure)
		}
		return ErrTransactionInactive
	}
	return nil
}

func (tx *Tx) checkWrite() error {
	if err := tx.check(); err != nil {
		return err
	}
	if tx.mode == ReadOnly {
		return ErrReadOnly
	}
	return nil
}

func (tx *Tx) checkUpgrade() error {
	if err := tx.check(); err != nil {
		return err
	}
	if tx.mode != VersionChange {
		return ErrSessionNotOpen
	}
	return nil
}

// request runs one engine request through the result bridge. A failed
// request aborts the transaction.
func request[T any](tx *Tx, op string, fn func() (T, error)) (T, error) {
	if err := tx.check(); err != nil {
		var zero T
		return zero, err
	}
	v, err := wrap(op, fn).get()
	if err != nil {
		tx.abort(err)
	}
	return v, err
}

func (tx *Tx) abort(err error) {
	if tx.failure == nil {
		tx.failure = err
	}
	tx.active = false
	logger.Debug("transaction aborted", "session", tx.session, "mode", tx.mode, "err", err)
}

// end finishes the engine transaction: commit when err is nil and no request
// failed, roll back otherwise.
func (tx *Tx) end(err error) error {
	tx.active, tx.done = false, true
	if err == nil && tx.failure == nil {
		if !tx.etx.Writable() {
			return classify("finish", tx.etx.Rollback())
		}
		if tx.mode == VersionChange {
			if werr := writeVersion(tx.etx, tx.schema.version); werr != nil {
				tx.rollback()
				return classify("write version", werr)
			}
		}
		if cerr := tx.etx.Commit(); cerr != nil {
			return classify("commit", cerr)
		}
		logger.Debug("transaction committed", "session", tx.session, "mode", tx.mode)
		return nil
	}
	tx.rollback()
	if err != nil {
		return err
	}
	return tx.failure
}

func (tx *Tx) rollback() {
	if err := tx.etx.Rollback(); err != nil {
		logger.Warn("rollback failed", "session", tx.session, "err", err)
	}
}

func (tx *Tx) records(meta *storeMeta) (store.Bucket, error) {
	b, err := tx.etx.Bucket(recordBucket(meta.name))
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("record bucket for %q is missing", meta.name)
	}
	return b, nil
}

func (tx *Tx) entries(meta *storeMeta, ix *indexMeta) (store.Bucket, error) {
	b, err := tx.etx.Bucket(indexBucket(meta.name, ix.name))
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("index bucket for %q.%q is missing", meta.name, ix.name)
	}
	return b, nil
}
