package idb

import (
	"errors"
	"fmt"
)

var (
	// ErrEngine matches every *EngineError.
	ErrEngine = errors.New("idb: engine error")

	ErrConstraint          = errors.New("idb: constraint violation")
	ErrReadOnly            = errors.New("idb: write in read-only transaction")
	ErrSessionNotOpen      = errors.New("idb: session is not in an upgrade phase")
	ErrRange               = errors.New("idb: malformed key range")
	ErrStaleCursor         = errors.New("idb: cursor position no longer exists")
	ErrDoubleResume        = errors.New("idb: cursor resumed twice in one visit")
	ErrBlocked             = errors.New("idb: open blocked by another connection")
	ErrNotFound            = errors.New("idb: not found")
	ErrInvalidKey          = errors.New("idb: invalid key")
	ErrDataClone           = errors.New("idb: value cannot be stored")
	ErrInvalidState        = errors.New("idb: invalid state")
	ErrInvalidArgument     = errors.New("idb: invalid argument")
	ErrTransactionInactive = errors.New("idb: transaction is not active")
	ErrVersion             = errors.New("idb: stored schema version is newer than requested")
)

// known lists the errors that pass through the request bridge unchanged.
var known = []error{
	ErrEngine, ErrConstraint, ErrReadOnly, ErrSessionNotOpen, ErrRange,
	ErrStaleCursor, ErrDoubleResume, ErrBlocked, ErrNotFound, ErrInvalidKey,
	ErrDataClone, ErrInvalidState, ErrInvalidArgument, ErrTransactionInactive,
	ErrVersion,
}

// EngineError is an opaque failure reported by the storage engine.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("idb: %s: engine: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) Is(target error) bool {
	return target == ErrEngine
}

// classify leaves taxonomy errors alone and wraps everything else.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, k := range known {
		if errors.Is(err, k) {
			return err
		}
	}
	return &EngineError{Op: op, Err: err}
}
