package idb

import (
	"fmt"
	"os"
	"path/filepath"

	"shelf/internal/store"
	boltstore "shelf/internal/store/bolt"
	leveldbstore "shelf/internal/store/leveldb"
	pebblestore "shelf/internal/store/pebble"
)

// Backend names a storage engine.
type Backend string

const (
	Bolt    Backend = "bolt"
	Pebble  Backend = "pebble"
	LevelDB Backend = "leveldb"
)

// ParseBackend accepts "bolt", "pebble" and "leveldb"; empty means Bolt.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case "":
		return Bolt, nil
	case Bolt, Pebble, LevelDB:
		return b, nil
	}
	return "", fmt.Errorf("%w: unknown backend %q", ErrInvalidArgument, s)
}

// enginePath is where the engine keeps its files, or "" for an in-memory
// engine. Bolt uses a single file; pebble and leveldb use a directory.
func (o Options) enginePath() string {
	if o.Dir == "" {
		return ""
	}
	if o.Backend == Bolt {
		return filepath.Join(o.Dir, o.Name+".db")
	}
	return filepath.Join(o.Dir, o.Name)
}

func openEngine(o Options) (store.Store, error) {
	path := o.enginePath()
	if path != "" {
		if err := os.MkdirAll(o.Dir, 0700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}
	switch o.Backend {
	case Bolt:
		return boltstore.Open(path, o.OpenTimeout)
	case Pebble:
		if path == "" {
			return pebblestore.OpenInMemory()
		}
		return pebblestore.Open(path)
	case LevelDB:
		if path == "" {
			return leveldbstore.OpenInMemory()
		}
		return leveldbstore.Open(path)
	}
	return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidArgument, o.Backend)
}

// removeEngine deletes the engine's files. In-memory engines have none.
func removeEngine(o Options) error {
	path := o.enginePath()
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}
