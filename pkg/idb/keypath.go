package idb

import (
	"fmt"
	"strings"
)

// KeyPath names where a key lives inside a value. An empty KeyPath means
// keys are supplied out of line. One element is a dotted path ("" selects
// the value itself); several elements form a compound, array-valued key.
type KeyPath []string

// Path builds a KeyPath.
func Path(paths ...string) KeyPath {
	return KeyPath(paths)
}

func (p KeyPath) String() string {
	if len(p) == 1 {
		return p[0]
	}
	return "[" + strings.Join(p, ",") + "]"
}

func (p KeyPath) validate() error {
	for _, path := range p {
		if path == "" {
			if len(p) > 1 {
				return fmt.Errorf("%w: empty path in compound key path", ErrInvalidArgument)
			}
			continue
		}
		for _, seg := range strings.Split(path, ".") {
			if seg == "" {
				return fmt.Errorf("%w: key path %q", ErrInvalidArgument, path)
			}
		}
	}
	return nil
}

// evaluate extracts the key at p from v. ok is false when a component is missing.
func (p KeyPath) evaluate(v Value) (Key, bool) {
	if len(p) == 1 {
		return lookup(v, p[0])
	}
	out := make([]any, 0, len(p))
	for _, path := range p {
		k, ok := lookup(v, path)
		if !ok {
			return nil, false
		}
		out = append(out, k)
	}
	return out, true
}

func lookup(v Value, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	for _, seg := range strings.Split(path, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		if v, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return v, true
}

// inject stores key into v at a single-element path, creating intermediate
// objects as needed.
func (p KeyPath) inject(v Value, key Key) error {
	if len(p) != 1 || p[0] == "" {
		return fmt.Errorf("%w: cannot inject a generated key at %s", ErrInvalidKey, p)
	}
	segs := strings.Split(p[0], ".")
	m, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: value is not an object", ErrInvalidKey)
	}
	for _, seg := range segs[:len(segs)-1] {
		next, exists := m[seg]
		if !exists {
			child := map[string]any{}
			m[seg] = child
			m = child
			continue
		}
		if m, ok = next.(map[string]any); !ok {
			return fmt.Errorf("%w: %s is not an object", ErrInvalidKey, seg)
		}
	}
	m[segs[len(segs)-1]] = key
	return nil
}
