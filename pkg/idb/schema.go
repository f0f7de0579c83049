package idb

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"

	"shelf/internal/store"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Engine layout: bucket "m" holds the schema version under "v" and one
// metadata record per object store under "s"+name. Records live in
// "r"+store, index entries in "x"+len(store)+store+index.
var (
	metaBucket = []byte("m")
	versionKey = []byte("v")
)

const storeMetaPrefix = "s"

func recordBucket(storeName string) []byte {
	return append([]byte("r"), storeName...)
}

func indexBucket(storeName, indexName string) []byte {
	b := binary.AppendUvarint([]byte("x"), uint64(len(storeName)))
	b = append(b, storeName...)
	return append(b, indexName...)
}

type indexMeta struct {
	name       string
	keyPath    KeyPath
	unique     bool
	multiEntry bool
}

type storeMeta struct {
	name          string
	keyPath       KeyPath
	autoIncrement bool
	indexes       map[string]*indexMeta
}

func (m *storeMeta) indexNames() []string {
	return slices.Sorted(maps.Keys(m.indexes))
}

func (m *storeMeta) clone() *storeMeta {
	c := *m
	c.indexes = make(map[string]*indexMeta, len(m.indexes))
	for name, ix := range m.indexes {
		cp := *ix
		c.indexes[name] = &cp
	}
	return &c
}

// schema is the set of object stores at one version. Schemas handed out by
// the cache are shared and must not be mutated; upgrades work on a clone.
type schema struct {
	version uint64
	stores  map[string]*storeMeta
}

func (s *schema) clone() *schema {
	c := &schema{version: s.version, stores: make(map[string]*storeMeta, len(s.stores))}
	for name, m := range s.stores {
		c.stores[name] = m.clone()
	}
	return c
}

func (s *schema) storeNames() []string {
	return slices.Sorted(maps.Keys(s.stores))
}

func pathList(p KeyPath) []any {
	out := make([]any, len(p))
	for i, s := range p {
		out[i] = s
	}
	return out
}

func listPath(v any) KeyPath {
	l, _ := v.([]any)
	if len(l) == 0 {
		return nil
	}
	p := make(KeyPath, 0, len(l))
	for _, s := range l {
		str, _ := s.(string)
		p = append(p, str)
	}
	return p
}

func encodeStoreMeta(m *storeMeta) ([]byte, error) {
	indexes := make(map[string]any, len(m.indexes))
	for name, ix := range m.indexes {
		indexes[name] = map[string]any{
			"keyPath":    pathList(ix.keyPath),
			"unique":     ix.unique,
			"multiEntry": ix.multiEntry,
		}
	}
	st, err := structpb.NewStruct(map[string]any{
		"keyPath":       pathList(m.keyPath),
		"autoIncrement": m.autoIncrement,
		"indexes":       indexes,
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

func decodeStoreMeta(name string, b []byte) (*storeMeta, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode metadata for %q: %w", name, err)
	}
	fields := st.AsMap()
	m := &storeMeta{
		name:    name,
		keyPath: listPath(fields["keyPath"]),
		indexes: map[string]*indexMeta{},
	}
	m.autoIncrement, _ = fields["autoIncrement"].(bool)
	indexes, _ := fields["indexes"].(map[string]any)
	for ixName, raw := range indexes {
		f, _ := raw.(map[string]any)
		ix := &indexMeta{name: ixName, keyPath: listPath(f["keyPath"])}
		ix.unique, _ = f["unique"].(bool)
		ix.multiEntry, _ = f["multiEntry"].(bool)
		m.indexes[ixName] = ix
	}
	return m, nil
}

func readVersion(tx store.Tx) (uint64, error) {
	b, err := tx.Bucket(metaBucket)
	if err != nil || b == nil {
		return 0, err
	}
	raw, err := b.Get(versionKey)
	if err != nil || raw == nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt schema version (%d bytes)", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func writeVersion(tx store.Tx, v uint64) error {
	b, err := tx.CreateBucket(metaBucket)
	if err != nil {
		return err
	}
	return b.Put(versionKey, binary.BigEndian.AppendUint64(nil, v))
}

func readSchema(tx store.Tx) (*schema, error) {
	s := &schema{stores: map[string]*storeMeta{}}
	var err error
	if s.version, err = readVersion(tx); err != nil {
		return nil, err
	}
	b, err := tx.Bucket(metaBucket)
	if err != nil || b == nil {
		return s, err
	}
	c, err := b.Cursor()
	if err != nil {
		return nil, err
	}
	defer c.Close()
	prefix := []byte(storeMetaPrefix)
	for k, v := c.Seek(prefix); k != nil && k[0] == prefix[0]; k, v = c.Next() {
		m, err := decodeStoreMeta(string(k[1:]), v)
		if err != nil {
			return nil, err
		}
		s.stores[m.name] = m
	}
	return s, c.Err()
}

func writeStoreMeta(tx store.Tx, m *storeMeta) error {
	data, err := encodeStoreMeta(m)
	if err != nil {
		return err
	}
	b, err := tx.CreateBucket(metaBucket)
	if err != nil {
		return err
	}
	return b.Put([]byte(storeMetaPrefix+m.name), data)
}

func deleteStoreMeta(tx store.Tx, name string) error {
	b, err := tx.Bucket(metaBucket)
	if err != nil || b == nil {
		return err
	}
	return b.Delete([]byte(storeMetaPrefix + name))
}
