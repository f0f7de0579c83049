package idb

import (
	"context"
	"testing"

	"shelf/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeclaredUpgrade(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		dir := t.TempDir()
		stores := []config.StoreConfig{
			{Name: "product", KeyPath: []string{"id"}, AutoIncrement: true},
			{Name: "log"},
		}

		db := newTestDBIn(t, b, dir, 1, DeclaredUpgrade(stores))
		key, err := db.Store("product").Add(ctx, map[string]any{"name": "Go"}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1.0, key)
		_, err = db.Store("log").Put(ctx, "started", "boot")
		require.NoError(t, err)
		require.NoError(t, db.Close())

		// A new version adds an index to an existing store and back-fills it.
		stores[0].Indexes = []config.IndexConfig{{Name: "name", KeyPath: []string{"name"}, Unique: true}}
		db = newTestDBIn(t, b, dir, 2, DeclaredUpgrade(stores))
		v, err := db.Store("product").Index("name").Get(ctx, "Go")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"id": 1.0, "name": "Go"}, v)

		v, err = db.Store("log").Get(ctx, "boot")
		require.NoError(t, err)
		assert.Equal(t, "started", v)
	})
}

func TestDeclaredUpgradeRejectsBadIndex(t *testing.T) {
	db := newTestDB(t, Pebble, DeclaredUpgrade([]config.StoreConfig{{
		Name:    "article",
		Indexes: []config.IndexConfig{{Name: "tags", KeyPath: []string{"a", "b"}, MultiEntry: true}},
	}}))

	_, err := db.Store("article").Count(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestOptionsFromConfigDeclaresStores(t *testing.T) {
	cfg := config.Defaults().Database
	cfg.Backend = "pebble"
	cfg.DataDir = ""
	cfg.Stores = []config.StoreConfig{{Name: "note", AutoIncrement: true}}

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, opts.Upgrade)

	db, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	key, err := db.Store("note").Add(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, key)
}
