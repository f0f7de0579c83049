package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"shelf/internal/config"
	"shelf/pkg/idb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *idb.DB {
	t.Helper()
	cfg := config.Defaults().Database
	cfg.Backend = "pebble"
	cfg.DataDir = ""
	cfg.Stores = []config.StoreConfig{{
		Name:          "person",
		AutoIncrement: true,
		Indexes:       []config.IndexConfig{{Name: "name", KeyPath: []string{"name"}, Unique: true}},
	}}
	opts, err := idb.OptionsFromConfig(cfg)
	require.NoError(t, err)
	db, err := idb.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// run dispatches one command line and returns its output.
func run(t *testing.T, db *idb.DB, line ...string) (string, error) {
	t.Helper()
	reg := NewCommandRegistry()
	registerCommands(reg)
	var out bytes.Buffer
	err := reg.Dispatch(context.Background(), db, line, &out)
	return out.String(), err
}

func TestCommandsRoundTrip(t *testing.T) {
	db := newTestDB(t)

	out, err := run(t, db, "add", "person", `{"name": "aaa", "age": 10}`)
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)
	_, err = run(t, db, "add", "person", `{name: bbb, age: 20}`)
	require.NoError(t, err)
	out, err = run(t, db, "put", "person", `{name: ccc}`, "7")
	require.NoError(t, err)
	assert.Equal(t, "7\n", out)

	out, err = run(t, db, "get", "person", "2")
	require.NoError(t, err)
	assert.Equal(t, "age: 20\nname: bbb\n", out)

	out, err = run(t, db, "lookup", "person", "name", "aaa")
	require.NoError(t, err)
	assert.Equal(t, "age: 10\nname: aaa\n", out)

	out, err = run(t, db, "count", "person")
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)

	out, err = run(t, db, "fetch", "-dir", "prev", "-limit", "2", "person")
	require.NoError(t, err)
	assert.Equal(t, "- name: ccc\n- age: 20\n  name: bbb\n", out)

	out, err = run(t, db, "fetch", "-index", "name", "-offset", "2", "person")
	require.NoError(t, err)
	assert.Equal(t, "- name: ccc\n", out)

	require.NoError(t, runQuiet(t, db, "delete", "person", "7"))
	_, err = run(t, db, "get", "person", "7")
	assert.ErrorContains(t, err, "no record")

	require.NoError(t, runQuiet(t, db, "clear", "person"))
	out, err = run(t, db, "count", "person")
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)
}

func runQuiet(t *testing.T, db *idb.DB, line ...string) error {
	t.Helper()
	_, err := run(t, db, line...)
	return err
}

func TestCommandErrors(t *testing.T) {
	db := newTestDB(t)

	_, err := run(t, db, "frobnicate")
	assert.ErrorContains(t, err, "unknown command")

	_, err = run(t, db, "get", "person")
	assert.ErrorIs(t, err, errUsage)

	_, err = run(t, db, "fetch", "-bogus", "person")
	assert.ErrorIs(t, err, errUsage)

	_, err = run(t, db, "fetch", "-dir", "sideways", "person")
	assert.ErrorIs(t, err, idb.ErrInvalidArgument)

	_, err = run(t, db, "add", "person", `{name: aaa}`)
	require.NoError(t, err)
	_, err = run(t, db, "add", "person", `{name: aaa}`)
	assert.ErrorIs(t, err, idb.ErrConstraint)

	_, err = run(t, db, "count", "nope")
	assert.ErrorIs(t, err, idb.ErrNotFound)
}

func TestDestroyCommand(t *testing.T) {
	db := newTestDB(t)
	_, err := run(t, db, "add", "person", `{name: aaa}`)
	require.NoError(t, err)

	out, err := run(t, db, "destroy")
	require.NoError(t, err)
	assert.Equal(t, "database \"shelf\" destroyed\n", out)

	out, err = run(t, db, "count", "person")
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)
}

func TestHelpText(t *testing.T) {
	reg := NewCommandRegistry()
	registerCommands(reg)
	help := reg.HelpText()

	lines := strings.Split(strings.TrimSpace(help), "\n")
	require.Len(t, lines, 9)
	assert.Contains(t, lines[0], "get <store> <key>")
	assert.Contains(t, lines[8], "destroy")
}
