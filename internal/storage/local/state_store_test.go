// Package local_test tests the local filesystem state store.
package local_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adharvest/internal/storage/local"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "state")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})
	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutGetJSONRoundTrip(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, store.PutJSON("checkpoints/a.json", doc{Name: "a", Count: 1}))
	require.NoError(t, store.PutJSON("checkpoints/a.json", doc{Name: "a", Count: 2}))
	require.NoError(t, store.PutJSON("checkpoints/b.json", doc{Name: "b"}))

	var got doc
	require.NoError(t, store.GetJSON("checkpoints/a.json", &got))
	assert.Equal(t, doc{Name: "a", Count: 2}, got)

	names, err := store.List("checkpoints")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	entries, err := os.ReadDir(filepath.Join(store.Dir(), "checkpoints"))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "temp files must not linger")
}

func TestGetJSONMissing(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	err = store.GetJSON("checkpoints/none.json", &doc{})
	assert.True(t, errors.Is(err, local.ErrNotExist))

	names, err := store.List("nothing-here")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestPathTraversalRejected(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	err = store.PutJSON("../escape.json", doc{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path traversal")
}

func TestAppendAndDrainLines(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, store.AppendLines("spill/records.jsonl", doc{Name: "a"}, doc{Name: "b"}))
	require.NoError(t, store.AppendLines("spill/records.jsonl", doc{Name: "c"}))

	var names []string
	n, err := store.DrainLines("spill/records.jsonl", func(line []byte) error {
		var d doc
		if err := json.Unmarshal(line, &d); err != nil {
			return err
		}
		names = append(names, d.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b", "c"}, names)

	n, err = store.DrainLines("spill/records.jsonl", func([]byte) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrainLinesKeepsFileOnFailure(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, store.AppendLines("spill.jsonl", doc{Name: "a"}))

	_, err = store.DrainLines("spill.jsonl", func([]byte) error { return errors.New("store down") })
	require.Error(t, err)

	n, err := store.DrainLines("spill.jsonl", func([]byte) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDrainLinesKeepsOnlyUnreadLinesAndAcceptsAppends(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, store.AppendLines("spill.jsonl", doc{Name: "a"}, doc{Name: "b"}, doc{Name: "c"}))

	n, err := store.DrainLines("spill.jsonl", func(line []byte) error {
		var d doc
		require.NoError(t, json.Unmarshal(line, &d))
		if d.Name == "b" {
			return errors.New("store down")
		}
		// Appending from inside a drain must not block.
		return store.AppendLines("spill.jsonl", doc{Name: "late-" + d.Name})
	})
	require.Error(t, err)
	assert.Equal(t, 1, n)

	var names []string
	collect := func(line []byte) error {
		var d doc
		if err := json.Unmarshal(line, &d); err != nil {
			return err
		}
		names = append(names, d.Name)
		return nil
	}
	n, err = store.DrainLines("spill.jsonl", collect)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = store.DrainLines("spill.jsonl", collect)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"b", "c", "late-a"}, names)
}
