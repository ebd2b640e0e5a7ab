package checkpoint_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adharvest/internal/checkpoint"
	"github.com/JakeFAU/adharvest/internal/harvest"
	"github.com/JakeFAU/adharvest/internal/storage/local"
)

func newStore(t *testing.T) (*checkpoint.Store, string) {
	t.Helper()
	dir := t.TempDir()
	files, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	return checkpoint.New(files), dir
}

func TestSaveLoadList(t *testing.T) {
	store, _ := newStore(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	cp := harvest.Checkpoint{
		TaskID:       "t1",
		Target:       harvest.Target{URL: "https://example.com/a"},
		Spec:         harvest.RunSpec{Mode: harvest.ModeBounded, Duration: time.Hour, Profile: harvest.ProfileMobile},
		Status:       harvest.TaskRunning,
		Counters:     harvest.Counters{Extracted: 12, Persisted: 10, Cycles: 40},
		StartedAt:    at,
		LastActivity: at.Add(time.Minute),
	}
	require.NoError(t, store.Save(cp))
	require.NoError(t, store.Save(harvest.Checkpoint{TaskID: "t0", Status: harvest.TaskStopped}))

	got, err := store.Load("t1")
	require.NoError(t, err)
	require.Equal(t, cp, got)

	all, err := store.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "t0", all[0].TaskID)
	require.Equal(t, "t1", all[1].TaskID)
}

func TestLoadMissing(t *testing.T) {
	store, _ := newStore(t)
	_, err := store.Load("nope")
	require.True(t, errors.Is(err, harvest.ErrNotFound))
}

func TestSaveRequiresTaskID(t *testing.T) {
	store, _ := newStore(t)
	require.Error(t, store.Save(harvest.Checkpoint{}))
}

func TestListSkipsCorruptFiles(t *testing.T) {
	store, dir := newStore(t)
	require.NoError(t, store.Save(harvest.Checkpoint{TaskID: "good"}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoints", "bad.json"), []byte("{"), 0o600))

	all, err := store.List()
	require.Error(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "good", all[0].TaskID)
}
