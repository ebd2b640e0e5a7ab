package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adharvest/internal/harvest"
)

func TestRecordStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewRecordStore()
	ctx := context.Background()

	n, err := store.InsertRecords(ctx, []harvest.Record{
		{Signature: "a", TaskID: "t1"},
		{Signature: "b", TaskID: "t1"},
		{Signature: "a", TaskID: "t1"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, store.Len())

	sigs, err := store.RecentSignatures(ctx, "t1", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a"}, sigs)

	require.NoError(t, store.UpsertTask(ctx, harvest.Task{ID: "t1", Status: harvest.TaskRunning}))
	require.NoError(t, store.UpsertTask(ctx, harvest.Task{ID: "t1", Status: harvest.TaskStopped}))
	task, ok := store.Task("t1")
	require.True(t, ok)
	require.Equal(t, harvest.TaskStopped, task.Status)
}

func TestRecordStoreInjectedFailure(t *testing.T) {
	t.Parallel()

	store := NewRecordStore()
	down := errors.New("down")
	store.SetFailure(down)

	require.ErrorIs(t, store.Ping(context.Background()), down)
	_, err := store.InsertRecords(context.Background(), []harvest.Record{{Signature: "a"}})
	require.ErrorIs(t, err, down)

	store.SetFailure(nil)
	require.NoError(t, store.Ping(context.Background()))
}
