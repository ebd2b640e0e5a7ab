package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adharvest/internal/config"
	"github.com/JakeFAU/adharvest/internal/storage"
)

func TestNewOpenerMemorySharesInstance(t *testing.T) {
	open, err := storage.NewOpener(config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)

	a, err := open(context.Background())
	require.NoError(t, err)
	b, err := open(context.Background())
	require.NoError(t, err)
	require.Same(t, a, b)
}

func TestNewOpenerSQLite(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "h.db")
	open, err := storage.NewOpener(config.StoreConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)

	store, err := open(context.Background())
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(context.Background()))
}

func TestNewOpenerUnknownDriver(t *testing.T) {
	_, err := storage.NewOpener(config.StoreConfig{Driver: "mongo"})
	require.Error(t, err)
}
