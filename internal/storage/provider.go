// Package storage selects the durable record store driver from configuration.
package storage

import (
	"context"
	"fmt"

	"github.com/JakeFAU/adharvest/internal/config"
	"github.com/JakeFAU/adharvest/internal/harvest"
	"github.com/JakeFAU/adharvest/internal/storage/memory"
	"github.com/JakeFAU/adharvest/internal/storage/postgres"
	"github.com/JakeFAU/adharvest/internal/storage/sqlite"
)

// Opener connects to a durable store. It is called lazily and may be retried.
type Opener func(ctx context.Context) (harvest.RecordStore, error)

// NewOpener returns an Opener for the configured driver. The memory driver
// hands out the same instance on every call so retries keep their data.
func NewOpener(cfg config.StoreConfig) (Opener, error) {
	switch cfg.Driver {
	case "postgres":
		return func(ctx context.Context) (harvest.RecordStore, error) {
			store, err := postgres.New(ctx, postgres.Config{DSN: cfg.DSN, MaxConns: cfg.MaxConns})
			if err != nil {
				return nil, err
			}
			if err := store.EnsureSchema(ctx); err != nil {
				store.Close()
				return nil, err
			}
			return store, nil
		}, nil
	case "sqlite":
		return func(ctx context.Context) (harvest.RecordStore, error) {
			return sqlite.Open(ctx, cfg.DSN)
		}, nil
	case "memory":
		shared := memory.NewRecordStore()
		return func(context.Context) (harvest.RecordStore, error) {
			return shared, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
