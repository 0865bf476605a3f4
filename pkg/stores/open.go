package stores

import (
	"context"
	"fmt"
)

// Open creates the store selected by cfg.Driver and migrates it.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Driver {
	case "", "sqlite":
		store, err = NewSQLiteStore(ctx, cfg)
	case "postgres":
		store, err = NewPostgresStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
