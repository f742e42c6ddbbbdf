package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/astromechza/automerge-relay/pkg/persistence"
	"github.com/astromechza/automerge-relay/pkg/persistence/badgerstore"
	"github.com/astromechza/automerge-relay/pkg/persistence/memstore"
	"github.com/astromechza/automerge-relay/pkg/persistence/pgstore"
	"github.com/astromechza/automerge-relay/pkg/persistence/sqlstore"
)

// openStore opens the store for driver. The badger store is also returned
// on its own so the caller can run value log GC for it.
func openStore(ctx context.Context, driver, dsn string, log *slog.Logger) (persistence.Store, *badgerstore.Store, error) {
	switch driver {
	case "memory":
		return memstore.New(), nil, nil
	case "sqlite":
		s, err := sqlstore.Open(ctx, dsn)
		return s, nil, err
	case "postgres":
		s, err := pgstore.Open(ctx, dsn)
		return s, nil, err
	case "badger":
		s, err := badgerstore.Open(badgerstore.Config{Path: dsn, SyncWrites: true, Logger: log})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
