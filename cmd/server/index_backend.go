package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"blockgraph.ai/internal/persistence/indexdb"
	"blockgraph.ai/internal/sim/graph/events"
)

// runtimeIndex is the part of an index backend the server drives.
type runtimeIndex interface {
	events.Listener
	Stats() indexdb.Stats
	Close() error
}

// openRuntimeIndex opens the read-model index named by backend. A nil index with a nil
// error means indexing is off. BG_INDEX_BACKEND overrides the configured backend and
// BG_INDEX_PG_DSN the configured postgres dsn.
func openRuntimeIndex(dataDir, backend, dsn string, enc events.Encoder, logger *log.Logger) (runtimeIndex, error) {
	if v := strings.TrimSpace(os.Getenv("BG_INDEX_BACKEND")); v != "" {
		backend = v
	}
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		idx, err := indexdb.OpenSQLite(filepath.Join(dataDir, "index", "graphs.sqlite"), enc, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "postgres":
		if v := strings.TrimSpace(os.Getenv("BG_INDEX_PG_DSN")); v != "" {
			dsn = v
		}
		if dsn == "" {
			return nil, fmt.Errorf("postgres index: no dsn (set index_dsn or BG_INDEX_PG_DSN)")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		idx, err := indexdb.OpenPostgres(ctx, dsn, enc, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported index backend: %s", backend)
	}
}
