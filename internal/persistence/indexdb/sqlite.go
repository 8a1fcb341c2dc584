// Package indexdb keeps a queryable index of the graph change stream: which graphs exist,
// where their nodes are, and the raw event records. sqlite serves a single server, postgres
// a fleet sharing one index.
package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"blockgraph.ai/internal/sim/graph/events"
)

const schemaVersion = "1"

type SQLiteIndex struct {
	queue
	reader

	wg   sync.WaitGroup
	once sync.Once
}

// OpenSQLite opens (creating if needed) the index at path. enc converts events to records,
// normally the universe's policy.Registry. It may be nil for read-only use.
func OpenSQLite(path string, enc events.Encoder, logger *log.Logger) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		// bursts of merges and splits must not stall the tick loop
		queue:  queue{enc: enc, logger: logger, ch: make(chan req, queueCapacity)},
		reader: reader{db: db, rebind: func(q string) string { return q }},
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(s.writeBatch)
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			world TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			kind TEXT NOT NULL,
			graph INTEGER NOT NULL,
			from_graph INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (world, epoch, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_graph ON events(world, graph, epoch, seq);`,
		`CREATE TABLE IF NOT EXISTS graphs (
			world TEXT NOT NULL,
			graph INTEGER NOT NULL,
			state TEXT NOT NULL,
			created_tick INTEGER NOT NULL,
			updated_tick INTEGER NOT NULL,
			PRIMARY KEY (world, graph)
		);`,
		`CREATE TABLE IF NOT EXISTS nodes (
			world TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			type TEXT NOT NULL,
			data TEXT NOT NULL,
			graph INTEGER NOT NULL,
			PRIMARY KEY (world, x, y, z, type, data)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_graph ON nodes(world, graph);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','` + schemaVersion + `');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) writeBatch(ctx context.Context, recs []events.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, r := range recs {
		stmts, err := statements(r)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("seq %d (%s): %w", r.Seq, r.Kind, err)
		}
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st.q, st.args...); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("seq %d (%s): %w", r.Seq, r.Kind, err)
			}
		}
	}
	return tx.Commit()
}
