package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"blockgraph.ai/internal/persistence/indexdb"
	"blockgraph.ai/internal/sim/graph/events"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/index/graphs.sqlite)")
	pgDSN := fs.String("pg", os.Getenv("BG_INDEX_PG_DSN"), "postgres dsn; queries the postgres index instead of sqlite")
	worldID := fs.String("world", "", "world id")
	graph := fs.Uint64("graph", 0, "graph id filter (events)")
	pos := fs.String("pos", "", "block position x,y,z (at)")
	epoch := fs.Uint64("epoch", 0, "run epoch (events, optional)")
	after := fs.Uint64("after_seq", 0, "resume after this seq (events, optional)")
	limit := fs.Int("limit", 50, "result limit (events)")
	_ = fs.Parse(args)
	requireWorld(*worldID)

	q := "graphs"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	idx, err := openIndex(ctx, *dataDir, *dbPath, *pgDSN)
	if err != nil {
		fail(1, "open:", err)
	}
	defer idx.Close()

	enc := json.NewEncoder(os.Stdout)

	switch q {
	case "graphs":
		rows, err := idx.Graphs(ctx, *worldID)
		if err != nil {
			fail(1, "query:", err)
		}
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	case "at":
		p, err := parsePos(*pos)
		if err != nil {
			fail(2, "bad -pos:", err)
		}
		ids, err := idx.GraphsAt(ctx, *worldID, p)
		if err != nil {
			fail(1, "query:", err)
		}
		_ = enc.Encode(ids)
	case "events":
		recs, err := idx.Events(ctx, indexdb.EventQuery{World: *worldID, Graph: *graph, Epoch: *epoch, AfterSeq: *after, Limit: *limit})
		if err != nil {
			fail(1, "query:", err)
		}
		for _, r := range recs {
			_ = enc.Encode(r)
		}
	default:
		fail(2, "unknown query:", q)
	}
}

type indexReader interface {
	Graphs(ctx context.Context, world string) ([]indexdb.GraphRow, error)
	GraphsAt(ctx context.Context, world string, pos [3]int) ([]uint64, error)
	Events(ctx context.Context, q indexdb.EventQuery) ([]events.Record, error)
	Close() error
}

func openIndex(ctx context.Context, dataDir, dbPath, dsn string) (indexReader, error) {
	if dsn = strings.TrimSpace(dsn); dsn != "" {
		idx, err := indexdb.OpenPostgres(ctx, dsn, nil, nil)
		if err != nil {
			return nil, err
		}
		return idx, nil
	}
	path := strings.TrimSpace(dbPath)
	if path == "" {
		path = filepath.Join(dataDir, "index", "graphs.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	idx, err := indexdb.OpenSQLite(path, nil, nil)
	if err != nil {
		return nil, err
	}
	return idx, nil
}

func parsePos(s string) ([3]int, error) {
	var out [3]int
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return out, strconv.ErrSyntax
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return out, err
		}
		out[i] = n
	}
	return out, nil
}
