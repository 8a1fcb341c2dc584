package indexdb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"blockgraph.ai/internal/sim/graph/events"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresIndex is the shared-database variant of SQLiteIndex. Several servers may write
// to one database as long as their world ids differ.
type PostgresIndex struct {
	queue
	reader

	pool *pgxpool.Pool
	wg   sync.WaitGroup
	once sync.Once
}

// OpenPostgres connects to dsn, applies pending migrations and starts the writer.
func OpenPostgres(ctx context.Context, dsn string, enc events.Encoder, logger *log.Logger) (*PostgresIndex, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 4
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		pool.Close()
		return nil, err
	}

	p := &PostgresIndex{
		queue:  queue{enc: enc, logger: logger, ch: make(chan req, queueCapacity)},
		reader: reader{db: db, rebind: rebindDollar},
		pool:   pool,
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(p.writeBatch)
	}()
	return p, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (p *PostgresIndex) Close() error {
	var err error
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.ch)
		p.wg.Wait()
		err = p.db.Close()
		p.pool.Close()
	})
	return err
}

func (p *PostgresIndex) writeBatch(ctx context.Context, recs []events.Record) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, r := range recs {
		stmts, err := statements(r)
		if err != nil {
			return fmt.Errorf("seq %d (%s): %w", r.Seq, r.Kind, err)
		}
		for _, st := range stmts {
			if _, err := tx.Exec(ctx, rebindDollar(st.q), st.args...); err != nil {
				return fmt.Errorf("seq %d (%s): %w", r.Seq, r.Kind, err)
			}
		}
	}
	return tx.Commit(ctx)
}
