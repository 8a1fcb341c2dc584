package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"

	"blockgraph.ai/internal/sim/graph/events"
)

// reader runs the read-side queries. rebind adapts ? placeholders to the driver.
type reader struct {
	db     *sql.DB
	rebind func(string) string
}

type GraphRow struct {
	World       string
	Graph       uint64
	State       string
	Nodes       int
	CreatedTick uint64
	UpdatedTick uint64
}

// Graphs lists the graphs of world that are not destroyed, by id.
func (s *reader) Graphs(ctx context.Context, world string) ([]GraphRow, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT g.world, g.graph, g.state, g.created_tick, g.updated_tick,
			(SELECT COUNT(*) FROM nodes n WHERE n.world=g.world AND n.graph=g.graph)
		FROM graphs g WHERE g.world=? AND g.state != 'destroyed' ORDER BY g.graph`), world)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []GraphRow
	for rows.Next() {
		var r GraphRow
		var g, ct, ut int64
		if err := rows.Scan(&r.World, &g, &r.State, &ct, &ut, &r.Nodes); err != nil {
			return nil, err
		}
		r.Graph, r.CreatedTick, r.UpdatedTick = uint64(g), uint64(ct), uint64(ut)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GraphsAt returns the ids of the graphs owning a node at block (x, y, z).
func (s *reader) GraphsAt(ctx context.Context, world string, pos [3]int) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT DISTINCT graph FROM nodes WHERE world=? AND x=? AND y=? AND z=? ORDER BY graph`),
		world, pos[0], pos[1], pos[2])
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var g int64
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		out = append(out, uint64(g))
	}
	return out, rows.Err()
}

type EventQuery struct {
	World string
	// Graph restricts the result to events about that graph, including merges from it.
	Graph uint64
	// Epoch and AfterSeq resume a previous page. A zero Epoch reads every run.
	Epoch    uint64
	AfterSeq uint64
	Limit    int
}

// Events returns records in (epoch, seq) order.
func (s *reader) Events(ctx context.Context, eq EventQuery) ([]events.Record, error) {
	if eq.Limit <= 0 {
		eq.Limit = 100
	}
	q := `SELECT raw_json FROM events WHERE world=?`
	args := []any{eq.World}
	if eq.Epoch != 0 {
		q += ` AND (epoch>? OR (epoch=? AND seq>?))`
		args = append(args, int64(eq.Epoch), int64(eq.Epoch), int64(eq.AfterSeq))
	}
	if eq.Graph != 0 {
		q += ` AND (graph=? OR from_graph=?)`
		args = append(args, int64(eq.Graph), int64(eq.Graph))
	}
	q += ` ORDER BY epoch, seq LIMIT ?`
	args = append(args, eq.Limit)
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []events.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r events.Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
