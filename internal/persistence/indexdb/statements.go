package indexdb

import (
	"encoding/json"
	"strconv"
	"strings"

	"blockgraph.ai/internal/sim/graph/events"
)

type stmt struct {
	q    string
	args []any
}

// statements plans the writes one record implies: the raw event row plus the graph and
// node rows it changes. Queries use ? placeholders and upsert syntax both sqlite and
// postgres accept.
func statements(r events.Record) ([]stmt, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	tick := int64(r.Tick)
	graph := int64(r.Graph)
	out := []stmt{{
		q: `INSERT INTO events(world,epoch,seq,tick,kind,graph,from_graph,raw_json) VALUES(?,?,?,?,?,?,?,?)
			ON CONFLICT(world,epoch,seq) DO UPDATE SET raw_json=excluded.raw_json`,
		args: []any{r.World, int64(r.Epoch), int64(r.Seq), tick, r.Kind, graph, int64(r.From), string(raw)},
	}}
	add := func(q string, args ...any) { out = append(out, stmt{q: q, args: args}) }
	setState := func(state string) {
		add(`INSERT INTO graphs(world,graph,state,created_tick,updated_tick) VALUES(?,?,?,?,?)
			ON CONFLICT(world,graph) DO UPDATE SET state=excluded.state, updated_tick=excluded.updated_tick`,
			r.World, graph, state, tick, tick)
	}
	putNode := func(nr events.NodeRecord) {
		add(`INSERT INTO nodes(world,x,y,z,type,data,graph) VALUES(?,?,?,?,?,?,?)
			ON CONFLICT(world,x,y,z,type,data) DO UPDATE SET graph=excluded.graph`,
			r.World, nr.Pos[0], nr.Pos[1], nr.Pos[2], nr.Type, string(nr.Data), graph)
	}

	switch events.Kind(r.Kind) {
	case events.GraphCreated, events.GraphLoaded:
		setState("resident")
		for _, nr := range r.Nodes {
			putNode(nr)
		}
	case events.GraphUpdated, events.Split, events.ConnectionsChanged, events.Linked, events.Unlinked:
		add(`UPDATE graphs SET updated_tick=? WHERE world=? AND graph=?`, tick, r.World, graph)
	case events.GraphUnloaded:
		setState("unloaded")
	case events.GraphDestroyed:
		setState("destroyed")
		add(`DELETE FROM nodes WHERE world=? AND graph=?`, r.World, graph)
	case events.Merged:
		add(`UPDATE nodes SET graph=? WHERE world=? AND graph=?`, graph, r.World, int64(r.From))
	case events.NodeAdded:
		if r.Node != nil {
			putNode(*r.Node)
		}
	case events.NodeRemoved:
		if r.Node != nil {
			nr := *r.Node
			add(`DELETE FROM nodes WHERE world=? AND x=? AND y=? AND z=? AND type=? AND data=?`,
				r.World, nr.Pos[0], nr.Pos[1], nr.Pos[2], nr.Type, string(nr.Data))
		}
	}
	return out, nil
}

// rebindDollar numbers ? placeholders as $1, $2, ... for postgres.
func rebindDollar(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] != '?' {
			b.WriteByte(q[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}
