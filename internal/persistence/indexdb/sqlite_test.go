package indexdb

import (
	"context"
	"path/filepath"
	"testing"

	"blockgraph.ai/internal/sim/graph/events"
	"blockgraph.ai/internal/sim/graph/model"
	"blockgraph.ai/internal/sim/graph/policy"
)

type wire struct{}

func (wire) TypeID() model.TypeID { return "test:wire" }

func np(x int) model.NodePos { return model.NodePos{Pos: model.Pos{X: x, Y: 3}, Node: wire{}} }

func openTest(t *testing.T) *SQLiteIndex {
	t.Helper()
	reg := policy.NewRegistry()
	if err := reg.RegisterNode(policy.NodeType{ID: "test:wire", Codec: policy.JSONCodec[wire]{}}); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"), reg, nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func feed(s *SQLiteIndex, evs []events.Event) {
	for i := range evs {
		evs[i].Epoch = 5
		evs[i].Seq = uint64(i + 1)
		evs[i].World = "w"
		evs[i].Tick = uint64(i / 4)
		s.HandleGraphEvent(evs[i])
	}
}

func TestIndexTracksMembership(t *testing.T) {
	s := openTest(t)
	a, b, c := np(0), np(1), np(2)
	feed(s, []events.Event{
		{Kind: events.GraphCreated, Graph: 1},
		{Kind: events.NodeAdded, Graph: 1, Node: a},
		{Kind: events.GraphCreated, Graph: 2},
		{Kind: events.NodeAdded, Graph: 2, Node: b},
		{Kind: events.Merged, Graph: 1, From: 2},
		{Kind: events.GraphDestroyed, Graph: 2},
		{Kind: events.GraphUpdated, Graph: 1},
		{Kind: events.Linked, Graph: 1, Link: model.NewLinkPos(a, b, model.EmptyLinkKey{})},
		{Kind: events.GraphCreated, Graph: 3},
		{Kind: events.NodeAdded, Graph: 3, Node: c},
		{Kind: events.GraphUnloaded, Graph: 3},
	})
	ctx := context.Background()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	rows, err := s.Graphs(ctx, "w")
	if err != nil {
		t.Fatalf("Graphs: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected graphs 1 and 3, got %+v", rows)
	}
	if rows[0].Graph != 1 || rows[0].Nodes != 2 || rows[0].State != "resident" {
		t.Fatalf("graph 1 row: %+v", rows[0])
	}
	if rows[1].Graph != 3 || rows[1].State != "unloaded" || rows[1].Nodes != 1 {
		t.Fatalf("graph 3 row: %+v", rows[1])
	}

	at, err := s.GraphsAt(ctx, "w", b.Pos.ToArray())
	if err != nil {
		t.Fatalf("GraphsAt: %v", err)
	}
	if len(at) != 1 || at[0] != 1 {
		t.Fatalf("owner of b: %v", at)
	}

	evs, err := s.Events(ctx, EventQuery{World: "w", Graph: 2})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	// created, node added, merged away, destroyed
	if len(evs) != 4 || evs[2].Kind != string(events.Merged) {
		t.Fatalf("events of graph 2: %+v", evs)
	}
	page, err := s.Events(ctx, EventQuery{World: "w", Epoch: 5, AfterSeq: 8, Limit: 2})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(page) != 2 || page[0].Seq != 9 || page[1].Seq != 10 {
		t.Fatalf("paged events: %+v", page)
	}
}

func TestIndexSplitMovesNodes(t *testing.T) {
	s := openTest(t)
	a, b := np(0), np(1)
	feed(s, []events.Event{
		{Kind: events.GraphCreated, Graph: 1},
		{Kind: events.NodeAdded, Graph: 1, Node: a},
		{Kind: events.NodeAdded, Graph: 1, Node: b},
		{Kind: events.GraphCreated, Graph: 2, Nodes: []model.NodePos{b}},
		{Kind: events.Split, Graph: 1, Into: []uint64{2}},
		{Kind: events.NodeRemoved, Graph: 1, Node: a},
		{Kind: events.GraphDestroyed, Graph: 1},
	})
	ctx := context.Background()
	_ = s.Flush(ctx)
	rows, err := s.Graphs(ctx, "w")
	if err != nil {
		t.Fatalf("Graphs: %v", err)
	}
	if len(rows) != 1 || rows[0].Graph != 2 || rows[0].Nodes != 1 {
		t.Fatalf("rows after split: %+v", rows)
	}
	if at, _ := s.GraphsAt(ctx, "w", a.Pos.ToArray()); len(at) != 0 {
		t.Fatalf("removed node still indexed: %v", at)
	}
}

func TestIndexSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.sqlite")
	reg := policy.NewRegistry()
	_ = reg.RegisterNode(policy.NodeType{ID: "test:wire", Codec: policy.JSONCodec[wire]{}})
	s, err := OpenSQLite(path, reg, nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	feed(s, []events.Event{
		{Kind: events.GraphCreated, Graph: 7},
		{Kind: events.NodeAdded, Graph: 7, Node: np(0)},
	})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s2, err := OpenSQLite(path, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	rows, err := s2.Graphs(context.Background(), "w")
	if err != nil || len(rows) != 1 || rows[0].Graph != 7 {
		t.Fatalf("rows after reopen: %+v %v", rows, err)
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	s := &queue{ch: make(chan req, 1)}
	s.Record(events.Record{Seq: 1})
	s.Record(events.Record{Seq: 2})
	s.Record(events.Record{Seq: 3})
	st := s.Stats()
	if st.DropTotal != 2 {
		t.Fatalf("DropTotal=%d want=2", st.DropTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestRebindDollar(t *testing.T) {
	got := rebindDollar(`UPDATE nodes SET graph=? WHERE world=? AND graph=?`)
	if got != `UPDATE nodes SET graph=$1 WHERE world=$2 AND graph=$3` {
		t.Fatalf("rebindDollar: %s", got)
	}
}

func TestStatementsPerKind(t *testing.T) {
	a := events.NodeRecord{Pos: [3]int{1, 2, 3}, Type: "test:wire", Data: []byte("{}")}
	cases := []struct {
		rec  events.Record
		want int
	}{
		{events.Record{Kind: string(events.GraphCreated), Nodes: []events.NodeRecord{a, a}}, 4},
		{events.Record{Kind: string(events.GraphLoaded)}, 2},
		{events.Record{Kind: string(events.Linked)}, 2},
		{events.Record{Kind: string(events.GraphDestroyed)}, 3},
		{events.Record{Kind: string(events.NodeAdded), Node: &a}, 2},
		{events.Record{Kind: string(events.NodeRemoved)}, 1},
	}
	for _, c := range cases {
		got, err := statements(c.rec)
		if err != nil {
			t.Fatalf("%s: %v", c.rec.Kind, err)
		}
		if len(got) != c.want {
			t.Fatalf("%s: %d statements, want %d", c.rec.Kind, len(got), c.want)
		}
	}
}
