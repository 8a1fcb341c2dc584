package wiring

import (
	"testing"

	"blockgraph.ai/internal/sim/blockworld"
	"blockgraph.ai/internal/sim/graph/model"
	"blockgraph.ai/internal/sim/graph/policy"
	"blockgraph.ai/internal/sim/graph/registry"
	"blockgraph.ai/internal/sim/graph/update"
)

type rig struct {
	blocks *blockworld.World
	world  *registry.World
	coord  *update.Coordinator
}

func newRig(t *testing.T) *rig {
	t.Helper()
	types := policy.NewRegistry()
	if err := Register(types); err != nil {
		t.Fatalf("Register: %v", err)
	}
	w, err := registry.Open(registry.Options{ID: "w", Types: types})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	bw := blockworld.New()
	return &rig{blocks: bw, world: w, coord: update.New(w, NewDiscoverer(bw))}
}

func (r *rig) set(t *testing.T, p model.Pos, b blockworld.Block) {
	t.Helper()
	r.blocks.SetBlock(p, b)
	r.coord.BlockChanged(p)
	if err := Apply(r.world, p, b); err != nil {
		t.Fatalf("Apply %s: %v", p, err)
	}
	if err := r.world.Check(); err != nil {
		t.Fatalf("Check after %s: %v", p, err)
	}
}

func at(x int) model.Pos { return model.Pos{X: x, Y: 64} }

func TestSwitchPowersLampThroughWire(t *testing.T) {
	r := newRig(t)
	r.set(t, at(0), blockworld.Block{Kind: blockworld.Switch})
	r.set(t, at(1), blockworld.Block{Kind: blockworld.Wire})
	r.set(t, at(2), blockworld.Block{Kind: blockworld.Wire})
	r.set(t, at(3), blockworld.Block{Kind: blockworld.Lamp})

	lamp := model.NodePos{Pos: at(3), Node: Lamp{}}
	if got := len(r.world.GraphIDs()); got != 1 {
		t.Fatalf("expected one graph, got %d", got)
	}
	if Powered(r.world, lamp) {
		t.Fatalf("lamp powered while switch is off")
	}

	r.set(t, at(0), blockworld.Block{Kind: blockworld.Switch, On: true})
	if !Powered(r.world, lamp) {
		t.Fatalf("lamp should be powered")
	}

	r.set(t, at(2), blockworld.Block{})
	if Powered(r.world, lamp) {
		t.Fatalf("lamp cut off from the switch is still powered")
	}
	if !Powered(r.world, model.NodePos{Pos: at(1), Node: Wire{}}) {
		t.Fatalf("wire next to the switch lost power")
	}
}

func TestSwitchPlacedOnJoinsPower(t *testing.T) {
	r := newRig(t)
	r.set(t, at(0), blockworld.Block{Kind: blockworld.Lamp})
	r.set(t, at(2), blockworld.Block{Kind: blockworld.Switch, On: true})
	lamp := model.NodePos{Pos: at(0), Node: Lamp{}}
	if Powered(r.world, lamp) {
		t.Fatalf("lamp powered before it is connected")
	}
	r.set(t, at(1), blockworld.Block{Kind: blockworld.Wire})
	if !Powered(r.world, lamp) {
		t.Fatalf("lamp should be powered after the wire joined both graphs")
	}
}

func TestRemovedSwitchStopsPowering(t *testing.T) {
	r := newRig(t)
	r.set(t, at(0), blockworld.Block{Kind: blockworld.Switch, On: true})
	r.set(t, at(1), blockworld.Block{Kind: blockworld.Wire})
	wire := model.NodePos{Pos: at(1), Node: Wire{}}
	if !Powered(r.world, wire) {
		t.Fatalf("wire should be powered")
	}
	r.set(t, at(0), blockworld.Block{})
	if Powered(r.world, wire) {
		t.Fatalf("wire powered after its switch was removed")
	}
}

func TestPanelsOnPerpendicularFacesLink(t *testing.T) {
	r := newRig(t)
	b := blockworld.Block{Kind: blockworld.Panel}.WithFace(model.Down).WithFace(model.East)
	r.set(t, at(0), b)
	nodes := r.world.NodesAt(at(0))
	if len(nodes) != 2 {
		t.Fatalf("expected two panels, got %v", nodes)
	}
	if len(r.world.GraphIDs()) != 1 {
		t.Fatalf("perpendicular panels in one block should share a graph")
	}

	// a floor panel next door continues the floor run, but not the east wall.
	r.set(t, at(1), blockworld.Block{Kind: blockworld.Panel}.WithFace(model.Down))
	n, ok := r.world.NodeAt(model.NodePos{Pos: at(1), Node: Panel{Side: model.Down}})
	if !ok {
		t.Fatalf("floor panel missing")
	}
	if n.Degree() != 1 {
		t.Fatalf("floor panel degree %d, want 1", n.Degree())
	}
}

func TestPowerEncodeDecodeAndSplit(t *testing.T) {
	p := NewPower()
	p.Sources[at(0)] = true
	p.Sources[at(5)] = true
	raw, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := decodePower(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := back.(*Power).Sources; len(got) != 2 || !got[at(0)] || !got[at(5)] {
		t.Fatalf("sources after round trip: %v", got)
	}
	if _, err := decodePower([]byte("{")); err == nil {
		t.Fatalf("expected error for truncated json")
	}

	other := NewPower()
	other.Sources[at(9)] = true
	p.Merge(other)
	if len(p.Sources) != 3 {
		t.Fatalf("merge should union sources: %v", p.Sources)
	}
}

func TestPowerSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	types := policy.NewRegistry()
	if err := Register(types); err != nil {
		t.Fatalf("Register: %v", err)
	}
	open := func() (*registry.World, *update.Coordinator, *blockworld.World) {
		w, err := registry.Open(registry.Options{ID: "w", Types: types, Dir: dir})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		bw := blockworld.New()
		return w, update.New(w, NewDiscoverer(bw)), bw
	}
	w, coord, bw := open()
	col := model.ColumnOf(at(0))
	w.OnChunkLoad(col)
	bw.SetBlock(at(0), blockworld.Block{Kind: blockworld.Switch, On: true})
	bw.SetBlock(at(1), blockworld.Block{Kind: blockworld.Lamp})
	coord.ReconcileAll([]model.Pos{at(0), at(1)})
	Sync(w)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, _, _ := open()
	w2.OnChunkLoad(col)
	if !Powered(w2, model.NodePos{Pos: at(1), Node: Lamp{}}) {
		t.Fatalf("power lost across reload")
	}
}
