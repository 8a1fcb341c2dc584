package update

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"

	"blockgraph.ai/internal/sim/graph/events"
	"blockgraph.ai/internal/sim/graph/model"
	"blockgraph.ai/internal/sim/graph/policy"
	"blockgraph.ai/internal/sim/graph/registry"
)

type wire struct{}

func (wire) TypeID() model.TypeID { return "test:wire" }

type picky struct{}

func (picky) TypeID() model.TypeID { return "test:picky" }

type manualKey struct {
	Channel int `json:"channel"`
}

func (manualKey) TypeID() model.TypeID { return "test:manual" }

// pickyConnector wants every wire neighbor; wires never agree.
type pickyConnector struct{}

func (pickyConnector) FindConnections(view policy.NodeView, self model.NodePos) ([]policy.HalfLink, error) {
	var out []policy.HalfLink
	for _, d := range model.Directions {
		for _, o := range view.NodesAt(self.Pos.Offset(d)) {
			out = append(out, policy.HalfLink{Other: o, Key: model.EmptyLinkKey{}})
		}
	}
	return out, nil
}

func (pickyConnector) CanConnect(policy.NodeView, model.NodePos, policy.HalfLink) bool { return true }

type fixture struct {
	world  *registry.World
	coord  *Coordinator
	rec    *events.Recorder
	logs   *bytes.Buffer
	blocks map[model.Pos][]policy.NodeDescriptor
	fail   map[model.Pos]error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		rec:    &events.Recorder{},
		logs:   &bytes.Buffer{},
		blocks: map[model.Pos][]policy.NodeDescriptor{},
		fail:   map[model.Pos]error{},
	}
	types := policy.NewRegistry()
	for _, nt := range []policy.NodeType{
		{ID: "test:wire", Codec: policy.JSONCodec[wire]{}, Shape: policy.Shape{Kind: policy.ShapeFullBlock}},
		{ID: "test:picky", Codec: policy.JSONCodec[picky]{}, Connector: pickyConnector{}},
	} {
		if err := types.RegisterNode(nt); err != nil {
			t.Fatalf("RegisterNode: %v", err)
		}
	}
	if err := types.RegisterLinkKey(policy.LinkKeyType{ID: "test:manual", Codec: policy.JSONCodec[manualKey]{}, Manual: true}); err != nil {
		t.Fatalf("RegisterLinkKey: %v", err)
	}
	types.AddDiscoverer(policy.DiscovererFunc(func(pos model.Pos) ([]policy.NodeDescriptor, error) {
		if err := f.fail[pos]; err != nil {
			return nil, err
		}
		return f.blocks[pos], nil
	}))

	w, err := registry.Open(registry.Options{ID: "w", Types: types, Logger: log.New(f.logs, "", 0)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w.AddListener(f.rec)
	f.world = w
	f.coord = New(w)
	return f
}

func (f *fixture) place(x int) model.Pos {
	p := model.Pos{X: x}
	f.blocks[p] = []policy.NodeDescriptor{{Node: wire{}}}
	return p
}

func wireAt(x int) model.NodePos { return model.NodePos{Pos: model.Pos{X: x}, Node: wire{}} }

func TestReconcileSingleton(t *testing.T) {
	f := newFixture(t)
	p := f.place(0)
	res := f.coord.Reconcile(p)
	if len(res.Added) != 1 || len(res.Changed) != 0 {
		t.Fatalf("result = %+v", res)
	}
	kinds := f.rec.Kinds()
	if len(kinds) != 2 || kinds[0] != events.GraphCreated || kinds[1] != events.NodeAdded {
		t.Fatalf("events = %v", kinds)
	}
	if len(f.world.GraphIDs()) != 1 {
		t.Fatalf("graphs = %v", f.world.GraphIDs())
	}

	// nothing changed, nothing happens
	f.rec.Reset()
	res = f.coord.Reconcile(p)
	if len(res.Added)+len(res.Removed)+res.Linked+res.Unlinked != 0 || len(f.rec.Events) != 0 {
		t.Fatalf("idempotent reconcile did work: %+v %v", res, f.rec.Kinds())
	}
}

func TestReconcileLinksAndBatchesNotifications(t *testing.T) {
	f := newFixture(t)
	f.coord.Reconcile(f.place(0))
	f.coord.Reconcile(f.place(2))
	f.rec.Reset()

	res := f.coord.Reconcile(f.place(1))
	if res.Linked != 2 {
		t.Fatalf("linked = %d", res.Linked)
	}
	if len(res.Changed) != 3 {
		t.Fatalf("changed = %v", res.Changed)
	}
	if len(f.world.GraphIDs()) != 1 {
		t.Fatalf("graphs = %v", f.world.GraphIDs())
	}

	kinds := f.rec.Kinds()
	n := len(kinds)
	for i, k := range kinds {
		if k == events.ConnectionsChanged && i < n-3 {
			t.Fatalf("connections changed interleaved with edits: %v", kinds)
		}
	}
	if f.rec.Count(events.ConnectionsChanged) != 3 {
		t.Fatalf("events = %v", kinds)
	}
	if err := f.world.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestRemovingBridgeBlockSplits(t *testing.T) {
	f := newFixture(t)
	for x := 0; x < 3; x++ {
		f.coord.Reconcile(f.place(x))
	}
	delete(f.blocks, model.Pos{X: 1})
	res := f.coord.BlockChanged(model.Pos{X: 1})
	if len(res.Removed) != 1 {
		t.Fatalf("removed = %v", res.Removed)
	}
	if len(res.Changed) != 2 || res.Changed[0] != wireAt(0) || res.Changed[1] != wireAt(2) {
		t.Fatalf("changed = %v", res.Changed)
	}
	if len(f.world.GraphIDs()) != 2 {
		t.Fatalf("graphs = %v", f.world.GraphIDs())
	}
	if err := f.world.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestDiscovererFailureKeepsNodes(t *testing.T) {
	f := newFixture(t)
	p := f.place(0)
	f.coord.Reconcile(p)

	f.fail[p] = errors.New("boom")
	res := f.coord.Reconcile(p)
	if res.Errors == 0 || len(res.Removed) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(f.world.NodesAt(p)) != 1 {
		t.Fatalf("node removed after discoverer failure")
	}
	if !strings.Contains(f.logs.String(), "boom") {
		t.Fatalf("failure not logged: %q", f.logs.String())
	}
}

func TestPanickingEntityFactorySkipsOnlyThatNode(t *testing.T) {
	f := newFixture(t)
	p := model.Pos{}
	f.blocks[p] = []policy.NodeDescriptor{
		{Node: picky{}, NewEntity: func(model.NodePos) (policy.NodeEntity, error) { panic("bad plugin") }},
		{Node: wire{}},
	}
	res := f.coord.Reconcile(p)
	if res.Errors != 1 || len(res.Added) != 1 || res.Added[0] != wireAt(0) {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(f.logs.String(), "bad plugin") {
		t.Fatalf("panic not logged: %q", f.logs.String())
	}
}

func TestDuplicateDescriptorsReported(t *testing.T) {
	f := newFixture(t)
	p := model.Pos{}
	f.blocks[p] = []policy.NodeDescriptor{{Node: wire{}}, {Node: wire{}}}
	res := f.coord.Reconcile(p)
	if len(res.Added) != 1 || res.Errors != 1 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(f.logs.String(), "duplicate descriptor") {
		t.Fatalf("duplicate not logged: %q", f.logs.String())
	}
}

func TestLinksNeedBothSides(t *testing.T) {
	f := newFixture(t)
	f.coord.Reconcile(f.place(0))
	p := model.Pos{X: 1}
	f.blocks[p] = []policy.NodeDescriptor{{Node: picky{}}}
	res := f.coord.Reconcile(p)
	if res.Linked != 0 {
		t.Fatalf("picky node linked to a wire that refuses it: %+v", res)
	}
	if len(f.world.GraphIDs()) != 2 {
		t.Fatalf("graphs = %v", f.world.GraphIDs())
	}
}

func TestManualLinksSurviveReconcile(t *testing.T) {
	f := newFixture(t)
	f.coord.Reconcile(f.place(0))
	f.coord.Reconcile(f.place(10))
	if ok, err := f.world.Link(wireAt(0), wireAt(10), manualKey{Channel: 1}); err != nil || !ok {
		t.Fatalf("Link: %v %v", ok, err)
	}
	res := f.coord.Reconcile(model.Pos{X: 0})
	if res.Unlinked != 0 {
		t.Fatalf("manual link removed: %+v", res)
	}
	n, _ := f.world.NodeAt(wireAt(0))
	if n.Degree() != 1 {
		t.Fatalf("degree = %d", n.Degree())
	}
}

func TestUpdateConnectionsDropsStaleLinks(t *testing.T) {
	f := newFixture(t)
	f.coord.Reconcile(f.place(0))
	f.coord.Reconcile(f.place(10))
	if _, err := f.world.Link(wireAt(0), wireAt(10), model.EmptyLinkKey{}); err != nil {
		t.Fatalf("Link: %v", err)
	}
	res := f.coord.UpdateConnections(wireAt(0))
	if res.Unlinked != 1 || len(res.Changed) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if len(f.world.GraphIDs()) != 2 {
		t.Fatalf("graphs = %v", f.world.GraphIDs())
	}
}

// flaky is a graph entity whose merges panic.
type flaky struct{}

func (flaky) Merge(policy.GraphEntity) { panic("merger bug") }

func (flaky) Encode() ([]byte, error) { return []byte("{}"), nil }

func registerFlaky(t *testing.T, f *fixture) {
	t.Helper()
	err := f.world.Types().RegisterGraphEntity(policy.GraphEntityType{
		ID:     "test:flaky",
		New:    func(policy.GraphView) policy.GraphEntity { return flaky{} },
		Decode: func([]byte) (policy.GraphEntity, error) { return flaky{}, nil },
		Split: func(policy.GraphEntity, policy.GraphView, policy.GraphView) policy.GraphEntity {
			panic("splitter bug")
		},
	})
	if err != nil {
		t.Fatalf("RegisterGraphEntity: %v", err)
	}
	err = f.world.Types().RegisterGraphEntity(policy.GraphEntityType{
		ID:     "test:broken",
		New:    func(policy.GraphView) policy.GraphEntity { panic("factory bug") },
		Decode: func([]byte) (policy.GraphEntity, error) { return flaky{}, nil },
	})
	if err != nil {
		t.Fatalf("RegisterGraphEntity: %v", err)
	}
}

func (f *fixture) attachFlaky(t *testing.T, np model.NodePos) {
	t.Helper()
	n, ok := f.world.NodeAt(np)
	if !ok {
		t.Fatalf("no node %s", np)
	}
	g, _ := f.world.Graph(n.GraphID())
	if _, err := g.EnsureEntity("test:flaky"); err != nil {
		t.Fatalf("EnsureEntity: %v", err)
	}
}

func TestPanickingSplitterOmitsEntity(t *testing.T) {
	f := newFixture(t)
	registerFlaky(t, f)
	for x := 0; x < 3; x++ {
		f.coord.Reconcile(f.place(x))
	}
	f.attachFlaky(t, wireAt(0))
	f.rec.Reset()

	delete(f.blocks, model.Pos{X: 1})
	res := f.coord.BlockChanged(model.Pos{X: 1})
	if len(res.Removed) != 1 || len(res.Changed) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if len(f.world.GraphIDs()) != 2 {
		t.Fatalf("graphs = %v", f.world.GraphIDs())
	}
	if f.rec.Count(events.Split) != 1 || f.rec.Count(events.ConnectionsChanged) != 2 {
		t.Fatalf("events = %v", f.rec.Kinds())
	}
	with := 0
	for _, id := range f.world.GraphIDs() {
		g, _ := f.world.Graph(id)
		if _, ok := g.Entity("test:flaky"); ok {
			with++
		}
	}
	if with != 1 {
		t.Fatalf("entity should stay only on the original graph, found on %d", with)
	}
	if !strings.Contains(f.logs.String(), "splitter bug") {
		t.Fatalf("panic not logged: %q", f.logs.String())
	}
	if err := f.world.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestPanickingMergerStillJoinsGraphs(t *testing.T) {
	f := newFixture(t)
	registerFlaky(t, f)
	f.coord.Reconcile(f.place(0))
	f.coord.Reconcile(f.place(2))
	f.attachFlaky(t, wireAt(0))
	f.attachFlaky(t, wireAt(2))

	res := f.coord.Reconcile(f.place(1))
	if res.Linked != 2 {
		t.Fatalf("result = %+v", res)
	}
	if len(f.world.GraphIDs()) != 1 {
		t.Fatalf("graphs = %v", f.world.GraphIDs())
	}
	if !strings.Contains(f.logs.String(), "merger bug") {
		t.Fatalf("panic not logged: %q", f.logs.String())
	}
	if err := f.world.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}

	n, _ := f.world.NodeAt(wireAt(1))
	g, _ := f.world.Graph(n.GraphID())
	if _, err := g.EnsureEntity("test:broken"); err == nil || !strings.Contains(err.Error(), "factory bug") {
		t.Fatalf("EnsureEntity with a panicking factory: %v", err)
	}
}
