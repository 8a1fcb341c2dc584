package universe

import (
	"context"
	"testing"
	"time"

	"blockgraph.ai/internal/protocol"
	"blockgraph.ai/internal/sim/blockworld"
	"blockgraph.ai/internal/sim/graph/model"
)

func editMsg(world string, ops ...protocol.Op) protocol.EditMsg {
	return protocol.EditMsg{Type: protocol.TypeEdit, ProtocolVersion: protocol.Version, Ref: "r", World: world, Ops: ops}
}

func setOp(x int, spec protocol.BlockSpec) protocol.Op {
	return protocol.Op{Op: protocol.OpSetBlock, Pos: at(x).ToArray(), Block: &spec}
}

func TestApplyEditBuildsGraph(t *testing.T) {
	u := open(t, "", false)
	defer u.Close()

	res := u.ApplyEdit(editMsg("",
		protocol.Op{Op: protocol.OpLoadColumn},
		setOp(0, protocol.BlockSpec{Kind: "switch", On: true}),
		setOp(1, protocol.BlockSpec{Kind: "wire"}),
		setOp(2, protocol.BlockSpec{Kind: "panel", Faces: []string{"down"}}),
	))
	if !res.OK || res.Applied != 4 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Added != 3 || res.Linked != 2 {
		t.Fatalf("counts %+v", res)
	}
	over := u.DefaultWorld()
	if !over.Blocks.IsChunkLoaded(model.ColumnPos{}) {
		t.Fatalf("column should be loaded")
	}
	if b := over.Blocks.BlockAt(at(2)); b.Kind != blockworld.Panel || !b.HasFace(model.Down) {
		t.Fatalf("panel block %+v", b)
	}
}

func TestApplyEditStopsAtFirstBadOp(t *testing.T) {
	u := open(t, "", false)
	defer u.Close()
	res := u.ApplyEdit(editMsg("overworld",
		setOp(0, protocol.BlockSpec{Kind: "wire"}),
		setOp(1, protocol.BlockSpec{Kind: "panel"}),
		setOp(2, protocol.BlockSpec{Kind: "wire"}),
	))
	if res.OK || res.Code != protocol.ErrBadRequest || res.Applied != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if u.DefaultWorld().Blocks.BlockAt(at(2)).Kind != blockworld.Air {
		t.Fatalf("ops after the failure should not run")
	}

	res = u.ApplyEdit(editMsg("end", setOp(0, protocol.BlockSpec{Kind: "wire"})))
	if res.OK || res.Code != protocol.ErrWorldNotFound {
		t.Fatalf("unexpected result %+v", res)
	}
	res = u.ApplyEdit(editMsg("", protocol.Op{Op: "EXPLODE"}))
	if res.OK || res.Code != protocol.ErrBadRequest {
		t.Fatalf("unexpected result %+v", res)
	}
	res = u.ApplyEdit(editMsg("", setOp(0, protocol.BlockSpec{Kind: "torch"})))
	if res.OK || res.Code != protocol.ErrUnknownBlock {
		t.Fatalf("unexpected result %+v", res)
	}
	res = u.ApplyEdit(editMsg("", setOp(0, protocol.BlockSpec{Kind: "panel", Faces: []string{"sideways"}})))
	if res.OK || res.Code != protocol.ErrBadFace {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestEditAndBootstrapGoThroughRunLoop(t *testing.T) {
	u := open(t, "", false)
	defer u.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx) }()
	defer func() {
		u.Stop()
		<-done
	}()

	res := u.Edit(ctx, editMsg("", setOp(0, protocol.BlockSpec{Kind: "lamp"})))
	if !res.OK || res.Added != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	w, err := u.Welcome(ctx)
	if err != nil || w.DefaultWorld != "overworld" || len(w.Worlds) != 2 {
		t.Fatalf("welcome %+v %v", w, err)
	}
	b, err := u.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if len(b.NodeTypes) != 4 || len(b.Worlds) != 2 {
		t.Fatalf("bootstrap %+v", b)
	}
	if b.Worlds[1].ID != "overworld" || b.Worlds[1].Nodes != 1 || b.Worlds[1].LastSeq == 0 {
		t.Fatalf("overworld info %+v", b.Worlds[1])
	}
}

func TestMetricsCountPerWorld(t *testing.T) {
	u := open(t, "", false)
	defer u.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx) }()
	defer func() {
		u.Stop()
		<-done
	}()

	res := u.Edit(ctx, editMsg("nether",
		protocol.Op{Op: protocol.OpLoadColumn},
		setOp(0, protocol.BlockSpec{Kind: "wire"}),
		setOp(5, protocol.BlockSpec{Kind: "wire"}),
	))
	if !res.OK {
		t.Fatalf("edit: %+v", res)
	}
	m, err := u.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if len(m.Worlds) != 2 || m.Worlds[0].ID != "nether" {
		t.Fatalf("metrics %+v", m)
	}
	if w := m.Worlds[0]; w.Graphs != 2 || w.Nodes != 2 || w.LoadedColumns != 1 {
		t.Fatalf("nether metrics %+v", w)
	}
	if w := m.Worlds[1]; w.Graphs != 0 || w.Nodes != 0 {
		t.Fatalf("overworld metrics %+v", w)
	}
}
