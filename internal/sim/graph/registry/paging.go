package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"blockgraph.ai/internal/persistence/graphfile"
	"blockgraph.ai/internal/persistence/region"
	"blockgraph.ai/internal/sim/graph/events"
	"blockgraph.ai/internal/sim/graph/model"
	"blockgraph.ai/internal/sim/graph/policy"
)

// OnChunkLoad tells the world that the host loaded column c. Graphs stored there are
// paged in as soon as the column's region data is available.
func (w *World) OnChunkLoad(c model.ColumnPos) { w.region.OnWorldChunkLoad(c) }

func (w *World) OnChunkUnload(c model.ColumnPos) { w.region.OnWorldChunkUnload(c) }

func (w *World) IsColumnLoaded(c model.ColumnPos) bool { return w.region.IsColumnLoaded(c) }

// Tick advances the world by one step: graphs whose columns have all been unloaded for
// long enough are saved and paged out, then the region store evicts idle pillars.
func (w *World) Tick() {
	w.tick++
	w.region.Poll()
	if w.files != nil {
		for _, c := range w.region.UnloadTick() {
			for id := range w.columns[c] {
				w.retry[id] = struct{}{}
			}
		}
		for _, id := range sortedIDs(w.retry) {
			g, ok := w.graphs[id]
			if !ok {
				delete(w.retry, id)
				continue
			}
			if w.anyColumnLoaded(g) {
				delete(w.retry, id)
				continue
			}
			if err := w.unload(g); err != nil {
				w.logger.Printf("graph %d: page out failed, retrying next tick: %v", id, err)
				continue
			}
			delete(w.retry, id)
		}
	}
	w.region.Tick()
}

func sortedIDs(set map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (w *World) anyColumnLoaded(g *Graph) bool {
	for _, c := range g.Columns() {
		if w.region.IsColumnLoaded(c) {
			return true
		}
	}
	return false
}

// unload writes g if needed and drops it from memory. Its ids stay in the region store.
func (w *World) unload(g *Graph) error {
	if err := w.save(g); err != nil {
		return err
	}
	for _, n := range g.Nodes() {
		w.unindexNode(n)
		for _, l := range n.Links() {
			delete(w.linkEnts, l.Canonical())
		}
	}
	for s := range g.sections {
		w.untrack(g.id, s)
	}
	delete(w.graphs, g.id)
	w.emit(events.Event{Kind: events.GraphUnloaded, Graph: g.id})
	return nil
}

// pageIn loads every stored graph listed for column c that is not resident yet.
func (w *World) pageIn(c model.ColumnPos) {
	if w.files == nil {
		return
	}
	for _, ch := range w.region.Chunks(c) {
		w.pageInChunk(ch)
	}
}

// pageInChunk loads the graphs listed in ch that are not resident and returns the ids
// it loaded.
func (w *World) pageInChunk(ch *region.StorageChunk) []uint64 {
	var loaded []uint64
	for _, id := range ch.Graphs() {
		if _, ok := w.graphs[id]; ok {
			continue
		}
		if err := w.load(id); err != nil {
			w.logger.Printf("graph %d listed in %s: %v", id, ch.Pos(), err)
			if errors.Is(err, os.ErrNotExist) {
				ch.Remove(id)
			}
			continue
		}
		loaded = append(loaded, id)
	}
	return loaded
}

// EnsureResident pages in the stored graphs listed for the section of pos and the
// sections of its six neighbours, waiting for pending region reads if needed. Graphs
// it brings in for unloaded columns are paged out again on the next Tick.
func (w *World) EnsureResident(pos model.Pos) {
	if w.files == nil {
		return
	}
	seen := map[model.SectionPos]bool{}
	visit := func(p model.Pos) {
		s := model.SectionOf(p)
		if seen[s] {
			return
		}
		seen[s] = true
		ch := w.region.GetOrCreate(s)
		if ch.Loading() {
			w.region.Sync()
		}
		for _, id := range w.pageInChunk(ch) {
			if g, ok := w.graphs[id]; ok && !w.anyColumnLoaded(g) {
				w.retry[id] = struct{}{}
			}
		}
	}
	visit(pos)
	for _, d := range model.Directions {
		visit(pos.Offset(d))
	}
}

// LoadGraph pages in a stored graph. It is a no-op if the graph is resident.
func (w *World) LoadGraph(id uint64) error {
	if _, ok := w.graphs[id]; ok {
		return nil
	}
	return w.load(id)
}

func (w *World) load(id uint64) error {
	gv, err := w.files.Read(id)
	if err != nil {
		return err
	}
	g, dropped := w.decode(gv)
	if g.Len() == 0 {
		w.logger.Printf("graph %d: nothing decodable, deleting", id)
		if err := w.files.Delete(id); err != nil {
			w.logger.Printf("graph %d: delete file: %v", id, err)
		}
		for _, s := range sectionsOf(gv) {
			w.region.GetOrCreate(s).Remove(id)
		}
		return nil
	}
	w.graphs[id] = g
	for _, n := range g.Nodes() {
		w.index[n.pos] = n
		w.nodesAt[n.pos.Pos] = append(w.nodesAt[n.pos.Pos], n)
		w.indexSection(g, n.pos.Section(), 1)
	}
	// sections the file listed but no surviving node occupies
	for _, s := range sectionsOf(gv) {
		if _, ok := g.sections[s]; !ok {
			w.region.GetOrCreate(s).Remove(id)
		}
	}
	w.emit(events.Event{Kind: events.GraphLoaded, Graph: id, Nodes: g.NodePositions(), Links: g.Links()})
	if dropped > 0 {
		g.dirty = true
		w.split(g)
	}
	return nil
}

func sectionsOf(gv graphfile.GraphV1) []model.SectionPos {
	seen := map[model.SectionPos]bool{}
	var out []model.SectionPos
	for _, n := range gv.Nodes {
		s := model.SectionOf(model.PosFromArray(n.Pos))
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// decode rebuilds a graph from its stored form, dropping whatever cannot be decoded.
// The graph is not registered. dropped counts the discarded nodes and links.
func (w *World) decode(gv graphfile.GraphV1) (*Graph, int) {
	id := gv.Header.GraphID
	g := newGraph(w, id, nil)
	dropped := 0
	nodes := make([]*Node, len(gv.Nodes))
	for i, nv := range gv.Nodes {
		bn, err := w.types.DecodeNode(model.TypeID(nv.Type), nv.Data)
		if err != nil {
			w.logger.Printf("graph %d: drop node at %v: %v", id, nv.Pos, err)
			dropped++
			continue
		}
		np := model.NodePos{Pos: model.PosFromArray(nv.Pos), Node: bn}
		if _, ok := w.index[np]; ok {
			w.logger.Printf("graph %d: drop node %s: already resident", id, np)
			dropped++
			continue
		}
		n := &Node{pos: np, shape: w.types.ResolveShape(bn), graph: g}
		if t, ok := w.types.Node(bn.TypeID()); ok {
			n.entity = w.decodeNodeEntity(id, t, np, nv.Entity)
		}
		n.v = g.g.AddNode(n)
		nodes[i] = n
	}

	for _, lv := range gv.Links {
		if lv.A < 0 || lv.A >= len(nodes) || lv.B < 0 || lv.B >= len(nodes) || nodes[lv.A] == nil || nodes[lv.B] == nil {
			dropped++
			continue
		}
		key, err := w.types.DecodeLinkKey(model.TypeID(lv.KeyType), lv.KeyData)
		if err != nil {
			w.logger.Printf("graph %d: drop link: %v", id, err)
			dropped++
			continue
		}
		a, b := nodes[lv.A], nodes[lv.B]
		if _, ok := g.g.Link(a.v, b.v, key); !ok {
			continue
		}
		lp := model.NewLinkPos(a.pos, b.pos, key)
		t, _ := w.types.LinkKey(key.TypeID())
		var e policy.LinkEntity
		switch {
		case len(lv.Entity) > 0 && t.DecodeEntity != nil:
			err = Safe("decode link entity", func() (err error) {
				e, err = t.DecodeEntity(lp, lv.Entity)
				return err
			})
		case t.NewEntity != nil:
			err = Safe("link entity", func() (err error) {
				e, err = t.NewEntity(lp)
				return err
			})
		}
		if err != nil {
			w.logger.Printf("graph %d: drop link entity %s: %v", id, lp, err)
		} else if e != nil {
			w.linkEnts[lp.Canonical()] = e
		}
	}

	for _, ev := range gv.Entities {
		t, ok := w.types.GraphEntity(model.TypeID(ev.Type))
		if !ok {
			w.logger.Printf("graph %d: drop entity %s: %v", id, ev.Type, policy.ErrUnknownType)
			continue
		}
		var e policy.GraphEntity
		err := Safe("decode entity", func() (err error) {
			e, err = t.Decode(ev.Data)
			return err
		})
		if err != nil || e == nil {
			w.logger.Printf("graph %d: drop entity %s: %v", id, ev.Type, err)
			continue
		}
		g.entities[t.ID] = e
	}
	return g, dropped
}

func (w *World) decodeNodeEntity(id uint64, t *policy.NodeType, np model.NodePos, b []byte) policy.NodeEntity {
	if len(b) > 0 && t.DecodeEntity != nil {
		var e policy.NodeEntity
		err := Safe("decode node entity", func() (err error) {
			e, err = t.DecodeEntity(np, b)
			return err
		})
		if err == nil {
			return e
		}
		w.logger.Printf("graph %d: node %s entity: %v", id, np, err)
	}
	if t.NewEntity != nil {
		var e policy.NodeEntity
		err := Safe("node entity", func() (err error) {
			e, err = t.NewEntity(np)
			return err
		})
		if err != nil {
			w.logger.Printf("graph %d: node %s entity: %v", id, np, err)
			return nil
		}
		return e
	}
	return nil
}

func (w *World) encode(g *Graph) graphfile.GraphV1 {
	gv := graphfile.GraphV1{Header: graphfile.Header{World: w.id, GraphID: g.id}}
	at := map[*Node]int{}
	for _, n := range g.Nodes() {
		data, err := w.types.EncodeNode(n.pos.Node)
		if err != nil {
			w.logger.Printf("graph %d: skip node %s: %v", g.id, n.pos, err)
			continue
		}
		nv := graphfile.NodeV1{Pos: n.pos.Pos.ToArray(), Type: string(n.pos.Node.TypeID()), Data: data}
		if n.entity != nil {
			if nv.Entity, err = n.entity.Encode(); err != nil {
				w.logger.Printf("graph %d: node %s entity: %v", g.id, n.pos, err)
				nv.Entity = nil
			}
		}
		at[n] = len(gv.Nodes)
		gv.Nodes = append(gv.Nodes, nv)
	}
	for _, l := range g.g.Links() {
		ai, aok := at[l.A.Value]
		bi, bok := at[l.B.Value]
		if !aok || !bok {
			continue
		}
		kd, err := w.types.EncodeLinkKey(l.Key)
		if err != nil {
			w.logger.Printf("graph %d: skip link: %v", g.id, err)
			continue
		}
		lv := graphfile.LinkV1{A: ai, B: bi, KeyType: string(l.Key.TypeID()), KeyData: kd}
		if e, ok := w.linkEnts[linkPos(l).Canonical()]; ok {
			if lv.Entity, err = e.Encode(); err != nil {
				w.logger.Printf("graph %d: link entity: %v", g.id, err)
				lv.Entity = nil
			}
		}
		gv.Links = append(gv.Links, lv)
	}
	sort.Slice(gv.Links, func(i, j int) bool {
		a, b := gv.Links[i], gv.Links[j]
		if a.A != b.A {
			return a.A < b.A
		}
		if a.B != b.B {
			return a.B < b.B
		}
		if a.KeyType != b.KeyType {
			return a.KeyType < b.KeyType
		}
		return string(a.KeyData) < string(b.KeyData)
	})
	for _, id := range g.EntityTypes() {
		data, err := g.entities[id].Encode()
		if err != nil {
			w.logger.Printf("graph %d: entity %s: %v", g.id, id, err)
			continue
		}
		gv.Entities = append(gv.Entities, graphfile.EntityV1{Type: string(id), Data: data})
	}
	return gv
}

func (w *World) save(g *Graph) error {
	if !g.dirty || w.files == nil {
		return nil
	}
	if err := w.files.Write(w.encode(g)); err != nil {
		return fmt.Errorf("write graph %d: %w", g.id, err)
	}
	g.dirty = false
	return nil
}

// SaveAll writes every dirty graph and region pillar. Failures are logged, left dirty for
// the next save and the first one is returned.
func (w *World) SaveAll() error {
	var first error
	if w.nextID > w.reserved {
		first = w.checkpoint()
	}
	for _, id := range w.GraphIDs() {
		if err := w.save(w.graphs[id]); err != nil {
			w.logger.Printf("%v", err)
			if first == nil {
				first = err
			}
		}
	}
	if err := w.region.SaveAll(); err != nil && first == nil {
		first = err
	}
	return first
}

// Close waits for pending region reads and saves everything.
func (w *World) Close() error {
	w.region.Sync()
	err := w.SaveAll()
	if cerr := w.region.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
