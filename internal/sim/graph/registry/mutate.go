package registry

import (
	"fmt"

	"blockgraph.ai/internal/sim/graph/events"
	"blockgraph.ai/internal/sim/graph/model"
	"blockgraph.ai/internal/sim/graph/policy"
)

// CreateGraph registers a new empty graph with a fresh id.
func (w *World) CreateGraph() *Graph {
	g := newGraph(w, w.allocID(), nil)
	g.dirty = true
	w.graphs[g.id] = g
	w.emit(events.Event{Kind: events.GraphCreated, Graph: g.id})
	return g
}

// DestroyGraph removes an empty graph and its stored copy.
func (w *World) DestroyGraph(id uint64) error {
	g, ok := w.graphs[id]
	if !ok {
		return fmt.Errorf("destroy graph %d: %w", id, ErrGraphNotFound)
	}
	if g.Len() > 0 {
		return fmt.Errorf("destroy graph %d: %w", id, ErrGraphNotEmpty)
	}
	w.destroy(g)
	return nil
}

func (w *World) destroy(g *Graph) {
	for s, n := range g.sections {
		w.indexSection(g, s, -n)
	}
	delete(w.graphs, g.id)
	delete(w.retry, g.id)
	if err := w.files.Delete(g.id); err != nil {
		w.logger.Printf("graph %d: delete file: %v", g.id, err)
	}
	w.emit(events.Event{Kind: events.GraphDestroyed, Graph: g.id})
}

// indexSection adjusts g's node count in s by delta and keeps the section, column and
// storage indexes in step when s enters or leaves the graph.
func (w *World) indexSection(g *Graph, s model.SectionPos, delta int) {
	old := g.sections[s]
	n := old + delta
	switch {
	case n <= 0 && old > 0:
		delete(g.sections, s)
		w.untrack(g.id, s)
		w.region.GetOrCreate(s).Remove(g.id)
	case n > 0 && old == 0:
		g.sections[s] = n
		w.track(g.id, s)
		w.region.GetOrCreate(s).Add(g.id)
	case n > 0:
		g.sections[s] = n
	}
}

func (w *World) track(id uint64, s model.SectionPos) {
	set, ok := w.sections[s]
	if !ok {
		set = map[uint64]struct{}{}
		w.sections[s] = set
	}
	set[id] = struct{}{}
	c := s.Column()
	cols, ok := w.columns[c]
	if !ok {
		cols = map[uint64]int{}
		w.columns[c] = cols
	}
	cols[id]++
}

func (w *World) untrack(id uint64, s model.SectionPos) {
	if set, ok := w.sections[s]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(w.sections, s)
		}
	}
	c := s.Column()
	if cols, ok := w.columns[c]; ok {
		cols[id]--
		if cols[id] <= 0 {
			delete(cols, id)
		}
		if len(cols) == 0 {
			delete(w.columns, c)
		}
	}
}

// attach puts n into g and every index.
func (w *World) attach(g *Graph, n *Node) {
	n.graph = g
	n.v = g.g.AddNode(n)
	w.index[n.pos] = n
	w.nodesAt[n.pos.Pos] = append(w.nodesAt[n.pos.Pos], n)
	w.indexSection(g, n.pos.Section(), 1)
}

func (w *World) unindexNode(n *Node) {
	delete(w.index, n.pos)
	list := w.nodesAt[n.pos.Pos]
	for i, o := range list {
		if o == n {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(w.nodesAt, n.pos.Pos)
	} else {
		w.nodesAt[n.pos.Pos] = list
	}
}

// AddNode creates the node described by d at pos in a new singleton graph. The node
// entity is built first; if that fails nothing is added.
func (w *World) AddNode(pos model.Pos, d policy.NodeDescriptor) (*Node, error) {
	if d.Node == nil {
		return nil, fmt.Errorf("add node at %s: nil node", pos)
	}
	np := model.NodePos{Pos: pos, Node: d.Node}
	if _, ok := w.index[np]; ok {
		return nil, fmt.Errorf("add node %s: %w", np, ErrNodeExists)
	}
	t, ok := w.types.Node(d.Node.TypeID())
	if !ok {
		return nil, fmt.Errorf("add node %s: %w", np, policy.ErrUnknownType)
	}
	newEntity := d.NewEntity
	if newEntity == nil {
		newEntity = t.NewEntity
	}
	var ent policy.NodeEntity
	if newEntity != nil {
		err := Safe("node entity", func() (err error) {
			ent, err = newEntity(np)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("add node %s: %w", np, err)
		}
	}

	n := &Node{pos: np, shape: w.types.ResolveShape(d.Node), entity: ent}
	g := w.CreateGraph()
	w.attach(g, n)
	w.emit(events.Event{Kind: events.NodeAdded, Graph: g.id, Node: np})
	return n, nil
}

// RemoveNode deletes a node and its links, then destroys or splits its graph so that no
// caller observes a disconnected graph.
func (w *World) RemoveNode(np model.NodePos) error {
	n, ok := w.index[np]
	if !ok {
		return fmt.Errorf("remove node %s: %w", np, ErrNodeNotFound)
	}
	g := n.graph
	w.unindexNode(n)
	for _, l := range g.g.RemoveNode(n.v) {
		lp := linkPos(l)
		w.dropLinkEntity(lp)
		w.emit(events.Event{Kind: events.Unlinked, Graph: g.id, Link: lp})
	}
	w.indexSection(g, np.Section(), -1)
	if d, ok := n.entity.(policy.Deleter); ok {
		d.OnDelete()
	}
	g.dirty = true
	w.emit(events.Event{Kind: events.NodeRemoved, Graph: g.id, Node: np})

	if g.Len() == 0 {
		w.destroy(g)
		return nil
	}
	w.split(g)
	return nil
}

func (w *World) dropLinkEntity(lp model.LinkPos) {
	key := lp.Canonical()
	if e, ok := w.linkEnts[key]; ok {
		if d, ok := e.(policy.Deleter); ok {
			d.OnDelete()
		}
		delete(w.linkEnts, key)
	}
}

// Link connects a and b with key, merging their graphs if they differ. It reports false
// if the link already existed.
func (w *World) Link(a, b model.NodePos, key model.LinkKey) (bool, error) {
	if key == nil {
		key = model.EmptyLinkKey{}
	}
	na, ok := w.index[a]
	if !ok {
		return false, fmt.Errorf("link %s: %w", a, ErrNodeNotFound)
	}
	nb, ok := w.index[b]
	if !ok {
		return false, fmt.Errorf("link %s: %w", b, ErrNodeNotFound)
	}
	if na == nb {
		return false, fmt.Errorf("link %s: %w", a, ErrSelfLink)
	}
	if _, ok := na.v.LinkTo(nb.v, key); ok {
		return false, nil
	}
	if _, ok := w.types.LinkKey(key.TypeID()); !ok {
		return false, fmt.Errorf("link %s-%s: key %s: %w", a, b, key.TypeID(), policy.ErrUnknownType)
	}

	if na.graph != nb.graph {
		from, into := na.graph, nb.graph
		if from.Len() > into.Len() || (from.Len() == into.Len() && from.id < into.id) {
			from, into = into, from
		}
		w.merge(from, into)
	}
	g := na.graph
	if _, ok := g.g.Link(na.v, nb.v, key); !ok {
		return false, nil
	}
	lp := model.NewLinkPos(a, b, key)
	if t, _ := w.types.LinkKey(key.TypeID()); t.NewEntity != nil {
		var e policy.LinkEntity
		err := Safe("link entity", func() (err error) {
			e, err = t.NewEntity(lp)
			return err
		})
		if err != nil {
			w.logger.Printf("link %s: entity: %v", lp, err)
		} else if e != nil {
			w.linkEnts[lp.Canonical()] = e
		}
	}
	g.dirty = true
	w.emit(events.Event{Kind: events.Linked, Graph: g.id, Link: lp})
	return true, nil
}

// Unlink removes the link between a and b with key and splits the graph if that
// disconnected it. It reports false if there was no such link.
func (w *World) Unlink(a, b model.NodePos, key model.LinkKey) (bool, error) {
	if key == nil {
		key = model.EmptyLinkKey{}
	}
	na, ok := w.index[a]
	if !ok {
		return false, fmt.Errorf("unlink %s: %w", a, ErrNodeNotFound)
	}
	nb, ok := w.index[b]
	if !ok {
		return false, fmt.Errorf("unlink %s: %w", b, ErrNodeNotFound)
	}
	g := na.graph
	if _, ok := g.g.Unlink(na.v, nb.v, key); !ok {
		return false, nil
	}
	lp := model.NewLinkPos(a, b, key)
	w.dropLinkEntity(lp)
	g.dirty = true
	w.emit(events.Event{Kind: events.Unlinked, Graph: g.id, Link: lp})
	w.split(g)
	return true, nil
}

// MergeGraphs moves every node of from into into and destroys from. Merging a graph
// into itself does nothing.
func (w *World) MergeGraphs(from, into uint64) error {
	f, ok := w.graphs[from]
	if !ok {
		return fmt.Errorf("merge %d into %d: %w", from, into, ErrGraphNotFound)
	}
	i, ok := w.graphs[into]
	if !ok {
		return fmt.Errorf("merge %d into %d: %w", from, into, ErrGraphNotFound)
	}
	if f == i {
		return nil
	}
	w.merge(f, i)
	return nil
}

func (w *World) merge(from, into *Graph) {
	from.g.Each(func(v *vertex) { v.Value.graph = into })
	for s, n := range from.sections {
		w.indexSection(into, s, n)
	}
	into.g.Join(from.g)

	for _, id := range from.EntityTypes() {
		fe := from.entities[id]
		ie, ok := into.entities[id]
		if !ok {
			into.entities[id] = fe
			continue
		}
		err := Safe("merge entity", func() error {
			ie.Merge(fe)
			return nil
		})
		if err != nil {
			w.logger.Printf("graph %d: entity %s of %d dropped: %v", into.id, id, from.id, err)
		}
	}
	from.entities = map[model.TypeID]policy.GraphEntity{}
	into.dirty = true
	if _, ok := w.retry[from.id]; ok {
		w.retry[into.id] = struct{}{}
	}

	w.emit(events.Event{Kind: events.Merged, Graph: into.id, From: from.id})
	w.destroy(from)
	w.emit(events.Event{Kind: events.GraphUpdated, Graph: into.id})
}

// SplitGraph moves every connected component of the graph except the largest into a
// new graph and returns the new ids. It is a no-op for connected graphs.
func (w *World) SplitGraph(id uint64) ([]uint64, error) {
	g, ok := w.graphs[id]
	if !ok {
		return nil, fmt.Errorf("split graph %d: %w", id, ErrGraphNotFound)
	}
	return w.split(g), nil
}

func (w *World) split(g *Graph) []uint64 {
	parts := g.g.Split()
	if len(parts) == 0 {
		return nil
	}
	spun := make([]*Graph, 0, len(parts))
	for _, p := range parts {
		ng := newGraph(w, w.allocID(), p)
		ng.dirty = true
		w.graphs[ng.id] = ng
		for _, v := range p.Nodes() {
			n := v.Value
			n.graph = ng
			w.indexSection(g, n.pos.Section(), -1)
			w.indexSection(ng, n.pos.Section(), 1)
		}
		spun = append(spun, ng)
	}
	g.dirty = true
	if _, ok := w.retry[g.id]; ok {
		for _, ng := range spun {
			w.retry[ng.id] = struct{}{}
		}
	}

	for _, id := range g.EntityTypes() {
		t, ok := w.types.GraphEntity(id)
		if !ok {
			continue
		}
		for _, ng := range spun {
			var e policy.GraphEntity
			err := Safe("split entity", func() error {
				if t.Split != nil {
					e = t.Split(g.entities[id], g, ng)
				} else {
					e = t.New(ng)
				}
				return nil
			})
			if err != nil {
				w.logger.Printf("graph %d: entity %s omitted: %v", ng.id, id, err)
				continue
			}
			if e != nil {
				ng.entities[id] = e
			}
		}
	}

	ids := make([]uint64, len(spun))
	for i, ng := range spun {
		ids[i] = ng.id
		w.emit(events.Event{Kind: events.GraphCreated, Graph: ng.id, Nodes: ng.NodePositions()})
	}
	w.emit(events.Event{Kind: events.Split, Graph: g.id, Into: ids})
	w.emit(events.Event{Kind: events.GraphUpdated, Graph: g.id})
	for _, ng := range spun {
		w.emit(events.Event{Kind: events.GraphUpdated, Graph: ng.id})
	}
	return ids
}

// RemoveEmptyGraphs destroys graphs that lost all their nodes without being destroyed.
// It returns how many it found; anything but zero points at a bug.
func (w *World) RemoveEmptyGraphs() int {
	removed := 0
	for _, id := range w.GraphIDs() {
		g := w.graphs[id]
		if g.Len() > 0 {
			continue
		}
		w.logger.Printf("graph %d: empty but not destroyed, removing", id)
		w.destroy(g)
		removed++
	}
	return removed
}

// ConnectionsChanged reports, once per node, that its link set changed. Nodes that no
// longer exist are skipped.
func (w *World) ConnectionsChanged(nodes []model.NodePos) {
	for _, np := range nodes {
		n, ok := w.index[np]
		if !ok {
			continue
		}
		links := n.Links()
		w.emit(events.Event{Kind: events.ConnectionsChanged, Graph: n.graph.id, Node: np, Links: links})
		if t, ok := w.types.Node(np.Node.TypeID()); ok && t.OnConnectionsChanged != nil {
			err := Safe("connections changed", func() error {
				t.OnConnectionsChanged(np, links)
				return nil
			})
			if err != nil {
				w.logger.Printf("node %s: %v", np, err)
			}
		}
	}
}
