package registry

import (
	"fmt"
	"sort"

	"blockgraph.ai/internal/sim/graph/component"
	"blockgraph.ai/internal/sim/graph/model"
	"blockgraph.ai/internal/sim/graph/policy"
)

type vertex = component.Node[*Node, model.LinkKey]

// Node is a graph vertex owned by a World.
type Node struct {
	pos    model.NodePos
	shape  policy.Shape
	entity policy.NodeEntity
	graph  *Graph
	v      *vertex
}

func (n *Node) Pos() model.NodePos        { return n.pos }
func (n *Node) Shape() policy.Shape       { return n.shape }
func (n *Node) Entity() policy.NodeEntity { return n.entity }
func (n *Node) GraphID() uint64           { return n.graph.id }
func (n *Node) Degree() int               { return n.v.Degree() }

// Links returns the links incident to n in canonical order.
func (n *Node) Links() []model.LinkPos {
	ls := n.v.Links()
	out := make([]model.LinkPos, 0, len(ls))
	for _, l := range ls {
		out = append(out, linkPos(l))
	}
	sortLinks(out)
	return out
}

func linkPos(l *component.Link[*Node, model.LinkKey]) model.LinkPos {
	return model.NewLinkPos(l.A.Value.pos, l.B.Value.pos, l.Key)
}

func sortLinks(ls []model.LinkPos) {
	sort.Slice(ls, func(i, j int) bool { return ls[i].Less(ls[j]) })
}

// Graph is one connected component of a world: a BlockGraph.
type Graph struct {
	id    uint64
	world *World
	g     *component.Graph[*Node, model.LinkKey]

	// sections counts this graph's nodes per chunk section.
	sections map[model.SectionPos]int
	entities map[model.TypeID]policy.GraphEntity
	dirty    bool
}

func newGraph(w *World, id uint64, g *component.Graph[*Node, model.LinkKey]) *Graph {
	if g == nil {
		g = component.New[*Node, model.LinkKey]()
	}
	return &Graph{
		id:       id,
		world:    w,
		g:        g,
		sections: map[model.SectionPos]int{},
		entities: map[model.TypeID]policy.GraphEntity{},
	}
}

func (g *Graph) ID() uint64 { return g.id }

func (g *Graph) Len() int { return g.g.Len() }

// Dirty reports whether the graph changed since it was last written.
func (g *Graph) Dirty() bool { return g.dirty }

// Nodes returns the graph's nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	vs := g.g.Nodes()
	out := make([]*Node, len(vs))
	for i, v := range vs {
		out[i] = v.Value
	}
	return out
}

func (g *Graph) NodePositions() []model.NodePos {
	vs := g.g.Nodes()
	out := make([]model.NodePos, len(vs))
	for i, v := range vs {
		out[i] = v.Value.pos
	}
	return out
}

func (g *Graph) Links() []model.LinkPos {
	ls := g.g.Links()
	out := make([]model.LinkPos, len(ls))
	for i, l := range ls {
		out[i] = linkPos(l)
	}
	sortLinks(out)
	return out
}

// Sections returns the chunk sections holding at least one of the graph's nodes.
func (g *Graph) Sections() []model.SectionPos {
	out := make([]model.SectionPos, 0, len(g.sections))
	for s := range g.sections {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (g *Graph) Columns() []model.ColumnPos {
	seen := map[model.ColumnPos]bool{}
	var out []model.ColumnPos
	for s := range g.sections {
		c := s.Column()
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (g *Graph) Entity(id model.TypeID) (policy.GraphEntity, bool) {
	e, ok := g.entities[id]
	return e, ok
}

// EntityTypes returns the types of the attached entities in sorted order.
func (g *Graph) EntityTypes() []model.TypeID {
	out := make([]model.TypeID, 0, len(g.entities))
	for id := range g.entities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EnsureEntity returns the entity of type id, creating it if the graph has none yet.
func (g *Graph) EnsureEntity(id model.TypeID) (policy.GraphEntity, error) {
	if e, ok := g.entities[id]; ok {
		return e, nil
	}
	t, ok := g.world.types.GraphEntity(id)
	if !ok {
		return nil, fmt.Errorf("graph entity %s: %w", id, policy.ErrUnknownType)
	}
	var e policy.GraphEntity
	if err := Safe("graph entity", func() error {
		e = t.New(g)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("graph entity %s: %w", id, err)
	}
	if e == nil {
		return nil, fmt.Errorf("graph entity %s: factory returned nil", id)
	}
	g.entities[id] = e
	g.dirty = true
	return e, nil
}

// SetEntity replaces the entity of type id. A nil entity removes it.
func (g *Graph) SetEntity(id model.TypeID, e policy.GraphEntity) error {
	if _, ok := g.world.types.GraphEntity(id); !ok {
		return fmt.Errorf("graph entity %s: %w", id, policy.ErrUnknownType)
	}
	if e == nil {
		delete(g.entities, id)
	} else {
		g.entities[id] = e
	}
	g.dirty = true
	return nil
}

// MarkDirty schedules the graph for the next save. Entities call it after mutating
// their own state.
func (g *Graph) MarkDirty() { g.dirty = true }
