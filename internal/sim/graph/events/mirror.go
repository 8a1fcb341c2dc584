package events

import (
	"fmt"
	"sort"

	"blockgraph.ai/internal/sim/graph/model"
)

// Mirror rebuilds graph membership from an event stream. It is what a replication or
// rendering consumer keeps on its side of the stream.
type Mirror struct {
	graphs  map[uint64]map[model.NodePos]struct{}
	owner   map[model.NodePos]uint64
	links   map[model.LinkPos]struct{}
	epoch   uint64
	lastSeq uint64
}

func NewMirror() *Mirror {
	m := &Mirror{}
	m.reset()
	return m
}

func (m *Mirror) reset() {
	m.graphs = map[uint64]map[model.NodePos]struct{}{}
	m.owner = map[model.NodePos]uint64{}
	m.links = map[model.LinkPos]struct{}{}
	m.lastSeq = 0
}

func (m *Mirror) HandleGraphEvent(ev Event) { _ = m.Apply(ev) }

// Apply folds one event into the mirror. It rejects gaps in the sequence and events that
// contradict the current state. An event from a new epoch starts the mirror over, since a
// freshly opened world has no resident graphs.
func (m *Mirror) Apply(ev Event) error {
	if ev.Epoch != m.epoch {
		m.reset()
		m.epoch = ev.Epoch
	}
	if m.lastSeq != 0 && ev.Seq != m.lastSeq+1 {
		return fmt.Errorf("event seq %d after %d: stream has a gap", ev.Seq, m.lastSeq)
	}
	m.lastSeq = ev.Seq

	switch ev.Kind {
	case GraphCreated:
		if _, ok := m.graphs[ev.Graph]; ok {
			return fmt.Errorf("seq %d: graph %d created twice", ev.Seq, ev.Graph)
		}
		m.graphs[ev.Graph] = map[model.NodePos]struct{}{}
		for _, n := range ev.Nodes {
			if prev, ok := m.owner[n]; ok {
				delete(m.graphs[prev], n)
			}
			m.owner[n] = ev.Graph
			m.graphs[ev.Graph][n] = struct{}{}
		}
	case GraphLoaded:
		if _, ok := m.graphs[ev.Graph]; ok {
			return fmt.Errorf("seq %d: graph %d loaded while resident", ev.Seq, ev.Graph)
		}
		set := map[model.NodePos]struct{}{}
		for _, n := range ev.Nodes {
			set[n] = struct{}{}
			m.owner[n] = ev.Graph
		}
		m.graphs[ev.Graph] = set
		for _, l := range ev.Links {
			m.links[l.Canonical()] = struct{}{}
		}
	case GraphUpdated, Split, ConnectionsChanged:
		if _, ok := m.graphs[ev.Graph]; !ok {
			return fmt.Errorf("seq %d: %s for unknown graph %d", ev.Seq, ev.Kind, ev.Graph)
		}
	case GraphDestroyed:
		if len(m.graphs[ev.Graph]) != 0 {
			return fmt.Errorf("seq %d: graph %d destroyed with %d nodes", ev.Seq, ev.Graph, len(m.graphs[ev.Graph]))
		}
		delete(m.graphs, ev.Graph)
	case GraphUnloaded:
		for n := range m.graphs[ev.Graph] {
			delete(m.owner, n)
		}
		for l := range m.links {
			if _, ok := m.owner[l.First]; !ok {
				delete(m.links, l)
			}
		}
		delete(m.graphs, ev.Graph)
	case NodeAdded:
		set, ok := m.graphs[ev.Graph]
		if !ok {
			return fmt.Errorf("seq %d: node added to unknown graph %d", ev.Seq, ev.Graph)
		}
		set[ev.Node] = struct{}{}
		m.owner[ev.Node] = ev.Graph
	case NodeRemoved:
		delete(m.graphs[ev.Graph], ev.Node)
		delete(m.owner, ev.Node)
	case Linked:
		m.links[ev.Link.Canonical()] = struct{}{}
	case Unlinked:
		delete(m.links, ev.Link.Canonical())
	case Merged:
		into, ok := m.graphs[ev.Graph]
		if !ok {
			return fmt.Errorf("seq %d: merge into unknown graph %d", ev.Seq, ev.Graph)
		}
		for n := range m.graphs[ev.From] {
			into[n] = struct{}{}
			m.owner[n] = ev.Graph
		}
		m.graphs[ev.From] = map[model.NodePos]struct{}{}
	default:
		return fmt.Errorf("seq %d: unknown event kind %q", ev.Seq, ev.Kind)
	}
	return nil
}

func (m *Mirror) GraphIDs() []uint64 {
	out := make([]uint64, 0, len(m.graphs))
	for id := range m.graphs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Nodes returns the nodes of graph id in canonical order.
func (m *Mirror) Nodes(id uint64) []model.NodePos {
	out := make([]model.NodePos, 0, len(m.graphs[id]))
	for n := range m.graphs[id] {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Links returns the links whose endpoints belong to graph id.
func (m *Mirror) Links(id uint64) []model.LinkPos {
	var out []model.LinkPos
	for l := range m.links {
		if g, ok := m.owner[l.First]; ok && g == id {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].First != out[j].First {
			return out[i].First.Less(out[j].First)
		}
		return out[i].Second.Less(out[j].Second)
	})
	return out
}

func (m *Mirror) Owner(n model.NodePos) (uint64, bool) {
	g, ok := m.owner[n]
	return g, ok
}

func (m *Mirror) LastSeq() uint64 { return m.lastSeq }

func (m *Mirror) Epoch() uint64 { return m.epoch }
