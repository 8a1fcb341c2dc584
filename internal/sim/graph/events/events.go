// Package events defines the ordered change stream a world emits while its graphs change.
//
// Within one world, events form a total order (Seq increases by one per event) that is
// sufficient to rebuild graph membership from an initial snapshot; see Mirror. Seq starts
// over each time a world is opened; Epoch tells the runs apart.
package events

import "blockgraph.ai/internal/sim/graph/model"

type Kind string

const (
	GraphCreated   Kind = "graph_created"
	GraphUpdated   Kind = "graph_updated"
	GraphDestroyed Kind = "graph_destroyed"
	// GraphLoaded and GraphUnloaded track graphs paged in from and out to disk. A loaded
	// event carries the full node and link set of the graph.
	GraphLoaded   Kind = "graph_loaded"
	GraphUnloaded Kind = "graph_unloaded"

	NodeAdded   Kind = "node_added"
	NodeRemoved Kind = "node_removed"
	Linked      Kind = "linked"
	Unlinked    Kind = "unlinked"

	// Merged: From was absorbed into Graph.
	Merged Kind = "merged"
	// Split: Graph lost the nodes listed by the preceding GraphCreated events of Into.
	Split Kind = "split"

	ConnectionsChanged Kind = "connections_changed"
)

type Event struct {
	Epoch uint64
	Seq   uint64
	World string
	Tick  uint64
	Kind  Kind
	Graph uint64

	From  uint64
	Into  []uint64
	Node  model.NodePos
	Link  model.LinkPos
	Nodes []model.NodePos
	Links []model.LinkPos
}

type Listener interface {
	HandleGraphEvent(ev Event)
}

type ListenerFunc func(ev Event)

func (f ListenerFunc) HandleGraphEvent(ev Event) { f(ev) }

// Recorder keeps every event it sees. Intended for tests and replay tooling.
type Recorder struct {
	Events []Event
}

func (r *Recorder) HandleGraphEvent(ev Event) { r.Events = append(r.Events, ev) }

func (r *Recorder) Reset() { r.Events = nil }

func (r *Recorder) Kinds() []Kind {
	out := make([]Kind, 0, len(r.Events))
	for _, ev := range r.Events {
		out = append(out, ev.Kind)
	}
	return out
}

// Count returns how many recorded events have kind k.
func (r *Recorder) Count(k Kind) int {
	n := 0
	for _, ev := range r.Events {
		if ev.Kind == k {
			n++
		}
	}
	return n
}
