// Package policy holds the contracts node-type plugins implement and the per-universe
// registry they are registered in.
package policy

import "blockgraph.ai/internal/sim/graph/model"

// NodeView is the read-only slice of a world that connection logic may consult.
type NodeView interface {
	NodesAt(pos model.Pos) []model.NodePos
	// ShapeOf returns the shape resolved when the node was constructed.
	ShapeOf(n model.NodePos) (Shape, bool)
}

// HalfLink is one side of a prospective link: the node on the other end and the key.
type HalfLink struct {
	Other model.NodePos
	Key   model.LinkKey
}

// NodeDescriptor declares that a node should exist. Node is the equality key; NewEntity
// is only called when the node actually has to be created.
type NodeDescriptor struct {
	Node      model.BlockNode
	NewEntity func(self model.NodePos) (NodeEntity, error)
}

// Discoverer reports which nodes should exist at a block position.
type Discoverer interface {
	DiscoverNodes(pos model.Pos) ([]NodeDescriptor, error)
}

type DiscovererFunc func(pos model.Pos) ([]NodeDescriptor, error)

func (f DiscovererFunc) DiscoverNodes(pos model.Pos) ([]NodeDescriptor, error) { return f(pos) }

// Connector decides which neighbors a node links to. Every HalfLink returned by
// FindConnections must pass CanConnect on the other node's connector, and the other way
// around; reconcile only creates links both sides agree on.
type Connector interface {
	FindConnections(view NodeView, self model.NodePos) ([]HalfLink, error)
	CanConnect(view NodeView, self model.NodePos, other HalfLink) bool
}

// NodeEntity is optional mutable state attached to a single node.
type NodeEntity interface {
	Encode() ([]byte, error)
}

// LinkEntity is optional mutable state attached to a single link.
type LinkEntity interface {
	Encode() ([]byte, error)
}

// Deleter is implemented by node and link entities that want to know when their owner is
// removed from the world (as opposed to being unloaded).
type Deleter interface {
	OnDelete()
}

// GraphView is what graph entity factories and splitters get to see of a graph.
type GraphView interface {
	ID() uint64
	NodePositions() []model.NodePos
}

// GraphEntity is optional per-graph state that follows the graph through merges and splits.
type GraphEntity interface {
	// Merge folds other (the entity of the graph being absorbed) into the receiver.
	Merge(other GraphEntity)
	Encode() ([]byte, error)
}
