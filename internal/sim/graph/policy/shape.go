package policy

import "blockgraph.ai/internal/sim/graph/model"

// ShapeKind is the closed set of wire geometries the default connector understands.
type ShapeKind uint8

const (
	// ShapeNone nodes never connect through WireConnector; they rely on their own Connector.
	ShapeNone ShapeKind = iota
	// ShapeFullBlock occupies the whole block.
	ShapeFullBlock
	// ShapeSided lies flat against one face of its block.
	ShapeSided
	// ShapeCentered sits in the middle of its block.
	ShapeCentered
)

func (k ShapeKind) String() string {
	switch k {
	case ShapeFullBlock:
		return "full_block"
	case ShapeSided:
		return "sided"
	case ShapeCentered:
		return "centered"
	default:
		return "none"
	}
}

// Capability is an open bit set third-party node kinds use to restrict what they connect
// to. Two shaped nodes only connect when their sets intersect; an empty set matches all.
type Capability uint32

func (c Capability) Compatible(o Capability) bool {
	return c == 0 || o == 0 || c&o != 0
}

type Shape struct {
	Kind ShapeKind
	Side model.Direction // ShapeSided only
	Caps Capability
}

// Shaped is implemented by node values whose shape depends on their content (a sided wire
// carries its side). It takes precedence over NodeType.Shape.
type Shaped interface {
	WireShape() Shape
}

// ResolveShape is called once when a node is constructed; the result is cached on the node.
func (r *Registry) ResolveShape(n model.BlockNode) Shape {
	if s, ok := n.(Shaped); ok {
		return s.WireShape()
	}
	if t, ok := r.nodes[n.TypeID()]; ok {
		return t.Shape
	}
	return Shape{}
}
