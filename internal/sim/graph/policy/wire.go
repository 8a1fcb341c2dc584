package policy

import "blockgraph.ai/internal/sim/graph/model"

// WireConnector links shaped nodes by block geometry:
//
//   - full-block and centered nodes link to full-block and centered neighbors on all six faces;
//   - a sided node links to a full-block neighbor unless that neighbor sits on the face
//     opposite the one the sided node is attached to;
//   - sided nodes on the same face link across adjacent blocks, around outer corners, and
//     to perpendicular sided nodes inside the same block;
//   - a centered node links to every sided node in its own block.
//
// Links are always keyed with model.EmptyLinkKey.
type WireConnector struct{}

func (WireConnector) FindConnections(view NodeView, self model.NodePos) ([]HalfLink, error) {
	shape, ok := view.ShapeOf(self)
	if !ok || shape.Kind == ShapeNone {
		return nil, nil
	}
	var out []HalfLink
	visit := func(pos model.Pos) {
		for _, other := range view.NodesAt(pos) {
			if other == self {
				continue
			}
			oshape, ok := view.ShapeOf(other)
			if !ok || !Connects(self.Pos, shape, other.Pos, oshape) {
				continue
			}
			out = append(out, HalfLink{Other: other, Key: model.EmptyLinkKey{}})
		}
	}
	visit(self.Pos)
	for _, d := range model.Directions {
		visit(self.Pos.Offset(d))
	}
	if shape.Kind == ShapeSided {
		for _, d := range model.Directions {
			if d.Perpendicular(shape.Side) {
				visit(self.Pos.Offset(d).Offset(shape.Side))
			}
		}
	}
	return out, nil
}

func (WireConnector) CanConnect(view NodeView, self model.NodePos, other HalfLink) bool {
	if other.Key != (model.EmptyLinkKey{}) {
		return false
	}
	a, ok := view.ShapeOf(self)
	if !ok {
		return false
	}
	b, ok := view.ShapeOf(other.Other)
	if !ok {
		return false
	}
	return Connects(self.Pos, a, other.Other.Pos, b)
}

// Connects is the symmetric geometric rule WireConnector applies.
func Connects(ap model.Pos, a Shape, bp model.Pos, b Shape) bool {
	if a.Kind == ShapeNone || b.Kind == ShapeNone || !a.Caps.Compatible(b.Caps) {
		return false
	}
	if ap == bp {
		switch {
		case a.Kind == ShapeSided && b.Kind == ShapeSided:
			return a.Side.Perpendicular(b.Side)
		case a.Kind == ShapeCentered && b.Kind == ShapeSided, a.Kind == ShapeSided && b.Kind == ShapeCentered:
			return true
		}
		return false
	}
	if d, ok := model.DirectionBetween(ap, bp); ok {
		return adjacent(a, b, d)
	}
	if a.Kind == ShapeSided && b.Kind == ShapeSided {
		return corner(ap, a, bp, b) || corner(bp, b, ap, a)
	}
	return false
}

// adjacent decides a link between a and b where b is one step in direction d from a.
func adjacent(a, b Shape, d model.Direction) bool {
	bulky := func(s Shape) bool { return s.Kind == ShapeFullBlock || s.Kind == ShapeCentered }
	switch {
	case bulky(a) && bulky(b):
		return true
	case a.Kind == ShapeFullBlock && b.Kind == ShapeSided:
		// a lies in direction d.Opposite() from b.
		return d != b.Side
	case a.Kind == ShapeSided && b.Kind == ShapeFullBlock:
		return d != a.Side.Opposite()
	case a.Kind == ShapeSided && b.Kind == ShapeSided:
		return a.Side == b.Side && d.Perpendicular(a.Side)
	}
	return false
}

// corner reports whether b wraps around the outer corner below a's face.
func corner(ap model.Pos, a Shape, bp model.Pos, b Shape) bool {
	for _, d := range model.Directions {
		if !d.Perpendicular(a.Side) {
			continue
		}
		if ap.Offset(d).Offset(a.Side) == bp && b.Side == d.Opposite() {
			return true
		}
	}
	return false
}
