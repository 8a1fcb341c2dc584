package model

import (
	"fmt"
	"strings"
)

// TypeID is a namespaced identifier ("namespace:path") for node, link key and entity types.
type TypeID string

func ParseTypeID(s string) (TypeID, error) {
	ns, path, ok := strings.Cut(s, ":")
	if !ok || ns == "" || path == "" || strings.Contains(path, ":") {
		return "", fmt.Errorf("invalid type id %q (want namespace:path)", s)
	}
	return TypeID(s), nil
}

func (t TypeID) Namespace() string {
	ns, _, _ := strings.Cut(string(t), ":")
	return ns
}

// BlockNode describes a node that exists at a block position.
//
// Implementations must be comparable value types: == over the full value is the
// identity used to diff desired nodes against the nodes that already exist.
type BlockNode interface {
	TypeID() TypeID
}

// NodePos is the identity of a node instance in the world.
type NodePos struct {
	Pos  Pos
	Node BlockNode
}

func (n NodePos) Section() SectionPos { return SectionOf(n.Pos) }

func (n NodePos) String() string { return fmt.Sprintf("%s@%s", describe(n.Node), n.Pos) }

// Less is a total order over node positions, used for canonical link ordering
// and for deterministic iteration.
func (n NodePos) Less(o NodePos) bool {
	if n.Pos != o.Pos {
		return n.Pos.Less(o.Pos)
	}
	return describe(n.Node) < describe(o.Node)
}

func describe(v interface{ TypeID() TypeID }) string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s%+v", v.TypeID(), v)
}
