package model

import "fmt"

// LinkKey distinguishes multiple links between the same pair of nodes.
// Like BlockNode, implementations must be comparable value types.
type LinkKey interface {
	TypeID() TypeID
}

const EmptyLinkKeyType TypeID = "blockgraph:empty"

// EmptyLinkKey is the key of plain links that carry no extra identity.
type EmptyLinkKey struct{}

func (EmptyLinkKey) TypeID() TypeID { return EmptyLinkKeyType }

// LinkPos identifies a link by its endpoints and key. Equality ignores endpoint order.
type LinkPos struct {
	First  NodePos
	Second NodePos
	Key    LinkKey
}

func NewLinkPos(a, b NodePos, key LinkKey) LinkPos {
	return LinkPos{First: a, Second: b, Key: key}.Canonical()
}

// Canonical orders the endpoints so that == on canonical values matches Equal.
func (l LinkPos) Canonical() LinkPos {
	if l.Second.Less(l.First) {
		l.First, l.Second = l.Second, l.First
	}
	return l
}

func (l LinkPos) Equal(o LinkPos) bool {
	if l.Key != o.Key {
		return false
	}
	return (l.First == o.First && l.Second == o.Second) || (l.First == o.Second && l.Second == o.First)
}

// Less orders canonical links by endpoints, then by key type and value.
func (l LinkPos) Less(o LinkPos) bool {
	if l.First != o.First {
		return l.First.Less(o.First)
	}
	if l.Second != o.Second {
		return l.Second.Less(o.Second)
	}
	return describe(l.Key) < describe(o.Key)
}

// Other returns the endpoint opposite to n.
func (l LinkPos) Other(n NodePos) NodePos {
	if l.First == n {
		return l.Second
	}
	return l.First
}

func (l LinkPos) String() string {
	return fmt.Sprintf("%s<-%s->%s", l.First, describe(l.Key), l.Second)
}
