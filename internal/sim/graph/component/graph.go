// Package component implements the undirected multigraph the registry uses to keep
// block graphs equal to connected components.
//
// Vertices carry an arbitrary value and links are distinguished by a comparable key, so
// two vertices may be joined by several links as long as their keys differ. The graph
// never recomputes connectivity on its own: callers decide when to Split.
package component

import "sort"

type half[T any, K comparable] struct {
	other *Node[T, K]
	key   K
}

type Node[T any, K comparable] struct {
	Value T

	seq   uint64
	links map[half[T, K]]*Link[T, K]
}

type Link[T any, K comparable] struct {
	A   *Node[T, K]
	B   *Node[T, K]
	Key K
}

// Other returns the endpoint opposite to n.
func (l *Link[T, K]) Other(n *Node[T, K]) *Node[T, K] {
	if l.A == n {
		return l.B
	}
	return l.A
}

func (n *Node[T, K]) Degree() int { return len(n.links) }

// Links returns the links incident to n in no particular order.
func (n *Node[T, K]) Links() []*Link[T, K] {
	out := make([]*Link[T, K], 0, len(n.links))
	for _, l := range n.links {
		out = append(out, l)
	}
	return out
}

// LinkTo returns the link between n and other with the given key.
func (n *Node[T, K]) LinkTo(other *Node[T, K], key K) (*Link[T, K], bool) {
	l, ok := n.links[half[T, K]{other: other, key: key}]
	return l, ok
}

type Graph[T any, K comparable] struct {
	nodes   map[*Node[T, K]]struct{}
	nextSeq uint64
}

func New[T any, K comparable]() *Graph[T, K] {
	return &Graph[T, K]{nodes: map[*Node[T, K]]struct{}{}}
}

func (g *Graph[T, K]) Len() int { return len(g.nodes) }

func (g *Graph[T, K]) Contains(n *Node[T, K]) bool {
	_, ok := g.nodes[n]
	return ok
}

// Nodes returns the vertices in insertion order.
func (g *Graph[T, K]) Nodes() []*Node[T, K] {
	out := make([]*Node[T, K], 0, len(g.nodes))
	for n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Each calls fn for every vertex in no particular order.
func (g *Graph[T, K]) Each(fn func(n *Node[T, K])) {
	for n := range g.nodes {
		fn(n)
	}
}

// Links returns every link once, in no particular order.
func (g *Graph[T, K]) Links() []*Link[T, K] {
	var out []*Link[T, K]
	for n := range g.nodes {
		for _, l := range n.links {
			if l.A == n {
				out = append(out, l)
			}
		}
	}
	return out
}

func (g *Graph[T, K]) AddNode(v T) *Node[T, K] {
	n := &Node[T, K]{
		Value: v,
		seq:   g.nextSeq,
		links: map[half[T, K]]*Link[T, K]{},
	}
	g.nextSeq++
	g.nodes[n] = struct{}{}
	return n
}

// RemoveNode detaches n and every incident link. The removed links are returned so the
// caller can release whatever it attached to them.
func (g *Graph[T, K]) RemoveNode(n *Node[T, K]) []*Link[T, K] {
	if _, ok := g.nodes[n]; !ok {
		return nil
	}
	removed := make([]*Link[T, K], 0, len(n.links))
	for h, l := range n.links {
		delete(h.other.links, half[T, K]{other: n, key: h.key})
		removed = append(removed, l)
	}
	n.links = map[half[T, K]]*Link[T, K]{}
	delete(g.nodes, n)
	return removed
}

// Link joins a and b with key. It reports false when an identical link already exists,
// when a == b, or when either endpoint is not part of g.
func (g *Graph[T, K]) Link(a, b *Node[T, K], key K) (*Link[T, K], bool) {
	if a == b || !g.Contains(a) || !g.Contains(b) {
		return nil, false
	}
	if l, ok := a.links[half[T, K]{other: b, key: key}]; ok {
		return l, false
	}
	l := &Link[T, K]{A: a, B: b, Key: key}
	a.links[half[T, K]{other: b, key: key}] = l
	b.links[half[T, K]{other: a, key: key}] = l
	return l, true
}

func (g *Graph[T, K]) Unlink(a, b *Node[T, K], key K) (*Link[T, K], bool) {
	l, ok := a.links[half[T, K]{other: b, key: key}]
	if !ok {
		return nil, false
	}
	delete(a.links, half[T, K]{other: b, key: key})
	delete(b.links, half[T, K]{other: a, key: key})
	return l, true
}

// Join moves every vertex of other into g. other is left empty.
func (g *Graph[T, K]) Join(other *Graph[T, K]) {
	if other == nil || other == g {
		return
	}
	for n := range other.nodes {
		n.seq += g.nextSeq
		g.nodes[n] = struct{}{}
	}
	g.nextSeq += other.nextSeq
	other.nodes = map[*Node[T, K]]struct{}{}
}

// Split scans the whole vertex set and moves every connected component except one into
// a fresh graph. The component that stays is the largest one; on equal sizes, the one
// holding the earliest-inserted vertex. Returned graphs are ordered by their
// earliest-inserted vertex. Cost is O(V+E).
func (g *Graph[T, K]) Split() []*Graph[T, K] {
	if len(g.nodes) < 2 {
		return nil
	}

	type comp struct {
		nodes  []*Node[T, K]
		minSeq uint64
	}
	visited := make(map[*Node[T, K]]bool, len(g.nodes))
	var comps []comp
	var stack []*Node[T, K]
	for start := range g.nodes {
		if visited[start] {
			continue
		}
		c := comp{minSeq: start.seq}
		visited[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			c.nodes = append(c.nodes, n)
			if n.seq < c.minSeq {
				c.minSeq = n.seq
			}
			for h := range n.links {
				if !visited[h.other] {
					visited[h.other] = true
					stack = append(stack, h.other)
				}
			}
		}
		comps = append(comps, c)
	}
	if len(comps) == 1 {
		return nil
	}

	sort.Slice(comps, func(i, j int) bool { return comps[i].minSeq < comps[j].minSeq })
	keep := 0
	for i := 1; i < len(comps); i++ {
		if len(comps[i].nodes) > len(comps[keep].nodes) {
			keep = i
		}
	}

	out := make([]*Graph[T, K], 0, len(comps)-1)
	for i, c := range comps {
		if i == keep {
			continue
		}
		ng := &Graph[T, K]{
			nodes:   make(map[*Node[T, K]]struct{}, len(c.nodes)),
			nextSeq: g.nextSeq,
		}
		for _, n := range c.nodes {
			delete(g.nodes, n)
			ng.nodes[n] = struct{}{}
		}
		out = append(out, ng)
	}
	return out
}
