package registry

import (
	"fmt"

	"blockgraph.ai/internal/sim/graph/model"
)

// Check verifies the world's indexes against its graphs: node ownership, the position
// index, per-graph sections and connectivity. It returns the first violation found.
func (w *World) Check() error {
	seen := 0
	for _, id := range w.GraphIDs() {
		g := w.graphs[id]
		if g.id != id {
			return fmt.Errorf("graph %d registered under %d", g.id, id)
		}
		want := map[model.SectionPos]int{}
		for _, n := range g.Nodes() {
			seen++
			if n.graph != g {
				return fmt.Errorf("node %s in graph %d claims graph %d", n.pos, id, n.graph.id)
			}
			if w.index[n.pos] != n {
				return fmt.Errorf("node %s of graph %d missing from index", n.pos, id)
			}
			found := false
			for _, o := range w.nodesAt[n.pos.Pos] {
				if o == n {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("node %s of graph %d missing from position index", n.pos, id)
			}
			want[n.pos.Section()]++
		}
		if len(want) != len(g.sections) {
			return fmt.Errorf("graph %d: %d sections recorded, %d derived", id, len(g.sections), len(want))
		}
		for s, c := range want {
			if g.sections[s] != c {
				return fmt.Errorf("graph %d: section %s count %d, derived %d", id, s, g.sections[s], c)
			}
			if _, ok := w.sections[s][id]; !ok {
				return fmt.Errorf("graph %d: section %s not indexed", id, s)
			}
		}
		if g.Len() == 0 {
			return fmt.Errorf("graph %d is empty", id)
		}
		if !connected(g) {
			return fmt.Errorf("graph %d is disconnected", id)
		}
	}
	if seen != len(w.index) {
		return fmt.Errorf("index holds %d nodes, graphs hold %d", len(w.index), seen)
	}
	at := 0
	for _, list := range w.nodesAt {
		at += len(list)
	}
	if at != seen {
		return fmt.Errorf("position index holds %d nodes, graphs hold %d", at, seen)
	}
	for s, ids := range w.sections {
		for id := range ids {
			g, ok := w.graphs[id]
			if !ok {
				return fmt.Errorf("section %s lists missing graph %d", s, id)
			}
			if g.sections[s] == 0 {
				return fmt.Errorf("section %s lists graph %d without nodes there", s, id)
			}
		}
	}
	return nil
}

func connected(g *Graph) bool {
	nodes := g.g.Nodes()
	if len(nodes) < 2 {
		return true
	}
	visited := map[*vertex]bool{nodes[0]: true}
	stack := []*vertex{nodes[0]}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, l := range v.Links() {
			o := l.Other(v)
			if !visited[o] {
				visited[o] = true
				stack = append(stack, o)
			}
		}
	}
	return len(visited) == len(nodes)
}
