// Package update aligns the nodes and links that exist in a world with the ones the
// registered plugins say should exist.
package update

import (
	"log"
	"sort"

	"blockgraph.ai/internal/sim/graph/model"
	"blockgraph.ai/internal/sim/graph/policy"
	"blockgraph.ai/internal/sim/graph/registry"
)

// Result summarises one coordinator call.
type Result struct {
	Added    []model.NodePos
	Removed  []model.NodePos
	Linked   int
	Unlinked int
	// Changed lists, in canonical order, the nodes whose link set changed. Each got one
	// connections-changed notification after all edits of the call.
	Changed []model.NodePos
	// Errors counts plugin failures that were logged and skipped.
	Errors int
}

type Coordinator struct {
	world       *registry.World
	types       *policy.Registry
	discoverers []policy.Discoverer
	logger      *log.Logger
}

// New returns a coordinator for w. Discoverers registered on the type registry run in
// every world; local ones only in w.
func New(w *registry.World, local ...policy.Discoverer) *Coordinator {
	ds := append([]policy.Discoverer(nil), w.Types().Discoverers()...)
	for _, d := range local {
		if d != nil {
			ds = append(ds, d)
		}
	}
	return &Coordinator{world: w, types: w.Types(), discoverers: ds, logger: w.Logger()}
}

type batch struct {
	res     Result
	changed map[model.NodePos]struct{}
}

func newBatch() *batch { return &batch{changed: map[model.NodePos]struct{}{}} }

func (b *batch) touch(nps ...model.NodePos) {
	for _, np := range nps {
		b.changed[np] = struct{}{}
	}
}

func (c *Coordinator) finish(b *batch) Result {
	out := make([]model.NodePos, 0, len(b.changed))
	for np := range b.changed {
		if _, ok := c.world.NodeAt(np); ok {
			out = append(out, np)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	c.world.ConnectionsChanged(out)
	b.res.Changed = out
	return b.res
}

// Reconcile makes the nodes at pos match what the discoverers report, then brings the
// links of every node at pos in line with their connectors. Stored graphs around pos
// are paged in first.
func (c *Coordinator) Reconcile(pos model.Pos) Result {
	b := newBatch()
	c.reconcile(b, pos)
	return c.finish(b)
}

// ReconcileAll reconciles every position in one batch.
func (c *Coordinator) ReconcileAll(positions []model.Pos) Result {
	b := newBatch()
	for _, p := range positions {
		c.reconcile(b, p)
	}
	return c.finish(b)
}

// BlockChanged is the host world's notification that the block at pos changed. Nodes at
// pos are reconciled and the nodes around it get their links re-evaluated.
func (c *Coordinator) BlockChanged(pos model.Pos) Result {
	b := newBatch()
	c.reconcile(b, pos)
	for _, d := range model.Directions {
		for _, np := range c.world.NodesAt(pos.Offset(d)) {
			c.updateConnections(b, np)
		}
	}
	return c.finish(b)
}

// UpdateConnections re-evaluates the links of a single node.
func (c *Coordinator) UpdateConnections(np model.NodePos) Result {
	b := newBatch()
	c.world.EnsureResident(np.Pos)
	if _, ok := c.world.NodeAt(np); ok {
		c.updateConnections(b, np)
	}
	return c.finish(b)
}

func (c *Coordinator) discover(pos model.Pos) ([]policy.NodeDescriptor, bool) {
	var out []policy.NodeDescriptor
	complete := true
	for i, d := range c.discoverers {
		var ds []policy.NodeDescriptor
		err := registry.Safe("discover", func() (err error) {
			ds, err = d.DiscoverNodes(pos)
			return err
		})
		if err != nil {
			c.logger.Printf("discoverer %d at %s: %v", i, pos, err)
			complete = false
			continue
		}
		out = append(out, ds...)
	}
	return out, complete
}

func (c *Coordinator) reconcile(b *batch, pos model.Pos) {
	c.world.EnsureResident(pos)
	desired, complete := c.discover(pos)
	if !complete {
		b.res.Errors++
	}

	want := make([]policy.NodeDescriptor, 0, len(desired))
	seen := map[model.BlockNode]bool{}
	for _, d := range desired {
		if d.Node == nil {
			c.logger.Printf("reconcile %s: nil node descriptor", pos)
			b.res.Errors++
			continue
		}
		if seen[d.Node] {
			c.logger.Printf("reconcile %s: duplicate descriptor %s", pos, model.NodePos{Pos: pos, Node: d.Node})
			b.res.Errors++
			continue
		}
		seen[d.Node] = true
		want = append(want, d)
	}

	// A failed discoverer might have reported any of the present nodes, so nothing is
	// removed on an incomplete pass.
	if complete {
		for _, np := range c.world.NodesAt(pos) {
			if seen[np.Node] {
				continue
			}
			c.removeNode(b, np)
		}
	}

	for _, d := range want {
		np := model.NodePos{Pos: pos, Node: d.Node}
		if _, ok := c.world.NodeAt(np); ok {
			continue
		}
		if _, err := c.world.AddNode(pos, d); err != nil {
			c.logger.Printf("reconcile %s: skip node: %v", pos, err)
			b.res.Errors++
			continue
		}
		b.res.Added = append(b.res.Added, np)
	}

	for _, np := range c.world.NodesAt(pos) {
		c.updateConnections(b, np)
	}
}

func (c *Coordinator) removeNode(b *batch, np model.NodePos) {
	n, ok := c.world.NodeAt(np)
	if !ok {
		return
	}
	for _, l := range n.Links() {
		b.touch(l.Other(np))
	}
	if err := c.world.RemoveNode(np); err != nil {
		c.logger.Printf("reconcile %s: remove: %v", np, err)
		b.res.Errors++
		return
	}
	b.res.Removed = append(b.res.Removed, np)
}

func (c *Coordinator) wanted(b *batch, np model.NodePos) ([]policy.HalfLink, bool) {
	conn := c.types.ConnectorFor(np.Node)
	var found []policy.HalfLink
	err := registry.Safe("find connections", func() (err error) {
		found, err = conn.FindConnections(c.world, np)
		return err
	})
	if err != nil {
		c.logger.Printf("connections of %s: %v", np, err)
		b.res.Errors++
		return nil, false
	}

	out := make([]policy.HalfLink, 0, len(found))
	for _, h := range found {
		if h.Key == nil {
			h.Key = model.EmptyLinkKey{}
		}
		if h.Other == np {
			continue
		}
		if _, ok := c.world.NodeAt(h.Other); !ok {
			continue
		}
		if !c.accepts(b, h.Other, policy.HalfLink{Other: np, Key: h.Key}) {
			continue
		}
		out = append(out, h)
	}
	return out, true
}

// accepts asks the connector of self whether it agrees to link with other.
func (c *Coordinator) accepts(b *batch, self model.NodePos, other policy.HalfLink) bool {
	conn := c.types.ConnectorFor(self.Node)
	ok := false
	err := registry.Safe("can connect", func() error {
		ok = conn.CanConnect(c.world, self, other)
		return nil
	})
	if err != nil {
		c.logger.Printf("connections of %s: %v", self, err)
		b.res.Errors++
		return false
	}
	return ok
}

func (c *Coordinator) updateConnections(b *batch, np model.NodePos) {
	n, ok := c.world.NodeAt(np)
	if !ok {
		return
	}
	want, ok := c.wanted(b, np)
	if !ok {
		return
	}

	desired := make(map[model.LinkPos]policy.HalfLink, len(want))
	for _, h := range want {
		desired[model.NewLinkPos(np, h.Other, h.Key)] = h
	}
	current := map[model.LinkPos]bool{}
	for _, l := range n.Links() {
		current[l] = true
	}

	for _, l := range n.Links() {
		if _, ok := desired[l]; ok || c.types.Manual(l.Key) {
			continue
		}
		done, err := c.world.Unlink(l.First, l.Second, l.Key)
		if err != nil {
			c.logger.Printf("unlink %s: %v", l, err)
			b.res.Errors++
			continue
		}
		if done {
			b.res.Unlinked++
			b.touch(l.First, l.Second)
		}
	}

	links := make([]model.LinkPos, 0, len(desired))
	for l := range desired {
		if !current[l] {
			links = append(links, l)
		}
	}
	sort.Slice(links, func(i, j int) bool { return links[i].Less(links[j]) })
	for _, l := range links {
		done, err := c.world.Link(l.First, l.Second, l.Key)
		if err != nil {
			c.logger.Printf("link %s: %v", l, err)
			b.res.Errors++
			continue
		}
		if done {
			b.res.Linked++
			b.touch(l.First, l.Second)
		}
	}
}
