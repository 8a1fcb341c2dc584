package region

import (
	"sort"

	"blockgraph.ai/internal/sim/graph/model"
)

// StorageChunk records which graphs have nodes in one chunk section. It is what decides
// which graphs to page in when the section's column loads.
type StorageChunk struct {
	pos    model.SectionPos
	graphs map[uint64]struct{}
	dirty  bool

	// pending is non-nil while the owning pillar is still being read; edits are queued
	// there and replayed over the loaded data.
	pending []delta
}

type delta struct {
	id  uint64
	add bool
}

func newStorageChunk(pos model.SectionPos) *StorageChunk {
	return &StorageChunk{pos: pos, graphs: map[uint64]struct{}{}}
}

func (c *StorageChunk) Pos() model.SectionPos { return c.pos }

func (c *StorageChunk) Dirty() bool { return c.dirty }

func (c *StorageChunk) Len() int { return len(c.graphs) }

// Loading reports whether the chunk is still a placeholder for data being read.
func (c *StorageChunk) Loading() bool { return c.pending != nil }

func (c *StorageChunk) Has(id uint64) bool {
	_, ok := c.graphs[id]
	return ok
}

// Graphs returns the graph ids in ascending order.
func (c *StorageChunk) Graphs() []uint64 {
	out := make([]uint64, 0, len(c.graphs))
	for id := range c.graphs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *StorageChunk) Add(id uint64) bool {
	if c.pending != nil {
		c.pending = append(c.pending, delta{id: id, add: true})
	}
	if _, ok := c.graphs[id]; ok {
		return false
	}
	c.graphs[id] = struct{}{}
	c.dirty = true
	return true
}

func (c *StorageChunk) Remove(id uint64) bool {
	if c.pending != nil {
		c.pending = append(c.pending, delta{id: id})
	}
	if _, ok := c.graphs[id]; !ok {
		return false
	}
	delete(c.graphs, id)
	c.dirty = true
	return true
}

// resolve replaces the placeholder contents with loaded and replays the queued edits.
func (c *StorageChunk) resolve(loaded []uint64) {
	edits := c.pending
	c.pending = nil
	c.graphs = make(map[uint64]struct{}, len(loaded))
	for _, id := range loaded {
		c.graphs[id] = struct{}{}
	}
	for _, d := range edits {
		if d.add {
			c.graphs[d.id] = struct{}{}
		} else {
			delete(c.graphs, d.id)
		}
	}
	if len(edits) > 0 {
		c.dirty = true
	}
}
