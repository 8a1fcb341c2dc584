// Package blockworld is a sparse in-memory voxel world that hosts the graph engine: it
// stores blocks per column, tracks which columns are loaded and reports changes.
package blockworld

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"blockgraph.ai/internal/sim/graph/model"
	"blockgraph.ai/internal/sim/mathx"
)

type Kind uint8

const (
	Air Kind = iota
	Stone
	Wire
	Panel
	Switch
	Lamp
)

var kindNames = [...]string{"air", "stone", "wire", "panel", "switch", "lamp"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

func ParseKind(s string) (Kind, error) {
	for i, n := range kindNames {
		if n == s {
			return Kind(i), nil
		}
	}
	return Air, fmt.Errorf("unknown block kind %q", s)
}

// Block is one voxel. Faces is a bit set over model.Direction used by panels, On is the
// state of a switch.
type Block struct {
	Kind  Kind
	Faces uint8
	On    bool
}

func (b Block) HasFace(d model.Direction) bool { return b.Faces&(1<<d) != 0 }

func (b Block) WithFace(d model.Direction) Block {
	b.Faces |= 1 << d
	return b
}

// FaceList returns the faces in Direction order.
func (b Block) FaceList() []model.Direction {
	var out []model.Direction
	for _, d := range model.Directions {
		if b.HasFace(d) {
			out = append(out, d)
		}
	}
	return out
}

type local struct {
	X, Y, Z int
}

type Column struct {
	Pos    model.ColumnPos
	blocks map[local]Block

	dirty bool
	hash  [32]byte
}

func newColumn(c model.ColumnPos) *Column {
	return &Column{Pos: c, blocks: map[local]Block{}}
}

func localOf(p model.Pos) local {
	return local{X: mathx.Mod(p.X, model.SectionSize), Y: p.Y, Z: mathx.Mod(p.Z, model.SectionSize)}
}

func (c *Column) world(l local) model.Pos {
	return model.Pos{X: c.Pos.X*model.SectionSize + l.X, Y: l.Y, Z: c.Pos.Z*model.SectionSize + l.Z}
}

func (c *Column) Len() int { return len(c.blocks) }

// Positions returns the world positions of the column's non-air blocks, ordered.
func (c *Column) Positions() []model.Pos {
	out := make([]model.Pos, 0, len(c.blocks))
	for l := range c.blocks {
		out = append(out, c.world(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Digest hashes the column's blocks in position order.
func (c *Column) Digest() [32]byte {
	if c.dirty || c.hash == ([32]byte{}) {
		h := sha256.New()
		var tmp [8]byte
		for _, p := range c.Positions() {
			b := c.blocks[localOf(p)]
			for _, v := range []int{p.X, p.Y, p.Z} {
				binary.LittleEndian.PutUint64(tmp[:], uint64(int64(v)))
				h.Write(tmp[:])
			}
			on := byte(0)
			if b.On {
				on = 1
			}
			h.Write([]byte{byte(b.Kind), b.Faces, on})
		}
		copy(c.hash[:], h.Sum(nil))
		c.dirty = false
	}
	return c.hash
}

// Hooks are called synchronously after the world changes.
type Hooks struct {
	BlockChanged   func(pos model.Pos)
	ColumnLoaded   func(c model.ColumnPos)
	ColumnUnloaded func(c model.ColumnPos)
}

type World struct {
	columns map[model.ColumnPos]*Column
	loaded  map[model.ColumnPos]bool
	hooks   Hooks
}

func New() *World {
	return &World{
		columns: map[model.ColumnPos]*Column{},
		loaded:  map[model.ColumnPos]bool{},
	}
}

func (w *World) SetHooks(h Hooks) { w.hooks = h }

func (w *World) BlockAt(p model.Pos) Block {
	c, ok := w.columns[model.ColumnOf(p)]
	if !ok {
		return Block{}
	}
	return c.blocks[localOf(p)]
}

// SetBlock stores b at p and reports the change if the block differs. Air removes it.
func (w *World) SetBlock(p model.Pos, b Block) {
	cp := model.ColumnOf(p)
	c, ok := w.columns[cp]
	if !ok {
		if b.Kind == Air {
			return
		}
		c = newColumn(cp)
		w.columns[cp] = c
	}
	l := localOf(p)
	if c.blocks[l] == b {
		return
	}
	if b.Kind == Air {
		delete(c.blocks, l)
	} else {
		c.blocks[l] = b
	}
	c.dirty = true
	if w.hooks.BlockChanged != nil {
		w.hooks.BlockChanged(p)
	}
}

func (w *World) Column(c model.ColumnPos) (*Column, bool) {
	col, ok := w.columns[c]
	return col, ok
}

// Columns returns every column holding blocks, ordered.
func (w *World) Columns() []model.ColumnPos {
	out := make([]model.ColumnPos, 0, len(w.columns))
	for c := range w.columns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (w *World) LoadColumn(c model.ColumnPos) {
	if w.loaded[c] {
		return
	}
	w.loaded[c] = true
	if w.hooks.ColumnLoaded != nil {
		w.hooks.ColumnLoaded(c)
	}
}

func (w *World) UnloadColumn(c model.ColumnPos) {
	if !w.loaded[c] {
		return
	}
	delete(w.loaded, c)
	if w.hooks.ColumnUnloaded != nil {
		w.hooks.ColumnUnloaded(c)
	}
}

func (w *World) IsChunkLoaded(c model.ColumnPos) bool { return w.loaded[c] }

func (w *World) LoadedColumns() []model.ColumnPos {
	out := make([]model.ColumnPos, 0, len(w.loaded))
	for c := range w.loaded {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
