package blockworld

import (
	"errors"
	"os"

	"blockgraph.ai/internal/persistence/snapshot"
	"blockgraph.ai/internal/sim/graph/model"
)

const SnapshotVersion = 1

type SnapshotHeader struct {
	Version int `json:"version"`
	Columns int `json:"columns"`
	Blocks  int `json:"blocks"`
}

type SnapshotV1 struct {
	Columns []ColumnV1
}

type ColumnV1 struct {
	X, Z   int
	Blocks []BlockV1
}

type BlockV1 struct {
	Pos   [3]int
	Kind  uint8
	Faces uint8
	On    bool
}

// Save writes every column with blocks to path.
func (w *World) Save(path string) error {
	var s SnapshotV1
	total := 0
	for _, cp := range w.Columns() {
		c := w.columns[cp]
		cv := ColumnV1{X: cp.X, Z: cp.Z}
		for _, p := range c.Positions() {
			b := c.blocks[localOf(p)]
			cv.Blocks = append(cv.Blocks, BlockV1{Pos: p.ToArray(), Kind: uint8(b.Kind), Faces: b.Faces, On: b.On})
		}
		total += len(cv.Blocks)
		s.Columns = append(s.Columns, cv)
	}
	return snapshot.Write(path, SnapshotHeader{Version: SnapshotVersion, Columns: len(s.Columns), Blocks: total}, s)
}

// Load replaces the stored blocks with the contents of path without firing hooks. A
// missing file leaves the world empty.
func (w *World) Load(path string) error {
	var s SnapshotV1
	var h SnapshotHeader
	err := snapshot.Read(path, &h, &s)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	w.columns = map[model.ColumnPos]*Column{}
	for _, cv := range s.Columns {
		c := newColumn(model.ColumnPos{X: cv.X, Z: cv.Z})
		for _, bv := range cv.Blocks {
			p := model.PosFromArray(bv.Pos)
			if model.ColumnOf(p) != c.Pos || Kind(bv.Kind) == Air {
				continue
			}
			c.blocks[localOf(p)] = Block{Kind: Kind(bv.Kind), Faces: bv.Faces, On: bv.On}
		}
		w.columns[c.Pos] = c
	}
	return nil
}
