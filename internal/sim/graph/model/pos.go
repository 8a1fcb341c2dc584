package model

import (
	"fmt"

	"blockgraph.ai/internal/sim/mathx"
)

// SectionSize is the edge length of a chunk-section in blocks.
const SectionSize = 16

type Pos struct {
	X int
	Y int
	Z int
}

func (p Pos) Add(o Pos) Pos { return Pos{X: p.X + o.X, Y: p.Y + o.Y, Z: p.Z + o.Z} }

func (p Pos) Offset(d Direction) Pos { return p.Add(d.Vec()) }

func (p Pos) ToArray() [3]int { return [3]int{p.X, p.Y, p.Z} }

func PosFromArray(a [3]int) Pos { return Pos{X: a[0], Y: a[1], Z: a[2]} }

func (p Pos) String() string { return fmt.Sprintf("%d,%d,%d", p.X, p.Y, p.Z) }

// Less orders positions by Y, then Z, then X.
func (p Pos) Less(o Pos) bool {
	if p.Y != o.Y {
		return p.Y < o.Y
	}
	if p.Z != o.Z {
		return p.Z < o.Z
	}
	return p.X < o.X
}

// SectionPos addresses a SectionSize³ region of the world.
type SectionPos struct {
	X int
	Y int
	Z int
}

func SectionOf(p Pos) SectionPos {
	return SectionPos{
		X: mathx.FloorDiv(p.X, SectionSize),
		Y: mathx.FloorDiv(p.Y, SectionSize),
		Z: mathx.FloorDiv(p.Z, SectionSize),
	}
}

func (s SectionPos) Column() ColumnPos { return ColumnPos{X: s.X, Z: s.Z} }

// Origin is the lowest block coordinate inside the section.
func (s SectionPos) Origin() Pos {
	return Pos{X: s.X * SectionSize, Y: s.Y * SectionSize, Z: s.Z * SectionSize}
}

func (s SectionPos) Less(o SectionPos) bool {
	if s.X != o.X {
		return s.X < o.X
	}
	if s.Z != o.Z {
		return s.Z < o.Z
	}
	return s.Y < o.Y
}

func (s SectionPos) String() string { return fmt.Sprintf("s%d,%d,%d", s.X, s.Y, s.Z) }

// ColumnPos addresses a chunk pillar: every section sharing the same X/Z.
type ColumnPos struct {
	X int
	Z int
}

func ColumnOf(p Pos) ColumnPos { return SectionOf(p).Column() }

func (c ColumnPos) Section(y int) SectionPos { return SectionPos{X: c.X, Y: y, Z: c.Z} }

func (c ColumnPos) Less(o ColumnPos) bool {
	if c.X != o.X {
		return c.X < o.X
	}
	return c.Z < o.Z
}

func (c ColumnPos) String() string { return fmt.Sprintf("c%d,%d", c.X, c.Z) }
