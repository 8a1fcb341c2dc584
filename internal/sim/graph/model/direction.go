package model

import "fmt"

type Direction uint8

const (
	Down Direction = iota
	Up
	North
	South
	West
	East
)

// Directions lists every direction in index order.
var Directions = [6]Direction{Down, Up, North, South, West, East}

var dirVecs = [6]Pos{
	Down:  {Y: -1},
	Up:    {Y: 1},
	North: {Z: -1},
	South: {Z: 1},
	West:  {X: -1},
	East:  {X: 1},
}

var dirNames = [6]string{"down", "up", "north", "south", "west", "east"}

func (d Direction) Valid() bool { return d <= East }

func (d Direction) Vec() Pos { return dirVecs[d] }

func (d Direction) Opposite() Direction { return d ^ 1 }

// Axis returns 0 for Y, 1 for Z and 2 for X.
func (d Direction) Axis() int { return int(d) / 2 }

func (d Direction) Perpendicular(o Direction) bool { return d.Axis() != o.Axis() }

func (d Direction) String() string {
	if !d.Valid() {
		return fmt.Sprintf("direction(%d)", d)
	}
	return dirNames[d]
}

func ParseDirection(s string) (Direction, error) {
	for i, n := range dirNames {
		if n == s {
			return Direction(i), nil
		}
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// DirectionBetween returns the direction d such that from.Offset(d) == to.
func DirectionBetween(from, to Pos) (Direction, bool) {
	delta := Pos{X: to.X - from.X, Y: to.Y - from.Y, Z: to.Z - from.Z}
	for _, d := range Directions {
		if d.Vec() == delta {
			return d, true
		}
	}
	return 0, false
}
