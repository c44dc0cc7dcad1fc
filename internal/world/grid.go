// Package world provides the tile grid, walkability, and pathfinding shared by every
// mobile agent. The grid is immutable after construction.
package world

import (
	"errors"
	"fmt"
	"strings"
)

// Tile is an integer grid coordinate. X grows east, Y grows south.
type Tile struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Add returns the tile offset by (dx, dy).
func (t Tile) Add(dx, dy int) Tile {
	return Tile{X: t.X + dx, Y: t.Y + dy}
}

func (t Tile) String() string {
	return fmt.Sprintf("(%d,%d)", t.X, t.Y)
}

// ErrEmptyGrid is returned when a grid has no rows or no columns.
var ErrEmptyGrid = errors.New("grid has no tiles")

// Grid holds the walkability matrix. Read-only after construction, so it is
// safe to share between goroutines without locking.
type Grid struct {
	width  int
	height int
	walk   []bool // row-major, y*width + x
}

// NewGrid builds a grid from rows[y][x], where true means walkable.
// Rows must all have the same length.
func NewGrid(rows [][]bool) (*Grid, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, ErrEmptyGrid
	}
	w := len(rows[0])
	g := &Grid{
		width:  w,
		height: len(rows),
		walk:   make([]bool, w*len(rows)),
	}
	for y, row := range rows {
		if len(row) != w {
			return nil, fmt.Errorf("row %d has %d columns, want %d", y, len(row), w)
		}
		copy(g.walk[y*w:(y+1)*w], row)
	}
	return g, nil
}

// ParseGrid builds a grid from a text map: '#' is blocked, any other rune is
// walkable. Trailing carriage returns are ignored.
func ParseGrid(lines []string) (*Grid, error) {
	var rows [][]bool
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		row := make([]bool, 0, len(line))
		for _, r := range line {
			row = append(row, r != '#')
		}
		rows = append(rows, row)
	}
	return NewGrid(rows)
}

// Width returns the number of columns.
func (g *Grid) Width() int { return g.width }

// Height returns the number of rows.
func (g *Grid) Height() int { return g.height }

// InBounds reports whether t lies inside the grid.
func (g *Grid) InBounds(t Tile) bool {
	return t.X >= 0 && t.Y >= 0 && t.X < g.width && t.Y < g.height
}

// Walkable reports whether t is inside the grid and not blocked.
func (g *Grid) Walkable(t Tile) bool {
	if !g.InBounds(t) {
		return false
	}
	return g.walk[t.Y*g.width+t.X]
}

// WalkableCount returns the number of walkable tiles.
func (g *Grid) WalkableCount() int {
	n := 0
	for _, w := range g.walk {
		if w {
			n++
		}
	}
	return n
}

// NearestWalkable searches outward in square rings up to radius and returns the
// first walkable tile found, scanning each ring row by row.
func (g *Grid) NearestWalkable(t Tile, radius int) (Tile, bool) {
	if g.Walkable(t) {
		return t, true
	}
	for r := 1; r <= radius; r++ {
		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				if abs(dx) != r && abs(dy) != r {
					continue
				}
				c := t.Add(dx, dy)
				if g.Walkable(c) {
					return c, true
				}
			}
		}
	}
	return Tile{}, false
}

// String renders the grid with '#' for blocked and '.' for walkable tiles.
func (g *Grid) String() string {
	var b strings.Builder
	b.Grow((g.width + 1) * g.height)
	for y := 0; y < g.height; y++ {
		for x := 0; x < g.width; x++ {
			if g.walk[y*g.width+x] {
				b.WriteByte('.')
			} else {
				b.WriteByte('#')
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
