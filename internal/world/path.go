package world

import (
	"math"

	"github.com/zyedidia/generic/heap"
)

// Path is an ordered sequence of tiles from (exclusive) start to (inclusive) goal.
type Path []Tile

// Last returns the final tile of the path.
func (p Path) Last() (Tile, bool) {
	if len(p) == 0 {
		return Tile{}, false
	}
	return p[len(p)-1], true
}

// Step is one of the eight neighbor offsets with its movement cost.
type Step struct {
	DX, DY int
	Cost   float64
}

// Steps lists the eight neighbor offsets in the order they are expanded:
// NW, N, NE, W, E, SW, S, SE.
var Steps = [8]Step{
	{DX: -1, DY: -1, Cost: math.Sqrt2},
	{DX: 0, DY: -1, Cost: 1},
	{DX: 1, DY: -1, Cost: math.Sqrt2},
	{DX: -1, DY: 0, Cost: 1},
	{DX: 1, DY: 0, Cost: 1},
	{DX: -1, DY: 1, Cost: math.Sqrt2},
	{DX: 0, DY: 1, Cost: 1},
	{DX: 1, DY: 1, Cost: math.Sqrt2},
}

// CanStep reports whether a single move from a to a+(dx,dy) is legal: the
// target must be walkable, and a diagonal move needs both orthogonal corner
// tiles walkable so agents never cut through a solid corner.
func (g *Grid) CanStep(from Tile, dx, dy int) bool {
	if !g.Walkable(from.Add(dx, dy)) {
		return false
	}
	if dx != 0 && dy != 0 {
		return g.Walkable(from.Add(dx, 0)) && g.Walkable(from.Add(0, dy))
	}
	return true
}

// Neighbors8 returns the tiles reachable from t in one legal step, in Steps order.
func (g *Grid) Neighbors8(t Tile) []Tile {
	out := make([]Tile, 0, 8)
	for _, s := range Steps {
		if g.CanStep(t, s.DX, s.DY) {
			out = append(out, t.Add(s.DX, s.DY))
		}
	}
	return out
}

// Octile is the A* heuristic for 8-directional movement.
func Octile(a, b Tile) float64 {
	dx := float64(abs(a.X - b.X))
	dy := float64(abs(a.Y - b.Y))
	return math.Max(dx, dy) + (math.Sqrt2-1)*math.Min(dx, dy)
}

type openNode struct {
	idx int
	g   float64
	f   float64
	seq uint64 // insertion order, breaks f ties FIFO
}

// FindPath runs A* from start to goal. It returns ok=false, not an error, when
// the goal is blocked or no connected path exists. Start equal to goal yields
// an empty path with ok=true.
//
// Open-set ties on f are broken by insertion order. All search state lives in
// this call, so concurrent searches over one grid are safe.
func (g *Grid) FindPath(start, goal Tile) (Path, bool) {
	if !g.Walkable(goal) || !g.InBounds(start) {
		return nil, false
	}
	if start == goal {
		return Path{}, true
	}

	n := g.width * g.height
	gScore := make([]float64, n)
	for i := range gScore {
		gScore[i] = math.Inf(1)
	}
	cameFrom := make([]int32, n)
	for i := range cameFrom {
		cameFrom[i] = -1
	}
	closed := make([]bool, n)

	open := heap.New(func(a, b openNode) bool {
		if a.f != b.f {
			return a.f < b.f
		}
		return a.seq < b.seq
	})

	var seq uint64
	startIdx := start.Y*g.width + start.X
	goalIdx := goal.Y*g.width + goal.X
	gScore[startIdx] = 0
	open.Push(openNode{idx: startIdx, g: 0, f: Octile(start, goal), seq: seq})

	for open.Size() > 0 {
		cur, _ := open.Pop()
		if closed[cur.idx] || cur.g > gScore[cur.idx] {
			continue // stale entry superseded by a cheaper push
		}
		if cur.idx == goalIdx {
			return g.reconstruct(cameFrom, startIdx, goalIdx), true
		}
		closed[cur.idx] = true

		ct := Tile{X: cur.idx % g.width, Y: cur.idx / g.width}
		for _, s := range Steps {
			if !g.CanStep(ct, s.DX, s.DY) {
				continue
			}
			nt := ct.Add(s.DX, s.DY)
			ni := nt.Y*g.width + nt.X
			if closed[ni] {
				continue
			}
			tentative := cur.g + s.Cost
			if tentative >= gScore[ni] {
				continue
			}
			gScore[ni] = tentative
			cameFrom[ni] = int32(cur.idx)
			seq++
			open.Push(openNode{idx: ni, g: tentative, f: tentative + Octile(nt, goal), seq: seq})
		}
	}
	return nil, false
}

func (g *Grid) reconstruct(cameFrom []int32, startIdx, goalIdx int) Path {
	var rev Path
	for i := goalIdx; i != startIdx; i = int(cameFrom[i]) {
		rev = append(rev, Tile{X: i % g.width, Y: i / g.width})
	}
	path := make(Path, len(rev))
	for i, t := range rev {
		path[len(rev)-1-i] = t
	}
	return path
}
