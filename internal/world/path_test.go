package world

import (
	"math/rand"
	"sync"
	"testing"
)

func mustParse(t *testing.T, lines ...string) *Grid {
	t.Helper()
	g, err := ParseGrid(lines)
	if err != nil {
		t.Fatalf("ParseGrid: %v", err)
	}
	return g
}

func checkPath(t *testing.T, g *Grid, start Tile, p Path) {
	t.Helper()
	prev := start
	for i, cur := range p {
		if !g.Walkable(cur) {
			t.Fatalf("step %d %v is not walkable", i, cur)
		}
		dx, dy := cur.X-prev.X, cur.Y-prev.Y
		if abs(dx) > 1 || abs(dy) > 1 || (dx == 0 && dy == 0) {
			t.Fatalf("step %d %v is not adjacent to %v", i, cur, prev)
		}
		if dx != 0 && dy != 0 {
			if !g.Walkable(prev.Add(dx, 0)) || !g.Walkable(prev.Add(0, dy)) {
				t.Fatalf("step %d %v cuts the corner from %v", i, cur, prev)
			}
		}
		prev = cur
	}
}

func TestFindPathBasic(t *testing.T) {
	g := mustParse(t,
		".....",
		".###.",
		".....",
	)
	tests := []struct {
		name      string
		start     Tile
		goal      Tile
		wantOK    bool
		wantSteps int
	}{
		{"same tile", Tile{0, 0}, Tile{0, 0}, true, 0},
		{"straight", Tile{0, 0}, Tile{4, 0}, true, 4},
		{"around wall", Tile{2, 0}, Tile{2, 2}, true, 6},
		{"blocked goal", Tile{0, 0}, Tile{2, 1}, false, 0},
		{"out of bounds goal", Tile{0, 0}, Tile{9, 9}, false, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, ok := g.FindPath(tc.start, tc.goal)
			if ok != tc.wantOK {
				t.Fatalf("FindPath(%v,%v) ok=%v want=%v", tc.start, tc.goal, ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if len(p) != tc.wantSteps {
				t.Fatalf("FindPath(%v,%v) len=%d want=%d (%v)", tc.start, tc.goal, len(p), tc.wantSteps, p)
			}
			checkPath(t, g, tc.start, p)
			if last, ok := p.Last(); ok && last != tc.goal {
				t.Fatalf("path ends at %v want %v", last, tc.goal)
			}
		})
	}
}

func TestFindPathNoCornerCutting(t *testing.T) {
	// The only diagonal from (0,0) to (1,1) squeezes between two walls.
	g := mustParse(t,
		".#",
		"#.",
	)
	if p, ok := g.FindPath(Tile{0, 0}, Tile{1, 1}); ok {
		t.Fatalf("expected no path through a blocked corner, got %v", p)
	}

	g = mustParse(t,
		"..",
		"#.",
	)
	p, ok := g.FindPath(Tile{0, 0}, Tile{1, 1})
	if !ok {
		t.Fatal("expected a path")
	}
	if len(p) != 2 {
		t.Fatalf("len=%d want=2 (%v)", len(p), p)
	}
	checkPath(t, g, Tile{0, 0}, p)
}

func TestFindPathIsland(t *testing.T) {
	g := mustParse(t,
		".....",
		".###.",
		".#.#.",
		".###.",
		".....",
	)
	if _, ok := g.FindPath(Tile{0, 0}, Tile{2, 2}); ok {
		t.Fatal("enclosed tile should be unreachable")
	}
	if _, ok := g.FindPath(Tile{2, 2}, Tile{0, 0}); ok {
		t.Fatal("tile inside the island should not escape")
	}
}

func TestFindPathRandomGrids(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		w, h := 4+rng.Intn(12), 4+rng.Intn(12)
		rows := make([][]bool, h)
		for y := range rows {
			rows[y] = make([]bool, w)
			for x := range rows[y] {
				rows[y][x] = rng.Float64() > 0.3
			}
		}
		g, err := NewGrid(rows)
		if err != nil {
			t.Fatal(err)
		}
		start := Tile{rng.Intn(w), rng.Intn(h)}
		goal := Tile{rng.Intn(w), rng.Intn(h)}
		p, ok := g.FindPath(start, goal)
		if !ok {
			if g.Walkable(goal) && reachable(g, start, goal) {
				t.Fatalf("trial %d: FindPath missed a reachable goal %v from %v", trial, goal, start)
			}
			continue
		}
		checkPath(t, g, start, p)
		if start != goal {
			if last, _ := p.Last(); last != goal {
				t.Fatalf("trial %d: ends at %v want %v", trial, last, goal)
			}
		}
	}
}

// reachable is a plain BFS over the same step rule.
func reachable(g *Grid, from, to Tile) bool {
	seen := map[Tile]bool{from: true}
	queue := []Tile{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			return true
		}
		for _, n := range g.Neighbors8(cur) {
			if !seen[n] {
				seen[n] = true
				queue = append(queue, n)
			}
		}
	}
	return false
}

func TestFindPathConcurrent(t *testing.T) {
	g := mustParse(t,
		"..........",
		".########.",
		"..........",
		".########.",
		"..........",
	)
	want, ok := g.FindPath(Tile{0, 0}, Tile{9, 4})
	if !ok {
		t.Fatal("expected a path")
	}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, ok := g.FindPath(Tile{0, 0}, Tile{9, 4})
			if !ok || len(p) != len(want) {
				t.Errorf("concurrent FindPath len=%d ok=%v want len=%d", len(p), ok, len(want))
			}
		}()
	}
	wg.Wait()
}

func TestOctile(t *testing.T) {
	if got := Octile(Tile{0, 0}, Tile{3, 0}); got != 3 {
		t.Fatalf("Octile straight=%v want=3", got)
	}
	got := Octile(Tile{0, 0}, Tile{2, 2})
	if got < 2.82 || got > 2.83 {
		t.Fatalf("Octile diagonal=%v want≈2.828", got)
	}
}
