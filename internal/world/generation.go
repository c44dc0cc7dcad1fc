// Fairground generation using layered simplex noise.
// A solid border encloses the grounds, interior clutter (trees, shrines, lantern
// poles) comes from a noise threshold, and a central plaza stays open.
package world

import (
	"math"
	"math/rand"

	opensimplex "github.com/ojrac/opensimplex-go"
)

// GenConfig holds fairground generation parameters.
type GenConfig struct {
	Width           int
	Height          int
	Seed            int64   // Random seed (0 = random)
	ObstacleDensity float64 // Noise threshold above which a tile is blocked (0.0–1.0, higher = sparser)
	PlazaRadius     int     // Chebyshev radius of the always-open central plaza
	KeepClear       []Tile  // Stalls, homes and anything else that must stay walkable
}

// DefaultGenConfig returns a reasonable starting configuration.
func DefaultGenConfig() GenConfig {
	return GenConfig{
		Width:           40,
		Height:          24,
		Seed:            0,
		ObstacleDensity: 0.68,
		PlazaRadius:     4,
	}
}

// Generate creates a bordered fairground grid.
func Generate(cfg GenConfig) (*Grid, error) {
	if cfg.Width < 3 || cfg.Height < 3 {
		return nil, ErrEmptyGrid
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	clutter := opensimplex.NewNormalized(seed)

	cx, cy := cfg.Width/2, cfg.Height/2
	rows := make([][]bool, cfg.Height)
	for y := range rows {
		rows[y] = make([]bool, cfg.Width)
		for x := range rows[y] {
			if x == 0 || y == 0 || x == cfg.Width-1 || y == cfg.Height-1 {
				continue // border wall
			}
			if abs(x-cx) <= cfg.PlazaRadius && abs(y-cy) <= cfg.PlazaRadius {
				rows[y][x] = true
				continue
			}
			n := octaveNoise(clutter, float64(x), float64(y), 3, 0.15, 0.5)
			rows[y][x] = n < cfg.ObstacleDensity
		}
	}

	// Keep-clear tiles also open their 8-neighborhood so an approach ring exists,
	// plus an L-shaped lane back to the plaza.
	inside := func(x, y int) bool {
		return x > 0 && y > 0 && x < cfg.Width-1 && y < cfg.Height-1
	}
	for _, t := range cfg.KeepClear {
		if !inside(t.X, t.Y) {
			continue
		}
		for x := min(t.X, cx); x <= max(t.X, cx); x++ {
			rows[t.Y][x] = true
		}
		for y := min(t.Y, cy); y <= max(t.Y, cy); y++ {
			rows[y][cx] = true
		}
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				x, y := t.X+dx, t.Y+dy
				if !inside(x, y) {
					continue
				}
				rows[y][x] = true
			}
		}
	}

	g, err := NewGrid(rows)
	if err != nil {
		return nil, err
	}
	return g.connectToPlaza(Tile{X: cx, Y: cy}), nil
}

// connectToPlaza blocks every walkable pocket that cannot reach the plaza, so
// any two walkable tiles of a generated fairground are mutually reachable.
func (g *Grid) connectToPlaza(center Tile) *Grid {
	seen := make([]bool, len(g.walk))
	queue := []Tile{center}
	seen[center.Y*g.width+center.X] = true
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		for _, n := range g.Neighbors8(t) {
			i := n.Y*g.width + n.X
			if !seen[i] {
				seen[i] = true
				queue = append(queue, n)
			}
		}
	}
	for i := range g.walk {
		if g.walk[i] && !seen[i] {
			g.walk[i] = false
		}
	}
	return g
}

// octaveNoise generates fractal noise by layering multiple frequencies.
func octaveNoise(noise opensimplex.Noise, x, y float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0

	for i := 0; i < octaves; i++ {
		total += noise.Eval2(x*frequency, y*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}

	return total / maxVal
}

// Openness returns the fraction of tiles that are walkable.
func Openness(g *Grid) float64 {
	total := g.width * g.height
	if total == 0 {
		return 0
	}
	return math.Round(float64(g.WalkableCount())/float64(total)*1000) / 1000
}
