package agents

import (
	"fmt"
	"math/rand"

	"github.com/talgya/temple-fair/internal/catalog"
	"github.com/talgya/temple-fair/internal/world"
)

// Spawner creates tourists for the fair.
type Spawner struct {
	rng     *rand.Rand
	nextID  AgentID
	catalog *catalog.Catalog
}

// NewSpawner creates a tourist spawner with the given seed.
func NewSpawner(seed int64, cat *catalog.Catalog) *Spawner {
	if cat == nil {
		cat = catalog.Default()
	}
	return &Spawner{
		rng:     rand.New(rand.NewSource(seed + 300)),
		nextID:  1,
		catalog: cat,
	}
}

// Spawn creates one tourist per home, each starting with money.
func (s *Spawner) Spawn(homes []world.Tile, money uint64) []*Agent {
	out := make([]*Agent, 0, len(homes))
	for _, h := range homes {
		out = append(out, s.spawnOne(h, money))
	}
	return out
}

func (s *Spawner) spawnOne(home world.Tile, money uint64) *Agent {
	id := s.nextID
	s.nextID++
	profile := s.catalog.Profile(int(id) - 1)
	return NewAgent(id, DefaultName(id), profile, home, money)
}

// DefaultName is the placeholder name used until (or unless) one is generated.
func DefaultName(id AgentID) string {
	return fmt.Sprintf("游客%d", int(id))
}

// HomeTiles picks n distinct walkable tiles in the outer band of the grid, the
// fair's entrances. It returns fewer when the band is too small.
func (s *Spawner) HomeTiles(g *world.Grid, n int) []world.Tile {
	const band = 3
	var candidates []world.Tile
	for y := 0; y < g.Height(); y++ {
		for x := 0; x < g.Width(); x++ {
			t := world.Tile{X: x, Y: y}
			if !g.Walkable(t) {
				continue
			}
			if x < band || y < band || x >= g.Width()-band || y >= g.Height()-band {
				candidates = append(candidates, t)
			}
		}
	}
	s.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	return candidates[:min(n, len(candidates))]
}
