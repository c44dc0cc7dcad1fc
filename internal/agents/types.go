// Package agents provides the tourist model and the per-tourist controller that
// walks the fair, queues at stalls, haggles through the gateway, and goes home.
package agents

import (
	"fmt"
	"math"
	"sort"

	"github.com/zyedidia/generic/mapset"

	"github.com/talgya/temple-fair/internal/catalog"
	"github.com/talgya/temple-fair/internal/events"
	"github.com/talgya/temple-fair/internal/ledger"
	"github.com/talgya/temple-fair/internal/world"
)

// AgentID is a unique identifier for a tourist.
type AgentID = events.AgentID

// State is the controller's current phase.
type State uint8

const (
	StateSelecting State = iota
	StateTraveling
	StateQueued
	StateInteracting
	StateSettling
	StateReturningHome
	StateIdle // home and finished
)

var stateNames = [...]string{
	StateSelecting:     "selecting",
	StateTraveling:     "traveling",
	StateQueued:        "queued",
	StateInteracting:   "interacting",
	StateSettling:      "settling",
	StateReturningHome: "returning_home",
	StateIdle:          "idle",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText lets states appear by name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Agent is one tourist.
type Agent struct {
	ID      AgentID
	Name    string
	Profile catalog.Profile

	// Position in tile units; tile centers sit on integer coordinates.
	X, Y float64
	Home world.Tile
	Path world.Path

	State  State
	Target string // vendor name while selecting through settling

	Ledger *ledger.Ledger
	Diary  *ledger.Diary

	Visited     mapset.Set[string]
	Unreachable mapset.Set[string]

	Remark string // last thing said or seen, for display
}

// NewAgent places a tourist at home with the given money.
func NewAgent(id AgentID, name string, profile catalog.Profile, home world.Tile, money uint64) *Agent {
	return &Agent{
		ID:          id,
		Name:        name,
		Profile:     profile,
		X:           float64(home.X),
		Y:           float64(home.Y),
		Home:        home,
		State:       StateSelecting,
		Ledger:      ledger.New(money),
		Diary:       ledger.NewDiary(),
		Visited:     mapset.New[string](),
		Unreachable: mapset.New[string](),
	}
}

// Tile returns the tile the tourist currently stands on.
func (a *Agent) Tile() world.Tile {
	return world.Tile{X: int(math.Round(a.X)), Y: int(math.Round(a.Y))}
}

// Done reports whether the tourist is home for good.
func (a *Agent) Done() bool { return a.State == StateIdle }

// advance moves along the path by up to speed tiles.
func (a *Agent) advance(speed float64) {
	remaining := speed
	for remaining > 0 && len(a.Path) > 0 {
		next := a.Path[0]
		dx, dy := float64(next.X)-a.X, float64(next.Y)-a.Y
		dist := math.Hypot(dx, dy)
		if dist <= remaining {
			a.X, a.Y = float64(next.X), float64(next.Y)
			a.Path = a.Path[1:]
			remaining -= dist
			continue
		}
		a.X += dx / dist * remaining
		a.Y += dy / dist * remaining
		remaining = 0
	}
}

// arrived reports whether the path is finished and the tourist stands on a
// tile center.
func (a *Agent) arrived() bool {
	return len(a.Path) == 0 && a.X == math.Round(a.X) && a.Y == math.Round(a.Y)
}

// View is a point-in-time copy of a tourist for observers.
type View struct {
	ID          AgentID    `json:"id"`
	Name        string     `json:"name"`
	Persona     string     `json:"persona,omitempty"`
	X           float64    `json:"x"`
	Y           float64    `json:"y"`
	Home        world.Tile `json:"home"`
	State       State      `json:"state"`
	Target      string     `json:"target,omitempty"`
	QueuePos    int        `json:"queue_pos"` // -1 when not waiting
	Balance     uint64     `json:"balance"`
	Spent       uint64     `json:"spent"`
	Purchases   int        `json:"purchases"`
	Visited     []string   `json:"visited"`
	Unreachable []string   `json:"unreachable,omitempty"`
	Remark      string     `json:"remark,omitempty"`
}

func setSlice(s mapset.Set[string]) []string {
	out := make([]string, 0, s.Size())
	s.Each(func(k string) { out = append(out, k) })
	sort.Strings(out)
	return out
}
