package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/talgya/temple-fair/internal/agents"
	"github.com/talgya/temple-fair/internal/catalog"
	"github.com/talgya/temple-fair/internal/events"
	"github.com/talgya/temple-fair/internal/ledger"
	"github.com/talgya/temple-fair/internal/llm"
	"github.com/talgya/temple-fair/internal/market"
	"github.com/talgya/temple-fair/internal/world"
)

// ErrConfig marks a fair that cannot be built as described.
var ErrConfig = errors.New("invalid fair configuration")

// StallSpec places a vendor. Product, price and persona come from the catalog.
type StallSpec struct {
	Name string
	X, Y int
}

// WorldSpec is everything Build needs.
type WorldSpec struct {
	Grid    *world.Grid
	Stalls  []StallSpec
	Homes   []world.Tile // one tourist per home
	Money   uint64       // starting money per tourist
	Catalog *catalog.Catalog
	Tuning  agents.Tuning
	Seed    int64

	HawkEvery    uint64 // ticks between hawking rounds, 0 disables
	NameTourists bool   // ask the service for nicknames at start
	EventBuffer  int    // recent events kept in memory
}

// Event is a notable occurrence at the fair.
type Event struct {
	Seq    uint64          `json:"seq"`
	Tick   uint64          `json:"tick"`
	Time   time.Time       `json:"time"`
	Kind   string          `json:"kind"`
	Agent  *events.AgentID `json:"agent,omitempty"`
	Name   string          `json:"name,omitempty"`
	Vendor string          `json:"vendor,omitempty"`
	Detail string          `json:"detail,omitempty"`
	Amount uint64          `json:"amount,omitempty"`
}

// Stats are aggregate fair counters.
type Stats struct {
	Tourists    int    `json:"tourists"`
	Home        int    `json:"home"`
	Queued      int    `json:"queued"`
	Purchases   int    `json:"purchases"`
	Revenue     uint64 `json:"revenue"`
	Unreachable int    `json:"unreachable"`
	Dialogues   int    `json:"dialogues"`
}

// Snapshot is a consistent copy of the observable state.
type Snapshot struct {
	Tick    uint64        `json:"tick"`
	Done    bool          `json:"done"`
	Stats   Stats         `json:"stats"`
	Agents  []agents.View `json:"agents"`
	Vendors []market.View `json:"vendors"`
}

// Simulation owns the fair. Step is called from the tick loop; every other
// method is safe to call concurrently with it.
type Simulation struct {
	Grid    *world.Grid
	Vendors *market.Directory
	Catalog *catalog.Catalog

	bus     *events.Bus
	gateway agents.Gateway
	spec    WorldSpec

	mu       sync.RWMutex
	ctrls    []*agents.Controller
	index    map[events.AgentID]*agents.Controller
	lastTick uint64
	done     bool
	doneTick uint64
	stats    Stats

	names map[events.AgentID]*llm.Future
	hawks map[string]*llm.Future

	// Recent events, oldest first, capped at spec.EventBuffer.
	events  []Event
	nextSeq uint64

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// Build validates spec and assembles the fair. Structural mistakes fail with
// ErrConfig; gw may be nil.
func Build(spec WorldSpec, gw agents.Gateway) (*Simulation, error) {
	g := spec.Grid
	if g == nil {
		return nil, fmt.Errorf("no grid: %w", ErrConfig)
	}
	if len(spec.Homes) == 0 {
		return nil, fmt.Errorf("no tourists: %w", ErrConfig)
	}
	for i, h := range spec.Homes {
		if !g.Walkable(h) {
			return nil, fmt.Errorf("tourist %d home %s is not walkable: %w", i+1, h, ErrConfig)
		}
	}
	if spec.Catalog == nil {
		spec.Catalog = catalog.Default()
	}
	if spec.EventBuffer <= 0 {
		spec.EventBuffer = 500
	}

	bus := events.NewBus(0)
	vendors := make([]*market.Vendor, 0, len(spec.Stalls))
	for _, st := range spec.Stalls {
		tile := world.Tile{X: st.X, Y: st.Y}
		if !g.InBounds(tile) {
			return nil, fmt.Errorf("stall %s at %s is outside the %dx%d grid: %w", st.Name, tile, g.Width(), g.Height(), ErrConfig)
		}
		item, err := spec.Catalog.Lookup(st.Name)
		if err != nil {
			slog.Warn("vendor not in catalog, using neutral stock", "vendor", st.Name, "product", item.Product, "price", item.Price)
		}
		vendors = append(vendors, market.NewVendor(st.Name, item.Product, item.Price, tile, bus))
	}
	dir, err := market.NewDirectory(vendors...)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrConfig)
	}

	s := &Simulation{
		Grid:    g,
		Vendors: dir,
		Catalog: spec.Catalog,
		bus:     bus,
		gateway: gw,
		spec:    spec,
		index:   make(map[events.AgentID]*agents.Controller, len(spec.Homes)),
		names:   make(map[events.AgentID]*llm.Future),
		hawks:   make(map[string]*llm.Future),
		subs:    make(map[int]chan Event),
	}

	env := &agents.Env{
		Grid:    g,
		Vendors: dir,
		Catalog: spec.Catalog,
		Gateway: gw,
		Bus:     bus,
		Tuning:  spec.Tuning,
	}
	spawner := agents.NewSpawner(spec.Seed, spec.Catalog)
	for _, a := range spawner.Spawn(spec.Homes, spec.Money) {
		c := agents.NewController(a, env, spec.Seed)
		s.ctrls = append(s.ctrls, c)
		s.index[a.ID] = c
		if spec.NameTourists && gw != nil {
			s.names[a.ID] = gw.Submit(llm.NameRequest())
		}
	}
	s.stats.Tourists = len(s.ctrls)

	slog.Info("fair built",
		"grid", fmt.Sprintf("%dx%d", g.Width(), g.Height()),
		"walkable", g.WalkableCount(),
		"vendors", dir.Len(),
		"tourists", len(s.ctrls),
		"money", spec.Money,
	)
	return s, nil
}

// Step advances every controller by one tick, in order.
func (s *Simulation) Step(tick uint64) {
	s.mu.Lock()
	s.lastTick = tick
	var fresh []Event

	fresh = append(fresh, s.pollNames(tick)...)
	for _, c := range s.ctrls {
		for _, ev := range c.Update(tick) {
			fresh = append(fresh, s.record(tick, ev))
		}
	}
	fresh = append(fresh, s.pollHawks(tick)...)
	if s.spec.HawkEvery > 0 && tick%s.spec.HawkEvery == 0 {
		s.startHawking()
	}

	s.updateStats()
	if !s.done && s.stats.Home == s.stats.Tourists {
		s.done, s.doneTick = true, tick
		fresh = append(fresh, s.appendEvent(Event{Tick: tick, Kind: "closed",
			Detail: fmt.Sprintf("%d purchases, %d coins spent", s.stats.Purchases, s.stats.Revenue)}))
		slog.Info("every tourist is home", "tick", tick, "purchases", s.stats.Purchases, "revenue", s.stats.Revenue)
	}
	s.mu.Unlock()

	s.broadcast(fresh)
}

// Beat is the slower layer: a progress line for the log.
func (s *Simulation) Beat(tick uint64) {
	st := s.Stats()
	slog.Debug("fair beat", "tick", tick, "home", st.Home, "queued", st.Queued, "purchases", st.Purchases)
}

func (s *Simulation) record(tick uint64, ev agents.Event) Event {
	id := ev.Agent
	return s.appendEvent(Event{
		Tick:   tick,
		Kind:   string(ev.Kind),
		Agent:  &id,
		Name:   ev.Name,
		Vendor: ev.Vendor,
		Detail: ev.Detail,
		Amount: ev.Amount,
	})
}

// appendEvent stamps ev and adds it to the ring. Caller holds mu.
func (s *Simulation) appendEvent(ev Event) Event {
	s.nextSeq++
	ev.Seq = s.nextSeq
	ev.Time = time.Now()
	s.events = append(s.events, ev)
	if over := len(s.events) - s.spec.EventBuffer; over > 0 {
		s.events = append(s.events[:0], s.events[over:]...)
	}
	return ev
}

func (s *Simulation) pollNames(tick uint64) []Event {
	if len(s.names) == 0 {
		return nil
	}
	var out []Event
	for _, c := range s.ctrls {
		a := c.Agent()
		f, ok := s.names[a.ID]
		if !ok {
			continue
		}
		res, ok := f.Result()
		if !ok {
			continue
		}
		delete(s.names, a.ID)
		var reply llm.NameReply
		if err := res.Decode(&reply); err != nil {
			slog.Debug("tourist keeps default name", "agent", a.Name, "error", err)
			continue
		}
		name := strings.TrimSpace(reply.Name)
		if name == "" {
			continue
		}
		old, id := a.Name, a.ID
		a.Name = name
		out = append(out, s.appendEvent(Event{Tick: tick, Kind: "named", Agent: &id, Name: name, Detail: old}))
	}
	return out
}

// startHawking asks every idle vendor without a pending shout for one.
func (s *Simulation) startHawking() {
	if s.gateway == nil {
		return
	}
	for _, v := range s.Vendors.All() {
		if _, pending := s.hawks[v.Name]; pending || v.Wait() > 0 {
			continue
		}
		item, _ := s.Catalog.Lookup(v.Name)
		s.hawks[v.Name] = s.gateway.Submit(llm.HawkingRequest(v.Name, v.Product, item.Persona, v.Price))
	}
}

func (s *Simulation) pollHawks(tick uint64) []Event {
	if len(s.hawks) == 0 {
		return nil
	}
	var out []Event
	for _, v := range s.Vendors.All() {
		f, ok := s.hawks[v.Name]
		if !ok {
			continue
		}
		res, ok := f.Result()
		if !ok {
			continue
		}
		delete(s.hawks, v.Name)
		text := llm.DefaultHawking(v.Product, v.Price)
		var h llm.Hawking
		if err := res.Decode(&h); err == nil && strings.TrimSpace(h.HawkingText) != "" {
			text = strings.TrimSpace(h.HawkingText)
		}
		v.SetShout(text, tick)
		out = append(out, s.appendEvent(Event{Tick: tick, Kind: "hawking", Vendor: v.Name, Detail: text}))
	}
	return out
}

// updateStats recomputes the counters. Caller holds mu.
func (s *Simulation) updateStats() {
	st := Stats{Tourists: len(s.ctrls)}
	for _, c := range s.ctrls {
		a := c.Agent()
		switch a.State {
		case agents.StateIdle:
			st.Home++
		case agents.StateQueued:
			st.Queued++
		}
		bought := len(a.Ledger.Purchases())
		st.Purchases += bought
		st.Revenue += a.Ledger.Spent()
		st.Unreachable += a.Unreachable.Size()
		st.Dialogues += a.Diary.Len() - bought // one spending entry per purchase
	}
	s.stats = st
}

// Done reports whether every tourist is home.
func (s *Simulation) Done() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// DoneTick returns the tick on which the last tourist got home, 0 before then.
func (s *Simulation) DoneTick() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doneTick
}

// CurrentTick returns the most recently processed tick.
func (s *Simulation) CurrentTick() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTick
}

// Stats returns the latest counters.
func (s *Simulation) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Snapshot copies the whole observable state.
func (s *Simulation) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Tick:    s.lastTick,
		Done:    s.done,
		Stats:   s.stats,
		Agents:  make([]agents.View, 0, len(s.ctrls)),
		Vendors: s.Vendors.Snapshot(),
	}
	for _, c := range s.ctrls {
		snap.Agents = append(snap.Agents, c.View())
	}
	return snap
}

// Agent returns one tourist's view.
func (s *Simulation) Agent(id events.AgentID) (agents.View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.index[id]
	if !ok {
		return agents.View{}, false
	}
	return c.View(), true
}

// Diary returns a copy of one tourist's diary.
func (s *Simulation) Diary(id events.AgentID) ([]ledger.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return c.Agent().Diary.Entries(), true
}

// Diaries returns every tourist's diary keyed by ID.
func (s *Simulation) Diaries() map[events.AgentID][]ledger.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[events.AgentID][]ledger.Entry, len(s.ctrls))
	for _, c := range s.ctrls {
		a := c.Agent()
		out[a.ID] = a.Diary.Entries()
	}
	return out
}

// RecentEvents returns up to n of the newest events, oldest first.
func (s *Simulation) RecentEvents(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.events) {
		n = len(s.events)
	}
	return append([]Event(nil), s.events[len(s.events)-n:]...)
}

// Cancel sends every tourist home, leaving any wait list it is on.
func (s *Simulation) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.ctrls {
		c.Cancel()
	}
	slog.Info("fair closing early, tourists sent home")
}

// Subscribe returns a channel receiving every new event. Slow subscribers miss
// events rather than stalling the tick.
func (s *Simulation) Subscribe(buffer int) (int, <-chan Event) {
	if buffer <= 0 {
		buffer = 64
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSub++
	ch := make(chan Event, buffer)
	s.subs[s.nextSub] = ch
	return s.nextSub, ch
}

// Unsubscribe closes and forgets a subscription.
func (s *Simulation) Unsubscribe(id int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

func (s *Simulation) broadcast(evs []Event) {
	if len(evs) == 0 {
		return
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ev := range evs {
		for _, ch := range s.subs {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
