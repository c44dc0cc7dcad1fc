package agents

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/talgya/temple-fair/internal/catalog"
	"github.com/talgya/temple-fair/internal/events"
	"github.com/talgya/temple-fair/internal/ledger"
	"github.com/talgya/temple-fair/internal/llm"
	"github.com/talgya/temple-fair/internal/market"
	"github.com/talgya/temple-fair/internal/world"
)

// ErrUnreachable is reported when no path to a vendor survives the retry budget.
var ErrUnreachable = errors.New("vendor unreachable")

// Gateway is the slice of the service gateway the controller needs.
type Gateway interface {
	Submit(req llm.Request) *llm.Future
	Blessing(cat llm.Category, persona string) *llm.Future
}

// Tuning holds behavior constants.
type Tuning struct {
	Speed              float64 // tiles per tick
	MaxRounds          int     // vendor lines per negotiation
	PathRetries        int     // jittered re-plans after a failed path
	HomeJitter         int     // max tile offset of the home goal
	SettleTicks        int     // pause after each stall
	BargainFloor       float64 // lowest accepted fraction of list price
	DelegateDecisions  bool    // ask the service when every stall is busy
	FireworkVendor     string  // stall preferred at FireworkPreference, blessing on purchase
	FireworkPreference float64
}

// DefaultTuning returns the stock behavior.
func DefaultTuning() Tuning {
	return Tuning{
		Speed:              0.5,
		MaxRounds:          3,
		PathRetries:        3,
		HomeJitter:         2,
		SettleTicks:        2,
		BargainFloor:       0.7,
		DelegateDecisions:  true,
		FireworkVendor:     "爆竹秦",
		FireworkPreference: 0.5,
	}
}

// Env is everything a controller shares with the rest of the fair.
type Env struct {
	Grid    *world.Grid
	Vendors *market.Directory
	Catalog *catalog.Catalog
	Gateway Gateway
	Bus     *events.Bus
	Tuning  Tuning
}

// EventKind classifies controller events.
type EventKind string

const (
	EventSelected    EventKind = "selected"
	EventDecision    EventKind = "decision"
	EventQueued      EventKind = "queued"
	EventGranted     EventKind = "granted"
	EventSpoke       EventKind = "spoke"
	EventPurchase    EventKind = "purchase"
	EventLeft        EventKind = "left"
	EventUnreachable EventKind = "unreachable"
	EventBlessing    EventKind = "blessing"
	EventHome        EventKind = "home"
)

// Event is something observable a controller did this tick.
type Event struct {
	Agent  AgentID   `json:"agent"`
	Name   string    `json:"name"`
	Kind   EventKind `json:"kind"`
	Vendor string    `json:"vendor,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Amount uint64    `json:"amount,omitempty"`
}

// Controller drives one tourist. Update is called once per tick from a single
// goroutine; the controller never blocks on the network.
type Controller struct {
	agent *Agent
	env   *Env
	rng   *rand.Rand
	inbox <-chan events.Event

	target    *market.Vendor
	goal      world.Tile
	planned   bool // a path to goal has been found
	pathFails int
	queuePos  int

	decision     *llm.Future
	decisionPool []*market.Vendor

	neg *negotiation

	settleOutcome outcome
	settleWait    int

	blessing *llm.Future

	tick uint64
	out  []Event
}

// NewController registers the tourist's mailbox and starts it in Selecting.
func NewController(a *Agent, env *Env, seed int64) *Controller {
	c := &Controller{
		agent:    a,
		env:      env,
		rng:      rand.New(rand.NewSource(seed + int64(a.ID)*7919)),
		queuePos: -1,
	}
	if env.Bus != nil {
		c.inbox = env.Bus.Register(a.ID)
	}
	a.State = StateSelecting
	return c
}

// Agent returns the controlled tourist.
func (c *Controller) Agent() *Agent { return c.agent }

// Update advances the state machine by one tick and returns what happened.
func (c *Controller) Update(tick uint64) []Event {
	c.tick = tick
	c.out = c.out[:0]
	a := c.agent

	c.drainInbox()
	c.pollBlessing()

	switch a.State {
	case StateSelecting:
		c.selecting()
	case StateTraveling:
		c.traveling()
	case StateQueued:
		c.queued()
	case StateInteracting:
		c.interacting()
	case StateSettling:
		c.settling()
	case StateReturningHome:
		c.returningHome()
	case StateIdle:
	}

	if len(c.out) == 0 {
		return nil
	}
	return append([]Event(nil), c.out...)
}

func (c *Controller) emit(kind EventKind, vendor, detail string, amount uint64) {
	c.out = append(c.out, Event{Agent: c.agent.ID, Name: c.agent.Name, Kind: kind, Vendor: vendor, Detail: detail, Amount: amount})
}

// drainInbox handles grant messages. A grant for a vendor we no longer wait
// on is handed straight back.
func (c *Controller) drainInbox() {
	if c.inbox == nil {
		return
	}
	for {
		select {
		case ev, ok := <-c.inbox:
			if !ok {
				c.inbox = nil
				return
			}
			c.handleMessage(ev)
		default:
			return
		}
	}
}

func (c *Controller) handleMessage(ev events.Event) {
	if ev.Kind != events.KindGranted {
		return
	}
	a := c.agent
	if a.State == StateQueued && c.target != nil && c.target.Name == ev.Vendor {
		c.startInteraction()
		c.emit(EventGranted, ev.Vendor, "", 0)
		return
	}
	v, ok := c.env.Vendors.Get(ev.Vendor)
	if !ok {
		return
	}
	if err := v.Release(a.ID); err != nil {
		slog.Warn("stale grant release failed", "agent", a.Name, "vendor", ev.Vendor, "error", err)
		return
	}
	slog.Debug("released stale grant", "agent", a.Name, "vendor", ev.Vendor)
}

func (c *Controller) pollBlessing() {
	if c.blessing == nil {
		return
	}
	res, ok := c.blessing.Result()
	if !ok {
		return
	}
	c.blessing = nil
	c.agent.Remark = res.Text
	c.emit(EventBlessing, c.env.Tuning.FireworkVendor, res.Text, 0)
}

// --- Selecting ---

func (c *Controller) eligible() []*market.Vendor {
	a := c.agent
	var out []*market.Vendor
	for _, v := range c.env.Vendors.All() {
		if a.Visited.Has(v.Name) || a.Unreachable.Has(v.Name) || a.Ledger.HasPurchased(v.Name) {
			continue
		}
		if v.Price == 0 || !a.Ledger.CanAfford(v.Price) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func (c *Controller) selecting() {
	a := c.agent
	t := c.env.Tuning

	if c.decision != nil {
		c.awaitDecision()
		return
	}

	pool := c.eligible()
	if len(pool) == 0 {
		c.goHome()
		return
	}

	if t.FireworkVendor != "" {
		for _, v := range pool {
			if v.Name == t.FireworkVendor && c.rng.Float64() < t.FireworkPreference {
				c.choose(v, "过年要放烟花才热闹！")
				return
			}
		}
	}

	least, minWait := leastBusy(pool)
	if minWait == 0 || !t.DelegateDecisions || c.env.Gateway == nil {
		c.choose(least[c.rng.Intn(len(least))], "")
		return
	}

	opts := make([]llm.VendorOption, 0, len(pool))
	for _, v := range pool {
		opts = append(opts, llm.VendorOption{Name: v.Name, Product: v.Product, Price: v.Price})
	}
	c.decisionPool = least
	c.decision = c.env.Gateway.Submit(llm.DecisionRequest(llm.DecisionContext{
		Tourist:  a.Profile.Name,
		Persona:  a.Profile.Persona,
		Balance:  a.Ledger.Balance(),
		Options:  opts,
		Firework: t.FireworkVendor,
	}))
}

func (c *Controller) awaitDecision() {
	res, ok := c.decision.Result()
	if !ok {
		return
	}
	c.decision = nil
	least := c.decisionPool
	c.decisionPool = nil

	var d llm.Decision
	if err := res.Decode(&d); err == nil {
		for _, v := range c.eligible() {
			if v.Name == d.SelectedNPC {
				c.emit(EventDecision, v.Name, d.Reason, 0)
				c.choose(v, d.Reason)
				return
			}
		}
		slog.Debug("decision named an ineligible vendor", "agent", c.agent.Name, "vendor", d.SelectedNPC)
	} else {
		slog.Debug("decision failed, picking least busy", "agent", c.agent.Name, "error", err)
	}

	// Eligibility can change while waiting; fall back to a fresh least-busy pick.
	pool := c.eligible()
	if len(pool) == 0 {
		c.goHome()
		return
	}
	fresh, _ := leastBusy(pool)
	if len(fresh) == 0 {
		fresh = least
	}
	c.choose(fresh[c.rng.Intn(len(fresh))], llm.DefaultDecisionWhy)
}

func leastBusy(pool []*market.Vendor) ([]*market.Vendor, int) {
	minWait := math.MaxInt
	var least []*market.Vendor
	for _, v := range pool {
		w := v.Wait()
		switch {
		case w < minWait:
			minWait = w
			least = append(least[:0], v)
		case w == minWait:
			least = append(least, v)
		}
	}
	return least, minWait
}

func (c *Controller) choose(v *market.Vendor, reason string) {
	a := c.agent
	c.target = v
	a.Target = v.Name
	a.State = StateTraveling
	c.pathFails = 0
	c.planned = false

	goal, ok := approachTile(c.env.Grid, v.Stall)
	if !ok {
		goal = v.Stall
	}
	c.setGoal(goal)

	slog.Info("tourist chose vendor", "agent", a.Name, "vendor", v.Name, "wait", v.Wait(), "reason", reason)
	c.emit(EventSelected, v.Name, reason, 0)
}

// approachRing is tried in order around a stall for the spot to stand on.
var approachRing = []struct{ dx, dy int }{
	{0, 2}, {0, -2}, {-2, 0}, {2, 0},
	{0, 1}, {0, -1}, {-1, 0}, {1, 0},
	{-1, -1}, {1, -1}, {-1, 1}, {1, 1},
}

// approachTile returns the first walkable tile of the ring around stall.
func approachTile(g *world.Grid, stall world.Tile) (world.Tile, bool) {
	for _, o := range approachRing {
		t := stall.Add(o.dx, o.dy)
		if g.Walkable(t) {
			return t, true
		}
	}
	return world.Tile{}, false
}

// --- Movement ---

func (c *Controller) setGoal(t world.Tile) {
	c.goal = t
	c.planned = false
	c.agent.Path = nil
}

// plan finds a path to the current goal. On failure it jitters the goal by up
// to r tiles around base and counts the miss; it reports false once the retry
// budget is spent.
func (c *Controller) plan(base world.Tile, r int) bool {
	if c.planned {
		return true
	}
	a := c.agent
	path, ok := c.env.Grid.FindPath(a.Tile(), c.goal)
	if ok {
		a.Path = path
		c.planned = true
		return true
	}
	c.pathFails++
	if c.pathFails > c.env.Tuning.PathRetries {
		return false
	}
	c.goal = c.jitter(base, r)
	slog.Debug("path failed, retrying nearby", "agent", a.Name, "goal", c.goal, "attempt", c.pathFails)
	return true
}

// jitter picks a random walkable tile within r of base, or base itself.
func (c *Controller) jitter(base world.Tile, r int) world.Tile {
	if r <= 0 {
		return base
	}
	t := base.Add(c.rng.Intn(2*r+1)-r, c.rng.Intn(2*r+1)-r)
	if c.env.Grid.Walkable(t) {
		return t
	}
	return base
}

func (c *Controller) traveling() {
	a := c.agent
	v := c.target
	base, ok := approachTile(c.env.Grid, v.Stall)
	if !ok {
		base = v.Stall
	}

	if !c.plan(base, 1) {
		c.markUnreachable(v)
		return
	}
	if !c.planned {
		return // retry next tick
	}
	a.advance(c.env.Tuning.Speed)
	if !a.arrived() {
		return
	}

	err := v.TryAcquire(a.ID)
	if err == nil {
		c.startInteraction()
		return
	}
	if !errors.Is(err, market.ErrVendorBusy) {
		slog.Warn("acquire failed", "agent", a.Name, "vendor", v.Name, "error", err)
		return
	}
	c.queuePos = v.Enqueue(a.ID)
	a.State = StateQueued
	c.setGoal(c.queueTile(v, c.queuePos))
	slog.Info("tourist queued", "agent", a.Name, "vendor", v.Name, "position", c.queuePos)
	c.emit(EventQueued, v.Name, fmt.Sprintf("position %d", c.queuePos), 0)
}

func (c *Controller) markUnreachable(v *market.Vendor) {
	a := c.agent
	a.Unreachable.Put(v.Name)
	a.Path = nil
	err := fmt.Errorf("%s to %s after %d attempts: %w", a.Name, v.Name, c.pathFails, ErrUnreachable)
	slog.Warn("vendor unreachable", "agent", a.Name, "vendor", v.Name, "error", err)
	c.emit(EventUnreachable, v.Name, err.Error(), 0)
	c.clearTarget()
	a.State = StateSelecting
}

func (c *Controller) clearTarget() {
	c.target = nil
	c.agent.Target = ""
	c.queuePos = -1
	c.pathFails = 0
}

// --- Queued ---

// queueTile places waiter pos at 2+pos tiles from the stall, on the side the
// tourist came from.
func (c *Controller) queueTile(v *market.Vendor, pos int) world.Tile {
	a := c.agent
	dx, dy := a.X-float64(v.Stall.X), a.Y-float64(v.Stall.Y)
	d := math.Hypot(dx, dy)
	if d == 0 {
		dx, dy, d = 0, 1, 1
	}
	dist := float64(2 + max(pos, 0))
	want := world.Tile{
		X: v.Stall.X + int(math.Round(dx/d*dist)),
		Y: v.Stall.Y + int(math.Round(dy/d*dist)),
	}
	if t, ok := c.env.Grid.NearestWalkable(want, 3); ok {
		return t
	}
	return a.Tile()
}

func (c *Controller) queued() {
	a := c.agent
	v := c.target

	pos, waiting := v.PositionOf(a.ID)
	if !waiting {
		// Dropped from the list without a grant: choose again.
		if h, held := v.Holder(); !held || h != a.ID {
			slog.Warn("lost queue place", "agent", a.Name, "vendor", v.Name)
			c.clearTarget()
			a.State = StateSelecting
		}
		return
	}
	if pos != c.queuePos {
		c.queuePos = pos
		c.setGoal(c.queueTile(v, pos))
	}
	if !c.planned {
		if path, ok := c.env.Grid.FindPath(a.Tile(), c.goal); ok {
			a.Path = path
		} else {
			c.goal = a.Tile() // wait where we stand
		}
		c.planned = true
	}
	a.advance(c.env.Tuning.Speed)
}

// --- Interacting ---

func (c *Controller) startInteraction() {
	a := c.agent
	v := c.target
	a.State = StateInteracting
	c.queuePos = -1

	// Walk up to the stall while talking.
	if goal, ok := approachTile(c.env.Grid, v.Stall); ok && goal != a.Tile() {
		c.setGoal(goal)
		c.pathFails = 0
		if path, ok := c.env.Grid.FindPath(a.Tile(), goal); ok {
			a.Path = path
			c.planned = true
		}
	}

	item, err := c.env.Catalog.Lookup(v.Name)
	if err != nil {
		slog.Debug("catalog entry missing, using neutral stock", "vendor", v.Name)
	}
	c.neg = newNegotiation(v, item.Persona, c.env.Tuning)
	slog.Info("tourist at stall", "agent", a.Name, "vendor", v.Name, "price", v.Price)
}

func (c *Controller) interacting() {
	a := c.agent
	a.advance(c.env.Tuning.Speed)

	if done := c.neg.step(c); !done {
		return
	}
	v := c.target
	c.settleOutcome = c.neg.result
	c.neg = nil

	a.Visited.Put(v.Name)
	if err := v.Release(a.ID); err != nil {
		slog.Warn("release failed", "agent", a.Name, "vendor", v.Name, "error", err)
	}
	a.State = StateSettling
	c.settleWait = c.env.Tuning.SettleTicks
	c.applySettlement()
}

// --- Settling ---

func (c *Controller) applySettlement() {
	a := c.agent
	v := c.target
	o := c.settleOutcome

	if o.action != llm.ActionBuy {
		slog.Info("tourist left without buying", "agent", a.Name, "vendor", v.Name)
		c.emit(EventLeft, v.Name, "", 0)
		return
	}
	err := a.Ledger.Debit(ledger.Purchase{Vendor: v.Name, Product: v.Product, Price: o.price, Tick: c.tick})
	if err != nil {
		slog.Warn("purchase downgraded to leave", "agent", a.Name, "vendor", v.Name, "error", err)
		c.emit(EventLeft, v.Name, err.Error(), 0)
		return
	}
	a.Diary.AddSpending(c.tick, v.Name, "购买了"+v.Product, o.price)
	slog.Info("tourist bought", "agent", a.Name, "vendor", v.Name, "price", o.price, "balance", a.Ledger.Balance())
	c.emit(EventPurchase, v.Name, v.Product, o.price)

	if t := c.env.Tuning; t.FireworkVendor != "" && v.Name == t.FireworkVendor && c.env.Gateway != nil {
		c.blessing = c.env.Gateway.Blessing(llm.CategoryFirework, a.Profile.Persona)
		c.pollBlessing()
	}
}

func (c *Controller) settling() {
	if c.settleWait > 0 {
		c.settleWait--
		return
	}
	c.clearTarget()
	c.agent.State = StateSelecting
}

// --- Returning home ---

func (c *Controller) goHome() {
	a := c.agent
	if c.target != nil {
		if c.target.Remove(a.ID) {
			slog.Debug("left wait list", "agent", a.Name, "vendor", c.target.Name)
		}
		c.clearTarget()
	}
	a.State = StateReturningHome
	c.pathFails = 0
	goal := c.jitter(a.Home, c.env.Tuning.HomeJitter)
	c.setGoal(goal)
	slog.Info("tourist heading home", "agent", a.Name, "balance", a.Ledger.Balance(), "spent", a.Ledger.Spent())
}

func (c *Controller) returningHome() {
	a := c.agent
	if !c.plan(a.Home, c.env.Tuning.HomeJitter) {
		slog.Warn("no path home, staying put", "agent", a.Name, "home", a.Home)
		c.finish()
		return
	}
	if !c.planned {
		return
	}
	a.advance(c.env.Tuning.Speed)
	if a.arrived() {
		c.finish()
	}
}

func (c *Controller) finish() {
	a := c.agent
	a.State = StateIdle
	a.Path = nil
	if c.env.Bus != nil {
		c.env.Bus.Unregister(a.ID)
		c.inbox = nil
	}
	slog.Info("tourist home", "agent", a.Name, "spent", a.Ledger.Spent(), "purchases", len(a.Ledger.Purchases()))
	c.emit(EventHome, "", "", a.Ledger.Spent())
}

// Cancel pulls the tourist out of any wait list and sends it home, used at
// shutdown or when the fair closes early.
func (c *Controller) Cancel() {
	a := c.agent
	switch a.State {
	case StateIdle, StateReturningHome:
		return
	case StateInteracting, StateSettling:
		if c.target != nil {
			_ = c.target.Release(a.ID)
		}
		c.neg = nil
	}
	c.decision = nil
	c.goHome()
}

// View copies the tourist's observable state.
func (c *Controller) View() View {
	a := c.agent
	pos := -1
	if a.State == StateQueued && c.target != nil {
		if p, ok := c.target.PositionOf(a.ID); ok {
			pos = p
		}
	}
	return View{
		ID:          a.ID,
		Name:        a.Name,
		Persona:     a.Profile.Persona,
		X:           a.X,
		Y:           a.Y,
		Home:        a.Home,
		State:       a.State,
		Target:      a.Target,
		QueuePos:    pos,
		Balance:     a.Ledger.Balance(),
		Spent:       a.Ledger.Spent(),
		Purchases:   len(a.Ledger.Purchases()),
		Visited:     setSlice(a.Visited),
		Unreachable: setSlice(a.Unreachable),
		Remark:      a.Remark,
	}
}
