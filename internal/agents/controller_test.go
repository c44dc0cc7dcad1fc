package agents

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/talgya/temple-fair/internal/catalog"
	"github.com/talgya/temple-fair/internal/events"
	"github.com/talgya/temple-fair/internal/ledger"
	"github.com/talgya/temple-fair/internal/llm"
	"github.com/talgya/temple-fair/internal/market"
	"github.com/talgya/temple-fair/internal/world"
)

// fakeGateway answers from per-kind scripts; an empty script fails the request.
type fakeGateway struct {
	replies   map[llm.Kind][]string
	submitted []llm.Kind
	requests  []llm.Request
	blessings int
}

func (f *fakeGateway) Submit(req llm.Request) *llm.Future {
	f.submitted = append(f.submitted, req.Kind)
	f.requests = append(f.requests, req)
	q := f.replies[req.Kind]
	if len(q) == 0 {
		return llm.Resolved(llm.Result{Kind: req.Kind, Err: llm.ErrServiceUnavailable})
	}
	f.replies[req.Kind] = q[1:]
	return llm.Resolved(llm.Result{Kind: req.Kind, Text: q[0], JSON: json.RawMessage(q[0])})
}

func (f *fakeGateway) Blessing(cat llm.Category, persona string) *llm.Future {
	f.blessings++
	return llm.Resolved(llm.Result{Kind: llm.KindBlessing, Text: "马到成功", Cached: true})
}

func testTuning() Tuning {
	t := DefaultTuning()
	t.FireworkVendor = ""
	t.Speed = 1
	t.SettleTicks = 0
	return t
}

type fixture struct {
	env   *Env
	ctrls []*Controller
}

type stall struct {
	name, product string
	price         uint64
	x, y          int
}

func newFixture(t *testing.T, rows []string, gw Gateway, tuning Tuning, stalls ...stall) (*fixture, []*market.Vendor) {
	t.Helper()
	g, err := world.ParseGrid(rows)
	if err != nil {
		t.Fatalf("ParseGrid: %v", err)
	}
	bus := events.NewBus(8)
	vendors := make([]*market.Vendor, 0, len(stalls))
	for _, s := range stalls {
		vendors = append(vendors, market.NewVendor(s.name, s.product, s.price, world.Tile{X: s.x, Y: s.y}, bus))
	}
	dir, err := market.NewDirectory(vendors...)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	return &fixture{env: &Env{
		Grid:    g,
		Vendors: dir,
		Catalog: catalog.Default(),
		Gateway: gw,
		Bus:     bus,
		Tuning:  tuning,
	}}, vendors
}

func (f *fixture) add(id AgentID, home world.Tile, money uint64) *Controller {
	a := NewAgent(id, DefaultName(id), catalog.Profile{Name: "学生", Persona: "好奇"}, home, money)
	c := NewController(a, f.env, 7)
	f.ctrls = append(f.ctrls, c)
	return c
}

// run ticks every controller until all are home or maxTicks pass.
func (f *fixture) run(t *testing.T, maxTicks int, each func(tick uint64)) []Event {
	t.Helper()
	var out []Event
	for tick := uint64(1); tick <= uint64(maxTicks); tick++ {
		done := true
		for _, c := range f.ctrls {
			out = append(out, c.Update(tick)...)
			if !c.Agent().Done() {
				done = false
			}
		}
		if each != nil {
			each(tick)
		}
		if done {
			return out
		}
	}
	t.Fatalf("agents not home after %d ticks", maxTicks)
	return nil
}

func countKind(evs []Event, kind EventKind) int {
	n := 0
	for _, e := range evs {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

var openRoom = []string{
	"#######",
	"#.....#",
	"#.....#",
	"#.....#",
	"#.....#",
	"#######",
}

func TestControllerBuysAtListPriceWhenServiceDown(t *testing.T) {
	f, vs := newFixture(t, openRoom, nil, testTuning(), stall{"糖葫芦张", "冰糖葫芦", 30, 3, 1})
	v := vs[0]
	c := f.add(1, world.Tile{X: 1, Y: 4}, 100)

	evs := f.run(t, 200, nil)
	a := c.Agent()
	if a.Ledger.Balance() != 70 || a.Ledger.Spent() != 30 {
		t.Fatalf("balance=%d spent=%d want=70,30", a.Ledger.Balance(), a.Ledger.Spent())
	}
	if !a.Visited.Has(v.Name) || v.Busy() {
		t.Fatalf("visited=%v busy=%v", a.Visited.Has(v.Name), v.Busy())
	}
	var dialogue, spending int
	for _, e := range a.Diary.Entries() {
		switch e.Kind {
		case ledger.KindDialogue:
			dialogue++
		case ledger.KindSpending:
			spending++
			if e.Amount != 30 {
				t.Fatalf("spending amount=%d", e.Amount)
			}
		}
	}
	if dialogue != 2 || spending != 1 {
		t.Fatalf("dialogue=%d spending=%d want=2,1", dialogue, spending)
	}
	if countKind(evs, EventPurchase) != 1 || countKind(evs, EventHome) != 1 {
		t.Fatalf("events=%+v", evs)
	}
	if err := f.env.Bus.Publish(events.Event{Kind: events.KindGranted, Agent: 1}); !errors.Is(err, events.ErrAgentNotRegistered) {
		t.Fatalf("mailbox still registered after going home: %v", err)
	}
}

func TestControllerSkipsUnaffordable(t *testing.T) {
	f, _ := newFixture(t, openRoom, nil, testTuning(), stall{"灯笼刘", "孔明灯", 30, 3, 1})
	c := f.add(1, world.Tile{X: 1, Y: 4}, 10)

	evs := f.run(t, 20, nil)
	if countKind(evs, EventSelected) != 0 || c.Agent().Ledger.Balance() != 10 {
		t.Fatalf("events=%+v balance=%d", evs, c.Agent().Ledger.Balance())
	}
}

func TestControllerQueuesAndIsGranted(t *testing.T) {
	f, vs := newFixture(t, openRoom, nil, testTuning(), stall{"面人李", "面人", 30, 3, 1})
	v := vs[0]
	c1 := f.add(1, world.Tile{X: 1, Y: 4}, 100)
	c2 := f.add(2, world.Tile{X: 5, Y: 4}, 100)

	sawQueue := false
	evs := f.run(t, 300, func(uint64) {
		talking := 0
		for _, c := range f.ctrls {
			view := c.View()
			if view.State == StateQueued && view.QueuePos == 0 {
				sawQueue = true
			}
			if view.State == StateInteracting {
				talking++
				if h, ok := v.Holder(); !ok || h != view.ID {
					t.Fatalf("%s talking without holding the stall", view.Name)
				}
			}
		}
		if talking > 1 {
			t.Fatalf("%d tourists at one stall", talking)
		}
	})
	if !sawQueue || countKind(evs, EventQueued) != 1 || countKind(evs, EventGranted) != 1 {
		t.Fatalf("sawQueue=%v events=%+v", sawQueue, evs)
	}
	for _, c := range []*Controller{c1, c2} {
		if c.Agent().Ledger.Spent() != 30 {
			t.Fatalf("%s spent=%d", c.Agent().Name, c.Agent().Ledger.Spent())
		}
	}
	if got := v.Snapshot().Served; got != 2 {
		t.Fatalf("served=%d want=2", got)
	}
}

// island walls off the stall at (4,4); the other stall sits on the open ring.
var island = []string{
	"#########",
	"#.......#",
	"#.#####.#",
	"#.#...#.#",
	"#.#...#.#",
	"#.#...#.#",
	"#.#####.#",
	"#.......#",
	"#########",
}

func TestControllerMarksIslandUnreachable(t *testing.T) {
	f, vs := newFixture(t, island, nil, testTuning(),
		stall{"灯笼刘", "孔明灯", 20, 4, 4},
		stall{"茶汤王", "茶汤", 10, 1, 4},
	)
	walled, open := vs[0], vs[1]
	c := f.add(1, world.Tile{X: 1, Y: 1}, 100)

	evs := f.run(t, 300, nil)
	a := c.Agent()
	if got := setSlice(a.Unreachable); len(got) != 1 || got[0] != walled.Name {
		t.Fatalf("unreachable=%v", got)
	}
	if got := setSlice(a.Visited); len(got) != 1 || got[0] != open.Name {
		t.Fatalf("visited=%v", got)
	}
	var unreachable []Event
	for _, e := range evs {
		if e.Kind == EventUnreachable {
			unreachable = append(unreachable, e)
		}
	}
	if len(unreachable) != 1 || !strings.Contains(unreachable[0].Detail, "after 4 attempts") {
		t.Fatalf("unreachable events=%+v", unreachable)
	}
	if a.Ledger.Spent() != 10 {
		t.Fatalf("spent=%d want=10", a.Ledger.Spent())
	}
}

func TestNegotiationScripted(t *testing.T) {
	gw := &fakeGateway{replies: map[llm.Kind][]string{
		llm.KindTrade: {
			`{"npcText":"来一串？","finalPrice":30,"canBuy":true,"isEnd":false}`,
			`{"npcText":"最低二十五","finalPrice":25,"canBuy":true,"isEnd":true}`,
		},
		llm.KindReply: {
			`{"touristText":"便宜点？","action":"bargain","targetPrice":10}`,
		},
	}}
	f, _ := newFixture(t, openRoom, gw, testTuning(), stall{"糖葫芦张", "冰糖葫芦", 30, 3, 1})
	c := f.add(1, world.Tile{X: 1, Y: 4}, 100)

	f.run(t, 200, nil)
	a := c.Agent()
	if a.Ledger.Spent() != 25 {
		t.Fatalf("spent=%d want=25", a.Ledger.Spent())
	}
	var lines []string
	for _, e := range a.Diary.Entries() {
		if e.Kind == ledger.KindDialogue {
			lines = append(lines, e.Content)
		}
	}
	want := []string{"来一串？", "便宜点？", "最低二十五"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("dialogue=%v want=%v", lines, want)
	}
}

func TestNegotiationSecondBargainBuys(t *testing.T) {
	gw := &fakeGateway{replies: map[llm.Kind][]string{
		llm.KindTrade: {
			`{"npcText":"三十","finalPrice":30,"canBuy":true,"isEnd":false}`,
			`{"npcText":"十块！","finalPrice":5,"canBuy":true,"isEnd":false}`,
		},
		llm.KindReply: {
			`{"touristText":"砍一刀","action":"bargain","targetPrice":20}`,
			`{"touristText":"再砍","action":"bargain","targetPrice":15}`,
		},
	}}
	f, _ := newFixture(t, openRoom, gw, testTuning(), stall{"糖葫芦张", "冰糖葫芦", 30, 3, 1})
	c := f.add(1, world.Tile{X: 1, Y: 4}, 100)

	f.run(t, 200, nil)
	// The vendor's 5 is clamped to the 70% floor.
	if got := c.Agent().Ledger.Spent(); got != 21 {
		t.Fatalf("spent=%d want=21", got)
	}
}

// The tourist's counter-offer goes to the vendor but never replaces the
// vendor's own quote.
func TestNegotiationKeepsVendorQuote(t *testing.T) {
	tests := []struct {
		name      string
		second    []string
		maxRounds int
	}{
		{name: "vendor request fails", maxRounds: 3},
		{name: "vendor omits price at round cap", second: []string{`{"npcText":"再想想","isEnd":false}`}, maxRounds: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trades := append([]string{`{"npcText":"三十","finalPrice":30,"canBuy":true,"isEnd":false}`}, tt.second...)
			gw := &fakeGateway{replies: map[llm.Kind][]string{
				llm.KindTrade: trades,
				llm.KindReply: {`{"touristText":"二十一吧","action":"bargain","targetPrice":21}`},
			}}
			tuning := testTuning()
			tuning.MaxRounds = tt.maxRounds
			f, _ := newFixture(t, openRoom, gw, tuning, stall{"糖葫芦张", "冰糖葫芦", 30, 3, 1})
			c := f.add(1, world.Tile{X: 1, Y: 4}, 100)

			f.run(t, 200, nil)
			if got := c.Agent().Ledger.Spent(); got != 30 {
				t.Fatalf("spent=%d want=30", got)
			}

			var trade []llm.Request
			for _, r := range gw.requests {
				if r.Kind == llm.KindTrade {
					trade = append(trade, r)
				}
			}
			if len(trade) != 2 {
				t.Fatalf("trade requests=%d want=2", len(trade))
			}
			if strings.Contains(trade[0].Messages[0].Content, "游客希望以") {
				t.Fatal("first round carried a counter-offer")
			}
			if !strings.Contains(trade[1].Messages[0].Content, "游客希望以21元成交") {
				t.Fatalf("second round system prompt lacks the counter-offer: %q", trade[1].Messages[0].Content)
			}
		})
	}
}

func TestNegotiationCanBuy(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		spent uint64
	}{
		{name: "missing canBuy sells", line: `{"npcText":"成交，二十八","finalPrice":28,"isEnd":true}`, spent: 28},
		{name: "canBuy true sells", line: `{"npcText":"成交","finalPrice":28,"canBuy":true,"isEnd":true}`, spent: 28},
		{name: "canBuy false refuses", line: `{"npcText":"今天不卖了","finalPrice":28,"canBuy":false,"isEnd":true}`, spent: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{replies: map[llm.Kind][]string{llm.KindTrade: {tt.line}}}
			f, _ := newFixture(t, openRoom, gw, testTuning(), stall{"糖葫芦张", "冰糖葫芦", 30, 3, 1})
			c := f.add(1, world.Tile{X: 1, Y: 4}, 100)

			evs := f.run(t, 200, nil)
			if got := c.Agent().Ledger.Spent(); got != tt.spent {
				t.Fatalf("spent=%d want=%d", got, tt.spent)
			}
			wantPurchases := 0
			if tt.spent > 0 {
				wantPurchases = 1
			}
			if got := countKind(evs, EventPurchase); got != wantPurchases {
				t.Fatalf("purchases=%d want=%d", got, wantPurchases)
			}
		})
	}
}

func TestNegotiationRoundCap(t *testing.T) {
	gw := &fakeGateway{replies: map[llm.Kind][]string{
		llm.KindTrade: {
			`{"npcText":"三十","finalPrice":30,"canBuy":true,"isEnd":false}`,
			`{"npcText":"二十八","finalPrice":28,"canBuy":true,"isEnd":false}`,
		},
		llm.KindReply: {
			`{"touristText":"砍一刀","action":"bargain","targetPrice":25}`,
		},
	}}
	tuning := testTuning()
	tuning.MaxRounds = 2
	f, _ := newFixture(t, openRoom, gw, tuning, stall{"糖葫芦张", "冰糖葫芦", 30, 3, 1})
	c := f.add(1, world.Tile{X: 1, Y: 4}, 100)

	f.run(t, 200, nil)
	if got := c.Agent().Ledger.Spent(); got != 28 {
		t.Fatalf("spent=%d want=28", got)
	}
}

func TestNegotiationLeaveWhenShort(t *testing.T) {
	gw := &fakeGateway{replies: map[llm.Kind][]string{
		llm.KindTrade: {`{"npcText":"三十","finalPrice":30,"canBuy":true,"isEnd":false}`},
		llm.KindReply: {`{"touristText":"买了","action":"buy","targetPrice":30}`},
	}}
	f, vs := newFixture(t, openRoom, gw, testTuning(), stall{"糖葫芦张", "冰糖葫芦", 30, 3, 1})
	v := vs[0]
	c := f.add(1, world.Tile{X: 1, Y: 4}, 30)

	// Spend 5 behind the controller's back once it is talking.
	spent := false
	evs := f.run(t, 200, func(uint64) {
		if !spent && c.Agent().State == StateInteracting {
			_ = c.Agent().Ledger.Debit(ledger.Purchase{Vendor: "other", Price: 5})
			spent = true
		}
	})
	if countKind(evs, EventLeft) != 1 || countKind(evs, EventPurchase) != 0 {
		t.Fatalf("events=%+v", evs)
	}
	if c.Agent().Remark != llm.ShortOfMoneyText {
		t.Fatalf("remark=%q", c.Agent().Remark)
	}
	if !c.Agent().Visited.Has(v.Name) {
		t.Fatal("vendor not marked visited after leaving")
	}
}

func TestControllerDelegatesWhenAllBusy(t *testing.T) {
	gw := &fakeGateway{replies: map[llm.Kind][]string{
		llm.KindDecision: {`{"selectedNPC":"茶汤王","reason":"想喝口热的"}`},
	}}
	f, vs := newFixture(t, openRoom, gw, testTuning(),
		stall{"糖葫芦张", "冰糖葫芦", 8, 2, 1},
		stall{"茶汤王", "茶汤", 10, 4, 1},
	)
	a, b := vs[0], vs[1]
	_ = a.TryAcquire(90)
	_ = b.TryAcquire(91)
	c := f.add(1, world.Tile{X: 1, Y: 4}, 100)

	var evs []Event
	for tick := uint64(1); tick <= 3; tick++ {
		evs = append(evs, c.Update(tick)...)
	}
	if len(gw.submitted) == 0 || gw.submitted[0] != llm.KindDecision {
		t.Fatalf("submitted=%v", gw.submitted)
	}
	if countKind(evs, EventDecision) != 1 || c.Agent().Target != "茶汤王" {
		t.Fatalf("target=%q events=%+v", c.Agent().Target, evs)
	}
}

// A decision that fails or names a vendor the tourist cannot pick falls back
// to the least busy eligible stall.
func TestControllerDecisionFallback(t *testing.T) {
	tests := []struct {
		name    string
		replies []string
		setup   func(a *Agent)
	}{
		{name: "request fails"},
		{name: "unknown vendor", replies: []string{`{"selectedNPC":"无名摊","reason":"随便逛逛"}`}},
		{name: "unaffordable vendor", replies: []string{`{"selectedNPC":"灯笼刘","reason":"想放灯"}`}},
		{name: "visited vendor", replies: []string{`{"selectedNPC":"面人李","reason":"再看看"}`}, setup: func(a *Agent) {
			a.Visited.Put("面人李")
		}},
		{name: "already bought from", replies: []string{`{"selectedNPC":"面人李","reason":"再买一个"}`}, setup: func(a *Agent) {
			_ = a.Ledger.Debit(ledger.Purchase{Vendor: "面人李", Price: 5})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{replies: map[llm.Kind][]string{llm.KindDecision: tt.replies}}
			f, vs := newFixture(t, openRoom, gw, testTuning(),
				stall{"糖葫芦张", "冰糖葫芦", 8, 2, 1},
				stall{"茶汤王", "茶汤", 10, 4, 1},
				stall{"灯笼刘", "孔明灯", 500, 1, 1},
				stall{"面人李", "面人", 20, 5, 1},
			)
			candy, tea, dough := vs[0], vs[1], vs[3]
			_ = candy.TryAcquire(90)
			candy.Enqueue(92)
			_ = tea.TryAcquire(91)
			_ = dough.TryAcquire(93)
			dough.Enqueue(94)
			c := f.add(1, world.Tile{X: 1, Y: 4}, 100)
			if tt.setup != nil {
				tt.setup(c.Agent())
			}

			var evs []Event
			for tick := uint64(1); tick <= 3; tick++ {
				evs = append(evs, c.Update(tick)...)
			}
			if len(gw.submitted) == 0 || gw.submitted[0] != llm.KindDecision {
				t.Fatalf("submitted=%v", gw.submitted)
			}
			if got := c.Agent().Target; got != tea.Name {
				t.Fatalf("target=%q want=%q", got, tea.Name)
			}
			if n := countKind(evs, EventDecision); n != 0 {
				t.Fatalf("decision events=%d want=0", n)
			}
			var selected []Event
			for _, e := range evs {
				if e.Kind == EventSelected {
					selected = append(selected, e)
				}
			}
			if len(selected) != 1 || selected[0].Detail != llm.DefaultDecisionWhy {
				t.Fatalf("selected=%+v", selected)
			}
		})
	}
}

func TestControllerCancelLeavesQueue(t *testing.T) {
	f, vs := newFixture(t, openRoom, nil, testTuning(), stall{"面人李", "面人", 30, 3, 1})
	v := vs[0]
	_ = v.TryAcquire(90)
	c := f.add(1, world.Tile{X: 3, Y: 3}, 100)

	for tick := uint64(1); tick <= 20 && c.Agent().State != StateQueued; tick++ {
		c.Update(tick)
	}
	if c.Agent().State != StateQueued {
		t.Fatalf("state=%v want=queued", c.Agent().State)
	}
	c.Cancel()
	if _, ok := v.PositionOf(1); ok || c.Agent().State != StateReturningHome {
		t.Fatalf("still waiting after cancel, state=%v", c.Agent().State)
	}
	// The holder's release must not hand the stall to the departed tourist.
	if err := v.Release(90); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if v.Busy() {
		t.Fatal("stall granted to a tourist that left")
	}
}

func TestFireworkBlessingOnPurchase(t *testing.T) {
	gw := &fakeGateway{replies: map[llm.Kind][]string{}}
	tuning := testTuning()
	tuning.FireworkVendor = "爆竹秦"
	tuning.FireworkPreference = 1
	f, _ := newFixture(t, openRoom, gw, tuning, stall{"爆竹秦", "鞭炮", 20, 3, 1})
	c := f.add(1, world.Tile{X: 1, Y: 4}, 100)

	evs := f.run(t, 200, nil)
	if gw.blessings != 1 || countKind(evs, EventBlessing) != 1 {
		t.Fatalf("blessings=%d events=%+v", gw.blessings, evs)
	}
	if c.Agent().Remark != "马到成功" {
		t.Fatalf("remark=%q", c.Agent().Remark)
	}
}

func TestSpawner(t *testing.T) {
	g, _ := world.ParseGrid(island)
	s := NewSpawner(1, catalog.Default())
	homes := s.HomeTiles(g, 5)
	if len(homes) != 5 {
		t.Fatalf("homes=%v", homes)
	}
	seen := map[world.Tile]bool{}
	for _, h := range homes {
		if !g.Walkable(h) || seen[h] {
			t.Fatalf("bad home %v in %v", h, homes)
		}
		seen[h] = true
	}
	agents := s.Spawn(homes, 50)
	if agents[0].ID != 1 || agents[4].ID != 5 || agents[1].Name != "游客2" {
		t.Fatalf("ids=%v,%v name=%q", agents[0].ID, agents[4].ID, agents[1].Name)
	}
	if agents[0].Profile.Name == "" || agents[0].Ledger.Balance() != 50 {
		t.Fatalf("agent=%+v", agents[0])
	}
}
