package agents

import (
	"log/slog"
	"math"

	"github.com/talgya/temple-fair/internal/llm"
	"github.com/talgya/temple-fair/internal/market"
)

type outcome struct {
	action llm.Action
	price  uint64
}

type turn uint8

const (
	turnVendor turn = iota
	turnTourist
)

// negotiation is the Interacting sub-state: vendor and tourist alternate one
// line per resolved request until a deal, a walk-away or the round cap.
type negotiation struct {
	vendor  *market.Vendor
	persona string
	floor   uint64
	rounds  int
	max     int

	turn      turn
	pending   *llm.Future
	price     uint64 // vendor's latest quote
	counter   uint64 // tourist's asking price for the next vendor turn
	lastLine  string
	bargained bool
	history   []llm.Message

	result outcome
}

func newNegotiation(v *market.Vendor, persona string, t Tuning) *negotiation {
	maxRounds := t.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 3
	}
	floor := uint64(math.Ceil(float64(v.Price) * t.BargainFloor))
	if floor == 0 || floor > v.Price {
		floor = v.Price
	}
	return &negotiation{
		vendor:  v,
		persona: persona,
		floor:   floor,
		max:     maxRounds,
		price:   v.Price,
	}
}

// clamp keeps an offer between the floor and the list price.
func (n *negotiation) clamp(p uint64) uint64 {
	return min(max(p, n.floor), n.vendor.Price)
}

func (n *negotiation) submit(c *Controller, req llm.Request) {
	if c.env.Gateway == nil {
		n.pending = llm.Resolved(llm.Result{Kind: req.Kind, Err: llm.ErrGatewayDisabled})
		return
	}
	n.pending = c.env.Gateway.Submit(req)
}

// step advances the negotiation and reports whether it is over.
func (n *negotiation) step(c *Controller) bool {
	switch n.turn {
	case turnVendor:
		return n.vendorTurn(c)
	default:
		return n.touristTurn(c)
	}
}

func (n *negotiation) vendorTurn(c *Controller) bool {
	a := c.agent
	v := n.vendor
	if n.pending == nil {
		n.submit(c, llm.TradeRequest(llm.TradeContext{
			Vendor:         v.Name,
			Product:        v.Product,
			Price:          v.Price,
			VendorPersona:  n.persona,
			Tourist:        a.Profile.Name,
			TouristPersona: a.Profile.Persona,
			Balance:        a.Ledger.Balance(),
			History:        n.history,
			FirstRound:     n.rounds == 0,
			Counter:        n.counter,
		}))
	}
	res, ok := n.pending.Result()
	if !ok {
		return false
	}
	n.pending = nil

	var line llm.TradeLine
	if err := res.Decode(&line); err != nil {
		slog.Debug("vendor line from defaults", "vendor", v.Name, "agent", a.Name, "error", err)
		line = llm.DefaultTradeLine(v.Product, n.price, n.rounds == 0)
	}
	n.rounds++
	n.price = n.clamp(line.Price(n.price))
	n.say(c, v.Name, line.NPCText, "assistant")

	if line.IsEnd {
		if line.Sellable() && a.Ledger.CanAfford(n.price) {
			n.result = outcome{action: llm.ActionBuy, price: n.price}
		} else {
			n.result = outcome{action: llm.ActionLeave}
		}
		return true
	}
	if n.rounds >= n.max {
		slog.Debug("round cap reached, closing at last offer", "vendor", v.Name, "agent", a.Name, "price", n.price)
		n.result = outcome{action: llm.ActionBuy, price: n.price}
		return true
	}
	n.turn = turnTourist
	return false
}

func (n *negotiation) touristTurn(c *Controller) bool {
	a := c.agent
	v := n.vendor
	if n.pending == nil {
		n.submit(c, llm.ReplyRequest(llm.ReplyContext{
			Tourist:    a.Profile.Name,
			Persona:    a.Profile.Persona,
			Vendor:     v.Name,
			Product:    v.Product,
			VendorText: n.lastLine,
			Price:      n.price,
			Balance:    a.Ledger.Balance(),
			Bargained:  n.bargained,
		}))
	}
	res, ok := n.pending.Result()
	if !ok {
		return false
	}
	n.pending = nil

	var reply llm.Reply
	if err := res.Decode(&reply); err != nil {
		slog.Debug("tourist reply from defaults", "vendor", v.Name, "agent", a.Name, "error", err)
		reply = llm.DefaultReply(n.price)
	}

	action := reply.Action
	if action == llm.ActionBargain && n.bargained {
		action = llm.ActionBuy
	}
	if action == llm.ActionBuy && !a.Ledger.CanAfford(n.price) {
		action = llm.ActionLeave
		reply.TouristText = llm.ShortOfMoneyText
	}
	n.say(c, a.Name, reply.TouristText, "user")

	switch action {
	case llm.ActionBuy:
		n.result = outcome{action: llm.ActionBuy, price: n.price}
		return true
	case llm.ActionBargain:
		n.bargained = true
		n.counter = n.clamp(reply.Target(n.price))
		n.turn = turnVendor
		return false
	default:
		n.result = outcome{action: llm.ActionLeave}
		return true
	}
}

// say records one line in the diary, the conversation history and the event stream.
func (n *negotiation) say(c *Controller, speaker, text, role string) {
	if text == "" {
		return
	}
	if role == "assistant" {
		n.lastLine = text
	}
	n.history = append(n.history, llm.Message{Role: role, Content: text})
	c.agent.Diary.AddDialogue(c.tick, n.vendor.Name, speaker, text)
	c.agent.Remark = text
	c.emit(EventSpoke, n.vendor.Name, speaker+": "+text, 0)
}
