package llm

import (
	"fmt"
	"math"
	"strings"
)

// Action is the tourist's move in a negotiation round.
type Action string

const (
	ActionBuy     Action = "buy"
	ActionBargain Action = "bargain"
	ActionLeave   Action = "leave"
)

// Fallback lines used when the service cannot answer.
const (
	DefaultDealText    = "好嘞，成交！"
	DefaultReplyText   = "好的，我买了！"
	ShortOfMoneyText   = "钱不够了，下次再来吧..."
	DefaultShoutText   = "快来看看啦！"
	DefaultDecisionWhy = "随便逛逛"
)

// TradeContext is what the vendor knows when speaking to a tourist.
type TradeContext struct {
	Vendor         string
	Product        string
	Price          uint64
	VendorPersona  string
	Tourist        string
	TouristPersona string
	Balance        uint64
	History        []Message // earlier lines of this conversation
	FirstRound     bool
	Counter        uint64 // tourist's asking price, 0 when not bargaining
}

// TradeLine is the vendor's structured reply.
type TradeLine struct {
	NPCText    string  `json:"npcText"`
	FinalPrice float64 `json:"finalPrice"`
	CanBuy     *bool   `json:"canBuy,omitempty"`
	IsEnd      bool    `json:"isEnd"`
}

// Sellable reports whether the vendor lets the tourist buy. A missing canBuy
// counts as yes.
func (t TradeLine) Sellable() bool { return t.CanBuy == nil || *t.CanBuy }

// Price returns FinalPrice as whole coins, or fallback when absent.
func (t TradeLine) Price(fallback uint64) uint64 {
	if t.FinalPrice <= 0 || math.IsNaN(t.FinalPrice) {
		return fallback
	}
	return uint64(math.Round(t.FinalPrice))
}

// TradeRequest builds the vendor's line for one negotiation round.
func TradeRequest(c TradeContext) Request {
	system := fmt.Sprintf(`你是%s，在庙会上摆摊卖%s，售价%d元。
%s

【场景背景】
现在是中国农历新年庙会，有一位游客来到你的摊位前。

【游客信息】
- 游客类型：%s
- 游客特点：%s
- 游客当前余额：%d元

【对话规则】
1. 作为摊主，你要介绍商品、回应游客的问题
2. 可以适当讨价还价，但不要低于成本价（原价的70%%）
3. 保持你的性格特点
4. npcText控制在80字以内

【回复格式】
返回JSON：
{
    "npcText": "你说的话",
    "finalPrice": %d,
    "canBuy": true,
    "isEnd": false
}

- finalPrice: 最终成交价格（如果同意降价）
- canBuy: 游客是否可以购买（余额是否足够）
- isEnd: 对话是否结束（成交或放弃）`,
		c.Vendor, c.Product, c.Price, c.VendorPersona,
		c.Tourist, c.TouristPersona, c.Balance, c.Price)
	if c.Counter > 0 {
		system += fmt.Sprintf("\n\n【游客还价】\n游客希望以%d元成交，你可以接受、还价或拒绝。", c.Counter)
	}

	msgs := []Message{{Role: "system", Content: system}}
	msgs = append(msgs, c.History...)
	if c.FirstRound {
		msgs = append(msgs, Message{Role: "user", Content: "（游客走近摊位）请主动招呼游客，介绍你的商品。"})
	}
	return Request{Kind: KindTrade, Messages: msgs, Temperature: 1.0, MaxTokens: 200, Schema: tradeSchema}
}

// DefaultTradeLine is the vendor's line when the service fails: a welcome with the
// list price on the first round, then closing the deal.
func DefaultTradeLine(product string, price uint64, firstRound bool) TradeLine {
	if firstRound {
		return TradeLine{
			NPCText:    fmt.Sprintf("欢迎光临！来看看我的%s吧，%d元一份！", product, price),
			FinalPrice: float64(price),
		}
	}
	return TradeLine{NPCText: DefaultDealText, FinalPrice: float64(price), IsEnd: true}
}

// ReplyContext is what the tourist knows when answering a vendor.
type ReplyContext struct {
	Tourist    string
	Persona    string
	Vendor     string
	Product    string
	VendorText string
	Price      uint64 // current offer
	Balance    uint64
	Bargained  bool
}

// Reply is the tourist's structured answer.
type Reply struct {
	TouristText string  `json:"touristText"`
	Action      Action  `json:"action"`
	TargetPrice float64 `json:"targetPrice"`
}

// Target returns TargetPrice as whole coins, or fallback when absent.
func (r Reply) Target(fallback uint64) uint64 {
	if r.TargetPrice <= 0 || math.IsNaN(r.TargetPrice) {
		return fallback
	}
	return uint64(math.Round(r.TargetPrice))
}

// ReplyRequest builds the tourist's answer to a vendor line.
func ReplyRequest(c ReplyContext) Request {
	hint := `
【砍价策略】
你还没砍过价，可以尝试砍一次，问问能不能便宜点。
砍价幅度：建议砍3-5元，不要太狠。`
	task := "可以尝试砍一次价，或者直接买"
	actions := "bargain/buy/leave"
	legend := "buy=决定购买, bargain=砍价（只能砍一次）, leave=离开"
	if c.Bargained {
		hint = `
【砍价策略】
你已经砍过一次价了，老板给的应该是底价了。
现在应该决定：买或者不买，不要再砍价了。`
		task = "已经砍过价了，现在直接决定买或不买"
		actions = "buy/leave"
		legend = "buy=决定购买, leave=离开"
	}
	product := c.Product
	if product == "" {
		product = "商品"
	}

	prompt := fmt.Sprintf(`你是一位游客，正在庙会上逛摊位。

【你的人设】
- 类型：%s
- 特点：%s

【当前情况】
- 你在%s的摊位前
- 摊主卖的是：%s
- 当前报价：%d元
- 你的余额：%d元
%s

【摊主刚才说】
"%s"

【任务】
根据你的人设和当前情况，生成你的回复。

【要求】
1. 回复控制在25字以内，简洁自然
2. 过年逛庙会心情好，说话要热情友好
3. %s

【回复格式】
返回JSON：
{
    "touristText": "你说的话",
    "action": "%s",
    "targetPrice": %d
}

- action: %s
- targetPrice: 如果砍价，期望价格（比当前价低3-5元）`,
		c.Tourist, c.Persona, c.Vendor, product, c.Price, c.Balance, hint,
		c.VendorText, task, actions, c.Price, legend)

	return Request{
		Kind:        KindReply,
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: 1.0,
		MaxTokens:   150,
		Schema:      replySchema,
	}
}

// DefaultReply is the tourist's answer when the service fails.
func DefaultReply(price uint64) Reply {
	return Reply{TouristText: DefaultReplyText, Action: ActionBuy, TargetPrice: float64(price)}
}

// VendorOption is one stall offered to the decision prompt.
type VendorOption struct {
	Name    string
	Product string
	Price   uint64
}

// DecisionContext describes a tourist choosing the next stall.
type DecisionContext struct {
	Tourist  string
	Persona  string
	Balance  uint64
	Options  []VendorOption
	Firework string // stall to promote, empty for none
}

// Decision is the service's stall choice.
type Decision struct {
	SelectedNPC string `json:"selectedNPC"`
	Reason      string `json:"reason"`
}

// DecisionRequest asks which stall to visit next.
func DecisionRequest(c DecisionContext) Request {
	var b strings.Builder
	for _, o := range c.Options {
		fmt.Fprintf(&b, "  - %s：卖%s，%d元\n", o.Name, o.Product, o.Price)
	}
	tip := ""
	if c.Firework != "" {
		tip = fmt.Sprintf("\n【特别提示】\n过年放烟花是传统习俗，%s那里有烟花卖，非常热闹！\n", c.Firework)
	}

	prompt := fmt.Sprintf(`你是一位游客，正在决定下一个要逛的摊位。

【你的人设】
- 类型：%s
- 特点：%s

【当前情况】
- 你的余额：%d元
- 可选的摊位：
%s%s
【任务】
根据你的人设和喜好，选择下一个要去的摊位。

【回复格式】
返回JSON：{"selectedNPC": "摊主名字", "reason": "选择原因（20字以内）"}`,
		c.Tourist, c.Persona, c.Balance, b.String(), tip)

	return Request{
		Kind:        KindDecision,
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: 1.0,
		MaxTokens:   100,
		Schema:      decisionSchema,
	}
}

// Hawking is a vendor's shout.
type Hawking struct {
	HawkingText string `json:"hawkingText"`
}

// HawkingRequest asks for a short shout from an idle vendor.
func HawkingRequest(vendor, product, persona string, price uint64) Request {
	prompt := fmt.Sprintf(`你是%s，在庙会上摆摊卖%s。
%s

【场景背景】
现在是中国农历新年庙会，你正在摊位前招揽顾客。摊位前暂时没有顾客。

【任务】
生成一句简短的吆喝语，吸引路过的游客来你的摊位。

【要求】
1. 吆喝语必须在30字以内！
2. 要体现你的性格特点和商品特色
3. 要口语化、接地气、有感染力
4. 可以包含价格信息：%d元

【回复格式】
直接返回JSON：{"hawkingText": "你的吆喝语"}`, vendor, product, persona, price)

	return Request{
		Kind:        KindHawking,
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: 1.0,
		MaxTokens:   100,
		Schema:      hawkingSchema,
	}
}

// DefaultHawking is the shout used when the service fails.
func DefaultHawking(product string, price uint64) string {
	if product == "" {
		return DefaultShoutText
	}
	return fmt.Sprintf("来看看%s啦！%d元一份！", product, price)
}

// NameReply is a generated tourist nickname.
type NameReply struct {
	Name string `json:"name"`
}

// NameRequest asks for a short tourist nickname.
func NameRequest() Request {
	prompt := `生成一个中国风格的游客昵称。

【要求】
1. 昵称2-4个字
2. 可以是：小X、阿X、X哥/姐、或有趣的网名
3. 要有趣、接地气

【回复格式】
返回JSON：{"name": "昵称"}`
	return Request{
		Kind:        KindName,
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: 1.2,
		MaxTokens:   30,
		Schema:      nameSchema,
	}
}

// BlessingReply is a single generated blessing.
type BlessingReply struct {
	Blessing string `json:"blessing"`
}

// BlessingRequest asks for one blessing of the given category. persona, when
// set, flavors it for the tourist.
func BlessingRequest(cat Category, persona string) Request {
	kind := "烟花祝福语"
	limit := "祝福语控制在10字以内"
	if cat == CategoryKongming {
		kind = "孔明灯四字祝福语"
		limit = "必须是四字成语或四字短语"
	}
	prompt := fmt.Sprintf(`生成一句%s。

【要求】
1. %s
2. 要喜庆、吉祥
3. 适合马年新年`, kind, limit)
	if persona != "" {
		prompt += "\n4. 符合游客特点：" + persona
	}
	prompt += "\n\n【回复格式】\n返回JSON：{\"blessing\": \"祝福语\"}"

	return Request{
		Kind:        KindBlessing,
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: 1.0,
		MaxTokens:   50,
		Schema:      blessingSchema,
	}
}

var defaultBlessings = map[Category][]string{
	CategoryFirework: {"马到成功", "代码如马飞", "马上不加班", "bug全跑马", "一马当先"},
	CategoryKongming: {"马年大吉", "代码无BUG", "永不加班", "年终翻倍", "一次过审", "需求不改", "马到成功", "心想事成"},
}

var genericBlessings = []string{"马年大吉", "万事如意", "心想事成", "马到成功", "新年快乐", "龙马精神"}

// DefaultBlessings returns the canned phrases for a category.
func DefaultBlessings(cat Category) []string {
	if list, ok := defaultBlessings[cat]; ok {
		return list
	}
	return genericBlessings
}
