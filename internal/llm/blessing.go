package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"
)

// Blessing returns a phrase for the category. A filled cache answers at once
// with no network call; otherwise one request is queued and a canned phrase is
// used if it fails. A queued request is only answered once Start has been
// called; Close resolves it with a canned phrase.
func (g *Gateway) Blessing(cat Category, persona string) *Future {
	if text, ok := g.cache.Pick(cat); ok {
		g.cacheHits.Add(1)
		return Resolved(Result{Kind: KindBlessing, Text: text, Cached: true})
	}

	inner := g.Submit(BlessingRequest(cat, persona))
	outer := newFuture(inner.ID())
	go func() {
		var res Result
		select {
		case <-inner.Done():
			res, _ = inner.Result()
		case <-g.quit:
			res = Result{Kind: KindBlessing, Err: ErrGatewayClosed}
		}
		var reply BlessingReply
		if err := res.Decode(&reply); err == nil && reply.Blessing != "" {
			text := reply.Blessing
			if cat == CategoryKongming {
				text = truncateRunes(text, 4)
			}
			outer.resolve(Result{Kind: KindBlessing, Text: text, Attempts: res.Attempts})
			return
		}
		g.fallbacks.Add(1)
		defaults := DefaultBlessings(cat)
		outer.resolve(Result{
			Kind:     KindBlessing,
			Text:     defaults[g.randIntn(len(defaults))],
			Attempts: res.Attempts,
			Fallback: true,
		})
	}()
	return outer
}

// PrefillSpec describes how to fill one cache category.
type PrefillSpec struct {
	Category Category
	Request  Request
	Parse    func(Result) ([]string, error)
	Attempts int           // outer attempts, each a full gateway request
	Delay    time.Duration // between outer attempts
}

// DefaultPrefills returns the firework and kongming cache fills.
func DefaultPrefills() []PrefillSpec {
	firework := `生成5句烟花祝福语。
【要求】
1. 每句控制在8字以内！必须简短！
2. 要喜庆、吉祥、有趣
3. 可以加入程序员黑话和梗，比如：无bug、不加班、上线顺利
4. 适合马年新年

【回复格式】
返回JSON：{"blessings": ["祝福语1", "祝福语2", ...]}`

	kongming := `生成1个新年孔明灯四字祝福语。
要求：
1. 必须是四字成语或四字短语（如：平安喜乐）。
2. 只返回纯 JSON 数组，包含1个字符串。
3. 格式示例：["平安喜乐"]`

	return []PrefillSpec{
		{
			Category: CategoryFirework,
			Request: Request{
				Kind:        KindPrefill,
				Messages:    []Message{{Role: "user", Content: firework}},
				Temperature: 1.2,
				MaxTokens:   200,
				Schema:      blessingListSchema,
			},
			Parse: func(r Result) ([]string, error) {
				var out struct {
					Blessings []string `json:"blessings"`
				}
				if err := r.Decode(&out); err != nil {
					return nil, err
				}
				return out.Blessings, nil
			},
			Attempts: 3,
			Delay:    2 * time.Second,
		},
		{
			Category: CategoryKongming,
			Request: Request{
				Kind:        KindPrefill,
				Messages:    []Message{{Role: "user", Content: kongming}},
				Temperature: 0.7,
				MaxTokens:   30,
				Schema:      phraseArraySchema,
			},
			Parse: func(r Result) ([]string, error) {
				var raw []string
				if err := r.Decode(&raw); err != nil {
					return nil, err
				}
				var out []string
				for _, s := range raw {
					if utf8.RuneCountInString(s) <= 6 {
						out = append(out, truncateRunes(s, 4))
					}
				}
				if len(out) == 0 {
					return nil, fmt.Errorf("no usable phrase in %v: %w", raw, ErrServiceMalformed)
				}
				return out, nil
			},
			Attempts: 4,
			Delay:    2 * time.Second,
		},
	}
}

// Prefill fills the given cache categories through the normal queue. It runs at
// most once per gateway and blocks until done, so callers start it with go.
func (g *Gateway) Prefill(ctx context.Context, specs []PrefillSpec) {
	g.prefillOnce.Do(func() {
		for _, spec := range specs {
			g.prefill(ctx, spec)
		}
	})
}

func (g *Gateway) prefill(ctx context.Context, spec PrefillSpec) {
	if g.cache.Len(spec.Category) > 0 || !g.Enabled() {
		return
	}
	attempts := spec.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := g.Submit(spec.Request).Wait(ctx)
		if err != nil {
			return
		}
		values, perr := spec.Parse(res)
		if perr == nil {
			if g.cache.Seed(spec.Category, values) {
				slog.Info("cache prefilled", "category", spec.Category, "phrases", g.cache.Len(spec.Category))
				return
			}
			if g.cache.Len(spec.Category) > 0 {
				return // seeded by someone else meanwhile
			}
			perr = fmt.Errorf("only blank phrases: %w", ErrServiceMalformed)
		}
		slog.Warn("cache prefill failed", "category", spec.Category, "attempt", attempt, "error", perr)
		if attempt < attempts && !sleep(ctx, spec.Delay) {
			return
		}
	}
	slog.Warn("cache prefill gave up, using defaults", "category", spec.Category)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
