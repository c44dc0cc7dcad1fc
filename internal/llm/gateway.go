package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind labels a request for logs and stats.
type Kind string

const (
	KindTrade    Kind = "trade"
	KindReply    Kind = "reply"
	KindDecision Kind = "decision"
	KindHawking  Kind = "hawking"
	KindName     Kind = "name"
	KindBlessing Kind = "blessing"
	KindPrefill  Kind = "prefill"
)

// Request is one generation call. It is not modified after Submit.
type Request struct {
	Kind        Kind
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Schema      *Schema       // nil returns raw text without extraction
	Timeout     time.Duration // 0 uses the gateway default
	Retries     int           // 0 uses the gateway default, negative disables retries
}

// Config controls dispatch pacing and the retry budget.
type Config struct {
	Timeout time.Duration // per attempt
	Retries int           // attempts after the first
	Backoff time.Duration // wait before retry n is n*Backoff
	Spacing time.Duration // minimum gap between dispatch starts
}

// DefaultConfig returns the production pacing.
func DefaultConfig() Config {
	return Config{
		Timeout: 15 * time.Second,
		Retries: 3,
		Backoff: time.Second,
		Spacing: time.Second,
	}
}

// Stats are cumulative gateway counters.
type Stats struct {
	Submitted  int64 `json:"submitted"`
	Dispatched int64 `json:"dispatched"`
	Attempts   int64 `json:"attempts"`
	Timeouts   int64 `json:"timeouts"`
	Malformed  int64 `json:"malformed"`
	Failures   int64 `json:"failures"`
	Succeeded  int64 `json:"succeeded"`
	CacheHits  int64 `json:"cache_hits"`
	Fallbacks  int64 `json:"fallbacks"`
	Queued     int   `json:"queued"`
	Enabled    bool  `json:"enabled"`
}

type job struct {
	req    Request
	future *Future
	queued time.Time
}

// Gateway serializes every outbound request through one FIFO queue drained by a
// single dispatcher. A request is fully resolved (success or retries exhausted)
// before the next one is dispatched.
type Gateway struct {
	cfg       Config
	transport Transport // nil when remote generation is disabled
	cache     *Cache

	mu      sync.Mutex
	queue   []*job
	closed  bool
	started bool
	wake    chan struct{}
	done    chan struct{}
	quit    chan struct{} // closed by Close
	cancel  context.CancelFunc

	rngMu sync.Mutex
	rng   *rand.Rand

	prefillOnce sync.Once

	submitted, dispatched, attempts atomic.Int64
	timeouts, malformed, failures   atomic.Int64
	succeeded, cacheHits, fallbacks atomic.Int64
}

// NewGateway creates a gateway. A nil transport (or one reporting itself
// disabled) makes every network request resolve at once with ErrGatewayDisabled;
// cached categories and defaults keep working.
func NewGateway(t Transport, cfg Config, seed int64) *Gateway {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if cfg.Spacing < 0 {
		cfg.Spacing = 0
	}
	if e, ok := t.(interface{ Enabled() bool }); ok && !e.Enabled() {
		t = nil
	}
	return &Gateway{
		cfg:       cfg,
		transport: t,
		cache:     NewCache(seed),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		quit:      make(chan struct{}),
		rng:       rand.New(rand.NewSource(seed + 1)),
	}
}

// Enabled reports whether requests reach the network.
func (g *Gateway) Enabled() bool { return g.transport != nil }

// Cache returns the category cache.
func (g *Gateway) Cache() *Cache { return g.cache }

// Start launches the dispatcher. It stops when ctx ends or Close is called.
func (g *Gateway) Start(ctx context.Context) {
	g.mu.Lock()
	if g.started || g.closed {
		g.mu.Unlock()
		return
	}
	g.started = true
	ctx, g.cancel = context.WithCancel(ctx)
	g.mu.Unlock()

	go g.run(ctx)
}

// Close stops the dispatcher and fails every queued request with ErrGatewayClosed.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	close(g.quit)
	started := g.started
	cancel := g.cancel
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		<-g.done
	}
	g.failQueued(ErrGatewayClosed)
}

// Submit enqueues req and returns its future.
func (g *Gateway) Submit(req Request) *Future {
	f := newFuture(uuid.NewString())
	g.submitted.Add(1)

	if g.transport == nil {
		g.failures.Add(1)
		f.resolve(Result{Kind: req.Kind, Err: fmt.Errorf("%s: %w", req.Kind, ErrGatewayDisabled)})
		return f
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.failures.Add(1)
		f.resolve(Result{Kind: req.Kind, Err: fmt.Errorf("%s: %w", req.Kind, ErrGatewayClosed)})
		return f
	}
	g.queue = append(g.queue, &job{req: req, future: f, queued: time.Now()})
	depth := len(g.queue)
	g.mu.Unlock()

	select {
	case g.wake <- struct{}{}:
	default:
	}
	slog.Debug("gateway submit", "id", f.id, "kind", req.Kind, "queued", depth)
	return f
}

// Stats returns a snapshot of the counters.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	queued := len(g.queue)
	g.mu.Unlock()
	return Stats{
		Submitted:  g.submitted.Load(),
		Dispatched: g.dispatched.Load(),
		Attempts:   g.attempts.Load(),
		Timeouts:   g.timeouts.Load(),
		Malformed:  g.malformed.Load(),
		Failures:   g.failures.Load(),
		Succeeded:  g.succeeded.Load(),
		CacheHits:  g.cacheHits.Load(),
		Fallbacks:  g.fallbacks.Load(),
		Queued:     queued,
		Enabled:    g.Enabled(),
	}
}

func (g *Gateway) run(ctx context.Context) {
	defer func() {
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()
		g.failQueued(ErrGatewayClosed)
		close(g.done)
	}()

	var lastDispatch time.Time
	for {
		j, ok := g.next(ctx)
		if !ok {
			return
		}
		if !lastDispatch.IsZero() {
			if wait := g.cfg.Spacing - time.Since(lastDispatch); wait > 0 {
				if !sleep(ctx, wait) {
					g.failures.Add(1)
					j.future.resolve(Result{Kind: j.req.Kind, Err: ErrGatewayClosed})
					return
				}
			}
		}
		lastDispatch = time.Now()
		j.future.resolve(g.dispatch(ctx, j))
	}
}

// next pops the queue head, waiting for one if necessary.
func (g *Gateway) next(ctx context.Context) (*job, bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}
		g.mu.Lock()
		if len(g.queue) > 0 {
			j := g.queue[0]
			g.queue[0] = nil
			g.queue = g.queue[1:]
			g.mu.Unlock()
			return j, true
		}
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-g.wake:
		}
	}
}

func (g *Gateway) failQueued(err error) {
	g.mu.Lock()
	pending := g.queue
	g.queue = nil
	g.mu.Unlock()
	for _, j := range pending {
		g.failures.Add(1)
		j.future.resolve(Result{Kind: j.req.Kind, Err: fmt.Errorf("%s: %w", j.req.Kind, err)})
	}
}

// dispatch runs the attempt/backoff loop for one request.
func (g *Gateway) dispatch(ctx context.Context, j *job) Result {
	g.dispatched.Add(1)
	req := j.req

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.cfg.Timeout
	}
	retries := req.Retries
	switch {
	case retries == 0:
		retries = g.cfg.Retries
	case retries < 0:
		retries = 0
	}
	chat := ChatRequest{Messages: req.Messages, Temperature: req.Temperature, MaxTokens: req.MaxTokens}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= retries+1; attempt++ {
		attempts = attempt
		g.attempts.Add(1)
		text, err := g.attempt(ctx, chat, timeout)
		if err == nil {
			res, perr := finish(req, text)
			if perr == nil {
				res.Attempts = attempt
				g.succeeded.Add(1)
				slog.Debug("gateway ok", "id", j.future.id, "kind", req.Kind, "attempt", attempt,
					"waited", time.Since(j.queued).Round(time.Millisecond))
				return res
			}
			err = perr
		}
		lastErr = err

		switch {
		case errors.Is(err, ErrServiceTimeout):
			g.timeouts.Add(1)
		case errors.Is(err, ErrServiceMalformed):
			g.malformed.Add(1)
		}
		if errors.Is(err, ErrGatewayClosed) || attempt == retries+1 {
			break
		}

		wait := time.Duration(attempt) * g.cfg.Backoff
		slog.Debug("gateway retry", "id", j.future.id, "kind", req.Kind, "attempt", attempt, "wait", wait, "reason", err)
		if !sleep(ctx, wait) {
			lastErr = ErrGatewayClosed
			break
		}
	}

	g.failures.Add(1)
	slog.Warn("gateway request failed", "id", j.future.id, "kind", req.Kind, "attempts", attempts, "error", lastErr)
	return Result{Kind: req.Kind, Attempts: attempts, Err: fmt.Errorf("%s after %d attempts: %w", req.Kind, attempts, lastErr)}
}

// attempt runs one transport call under its own deadline. The deadline holds
// even if the transport ignores its context.
func (g *Gateway) attempt(ctx context.Context, chat ChatRequest, timeout time.Duration) (string, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		text, err := g.transport.Complete(actx, chat)
		ch <- outcome{text, err}
	}()

	select {
	case o := <-ch:
		if o.err != nil && ctx.Err() != nil {
			return "", ErrGatewayClosed
		}
		if o.err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && !errors.Is(o.err, ErrServiceTimeout) {
			return "", fmt.Errorf("%v: %w", o.err, ErrServiceTimeout)
		}
		return o.text, o.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return "", ErrGatewayClosed
		}
		return "", fmt.Errorf("no answer within %s: %w", timeout, ErrServiceTimeout)
	}
}

// finish turns raw text into a Result, extracting and validating JSON when the
// request carries a schema.
func finish(req Request, text string) (Result, error) {
	res := Result{Kind: req.Kind, Text: text}
	if req.Schema == nil {
		return res, nil
	}
	raw, err := ExtractJSON(text)
	if err != nil {
		return res, err
	}
	if err := req.Schema.Validate(raw); err != nil {
		return res, err
	}
	res.JSON = raw
	return res, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (g *Gateway) randIntn(n int) int {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return g.rng.Intn(n)
}
