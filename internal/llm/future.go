package llm

import (
	"context"
	"encoding/json"
	"sync"
)

// Result is the outcome of a gateway request.
type Result struct {
	ID       string          `json:"id"`
	Kind     Kind            `json:"kind"`
	Text     string          `json:"text,omitempty"`
	JSON     json.RawMessage `json:"json,omitempty"` // validated, structured kinds only
	Attempts int             `json:"attempts"`
	Cached   bool            `json:"cached,omitempty"`
	Fallback bool            `json:"fallback,omitempty"`
	Err      error           `json:"-"`
}

// OK reports whether the request produced usable output.
func (r Result) OK() bool { return r.Err == nil }

// Decode unmarshals the validated JSON into v, or returns the request's error.
func (r Result) Decode(v any) error {
	if r.Err != nil {
		return r.Err
	}
	return json.Unmarshal(r.JSON, v)
}

// Future is a pending Result, polled by the tick loop.
type Future struct {
	id   string
	once sync.Once
	done chan struct{}
	res  Result
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// Resolved returns a future that is already complete.
func Resolved(r Result) *Future {
	f := newFuture(r.ID)
	f.resolve(r)
	return f
}

func (f *Future) resolve(r Result) {
	f.once.Do(func() {
		r.ID = f.id
		f.res = r
		close(f.done)
	})
}

// ID returns the request ID.
func (f *Future) ID() string { return f.id }

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Ready reports whether the result is available without blocking.
func (f *Future) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome if ready.
func (f *Future) Result() (Result, bool) {
	if !f.Ready() {
		return Result{}, false
	}
	return f.res, true
}

// Wait blocks until the result is ready or ctx ends.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
