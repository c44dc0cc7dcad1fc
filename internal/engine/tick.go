// Package engine provides the fixed-rate tick loop and the Simulation that owns
// the fair's grid, vendors and tourist controllers.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Tick layers, in ticks.
const (
	TicksPerBeat       = 10  // hawking round, stream push
	TicksPerCheckpoint = 600 // journal flush, progress log
)

// Engine drives the simulation forward.
type Engine struct {
	Interval time.Duration // Base tick interval at speed 1

	// Callbacks for each tick layer, populated during setup.
	OnTick       func(tick uint64) // Every tick
	OnBeat       func(tick uint64) // Every TicksPerBeat ticks
	OnCheckpoint func(tick uint64) // Every TicksPerCheckpoint ticks

	// Until, when set, ends Run after the tick on which it first returns true.
	Until func() bool

	mu      sync.Mutex
	tick    uint64
	speed   float64 // 1.0 = real time, 0 = paused
	running bool
	stop    chan struct{}
}

// NewEngine creates a simulation engine with default settings.
func NewEngine() *Engine {
	return &Engine{
		Interval: 100 * time.Millisecond,
		speed:    1.0,
	}
}

// Tick returns the last completed tick.
func (e *Engine) Tick() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

// Speed returns the current multiplier.
func (e *Engine) Speed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}

// SetSpeed changes the multiplier; 0 pauses. Negative values are rejected.
func (e *Engine) SetSpeed(speed float64) error {
	if speed < 0 {
		return fmt.Errorf("speed %v: must not be negative", speed)
	}
	e.mu.Lock()
	e.speed = speed
	e.mu.Unlock()
	slog.Info("engine speed changed", "speed", speed)
	return nil
}

// Running reports whether Run is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Run starts the simulation loop. Blocks until ctx ends, Stop is called or
// Until reports true.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stop = make(chan struct{})
	stop := e.stop
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	slog.Info("simulation engine started", "tick", e.Tick(), "speed", e.Speed(), "interval", e.Interval)

	for {
		speed := e.Speed()
		if speed <= 0 {
			// Paused: check again shortly.
			if !wait(ctx, stop, 100*time.Millisecond) {
				break
			}
			continue
		}

		start := time.Now()
		e.step()
		if e.Until != nil && e.Until() {
			slog.Info("simulation finished", "tick", e.Tick())
			break
		}

		// Sleep for the remainder of the tick interval, adjusted for speed.
		target := time.Duration(float64(e.Interval) / speed)
		if !wait(ctx, stop, target-time.Since(start)) {
			break
		}
	}

	slog.Info("simulation engine stopped", "tick", e.Tick())
}

// Stop halts the simulation loop.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running && e.stop != nil {
		select {
		case <-e.stop:
		default:
			close(e.stop)
		}
	}
}

// Step advances one tick synchronously, for hosts that drive the loop themselves.
func (e *Engine) Step() { e.step() }

func (e *Engine) step() {
	e.mu.Lock()
	e.tick++
	tick := e.tick
	e.mu.Unlock()

	if e.OnTick != nil {
		e.OnTick(tick)
	}
	if tick%TicksPerBeat == 0 && e.OnBeat != nil {
		e.OnBeat(tick)
	}
	if tick%TicksPerCheckpoint == 0 && e.OnCheckpoint != nil {
		e.OnCheckpoint(tick)
	}
}

func wait(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		case <-stop:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}

// FairClock renders a tick as elapsed fair time.
func FairClock(tick uint64, interval time.Duration) string {
	d := time.Duration(tick) * interval
	return fmt.Sprintf("%02d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}
