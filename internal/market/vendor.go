// Package market provides the fair's vendors: exclusive access by one tourist at a
// time, a FIFO wait list, and grant hand-off on release.
package market

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/talgya/temple-fair/internal/events"
	"github.com/talgya/temple-fair/internal/world"
)

var (
	ErrVendorBusy = errors.New("vendor is busy")
	ErrNotHolder  = errors.New("agent does not hold the vendor")
)

// Vendor is a stall. Static fields are set at construction; the holder, wait list
// and shout are guarded by mu.
type Vendor struct {
	Name    string
	Product string
	Price   uint64 // Coins per item
	Stall   world.Tile

	bus *events.Bus

	mu        sync.Mutex
	holder    events.AgentID
	held      bool
	queue     []events.AgentID
	shout     string
	shoutTick uint64
	served    int
}

// NewVendor creates an idle vendor. Grants are delivered through bus.
func NewVendor(name, product string, price uint64, stall world.Tile, bus *events.Bus) *Vendor {
	return &Vendor{
		Name:    name,
		Product: product,
		Price:   price,
		Stall:   stall,
		bus:     bus,
	}
}

// TryAcquire makes id the holder if the vendor is free. Re-acquiring by the
// current holder is a no-op.
func (v *Vendor) TryAcquire(id events.AgentID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.held {
		if v.holder == id {
			return nil
		}
		return ErrVendorBusy
	}
	v.holder, v.held = id, true
	v.dropLocked(id)
	return nil
}

// Enqueue appends id to the wait list and returns its 0-based position. An agent
// already waiting keeps its place. The holder is never enqueued (-1).
func (v *Vendor) Enqueue(id events.AgentID) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.held && v.holder == id {
		return -1
	}
	if pos := v.indexLocked(id); pos >= 0 {
		return pos
	}
	v.queue = append(v.queue, id)
	return len(v.queue) - 1
}

// Release gives up the vendor. The head of the wait list becomes holder inside
// the same critical section and is sent a grant message. Waiters whose mailbox
// is gone are skipped.
func (v *Vendor) Release(id events.AgentID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.held || v.holder != id {
		return fmt.Errorf("release %s by %s: %w", v.Name, id, ErrNotHolder)
	}
	v.held = false
	v.served++

	for len(v.queue) > 0 {
		next := v.queue[0]
		v.queue = v.queue[1:]
		v.holder, v.held = next, true
		if v.bus == nil {
			return nil
		}
		err := v.bus.Publish(events.Event{Kind: events.KindGranted, Agent: next, Vendor: v.Name})
		if err == nil {
			return nil
		}
		slog.Warn("grant undeliverable, skipping waiter", "vendor", v.Name, "agent", next, "error", err)
		v.held = false
	}
	return nil
}

// Remove drops id from the wait list. It reports whether id was waiting.
func (v *Vendor) Remove(id events.AgentID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dropLocked(id)
}

// PositionOf returns id's 0-based place in the wait list.
func (v *Vendor) PositionOf(id events.AgentID) (int, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pos := v.indexLocked(id)
	return pos, pos >= 0
}

// Holder returns the agent currently served, if any.
func (v *Vendor) Holder() (events.AgentID, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.holder, v.held
}

// Busy reports whether someone holds the vendor.
func (v *Vendor) Busy() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.held
}

// QueueLen returns the number of waiting agents.
func (v *Vendor) QueueLen() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.queue)
}

// Wait is the selection load: one for a holder plus one per waiter.
func (v *Vendor) Wait() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := len(v.queue)
	if v.held {
		n++
	}
	return n
}

// SetShout records the vendor's latest hawking line.
func (v *Vendor) SetShout(text string, tick uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.shout, v.shoutTick = text, tick
}

// Shout returns the latest hawking line and the tick it was set.
func (v *Vendor) Shout() (string, uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shout, v.shoutTick
}

func (v *Vendor) indexLocked(id events.AgentID) int {
	for i, q := range v.queue {
		if q == id {
			return i
		}
	}
	return -1
}

func (v *Vendor) dropLocked(id events.AgentID) bool {
	i := v.indexLocked(id)
	if i < 0 {
		return false
	}
	v.queue = append(v.queue[:i], v.queue[i+1:]...)
	return true
}

// View is a point-in-time copy of a vendor for observers.
type View struct {
	Name     string           `json:"name"`
	Product  string           `json:"product"`
	Price    uint64           `json:"price"`
	Stall    world.Tile       `json:"stall"`
	Busy     bool             `json:"busy"`
	Holder   *events.AgentID  `json:"holder,omitempty"`
	Queue    []events.AgentID `json:"queue"`
	QueueLen int              `json:"queue_len"`
	Shout    string           `json:"shout,omitempty"`
	Served   int              `json:"served"`
}

// Snapshot copies the vendor's observable state.
func (v *Vendor) Snapshot() View {
	v.mu.Lock()
	defer v.mu.Unlock()

	view := View{
		Name:     v.Name,
		Product:  v.Product,
		Price:    v.Price,
		Stall:    v.Stall,
		Busy:     v.held,
		Queue:    append([]events.AgentID(nil), v.queue...),
		QueueLen: len(v.queue),
		Shout:    v.shout,
		Served:   v.served,
	}
	if v.held {
		h := v.holder
		view.Holder = &h
	}
	return view
}
