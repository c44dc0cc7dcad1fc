// Package events carries messages between fair components through per-agent
// mailboxes, so a vendor never calls into an agent directly.
package events

import (
	"errors"
	"fmt"
	"sync"
)

// AgentID identifies a tourist for the lifetime of a run.
type AgentID int

func (id AgentID) String() string { return fmt.Sprintf("agent-%d", int(id)) }

// Kind tags a mailbox message.
type Kind string

const (
	// KindGranted tells a queued agent that it now holds the vendor.
	KindGranted Kind = "granted"
)

// Event is a message addressed to one agent.
type Event struct {
	Kind   Kind
	Agent  AgentID
	Vendor string
}

var (
	ErrAgentNotRegistered = errors.New("agent is not registered in bus")
	ErrAgentQueueFull     = errors.New("agent queue is full")
)

// Bus is an in-process set of buffered mailboxes keyed by agent.
type Bus struct {
	mu     sync.RWMutex
	subs   map[AgentID]chan Event
	buffer int
}

// NewBus creates a bus whose mailboxes hold buffer messages (64 when <= 0).
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[AgentID]chan Event),
		buffer: buffer,
	}
}

// Register returns the agent's mailbox, creating it on first use.
func (b *Bus) Register(id AgentID) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		return ch
	}
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	return ch
}

// Unregister closes and removes the agent's mailbox.
func (b *Bus) Unregister(id AgentID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(ch)
}

// Publish delivers ev to ev.Agent without blocking.
func (b *Bus) Publish(ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ch, ok := b.subs[ev.Agent]
	if !ok {
		return ErrAgentNotRegistered
	}
	select {
	case ch <- ev:
		return nil
	default:
		return ErrAgentQueueFull
	}
}
