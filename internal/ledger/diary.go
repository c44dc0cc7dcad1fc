package ledger

import (
	"sync"
	"time"
)

// Kind separates conversation lines from money spent.
type Kind string

const (
	KindDialogue Kind = "dialogue"
	KindSpending Kind = "spending"
)

// Entry is one diary line.
type Entry struct {
	Time    time.Time `json:"time"`
	Tick    uint64    `json:"tick"`
	Kind    Kind      `json:"kind"`
	Vendor  string    `json:"vendor"`
	Speaker string    `json:"speaker,omitempty"`
	Content string    `json:"content"`
	Amount  uint64    `json:"amount,omitempty"`
}

// Diary is an append-only log. Entries are never edited or removed.
type Diary struct {
	mu      sync.RWMutex
	entries []Entry
	now     func() time.Time
}

// NewDiary returns an empty diary stamped with the wall clock.
func NewDiary() *Diary {
	return &Diary{now: time.Now}
}

// AddDialogue appends a line spoken at a vendor.
func (d *Diary) AddDialogue(tick uint64, vendor, speaker, content string) Entry {
	return d.add(Entry{Tick: tick, Kind: KindDialogue, Vendor: vendor, Speaker: speaker, Content: content})
}

// AddSpending appends a purchase.
func (d *Diary) AddSpending(tick uint64, vendor, product string, amount uint64) Entry {
	return d.add(Entry{Tick: tick, Kind: KindSpending, Vendor: vendor, Content: product, Amount: amount})
}

func (d *Diary) add(e Entry) Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	e.Time = d.now()
	d.entries = append(d.entries, e)
	return e
}

// Entries returns a copy of all entries in order.
func (d *Diary) Entries() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Entry(nil), d.entries...)
}

// Since returns entries appended after the first n.
func (d *Diary) Since(n int) []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n >= len(d.entries) {
		return nil
	}
	if n < 0 {
		n = 0
	}
	return append([]Entry(nil), d.entries[n:]...)
}

// Len returns the number of entries.
func (d *Diary) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
