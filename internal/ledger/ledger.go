// Package ledger tracks each tourist's money and purchases, and keeps the
// append-only diary of what they said and spent.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zyedidia/generic/mapset"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadyPurchased  = errors.New("already purchased from vendor")
)

// Purchase is one completed buy.
type Purchase struct {
	Vendor  string `json:"vendor"`
	Product string `json:"product"`
	Price   uint64 `json:"price"`
	Tick    uint64 `json:"tick"`
}

// Ledger is a tourist's wallet. Balance never goes negative and each vendor is
// bought from at most once.
type Ledger struct {
	mu        sync.RWMutex
	start     uint64
	balance   uint64
	purchases []Purchase
	bought    mapset.Set[string]
}

// New opens a ledger with the given starting money.
func New(balance uint64) *Ledger {
	return &Ledger{
		start:   balance,
		balance: balance,
		bought:  mapset.New[string](),
	}
}

// Balance returns the remaining money.
func (l *Ledger) Balance() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balance
}

// Start returns the money the tourist arrived with.
func (l *Ledger) Start() uint64 { return l.start }

// Spent returns the total debited so far.
func (l *Ledger) Spent() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.start - l.balance
}

// CanAfford reports whether price fits in the balance.
func (l *Ledger) CanAfford(price uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return price <= l.balance
}

// HasPurchased reports whether the tourist already bought from vendor.
func (l *Ledger) HasPurchased(vendor string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bought.Has(vendor)
}

// Debit records a buy. The balance is left untouched on error.
func (l *Ledger) Debit(p Purchase) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.bought.Has(p.Vendor) {
		return fmt.Errorf("%s: %w", p.Vendor, ErrAlreadyPurchased)
	}
	if p.Price > l.balance {
		return fmt.Errorf("%s costs %d, balance %d: %w", p.Vendor, p.Price, l.balance, ErrInsufficientFunds)
	}
	l.balance -= p.Price
	l.bought.Put(p.Vendor)
	l.purchases = append(l.purchases, p)
	return nil
}

// Purchases returns a copy of the completed buys in order.
func (l *Ledger) Purchases() []Purchase {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Purchase(nil), l.purchases...)
}
