// Package exposure implements the sportsbook's admission gate: a ledger of
// committed stake per (market, side) that never exceeds the configured limit.
//
// The ledger entry for a key is the running sum of stakes of all quotes in
// state quoted or confirmed for that key. TryReserve is a single atomic
// check-and-increment, so no interleaving of concurrent reservations can push
// a key past its limit, not even transiently.
package exposure

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/microbook/quote-engine/internal/model"
)

// entry holds one key's committed stake. Its mutex serializes conflicting
// operations on that key only.
type entry struct {
	mu        sync.Mutex
	committed decimal.Decimal
}

// Ledger maps exposure keys to committed stake.
type Ledger struct {
	mu      sync.RWMutex // guards the map, never held across an entry operation
	entries map[model.ExposureKey]*entry
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[model.ExposureKey]*entry)}
}

func (l *Ledger) entry(key model.ExposureKey) *entry {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[key]; !ok {
		e = &entry{}
		l.entries[key] = e
	}
	return e
}

// TryReserve commits stake against key if current+stake <= limit and reports
// whether it did. On false the ledger is unchanged.
func (l *Ledger) TryReserve(key model.ExposureKey, stake, limit decimal.Decimal) bool {
	if !stake.IsPositive() {
		return false
	}
	e := l.entry(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.committed.Add(stake)
	if next.GreaterThan(limit) {
		return false
	}
	e.committed = next
	return true
}

// Release returns stake to key's available capacity. Committed stake never
// drops below zero.
func (l *Ledger) Release(key model.ExposureKey, stake decimal.Decimal) {
	if !stake.IsPositive() {
		return
	}
	e := l.entry(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.committed = e.committed.Sub(stake)
	if e.committed.IsNegative() {
		e.committed = decimal.Zero
	}
}

// Committed returns the stake currently committed against key.
func (l *Ledger) Committed(key model.ExposureKey) decimal.Decimal {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if !ok {
		return decimal.Zero
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.committed
}

// Snapshot returns a copy of every non-zero entry.
func (l *Ledger) Snapshot() map[model.ExposureKey]decimal.Decimal {
	l.mu.RLock()
	keys := make([]model.ExposureKey, 0, len(l.entries))
	entries := make([]*entry, 0, len(l.entries))
	for k, e := range l.entries {
		keys = append(keys, k)
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make(map[model.ExposureKey]decimal.Decimal, len(keys))
	for i, e := range entries {
		e.mu.Lock()
		c := e.committed
		e.mu.Unlock()
		if !c.IsZero() {
			out[keys[i]] = c
		}
	}
	return out
}

// DropMarket removes every key of marketID and reports how many it removed.
// Used once a market is settled and can take no further quotes.
func (l *Ledger) DropMarket(marketID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k := range l.entries {
		if k.MarketID == marketID {
			delete(l.entries, k)
			n++
		}
	}
	return n
}

// Restore replaces the ledger contents, typically with the sums of active
// quotes loaded from durable storage at startup.
func (l *Ledger) Restore(committed map[model.ExposureKey]decimal.Decimal) {
	entries := make(map[model.ExposureKey]*entry, len(committed))
	for k, v := range committed {
		entries[k] = &entry{committed: v}
	}

	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
}
