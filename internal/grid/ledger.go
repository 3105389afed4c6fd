package grid

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"gridbot/internal/model"
)

var (
	// ErrLevelOccupied is returned when a level already has an order.
	ErrLevelOccupied = errors.New("grid: level already has an order")
	// ErrOrderTracked is returned when an order id is already assigned to a level.
	ErrOrderTracked = errors.New("grid: order already tracked at another level")
)

// LedgerEntry is the single outstanding order resting at a level. EntryPrice is
// set on sells placed by the cascade and records the buy they close.
type LedgerEntry struct {
	Level      int             `json:"level"`
	OrderID    string          `json:"order_id"`
	Side       model.Side      `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price,omitempty"`
}

// Ledger maps ladder levels to their outstanding order. A level holds at most
// one order and an order id sits at most at one level.
//
// Ledger is not safe for concurrent use; it belongs to a single orchestrator
// loop.
type Ledger struct {
	byLevel map[int]LedgerEntry
	byOrder map[string]int
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		byLevel: make(map[int]LedgerEntry),
		byOrder: make(map[string]int),
	}
}

// Assign records e. It fails without changing the ledger if either the level
// or the order id is already in use.
func (l *Ledger) Assign(e LedgerEntry) error {
	if _, ok := l.byLevel[e.Level]; ok {
		return fmt.Errorf("%w: level %d", ErrLevelOccupied, e.Level)
	}
	if lvl, ok := l.byOrder[e.OrderID]; ok {
		return fmt.Errorf("%w: order %s at level %d", ErrOrderTracked, e.OrderID, lvl)
	}
	l.byLevel[e.Level] = e
	l.byOrder[e.OrderID] = e.Level
	return nil
}

// Get returns the entry at level.
func (l *Ledger) Get(level int) (LedgerEntry, bool) {
	e, ok := l.byLevel[level]
	return e, ok
}

// Has reports whether level has an outstanding order.
func (l *Ledger) Has(level int) bool {
	_, ok := l.byLevel[level]
	return ok
}

// Remove drops the entry at level and returns it.
func (l *Ledger) Remove(level int) (LedgerEntry, bool) {
	e, ok := l.byLevel[level]
	if !ok {
		return LedgerEntry{}, false
	}
	delete(l.byLevel, level)
	delete(l.byOrder, e.OrderID)
	return e, true
}

// Len returns the number of tracked orders.
func (l *Ledger) Len() int {
	return len(l.byLevel)
}

// Entries returns all entries ordered by level.
func (l *Ledger) Entries() []LedgerEntry {
	out := make([]LedgerEntry, 0, len(l.byLevel))
	for _, e := range l.byLevel {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

// Filled returns, in ascending level order, the levels whose order id is no
// longer in the open set. Those orders are treated as filled.
func (l *Ledger) Filled(openOrderIDs map[string]struct{}) []int {
	var levels []int
	for lvl, e := range l.byLevel {
		if _, open := openOrderIDs[e.OrderID]; !open {
			levels = append(levels, lvl)
		}
	}
	sort.Ints(levels)
	return levels
}

// Clear empties the ledger.
func (l *Ledger) Clear() {
	clear(l.byLevel)
	clear(l.byOrder)
}
