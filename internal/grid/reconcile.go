package grid

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gridbot/internal/model"
)

var (
	toleranceRatio = decimal.RequireFromString("0.005")
	toleranceFloor = decimal.RequireFromString("0.01")
)

// PriceTolerance is how far a resting order's limit may sit from a level and
// still be claimed by it: 0.5% of the current price, never below 0.01.
func PriceTolerance(currentPrice decimal.Decimal) decimal.Decimal {
	return decimal.Max(currentPrice.Mul(toleranceRatio), toleranceFloor)
}

// ReconcileResult is the outcome of matching venue orders to the ladder.
type ReconcileResult struct {
	// Entries are the matched orders, in the order they were matched.
	Entries []LedgerEntry
	// Unmatched orders stay on the venue but are not managed.
	Unmatched []model.Order
	// NoLimit orders carry no limit price and cannot be placed on a level.
	NoLimit []model.Order
}

// Ledger builds a fresh ledger from the matched entries.
func (r ReconcileResult) Ledger() (*Ledger, error) {
	l := NewLedger()
	for _, e := range r.Entries {
		if err := l.Assign(e); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Matcher assigns open venue orders to ladder levels.
type Matcher func(orders []model.Order, levels []model.GridLevel, tolerance decimal.Decimal) ReconcileResult

// MatchStrategy names a Matcher.
type MatchStrategy string

const (
	MatchGreedy  MatchStrategy = "greedy"
	MatchOptimal MatchStrategy = "optimal"
)

// MatcherFor returns the matcher for s.
func MatcherFor(s MatchStrategy) (Matcher, error) {
	switch s {
	case MatchGreedy, "":
		return Reconcile, nil
	case MatchOptimal:
		return ReconcileOptimal, nil
	default:
		return nil, fmt.Errorf("grid: unknown match strategy %q", s)
	}
}

// Reconcile walks orders in the order the venue returned them and gives each
// the closest free level on the same side within tolerance. Ties go to the
// lower level. Matching is greedy: an early order can take a level a later
// order would have fitted better.
func Reconcile(orders []model.Order, levels []model.GridLevel, tolerance decimal.Decimal) ReconcileResult {
	var res ReconcileResult
	taken := make(map[int]bool, len(levels))
	seen := make(map[string]bool, len(orders))

	for _, o := range orders {
		if seen[o.ID] {
			continue
		}
		seen[o.ID] = true
		if !o.LimitPrice.Valid {
			res.NoLimit = append(res.NoLimit, o)
			continue
		}
		limit := o.LimitPrice.Decimal

		best := -1
		var bestDist decimal.Decimal
		for i, lvl := range levels {
			if lvl.Side != o.Side || taken[lvl.Index] {
				continue
			}
			dist := lvl.Price.Sub(limit).Abs()
			if dist.GreaterThan(tolerance) {
				continue
			}
			if best < 0 || dist.LessThan(bestDist) {
				best, bestDist = i, dist
			}
		}
		if best < 0 {
			res.Unmatched = append(res.Unmatched, o)
			continue
		}
		taken[levels[best].Index] = true
		res.Entries = append(res.Entries, entryFor(levels[best], o))
	}
	return res
}

func entryFor(lvl model.GridLevel, o model.Order) LedgerEntry {
	return LedgerEntry{
		Level:    lvl.Index,
		OrderID:  o.ID,
		Side:     o.Side,
		Price:    o.LimitPrice.Decimal,
		Quantity: o.Quantity,
	}
}
