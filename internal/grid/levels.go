// Package grid builds the price ladder and tracks which venue order rests at
// each rung of it.
package grid

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gridbot/internal/model"
)

// ErrInvalidLevelCount is returned when a ladder is requested with no levels.
var ErrInvalidLevelCount = errors.New("grid: level count must be positive")

// ErrInvalidRange is returned for a range that puts the lowest level at or
// below zero.
var ErrInvalidRange = errors.New("grid: range_pct must be below 100")

var hundred = decimal.NewFromInt(100)

// GenerateLevels lays levelCount rungs evenly between referencePrice ±
// rangePct percent. Levels below levelCount/2 are buys, the rest sells, so an
// odd count puts the extra level on the sell side.
//
// A non-positive rangePct collapses the ladder to a single price. That is
// allowed here; callers should treat it as a configuration smell (see
// Degenerate).
func GenerateLevels(referencePrice, rangePct decimal.Decimal, levelCount int, orderSize decimal.Decimal) ([]model.GridLevel, error) {
	if levelCount <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLevelCount, levelCount)
	}

	span := rangePct.Div(hundred)
	upper := referencePrice.Mul(decimal.NewFromInt(1).Add(span))
	lower := referencePrice.Mul(decimal.NewFromInt(1).Sub(span))

	step := decimal.Zero
	if levelCount > 1 {
		step = upper.Sub(lower).Div(decimal.NewFromInt(int64(levelCount - 1)))
	}

	midpoint := levelCount / 2
	levels := make([]model.GridLevel, levelCount)
	for i := range levelCount {
		side := model.SideSell
		if i < midpoint {
			side = model.SideBuy
		}
		levels[i] = model.GridLevel{
			Index:     i,
			Price:     lower.Add(step.Mul(decimal.NewFromInt(int64(i)))),
			Side:      side,
			OrderSize: orderSize,
		}
	}
	return levels, nil
}

// CheckRange rejects a rangePct of 100 or more.
func CheckRange(rangePct decimal.Decimal) error {
	if rangePct.GreaterThanOrEqual(hundred) {
		return fmt.Errorf("%w: got %s", ErrInvalidRange, rangePct)
	}
	return nil
}

// Degenerate reports whether rangePct yields a zero-width ladder.
func Degenerate(rangePct decimal.Decimal) bool {
	return !rangePct.IsPositive()
}

// CountSides returns how many buy and sell levels a ladder holds.
func CountSides(levels []model.GridLevel) (buys, sells int) {
	for _, l := range levels {
		if l.Side == model.SideBuy {
			buys++
		} else {
			sells++
		}
	}
	return buys, sells
}
