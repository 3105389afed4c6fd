// Package backtest replays historical bars against a grid ladder.
package backtest

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gridbot/internal/model"
)

// FillScope controls how long a fired level stays blocked.
type FillScope string

const (
	// FillScopeRun keeps resting orders and fired levels across chunks, so the
	// chunk size never changes the outcome.
	FillScopeRun FillScope = "run"
	// FillScopeChunk reseeds the ladder and forgets fired levels at every
	// chunk boundary.
	FillScopeChunk FillScope = "chunk"
)

// ParseFillScope validates s. The empty string selects FillScopeRun.
func ParseFillScope(s string) (FillScope, error) {
	switch FillScope(s) {
	case "", FillScopeRun:
		return FillScopeRun, nil
	case FillScopeChunk:
		return FillScopeChunk, nil
	}
	return "", fmt.Errorf("unknown fill scope %q", s)
}

// restingOrder is a simulated limit order. Notional is the quote amount paid
// on a buy or received on a sell.
type restingOrder struct {
	level      int
	side       model.Side
	price      decimal.Decimal
	notional   decimal.Decimal
	quantity   decimal.Decimal
	entryPrice decimal.Decimal
	placedAt   time.Time
	starved    bool
}

// activeAt reports whether the order may fill in the bar stamped ts. Orders
// placed by the cascade wait for the next bar.
func (o *restingOrder) activeAt(ts time.Time) bool {
	return o.placedAt.IsZero() || ts.After(o.placedAt)
}

// ChunkState is what one chunk hands to the next. CostBasis is the quote
// amount paid for the current holdings and prices sells that carry no entry.
type ChunkState struct {
	Capital      decimal.Decimal
	AssetHolding decimal.Decimal
	CostBasis    decimal.Decimal

	book   map[int]*restingOrder
	filled map[int]bool
}

// NewChunkState returns the state a run starts from.
func NewChunkState(capital, assetHolding decimal.Decimal) ChunkState {
	return ChunkState{Capital: capital, AssetHolding: assetHolding}
}

// Equity values the state at price.
func (s ChunkState) Equity(price decimal.Decimal) decimal.Decimal {
	return s.Capital.Add(s.AssetHolding.Mul(price))
}

// RestingOrders returns how many simulated orders are waiting to fill.
func (s ChunkState) RestingOrders() int {
	return len(s.book)
}

func (s ChunkState) clone() ChunkState {
	out := s
	if s.book != nil {
		out.book = make(map[int]*restingOrder, len(s.book))
		for k, o := range s.book {
			cp := *o
			out.book[k] = &cp
		}
	}
	if s.filled != nil {
		out.filled = make(map[int]bool, len(s.filled))
		for k, v := range s.filled {
			out.filled[k] = v
		}
	}
	return out
}

func (s *ChunkState) averageCost() decimal.Decimal {
	if !s.AssetHolding.IsPositive() || !s.CostBasis.IsPositive() {
		return decimal.Zero
	}
	return s.CostBasis.Div(s.AssetHolding)
}

// sorted returns the resting orders of one side in trigger order: buys from
// the highest price down, sells from the lowest price up.
func (s *ChunkState) sorted(side model.Side) []*restingOrder {
	var out []*restingOrder
	for _, o := range s.book {
		if o.side == side {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if side == model.SideBuy {
			return out[i].level > out[j].level
		}
		return out[i].level < out[j].level
	})
	return out
}

// Simulator replays bars against a ladder one chunk at a time.
type Simulator struct {
	logger *slog.Logger
	symbol string
	scope  FillScope
}

// NewSimulator creates a Simulator for symbol.
func NewSimulator(logger *slog.Logger, symbol string, scope FillScope) *Simulator {
	if scope == "" {
		scope = FillScopeRun
	}
	return &Simulator{logger: logger, symbol: symbol, scope: scope}
}

// RunChunk replays bars in order and returns the state to feed into the next
// chunk together with the trades the chunk produced. The input state is not
// modified.
//
// A buy fires when a bar's low reaches its price and capital covers its
// notional; a sell fires when the high reaches its price and holdings cover
// its quantity. A fired level does not fire again within the fill scope. Each
// fill places the opposite order on the adjacent level, sized from the fill
// itself rather than from the ladder.
func (s *Simulator) RunChunk(bars []model.PriceBar, levels []model.GridLevel, state ChunkState) (ChunkState, []model.Trade) {
	st := state.clone()
	if st.book == nil || s.scope == FillScopeChunk {
		st.book = s.seed(levels, st.AssetHolding)
		st.filled = make(map[int]bool)
	}

	var trades []model.Trade
	for _, b := range bars {
		for _, o := range st.sorted(model.SideBuy) {
			if !o.activeAt(b.Timestamp) || st.filled[o.level] || b.Low.GreaterThan(o.price) {
				continue
			}
			if st.Capital.LessThan(o.notional) {
				s.starve(o, "insufficient capital", o.notional, st.Capital)
				continue
			}
			trades = append(trades, s.fillBuy(&st, o, levels, b.Timestamp))
		}
		for _, o := range st.sorted(model.SideSell) {
			if !o.activeAt(b.Timestamp) || st.filled[o.level] || b.High.LessThan(o.price) {
				continue
			}
			if st.AssetHolding.LessThan(o.quantity) {
				s.starve(o, "insufficient assets", o.quantity, st.AssetHolding)
				continue
			}
			trades = append(trades, s.fillSell(&st, o, levels, b.Timestamp))
		}
	}
	return st, trades
}

// seed places the ladder. Sells are placed from the bottom up only while the
// holdings cover them.
func (s *Simulator) seed(levels []model.GridLevel, holdings decimal.Decimal) map[int]*restingOrder {
	book := make(map[int]*restingOrder, len(levels))
	available := holdings
	for _, l := range levels {
		if !l.Price.IsPositive() {
			continue
		}
		o := &restingOrder{
			level:    l.Index,
			side:     l.Side,
			price:    l.Price,
			notional: l.OrderSize,
			quantity: l.Quantity(),
		}
		if l.Side == model.SideSell {
			if available.LessThan(o.quantity) {
				s.logger.Debug("Simulator: sell level not seeded, holdings exhausted", "symbol", s.symbol, "gridLevel", l.Index)
				continue
			}
			available = available.Sub(o.quantity)
		}
		book[l.Index] = o
	}
	return book
}

func (s *Simulator) fillBuy(st *ChunkState, o *restingOrder, levels []model.GridLevel, ts time.Time) model.Trade {
	qty := o.notional.Div(o.price)
	st.Capital = st.Capital.Sub(o.notional)
	st.AssetHolding = st.AssetHolding.Add(qty)
	st.CostBasis = st.CostBasis.Add(o.notional)
	delete(st.book, o.level)
	st.filled[o.level] = true

	if next := o.level + 1; next < len(levels) {
		p := levels[next].Price
		s.place(st, &restingOrder{
			level:      next,
			side:       model.SideSell,
			price:      p,
			notional:   qty.Mul(p),
			quantity:   qty,
			entryPrice: o.price,
			placedAt:   ts,
		})
	}

	return model.Trade{
		Symbol:    s.symbol,
		Level:     o.level,
		Side:      model.SideBuy,
		Price:     o.price,
		Size:      o.notional,
		Quantity:  qty,
		PnL:       decimal.Zero,
		Equity:    st.Equity(o.price),
		Timestamp: ts,
	}
}

func (s *Simulator) fillSell(st *ChunkState, o *restingOrder, levels []model.GridLevel, ts time.Time) model.Trade {
	entry := o.entryPrice
	if entry.IsZero() {
		entry = st.averageCost()
	}
	if entry.IsZero() {
		entry = o.price
	}
	pnl := o.notional.Sub(o.quantity.Mul(entry))

	st.Capital = st.Capital.Add(o.notional)
	st.AssetHolding = st.AssetHolding.Sub(o.quantity)
	st.CostBasis = st.CostBasis.Sub(o.quantity.Mul(entry))
	if !st.AssetHolding.IsPositive() || st.CostBasis.IsNegative() {
		st.CostBasis = decimal.Zero
	}
	delete(st.book, o.level)
	st.filled[o.level] = true

	if prev := o.level - 1; prev >= 0 && prev < len(levels) {
		p := levels[prev].Price
		s.place(st, &restingOrder{
			level:    prev,
			side:     model.SideBuy,
			price:    p,
			notional: o.notional,
			quantity: o.notional.Div(p),
			placedAt: ts,
		})
	}

	return model.Trade{
		Symbol:     s.symbol,
		Level:      o.level,
		Side:       model.SideSell,
		Price:      o.price,
		Size:       o.notional,
		Quantity:   o.quantity,
		EntryPrice: entry,
		PnL:        pnl,
		Equity:     st.Equity(o.price),
		Timestamp:  ts,
	}
}

// place rests a cascade order unless its level already fired or holds an
// order.
func (s *Simulator) place(st *ChunkState, o *restingOrder) {
	if st.filled[o.level] {
		return
	}
	if cur, busy := st.book[o.level]; busy {
		s.logger.Debug("Simulator: cascade target occupied", "symbol", s.symbol, "gridLevel", o.level, "side", o.side, "resting", cur.side)
		return
	}
	st.book[o.level] = o
}

func (s *Simulator) starve(o *restingOrder, reason string, need, have decimal.Decimal) {
	if o.starved {
		return
	}
	o.starved = true
	s.logger.Warn("Simulator: order skipped, "+reason,
		"symbol", s.symbol,
		"gridLevel", o.level,
		"side", o.side,
		"price", o.price,
		"need", need,
		"have", have,
	)
}
