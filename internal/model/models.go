package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a ladder level, an order or a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide accepts venue spellings such as "BUY" or "Sell".
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// Opposite returns the side that closes a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// GridLevel is one rung of the ladder. OrderSize is a notional amount in the
// quote currency; the traded quantity is OrderSize / Price.
type GridLevel struct {
	Index     int             `json:"index"`
	Price     decimal.Decimal `json:"price"`
	Side      Side            `json:"side"`
	OrderSize decimal.Decimal `json:"order_size"`
}

// Quantity returns the base-asset amount this level trades at its price.
func (l GridLevel) Quantity() decimal.Decimal {
	if l.Price.IsZero() {
		return decimal.Zero
	}
	return l.OrderSize.Div(l.Price)
}

// PriceBar is one OHLCV bar.
type PriceBar struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Quote represents a single top-of-book update from an exchange.
type Quote struct {
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	Bid      decimal.Decimal `json:"bid"`
	Ask      decimal.Decimal `json:"ask"`
	Time     time.Time       `json:"time"`
}

// Mid is the reference price used by the grid: (bid + ask) / 2.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Trade is an executed ladder fill, produced by both the backtest and the live
// session. PnL is only non-zero on sells that close an earlier buy.
type Trade struct {
	ID         int64           `db:"id" json:"id,omitempty"`
	SessionID  string          `db:"session_id" json:"session_id,omitempty"`
	Symbol     string          `db:"symbol" json:"symbol"`
	Level      int             `db:"level" json:"level"`
	Side       Side            `db:"side" json:"side"`
	Price      decimal.Decimal `db:"price" json:"price"`
	Size       decimal.Decimal `db:"size" json:"size"`
	Quantity   decimal.Decimal `db:"quantity" json:"quantity"`
	EntryPrice decimal.Decimal `db:"entry_price" json:"entry_price,omitempty"`
	PnL        decimal.Decimal `db:"pnl" json:"pnl"`
	Equity     decimal.Decimal `db:"equity" json:"equity"`
	OrderID    string          `db:"order_id" json:"order_id,omitempty"`
	Timestamp  time.Time       `db:"timestamp" json:"timestamp"`
}
