package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Open reports whether an order with this status still rests on the book.
func (s OrderStatus) Open() bool {
	switch s {
	case OrderStatusNew, OrderStatusAccepted, OrderStatusPartiallyFilled:
		return true
	}
	return false
}

// Order is a venue order as reported by the broker. LimitPrice is invalid for
// market orders.
type Order struct {
	ID         string              `json:"id"`
	ClientID   string              `json:"client_id,omitempty"`
	Symbol     string              `json:"symbol"`
	Side       Side                `json:"side"`
	Type       OrderType           `json:"type"`
	LimitPrice decimal.NullDecimal `json:"limit_price"`
	Quantity   decimal.Decimal     `json:"quantity"`
	Status     OrderStatus         `json:"status"`
	CreatedAt  time.Time           `json:"created_at"`
}

// OrderRequest is a new order submission. LimitPrice is ignored for market
// orders.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Quantity   decimal.Decimal
	LimitPrice decimal.Decimal
	ClientID   string
}

// Position is the venue-reported holding for one symbol.
type Position struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	MarketValue decimal.Decimal `json:"market_value"`
}

// Account is the venue-reported account balance.
type Account struct {
	Equity decimal.Decimal `json:"equity"`
	Cash   decimal.Decimal `json:"cash"`
}

// Timeframe is a bar granularity such as "1Min" or "1Hour".
type Timeframe string

const (
	Timeframe1Min  Timeframe = "1Min"
	Timeframe5Min  Timeframe = "5Min"
	Timeframe15Min Timeframe = "15Min"
	Timeframe1Hour Timeframe = "1Hour"
	Timeframe1Day  Timeframe = "1Day"
)

// Duration returns the bar length, defaulting to one minute for unknown values.
func (t Timeframe) Duration() time.Duration {
	switch t {
	case Timeframe5Min:
		return 5 * time.Minute
	case Timeframe15Min:
		return 15 * time.Minute
	case Timeframe1Hour:
		return time.Hour
	case Timeframe1Day:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Valid reports whether t is one of the supported granularities.
func (t Timeframe) Valid() bool {
	switch t {
	case Timeframe1Min, Timeframe5Min, Timeframe15Min, Timeframe1Hour, Timeframe1Day:
		return true
	}
	return false
}

// BarsRequest asks for one page of historical bars. PageToken is the
// continuation token returned by the previous page.
type BarsRequest struct {
	Symbol    string
	Timeframe Timeframe
	Start     time.Time
	End       time.Time
	Limit     int
	PageToken string
}

// BarPage is one page of historical bars. An empty NextPageToken ends the
// series.
type BarPage struct {
	Bars          []PriceBar
	NextPageToken string
}
