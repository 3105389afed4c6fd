package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gridbot/internal/model"
)

var (
	// ErrUnavailable is returned while the circuit around a venue is open.
	ErrUnavailable = errors.New("exchange: venue unavailable")
	// ErrInsufficientFunds is returned when an order cannot be covered.
	ErrInsufficientFunds = errors.New("exchange: insufficient funds")
	// ErrOrderNotFound is returned when cancelling an unknown order.
	ErrOrderNotFound = errors.New("exchange: order not found")
	// ErrUnknownSymbol is returned when a venue has no market for a symbol.
	ErrUnknownSymbol = errors.New("exchange: unknown symbol")
	// ErrOrderTooSmall is returned for orders under the venue's minimum
	// quantity or notional.
	ErrOrderTooSmall = errors.New("exchange: order below venue minimum")
)

// MarketData is the read-only half of a venue.
type MarketData interface {
	LatestQuote(ctx context.Context, symbol string) (model.Quote, error)
	HistoricalBars(ctx context.Context, req model.BarsRequest) (model.BarPage, error)
}

// Trading is the account half of a venue.
type Trading interface {
	OpenOrders(ctx context.Context, symbol string) ([]model.Order, error)
	Positions(ctx context.Context) ([]model.Position, error)
	Account(ctx context.Context) (model.Account, error)
	SubmitOrder(ctx context.Context, req model.OrderRequest) (model.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// Broker is the full venue capability the grid consumes.
type Broker interface {
	Name() string
	MarketData
	Trading
}

// QuoteStreamer defines the standard interface for websocket quote feeds.
type QuoteStreamer interface {
	GetName() string
	StartStream(ctx context.Context, quotes chan<- model.Quote, symbol string) error
}

// SplitSymbol splits "BTC/USDT" into base and quote assets.
func SplitSymbol(symbol string) (base, quote string, err error) {
	base, quote, ok := strings.Cut(strings.ToUpper(symbol), "/")
	if !ok || base == "" || quote == "" {
		return "", "", fmt.Errorf("%w: %q, want BASE/QUOTE", ErrUnknownSymbol, symbol)
	}
	return base, quote, nil
}

// PositionFor returns the position in symbol, or a zero position.
func PositionFor(positions []model.Position, symbol string) model.Position {
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, symbol) {
			return p
		}
	}
	return model.Position{Symbol: symbol}
}
