package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gridbot/internal/model"
)

// PaperBroker is an in-memory venue. Resting limit orders fill at their limit
// price once SetPrice crosses them. Funds for open orders are reserved at
// submission. When market is set, quotes and bars come from it and every
// quote also moves the paper price.
type PaperBroker struct {
	logger *slog.Logger
	market MarketData

	mu       sync.Mutex
	cash     decimal.Decimal
	holdings map[string]decimal.Decimal
	reserved map[string]decimal.Decimal
	prices   map[string]decimal.Decimal
	orders   map[string]*paperOrder
	seq      int64
	now      func() time.Time
}

type paperOrder struct {
	order model.Order
	seq   int64
}

// NewPaperBroker creates a PaperBroker holding cash. market may be nil.
func NewPaperBroker(logger *slog.Logger, cash decimal.Decimal, market MarketData) *PaperBroker {
	return &PaperBroker{
		logger:   logger,
		market:   market,
		cash:     cash,
		holdings: make(map[string]decimal.Decimal),
		reserved: make(map[string]decimal.Decimal),
		prices:   make(map[string]decimal.Decimal),
		orders:   make(map[string]*paperOrder),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *PaperBroker) Name() string {
	return "paper"
}

// Deposit credits base-asset holdings in symbol.
func (p *PaperBroker) Deposit(symbol string, qty decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdings[symbol] = p.holdings[symbol].Add(qty)
}

// SetPrice moves the market for symbol and fills every open order the new
// price crosses. It returns the orders that filled.
func (p *PaperBroker) SetPrice(symbol string, price decimal.Decimal) []model.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price

	var filled []model.Order
	for _, po := range p.sortedOrders(symbol) {
		o := &po.order
		limit := o.LimitPrice.Decimal
		switch {
		case o.Side == model.SideBuy && price.LessThanOrEqual(limit):
			// Reserved cash already paid for it.
			p.holdings[symbol] = p.holdings[symbol].Add(o.Quantity)
		case o.Side == model.SideSell && price.GreaterThanOrEqual(limit):
			p.reserved[symbol] = p.reserved[symbol].Sub(o.Quantity)
			p.holdings[symbol] = p.holdings[symbol].Sub(o.Quantity)
			p.cash = p.cash.Add(o.Quantity.Mul(limit))
		default:
			continue
		}
		o.Status = model.OrderStatusFilled
		delete(p.orders, o.ID)
		filled = append(filled, *o)
		p.logger.Debug("PaperBroker: order filled", "orderId", o.ID, "side", o.Side, "price", limit, "quantity", o.Quantity)
	}
	return filled
}

func (p *PaperBroker) sortedOrders(symbol string) []*paperOrder {
	var out []*paperOrder
	for _, po := range p.orders {
		if po.order.Symbol == symbol {
			out = append(out, po)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (p *PaperBroker) LatestQuote(ctx context.Context, symbol string) (model.Quote, error) {
	if p.market != nil {
		q, err := p.market.LatestQuote(ctx, symbol)
		if err != nil {
			return model.Quote{}, err
		}
		p.SetPrice(symbol, q.Mid())
		return q, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return model.Quote{}, fmt.Errorf("%w: no paper price for %s", ErrUnknownSymbol, symbol)
	}
	return model.Quote{Exchange: "paper", Symbol: symbol, Bid: price, Ask: price, Time: p.now()}, nil
}

func (p *PaperBroker) HistoricalBars(ctx context.Context, req model.BarsRequest) (model.BarPage, error) {
	if p.market == nil {
		return model.BarPage{}, fmt.Errorf("%w: paper broker has no market data", ErrUnavailable)
	}
	return p.market.HistoricalBars(ctx, req)
}

func (p *PaperBroker) OpenOrders(_ context.Context, symbol string) ([]model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sorted := p.sortedOrders(symbol)
	out := make([]model.Order, 0, len(sorted))
	for _, po := range sorted {
		out = append(out, po.order)
	}
	return out, nil
}

func (p *PaperBroker) Positions(context.Context) ([]model.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	symbols := make([]string, 0, len(p.holdings))
	for s := range p.holdings {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var out []model.Position
	for _, s := range symbols {
		qty := p.holdings[s]
		if qty.IsZero() {
			continue
		}
		out = append(out, model.Position{Symbol: s, Quantity: qty, MarketValue: qty.Mul(p.prices[s])})
	}
	return out, nil
}

func (p *PaperBroker) Account(context.Context) (model.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cash := p.cash
	for _, po := range p.orders {
		if po.order.Side == model.SideBuy {
			cash = cash.Add(po.order.Quantity.Mul(po.order.LimitPrice.Decimal))
		}
	}
	equity := cash
	for s, qty := range p.holdings {
		equity = equity.Add(qty.Mul(p.prices[s]))
	}
	return model.Account{Equity: equity, Cash: cash}, nil
}

// SubmitOrder rests limit orders and fills market orders at the current
// paper price.
func (p *PaperBroker) SubmitOrder(_ context.Context, req model.OrderRequest) (model.Order, error) {
	if !req.Quantity.IsPositive() {
		return model.Order{}, fmt.Errorf("paper order quantity must be positive, got %s", req.Quantity)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	price := req.LimitPrice
	if req.Type == model.OrderTypeMarket {
		var ok bool
		if price, ok = p.prices[req.Symbol]; !ok {
			return model.Order{}, fmt.Errorf("%w: no paper price for %s", ErrUnknownSymbol, req.Symbol)
		}
	}
	if !price.IsPositive() {
		return model.Order{}, fmt.Errorf("paper limit price must be positive, got %s", price)
	}

	switch req.Side {
	case model.SideBuy:
		notional := req.Quantity.Mul(price)
		if p.cash.LessThan(notional) {
			return model.Order{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, notional, p.cash)
		}
		p.cash = p.cash.Sub(notional)
	case model.SideSell:
		free := p.holdings[req.Symbol].Sub(p.reserved[req.Symbol])
		if free.LessThan(req.Quantity) {
			return model.Order{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, req.Quantity, free)
		}
	default:
		return model.Order{}, fmt.Errorf("paper order side %q", req.Side)
	}

	p.seq++
	o := model.Order{
		ID:         "paper-" + strconv.FormatInt(p.seq, 10),
		ClientID:   req.ClientID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		LimitPrice: decimal.NewNullDecimal(price),
		Quantity:   req.Quantity,
		Status:     model.OrderStatusNew,
		CreatedAt:  p.now(),
	}

	if req.Type == model.OrderTypeMarket {
		if req.Side == model.SideBuy {
			p.holdings[req.Symbol] = p.holdings[req.Symbol].Add(req.Quantity)
		} else {
			p.holdings[req.Symbol] = p.holdings[req.Symbol].Sub(req.Quantity)
			p.cash = p.cash.Add(req.Quantity.Mul(price))
		}
		o.Status = model.OrderStatusFilled
		return o, nil
	}

	if req.Side == model.SideSell {
		p.reserved[req.Symbol] = p.reserved[req.Symbol].Add(req.Quantity)
	}
	p.orders[o.ID] = &paperOrder{order: o, seq: p.seq}
	return o, nil
}

// CancelOrder releases the funds reserved by an open order.
func (p *PaperBroker) CancelOrder(_ context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[orderID]
	if !ok || po.order.Symbol != symbol {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	o := po.order
	if o.Side == model.SideBuy {
		p.cash = p.cash.Add(o.Quantity.Mul(o.LimitPrice.Decimal))
	} else {
		p.reserved[symbol] = p.reserved[symbol].Sub(o.Quantity)
	}
	delete(p.orders, orderID)
	return nil
}
