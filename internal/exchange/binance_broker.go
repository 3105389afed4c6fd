package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"gridbot/internal/model"
)

const (
	binanceKlineLimit       = 1000
	binanceCodeUnknownOrder = -2011
)

// BinanceBroker implements Broker over the Binance spot REST API. Spot
// accounts have no positions, so holdings are read from asset balances and
// valued against QuoteAsset.
type BinanceBroker struct {
	logger     *slog.Logger
	client     *binance.Client
	quoteAsset string

	mu      sync.Mutex
	filters map[string]symbolFilters
}

// symbolFilters are the order-shape rules of one Binance market. Zero values
// mean the market does not constrain that dimension.
type symbolFilters struct {
	tickSize    decimal.Decimal
	stepSize    decimal.Decimal
	minQty      decimal.Decimal
	minNotional decimal.Decimal
}

// NewBinanceBroker creates a BinanceBroker. baseURL overrides the API host
// when set; quoteAsset defaults to USDT.
func NewBinanceBroker(logger *slog.Logger, apiKey, secretKey, baseURL, quoteAsset string) *BinanceBroker {
	client := binance.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	if quoteAsset == "" {
		quoteAsset = "USDT"
	}
	return &BinanceBroker{
		logger:     logger,
		client:     client,
		quoteAsset: strings.ToUpper(quoteAsset),
		filters:    make(map[string]symbolFilters),
	}
}

func (b *BinanceBroker) Name() string {
	return "binance"
}

func venueSymbol(symbol string) (string, error) {
	base, quote, err := SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	return base + quote, nil
}

func binanceInterval(tf model.Timeframe) string {
	switch tf {
	case model.Timeframe5Min:
		return "5m"
	case model.Timeframe15Min:
		return "15m"
	case model.Timeframe1Hour:
		return "1h"
	case model.Timeframe1Day:
		return "1d"
	default:
		return "1m"
	}
}

func (b *BinanceBroker) LatestQuote(ctx context.Context, symbol string) (model.Quote, error) {
	vs, err := venueSymbol(symbol)
	if err != nil {
		return model.Quote{}, err
	}
	tickers, err := b.client.NewListBookTickersService().Symbol(vs).Do(ctx)
	if err != nil {
		return model.Quote{}, fmt.Errorf("binance book ticker %s: %w", vs, err)
	}
	if len(tickers) == 0 {
		return model.Quote{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	bid, err := decimal.NewFromString(tickers[0].BidPrice)
	if err != nil {
		return model.Quote{}, fmt.Errorf("binance bid %q: %w", tickers[0].BidPrice, err)
	}
	ask, err := decimal.NewFromString(tickers[0].AskPrice)
	if err != nil {
		return model.Quote{}, fmt.Errorf("binance ask %q: %w", tickers[0].AskPrice, err)
	}
	return model.Quote{Exchange: "binance", Symbol: symbol, Bid: bid, Ask: ask, Time: time.Now().UTC()}, nil
}

// HistoricalBars pages klines by open time. The continuation token is the
// millisecond timestamp the next page starts at.
func (b *BinanceBroker) HistoricalBars(ctx context.Context, req model.BarsRequest) (model.BarPage, error) {
	vs, err := venueSymbol(req.Symbol)
	if err != nil {
		return model.BarPage{}, err
	}
	limit := req.Limit
	if limit <= 0 || limit > binanceKlineLimit {
		limit = binanceKlineLimit
	}
	startMs := req.Start.UnixMilli()
	if req.PageToken != "" {
		if startMs, err = strconv.ParseInt(req.PageToken, 10, 64); err != nil {
			return model.BarPage{}, fmt.Errorf("bad page token %q: %w", req.PageToken, err)
		}
	}
	endMs := req.End.UnixMilli() - 1

	klines, err := b.client.NewKlinesService().
		Symbol(vs).
		Interval(binanceInterval(req.Timeframe)).
		StartTime(startMs).
		EndTime(endMs).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return model.BarPage{}, fmt.Errorf("binance klines %s: %w", vs, err)
	}

	page := model.BarPage{Bars: make([]model.PriceBar, 0, len(klines))}
	for _, k := range klines {
		bar, err := klineBar(k)
		if err != nil {
			return model.BarPage{}, err
		}
		page.Bars = append(page.Bars, bar)
	}
	if len(klines) == limit {
		if next := klines[len(klines)-1].OpenTime + 1; next <= endMs {
			page.NextPageToken = strconv.FormatInt(next, 10)
		}
	}
	return page, nil
}

func klineBar(k *binance.Kline) (model.PriceBar, error) {
	fields := []string{k.Open, k.High, k.Low, k.Close, k.Volume}
	vals := make([]decimal.Decimal, len(fields))
	for i, f := range fields {
		v, err := decimal.NewFromString(f)
		if err != nil {
			return model.PriceBar{}, fmt.Errorf("binance kline value %q: %w", f, err)
		}
		vals[i] = v
	}
	return model.PriceBar{
		Timestamp: time.UnixMilli(k.OpenTime).UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

func (b *BinanceBroker) OpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	vs, err := venueSymbol(symbol)
	if err != nil {
		return nil, err
	}
	orders, err := b.client.NewListOpenOrdersService().Symbol(vs).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance open orders %s: %w", vs, err)
	}
	out := make([]model.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, binanceOrder(symbol, o.OrderID, o.ClientOrderID, string(o.Side), string(o.Type), string(o.Status), o.Price, o.OrigQuantity, o.Time))
	}
	return out, nil
}

func binanceOrder(symbol string, id int64, clientID, side, typ, status, price, qty string, ms int64) model.Order {
	o := model.Order{
		ID:        strconv.FormatInt(id, 10),
		ClientID:  clientID,
		Symbol:    symbol,
		Side:      model.Side(strings.ToLower(side)),
		Type:      model.OrderTypeMarket,
		Status:    binanceStatus(status),
		CreatedAt: time.UnixMilli(ms).UTC(),
	}
	o.Quantity, _ = decimal.NewFromString(qty)
	if typ == "LIMIT" || typ == "LIMIT_MAKER" {
		o.Type = model.OrderTypeLimit
		if p, err := decimal.NewFromString(price); err == nil && p.IsPositive() {
			o.LimitPrice = decimal.NewNullDecimal(p)
		}
	}
	return o
}

func binanceStatus(s string) model.OrderStatus {
	switch s {
	case "NEW":
		return model.OrderStatusNew
	case "PARTIALLY_FILLED":
		return model.OrderStatusPartiallyFilled
	case "FILLED":
		return model.OrderStatusFilled
	case "CANCELED", "EXPIRED", "PENDING_CANCEL":
		return model.OrderStatusCanceled
	case "REJECTED":
		return model.OrderStatusRejected
	default:
		return model.OrderStatusAccepted
	}
}

// Positions reports every non-quote balance as a position valued at the
// current mid price. Valuation failures leave MarketValue at zero.
func (b *BinanceBroker) Positions(ctx context.Context) ([]model.Position, error) {
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance account: %w", err)
	}
	var out []model.Position
	for _, bal := range acct.Balances {
		if strings.EqualFold(bal.Asset, b.quoteAsset) {
			continue
		}
		qty := balanceTotal(bal.Free, bal.Locked)
		if !qty.IsPositive() {
			continue
		}
		pos := model.Position{Symbol: bal.Asset + "/" + b.quoteAsset, Quantity: qty}
		if q, err := b.LatestQuote(ctx, pos.Symbol); err == nil {
			pos.MarketValue = qty.Mul(q.Mid())
		} else {
			b.logger.Debug("BinanceBroker: cannot value balance", "asset", bal.Asset, "error", err)
		}
		out = append(out, pos)
	}
	return out, nil
}

// Account returns the quote balance as cash and adds valued positions to
// equity.
func (b *BinanceBroker) Account(ctx context.Context) (model.Account, error) {
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return model.Account{}, fmt.Errorf("binance account: %w", err)
	}
	var cash decimal.Decimal
	for _, bal := range acct.Balances {
		if strings.EqualFold(bal.Asset, b.quoteAsset) {
			cash = balanceTotal(bal.Free, bal.Locked)
		}
	}
	positions, err := b.Positions(ctx)
	if err != nil {
		return model.Account{}, err
	}
	equity := cash
	for _, p := range positions {
		equity = equity.Add(p.MarketValue)
	}
	return model.Account{Equity: equity, Cash: cash}, nil
}

func balanceTotal(free, locked string) decimal.Decimal {
	f, _ := decimal.NewFromString(free)
	l, _ := decimal.NewFromString(locked)
	return f.Add(l)
}

// marketFilters loads the price and lot rules of vs once and caches them.
func (b *BinanceBroker) marketFilters(ctx context.Context, vs string) (symbolFilters, error) {
	b.mu.Lock()
	f, ok := b.filters[vs]
	b.mu.Unlock()
	if ok {
		return f, nil
	}

	info, err := b.client.NewExchangeInfoService().Symbol(vs).Do(ctx)
	if err != nil {
		return symbolFilters{}, fmt.Errorf("binance exchange info %s: %w", vs, err)
	}
	var sym *binance.Symbol
	for i := range info.Symbols {
		if info.Symbols[i].Symbol == vs {
			sym = &info.Symbols[i]
			break
		}
	}
	if sym == nil {
		return symbolFilters{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, vs)
	}

	if pf := sym.PriceFilter(); pf != nil {
		f.tickSize = parseFilter(pf.TickSize)
	}
	if lf := sym.LotSizeFilter(); lf != nil {
		f.stepSize = parseFilter(lf.StepSize)
		f.minQty = parseFilter(lf.MinQuantity)
	}
	if nf := sym.NotionalFilter(); nf != nil {
		f.minNotional = parseFilter(nf.MinNotional)
	} else {
		// Older markets still carry MIN_NOTIONAL instead of NOTIONAL.
		for _, raw := range sym.Filters {
			if raw["filterType"] == string(binance.SymbolFilterTypeMinNotional) {
				if v, ok := raw["minNotional"].(string); ok {
					f.minNotional = parseFilter(v)
				}
			}
		}
	}

	b.mu.Lock()
	b.filters[vs] = f
	b.mu.Unlock()
	b.logger.Debug("BinanceBroker: loaded symbol filters", "symbol", vs,
		"tickSize", f.tickSize, "stepSize", f.stepSize, "minNotional", f.minNotional)
	return f, nil
}

func parseFilter(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// roundToTick rounds price to the nearest multiple of the tick size.
func (f symbolFilters) roundToTick(price decimal.Decimal) decimal.Decimal {
	if !f.tickSize.IsPositive() {
		return price
	}
	return price.Div(f.tickSize).Round(0).Mul(f.tickSize)
}

// truncateToStep rounds qty down to a multiple of the step size so the order
// never spends more than requested.
func (f symbolFilters) truncateToStep(qty decimal.Decimal) decimal.Decimal {
	if !f.stepSize.IsPositive() {
		return qty
	}
	return qty.Div(f.stepSize).Floor().Mul(f.stepSize)
}

// shape fits req onto the market grid, or fails with ErrOrderTooSmall.
func (f symbolFilters) shape(req model.OrderRequest) (model.OrderRequest, error) {
	req.Quantity = f.truncateToStep(req.Quantity)
	if !req.Quantity.IsPositive() || req.Quantity.LessThan(f.minQty) {
		return req, fmt.Errorf("%w: quantity %s, minimum %s", ErrOrderTooSmall, req.Quantity, f.minQty)
	}
	if req.Type != model.OrderTypeLimit {
		return req, nil
	}
	req.LimitPrice = f.roundToTick(req.LimitPrice)
	if !req.LimitPrice.IsPositive() {
		return req, fmt.Errorf("%w: price %s below one tick", ErrOrderTooSmall, req.LimitPrice)
	}
	if notional := req.Quantity.Mul(req.LimitPrice); notional.LessThan(f.minNotional) {
		return req, fmt.Errorf("%w: notional %s, minimum %s", ErrOrderTooSmall, notional, f.minNotional)
	}
	return req, nil
}

// SubmitOrder rounds the price to the market's tick and the quantity down to
// its lot step before sending.
func (b *BinanceBroker) SubmitOrder(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	vs, err := venueSymbol(req.Symbol)
	if err != nil {
		return model.Order{}, err
	}
	f, err := b.marketFilters(ctx, vs)
	if err != nil {
		return model.Order{}, err
	}
	if req, err = f.shape(req); err != nil {
		return model.Order{}, err
	}

	svc := b.client.NewCreateOrderService().
		Symbol(vs).
		Side(binance.SideType(strings.ToUpper(string(req.Side)))).
		Quantity(req.Quantity.String())
	if req.Type == model.OrderTypeLimit {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(req.LimitPrice.String())
	} else {
		svc = svc.Type(binance.OrderTypeMarket)
	}
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return model.Order{}, fmt.Errorf("binance create order %s: %w", vs, err)
	}
	return binanceOrder(req.Symbol, res.OrderID, res.ClientOrderID, string(res.Side), string(res.Type), string(res.Status), res.Price, res.OrigQuantity, res.TransactTime), nil
}

func (b *BinanceBroker) CancelOrder(ctx context.Context, symbol, orderID string) error {
	vs, err := venueSymbol(symbol)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrOrderNotFound, orderID)
	}
	if _, err := b.client.NewCancelOrderService().Symbol(vs).OrderID(id).Do(ctx); err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == binanceCodeUnknownOrder {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return fmt.Errorf("binance cancel order %s: %w", orderID, err)
	}
	return nil
}
