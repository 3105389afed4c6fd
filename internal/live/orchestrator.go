package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gridbot/internal/exchange"
	"gridbot/internal/grid"
	"gridbot/internal/model"
)

// State is a phase of the orchestrator lifecycle.
type State string

const (
	StateIdle     State = "idle"
	StateSeeding  State = "seeding"
	StateActive   State = "active"
	StateDegraded State = "degraded"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// SyncFailureMode decides what happens when the venue state cannot be read
// at startup.
type SyncFailureMode string

const (
	// SyncAbstain places no orders and retries the sync every cycle.
	SyncAbstain SyncFailureMode = "abstain"
	// SyncFresh assumes the configured capital and no holdings.
	SyncFresh SyncFailureMode = "fresh"
)

// TradeJournal persists executed trades.
type TradeJournal interface {
	LogTrade(ctx context.Context, trade model.Trade) error
}

// Settings configure one grid session.
type Settings struct {
	Symbol     string          `json:"symbol"`
	RangePct   decimal.Decimal `json:"range_pct"`
	LevelCount int             `json:"level_count"`
	OrderSize  decimal.Decimal `json:"order_size"`
	// InitialCapital is only used by SyncFresh.
	InitialCapital decimal.Decimal    `json:"initial_capital"`
	PollInterval   time.Duration      `json:"poll_interval"`
	Strategy       grid.MatchStrategy `json:"reconcile_strategy"`
	OnSyncFailure  SyncFailureMode    `json:"on_sync_failure"`
	StopTimeout    time.Duration      `json:"stop_timeout"`
}

// ErrInvalidSettings wraps every Settings validation failure.
var ErrInvalidSettings = errors.New("live: invalid settings")

// Validate checks s before any order is placed.
func (s Settings) Validate() error {
	switch {
	case s.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidSettings)
	case s.LevelCount <= 0:
		return fmt.Errorf("%w: %w", ErrInvalidSettings, grid.ErrInvalidLevelCount)
	case !s.OrderSize.IsPositive():
		return fmt.Errorf("%w: order size must be positive", ErrInvalidSettings)
	case s.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidSettings)
	case s.OnSyncFailure != SyncAbstain && s.OnSyncFailure != SyncFresh:
		return fmt.Errorf("%w: unknown sync failure mode %q", ErrInvalidSettings, s.OnSyncFailure)
	}
	if err := grid.CheckRange(s.RangePct); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	if _, err := grid.MatcherFor(s.Strategy); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	return nil
}

// Snapshot is a point-in-time copy of a session for readers outside the loop.
type Snapshot struct {
	SessionID    string             `json:"session_id"`
	Symbol       string             `json:"symbol"`
	State        State              `json:"state"`
	StartedAt    time.Time          `json:"started_at"`
	LastPrice    decimal.Decimal    `json:"last_price"`
	Capital      decimal.Decimal    `json:"capital"`
	AssetHolding decimal.Decimal    `json:"asset_holding"`
	Equity       decimal.Decimal    `json:"equity"`
	RealizedPnL  decimal.Decimal    `json:"realized_pnl"`
	Levels       []model.GridLevel  `json:"levels"`
	Orders       []grid.LedgerEntry `json:"orders"`
	TradeCount   int                `json:"trade_count"`
	RecentTrades []model.Trade      `json:"recent_trades,omitempty"`
	LastError    string             `json:"last_error,omitempty"`
	Settings     Settings           `json:"settings"`
}

const recentTrades = 20

// Orchestrator runs one grid session against a Broker: it reconciles the
// venue's open orders into a Ledger, seeds the missing ladder orders and then
// polls for fills, cascading a replacement order to the adjacent level on
// every fill.
//
// The ledger, capital and holdings are owned by the Run goroutine. Readers
// use Snapshot.
type Orchestrator struct {
	logger   *slog.Logger
	broker   exchange.Broker
	journal  TradeJournal
	metrics  *Metrics
	settings Settings
	matcher  grid.Matcher
	id       string

	ledger *grid.Ledger
	levels []model.GridLevel

	mu        sync.RWMutex
	state     State
	startedAt time.Time
	lastPrice decimal.Decimal
	capital   decimal.Decimal
	holdings  decimal.Decimal
	realized  decimal.Decimal
	trades    []model.Trade
	ladder    []model.GridLevel
	published []grid.LedgerEntry
	lastErr   string

	done chan struct{}
}

// NewOrchestrator creates an idle session. journal and metrics may be nil.
func NewOrchestrator(logger *slog.Logger, id string, broker exchange.Broker, journal TradeJournal, metrics *Metrics, settings Settings) (*Orchestrator, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	matcher, _ := grid.MatcherFor(settings.Strategy)
	if settings.StopTimeout <= 0 {
		settings.StopTimeout = 15 * time.Second
	}
	return &Orchestrator{
		logger:   logger.With("session", id, "symbol", settings.Symbol),
		broker:   broker,
		journal:  journal,
		metrics:  metrics,
		settings: settings,
		matcher:  matcher,
		id:       id,
		ledger:   grid.NewLedger(),
		state:    StateIdle,
		done:     make(chan struct{}),
	}, nil
}

// ID returns the session id.
func (o *Orchestrator) ID() string {
	return o.id
}

// Done is closed when Run returns.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Run seeds the ladder and polls until ctx is cancelled, then cancels every
// tracked order. It returns an error only when the session cannot start.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)

	o.mu.Lock()
	o.startedAt = time.Now().UTC()
	o.mu.Unlock()

	if err := o.start(ctx); err != nil {
		o.fail(err)
		o.setState(StateStopped)
		return err
	}

	ticker := time.NewTicker(o.settings.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.shutdown(ctx)
			return nil
		case <-ticker.C:
			o.pollOnce(ctx)
		}
	}
}

// start generates the ladder around the current price and brings the session
// to Active, or to Degraded when the venue state cannot be read.
func (o *Orchestrator) start(ctx context.Context) error {
	o.setState(StateSeeding)
	o.logger.Info("Orchestrator: starting grid session")

	price, err := o.currentPrice(ctx)
	if err != nil {
		return fmt.Errorf("reference price: %w", err)
	}
	if grid.Degenerate(o.settings.RangePct) {
		o.logger.Warn("Orchestrator: grid range is not positive, all levels share one price", "rangePct", o.settings.RangePct)
	}
	levels, err := grid.GenerateLevels(price, o.settings.RangePct, o.settings.LevelCount, o.settings.OrderSize)
	if err != nil {
		return err
	}
	o.levels = levels
	o.mu.Lock()
	o.ladder = levels
	o.mu.Unlock()
	o.setPrice(price)
	o.logger.Info("Orchestrator: grid levels calculated", "levels", len(levels), "referencePrice", price)

	if err := o.sync(ctx, price); err != nil {
		o.fail(err)
		if o.settings.OnSyncFailure == SyncAbstain {
			o.logger.Error("Orchestrator: cannot read venue state, abstaining from trading", "error", err)
			o.setState(StateDegraded)
			return nil
		}
		o.logger.Error("Orchestrator: cannot read venue state, proceeding with fresh state", "error", err)
		o.ledger.Clear()
		o.setBalances(o.settings.InitialCapital, decimal.Zero)
	}

	o.seed(ctx, price)
	o.setState(StateActive)
	return nil
}

func (o *Orchestrator) currentPrice(ctx context.Context) (decimal.Decimal, error) {
	q, err := o.broker.LatestQuote(ctx, o.settings.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Mid(), nil
}

// sync rebuilds the ledger from the venue's open orders and reads capital and
// holdings from the account. On error nothing is changed.
func (o *Orchestrator) sync(ctx context.Context, price decimal.Decimal) error {
	orders, err := o.broker.OpenOrders(ctx, o.settings.Symbol)
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}
	positions, err := o.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("positions: %w", err)
	}
	account, err := o.broker.Account(ctx)
	if err != nil {
		return fmt.Errorf("account: %w", err)
	}

	open := make([]model.Order, 0, len(orders))
	for _, ord := range orders {
		if ord.Status.Open() {
			open = append(open, ord)
		}
	}
	res := o.matcher(open, o.levels, grid.PriceTolerance(price))
	ledger, err := res.Ledger()
	if err != nil {
		return fmt.Errorf("rebuild ledger: %w", err)
	}
	for _, ord := range res.NoLimit {
		o.logger.Warn("Orchestrator: open order without limit price", "orderId", ord.ID, "side", ord.Side)
	}
	for _, ord := range res.Unmatched {
		o.logger.Warn("Orchestrator: open order matches no grid level, leaving it unmanaged",
			"orderId", ord.ID, "side", ord.Side, "price", ord.LimitPrice.Decimal)
	}
	for _, e := range res.Entries {
		o.logger.Info("Orchestrator: matched existing order", "orderId", e.OrderID, "gridLevel", e.Level, "side", e.Side, "price", e.Price)
	}

	pos := exchange.PositionFor(positions, o.settings.Symbol)
	o.ledger = ledger
	o.setBalances(account.Equity.Sub(pos.MarketValue), pos.Quantity)
	o.publish()
	o.logger.Info("Orchestrator: synced venue state",
		"capital", account.Equity.Sub(pos.MarketValue),
		"assetHolding", pos.Quantity,
		"matched", len(res.Entries),
		"openOrders", len(open),
	)
	return nil
}

// seed places every missing ladder order: buys below price, sells above it.
// Funds committed by earlier orders in the same pass are not reused.
func (o *Orchestrator) seed(ctx context.Context, price decimal.Decimal) {
	capital, holdings := o.balances()
	var placed, skipped, existing int

	for _, lvl := range o.levels {
		if o.ledger.Has(lvl.Index) {
			existing++
			if e, ok := o.ledger.Get(lvl.Index); ok {
				if e.Side == model.SideBuy {
					capital = capital.Sub(e.Quantity.Mul(e.Price))
				} else {
					holdings = holdings.Sub(e.Quantity)
				}
			}
			continue
		}
		if lvl.Side == model.SideBuy && !lvl.Price.LessThan(price) ||
			lvl.Side == model.SideSell && !lvl.Price.GreaterThan(price) {
			skipped++
			continue
		}

		qty := lvl.Quantity()
		if lvl.Side == model.SideBuy && capital.LessThan(lvl.OrderSize) {
			o.logger.Warn("Orchestrator: insufficient capital for buy level", "gridLevel", lvl.Index, "required", lvl.OrderSize, "available", capital)
			o.metrics.orderFailed(o.settings.Symbol, string(lvl.Side), "insufficient_capital")
			skipped++
			continue
		}
		if lvl.Side == model.SideSell && holdings.LessThan(qty) {
			o.logger.Warn("Orchestrator: insufficient assets for sell level", "gridLevel", lvl.Index, "required", qty, "available", holdings)
			o.metrics.orderFailed(o.settings.Symbol, string(lvl.Side), "insufficient_assets")
			skipped++
			continue
		}

		if _, ok := o.place(ctx, lvl.Index, lvl.Side, lvl.Price, qty, decimal.Zero); !ok {
			skipped++
			continue
		}
		placed++
		if lvl.Side == model.SideBuy {
			capital = capital.Sub(lvl.OrderSize)
		} else {
			holdings = holdings.Sub(qty)
		}
	}
	o.publish()
	o.logger.Info("Orchestrator: initial grid orders placed",
		"placed", placed, "alreadyExist", existing, "skipped", skipped, "levels", len(o.levels))
}

// place submits a limit order and records it at level.
func (o *Orchestrator) place(ctx context.Context, level int, side model.Side, price, qty, entry decimal.Decimal) (grid.LedgerEntry, bool) {
	ord, err := o.broker.SubmitOrder(ctx, model.OrderRequest{
		Symbol:     o.settings.Symbol,
		Side:       side,
		Type:       model.OrderTypeLimit,
		Quantity:   qty,
		LimitPrice: price,
		ClientID:   clientOrderID(level),
	})
	if err != nil {
		reason := "rejected"
		if errors.Is(err, exchange.ErrInsufficientFunds) {
			reason = "insufficient_funds"
		} else if errors.Is(err, exchange.ErrOrderTooSmall) {
			reason = "too_small"
		} else if errors.Is(err, exchange.ErrUnavailable) {
			reason = "unavailable"
		}
		o.logger.Error("Orchestrator: failed to place order", "gridLevel", level, "side", side, "price", price, "quantity", qty, "error", err)
		o.metrics.orderFailed(o.settings.Symbol, string(side), reason)
		return grid.LedgerEntry{}, false
	}

	// Venues may round the quantity to their lot size.
	if ord.Quantity.IsPositive() {
		qty = ord.Quantity
	}
	e := grid.LedgerEntry{Level: level, OrderID: ord.ID, Side: side, Price: price, Quantity: qty, EntryPrice: entry}
	if err := o.ledger.Assign(e); err != nil {
		o.logger.Error("Orchestrator: cannot track placed order, cancelling it", "orderId", ord.ID, "gridLevel", level, "error", err)
		if cerr := o.broker.CancelOrder(ctx, o.settings.Symbol, ord.ID); cerr != nil {
			o.logger.Error("Orchestrator: failed to cancel untracked order", "orderId", ord.ID, "error", cerr)
		}
		return grid.LedgerEntry{}, false
	}
	o.metrics.orderPlaced(o.settings.Symbol, string(side))
	o.logger.Info("Orchestrator: placed order", "gridLevel", level, "side", side, "price", price, "quantity", qty, "orderId", ord.ID)
	return e, true
}

func clientOrderID(level int) string {
	return fmt.Sprintf("grid-%d-%s", level, uuid.NewString()[:8])
}

// pollOnce runs one cycle. Errors are logged and the next cycle retries.
func (o *Orchestrator) pollOnce(ctx context.Context) {
	price, err := o.currentPrice(ctx)
	if err != nil {
		o.logger.Error("Orchestrator: failed to fetch price", "error", err)
		o.metrics.pollError(o.settings.Symbol, "price")
		o.fail(err)
		return
	}

	if o.State() == StateDegraded {
		if err := o.sync(ctx, price); err != nil {
			o.logger.Warn("Orchestrator: venue state still unavailable", "error", err)
			o.metrics.pollError(o.settings.Symbol, "sync")
			o.fail(err)
			return
		}
		o.logger.Info("Orchestrator: venue state recovered, resuming")
		o.setPrice(price)
		o.seed(ctx, price)
		o.setState(StateActive)
		return
	}

	last := o.snapshotPrice()
	if price.Equal(last) {
		return
	}
	o.logger.Debug("Orchestrator: price changed", "from", last, "to", price)
	o.setPrice(price)

	orders, err := o.broker.OpenOrders(ctx, o.settings.Symbol)
	if err != nil {
		o.logger.Error("Orchestrator: failed to list open orders", "error", err)
		o.metrics.pollError(o.settings.Symbol, "orders")
		o.fail(err)
		return
	}
	open := make(map[string]struct{}, len(orders))
	for _, ord := range orders {
		if ord.Status.Open() {
			open[ord.ID] = struct{}{}
		}
	}
	for _, level := range o.ledger.Filled(open) {
		o.handleFill(ctx, level, price)
	}
	o.publish()

	capital, holdings := o.balances()
	o.logger.Debug("Orchestrator: portfolio", "equity", capital.Add(holdings.Mul(price)), "capital", capital, "assetHolding", holdings)
}

// handleFill books the fill at level and cascades: a filled buy places a sell
// for the bought quantity one level up; a filled sell places a buy for the
// proceeds one level down.
func (o *Orchestrator) handleFill(ctx context.Context, level int, price decimal.Decimal) {
	e, ok := o.ledger.Remove(level)
	if !ok {
		return
	}
	capital, holdings := o.balances()
	notional := e.Quantity.Mul(e.Price)
	trade := model.Trade{
		SessionID: o.id,
		Symbol:    o.settings.Symbol,
		Level:     level,
		Side:      e.Side,
		Price:     e.Price,
		Size:      notional,
		Quantity:  e.Quantity,
		OrderID:   e.OrderID,
		Timestamp: time.Now().UTC(),
	}

	var target int
	var next grid.LedgerEntry
	if e.Side == model.SideBuy {
		capital = capital.Sub(notional)
		holdings = holdings.Add(e.Quantity)
		target = level + 1
		if target < len(o.levels) {
			next = grid.LedgerEntry{Side: model.SideSell, Price: o.levels[target].Price, Quantity: e.Quantity, EntryPrice: e.Price}
		}
	} else {
		entry := e.EntryPrice
		if entry.IsZero() && level > 0 {
			entry = o.levels[level-1].Price
		}
		if !entry.IsZero() {
			trade.EntryPrice = entry
			trade.PnL = notional.Sub(e.Quantity.Mul(entry))
		}
		capital = capital.Add(notional)
		holdings = holdings.Sub(e.Quantity)
		target = level - 1
		if target >= 0 {
			p := o.levels[target].Price
			if p.IsPositive() {
				next = grid.LedgerEntry{Side: model.SideBuy, Price: p, Quantity: notional.Div(p)}
			}
		}
	}
	o.setBalances(capital, holdings)
	trade.Equity = capital.Add(holdings.Mul(price))
	o.record(ctx, trade)
	o.metrics.fill(o.settings.Symbol, string(e.Side))
	o.logger.Info("Orchestrator: order filled", "gridLevel", level, "side", e.Side, "price", e.Price, "quantity", e.Quantity, "pnl", trade.PnL)

	switch {
	case next.Side == "":
		o.logger.Debug("Orchestrator: fill at ladder edge, no cascade", "gridLevel", level)
	case o.ledger.Has(target):
		o.logger.Warn("Orchestrator: cascade target already has an order, skipping", "gridLevel", target, "side", next.Side)
	default:
		o.place(ctx, target, next.Side, next.Price, next.Quantity, next.EntryPrice)
	}
}

func (o *Orchestrator) record(ctx context.Context, t model.Trade) {
	o.mu.Lock()
	o.trades = append(o.trades, t)
	o.realized = o.realized.Add(t.PnL)
	realized := o.realized
	o.mu.Unlock()
	o.metrics.realized(o.id, realized.InexactFloat64())

	if o.journal != nil {
		if err := o.journal.LogTrade(ctx, t); err != nil {
			o.logger.Error("Orchestrator: failed to log trade", "error", err)
		}
	}
}

// shutdown cancels every tracked order. parent is already cancelled, so the
// cancellations run on a detached context bounded by the stop timeout.
func (o *Orchestrator) shutdown(parent context.Context) {
	o.setState(StateStopping)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), o.settings.StopTimeout)
	defer cancel()

	entries := o.ledger.Entries()
	o.logger.Info("Orchestrator: cancelling all active orders", "orders", len(entries))
	for _, e := range entries {
		err := o.broker.CancelOrder(ctx, o.settings.Symbol, e.OrderID)
		switch {
		case err == nil:
			o.logger.Info("Orchestrator: cancelled order", "orderId", e.OrderID, "gridLevel", e.Level)
		case errors.Is(err, exchange.ErrOrderNotFound):
			o.logger.Warn("Orchestrator: order already gone", "orderId", e.OrderID, "gridLevel", e.Level)
		default:
			o.logger.Error("Orchestrator: failed to cancel order", "orderId", e.OrderID, "gridLevel", e.Level, "error", err)
		}
	}
	o.ledger.Clear()
	o.publish()
	o.setState(StateStopped)
	o.logger.Info("Orchestrator: grid session stopped")
}

// Snapshot returns a copy of the session state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := Snapshot{
		SessionID:    o.id,
		Symbol:       o.settings.Symbol,
		State:        o.state,
		StartedAt:    o.startedAt,
		LastPrice:    o.lastPrice,
		Capital:      o.capital,
		AssetHolding: o.holdings,
		Equity:       o.capital.Add(o.holdings.Mul(o.lastPrice)),
		RealizedPnL:  o.realized,
		Levels:       append([]model.GridLevel(nil), o.ladder...),
		Orders:       append([]grid.LedgerEntry(nil), o.published...),
		TradeCount:   len(o.trades),
		LastError:    o.lastErr,
		Settings:     o.settings,
	}
	from := max(0, len(o.trades)-recentTrades)
	s.RecentTrades = append([]model.Trade(nil), o.trades[from:]...)
	return s
}

// Trades returns every trade of the session.
func (o *Orchestrator) Trades() []model.Trade {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]model.Trade(nil), o.trades...)
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.logger.Debug("Orchestrator: state changed", "state", s)
}

func (o *Orchestrator) setPrice(p decimal.Decimal) {
	o.mu.Lock()
	o.lastPrice = p
	o.mu.Unlock()
}

func (o *Orchestrator) snapshotPrice() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastPrice
}

func (o *Orchestrator) setBalances(capital, holdings decimal.Decimal) {
	o.mu.Lock()
	o.capital, o.holdings = capital, holdings
	o.mu.Unlock()
}

func (o *Orchestrator) balances() (decimal.Decimal, decimal.Decimal) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.capital, o.holdings
}

func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	o.lastErr = err.Error()
	o.mu.Unlock()
}

// publish copies the loop-owned ledger for Snapshot.
func (o *Orchestrator) publish() {
	entries := o.ledger.Entries()
	o.mu.Lock()
	o.published = entries
	o.mu.Unlock()
}
