package live

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gridbot/internal/exchange"
	"gridbot/internal/grid"
	"gridbot/internal/model"
)

const symbol = "BTC/USDT"

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Name() string { return "mock" }

func (m *MockBroker) LatestQuote(ctx context.Context, symbol string) (model.Quote, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(model.Quote), args.Error(1)
}

func (m *MockBroker) HistoricalBars(ctx context.Context, req model.BarsRequest) (model.BarPage, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(model.BarPage), args.Error(1)
}

func (m *MockBroker) OpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).([]model.Order), args.Error(1)
}

func (m *MockBroker) Positions(ctx context.Context) ([]model.Position, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.Position), args.Error(1)
}

func (m *MockBroker) Account(ctx context.Context) (model.Account, error) {
	args := m.Called(ctx)
	return args.Get(0).(model.Account), args.Error(1)
}

func (m *MockBroker) SubmitOrder(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(model.Order), args.Error(1)
}

func (m *MockBroker) CancelOrder(ctx context.Context, symbol, orderID string) error {
	args := m.Called(ctx, symbol, orderID)
	return args.Error(0)
}

type MockJournal struct {
	mock.Mock
}

func (m *MockJournal) LogTrade(ctx context.Context, trade model.Trade) error {
	args := m.Called(ctx, trade)
	return args.Error(0)
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func quote(price string) model.Quote {
	return model.Quote{Symbol: symbol, Bid: d(price), Ask: d(price), Time: time.Now()}
}

func limitOrder(id string, side model.Side, price, qty string) model.Order {
	return model.Order{
		ID:         id,
		Symbol:     symbol,
		Side:       side,
		Type:       model.OrderTypeLimit,
		LimitPrice: decimal.NewNullDecimal(d(price)),
		Quantity:   d(qty),
		Status:     model.OrderStatusNew,
	}
}

// orderAt matches a limit submission for side at price.
func orderAt(side model.Side, price string) any {
	return mock.MatchedBy(func(req model.OrderRequest) bool {
		return req.Side == side && req.Type == model.OrderTypeLimit && req.LimitPrice.Equal(d(price))
	})
}

// settings yields the ladder 90B 95B 100S 105S 110S around 100.
func settings() Settings {
	return Settings{
		Symbol:         symbol,
		RangePct:       d("10"),
		LevelCount:     5,
		OrderSize:      d("100"),
		InitialCapital: d("300"),
		PollInterval:   time.Second,
		Strategy:       grid.MatchGreedy,
		OnSyncFailure:  SyncAbstain,
		StopTimeout:    time.Second,
	}
}

func newTestOrchestrator(t *testing.T, b exchange.Broker, j TradeJournal, s Settings) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(quietLogger(), "test-session", b, j, NewMetrics(nil), s)
	require.NoError(t, err)
	return o
}

func levelsOf(entries []grid.LedgerEntry) []int {
	var out []int
	for _, e := range entries {
		out = append(out, e.Level)
	}
	return out
}

func TestSettingsValidate(t *testing.T) {
	assert.NoError(t, settings().Validate())

	bad := settings()
	bad.LevelCount = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSettings)
	assert.ErrorIs(t, bad.Validate(), grid.ErrInvalidLevelCount)

	bad = settings()
	bad.OrderSize = decimal.Zero
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSettings)

	bad = settings()
	bad.OnSyncFailure = "guess"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSettings)

	bad = settings()
	bad.Strategy = "random"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSettings)

	bad = settings()
	bad.RangePct = decimal.NewFromInt(150)
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSettings)
	assert.ErrorIs(t, bad.Validate(), grid.ErrInvalidRange)

	bad.RangePct = decimal.NewFromInt(100)
	assert.ErrorIs(t, bad.Validate(), grid.ErrInvalidRange)
}

func TestOrchestrator_StartReconcilesAndSeeds(t *testing.T) {
	ctx := context.Background()
	b := new(MockBroker)
	b.On("LatestQuote", mock.Anything, symbol).Return(quote("100"), nil)
	b.On("OpenOrders", mock.Anything, symbol).Return([]model.Order{
		limitOrder("existing", model.SideBuy, "95.2", "1"),
		limitOrder("foreign", model.SideSell, "200", "1"),
	}, nil)
	b.On("Positions", mock.Anything).Return([]model.Position{{Symbol: symbol, Quantity: d("1"), MarketValue: d("100")}}, nil)
	b.On("Account", mock.Anything).Return(model.Account{Equity: d("1100"), Cash: d("1000")}, nil)
	b.On("SubmitOrder", mock.Anything, orderAt(model.SideBuy, "90")).Return(model.Order{ID: "b0"}, nil).Once()
	b.On("SubmitOrder", mock.Anything, orderAt(model.SideSell, "105")).Return(model.Order{ID: "s3"}, nil).Once()

	o := newTestOrchestrator(t, b, nil, settings())
	require.NoError(t, o.start(ctx))

	snap := o.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, []int{0, 1, 3}, levelsOf(snap.Orders))
	assert.True(t, snap.Capital.Equal(d("1000")))
	assert.True(t, snap.AssetHolding.Equal(d("1")))
	require.Len(t, snap.Levels, 5)

	e, ok := o.ledger.Get(1)
	require.True(t, ok)
	assert.Equal(t, "existing", e.OrderID)
	b.AssertExpectations(t)
	b.AssertNumberOfCalls(t, "SubmitOrder", 2)
}

// seededOrchestrator is started against an empty venue with capital 1000 and
// one unit held: buys rest at levels 0 and 1, a sell at level 3.
func seededOrchestrator(t *testing.T, b *MockBroker, j TradeJournal) *Orchestrator {
	t.Helper()
	b.On("LatestQuote", mock.Anything, symbol).Return(quote("100"), nil).Once()
	b.On("OpenOrders", mock.Anything, symbol).Return([]model.Order{}, nil).Once()
	b.On("Positions", mock.Anything).Return([]model.Position{{Symbol: symbol, Quantity: d("1"), MarketValue: d("100")}}, nil).Once()
	b.On("Account", mock.Anything).Return(model.Account{Equity: d("1100")}, nil).Once()
	b.On("SubmitOrder", mock.Anything, orderAt(model.SideBuy, "90")).Return(model.Order{ID: "b0"}, nil).Once()
	b.On("SubmitOrder", mock.Anything, orderAt(model.SideBuy, "95")).Return(model.Order{ID: "b1"}, nil).Once()
	b.On("SubmitOrder", mock.Anything, orderAt(model.SideSell, "105")).Return(model.Order{ID: "s3"}, nil).Once()

	o := newTestOrchestrator(t, b, j, settings())
	require.NoError(t, o.start(context.Background()))
	require.Equal(t, []int{0, 1, 3}, levelsOf(o.ledger.Entries()))
	return o
}

func TestOrchestrator_FillCascades(t *testing.T) {
	ctx := context.Background()
	b := new(MockBroker)
	j := new(MockJournal)
	o := seededOrchestrator(t, b, j)

	// The buy at 95 fills: a sell for the bought quantity goes to level 2.
	b.On("LatestQuote", mock.Anything, symbol).Return(quote("94"), nil).Once()
	b.On("OpenOrders", mock.Anything, symbol).Return([]model.Order{
		limitOrder("b0", model.SideBuy, "90", "1.1111"),
		limitOrder("s3", model.SideSell, "105", "0.9523"),
	}, nil).Once()
	buyQty := d("100").Div(d("95"))
	b.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(req model.OrderRequest) bool {
		return req.Side == model.SideSell && req.LimitPrice.Equal(d("100")) && req.Quantity.Equal(buyQty)
	})).Return(model.Order{ID: "s2"}, nil).Once()
	j.On("LogTrade", mock.Anything, mock.MatchedBy(func(tr model.Trade) bool {
		return tr.Side == model.SideBuy && tr.Level == 1 && tr.SessionID == "test-session"
	})).Return(nil).Once()

	o.pollOnce(ctx)

	e, ok := o.ledger.Get(2)
	require.True(t, ok)
	assert.Equal(t, "s2", e.OrderID)
	assert.True(t, e.EntryPrice.Equal(d("95")))
	assert.False(t, o.ledger.Has(1))

	// The cascade sell fills: pnl is booked against the buy price and a buy
	// for the proceeds goes back to level 1.
	b.On("LatestQuote", mock.Anything, symbol).Return(quote("101"), nil).Once()
	b.On("OpenOrders", mock.Anything, symbol).Return([]model.Order{
		limitOrder("b0", model.SideBuy, "90", "1.1111"),
		limitOrder("s3", model.SideSell, "105", "0.9523"),
	}, nil).Once()
	proceeds := buyQty.Mul(d("100"))
	b.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(req model.OrderRequest) bool {
		return req.Side == model.SideBuy && req.LimitPrice.Equal(d("95")) && req.Quantity.Equal(proceeds.Div(d("95")))
	})).Return(model.Order{ID: "b1-again"}, nil).Once()
	j.On("LogTrade", mock.Anything, mock.MatchedBy(func(tr model.Trade) bool {
		return tr.Side == model.SideSell && tr.Level == 2
	})).Return(errors.New("journal down")).Once()

	o.pollOnce(ctx)

	snap := o.Snapshot()
	require.Equal(t, 2, snap.TradeCount)
	sell := snap.RecentTrades[1]
	assert.True(t, sell.EntryPrice.Equal(d("95")))
	assert.True(t, sell.PnL.Equal(proceeds.Sub(buyQty.Mul(d("95")))))
	assert.True(t, snap.RealizedPnL.Equal(sell.PnL))
	assert.True(t, snap.AssetHolding.Equal(d("1")))
	assert.Equal(t, []int{0, 1, 3}, levelsOf(snap.Orders))
	assert.True(t, snap.Equity.Equal(snap.Capital.Add(snap.AssetHolding.Mul(d("101")))))

	b.AssertExpectations(t)
	j.AssertExpectations(t)
}

func TestOrchestrator_UnchangedPriceSkipsOrderPoll(t *testing.T) {
	b := new(MockBroker)
	o := seededOrchestrator(t, b, nil)

	b.On("LatestQuote", mock.Anything, symbol).Return(quote("100"), nil).Once()
	o.pollOnce(context.Background())

	b.AssertNumberOfCalls(t, "OpenOrders", 1)
}

func TestOrchestrator_PollErrorsAreRecoverable(t *testing.T) {
	ctx := context.Background()
	b := new(MockBroker)
	o := seededOrchestrator(t, b, nil)

	b.On("LatestQuote", mock.Anything, symbol).Return(model.Quote{}, errors.New("timeout")).Once()
	o.pollOnce(ctx)
	assert.Equal(t, "timeout", o.Snapshot().LastError)

	b.On("LatestQuote", mock.Anything, symbol).Return(quote("99"), nil).Once()
	b.On("OpenOrders", mock.Anything, symbol).Return([]model.Order(nil), errors.New("502")).Once()
	o.pollOnce(ctx)

	snap := o.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, []int{0, 1, 3}, levelsOf(snap.Orders), "a failed poll must not be read as fills")
	assert.Zero(t, snap.TradeCount)
}

func TestOrchestrator_SyncFailureAbstains(t *testing.T) {
	ctx := context.Background()
	b := new(MockBroker)
	b.On("LatestQuote", mock.Anything, symbol).Return(quote("100"), nil)
	b.On("OpenOrders", mock.Anything, symbol).Return([]model.Order(nil), errors.New("unauthorized")).Once()

	o := newTestOrchestrator(t, b, nil, settings())
	require.NoError(t, o.start(ctx))
	assert.Equal(t, StateDegraded, o.State())
	b.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)

	// Still failing: stays degraded.
	b.On("OpenOrders", mock.Anything, symbol).Return([]model.Order(nil), errors.New("unauthorized")).Once()
	o.pollOnce(ctx)
	assert.Equal(t, StateDegraded, o.State())

	// Recovered: seeds and goes active.
	b.On("OpenOrders", mock.Anything, symbol).Return([]model.Order{}, nil).Once()
	b.On("Positions", mock.Anything).Return([]model.Position{}, nil).Once()
	b.On("Account", mock.Anything).Return(model.Account{Equity: d("150")}, nil).Once()
	b.On("SubmitOrder", mock.Anything, orderAt(model.SideBuy, "90")).Return(model.Order{ID: "b0"}, nil).Once()
	o.pollOnce(ctx)

	assert.Equal(t, StateActive, o.State())
	assert.Equal(t, []int{0}, levelsOf(o.ledger.Entries()), "capital covers a single buy")
	b.AssertExpectations(t)
}

func TestOrchestrator_SyncFailureFresh(t *testing.T) {
	b := new(MockBroker)
	b.On("LatestQuote", mock.Anything, symbol).Return(quote("100"), nil)
	b.On("OpenOrders", mock.Anything, symbol).Return([]model.Order{}, nil)
	b.On("Positions", mock.Anything).Return([]model.Position(nil), errors.New("unauthorized"))
	b.On("SubmitOrder", mock.Anything, orderAt(model.SideBuy, "90")).Return(model.Order{ID: "b0"}, nil).Once()
	b.On("SubmitOrder", mock.Anything, orderAt(model.SideBuy, "95")).Return(model.Order{ID: "b1"}, nil).Once()

	s := settings()
	s.OnSyncFailure = SyncFresh
	o := newTestOrchestrator(t, b, nil, s)
	require.NoError(t, o.start(context.Background()))

	snap := o.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.True(t, snap.Capital.Equal(d("300")))
	assert.True(t, snap.AssetHolding.IsZero())
	assert.Equal(t, []int{0, 1}, levelsOf(snap.Orders))
	b.AssertExpectations(t)
}

func TestOrchestrator_PlacementFailureIsPerOrder(t *testing.T) {
	b := new(MockBroker)
	b.On("LatestQuote", mock.Anything, symbol).Return(quote("100"), nil)
	b.On("OpenOrders", mock.Anything, symbol).Return([]model.Order{}, nil)
	b.On("Positions", mock.Anything).Return([]model.Position{}, nil)
	b.On("Account", mock.Anything).Return(model.Account{Equity: d("1000")}, nil)
	b.On("SubmitOrder", mock.Anything, orderAt(model.SideBuy, "90")).Return(model.Order{}, exchange.ErrInsufficientFunds).Once()
	b.On("SubmitOrder", mock.Anything, orderAt(model.SideBuy, "95")).Return(model.Order{ID: "b1"}, nil).Once()

	o := newTestOrchestrator(t, b, nil, settings())
	require.NoError(t, o.start(context.Background()))
	assert.Equal(t, []int{1}, levelsOf(o.ledger.Entries()))
}

func TestOrchestrator_VenueRoundingAndMinimums(t *testing.T) {
	b := new(MockBroker)
	b.On("LatestQuote", mock.Anything, symbol).Return(quote("100"), nil)
	b.On("OpenOrders", mock.Anything, symbol).Return([]model.Order{}, nil)
	b.On("Positions", mock.Anything).Return([]model.Position{}, nil)
	b.On("Account", mock.Anything).Return(model.Account{Equity: d("1000")}, nil)
	b.On("SubmitOrder", mock.Anything, orderAt(model.SideBuy, "90")).Return(model.Order{}, exchange.ErrOrderTooSmall).Once()
	b.On("SubmitOrder", mock.Anything, orderAt(model.SideBuy, "95")).Return(model.Order{ID: "b1", Quantity: d("1.05")}, nil).Once()

	metrics := NewMetrics(prometheus.NewRegistry())
	o, err := NewOrchestrator(quietLogger(), "test-session", b, nil, metrics, settings())
	require.NoError(t, err)
	require.NoError(t, o.start(context.Background()))

	entries := o.ledger.Entries()
	require.Equal(t, []int{1}, levelsOf(entries))
	assert.True(t, entries[0].Quantity.Equal(d("1.05")), "ledger keeps the quantity the venue accepted")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OrdersFailed.WithLabelValues(symbol, "buy", "too_small")))
}

func TestOrchestrator_LadderEdgesDoNotCascade(t *testing.T) {
	b := new(MockBroker)
	o := newTestOrchestrator(t, b, nil, settings())
	o.levels = []model.GridLevel{
		{Index: 0, Price: d("90"), Side: model.SideBuy, OrderSize: d("100")},
		{Index: 1, Price: d("110"), Side: model.SideSell, OrderSize: d("100")},
	}
	o.setBalances(d("1000"), d("5"))
	require.NoError(t, o.ledger.Assign(grid.LedgerEntry{Level: 0, OrderID: "low-sell", Side: model.SideSell, Price: d("90"), Quantity: d("1")}))
	require.NoError(t, o.ledger.Assign(grid.LedgerEntry{Level: 1, OrderID: "top-buy", Side: model.SideBuy, Price: d("110"), Quantity: d("1")}))

	o.handleFill(context.Background(), 0, d("100"))
	o.handleFill(context.Background(), 1, d("100"))

	b.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
	assert.Zero(t, o.ledger.Len())
	assert.Equal(t, 2, o.Snapshot().TradeCount)
}

func TestOrchestrator_CascadeIntoOccupiedLevelIsSkipped(t *testing.T) {
	b := new(MockBroker)
	o := newTestOrchestrator(t, b, nil, settings())
	o.levels = []model.GridLevel{
		{Index: 0, Price: d("90"), Side: model.SideBuy, OrderSize: d("100")},
		{Index: 1, Price: d("110"), Side: model.SideSell, OrderSize: d("100")},
	}
	o.setBalances(d("1000"), d("0"))
	require.NoError(t, o.ledger.Assign(grid.LedgerEntry{Level: 0, OrderID: "b0", Side: model.SideBuy, Price: d("90"), Quantity: d("1")}))
	require.NoError(t, o.ledger.Assign(grid.LedgerEntry{Level: 1, OrderID: "s1", Side: model.SideSell, Price: d("110"), Quantity: d("1")}))

	o.handleFill(context.Background(), 0, d("89"))

	b.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
	e, ok := o.ledger.Get(1)
	require.True(t, ok)
	assert.Equal(t, "s1", e.OrderID)
}

func TestOrchestrator_ShutdownCancelsEveryOrder(t *testing.T) {
	b := new(MockBroker)
	o := seededOrchestrator(t, b, nil)

	b.On("CancelOrder", mock.Anything, symbol, "b0").Return(errors.New("venue error")).Once()
	b.On("CancelOrder", mock.Anything, symbol, "b1").Return(exchange.ErrOrderNotFound).Once()
	b.On("CancelOrder", mock.Anything, symbol, "s3").Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o.shutdown(ctx)

	b.AssertExpectations(t)
	snap := o.Snapshot()
	assert.Equal(t, StateStopped, snap.State)
	assert.Empty(t, snap.Orders)
	assert.Zero(t, o.ledger.Len())
}

func TestOrchestrator_RunStopsPromptly(t *testing.T) {
	b := new(MockBroker)
	b.On("LatestQuote", mock.Anything, symbol).Return(quote("100"), nil)
	b.On("OpenOrders", mock.Anything, symbol).Return([]model.Order{}, nil)
	b.On("Positions", mock.Anything).Return([]model.Position{}, nil)
	b.On("Account", mock.Anything).Return(model.Account{}, nil)

	s := settings()
	s.PollInterval = time.Hour
	o := newTestOrchestrator(t, b, nil, s)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- o.Run(ctx) }()

	require.Eventually(t, func() bool { return o.State() == StateActive }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateStopped, o.State())
}

func TestOrchestrator_RunFailsWithoutPrice(t *testing.T) {
	b := new(MockBroker)
	b.On("LatestQuote", mock.Anything, symbol).Return(model.Quote{}, exchange.ErrUnavailable)

	o := newTestOrchestrator(t, b, nil, settings())
	err := o.Run(context.Background())
	assert.ErrorIs(t, err, exchange.ErrUnavailable)
	assert.Equal(t, StateStopped, o.State())
	<-o.Done()
}

func TestOrchestrator_OptimalStrategy(t *testing.T) {
	b := new(MockBroker)
	b.On("LatestQuote", mock.Anything, symbol).Return(quote("100"), nil)
	// Ladder 99.6B 99.8B 100S 100.2S 100.4S, tolerance 0.5. Greedy gives
	// level 1 to x and leaves y unmatched; optimal places both.
	b.On("OpenOrders", mock.Anything, symbol).Return([]model.Order{
		limitOrder("x", model.SideBuy, "99.72", "1"),
		limitOrder("y", model.SideBuy, "100.2", "1"),
	}, nil)
	b.On("Positions", mock.Anything).Return([]model.Position{}, nil)
	b.On("Account", mock.Anything).Return(model.Account{}, nil)

	s := settings()
	s.RangePct = d("0.4")

	greedy := newTestOrchestrator(t, b, nil, s)
	require.NoError(t, greedy.start(context.Background()))
	assert.Equal(t, []int{1}, levelsOf(greedy.ledger.Entries()))

	s.Strategy = grid.MatchOptimal
	optimal := newTestOrchestrator(t, b, nil, s)
	require.NoError(t, optimal.start(context.Background()))
	entries := optimal.ledger.Entries()
	require.Equal(t, []int{0, 1}, levelsOf(entries))
	assert.Equal(t, "x", entries[0].OrderID)
	assert.Equal(t, "y", entries[1].OrderID)
}
