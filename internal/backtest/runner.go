package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"gridbot/internal/grid"
	"gridbot/internal/marketdata"
	"gridbot/internal/model"
)

// ErrInvalidRequest marks a backtest request rejected before any data is
// fetched.
var ErrInvalidRequest = errors.New("backtest: invalid request")

// Request describes one backtest run. ReferencePrice pins the ladder centre;
// when unset it is looked up at Start.
type Request struct {
	Symbol         string              `json:"symbol"`
	Timeframe      model.Timeframe     `json:"timeframe"`
	Start          time.Time           `json:"start"`
	End            time.Time           `json:"end"`
	RangePct       decimal.Decimal     `json:"range_pct"`
	LevelCount     int                 `json:"level_count"`
	OrderSize      decimal.Decimal     `json:"order_size"`
	InitialCapital decimal.Decimal     `json:"initial_capital"`
	ReferencePrice decimal.NullDecimal `json:"reference_price"`
}

// Validate rejects requests that cannot produce a ladder or a run.
func (r Request) Validate() error {
	switch {
	case r.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidRequest)
	case r.LevelCount <= 0:
		return fmt.Errorf("%w: %w", ErrInvalidRequest, grid.ErrInvalidLevelCount)
	case !r.OrderSize.IsPositive():
		return fmt.Errorf("%w: order size must be positive", ErrInvalidRequest)
	case !r.InitialCapital.IsPositive():
		return fmt.Errorf("%w: initial capital must be positive", ErrInvalidRequest)
	case !r.End.After(r.Start):
		return fmt.Errorf("%w: end must be after start", ErrInvalidRequest)
	case !r.Timeframe.Valid():
		return fmt.Errorf("%w: unknown timeframe %q", ErrInvalidRequest, r.Timeframe)
	case r.ReferencePrice.Valid && !r.ReferencePrice.Decimal.IsPositive():
		return fmt.Errorf("%w: reference price must be positive", ErrInvalidRequest)
	}
	if err := grid.CheckRange(r.RangePct); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// ResultStore persists finished backtests.
type ResultStore interface {
	SaveBacktest(ctx context.Context, res *model.BacktestResult) (int64, error)
}

// Options tune how a Runner walks the date range.
type Options struct {
	ChunkSize time.Duration
	FillScope FillScope
	// Prefetch fetches the next window while the current one is simulated.
	Prefetch bool
}

// Runner drives a backtest over consecutive windows, threading the simulator
// state from one window to the next.
type Runner struct {
	logger *slog.Logger
	bars   marketdata.BarFetcher
	store  ResultStore
	opts   Options
}

// NewRunner creates a Runner. store may be nil.
func NewRunner(logger *slog.Logger, bars marketdata.BarFetcher, store ResultStore, opts Options) *Runner {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = marketdata.DefaultChunkSize
	}
	if opts.FillScope == "" {
		opts.FillScope = FillScopeRun
	}
	return &Runner{logger: logger, bars: bars, store: store, opts: opts}
}

type chunk struct {
	window marketdata.Window
	bars   []model.PriceBar
	err    error
}

// Run executes req. Windows without data are counted as failed and skipped;
// only an invalid request, a missing reference price or cancellation abort
// the run.
func (r *Runner) Run(ctx context.Context, req Request) (*model.BacktestResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ref, err := r.referencePrice(ctx, req)
	if err != nil {
		return nil, err
	}
	if grid.Degenerate(req.RangePct) {
		r.logger.Warn("Runner: grid range is not positive, ladder collapses to one price", "symbol", req.Symbol, "rangePct", req.RangePct)
	}
	levels, err := grid.GenerateLevels(ref, req.RangePct, req.LevelCount, req.OrderSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	windows := marketdata.SplitWindows(req.Start, req.End, r.opts.ChunkSize)
	res := &model.BacktestResult{
		Symbol:         req.Symbol,
		Timeframe:      req.Timeframe,
		Start:          req.Start,
		End:            req.End,
		ReferencePrice: ref,
		InitialCapital: req.InitialCapital,
		ChunksTotal:    len(windows),
		Levels:         levels,
		Trades:         []model.Trade{},
	}
	r.logger.Info("Runner: starting backtest",
		"symbol", req.Symbol,
		"referencePrice", ref,
		"levels", len(levels),
		"chunks", len(windows),
		"fillScope", r.opts.FillScope,
	)

	sim := NewSimulator(r.logger, req.Symbol, r.opts.FillScope)
	state := NewChunkState(req.InitialCapital, decimal.Zero)
	var lastBar *model.PriceBar

	process := func(c chunk) {
		if c.err == nil && len(c.bars) == 0 {
			c.err = marketdata.ErrNoData
		}
		if c.err != nil {
			res.ChunksFailed++
			r.logger.Warn("Runner: skipping chunk", "symbol", req.Symbol, "start", c.window.Start, "end", c.window.End, "error", c.err)
			return
		}
		next, trades := sim.RunChunk(c.bars, levels, state)
		state = next
		res.Trades = append(res.Trades, trades...)
		res.ChunksProcessed++
		lastBar = &c.bars[len(c.bars)-1]
		r.logger.Info("Runner: chunk processed",
			"symbol", req.Symbol,
			"start", c.window.Start,
			"bars", len(c.bars),
			"trades", len(trades),
			"capital", state.Capital,
			"assetHolding", state.AssetHolding,
		)
	}

	if r.opts.Prefetch {
		err = r.prefetch(ctx, req, windows, process)
	} else {
		err = r.sequential(ctx, req, windows, process)
	}
	if err != nil {
		return nil, err
	}

	res.FinalCapital = state.Capital
	res.FinalAssetHolding = state.AssetHolding
	switch {
	case lastBar != nil:
		res.FinalPrice = lastBar.Close
		res.FinalPriceSource = model.FinalPriceBarClose
	case len(res.Trades) > 0:
		res.FinalPrice = res.Trades[len(res.Trades)-1].Price
		res.FinalPriceSource = model.FinalPriceLastTrade
		r.logger.Warn("Runner: no closing bar, valuing holdings at last trade price", "symbol", req.Symbol, "price", res.FinalPrice)
	default:
		res.FinalPriceSource = model.FinalPriceNone
		r.logger.Warn("Runner: no final price, equity excludes holdings", "symbol", req.Symbol, "assetHolding", state.AssetHolding)
	}
	res.FinalEquity = state.Equity(res.FinalPrice)
	Summarize(res)

	if res.ChunksProcessed == 0 {
		r.logger.Warn("Runner: no chunk produced data", "symbol", req.Symbol, "chunksFailed", res.ChunksFailed)
	}
	r.logger.Info("Runner: backtest finished",
		"symbol", req.Symbol,
		"trades", res.TotalTrades,
		"finalEquity", res.FinalEquity,
		"totalProfit", res.TotalProfit,
	)

	if r.store != nil {
		id, err := r.store.SaveBacktest(ctx, res)
		if err != nil {
			r.logger.Error("Runner: failed to save backtest", "symbol", req.Symbol, "error", err)
		} else {
			res.ID = id
		}
	}
	return res, nil
}

func (r *Runner) referencePrice(ctx context.Context, req Request) (decimal.Decimal, error) {
	if req.ReferencePrice.Valid {
		return req.ReferencePrice.Decimal, nil
	}
	ref, err := marketdata.ReferencePrice(ctx, r.bars, req.Symbol, req.Start)
	if err != nil {
		return decimal.Zero, err
	}
	if !ref.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s: %w", req.Symbol, marketdata.ErrNoReferencePrice)
	}
	return ref, nil
}

func (r *Runner) fetch(ctx context.Context, req Request, w marketdata.Window) chunk {
	bars, err := r.bars.Bars(ctx, req.Symbol, req.Timeframe, w.Start, w.End)
	return chunk{window: w, bars: bars, err: err}
}

func (r *Runner) sequential(ctx context.Context, req Request, windows []marketdata.Window, process func(chunk)) error {
	for _, w := range windows {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := r.fetch(ctx, req, w)
		if err := ctx.Err(); err != nil {
			return err
		}
		process(c)
	}
	return nil
}

// prefetch fetches window k+1 while window k is simulated. The unbuffered
// channel keeps the fetcher at most one window ahead.
func (r *Runner) prefetch(ctx context.Context, req Request, windows []marketdata.Window, process func(chunk)) error {
	g, gctx := errgroup.WithContext(ctx)
	chunks := make(chan chunk)

	g.Go(func() error {
		defer close(chunks)
		for _, w := range windows {
			c := r.fetch(gctx, req, w)
			select {
			case chunks <- c:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	g.Go(func() error {
		for c := range chunks {
			if err := gctx.Err(); err != nil {
				return err
			}
			process(c)
		}
		return nil
	})
	return g.Wait()
}
