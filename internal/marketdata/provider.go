package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gridbot/internal/model"
)

var ErrNoData = errors.New("marketdata: no bars available")

const (
	DefaultPageTimeout = 30 * time.Second
	DefaultMaxPages    = 100
)

// PageSource returns one page of historical bars. The venue adapters in
// internal/exchange implement it.
type PageSource interface {
	HistoricalBars(ctx context.Context, req model.BarsRequest) (model.BarPage, error)
}

// BarFetcher returns the full, time-ordered bar series of one window.
type BarFetcher interface {
	Bars(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time) ([]model.PriceBar, error)
}

// Provider pages through a PageSource until the continuation token runs out.
type Provider struct {
	logger      *slog.Logger
	source      PageSource
	pageTimeout time.Duration
	maxPages    int
}

// NewProvider creates a Provider. Zero values select DefaultPageTimeout and
// DefaultMaxPages.
func NewProvider(logger *slog.Logger, source PageSource, pageTimeout time.Duration, maxPages int) *Provider {
	if pageTimeout <= 0 {
		pageTimeout = DefaultPageTimeout
	}
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Provider{
		logger:      logger,
		source:      source,
		pageTimeout: pageTimeout,
		maxPages:    maxPages,
	}
}

// Bars fetches [start, end). A page that fails or times out after some bars
// have arrived ends pagination and the bars collected so far are returned.
// The same failure on the first page is returned as an error.
func (p *Provider) Bars(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time) ([]model.PriceBar, error) {
	var bars []model.PriceBar
	token := ""

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := p.fetchPage(ctx, model.BarsRequest{
			Symbol:    symbol,
			Timeframe: tf,
			Start:     start,
			End:       end,
			PageToken: token,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if len(bars) == 0 {
				return nil, fmt.Errorf("fetch %s page %d: %w", symbol, page, err)
			}
			p.logger.Warn("Provider: returning partial data", "symbol", symbol, "page", page, "bars", len(bars), "error", err)
			break
		}
		if len(res.Bars) == 0 {
			if page == 1 {
				p.logger.Warn("Provider: no bars in response", "symbol", symbol, "start", start, "end", end)
			}
			break
		}
		bars = append(bars, res.Bars...)
		p.logger.Debug("Provider: page received", "symbol", symbol, "page", page, "bars", len(res.Bars), "total", len(bars))

		if res.NextPageToken == "" {
			break
		}
		if page >= p.maxPages {
			p.logger.Warn("Provider: reached page limit", "symbol", symbol, "maxPages", p.maxPages, "bars", len(bars))
			break
		}
		token = res.NextPageToken
	}

	if len(bars) == 0 {
		return nil, fmt.Errorf("%s %s..%s: %w", symbol, start.Format(time.RFC3339), end.Format(time.RFC3339), ErrNoData)
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

func (p *Provider) fetchPage(ctx context.Context, req model.BarsRequest) (model.BarPage, error) {
	pageCtx, cancel := context.WithTimeout(ctx, p.pageTimeout)
	defer cancel()

	type result struct {
		page model.BarPage
		err  error
	}
	// Sources that ignore the context still have to give up the page.
	done := make(chan result, 1)
	go func() {
		page, err := p.source.HistoricalBars(pageCtx, req)
		done <- result{page, err}
	}()

	select {
	case r := <-done:
		return r.page, r.err
	case <-pageCtx.Done():
		return model.BarPage{}, fmt.Errorf("page timed out after %s: %w", p.pageTimeout, pageCtx.Err())
	}
}
