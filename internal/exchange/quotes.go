package exchange

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gridbot/internal/model"
)

// QuoteCache keeps the latest streamed quote per symbol.
type QuoteCache struct {
	logger *slog.Logger

	mu     sync.RWMutex
	quotes map[string]model.Quote
}

// NewQuoteCache creates an empty QuoteCache.
func NewQuoteCache(logger *slog.Logger) *QuoteCache {
	return &QuoteCache{logger: logger, quotes: make(map[string]model.Quote)}
}

// Run streams symbol from s into the cache until ctx ends.
func (c *QuoteCache) Run(ctx context.Context, s QuoteStreamer, symbol string) error {
	quotes := make(chan model.Quote, 16)
	done := make(chan error, 1)
	go func() {
		done <- s.StartStream(ctx, quotes, symbol)
	}()

	c.logger.Info("QuoteCache: streaming quotes", "stream", s.GetName(), "symbol", symbol)
	for {
		select {
		case q := <-quotes:
			c.Put(q)
		case err := <-done:
			return err
		}
	}
}

// Put stores q if it is newer than the cached quote for its symbol.
func (c *QuoteCache) Put(q model.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.quotes[q.Symbol]; ok && prev.Time.After(q.Time) {
		return
	}
	c.quotes[q.Symbol] = q
}

// Latest returns the cached quote for symbol.
func (c *QuoteCache) Latest(symbol string) (model.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[symbol]
	return q, ok
}

// CachedQuotes serves LatestQuote from a QuoteCache while the cached quote is
// younger than maxAge and falls back to the wrapped Broker otherwise.
type CachedQuotes struct {
	Broker
	cache  *QuoteCache
	maxAge time.Duration
	now    func() time.Time
}

// NewCachedQuotes wraps b.
func NewCachedQuotes(b Broker, cache *QuoteCache, maxAge time.Duration) *CachedQuotes {
	return &CachedQuotes{Broker: b, cache: cache, maxAge: maxAge, now: time.Now}
}

func (c *CachedQuotes) LatestQuote(ctx context.Context, symbol string) (model.Quote, error) {
	if q, ok := c.cache.Latest(symbol); ok && c.now().Sub(q.Time) <= c.maxAge {
		return q, nil
	}
	return c.Broker.LatestQuote(ctx, symbol)
}
