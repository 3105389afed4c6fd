package exchange

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"gridbot/internal/config"
)

// NewBroker creates the venue named by cfg.Name behind a ResilientBroker. A
// non-nil cache serves quotes ahead of the REST API. The paper venue trades
// in memory against Binance public market data.
func NewBroker(logger *slog.Logger, cfg config.ExchangeConfig, cache *QuoteCache) (Broker, error) {
	withCache := func(b Broker) Broker {
		if cache == nil {
			return b
		}
		return NewCachedQuotes(b, cache, cfg.QuoteMaxAge)
	}

	switch cfg.Name {
	case "binance":
		venue := NewBinanceBroker(logger, cfg.APIKey, cfg.SecretKey, cfg.BaseURL, "")
		return withCache(NewResilientBroker(logger, venue, cfg)), nil
	case "paper":
		public := NewBinanceBroker(logger, "", "", cfg.BaseURL, "")
		market := withCache(NewResilientBroker(logger, public, cfg))
		return NewPaperBroker(logger, decimal.NewFromFloat(cfg.PaperCash), market), nil
	default:
		return nil, fmt.Errorf("unknown exchange: %s", cfg.Name)
	}
}

// NewStreamer creates the websocket quote stream with the given name.
func NewStreamer(name string, logger *slog.Logger) (QuoteStreamer, error) {
	switch name {
	case "kraken":
		return NewKrakenStream(logger), nil
	case "binance":
		return NewBinanceStream(logger), nil
	default:
		return nil, fmt.Errorf("unknown stream: %s", name)
	}
}
