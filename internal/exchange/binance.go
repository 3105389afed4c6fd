package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"gridbot/internal/model"
)

const binanceStreamURL = "wss://stream.binance.com:9443/ws/"

// BinanceStream implements the QuoteStreamer interface for Binance spot
// book tickers.
type BinanceStream struct {
	logger *slog.Logger
	// BaseURL is the websocket endpoint the stream name is appended to.
	BaseURL string
	Dialer  *websocket.Dialer
}

// NewBinanceStream creates a new BinanceStream.
func NewBinanceStream(logger *slog.Logger) *BinanceStream {
	return &BinanceStream{logger: logger, BaseURL: binanceStreamURL, Dialer: websocket.DefaultDialer}
}

func (b *BinanceStream) GetName() string {
	return "binance"
}

// StartStream streams best bid/ask updates for symbol until ctx ends.
func (b *BinanceStream) StartStream(ctx context.Context, quotes chan<- model.Quote, symbol string) error {
	base, quote, err := SplitSymbol(symbol)
	if err != nil {
		return err
	}
	feed := feedConfig{
		name:  "BinanceStream",
		url:   b.BaseURL + strings.ToLower(base+quote) + "@bookTicker",
		parse: func(msg []byte) (model.Quote, bool, error) { return parseBinanceTicker(msg, symbol) },
	}
	return runStream(ctx, b.logger, b.Dialer, feed, quotes)
}

type binanceBookTicker struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
}

func parseBinanceTicker(msg []byte, symbol string) (model.Quote, bool, error) {
	var t binanceBookTicker
	if err := json.Unmarshal(msg, &t); err != nil {
		return model.Quote{}, false, err
	}
	if t.Bid == "" || t.Ask == "" {
		return model.Quote{}, false, nil
	}
	bid, err := decimal.NewFromString(t.Bid)
	if err != nil {
		return model.Quote{}, false, err
	}
	ask, err := decimal.NewFromString(t.Ask)
	if err != nil {
		return model.Quote{}, false, err
	}
	return model.Quote{
		Exchange: "binance",
		Symbol:   symbol,
		Bid:      bid,
		Ask:      ask,
		Time:     time.Now().UTC(),
	}, true, nil
}
