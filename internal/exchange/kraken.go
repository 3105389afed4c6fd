package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"gridbot/internal/model"
)

const krakenStreamURL = "wss://ws.kraken.com"

// KrakenStream implements the QuoteStreamer interface for Kraken tickers.
type KrakenStream struct {
	logger *slog.Logger
	URL    string
	Dialer *websocket.Dialer
}

// NewKrakenStream creates a new KrakenStream.
func NewKrakenStream(logger *slog.Logger) *KrakenStream {
	return &KrakenStream{logger: logger, URL: krakenStreamURL, Dialer: websocket.DefaultDialer}
}

func (k *KrakenStream) GetName() string {
	return "kraken"
}

// krakenPair maps "BTC/EUR" to Kraken's "XBT/EUR".
func krakenPair(symbol string) (string, error) {
	base, quote, err := SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	if base == "BTC" {
		base = "XBT"
	}
	return base + "/" + quote, nil
}

// StartStream subscribes to the ticker channel for symbol until ctx ends.
func (k *KrakenStream) StartStream(ctx context.Context, quotes chan<- model.Quote, symbol string) error {
	pair, err := krakenPair(symbol)
	if err != nil {
		return err
	}
	feed := feedConfig{
		name: "KrakenStream",
		url:  k.URL,
		subscribe: map[string]any{
			"event":        "subscribe",
			"pair":         []string{pair},
			"subscription": map[string]string{"name": "ticker"},
		},
		parse: func(msg []byte) (model.Quote, bool, error) { return parseKrakenTicker(msg, symbol) },
	}
	return runStream(ctx, k.logger, k.Dialer, feed, quotes)
}

// parseKrakenTicker handles [channelID, {"a": [...], "b": [...]}, "ticker", pair]
// frames. Event objects such as heartbeats are skipped.
func parseKrakenTicker(msg []byte, symbol string) (model.Quote, bool, error) {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 || msg[0] != '[' {
		return model.Quote{}, false, nil
	}
	var frame []json.RawMessage
	if err := json.Unmarshal(msg, &frame); err != nil {
		return model.Quote{}, false, err
	}
	if len(frame) < 4 {
		return model.Quote{}, false, fmt.Errorf("short ticker frame: %d elements", len(frame))
	}
	var data struct {
		Ask []string `json:"a"`
		Bid []string `json:"b"`
	}
	if err := json.Unmarshal(frame[1], &data); err != nil {
		return model.Quote{}, false, err
	}
	if len(data.Ask) == 0 || len(data.Bid) == 0 {
		return model.Quote{}, false, nil
	}
	bid, err := decimal.NewFromString(data.Bid[0])
	if err != nil {
		return model.Quote{}, false, err
	}
	ask, err := decimal.NewFromString(data.Ask[0])
	if err != nil {
		return model.Quote{}, false, err
	}
	return model.Quote{
		Exchange: "kraken",
		Symbol:   symbol,
		Bid:      bid,
		Ask:      ask,
		Time:     time.Now().UTC(),
	}, true, nil
}
