package exchange

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gridbot/internal/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSplitSymbol(t *testing.T) {
	base, quote, err := SplitSymbol("btc/usdt")
	require.NoError(t, err)
	assert.Equal(t, "BTC", base)
	assert.Equal(t, "USDT", quote)

	for _, bad := range []string{"BTCUSDT", "/USDT", "BTC/", ""} {
		_, _, err := SplitSymbol(bad)
		assert.ErrorIs(t, err, ErrUnknownSymbol, bad)
	}
}

func TestPositionFor(t *testing.T) {
	positions := []model.Position{{Symbol: "ETH/USDT", Quantity: d("2")}, {Symbol: "BTC/USDT", Quantity: d("0.5")}}
	assert.True(t, PositionFor(positions, "btc/usdt").Quantity.Equal(d("0.5")))
	assert.True(t, PositionFor(positions, "SOL/USDT").Quantity.IsZero())
}

func TestParseBinanceTicker(t *testing.T) {
	q, ok, err := parseBinanceTicker([]byte(`{"u":400900217,"s":"BTCUSDT","b":"25.35190000","B":"31.21","a":"25.36520000","A":"40.66"}`), "BTC/USDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "binance", q.Exchange)
	assert.Equal(t, "BTC/USDT", q.Symbol)
	assert.True(t, q.Bid.Equal(d("25.3519")))
	assert.True(t, q.Ask.Equal(d("25.3652")))

	_, ok, err = parseBinanceTicker([]byte(`{"result":null,"id":1}`), "BTC/USDT")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = parseBinanceTicker([]byte(`not json`), "BTC/USDT")
	assert.Error(t, err)
}

func TestParseKrakenTicker(t *testing.T) {
	frame := `[340,{"a":["5525.40000",1,"1.000"],"b":["5525.10000",1,"1.000"],"c":["5525.10000","0.00398963"]},"ticker","XBT/USD"]`
	q, ok, err := parseKrakenTicker([]byte(frame), "BTC/USD")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "kraken", q.Exchange)
	assert.True(t, q.Bid.Equal(d("5525.1")))
	assert.True(t, q.Ask.Equal(d("5525.4")))

	_, ok, err = parseKrakenTicker([]byte(`{"event":"heartbeat"}`), "BTC/USD")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = parseKrakenTicker([]byte(`[340,{}]`), "BTC/USD")
	assert.Error(t, err)
}

func TestKrakenPair(t *testing.T) {
	p, err := krakenPair("BTC/EUR")
	require.NoError(t, err)
	assert.Equal(t, "XBT/EUR", p)

	p, err = krakenPair("eth/usd")
	require.NoError(t, err)
	assert.Equal(t, "ETH/USD", p)
}

func TestBinanceStream_DeliversQuotesUntilCancelled(t *testing.T) {
	upgrader := websocket.Upgrader{}
	paths := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"s":"ETHUSDT","b":"1999.5","a":"2000.5"}`))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewBinanceStream(quietLogger())
	s.BaseURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/"

	ctx, cancel := context.WithCancel(context.Background())
	quotes := make(chan model.Quote, 1)
	done := make(chan error, 1)
	go func() { done <- s.StartStream(ctx, quotes, "ETH/USDT") }()

	select {
	case q := <-quotes:
		assert.True(t, q.Mid().Equal(d("2000")))
	case <-time.After(5 * time.Second):
		t.Fatal("no quote received")
	}
	assert.Equal(t, "/ws/ethusdt@bookTicker", <-paths)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}

func TestKrakenStream_SendsSubscription(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subs := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		var sub map[string]any
		if err := c.ReadJSON(&sub); err != nil {
			return
		}
		subs <- sub
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"event":"subscriptionStatus","status":"subscribed"}`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`[1,{"a":["101.0",1,"1"],"b":["99.0",1,"1"]},"ticker","XBT/USD"]`))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewKrakenStream(quietLogger())
	s.URL = "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	quotes := make(chan model.Quote, 1)
	go func() { _ = s.StartStream(ctx, quotes, "BTC/USD") }()

	select {
	case sub := <-subs:
		assert.Equal(t, "subscribe", sub["event"])
		assert.Equal(t, []any{"XBT/USD"}, sub["pair"])
	case <-time.After(5 * time.Second):
		t.Fatal("no subscription received")
	}
	select {
	case q := <-quotes:
		assert.True(t, q.Mid().Equal(d("100")))
	case <-time.After(5 * time.Second):
		t.Fatal("no quote received")
	}
}

func TestNewStreamer(t *testing.T) {
	s, err := NewStreamer("kraken", quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "kraken", s.GetName())

	_, err = NewStreamer("coinbase", quietLogger())
	assert.Error(t, err)
}
