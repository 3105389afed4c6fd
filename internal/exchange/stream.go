package exchange

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"gridbot/internal/model"
)

const (
	minBackoff = time.Second
	maxBackoff = 16 * time.Second
)

// feedConfig describes one websocket feed: where to dial, what to send after
// connecting and how to turn a frame into a quote.
type feedConfig struct {
	name      string
	url       string
	subscribe any
	// parse returns ok=false for frames that carry no quote.
	parse func(msg []byte) (model.Quote, bool, error)
}

// runStream dials feed.url and forwards parsed quotes until ctx ends,
// reconnecting with capped exponential backoff.
func runStream(ctx context.Context, logger *slog.Logger, dialer *websocket.Dialer, feed feedConfig, quotes chan<- model.Quote) error {
	backoff := minBackoff
	wait := func() bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
			backoff = min(backoff*2, maxBackoff)
			return true
		}
	}

	for ctx.Err() == nil {
		logger.Info(feed.name+": connecting to WebSocket", "url", feed.url, "backoff", backoff)
		c, _, err := dialer.DialContext(ctx, feed.url, nil)
		if err != nil {
			logger.Error(feed.name+": WebSocket connection failed", "error", err)
			if !wait() {
				break
			}
			continue
		}

		if feed.subscribe != nil {
			if err := c.WriteJSON(feed.subscribe); err != nil {
				logger.Error(feed.name+": failed to send subscription", "error", err)
				c.Close()
				if !wait() {
					break
				}
				continue
			}
		}

		backoff = minBackoff
		logger.Info(feed.name + ": connected successfully")
		readLoop(ctx, logger, c, feed, quotes)
		c.Close()
	}
	logger.Info(feed.name + ": context cancelled, shutting down")
	return nil
}

// readLoop returns when the connection fails or ctx ends.
func readLoop(ctx context.Context, logger *slog.Logger, c *websocket.Conn, feed feedConfig, quotes chan<- model.Quote) {
	// ReadMessage blocks, so closing the connection is the only way to wake it.
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Error(feed.name+": failed to read message", "error", err)
			}
			return
		}
		q, ok, err := feed.parse(msg)
		if err != nil {
			logger.Warn(feed.name+": failed to parse message", "error", err)
			continue
		}
		if !ok {
			continue
		}
		select {
		case quotes <- q:
			logger.Debug(feed.name+": sent quote", "bid", q.Bid, "ask", q.Ask)
		case <-ctx.Done():
			return
		}
	}
}
