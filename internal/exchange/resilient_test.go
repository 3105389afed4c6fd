package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gridbot/internal/config"
	"gridbot/internal/model"
)

// flakyBroker fails quote requests while down is set.
type flakyBroker struct {
	*PaperBroker
	down  bool
	calls int
}

func (f *flakyBroker) LatestQuote(ctx context.Context, symbol string) (model.Quote, error) {
	f.calls++
	if f.down {
		return model.Quote{}, errors.New("connection reset")
	}
	return f.PaperBroker.LatestQuote(ctx, symbol)
}

func resilienceConfig() config.ExchangeConfig {
	return config.ExchangeConfig{
		RateLimit: 1000,
		RateBurst: 100,
		Breaker: config.BreakerConfig{
			Interval:     time.Minute,
			Timeout:      time.Hour,
			MaxRequests:  1,
			FailureRatio: 0.5,
			MinRequests:  3,
		},
	}
}

func TestResilientBroker_OpensCircuit(t *testing.T) {
	ctx := context.Background()
	paper := NewPaperBroker(quietLogger(), d("1000"), nil)
	paper.SetPrice(paperSymbol, d("100"))
	flaky := &flakyBroker{PaperBroker: paper, down: true}
	r := NewResilientBroker(quietLogger(), flaky, resilienceConfig())

	for i := 0; i < 3; i++ {
		_, err := r.LatestQuote(ctx, paperSymbol)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable)
	}

	flaky.down = false
	_, err := r.LatestQuote(ctx, paperSymbol)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, flaky.calls, "open circuit must not reach the venue")
}

func TestResilientBroker_BusinessErrorsKeepCircuitClosed(t *testing.T) {
	ctx := context.Background()
	paper := NewPaperBroker(quietLogger(), d("0"), nil)
	r := NewResilientBroker(quietLogger(), paper, resilienceConfig())

	for i := 0; i < 5; i++ {
		_, err := r.SubmitOrder(ctx, limit(model.SideBuy, "1", "10"))
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.ErrorIs(t, r.CancelOrder(ctx, paperSymbol, "missing"), ErrOrderNotFound)
	}
	_, err := r.OpenOrders(ctx, paperSymbol)
	assert.NoError(t, err)
}

func TestResilientBroker_Passthrough(t *testing.T) {
	ctx := context.Background()
	paper := NewPaperBroker(quietLogger(), d("1000"), nil)
	paper.SetPrice(paperSymbol, d("100"))
	r := NewResilientBroker(quietLogger(), paper, resilienceConfig())
	assert.Equal(t, "paper", r.Name())

	o, err := r.SubmitOrder(ctx, limit(model.SideBuy, "1", "90"))
	require.NoError(t, err)
	open, err := r.OpenOrders(ctx, paperSymbol)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, o.ID, open[0].ID)

	acct, err := r.Account(ctx)
	require.NoError(t, err)
	assert.True(t, acct.Equity.Equal(d("1000")))

	require.NoError(t, r.CancelOrder(ctx, paperSymbol, o.ID))
	pos, err := r.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pos)
}

func TestResilientBroker_RateLimitHonoursContext(t *testing.T) {
	cfg := resilienceConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	paper := NewPaperBroker(quietLogger(), d("1000"), nil)
	paper.SetPrice(paperSymbol, d("100"))
	r := NewResilientBroker(quietLogger(), paper, cfg)

	_, err := r.LatestQuote(context.Background(), paperSymbol)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.LatestQuote(ctx, paperSymbol)
	assert.Error(t, err)
}
