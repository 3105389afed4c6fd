package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"gridbot/internal/config"
	"gridbot/internal/model"
)

// ResilientBroker wraps a Broker so every call first waits on a rate limiter
// and then runs inside a circuit breaker. While the circuit is open calls
// fail fast with ErrUnavailable.
type ResilientBroker struct {
	next    Broker
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewResilientBroker wraps next with the limits in cfg.
func NewResilientBroker(logger *slog.Logger, next Broker, cfg config.ExchangeConfig) *ResilientBroker {
	failureRatio := cfg.Breaker.FailureRatio
	if failureRatio <= 0 {
		failureRatio = 0.5
	}
	minRequests := cfg.Breaker.MinRequests
	if minRequests == 0 {
		minRequests = 5
	}

	settings := gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && ratio >= failureRatio
		},
		// Business rejections and cancellations say nothing about venue health.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrInsufficientFunds) ||
				errors.Is(err, ErrOrderNotFound) ||
				errors.Is(err, ErrUnknownSymbol) ||
				errors.Is(err, ErrOrderTooSmall) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("ResilientBroker: circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &ResilientBroker{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// guarded runs fn behind the limiter and the breaker.
func guarded[T any](ctx context.Context, r *ResilientBroker, op string, fn func() (T, error)) (T, error) {
	var zero T
	if err := r.limiter.Wait(ctx); err != nil {
		return zero, err
	}
	res, err := r.breaker.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, r.next.Name(), op, err)
		}
		return zero, err
	}
	return res.(T), nil
}

func (r *ResilientBroker) Name() string {
	return r.next.Name()
}

func (r *ResilientBroker) LatestQuote(ctx context.Context, symbol string) (model.Quote, error) {
	return guarded(ctx, r, "latest quote", func() (model.Quote, error) {
		return r.next.LatestQuote(ctx, symbol)
	})
}

func (r *ResilientBroker) HistoricalBars(ctx context.Context, req model.BarsRequest) (model.BarPage, error) {
	return guarded(ctx, r, "historical bars", func() (model.BarPage, error) {
		return r.next.HistoricalBars(ctx, req)
	})
}

func (r *ResilientBroker) OpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	return guarded(ctx, r, "open orders", func() ([]model.Order, error) {
		return r.next.OpenOrders(ctx, symbol)
	})
}

func (r *ResilientBroker) Positions(ctx context.Context) ([]model.Position, error) {
	return guarded(ctx, r, "positions", func() ([]model.Position, error) {
		return r.next.Positions(ctx)
	})
}

func (r *ResilientBroker) Account(ctx context.Context) (model.Account, error) {
	return guarded(ctx, r, "account", func() (model.Account, error) {
		return r.next.Account(ctx)
	})
}

func (r *ResilientBroker) SubmitOrder(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	return guarded(ctx, r, "submit order", func() (model.Order, error) {
		return r.next.SubmitOrder(ctx, req)
	})
}

func (r *ResilientBroker) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := guarded(ctx, r, "cancel order", func() (struct{}, error) {
		return struct{}{}, r.next.CancelOrder(ctx, symbol, orderID)
	})
	return err
}
