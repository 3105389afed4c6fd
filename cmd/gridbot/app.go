package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gridbot/internal/backtest"
	"gridbot/internal/config"
	"gridbot/internal/database"
	"gridbot/internal/exchange"
	"gridbot/internal/live"
	"gridbot/internal/marketdata"
)

// app holds the process-wide dependencies shared by every sub-command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	broker   exchange.Broker
	quotes   *exchange.QuoteCache
	streamer exchange.QuoteStreamer
	repo     *database.PostgresRepository
	redis    *redis.Client
	registry *prometheus.Registry
	metrics  *live.Metrics
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = live.NewMetrics(a.registry)

	if cfg.Exchange.Stream != "" {
		s, err := exchange.NewStreamer(cfg.Exchange.Stream, logger)
		if err != nil {
			return nil, err
		}
		a.streamer = s
		a.quotes = exchange.NewQuoteCache(logger)
	}
	broker, err := exchange.NewBroker(logger, cfg.Exchange, a.quotes)
	if err != nil {
		return nil, err
	}
	a.broker = broker

	if cfg.Database.Enabled() {
		repo, err := database.NewPostgresRepository(ctx, cfg.Database.ConnString())
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.repo = repo
		if err := repo.Migrate(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		logger.Info("App: database connected", "host", cfg.Database.Host)
	}

	if cfg.Redis.URL != "" {
		client, err := marketdata.DialRedis(ctx, cfg.Redis.URL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.redis = client
		logger.Info("App: bar cache enabled", "ttl", cfg.Redis.TTL)
	}

	logger.Info("App: venue ready", "exchange", broker.Name(), "stream", cfg.Exchange.Stream)
	return a, nil
}

// runner builds the backtest driver over the venue's paged history, behind
// the Redis cache when one is configured.
func (a *app) runner() (*backtest.Runner, error) {
	scope, err := backtest.ParseFillScope(a.cfg.Backtest.FillScope)
	if err != nil {
		return nil, err
	}
	var bars marketdata.BarFetcher = marketdata.NewProvider(a.logger, a.broker, a.cfg.Backtest.PageTimeout, a.cfg.Backtest.MaxPages)
	if a.redis != nil {
		bars = marketdata.NewRedisCache(a.logger, a.redis, bars, a.cfg.Redis.TTL)
	}
	var store backtest.ResultStore
	if a.repo != nil {
		store = a.repo
	}
	return backtest.NewRunner(a.logger, bars, store, backtest.Options{
		ChunkSize: a.cfg.Backtest.ChunkSize(),
		FillScope: scope,
		Prefetch:  a.cfg.Backtest.Prefetch,
	}), nil
}

func (a *app) journal() live.TradeJournal {
	if a.repo == nil || !a.cfg.Live.Journal {
		return nil
	}
	return a.repo
}

// streamQuotes keeps the quote cache fed until ctx is cancelled. It returns
// at once when no stream is configured.
func (a *app) streamQuotes(ctx context.Context, symbol string) error {
	if a.quotes == nil {
		return nil
	}
	err := a.quotes.Run(ctx, a.streamer, symbol)
	if err != nil && ctx.Err() == nil {
		a.logger.Error("App: quote stream stopped, falling back to REST quotes", "symbol", symbol, "error", err)
	}
	return nil
}

func (a *app) close() {
	if a.repo != nil {
		a.repo.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("App: failed to close redis", "error", err)
		}
	}
}
