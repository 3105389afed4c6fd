package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gridbot/internal/api"
	"gridbot/internal/backtest"
	"gridbot/internal/config"
	"gridbot/internal/grid"
	"gridbot/internal/live"
	"gridbot/internal/logging"
	"gridbot/internal/model"
)

const usage = `usage: gridbot <command> [flags]

commands:
  serve     run the HTTP API
  backtest  run one backtest and print the result as JSON
  run       run one live grid session until interrupted
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd := os.Args[1]

	flags := pflag.NewFlagSet(cmd, pflag.ExitOnError)
	configPath := flags.String("config", ".", "directory containing config.yaml")
	flags.String("grid.symbol", "", "traded pair, e.g. BTC/USDT")
	flags.Int("grid.level_count", 0, "number of ladder levels")
	flags.Float64("grid.range_pct", 0, "ladder half-width in percent of the reference price")
	flags.Float64("grid.order_size", 0, "quote currency amount per level")
	flags.String("grid.timeframe", "", "bar timeframe for backtests")
	flags.String("exchange.name", "", "venue: binance or paper")
	flags.String("log.level", "", "log level")

	var (
		start, end string
		paper      bool
	)
	switch cmd {
	case "serve":
		flags.String("server.addr", "", "HTTP listen address")
	case "backtest":
		flags.StringVar(&start, "start", "", "backtest start, RFC 3339 or YYYY-MM-DD")
		flags.StringVar(&end, "end", "", "backtest end, RFC 3339 or YYYY-MM-DD")
		flags.Float64("backtest.initial_capital", 0, "starting quote balance")
	case "run":
		flags.BoolVar(&paper, "paper", false, "trade against the in-memory paper venue")
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := flags.Parse(os.Args[2:]); err != nil {
		log.Fatalf("cannot parse flags: %v", err)
	}

	cfg, err := config.LoadConfig(*configPath, flags)
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}
	if paper {
		cfg.Exchange.Name = "paper"
	}

	logger, closer := logging.New(cfg.Log, os.Stdout)
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("App: startup failed", "error", err)
		os.Exit(1)
	}
	defer a.close()

	switch cmd {
	case "serve":
		err = serve(ctx, a)
	case "backtest":
		err = runBacktest(ctx, a, start, end)
	case "run":
		err = runSession(ctx, a)
	}
	if err != nil {
		logger.Error("App: command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, a *app) error {
	runner, err := a.runner()
	if err != nil {
		return err
	}
	registry := live.NewRegistry(ctx, a.logger, a.broker, a.journal(), a.metrics)
	if a.cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	var store api.Store
	if a.repo != nil {
		store = a.repo
	}
	server := api.NewServer(a.logger, a.cfg, runner, registry, store, a.registry)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.streamQuotes(ctx, a.cfg.Grid.Symbol)
	})
	g.Go(func() error {
		err := server.ListenAndServe(ctx)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*a.cfg.Live.StopTimeout)
		defer cancel()
		registry.StopAll(stopCtx)
		return nil
	})
	return g.Wait()
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, s)
}

func runBacktest(ctx context.Context, a *app, start, end string) error {
	from, err := parseDate(start)
	if err != nil {
		return fmt.Errorf("%w: start: %w", backtest.ErrInvalidRequest, err)
	}
	to, err := parseDate(end)
	if err != nil {
		return fmt.Errorf("%w: end: %w", backtest.ErrInvalidRequest, err)
	}
	runner, err := a.runner()
	if err != nil {
		return err
	}
	g := a.cfg.Grid
	res, err := runner.Run(ctx, backtest.Request{
		Symbol:         g.Symbol,
		Timeframe:      model.Timeframe(g.Timeframe),
		Start:          from,
		End:            to,
		RangePct:       g.RangePctDecimal(),
		LevelCount:     g.LevelCount,
		OrderSize:      g.OrderSizeDecimal(),
		InitialCapital: decimal.NewFromFloat(a.cfg.Backtest.InitialCapital),
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// runSession trades one session in the foreground. Run returns once ctx is
// cancelled and every ladder order has been cancelled.
func runSession(ctx context.Context, a *app) error {
	g, l := a.cfg.Grid, a.cfg.Live
	id := uuid.NewString()
	orch, err := live.NewOrchestrator(a.logger, id, a.broker, a.journal(), a.metrics, live.Settings{
		Symbol:         g.Symbol,
		RangePct:       g.RangePctDecimal(),
		LevelCount:     g.LevelCount,
		OrderSize:      g.OrderSizeDecimal(),
		InitialCapital: decimal.NewFromFloat(a.cfg.Backtest.InitialCapital),
		PollInterval:   l.PollInterval,
		Strategy:       grid.MatchStrategy(l.ReconcileStrategy),
		OnSyncFailure:  live.SyncFailureMode(l.OnSyncFailure),
		StopTimeout:    l.StopTimeout,
	})
	if err != nil {
		return err
	}

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	go a.streamQuotes(streamCtx, g.Symbol)

	if err := orch.Run(ctx); err != nil {
		return err
	}
	snap := orch.Snapshot()
	a.logger.Info("App: session finished",
		"session", id,
		"trades", snap.TradeCount,
		"realizedPnl", snap.RealizedPnL,
		"equity", snap.Equity,
	)
	return nil
}
