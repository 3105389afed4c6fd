package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gridbot/internal/backtest"
	"gridbot/internal/grid"
	"gridbot/internal/live"
	"gridbot/internal/model"
)

// backtestRequest fields left out fall back to the configured defaults.
type backtestRequest struct {
	Symbol         string              `json:"symbol"`
	Timeframe      model.Timeframe     `json:"timeframe"`
	Start          time.Time           `json:"start" binding:"required"`
	End            time.Time           `json:"end" binding:"required"`
	RangePct       decimal.NullDecimal `json:"range_pct"`
	LevelCount     *int                `json:"level_count"`
	OrderSize      decimal.NullDecimal `json:"order_size"`
	InitialCapital decimal.NullDecimal `json:"initial_capital"`
	ReferencePrice decimal.NullDecimal `json:"reference_price"`
}

type botRequest struct {
	Symbol            string               `json:"symbol"`
	RangePct          decimal.NullDecimal  `json:"range_pct"`
	LevelCount        *int                 `json:"level_count"`
	OrderSize         decimal.NullDecimal  `json:"order_size"`
	InitialCapital    decimal.NullDecimal  `json:"initial_capital"`
	PollInterval      string               `json:"poll_interval"`
	ReconcileStrategy grid.MatchStrategy   `json:"reconcile_strategy"`
	OnSyncFailure     live.SyncFailureMode `json:"on_sync_failure"`
}

type levelsResponse struct {
	Levels     []model.GridLevel `json:"levels"`
	BuyLevels  int               `json:"buy_levels"`
	SellLevels int               `json:"sell_levels"`
	Degenerate bool              `json:"degenerate"`
}

func orDecimal(v decimal.NullDecimal, def decimal.Decimal) decimal.Decimal {
	if v.Valid {
		return v.Decimal
	}
	return def
}

func orInt(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

func orString[T ~string](v T, def T) T {
	if v != "" {
		return v
	}
	return def
}

func (s *Server) backtestRequest(in backtestRequest) backtest.Request {
	g := s.cfg.Grid
	return backtest.Request{
		Symbol:         orString(in.Symbol, g.Symbol),
		Timeframe:      orString(in.Timeframe, model.Timeframe(g.Timeframe)),
		Start:          in.Start.UTC(),
		End:            in.End.UTC(),
		RangePct:       orDecimal(in.RangePct, g.RangePctDecimal()),
		LevelCount:     orInt(in.LevelCount, g.LevelCount),
		OrderSize:      orDecimal(in.OrderSize, g.OrderSizeDecimal()),
		InitialCapital: orDecimal(in.InitialCapital, decimal.NewFromFloat(s.cfg.Backtest.InitialCapital)),
		ReferencePrice: in.ReferencePrice,
	}
}

func (s *Server) botSettings(in botRequest) (live.Settings, error) {
	g, l := s.cfg.Grid, s.cfg.Live
	poll := l.PollInterval
	if in.PollInterval != "" {
		d, err := time.ParseDuration(in.PollInterval)
		if err != nil {
			return live.Settings{}, fmt.Errorf("%w: poll_interval: %w", live.ErrInvalidSettings, err)
		}
		poll = d
	}
	return live.Settings{
		Symbol:         orString(in.Symbol, g.Symbol),
		RangePct:       orDecimal(in.RangePct, g.RangePctDecimal()),
		LevelCount:     orInt(in.LevelCount, g.LevelCount),
		OrderSize:      orDecimal(in.OrderSize, g.OrderSizeDecimal()),
		InitialCapital: orDecimal(in.InitialCapital, decimal.NewFromFloat(s.cfg.Backtest.InitialCapital)),
		PollInterval:   poll,
		Strategy:       orString(in.ReconcileStrategy, grid.MatchStrategy(l.ReconcileStrategy)),
		OnSyncFailure:  orString(in.OnSyncFailure, live.SyncFailureMode(l.OnSyncFailure)),
		StopTimeout:    l.StopTimeout,
	}, nil
}

// levels previews the ladder for a reference price.
func (s *Server) levels(c *gin.Context) {
	g := s.cfg.Grid
	price, err := decimal.NewFromString(c.Query("price"))
	if err != nil || !price.IsPositive() {
		abort(c, http.StatusBadRequest, "INVALID_REQUEST", "price must be a positive number")
		return
	}
	rangePct := g.RangePctDecimal()
	if v := c.Query("range_pct"); v != "" {
		if rangePct, err = decimal.NewFromString(v); err != nil {
			abort(c, http.StatusBadRequest, "INVALID_REQUEST", "range_pct: "+err.Error())
			return
		}
	}
	orderSize := g.OrderSizeDecimal()
	if v := c.Query("order_size"); v != "" {
		if orderSize, err = decimal.NewFromString(v); err != nil {
			abort(c, http.StatusBadRequest, "INVALID_REQUEST", "order_size: "+err.Error())
			return
		}
	}
	count := g.LevelCount
	if v := c.Query("level_count"); v != "" {
		if count, err = strconv.Atoi(v); err != nil {
			abort(c, http.StatusBadRequest, "INVALID_REQUEST", "level_count: "+err.Error())
			return
		}
	}

	if err := grid.CheckRange(rangePct); err != nil {
		fail(c, err)
		return
	}
	levels, err := grid.GenerateLevels(price, rangePct, count, orderSize)
	if err != nil {
		fail(c, err)
		return
	}
	buys, sells := grid.CountSides(levels)
	c.JSON(http.StatusOK, levelsResponse{
		Levels:     levels,
		BuyLevels:  buys,
		SellLevels: sells,
		Degenerate: grid.Degenerate(rangePct),
	})
}

func (s *Server) runBacktest(c *gin.Context) {
	var in backtestRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		abort(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	res, err := s.runner.Run(c.Request.Context(), s.backtestRequest(in))
	if err != nil {
		_ = c.Error(err)
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getBacktest(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		abort(c, http.StatusBadRequest, "INVALID_REQUEST", "id must be an integer")
		return
	}
	if s.store == nil {
		abort(c, http.StatusNotFound, "NOT_FOUND", "backtest storage is not configured")
		return
	}
	res, err := s.store.GetBacktest(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) startBot(c *gin.Context) {
	var in botRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		abort(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	settings, err := s.botSettings(in)
	if err != nil {
		fail(c, err)
		return
	}
	id, err := s.sessions.Start(settings)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": id})
}

func (s *Server) listBots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.List()})
}

func (s *Server) getBot(c *gin.Context) {
	snap, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// botTrades serves a running session from memory and a finished one from the
// store.
func (s *Server) botTrades(c *gin.Context) {
	id := c.Param("id")
	trades, err := s.sessions.Trades(id)
	if errors.Is(err, live.ErrSessionNotFound) && s.store != nil {
		limit := 100
		if v := c.Query("limit"); v != "" {
			if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
				abort(c, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
				return
			}
		}
		trades, err = s.store.ListTrades(c.Request.Context(), id, limit)
		if err == nil && len(trades) == 0 {
			err = fmt.Errorf("%w: %s", live.ErrSessionNotFound, id)
		}
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "trades": trades})
}

func (s *Server) stopBot(c *gin.Context) {
	snap, err := s.sessions.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
