package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"gridbot/internal/backtest"
	"gridbot/internal/config"
	"gridbot/internal/live"
	"gridbot/internal/model"
)

// BacktestRunner executes backtests.
type BacktestRunner interface {
	Run(ctx context.Context, req backtest.Request) (*model.BacktestResult, error)
}

// Sessions manages live grid sessions.
type Sessions interface {
	Start(settings live.Settings) (string, error)
	Stop(ctx context.Context, id string) (live.Snapshot, error)
	Get(id string) (live.Snapshot, error)
	List() []live.Snapshot
	Trades(id string) ([]model.Trade, error)
}

// Store reads persisted results. Backtests and trades of finished sessions
// are only reachable when one is configured.
type Store interface {
	GetBacktest(ctx context.Context, id int64) (*model.BacktestResult, error)
	ListTrades(ctx context.Context, sessionID string, limit int) ([]model.Trade, error)
}

// Server exposes backtests and live sessions over HTTP.
type Server struct {
	logger   *slog.Logger
	cfg      *config.Config
	runner   BacktestRunner
	sessions Sessions
	store    Store
	gatherer prometheus.Gatherer
	engine   *gin.Engine
}

// NewServer builds the router. store may be nil.
func NewServer(logger *slog.Logger, cfg *config.Config, runner BacktestRunner, sessions Sessions, store Store, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		logger:   logger,
		cfg:      cfg,
		runner:   runner,
		sessions: sessions,
		store:    store,
		gatherer: gatherer,
		engine:   gin.New(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.engine
	r.Use(requestLogger(s.logger), recovery(s.logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": len(s.sessions.List())})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	g := r.Group("/api/grid")
	{
		g.GET("/levels", s.levels)
		g.POST("/backtest", s.runBacktest)
		g.GET("/backtests/:id", s.getBacktest)

		g.POST("/bots", s.startBot)
		g.GET("/bots", s.listBots)
		g.GET("/bots/:id", s.getBot)
		g.GET("/bots/:id/trades", s.botTrades)
		g.POST("/bots/:id/stop", s.stopBot)
	}
	r.NoRoute(func(c *gin.Context) {
		abort(c, http.StatusNotFound, "NOT_FOUND", "no route for "+c.Request.URL.Path)
	})
}

// Handler returns the router wrapped with CORS handling.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: s.cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(s.engine)
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests for up to the configured stop timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server: listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Live.StopTimeout)
	defer cancel()
	s.logger.Info("Server: shutting down")
	return srv.Shutdown(shutdownCtx)
}
