package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config stores all configuration for the application.
// The values are read by viper from a config file, environment variables or
// command line flags, in increasing order of precedence.
type Config struct {
	Grid     GridConfig
	Backtest BacktestConfig
	Live     LiveConfig
	Exchange ExchangeConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Server   ServerConfig
	Log      LogConfig
}

// GridConfig defines the ladder shared by backtests and live sessions.
type GridConfig struct {
	Symbol     string
	LevelCount int     `mapstructure:"level_count"`
	RangePct   float64 `mapstructure:"range_pct"`
	OrderSize  float64 `mapstructure:"order_size"`
	Timeframe  string
}

// BacktestConfig defines how historical runs are chunked and fetched.
type BacktestConfig struct {
	InitialCapital float64       `mapstructure:"initial_capital"`
	ChunkDays      int           `mapstructure:"chunk_days"`
	PageTimeout    time.Duration `mapstructure:"page_timeout"`
	MaxPages       int           `mapstructure:"max_pages"`
	FillScope      string        `mapstructure:"fill_scope"`
	Prefetch       bool
}

// LiveConfig defines the polling session behaviour.
type LiveConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ReconcileStrategy string        `mapstructure:"reconcile_strategy"`
	OnSyncFailure     string        `mapstructure:"on_sync_failure"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout"`
	Journal           bool
}

// ExchangeConfig defines the venue connection.
type ExchangeConfig struct {
	Name        string
	APIKey      string `mapstructure:"api_key"`
	SecretKey   string `mapstructure:"secret_key"`
	BaseURL     string `mapstructure:"base_url"`
	Stream      string
	QuoteMaxAge time.Duration `mapstructure:"quote_max_age"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	RateBurst   int           `mapstructure:"rate_burst"`
	PaperCash   float64       `mapstructure:"paper_cash"`
	Breaker     BreakerConfig
}

// BreakerConfig tunes the circuit breaker around venue calls.
type BreakerConfig struct {
	Interval     time.Duration
	Timeout      time.Duration
	MaxRequests  uint32  `mapstructure:"max_requests"`
	FailureRatio float64 `mapstructure:"failure_ratio"`
	MinRequests  uint32  `mapstructure:"min_requests"`
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

// RedisConfig defines the bar cache connection. An empty URL disables it.
type RedisConfig struct {
	URL string
	TTL time.Duration
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Addr        string
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// LogConfig defines log level, format and optional rotated file output.
type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// Enabled reports whether a database host is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// ConnString returns the pgx connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Password, d.Host, d.Port, d.DBName)
}

// RangePctDecimal returns RangePct as a decimal.
func (g GridConfig) RangePctDecimal() decimal.Decimal {
	return decimal.NewFromFloat(g.RangePct)
}

// OrderSizeDecimal returns OrderSize as a decimal.
func (g GridConfig) OrderSizeDecimal() decimal.Decimal {
	return decimal.NewFromFloat(g.OrderSize)
}

// ChunkSize returns the backtest window length.
func (b BacktestConfig) ChunkSize() time.Duration {
	return time.Duration(b.ChunkDays) * 24 * time.Hour
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("grid.symbol", "BTC/USDT")
	v.SetDefault("grid.level_count", 10)
	v.SetDefault("grid.range_pct", 5.0)
	v.SetDefault("grid.order_size", 100.0)
	v.SetDefault("grid.timeframe", "1Hour")

	v.SetDefault("backtest.initial_capital", 10000.0)
	v.SetDefault("backtest.chunk_days", 30)
	v.SetDefault("backtest.page_timeout", 30*time.Second)
	v.SetDefault("backtest.max_pages", 100)
	v.SetDefault("backtest.fill_scope", "run")
	v.SetDefault("backtest.prefetch", true)

	v.SetDefault("live.poll_interval", 10*time.Second)
	v.SetDefault("live.reconcile_strategy", "greedy")
	v.SetDefault("live.on_sync_failure", "abstain")
	v.SetDefault("live.stop_timeout", 15*time.Second)
	v.SetDefault("live.journal", true)

	v.SetDefault("exchange.name", "paper")
	v.SetDefault("exchange.api_key", "")
	v.SetDefault("exchange.secret_key", "")
	v.SetDefault("exchange.base_url", "")
	v.SetDefault("exchange.stream", "")
	v.SetDefault("exchange.quote_max_age", 5*time.Second)
	v.SetDefault("exchange.rate_limit", 10.0)
	v.SetDefault("exchange.rate_burst", 5)
	v.SetDefault("exchange.paper_cash", 10000.0)
	v.SetDefault("exchange.breaker.max_requests", 1)
	v.SetDefault("exchange.breaker.interval", time.Minute)
	v.SetDefault("exchange.breaker.timeout", 30*time.Second)
	v.SetDefault("exchange.breaker.failure_ratio", 0.5)
	v.SetDefault("exchange.breaker.min_requests", 5)

	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "gridbot")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "gridbot")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
}

// LoadConfig reads configuration from file, environment variables and flags.
// A missing config file is not an error. flags may be nil; flag names use the
// dotted key, e.g. "grid.level_count".
func LoadConfig(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var (
	timeframes          = []string{"1Min", "5Min", "15Min", "1Hour", "1Day"}
	fillScopes          = []string{"run", "chunk"}
	reconcileStrategies = []string{"greedy", "optimal"}
	syncFailureModes    = []string{"abstain", "fresh"}
	exchanges           = []string{"binance", "paper"}
	streams             = []string{"", "binance", "kraken"}
	logFormats          = []string{"json", "text"}
)

// Validate checks ranges and enum values.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}
	oneOf := func(field, value string, allowed []string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		problems = append(problems, fmt.Sprintf("%s must be one of %v, got %q", field, allowed, value))
	}

	check(c.Grid.Symbol != "", "grid.symbol is required")
	check(c.Grid.LevelCount > 0, "grid.level_count must be positive, got %d", c.Grid.LevelCount)
	check(c.Grid.OrderSize > 0, "grid.order_size must be positive, got %v", c.Grid.OrderSize)
	check(c.Grid.RangePct >= 0 && c.Grid.RangePct < 100, "grid.range_pct must be in [0, 100), got %v", c.Grid.RangePct)
	oneOf("grid.timeframe", c.Grid.Timeframe, timeframes)

	check(c.Backtest.InitialCapital > 0, "backtest.initial_capital must be positive, got %v", c.Backtest.InitialCapital)
	check(c.Backtest.ChunkDays > 0, "backtest.chunk_days must be positive, got %d", c.Backtest.ChunkDays)
	check(c.Backtest.PageTimeout > 0, "backtest.page_timeout must be positive")
	check(c.Backtest.MaxPages > 0, "backtest.max_pages must be positive, got %d", c.Backtest.MaxPages)
	oneOf("backtest.fill_scope", c.Backtest.FillScope, fillScopes)

	check(c.Live.PollInterval > 0, "live.poll_interval must be positive")
	check(c.Live.StopTimeout > 0, "live.stop_timeout must be positive")
	oneOf("live.reconcile_strategy", c.Live.ReconcileStrategy, reconcileStrategies)
	oneOf("live.on_sync_failure", c.Live.OnSyncFailure, syncFailureModes)

	oneOf("exchange.name", c.Exchange.Name, exchanges)
	oneOf("exchange.stream", c.Exchange.Stream, streams)
	check(c.Exchange.RateLimit > 0, "exchange.rate_limit must be positive")
	check(c.Exchange.RateBurst > 0, "exchange.rate_burst must be positive")
	if c.Exchange.Name == "binance" {
		check(c.Exchange.APIKey != "" && c.Exchange.SecretKey != "", "exchange.api_key and exchange.secret_key are required for binance")
	}

	oneOf("log.format", c.Log.Format, logFormats)

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
