package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gridbot/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS grid_trades (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	symbol VARCHAR(20) NOT NULL,
	level INTEGER NOT NULL,
	side VARCHAR(4) NOT NULL,
	price NUMERIC(30, 12) NOT NULL,
	size NUMERIC(30, 12) NOT NULL,
	quantity NUMERIC(30, 12) NOT NULL,
	entry_price NUMERIC(30, 12) NOT NULL DEFAULT 0,
	pnl NUMERIC(30, 12) NOT NULL DEFAULT 0,
	equity NUMERIC(30, 12) NOT NULL DEFAULT 0,
	order_id TEXT NOT NULL DEFAULT '',
	"timestamp" TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS grid_trades_session_idx ON grid_trades (session_id, "timestamp");

CREATE TABLE IF NOT EXISTS backtest_results (
	id BIGSERIAL PRIMARY KEY,
	symbol VARCHAR(20) NOT NULL,
	timeframe VARCHAR(10) NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ NOT NULL,
	initial_capital NUMERIC(30, 12) NOT NULL,
	final_equity NUMERIC(30, 12) NOT NULL,
	total_profit NUMERIC(30, 12) NOT NULL,
	total_trades INTEGER NOT NULL,
	chunks_failed INTEGER NOT NULL,
	result JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// PostgresRepository implements Repository on a pgx connection pool.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

// NewPostgresRepository connects to connString and pings the server.
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not ping database: %w", err)
	}
	return &PostgresRepository{Pool: pool}, nil
}

// Close releases the pool.
func (r *PostgresRepository) Close() {
	r.Pool.Close()
}

// Migrate creates the tables if they do not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// LogTrade appends a trade to the journal.
func (r *PostgresRepository) LogTrade(ctx context.Context, t model.Trade) error {
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO grid_trades (session_id, symbol, level, side, price, size, quantity, entry_price, pnl, equity, order_id, "timestamp")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.SessionID, t.Symbol, t.Level, string(t.Side), t.Price, t.Size, t.Quantity, t.EntryPrice, t.PnL, t.Equity, t.OrderID, t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("log trade: %w", err)
	}
	return nil
}

// ListTrades returns the most recent trades of a session, oldest first.
func (r *PostgresRepository) ListTrades(ctx context.Context, sessionID string, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx, `
		SELECT * FROM (
			SELECT id, session_id, symbol, level, side, price, size, quantity, entry_price, pnl, equity, order_id, "timestamp"
			FROM grid_trades WHERE session_id = $1 ORDER BY "timestamp" DESC, id DESC LIMIT $2
		) recent ORDER BY "timestamp", id`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	trades, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.Trade])
	if err != nil {
		return nil, fmt.Errorf("scan trades: %w", err)
	}
	return trades, nil
}

// SaveBacktest stores res and returns its id. The full result is kept as
// JSON next to the columns used for listing.
func (r *PostgresRepository) SaveBacktest(ctx context.Context, res *model.BacktestResult) (int64, error) {
	doc, err := json.Marshal(res)
	if err != nil {
		return 0, fmt.Errorf("encode backtest: %w", err)
	}
	var id int64
	err = r.Pool.QueryRow(ctx, `
		INSERT INTO backtest_results (symbol, timeframe, start_time, end_time, initial_capital, final_equity, total_profit, total_trades, chunks_failed, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		res.Symbol, string(res.Timeframe), res.Start, res.End, res.InitialCapital, res.FinalEquity, res.TotalProfit, res.TotalTrades, res.ChunksFailed, doc,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save backtest: %w", err)
	}
	return id, nil
}

// GetBacktest loads a stored result.
func (r *PostgresRepository) GetBacktest(ctx context.Context, id int64) (*model.BacktestResult, error) {
	var doc []byte
	err := r.Pool.QueryRow(ctx, `SELECT result FROM backtest_results WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: backtest %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get backtest: %w", err)
	}
	var res model.BacktestResult
	if err := json.Unmarshal(doc, &res); err != nil {
		return nil, fmt.Errorf("decode backtest %d: %w", id, err)
	}
	res.ID = id
	return &res, nil
}
