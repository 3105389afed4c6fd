package database

import (
	"context"
	"errors"

	"gridbot/internal/model"
)

// ErrNotFound is returned when a stored record does not exist.
var ErrNotFound = errors.New("database: record not found")

// Repository defines the standard interface for database operations.
type Repository interface {
	LogTrade(ctx context.Context, trade model.Trade) error
	ListTrades(ctx context.Context, sessionID string, limit int) ([]model.Trade, error)
	SaveBacktest(ctx context.Context, res *model.BacktestResult) (int64, error)
	GetBacktest(ctx context.Context, id int64) (*model.BacktestResult, error)
	Migrate(ctx context.Context) error
}
