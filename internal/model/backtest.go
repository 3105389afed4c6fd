package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// FinalPriceSource records which step of the final price fallback chain
// valued the remaining holdings.
type FinalPriceSource string

const (
	FinalPriceBarClose  FinalPriceSource = "bar_close"
	FinalPriceLastTrade FinalPriceSource = "last_trade"
	FinalPriceNone      FinalPriceSource = "none"
)

// BacktestResult is the derived outcome of a grid backtest. It is not mutated
// after the run that produced it returns.
type BacktestResult struct {
	ID                int64               `json:"id,omitempty"`
	Symbol            string              `json:"symbol"`
	Timeframe         Timeframe           `json:"timeframe"`
	Start             time.Time           `json:"start"`
	End               time.Time           `json:"end"`
	ReferencePrice    decimal.Decimal     `json:"reference_price"`
	InitialCapital    decimal.Decimal     `json:"initial_capital"`
	FinalCapital      decimal.Decimal     `json:"final_capital"`
	FinalAssetHolding decimal.Decimal     `json:"final_asset_holding"`
	FinalPrice        decimal.Decimal     `json:"final_price"`
	FinalPriceSource  FinalPriceSource    `json:"final_price_source"`
	FinalEquity       decimal.Decimal     `json:"final_equity"`
	TotalProfit       decimal.Decimal     `json:"total_profit"`
	TotalProfitPct    decimal.Decimal     `json:"total_profit_pct"`
	RealizedPnL       decimal.Decimal     `json:"realized_pnl"`
	TotalTrades       int                 `json:"total_trades"`
	WinningTrades     int                 `json:"winning_trades"`
	LosingTrades      int                 `json:"losing_trades"`
	WinRate           decimal.Decimal     `json:"win_rate"`
	AverageWin        decimal.Decimal     `json:"average_win"`
	AverageLoss       decimal.Decimal     `json:"average_loss"`
	ProfitFactor      decimal.NullDecimal `json:"profit_factor"`
	MaxDrawdownPct    decimal.Decimal     `json:"max_drawdown_pct"`
	ChunksTotal       int                 `json:"chunks_total"`
	ChunksProcessed   int                 `json:"chunks_processed"`
	ChunksFailed      int                 `json:"chunks_failed"`
	Levels            []GridLevel         `json:"levels,omitempty"`
	Trades            []Trade             `json:"trades"`
}
