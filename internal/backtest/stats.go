package backtest

import (
	"github.com/shopspring/decimal"
	"gridbot/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Summarize derives the aggregate fields of res from its trades, initial
// capital and final equity. Win/loss figures only count sells, the only
// trades that realize PnL.
func Summarize(res *model.BacktestResult) {
	res.TotalProfit = res.FinalEquity.Sub(res.InitialCapital)
	res.TotalProfitPct = decimal.Zero
	if res.InitialCapital.IsPositive() {
		res.TotalProfitPct = res.TotalProfit.Div(res.InitialCapital).Mul(hundred)
	}
	res.TotalTrades = len(res.Trades)

	var (
		realized, grossWin, grossLoss decimal.Decimal
		sells, wins, losses           int
	)
	for _, t := range res.Trades {
		if t.Side != model.SideSell {
			continue
		}
		sells++
		realized = realized.Add(t.PnL)
		switch {
		case t.PnL.IsPositive():
			wins++
			grossWin = grossWin.Add(t.PnL)
		case t.PnL.IsNegative():
			losses++
			grossLoss = grossLoss.Add(t.PnL.Neg())
		}
	}

	res.RealizedPnL = realized
	res.WinningTrades = wins
	res.LosingTrades = losses
	res.WinRate = decimal.Zero
	if sells > 0 {
		res.WinRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(sells))).Mul(hundred)
	}
	res.AverageWin = decimal.Zero
	if wins > 0 {
		res.AverageWin = grossWin.Div(decimal.NewFromInt(int64(wins)))
	}
	res.AverageLoss = decimal.Zero
	if losses > 0 {
		res.AverageLoss = grossLoss.Div(decimal.NewFromInt(int64(losses)))
	}
	res.ProfitFactor = decimal.NullDecimal{}
	if grossLoss.IsPositive() {
		res.ProfitFactor = decimal.NewNullDecimal(grossWin.Div(grossLoss))
	}
	res.MaxDrawdownPct = maxDrawdownPct(res)
}

// maxDrawdownPct walks the equity curve recorded on the trades, starting from
// the initial capital and ending at the final equity.
func maxDrawdownPct(res *model.BacktestResult) decimal.Decimal {
	peak := res.InitialCapital
	worst := decimal.Zero
	visit := func(eq decimal.Decimal) {
		if eq.GreaterThan(peak) {
			peak = eq
			return
		}
		if !peak.IsPositive() {
			return
		}
		if dd := peak.Sub(eq).Div(peak).Mul(hundred); dd.GreaterThan(worst) {
			worst = dd
		}
	}
	for _, t := range res.Trades {
		visit(t.Equity)
	}
	visit(res.FinalEquity)
	return worst
}
