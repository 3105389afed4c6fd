package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gridbot/internal/model"
)

var ErrNoReferencePrice = errors.New("marketdata: no reference price")

const referenceSpan = 24 * time.Hour

// ReferencePrice returns the close of the hourly bar nearest to at, searching
// one day either side of it.
func ReferencePrice(ctx context.Context, bars BarFetcher, symbol string, at time.Time) (decimal.Decimal, error) {
	series, err := bars.Bars(ctx, symbol, model.Timeframe1Hour, at.Add(-referenceSpan), at.Add(referenceSpan))
	if err != nil {
		if errors.Is(err, ErrNoData) {
			return decimal.Zero, fmt.Errorf("%s at %s: %w", symbol, at.Format(time.RFC3339), ErrNoReferencePrice)
		}
		return decimal.Zero, fmt.Errorf("reference price for %s: %w", symbol, err)
	}
	if len(series) == 0 {
		return decimal.Zero, fmt.Errorf("%s at %s: %w", symbol, at.Format(time.RFC3339), ErrNoReferencePrice)
	}

	closest := series[0]
	best := absDuration(closest.Timestamp.Sub(at))
	for _, b := range series[1:] {
		if d := absDuration(b.Timestamp.Sub(at)); d < best {
			closest, best = b, d
		}
	}
	return closest.Close, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
