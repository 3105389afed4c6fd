package grid

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gridbot/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestGenerateLevels_FiveLevelExample(t *testing.T) {
	levels, err := GenerateLevels(d("100"), d("10"), 5, d("100"))
	require.NoError(t, err)
	require.Len(t, levels, 5)

	wantPrices := []string{"90", "95", "100", "105", "110"}
	wantSides := []model.Side{model.SideBuy, model.SideBuy, model.SideSell, model.SideSell, model.SideSell}
	for i, lvl := range levels {
		assert.Equal(t, i, lvl.Index)
		assert.True(t, lvl.Price.Equal(d(wantPrices[i])), "level %d price %s", i, lvl.Price)
		assert.Equal(t, wantSides[i], lvl.Side, "level %d side", i)
		assert.True(t, lvl.OrderSize.Equal(d("100")))
	}
}

func TestGenerateLevels_LadderShape(t *testing.T) {
	for _, count := range []int{2, 3, 4, 7, 10, 25} {
		for _, rng := range []string{"0.5", "5", "33"} {
			levels, err := GenerateLevels(d("27350.12"), d(rng), count, d("50"))
			require.NoError(t, err)
			require.Len(t, levels, count)

			midpoint := count / 2
			for i, lvl := range levels {
				if i > 0 {
					assert.True(t, lvl.Price.GreaterThan(levels[i-1].Price), "count=%d range=%s: level %d not ascending", count, rng, i)
				}
				if i < midpoint {
					assert.Equal(t, model.SideBuy, lvl.Side)
				} else {
					assert.Equal(t, model.SideSell, lvl.Side)
				}
			}
		}
	}
}

func TestGenerateLevels_EdgeCases(t *testing.T) {
	t.Run("non-positive level count fails", func(t *testing.T) {
		for _, n := range []int{0, -3} {
			_, err := GenerateLevels(d("100"), d("10"), n, d("100"))
			assert.ErrorIs(t, err, ErrInvalidLevelCount)
		}
	})

	t.Run("single level sits at the lower bound and sells", func(t *testing.T) {
		levels, err := GenerateLevels(d("100"), d("10"), 1, d("100"))
		require.NoError(t, err)
		require.Len(t, levels, 1)
		assert.True(t, levels[0].Price.Equal(d("90")))
		assert.Equal(t, model.SideSell, levels[0].Side)
	})

	t.Run("zero range collapses the ladder", func(t *testing.T) {
		levels, err := GenerateLevels(d("100"), decimal.Zero, 4, d("100"))
		require.NoError(t, err)
		for _, lvl := range levels {
			assert.True(t, lvl.Price.Equal(d("100")))
		}
		assert.True(t, Degenerate(decimal.Zero))
		assert.False(t, Degenerate(d("0.1")))
	})

	t.Run("odd count puts the extra level on the sell side", func(t *testing.T) {
		levels, err := GenerateLevels(d("100"), d("10"), 7, d("100"))
		require.NoError(t, err)
		buys, sells := CountSides(levels)
		assert.Equal(t, 3, buys)
		assert.Equal(t, 4, sells)
	})
}

func TestCheckRange(t *testing.T) {
	for _, pct := range []string{"-5", "0", "10", "99.99"} {
		assert.NoError(t, CheckRange(d(pct)), pct)
	}
	for _, pct := range []string{"100", "150"} {
		assert.ErrorIs(t, CheckRange(d(pct)), ErrInvalidRange, pct)
	}
}

func TestGridLevel_Quantity(t *testing.T) {
	lvl := model.GridLevel{Price: d("90"), OrderSize: d("100")}
	assert.Equal(t, "1.11111111", lvl.Quantity().StringFixed(8))
	assert.True(t, model.GridLevel{OrderSize: d("100")}.Quantity().IsZero())
}
