package grid

import (
	"math"

	"github.com/shopspring/decimal"
	"gridbot/internal/model"
)

// ReconcileOptimal matches orders to levels so that the number of matched
// orders is maximal and, among those, the summed price distance is minimal.
// Each side is solved as an independent assignment problem.
func ReconcileOptimal(orders []model.Order, levels []model.GridLevel, tolerance decimal.Decimal) ReconcileResult {
	var res ReconcileResult
	bySide := map[model.Side][]model.Order{}
	seen := make(map[string]bool, len(orders))
	for _, o := range orders {
		if seen[o.ID] {
			continue
		}
		seen[o.ID] = true
		if !o.LimitPrice.Valid {
			res.NoLimit = append(res.NoLimit, o)
			continue
		}
		bySide[o.Side] = append(bySide[o.Side], o)
	}

	matched := map[string]LedgerEntry{}
	for _, side := range []model.Side{model.SideBuy, model.SideSell} {
		sideOrders := bySide[side]
		var sideLevels []model.GridLevel
		for _, l := range levels {
			if l.Side == side {
				sideLevels = append(sideLevels, l)
			}
		}
		for oi, li := range assign(sideOrders, sideLevels, tolerance) {
			matched[sideOrders[oi].ID] = entryFor(sideLevels[li], sideOrders[oi])
		}
	}

	// Keep the venue's order for entries and leftovers so results stay
	// comparable with the greedy matcher.
	emitted := make(map[string]bool, len(orders))
	for _, o := range orders {
		if !o.LimitPrice.Valid || emitted[o.ID] {
			continue
		}
		emitted[o.ID] = true
		if e, ok := matched[o.ID]; ok {
			res.Entries = append(res.Entries, e)
		} else {
			res.Unmatched = append(res.Unmatched, o)
		}
	}
	return res
}

// assign returns order index -> level index for feasible pairs.
func assign(orders []model.Order, levels []model.GridLevel, tolerance decimal.Decimal) map[int]int {
	out := map[int]int{}
	if len(orders) == 0 || len(levels) == 0 {
		return out
	}
	n := max(len(orders), len(levels))
	tol := tolerance.InexactFloat64()
	infeasible := tol*float64(n+1) + 1

	cost := make([][]float64, n)
	for i := range cost {
		cost[i] = make([]float64, n)
		for j := range cost[i] {
			cost[i][j] = infeasible
			if i >= len(orders) || j >= len(levels) {
				continue
			}
			dist := levels[j].Price.Sub(orders[i].LimitPrice.Decimal).Abs()
			if dist.GreaterThan(tolerance) {
				continue
			}
			cost[i][j] = dist.InexactFloat64()
		}
	}

	for row, col := range hungarian(cost) {
		if row < len(orders) && col < len(levels) && cost[row][col] < infeasible {
			out[row] = col
		}
	}
	return out
}

// hungarian solves the square min-cost assignment problem and returns
// row -> column.
func hungarian(a [][]float64) map[int]int {
	n := len(a)
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	p := make([]int, n+1)
	way := make([]int, n+1)

	for i := 1; i <= n; i++ {
		p[0] = i
		j0 := 0
		minv := make([]float64, n+1)
		used := make([]bool, n+1)
		for j := range minv {
			minv[j] = math.Inf(1)
		}
		for {
			used[j0] = true
			i0 := p[j0]
			delta := math.Inf(1)
			j1 := 0
			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				cur := a[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= n; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}
		for j0 != 0 {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
		}
	}

	out := make(map[int]int, n)
	for j := 1; j <= n; j++ {
		if p[j] != 0 {
			out[p[j]-1] = j - 1
		}
	}
	return out
}
