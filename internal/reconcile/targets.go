package reconcile

import (
	"fmt"
	"order-reconciler-go/internal/models"
)

// want is what the broker should currently hold for one logical order.
type want struct {
	side  models.OrderSide
	size  int64
	ticks int64 // price in ticks, ignored for market orders
}

// rung is one price level of a ladder.
type rung struct {
	ticks int64
	size  int64
}

// step moves a position from current toward target by one order. Crossing
// flat always takes two orders: the first only closes the current side.
func step(current, target int64) (models.OrderSide, int64) {
	delta := target - current
	switch {
	case delta > 0:
		if current < 0 && target > 0 {
			return models.Buy, -current
		}
		return models.Buy, delta
	case delta < 0:
		if current > 0 {
			if target < 0 {
				return models.Sell, current
			}
			return models.Sell, -delta
		}
		return models.SellShort, -delta
	}
	return models.Buy, 0
}

func sign(n int64) int64 {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	}
	return 0
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// targetPosition is the strategy position the logical order aims for.
func targetPosition(l *models.LogicalOrder, strategyPosition int64) int64 {
	switch l.TradeDirection {
	case models.Entry, models.Reverse:
		return l.Type.Sign() * l.Position
	case models.Exit, models.ExitStrategy:
		return 0
	case models.Change:
		return l.StrategyPosition + l.Type.Sign()*l.Position
	default:
		panic(fmt.Sprintf("unhandled trade direction %v", l.TradeDirection))
	}
}

// computeWant applies the per-direction rules. A zero size means the
// logical order should have nothing working at the broker.
func (r *Reconciler) computeWant(l *models.LogicalOrder, sp int64) want {
	w := want{ticks: models.PriceToTicks(l.Price, r.cfg.TickSize)}
	target := targetPosition(l, sp)

	switch l.TradeDirection {
	case models.Entry:
		// 仅在空仓或同向持仓时加仓
		if sp != 0 && sign(sp) != sign(target) {
			return w
		}
		size := abs(target) - abs(sp)
		if size <= 0 {
			return w
		}
		w.size = size
		if target > 0 {
			w.side = models.Buy
		} else {
			w.side = models.SellShort
		}
	case models.Exit, models.ExitStrategy:
		// 只有与持仓方向相反的订单才能平仓
		switch {
		case sp > 0 && !l.Type.IsBuy():
			w.side, w.size = models.Sell, sp
		case sp < 0 && l.Type.IsBuy():
			w.side, w.size = models.Buy, -sp
		}
	case models.Reverse:
		w.side, w.size = step(sp, target)
	case models.Change:
		if sign(target-sp) != l.Type.Sign() {
			return w
		}
		w.side, w.size = step(sp, target)
	default:
		panic(fmt.Sprintf("unhandled trade direction %v", l.TradeDirection))
	}
	return w
}

// isComplete reports whether a strategy position satisfies the logical order.
func isComplete(l *models.LogicalOrder, sp int64) bool {
	target := targetPosition(l, sp)
	switch l.TradeDirection {
	case models.Entry:
		return sign(sp) == sign(target) && abs(sp) >= abs(target)
	case models.Exit, models.ExitStrategy:
		return sp == 0
	case models.Reverse, models.Change:
		return sp == target
	default:
		panic(fmt.Sprintf("unhandled trade direction %v", l.TradeDirection))
	}
}

// ladder spreads size over the logical order's levels. Buy rungs sit below
// the base price, sell rungs above it. Rungs are filled from the far end
// inward and whatever does not fit lands on the nearest rung.
func ladder(l *models.LogicalOrder, w want) []rung {
	levels := int(l.Levels)
	sizes := make([]int64, levels)
	remaining := w.size
	for i := levels - 1; i >= 0 && remaining > 0; i-- {
		s := l.LevelSize
		if s > remaining {
			s = remaining
		}
		sizes[i] = s
		remaining -= s
	}
	sizes[0] += remaining

	dir := int64(1)
	if w.side == models.Buy {
		dir = -1
	}
	rungs := make([]rung, 0, levels)
	for i, s := range sizes {
		if s == 0 {
			continue
		}
		rungs = append(rungs, rung{
			ticks: w.ticks + dir*int64(i)*int64(l.LevelIncrement),
			size:  s,
		})
	}
	return rungs
}
