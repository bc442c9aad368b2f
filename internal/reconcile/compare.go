package reconcile

import (
	"order-reconciler-go/internal/metrics"
	"order-reconciler-go/internal/models"
	"time"

	"go.uber.org/zap"
)

// passState collects what one pass decided before creates are issued.
type passState struct {
	sent         int
	canceled     bool
	skip         map[*models.PhysicalOrder]bool // originals of stale cancels
	claimed      map[*models.PhysicalOrder]bool
	pendingRungs []pendingCreate
}

type pendingCreate struct {
	logical *models.LogicalOrder
	side    models.OrderSide
	size    int64
	ticks   int64
}

// pass runs one reconciliation pass and returns the number of commands sent.
func (r *Reconciler) pass() int {
	start := time.Now()
	defer func() { metrics.PassDuration.Observe(time.Since(start).Seconds()) }()

	r.cache.BeginTransaction()
	defer r.cache.EndTransaction()
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.IsRecovered() {
		return 0
	}
	r.consumeBuffered()

	ps := &passState{
		claimed: make(map[*models.PhysicalOrder]bool),
	}

	// 1. 清理超时未确认的订单
	sent, skip := r.cleanupStale(r.cache.GetActiveOrders(r.cfg.Symbol))
	ps.sent += sent
	ps.skip = skip

	// 2. 仍有未确认的订单时本轮不再发单，避免重复下单
	orders := r.cache.GetActiveOrders(r.cfg.Symbol)
	if r.hasPending(orders) {
		return ps.sent
	}

	// 3. 先修正仓位偏差
	if r.adjustPosition(ps, orders) {
		return ps.sent
	}

	// 4. 逐个逻辑订单匹配物理订单
	var unmatched []*models.LogicalOrder
	for _, l := range r.logicalOrders {
		if !r.matchLogical(ps, l, orders) {
			unmatched = append(unmatched, l)
		}
	}

	// 5. 取消多余的物理订单
	for _, o := range orders {
		if ps.claimed[o] || ps.skip[o] || !r.cancelable(o) || o.IsAdjustment() {
			continue
		}
		r.logger.Info("canceling order with no logical counterpart", zap.Stringer("order", o))
		r.cancelOrder(ps, o)
	}

	// 6. 补充缺失的订单；本轮已有撤单时等撤单确认后再下
	if ps.canceled {
		return ps.sent
	}
	for _, l := range unmatched {
		r.processExtraLogical(ps, l)
	}
	for _, c := range ps.pendingRungs {
		r.createOrder(ps, c.logical, c.side, c.size, c.ticks)
	}
	return ps.sent
}

// cancelable reports whether an order is working and not already being replaced.
func (r *Reconciler) cancelable(o *models.PhysicalOrder) bool {
	if o.Action == models.Cancel || o.ReplacedBy != nil {
		return false
	}
	switch o.State {
	case models.Filled, models.Suspended, models.Lost, models.Expired:
		return false
	}
	return true
}

// cleanupStale cancels orders stuck in flight for longer than the timeout,
// stale changes included. A stale cancel is dropped instead, and its
// original is skipped for the rest of the pass. Callers hold the
// transaction and mu.
func (r *Reconciler) cleanupStale(orders []*models.PhysicalOrder) (int, map[*models.PhysicalOrder]bool) {
	now := r.clock.Now()
	timeout := r.staleTimeout()
	skip := make(map[*models.PhysicalOrder]bool)
	ps := &passState{skip: skip}

	for _, o := range orders {
		inFlight := o.State.IsPending() || (o.Type.IsMarket() && !o.State.IsTerminal())
		if !inFlight || now.Sub(o.LastModifyTime) < timeout {
			continue
		}
		if o.Action == models.Cancel {
			r.logger.Warn("dropping stale cancel", zap.Stringer("order", o))
			r.cache.RemoveOrder(o.BrokerOrder)
			if orig := o.OriginalOrder; orig != nil {
				r.unlink(o)
				skip[orig] = true
			}
			continue
		}
		if skip[o] || o.ReplacedBy != nil {
			continue
		}
		r.logger.Warn("canceling stale order", zap.Stringer("order", o), zap.Duration("age", now.Sub(o.LastModifyTime)))
		r.cancelOrder(ps, o)
	}
	return ps.sent, skip
}

// adjustPosition issues a market order for any gap between the desired and
// actual position not covered by adjustments already in flight. It reports
// whether the pass must end here.
func (r *Reconciler) adjustPosition(ps *passState, orders []*models.PhysicalOrder) bool {
	var pendingAdjustments int64
	inFlight := false
	for _, o := range orders {
		if o.IsAdjustment() && o.Action != models.Cancel && o.Type.IsMarket() {
			pendingAdjustments += o.SignedRemaining()
			inFlight = true
		}
	}

	actual := r.cache.GetActualPosition(r.cfg.Symbol)
	delta := (r.desiredPosition - actual) - pendingAdjustments
	if inFlight {
		// 等待在途的调整单成交后再继续
		if delta != 0 {
			r.logger.Debug("adjustment in flight", zap.Int64("delta", delta), zap.Int64("pendingAdjustments", pendingAdjustments))
		}
		return true
	}
	if delta == 0 {
		return false
	}

	side, size := step(actual, actual+delta)
	typ := models.BuyMarket
	if side != models.Buy {
		typ = models.SellMarket
	}
	order := r.newOrder(models.Create, side, typ, size, 0)
	order.OrderFlags |= models.FlagAdjustment
	r.logger.Info("adjusting position",
		zap.Int64("desired", r.desiredPosition), zap.Int64("actual", actual),
		zap.Int64("pendingAdjustments", pendingAdjustments), zap.Stringer("order", order))
	r.submit(ps, order)
	return true
}

// matchLogical compares one logical order with the physical orders sharing
// its serial. It reports whether the logical order was matched; an
// unmatched one is handed to processExtraLogical later in the pass.
func (r *Reconciler) matchLogical(ps *passState, l *models.LogicalOrder, orders []*models.PhysicalOrder) bool {
	var matches []*models.PhysicalOrder
	for _, o := range orders {
		if o.LogicalSerialNumber != l.SerialNumber || ps.skip[o] {
			continue
		}
		if !r.cancelable(o) {
			// superseded orders belong to the logical order but are not compared
			ps.claimed[o] = true
			continue
		}
		matches = append(matches, o)
	}

	w := r.computeWant(l, r.cache.GetStrategyPosition(l.StrategyID))
	if w.size == 0 {
		for _, o := range matches {
			r.logger.Info("canceling order for satisfied logical order", zap.Stringer("logical", l), zap.Stringer("order", o))
			r.cancelOrder(ps, o)
			ps.claimed[o] = true
		}
		return true
	}
	if len(matches) == 0 {
		return false
	}

	if l.IsLadder() && !l.Type.IsMarket() {
		r.matchLadder(ps, l, w, matches)
		return true
	}

	first := matches[0]
	ps.claimed[first] = true
	for _, extra := range matches[1:] {
		ps.claimed[extra] = true
		r.cancelOrder(ps, extra)
	}

	switch {
	case first.Side != w.side:
		// 方向不一致时一律撤单重下，即使数量恰好相等
		r.cancelOrder(ps, first)
	case first.RemainingSize != w.size ||
		(!l.Type.IsMarket() && models.PriceToTicks(first.Price, r.cfg.TickSize) != w.ticks):
		r.changeOrder(ps, first, w.size, w.ticks)
	}
	return true
}

// matchLadder matches rungs by exact tick. Size differences on a rung are
// changed in place; anything off-grid is canceled, never moved.
func (r *Reconciler) matchLadder(ps *passState, l *models.LogicalOrder, w want, matches []*models.PhysicalOrder) {
	rungs := ladder(l, w)
	taken := make([]bool, len(rungs))

	for _, o := range matches {
		ps.claimed[o] = true
		idx := -1
		if o.Side == w.side {
			ticks := models.PriceToTicks(o.Price, r.cfg.TickSize)
			for i, rg := range rungs {
				if !taken[i] && rg.ticks == ticks {
					idx = i
					break
				}
			}
		}
		if idx < 0 {
			r.cancelOrder(ps, o)
			continue
		}
		taken[idx] = true
		if o.RemainingSize != rungs[idx].size {
			r.changeOrder(ps, o, rungs[idx].size, rungs[idx].ticks)
		}
	}

	for i, rg := range rungs {
		if !taken[i] {
			ps.pendingRungs = append(ps.pendingRungs, pendingCreate{logical: l, side: w.side, size: rg.size, ticks: rg.ticks})
		}
	}
}

// processExtraLogical creates whatever an unmatched logical order needs.
func (r *Reconciler) processExtraLogical(ps *passState, l *models.LogicalOrder) {
	w := r.computeWant(l, r.cache.GetStrategyPosition(l.StrategyID))
	if w.size == 0 {
		return
	}
	if l.IsLadder() && !l.Type.IsMarket() {
		for _, rg := range ladder(l, w) {
			r.createOrder(ps, l, w.side, rg.size, rg.ticks)
		}
		return
	}
	r.createOrder(ps, l, w.side, w.size, w.ticks)
}
