package reconcile

import (
	"order-reconciler-go/internal/metrics"
	"order-reconciler-go/internal/models"
	"strings"

	"go.uber.org/zap"
)

// 表示调用方用法错误的拒单文本（小写匹配）
var usageErrorTexts = []string{
	"unknown order",
	"order does not exist",
	"duplicate",
}

func isUsageError(reason string) bool {
	reason = strings.ToLower(reason)
	for _, t := range usageErrorTexts {
		if strings.Contains(reason, t) {
			return true
		}
	}
	return false
}

func (r *Reconciler) newOrder(action models.OrderAction, side models.OrderSide, typ models.OrderType, size, ticks int64) *models.PhysicalOrder {
	now := r.clock.Now()
	o := &models.PhysicalOrder{
		BrokerOrder:    r.ids.Next(),
		Action:         action,
		State:          models.Pending,
		Symbol:         r.cfg.Symbol,
		Side:           side,
		Type:           typ,
		CompleteSize:   size,
		RemainingSize:  size,
		UtcCreateTime:  now,
		LastModifyTime: now,
	}
	if !typ.IsMarket() {
		o.Price = models.TicksToPrice(ticks, r.cfg.TickSize)
	}
	return o
}

// createOrder issues a Create for a logical order unless an identical one is
// already pending.
func (r *Reconciler) createOrder(ps *passState, l *models.LogicalOrder, side models.OrderSide, size, ticks int64) {
	o := r.newOrder(models.Create, side, l.Type.ForSide(side), size, ticks)
	o.LogicalOrderID = l.ID
	o.LogicalSerialNumber = l.SerialNumber
	o.Tag = l.Tag
	o.OrderFlags = l.OrderFlags
	if r.cache.HasCreateOrder(o) {
		r.logger.Debug("create already pending", zap.Stringer("order", o))
		return
	}
	r.submit(ps, o)
}

// cancelOrder links a Cancel to orig and submits it.
func (r *Reconciler) cancelOrder(ps *passState, orig *models.PhysicalOrder) {
	c := r.replacement(orig, models.Cancel)
	c.Price = orig.Price
	c.CompleteSize = orig.CompleteSize
	c.RemainingSize = orig.RemainingSize
	if r.cache.HasCancelOrder(c) {
		r.logger.Debug("cancel already in flight", zap.Stringer("original", orig))
		return
	}
	orig.ReplacedBy = c
	r.submit(ps, c)
}

// changeOrder replaces orig with a Change carrying the new size and price.
func (r *Reconciler) changeOrder(ps *passState, orig *models.PhysicalOrder, size, ticks int64) {
	c := r.replacement(orig, models.ChangeAction)
	if !orig.Type.IsMarket() {
		c.Price = models.TicksToPrice(ticks, r.cfg.TickSize)
	}
	c.CompleteSize = size
	c.RemainingSize = size
	if r.cache.HasCancelOrder(c) {
		r.logger.Debug("replace already in flight", zap.Stringer("original", orig))
		return
	}
	orig.ReplacedBy = c
	r.submit(ps, c)
}

func (r *Reconciler) replacement(orig *models.PhysicalOrder, action models.OrderAction) *models.PhysicalOrder {
	now := r.clock.Now()
	return &models.PhysicalOrder{
		BrokerOrder:         r.ids.Next(),
		Action:              action,
		State:               models.Pending,
		Symbol:              orig.Symbol,
		Side:                orig.Side,
		Type:                orig.Type,
		LogicalOrderID:      orig.LogicalOrderID,
		LogicalSerialNumber: orig.LogicalSerialNumber,
		OriginalOrder:       orig,
		OrderFlags:          orig.OrderFlags,
		Tag:                 orig.Tag,
		UtcCreateTime:       now,
		LastModifyTime:      now,
	}
}

// submit caches the order and hands it to the broker handler. A handler
// refusal rolls the order back out of the cache.
func (r *Reconciler) submit(ps *passState, o *models.PhysicalOrder) {
	r.cache.SetOrder(o)

	var ok bool
	switch o.Action {
	case models.Create:
		ok = r.handler.OnCreateBrokerOrder(o)
	case models.ChangeAction:
		ok = r.handler.OnChangeBrokerOrder(o)
	case models.Cancel:
		ok = r.handler.OnCancelBrokerOrder(o)
	default:
		panic("unhandled order action " + o.Action.String())
	}

	action := strings.ToLower(o.Action.String())
	if !ok {
		r.logger.Warn("order handler refused command", zap.Stringer("order", o))
		r.cache.RemoveOrder(o.BrokerOrder)
		r.unlink(o)
		metrics.CommandsFailed.WithLabelValues(r.cfg.Symbol, action).Inc()
		return
	}
	r.logger.Debug("command sent", zap.Stringer("order", o))
	metrics.CommandsSent.WithLabelValues(r.cfg.Symbol, action).Inc()
	ps.sent++
	if o.Action == models.Cancel {
		ps.canceled = true
	}
}

// RejectOrder handles a broker reject. The rejected order is removed and
// its original, if still cached, goes back to Active.
func (r *Reconciler) RejectOrder(brokerID, reason string, isRealTime bool) {
	metrics.Rejects.WithLabelValues(r.cfg.Symbol).Inc()
	usage := isUsageError(reason)

	r.cache.BeginTransaction()
	o, ok := r.cache.RemoveOrder(brokerID)
	if !ok {
		r.cache.EndTransaction()
		r.logger.Debug("reject for unknown order", zap.String("brokerOrder", brokerID), zap.String("reason", reason))
		r.afterEvent(isRealTime)
		return
	}
	r.unlink(o)

	// 原订单仍在缓存中时恢复为 Active；撤单被拒通常意味着它刚刚成交，成交回报随后到达
	if orig := o.OriginalOrder; orig != nil {
		if cached, ok := r.cache.TryGetOrderByID(orig.BrokerOrder); ok && cached == orig {
			orig.State = models.Active
			orig.LastModifyTime = r.clock.Now()
			r.cache.SetOrder(orig)
		}
	}
	if o.Action == models.Create {
		if c := o.ReplacedBy; c != nil {
			r.cache.RemoveOrder(c.BrokerOrder)
			o.ReplacedBy = nil
		}
	}
	r.cache.EndTransaction()

	if usage && r.IsRecovered() {
		r.logger.Error("order rejected", zap.Stringer("order", o), zap.String("reason", reason))
	} else {
		r.logger.Warn("order rejected", zap.Stringer("order", o), zap.String("reason", reason))
	}
	r.afterEvent(isRealTime)
}
