package reconcile

import (
	"fmt"
	"order-reconciler-go/internal/metrics"
	"order-reconciler-go/internal/models"

	"go.uber.org/zap"
)

// ProcessFill applies a broker execution. A fill is a duplicate, and changes
// nothing, when its exec id was seen before or its cumulative size does not
// advance past what was already applied for the order. Fills carrying
// neither are identified by order, size and time.
func (r *Reconciler) ProcessFill(fill models.PhysicalFill) {
	r.cache.BeginTransaction()
	r.mu.Lock()
	notify, ok := r.applyFill(fill)
	r.mu.Unlock()
	r.cache.EndTransaction()

	if !ok {
		return
	}
	metrics.Fills.WithLabelValues(r.cfg.Symbol).Inc()
	if notify != nil && r.fills != nil {
		r.fills.OnLogicalFill(*notify)
	}
	if r.IsRecovered() {
		r.ProcessOrders()
	}
}

func (r *Reconciler) applyFill(fill models.PhysicalFill) (*models.LogicalFill, bool) {
	o, cached := r.cache.TryGetOrderByID(fill.BrokerOrder)
	if !cached {
		// Binance 报告的是原订单 ID，撤单/改单请求可能已被移除
		r.logger.Warn("fill for unknown order", zap.String("brokerOrder", fill.BrokerOrder), zap.String("execId", fill.ExecID))
	}

	cumulative := fill.CumulativeSize
	if cumulative == 0 {
		cumulative = abs(fill.Size)
		if cached {
			cumulative += o.CumulativeSize
		}
	}
	execID := fill.ExecID
	if execID == "" && fill.CumulativeSize == 0 {
		// 既无成交编号也无累计数量时，以订单、数量和时间识别重复推送
		execID = fmt.Sprintf("%s/%d/%d", fill.BrokerOrder, fill.Size, fill.Time.UnixNano())
	}
	if r.seenExec(execID) {
		r.logger.Info("duplicate fill ignored", zap.String("brokerOrder", fill.BrokerOrder), zap.String("execId", execID))
		return nil, false
	}
	if last, seen := r.lastCumulative[fill.BrokerOrder]; seen && cumulative <= last {
		r.logger.Info("duplicate fill ignored",
			zap.String("brokerOrder", fill.BrokerOrder), zap.String("execId", fill.ExecID), zap.Int64("cumulative", cumulative))
		return nil, false
	}
	r.lastCumulative[fill.BrokerOrder] = cumulative
	r.pruneFillHistory()

	// 1. 更新账户实际仓位
	actual := r.cache.IncreaseActualPosition(r.cfg.Symbol, fill.Size)
	r.logger.Info("fill applied", zap.String("brokerOrder", fill.BrokerOrder),
		zap.Int64("size", fill.Size), zap.Float64("price", fill.Price), zap.Int64("actual", actual))

	if !cached {
		return nil, true
	}

	// 2. 更新物理订单
	o.CumulativeSize = cumulative
	if fill.RemainingSize > 0 || fill.CumulativeSize > 0 {
		o.RemainingSize = fill.RemainingSize
	} else {
		o.RemainingSize = o.CompleteSize - cumulative
	}
	if o.RemainingSize < 0 {
		o.RemainingSize = 0
	}
	o.LastModifyTime = r.clock.Now()
	if orig := o.OriginalOrder; o.Action == models.ChangeAction && orig != nil {
		// 改单后的新订单已经成交，说明原订单已被替换
		r.cache.RemoveOrder(orig.BrokerOrder)
		orig.ReplacedBy = nil
		o.OriginalOrder = nil
	}
	if o.RemainingSize == 0 {
		o.State = models.Filled
		r.cache.RemoveOrder(o.BrokerOrder)
		if c := o.ReplacedBy; c != nil {
			// 已成交的订单不再需要撤单或改单
			r.cache.RemoveOrder(c.BrokerOrder)
			o.ReplacedBy = nil
		}
	} else {
		if o.State.IsPending() {
			o.State = models.Active
		}
		r.cache.SetOrder(o)
	}

	if o.IsAdjustment() {
		return nil, true
	}

	// 3. 归属到逻辑订单，更新策略仓位
	l := r.findLogical(o.LogicalSerialNumber)
	if l == nil {
		r.logger.Warn("fill for unknown logical order", zap.Stringer("order", o))
		return nil, true
	}
	sp := r.cache.GetStrategyPosition(l.StrategyID) + fill.Size
	r.cache.SetStrategyPosition(l.StrategyID, sp)
	r.desiredPosition += fill.Size
	r.recency++

	complete := isComplete(l, sp)
	if complete {
		r.filledSerials[l.SerialNumber] = true
		r.completeLogical(l)
	}

	return &models.LogicalFill{
		Symbol:      r.cfg.Symbol,
		Position:    sp,
		Recency:     r.recency,
		Price:       fill.Price,
		Time:        fill.Time,
		OrderID:     l.ID,
		OrderSerial: l.SerialNumber,
		StrategyID:  l.StrategyID,
		Size:        fill.Size,
		IsComplete:  complete,
		IsSimulated: fill.IsSimulated,
	}, true
}

// completeLogical drops a filled logical order and the siblings it makes
// irrelevant from the active set. Their physical orders become extra and
// are canceled by the next pass.
func (r *Reconciler) completeLogical(filled *models.LogicalOrder) {
	sibling := func(o *models.LogicalOrder) bool {
		if o.StrategyID != filled.StrategyID || o.SerialNumber == filled.SerialNumber {
			return false
		}
		switch filled.TradeDirection {
		case models.Entry:
			return o.TradeDirection == models.Entry
		case models.Exit, models.ExitStrategy:
			return o.TradeDirection == models.Exit || o.TradeDirection == models.ExitStrategy || o.TradeDirection == models.Change
		}
		return false
	}

	kept := r.logicalOrders[:0:0]
	for _, o := range r.logicalOrders {
		switch {
		case o.SerialNumber == filled.SerialNumber:
			r.remember(o)
		case sibling(o):
			r.cleanedSerials[o.SerialNumber] = true
			r.remember(o)
			r.logger.Info("dropping sibling of filled logical order", zap.Stringer("filled", filled), zap.Stringer("sibling", o))
		default:
			kept = append(kept, o)
		}
	}
	r.logicalOrders = kept
}

// seenExec records execID and reports whether it was applied before.
func (r *Reconciler) seenExec(execID string) bool {
	if execID == "" {
		return false
	}
	if r.execs[execID] {
		return true
	}
	r.execs[execID] = true
	r.execOrder = append(r.execOrder, execID)
	for len(r.execOrder) > fillHistoryLimit {
		delete(r.execs, r.execOrder[0])
		r.execOrder = r.execOrder[1:]
	}
	return false
}

// pruneFillHistory forgets cumulative sizes of orders that left the cache.
func (r *Reconciler) pruneFillHistory() {
	if len(r.lastCumulative) <= fillHistoryLimit {
		return
	}
	for id := range r.lastCumulative {
		if _, ok := r.cache.TryGetOrderByID(id); !ok {
			delete(r.lastCumulative, id)
		}
	}
}
