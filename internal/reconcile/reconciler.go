package reconcile

import (
	"errors"
	"order-reconciler-go/internal/clock"
	"order-reconciler-go/internal/models"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	simulatedStaleTimeout = time.Second
	liveStaleTimeout      = 5 * time.Second
	recentLogicalLimit    = 256
	fillHistoryLimit      = 4096
)

// ErrCancelIdentity marks a cancel confirmation whose cancel order does not
// point at the order being canceled.
var ErrCancelIdentity = errors.New("reconcile: cancel confirmation does not match original order")

// OrderCache is the part of the order store the engine works against.
// Mutations happen between BeginTransaction and EndTransaction.
type OrderCache interface {
	BeginTransaction()
	EndTransaction()
	SetOrder(order *models.PhysicalOrder)
	RemoveOrder(brokerID string) (*models.PhysicalOrder, bool)
	TryGetOrderByID(brokerID string) (*models.PhysicalOrder, bool)
	TryGetOrderBySerial(serial int64) (*models.PhysicalOrder, bool)
	GetActiveOrders(symbol string) []*models.PhysicalOrder
	HasCreateOrder(order *models.PhysicalOrder) bool
	HasCancelOrder(order *models.PhysicalOrder) bool
	GetActualPosition(symbol string) int64
	SetActualPosition(symbol string, position int64)
	IncreaseActualPosition(symbol string, delta int64) int64
	GetStrategyPosition(strategyID int32) int64
	SetStrategyPosition(strategyID int32, position int64)
}

// PhysicalOrderHandler submits commands to the broker. Returning false
// means the command was not submitted and is rolled back. Implementations
// must not call back into the Reconciler from these methods.
type PhysicalOrderHandler interface {
	OnCreateBrokerOrder(order *models.PhysicalOrder) bool
	OnChangeBrokerOrder(order *models.PhysicalOrder) bool
	OnCancelBrokerOrder(order *models.PhysicalOrder) bool
}

// FillHandler receives fill notifications for the strategy.
type FillHandler interface {
	OnLogicalFill(fill models.LogicalFill)
}

// IDGenerator hands out broker order ids.
type IDGenerator interface {
	Next() string
}

// Config describes the traded symbol.
type Config struct {
	Symbol    string
	TickSize  float64
	Simulated bool // stale pending timeout is 1s when simulated, 5s live
}

// Option customises a Reconciler.
type Option func(*Reconciler)

func WithFillHandler(h FillHandler) Option {
	return func(r *Reconciler) { r.fills = h }
}

func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

// Reconciler converges the physical orders of one symbol toward the
// strategy's logical orders and desired position.
type Reconciler struct {
	cfg     Config
	cache   OrderCache
	handler PhysicalOrderHandler
	fills   FillHandler
	ids     IDGenerator
	clock   clock.Clock
	logger  *zap.Logger
	guard   passGuard

	recovered atomic.Bool

	// protected by mu; always taken after the cache transaction
	mu              sync.Mutex
	logicalOrders   []*models.LogicalOrder
	buffered        []*models.LogicalOrder
	hasBuffered     bool
	desiredPosition int64
	filledSerials   map[int64]bool
	cleanedSerials  map[int64]bool
	recent          map[int64]*models.LogicalOrder
	recentOrder     []int64
	lastCumulative  map[string]int64
	execs           map[string]bool
	execOrder       []string
	recency         int64
}

// New creates the engine for one symbol. It starts unrecovered: nothing is
// sent until SetRecovered(true).
func New(cfg Config, cache OrderCache, handler PhysicalOrderHandler, ids IDGenerator, logger *zap.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		cfg:            cfg,
		cache:          cache,
		handler:        handler,
		ids:            ids,
		clock:          clock.Real{},
		logger:         logger.With(zap.String("symbol", cfg.Symbol)),
		filledSerials:  make(map[int64]bool),
		cleanedSerials: make(map[int64]bool),
		recent:         make(map[int64]*models.LogicalOrder),
		lastCumulative: make(map[string]int64),
		execs:          make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) Symbol() string { return r.cfg.Symbol }

func (r *Reconciler) staleTimeout() time.Duration {
	if r.cfg.Simulated {
		return simulatedStaleTimeout
	}
	return liveStaleTimeout
}

// SetRecovered marks whether the broker session and cache are in sync.
// While unrecovered no commands are issued.
func (r *Reconciler) SetRecovered(recovered bool) {
	r.recovered.Store(recovered)
	r.logger.Info("recovery state changed", zap.Bool("recovered", recovered))
}

func (r *Reconciler) IsRecovered() bool {
	return r.recovered.Load()
}

// SetLogicalOrders replaces the active logical order set. If the update
// still carries a serial already recorded as filled, it is buffered until
// the next pass consumes that fill record.
func (r *Reconciler) SetLogicalOrders(orders []models.LogicalOrder) {
	copies := make([]*models.LogicalOrder, len(orders))
	for i := range orders {
		o := orders[i]
		copies[i] = &o
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, o := range copies {
		if r.filledSerials[o.SerialNumber] {
			r.buffered = copies
			r.hasBuffered = true
			r.logger.Debug("buffering logical orders behind a filled serial", zap.Int64("serial", o.SerialNumber))
			return
		}
	}
	r.replaceLogicalOrders(copies)
	r.buffered = nil
	r.hasBuffered = false
	r.filledSerials = make(map[int64]bool)
	r.cleanedSerials = make(map[int64]bool)
}

// consumeBuffered applies a buffered update minus filled and cleaned serials.
func (r *Reconciler) consumeBuffered() {
	if !r.hasBuffered {
		return
	}
	kept := make([]*models.LogicalOrder, 0, len(r.buffered))
	for _, o := range r.buffered {
		if r.filledSerials[o.SerialNumber] || r.cleanedSerials[o.SerialNumber] {
			continue
		}
		kept = append(kept, o)
	}
	r.replaceLogicalOrders(kept)
	r.buffered = nil
	r.hasBuffered = false
	r.filledSerials = make(map[int64]bool)
	r.cleanedSerials = make(map[int64]bool)
}

// replaceLogicalOrders keeps dropped logical orders around so late fills
// can still be attributed to them.
func (r *Reconciler) replaceLogicalOrders(next []*models.LogicalOrder) {
	keep := make(map[int64]bool, len(next))
	for _, o := range next {
		keep[o.SerialNumber] = true
	}
	for _, o := range r.logicalOrders {
		if !keep[o.SerialNumber] {
			r.remember(o)
		}
	}
	r.logicalOrders = next
}

func (r *Reconciler) remember(o *models.LogicalOrder) {
	if _, ok := r.recent[o.SerialNumber]; !ok {
		r.recentOrder = append(r.recentOrder, o.SerialNumber)
	}
	r.recent[o.SerialNumber] = o
	for len(r.recentOrder) > recentLogicalLimit {
		delete(r.recent, r.recentOrder[0])
		r.recentOrder = r.recentOrder[1:]
	}
}

func (r *Reconciler) findLogical(serial int64) *models.LogicalOrder {
	for _, o := range r.logicalOrders {
		if o.SerialNumber == serial {
			return o
		}
	}
	return r.recent[serial]
}

// LogicalOrders returns a copy of the active logical order set.
func (r *Reconciler) LogicalOrders() []models.LogicalOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.LogicalOrder, len(r.logicalOrders))
	for i, o := range r.logicalOrders {
		out[i] = *o
	}
	return out
}

// SetDesiredPosition records the strategy's target position for the symbol.
func (r *Reconciler) SetDesiredPosition(position int64) {
	r.mu.Lock()
	r.desiredPosition = position
	r.mu.Unlock()
}

func (r *Reconciler) DesiredPosition() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.desiredPosition
}

// SetStrategyPositions overwrites the expected position of each strategy.
func (r *Reconciler) SetStrategyPositions(positions map[int32]int64) {
	r.cache.BeginTransaction()
	defer r.cache.EndTransaction()
	for id, pos := range positions {
		r.cache.SetStrategyPosition(id, pos)
	}
}

// TrySyncPosition adopts the given strategy positions and sets the desired
// position to their sum. It refuses while a pass runs or an order of the
// symbol awaits an acknowledgement.
func (r *Reconciler) TrySyncPosition(positions map[int32]int64) bool {
	if !r.guard.enter() {
		return false
	}
	synced := r.syncPosition(positions)
	for r.guard.exit() {
		r.pass()
	}
	return synced
}

func (r *Reconciler) syncPosition(positions map[int32]int64) bool {
	r.cache.BeginTransaction()
	defer r.cache.EndTransaction()
	if r.hasPending(r.cache.GetActiveOrders(r.cfg.Symbol)) {
		return false
	}

	var total int64
	for id, pos := range positions {
		r.cache.SetStrategyPosition(id, pos)
		total += pos
	}
	r.mu.Lock()
	r.desiredPosition = total
	r.mu.Unlock()
	r.logger.Info("position synchronised", zap.Int64("desired", total))
	return true
}

func (r *Reconciler) hasPending(orders []*models.PhysicalOrder) bool {
	for _, o := range orders {
		if o.State.IsPending() {
			return true
		}
	}
	return false
}

// ProcessOrders runs a reconciliation pass and returns how many commands
// were sent. A call made while a pass runs returns 0 and is served by one
// extra pass once the running pass ends.
func (r *Reconciler) ProcessOrders() int {
	if !r.guard.enter() {
		return 0
	}
	sent := 0
	for {
		sent += r.pass()
		if !r.guard.exit() {
			return sent
		}
	}
}

// CheckForPending cancels or drops stale in-flight orders and reports
// whether any order of the symbol is still awaiting an acknowledgement.
func (r *Reconciler) CheckForPending() bool {
	r.cache.BeginTransaction()
	defer r.cache.EndTransaction()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.IsRecovered() {
		r.cleanupStale(r.cache.GetActiveOrders(r.cfg.Symbol))
	}
	return r.hasPending(r.cache.GetActiveOrders(r.cfg.Symbol))
}

// ConfirmCreate marks a created order as live at the broker.
func (r *Reconciler) ConfirmCreate(brokerID string, isRealTime bool) {
	r.confirmActive(brokerID, "create")
	r.afterEvent(isRealTime)
}

// ConfirmActive marks an order as working at the broker.
func (r *Reconciler) ConfirmActive(brokerID string, isRealTime bool) {
	r.confirmActive(brokerID, "active")
	r.afterEvent(isRealTime)
}

func (r *Reconciler) confirmActive(brokerID, kind string) {
	r.cache.BeginTransaction()
	defer r.cache.EndTransaction()

	o, ok := r.cache.TryGetOrderByID(brokerID)
	if !ok {
		r.logger.Debug("confirmation for unknown order", zap.String("kind", kind), zap.String("brokerOrder", brokerID))
		return
	}
	if o.Action == models.Cancel {
		return
	}
	o.State = models.Active
	o.LastModifyTime = r.clock.Now()
	r.cache.SetOrder(o)
}

// ConfirmChange makes a replacement the live order and drops the order it replaced.
func (r *Reconciler) ConfirmChange(brokerID string, isRealTime bool) {
	r.cache.BeginTransaction()
	if o, ok := r.cache.TryGetOrderByID(brokerID); !ok {
		r.logger.Debug("change confirmation for unknown order", zap.String("brokerOrder", brokerID))
	} else {
		if orig := o.OriginalOrder; orig != nil {
			r.cache.RemoveOrder(orig.BrokerOrder)
			orig.ReplacedBy = nil
			o.OriginalOrder = nil
		}
		o.State = models.Active
		o.LastModifyTime = r.clock.Now()
		r.cache.SetOrder(o)
	}
	r.cache.EndTransaction()
	r.afterEvent(isRealTime)
}

// ConfirmCancel removes a canceled order and its cancel request. brokerID
// may name either the cancel order or the original it canceled.
func (r *Reconciler) ConfirmCancel(brokerID string, isRealTime bool) {
	r.cache.BeginTransaction()
	o, ok := r.cache.TryGetOrderByID(brokerID)
	if !ok {
		r.cache.EndTransaction()
		r.logger.Debug("cancel confirmation for unknown order", zap.String("brokerOrder", brokerID))
		r.afterEvent(isRealTime)
		return
	}

	var cancel, orig *models.PhysicalOrder
	if o.Action == models.Cancel {
		cancel, orig = o, o.OriginalOrder
	} else {
		orig = o
		if o.ReplacedBy != nil && o.ReplacedBy.Action == models.Cancel {
			cancel = o.ReplacedBy
		}
	}
	if cancel != nil && cancel.OriginalOrder != orig {
		r.cache.EndTransaction()
		panic(ErrCancelIdentity)
	}

	if orig != nil {
		r.cache.RemoveOrder(orig.BrokerOrder)
		orig.ReplacedBy = nil
		if prev := orig.OriginalOrder; orig.Action == models.ChangeAction && prev != nil {
			// 撤销改单即撤销整笔委托，被改的订单一并移除
			if cached, ok := r.cache.TryGetOrderByID(prev.BrokerOrder); ok && cached == prev {
				r.cache.RemoveOrder(prev.BrokerOrder)
			}
			if prev.ReplacedBy == orig {
				prev.ReplacedBy = nil
			}
			orig.OriginalOrder = nil
		}
	}
	if cancel != nil {
		r.cache.RemoveOrder(cancel.BrokerOrder)
	}
	r.cache.EndTransaction()
	r.afterEvent(isRealTime)
}

// RemovePending drops an order that never reached the broker.
func (r *Reconciler) RemovePending(brokerID string, isRealTime bool) {
	r.cache.BeginTransaction()
	if o, ok := r.cache.TryGetOrderByID(brokerID); ok && o.State.IsPending() {
		r.cache.RemoveOrder(brokerID)
		r.unlink(o)
	}
	r.cache.EndTransaction()
	r.afterEvent(isRealTime)
}

// unlink detaches a removed order from the order it was replacing.
func (r *Reconciler) unlink(o *models.PhysicalOrder) {
	if orig := o.OriginalOrder; orig != nil && orig.ReplacedBy == o {
		orig.ReplacedBy = nil
	}
}

func (r *Reconciler) afterEvent(isRealTime bool) {
	if isRealTime {
		r.ProcessOrders()
	}
}
