package bot

import (
	"context"
	"fmt"
	"order-reconciler-go/internal/clock"
	"order-reconciler-go/internal/exchange"
	"order-reconciler-go/internal/idgen"
	"order-reconciler-go/internal/models"
	"order-reconciler-go/internal/ordercache"
	"order-reconciler-go/internal/orderstore"
	"order-reconciler-go/internal/persistence"
	"order-reconciler-go/internal/reconcile"
	"order-reconciler-go/internal/reporter"
	"order-reconciler-go/internal/statemanager"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const positionSyncTimeout = 10 * time.Second

// PositionSource 提供交易所端的真实持仓，用于重连后校正缓存
type PositionSource interface {
	Position(ctx context.Context, symbol string) (int64, error)
}

// Option customises a Runtime.
type Option func(*Runtime)

func WithClock(c clock.Clock) Option {
	return func(rt *Runtime) { rt.clock = c }
}

// WithPositionSource makes recovery wait for the broker stream and sync
// positions from src before reconciling.
func WithPositionSource(src PositionSource) Option {
	return func(rt *Runtime) { rt.positions = src }
}

// Synchronous processes broker events on the emitting goroutine and skips
// the background loops. The simulation runner drives the runtime itself.
func Synchronous() Option {
	return func(rt *Runtime) { rt.synchronous = true }
}

func WithIDGenerator(ids reconcile.IDGenerator) Option {
	return func(rt *Runtime) { rt.ids = ids }
}

// Runtime 把订单缓存、持久化存储、各交易对的对账引擎、券商和状态管理器组装在一起
type Runtime struct {
	config      *models.Config
	symbols     []models.SymbolInfo
	store       *orderstore.Store
	mirror      persistence.SnapshotRepository
	engines     map[string]*reconcile.Reconciler
	broker      exchange.Broker
	manager     *statemanager.StateManager
	positions   PositionSource
	ids         reconcile.IDGenerator
	clock       clock.Clock
	synchronous bool

	logicalFills atomic.Int64

	mutex     sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *zap.Logger
}

// NewRuntime 创建运行时。broker 的回报会被接到状态管理器上。
func NewRuntime(cfg *models.Config, symbols []models.SymbolInfo, broker exchange.Broker, logger *zap.Logger, opts ...Option) (*Runtime, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("bot: no symbols to reconcile")
	}
	rt := &Runtime{
		config:  cfg,
		symbols: symbols,
		broker:  broker,
		engines: make(map[string]*reconcile.Reconciler, len(symbols)),
		clock:   clock.Real{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.ids == nil {
		rt.ids = idgen.NewSession(cfg.Engine.BrokerOrderPrefix)
	}

	// 1. 订单缓存与持久化
	cache := ordercache.New(logger.Named("cache"), cfg.Engine.StrictTransactions)
	storeOpts := []orderstore.Option{orderstore.WithClock(rt.clock)}
	if cfg.Store.MirrorPath != "" {
		mirror, err := persistence.NewBadgerRepository(cfg.Store.MirrorPath)
		if err != nil {
			return nil, fmt.Errorf("打开快照镜像失败: %w", err)
		}
		rt.mirror = mirror
		storeOpts = append(storeOpts, orderstore.WithMirror(mirror))
	}
	store, err := orderstore.New(orderstore.ConfigFrom(cfg.Store), cache, logger.Named("store"), storeOpts...)
	if err != nil {
		rt.closeMirror()
		return nil, fmt.Errorf("创建订单存储失败: %w", err)
	}
	rt.store = store

	// 2. 状态管理器与各交易对的对账引擎
	rt.manager = statemanager.NewStateManager(store, store, logger.Named("events"))
	for _, si := range symbols {
		engine := reconcile.New(reconcile.Config{
			Symbol:    si.Symbol,
			TickSize:  si.TickSize,
			Simulated: cfg.Engine.Simulated,
		}, store, broker, rt.ids, logger.Named("reconcile"),
			reconcile.WithClock(rt.clock), reconcile.WithFillHandler(rt))
		rt.engines[si.Symbol] = engine
		rt.manager.RegisterEngine(engine, si)
	}

	// 3. 券商回报
	if rt.synchronous {
		broker.SetEmitter(func(ev models.BrokerEvent) {
			rt.manager.ProcessEvent(statemanager.NormalizedEvent{Type: statemanager.BrokerEvent, Timestamp: ev.Time, Data: ev})
		})
	} else {
		broker.SetEmitter(rt.manager.DispatchBrokerEvent)
	}
	return rt, nil
}

// Start 恢复订单缓存并启动后台服务
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mutex.Lock()
	if rt.isRunning {
		rt.mutex.Unlock()
		return fmt.Errorf("运行时已在运行")
	}
	rt.isRunning = true
	ctx, rt.cancel = context.WithCancel(ctx)
	rt.mutex.Unlock()

	// 1. 从快照恢复
	recovered, err := rt.store.Recover()
	if err != nil {
		return fmt.Errorf("恢复订单缓存失败: %w", err)
	}
	if recovered {
		rt.logger.Sugar().Infof("从快照恢复了 %d 个订单。", rt.store.Count())
	} else {
		rt.logger.Sugar().Info("没有可用的快照，以空缓存启动。")
	}

	// 2. 未收到新指令前保持当前持仓
	for symbol, engine := range rt.engines {
		engine.SetDesiredPosition(rt.store.GetActualPosition(symbol))
	}

	// 3. 启动存储写入和事件循环
	if err := rt.store.Start(ctx); err != nil {
		return fmt.Errorf("启动订单存储失败: %w", err)
	}
	if rt.synchronous {
		rt.setRecovered(true)
		return nil
	}
	rt.manager.Start()

	// 4. 实盘等待用户数据流连上后再开始对账
	if rt.positions == nil {
		rt.setRecovered(true)
	}

	rt.wg.Add(2)
	go rt.heartbeatLoop(ctx)
	go rt.monitorStatus(ctx)

	rt.logger.Sugar().Infof("对账运行时已启动，共 %d 个交易对。", len(rt.engines))
	return nil
}

func (rt *Runtime) setRecovered(recovered bool) {
	rt.dispatch(statemanager.NormalizedEvent{Type: statemanager.RecoveryEvent, Timestamp: rt.clock.Now(), Data: recovered})
}

// OnStreamState 是用户数据流的连接状态回调。断线时暂停对账，
// 重连后先用交易所持仓校正缓存再恢复。
func (rt *Runtime) OnStreamState(connected bool) {
	if !connected {
		rt.logger.Sugar().Warn("用户数据流断开，暂停对账。")
		rt.setRecovered(false)
		return
	}
	if rt.positions != nil {
		rt.syncPositions()
	}
	rt.setRecovered(true)
}

func (rt *Runtime) syncPositions() {
	ctx, cancel := context.WithTimeout(context.Background(), positionSyncTimeout)
	defer cancel()
	for symbol := range rt.engines {
		pos, err := rt.positions.Position(ctx, symbol)
		if err != nil {
			rt.logger.Sugar().Errorf("获取 %s 的持仓失败: %v", symbol, err)
			continue
		}
		rt.store.BeginTransaction()
		cached := rt.store.GetActualPosition(symbol)
		if cached != pos {
			rt.store.SetActualPosition(symbol, pos)
		}
		rt.store.EndTransaction()
		if cached != pos {
			rt.logger.Sugar().Warnf("%s 的缓存持仓 %d 与交易所 %d 不一致，已校正。", symbol, cached, pos)
		}
	}
}

// DispatchOrderUpdate 把用户数据流的订单更新交给状态管理器
func (rt *Runtime) DispatchOrderUpdate(ev models.OrderUpdateEvent) {
	rt.manager.DispatchOrderUpdate(ev)
}

// ApplyPlan 把一份策略计划交给对应交易对的引擎
func (rt *Runtime) ApplyPlan(plan models.StrategyPlan) error {
	if _, ok := rt.engines[plan.Symbol]; !ok {
		return fmt.Errorf("计划中的交易对 %s 未配置", plan.Symbol)
	}
	now := rt.clock.Now()
	if plan.StrategyPositions != nil {
		rt.dispatch(statemanager.NormalizedEvent{Type: statemanager.SyncPositionEvent, Timestamp: now,
			Data: statemanager.SyncPositionEventData{Symbol: plan.Symbol, Positions: plan.StrategyPositions}})
	}
	if plan.DesiredPosition != nil {
		rt.dispatch(statemanager.NormalizedEvent{Type: statemanager.DesiredPositionEvent, Timestamp: now,
			Data: statemanager.DesiredPositionEventData{Symbol: plan.Symbol, Position: *plan.DesiredPosition}})
	}
	orders := make([]models.LogicalOrder, len(plan.Orders))
	for i, o := range plan.Orders {
		o.Symbol = plan.Symbol
		orders[i] = o
	}
	rt.dispatch(statemanager.NormalizedEvent{Type: statemanager.LogicalOrdersEvent, Timestamp: now,
		Data: statemanager.LogicalOrdersEventData{Symbol: plan.Symbol, Orders: orders}})
	return nil
}

func (rt *Runtime) dispatch(ev statemanager.NormalizedEvent) {
	if rt.synchronous {
		rt.manager.ProcessEvent(ev)
		return
	}
	rt.manager.DispatchEvent(ev)
}

// OnLogicalFill 接收对账引擎归属到逻辑订单的成交
func (rt *Runtime) OnLogicalFill(fill models.LogicalFill) {
	rt.logicalFills.Add(1)
	rt.logger.Sugar().Infof("逻辑订单成交: %s 订单 %d/%d 策略 %d 数量 %d 价格 %.4f 策略持仓 %d 完成 %v",
		fill.Symbol, fill.OrderID, fill.OrderSerial, fill.StrategyID, fill.Size, fill.Price, fill.Position, fill.IsComplete)
}

// Heartbeat 清理超时的挂单并对所有交易对执行一次对账
func (rt *Runtime) Heartbeat() {
	for _, engine := range rt.engines {
		engine.CheckForPending()
		engine.ProcessOrders()
	}
}

func (rt *Runtime) heartbeatLoop(ctx context.Context) {
	defer rt.wg.Done()
	ticker := time.NewTicker(time.Duration(rt.config.Engine.HeartbeatIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rt.Heartbeat()
		case <-ctx.Done():
			return
		}
	}
}

func (rt *Runtime) monitorStatus(ctx context.Context) {
	defer rt.wg.Done()
	ticker := time.NewTicker(time.Duration(rt.config.Engine.StatusIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rt.printStatus()
		case <-ctx.Done():
			return
		}
	}
}

// Status 返回每个交易对的持仓与挂单概况，按交易对排序
func (rt *Runtime) Status() []reporter.PositionRow {
	rows := make([]reporter.PositionRow, 0, len(rt.engines))
	for symbol, engine := range rt.engines {
		row := reporter.PositionRow{
			Symbol:    symbol,
			Actual:    rt.store.GetActualPosition(symbol),
			Desired:   engine.DesiredPosition(),
			Recovered: engine.IsRecovered(),
		}
		for _, o := range rt.store.GetActiveOrders(symbol) {
			if o.State.IsPending() {
				row.Pending++
			} else {
				row.Working++
			}
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Symbol < rows[j].Symbol })
	return rows
}

func (rt *Runtime) printStatus() {
	rt.logger.Sugar().Infof("========== 对账状态 ==========\n%s\n%s\n%s",
		reporter.PositionsTable(rt.Status()),
		reporter.OrdersTable(rt.store.Orders()),
		reporter.StrategyTable(rt.store.StrategyPositions()))
	rt.logger.Sugar().Infof("已处理事件 %d，逻辑成交 %d。", rt.manager.Processed(), rt.logicalFills.Load())
}

// Engine returns the reconciler of symbol.
func (rt *Runtime) Engine(symbol string) (*reconcile.Reconciler, bool) {
	e, ok := rt.engines[symbol]
	return e, ok
}

// Store exposes the order store for reporting.
func (rt *Runtime) Store() *orderstore.Store {
	return rt.store
}

// Stop 停止后台服务，强制写一次快照并关闭存储
func (rt *Runtime) Stop() error {
	rt.mutex.Lock()
	if !rt.isRunning {
		rt.mutex.Unlock()
		return nil
	}
	rt.isRunning = false
	rt.cancel()
	rt.mutex.Unlock()

	rt.wg.Wait()
	if !rt.synchronous {
		rt.manager.Stop()
	}

	var firstErr error
	if err := rt.store.ForceSnapshot(); err != nil {
		rt.logger.Sugar().Errorf("停止时写快照失败: %v", err)
		firstErr = err
	}
	if err := rt.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	rt.closeMirror()
	rt.logger.Sugar().Info("对账运行时已停止。")
	return firstErr
}

func (rt *Runtime) closeMirror() {
	if rt.mirror == nil {
		return
	}
	if err := rt.mirror.Close(); err != nil {
		rt.logger.Sugar().Warnf("关闭快照镜像失败: %v", err)
	}
	rt.mirror = nil
}
