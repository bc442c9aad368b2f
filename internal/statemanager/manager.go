package statemanager

import (
	"errors"
	"fmt"
	"order-reconciler-go/internal/models"
	"order-reconciler-go/internal/orderstore"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	BrokerEvent          EventType = iota // models.BrokerEvent from a broker handler
	OrderUpdateEvent                      // models.OrderUpdateEvent from the Binance user stream
	LogicalOrdersEvent                    // LogicalOrdersEventData
	DesiredPositionEvent                  // DesiredPositionEventData
	SyncPositionEvent                     // SyncPositionEventData
	RecoveryEvent                         // bool
)

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// LogicalOrdersEventData replaces the logical orders of one symbol.
type LogicalOrdersEventData struct {
	Symbol string
	Orders []models.LogicalOrder
}

// DesiredPositionEventData sets the target position of one symbol.
type DesiredPositionEventData struct {
	Symbol   string
	Position int64
}

// SyncPositionEventData carries per-strategy positions to apply once the
// symbol has no order awaiting acknowledgement.
type SyncPositionEventData struct {
	Symbol    string
	Positions map[int32]int64
}

// Engine is the part of the per-symbol reconciler the state manager drives.
type Engine interface {
	Symbol() string
	ConfirmCreate(brokerID string, isRealTime bool)
	ConfirmChange(brokerID string, isRealTime bool)
	ConfirmCancel(brokerID string, isRealTime bool)
	RejectOrder(brokerID, reason string, isRealTime bool)
	ProcessFill(fill models.PhysicalFill)
	SetLogicalOrders(orders []models.LogicalOrder)
	SetDesiredPosition(position int64)
	TrySyncPosition(positions map[int32]int64) bool
	SetRecovered(recovered bool)
}

// OrderLookup tells an acknowledgement of a new order from one of a change.
type OrderLookup interface {
	TryGetOrderByID(brokerID string) (*models.PhysicalOrder, bool)
}

// Snapshotter is the store side of the persistence loop.
type Snapshotter interface {
	Changed() bool
	SnapshotNow() error
}

// StateManager serialises every broker report and strategy input onto one
// event loop, so the reconcilers see them in arrival order, and asks the
// store for a snapshot after each processed event.
type StateManager struct {
	engines         map[string]Engine
	steps           map[string]float64
	lookup          OrderLookup
	store           Snapshotter
	eventChannel    chan NormalizedEvent
	persistenceChan chan struct{}
	stopChan        chan bool
	stopOnce        sync.Once
	wg              sync.WaitGroup
	processed       atomic.Int64
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager. store may be nil.
func NewStateManager(lookup OrderLookup, store Snapshotter, logger *zap.Logger) *StateManager {
	return &StateManager{
		engines:         make(map[string]Engine),
		steps:           make(map[string]float64),
		lookup:          lookup,
		store:           store,
		eventChannel:    make(chan NormalizedEvent, 1024), // Buffered channel
		persistenceChan: make(chan struct{}, 1),           // 合并多次快照请求
		stopChan:        make(chan bool),
		logger:          logger,
	}
}

// RegisterEngine routes events of info.Symbol to e. Must be called before Start.
func (sm *StateManager) RegisterEngine(e Engine, info models.SymbolInfo) {
	sm.engines[e.Symbol()] = e
	sm.steps[e.Symbol()] = info.StepSize
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Sugar().Info("StateManager started.")
}

// Stop gracefully shuts down the StateManager. Events still queued are dropped.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()
		sm.logger.Sugar().Info("StateManager stopped.")
	})
}

// DispatchEvent sends an event to the StateManager for processing.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) {
	select {
	case sm.eventChannel <- event:
	case <-sm.stopChan:
	}
}

// DispatchBrokerEvent is the emitter handed to broker handlers.
func (sm *StateManager) DispatchBrokerEvent(ev models.BrokerEvent) {
	sm.DispatchEvent(NormalizedEvent{Type: BrokerEvent, Timestamp: ev.Time, Data: ev})
}

// DispatchOrderUpdate is the callback handed to the user stream.
func (sm *StateManager) DispatchOrderUpdate(ev models.OrderUpdateEvent) {
	sm.DispatchEvent(NormalizedEvent{Type: OrderUpdateEvent, Timestamp: time.UnixMilli(ev.EventTime), Data: ev})
}

// ProcessEvent handles an event on the caller's goroutine. The simulation
// runner uses it instead of the event loop so every report is applied before
// the next bar.
func (sm *StateManager) ProcessEvent(event NormalizedEvent) {
	sm.processEvent(event)
}

// Processed returns the number of events handled so far.
func (sm *StateManager) Processed() int64 {
	return sm.processed.Load()
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			return
		}
	}
}

// persistenceLoop handles the asynchronous snapshot requests.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for {
		select {
		case <-sm.persistenceChan:
			sm.snapshot()
		case <-sm.stopChan:
			return
		}
	}
}

func (sm *StateManager) snapshot() {
	if sm.store == nil || !sm.store.Changed() {
		return
	}
	if err := sm.store.SnapshotNow(); err != nil {
		if errors.Is(err, orderstore.ErrQueueFull) {
			// 下一次事件会再次触发
			return
		}
		sm.logger.Sugar().Errorf("CRITICAL: Failed to snapshot orders: %v", err)
	}
}

func (sm *StateManager) requestSnapshot() {
	select {
	case sm.persistenceChan <- struct{}{}:
	default:
	}
}

// processEvent routes one event to the reconciler of its symbol.
func (sm *StateManager) processEvent(event NormalizedEvent) {
	switch event.Type {
	case BrokerEvent:
		if ev, ok := event.Data.(models.BrokerEvent); ok {
			sm.handleBrokerEvent(ev)
		} else {
			sm.logger.Sugar().Warnf("Received BrokerEvent with unexpected data type: %T", event.Data)
		}
	case OrderUpdateEvent:
		if ev, ok := event.Data.(models.OrderUpdateEvent); ok {
			sm.handleOrderUpdate(ev)
		} else {
			sm.logger.Sugar().Warnf("Received OrderUpdateEvent with unexpected data type: %T", event.Data)
		}
	case LogicalOrdersEvent:
		if data, ok := event.Data.(LogicalOrdersEventData); ok {
			if e := sm.engine(data.Symbol); e != nil {
				e.SetLogicalOrders(data.Orders)
			}
		} else {
			sm.logger.Sugar().Warnf("Received LogicalOrdersEvent with unexpected data type: %T", event.Data)
		}
	case DesiredPositionEvent:
		if data, ok := event.Data.(DesiredPositionEventData); ok {
			if e := sm.engine(data.Symbol); e != nil {
				e.SetDesiredPosition(data.Position)
			}
		} else {
			sm.logger.Sugar().Warnf("Received DesiredPositionEvent with unexpected data type: %T", event.Data)
		}
	case SyncPositionEvent:
		if data, ok := event.Data.(SyncPositionEventData); ok {
			if e := sm.engine(data.Symbol); e != nil && !e.TrySyncPosition(data.Positions) {
				sm.logger.Sugar().Warnf("Position sync for %s refused: orders still pending.", data.Symbol)
			}
		} else {
			sm.logger.Sugar().Warnf("Received SyncPositionEvent with unexpected data type: %T", event.Data)
		}
	case RecoveryEvent:
		if recovered, ok := event.Data.(bool); ok {
			for _, e := range sm.engines {
				e.SetRecovered(recovered)
			}
			sm.logger.Sugar().Infof("Recovery state set to %v for %d symbols.", recovered, len(sm.engines))
		} else {
			sm.logger.Sugar().Warnf("Received RecoveryEvent with unexpected data type: %T", event.Data)
		}
	default:
		sm.logger.Sugar().Warnf("Received unknown event type: %d", event.Type)
	}

	sm.processed.Add(1)
	sm.requestSnapshot()
}

func (sm *StateManager) engine(symbol string) Engine {
	e, ok := sm.engines[symbol]
	if !ok {
		sm.logger.Sugar().Warnf("No reconciler registered for symbol %s.", symbol)
		return nil
	}
	return e
}

func (sm *StateManager) handleBrokerEvent(ev models.BrokerEvent) {
	e := sm.engine(ev.Symbol)
	if e == nil {
		return
	}
	switch ev.Type {
	case models.BrokerAck:
		if o, ok := sm.lookup.TryGetOrderByID(ev.BrokerOrder); ok && o.Action == models.ChangeAction {
			e.ConfirmChange(ev.BrokerOrder, ev.IsRealTime)
		} else {
			e.ConfirmCreate(ev.BrokerOrder, ev.IsRealTime)
		}
	case models.BrokerCanceled, models.BrokerExpired:
		e.ConfirmCancel(ev.BrokerOrder, ev.IsRealTime)
	case models.BrokerRejected:
		e.RejectOrder(ev.BrokerOrder, ev.Reason, ev.IsRealTime)
	case models.BrokerFill:
		e.ProcessFill(ev.Fill)
	default:
		sm.logger.Sugar().Warnf("Unhandled broker event %s for %s.", ev.Type, ev.BrokerOrder)
	}
}

// handleOrderUpdate turns a Binance ORDER_TRADE_UPDATE into a broker event.
func (sm *StateManager) handleOrderUpdate(event models.OrderUpdateEvent) {
	ev, ok, err := sm.convertOrderUpdate(event)
	if err != nil {
		sm.logger.Sugar().Errorf("Failed to convert order update for %s: %v", event.Order.ClientOrderID, err)
		return
	}
	if !ok {
		sm.logger.Sugar().Debugf("Ignoring order update %s/%s for %s.",
			event.Order.ExecutionType, event.Order.Status, event.Order.ClientOrderID)
		return
	}
	sm.handleBrokerEvent(ev)
}

func (sm *StateManager) convertOrderUpdate(event models.OrderUpdateEvent) (models.BrokerEvent, bool, error) {
	o := event.Order
	ev := models.BrokerEvent{
		Symbol:      o.Symbol,
		BrokerOrder: o.ClientOrderID,
		Time:        time.UnixMilli(event.TransactionTime),
		IsRealTime:  true,
	}
	switch o.ExecutionType {
	case "NEW":
		ev.Type = models.BrokerAck
	case "CANCELED":
		ev.Type = models.BrokerCanceled
	case "EXPIRED":
		ev.Type = models.BrokerExpired
	case "REJECTED":
		ev.Type = models.BrokerRejected
		ev.Reason = o.RejectReason
	case "TRADE":
		fill, err := sm.convertTrade(event)
		if err != nil {
			return ev, false, err
		}
		ev.Type = models.BrokerFill
		ev.Fill = fill
	default:
		return ev, false, nil
	}
	return ev, true, nil
}

func (sm *StateManager) convertTrade(event models.OrderUpdateEvent) (models.PhysicalFill, error) {
	o := event.Order
	step := sm.steps[o.Symbol]
	last, err := models.QuantityToUnits(o.ExecutedQty, step)
	if err != nil {
		return models.PhysicalFill{}, err
	}
	cum, err := models.QuantityToUnits(o.CumQty, step)
	if err != nil {
		return models.PhysicalFill{}, err
	}
	total, err := models.QuantityToUnits(o.OrigQty, step)
	if err != nil {
		return models.PhysicalFill{}, err
	}
	size := last
	if o.Side == "SELL" {
		size = -last
	}
	return models.PhysicalFill{
		ExecID:         fmt.Sprintf("%d-%d", o.OrderID, o.TradeID),
		BrokerOrder:    o.ClientOrderID,
		Symbol:         o.Symbol,
		Size:           size,
		Price:          models.ParsePrice(o.ExecutedPrice),
		Time:           time.UnixMilli(o.TradeTime),
		CumulativeSize: cum,
		RemainingSize:  max(total-cum, 0),
	}, nil
}
