package statemanager

import (
	"order-reconciler-go/internal/models"
	"order-reconciler-go/internal/orderstore"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockEngine records every call the state manager makes.
type mockEngine struct {
	mu        sync.Mutex
	symbol    string
	calls     []string
	fills     []models.PhysicalFill
	orders    []models.LogicalOrder
	desired   int64
	recovered bool
	syncOK    bool
}

func (m *mockEngine) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockEngine) getCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockEngine) Symbol() string { return m.symbol }
func (m *mockEngine) ConfirmCreate(id string, _ bool) { m.record("create " + id) }
func (m *mockEngine) ConfirmChange(id string, _ bool) { m.record("change " + id) }
func (m *mockEngine) ConfirmCancel(id string, _ bool) { m.record("cancel " + id) }
func (m *mockEngine) RejectOrder(id, reason string, _ bool) {
	m.record("reject " + id + " " + reason)
}
func (m *mockEngine) ProcessFill(fill models.PhysicalFill) {
	m.mu.Lock()
	m.fills = append(m.fills, fill)
	m.mu.Unlock()
	m.record("fill " + fill.BrokerOrder)
}
func (m *mockEngine) SetLogicalOrders(orders []models.LogicalOrder) {
	m.mu.Lock()
	m.orders = orders
	m.mu.Unlock()
	m.record("orders")
}
func (m *mockEngine) SetDesiredPosition(position int64) {
	m.mu.Lock()
	m.desired = position
	m.mu.Unlock()
	m.record("desired")
}
func (m *mockEngine) TrySyncPosition(map[int32]int64) bool {
	m.record("sync")
	return m.syncOK
}
func (m *mockEngine) SetRecovered(recovered bool) {
	m.mu.Lock()
	m.recovered = recovered
	m.mu.Unlock()
	m.record("recovered")
}

// mockLookup is a fixed broker id to order table.
type mockLookup map[string]*models.PhysicalOrder

func (m mockLookup) TryGetOrderByID(id string) (*models.PhysicalOrder, bool) {
	o, ok := m[id]
	return o, ok
}

// mockStore counts snapshot requests and signals each one.
type mockStore struct {
	mu        sync.Mutex
	changed   bool
	snapshots int
	err       error
	done      chan struct{}
}

func newMockStore() *mockStore {
	return &mockStore{changed: true, done: make(chan struct{}, 16)}
}

func (m *mockStore) Changed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

func (m *mockStore) SnapshotNow() error {
	m.mu.Lock()
	m.snapshots++
	err := m.err
	m.mu.Unlock()
	m.done <- struct{}{}
	return err
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots
}

func newTestManager(lookup OrderLookup, store Snapshotter) (*StateManager, *mockEngine) {
	e := &mockEngine{symbol: "BTCUSDT"}
	sm := NewStateManager(lookup, store, zap.NewNop())
	sm.RegisterEngine(e, models.SymbolInfo{Symbol: "BTCUSDT", TickSize: 0.1, StepSize: 0.001})
	return sm, e
}

// TestNewStateManager verifies that the StateManager is initialized correctly.
func TestNewStateManager(t *testing.T) {
	sm, _ := newTestManager(mockLookup{}, nil)
	require.NotNil(t, sm)

	assert.NotNil(t, sm.eventChannel, "eventChannel should be created")
	assert.NotNil(t, sm.persistenceChan, "persistenceChan should be created")
	assert.NotNil(t, sm.stopChan, "stopChan should be created")
	assert.Contains(t, sm.engines, "BTCUSDT")
	assert.Equal(t, 0.001, sm.steps["BTCUSDT"])
}

func TestBrokerEvents_RoutedByKind(t *testing.T) {
	lookup := mockLookup{
		"new": {BrokerOrder: "new", Action: models.Create},
		"chg": {BrokerOrder: "chg", Action: models.ChangeAction},
	}
	sm, e := newTestManager(lookup, nil)

	for _, ev := range []models.BrokerEvent{
		{Type: models.BrokerAck, Symbol: "BTCUSDT", BrokerOrder: "new"},
		{Type: models.BrokerAck, Symbol: "BTCUSDT", BrokerOrder: "chg"},
		{Type: models.BrokerAck, Symbol: "BTCUSDT", BrokerOrder: "gone"},
		{Type: models.BrokerCanceled, Symbol: "BTCUSDT", BrokerOrder: "a"},
		{Type: models.BrokerExpired, Symbol: "BTCUSDT", BrokerOrder: "b"},
		{Type: models.BrokerRejected, Symbol: "BTCUSDT", BrokerOrder: "c", Reason: "Unknown order sent."},
		{Type: models.BrokerFill, Symbol: "BTCUSDT", BrokerOrder: "new", Fill: models.PhysicalFill{BrokerOrder: "new", Size: 1}},
		{Type: models.BrokerAck, Symbol: "ETHUSDT", BrokerOrder: "other"},
	} {
		sm.ProcessEvent(NormalizedEvent{Type: BrokerEvent, Data: ev})
	}

	assert.Equal(t, []string{
		"create new",
		"change chg",
		"create gone",
		"cancel a",
		"cancel b",
		"reject c Unknown order sent.",
		"fill new",
	}, e.getCalls())
	assert.EqualValues(t, 8, sm.Processed())
}

func TestOrderUpdate_TradeBecomesFill(t *testing.T) {
	sm, e := newTestManager(mockLookup{}, nil)

	sm.ProcessEvent(NormalizedEvent{Type: OrderUpdateEvent, Data: models.OrderUpdateEvent{
		EventType:       "ORDER_TRADE_UPDATE",
		TransactionTime: 1700000000000,
		Order: models.OrderUpdateInfo{
			Symbol:        "BTCUSDT",
			ClientOrderID: "rc1",
			Side:          "SELL",
			OrigQty:       "0.010",
			ExecutionType: "TRADE",
			Status:        "PARTIALLY_FILLED",
			OrderID:       42,
			ExecutedQty:   "0.004",
			CumQty:        "0.006",
			ExecutedPrice: "100.1",
			TradeTime:     1700000000000,
			TradeID:       7,
		},
	}})

	require.Len(t, e.fills, 1)
	f := e.fills[0]
	assert.Equal(t, "42-7", f.ExecID)
	assert.Equal(t, "rc1", f.BrokerOrder)
	assert.EqualValues(t, -4, f.Size)
	assert.EqualValues(t, 6, f.CumulativeSize)
	assert.EqualValues(t, 4, f.RemainingSize)
	assert.Equal(t, 100.1, f.Price)
	assert.Equal(t, time.UnixMilli(1700000000000), f.Time)
}

func TestOrderUpdate_StatusMapping(t *testing.T) {
	sm, e := newTestManager(mockLookup{}, nil)

	update := func(x, reason string) {
		sm.ProcessEvent(NormalizedEvent{Type: OrderUpdateEvent, Data: models.OrderUpdateEvent{
			Order: models.OrderUpdateInfo{Symbol: "BTCUSDT", ClientOrderID: x, ExecutionType: x, RejectReason: reason},
		}})
	}
	update("NEW", "")
	update("CANCELED", "")
	update("EXPIRED", "")
	update("REJECTED", "GTX")
	update("AMENDMENT", "")
	update("CALCULATED", "")

	assert.Equal(t, []string{"create NEW", "cancel CANCELED", "cancel EXPIRED", "reject REJECTED GTX"}, e.getCalls())
}

func TestOrderUpdate_BadQuantityIsDropped(t *testing.T) {
	sm, e := newTestManager(mockLookup{}, nil)
	sm.ProcessEvent(NormalizedEvent{Type: OrderUpdateEvent, Data: models.OrderUpdateEvent{
		Order: models.OrderUpdateInfo{Symbol: "BTCUSDT", ClientOrderID: "rc1", ExecutionType: "TRADE", ExecutedQty: "abc"},
	}})
	assert.Empty(t, e.getCalls())
}

func TestStrategyInputs(t *testing.T) {
	sm, e := newTestManager(mockLookup{}, nil)
	e.syncOK = true

	orders := []models.LogicalOrder{{ID: 1, SerialNumber: 10, Symbol: "BTCUSDT", Position: 2}}
	sm.ProcessEvent(NormalizedEvent{Type: LogicalOrdersEvent, Data: LogicalOrdersEventData{Symbol: "BTCUSDT", Orders: orders}})
	sm.ProcessEvent(NormalizedEvent{Type: DesiredPositionEvent, Data: DesiredPositionEventData{Symbol: "BTCUSDT", Position: -3}})
	sm.ProcessEvent(NormalizedEvent{Type: SyncPositionEvent, Data: SyncPositionEventData{Symbol: "BTCUSDT", Positions: map[int32]int64{1: 2}}})
	sm.ProcessEvent(NormalizedEvent{Type: RecoveryEvent, Data: true})
	sm.ProcessEvent(NormalizedEvent{Type: RecoveryEvent, Data: "yes"})

	assert.Equal(t, []string{"orders", "desired", "sync", "recovered"}, e.getCalls())
	assert.Equal(t, orders, e.orders)
	assert.EqualValues(t, -3, e.desired)
	assert.True(t, e.recovered)
}

// TestAsyncPersistence verifies that events flow through the loop and a
// snapshot is requested after they are processed.
func TestAsyncPersistence(t *testing.T) {
	store := newMockStore()
	sm, e := newTestManager(mockLookup{}, store)
	sm.Start()
	defer sm.Stop()

	sm.DispatchBrokerEvent(models.BrokerEvent{Type: models.BrokerCanceled, Symbol: "BTCUSDT", BrokerOrder: "a", Time: time.Now()})

	select {
	case <-store.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async snapshot")
	}
	assert.Equal(t, []string{"cancel a"}, e.getCalls())
	assert.GreaterOrEqual(t, store.count(), 1)
}

func TestPersistence_SkipsUnchangedAndToleratesFullQueue(t *testing.T) {
	store := newMockStore()
	store.changed = false
	sm, _ := newTestManager(mockLookup{}, store)

	sm.snapshot()
	assert.Zero(t, store.count(), "unchanged cache is not snapshotted")

	store.changed = true
	store.err = orderstore.ErrQueueFull
	sm.snapshot()
	assert.Equal(t, 1, store.count())
}

func TestStop_IsIdempotentAndUnblocksDispatch(t *testing.T) {
	sm, _ := newTestManager(mockLookup{}, nil)
	sm.Start()
	sm.Stop()
	sm.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 2000; i++ {
			sm.DispatchEvent(NormalizedEvent{Type: RecoveryEvent, Data: false})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("DispatchEvent blocked after Stop")
	}
}
