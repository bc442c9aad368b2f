package bot

import (
	"context"
	"order-reconciler-go/internal/clock"
	"order-reconciler-go/internal/config"
	"order-reconciler-go/internal/exchange"
	"order-reconciler-go/internal/models"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var start = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) *models.Config {
	t.Helper()
	cfg := &models.Config{
		Symbols:       []models.SymbolConfig{{Name: "BTCUSDT", TickSize: 0.5, StepSize: 0.001}},
		Store:         models.StoreConfig{Dir: t.TempDir()},
		Engine:        models.EngineConfig{HeartbeatIntervalMs: 10, StrictTransactions: true},
		SlippageTicks: 1,
	}
	config.ApplyDefaults(cfg)
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func symbols() []models.SymbolInfo {
	return []models.SymbolInfo{{Symbol: "BTCUSDT", TickSize: 0.5, StepSize: 0.001}}
}

func entryPlan(typ models.OrderType, price float64, size int64) models.StrategyPlan {
	return models.StrategyPlan{
		Symbol: "BTCUSDT",
		Orders: []models.LogicalOrder{{
			ID:             1,
			SerialNumber:   10,
			TradeDirection: models.Entry,
			Type:           typ,
			Position:       size,
			Price:          price,
			StrategyID:     1,
		}},
	}
}

func TestExtractSymbolFromPath(t *testing.T) {
	assert.Equal(t, "BNBUSDT", ExtractSymbolFromPath("data/BNBUSDT-2025-03-15-2025-06-15.csv"))
	assert.Equal(t, "BTCUSDT", ExtractSymbolFromPath("BTCUSDT.csv"))
}

func TestLoadBars_SkipsBadRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "BTCUSDT-test.csv")
	require.NoError(t, os.WriteFile(path, []byte(
		"open_time,open,high,low,close,volume\n"+
			"1714521600000,100,101,99.5,100.5,1\n"+
			"bad,100,101,99.5,100.5,1\n"+
			"1714521660000,100,101\n"+
			"1714521720000,100,101,98.5,100,1\n"), 0o600))

	bars, err := LoadBars(path, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, start, bars[0].Time)
	assert.Equal(t, 98.5, bars[1].Low)

	empty := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(empty, []byte("open_time,open,high,low,close\n"), 0o600))
	_, err = LoadBars(empty, zap.NewNop())
	assert.ErrorIs(t, err, ErrNoBars)
}

func TestRunSimulation_EntryFills(t *testing.T) {
	cfg := testConfig(t)
	bars := []Bar{
		{Time: start, Open: 100, High: 101, Low: 99.5, Close: 100.5},
		{Time: start.Add(time.Minute), Open: 100, High: 101, Low: 98.5, Close: 100},
		{Time: start.Add(2 * time.Minute), Open: 100, High: 100.5, Low: 99.5, Close: 100},
	}

	res, err := RunSimulation(context.Background(), cfg, "BTCUSDT", bars,
		[]models.StrategyPlan{entryPlan(models.BuyLimit, 99, 2)}, zap.NewNop())
	require.NoError(t, err)

	assert.EqualValues(t, 2, res.Position)
	assert.EqualValues(t, 2, res.CachedActual, "cache agrees with the broker")
	assert.EqualValues(t, 1, res.LogicalFills)
	assert.Equal(t, 1, res.Report.TotalFills)
	assert.EqualValues(t, 2, res.Report.BuyUnits)
	assert.Equal(t, 3, res.Report.Bars)
	assert.InDelta(t, 2, res.Report.NetValue, 1e-9)

	_, err = os.Stat(filepath.Join(cfg.Store.Dir, "sim", cfg.Store.FileName))
	assert.NoError(t, err, "the run leaves a snapshot behind")
}

func TestRunSimulation_UnknownSymbol(t *testing.T) {
	_, err := RunSimulation(context.Background(), testConfig(t), "ETHUSDT",
		[]Bar{{Time: start, Open: 1, High: 1, Low: 1, Close: 1}}, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestRuntime_RestartRecoversWorkingOrder(t *testing.T) {
	cfg := testConfig(t)

	broker := exchange.NewSimulatedBroker("BTCUSDT", 0.5, 0, nil, zap.NewNop())
	rt, err := NewRuntime(cfg, symbols(), broker, zap.NewNop(), Synchronous(), WithClock(clock.NewManual(start)))
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	require.NoError(t, rt.ApplyPlan(entryPlan(models.BuyLimit, 90, 3)))
	rt.Heartbeat()
	broker.Flush()
	require.Len(t, broker.WorkingOrders(), 1)
	require.NoError(t, rt.Stop())

	rt2, err := NewRuntime(cfg, symbols(),
		exchange.NewSimulatedBroker("BTCUSDT", 0.5, 0, nil, zap.NewNop()),
		zap.NewNop(), Synchronous(), WithClock(clock.NewManual(start)))
	require.NoError(t, err)
	require.NoError(t, rt2.Start(context.Background()))
	defer rt2.Stop()

	orders := rt2.Store().Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, broker.WorkingOrders()[0], orders[0].BrokerOrder)
	assert.Equal(t, models.Active, orders[0].State)
	assert.EqualValues(t, 3, orders[0].RemainingSize)

	status := rt2.Status()
	require.Len(t, status, 1)
	assert.Equal(t, 1, status[0].Working)
	assert.True(t, status[0].Recovered)
}

func TestRuntime_ApplyPlanUnknownSymbol(t *testing.T) {
	cfg := testConfig(t)
	rt, err := NewRuntime(cfg, symbols(), exchange.NewSimulatedBroker("BTCUSDT", 0.5, 0, nil, zap.NewNop()), zap.NewNop(), Synchronous())
	require.NoError(t, err)
	assert.Error(t, rt.ApplyPlan(models.StrategyPlan{Symbol: "ETHUSDT"}))
}

func TestRuntime_AsyncMarketEntry(t *testing.T) {
	cfg := testConfig(t)
	broker := exchange.NewSimulatedBroker("BTCUSDT", 0.5, 1, nil, zap.NewNop())
	rt, err := NewRuntime(cfg, symbols(), broker, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	require.NoError(t, rt.ApplyPlan(entryPlan(models.BuyMarket, 0, 1)))
	require.Eventually(t, func() bool {
		broker.SetPrice(100, 100, 100, 100, start)
		return rt.Store().GetActualPosition("BTCUSDT") == 1
	}, 5*time.Second, 20*time.Millisecond)

	assert.EqualValues(t, 1, broker.Position())
	require.Eventually(t, func() bool { return rt.logicalFills.Load() == 1 }, time.Second, 10*time.Millisecond)
	engine, ok := rt.Engine("BTCUSDT")
	require.True(t, ok)
	assert.EqualValues(t, 1, engine.DesiredPosition(), "the entry fill moves the target with it")
}

type fakePositions struct {
	mu  sync.Mutex
	pos int64
}

func (f *fakePositions) Position(context.Context, string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos, nil
}

func TestRuntime_StreamStateGatesReconciliation(t *testing.T) {
	cfg := testConfig(t)
	broker := exchange.NewSimulatedBroker("BTCUSDT", 0.5, 0, nil, zap.NewNop())
	rt, err := NewRuntime(cfg, symbols(), broker, zap.NewNop(), WithPositionSource(&fakePositions{pos: 3}))
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, rt.Status()[0].Recovered, "waits for the user stream")
	assert.Zero(t, broker.Pending())

	rt.OnStreamState(true)
	require.Eventually(t, func() bool {
		s := rt.Status()[0]
		return s.Recovered && s.Actual == 3
	}, 5*time.Second, 10*time.Millisecond)

	// 期望持仓仍为 0，引擎发出平仓单
	require.Eventually(t, func() bool { return broker.Pending() == 1 }, 5*time.Second, 10*time.Millisecond)

	rt.OnStreamState(false)
	require.Eventually(t, func() bool { return !rt.Status()[0].Recovered }, 5*time.Second, 10*time.Millisecond)
}
