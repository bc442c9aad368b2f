package reporter

import (
	"order-reconciler-go/internal/models"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateMetrics(t *testing.T) {
	fills := []models.PhysicalFill{
		{Size: 2, Price: 100},
		{Size: -1, Price: 110},
	}
	m := CalculateMetrics("BTCUSDT", fills, []float64{0, 10, 4, 12}, 105)

	assert.Equal(t, 2, m.TotalFills)
	assert.EqualValues(t, 2, m.BuyUnits)
	assert.EqualValues(t, 1, m.SellUnits)
	assert.EqualValues(t, 1, m.FinalPosition)
	assert.InDelta(t, 310, m.Turnover, 1e-9)
	assert.InDelta(t, -90, m.CashFlow, 1e-9)
	assert.InDelta(t, 15, m.NetValue, 1e-9)
	assert.InDelta(t, 6, m.MaxDrawdown, 1e-9)
}

func TestCalculateMaxDrawdown_ShortCurve(t *testing.T) {
	assert.Zero(t, calculateMaxDrawdown(nil))
	assert.Zero(t, calculateMaxDrawdown([]float64{5}))
}

func TestOrdersTable_ShowsChain(t *testing.T) {
	orig := &models.PhysicalOrder{BrokerOrder: "a", Symbol: "BTCUSDT", Sequence: 1, CompleteSize: 3}
	cancel := &models.PhysicalOrder{BrokerOrder: "b", Symbol: "BTCUSDT", Action: models.Cancel, Sequence: 2, OriginalOrder: orig}
	orig.ReplacedBy = cancel

	out := OrdersTable([]*models.PhysicalOrder{cancel, orig})
	assert.Contains(t, out, "Physical orders")
	assert.Contains(t, out, "by b")
	assert.Contains(t, out, "orig a")
	assert.Less(t, strings.Index(out, "by b"), strings.Index(out, "orig a"), "rows are ordered by sequence")
}

func TestPositionsAndStrategyTables(t *testing.T) {
	out := PositionsTable([]PositionRow{{Symbol: "BTCUSDT", Actual: 1, Desired: 3, Recovered: true}})
	assert.Contains(t, out, "BTCUSDT")
	assert.Contains(t, out, "true")

	out = StrategyTable(map[int32]int64{7: -2, 3: 4})
	assert.Less(t, strings.Index(out, " 3 "), strings.Index(out, " 7 "))
}
