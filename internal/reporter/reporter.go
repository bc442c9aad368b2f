package reporter

import (
	"fmt"
	"math"
	"order-reconciler-go/internal/models"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// PositionRow 是持仓表中的一行
type PositionRow struct {
	Symbol    string
	Actual    int64
	Desired   int64
	Pending   int
	Working   int
	Recovered bool
}

// Metrics 存储模拟运行结束后计算出的统计结果
type Metrics struct {
	Symbol        string
	Bars          int
	TotalFills    int
	BuyUnits      int64
	SellUnits     int64
	Turnover      float64
	FinalPosition int64
	LastPrice     float64
	CashFlow      float64
	NetValue      float64 // 现金流加期末持仓市值
	MaxDrawdown   float64
	StartTime     time.Time
	EndTime       time.Time
}

func newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle(title)
	return t
}

// OrdersTable renders the physical orders of the cache, oldest first.
func OrdersTable(orders []*models.PhysicalOrder) string {
	sorted := append([]*models.PhysicalOrder(nil), orders...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	t := newTable("Physical orders")
	t.AppendHeader(table.Row{"Seq", "Broker order", "Symbol", "Action", "State", "Side", "Type", "Price", "Size", "Filled", "Logical", "Link"})
	for _, o := range sorted {
		t.AppendRow(table.Row{
			o.Sequence, o.BrokerOrder, o.Symbol, o.Action, o.State, o.Side, o.Type,
			o.Price, o.CompleteSize, o.CumulativeSize,
			fmt.Sprintf("%d/%d", o.LogicalOrderID, o.LogicalSerialNumber),
			link(o),
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Price", Align: text.AlignRight},
		{Name: "Size", Align: text.AlignRight},
		{Name: "Filled", Align: text.AlignRight},
	})
	t.AppendFooter(table.Row{"", "", "", "", "", "", "", "Total", len(sorted)})
	return t.Render()
}

func link(o *models.PhysicalOrder) string {
	var parts []string
	if o.OriginalOrder != nil {
		parts = append(parts, "orig "+o.OriginalOrder.BrokerOrder)
	}
	if o.ReplacedBy != nil {
		parts = append(parts, "by "+o.ReplacedBy.BrokerOrder)
	}
	return strings.Join(parts, ", ")
}

// PositionsTable renders actual against desired position per symbol.
func PositionsTable(rows []PositionRow) string {
	t := newTable("Positions")
	t.AppendHeader(table.Row{"Symbol", "Actual", "Desired", "Gap", "Pending", "Working", "Recovered"})
	for _, r := range rows {
		t.AppendRow(table.Row{r.Symbol, r.Actual, r.Desired, r.Desired - r.Actual, r.Pending, r.Working, r.Recovered})
	}
	return t.Render()
}

// StrategyTable renders per-strategy positions sorted by strategy id.
func StrategyTable(positions map[int32]int64) string {
	ids := make([]int32, 0, len(positions))
	for id := range positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	t := newTable("Strategy positions")
	t.AppendHeader(table.Row{"Strategy", "Position"})
	for _, id := range ids {
		t.AppendRow(table.Row{id, positions[id]})
	}
	return t.Render()
}

// CalculateMetrics 根据模拟成交和每根K线结束时的净值曲线计算统计结果
func CalculateMetrics(symbol string, fills []models.PhysicalFill, equityCurve []float64, lastPrice float64) *Metrics {
	m := &Metrics{Symbol: symbol, Bars: len(equityCurve), TotalFills: len(fills), LastPrice: lastPrice}
	for _, f := range fills {
		if f.Size > 0 {
			m.BuyUnits += f.Size
		} else {
			m.SellUnits -= f.Size
		}
		m.FinalPosition += f.Size
		m.Turnover += math.Abs(float64(f.Size)) * f.Price
		m.CashFlow -= float64(f.Size) * f.Price
	}
	m.NetValue = m.CashFlow + float64(m.FinalPosition)*lastPrice
	m.MaxDrawdown = calculateMaxDrawdown(equityCurve)
	return m
}

// calculateMaxDrawdown 返回净值曲线从峰值回落的最大绝对值
func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if drawdown := peak - equity; drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

// GenerateReport 渲染模拟运行的结果报告
func GenerateReport(m *Metrics, dataPath string) string {
	t := newTable("Simulation report")
	t.AppendRows([]table.Row{
		{"Data file", dataPath},
		{"Symbol", m.Symbol},
		{"Period", fmt.Sprintf("%s to %s", m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))},
		{"Bars", m.Bars},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Fills", m.TotalFills},
		{"Bought units", m.BuyUnits},
		{"Sold units", m.SellUnits},
		{"Turnover", fmt.Sprintf("%.2f", m.Turnover)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Final position", m.FinalPosition},
		{"Last price", m.LastPrice},
		{"Cash flow", fmt.Sprintf("%.2f", m.CashFlow)},
		{"Net value", fmt.Sprintf("%.2f", m.NetValue)},
		{"Max drawdown", fmt.Sprintf("%.2f", m.MaxDrawdown)},
	})
	return t.Render()
}
