package bot

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"order-reconciler-go/internal/clock"
	"order-reconciler-go/internal/exchange"
	"order-reconciler-go/internal/idgen"
	"order-reconciler-go/internal/models"
	"order-reconciler-go/internal/reporter"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrNoBars = errors.New("bot: historical data file has no bars")

// Bar 是一根K线
type Bar struct {
	Time                   time.Time
	Open, High, Low, Close float64
}

// ExtractSymbolFromPath 从数据文件路径中提取交易对名称
// 例如: "data/BNBUSDT-2025-03-15-2025-06-15.csv" -> "BNBUSDT"
func ExtractSymbolFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".csv")
	return strings.Split(name, "-")[0]
}

// LoadBars 读取币安K线格式的CSV文件: open_time(ms), open, high, low, close, ...
// 第一行为表头。无法解析的行会被跳过。
func LoadBars(path string, logger *zap.Logger) ([]Bar, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("无法打开历史数据文件: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("无法读取所有CSV记录: %w", err)
	}
	if len(records) <= 1 { // 至少需要表头和一行数据
		return nil, ErrNoBars
	}

	bars := make([]Bar, 0, len(records)-1)
	for _, record := range records[1:] {
		if len(record) < 5 {
			logger.Sugar().Warnf("K线字段不足，跳过此条记录: %v", record)
			continue
		}
		timestampMs, errT := strconv.ParseInt(record[0], 10, 64)
		openPrice, errO := strconv.ParseFloat(record[1], 64)
		high, errH := strconv.ParseFloat(record[2], 64)
		low, errL := strconv.ParseFloat(record[3], 64)
		closePrice, errC := strconv.ParseFloat(record[4], 64)
		if err := errors.Join(errT, errO, errH, errL, errC); err != nil {
			logger.Sugar().Warnf("无法解析K线数据，跳过此条记录: %v (%v)", record, err)
			continue
		}
		bars = append(bars, Bar{
			Time:  time.UnixMilli(timestampMs).UTC(),
			Open:  openPrice,
			High:  high,
			Low:   low,
			Close: closePrice,
		})
	}
	if len(bars) == 0 {
		return nil, ErrNoBars
	}
	return bars, nil
}

// SimulationResult 汇总一次模拟运行
type SimulationResult struct {
	Report       *reporter.Metrics
	Orders       string // 结束时仍在缓存中的订单表
	Position     int64  // 券商端持仓
	CachedActual int64  // 对账引擎记录的持仓
	LogicalFills int64
}

// RunSimulation 在模拟撮合上回放K线，按计划驱动对账引擎。
// 快照写在 Store.Dir/sim 下，每次运行前清空。
func RunSimulation(ctx context.Context, cfg *models.Config, symbol string, bars []Bar, plans []models.StrategyPlan, logger *zap.Logger) (*SimulationResult, error) {
	if len(bars) == 0 {
		return nil, ErrNoBars
	}
	var si *models.SymbolInfo
	for _, s := range cfg.Symbols {
		if s.Name == symbol {
			si = &models.SymbolInfo{Symbol: s.Name, TickSize: s.TickSize, StepSize: s.StepSize}
		}
	}
	if si == nil {
		return nil, fmt.Errorf("交易对 %s 未在配置中定义", symbol)
	}

	simCfg := *cfg
	simCfg.Engine.Simulated = true
	simCfg.Store.Dir = filepath.Join(cfg.Store.Dir, "sim")
	simCfg.Store.MirrorPath = ""
	if err := os.RemoveAll(simCfg.Store.Dir); err != nil {
		return nil, fmt.Errorf("清理模拟快照目录失败: %w", err)
	}

	clk := clock.NewManual(bars[0].Time)
	broker := exchange.NewSimulatedBroker(symbol, si.TickSize, cfg.SlippageTicks, nil, logger.Named("sim"))
	rt, err := NewRuntime(&simCfg, []models.SymbolInfo{*si}, broker, logger,
		WithClock(clk), Synchronous(), WithIDGenerator(idgen.New(cfg.Engine.BrokerOrderPrefix, 1)))
	if err != nil {
		return nil, err
	}
	if err := rt.Start(ctx); err != nil {
		rt.Stop()
		return nil, err
	}

	next := 0
	applyDue := func(now time.Time) {
		for next < len(plans) && !plans[next].At.After(now) {
			if plans[next].Symbol == symbol {
				if err := rt.ApplyPlan(plans[next]); err != nil {
					logger.Sugar().Warnf("跳过计划: %v", err)
				}
			}
			next++
		}
	}

	logger.Sugar().Infof("开始模拟 %s，共 %d 根K线。", symbol, len(bars))
	equity := make([]float64, 0, len(bars))
	var cash float64
	seen := 0
	for _, bar := range bars {
		if ctx.Err() != nil {
			logger.Sugar().Warn("模拟被中断。")
			break
		}
		clk.Set(bar.Time)
		applyDue(bar.Time)
		broker.Flush()
		broker.SetPrice(bar.Open, bar.High, bar.Low, bar.Close, bar.Time)
		rt.Heartbeat()

		fills := broker.Fills()
		for _, f := range fills[seen:] {
			cash -= float64(f.Size) * f.Price
		}
		seen = len(fills)
		equity = append(equity, cash+float64(broker.Position())*bar.Close)
	}
	// 最后一根K线之后提交的命令也要得到回报
	broker.Flush()
	logger.Sugar().Info("模拟结束。")

	last := bars[len(bars)-1]
	report := reporter.CalculateMetrics(symbol, broker.Fills(), equity, last.Close)
	report.StartTime = bars[0].Time
	report.EndTime = last.Time

	result := &SimulationResult{
		Report:       report,
		Orders:       reporter.OrdersTable(rt.Store().Orders()),
		Position:     broker.Position(),
		CachedActual: rt.Store().GetActualPosition(symbol),
		LogicalFills: rt.logicalFills.Load(),
	}
	if err := rt.Stop(); err != nil {
		return result, fmt.Errorf("停止运行时失败: %w", err)
	}
	return result, nil
}
