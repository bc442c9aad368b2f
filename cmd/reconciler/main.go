package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"order-reconciler-go/internal/bot"
	"order-reconciler-go/internal/config"
	"order-reconciler-go/internal/downloader"
	"order-reconciler-go/internal/exchange"
	"order-reconciler-go/internal/logger"
	"order-reconciler-go/internal/metrics"
	"order-reconciler-go/internal/models"
	"order-reconciler-go/internal/reporter"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live or sim")
	ordersPath := flag.String("orders", "", "path to the JSON strategy plans (logical orders)")
	dataPath := flag.String("data", "", "path to historical OHLC data for simulation")
	symbol := flag.String("symbol", "", "symbol to download for simulation (e.g., BTCUSDT)")
	startDate := flag.String("start", "", "start date of the download (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date of the download (YYYY-MM-DD)")
	flag.Parse()

	// --- 初始化日志 (提前) ---
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 加载 .env 文件 ---
	if config.LoadEnv(cfg) {
		logger.S().Info("成功从 .env 文件加载配置。")
	} else {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.Sync()

	var plans []models.StrategyPlan
	if *ordersPath != "" {
		if plans, err = config.LoadPlans(*ordersPath); err != nil {
			logger.S().Fatalf("无法加载策略计划: %v", err)
		}
		logger.S().Infof("加载了 %d 份策略计划。", len(plans))
	}

	startMetrics(cfg.MetricsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- 根据模式执行 ---
	switch *mode {
	case "live":
		if err := runLiveMode(ctx, cfg, plans); err != nil {
			logger.S().Fatal(err)
		}
	case "sim":
		path, err := resolveDataPath(ctx, *symbol, *startDate, *endDate, *dataPath)
		if err != nil {
			logger.S().Fatal(err)
		}
		if err := runSimMode(ctx, cfg, path, plans); err != nil {
			logger.S().Fatal(err)
		}
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live' 或 'sim'。", *mode)
	}
}

func startMetrics(addr string) {
	if addr == "" {
		return
	}
	metrics.InitMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		logger.S().Infof("指标服务监听于 %s/metrics", addr)
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.S().Errorf("指标服务退出: %v", err)
		}
	}()
}

// resolveDataPath 处理模拟模式的数据来源，包括数据下载。
func resolveDataPath(ctx context.Context, symbol, startDate, endDate, dataPath string) (string, error) {
	if symbol != "" && startDate != "" && endDate != "" {
		startTime, err1 := time.Parse("2006-01-02", startDate)
		endTime, err2 := time.Parse("2006-01-02", endDate)
		if err1 != nil || err2 != nil {
			return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
		}
		fileName := fmt.Sprintf("data/%s-%s-%s.csv", symbol, startDate, endDate)
		d := downloader.NewKlineDownloader("", logger.L().Named("downloader"))
		if err := d.DownloadKlines(ctx, symbol, fileName, startTime, endTime); err != nil {
			return "", fmt.Errorf("下载数据失败: %w", err)
		}
		return fileName, nil
	}

	// 如果不下载，则必须提供数据路径
	if dataPath == "" {
		return "", fmt.Errorf("模拟模式需要通过 -data 或 -symbol/-start/-end 参数指定数据源")
	}
	return dataPath, nil
}

// runLiveMode 连接币安合约，对账直到收到退出信号
func runLiveMode(ctx context.Context, cfg *models.Config, plans []models.StrategyPlan) error {
	logger.S().Info("--- 启动实盘对账模式 ---")
	if err := config.ResolveEndpoints(cfg); err != nil {
		return err
	}
	if cfg.IsTestnet {
		logger.S().Info("正在使用币安测试网...")
	} else {
		logger.S().Info("正在使用币安生产网...")
	}

	// 1. 初始化券商
	live := exchange.NewLiveHandler(cfg.APIKey, cfg.SecretKey, cfg.BaseURL, cfg.IsTestnet, logger.L().Named("live"))
	if err := live.SyncTime(ctx); err != nil {
		return err
	}
	symbols, err := live.LoadSymbols(ctx, cfg.Symbols)
	if err != nil {
		return err
	}
	for _, si := range symbols {
		logger.S().Infof("交易对 %s: tick %g, step %g", si.Symbol, si.TickSize, si.StepSize)
	}

	// 2. 运行时
	rt, err := bot.NewRuntime(cfg, symbols, live, logger.L(), bot.WithPositionSource(live))
	if err != nil {
		return err
	}
	live.Start(ctx)
	defer live.Stop()
	if err := rt.Start(ctx); err != nil {
		rt.Stop()
		return err
	}
	for _, p := range plans {
		if err := rt.ApplyPlan(p); err != nil {
			logger.S().Warnf("跳过计划: %v", err)
		}
	}

	// 3. 用户数据流，连接状态决定是否对账
	stream := exchange.NewUserStream(cfg.WSBaseURL, live, rt.DispatchOrderUpdate, rt.OnStreamState, logger.L().Named("stream"))
	streamDone := make(chan struct{})
	go func() {
		stream.Run(ctx)
		close(streamDone)
	}()

	logger.S().Info("对账服务已启动，按 Ctrl+C 退出。")
	<-ctx.Done()
	<-streamDone

	if err := rt.Stop(); err != nil {
		return fmt.Errorf("停止时保存快照失败: %w", err)
	}
	logger.S().Info("对账服务已停止，快照已保存。")
	return nil
}

// runSimMode 在历史K线上运行模拟撮合
func runSimMode(ctx context.Context, cfg *models.Config, dataPath string, plans []models.StrategyPlan) error {
	logger.S().Info("--- 启动模拟模式 ---")
	symbol := bot.ExtractSymbolFromPath(dataPath)
	if !configured(cfg, symbol) && len(cfg.Symbols) == 1 {
		logger.S().Warnf("数据文件 %s 不属于已配置交易对，按 %s 回放。", dataPath, cfg.Symbols[0].Name)
		symbol = cfg.Symbols[0].Name
	}

	bars, err := bot.LoadBars(dataPath, logger.L())
	if err != nil {
		return err
	}
	res, err := bot.RunSimulation(ctx, cfg, symbol, bars, plans, logger.L())
	if err != nil {
		return err
	}

	// --- 生成并打印报告 ---
	logger.S().Infof("\n%s\n%s", reporter.GenerateReport(res.Report, dataPath), res.Orders)
	logger.S().Infof("券商持仓 %d，缓存持仓 %d，逻辑成交 %d。", res.Position, res.CachedActual, res.LogicalFills)
	if res.Position != res.CachedActual {
		return fmt.Errorf("模拟结束时缓存持仓 %d 与券商持仓 %d 不一致", res.CachedActual, res.Position)
	}
	return nil
}

func configured(cfg *models.Config, symbol string) bool {
	for _, s := range cfg.Symbols {
		if s.Name == symbol {
			return true
		}
	}
	return false
}
