package models

import "time"

// Config 结构体定义了对账服务的所有配置参数
type Config struct {
	IsTestnet     bool           `json:"is_testnet"` // 是否使用测试网
	LiveAPIURL    string         `json:"live_api_url"`
	LiveWSURL     string         `json:"live_ws_url"`
	TestnetAPIURL string         `json:"testnet_api_url"`
	TestnetWSURL  string         `json:"testnet_ws_url"`
	Symbols       []SymbolConfig `json:"symbols"`
	Store         StoreConfig    `json:"store"`
	Engine        EngineConfig   `json:"engine"`
	LogConfig     LogConfig      `json:"log"`
	MetricsAddr   string         `json:"metrics_addr,omitempty"` // 为空则不启动 /metrics

	// 模拟撮合特定配置
	SlippageTicks int64 `json:"slippage_ticks"`

	APIKey    string `json:"-"` // 从环境变量读取
	SecretKey string `json:"-"`
	BaseURL   string `json:"-"` // REST API基础地址 (将由程序动态设置)
	WSBaseURL string `json:"-"` // WebSocket基础地址 (将由程序动态设置)
}

// SymbolConfig 定义了一个交易对的交易规则
type SymbolConfig struct {
	Name     string  `json:"name"`
	TickSize float64 `json:"tick_size"` // 最小价格变动单位, 0 表示从交易所读取
	StepSize float64 `json:"step_size"` // 一个仓位单位对应的下单数量, 0 表示从交易所读取
}

// StoreConfig 定义了订单持久化存储的配置
type StoreConfig struct {
	Dir                string `json:"dir"`
	FileName           string `json:"file_name"`
	RolloverBytes      int64  `json:"rollover_bytes"`
	SnapshotIntervalMs int    `json:"snapshot_interval_ms"`
	QueueSize          int    `json:"queue_size"`
	WriteRetries       int    `json:"write_retries"`
	WriteBackoffMs     int    `json:"write_backoff_ms"`
	MirrorPath         string `json:"mirror_path,omitempty"` // badger 镜像目录, 为空则不启用
}

// EngineConfig 定义了对账引擎的行为
type EngineConfig struct {
	Simulated           bool   `json:"simulated"`             // 模拟模式下挂单超时为1秒，实盘为5秒
	StrictTransactions  bool   `json:"strict_transactions"`   // 在事务外修改缓存时直接 panic
	HeartbeatIntervalMs int    `json:"heartbeat_interval_ms"` // 定时检查挂单与对账的间隔
	StatusIntervalSec   int    `json:"status_interval_sec"`
	BrokerOrderPrefix   string `json:"broker_order_prefix"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// SymbolInfo holds trading rules for a single symbol
type SymbolInfo struct {
	Symbol   string  `json:"symbol"`
	TickSize float64 `json:"tick_size"`
	StepSize float64 `json:"step_size"`
}

// UserDataEvent 是从用户数据流接收到的通用事件结构，用于判断事件类型
type UserDataEvent struct {
	EventType string `json:"e"` // Event type, e.g., "ORDER_TRADE_UPDATE"
	EventTime int64  `json:"E"` // Event time
}

// OrderUpdateEvent 是从用户数据流接收到的订单更新事件的完整结构
type OrderUpdateEvent struct {
	EventType       string          `json:"e"` // Event type, e.g., "ORDER_TRADE_UPDATE"
	EventTime       int64           `json:"E"` // Event time
	TransactionTime int64           `json:"T"` // Transaction time
	Order           OrderUpdateInfo `json:"o"` // Order information
}

// OrderUpdateInfo 包含了订单更新的具体信息
type OrderUpdateInfo struct {
	Symbol         string `json:"s"`  // Symbol
	ClientOrderID  string `json:"c"`  // Client Order ID
	Side           string `json:"S"`  // Side
	OrderType      string `json:"o"`  // Order Type
	TimeInForce    string `json:"f"`  // Time in Force
	OrigQty        string `json:"q"`  // Original Quantity
	Price          string `json:"p"`  // Price
	AvgPrice       string `json:"ap"` // Average Price
	StopPrice      string `json:"sp"` // Stop Price
	ExecutionType  string `json:"x"`  // Execution Type
	Status         string `json:"X"`  // Order Status
	OrderID        int64  `json:"i"`  // Order ID
	ExecutedQty    string `json:"l"`  // Last Executed Quantity
	CumQty         string `json:"z"`  // Cumulative Filled Quantity
	ExecutedPrice  string `json:"L"`  // Last Executed Price
	TradeTime      int64  `json:"T"`  // Trade Time
	TradeID        int64  `json:"t"`  // Trade ID
	IsReduceOnly   bool   `json:"R"`  // Is this a reduce only order?
	PositionSide   string `json:"ps"` // Position Side
	RealizedProfit string `json:"rp"` // Realized Profit of the trade
	RejectReason   string `json:"er"` // Reject reason, when the exchange reports one
}

// StrategyPlan 是策略对一个交易对的输入，从 -orders 文件读取。
// At 为空的计划在启动时立即生效，否则在模拟时间到达 At 时生效。
type StrategyPlan struct {
	At                time.Time       `json:"at,omitempty"`
	Symbol            string          `json:"symbol"`
	DesiredPosition   *int64          `json:"desired_position,omitempty"`
	StrategyPositions map[int32]int64 `json:"strategy_positions,omitempty"`
	Orders            []LogicalOrder  `json:"orders"`
}
