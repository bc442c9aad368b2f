package exchange

import (
	"context"
	"errors"
	"fmt"
	"order-reconciler-go/internal/models"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
)

const (
	liveQueueSize      = 256
	liveRequestTimeout = 10 * time.Second
)

// ErrUnknownSymbol 表示交易所信息中没有该交易对
var ErrUnknownSymbol = errors.New("exchange: unknown symbol")

type liveCommand struct {
	kind     commandKind
	symbol   string
	id       string
	original string
	side     models.OrderSide
	typ      models.OrderType
	price    float64
	size     int64
}

// LiveHandler 把对账引擎的命令提交到币安 U 本位合约。
// 提交是异步的：命令进入队列后由单独的 goroutine 调用 REST 接口，
// 结果通过 emit 回报。改单通过先撤单再下单实现。
type LiveHandler struct {
	client  *futures.Client
	logger  *zap.Logger
	cmds    chan liveCommand
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
	symbols map[string]models.SymbolInfo
	emit    func(models.BrokerEvent)
	started bool
}

// NewLiveHandler creates a handler. baseURL overrides the client's default
// endpoint when not empty.
func NewLiveHandler(apiKey, secretKey, baseURL string, testnet bool, logger *zap.Logger) *LiveHandler {
	futures.UseTestnet = testnet
	client := futures.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &LiveHandler{
		client:  client,
		logger:  logger,
		cmds:    make(chan liveCommand, liveQueueSize),
		stop:    make(chan struct{}),
		symbols: make(map[string]models.SymbolInfo),
	}
}

func (h *LiveHandler) SetEmitter(emit func(models.BrokerEvent)) {
	h.mu.Lock()
	h.emit = emit
	h.mu.Unlock()
}

// SyncTime 与币安服务器同步时间，签名请求会带上偏移量
func (h *LiveHandler) SyncTime(ctx context.Context) error {
	offset, err := h.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return fmt.Errorf("与币安服务器同步时间失败: %w", err)
	}
	h.logger.Info("与币安服务器时间同步完成", zap.Int64("timeOffset (ms)", offset))
	return nil
}

// LoadSymbols 从交易所信息读取交易对的最小价格变动和数量步长。
// 配置里非零的值优先。
func (h *LiveHandler) LoadSymbols(ctx context.Context, configured []models.SymbolConfig) ([]models.SymbolInfo, error) {
	info, err := h.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取交易所信息失败: %w", err)
	}
	byName := make(map[string]futures.Symbol, len(info.Symbols))
	for _, s := range info.Symbols {
		byName[s.Symbol] = s
	}

	out := make([]models.SymbolInfo, 0, len(configured))
	for _, c := range configured {
		s, ok := byName[c.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, c.Name)
		}
		si := models.SymbolInfo{Symbol: c.Name, TickSize: c.TickSize, StepSize: c.StepSize}
		if si.TickSize == 0 {
			if f := s.PriceFilter(); f != nil {
				si.TickSize = models.ParsePrice(f.TickSize)
			}
		}
		if si.StepSize == 0 {
			if f := s.LotSizeFilter(); f != nil {
				si.StepSize = models.ParsePrice(f.StepSize)
			}
		}
		out = append(out, si)
	}

	h.mu.Lock()
	for _, si := range out {
		h.symbols[si.Symbol] = si
	}
	h.mu.Unlock()
	return out, nil
}

// RegisterSymbol sets the trading rules of a symbol without asking the exchange.
func (h *LiveHandler) RegisterSymbol(si models.SymbolInfo) {
	h.mu.Lock()
	h.symbols[si.Symbol] = si
	h.mu.Unlock()
}

func (h *LiveHandler) symbol(name string) (models.SymbolInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	si, ok := h.symbols[name]
	return si, ok
}

// Position 获取交易对当前的持仓，以数量步长为单位
func (h *LiveHandler) Position(ctx context.Context, symbol string) (int64, error) {
	si, ok := h.symbol(symbol)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	risks, err := h.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取持仓信息失败: %w", err)
	}
	var total int64
	for _, r := range risks {
		units, err := models.QuantityToUnits(r.PositionAmt, si.StepSize)
		if err != nil {
			return 0, err
		}
		total += units
	}
	return total, nil
}

// CreateListenKey 创建一个新的 listenKey 用于用户数据流
func (h *LiveHandler) CreateListenKey(ctx context.Context) (string, error) {
	key, err := h.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", fmt.Errorf("创建 listenKey 失败: %w", err)
	}
	return key, nil
}

// KeepAliveListenKey 延长 listenKey 的有效期
func (h *LiveHandler) KeepAliveListenKey(ctx context.Context, key string) error {
	if err := h.client.NewKeepaliveUserStreamService().ListenKey(key).Do(ctx); err != nil {
		return fmt.Errorf("保持 listenKey 存活失败: %w", err)
	}
	return nil
}

// Start launches the submission worker. It stops when ctx is done or Stop is called.
func (h *LiveHandler) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case cmd := <-h.cmds:
				h.execute(ctx, cmd)
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			}
		}
	}()
}

// Stop 停止提交协程，队列中尚未提交的命令被丢弃，由引擎的超时清理处理
func (h *LiveHandler) Stop() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	h.wg.Wait()
}

// --- PhysicalOrderHandler 接口实现 ---

func (h *LiveHandler) OnCreateBrokerOrder(o *models.PhysicalOrder) bool {
	return h.enqueue(liveCommand{kind: cmdCreate, symbol: o.Symbol, id: o.BrokerOrder,
		side: o.Side, typ: o.Type, price: o.Price, size: o.RemainingSize})
}

func (h *LiveHandler) OnChangeBrokerOrder(o *models.PhysicalOrder) bool {
	if o.OriginalOrder == nil {
		return false
	}
	return h.enqueue(liveCommand{kind: cmdChange, symbol: o.Symbol, id: o.BrokerOrder,
		original: o.OriginalOrder.BrokerOrder, side: o.Side, typ: o.Type, price: o.Price, size: o.RemainingSize})
}

func (h *LiveHandler) OnCancelBrokerOrder(o *models.PhysicalOrder) bool {
	if o.OriginalOrder == nil {
		return false
	}
	return h.enqueue(liveCommand{kind: cmdCancel, symbol: o.Symbol, id: o.BrokerOrder, original: o.OriginalOrder.BrokerOrder})
}

func (h *LiveHandler) enqueue(cmd liveCommand) bool {
	if _, ok := h.symbol(cmd.symbol); !ok {
		h.logger.Error("command for unregistered symbol", zap.String("symbol", cmd.symbol), zap.String("brokerOrder", cmd.id))
		return false
	}
	select {
	case <-h.stop:
		return false
	default:
	}
	select {
	case h.cmds <- cmd:
		return true
	default:
		h.logger.Warn("submission queue full", zap.String("brokerOrder", cmd.id))
		return false
	}
}

func (h *LiveHandler) execute(ctx context.Context, cmd liveCommand) {
	ctx, cancel := context.WithTimeout(ctx, liveRequestTimeout)
	defer cancel()

	switch cmd.kind {
	case cmdCreate:
		if err := h.create(ctx, cmd); err != nil {
			h.report(models.BrokerRejected, cmd.symbol, cmd.id, reason(err))
			return
		}
		h.report(models.BrokerAck, cmd.symbol, cmd.id, "")
	case cmdCancel:
		if err := h.cancel(ctx, cmd.symbol, cmd.original); err != nil {
			h.report(models.BrokerRejected, cmd.symbol, cmd.id, reason(err))
			return
		}
		h.report(models.BrokerCanceled, cmd.symbol, cmd.original, "")
	case cmdChange:
		// 1. 撤销原订单
		if err := h.cancel(ctx, cmd.symbol, cmd.original); err != nil {
			h.report(models.BrokerRejected, cmd.symbol, cmd.id, reason(err))
			return
		}
		// 2. 以改单的 ID 重新下单
		if err := h.create(ctx, cmd); err != nil {
			h.report(models.BrokerCanceled, cmd.symbol, cmd.original, "")
			h.report(models.BrokerRejected, cmd.symbol, cmd.id, reason(err))
			return
		}
		h.report(models.BrokerAck, cmd.symbol, cmd.id, "")
	}
}

func (h *LiveHandler) create(ctx context.Context, cmd liveCommand) error {
	si, _ := h.symbol(cmd.symbol)
	side := futures.SideTypeSell
	if cmd.side == models.Buy {
		side = futures.SideTypeBuy
	}

	svc := h.client.NewCreateOrderService().
		Symbol(cmd.symbol).
		Side(side).
		Quantity(models.UnitsToQuantity(cmd.size, si.StepSize)).
		NewClientOrderID(cmd.id)
	switch {
	case cmd.typ.IsMarket():
		svc = svc.Type(futures.OrderTypeMarket)
	case cmd.typ.IsStop():
		svc = svc.Type(futures.OrderTypeStopMarket).StopPrice(models.FormatPrice(cmd.price, si.TickSize))
	default:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(models.FormatPrice(cmd.price, si.TickSize))
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		h.logger.Error("下单请求失败，交易所返回错误", zap.String("brokerOrder", cmd.id), zap.Error(err))
		return err
	}
	h.logger.Info("order submitted", zap.String("brokerOrder", cmd.id), zap.Int64("orderId", resp.OrderID),
		zap.String("status", string(resp.Status)))
	return nil
}

func (h *LiveHandler) cancel(ctx context.Context, symbol, clientID string) error {
	_, err := h.client.NewCancelOrderService().Symbol(symbol).OrigClientOrderID(clientID).Do(ctx)
	if err != nil {
		h.logger.Warn("撤单请求失败", zap.String("brokerOrder", clientID), zap.Error(err))
	}
	return err
}

func (h *LiveHandler) report(t models.BrokerEventType, symbol, id, why string) {
	h.mu.RLock()
	emit := h.emit
	h.mu.RUnlock()
	if emit == nil {
		return
	}
	emit(models.BrokerEvent{
		Type:        t,
		Symbol:      symbol,
		BrokerOrder: id,
		Reason:      why,
		Time:        time.Now().UTC(),
		IsRealTime:  true,
	})
}

// reason 提取币安返回的错误信息作为拒单原因
func reason(err error) string {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}
