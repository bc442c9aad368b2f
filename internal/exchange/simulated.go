package exchange

import (
	"fmt"
	"order-reconciler-go/internal/models"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type commandKind int

const (
	cmdCreate commandKind = iota
	cmdChange
	cmdCancel
)

// command 是提交给模拟券商、尚未被确认的请求
type command struct {
	kind     commandKind
	id       string
	original string
	side     models.OrderSide
	typ      models.OrderType
	ticks    int64
	size     int64
}

// simOrder 是模拟券商撮合簿里的一张挂单
type simOrder struct {
	id     string
	seq    int64
	side   models.OrderSide
	typ    models.OrderType
	ticks  int64
	size   int64
	filled int64
}

// SimulatedBroker 模拟券商行为：命令先排队，在 Flush 或价格更新时统一确认，
// 并按 OHLC 路径撮合限价单、止损单和市价单。
type SimulatedBroker struct {
	Symbol        string
	TickSize      float64
	SlippageTicks int64

	mu           sync.Mutex
	queue        []command
	orders       map[string]*simOrder
	nextSeq      int64
	nextExec     int64
	currentTicks int64
	currentTime  time.Time
	position     int64
	fills        []models.PhysicalFill
	emit         func(models.BrokerEvent)
	logger       *zap.Logger
}

// NewSimulatedBroker creates a broker for one symbol. emit receives every
// broker report and is always called without the broker's lock held.
func NewSimulatedBroker(symbol string, tickSize float64, slippageTicks int64, emit func(models.BrokerEvent), logger *zap.Logger) *SimulatedBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimulatedBroker{
		Symbol:        symbol,
		TickSize:      tickSize,
		SlippageTicks: slippageTicks,
		orders:        make(map[string]*simOrder),
		emit:          emit,
		logger:        logger,
	}
}

// SetEmitter replaces the report callback.
func (b *SimulatedBroker) SetEmitter(emit func(models.BrokerEvent)) {
	b.mu.Lock()
	b.emit = emit
	b.mu.Unlock()
}

// --- PhysicalOrderHandler 接口实现 ---

func (b *SimulatedBroker) OnCreateBrokerOrder(o *models.PhysicalOrder) bool {
	return b.enqueue(command{
		kind:  cmdCreate,
		id:    o.BrokerOrder,
		side:  o.Side,
		typ:   o.Type,
		ticks: models.PriceToTicks(o.Price, b.TickSize),
		size:  o.RemainingSize,
	})
}

func (b *SimulatedBroker) OnChangeBrokerOrder(o *models.PhysicalOrder) bool {
	if o.OriginalOrder == nil {
		return false
	}
	return b.enqueue(command{
		kind:     cmdChange,
		id:       o.BrokerOrder,
		original: o.OriginalOrder.BrokerOrder,
		side:     o.Side,
		typ:      o.Type,
		ticks:    models.PriceToTicks(o.Price, b.TickSize),
		size:     o.RemainingSize,
	})
}

func (b *SimulatedBroker) OnCancelBrokerOrder(o *models.PhysicalOrder) bool {
	if o.OriginalOrder == nil {
		return false
	}
	return b.enqueue(command{kind: cmdCancel, id: o.BrokerOrder, original: o.OriginalOrder.BrokerOrder})
}

func (b *SimulatedBroker) enqueue(c command) bool {
	if c.id == "" {
		return false
	}
	b.mu.Lock()
	b.queue = append(b.queue, c)
	b.mu.Unlock()
	return true
}

// Pending returns how many commands await acknowledgement.
func (b *SimulatedBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Flush acknowledges every queued command in submission order.
func (b *SimulatedBroker) Flush() {
	b.mu.Lock()
	events := b.drainQueue()
	emit := b.emit
	b.mu.Unlock()
	b.publish(emit, events)
}

// SetPrice 是模拟撮合的核心：先确认排队的命令，再按 O->L->H->C 的路径检查成交
func (b *SimulatedBroker) SetPrice(open, high, low, close float64, timestamp time.Time) {
	b.mu.Lock()
	b.currentTime = timestamp
	events := b.drainQueue()
	for _, price := range []float64{open, low, high, close} {
		b.currentTicks = models.PriceToTicks(price, b.TickSize)
		events = append(events, b.matchAt(b.currentTicks)...)
	}
	emit := b.emit
	b.mu.Unlock()
	b.publish(emit, events)
}

func (b *SimulatedBroker) publish(emit func(models.BrokerEvent), events []models.BrokerEvent) {
	if emit == nil {
		return
	}
	for _, ev := range events {
		emit(ev)
	}
}

// drainQueue 必须在持有锁的情况下调用
func (b *SimulatedBroker) drainQueue() []models.BrokerEvent {
	var events []models.BrokerEvent
	queue := b.queue
	b.queue = nil

	for _, c := range queue {
		switch c.kind {
		case cmdCreate:
			if !c.typ.IsMarket() && c.ticks <= 0 {
				events = append(events, b.event(models.BrokerRejected, c.id, "Price less than or equal to zero."))
				continue
			}
			if c.size <= 0 {
				events = append(events, b.event(models.BrokerRejected, c.id, "Quantity less than or equal to zero."))
				continue
			}
			o := b.book(c)
			events = append(events, b.event(models.BrokerAck, c.id, ""))
			if c.typ.IsMarket() && b.currentTicks > 0 {
				events = append(events, b.fill(o, b.currentTicks))
			}
		case cmdChange:
			orig, ok := b.orders[c.original]
			if !ok {
				events = append(events, b.event(models.BrokerRejected, c.id, "Unknown order sent."))
				continue
			}
			delete(b.orders, c.original)
			c.size -= orig.filled
			if c.size <= 0 {
				// 原订单已成交的部分超过了新数量，相当于撤单
				events = append(events, b.event(models.BrokerCanceled, c.original, ""))
				continue
			}
			b.book(c)
			events = append(events, b.event(models.BrokerAck, c.id, ""))
		case cmdCancel:
			if _, ok := b.orders[c.original]; !ok {
				events = append(events, b.event(models.BrokerRejected, c.id, "Unknown order sent."))
				continue
			}
			delete(b.orders, c.original)
			events = append(events, b.event(models.BrokerCanceled, c.original, ""))
		}
	}
	return events
}

func (b *SimulatedBroker) book(c command) *simOrder {
	b.nextSeq++
	o := &simOrder{id: c.id, seq: b.nextSeq, side: c.side, typ: c.typ, ticks: c.ticks, size: c.size}
	b.orders[c.id] = o
	return o
}

// matchAt 检查所有挂单是否能在指定价格点成交，必须在持有锁的情况下调用
func (b *SimulatedBroker) matchAt(ticks int64) []models.BrokerEvent {
	working := make([]*simOrder, 0, len(b.orders))
	for _, o := range b.orders {
		working = append(working, o)
	}
	sort.Slice(working, func(i, j int) bool { return working[i].seq < working[j].seq })

	var events []models.BrokerEvent
	for _, o := range working {
		buy := o.side == models.Buy
		var fillTicks int64
		switch {
		case o.typ.IsMarket():
			fillTicks = ticks
		case o.typ.IsStop():
			if (buy && ticks >= o.ticks) || (!buy && ticks <= o.ticks) {
				fillTicks = ticks
			}
		default:
			if (buy && ticks <= o.ticks) || (!buy && ticks >= o.ticks) {
				fillTicks = o.ticks
			}
		}
		if fillTicks > 0 {
			events = append(events, b.fill(o, fillTicks))
		}
	}
	return events
}

// fill 以全部剩余数量成交，市价单和止损单计入滑点
func (b *SimulatedBroker) fill(o *simOrder, ticks int64) models.BrokerEvent {
	if o.typ.IsMarket() || o.typ.IsStop() {
		if o.side == models.Buy {
			ticks += b.SlippageTicks
		} else {
			ticks -= b.SlippageTicks
		}
	}
	size := o.size - o.filled
	o.filled = o.size
	delete(b.orders, o.id)

	signed := o.side.Sign() * size
	b.position += signed
	b.nextExec++
	f := models.PhysicalFill{
		ExecID:         fmt.Sprintf("sim-%d", b.nextExec),
		BrokerOrder:    o.id,
		Symbol:         b.Symbol,
		Size:           signed,
		Price:          models.TicksToPrice(ticks, b.TickSize),
		Time:           b.currentTime,
		CumulativeSize: o.filled,
		RemainingSize:  0,
		IsSimulated:    true,
	}
	b.fills = append(b.fills, f)
	b.logger.Debug("simulated fill", zap.String("brokerOrder", o.id), zap.Int64("size", signed), zap.Float64("price", f.Price))

	ev := b.event(models.BrokerFill, o.id, "")
	ev.Fill = f
	return ev
}

func (b *SimulatedBroker) event(t models.BrokerEventType, id, reason string) models.BrokerEvent {
	return models.BrokerEvent{
		Type:        t,
		Symbol:      b.Symbol,
		BrokerOrder: id,
		Reason:      reason,
		Time:        b.currentTime,
		IsRealTime:  true,
	}
}

// Position returns the broker-side position.
func (b *SimulatedBroker) Position() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position
}

// Fills returns a copy of every fill produced so far.
func (b *SimulatedBroker) Fills() []models.PhysicalFill {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.PhysicalFill, len(b.fills))
	copy(out, b.fills)
	return out
}

// WorkingOrders returns the ids of orders resting in the book.
func (b *SimulatedBroker) WorkingOrders() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.orders))
	for id := range b.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetCurrentTime 返回模拟时钟的当前时间
func (b *SimulatedBroker) GetCurrentTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentTime
}
