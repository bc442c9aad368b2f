package ordercache

import (
	"errors"
	"fmt"
	"order-reconciler-go/internal/models"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	ErrNilOrder              = errors.New("ordercache: nil order")
	ErrCancelWithoutOriginal = errors.New("ordercache: cancel order without original order")
	ErrOrderCycle            = errors.New("ordercache: original/replacedBy chain forms a cycle")
	ErrNoTransaction         = errors.New("ordercache: mutation outside transaction")
)

// Cache is the in-memory index of physical orders and position counters.
//
// Order indices and position maps sit behind two separate mutexes and no
// method takes both. Every mutating method must run between
// BeginTransaction and EndTransaction.
type Cache struct {
	logger *zap.Logger
	strict bool

	txMu   sync.Mutex
	txHeld atomic.Bool

	ordersMu   sync.Mutex
	byBrokerID map[string]*models.PhysicalOrder
	bySequence map[int32]*models.PhysicalOrder
	bySerial   map[int64]*models.PhysicalOrder
	sequence   atomic.Int32

	positionsMu       sync.Mutex
	positions         map[string]int64
	strategyPositions map[int32]int64

	version atomic.Uint64
}

// New creates an empty cache. With strict set, a mutation outside a
// transaction panics instead of only being logged.
func New(logger *zap.Logger, strict bool) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		logger:            logger,
		strict:            strict,
		byBrokerID:        make(map[string]*models.PhysicalOrder),
		bySequence:        make(map[int32]*models.PhysicalOrder),
		bySerial:          make(map[int64]*models.PhysicalOrder),
		positions:         make(map[string]int64),
		strategyPositions: make(map[int32]int64),
	}
}

// BeginTransaction enters the exclusive region all mutations require.
func (c *Cache) BeginTransaction() {
	c.txMu.Lock()
	c.txHeld.Store(true)
}

func (c *Cache) EndTransaction() {
	c.txHeld.Store(false)
	c.txMu.Unlock()
}

// InTransaction reports whether some caller currently holds the transaction.
func (c *Cache) InTransaction() bool {
	return c.txHeld.Load()
}

func (c *Cache) assertTransaction(op string) {
	if c.txHeld.Load() {
		return
	}
	c.logger.Error("order cache mutated outside transaction", zap.String("op", op), zap.Stack("stack"))
	if c.strict {
		panic(fmt.Errorf("%w: %s", ErrNoTransaction, op))
	}
}

// Version increases on every mutation.
func (c *Cache) Version() uint64 {
	return c.version.Load()
}

// NextSequence returns the next local order sequence.
func (c *Cache) NextSequence() int32 {
	return c.sequence.Add(1)
}

// SetOrder inserts or updates the order under every index. A Cancel without
// an original order, or a lineage that loops back on itself, is a
// programming error and panics.
func (c *Cache) SetOrder(order *models.PhysicalOrder) {
	c.assertTransaction("SetOrder")
	if order == nil {
		panic(ErrNilOrder)
	}
	if order.Action == models.Cancel && order.OriginalOrder == nil {
		panic(fmt.Errorf("%w: %s", ErrCancelWithoutOriginal, order))
	}
	if err := checkChain(order); err != nil {
		panic(err)
	}
	if order.Sequence == 0 {
		order.Sequence = c.NextSequence()
	} else {
		c.bumpSequence(order.Sequence)
	}

	c.ordersMu.Lock()
	if prev, ok := c.byBrokerID[order.BrokerOrder]; ok && prev != order {
		if c.bySequence[prev.Sequence] == prev {
			delete(c.bySequence, prev.Sequence)
		}
		if c.bySerial[prev.LogicalSerialNumber] == prev {
			delete(c.bySerial, prev.LogicalSerialNumber)
		}
	}
	c.byBrokerID[order.BrokerOrder] = order
	c.bySequence[order.Sequence] = order
	if order.LogicalSerialNumber != 0 && order.Action != models.Cancel {
		c.bySerial[order.LogicalSerialNumber] = order
	}
	c.ordersMu.Unlock()

	c.version.Add(1)
}

func (c *Cache) bumpSequence(seq int32) {
	for {
		cur := c.sequence.Load()
		if seq <= cur || c.sequence.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func checkChain(order *models.PhysicalOrder) error {
	seen := map[*models.PhysicalOrder]bool{order: true}
	for o := order.OriginalOrder; o != nil; o = o.OriginalOrder {
		if seen[o] {
			return fmt.Errorf("%w: %s", ErrOrderCycle, order.BrokerOrder)
		}
		seen[o] = true
	}
	for o := order.ReplacedBy; o != nil; o = o.ReplacedBy {
		if seen[o] {
			return fmt.Errorf("%w: %s", ErrOrderCycle, order.BrokerOrder)
		}
		seen[o] = true
	}
	return nil
}

// RemoveOrder drops the order from every index. Unknown ids are a no-op.
func (c *Cache) RemoveOrder(brokerID string) (*models.PhysicalOrder, bool) {
	c.assertTransaction("RemoveOrder")

	c.ordersMu.Lock()
	order, ok := c.byBrokerID[brokerID]
	if !ok {
		c.ordersMu.Unlock()
		return nil, false
	}
	delete(c.byBrokerID, brokerID)
	if c.bySequence[order.Sequence] == order {
		delete(c.bySequence, order.Sequence)
	}
	if c.bySerial[order.LogicalSerialNumber] == order {
		delete(c.bySerial, order.LogicalSerialNumber)
		// fall back to the newest remaining order of the same logical order
		var newest *models.PhysicalOrder
		for _, o := range c.byBrokerID {
			if o.LogicalSerialNumber != order.LogicalSerialNumber || o.Action == models.Cancel {
				continue
			}
			if newest == nil || o.Sequence > newest.Sequence {
				newest = o
			}
		}
		if newest != nil {
			c.bySerial[newest.LogicalSerialNumber] = newest
		}
	}
	c.ordersMu.Unlock()

	c.version.Add(1)
	return order, true
}

func (c *Cache) TryGetOrderByID(brokerID string) (*models.PhysicalOrder, bool) {
	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()
	o, ok := c.byBrokerID[brokerID]
	return o, ok
}

func (c *Cache) TryGetOrderBySerial(serial int64) (*models.PhysicalOrder, bool) {
	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()
	o, ok := c.bySerial[serial]
	return o, ok
}

func (c *Cache) TryGetOrderBySequence(seq int32) (*models.PhysicalOrder, bool) {
	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()
	o, ok := c.bySequence[seq]
	return o, ok
}

// GetActiveOrders returns every non-Filled order of the symbol ordered by sequence.
func (c *Cache) GetActiveOrders(symbol string) []*models.PhysicalOrder {
	c.ordersMu.Lock()
	result := make([]*models.PhysicalOrder, 0, len(c.byBrokerID))
	for _, o := range c.byBrokerID {
		if o.Symbol == symbol && o.State != models.Filled {
			result = append(result, o)
		}
	}
	c.ordersMu.Unlock()
	sortBySequence(result)
	return result
}

// Orders returns every indexed order ordered by sequence.
func (c *Cache) Orders() []*models.PhysicalOrder {
	c.ordersMu.Lock()
	result := make([]*models.PhysicalOrder, 0, len(c.byBrokerID))
	for _, o := range c.byBrokerID {
		result = append(result, o)
	}
	c.ordersMu.Unlock()
	sortBySequence(result)
	return result
}

// SerialIndex returns a copy of the logical serial index.
func (c *Cache) SerialIndex() map[int64]*models.PhysicalOrder {
	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()
	out := make(map[int64]*models.PhysicalOrder, len(c.bySerial))
	for k, v := range c.bySerial {
		out[k] = v
	}
	return out
}

// Restore replaces the whole cache content. orders go into the broker id
// and sequence indices as given, serials is the exact serial index.
func (c *Cache) Restore(orders []*models.PhysicalOrder, serials map[int64]*models.PhysicalOrder,
	positions map[string]int64, strategyPositions map[int32]int64) {
	c.assertTransaction("Restore")

	c.ordersMu.Lock()
	c.byBrokerID = make(map[string]*models.PhysicalOrder, len(orders))
	c.bySequence = make(map[int32]*models.PhysicalOrder, len(orders))
	c.bySerial = make(map[int64]*models.PhysicalOrder, len(serials))
	var maxSeq int32
	for _, o := range orders {
		c.byBrokerID[o.BrokerOrder] = o
		c.bySequence[o.Sequence] = o
		if o.Sequence > maxSeq {
			maxSeq = o.Sequence
		}
	}
	for serial, o := range serials {
		c.bySerial[serial] = o
		if o.Sequence > maxSeq {
			maxSeq = o.Sequence
		}
	}
	c.sequence.Store(maxSeq)
	c.ordersMu.Unlock()

	c.positionsMu.Lock()
	c.positions = make(map[string]int64, len(positions))
	for k, v := range positions {
		c.positions[k] = v
	}
	c.strategyPositions = make(map[int32]int64, len(strategyPositions))
	for k, v := range strategyPositions {
		c.strategyPositions[k] = v
	}
	c.positionsMu.Unlock()
	c.version.Add(1)
}

func (c *Cache) Count() int {
	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()
	return len(c.byBrokerID)
}

// HasCreateOrder reports whether a pending Create for the same logical
// serial, side and price is already outstanding.
func (c *Cache) HasCreateOrder(order *models.PhysicalOrder) bool {
	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()
	for _, o := range c.byBrokerID {
		if o == order || o.Action != models.Create || !o.State.IsPending() {
			continue
		}
		if o.LogicalSerialNumber == order.LogicalSerialNumber && o.Symbol == order.Symbol &&
			o.Side == order.Side && o.Price == order.Price {
			return true
		}
	}
	return false
}

// HasCancelOrder reports whether the original of order already has a cancel
// or replace in flight.
func (c *Cache) HasCancelOrder(order *models.PhysicalOrder) bool {
	original := order.OriginalOrder
	if original == nil {
		return false
	}
	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()
	if r := original.ReplacedBy; r != nil && r != order {
		if cached, ok := c.byBrokerID[r.BrokerOrder]; ok && cached == r {
			return true
		}
	}
	for _, o := range c.byBrokerID {
		if o == order || o.OriginalOrder != original {
			continue
		}
		if (o.Action == models.Cancel || o.Action == models.ChangeAction) && !o.State.IsTerminal() {
			return true
		}
	}
	return false
}

func (c *Cache) GetActualPosition(symbol string) int64 {
	c.positionsMu.Lock()
	defer c.positionsMu.Unlock()
	return c.positions[symbol]
}

func (c *Cache) SetActualPosition(symbol string, position int64) {
	c.assertTransaction("SetActualPosition")
	c.positionsMu.Lock()
	c.positions[symbol] = position
	c.positionsMu.Unlock()
	c.version.Add(1)
}

// IncreaseActualPosition adds delta and returns the new position.
func (c *Cache) IncreaseActualPosition(symbol string, delta int64) int64 {
	c.assertTransaction("IncreaseActualPosition")
	c.positionsMu.Lock()
	c.positions[symbol] += delta
	result := c.positions[symbol]
	c.positionsMu.Unlock()
	c.version.Add(1)
	return result
}

func (c *Cache) GetStrategyPosition(strategyID int32) int64 {
	c.positionsMu.Lock()
	defer c.positionsMu.Unlock()
	return c.strategyPositions[strategyID]
}

func (c *Cache) SetStrategyPosition(strategyID int32, position int64) {
	c.assertTransaction("SetStrategyPosition")
	c.positionsMu.Lock()
	c.strategyPositions[strategyID] = position
	c.positionsMu.Unlock()
	c.version.Add(1)
}

// Positions returns a copy of the per-symbol actual positions.
func (c *Cache) Positions() map[string]int64 {
	c.positionsMu.Lock()
	defer c.positionsMu.Unlock()
	out := make(map[string]int64, len(c.positions))
	for k, v := range c.positions {
		out[k] = v
	}
	return out
}

// StrategyPositions returns a copy of the per-strategy expected positions.
func (c *Cache) StrategyPositions() map[int32]int64 {
	c.positionsMu.Lock()
	defer c.positionsMu.Unlock()
	out := make(map[int32]int64, len(c.strategyPositions))
	for k, v := range c.strategyPositions {
		out[k] = v
	}
	return out
}

// Reset empties every index and position map.
func (c *Cache) Reset() {
	c.assertTransaction("Reset")
	c.ordersMu.Lock()
	c.byBrokerID = make(map[string]*models.PhysicalOrder)
	c.bySequence = make(map[int32]*models.PhysicalOrder)
	c.bySerial = make(map[int64]*models.PhysicalOrder)
	c.sequence.Store(0)
	c.ordersMu.Unlock()

	c.positionsMu.Lock()
	c.positions = make(map[string]int64)
	c.strategyPositions = make(map[int32]int64)
	c.positionsMu.Unlock()
	c.version.Add(1)
}

func sortBySequence(orders []*models.PhysicalOrder) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].Sequence < orders[j].Sequence })
}
