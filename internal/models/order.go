package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LogicalOrder is a strategy's trading intent. The reconciler only reads it.
type LogicalOrder struct {
	ID               int32          `json:"id"`
	SerialNumber     int64          `json:"serial_number"`
	Symbol           string         `json:"symbol"`
	TradeDirection   TradeDirection `json:"trade_direction"`
	Type             OrderType      `json:"type"`
	Position         int64          `json:"position"` // 目标数量，方向由 Type 决定
	Price            float64        `json:"price"`
	Levels           int32          `json:"levels"`
	LevelSize        int64          `json:"level_size"`
	LevelIncrement   int32          `json:"level_increment"` // 以最小价格变动单位计的档位间距
	StrategyID       int32          `json:"strategy_id"`
	StrategyPosition int64          `json:"strategy_position"` // 下单时策略持有的仓位
	Tag              string         `json:"tag"`
	OrderFlags       OrderFlags     `json:"order_flags"`
}

func (l *LogicalOrder) String() string {
	return fmt.Sprintf("%s %s %d @ %g [id %d serial %d strategy %d]",
		l.TradeDirection, l.Type, l.Position, l.Price, l.ID, l.SerialNumber, l.StrategyID)
}

// IsLadder reports whether the order is spread over several price levels.
func (l *LogicalOrder) IsLadder() bool {
	return l.Levels > 1 && l.LevelSize > 0
}

// PhysicalOrder 是发往券商（或已在券商处挂着）的具体订单，以 BrokerOrder 为主键。
// OriginalOrder/ReplacedBy 组成撤单/改单链，必须是一条简单链，不能成环。
type PhysicalOrder struct {
	BrokerOrder         string
	Action              OrderAction
	State               OrderState
	Symbol              string
	Side                OrderSide
	Type                OrderType
	Price               float64
	CompleteSize        int64
	CumulativeSize      int64
	RemainingSize       int64
	LogicalOrderID      int32
	LogicalSerialNumber int64
	OriginalOrder       *PhysicalOrder
	ReplacedBy          *PhysicalOrder
	OrderFlags          OrderFlags
	Tag                 string
	UtcCreateTime       time.Time
	LastModifyTime      time.Time
	LastReadTime        time.Time
	Sequence            int32
}

func (o *PhysicalOrder) String() string {
	s := fmt.Sprintf("%s %s %s %s %d/%d @ %g [%s serial %d seq %d]",
		o.Action, o.State, o.Side, o.Type, o.RemainingSize, o.CompleteSize, o.Price,
		o.BrokerOrder, o.LogicalSerialNumber, o.Sequence)
	if o.OriginalOrder != nil {
		s += " original " + o.OriginalOrder.BrokerOrder
	}
	if o.ReplacedBy != nil {
		s += " replacedBy " + o.ReplacedBy.BrokerOrder
	}
	return s
}

// SignedRemaining returns the remaining size signed by side.
func (o *PhysicalOrder) SignedRemaining() int64 {
	return o.Side.Sign() * o.RemainingSize
}

// IsAdjustment reports whether the order is not attributed to any logical order.
func (o *PhysicalOrder) IsAdjustment() bool {
	return o.LogicalSerialNumber == 0
}

// PhysicalFill is a broker execution against a physical order.
type PhysicalFill struct {
	ExecID         string
	BrokerOrder    string
	Symbol         string
	Size           int64 // signed: positive buys
	Price          float64
	Time           time.Time
	CumulativeSize int64
	RemainingSize  int64
	IsSimulated    bool
}

// LogicalFill is the fill notification delivered back to the strategy.
type LogicalFill struct {
	Symbol      string
	Position    int64 // 成交后的策略仓位
	Recency     int64
	Price       float64
	Time        time.Time
	OrderID     int32
	OrderSerial int64
	StrategyID  int32
	Size        int64
	IsComplete  bool
	IsSimulated bool
}

// PriceToTicks converts a price into an integer number of ticks so that price
// comparisons never depend on floating point representation.
func PriceToTicks(price, tick float64) int64 {
	if tick <= 0 {
		return decimal.NewFromFloat(price).Shift(8).Round(0).IntPart()
	}
	return decimal.NewFromFloat(price).Div(decimal.NewFromFloat(tick)).Round(0).IntPart()
}

// TicksToPrice is the inverse of PriceToTicks.
func TicksToPrice(ticks int64, tick float64) float64 {
	if tick <= 0 {
		f, _ := decimal.New(ticks, -8).Float64()
		return f
	}
	f, _ := decimal.NewFromInt(ticks).Mul(decimal.NewFromFloat(tick)).Float64()
	return f
}

// UnitsToQuantity formats a position size as a broker quantity string.
func UnitsToQuantity(units int64, step float64) string {
	if step <= 0 {
		return decimal.NewFromInt(units).String()
	}
	return decimal.NewFromInt(units).Mul(decimal.NewFromFloat(step)).String()
}

// QuantityToUnits parses a broker quantity string into position units,
// rounding to the nearest step.
func QuantityToUnits(qty string, step float64) (int64, error) {
	if qty == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(qty)
	if err != nil {
		return 0, fmt.Errorf("parse quantity %q: %w", qty, err)
	}
	if step <= 0 {
		return d.Round(0).IntPart(), nil
	}
	return d.Div(decimal.NewFromFloat(step)).Round(0).IntPart(), nil
}

// FormatPrice renders a price on the tick grid without float noise.
func FormatPrice(price, tick float64) string {
	if tick <= 0 {
		return decimal.NewFromFloat(price).String()
	}
	return decimal.NewFromInt(PriceToTicks(price, tick)).Mul(decimal.NewFromFloat(tick)).String()
}

// ParsePrice parses a broker price string, returning 0 for empty input.
func ParsePrice(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}
