package models

import "fmt"

// TradeDirection 描述一个逻辑订单在策略中的用途，决定对账时的匹配规则。
type TradeDirection int32

const (
	Entry TradeDirection = iota
	Exit
	ExitStrategy
	Reverse
	Change
)

func (d TradeDirection) String() string {
	switch d {
	case Entry:
		return "Entry"
	case Exit:
		return "Exit"
	case ExitStrategy:
		return "ExitStrategy"
	case Reverse:
		return "Reverse"
	case Change:
		return "Change"
	}
	return fmt.Sprintf("TradeDirection(%d)", int32(d))
}

// OrderType 是逻辑订单与物理订单共用的订单类型
type OrderType int32

const (
	BuyLimit OrderType = iota
	BuyMarket
	BuyStop
	SellLimit
	SellMarket
	SellStop
)

func (t OrderType) String() string {
	switch t {
	case BuyLimit:
		return "BuyLimit"
	case BuyMarket:
		return "BuyMarket"
	case BuyStop:
		return "BuyStop"
	case SellLimit:
		return "SellLimit"
	case SellMarket:
		return "SellMarket"
	case SellStop:
		return "SellStop"
	}
	return fmt.Sprintf("OrderType(%d)", int32(t))
}

// IsBuy reports whether the type buys.
func (t OrderType) IsBuy() bool {
	return t == BuyLimit || t == BuyMarket || t == BuyStop
}

// IsMarket reports whether the type executes at market.
func (t OrderType) IsMarket() bool {
	return t == BuyMarket || t == SellMarket
}

// IsStop reports whether the type is a stop order.
func (t OrderType) IsStop() bool {
	return t == BuyStop || t == SellStop
}

// Sign 返回类型的方向：买为 +1，卖为 -1
func (t OrderType) Sign() int64 {
	if t.IsBuy() {
		return 1
	}
	return -1
}

// ForSide returns the type of the same kind (limit, market, stop) on the given side.
func (t OrderType) ForSide(side OrderSide) OrderType {
	buy := side == Buy
	switch {
	case t.IsMarket():
		if buy {
			return BuyMarket
		}
		return SellMarket
	case t.IsStop():
		if buy {
			return BuyStop
		}
		return SellStop
	default:
		if buy {
			return BuyLimit
		}
		return SellLimit
	}
}

// OrderSide 是发往券商的订单方向
type OrderSide int32

const (
	Buy OrderSide = iota
	Sell
	SellShort
)

func (s OrderSide) String() string {
	switch s {
	case Buy:
		return "Buy"
	case Sell:
		return "Sell"
	case SellShort:
		return "SellShort"
	}
	return fmt.Sprintf("OrderSide(%d)", int32(s))
}

// Sign returns +1 for Buy and -1 for Sell and SellShort.
func (s OrderSide) Sign() int64 {
	if s == Buy {
		return 1
	}
	return -1
}

// OrderAction is the command a physical order represents.
type OrderAction int32

const (
	Create OrderAction = iota
	ChangeAction
	Cancel
)

func (a OrderAction) String() string {
	switch a {
	case Create:
		return "Create"
	case ChangeAction:
		return "Change"
	case Cancel:
		return "Cancel"
	}
	return fmt.Sprintf("OrderAction(%d)", int32(a))
}

// OrderState 追踪物理订单在券商侧的生命周期
type OrderState int32

const (
	Pending OrderState = iota
	PendingNew
	Active
	Filled
	Suspended
	Lost
	Expired
)

func (s OrderState) String() string {
	switch s {
	case Pending:
		return "Pending"
	case PendingNew:
		return "PendingNew"
	case Active:
		return "Active"
	case Filled:
		return "Filled"
	case Suspended:
		return "Suspended"
	case Lost:
		return "Lost"
	case Expired:
		return "Expired"
	}
	return fmt.Sprintf("OrderState(%d)", int32(s))
}

// IsPending reports whether the broker has not yet acknowledged the order.
func (s OrderState) IsPending() bool {
	return s == Pending || s == PendingNew
}

// IsTerminal reports whether the order can no longer change at the broker.
func (s OrderState) IsTerminal() bool {
	return s == Filled || s == Lost || s == Expired
}

// OrderFlags 是订单的附加标记位
type OrderFlags int32

const (
	FlagSynthetic OrderFlags = 1 << iota
	FlagTouch
	FlagOCO
	FlagAdjustment
)

// Has reports whether every bit of f is set.
func (o OrderFlags) Has(f OrderFlags) bool {
	return o&f == f
}
