package models

import "time"

// BrokerEventType 表示券商回报的类型
type BrokerEventType int32

const (
	BrokerAck BrokerEventType = iota // 新订单或改单已被券商接受
	BrokerCanceled
	BrokerRejected
	BrokerExpired
	BrokerFill
)

func (t BrokerEventType) String() string {
	switch t {
	case BrokerAck:
		return "Ack"
	case BrokerCanceled:
		return "Canceled"
	case BrokerRejected:
		return "Rejected"
	case BrokerExpired:
		return "Expired"
	case BrokerFill:
		return "Fill"
	}
	return "Unknown"
}

// BrokerEvent is a normalized broker report for one physical order. For
// cancels and fills BrokerOrder may name the original order rather than the
// request that caused the report.
type BrokerEvent struct {
	Type        BrokerEventType
	Symbol      string
	BrokerOrder string
	Reason      string
	Fill        PhysicalFill
	Time        time.Time
	IsRealTime  bool
}
