package exchange

import "order-reconciler-go/internal/models"

// Broker 定义了对账引擎背后的券商实现必须提供的方法。
// 这使得服务可以在实盘和模拟撮合之间轻松切换。
type Broker interface {
	OnCreateBrokerOrder(order *models.PhysicalOrder) bool
	OnChangeBrokerOrder(order *models.PhysicalOrder) bool
	OnCancelBrokerOrder(order *models.PhysicalOrder) bool
	SetEmitter(emit func(models.BrokerEvent))
}

var (
	_ Broker = (*SimulatedBroker)(nil)
	_ Broker = (*LiveHandler)(nil)
)
