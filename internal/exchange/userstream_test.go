package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"order-reconciler-go/internal/models"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeKeys struct{}

func (fakeKeys) CreateListenKey(context.Context) (string, error)   { return "lk", nil }
func (fakeKeys) KeepAliveListenKey(context.Context, string) error { return nil }

const orderUpdate = `{"e":"ORDER_TRADE_UPDATE","E":1700000000000,"T":1700000000000,"o":{
"s":"BTCUSDT","c":"rc1","S":"BUY","o":"LIMIT","f":"GTC","q":"0.010","p":"100.1","ap":"100.1","sp":"0",
"x":"TRADE","X":"PARTIALLY_FILLED","i":42,"l":"0.004","z":"0.004","L":"100.1","T":1700000000000,"t":7,
"R":false,"ps":"BOTH","rp":"0"}}`

func TestUserStream_DeliversOrderUpdates(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var served sync.WaitGroup
	served.Add(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/lk" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"ACCOUNT_UPDATE","E":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(orderUpdate))
		served.Done()
		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	var updates []models.OrderUpdateEvent
	var states []bool
	s := NewUserStream("ws"+strings.TrimPrefix(srv.URL, "http"), fakeKeys{},
		func(ev models.OrderUpdateEvent) {
			mu.Lock()
			updates = append(updates, ev)
			mu.Unlock()
		},
		func(connected bool) {
			mu.Lock()
			states = append(states, connected)
			mu.Unlock()
		},
		zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) == 1
	}, 5*time.Second, 10*time.Millisecond)
	served.Wait()

	mu.Lock()
	o := updates[0].Order
	assert.Equal(t, "rc1", o.ClientOrderID)
	assert.Equal(t, "TRADE", o.ExecutionType)
	assert.Equal(t, "0.004", o.ExecutedQty)
	assert.EqualValues(t, 7, o.TradeID)
	assert.Equal(t, []bool{true}, states)
	mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
