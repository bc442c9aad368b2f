package exchange

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"order-reconciler-go/internal/models"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeFutures 模拟币安合约下单和撤单接口
type fakeFutures struct {
	mu           sync.Mutex
	creates      []string
	cancels      []string
	rejectCancel bool
}

func (f *fakeFutures) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 参数可能在 query 里也可能在 body 里
	body, _ := io.ReadAll(r.Body)
	form, err := url.ParseQuery(string(body))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	for k, v := range r.URL.Query() {
		form[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path != "/fapi/v1/order" {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":-1000,"msg":"not found"}`))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPost:
		f.creates = append(f.creates, form.Get("newClientOrderId")+" "+form.Get("type")+" "+form.Get("quantity")+" "+form.Get("price"))
		w.Write([]byte(`{"orderId":42,"symbol":"BTCUSDT","status":"NEW","clientOrderId":"` + form.Get("newClientOrderId") + `"}`))
	case http.MethodDelete:
		if f.rejectCancel {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
			return
		}
		f.cancels = append(f.cancels, form.Get("origClientOrderId"))
		w.Write([]byte(`{"orderId":42,"symbol":"BTCUSDT","status":"CANCELED","clientOrderId":"` + form.Get("origClientOrderId") + `"}`))
	}
}

func newLiveFixture(t *testing.T, api *fakeFutures) (*LiveHandler, *eventRecorder) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	rec := &eventRecorder{}
	h := NewLiveHandler("key", "secret", srv.URL, false, zap.NewNop())
	h.RegisterSymbol(models.SymbolInfo{Symbol: "BTCUSDT", TickSize: 0.1, StepSize: 0.001})
	h.SetEmitter(rec.record)

	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)
	t.Cleanup(func() {
		cancel()
		h.Stop()
	})
	return h, rec
}

func waitEvents(t *testing.T, rec *eventRecorder, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(rec.types()) >= n }, 5*time.Second, 10*time.Millisecond)
}

func TestLiveHandler_CreateAcknowledged(t *testing.T) {
	api := &fakeFutures{}
	h, rec := newLiveFixture(t, api)

	o := physical("rc1", models.Buy, models.BuyLimit, 100.1, 25)
	require.True(t, h.OnCreateBrokerOrder(o))
	waitEvents(t, rec, 1)

	ev := rec.last()
	assert.Equal(t, models.BrokerAck, ev.Type)
	assert.Equal(t, "rc1", ev.BrokerOrder)
	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.creates, 1)
	assert.Equal(t, "rc1 LIMIT 0.025 100.1", api.creates[0])
}

func TestLiveHandler_CancelRejectCarriesBrokerMessage(t *testing.T) {
	api := &fakeFutures{rejectCancel: true}
	h, rec := newLiveFixture(t, api)

	orig := physical("rc1", models.Buy, models.BuyLimit, 100, 1)
	cancel := physical("rc2", models.Buy, models.BuyLimit, 100, 1)
	cancel.OriginalOrder = orig
	require.True(t, h.OnCancelBrokerOrder(cancel))
	waitEvents(t, rec, 1)

	ev := rec.last()
	assert.Equal(t, models.BrokerRejected, ev.Type)
	assert.Equal(t, "rc2", ev.BrokerOrder)
	assert.Equal(t, "Unknown order sent.", ev.Reason)
}

func TestLiveHandler_ChangeIsCancelThenCreate(t *testing.T) {
	api := &fakeFutures{}
	h, rec := newLiveFixture(t, api)

	orig := physical("rc1", models.Sell, models.SellStop, 90, 3)
	change := physical("rc2", models.Sell, models.SellStop, 89.5, 2)
	change.OriginalOrder = orig
	require.True(t, h.OnChangeBrokerOrder(change))
	waitEvents(t, rec, 1)

	assert.Equal(t, models.BrokerAck, rec.last().Type)
	assert.Equal(t, "rc2", rec.last().BrokerOrder)
	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"rc1"}, api.cancels)
	require.Len(t, api.creates, 1)
	assert.Equal(t, "rc2 STOP_MARKET 0.002 ", api.creates[0])
}

func TestLiveHandler_RefusesUnknownSymbolAndAfterStop(t *testing.T) {
	h := NewLiveHandler("key", "secret", "http://127.0.0.1:0", false, zap.NewNop())
	o := physical("rc1", models.Buy, models.BuyLimit, 100, 1)
	o.Symbol = "ETHUSDT"
	assert.False(t, h.OnCreateBrokerOrder(o))

	h.RegisterSymbol(models.SymbolInfo{Symbol: "BTCUSDT", TickSize: 0.1, StepSize: 0.001})
	h.Stop()
	assert.False(t, h.OnCreateBrokerOrder(physical("rc2", models.Buy, models.BuyLimit, 100, 1)))
}
