package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"order-reconciler-go/internal/models"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = 5 * time.Second
	keepAliveInterval = 30 * time.Minute
)

// ListenKeySource 提供用户数据流所需的 listenKey
type ListenKeySource interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
}

// UserStream 维护到币安用户数据流的 WebSocket 连接，
// 把 ORDER_TRADE_UPDATE 事件交给 onUpdate。断线后自动重连，
// 连接状态变化通过 onState 通知，用于暂停和恢复对账。
type UserStream struct {
	wsBaseURL string
	keys      ListenKeySource
	onUpdate  func(models.OrderUpdateEvent)
	onState   func(connected bool)
	logger    *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewUserStream(wsBaseURL string, keys ListenKeySource, onUpdate func(models.OrderUpdateEvent), onState func(bool), logger *zap.Logger) *UserStream {
	return &UserStream{
		wsBaseURL: wsBaseURL,
		keys:      keys,
		onUpdate:  onUpdate,
		onState:   onState,
		logger:    logger,
	}
}

// Run 是一个守护循环，负责维持连接和重连，直到 ctx 结束
func (s *UserStream) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		key, err := s.keys.CreateListenKey(ctx)
		if err == nil {
			err = s.connect(ctx, key)
		}
		if err != nil {
			s.logger.Warn("用户数据流连接失败，稍后重试", zap.Error(err), zap.Duration("retryIn", reconnectDelay))
		} else {
			s.setState(true)
			if err := s.serve(ctx, key); err != nil {
				s.logger.Warn("用户数据流处理时发生错误", zap.Error(err))
			}
			s.setState(false)
			s.close()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *UserStream) setState(connected bool) {
	if s.onState != nil {
		s.onState(connected)
	}
}

func (s *UserStream) connect(ctx context.Context, key string) error {
	url := fmt.Sprintf("%s/ws/%s", strings.TrimRight(s.wsBaseURL, "/"), key)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("无法连接到 WebSocket: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.logger.Info("用户数据流已连接")
	return nil
}

func (s *UserStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// serve 读取消息直到连接断开，同时负责心跳和 listenKey 续期
func (s *UserStream) serve(ctx context.Context, key string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()
		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()
		for {
			select {
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					s.logger.Warn("发送Ping失败", zap.Error(err))
					return
				}
			case <-keepAlive.C:
				if err := s.keys.KeepAliveListenKey(ctx, key); err != nil {
					s.logger.Warn("listenKey 续期失败", zap.Error(err))
				}
			case <-ctx.Done():
				// 优雅关闭，ReadMessage 随之返回
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("读取消息失败: %w", err)
		}
		s.handleMessage(message)
	}
}

func (s *UserStream) handleMessage(message []byte) {
	var header models.UserDataEvent
	if err := json.Unmarshal(message, &header); err != nil {
		s.logger.Warn("解析用户数据事件失败", zap.Error(err))
		return
	}
	switch header.EventType {
	case "ORDER_TRADE_UPDATE":
		var ev models.OrderUpdateEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			s.logger.Warn("解析订单更新失败", zap.Error(err))
			return
		}
		s.onUpdate(ev)
	case "listenKeyExpired":
		s.logger.Warn("listenKey 已过期，准备重连")
		s.close()
	default:
		s.logger.Debug("忽略用户数据事件", zap.String("type", header.EventType))
	}
}
