// Package feed 订阅 CLOB 市场频道的实时价格
package feed

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/spikebot/gospike/pkg/sigchan"
)

var log = logrus.WithField("module", "feed")

const (
	marketWSURL     = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	pingInterval    = 10 * time.Second
	reconnectMinGap = 1 * time.Second
	reconnectMaxGap = 30 * time.Second
)

// Tick 一笔实时成交价
type Tick struct {
	TokenID string
	Price   float64
	At      time.Time
}

// Handler 价格回调，在读取协程内同步调用，不得阻塞
type Handler func(Tick)

// marketEvent 市场频道事件（只解析用到的字段）
type marketEvent struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"` // 毫秒
}

// MarketClient 市场频道 websocket 客户端
// 只消费 last_trade_price 事件，断线自动重连
type MarketClient struct {
	assetIDs  []string
	handler   Handler
	connected *sigchan.Chan

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewMarketClient 创建市场频道客户端
func NewMarketClient(assetIDs []string, handler Handler) *MarketClient {
	return &MarketClient{
		assetIDs:  assetIDs,
		handler:   handler,
		connected: sigchan.New(1),
	}
}

// Connected 每次（重）连成功后收到一个信号
func (c *MarketClient) Connected() <-chan struct{} {
	return c.connected.C()
}

// Run 连接并持续消费市场消息，断线指数退避重连，ctx 取消后返回
func (c *MarketClient) Run(ctx context.Context) error {
	gap := reconnectMinGap
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		err := c.runOnce(ctx)
		if errors.Is(err, context.Canceled) {
			return ctx.Err()
		}

		// 连接稳定存活过一段时间则重置退避
		if time.Since(start) > time.Minute {
			gap = reconnectMinGap
		}
		log.Warnf("🔌 市场频道断开: %v，%.0fs 后重连", err, gap.Seconds())
		select {
		case <-time.After(gap):
		case <-ctx.Done():
			return ctx.Err()
		}
		gap *= 2
		if gap > reconnectMaxGap {
			gap = reconnectMaxGap
		}
	}
}

func (c *MarketClient) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, marketWSURL, nil)
	if err != nil {
		return errors.Wrap(err, "dial market channel")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return context.Canceled
	}
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	sub := map[string]interface{}{
		"type":       "market",
		"assets_ids": c.assetIDs,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return errors.Wrap(err, "subscribe market channel")
	}
	log.Infof("🔗 市场频道已连接: assets=%d", len(c.assetIDs))
	c.connected.Emit()

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx, conn)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read market channel")
		}
		c.handleMessage(data)
	}
}

func (c *MarketClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *MarketClient) handleMessage(data []byte) {
	var events []marketEvent
	if err := json.Unmarshal(data, &events); err != nil {
		var single marketEvent
		if err := json.Unmarshal(data, &single); err != nil {
			return
		}
		events = append(events, single)
	}

	for _, ev := range events {
		if ev.EventType != "last_trade_price" {
			continue
		}
		price, err := strconv.ParseFloat(ev.Price, 64)
		if err != nil || price <= 0 {
			continue
		}
		at := time.Now().UTC()
		if ms, err := strconv.ParseInt(ev.Timestamp, 10, 64); err == nil && ms > 0 {
			at = time.UnixMilli(ms).UTC()
		}
		c.handler(Tick{TokenID: ev.AssetID, Price: price, At: at})
	}
}

// Close 关闭连接并阻止重连
func (c *MarketClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
	}
}
