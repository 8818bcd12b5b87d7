package settlement

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	userWSURL       = "wss://ws-subscriptions-clob.polymarket.com/ws/user"
	pingInterval    = 10 * time.Second
	reconnectMinGap = 1 * time.Second
	reconnectMaxGap = 30 * time.Second
)

// Credentials CLOB API 凭证（用户频道鉴权）
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// tradeEvent 用户频道成交事件（只解析用到的字段）
type tradeEvent struct {
	EventType    string `json:"event_type"`
	Status       string `json:"status"`
	TakerOrderID string `json:"taker_order_id"`
	MakerOrders  []struct {
		OrderID string `json:"order_id"`
	} `json:"maker_orders"`
}

// UserClient 用户频道 websocket 客户端
// 监听本账户的成交事件，将链上确认转发给 Tracker
type UserClient struct {
	creds   Credentials
	markets []string
	tracker *Tracker

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewUserClient 创建用户频道客户端
func NewUserClient(creds Credentials, markets []string, tracker *Tracker) *UserClient {
	return &UserClient{
		creds:   creds,
		markets: markets,
		tracker: tracker,
	}
}

// Run 连接并持续消费用户频道消息，断线自动重连（指数退避）
// ctx 取消后返回
func (c *UserClient) Run(ctx context.Context) error {
	gap := reconnectMinGap
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.runOnce(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}

		log.Warnf("🔌 用户频道断开: %v，%.0fs 后重连", err, gap.Seconds())
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

func (c *UserClient) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, userWSURL, nil)
	if err != nil {
		return errors.Wrap(err, "dial user channel")
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
		"type":    "user",
		"markets": c.markets,
		"auth": map[string]string{
			"apiKey":     c.creds.APIKey,
			"secret":     c.creds.Secret,
			"passphrase": c.creds.Passphrase,
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return errors.Wrap(err, "subscribe user channel")
	}
	log.Infof("🔗 用户频道已连接: markets=%d", len(c.markets))

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx, conn)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read user channel")
		}
		c.handleMessage(data)
	}
}

func (c *UserClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
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

func (c *UserClient) handleMessage(data []byte) {
	// 服务端可能返回单个事件或事件数组
	var events []tradeEvent
	if err := json.Unmarshal(data, &events); err != nil {
		var single tradeEvent
		if err := json.Unmarshal(data, &single); err != nil {
			return
		}
		events = append(events, single)
	}

	for _, ev := range events {
		if ev.EventType != "trade" {
			continue
		}
		// MINED/CONFIRMED 表示已上链，MATCHED 只是撮合完成
		if ev.Status != "MINED" && ev.Status != "CONFIRMED" {
			continue
		}
		if ev.TakerOrderID != "" {
			c.tracker.Confirm(ev.TakerOrderID)
		}
		for _, mo := range ev.MakerOrders {
			c.tracker.Confirm(mo.OrderID)
		}
	}
}

// Close 关闭连接并阻止重连
func (c *UserClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
	}
}
