package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/spikebot/gospike/internal/domain"
	"github.com/spikebot/gospike/pkg/ratelimit"
)

var log = logrus.WithField("module", "exchange")

const (
	defaultCLOBBase = "https://clob.polymarket.com"

	// midpointMaxSpread 价差不超过此值时使用盘口中间价，否则回退最新成交价
	midpointMaxSpread = 0.10

	maxOrderAttempts = 4
	baseRetryDelay   = 200 * time.Millisecond
	retryGrowth      = 1.5
	maxRetryJitter   = 100 * time.Millisecond
)

// OrderSigner 构造并签名订单负载
// EIP-712 签名属于钱包层，通过该接口注入，本包只负责提交与重试
type OrderSigner interface {
	SignMarketOrder(ctx context.Context, req MarketOrderRequest, price float64) (map[string]interface{}, error)
}

// Client CLOB REST 客户端
// 同时实现 PriceSource、HealthChecker 与 Executor
type Client struct {
	http             *resty.Client
	creds            APICredentials
	signer           OrderSigner
	maxHealthySpread float64
	orderLimiter     ratelimit.RateLimiter
}

// NewClient 创建客户端
// maxHealthySpread <= 0 时使用默认值 0.15
func NewClient(baseURL string, creds APICredentials, signer OrderSigner, maxHealthySpread float64) *Client {
	if baseURL == "" {
		baseURL = defaultCLOBBase
	}
	if maxHealthySpread <= 0 {
		maxHealthySpread = 0.15
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")
	return &Client{
		http:             httpClient,
		creds:            creds,
		signer:           signer,
		maxHealthySpread: maxHealthySpread,
	}
}

// SetOrderLimiter 设置下单接口限速器
func (c *Client) SetOrderLimiter(rl ratelimit.RateLimiter) {
	c.orderLimiter = rl
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponse struct {
	Bids []bookLevel `json:"bids"`
	Asks []bookLevel `json:"asks"`
}

// book 拉取订单簿并返回最优买卖价
// CLOB 的 bids/asks 均按价格升序返回，best bid 在尾部，best ask 在头部
func (c *Client) book(ctx context.Context, tokenID string) (bestBid, bestAsk decimal.Decimal, hasBid, hasAsk bool, err error) {
	var resp bookResponse
	r, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&resp).
		Get("/book")
	if err != nil {
		return decimal.Zero, decimal.Zero, false, false, errors.Wrap(err, "fetch orderbook")
	}
	if r.StatusCode() != http.StatusOK {
		return decimal.Zero, decimal.Zero, false, false, errors.Errorf("fetch orderbook: http %d", r.StatusCode())
	}

	if n := len(resp.Bids); n > 0 {
		bestBid, err = decimal.NewFromString(resp.Bids[n-1].Price)
		if err != nil {
			return decimal.Zero, decimal.Zero, false, false, errors.Wrap(err, "parse best bid")
		}
		hasBid = true
	}
	if len(resp.Asks) > 0 {
		bestAsk, err = decimal.NewFromString(resp.Asks[0].Price)
		if err != nil {
			return decimal.Zero, decimal.Zero, false, false, errors.Wrap(err, "parse best ask")
		}
		hasAsk = true
	}
	return bestBid, bestAsk, hasBid, hasAsk, nil
}

// Price 当前参考价
// 盘口完整且价差 <= 0.10 时取中间价，否则取最新成交价
func (c *Client) Price(ctx context.Context, tokenID string) (float64, error) {
	bid, ask, hasBid, hasAsk, err := c.book(ctx, tokenID)
	if err == nil && hasBid && hasAsk {
		spread := ask.Sub(bid)
		if spread.LessThanOrEqual(decimal.NewFromFloat(midpointMaxSpread)) {
			mid, _ := bid.Add(ask).Div(decimal.NewFromInt(2)).Float64()
			return mid, nil
		}
	}
	return c.lastTradePrice(ctx, tokenID)
}

func (c *Client) lastTradePrice(ctx context.Context, tokenID string) (float64, error) {
	var resp struct {
		Price string `json:"price"`
	}
	r, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&resp).
		Get("/last-trade-price")
	if err != nil {
		return 0, errors.Wrap(err, "fetch last trade price")
	}
	if r.StatusCode() != http.StatusOK {
		return 0, errors.Errorf("fetch last trade price: http %d", r.StatusCode())
	}
	d, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return 0, errors.Wrap(err, "parse last trade price")
	}
	p, _ := d.Float64()
	return p, nil
}

// OrderbookHealth 下单前置检查
func (c *Client) OrderbookHealth(ctx context.Context, tokenID string) (*OrderbookHealth, error) {
	bid, ask, hasBid, hasAsk, err := c.book(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	h := &OrderbookHealth{}
	if !hasBid || !hasAsk {
		h.Reason = "empty side"
		return h, nil
	}

	h.BestBid, _ = bid.Float64()
	h.BestAsk, _ = ask.Float64()
	h.Spread, _ = ask.Sub(bid).Float64()

	if h.Spread > c.maxHealthySpread {
		h.Reason = fmt.Sprintf("spread %.4f > %.4f", h.Spread, c.maxHealthySpread)
		return h, nil
	}
	h.Healthy = true
	return h, nil
}

// Balance 查询可用 USDC 余额
func (c *Client) Balance(ctx context.Context) (float64, error) {
	path := "/balance-allowance"
	headers, err := l2Headers(c.creds, http.MethodGet, path, "")
	if err != nil {
		return 0, err
	}

	var resp struct {
		Balance string `json:"balance"`
	}
	r, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"asset_type":     "COLLATERAL",
			"signature_type": "0",
		}).
		SetResult(&resp).
		Get(path)
	if err != nil {
		return 0, errors.Wrap(err, "fetch balance")
	}
	if r.StatusCode() != http.StatusOK {
		return 0, errors.Errorf("fetch balance: http %d", r.StatusCode())
	}

	raw, err := decimal.NewFromString(resp.Balance)
	if err != nil {
		return 0, errors.Wrap(err, "parse balance")
	}
	// 余额按 6 位小数的最小单位返回
	bal, _ := raw.Div(decimal.NewFromInt(1_000_000)).Float64()
	return bal, nil
}

// TokenBalance 查询 conditional token 的持仓份额
func (c *Client) TokenBalance(ctx context.Context, tokenID string) (float64, error) {
	path := "/balance-allowance"
	headers, err := l2Headers(c.creds, http.MethodGet, path, "")
	if err != nil {
		return 0, err
	}

	var resp struct {
		Balance string `json:"balance"`
	}
	r, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"asset_type":     "CONDITIONAL",
			"token_id":       tokenID,
			"signature_type": "0",
		}).
		SetResult(&resp).
		Get(path)
	if err != nil {
		return 0, errors.Wrap(err, "fetch token balance")
	}
	if r.StatusCode() != http.StatusOK {
		return 0, errors.Errorf("fetch token balance: http %d", r.StatusCode())
	}

	raw, err := decimal.NewFromString(resp.Balance)
	if err != nil {
		return 0, errors.Wrap(err, "parse token balance")
	}
	// 份额同样按 6 位小数的最小单位返回
	bal, _ := raw.Div(decimal.NewFromInt(1_000_000)).Float64()
	return bal, nil
}

type orderResponse struct {
	Success      bool   `json:"success"`
	OrderID      string `json:"orderID"`
	ErrorMsg     string `json:"errorMsg"`
	Status       string `json:"status"`
	MakingAmount string `json:"makingAmount"`
	TakingAmount string `json:"takingAmount"`
}

// PlaceMarketOrder 提交市价单
// 重试最多 4 次（退避 0.2s*1.5^n 加抖动），余额类错误立即终止
func (c *Client) PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (*OrderResult, error) {
	health, err := c.OrderbookHealth(ctx, req.TokenID)
	if err != nil {
		return nil, err
	}
	if !health.Healthy {
		return nil, errors.Wrapf(ErrOrderbookUnhealthy, "%s", health.Reason)
	}

	if req.Side == domain.SideBuy {
		bal, err := c.Balance(ctx)
		if err != nil {
			return nil, err
		}
		if bal < req.AmountUSD {
			return nil, errors.Wrapf(ErrInsufficientBalance, "balance %.2f < %.2f", bal, req.AmountUSD)
		}
	}

	refPrice, err := c.Price(ctx, req.TokenID)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < maxOrderAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(baseRetryDelay)*math.Pow(retryGrowth, float64(attempt))) +
				time.Duration(rand.Int63n(int64(maxRetryJitter)))
			log.Warnf("⏳ 下单重试 %d/%d，等待 %v: %v", attempt+1, maxOrderAttempts, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if c.orderLimiter != nil {
			if err := c.orderLimiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		result, err := c.submitOrder(ctx, req, refPrice)
		if err == nil {
			return result, nil
		}
		if IsNonRetryable(err) {
			log.Errorf("🚫 余额/授权错误，停止重试: %v", err)
			return nil, err
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "place market order: %d attempts failed", maxOrderAttempts)
}

func (c *Client) submitOrder(ctx context.Context, req MarketOrderRequest, refPrice float64) (*OrderResult, error) {
	if c.signer == nil {
		return nil, errors.New("order signer not configured")
	}

	payload, err := c.signer.SignMarketOrder(ctx, req, refPrice)
	if err != nil {
		return nil, errors.Wrap(err, "sign order")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal order")
	}

	path := "/order"
	headers, err := l2Headers(c.creds, http.MethodPost, path, string(body))
	if err != nil {
		return nil, err
	}

	var resp orderResponse
	r, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		SetResult(&resp).
		SetError(&resp).
		Post(path)
	if err != nil {
		return nil, errors.Wrap(err, "submit order")
	}
	if r.StatusCode() != http.StatusOK || !resp.Success {
		msg := resp.ErrorMsg
		if msg == "" {
			msg = fmt.Sprintf("http %d", r.StatusCode())
		}
		return nil, errors.Errorf("order rejected: %s", msg)
	}

	result := &OrderResult{
		Success: true,
		OrderID: resp.OrderID,
	}
	making, _ := decimal.NewFromString(resp.MakingAmount)
	taking, _ := decimal.NewFromString(resp.TakingAmount)
	if req.Side == domain.SideBuy {
		// BUY: making=支付的 USDC，taking=获得的份额
		result.AmountUSD, _ = making.Float64()
		result.Shares, _ = taking.Float64()
	} else {
		result.AmountUSD, _ = taking.Float64()
		result.Shares, _ = making.Float64()
	}
	if result.Shares > 0 && result.AmountUSD > 0 {
		result.Price = result.AmountUSD / result.Shares
	} else {
		result.Price = refPrice
	}
	if result.AmountUSD == 0 {
		result.AmountUSD = req.AmountUSD
	}

	log.Infof("📤 市价单成交: %s %s price=%.4f shares=%.4f usd=%.2f order=%s",
		req.Side, req.TokenID[:min(10, len(req.TokenID))], result.Price, result.Shares, result.AmountUSD, result.OrderID)
	return result, nil
}
