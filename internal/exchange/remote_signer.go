package exchange

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// RemoteSigner 委托外部签名服务构造订单负载
// 私钥保留在独立的签名进程里，交易进程只拿到签好名的订单
type RemoteSigner struct {
	http *resty.Client
}

// NewRemoteSigner 创建远程签名客户端
func NewRemoteSigner(baseURL string) *RemoteSigner {
	return &RemoteSigner{
		http: resty.New().SetBaseURL(baseURL).SetTimeout(5 * time.Second),
	}
}

type signRequest struct {
	TokenID   string  `json:"token_id"`
	Side      string  `json:"side"`
	AmountUSD float64 `json:"amount_usd"`
	Shares    float64 `json:"shares"`
	Price     float64 `json:"price"`
}

// SignMarketOrder 请求签名服务生成可提交的订单负载
func (s *RemoteSigner) SignMarketOrder(ctx context.Context, req MarketOrderRequest, price float64) (map[string]interface{}, error) {
	var payload map[string]interface{}
	r, err := s.http.R().
		SetContext(ctx).
		SetBody(signRequest{
			TokenID:   req.TokenID,
			Side:      string(req.Side),
			AmountUSD: req.AmountUSD,
			Shares:    req.Shares,
			Price:     price,
		}).
		SetResult(&payload).
		Post("/sign/market-order")
	if err != nil {
		return nil, errors.Wrap(err, "call signer service")
	}
	if r.StatusCode() != http.StatusOK {
		return nil, errors.Errorf("signer service: http %d: %s", r.StatusCode(), r.String())
	}
	if len(payload) == 0 {
		return nil, errors.New("signer service returned empty payload")
	}
	return payload, nil
}
