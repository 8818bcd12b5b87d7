package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

const defaultGammaBase = "https://gamma-api.polymarket.com"

// MarketInfo gamma 市场元数据（按 outcome 对齐的 token 列表）
type MarketInfo struct {
	Slug        string
	ConditionID string
	Question    string
	Outcomes    []string
	TokenIDs    []string
	Active      bool
	Closed      bool
}

// TokenFor 按 outcome 名称查找 token ID
func (m *MarketInfo) TokenFor(outcome string) (string, bool) {
	for i, o := range m.Outcomes {
		if o == outcome && i < len(m.TokenIDs) {
			return m.TokenIDs[i], true
		}
	}
	return "", false
}

// GammaClient gamma API 客户端，负责 slug -> token 解析
type GammaClient struct {
	http *resty.Client
}

// NewGammaClient 创建 gamma 客户端
func NewGammaClient(baseURL string) *GammaClient {
	if baseURL == "" {
		baseURL = defaultGammaBase
	}
	return &GammaClient{
		http: resty.New().SetBaseURL(baseURL).SetTimeout(10 * time.Second),
	}
}

type gammaMarket struct {
	Slug         string `json:"slug"`
	ConditionID  string `json:"conditionId"`
	Question     string `json:"question"`
	Outcomes     string `json:"outcomes"`     // JSON 编码的字符串数组
	ClobTokenIDs string `json:"clobTokenIds"` // 同上
	Active       bool   `json:"active"`
	Closed       bool   `json:"closed"`
}

// ResolveMarket 按 slug 解析市场，返回 token 列表
func (g *GammaClient) ResolveMarket(ctx context.Context, slug string) (*MarketInfo, error) {
	var markets []gammaMarket
	r, err := g.http.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&markets).
		Get("/markets")
	if err != nil {
		return nil, errors.Wrap(err, "query gamma")
	}
	if r.StatusCode() != http.StatusOK {
		return nil, errors.Errorf("query gamma: http %d", r.StatusCode())
	}
	if len(markets) == 0 {
		return nil, errors.Errorf("market not found: %s", slug)
	}

	m := markets[0]
	info := &MarketInfo{
		Slug:        m.Slug,
		ConditionID: m.ConditionID,
		Question:    m.Question,
		Active:      m.Active,
		Closed:      m.Closed,
	}
	// outcomes 与 clobTokenIds 是双重编码的 JSON 字符串
	if err := json.Unmarshal([]byte(m.Outcomes), &info.Outcomes); err != nil {
		return nil, errors.Wrap(err, "parse outcomes")
	}
	if err := json.Unmarshal([]byte(m.ClobTokenIDs), &info.TokenIDs); err != nil {
		return nil, errors.Wrap(err, "parse clob token ids")
	}
	if len(info.TokenIDs) == 0 {
		return nil, errors.Errorf("market %s has no tokens", slug)
	}

	log.Infof("🔍 市场解析成功: %s outcomes=%v", slug, info.Outcomes)
	return info, nil
}
