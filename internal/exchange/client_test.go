package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBookServer(t *testing.T, bids, asks []bookLevel, lastTrade string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/book", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("token_id"))
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, bookResponse{Bids: bids, Asks: asks})
	})
	mux.HandleFunc("/last-trade-price", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"price":"` + lastTrade + `"}`))
	})
	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	b, _ := json.Marshal(v)
	w.Write(b)
}

// 价差窄时取盘口中间价
func TestPriceUsesMidpointOnTightSpread(t *testing.T) {
	srv := newBookServer(t,
		[]bookLevel{{Price: "0.40", Size: "100"}, {Price: "0.48", Size: "50"}},
		[]bookLevel{{Price: "0.52", Size: "50"}, {Price: "0.60", Size: "100"}},
		"0.99")
	defer srv.Close()

	c := NewClient(srv.URL, APICredentials{}, nil, 0.15)
	price, err := c.Price(context.Background(), "tok")
	require.NoError(t, err)
	assert.InDelta(t, 0.50, price, 1e-9) // (0.48+0.52)/2
}

// 价差超过 0.10 时回退最新成交价
func TestPriceFallsBackToLastTrade(t *testing.T) {
	srv := newBookServer(t,
		[]bookLevel{{Price: "0.30", Size: "100"}},
		[]bookLevel{{Price: "0.70", Size: "100"}},
		"0.55")
	defer srv.Close()

	c := NewClient(srv.URL, APICredentials{}, nil, 0.15)
	price, err := c.Price(context.Background(), "tok")
	require.NoError(t, err)
	assert.InDelta(t, 0.55, price, 1e-9)
}

func TestOrderbookHealth(t *testing.T) {
	srv := newBookServer(t,
		[]bookLevel{{Price: "0.48", Size: "100"}},
		[]bookLevel{{Price: "0.52", Size: "100"}},
		"0.50")
	defer srv.Close()

	c := NewClient(srv.URL, APICredentials{}, nil, 0.15)
	h, err := c.OrderbookHealth(context.Background(), "tok")
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.InDelta(t, 0.04, h.Spread, 1e-9)
}

func TestOrderbookHealthWideSpread(t *testing.T) {
	srv := newBookServer(t,
		[]bookLevel{{Price: "0.20", Size: "100"}},
		[]bookLevel{{Price: "0.80", Size: "100"}},
		"0.50")
	defer srv.Close()

	c := NewClient(srv.URL, APICredentials{}, nil, 0.15)
	h, err := c.OrderbookHealth(context.Background(), "tok")
	require.NoError(t, err)
	assert.False(t, h.Healthy)
	assert.Contains(t, h.Reason, "spread")
}

func TestOrderbookHealthEmptySide(t *testing.T) {
	srv := newBookServer(t, nil, []bookLevel{{Price: "0.52", Size: "100"}}, "0.50")
	defer srv.Close()

	c := NewClient(srv.URL, APICredentials{}, nil, 0.15)
	h, err := c.OrderbookHealth(context.Background(), "tok")
	require.NoError(t, err)
	assert.False(t, h.Healthy)
	assert.Equal(t, "empty side", h.Reason)
}

// 订单簿不健康时下单被前置检查拦截，不会提交
func TestPlaceMarketOrderBlockedByHealth(t *testing.T) {
	srv := newBookServer(t,
		[]bookLevel{{Price: "0.20", Size: "100"}},
		[]bookLevel{{Price: "0.80", Size: "100"}},
		"0.50")
	defer srv.Close()

	c := NewClient(srv.URL, APICredentials{}, nil, 0.15)
	_, err := c.PlaceMarketOrder(context.Background(), MarketOrderRequest{TokenID: "tok", Side: "BUY", AmountUSD: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrderbookUnhealthy)
}

func TestL2HeadersComplete(t *testing.T) {
	creds := APICredentials{
		Address:    "0xabc",
		APIKey:     "key",
		Secret:     "c2VjcmV0LXNlY3JldC1zZWNyZXQ=", // base64url
		Passphrase: "pass",
	}
	h, err := l2Headers(creds, http.MethodPost, "/order", `{"a":1}`)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", h["POLY_ADDRESS"])
	assert.Equal(t, "key", h["POLY_API_KEY"])
	assert.NotEmpty(t, h["POLY_SIGNATURE"])
	assert.NotEmpty(t, h["POLY_TIMESTAMP"])
}
