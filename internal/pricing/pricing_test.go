package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/solbot/internal/domain"
)

func jsonServer(t *testing.T, status int, body string, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func bounds() OracleConfig {
	return OracleConfig{TTL: time.Minute, Min: decimal.NewFromInt(1), Max: decimal.NewFromInt(10000)}
}

func TestOraclePrimary(t *testing.T) {
	var hits int32
	cg := jsonServer(t, 200, `{"solana":{"usd":142.5}}`, &hits)
	bn := jsonServer(t, 200, `{"symbol":"SOLUSDT","price":"150.00"}`, nil)

	now := time.Unix(1_700_000_000, 0)
	o := NewOracle(bounds(), NewCoinGecko(cg.URL), NewBinance(bn.URL)).WithClock(func() time.Time { return now })

	p, err := o.SOLPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "142.5", p.String())

	// 缓存命中
	_, err = o.SOLPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	// 过期后重新查询
	now = now.Add(61 * time.Second)
	_, err = o.SOLPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestOracleFallsBackOnFailureOrImplausible(t *testing.T) {
	bn := jsonServer(t, 200, `{"symbol":"SOLUSDT","price":"150.00"}`, nil)

	t.Run("primary 500", func(t *testing.T) {
		cg := jsonServer(t, 500, `oops`, nil)
		p, err := NewOracle(bounds(), NewCoinGecko(cg.URL), NewBinance(bn.URL)).SOLPrice(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "150", p.String())
	})

	t.Run("primary implausible", func(t *testing.T) {
		cg := jsonServer(t, 200, `{"solana":{"usd":0.01}}`, nil)
		p, err := NewOracle(bounds(), NewCoinGecko(cg.URL), NewBinance(bn.URL)).SOLPrice(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "150", p.String())
	})

	t.Run("both fail", func(t *testing.T) {
		cg := jsonServer(t, 200, `{"solana":{"usd":20000}}`, nil)
		bad := jsonServer(t, 503, `down`, nil)
		_, err := NewOracle(bounds(), NewCoinGecko(cg.URL), NewBinance(bad.URL)).SOLPrice(context.Background())
		assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
	})
}

func TestRouteFinder(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		srv := jsonServer(t, 200, `{"success":true,"data":{"count":1,"data":[{"id":"pool123","type":"Standard"}]}}`, nil)
		route, err := NewRouteFinder(srv.URL, "So11111111111111111111111111111111111111112").FindRoute(context.Background(), "TokenMint")
		require.NoError(t, err)
		assert.Equal(t, "raydium:pool123", route)
	})

	t.Run("no pools", func(t *testing.T) {
		srv := jsonServer(t, 200, `{"success":true,"data":{"count":0,"data":[]}}`, nil)
		_, err := NewRouteFinder(srv.URL, "quote").FindRoute(context.Background(), "TokenMint")
		assert.ErrorIs(t, err, domain.ErrNoLiquidityRoute)
	})

	t.Run("upstream 502 is transient", func(t *testing.T) {
		srv := jsonServer(t, 502, `bad gateway`, nil)
		_, err := NewRouteFinder(srv.URL, "quote").FindRoute(context.Background(), "TokenMint")
		require.Error(t, err)
		assert.Equal(t, domain.KindTransient, domain.KindOf(err))
	})
}
