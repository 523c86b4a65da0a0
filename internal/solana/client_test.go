package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/solbot/internal/domain"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode 按方法名返回预设结果；status != 0 时直接返回该 HTTP 状态码
func fakeNode(t *testing.T, results map[string]any, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if res, ok := results[req.Method]; ok {
			resp["result"] = res
		} else {
			resp["error"] = map[string]any{"code": -32005, "message": "node is unhealthy"}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialTest(t *testing.T, url string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), Config{URL: url, Timeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestGetBalance(t *testing.T) {
	srv := fakeNode(t, map[string]any{
		"getBalance": map[string]any{"context": map[string]any{"slot": 1}, "value": 2_500_000_000},
	}, 0)
	c := dialTest(t, srv.URL)

	bal, err := c.GetBalance(context.Background(), "addr")
	require.NoError(t, err)
	assert.Equal(t, uint64(2_500_000_000), bal.Lamports)
	assert.Equal(t, "2.5", bal.SOL().String())
}

func TestSignaturesAndTransaction(t *testing.T) {
	srv := fakeNode(t, map[string]any{
		"getSignaturesForAddress": []map[string]any{{"signature": "sig1", "slot": 10}},
		"getTransaction": map[string]any{
			"slot": 10,
			"meta": map[string]any{"logMessages": []string{"Program log: Instruction: Swap"}},
		},
	}, 0)
	c := dialTest(t, srv.URL)

	sigs, err := c.GetSignaturesForAddress(context.Background(), "trader", 1)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, "sig1", sigs[0].Signature)

	tx, err := c.GetTransaction(context.Background(), "sig1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Program log: Instruction: Swap"}, tx.Logs())
}

func TestTransientClassification(t *testing.T) {
	t.Run("unhealthy node", func(t *testing.T) {
		c := dialTest(t, fakeNode(t, nil, 0).URL)
		_, err := c.GetBalance(context.Background(), "addr")
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrTransientRPC)
		assert.Equal(t, domain.KindTransient, domain.KindOf(err))
	})

	t.Run("http 503", func(t *testing.T) {
		c := dialTest(t, fakeNode(t, nil, http.StatusServiceUnavailable).URL)
		_, err := c.GetBalance(context.Background(), "addr")
		assert.ErrorIs(t, err, domain.ErrTransientRPC)
	})

	t.Run("http 400 is permanent", func(t *testing.T) {
		c := dialTest(t, fakeNode(t, nil, http.StatusBadRequest).URL)
		_, err := c.GetBalance(context.Background(), "addr")
		require.Error(t, err)
		assert.NotEqual(t, domain.KindTransient, domain.KindOf(err))
	})
}
