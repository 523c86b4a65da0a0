// Package solana 通过 JSON-RPC 2.0 访问 Solana 节点（复用 go-ethereum 的通用 rpc 客户端）
package solana

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	pkgerrors "github.com/pkg/errors"

	"github.com/betbot/solbot/internal/domain"
	"github.com/betbot/solbot/pkg/ratelimit"
)

// Config RPC 客户端配置
type Config struct {
	URL            string
	Timeout        time.Duration
	RequestsPerSec float64
}

// Client Solana JSON-RPC 客户端
type Client struct {
	rpc     *gethrpc.Client
	limiter ratelimit.RateLimiter
	timeout time.Duration
}

// Dial 建立 RPC 连接（HTTP 为惰性连接，不会立即发请求）
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("未配置 Solana RPC 地址")
	}
	c, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "连接 Solana 节点失败")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		rpc:     c,
		limiter: ratelimit.NewLimiter(cfg.RequestsPerSec, 1),
		timeout: timeout,
	}, nil
}

// Close 释放连接
func (c *Client) Close() {
	if c.rpc != nil {
		c.rpc.Close()
	}
}

type balanceResult struct {
	Value uint64 `json:"value"`
}

// GetBalance 查询地址余额（lamports）
func (c *Client) GetBalance(ctx context.Context, address string) (domain.Balance, error) {
	var res balanceResult
	if err := c.call(ctx, &res, "getBalance", address, map[string]string{"commitment": "confirmed"}); err != nil {
		return domain.Balance{}, err
	}
	return domain.Balance{Lamports: res.Value}, nil
}

// SignatureInfo getSignaturesForAddress 的单条结果
type SignatureInfo struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	Err       any    `json:"err"`
	BlockTime *int64 `json:"blockTime"`
}

// GetSignaturesForAddress 按时间倒序返回最近的交易签名
func (c *Client) GetSignaturesForAddress(ctx context.Context, address string, limit int) ([]SignatureInfo, error) {
	if limit <= 0 {
		limit = 1
	}
	var res []SignatureInfo
	if err := c.call(ctx, &res, "getSignaturesForAddress", address, map[string]int{"limit": limit}); err != nil {
		return nil, err
	}
	return res, nil
}

// Transaction 只保留跟单需要的字段
type Transaction struct {
	Slot uint64           `json:"slot"`
	Meta *TransactionMeta `json:"meta"`
}

// TransactionMeta 交易执行结果
type TransactionMeta struct {
	Err         any      `json:"err"`
	LogMessages []string `json:"logMessages"`
}

// Logs 交易日志（可能为空）
func (t *Transaction) Logs() []string {
	if t == nil || t.Meta == nil {
		return nil
	}
	return t.Meta.LogMessages
}

// GetTransaction 查询交易详情；节点返回 null 时结果为 nil
func (c *Client) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	var res *Transaction
	opts := map[string]any{"encoding": "json", "maxSupportedTransactionVersion": 0}
	if err := c.call(ctx, &res, "getTransaction", signature, opts); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) call(ctx context.Context, out any, method string, args ...any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.WrapError(domain.KindTransient, domain.ErrTransientRPC.Msg, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.rpc.CallContext(ctx, out, method, args...); err != nil {
		return classify(method, err)
	}
	return nil
}

// classify 把 RPC 错误归类：网络 / 超时 / 5xx / 429 / 节点繁忙 为暂时性错误
func classify(method string, err error) error {
	if IsTransient(err) {
		return domain.WrapError(domain.KindTransient, domain.ErrTransientRPC.Msg, pkgerrors.Wrap(err, method))
	}
	return pkgerrors.Wrap(err, method)
}

// Solana 节点繁忙 / 不健康 / 限流相关错误码
var transientCodes = map[int]bool{
	-32004: true, // block not available
	-32005: true, // node unhealthy
	-32007: true, // slot skipped
	-32014: true, // block status not available yet
	429:    true,
}

// IsTransient 判断错误是否可重试
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return transientCodes[rpcErr.ErrorCode()]
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return domain.KindOf(err) == domain.KindTransient
}
