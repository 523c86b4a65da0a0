// Package restclient 封装 resty，供价格/流动性等 REST 查询使用
package restclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// StatusError 非 2xx 响应
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http non-2xx: status=%d body=%s", e.StatusCode, e.Body)
}

// Temporary 429 与 5xx 视为暂时性错误
func (e *StatusError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

type Client struct {
	client *resty.Client
}

type Options struct {
	Timeout    time.Duration
	RetryCount int // 0 = 不重试（由调用方决定重试策略）
	UserAgent  string
}

func NewClient(host string, opts Options) *Client {
	host = strings.TrimSuffix(host, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "solbot/1.0"
	}

	// resty 会自动从环境变量读取代理配置（HTTP_PROXY, HTTPS_PROXY）
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", opts.UserAgent).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 如果遇到 429 限流，使用 Retry-After 头
			if resp != nil && resp.StatusCode() == 429 {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if d, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return d, nil
					}
				}
				return 5 * time.Second, nil
			}
			return 0, nil
		})

	return &Client{client: client}
}

// GetJSON 发送 GET 请求并把 JSON 响应解码到 out
func (c *Client) GetJSON(ctx context.Context, endpoint string, params map[string]string, out any) error {
	r := c.client.R()
	if ctx != nil {
		r.SetContext(ctx)
	}
	if len(params) > 0 {
		r.SetQueryParams(params)
	}
	resp, err := r.Get(endpoint)
	if err != nil {
		return errors.Wrapf(err, "GET %s", endpoint)
	}
	if !resp.IsSuccess() {
		body := string(resp.Body())
		if len(body) > 200 {
			body = body[:200] + "..."
		}
		return &StatusError{StatusCode: resp.StatusCode(), Body: body}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return errors.Wrapf(err, "decode %s", endpoint)
	}
	return nil
}
