package router

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Conn 事件流连接
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer 建立事件流连接
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer 基于 gorilla/websocket
//
// 连接建立后每 PingInterval 发送一次 ping；收到 pong 或数据会延长读超时，
// 超过 PingInterval+PongTimeout 没有任何响应时 ReadMessage 返回错误，触发重连。
type WSDialer struct {
	HandshakeTimeout time.Duration
	ProxyURL         string
	PingInterval     time.Duration // 默认 20s
	PongTimeout      time.Duration // 默认 10s
}

func (d WSDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   4096,
		WriteBufferSize:  1024,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	if d.ProxyURL != "" {
		proxyURL, err := url.Parse(d.ProxyURL)
		if err != nil {
			return nil, errors.Wrap(err, "无效的代理 URL")
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	headers := make(http.Header)
	headers.Set("User-Agent", "solbot/1.0")
	conn, _, err := dialer.DialContext(ctx, rawURL, headers)
	if err != nil {
		return nil, errors.Wrapf(err, "连接 %s 失败", rawURL)
	}
	ping, pong := d.PingInterval, d.PongTimeout
	if ping <= 0 {
		ping = 20 * time.Second
	}
	if pong <= 0 {
		pong = 10 * time.Second
	}
	c := &wsConn{conn: conn, idle: ping + pong, stop: make(chan struct{})}
	c.extend()
	conn.SetPongHandler(func(string) error {
		c.extend()
		return nil
	})
	go c.pingLoop(ping, pong)
	return c, nil
}

type wsConn struct {
	conn     *websocket.Conn
	idle     time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// extend 把读超时推迟到 now + idle
func (c *wsConn) extend() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.idle))
}

func (c *wsConn) pingLoop(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			// WriteControl 可以和其他写操作并发调用
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.extend()
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}
