package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/solbot/internal/domain"
	"github.com/betbot/solbot/internal/notify"
	"github.com/betbot/solbot/internal/session"
	"github.com/betbot/solbot/internal/trade"
)

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()
	tests := []struct {
		k    int
		want time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 7500 * time.Millisecond},
		{3, 11250 * time.Millisecond},
		{4, 16875 * time.Millisecond},
		{8, 60 * time.Second}, // 5*1.5^7 ≈ 85s，截断
		{1000, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.k), "k=%d", tt.k)
	}
	for k := 1; k < 50; k++ {
		d := b.Delay(k)
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 60*time.Second)
	}
}

// scriptedConn 依次返回预设消息，之后返回错误
type scriptedConn struct {
	msgs   chan []byte
	closed chan struct{}
	once   sync.Once
	writes atomic.Int32
}

func newScriptedConn(msgs ...string) *scriptedConn {
	c := &scriptedConn{msgs: make(chan []byte, len(msgs)), closed: make(chan struct{})}
	for _, m := range msgs {
		c.msgs <- []byte(m)
	}
	close(c.msgs)
	return c
}

func (c *scriptedConn) ReadMessage() ([]byte, error) {
	m, ok := <-c.msgs
	if !ok {
		return nil, errors.New("connection reset")
	}
	return m, nil
}

func (c *scriptedConn) WriteMessage([]byte) error {
	c.writes.Add(1)
	return nil
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// scriptedDialer 按顺序返回连接或错误
type scriptedDialer struct {
	mu    sync.Mutex
	steps []func() (Conn, error)
	dials int
}

func (d *scriptedDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.steps) == 0 {
		return nil, errors.New("refused")
	}
	step := d.steps[0]
	d.steps = d.steps[1:]
	return step()
}

func fail() (Conn, error) { return nil, errors.New("refused") }

type recordingExec struct {
	mu      sync.Mutex
	reqs    []trade.Request
	failFor map[domain.UserID]bool
	block   chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
}

func (e *recordingExec) Execute(ctx context.Context, req trade.Request) (domain.TradeRecord, error) {
	n := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
		}
	}
	e.mu.Lock()
	e.reqs = append(e.reqs, req)
	e.mu.Unlock()
	if e.failFor[req.UserID] {
		return domain.TradeRecord{}, domain.ErrInsufficientFunds
	}
	return domain.TradeRecord{UserID: req.UserID, Token: req.Token, Amount: req.Amount}, nil
}

func (e *recordingExec) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.reqs)
}

func TestBackoffResetsAfterSuccessfulConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := &scriptedDialer{steps: []func() (Conn, error){
		fail,
		fail,
		func() (Conn, error) { return newScriptedConn(), nil }, // 连上后立即断开
		fail,
	}}
	r := New(Config{URL: "ws://feed"}, dialer, session.New(nil), &recordingExec{}, nil)

	var mu sync.Mutex
	var sleeps []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		sleeps = append(sleeps, d)
		if len(sleeps) == 4 {
			cancel()
			return context.Canceled
		}
		return nil
	}

	r.Run(ctx)
	assert.Equal(t, []time.Duration{
		5 * time.Second,
		7500 * time.Millisecond,
		5 * time.Second, // 成功连接后复位
		7500 * time.Millisecond,
	}, sleeps)
	assert.Equal(t, StateDisconnected, r.State())
	assert.Equal(t, int64(4), r.Reconnects())
}

func TestMalformedEventDoesNotStopRouting(t *testing.T) {
	state := session.New(nil)
	state.Subscribe(1, domain.TriggerPump)
	state.Subscribe(2, domain.TriggerMoonshot)

	conn := newScriptedConn(
		`{not json`,
		`{"message":"Successfully subscribed"}`,
		`{"type":"new_pool","token":"MintAAA"}`,
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dialer := &scriptedDialer{steps: []func() (Conn, error){func() (Conn, error) { return conn, nil }}}

	exec := &recordingExec{}
	out := notify.NewOutbox(10)
	r := New(Config{URL: "ws://feed", SnipeAmount: decimal.RequireFromString("1.0"), SubscribeMessage: `{"type":"subscribe","channel":"new_pools"}`},
		dialer, state, exec, out)
	r.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	r.Run(ctx)

	assert.Equal(t, int64(1), r.ParseFailures())
	require.Equal(t, 1, exec.count())
	assert.Equal(t, domain.UserID(1), exec.reqs[0].UserID)
	assert.Equal(t, "MintAAA", exec.reqs[0].Token)
	assert.Equal(t, domain.SourceTrigger, exec.reqs[0].Source)
	assert.Equal(t, "1", exec.reqs[0].Amount.String())
	assert.Equal(t, int32(1), conn.writes.Load())

	obs := r.Observed(10)
	require.Len(t, obs, 1)
	assert.Equal(t, "MintAAA", obs[0].Token)

	msgs := out.Drain(1)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "Sniped")
}

func TestPerUserFailureIsIsolated(t *testing.T) {
	state := session.New(nil)
	for uid := domain.UserID(1); uid <= 3; uid++ {
		state.Subscribe(uid, domain.TriggerPump)
	}
	exec := &recordingExec{failFor: map[domain.UserID]bool{2: true}}
	out := notify.NewOutbox(10)
	r := New(Config{}, nil, state, exec, out)

	r.handle(context.Background(), []byte(`{"txType":"create","mint":"MintB","symbol":"BBB"}`))
	r.wg.Wait()

	assert.Equal(t, 3, exec.count())
	assert.Equal(t, 1, out.Pending(1))
	assert.Equal(t, 0, out.Pending(2))
	assert.Equal(t, 1, out.Pending(3))
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	state := session.New(nil)
	for uid := domain.UserID(1); uid <= 20; uid++ {
		state.Subscribe(uid, domain.TriggerPump)
	}
	exec := &recordingExec{block: make(chan struct{})}
	r := New(Config{Workers: 3}, nil, state, exec, nil)

	done := make(chan struct{})
	go func() {
		r.handle(context.Background(), []byte(`{"type":"new_pool","token":"T"}`))
		close(done)
	}()

	assert.Eventually(t, func() bool { return exec.active.Load() == 3 }, time.Second, 5*time.Millisecond)
	close(exec.block)
	<-done
	r.wg.Wait()

	assert.Equal(t, 20, exec.count())
	assert.LessOrEqual(t, exec.peak.Load(), int32(3))
}

func TestObservedIsBounded(t *testing.T) {
	r := New(Config{ObservedSize: 2}, nil, session.New(nil), &recordingExec{}, nil)
	for _, tok := range []string{"A", "B", "C"} {
		r.handle(context.Background(), []byte(`{"type":"new_pool","token":"`+tok+`"}`))
	}
	obs := r.Observed(0)
	require.Len(t, obs, 2)
	assert.Equal(t, "C", obs[0].Token)
	assert.Equal(t, "B", obs[1].Token)
}

func TestWebsocketFeedEndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- string(msg)
		_ = c.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"new_pool","token":"MintWS"}`))
		// 保持连接直到客户端关闭
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	state := session.New(nil)
	state.Subscribe(5, domain.TriggerPump)
	exec := &recordingExec{}
	r := New(Config{
		URL:              "ws" + strings.TrimPrefix(srv.URL, "http"),
		SubscribeMessage: `{"type":"subscribe","channel":"new_pools"}`,
	}, WSDialer{HandshakeTimeout: time.Second}, state, exec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(finished)
	}()

	select {
	case msg := <-subscribed:
		assert.JSONEq(t, `{"type":"subscribe","channel":"new_pools"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe message")
	}
	assert.Eventually(t, func() bool { return exec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), r.ParseFailures())
	assert.Equal(t, StateConnected, r.State())

	cancel()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("router did not stop")
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketSilentPeerTimesOut(t *testing.T) {
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer c.Close()
		// 不读取，因此也不会回复 pong
		<-release
	}))
	defer srv.Close()
	defer close(release)

	d := WSDialer{HandshakeTimeout: time.Second, PingInterval: 50 * time.Millisecond, PongTimeout: 50 * time.Millisecond}
	conn, err := d.Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.ReadMessage()
		errCh <- err
	}()
	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("半开连接上的读取没有超时")
	}
}

func TestWebsocketPongKeepsConnectionAlive(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer c.Close()
		go func() {
			time.Sleep(400 * time.Millisecond)
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"new_pool","token":"Late"}`))
		}()
		// 读循环处理 ping 并自动回复 pong
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	d := WSDialer{HandshakeTimeout: time.Second, PingInterval: 50 * time.Millisecond, PongTimeout: 50 * time.Millisecond}
	conn, err := d.Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	data, err := conn.ReadMessage()
	require.NoError(t, err, "有 pong 响应时连接应保持")
	assert.Contains(t, string(data), "Late")
}
