// Package router 维护单条实时事件流连接，并把识别出的事件分发给订阅了该触发类型的用户
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/solbot/internal/domain"
	"github.com/betbot/solbot/internal/metrics"
	"github.com/betbot/solbot/internal/notify"
	"github.com/betbot/solbot/internal/trade"
	"github.com/betbot/solbot/pkg/logger"
)

// State 连接状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Subscribers 查询订阅者快照（session.State 实现）
type Subscribers interface {
	Subscribers(kind domain.TriggerKind) []domain.UserID
}

// Executor 下单入口（trade.Executor 实现）
type Executor interface {
	Execute(ctx context.Context, req trade.Request) (domain.TradeRecord, error)
}

// Config 路由配置
type Config struct {
	URL              string
	SubscribeMessage string // 连接后发送的订阅消息（JSON 文本）
	Backoff          Backoff
	Workers          int             // 同时进行的自动交易上限
	SnipeAmount      decimal.Decimal // 每次自动买入的 SOL 数量
	ObservedSize     int             // 保留最近多少条事件
}

// Event 事件流中的一条消息
type Event struct {
	Type   string `json:"type"`
	TxType string `json:"txType"`
	Token  string `json:"token"`
	Mint   string `json:"mint"`
	Name   string `json:"name,omitempty"`
	Symbol string `json:"symbol,omitempty"`
}

// Observation 已识别的事件
type Observation struct {
	Kind   domain.TriggerKind `json:"kind"`
	Token  string             `json:"token"`
	Symbol string             `json:"symbol,omitempty"`
	SeenAt time.Time          `json:"seen_at"`
}

// Router 事件流路由
//
// 状态机：Disconnected → Connecting → Connected →（出错）→ Disconnected（退避）→ ...
// 只有 ctx 结束时 Run 才返回。传输错误触发重连；单条消息解析失败和单个用户下单失败只记日志。
type Router struct {
	cfg    Config
	dialer Dialer
	subs   Subscribers
	exec   Executor
	sink   notify.Sink
	log    *logrus.Entry

	state         atomic.Int32
	parseFailures atomic.Int64
	reconnects    atomic.Int64

	obsMu    sync.Mutex
	observed []Observation

	sem chan struct{}
	wg  sync.WaitGroup

	// sleep 可替换（测试中记录退避时长）
	sleep func(ctx context.Context, d time.Duration) error
}

// New 创建路由
func New(cfg Config, dialer Dialer, subs Subscribers, exec Executor, sink notify.Sink) *Router {
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if !cfg.SnipeAmount.IsPositive() {
		cfg.SnipeAmount = decimal.NewFromInt(1)
	}
	if cfg.ObservedSize <= 0 {
		cfg.ObservedSize = 1000
	}
	return &Router{
		cfg:    cfg,
		dialer: dialer,
		subs:   subs,
		exec:   exec,
		sink:   sink,
		log:    logger.Component("router"),
		sem:    make(chan struct{}, cfg.Workers),
		sleep:  sleepCtx,
	}
}

// State 当前连接状态
func (r *Router) State() State { return State(r.state.Load()) }

func (r *Router) setState(s State) { r.state.Store(int32(s)) }

// ParseFailures 解析失败的消息数
func (r *Router) ParseFailures() int64 { return r.parseFailures.Load() }

// Reconnects 重连次数
func (r *Router) Reconnects() int64 { return r.reconnects.Load() }

// Observed 最近 n 条事件（新的在前）；n <= 0 返回全部
func (r *Router) Observed(n int) []Observation {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	if n <= 0 || n > len(r.observed) {
		n = len(r.observed)
	}
	out := make([]Observation, 0, n)
	for i := len(r.observed) - 1; i >= len(r.observed)-n; i-- {
		out = append(out, r.observed[i])
	}
	return out
}

// Run 连接并处理事件，直到 ctx 结束；返回前等待所有进行中的自动交易
func (r *Router) Run(ctx context.Context) {
	defer r.wg.Wait()
	defer r.setState(StateDisconnected)

	bo := r.cfg.Backoff.exponential()
	retrying := false
	for {
		if ctx.Err() != nil {
			return
		}
		if retrying {
			d := bo.NextBackOff()
			n := r.reconnects.Add(1)
			metrics.FeedReconnects.Add(1)
			r.log.Infof("事件流 %v 后重连 (第 %d 次)", d, n)
			if err := r.sleep(ctx, d); err != nil {
				return
			}
		}

		r.setState(StateConnecting)
		conn, err := r.dialer.Dial(ctx, r.cfg.URL)
		if err != nil {
			r.setState(StateDisconnected)
			r.log.Warnf("事件流连接失败: %v", err)
			retrying = true
			continue
		}

		// 连接成功：退避复位，断开后的第一次重连从 Initial 开始
		bo.Reset()
		r.setState(StateConnected)
		r.log.Infof("事件流已连接: %s", r.cfg.URL)
		err = r.serve(ctx, conn)
		r.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		r.log.Warnf("事件流断开: %v", err)
		retrying = true
	}
}

// serve 发送订阅消息并读取直到传输出错
func (r *Router) serve(ctx context.Context, conn Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()

	if msg := strings.TrimSpace(r.cfg.SubscribeMessage); msg != "" {
		if err := conn.WriteMessage([]byte(msg)); err != nil {
			return fmt.Errorf("发送订阅消息失败: %w", err)
		}
	}

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		r.handle(ctx, data)
	}
}

// handle 处理单条消息；任何错误都不会中断读取循环
func (r *Router) handle(ctx context.Context, data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		r.parseFailures.Add(1)
		metrics.FeedParseErrors.Add(1)
		r.log.Warnf("事件解析失败: %v (len=%d)", err, len(data))
		return
	}

	kind, token, ok := classify(ev)
	if !ok {
		return
	}
	metrics.FeedEvents.Add(1)
	r.observe(Observation{Kind: kind, Token: token, Symbol: ev.Symbol, SeenAt: time.Now().UTC()})

	users := r.subs.Subscribers(kind)
	if len(users) == 0 {
		return
	}
	r.log.WithFields(logrus.Fields{"token": token, "kind": kind}).Infof("新事件，分发给 %d 个用户", len(users))
	for _, uid := range users {
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		r.wg.Add(1)
		go r.snipe(ctx, uid, token)
	}
}

func (r *Router) snipe(ctx context.Context, uid domain.UserID, token string) {
	defer r.wg.Done()
	defer func() { <-r.sem }()

	rec, err := r.exec.Execute(ctx, trade.Request{
		UserID: uid,
		Token:  token,
		Amount: r.cfg.SnipeAmount,
		Action: domain.ActionBuy,
		Source: domain.SourceTrigger,
	})
	if err != nil {
		r.log.WithFields(logrus.Fields{"user": uid, "token": token}).Warnf("自动买入失败: %v", err)
		return
	}
	metrics.Snipes.Add(1)
	notify.Send(ctx, r.sink, uid, fmt.Sprintf("🎯 Sniped %s SOL of %s", rec.Amount, token))
}

// classify 识别事件类型：new_pool 事件，或 pumpportal 的 create 交易
func classify(ev Event) (domain.TriggerKind, string, bool) {
	token := ev.Token
	if token == "" {
		token = ev.Mint
	}
	if token == "" {
		return "", "", false
	}
	switch {
	case ev.Type == "new_pool":
		return domain.TriggerPump, token, true
	case ev.TxType == "create":
		return domain.TriggerPump, token, true
	default:
		return "", "", false
	}
}

func (r *Router) observe(o Observation) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observed = append(r.observed, o)
	if over := len(r.observed) - r.cfg.ObservedSize; over > 0 {
		r.observed = append([]Observation(nil), r.observed[over:]...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
