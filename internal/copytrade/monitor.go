// Package copytrade 轮询目标交易者的最新交易，发现兑换时为用户跟单买入
package copytrade

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/solbot/internal/domain"
	"github.com/betbot/solbot/internal/metrics"
	"github.com/betbot/solbot/internal/notify"
	"github.com/betbot/solbot/internal/solana"
	"github.com/betbot/solbot/internal/trade"
	"github.com/betbot/solbot/internal/wallet"
	"github.com/betbot/solbot/pkg/logger"
	"github.com/betbot/solbot/pkg/syncgroup"
)

// ChainReader 链上交易查询（solana.Client 实现）
type ChainReader interface {
	GetSignaturesForAddress(ctx context.Context, address string, limit int) ([]solana.SignatureInfo, error)
	GetTransaction(ctx context.Context, signature string) (*solana.Transaction, error)
}

// Targets 跟单目标的持有者（session.State 实现）
type Targets interface {
	AddCopyTarget(t domain.CopyTarget) bool
	RemoveCopyTargets(uid domain.UserID) []domain.CopyTarget
}

// Executor 下单入口
type Executor interface {
	Execute(ctx context.Context, req trade.Request) (domain.TradeRecord, error)
}

// Config 跟单配置
type Config struct {
	PollInterval time.Duration   // 默认 60s
	Amount       decimal.Decimal // 每次跟单买入的 SOL 数量
	Token        string          // 跟单买入的 token
}

type loopKey struct {
	user   domain.UserID
	trader string
}

// Monitor 每个 (用户, 交易者) 一个轮询循环
type Monitor struct {
	mu      sync.Mutex
	loops   map[loopKey]context.CancelFunc
	root    context.Context
	group   *syncgroup.SyncGroup
	cfg     Config
	chain   ChainReader
	targets Targets
	exec    Executor
	sink    notify.Sink
	log     *logrus.Entry
}

// NewMonitor 所有循环派生自 root
func NewMonitor(root context.Context, cfg Config, chain ChainReader, targets Targets, exec Executor, sink notify.Sink) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if !cfg.Amount.IsPositive() {
		cfg.Amount = decimal.NewFromInt(1)
	}
	return &Monitor{
		loops:   make(map[loopKey]context.CancelFunc),
		root:    root,
		group:   syncgroup.NewSyncGroup(),
		cfg:     cfg,
		chain:   chain,
		targets: targets,
		exec:    exec,
		sink:    sink,
		log:     logger.Component("copytrade"),
	}
}

// Start 记录跟单目标并启动轮询；同一目标重复调用不会启动第二个循环
func (m *Monitor) Start(uid domain.UserID, trader string) error {
	trader = strings.TrimSpace(trader)
	if !wallet.ValidAddress(trader) {
		return domain.NewError(domain.KindValidation, "invalid trader address")
	}
	m.targets.AddCopyTarget(domain.CopyTarget{UserID: uid, TraderAddress: trader})
	m.resume(uid, trader)
	return nil
}

// Resume 为已保存的目标重新启动轮询（进程重启后）
func (m *Monitor) Resume(targets []domain.CopyTarget) {
	for _, t := range targets {
		m.resume(t.UserID, t.TraderAddress)
	}
}

func (m *Monitor) resume(uid domain.UserID, trader string) {
	key := loopKey{user: uid, trader: trader}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loops[key]; ok || m.root.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.root)
	m.loops[key] = cancel
	m.group.Go(ctx, fmt.Sprintf("copytrade:%d:%s", uid, trader), func(ctx context.Context) {
		m.loop(ctx, key)
	})
	m.log.WithFields(logrus.Fields{"user": uid, "trader": trader}).Infof("开始跟单")
}

// Stop 停止用户的所有跟单，返回停止的数量
func (m *Monitor) Stop(uid domain.UserID) int {
	m.targets.RemoveCopyTargets(uid)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, cancel := range m.loops {
		if key.user == uid {
			cancel()
			delete(m.loops, key)
			n++
		}
	}
	return n
}

// StopAll 停止全部循环并等待退出（目标保留在会话中）
func (m *Monitor) StopAll(ctx context.Context) {
	m.mu.Lock()
	for key, cancel := range m.loops {
		cancel()
		delete(m.loops, key)
	}
	m.mu.Unlock()
	if !m.group.WaitContext(ctx) {
		m.log.Warnf("跟单循环未在超时内全部退出")
	}
}

// Running 正在运行的循环数
func (m *Monitor) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.loops)
}

func (m *Monitor) loop(ctx context.Context, key loopKey) {
	w := &watcher{m: m, key: key}
	w.poll(ctx)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// watcher 记录上次看到的签名；第一次轮询只建立基线，不跟单历史交易
type watcher struct {
	m        *Monitor
	key      loopKey
	lastSig  string
	baseline bool
}

func (w *watcher) poll(ctx context.Context) {
	m := w.m
	log := m.log.WithFields(logrus.Fields{"user": w.key.user, "trader": w.key.trader})

	sigs, err := m.chain.GetSignaturesForAddress(ctx, w.key.trader, 1)
	if err != nil {
		log.Warnf("查询交易签名失败: %v", err)
		return
	}
	if !w.baseline {
		w.baseline = true
		if len(sigs) > 0 {
			w.lastSig = sigs[0].Signature
		}
		return
	}
	if len(sigs) == 0 || sigs[0].Signature == w.lastSig {
		return
	}
	latest := sigs[0]
	w.lastSig = latest.Signature
	if latest.Err != nil {
		return
	}

	tx, err := m.chain.GetTransaction(ctx, latest.Signature)
	if err != nil {
		log.Warnf("查询交易详情失败: %v", err)
		return
	}
	if !IsSwap(tx.Logs()) {
		return
	}

	rec, err := m.exec.Execute(ctx, trade.Request{
		UserID: w.key.user,
		Token:  m.cfg.Token,
		Amount: m.cfg.Amount,
		Action: domain.ActionBuy,
		Source: domain.SourceCopy,
	})
	if err != nil {
		log.Warnf("跟单失败: %v", err)
		notify.Send(ctx, m.sink, w.key.user, "📋 Copy trade failed. "+domain.UserMessage(err))
		return
	}
	metrics.CopyTrades.Add(1)
	notify.Send(ctx, m.sink, w.key.user, fmt.Sprintf("📋 Copied trade from %s: %s", short(w.key.trader), rec.Summary()))
}

// IsSwap 交易日志中是否出现兑换指令
func IsSwap(logs []string) bool {
	for _, l := range logs {
		if strings.Contains(strings.ToLower(l), "swap") {
			return true
		}
	}
	return false
}

func short(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:4] + "…" + addr[len(addr)-4:]
}
