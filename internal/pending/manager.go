// Package pending 管理多步对话中「下一条文本该如何解析」的待输入动作
package pending

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/solbot/internal/domain"
	"github.com/betbot/solbot/internal/metrics"
	"github.com/betbot/solbot/pkg/logger"
)

// Config 超时与清理间隔
type Config struct {
	Timeout       time.Duration // 默认 5 分钟
	SweepInterval time.Duration // 默认 5 秒
}

// Manager 每个用户最多一个待输入动作。新的 Begin 会替换旧的（replace 策略）。
// 所有操作共用一把锁，Consume 与 Expire 互斥，同一个动作只会被其中一个拿到。
type Manager struct {
	mu      sync.Mutex
	actions map[domain.UserID]domain.PendingAction
	cfg     Config
	now     func() time.Time
	log     *logrus.Entry
}

// NewManager 创建管理器
func NewManager(cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	return &Manager{
		actions: make(map[domain.UserID]domain.PendingAction),
		cfg:     cfg,
		now:     time.Now,
		log:     logger.Component("pending"),
	}
}

// WithClock 替换时钟（测试用）
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

// Begin 开始一个流程（第 1 步）。返回的 replaced 表示是否覆盖了旧的待输入动作。
func (m *Manager) Begin(uid domain.UserID, flow domain.FlowKind) (domain.PendingAction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, replaced := m.actions[uid]
	pa := domain.PendingAction{UserID: uid, Flow: flow, Step: 1, CreatedAt: m.now()}
	m.actions[uid] = pa
	if replaced {
		m.log.WithFields(logrus.Fields{"user": uid, "old": old.Flow, "new": flow}).Debugf("待输入动作被替换")
	}
	return pa, replaced
}

// Advance 重新挂起同一流程的下一步，超时从现在重新计算
func (m *Manager) Advance(uid domain.UserID, flow domain.FlowKind, step int) domain.PendingAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa := domain.PendingAction{UserID: uid, Flow: flow, Step: step, CreatedAt: m.now()}
	m.actions[uid] = pa
	return pa
}

// Consume 原子地取出并删除待输入动作；已过期的动作视为不存在
func (m *Manager) Consume(uid domain.UserID) (domain.PendingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pa, ok := m.actions[uid]
	if !ok {
		return domain.PendingAction{}, domain.ErrNoPendingAction
	}
	delete(m.actions, uid)
	if pa.Expired(m.now(), m.cfg.Timeout) {
		m.expiredLocked(pa)
		return domain.PendingAction{}, domain.ErrNoPendingAction
	}
	return pa, nil
}

// Cancel 取消待输入动作
func (m *Manager) Cancel(uid domain.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actions[uid]; !ok {
		return false
	}
	delete(m.actions, uid)
	return true
}

// Get 查看（不删除）
func (m *Manager) Get(uid domain.UserID) (domain.PendingAction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, ok := m.actions[uid]
	return pa, ok
}

// Len 当前待输入动作数量
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actions)
}

// Expire 删除 now - CreatedAt >= Timeout 的动作，返回被删除的列表
func (m *Manager) Expire(now time.Time) []domain.PendingAction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []domain.PendingAction
	for uid, pa := range m.actions {
		if pa.Expired(now, m.cfg.Timeout) {
			delete(m.actions, uid)
			m.expiredLocked(pa)
			expired = append(expired, pa)
		}
	}
	return expired
}

func (m *Manager) expiredLocked(pa domain.PendingAction) {
	metrics.PendingExpired.Add(1)
	m.log.WithFields(logrus.Fields{"user": pa.UserID, "flow": pa.Flow, "step": pa.Step}).Infof("待输入动作已超时")
}

// Run 定期清理过期动作，直到 ctx 结束
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			now := m.now()
			m.mu.Unlock()
			m.Expire(now)
		}
	}
}
