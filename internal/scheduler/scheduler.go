// Package scheduler 按固定间隔执行定投（DCA）订单，每个订单一个 goroutine
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/solbot/internal/domain"
	"github.com/betbot/solbot/internal/metrics"
	"github.com/betbot/solbot/internal/notify"
	"github.com/betbot/solbot/internal/trade"
	"github.com/betbot/solbot/pkg/logger"
)

// Executor 下单入口（trade.Executor 实现）
type Executor interface {
	Execute(ctx context.Context, req trade.Request) (domain.TradeRecord, error)
}

// Orders 定投订单的持有者（session.State 实现）
type Orders interface {
	AddRecurring(o domain.RecurringOrder)
	RemoveRecurring(uid domain.UserID, id string) bool
}

// TaskHandle 可取消的订单任务
type TaskHandle struct {
	Order  domain.RecurringOrder
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel 停止任务（不会从会话中删除订单）
func (h *TaskHandle) Cancel() { h.cancel() }

// Done 任务退出后关闭
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Scheduler 定投调度器。所有任务都派生自 root ctx，进程关闭时统一退出。
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*TaskHandle
	root   context.Context
	exec   Executor
	orders Orders
	sink   notify.Sink
	unit   time.Duration
	now    func() time.Time
	wg     sync.WaitGroup
	log    *logrus.Entry
}

// New 创建调度器
func New(root context.Context, exec Executor, orders Orders, sink notify.Sink) *Scheduler {
	return &Scheduler{
		tasks:  make(map[string]*TaskHandle),
		root:   root,
		exec:   exec,
		orders: orders,
		sink:   sink,
		unit:   time.Second,
		now:    time.Now,
		log:    logger.Component("scheduler"),
	}
}

// Schedule 校验并启动订单；ID 为空时自动生成。订单同时写入会话状态。
func (s *Scheduler) Schedule(o domain.RecurringOrder) (*TaskHandle, error) {
	if !o.Amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	if !domain.ValidInterval(o.IntervalSeconds) {
		return nil, domain.ErrInvalidInterval
	}
	if o.Token == "" {
		return nil, domain.ErrInvalidInput
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.root.Err(); err != nil {
		return nil, err
	}
	if old, ok := s.tasks[o.ID]; ok {
		old.Cancel()
	}
	s.orders.AddRecurring(o)

	ctx, cancel := context.WithCancel(s.root)
	h := &TaskHandle{Order: o, cancel: cancel, done: make(chan struct{})}
	s.tasks[o.ID] = h
	s.wg.Add(1)
	go s.loop(ctx, h)

	s.log.WithFields(logrus.Fields{"user": o.UserID, "order": o.ID}).
		Infof("定投已启动: %s SOL -> %s 每 %ds", o.Amount, o.Token, o.IntervalSeconds)
	return h, nil
}

// loop 先等待再下单；单次失败只记日志，订单继续
func (s *Scheduler) loop(ctx context.Context, h *TaskHandle) {
	defer s.wg.Done()
	defer close(h.done)

	o := h.Order
	interval := time.Duration(o.IntervalSeconds) * s.unit
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		metrics.DCATicks.Add(1)
		rec, err := s.exec.Execute(ctx, trade.Request{
			UserID: o.UserID,
			Token:  o.Token,
			Amount: o.Amount,
			Action: domain.ActionBuy,
			Source: domain.SourceScheduled,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.WithFields(logrus.Fields{"user": o.UserID, "order": o.ID}).Warnf("定投执行失败: %v", err)
		} else {
			notify.Send(ctx, s.sink, o.UserID, fmt.Sprintf("✅ DCA executed: %s", rec.Summary()))
		}
		timer.Reset(interval)
	}
}

// Cancel 取消订单并从会话中删除
func (s *Scheduler) Cancel(uid domain.UserID, orderID string) bool {
	s.mu.Lock()
	h, ok := s.tasks[orderID]
	if ok && h.Order.UserID == uid {
		delete(s.tasks, orderID)
	} else {
		ok = false
	}
	s.mu.Unlock()

	removed := s.orders.RemoveRecurring(uid, orderID)
	if ok {
		h.Cancel()
	}
	return ok || removed
}

// CancelUser 取消用户全部订单，返回数量
func (s *Scheduler) CancelUser(uid domain.UserID) int {
	s.mu.Lock()
	var hs []*TaskHandle
	for id, h := range s.tasks {
		if h.Order.UserID == uid {
			hs = append(hs, h)
			delete(s.tasks, id)
		}
	}
	s.mu.Unlock()

	for _, h := range hs {
		h.Cancel()
		s.orders.RemoveRecurring(uid, h.Order.ID)
	}
	return len(hs)
}

// Active 正在运行的订单
func (s *Scheduler) Active() []domain.RecurringOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RecurringOrder, 0, len(s.tasks))
	for _, h := range s.tasks {
		out = append(out, h.Order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stop 停止所有任务并等待退出；订单保留在会话中，重启后可恢复
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	for id, h := range s.tasks {
		h.Cancel()
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warnf("定投任务未在超时内全部退出")
	}
}
