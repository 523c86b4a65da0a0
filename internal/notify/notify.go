// Package notify 把后台任务的结果推送给用户（发送即忘，失败只记日志）
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/betbot/solbot/internal/domain"
	"github.com/betbot/solbot/pkg/logger"
)

// Sink 通知出口
type Sink interface {
	Notify(ctx context.Context, uid domain.UserID, text string) error
}

// Send 发送通知，失败只记录日志
func Send(ctx context.Context, sink Sink, uid domain.UserID, text string) {
	if sink == nil {
		return
	}
	if err := sink.Notify(ctx, uid, text); err != nil {
		logger.WithField("user", uid).Warnf("通知发送失败: %v", err)
	}
}

// LogSink 只打印日志
type LogSink struct{}

func (LogSink) Notify(_ context.Context, uid domain.UserID, text string) error {
	logger.WithField("user", uid).Infof("[notify] %s", text)
	return nil
}

// Message 一条待拉取的通知
type Message struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Outbox 每个用户一个有界队列，前端通过 HTTP 拉取；满了丢弃最旧的
type Outbox struct {
	mu    sync.Mutex
	queue map[domain.UserID][]Message
	limit int
	now   func() time.Time
}

func NewOutbox(limit int) *Outbox {
	if limit <= 0 {
		limit = 100
	}
	return &Outbox{queue: make(map[domain.UserID][]Message), limit: limit, now: time.Now}
}

func (o *Outbox) Notify(_ context.Context, uid domain.UserID, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := append(o.queue[uid], Message{Text: text, CreatedAt: o.now()})
	if len(q) > o.limit {
		q = q[len(q)-o.limit:]
	}
	o.queue[uid] = q
	return nil
}

// Drain 取出并清空用户的通知
func (o *Outbox) Drain(uid domain.UserID) []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queue[uid]
	delete(o.queue, uid)
	return q
}

// Pending 用户未读数量
func (o *Outbox) Pending(uid domain.UserID) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue[uid])
}

// Fanout 同时发往多个出口；返回第一个错误，但会尝试全部出口
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, uid domain.UserID, text string) error {
	var first error
	for _, s := range f {
		if err := s.Notify(ctx, uid, text); err != nil && first == nil {
			first = err
		}
	}
	return first
}
