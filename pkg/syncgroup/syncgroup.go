package syncgroup

import (
	"context"
	"sync"

	"github.com/betbot/solbot/pkg/logger"
)

// TaskFunc 后台任务，应在 ctx 结束后尽快返回
type TaskFunc func(ctx context.Context)

type task struct {
	name string
	fn   TaskFunc
}

// SyncGroup 是 sync.WaitGroup 的包装器，统一管理长期运行的后台 goroutine
// 自动管理 Add() 和 Done()，并在退出时记录日志
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	pending []task
	running map[string]struct{}
}

// NewSyncGroup 创建新的 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{running: make(map[string]struct{})}
}

// Add 添加一个待启动的任务（Run 时统一启动）
func (w *SyncGroup) Add(name string, fn TaskFunc) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, task{name: name, fn: fn})
}

// Run 启动所有已添加的任务，启动后清空待启动列表
func (w *SyncGroup) Run(ctx context.Context) {
	w.mu.Lock()
	tasks := w.pending
	w.pending = nil
	w.mu.Unlock()

	for _, t := range tasks {
		w.Go(ctx, t.name, t.fn)
	}
}

// Go 立即启动一个任务
func (w *SyncGroup) Go(ctx context.Context, name string, fn TaskFunc) {
	w.mu.Lock()
	w.running[name] = struct{}{}
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer func() {
			w.mu.Lock()
			delete(w.running, name)
			w.mu.Unlock()
			w.wg.Done()
			logger.Debugf("后台任务退出: %s", name)
		}()
		fn(ctx)
	}()
}

// Running 返回正在运行的任务名
func (w *SyncGroup) Running() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.running))
	for name := range w.running {
		out = append(out, name)
	}
	return out
}

// Wait 等待所有 goroutine 完成
func (w *SyncGroup) Wait() {
	w.wg.Wait()
}

// WaitContext 等待所有 goroutine 完成或 ctx 结束，返回是否全部完成
func (w *SyncGroup) WaitContext(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
