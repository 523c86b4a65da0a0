package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter 速率限制器接口
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
}

// NewLimiter 创建全局令牌桶（rps <= 0 表示不限速）
func NewLimiter(rps float64, burst int) RateLimiter {
	if rps <= 0 {
		return unlimited{}
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

type unlimited struct{}

func (unlimited) Wait(ctx context.Context) error { return ctx.Err() }
func (unlimited) Allow() bool                    { return true }

// KeyedLimiter 按 key（例如用户 ID）隔离的令牌桶
// 每个 key 在 window 内最多允许 burst 次请求
type KeyedLimiter[K comparable] struct {
	mu       sync.Mutex
	limiters map[K]*entry
	every    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter 创建按 key 限流器：window 内允许 burst 次，令牌按 window/burst 匀速补充
func NewKeyedLimiter[K comparable](burst int, window time.Duration) *KeyedLimiter[K] {
	if burst <= 0 {
		burst = 1
	}
	return &KeyedLimiter[K]{
		limiters: make(map[K]*entry),
		every:    rate.Every(window / time.Duration(burst)),
		burst:    burst,
		idleTTL:  window * 2,
		now:      time.Now,
	}
}

// Allow 消耗 key 的一个令牌
func (k *KeyedLimiter[K]) Allow(key K) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	e, ok := k.limiters[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(k.every, k.burst)}
		k.limiters[key] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

// Reset 清除 key 的限流状态（例如连接成功后）
func (k *KeyedLimiter[K]) Reset(key K) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.limiters, key)
}

// Prune 删除长时间未使用的 key，返回删除数量
func (k *KeyedLimiter[K]) Prune() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	n := 0
	for key, e := range k.limiters {
		if now.Sub(e.lastSeen) > k.idleTTL {
			delete(k.limiters, key)
			n++
		}
	}
	return n
}
