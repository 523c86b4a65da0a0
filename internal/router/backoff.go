package router

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff 重连退避参数：第 k 次重连前等待 min(Initial * Multiplier^(k-1), Max)，不加抖动
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultBackoff 5s 起步，每次 ×1.5，上限 60s
func DefaultBackoff() Backoff {
	return Backoff{Initial: 5 * time.Second, Multiplier: 1.5, Max: 60 * time.Second}
}

// exponential 生成新的退避序列；成功连接后由调用方 Reset
func (b Backoff) exponential() *backoff.ExponentialBackOff {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     b.Initial,
		RandomizationFactor: 0,
		Multiplier:          b.Multiplier,
		MaxInterval:         b.Max,
	}
	eb.Reset()
	return eb
}

// Delay 第 k 次重连前的等待时间，k < 1 按 1 处理
func (b Backoff) Delay(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	eb := b.exponential()
	var d time.Duration
	for i := 0; i < k; i++ {
		d = eb.NextBackOff()
		if d == b.Max {
			break
		}
	}
	return d
}
