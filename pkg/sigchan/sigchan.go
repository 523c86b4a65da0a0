// Package sigchan 合并式信号：消费之前的多次 Emit 只保留一个
package sigchan

// Chan 非阻塞信号 channel，只通知事件发生，不传递数据
type Chan struct {
	c chan struct{}
}

// New bufferSize <= 0 时按 1 处理
func New(bufferSize int) *Chan {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Chan{c: make(chan struct{}, bufferSize)}
}

// Emit 发送信号；channel 已满时直接丢弃
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C 用于 select
func (c *Chan) C() <-chan struct{} {
	return c.c
}

// Take 非阻塞地消费一个信号，没有信号时返回 false
func (c *Chan) Take() bool {
	select {
	case <-c.c:
		return true
	default:
		return false
	}
}
