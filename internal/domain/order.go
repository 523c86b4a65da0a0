package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RecurringOrder 定投订单（DCA）：每 IntervalSeconds 秒买入固定数量
type RecurringOrder struct {
	ID              string          `json:"id"`
	UserID          UserID          `json:"user_id"`
	Token           string          `json:"token"`
	Amount          decimal.Decimal `json:"amount"`
	IntervalSeconds int64           `json:"interval_seconds"`
	CreatedAt       time.Time       `json:"created_at"`
}

// MaxIntervalSeconds 定投间隔上限（365 天）
const MaxIntervalSeconds int64 = 365 * 24 * 60 * 60

// ValidInterval 间隔在 [1, MaxIntervalSeconds] 内
func ValidInterval(seconds int64) bool {
	return seconds > 0 && seconds <= MaxIntervalSeconds
}

// Interval 间隔
func (o RecurringOrder) Interval() time.Duration {
	return time.Duration(o.IntervalSeconds) * time.Second
}

// LimitOrder 限价单；每个用户只保留一个（后写覆盖）
type LimitOrder struct {
	UserID    UserID          `json:"user_id"`
	Token     string          `json:"token"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TriggerKind 自动触发类型
type TriggerKind string

const (
	TriggerPump     TriggerKind = "pump"     // pump.fun 新池上线
	TriggerMoonshot TriggerKind = "moonshot" // 预留，尚无事件源
)

// TriggerSubscription 用户对某类事件的自动交易订阅
type TriggerSubscription struct {
	UserID UserID      `json:"user_id"`
	Kind   TriggerKind `json:"kind"`
}
