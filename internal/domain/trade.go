package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Action 交易方向
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// TradeSource 交易发起路径
type TradeSource string

const (
	SourceManual    TradeSource = "manual"    // 用户手动下单
	SourceScheduled TradeSource = "scheduled" // 定投 tick
	SourceTrigger   TradeSource = "trigger"   // 事件触发（狙击）
	SourceCopy      TradeSource = "copy"      // 跟单
	SourceLimit     TradeSource = "limit"     // 限价单流程
)

// TradeRecord 交易记录，创建后不可修改
type TradeRecord struct {
	ID        string          `json:"id" db:"id"`
	UserID    UserID          `json:"user_id" db:"user_id"`
	Action    Action          `json:"action" db:"action"`
	Token     string          `json:"token" db:"token"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Slippage  decimal.Decimal `json:"slippage" db:"slippage"`
	Route     string          `json:"route" db:"route"`
	Source    TradeSource     `json:"source" db:"source"`
	Timestamp time.Time       `json:"timestamp" db:"created_at"`
}

// Summary 简短描述，例如 "BUY 0.1 SOL for <token>"
func (t TradeRecord) Summary() string {
	return fmt.Sprintf("%s %s SOL for %s", strings.ToUpper(string(t.Action)), t.Amount.String(), t.Token)
}

// Balance 钱包余额（SOL）
type Balance struct {
	Lamports uint64
}

// LamportsPerSOL 1 SOL = 1e9 lamports
const LamportsPerSOL = 1_000_000_000

// SOL 以 SOL 为单位的余额
func (b Balance) SOL() decimal.Decimal {
	return decimal.New(int64(b.Lamports), -9)
}

// ToLamports 把 SOL 数量转换为 lamports（向下取整）
func ToLamports(sol decimal.Decimal) uint64 {
	if sol.IsNegative() {
		return 0
	}
	return uint64(sol.Shift(9).IntPart())
}
