package domain

import "time"

// FlowKind 多步对话流程类型
type FlowKind int

const (
	FlowWalletConnect FlowKind = iota + 1
	FlowTrade
	FlowCreateLimitOrder
	FlowModifyLimitOrder
	FlowSetSlippage
	FlowCopyTrade
	FlowUploadKey
)

var flowNames = map[FlowKind]string{
	FlowWalletConnect:    "wallet_connect",
	FlowTrade:            "trade",
	FlowCreateLimitOrder: "create_limit",
	FlowModifyLimitOrder: "modify_limit",
	FlowSetSlippage:      "set_slippage",
	FlowCopyTrade:        "copy_trade",
	FlowUploadKey:        "upload_key",
}

func (f FlowKind) String() string {
	if s, ok := flowNames[f]; ok {
		return s
	}
	return "unknown"
}

// Valid 是否为已知流程
func (f FlowKind) Valid() bool {
	_, ok := flowNames[f]
	return ok
}

// PendingAction 表示「该用户下一条自由文本应当作为流程 Flow 的第 Step 步解析」
type PendingAction struct {
	UserID    UserID
	Flow      FlowKind
	Step      int
	CreatedAt time.Time
}

// Expired 在 now 时刻是否已超时（>= timeout 即视为过期）
func (p PendingAction) Expired(now time.Time, timeout time.Duration) bool {
	return !now.Before(p.CreatedAt.Add(timeout))
}
