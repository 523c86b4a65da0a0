package domain

import (
	"errors"
	"fmt"
)

// Kind 错误类别，决定给用户的回复文本
type Kind int

const (
	KindInternal     Kind = iota // 未分类 / 不变量被破坏
	KindValidation               // 用户输入错误
	KindNotFound                 // 没有钱包 / 没有待输入动作 / 订单不存在
	KindTransient                // 外部服务暂不可用
	KindCorruptState             // 持久化数据损坏
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindCorruptState:
		return "corrupt_state"
	default:
		return "internal"
	}
}

// Error 带类别的领域错误；Msg 可以直接展示给用户
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is 同类别同文本的 *Error 视为相等，方便 errors.Is 与哨兵比较
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == e.Msg && t.Err == nil
}

// NewError 构造领域错误
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError 用领域类别包装底层错误
func WrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// 哨兵错误
var (
	ErrInvalidFormat      = NewError(KindValidation, "invalid key format")
	ErrInvalidInput       = NewError(KindValidation, "invalid input")
	ErrInvalidAmount      = NewError(KindValidation, "amount must be positive")
	ErrInvalidSlippage    = NewError(KindValidation, "slippage must be greater than 0 and at most 50")
	ErrInvalidInterval    = NewError(KindValidation, "interval must be between 1 second and 365 days")
	ErrRateLimited        = NewError(KindValidation, "too many attempts, please try again later")
	ErrInsufficientFunds  = NewError(KindValidation, "insufficient funds")
	ErrNoWallet           = NewError(KindNotFound, "no wallet connected")
	ErrNoPendingAction    = NewError(KindNotFound, "no pending action")
	ErrOrderNotFound      = NewError(KindNotFound, "order not found")
	ErrNoLiquidityRoute   = NewError(KindNotFound, "no liquidity route available")
	ErrTransientRPC       = NewError(KindTransient, "blockchain rpc unavailable")
	ErrPriceUnavailable   = NewError(KindTransient, "price unavailable")
	ErrCorruptCredential  = NewError(KindCorruptState, "stored credential is corrupt")
	ErrNotImplemented     = NewError(KindValidation, "not implemented yet")
	ErrInvariantViolation = NewError(KindInternal, "internal invariant violated")
)

// KindOf 对（可能被多层包装的）错误分类；nil 返回 KindInternal 但调用方不应传 nil
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	var tmp interface{ Temporary() bool }
	if errors.As(err, &tmp) && tmp.Temporary() {
		return KindTransient
	}
	return KindInternal
}

// UserMessage 每个失败命令只产生一条回复，文本按类别决定
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var de *Error
	hasMsg := errors.As(err, &de)
	switch KindOf(err) {
	case KindValidation:
		if hasMsg {
			return "❌ " + de.Msg
		}
		return "❌ invalid input"
	case KindNotFound:
		if hasMsg {
			return "⚠️ " + de.Msg
		}
		return "⚠️ not found"
	case KindTransient:
		return "⏳ service temporarily unavailable, please try again later"
	case KindCorruptState:
		return "⚠️ stored data could not be read, please reconnect your wallet"
	default:
		return "❌ an internal error occurred"
	}
}
