package domain

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// UserID 外部提供的用户标识（例如聊天前端的 user id）
type UserID int64

func (u UserID) String() string {
	return strconv.FormatInt(int64(u), 10)
}

// ParseUserID 解析十进制用户 ID
func ParseUserID(s string) (UserID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid user id %q: %w", s, err)
	}
	return UserID(n), nil
}

// ReferralCode 推荐码：REF- + 用户 ID 末 6 位（不足补 0）
func ReferralCode(u UserID) string {
	n := int64(u)
	if n < 0 {
		n = -n
	}
	return fmt.Sprintf("REF-%06d", n%1_000_000)
}

// Language 界面语言
type Language string

const (
	LanguageEN Language = "EN"
	LanguageZH Language = "ZH"
	LanguageES Language = "ES"
	LanguageRU Language = "RU"
)

// SupportedLanguages 支持的语言列表（按菜单顺序）
var SupportedLanguages = []Language{LanguageEN, LanguageZH, LanguageES, LanguageRU}

// ParseLanguage 校验语言代码
func ParseLanguage(s string) (Language, bool) {
	for _, l := range SupportedLanguages {
		if string(l) == s {
			return l, true
		}
	}
	return "", false
}

// Preferences 用户偏好，只能由用户自己的命令修改
type Preferences struct {
	Slippage decimal.Decimal `json:"slippage"` // 百分比，例如 0.5 表示 0.5%
	AutoBuy  bool            `json:"auto_buy"`
	AutoSell bool            `json:"auto_sell"`
	Language Language        `json:"language"`
}

// DefaultSlippage 默认滑点 0.5%
var DefaultSlippage = decimal.RequireFromString("0.5")

// MaxSlippage 允许设置的最大滑点 50%
var MaxSlippage = decimal.NewFromInt(50)

// DefaultPreferences 新用户的默认偏好
func DefaultPreferences() Preferences {
	return Preferences{
		Slippage: DefaultSlippage,
		Language: LanguageEN,
	}
}

// CopyTarget 跟单目标
type CopyTarget struct {
	UserID        UserID    `json:"user_id"`
	TraderAddress string    `json:"trader_address"`
	CreatedAt     time.Time `json:"created_at"`
}
