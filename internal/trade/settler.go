package trade

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/betbot/solbot/internal/wallet"
	"github.com/betbot/solbot/pkg/logger"
)

// Settlement 一次结算所需的全部信息
type Settlement struct {
	Credential *wallet.Credential
	Request    Request
	Route      string
	Slippage   decimal.Decimal
}

// Settler 真正把交易提交到链上的组件。链上签名与广播不在本项目范围内，
// 生产环境目前只有纸交易实现。
type Settler interface {
	Settle(ctx context.Context, s Settlement) error
}

// DryRunSettler 只打印模拟成交日志
type DryRunSettler struct{}

func (DryRunSettler) Settle(ctx context.Context, s Settlement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	memo := fmt.Sprintf("%s:%s:%s:%s", s.Request.Action, s.Request.Token, s.Request.Amount, s.Route)
	sig := s.Credential.Sign([]byte(memo))
	logger.WithField("user", s.Request.UserID).Infof(
		"[dry-run] 模拟兑换 %s %s SOL -> %s route=%s slippage=%s%% sig=%s",
		s.Request.Action, s.Request.Amount, s.Request.Token, s.Route, s.Slippage, sig)
	return nil
}
