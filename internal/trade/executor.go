// Package trade 是手动、定投、事件触发、跟单四条交易路径共用的下单入口
package trade

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/solbot/internal/domain"
	"github.com/betbot/solbot/internal/metrics"
	"github.com/betbot/solbot/internal/wallet"
	"github.com/betbot/solbot/pkg/logger"
)

// Wallets 钱包锁（wallet.Store 实现）
type Wallets interface {
	WithWalletLock(ctx context.Context, fn func(wallet.Locked) error) error
}

// RouteFinder 流动性路由查询（pricing.RouteFinder 实现）
type RouteFinder interface {
	FindRoute(ctx context.Context, token string) (string, error)
}

// Recorder 会话状态中与交易相关的部分（session.State 实现）
type Recorder interface {
	Preferences(uid domain.UserID) domain.Preferences
	AppendTrade(rec domain.TradeRecord)
}

// Request 下单请求
type Request struct {
	UserID domain.UserID
	Token  string
	Amount decimal.Decimal // SOL
	Action domain.Action
	Source domain.TradeSource
}

// Executor 交易执行器
//
// 余额检查与预留在钱包锁内完成：两个并发请求不会同时看到同一笔可用余额。
// 路由查询和结算在锁外进行，结束后释放预留。
type Executor struct {
	wallets  Wallets
	routes   RouteFinder
	settler  Settler
	recorder Recorder
	now      func() time.Time
	log      *logrus.Entry

	// reserved 只在钱包锁内读写
	reserved map[domain.UserID]decimal.Decimal
	// inflight 仅用于状态展示
	inflight sync.WaitGroup
}

// NewExecutor 创建交易执行器
func NewExecutor(wallets Wallets, routes RouteFinder, settler Settler, recorder Recorder) *Executor {
	return &Executor{
		wallets:  wallets,
		routes:   routes,
		settler:  settler,
		recorder: recorder,
		now:      time.Now,
		log:      logger.Component("trade"),
		reserved: make(map[domain.UserID]decimal.Decimal),
	}
}

// Execute 执行一笔交易，成功后返回已记录的交易
func (e *Executor) Execute(ctx context.Context, req Request) (domain.TradeRecord, error) {
	e.inflight.Add(1)
	defer e.inflight.Done()

	rec, err := e.execute(ctx, req)
	fields := logrus.Fields{"user": req.UserID, "token": req.Token, "amount": req.Amount.String(), "source": req.Source}
	if err != nil {
		metrics.TradesFailed.Add(1)
		e.log.WithFields(fields).Warnf("交易失败: %v", err)
		return domain.TradeRecord{}, err
	}
	metrics.TradesOK.Add(1)
	e.log.WithFields(fields).Infof("交易成功: %s route=%s", rec.Summary(), rec.Route)
	return rec, nil
}

func (e *Executor) execute(ctx context.Context, req Request) (domain.TradeRecord, error) {
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		return domain.TradeRecord{}, domain.ErrInvalidInput
	}
	if !req.Amount.IsPositive() {
		return domain.TradeRecord{}, domain.ErrInvalidAmount
	}
	if req.Action == "" {
		req.Action = domain.ActionBuy
	}

	cred, err := e.reserve(ctx, req)
	if err != nil {
		return domain.TradeRecord{}, err
	}
	released := false
	release := func() {
		if !released {
			released = true
			e.release(ctx, req)
		}
	}
	defer release()

	route, err := e.routes.FindRoute(ctx, req.Token)
	if err != nil {
		return domain.TradeRecord{}, err
	}

	prefs := e.recorder.Preferences(req.UserID)
	if err := e.settler.Settle(ctx, Settlement{
		Credential: cred,
		Request:    req,
		Route:      route,
		Slippage:   prefs.Slippage,
	}); err != nil {
		return domain.TradeRecord{}, errors.Wrap(err, "settle")
	}
	release()

	rec := domain.TradeRecord{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Action:    req.Action,
		Token:     req.Token,
		Amount:    req.Amount,
		Slippage:  prefs.Slippage,
		Route:     route,
		Source:    req.Source,
		Timestamp: e.now().UTC(),
	}
	e.recorder.AppendTrade(rec)
	return rec, nil
}

// reserve 在钱包锁内：加载凭证 → 读余额 → 检查 余额-已预留 >= 数量 → 预留
func (e *Executor) reserve(ctx context.Context, req Request) (*wallet.Credential, error) {
	var cred *wallet.Credential
	err := e.wallets.WithWalletLock(ctx, func(l wallet.Locked) error {
		c, err := l.Load(req.UserID)
		if err != nil {
			if errors.Is(err, domain.ErrNoWallet) {
				return err
			}
			return errors.Wrap(err, "load wallet")
		}
		cred = c
		if req.Action != domain.ActionBuy {
			return nil
		}
		bal, err := l.Balance(c)
		if err != nil {
			if domain.KindOf(err) == domain.KindTransient {
				return err
			}
			return domain.WrapError(domain.KindTransient, domain.ErrTransientRPC.Msg, err)
		}
		available := bal.SOL().Sub(e.reserved[req.UserID])
		if available.LessThan(req.Amount) {
			return errors.Wrapf(domain.ErrInsufficientFunds, "available %s < %s", available, req.Amount)
		}
		e.reserved[req.UserID] = e.reserved[req.UserID].Add(req.Amount)
		return nil
	})
	return cred, err
}

func (e *Executor) release(ctx context.Context, req Request) {
	if req.Action != domain.ActionBuy {
		return
	}
	_ = e.wallets.WithWalletLock(ctx, func(wallet.Locked) error {
		left := e.reserved[req.UserID].Sub(req.Amount)
		switch {
		case left.IsNegative():
			e.log.WithFields(logrus.Fields{"user": req.UserID, "invariant": true}).
				Errorf("预留金额为负: %s", left)
			delete(e.reserved, req.UserID)
		case left.IsZero():
			delete(e.reserved, req.UserID)
		default:
			e.reserved[req.UserID] = left
		}
		return nil
	})
}

// Reserved 当前预留金额（测试与状态展示用）
func (e *Executor) Reserved(ctx context.Context, uid domain.UserID) decimal.Decimal {
	var out decimal.Decimal
	_ = e.wallets.WithWalletLock(ctx, func(wallet.Locked) error {
		out = e.reserved[uid]
		return nil
	})
	return out
}

// Wait 等待所有进行中的交易结束
func (e *Executor) Wait() {
	e.inflight.Wait()
}
