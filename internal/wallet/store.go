// Package wallet 管理用户钱包凭证：解析、加密持久化、缓存与余额校验
package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/solbot/internal/domain"
	"github.com/betbot/solbot/internal/metrics"
	"github.com/betbot/solbot/pkg/logger"
	"github.com/betbot/solbot/pkg/ratelimit"
)

// BalanceReader 链上余额查询（由 solana.Client 实现）
type BalanceReader interface {
	GetBalance(ctx context.Context, address string) (domain.Balance, error)
}

// Options Store 选项
type Options struct {
	VerifyRetries   int           // 余额校验总尝试次数，默认 3
	RetryBase       time.Duration // 第 k 次重试前等待 RetryBase * 2^(k-1)，默认 2s
	ConnectAttempts int           // 每个窗口内允许的连接次数，默认 3
	ConnectWindow   time.Duration // 默认 10 分钟

	// OnRetry 每次重试前回调
	OnRetry func(err error, wait time.Duration)
}

func (o *Options) setDefaults() {
	if o.VerifyRetries <= 0 {
		o.VerifyRetries = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 2 * time.Second
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = 3
	}
	if o.ConnectWindow <= 0 {
		o.ConnectWindow = 10 * time.Minute
	}
}

// Store 钱包存储
//
// mu 是进程级的钱包锁：保护缓存，以及「读余额 → 检查 → 预留」这类复合操作。
// Connect 的余额校验（含重试等待）在锁外进行，只在 持久化 → 写缓存 时持有该锁。
type Store struct {
	mu    sync.Mutex
	cache map[domain.UserID]*Credential

	persist CredentialStore
	vault   *Vault
	rpc     BalanceReader
	limiter *ratelimit.KeyedLimiter[domain.UserID]
	opts    Options
	log     *logrus.Entry
}

// NewStore 创建钱包存储
func NewStore(persist CredentialStore, vault *Vault, rpc BalanceReader, opts Options) *Store {
	opts.setDefaults()
	return &Store{
		cache:   make(map[domain.UserID]*Credential),
		persist: persist,
		vault:   vault,
		rpc:     rpc,
		limiter: ratelimit.NewKeyedLimiter[domain.UserID](opts.ConnectAttempts, opts.ConnectWindow),
		opts:    opts,
		log:     logger.Component("wallet"),
	}
}

// Load 返回缓存的凭证；缓存未命中时从持久化层解密加载。多次调用返回同一个句柄。
func (s *Store) Load(ctx context.Context, userID domain.UserID) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx, userID)
}

func (s *Store) loadLocked(ctx context.Context, userID domain.UserID) (*Credential, error) {
	if c, ok := s.cache[userID]; ok {
		return c, nil
	}
	blob, found, err := s.persist.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.ErrNoWallet
	}
	seed, err := s.vault.Open(blob)
	if err == nil && len(seed) != 32 {
		err = errors.Errorf("unexpected seed length %d", len(seed))
	}
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"user": userID,
			"kind": domain.KindCorruptState.String(),
		}).Errorf("钱包凭证解密失败: %v", err)
		// 对用户表现为未连接钱包，同时保留 CorruptCredential 以便调用方区分
		return nil, domain.WrapError(domain.KindNotFound, domain.ErrNoWallet.Msg, domain.ErrCorruptCredential)
	}
	c := newCredential(seed)
	s.cache[userID] = c
	return c, nil
}

// HasWallet 用户是否已连接钱包
func (s *Store) HasWallet(ctx context.Context, userID domain.UserID) bool {
	_, err := s.Load(ctx, userID)
	return err == nil
}

// Connect 解析密钥、校验链上可达、加密持久化并写入缓存
func (s *Store) Connect(ctx context.Context, userID domain.UserID, secret string) (*Credential, domain.Balance, error) {
	if !s.limiter.Allow(userID) {
		s.log.WithField("user", userID).Warnf("钱包连接尝试过多")
		return nil, domain.Balance{}, domain.ErrRateLimited
	}

	cred, err := ParseSecret(secret)
	if err != nil {
		return nil, domain.Balance{}, err
	}

	bal, err := s.verifyWithRetry(ctx, cred)
	if err != nil {
		return nil, domain.Balance{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, domain.Balance{}, err
	}
	if err := s.storeLocked(ctx, userID, cred); err != nil {
		return nil, domain.Balance{}, err
	}
	s.limiter.Reset(userID)
	metrics.WalletConnects.Add(1)
	s.log.WithFields(logrus.Fields{"user": userID, "address": cred.Address()}).Infof("钱包已连接，余额 %s SOL", bal.SOL())
	return cred, bal, nil
}

// verifyWithRetry 只对暂时性错误重试，等待时间 2s、4s ...
func (s *Store) verifyWithRetry(ctx context.Context, cred *Credential) (domain.Balance, error) {
	op := func() (domain.Balance, error) {
		bal, err := s.VerifyReachable(ctx, cred)
		if err != nil && domain.KindOf(err) != domain.KindTransient {
			return bal, backoff.Permanent(err)
		}
		return bal, err
	}
	bal, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(verifyBackOff(s.opts.RetryBase)),
		backoff.WithMaxTries(uint(s.opts.VerifyRetries)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.log.Warnf("余额校验失败，%v 后重试: %v", wait, err)
			if s.opts.OnRetry != nil {
				s.opts.OnRetry(err, wait)
			}
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return bal, err
}

// verifyBackOff base、2*base、4*base ...，不加抖动
func verifyBackOff(base time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Minute,
	}
	b.Reset()
	return b
}

// VerifyReachable 单次余额查询；重试由调用方负责
func (s *Store) VerifyReachable(ctx context.Context, cred *Credential) (domain.Balance, error) {
	return s.rpc.GetBalance(ctx, cred.Address())
}

// Generate 生成新的 24 词助记词钱包；助记词只返回这一次
func (s *Store) Generate(ctx context.Context, userID domain.UserID) (string, *Credential, error) {
	mnemonic, err := hdwallet.NewMnemonic(256)
	if err != nil {
		return "", nil, errors.Wrap(err, "generate mnemonic")
	}
	cred, err := ParseSecret(mnemonic)
	if err != nil {
		return "", nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storeLocked(ctx, userID, cred); err != nil {
		return "", nil, err
	}
	s.log.WithFields(logrus.Fields{"user": userID, "address": cred.Address()}).Infof("已生成新钱包")
	return mnemonic, cred, nil
}

func (s *Store) storeLocked(ctx context.Context, userID domain.UserID, cred *Credential) error {
	blob, err := s.vault.Seal(cred.Seed())
	if err != nil {
		return errors.Wrap(err, "encrypt credential")
	}
	if err := s.persist.Save(ctx, userID, blob); err != nil {
		return err
	}
	s.cache[userID] = cred
	return nil
}

// Locked 持有钱包锁期间可用的操作
type Locked struct {
	s   *Store
	ctx context.Context
}

// Load 等同于 Store.Load，但不重复加锁
func (l Locked) Load(userID domain.UserID) (*Credential, error) {
	return l.s.loadLocked(l.ctx, userID)
}

// Balance 读取链上余额
func (l Locked) Balance(cred *Credential) (domain.Balance, error) {
	return l.s.VerifyReachable(l.ctx, cred)
}

// WithWalletLock 在钱包锁内执行 fn（用于余额检查 + 预留这类复合操作）
func (s *Store) WithWalletLock(ctx context.Context, fn func(Locked) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(Locked{s: s, ctx: ctx})
}

// PruneLimiter 清理长时间未使用的限流状态
func (s *Store) PruneLimiter() int {
	return s.limiter.Prune()
}
