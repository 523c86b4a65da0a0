// Package app 组装所有组件并管理它们的生命周期
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/solbot/internal/api"
	"github.com/betbot/solbot/internal/bot"
	"github.com/betbot/solbot/internal/copytrade"
	"github.com/betbot/solbot/internal/metrics"
	"github.com/betbot/solbot/internal/notify"
	"github.com/betbot/solbot/internal/pending"
	"github.com/betbot/solbot/internal/pricing"
	"github.com/betbot/solbot/internal/router"
	"github.com/betbot/solbot/internal/scheduler"
	"github.com/betbot/solbot/internal/session"
	"github.com/betbot/solbot/internal/solana"
	"github.com/betbot/solbot/internal/trade"
	"github.com/betbot/solbot/internal/tradelog"
	"github.com/betbot/solbot/internal/wallet"
	"github.com/betbot/solbot/pkg/config"
	"github.com/betbot/solbot/pkg/logger"
	"github.com/betbot/solbot/pkg/persistence"
	"github.com/betbot/solbot/pkg/secretstore"
	"github.com/betbot/solbot/pkg/shutdown"
	"github.com/betbot/solbot/pkg/syncgroup"
)

const (
	snapshotInterval = time.Minute
	pruneInterval    = 10 * time.Minute
)

// App 进程内的全部组件
type App struct {
	cfg *config.Config
	log *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	tasks  *syncgroup.SyncGroup
	closer *shutdown.Manager

	secrets    *secretstore.Store
	chain      *solana.Client
	trades     *tradelog.Store
	writer     *tradelog.Writer
	stopWriter context.CancelFunc
	snapshots  persistence.Store
	metricsSrv *http.Server

	State      *session.State
	Wallets    *wallet.Store
	Pending    *pending.Manager
	Executor   *trade.Executor
	Scheduler  *scheduler.Scheduler
	Router     *router.Router
	Copy       *copytrade.Monitor
	Outbox     *notify.Outbox
	Dispatcher *bot.Dispatcher
	API        *api.Server
}

// New 打开存储、恢复会话快照并构建组件；不启动后台任务
func New(parent context.Context, cfg *config.Config) (a *App, err error) {
	ctx, cancel := context.WithCancel(parent)
	a = &App{
		cfg:    cfg,
		log:    logger.Component("app"),
		ctx:    ctx,
		cancel: cancel,
		tasks:  syncgroup.NewSyncGroup(),
		closer: shutdown.NewManager(),
	}
	defer func() {
		if err != nil {
			a.closeStores()
			cancel()
		}
	}()

	vault, err := wallet.NewVaultFromString(cfg.Storage.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("master key 无效: %w", err)
	}
	secretsKey, err := secretstore.ParseKey(cfg.Storage.SecretsKey)
	if err != nil {
		return nil, fmt.Errorf("secrets key 无效: %w", err)
	}
	if a.secrets, err = secretstore.Open(secretstore.OpenOptions{Path: cfg.Storage.SecretsPath, EncryptionKey: secretsKey}); err != nil {
		return nil, err
	}
	if a.trades, err = tradelog.Open(cfg.Storage.TradesDB); err != nil {
		return nil, err
	}
	if a.chain, err = solana.Dial(ctx, solana.Config{
		URL:            cfg.RPC.URL,
		Timeout:        config.Seconds(cfg.RPC.TimeoutSeconds),
		RequestsPerSec: cfg.RPC.RequestsPerSec,
	}); err != nil {
		return nil, err
	}

	a.writer = tradelog.NewWriter(a.trades, 1024)
	a.State = session.New(a.writer)
	a.snapshots = persistence.NewJSONFileService(cfg.Storage.SnapshotDir).NewStore("session", "state")
	if _, err := a.State.LoadFrom(a.snapshots); err != nil {
		// 快照损坏不阻止启动，只丢失偏好和订单
		a.log.Errorf("恢复会话快照失败: %v", err)
	}

	a.Outbox = notify.NewOutbox(100)
	sink := notify.Fanout{a.Outbox, notify.LogSink{}}

	a.Wallets = wallet.NewStore(wallet.NewBadgerCredentialStore(a.secrets), vault, a.chain, wallet.Options{
		VerifyRetries:   cfg.Wallet.VerifyRetries,
		ConnectAttempts: cfg.Wallet.ConnectAttempts,
		ConnectWindow:   config.Seconds(cfg.Wallet.ConnectWindowSeconds),
	})
	a.Pending = pending.NewManager(pending.Config{
		Timeout:       config.Seconds(cfg.Pending.TimeoutSeconds),
		SweepInterval: config.Seconds(cfg.Pending.SweepIntervalSeconds),
	})

	if !cfg.DryRun {
		a.log.Warn("未提供链上结算实现，仍以纸交易模式运行")
	}
	routes := pricing.NewRouteFinder(cfg.Liquidity.URL, cfg.Liquidity.QuoteMint)
	a.Executor = trade.NewExecutor(a.Wallets, routes, trade.DryRunSettler{}, a.State)
	a.Scheduler = scheduler.New(ctx, a.Executor, a.State, sink)

	snipe, err := decimal.NewFromString(cfg.Feed.SnipeAmount)
	if err != nil {
		return nil, fmt.Errorf("feed.snipe_amount 无效: %w", err)
	}
	a.Router = router.New(router.Config{
		URL:              cfg.Feed.URL,
		SubscribeMessage: cfg.Feed.SubscribeMessage,
		Backoff: router.Backoff{
			Initial:    config.FloatSeconds(cfg.Feed.InitialBackoffSeconds),
			Multiplier: cfg.Feed.BackoffMultiplier,
			Max:        config.FloatSeconds(cfg.Feed.MaxBackoffSeconds),
		},
		Workers:      cfg.Feed.Workers,
		SnipeAmount:  snipe,
		ObservedSize: cfg.Feed.ObservedLogSize,
	}, router.WSDialer{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     config.Seconds(cfg.Feed.PingIntervalSeconds),
		PongTimeout:      config.Seconds(cfg.Feed.PongTimeoutSeconds),
	}, a.State, a.Executor, sink)

	copyAmount, err := decimal.NewFromString(cfg.CopyTrade.Amount)
	if err != nil {
		return nil, fmt.Errorf("copytrade.amount 无效: %w", err)
	}
	a.Copy = copytrade.NewMonitor(ctx, copytrade.Config{
		PollInterval: config.Seconds(cfg.CopyTrade.PollIntervalSeconds),
		Amount:       copyAmount,
		Token:        cfg.CopyTrade.Token,
	}, a.chain, a.State, a.Executor, sink)

	oracle := pricing.NewOracle(pricing.OracleConfig{
		TTL: config.Seconds(cfg.Price.CacheTTLSeconds),
		Min: decimal.NewFromFloat(cfg.Price.MinPlausible),
		Max: decimal.NewFromFloat(cfg.Price.MaxPlausible),
	}, pricing.NewCoinGecko(cfg.Price.PrimaryURL), pricing.NewBinance(cfg.Price.SecondaryURL))

	a.Dispatcher = bot.NewDispatcher(bot.Deps{
		Wallets:   a.Wallets,
		Pending:   a.Pending,
		State:     a.State,
		Executor:  a.Executor,
		Scheduler: a.Scheduler,
		Copy:      a.Copy,
		Prices:    oracle,
		History:   a.trades,
	})

	if cfg.API.Listen != "" {
		if a.API, err = api.New(api.Config{
			Listen:    cfg.API.Listen,
			JWTSecret: cfg.API.JWTSecret,
			DevTokens: cfg.API.DevTokens,
		}, a.Dispatcher, a.Outbox, a.Status); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Status 运行状态快照
func (a *App) Status() api.Status {
	return api.Status{
		Feed:          a.Router.State().String(),
		Reconnects:    a.Router.Reconnects(),
		ParseFailures: a.Router.ParseFailures(),
		Observed:      a.Router.Observed(20),
		ActiveDCA:     len(a.Scheduler.Active()),
		CopyLoops:     a.Copy.Running(),
		Pending:       a.Pending.Len(),
	}
}

// Start 恢复定投和跟单，启动所有后台任务
func (a *App) Start() error {
	for _, o := range a.State.AllRecurring() {
		if _, err := a.Scheduler.Schedule(o); err != nil {
			a.log.WithField("order", o.ID).Errorf("恢复定投失败: %v", err)
		}
	}
	a.Copy.Resume(a.State.AllCopyTargets())

	srv, err := metrics.StartAsync(a.ctx, a.cfg.MetricsListen)
	if err != nil {
		return err
	}
	a.metricsSrv = srv

	// 写入协程不跟随根 ctx：关闭时要等进行中的交易记录完再停
	wctx, stop := context.WithCancel(context.Background())
	a.stopWriter = stop
	go a.writer.Run(wctx)

	a.tasks.Add("pending", a.Pending.Run)
	a.tasks.Add("router", a.Router.Run)
	a.tasks.Add("snapshot", a.snapshotLoop)
	a.tasks.Add("wallet-limiter", a.pruneLoop)
	if a.API != nil {
		a.tasks.Add("api", func(ctx context.Context) {
			if err := a.API.Run(ctx); err != nil {
				a.log.Errorf("HTTP 接口退出: %v", err)
			}
		})
	}
	a.tasks.Run(a.ctx)

	a.closer.OnShutdown("scheduler", a.Scheduler.Stop)
	a.closer.OnShutdown("copytrade", a.Copy.StopAll)
	a.closer.OnShutdown("tasks", func(ctx context.Context) { a.tasks.WaitContext(ctx) })

	a.log.Infof("已启动: dca=%d copy=%d", len(a.Scheduler.Active()), a.Copy.Running())
	return nil
}

// Shutdown 停止后台任务，等待进行中的交易，写完交易记录后保存快照并关闭存储
func (a *App) Shutdown(ctx context.Context) {
	a.cancel()
	a.closer.Shutdown(ctx)

	trades := make(chan struct{})
	go func() {
		a.Executor.Wait()
		close(trades)
	}()
	select {
	case <-trades:
	case <-ctx.Done():
		a.log.Warnf("等待进行中的交易超时")
	}

	if a.stopWriter != nil {
		a.stopWriter()
		select {
		case <-a.writer.Done():
		case <-ctx.Done():
			a.log.Warnf("交易记录写入超时")
		}
	}
	if err := a.State.SaveTo(a.snapshots); err != nil {
		a.log.Errorf("保存会话快照失败: %v", err)
	}
	a.closeStores()
}

func (a *App) closeStores() {
	if a.chain != nil {
		a.chain.Close()
	}
	if a.trades != nil {
		_ = a.trades.Close()
	}
	if a.secrets != nil {
		_ = a.secrets.Close()
	}
}

func (a *App) snapshotLoop(ctx context.Context) {
	t := time.NewTicker(snapshotInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !a.State.TakeChanged() {
				continue
			}
			if err := a.State.SaveTo(a.snapshots); err != nil {
				a.log.Errorf("保存会话快照失败: %v", err)
			}
		}
	}
}

func (a *App) pruneLoop(ctx context.Context) {
	t := time.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := a.Wallets.PruneLimiter(); n > 0 {
				a.log.Debugf("清理钱包连接限速记录: %d", n)
			}
		}
	}
}
