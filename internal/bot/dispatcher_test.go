package bot

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/solbot/internal/domain"
	"github.com/betbot/solbot/internal/pending"
	"github.com/betbot/solbot/internal/scheduler"
	"github.com/betbot/solbot/internal/session"
	"github.com/betbot/solbot/internal/trade"
	"github.com/betbot/solbot/internal/wallet"
	"github.com/betbot/solbot/pkg/secretstore"
)

type fixedBalance struct{ lamports uint64 }

func (f fixedBalance) GetBalance(context.Context, string) (domain.Balance, error) {
	return domain.Balance{Lamports: f.lamports}, nil
}

type fakeExec struct {
	mu   sync.Mutex
	reqs []trade.Request
	err  error
}

func (e *fakeExec) Execute(_ context.Context, req trade.Request) (domain.TradeRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reqs = append(e.reqs, req)
	if e.err != nil {
		return domain.TradeRecord{}, e.err
	}
	return domain.TradeRecord{ID: "t1", UserID: req.UserID, Action: req.Action, Token: req.Token,
		Amount: req.Amount, Route: "raydium:pool", Source: req.Source, Timestamp: time.Now()}, nil
}

type fakeScheduler struct {
	orders []domain.RecurringOrder
}

func (s *fakeScheduler) Schedule(o domain.RecurringOrder) (*scheduler.TaskHandle, error) {
	o.ID = "dca-1"
	s.orders = append(s.orders, o)
	return &scheduler.TaskHandle{Order: o}, nil
}

func (s *fakeScheduler) Cancel(_ domain.UserID, id string) bool { return id == "dca-1" }

type fakeCopy struct{ started []string }

func (c *fakeCopy) Start(_ domain.UserID, trader string) error {
	if !wallet.ValidAddress(trader) {
		return domain.NewError(domain.KindValidation, "invalid trader address")
	}
	c.started = append(c.started, trader)
	return nil
}

func (c *fakeCopy) Stop(domain.UserID) int { return len(c.started) }

type fixedPrice struct{ p decimal.Decimal }

func (f fixedPrice) SOLPrice(context.Context) (decimal.Decimal, error) { return f.p, nil }

type harness struct {
	d       *Dispatcher
	wallets *wallet.Store
	exec  *fakeExec
	sched *fakeScheduler
	copy  *fakeCopy
	state *session.State
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := secretstore.Open(secretstore.OpenOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	vault, err := wallet.NewVault(make([]byte, 32))
	require.NoError(t, err)

	h := &harness{exec: &fakeExec{}, sched: &fakeScheduler{}, copy: &fakeCopy{}, state: session.New(nil)}
	h.wallets = wallet.NewStore(wallet.NewBadgerCredentialStore(db), vault, fixedBalance{2 * domain.LamportsPerSOL}, wallet.Options{})
	h.d = NewDispatcher(Deps{
		Wallets:   h.wallets,
		Pending:   pending.NewManager(pending.Config{}),
		State:     h.state,
		Executor:  h.exec,
		Scheduler: h.sched,
		Copy:      h.copy,
		Prices:    fixedPrice{decimal.NewFromInt(150)},
	})
	return h
}

func seedHex() string {
	seed := make([]byte, 32)
	seed[31] = 1
	return hex.EncodeToString(seed)
}

func TestParseCallback(t *testing.T) {
	tests := []struct {
		data string
		want Command
	}{
		{"sniperpump", Command{Kind: CommandEnableSniperPump}},
		{"snipermoonshot", Command{Kind: CommandEnableSniperMoonshot}},
		{"lang_ES", Command{Kind: CommandSetLanguage, Args: []string{"ES"}}},
		{"canceldca_abc", Command{Kind: CommandCancelDCA, Args: []string{"abc"}}},
		{"create_limit", Command{Kind: CommandCreateLimit}},
		{"bogus", Command{Kind: CommandUnknown}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseCallback(tt.data), tt.data)
	}
}

func TestParseCommand(t *testing.T) {
	cmd, ok := ParseCommand("/createdca SOL 0.1 3600")
	require.True(t, ok)
	assert.Equal(t, CommandCreateDCA, cmd.Kind)
	assert.Equal(t, []string{"SOL", "0.1", "3600"}, cmd.Args)

	cmd, ok = ParseCommand("/help@solbot")
	require.True(t, ok)
	assert.Equal(t, CommandHelp, cmd.Kind)

	_, ok = ParseCommand("TOKEN, 1.0")
	assert.False(t, ok)

	assert.Equal(t, CommandProfile, CommandByName("portfolio", nil).Kind)
	assert.Equal(t, CommandTrades, CommandByName("/trades", nil).Kind)
}

func TestUnknownCallbackIsSilent(t *testing.T) {
	h := newHarness(t)
	assert.True(t, h.d.Handle(context.Background(), 1, ParseCallback("nope")).Empty())
}

func TestWalletConnectFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r := h.d.Handle(ctx, 1, ParseCallback("wallet"))
	assert.Contains(t, r.Text, "Send wallet details")

	r = h.d.HandleText(ctx, 1, seedHex())
	assert.True(t, strings.HasPrefix(r.Text, "✅ Wallet connected"), r.Text)
	assert.Contains(t, r.Text, "2.0000 SOL")

	// 动作只被消费一次
	r = h.d.HandleText(ctx, 1, seedHex())
	assert.Equal(t, "⚠️ no pending action", r.Text)
}

func TestWalletConnectRejectsGarbage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.d.Handle(ctx, 1, Command{Kind: CommandWallet})
	r := h.d.HandleText(ctx, 1, "not a key")
	assert.True(t, strings.HasPrefix(r.Text, "❌ invalid key format"), r.Text)

	r = h.d.Handle(ctx, 1, Command{Kind: CommandProfile})
	assert.Equal(t, "⚠️ no wallet connected", r.Text)
}

func TestTradeFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.d.Handle(ctx, 1, Command{Kind: CommandTrade})
	r := h.d.HandleText(ctx, 1, "MintX, 0.5")
	assert.True(t, strings.HasPrefix(r.Text, "✅ BUY"), r.Text)
	require.Len(t, h.exec.reqs, 1)
	assert.Equal(t, "MintX", h.exec.reqs[0].Token)
	assert.Equal(t, domain.SourceManual, h.exec.reqs[0].Source)

	r = h.d.Handle(ctx, 1, Command{Kind: CommandTrade, Args: []string{"MintX,", "1,", "sell"}})
	assert.True(t, strings.HasPrefix(r.Text, "✅ SELL"), r.Text)

	h.d.Handle(ctx, 1, Command{Kind: CommandTrade})
	r = h.d.HandleText(ctx, 1, "MintX, -1")
	assert.True(t, strings.HasPrefix(r.Text, "❌ amount must be positive"), r.Text)

	h.exec.err = domain.ErrInsufficientFunds
	r = h.d.Handle(ctx, 1, Command{Kind: CommandTrade, Args: []string{"MintX", "5"}})
	assert.Equal(t, "❌ insufficient funds", r.Text)
}

func TestLimitOrderFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.d.Handle(ctx, 1, ParseCallback("modify_limit"))
	r := h.d.HandleText(ctx, 1, "MintL, 2, 3")
	assert.Equal(t, "⚠️ order not found", r.Text)

	h.d.Handle(ctx, 1, ParseCallback("create_limit"))
	r = h.d.HandleText(ctx, 1, "MintL, 2, 3")
	assert.Contains(t, r.Text, "Limit order saved")
	lo, ok := h.state.LimitOrder(1)
	require.True(t, ok)
	assert.Equal(t, "2", lo.Price.String())
	require.Len(t, h.exec.reqs, 1)
	assert.Equal(t, "3", h.exec.reqs[0].Amount.String())
	assert.Equal(t, domain.SourceLimit, h.exec.reqs[0].Source)

	h.d.Handle(ctx, 1, ParseCallback("create_limit"))
	r = h.d.HandleText(ctx, 1, "MintL, 2")
	assert.True(t, strings.HasPrefix(r.Text, "❌"), r.Text)
}

func TestSlippageAndSettings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.d.Handle(ctx, 1, ParseCallback("slippage"))
	r := h.d.HandleText(ctx, 1, "60")
	assert.True(t, strings.HasPrefix(r.Text, "❌ slippage must be greater than 0 and at most 50"), r.Text)

	r = h.d.HandleText(ctx, 1, "/slippage 1.5%")
	assert.Equal(t, "✅ Slippage set to 1.5%", r.Text)

	assert.Equal(t, "✅ Auto Buy on", h.d.Handle(ctx, 1, ParseCallback("autobuy")).Text)
	assert.Equal(t, "🌍 Language set to ES", h.d.Handle(ctx, 1, ParseCallback("lang_ES")).Text)
	assert.True(t, strings.HasPrefix(h.d.Handle(ctx, 1, ParseCallback("lang_FR")).Text, "❌"))

	r = h.d.Handle(ctx, 1, Command{Kind: CommandSettings})
	assert.Contains(t, r.Text, "Slippage: 1.5%")
	assert.Contains(t, r.Text, "Language: ES")
}

func TestCreateDCA(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r := h.d.HandleText(ctx, 1, "/createdca SOL 0.1")
	assert.Contains(t, r.Text, "usage")

	r = h.d.HandleText(ctx, 1, "/createdca SOL 0.1 3600")
	assert.Equal(t, "⚠️ no wallet connected", r.Text)
	assert.Empty(t, h.sched.orders)

	h.d.Handle(ctx, 1, Command{Kind: CommandWallet})
	h.d.HandleText(ctx, 1, seedHex())

	r = h.d.HandleText(ctx, 1, "/createdca SOL 0.1 abc")
	assert.True(t, strings.HasPrefix(r.Text, "❌"))

	// 超过上限的间隔（包括会让时长溢出的值）直接拒绝
	for _, iv := range []string{"9223372037", "31536001", "1e30"} {
		r = h.d.HandleText(ctx, 1, "/createdca SOL 0.1 "+iv)
		assert.Equal(t, "❌ interval must be between 1 second and 365 days", r.Text, iv)
	}
	assert.Empty(t, h.sched.orders)

	r = h.d.HandleText(ctx, 1, "/createdca SOL 0.1 3600")
	assert.Contains(t, r.Text, "every 3600s")
	require.Len(t, h.sched.orders, 1)
	assert.Equal(t, int64(3600), h.sched.orders[0].IntervalSeconds)

	assert.Equal(t, "🛑 DCA order cancelled", h.d.Handle(ctx, 1, ParseCallback("canceldca_dca-1")).Text)
	assert.Equal(t, "⚠️ order not found", h.d.Handle(ctx, 1, ParseCallback("canceldca_other")).Text)
}

func TestCopyTradeFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	trader := "11111111111111111111111111111111"
	r := h.d.Handle(ctx, 1, Command{Kind: CommandCopyTrade, Args: []string{trader}})
	assert.Equal(t, "⚠️ no wallet connected", r.Text)
	assert.Empty(t, h.copy.started)

	h.d.Handle(ctx, 1, Command{Kind: CommandWallet})
	h.d.HandleText(ctx, 1, seedHex())

	h.d.Handle(ctx, 1, Command{Kind: CommandCopyTrade})
	r = h.d.HandleText(ctx, 1, "0xdeadbeef")
	assert.True(t, strings.HasPrefix(r.Text, "❌ invalid trader address"), r.Text)

	// 校验失败后流程仍在等待输入
	r = h.d.HandleText(ctx, 1, trader)
	assert.Contains(t, r.Text, "Copy trading started")
	assert.Equal(t, []string{trader}, h.copy.started)
}

func TestSniperRequiresWallet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.Equal(t, "⚠️ no wallet connected", h.d.Handle(ctx, 1, ParseCallback("sniperpump")).Text)

	h.d.Handle(ctx, 1, Command{Kind: CommandWallet})
	h.d.HandleText(ctx, 1, seedHex())
	assert.Equal(t, "🎯 Pump.fun sniper activated", h.d.Handle(ctx, 1, ParseCallback("sniperpump")).Text)
	assert.Equal(t, []domain.UserID{1}, h.state.Subscribers(domain.TriggerPump))
	assert.Contains(t, h.d.Handle(ctx, 1, ParseCallback("snipermoonshot")).Text, "not implemented")
}

func TestProfileAndTrades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.d.Handle(ctx, 1, Command{Kind: CommandWallet})
	h.d.HandleText(ctx, 1, seedHex())
	h.state.AppendTrade(domain.TradeRecord{ID: "a", UserID: 1, Action: domain.ActionBuy, Token: "T", Amount: decimal.NewFromInt(1)})

	r := h.d.Handle(ctx, 1, Command{Kind: CommandProfile})
	assert.Contains(t, r.Text, "Balance: 2.0000 SOL ($300.00)")
	assert.Contains(t, r.Text, "Trades: 1")

	r = h.d.Handle(ctx, 1, Command{Kind: CommandTrades})
	assert.Contains(t, r.Text, "Recent trades")
	assert.Equal(t, "📨 Referral Code: REF-000001", h.d.Handle(ctx, 1, Command{Kind: CommandReferral}).Text)
}

func TestProfileWaitsForWalletLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.d.Handle(ctx, 1, Command{Kind: CommandWallet})
	h.d.HandleText(ctx, 1, seedHex())

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = h.wallets.WithWalletLock(ctx, func(wallet.Locked) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	done := make(chan Reply, 1)
	go func() { done <- h.d.Handle(ctx, 1, Command{Kind: CommandProfile}) }()
	select {
	case <-done:
		t.Fatal("profile returned while the wallet lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case r := <-done:
		assert.Contains(t, r.Text, "Balance: 2.0000 SOL")
	case <-time.After(2 * time.Second):
		t.Fatal("profile did not finish after the lock was released")
	}
}

func TestCancelPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	assert.Equal(t, "⚠️ no pending action", h.d.HandleText(ctx, 1, "/cancel").Text)
	h.d.Handle(ctx, 1, Command{Kind: CommandTrade})
	assert.Equal(t, "❎ Cancelled", h.d.HandleText(ctx, 1, "/cancel").Text)
	assert.Equal(t, "⚠️ no pending action", h.d.HandleText(ctx, 1, "T, 1").Text)
}

func TestFlowRetriesAfterInvalidInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.d.Handle(ctx, 1, Command{Kind: CommandWallet})
	r := h.d.HandleText(ctx, 1, "not a key")
	assert.Contains(t, r.Text, "Send it again")
	r = h.d.HandleText(ctx, 1, seedHex())
	assert.True(t, strings.HasPrefix(r.Text, "✅ Wallet connected"), r.Text)

	h.d.Handle(ctx, 1, Command{Kind: CommandTrade})
	for i := 1; i < maxFlowAttempts; i++ {
		r = h.d.HandleText(ctx, 1, "MintX")
		assert.Contains(t, r.Text, "Send it again", "attempt %d", i)
	}
	r = h.d.HandleText(ctx, 1, "MintX")
	assert.True(t, strings.HasPrefix(r.Text, "❌"), r.Text)
	assert.NotContains(t, r.Text, "Send it again")
	assert.Equal(t, "⚠️ no pending action", h.d.HandleText(ctx, 1, "MintX, 1").Text)
	assert.Empty(t, h.exec.reqs)
}

func TestNonValidationFailureEndsFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.d.Handle(ctx, 1, ParseCallback("modify_limit"))
	assert.Equal(t, "⚠️ order not found", h.d.HandleText(ctx, 1, "MintL, 2, 3").Text)
	assert.Equal(t, "⚠️ no pending action", h.d.HandleText(ctx, 1, "MintL, 2, 3").Text)
}
