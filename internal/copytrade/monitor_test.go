package copytrade

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/solbot/internal/domain"
	"github.com/betbot/solbot/internal/notify"
	"github.com/betbot/solbot/internal/session"
	"github.com/betbot/solbot/internal/solana"
	"github.com/betbot/solbot/internal/trade"
)

var trader = base58.Encode(make([]byte, 32))

type fakeChain struct {
	mu     sync.Mutex
	latest string
	logs   map[string][]string
	err    error
}

func (f *fakeChain) set(sig string, logs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = sig
	if f.logs == nil {
		f.logs = map[string][]string{}
	}
	f.logs[sig] = logs
}

func (f *fakeChain) GetSignaturesForAddress(context.Context, string, int) ([]solana.SignatureInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.latest == "" {
		return nil, nil
	}
	return []solana.SignatureInfo{{Signature: f.latest}}, nil
}

func (f *fakeChain) GetTransaction(_ context.Context, sig string) (*solana.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &solana.Transaction{Meta: &solana.TransactionMeta{LogMessages: f.logs[sig]}}, nil
}

type countingExec struct {
	mu   sync.Mutex
	reqs []trade.Request
}

func (e *countingExec) Execute(_ context.Context, req trade.Request) (domain.TradeRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reqs = append(e.reqs, req)
	return domain.TradeRecord{UserID: req.UserID, Token: req.Token, Amount: req.Amount, Action: req.Action}, nil
}

func (e *countingExec) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.reqs)
}

func newTestMonitor(t *testing.T, chain ChainReader, exec Executor) (*Monitor, *session.State, *notify.Outbox) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	state := session.New(nil)
	out := notify.NewOutbox(10)
	m := NewMonitor(ctx, Config{PollInterval: 10 * time.Millisecond, Amount: decimal.RequireFromString("1.0"), Token: "TOKEN"},
		chain, state, exec, out)
	t.Cleanup(func() {
		cancel()
		m.StopAll(context.Background())
	})
	return m, state, out
}

func TestCopiesEachSwapOnce(t *testing.T) {
	chain := &fakeChain{}
	chain.set("old", "Program log: Instruction: Swap")
	exec := &countingExec{}
	m, state, out := newTestMonitor(t, chain, exec)

	require.NoError(t, m.Start(1, trader))
	assert.Len(t, state.CopyTargets(1), 1)

	// 基线交易不跟单
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, exec.count())

	chain.set("s1", "Program log: Instruction: Swap")
	assert.Eventually(t, func() bool { return exec.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, exec.count(), "同一笔交易只跟一次")

	chain.set("s2", "Program log: Instruction: Transfer")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, exec.count(), "非兑换交易不跟单")

	exec.mu.Lock()
	req := exec.reqs[0]
	exec.mu.Unlock()
	assert.Equal(t, domain.SourceCopy, req.Source)
	assert.Equal(t, "TOKEN", req.Token)
	assert.Equal(t, 1, out.Pending(1))
}

func TestStartValidatesAndDeduplicates(t *testing.T) {
	m, _, _ := newTestMonitor(t, &fakeChain{}, &countingExec{})
	err := m.Start(1, "not-an-address")
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	require.NoError(t, m.Start(1, trader))
	require.NoError(t, m.Start(1, trader))
	assert.Equal(t, 1, m.Running())

	assert.Equal(t, 1, m.Stop(1))
	assert.Equal(t, 0, m.Running())
}

func TestPollErrorsKeepLoopAlive(t *testing.T) {
	chain := &fakeChain{err: errors.New("rpc down")}
	exec := &countingExec{}
	m, _, _ := newTestMonitor(t, chain, exec)
	require.NoError(t, m.Start(1, trader))

	time.Sleep(30 * time.Millisecond)
	chain.set("a", "swap")
	chain.mu.Lock()
	chain.err = nil
	chain.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	chain.set("b", "swap")

	assert.Eventually(t, func() bool { return exec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, m.Running())
}

func TestIsSwap(t *testing.T) {
	assert.True(t, IsSwap([]string{"Program log: Instruction: SwapBaseIn"}))
	assert.False(t, IsSwap([]string{"Program log: Instruction: Transfer"}))
	assert.False(t, IsSwap(nil))
}
