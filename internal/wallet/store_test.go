package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/solbot/internal/domain"
	"github.com/betbot/solbot/pkg/secretstore"
)

type fakeRPC struct {
	mu       sync.Mutex
	balance  domain.Balance
	failures []error // 依次返回，用完后返回 balance
	calls    int
}

func (f *fakeRPC) GetBalance(_ context.Context, _ string) (domain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return domain.Balance{}, err
	}
	return f.balance, nil
}

// recordedRetries 记录重试等待时长；测试中把基础等待缩短到 1ms
type recordedRetries struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordedRetries) onRetry(_ error, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
}

func newTestBadger(t *testing.T) *secretstore.Store {
	t.Helper()
	db, err := secretstore.Open(secretstore.OpenOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStore(t *testing.T, persist CredentialStore, rpc BalanceReader, retries *recordedRetries) *Store {
	t.Helper()
	v, err := NewVault(make([]byte, 32))
	require.NoError(t, err)
	opts := Options{RetryBase: time.Millisecond}
	if retries != nil {
		opts.OnRetry = retries.onRetry
	}
	return NewStore(persist, v, rpc, opts)
}

func TestConnectPersistsAndLoadIsIdempotent(t *testing.T) {
	db := newTestBadger(t)
	persist := NewBadgerCredentialStore(db)
	rpc := &fakeRPC{balance: domain.Balance{Lamports: 3 * domain.LamportsPerSOL}}
	s := newTestStore(t, persist, rpc, nil)
	ctx := context.Background()

	cred, bal, err := s.Connect(ctx, 42, hex.EncodeToString(testSeed()))
	require.NoError(t, err)
	assert.Equal(t, "3", bal.SOL().String())

	c1, err := s.Load(ctx, 42)
	require.NoError(t, err)
	c2, err := s.Load(ctx, 42)
	require.NoError(t, err)
	assert.Same(t, cred, c1)
	assert.Same(t, c1, c2)
	assert.True(t, s.HasWallet(ctx, 42))

	// 新进程：缓存为空，从 Badger 解密加载
	fresh := newTestStore(t, persist, rpc, nil)
	c3, err := fresh.Load(ctx, 42)
	require.NoError(t, err)
	c4, err := fresh.Load(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, cred.Address(), c3.Address())
	assert.Same(t, c3, c4)
}

func TestLoadMissingAndCorrupt(t *testing.T) {
	db := newTestBadger(t)
	persist := NewBadgerCredentialStore(db)
	s := newTestStore(t, persist, &fakeRPC{}, nil)
	ctx := context.Background()

	_, err := s.Load(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrNoWallet)
	assert.False(t, s.HasWallet(ctx, 1))

	require.NoError(t, persist.Save(ctx, 2, "not-a-valid-envelope"))
	_, err = s.Load(ctx, 2)
	assert.ErrorIs(t, err, domain.ErrNoWallet)
	assert.ErrorIs(t, err, domain.ErrCorruptCredential)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestConnectInvalidFormatHasNoSideEffects(t *testing.T) {
	db := newTestBadger(t)
	rpc := &fakeRPC{}
	s := newTestStore(t, NewBadgerCredentialStore(db), rpc, nil)

	_, _, err := s.Connect(context.Background(), 5, "one two three four five")
	assert.ErrorIs(t, err, domain.ErrInvalidFormat)
	assert.Equal(t, 0, rpc.calls)
	assert.False(t, s.HasWallet(context.Background(), 5))
}

func TestConnectRetriesTransientBalanceErrors(t *testing.T) {
	transient := domain.WrapError(domain.KindTransient, domain.ErrTransientRPC.Msg, errors.New("503"))
	rpc := &fakeRPC{failures: []error{transient, transient}, balance: domain.Balance{Lamports: 1}}
	retries := &recordedRetries{}
	s := newTestStore(t, NewBadgerCredentialStore(newTestBadger(t)), rpc, retries)

	_, _, err := s.Connect(context.Background(), 7, hex.EncodeToString(testSeed()))
	require.NoError(t, err)
	assert.Equal(t, 3, rpc.calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, retries.waits)
}

func TestVerifyBackOffDelays(t *testing.T) {
	var opts Options
	opts.setDefaults()
	b := verifyBackOff(opts.RetryBase)
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 4*time.Second, b.NextBackOff())
	assert.Equal(t, 3, opts.VerifyRetries)
}

func TestConnectGivesUpAfterThreeTransientFailures(t *testing.T) {
	transient := domain.WrapError(domain.KindTransient, domain.ErrTransientRPC.Msg, errors.New("timeout"))
	rpc := &fakeRPC{failures: []error{transient, transient, transient, transient}}
	s := newTestStore(t, NewBadgerCredentialStore(newTestBadger(t)), rpc, &recordedRetries{})

	_, _, err := s.Connect(context.Background(), 7, hex.EncodeToString(testSeed()))
	assert.ErrorIs(t, err, domain.ErrTransientRPC)
	assert.Equal(t, 3, rpc.calls)
	assert.False(t, s.HasWallet(context.Background(), 7))
}

func TestConnectDoesNotRetryPermanentErrors(t *testing.T) {
	rpc := &fakeRPC{failures: []error{errors.New("invalid param")}}
	retries := &recordedRetries{}
	s := newTestStore(t, NewBadgerCredentialStore(newTestBadger(t)), rpc, retries)

	_, _, err := s.Connect(context.Background(), 7, hex.EncodeToString(testSeed()))
	require.Error(t, err)
	assert.EqualError(t, err, "invalid param")
	assert.Equal(t, 1, rpc.calls)
	assert.Empty(t, retries.waits)
}

func TestConnectRateLimited(t *testing.T) {
	s := newTestStore(t, NewBadgerCredentialStore(newTestBadger(t)), &fakeRPC{}, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := s.Connect(ctx, 9, "bad")
		assert.ErrorIs(t, err, domain.ErrInvalidFormat)
	}
	_, _, err := s.Connect(ctx, 9, hex.EncodeToString(testSeed()))
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	// 其他用户不受影响
	_, _, err = s.Connect(ctx, 10, hex.EncodeToString(testSeed()))
	assert.NoError(t, err)
}

func TestGenerate(t *testing.T) {
	s := newTestStore(t, NewBadgerCredentialStore(newTestBadger(t)), &fakeRPC{}, nil)
	ctx := context.Background()

	mnemonic, cred, err := s.Generate(ctx, 11)
	require.NoError(t, err)
	assert.Len(t, strings.Fields(mnemonic), 24)

	again, err := ParseSecret(mnemonic)
	require.NoError(t, err)
	assert.Equal(t, cred.Address(), again.Address())

	loaded, err := s.Load(ctx, 11)
	require.NoError(t, err)
	assert.Same(t, cred, loaded)
}

func TestWithWalletLockExposesBalance(t *testing.T) {
	rpc := &fakeRPC{balance: domain.Balance{Lamports: 5}}
	s := newTestStore(t, NewBadgerCredentialStore(newTestBadger(t)), rpc, nil)
	ctx := context.Background()
	_, _, err := s.Connect(ctx, 1, hex.EncodeToString(testSeed()))
	require.NoError(t, err)

	err = s.WithWalletLock(ctx, func(l Locked) error {
		c, err := l.Load(1)
		if err != nil {
			return err
		}
		bal, err := l.Balance(c)
		assert.Equal(t, uint64(5), bal.Lamports)
		return err
	})
	require.NoError(t, err)
}

// gatedRPC 第一次查询阻塞到 release 关闭
type gatedRPC struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRPC) GetBalance(context.Context, string) (domain.Balance, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return domain.Balance{Lamports: 1}, nil
}

func TestConnectVerifiesOutsideWalletLock(t *testing.T) {
	rpc := &gatedRPC{entered: make(chan struct{}), release: make(chan struct{})}
	s := newTestStore(t, NewBadgerCredentialStore(newTestBadger(t)), rpc, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, _, err := s.Connect(ctx, 3, hex.EncodeToString(testSeed()))
		done <- err
	}()
	<-rpc.entered

	locked := make(chan struct{})
	go func() {
		_ = s.WithWalletLock(ctx, func(Locked) error { return nil })
		close(locked)
	}()
	select {
	case <-locked:
	case <-time.After(time.Second):
		t.Fatal("余额校验期间钱包锁被占用")
	}

	close(rpc.release)
	require.NoError(t, <-done)
	assert.True(t, s.HasWallet(ctx, 3))
}
