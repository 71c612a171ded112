package graduation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/promptpad/internal/curve"
	"github.com/alanyoungcy/promptpad/internal/domain"
	"github.com/alanyoungcy/promptpad/internal/store/memory"
)

type fakeChain struct {
	mu         sync.Mutex
	deploys    int
	pools      int
	lookups    int
	deployErr  error
	poolErr    error
	lastDeploy domain.DeployParams
	lastPool   domain.LiquidityParams

	// broadcast is announced through DeployParams.Submitted before the
	// deploy returns.
	broadcast string
	// mined answers LookupDeployment. A missing hash reports ErrNotFound and
	// an entry without an address reports ErrTxReverted.
	mined map[string]domain.DeployResult
	// gate, when set, holds every deploy until it is closed.
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeChain) DeployTokenContract(_ context.Context, p domain.DeployParams) (domain.DeployResult, error) {
	f.mu.Lock()
	f.deploys++
	f.lastDeploy = p
	gate, broadcast, deployErr := f.gate, f.broadcast, f.deployErr
	f.mu.Unlock()

	if broadcast != "" && p.Submitted != nil {
		p.Submitted(broadcast)
	}
	if gate != nil {
		f.entered <- struct{}{}
		<-gate
	}
	if deployErr != nil {
		return domain.DeployResult{}, deployErr
	}
	return domain.DeployResult{Address: "0xv2-" + p.Symbol, TxHash: "0xdeploy"}, nil
}

func (f *fakeChain) LookupDeployment(_ context.Context, txHash string) (domain.DeployResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	res, ok := f.mined[txHash]
	if !ok {
		return domain.DeployResult{}, domain.ErrNotFound
	}
	if res.Address == "" {
		return domain.DeployResult{}, domain.ErrTxReverted
	}
	return res, nil
}

// hold makes deploys block until the returned func is called.
func (f *fakeChain) hold() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 8)
	return func() { close(f.gate) }
}

func (f *fakeChain) CreateLiquidityPool(_ context.Context, p domain.LiquidityParams) (domain.LiquidityResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pools++
	f.lastPool = p
	if f.poolErr != nil {
		return domain.LiquidityResult{}, f.poolErr
	}
	return domain.LiquidityResult{
		PoolAddress: "0xpool",
		TxHash:      "0xadd",
		LockTxHash:  "0xlock",
		UnlockAt:    time.Now().Add(p.LockDuration),
	}, nil
}

func (f *fakeChain) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deploys, f.pools
}

func (f *fakeChain) setErrors(deploy, pool error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployErr, f.poolErr = deploy, pool
}

type heldLocks struct{}

func (heldLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

type fixture struct {
	machine *Machine
	curves  *memory.CurveStore
	events  *memory.GraduationStore
	chain   *fakeChain
	cfg     domain.CurveConfig
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	curves := memory.NewCurveStore(memory.NewTradeStore())
	events := memory.NewGraduationStore()
	chain := &fakeChain{}

	cfg := curve.V7Defaults()
	cfg.TokenID = "tok-1"
	cfg.Name = "Agent"
	cfg.Symbol = "AGT"
	cfg.GraduationPromptThreshold = 10_000
	require.NoError(t, curves.CreateToken(context.Background(), cfg))

	m := NewMachine(curves, events, chain, chain, DefaultConfig(), discard())
	return fixture{machine: m, curves: curves, events: events, chain: chain, cfg: cfg}
}

// seed moves the curve to tokensSold as if trades had happened.
func (f fixture) seed(t *testing.T, tokensSold float64) {
	t.Helper()
	c := curve.New(f.cfg)
	_, err := f.curves.ApplyTrade(context.Background(), f.cfg.TokenID, "0xwhale",
		func(_ domain.CurveConfig, st domain.CurveState, _ float64) (domain.TradeMutation, error) {
			next := st
			next.TokensSold = tokensSold
			next.PromptRaised = c.PromptRaisedFromTokensSold(tokensSold)
			next.TradeCount++
			return domain.TradeMutation{
				Prev: st, State: next, BalanceDelta: tokensSold,
				Record: domain.TradeRecord{ID: fmt.Sprintf("seed-%.0f", tokensSold), TokenID: f.cfg.TokenID},
			}, nil
		})
	require.NoError(t, err)
}

func (f fixture) seedGraduated(t *testing.T) {
	f.seed(t, 500_000_000)
}

func TestTriggerRunsToCompletion(t *testing.T) {
	f := newFixture(t)
	f.seedGraduated(t)
	ctx := context.Background()

	ev, err := f.machine.Trigger(ctx, "tok-1", "", false)
	require.NoError(t, err)
	assert.Equal(t, domain.GraduationCompleted, ev.Status)
	assert.Equal(t, "0xv2-AGT", ev.V2ContractAddress)
	assert.Equal(t, "0xpool", ev.LiquidityPoolAddress)
	require.NotNil(t, ev.LPUnlockAt)
	require.NotNil(t, ev.CompletedAt)

	raised := ev.PromptRaisedAtGraduation
	assert.InDelta(t, raised*0.7, ev.PoolPromptAmount, 1e-9)
	assert.InDelta(t, raised*0.3, ev.PlatformRevenue, 1e-9)
	assert.Equal(t, f.cfg.LpReserve, ev.PoolTokenAmount)
	assert.Equal(t, "0xv2-AGT", f.chain.lastPool.TokenAddress)
	assert.Equal(t, DefaultConfig().LPLockDuration, f.chain.lastPool.LockDuration)

	state, err := f.curves.GetState(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, state.Graduated)

	log, err := f.events.ListTransitions(ctx, ev.ID)
	require.NoError(t, err)
	var path []domain.GraduationStatus
	for _, tr := range log {
		path = append(path, tr.To)
	}
	assert.Equal(t, []domain.GraduationStatus{
		domain.GraduationContractDeploying,
		domain.GraduationContractDeployed,
		domain.GraduationLiquidityCreating,
		domain.GraduationLiquidityCreated,
		domain.GraduationCompleted,
	}, path)
}

func TestTriggerCompletedIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seedGraduated(t)
	ctx := context.Background()

	first, err := f.machine.Trigger(ctx, "tok-1", "", false)
	require.NoError(t, err)
	second, err := f.machine.Trigger(ctx, "tok-1", first.ID, false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	deploys, pools := f.chain.counts()
	assert.Equal(t, 1, deploys)
	assert.Equal(t, 1, pools)
}

func TestTriggerConcurrentCallsDeployOnce(t *testing.T) {
	f := newFixture(t)
	f.seedGraduated(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := f.machine.Trigger(context.Background(), "tok-1", "", false)
			assert.NoError(t, err)
			assert.Equal(t, domain.GraduationCompleted, ev.Status)
		}()
	}
	wg.Wait()

	deploys, pools := f.chain.counts()
	assert.Equal(t, 1, deploys)
	assert.Equal(t, 1, pools)
}

func TestTriggerBelowThresholdNotEligible(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1_000_000)

	_, err := f.machine.Trigger(context.Background(), "tok-1", "", false)
	assert.ErrorIs(t, err, domain.ErrNotEligible)
}

func TestDeployFailureNeedsForcedRetry(t *testing.T) {
	f := newFixture(t)
	f.seedGraduated(t)
	ctx := context.Background()
	f.chain.setErrors(errors.New("rpc unavailable"), nil)

	ev, err := f.machine.Trigger(ctx, "tok-1", "", false)
	var step *domain.StepFailure
	require.ErrorAs(t, err, &step)
	assert.Equal(t, domain.GraduationContractDeploying, step.Step)
	assert.Equal(t, domain.GraduationFailed, ev.Status)
	assert.Contains(t, ev.ErrorMessage, "rpc unavailable")

	f.chain.setErrors(nil, nil)

	ev, err = f.machine.Trigger(ctx, "tok-1", "", false)
	require.NoError(t, err)
	assert.Equal(t, domain.GraduationFailed, ev.Status)
	deploys, _ := f.chain.counts()
	assert.Equal(t, 1, deploys)

	ev, err = f.machine.Trigger(ctx, "tok-1", "", true)
	require.NoError(t, err)
	assert.Equal(t, domain.GraduationCompleted, ev.Status)
	assert.Empty(t, ev.ErrorMessage)
	deploys, pools := f.chain.counts()
	assert.Equal(t, 2, deploys)
	assert.Equal(t, 1, pools)
}

func TestLiquidityRetryKeepsDeployedContract(t *testing.T) {
	f := newFixture(t)
	f.seedGraduated(t)
	ctx := context.Background()
	f.chain.setErrors(nil, errors.New("insufficient allowance"))

	ev, err := f.machine.Trigger(ctx, "tok-1", "", false)
	var step *domain.StepFailure
	require.ErrorAs(t, err, &step)
	assert.Equal(t, domain.GraduationLiquidityFailed, ev.Status)
	assert.Equal(t, "0xv2-AGT", ev.V2ContractAddress)

	state, err := f.curves.GetState(ctx, "tok-1")
	require.NoError(t, err)
	assert.False(t, state.Graduated)

	f.chain.setErrors(nil, nil)
	ev, err = f.machine.Trigger(ctx, "tok-1", ev.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.GraduationCompleted, ev.Status)

	deploys, pools := f.chain.counts()
	assert.Equal(t, 1, deploys)
	assert.Equal(t, 2, pools)
}

func TestTriggerFreezesRaiseAtCreation(t *testing.T) {
	f := newFixture(t)
	f.seedGraduated(t)
	ctx := context.Background()
	f.chain.setErrors(errors.New("down"), nil)

	ev, _ := f.machine.Trigger(ctx, "tok-1", "", false)
	frozen := ev.PromptRaisedAtGraduation

	f.seed(t, 600_000_000)
	f.chain.setErrors(nil, nil)
	ev, err := f.machine.Trigger(ctx, "tok-1", "", true)
	require.NoError(t, err)
	assert.Equal(t, frozen, ev.PromptRaisedAtGraduation)
	assert.InDelta(t, frozen*0.7, f.chain.lastPool.PromptAmount, 1e-9)
}

func TestTriggerLockHeldReturnsStoredEvent(t *testing.T) {
	f := newFixture(t)
	f.seedGraduated(t)
	ctx := context.Background()
	stored, _, err := f.events.CreateIfAbsent(ctx, domain.GraduationEvent{
		ID: "ev-1", TokenID: "tok-1", Status: domain.GraduationInitiated,
	})
	require.NoError(t, err)

	f.machine.SetLocks(heldLocks{})
	ev, err := f.machine.Trigger(ctx, "tok-1", "", false)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, ev.ID)
	assert.Equal(t, domain.GraduationInitiated, ev.Status)

	deploys, _ := f.chain.counts()
	assert.Zero(t, deploys)
}

func TestTriggerRejectsForeignEvent(t *testing.T) {
	f := newFixture(t)
	f.seedGraduated(t)
	ctx := context.Background()
	_, _, err := f.events.CreateIfAbsent(ctx, domain.GraduationEvent{ID: "ev-x", TokenID: "tok-2", Status: domain.GraduationInitiated})
	require.NoError(t, err)

	_, err = f.machine.Trigger(ctx, "tok-1", "ev-x", false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type stateCache struct {
	mu     sync.Mutex
	states map[string]domain.CurveState
}

func (c *stateCache) Set(_ context.Context, st domain.CurveState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.states[st.TokenID]; ok && !st.Supersedes(cur) {
		return nil
	}
	c.states[st.TokenID] = st
	return nil
}

func (c *stateCache) Get(_ context.Context, id string) (domain.CurveState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[id]
	if !ok {
		return domain.CurveState{}, domain.ErrNotFound
	}
	return st, nil
}

func (c *stateCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, id)
	return nil
}

func TestForcedRetryAndSweepDeployOnce(t *testing.T) {
	f := newFixture(t)
	f.seedGraduated(t)
	ctx := context.Background()

	f.chain.setErrors(errors.New("rpc unavailable"), nil)
	_, err := f.machine.Trigger(ctx, "tok-1", "", false)
	require.Error(t, err)
	f.chain.setErrors(nil, nil)

	release := f.chain.hold()
	forced := make(chan error, 1)
	go func() {
		_, err := f.machine.Trigger(ctx, "tok-1", "", true)
		forced <- err
	}()
	<-f.chain.entered

	w := NewWorker(f.machine, f.events, f.curves, nil, "", time.Second, discard())
	swept := make(chan int, 1)
	go func() { swept <- w.Recover(ctx) }()

	time.Sleep(50 * time.Millisecond)
	release()
	require.NoError(t, <-forced)
	<-swept

	deploys, pools := f.chain.counts()
	assert.Equal(t, 2, deploys, "one failed attempt and one retry")
	assert.Equal(t, 1, pools)

	ev, err := f.events.GetByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GraduationCompleted, ev.Status)
}

func TestCancelledTriggerRecordsDeployment(t *testing.T) {
	f := newFixture(t)
	f.seedGraduated(t)
	release := f.chain.hold()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.machine.Trigger(ctx, "tok-1", "", false)
		done <- err
	}()
	<-f.chain.entered
	cancel()
	release()
	assert.ErrorIs(t, <-done, context.Canceled)

	ev, err := f.events.GetByToken(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GraduationContractDeployed, ev.Status)
	assert.Equal(t, "0xv2-AGT", ev.V2ContractAddress)

	w := NewWorker(f.machine, f.events, f.curves, nil, "", time.Second, discard())
	assert.Equal(t, 1, w.Recover(context.Background()))

	deploys, pools := f.chain.counts()
	assert.Equal(t, 1, deploys)
	assert.Equal(t, 1, pools)
}

func TestRecoverAdoptsBroadcastDeployment(t *testing.T) {
	f := newFixture(t)
	f.seedGraduated(t)
	ctx := context.Background()

	ev, _, err := f.events.CreateIfAbsent(ctx, domain.GraduationEvent{
		ID: "ev-1", TokenID: "tok-1", Status: domain.GraduationInitiated, PromptRaisedAtGraduation: 12_000,
	})
	require.NoError(t, err)
	_, err = f.events.Transition(ctx, ev, domain.GraduationInitiated, domain.GraduationContractDeploying, "")
	require.NoError(t, err)
	require.NoError(t, f.events.RecordDeployTx(ctx, "ev-1", "0xsent"))
	f.chain.mined = map[string]domain.DeployResult{"0xsent": {Address: "0xadopted", TxHash: "0xsent"}}

	w := NewWorker(f.machine, f.events, f.curves, nil, "", time.Second, discard())
	assert.Equal(t, 1, w.Recover(ctx))

	got, err := f.events.GetByID(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GraduationCompleted, got.Status)
	assert.Equal(t, "0xadopted", got.V2ContractAddress)
	assert.Equal(t, "0xsent", got.DeployTxHash)

	deploys, _ := f.chain.counts()
	assert.Zero(t, deploys)
	assert.Equal(t, 1, f.chain.lookups)
}

func TestForcedRetryChecksBroadcastBeforeRedeploying(t *testing.T) {
	f := newFixture(t)
	f.seedGraduated(t)
	ctx := context.Background()

	f.chain.broadcast = "0xsent"
	f.chain.setErrors(errors.New("receipt wait timed out"), nil)
	ev, err := f.machine.Trigger(ctx, "tok-1", "", false)
	var step *domain.StepFailure
	require.ErrorAs(t, err, &step)
	assert.Equal(t, domain.GraduationFailed, ev.Status)
	assert.Equal(t, "0xsent", ev.DeployTxHash)

	// Still unmined: the retry fails again without a second broadcast.
	f.chain.setErrors(nil, nil)
	ev, err = f.machine.Trigger(ctx, "tok-1", "", true)
	require.ErrorAs(t, err, &step)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, "0xsent", ev.DeployTxHash)

	f.chain.mu.Lock()
	f.chain.mined = map[string]domain.DeployResult{"0xsent": {Address: "0xlate", TxHash: "0xsent"}}
	f.chain.mu.Unlock()
	ev, err = f.machine.Trigger(ctx, "tok-1", "", true)
	require.NoError(t, err)
	assert.Equal(t, domain.GraduationCompleted, ev.Status)
	assert.Equal(t, "0xlate", ev.V2ContractAddress)

	deploys, _ := f.chain.counts()
	assert.Equal(t, 1, deploys)
}

func TestRevertedDeploymentIsSentAgain(t *testing.T) {
	f := newFixture(t)
	f.seedGraduated(t)
	ctx := context.Background()

	f.chain.broadcast = "0xsent"
	f.chain.mined = map[string]domain.DeployResult{"0xsent": {}}
	f.chain.setErrors(errors.New("receipt wait timed out"), nil)
	_, err := f.machine.Trigger(ctx, "tok-1", "", false)
	require.Error(t, err)

	f.chain.setErrors(nil, nil)
	f.chain.mu.Lock()
	f.chain.broadcast = ""
	f.chain.mu.Unlock()

	ev, err := f.machine.Trigger(ctx, "tok-1", "", true)
	assert.ErrorIs(t, err, domain.ErrTxReverted)
	assert.Empty(t, ev.DeployTxHash)

	ev, err = f.machine.Trigger(ctx, "tok-1", "", true)
	require.NoError(t, err)
	assert.Equal(t, domain.GraduationCompleted, ev.Status)
	deploys, _ := f.chain.counts()
	assert.Equal(t, 2, deploys)
}

func TestDeployMintsOnlySoldTokens(t *testing.T) {
	f := newFixture(t)
	f.seedGraduated(t)
	ctx := context.Background()

	state, err := f.curves.GetState(ctx, "tok-1")
	require.NoError(t, err)
	require.Less(t, state.TokensSold, f.cfg.CurveSupply)

	_, err = f.machine.Trigger(ctx, "tok-1", "", false)
	require.NoError(t, err)
	assert.Equal(t, state.TokensSold, f.chain.lastDeploy.HolderAllocation)
	assert.Equal(t, f.cfg.LpReserve, f.chain.lastDeploy.LpReserve)
}

func TestCompletionRefreshesCurveCache(t *testing.T) {
	f := newFixture(t)
	f.seedGraduated(t)
	ctx := context.Background()

	state, err := f.curves.GetState(ctx, "tok-1")
	require.NoError(t, err)
	cache := &stateCache{states: map[string]domain.CurveState{"tok-1": state}}
	f.machine.SetCache(cache)

	_, err = f.machine.Trigger(ctx, "tok-1", "", false)
	require.NoError(t, err)

	cached, err := cache.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, cached.Graduated)

	// A trade result that committed before graduation arrives late.
	require.NoError(t, cache.Set(ctx, state))
	cached, err = cache.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, cached.Graduated)
}
