package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

// setupTestDB starts a PostgreSQL container and applies the embedded migrations.
func setupTestDB(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in -short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	client, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 20})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	require.NoError(t, client.RunMigrations(ctx))
	// A second run is a no-op.
	require.NoError(t, client.RunMigrations(ctx))
	return client
}

func testConfig(id string) domain.CurveConfig {
	return domain.CurveConfig{
		TokenID:                   id,
		Name:                      "Test " + id,
		Symbol:                    "TST",
		Creator:                   "0xcreator",
		P0:                        0.00001,
		P1:                        0.0001,
		CurveSupply:               800_000_000,
		LpReserve:                 150_000_000,
		PlatformAllocation:        50_000_000,
		TotalSupply:               1_000_000_000,
		GraduationMode:            domain.GraduationModeFixed,
		GraduationPromptThreshold: 20_000,
		TradingFeeBps:             100,
		AgentFeeBps:               50,
		PlatformFeeBps:            50,
		CreatedAt:                 time.Now().UTC().Truncate(time.Microsecond),
	}
}

// buyFn adds tokens at a flat price of one PROMPT per 1000 tokens.
func buyFn(id string, tokens float64) domain.ApplyTradeFunc {
	return func(cfg domain.CurveConfig, st domain.CurveState, _ float64) (domain.TradeMutation, error) {
		next := st
		next.TokensSold += tokens
		next.PromptRaised += tokens / 1000
		next.AgentFeesAccrued += 0.01
		next.TradeCount++
		next.UpdatedAt = time.Now().UTC()
		return domain.TradeMutation{
			Prev:         st,
			State:        next,
			BalanceDelta: tokens,
			Record: domain.TradeRecord{
				ID:                id,
				TokenID:           cfg.TokenID,
				Trader:            "0xtrader",
				Side:              domain.SideBuy,
				Venue:             domain.VenueCurve,
				PromptAmount:      tokens / 1000,
				TokenAmount:       tokens,
				Price:             0.001,
				Fees:              domain.FeeSplit{TotalFees: 0.02, AgentRevenue: 0.01, PlatformRevenue: 0.01},
				TokensSoldAfter:   next.TokensSold,
				PromptRaisedAfter: next.PromptRaised,
				CreatedAt:         next.UpdatedAt,
			},
		}, nil
	}
}

func TestCurveStore(t *testing.T) {
	client := setupTestDB(t)
	ctx := context.Background()
	curves := NewCurveStore(client.Pool())
	trades := NewTradeStore(client.Pool())

	cfg := testConfig("tok-1")
	require.NoError(t, curves.CreateToken(ctx, cfg))
	assert.ErrorIs(t, curves.CreateToken(ctx, cfg), domain.ErrAlreadyExists)

	t.Run("config round trip", func(t *testing.T) {
		got, err := curves.GetConfig(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, cfg.P1, got.P1)
		assert.Equal(t, cfg.GraduationMode, got.GraduationMode)
		assert.Nil(t, got.TradeLockUntil)

		_, err = curves.GetConfig(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("apply trade commits every write", func(t *testing.T) {
		mut, err := curves.ApplyTrade(ctx, "tok-1", "0xtrader", buyFn("t-1", 5000))
		require.NoError(t, err)
		assert.Equal(t, 5000.0, mut.State.TokensSold)

		st, err := curves.GetState(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, 5000.0, st.TokensSold)
		assert.Equal(t, int64(1), st.TradeCount)

		bal, err := curves.GetBalance(ctx, "tok-1", "0xtrader")
		require.NoError(t, err)
		assert.Equal(t, 5000.0, bal)

		recs, err := trades.ListByToken(ctx, "tok-1", domain.ListOpts{})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, 0.01, recs[0].Fees.AgentRevenue)

		var fees int
		require.NoError(t, client.Pool().QueryRow(ctx,
			`SELECT COUNT(*) FROM fee_distributions WHERE trade_id = 't-1'`).Scan(&fees))
		assert.Equal(t, 1, fees)
	})

	t.Run("aborted trade writes nothing", func(t *testing.T) {
		_, err := curves.ApplyTrade(ctx, "tok-1", "0xtrader",
			func(domain.CurveConfig, domain.CurveState, float64) (domain.TradeMutation, error) {
				return domain.TradeMutation{}, domain.NewValidationError(domain.ReasonInvalidAmount, "nope")
			})
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)

		st, err := curves.GetState(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), st.TradeCount)
	})

	t.Run("duplicate trade id rolls back state", func(t *testing.T) {
		_, err := curves.ApplyTrade(ctx, "tok-1", "0xtrader", buyFn("t-1", 1000))
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)

		st, err := curves.GetState(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, 5000.0, st.TokensSold)
	})

	t.Run("balances", func(t *testing.T) {
		bal, err := curves.GetBalance(ctx, "tok-1", "0xnobody")
		require.NoError(t, err)
		assert.Zero(t, bal)

		_, err = curves.GetBalance(ctx, "missing", "0xnobody")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("mark graduated", func(t *testing.T) {
		require.NoError(t, curves.MarkGraduated(ctx, "tok-1"))
		st, err := curves.GetState(ctx, "tok-1")
		require.NoError(t, err)
		assert.True(t, st.Graduated)

		assert.ErrorIs(t, curves.MarkGraduated(ctx, "missing"), domain.ErrNotFound)
	})
}

func TestCurveStore_ConcurrentTradesSerialize(t *testing.T) {
	client := setupTestDB(t)
	ctx := context.Background()
	curves := NewCurveStore(client.Pool())
	require.NoError(t, curves.CreateToken(ctx, testConfig("tok-c")))

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := curves.ApplyTrade(ctx, "tok-c", "0xtrader", buyFn(fmt.Sprintf("c-%d", i), 1000))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	st, err := curves.GetState(ctx, "tok-c")
	require.NoError(t, err)
	assert.Equal(t, float64(n*1000), st.TokensSold)
	assert.Equal(t, int64(n), st.TradeCount)

	bal, err := curves.GetBalance(ctx, "tok-c", "0xtrader")
	require.NoError(t, err)
	assert.Equal(t, float64(n*1000), bal)
}

func TestGraduationStore(t *testing.T) {
	client := setupTestDB(t)
	ctx := context.Background()
	curves := NewCurveStore(client.Pool())
	events := NewGraduationStore(client.Pool())
	require.NoError(t, curves.CreateToken(ctx, testConfig("tok-g")))

	ev := domain.GraduationEvent{
		ID:                       "ev-1",
		TokenID:                  "tok-g",
		Status:                   domain.GraduationInitiated,
		PromptRaisedAtGraduation: 20_100,
	}
	stored, created, err := events.CreateIfAbsent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "ev-1", stored.ID)

	again, created, err := events.CreateIfAbsent(ctx, domain.GraduationEvent{ID: "ev-2", TokenID: "tok-g", Status: domain.GraduationInitiated})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "ev-1", again.ID)

	stored, err = events.Transition(ctx, stored, domain.GraduationInitiated, domain.GraduationContractDeploying, "")
	require.NoError(t, err)
	assert.Equal(t, domain.GraduationContractDeploying, stored.Status)

	t.Run("stale status", func(t *testing.T) {
		cur, err := events.Transition(ctx, stored, domain.GraduationInitiated, domain.GraduationContractDeploying, "")
		assert.ErrorIs(t, err, domain.ErrStaleStatus)
		assert.Equal(t, domain.GraduationContractDeploying, cur.Status)
	})

	t.Run("illegal edge", func(t *testing.T) {
		_, err := events.Transition(ctx, stored, domain.GraduationContractDeploying, domain.GraduationCompleted, "")
		assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	})

	t.Run("missing event", func(t *testing.T) {
		_, err := events.Transition(ctx, domain.GraduationEvent{ID: "nope"}, domain.GraduationInitiated, domain.GraduationContractDeploying, "")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("record deploy tx", func(t *testing.T) {
		require.NoError(t, events.RecordDeployTx(ctx, "ev-1", "0xtx"))
		got, err := events.GetByID(ctx, "ev-1")
		require.NoError(t, err)
		assert.Equal(t, "0xtx", got.DeployTxHash)
		assert.Equal(t, domain.GraduationContractDeploying, got.Status)

		assert.ErrorIs(t, events.RecordDeployTx(ctx, "nope", "0xtx"), domain.ErrNotFound)
	})

	stored.V2ContractAddress = "0xabc"
	stored.DeployTxHash = "0xtx"
	stored, err = events.Transition(ctx, stored, domain.GraduationContractDeploying, domain.GraduationContractDeployed, "deployed")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", stored.V2ContractAddress)
	assert.ErrorIs(t, events.RecordDeployTx(ctx, "ev-1", "0xother"), domain.ErrStaleStatus)

	list, err := events.ListByStatus(ctx, []domain.GraduationStatus{domain.GraduationContractDeployed}, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, list, 1)

	log, err := events.ListTransitions(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, domain.GraduationContractDeployed, log[1].To)
	assert.Equal(t, "deployed", log[1].Detail)

	before, err := events.ListTransitionsBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, before, 2)
}

func TestAuditStore(t *testing.T) {
	client := setupTestDB(t)
	ctx := context.Background()
	audit := NewAuditStore(client.Pool())

	require.NoError(t, audit.Log(ctx, "trade.rejected", map[string]any{"reason": "already_graduated"}))
	require.NoError(t, audit.Log(ctx, "graduation.completed", nil))

	entries, err := audit.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "graduation.completed", entries[0].Event)
	assert.Equal(t, "already_graduated", entries[1].Detail["reason"])
}
