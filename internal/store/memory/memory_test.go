package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

func TestCurveStoreApplyTradeAbortWritesNothing(t *testing.T) {
	ctx := context.Background()
	trades := NewTradeStore()
	s := NewCurveStore(trades)
	require.NoError(t, s.CreateToken(ctx, domain.CurveConfig{TokenID: "t"}))
	require.ErrorIs(t, s.CreateToken(ctx, domain.CurveConfig{TokenID: "t"}), domain.ErrAlreadyExists)

	boom := errors.New("boom")
	_, err := s.ApplyTrade(ctx, "t", "bob", func(domain.CurveConfig, domain.CurveState, float64) (domain.TradeMutation, error) {
		return domain.TradeMutation{}, boom
	})
	require.ErrorIs(t, err, boom)

	st, err := s.GetState(ctx, "t")
	require.NoError(t, err)
	assert.Zero(t, st.TradeCount)
	recs, err := trades.ListByToken(ctx, "t", domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestCurveStoreApplyTradeCommits(t *testing.T) {
	ctx := context.Background()
	trades := NewTradeStore()
	s := NewCurveStore(trades)
	require.NoError(t, s.CreateToken(ctx, domain.CurveConfig{TokenID: "t"}))

	_, err := s.ApplyTrade(ctx, "t", "bob", func(_ domain.CurveConfig, st domain.CurveState, bal float64) (domain.TradeMutation, error) {
		next := st
		next.TokensSold = 10
		next.TradeCount++
		return domain.TradeMutation{Prev: st, State: next, BalanceDelta: 10, Record: domain.TradeRecord{ID: "r1", TokenID: "t"}}, nil
	})
	require.NoError(t, err)

	bal, err := s.GetBalance(ctx, "t", "bob")
	require.NoError(t, err)
	assert.Equal(t, 10.0, bal)

	_, err = s.ApplyTrade(ctx, "missing", "bob", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGraduationStoreCreateIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := NewGraduationStore()

	first, created, err := s.CreateIfAbsent(ctx, domain.GraduationEvent{ID: "e1", TokenID: "t", Status: domain.GraduationInitiated})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.CreateIfAbsent(ctx, domain.GraduationEvent{ID: "e2", TokenID: "t", Status: domain.GraduationInitiated})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
}

func TestGraduationStoreTransitionCAS(t *testing.T) {
	ctx := context.Background()
	s := NewGraduationStore()
	ev, _, err := s.CreateIfAbsent(ctx, domain.GraduationEvent{ID: "e1", TokenID: "t", Status: domain.GraduationInitiated})
	require.NoError(t, err)

	ev, err = s.Transition(ctx, ev, domain.GraduationInitiated, domain.GraduationContractDeploying, "")
	require.NoError(t, err)
	assert.Equal(t, domain.GraduationContractDeploying, ev.Status)

	_, err = s.Transition(ctx, ev, domain.GraduationInitiated, domain.GraduationContractDeploying, "")
	assert.ErrorIs(t, err, domain.ErrStaleStatus)

	_, err = s.Transition(ctx, ev, domain.GraduationContractDeploying, domain.GraduationInitiated, "")
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)

	log, err := s.ListTransitions(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, domain.GraduationInitiated, log[0].From)
	assert.Equal(t, domain.GraduationContractDeploying, log[0].To)

	pending, err := s.ListByStatus(ctx, []domain.GraduationStatus{domain.GraduationContractDeploying}, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestGraduationStoreRecordDeployTx(t *testing.T) {
	ctx := context.Background()
	s := NewGraduationStore()
	ev, _, err := s.CreateIfAbsent(ctx, domain.GraduationEvent{ID: "e1", TokenID: "t", Status: domain.GraduationInitiated})
	require.NoError(t, err)

	assert.ErrorIs(t, s.RecordDeployTx(ctx, "e1", "0xtx"), domain.ErrStaleStatus)

	_, err = s.Transition(ctx, ev, domain.GraduationInitiated, domain.GraduationContractDeploying, "")
	require.NoError(t, err)
	require.NoError(t, s.RecordDeployTx(ctx, "e1", "0xtx"))

	got, err := s.GetByID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "0xtx", got.DeployTxHash)
	assert.ErrorIs(t, s.RecordDeployTx(ctx, "missing", "0xtx"), domain.ErrNotFound)

	log, err := s.ListTransitions(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, log, 1)
}
