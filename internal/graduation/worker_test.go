package graduation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

func TestRecoverResumesStalledRuns(t *testing.T) {
	f := newFixture(t)
	f.seedGraduated(t)
	ctx := context.Background()

	ev, _, err := f.events.CreateIfAbsent(ctx, domain.GraduationEvent{
		ID: "ev-1", TokenID: "tok-1", Status: domain.GraduationInitiated, PromptRaisedAtGraduation: 12_000,
	})
	require.NoError(t, err)
	ev, err = f.events.Transition(ctx, ev, domain.GraduationInitiated, domain.GraduationContractDeploying, "")
	require.NoError(t, err)
	ev.V2ContractAddress = "0xexisting"
	_, err = f.events.Transition(ctx, ev, domain.GraduationContractDeploying, domain.GraduationContractDeployed, "")
	require.NoError(t, err)

	w := NewWorker(f.machine, f.events, f.curves, nil, "", time.Second, discard())
	assert.Equal(t, 1, w.Recover(ctx))

	got, err := f.events.GetByID(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GraduationCompleted, got.Status)
	assert.Equal(t, "0xexisting", got.V2ContractAddress)

	deploys, pools := f.chain.counts()
	assert.Zero(t, deploys)
	assert.Equal(t, 1, pools)
}

func TestRecoverSkipsFailedEvents(t *testing.T) {
	f := newFixture(t)
	f.seedGraduated(t)
	ctx := context.Background()

	ev, _, err := f.events.CreateIfAbsent(ctx, domain.GraduationEvent{ID: "ev-1", TokenID: "tok-1", Status: domain.GraduationInitiated})
	require.NoError(t, err)
	ev, err = f.events.Transition(ctx, ev, domain.GraduationInitiated, domain.GraduationContractDeploying, "")
	require.NoError(t, err)
	_, err = f.events.Transition(ctx, ev, domain.GraduationContractDeploying, domain.GraduationFailed, "boom")
	require.NoError(t, err)

	w := NewWorker(f.machine, f.events, f.curves, nil, "", time.Second, discard())
	assert.Zero(t, w.Recover(ctx))
	deploys, _ := f.chain.counts()
	assert.Zero(t, deploys)
}

func TestRecoverStartsOrphanedCrossing(t *testing.T) {
	f := newFixture(t)
	f.seedGraduated(t)
	ctx := context.Background()

	w := NewWorker(f.machine, f.events, f.curves, nil, "", time.Second, discard())
	assert.Equal(t, 1, w.Recover(ctx))

	ev, err := f.events.GetByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GraduationCompleted, ev.Status)
}

func TestHandleDeduplicatesJobs(t *testing.T) {
	f := newFixture(t)
	f.seedGraduated(t)
	ctx := context.Background()
	f.chain.setErrors(assert.AnError, nil)

	w := NewWorker(f.machine, f.events, f.curves, nil, "", time.Second, discard())
	payload := []byte(`{"token_id":"tok-1","event_id":""}`)
	w.handle(ctx, payload)
	w.handle(ctx, payload)
	w.handle(ctx, []byte(`not json`))

	deploys, _ := f.chain.counts()
	assert.Equal(t, 1, deploys)
}

func TestHandleRetriesJobThatWasNotRun(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1_000_000)
	ctx := context.Background()

	w := NewWorker(f.machine, f.events, f.curves, nil, "", time.Second, discard())
	payload := []byte(`{"token_id":"tok-1"}`)
	w.handle(ctx, payload)
	_, err := f.events.GetByToken(ctx, "tok-1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	f.seedGraduated(t)
	w.handle(ctx, payload)

	ev, err := f.events.GetByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GraduationCompleted, ev.Status)
}

func TestDedupExpires(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }

	assert.False(t, d.IsDuplicate("a"))
	assert.True(t, d.IsDuplicate("a"))

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	assert.False(t, d.IsDuplicate("a"))
}
