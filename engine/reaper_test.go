package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anneschuth/pinchwork/domain/task"
)

func TestSweepClaimDeadlinesRetries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	poster := env.register(t, "poster", false)
	worker := env.register(t, "worker", false)

	created, err := env.svc.Create(ctx, poster, "do work", "", 5, nil, task.Timeouts{MaxRejections: 2})
	require.NoError(t, err)
	claimed, ok, err := env.svc.PickupNext(ctx, worker, PickupFilter{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, created.ID, claimed.ID)

	env.clock.Advance(env.svc.cfg.Windows.DeliverWindow + 1)

	examined, transitioned, _, err := env.svc.sweepClaimDeadlines(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, examined)
	assert.Equal(t, 1, transitioned)

	back, err := env.svc.GetTask(ctx, claimed.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPosted, back.Status)
	assert.Empty(t, back.WorkerID)

	posterAgent, _, err := env.svc.GetCredits(ctx, poster)
	require.NoError(t, err)
	assert.EqualValues(t, 5, posterAgent.Escrowed, "escrow stays held across a claim-deadline retry, it is not a terminal outcome")
}

// TestSweepClaimDeadlinesExpiresAtMaxRejections drives a claimed task
// whose rejection count has already reached its cap directly through the
// store, the only way that combination of state is reachable (Reject's
// own terminal branch otherwise always intercepts first), to exercise
// the claim-deadline sweep's terminal/expire branch.
func TestSweepClaimDeadlinesExpiresAtMaxRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	poster := env.register(t, "poster", false)
	worker := env.register(t, "worker", false)

	created, err := env.svc.Create(ctx, poster, "do work", "", 5, nil, task.Timeouts{MaxRejections: 1})
	require.NoError(t, err)
	claimed, ok, err := env.svc.PickupNext(ctx, worker, PickupFilter{})
	require.NoError(t, err)
	require.True(t, ok)

	_, txOK, err := env.store.CompareAndTransition(ctx, claimed.ID, task.StatusClaimed, func(tk *task.Task) {
		tk.RejectionCount = 1
	})
	require.NoError(t, err)
	require.True(t, txOK)

	env.clock.Advance(env.svc.cfg.Windows.DeliverWindow + 1)

	examined, transitioned, _, err := env.svc.sweepClaimDeadlines(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, examined)
	assert.Equal(t, 1, transitioned)

	final, err := env.svc.GetTask(ctx, created.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, task.StatusExpired, final.Status)

	posterAgent, _, err := env.svc.GetCredits(ctx, poster)
	require.NoError(t, err)
	assert.EqualValues(t, 0, posterAgent.Escrowed)
}

func TestSweepMatchDeadlinesFallsBackToBroadcast(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	infra := env.register(t, "infra", true)
	poster := env.register(t, "poster", false)
	worker := env.register(t, "worker", false)
	_ = infra

	created, err := env.svc.Create(ctx, poster, "do work", "", 5, nil, task.Timeouts{})
	require.NoError(t, err)
	assert.Equal(t, task.MatchPending, created.MatchStatus)

	env.clock.Advance(env.svc.cfg.Windows.SystemWindow + 1)

	examined, transitioned, _, err := env.svc.sweepMatchDeadlines(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, examined)
	assert.Equal(t, 1, transitioned)

	updated, err := env.svc.GetTask(ctx, created.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, task.MatchBroadcast, updated.MatchStatus)

	claimed, ok, err := env.svc.PickupNext(ctx, worker, PickupFilter{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created.ID, claimed.ID)
}

func TestSweepUnclaimedExpiryRefundsEscrow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	poster := env.register(t, "poster", false)

	created, err := env.svc.Create(ctx, poster, "do work", "", 12, nil, task.Timeouts{})
	require.NoError(t, err)

	env.clock.Advance(env.svc.cfg.Windows.ClaimWindow + 1)

	examined, transitioned, _, err := env.svc.sweepUnclaimedExpiry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, examined)
	assert.Equal(t, 1, transitioned)

	final, err := env.svc.GetTask(ctx, created.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, task.StatusExpired, final.Status)

	posterAgent, _, err := env.svc.GetCredits(ctx, poster)
	require.NoError(t, err)
	assert.EqualValues(t, 100, posterAgent.Balance)
	assert.EqualValues(t, 0, posterAgent.Escrowed)
}

func TestSweepSystemAutoApproval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	infra := env.register(t, "infra", true)
	poster := env.register(t, "poster", false)

	parent, err := env.svc.Create(ctx, poster, "do work", "", 5, nil, task.Timeouts{})
	require.NoError(t, err)

	children, err := env.store.ListByParent(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)

	claimed, ok, err := env.svc.PickupNext(ctx, infra, PickupFilter{})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.svc.Deliver(ctx, infra, claimed.ID, `[]`, nil)
	require.NoError(t, err)

	env.clock.Advance(env.svc.cfg.Windows.SystemWindow + 1)

	examined, transitioned, _, err := env.svc.sweepSystemAutoApproval(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, examined, "the delivered match task itself waits for the reaper to approve it")
	assert.Equal(t, 1, transitioned)

	matchTask, err := env.svc.GetTask(ctx, claimed.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, task.StatusApproved, matchTask.Status)
}

func TestReaperRunOnceCoversAllFiveSweeps(t *testing.T) {
	env := newTestEnv(t)
	r := NewReaper(env.svc, 0)
	require.NotNil(t, r)
	r.runOnce()
}
