package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anneschuth/pinchwork/domain/task"
)

// TestHappyPath runs post, claim, deliver, approve and checks the
// escrow/balance/ledger trail lands exactly where it should.
func TestHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	poster := env.register(t, "poster", false)
	worker := env.registerWithCapabilities(t, "worker", "writing")

	created, err := env.svc.Create(ctx, poster, "write a haiku", "no context needed", 10, []string{"writing"}, task.Timeouts{})
	require.NoError(t, err)
	assert.Equal(t, task.StatusPosted, created.Status)

	posterAgent, _, err := env.svc.GetCredits(ctx, poster)
	require.NoError(t, err)
	assert.EqualValues(t, 90, posterAgent.Balance)
	assert.EqualValues(t, 10, posterAgent.Escrowed)

	claimed, ok, err := env.svc.PickupNext(ctx, worker, PickupFilter{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.StatusClaimed, claimed.Status)
	assert.Equal(t, worker, claimed.WorkerID)

	delivered, err := env.svc.Deliver(ctx, worker, claimed.ID, "here is the haiku", nil)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDelivered, delivered.Status)
	assert.EqualValues(t, 10, delivered.CreditsCharged)

	rating := 5
	approved, err := env.svc.Approve(ctx, poster, delivered.ID, &rating)
	require.NoError(t, err)
	assert.Equal(t, task.StatusApproved, approved.Status)
	assert.Equal(t, 5, approved.PosterRating)

	workerAgent, workerLedger, err := env.svc.GetCredits(ctx, worker)
	require.NoError(t, err)
	assert.Greater(t, workerAgent.Balance, int64(0))
	assert.NotEmpty(t, workerLedger)

	posterAgent, _, err = env.svc.GetCredits(ctx, poster)
	require.NoError(t, err)
	assert.EqualValues(t, 0, posterAgent.Escrowed)

	require.NoError(t, env.svc.VerifyFold(ctx, poster))
	require.NoError(t, env.svc.VerifyFold(ctx, worker))
}

// TestAutoApprovalViaReviewWindow checks that a delivered task the
// poster never acts on auto-approves once the reaper's review-window
// sweep fires after the deadline passes.
func TestAutoApprovalViaReviewWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	poster := env.register(t, "poster", false)
	worker := env.register(t, "worker", false)

	created, err := env.svc.Create(ctx, poster, "proofread this", "", 5, nil, task.Timeouts{})
	require.NoError(t, err)

	claimed, ok, err := env.svc.PickupNext(ctx, worker, PickupFilter{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created.ID, claimed.ID)

	_, err = env.svc.Deliver(ctx, worker, claimed.ID, "proofread", nil)
	require.NoError(t, err)

	env.clock.Advance(env.svc.cfg.Windows.ReviewWindow + 1)

	examined, transitioned, _, err := env.svc.sweepReviewWindow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, examined)
	assert.Equal(t, 1, transitioned)

	final, err := env.svc.GetTask(ctx, created.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, task.StatusApproved, final.Status)
}

// TestRejectRetryThenTerminal checks that rejections loop the task back
// to claimed until max_rejections, then it goes terminal with a refund.
func TestRejectRetryThenTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	poster := env.register(t, "poster", false)
	worker := env.register(t, "worker", false)

	created, err := env.svc.Create(ctx, poster, "translate this", "", 20, nil, task.Timeouts{MaxRejections: 2})
	require.NoError(t, err)

	claimed, ok, err := env.svc.PickupNext(ctx, worker, PickupFilter{})
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < 1; i++ {
		_, err = env.svc.Deliver(ctx, worker, claimed.ID, "attempt", nil)
		require.NoError(t, err)
		rejected, err := env.svc.Reject(ctx, poster, created.ID, "not good enough", nil)
		require.NoError(t, err)
		assert.Equal(t, task.StatusClaimed, rejected.Status)
		assert.Equal(t, worker, rejected.WorkerID)
	}

	_, err = env.svc.Deliver(ctx, worker, claimed.ID, "final attempt", nil)
	require.NoError(t, err)
	terminal, err := env.svc.Reject(ctx, poster, created.ID, "still not good enough", nil)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRejected, terminal.Status)
	assert.Empty(t, terminal.WorkerID)

	posterAgent, _, err := env.svc.GetCredits(ctx, poster)
	require.NoError(t, err)
	assert.EqualValues(t, 0, posterAgent.Escrowed)
	assert.EqualValues(t, 100, posterAgent.Balance)
}

// TestCancelRefundsInFull checks that cancelling an unclaimed task
// returns its full escrow to the poster's balance.
func TestCancelRefundsInFull(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	poster := env.register(t, "poster", false)

	created, err := env.svc.Create(ctx, poster, "unwanted task", "", 15, nil, task.Timeouts{})
	require.NoError(t, err)

	cancelled, err := env.svc.Cancel(ctx, poster, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, cancelled.Status)

	posterAgent, _, err := env.svc.GetCredits(ctx, poster)
	require.NoError(t, err)
	assert.EqualValues(t, 100, posterAgent.Balance)
	assert.EqualValues(t, 0, posterAgent.Escrowed)
}

// TestAbandonReturnsToPostedAndReclaimable checks that abandon puts the
// task back in posted with escrow untouched, and a different worker can
// claim it next.
func TestAbandonReturnsToPostedAndReclaimable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	poster := env.register(t, "poster", false)
	workerA := env.register(t, "worker-a", false)
	workerB := env.register(t, "worker-b", false)

	created, err := env.svc.Create(ctx, poster, "long task", "", 30, nil, task.Timeouts{})
	require.NoError(t, err)

	claimed, ok, err := env.svc.PickupNext(ctx, workerA, PickupFilter{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workerA, claimed.WorkerID)

	abandoned, err := env.svc.Abandon(ctx, workerA, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPosted, abandoned.Status)
	assert.Empty(t, abandoned.WorkerID)

	posterAgent, _, err := env.svc.GetCredits(ctx, poster)
	require.NoError(t, err)
	assert.EqualValues(t, 30, posterAgent.Escrowed)

	reclaimed, ok, err := env.svc.PickupNext(ctx, workerB, PickupFilter{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created.ID, reclaimed.ID)
	assert.Equal(t, workerB, reclaimed.WorkerID)
}

func TestRegisterGrantsInitialBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.svc.Register(ctx, "fresh agent", "go,python", false)
	require.NoError(t, err)
	assert.EqualValues(t, env.svc.cfg.InitialGrant, a.Balance)
	assert.False(t, a.IsPlatform())
}

func TestCreateRejectsSuspendedPoster(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	poster := env.register(t, "poster", false)
	require.NoError(t, env.svc.Suspend(ctx, poster, true, "policy violation"))

	_, err := env.svc.Create(ctx, poster, "need", "", 5, nil, task.Timeouts{})
	require.Error(t, err)
}

func TestRateTaskRequiresApprovedStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	poster := env.register(t, "poster", false)
	worker := env.register(t, "worker", false)

	created, err := env.svc.Create(ctx, poster, "need", "", 5, nil, task.Timeouts{})
	require.NoError(t, err)
	claimed, ok, err := env.svc.PickupNext(ctx, worker, PickupFilter{})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.svc.RateTask(ctx, worker, claimed.ID, 4)
	require.Error(t, err)

	_, err = env.svc.Deliver(ctx, worker, claimed.ID, "done", nil)
	require.NoError(t, err)
	_, err = env.svc.Approve(ctx, poster, created.ID, nil)
	require.NoError(t, err)

	rated, err := env.svc.RateTask(ctx, worker, created.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, rated.WorkerRating)

	_, err = env.svc.RateTask(ctx, worker, created.ID, 5)
	require.Error(t, err)
}
