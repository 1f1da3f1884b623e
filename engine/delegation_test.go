package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anneschuth/pinchwork/domain/task"
)

// TestSpawnMatchFallsBackToBroadcastWithoutInfra checks that with no
// infra agent registered, a freshly posted task goes straight to
// match_status=broadcast.
func TestSpawnMatchFallsBackToBroadcastWithoutInfra(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	poster := env.register(t, "poster", false)
	created, err := env.svc.Create(ctx, poster, "do work", "", 5, nil, task.Timeouts{})
	require.NoError(t, err)
	assert.Equal(t, task.MatchBroadcast, created.MatchStatus)

	children, err := env.store.ListByParent(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, children, "no match system task should be spawned without an infra agent")
}

// TestMatchResultWiresRankedCandidates checks that a match system task's
// delivered ranking produces TaskMatch rows, and only those candidates
// (not an uninvolved third agent) can see the parent before it falls
// back to broadcast.
func TestMatchResultWiresRankedCandidates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	infra := env.register(t, "infra", true)
	poster := env.register(t, "poster", false)
	rank1 := env.register(t, "rank1", false)
	rank2 := env.register(t, "rank2", false)
	uninvolved := env.register(t, "uninvolved", false)

	parent, err := env.svc.Create(ctx, poster, "do work", "", 5, nil, task.Timeouts{})
	require.NoError(t, err)
	assert.Equal(t, task.MatchPending, parent.MatchStatus)

	children, err := env.store.ListByParent(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	matchTask := children[0]
	assert.Equal(t, task.SystemTaskMatch, matchTask.SystemTaskType)

	claimed, ok, err := env.svc.PickupNext(ctx, infra, PickupFilter{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, matchTask.ID, claimed.ID)

	resultJSON := `[{"agent_id":"` + rank1 + `","rank":1},{"agent_id":"` + rank2 + `","rank":2}]`
	_, err = env.svc.Deliver(ctx, infra, claimed.ID, resultJSON, nil)
	require.NoError(t, err)

	updatedParent, err := env.svc.GetTask(ctx, parent.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, task.MatchMatched, updatedParent.MatchStatus)

	_, ok, err = env.svc.PickupNext(ctx, uninvolved, PickupFilter{})
	require.NoError(t, err)
	assert.False(t, ok, "an agent outside the ranked match list must not see a matched task via broadcast")

	matched, ok, err := env.svc.PickupNext(ctx, rank1, PickupFilter{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, parent.ID, matched.ID)
}

// TestMatchResultDropsIneligibleCandidates verifies the poster and the
// match task's own performer are filtered out of the ranked list even if
// the system task names them.
func TestMatchResultDropsIneligibleCandidates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	infra := env.register(t, "infra", true)
	poster := env.register(t, "poster", false)

	parent, err := env.svc.Create(ctx, poster, "do work", "", 5, nil, task.Timeouts{})
	require.NoError(t, err)

	children, err := env.store.ListByParent(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	matchTask := children[0]

	claimed, ok, err := env.svc.PickupNext(ctx, infra, PickupFilter{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, matchTask.ID, claimed.ID)

	resultJSON := `[{"agent_id":"` + poster + `","rank":1},{"agent_id":"` + infra + `","rank":2}]`
	_, err = env.svc.Deliver(ctx, infra, claimed.ID, resultJSON, nil)
	require.NoError(t, err)

	updatedParent, err := env.svc.GetTask(ctx, parent.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, task.MatchBroadcast, updatedParent.MatchStatus, "with every candidate ineligible, the parent falls back to broadcast")
}

// TestVerifyPassAutoApproves checks that a passing verify verdict
// approves the parent on the poster's behalf without the poster acting.
func TestVerifyPassAutoApproves(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	infraMatcher := env.register(t, "infra-matcher", true)
	infraVerifier := env.register(t, "infra-verifier", true)
	poster := env.register(t, "poster", false)
	worker := env.register(t, "worker", false)

	parent, err := env.svc.Create(ctx, poster, "do work", "", 5, nil, task.Timeouts{})
	require.NoError(t, err)

	// drain the match system task so the parent can be claimed directly.
	matchChildren, err := env.store.ListByParent(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, matchChildren, 1)
	claimedMatch, ok, err := env.svc.PickupNext(ctx, infraMatcher, PickupFilter{})
	require.NoError(t, err)
	require.True(t, ok)
	_, err = env.svc.Deliver(ctx, infraMatcher, claimedMatch.ID, `[]`, nil)
	require.NoError(t, err)

	claimed, ok, err := env.svc.PickupNext(ctx, worker, PickupFilter{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, parent.ID, claimed.ID)

	delivered, err := env.svc.Deliver(ctx, worker, claimed.ID, "finished work", nil)
	require.NoError(t, err)
	assert.Equal(t, task.VerificationPending, delivered.VerificationStatus)

	verifyChildren, err := env.store.ListByParent(ctx, parent.ID)
	require.NoError(t, err)
	var verifyTaskID string
	for _, c := range verifyChildren {
		if c.SystemTaskType == task.SystemTaskVerify {
			verifyTaskID = c.ID
		}
	}
	require.NotEmpty(t, verifyTaskID)

	claimedVerify, ok, err := env.svc.PickupNext(ctx, infraVerifier, PickupFilter{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, verifyTaskID, claimedVerify.ID)

	_, err = env.svc.Deliver(ctx, infraVerifier, claimedVerify.ID, `{"meets_requirements":true,"explanation":"looks good"}`, nil)
	require.NoError(t, err)

	final, err := env.svc.GetTask(ctx, parent.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, task.StatusApproved, final.Status)
	assert.Equal(t, task.VerificationPassed, final.VerificationStatus)
}
