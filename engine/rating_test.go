package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anneschuth/pinchwork/domain/task"
)

// TestRatingStatsAveragesAcrossApprovedTasks exercises the derived-read
// resolution of the rating Open Question: averages fold over approved
// tasks rather than being tracked as a mutable running scalar.
func TestRatingStatsAveragesAcrossApprovedTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	poster := env.register(t, "poster", false)
	worker := env.register(t, "worker", false)

	ratings := []int{5, 3}
	for _, r := range ratings {
		created, err := env.svc.Create(ctx, poster, "do work", "", 5, nil, task.Timeouts{})
		require.NoError(t, err)
		claimed, ok, err := env.svc.PickupNext(ctx, worker, PickupFilter{})
		require.NoError(t, err)
		require.True(t, ok)
		_, err = env.svc.Deliver(ctx, worker, claimed.ID, "done", nil)
		require.NoError(t, err)
		rating := r
		_, err = env.svc.Approve(ctx, poster, created.ID, &rating)
		require.NoError(t, err)
	}

	stats, err := env.svc.RatingStats(ctx, worker)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.AsWorkerCount)
	assert.InDelta(t, 4.0, stats.AsWorkerAverage, 0.0001)
	assert.Equal(t, 0, stats.AsPosterCount)

	posterStats, err := env.svc.RatingStats(ctx, poster)
	require.NoError(t, err)
	assert.Equal(t, 0, posterStats.AsWorkerCount)
	assert.Equal(t, 0, posterStats.AsPosterCount, "poster never received a worker rating in this scenario")
}

// TestRatingStatsUnratedTaskIsExcluded verifies a zero/unset rating never
// counts toward the average (0 means "unset", not a valid score).
func TestRatingStatsUnratedTaskIsExcluded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	poster := env.register(t, "poster", false)
	worker := env.register(t, "worker", false)

	created, err := env.svc.Create(ctx, poster, "do work", "", 5, nil, task.Timeouts{})
	require.NoError(t, err)
	claimed, ok, err := env.svc.PickupNext(ctx, worker, PickupFilter{})
	require.NoError(t, err)
	require.True(t, ok)
	_, err = env.svc.Deliver(ctx, worker, claimed.ID, "done", nil)
	require.NoError(t, err)
	_, err = env.svc.Approve(ctx, poster, created.ID, nil)
	require.NoError(t, err)

	stats, err := env.svc.RatingStats(ctx, worker)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.AsWorkerCount)
	assert.Equal(t, 0.0, stats.AsWorkerAverage)
}
