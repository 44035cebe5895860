package repos

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/claimspipe/internal/db"
	"github.com/yungbote/claimspipe/internal/logger"
	"github.com/yungbote/claimspipe/internal/types"
)

func testRunRepo(t *testing.T) PipelineRunRepo {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	dbService, err := db.NewMemory(t.Name(), log)
	require.NoError(t, err)
	require.NoError(t, dbService.AutoMigrateAll())
	return NewPipelineRunRepo(dbService.DB(), dbService.Dialect(), log)
}

func seedRun(t *testing.T, repo PipelineRunRepo, status string, mutate func(*types.PipelineRun)) *types.PipelineRun {
	t.Helper()
	run := &types.PipelineRun{
		ID:      uuid.New(),
		ClaimID: uuid.New(),
		Status:  status,
		Stage:   types.RunStageExtract,
	}
	if mutate != nil {
		mutate(run)
	}
	_, err := repo.Create(context.Background(), nil, []*types.PipelineRun{run})
	require.NoError(t, err)
	return run
}

func TestClaimNextRunnable_PicksQueuedRun(t *testing.T) {
	repo := testRunRepo(t)
	run := seedRun(t, repo, types.RunStatusQueued, nil)

	got, err := repo.ClaimNextRunnable(context.Background(), nil, 3, time.Minute, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, run.ID, got.ID)
	require.Equal(t, types.RunStatusRunning, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LockedAt)
	require.NotNil(t, got.HeartbeatAt)
}

func TestClaimNextRunnable_IdleReturnsNil(t *testing.T) {
	repo := testRunRepo(t)
	got, err := repo.ClaimNextRunnable(context.Background(), nil, 3, time.Minute, time.Minute)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestClaimNextRunnable_SkipsFreshlyRunningRun(t *testing.T) {
	repo := testRunRepo(t)
	now := time.Now()
	seedRun(t, repo, types.RunStatusRunning, func(r *types.PipelineRun) {
		r.HeartbeatAt = &now
	})

	got, err := repo.ClaimNextRunnable(context.Background(), nil, 3, time.Minute, time.Minute)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestClaimNextRunnable_RecoversStaleRunningRun(t *testing.T) {
	repo := testRunRepo(t)
	stale := time.Now().Add(-time.Hour)
	run := seedRun(t, repo, types.RunStatusRunning, func(r *types.PipelineRun) {
		r.HeartbeatAt = &stale
		r.Attempts = 1
	})

	got, err := repo.ClaimNextRunnable(context.Background(), nil, 3, time.Minute, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, run.ID, got.ID)
	require.Equal(t, 2, got.Attempts)
}

func TestClaimNextRunnable_RetriesFailedRunAfterDelay(t *testing.T) {
	repo := testRunRepo(t)
	old := time.Now().Add(-time.Hour)
	seedRun(t, repo, types.RunStatusFailed, func(r *types.PipelineRun) {
		r.Attempts = 1
		r.LastErrorAt = &old
	})

	got, err := repo.ClaimNextRunnable(context.Background(), nil, 3, time.Minute, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestClaimNextRunnable_RespectsRetryDelay(t *testing.T) {
	repo := testRunRepo(t)
	justNow := time.Now()
	seedRun(t, repo, types.RunStatusFailed, func(r *types.PipelineRun) {
		r.Attempts = 1
		r.LastErrorAt = &justNow
	})

	got, err := repo.ClaimNextRunnable(context.Background(), nil, 3, time.Minute, time.Minute)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestClaimNextRunnable_ExhaustedRunStaysDown(t *testing.T) {
	repo := testRunRepo(t)
	old := time.Now().Add(-time.Hour)
	seedRun(t, repo, types.RunStatusFailed, func(r *types.PipelineRun) {
		r.Attempts = 3
		r.LastErrorAt = &old
	})

	got, err := repo.ClaimNextRunnable(context.Background(), nil, 3, time.Minute, time.Minute)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestClaimNextRunnable_OldestFirst(t *testing.T) {
	repo := testRunRepo(t)
	first := seedRun(t, repo, types.RunStatusQueued, func(r *types.PipelineRun) {
		r.CreatedAt = time.Now().Add(-time.Minute)
	})
	seedRun(t, repo, types.RunStatusQueued, nil)

	got, err := repo.ClaimNextRunnable(context.Background(), nil, 3, time.Minute, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, first.ID, got.ID)
}

func TestRequestCancel_OnlyTouchesLiveRuns(t *testing.T) {
	repo := testRunRepo(t)
	ctx := context.Background()

	live := seedRun(t, repo, types.RunStatusQueued, nil)
	ok, err := repo.RequestCancel(ctx, nil, live.ClaimID)
	require.NoError(t, err)
	require.True(t, ok)

	reloaded, err := repo.GetByID(ctx, nil, live.ID)
	require.NoError(t, err)
	require.True(t, reloaded.CancelRequested)

	done := seedRun(t, repo, types.RunStatusSucceeded, nil)
	ok, err = repo.RequestCancel(ctx, nil, done.ClaimID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCountPending_CountsQueuedAndRunning(t *testing.T) {
	repo := testRunRepo(t)
	ctx := context.Background()

	seedRun(t, repo, types.RunStatusQueued, nil)
	now := time.Now()
	seedRun(t, repo, types.RunStatusRunning, func(r *types.PipelineRun) { r.HeartbeatAt = &now })
	seedRun(t, repo, types.RunStatusSucceeded, nil)
	seedRun(t, repo, types.RunStatusCancelled, nil)

	n, err := repo.CountPending(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}
