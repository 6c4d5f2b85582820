package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/maestro/internal/store"
	"github.com/zjrosen/maestro/internal/testutil"
)

func TestRegisterWorkerIdempotent(t *testing.T) {
	s := testutil.NewTestStore(t)

	w, err := s.RegisterWorker(1, "/wt/w1", "worker-1", "maestro", "worker-1")
	require.NoError(t, err)
	require.Equal(t, store.WorkerIdle, w.Status)
	require.Equal(t, "/wt/w1", w.Worktree)

	// Re-registering refreshes bindings without touching status.
	busy := store.WorkerBusy
	require.NoError(t, s.UpdateWorker(1, store.WorkerUpdate{Status: &busy}))

	w, err = s.RegisterWorker(1, "/wt/w1-moved", "worker-1b", "maestro", "worker-1")
	require.NoError(t, err)
	require.Equal(t, store.WorkerBusy, w.Status)
	require.Equal(t, "/wt/w1-moved", w.Worktree)
	require.Equal(t, "worker-1b", w.Branch)
}

func TestGetWorkerNotFound(t *testing.T) {
	s := testutil.NewTestStore(t)

	_, err := s.GetWorker(99)
	require.ErrorIs(t, err, store.ErrWorkerNotFound)
}

func TestClaimAndReleaseWorker(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.RegisterWorkers(t, s, 1)

	require.NoError(t, s.ClaimWorker(1, "architect"))

	w, err := s.GetWorker(1)
	require.NoError(t, err)
	require.Equal(t, "architect", w.ClaimedBy)
	require.NotNil(t, w.ClaimedAt)

	// A second claimer is refused; the same claimer may re-claim.
	require.ErrorIs(t, s.ClaimWorker(1, "allocator"), store.ErrWorkerClaimed)
	require.NoError(t, s.ClaimWorker(1, "architect"))

	require.NoError(t, s.ReleaseWorker(1))
	w, err = s.GetWorker(1)
	require.NoError(t, err)
	require.Empty(t, w.ClaimedBy)
	require.Nil(t, w.ClaimedAt)

	// Releasing again is a no-op.
	require.NoError(t, s.ReleaseWorker(1))
}

func TestClaimWorkerRequiresIdle(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.RegisterWorkers(t, s, 1)
	_, task := testutil.CreateReadyTask(t, s, "busy worker")

	_, err := s.AssignTask(task.ID, 1, "")
	require.NoError(t, err)

	require.ErrorIs(t, s.ClaimWorker(1, "architect"), store.ErrWorkerNotIdle)
	require.ErrorIs(t, s.ClaimWorker(2, "architect"), store.ErrWorkerNotFound)
}

func TestListIdleWorkersExcludesClaimedAndBusy(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.RegisterWorkers(t, s, 3)
	_, task := testutil.CreateReadyTask(t, s, "occupy one")

	_, err := s.AssignTask(task.ID, 1, "")
	require.NoError(t, err)
	require.NoError(t, s.ClaimWorker(2, "architect"))

	idle, err := s.ListIdleWorkers()
	require.NoError(t, err)
	require.Len(t, idle, 1)
	require.Equal(t, 3, idle[0].ID)
}

func TestHeartbeat(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.RegisterWorkers(t, s, 1)

	require.NoError(t, s.Heartbeat(1))
	w, err := s.GetWorker(1)
	require.NoError(t, err)
	require.NotNil(t, w.LastHeartbeat)
	require.WithinDuration(t, time.Now(), *w.LastHeartbeat, 5*time.Second)

	require.ErrorIs(t, s.Heartbeat(42), store.ErrWorkerNotFound)
}

func TestMarkWorkerLaunched(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.RegisterWorkers(t, s, 1)

	require.NoError(t, s.MarkWorkerLaunched(1))
	w, err := s.GetWorker(1)
	require.NoError(t, err)
	require.Equal(t, store.WorkerRunning, w.Status)
	require.NotNil(t, w.LaunchedAt)
	require.NotNil(t, w.LastHeartbeat)
}

func TestResetWorker(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.RegisterWorkers(t, s, 1)
	_, task := testutil.CreateReadyTask(t, s, "to be reset")

	_, err := s.AssignTask(task.ID, 1, "")
	require.NoError(t, err)
	require.NoError(t, s.ResetWorker(1))

	w, err := s.GetWorker(1)
	require.NoError(t, err)
	require.Equal(t, store.WorkerIdle, w.Status)
	require.Nil(t, w.CurrentTaskID)
	require.Empty(t, w.ClaimedBy)
}

func TestUpdateWorkerNotFound(t *testing.T) {
	s := testutil.NewTestStore(t)

	domain := "frontend"
	err := s.UpdateWorker(7, store.WorkerUpdate{Domain: &domain})
	require.ErrorIs(t, err, store.ErrWorkerNotFound)
}
