package store_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/maestro/internal/store"
	"github.com/zjrosen/maestro/internal/testutil"
)

func TestCreateTaskReadyWithoutDeps(t *testing.T) {
	s := testutil.NewTestStore(t)
	req, err := s.CreateRequest("split work")
	require.NoError(t, err)

	task, err := s.CreateTask(store.TaskParams{RequestID: req.ID, Subject: "standalone"})
	require.NoError(t, err)
	require.Equal(t, store.TaskReady, task.Status)
	require.Equal(t, store.PriorityNormal, task.Priority)
	require.Equal(t, 2, task.Tier)
}

func TestCreateTaskPendingWithDeps(t *testing.T) {
	s := testutil.NewTestStore(t)
	req, err := s.CreateRequest("split work")
	require.NoError(t, err)

	dep, err := s.CreateTask(store.TaskParams{RequestID: req.ID, Subject: "dep"})
	require.NoError(t, err)
	task, err := s.CreateTask(store.TaskParams{
		RequestID: req.ID,
		Subject:   "dependent",
		DependsOn: []int64{dep.ID},
	})
	require.NoError(t, err)
	require.Equal(t, store.TaskPending, task.Status)
}

func TestCreateTaskValidation(t *testing.T) {
	s := testutil.NewTestStore(t)

	_, err := s.CreateTask(store.TaskParams{RequestID: "req-missing", Subject: "x"})
	require.ErrorIs(t, err, store.ErrRequestNotFound)

	req, err := s.CreateRequest("r")
	require.NoError(t, err)
	_, err = s.CreateTask(store.TaskParams{RequestID: req.ID, Subject: "x", Priority: "asap"})
	var constraint *store.ConstraintError
	require.ErrorAs(t, err, &constraint)
}

func TestCheckAndPromoteTasks(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.RegisterWorkers(t, s, 1)
	req, err := s.CreateRequest("chain")
	require.NoError(t, err)

	dep, err := s.CreateTask(store.TaskParams{RequestID: req.ID, Subject: "dep"})
	require.NoError(t, err)
	blocked, err := s.CreateTask(store.TaskParams{
		RequestID: req.ID, Subject: "blocked", DependsOn: []int64{dep.ID},
	})
	require.NoError(t, err)

	// Nothing to promote while the dependency is open.
	promoted, err := s.CheckAndPromoteTasks()
	require.NoError(t, err)
	require.Empty(t, promoted)

	_, err = s.AssignTask(dep.ID, 1, "")
	require.NoError(t, err)
	_, err = s.FinishTask(dep.ID, 1, store.TaskCompleted, "", "", "done")
	require.NoError(t, err)

	promoted, err = s.CheckAndPromoteTasks()
	require.NoError(t, err)
	require.Equal(t, []int64{blocked.ID}, promoted)

	got, err := s.GetTask(blocked.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskReady, got.Status)
}

func TestPromoteSkipsUnknownDependency(t *testing.T) {
	s := testutil.NewTestStore(t)
	req, err := s.CreateRequest("chain")
	require.NoError(t, err)

	task, err := s.CreateTask(store.TaskParams{
		RequestID: req.ID, Subject: "orphan dep", DependsOn: []int64{9999},
	})
	require.NoError(t, err)

	promoted, err := s.CheckAndPromoteTasks()
	require.NoError(t, err)
	require.Empty(t, promoted)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskPending, got.Status)
}

// Ready ordering is urgent > high > normal > low with id breaking ties,
// checked over random priority mixes.
func TestReadyTasksPriorityOrder(t *testing.T) {
	priorities := []store.TaskPriority{
		store.PriorityUrgent, store.PriorityHigh, store.PriorityNormal, store.PriorityLow,
	}
	rapid.Check(t, func(rt *rapid.T) {
		s := testutil.NewTestStore(t)
		req, err := s.CreateRequest("ordering")
		require.NoError(t, err)

		n := rapid.IntRange(1, 12).Draw(rt, "n")
		for i := 0; i < n; i++ {
			p := priorities[rapid.IntRange(0, 3).Draw(rt, "p")]
			_, err := s.CreateTask(store.TaskParams{
				RequestID: req.ID, Subject: "t", Priority: p,
			})
			require.NoError(t, err)
		}

		ready, err := s.ReadyTasks()
		require.NoError(t, err)
		require.Len(t, ready, n)
		for i := 1; i < len(ready); i++ {
			prev, cur := ready[i-1], ready[i]
			require.LessOrEqual(t, prev.Priority.Rank(), cur.Priority.Rank())
			if prev.Priority.Rank() == cur.Priority.Rank() {
				require.Less(t, prev.ID, cur.ID)
			}
		}
	})
}

func TestAssignTaskGuards(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.RegisterWorkers(t, s, 2)
	_, task := testutil.CreateReadyTask(t, s, "guarded")

	assigned, err := s.AssignTask(task.ID, 1, "")
	require.NoError(t, err)
	require.Equal(t, store.TaskAssigned, assigned.Status)
	require.NotNil(t, assigned.AssignedTo)
	require.Equal(t, 1, *assigned.AssignedTo)

	// The task is spoken for.
	_, err = s.AssignTask(task.ID, 2, "")
	require.ErrorIs(t, err, store.ErrTaskNotReady)

	// The worker is busy.
	_, other := testutil.CreateReadyTask(t, s, "second")
	_, err = s.AssignTask(other.ID, 1, "")
	require.ErrorIs(t, err, store.ErrWorkerNotIdle)

	worker, err := s.GetWorker(1)
	require.NoError(t, err)
	require.Equal(t, store.WorkerAssigned, worker.Status)
	require.NotNil(t, worker.CurrentTaskID)
	require.Equal(t, task.ID, *worker.CurrentTaskID)
}

func TestAssignTaskRespectsClaims(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.RegisterWorkers(t, s, 1)
	_, task := testutil.CreateReadyTask(t, s, "claimed path")

	require.NoError(t, s.ClaimWorker(1, "architect"))

	_, err := s.AssignTask(task.ID, 1, "allocator")
	require.ErrorIs(t, err, store.ErrWorkerClaimed)

	// The matching claimer assigns, and the claim is consumed.
	_, err = s.AssignTask(task.ID, 1, "architect")
	require.NoError(t, err)

	worker, err := s.GetWorker(1)
	require.NoError(t, err)
	require.Empty(t, worker.ClaimedBy)
}

func TestAssignTaskUpdatesWorkerDomain(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.RegisterWorkers(t, s, 1)
	req, err := s.CreateRequest("domains")
	require.NoError(t, err)
	task, err := s.CreateTask(store.TaskParams{
		RequestID: req.ID, Subject: "backend work", Domain: "backend",
	})
	require.NoError(t, err)

	_, err = s.AssignTask(task.ID, 1, "")
	require.NoError(t, err)

	worker, err := s.GetWorker(1)
	require.NoError(t, err)
	require.Equal(t, "backend", worker.Domain)
}

func TestStartAndFinishTask(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.RegisterWorkers(t, s, 1)
	_, task := testutil.CreateReadyTask(t, s, "full lifecycle")

	_, err := s.AssignTask(task.ID, 1, "")
	require.NoError(t, err)
	require.NoError(t, s.StartTask(task.ID, 1))

	worker, err := s.GetWorker(1)
	require.NoError(t, err)
	require.Equal(t, store.WorkerBusy, worker.Status)

	finished, err := s.FinishTask(task.ID, 1, store.TaskCompleted,
		"https://github.com/acme/app/pull/7", "task-1", "implemented")
	require.NoError(t, err)
	require.Equal(t, store.TaskCompleted, finished.Status)
	require.Nil(t, finished.AssignedTo)
	require.Equal(t, "https://github.com/acme/app/pull/7", finished.PRURL)
	require.NotNil(t, finished.CompletedAt)

	worker, err = s.GetWorker(1)
	require.NoError(t, err)
	require.Equal(t, store.WorkerCompletedTask, worker.Status)
	require.Equal(t, 1, worker.TasksCompleted)
}

func TestFinishTaskGuards(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.RegisterWorkers(t, s, 2)
	_, task := testutil.CreateReadyTask(t, s, "guards")

	// Finishing requires a terminal status.
	_, err := s.FinishTask(task.ID, 1, store.TaskReady, "", "", "")
	var constraint *store.ConstraintError
	require.ErrorAs(t, err, &constraint)

	_, err = s.AssignTask(task.ID, 1, "")
	require.NoError(t, err)

	// Only the assignee finishes.
	_, err = s.FinishTask(task.ID, 2, store.TaskCompleted, "", "", "")
	require.ErrorIs(t, err, store.ErrTaskNotReady)

	_, err = s.FinishTask(task.ID, 1, store.TaskFailed, "", "", "could not build")
	require.NoError(t, err)

	// Terminal tasks never finish twice.
	_, err = s.FinishTask(task.ID, 1, store.TaskCompleted, "", "", "")
	require.ErrorIs(t, err, store.ErrTaskNotReady)
}

func TestRequeueTaskIfActive(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.RegisterWorkers(t, s, 1)
	_, task := testutil.CreateReadyTask(t, s, "requeue me")

	_, err := s.AssignTask(task.ID, 1, "")
	require.NoError(t, err)

	requeued, err := s.RequeueTaskIfActive(task.ID)
	require.NoError(t, err)
	require.True(t, requeued)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskReady, got.Status)
	require.Nil(t, got.AssignedTo)
}

func TestRequeueLosesToCompletion(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.RegisterWorkers(t, s, 1)
	_, task := testutil.CreateReadyTask(t, s, "already done")

	_, err := s.AssignTask(task.ID, 1, "")
	require.NoError(t, err)
	_, err = s.FinishTask(task.ID, 1, store.TaskCompleted, "", "", "")
	require.NoError(t, err)

	requeued, err := s.RequeueTaskIfActive(task.ID)
	require.NoError(t, err)
	require.False(t, requeued)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCompleted, got.Status)
}

func TestUpdateTaskRefusesAssignmentTransitions(t *testing.T) {
	s := testutil.NewTestStore(t)
	_, task := testutil.CreateReadyTask(t, s, "narrow updates")

	assigned := store.TaskAssigned
	err := s.UpdateTask(task.ID, store.TaskUpdate{Status: &assigned})
	var constraint *store.ConstraintError
	require.ErrorAs(t, err, &constraint)

	blocked := store.TaskBlocked
	high := store.PriorityHigh
	require.NoError(t, s.UpdateTask(task.ID, store.TaskUpdate{Status: &blocked, Priority: &high}))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskBlocked, got.Status)
	require.Equal(t, store.PriorityHigh, got.Priority)
}
