package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/maestro/internal/store"
	"github.com/zjrosen/maestro/internal/testutil"
)

func finishWithPR(t *testing.T, s *store.Store, taskID int64, workerID int, pr, branch string) {
	t.Helper()
	_, err := s.AssignTask(taskID, workerID, "")
	require.NoError(t, err)
	_, err = s.FinishTask(taskID, workerID, store.TaskCompleted, pr, branch, "done")
	require.NoError(t, err)
}

func TestCompletionNoTasksIsNoOp(t *testing.T) {
	s := testutil.NewTestStore(t)
	req, err := s.CreateRequest("tier 1 candidate")
	require.NoError(t, err)

	result, err := s.EvaluateRequestCompletion(req.ID)
	require.NoError(t, err)
	require.False(t, result.Changed)
	require.Equal(t, store.RequestPending, result.Status)
}

func TestCompletionWaitsForOpenTasks(t *testing.T) {
	s := testutil.NewTestStore(t)
	req, _ := testutil.CreateReadyTask(t, s, "still open")

	result, err := s.EvaluateRequestCompletion(req.ID)
	require.NoError(t, err)
	require.False(t, result.Changed)
}

func TestCompletionWithoutPRs(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.RegisterWorkers(t, s, 1)
	req, task := testutil.CreateReadyTask(t, s, "doc-only change")

	_, err := s.AssignTask(task.ID, 1, "")
	require.NoError(t, err)
	_, err = s.FinishTask(task.ID, 1, store.TaskCompleted, "", "", "updated docs")
	require.NoError(t, err)

	result, err := s.EvaluateRequestCompletion(req.ID)
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Equal(t, store.RequestCompleted, result.Status)
	require.Contains(t, result.Summary, "1 tasks completed")
}

func TestCompletionFailedTaskFailsRequest(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.RegisterWorkers(t, s, 1)
	req, task := testutil.CreateReadyTask(t, s, "doomed")

	_, err := s.AssignTask(task.ID, 1, "")
	require.NoError(t, err)
	_, err = s.FinishTask(task.ID, 1, store.TaskFailed, "", "", "tests never pass")
	require.NoError(t, err)

	result, err := s.EvaluateRequestCompletion(req.ID)
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Equal(t, store.RequestFailed, result.Status)
	require.Contains(t, result.Summary, "doomed")

	// Terminal requests are left alone on re-evaluation.
	result, err = s.EvaluateRequestCompletion(req.ID)
	require.NoError(t, err)
	require.False(t, result.Changed)
}

func TestCompletionWaitsForMerge(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.RegisterWorkers(t, s, 1)
	req, task := testutil.CreateReadyTask(t, s, "has a PR")

	finishWithPR(t, s, task.ID, 1, "https://github.com/acme/app/pull/9", "task-9")
	entry, err := s.EnqueueMerge(req.ID, task.ID, "https://github.com/acme/app/pull/9", "task-9", 0)
	require.NoError(t, err)

	result, err := s.EvaluateRequestCompletion(req.ID)
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Equal(t, store.RequestIntegrate, result.Status)

	// Still integrating on the next look.
	result, err = s.EvaluateRequestCompletion(req.ID)
	require.NoError(t, err)
	require.False(t, result.Changed)

	merged := store.MergeMerged
	now := time.Now()
	require.NoError(t, s.UpdateMerge(entry.ID, store.MergeUpdate{Status: &merged, MergedAt: &now}))

	result, err = s.EvaluateRequestCompletion(req.ID)
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Equal(t, store.RequestCompleted, result.Status)
}

func TestCompletionPRWithoutEnqueueStaysIntegrating(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.RegisterWorkers(t, s, 1)
	req, task := testutil.CreateReadyTask(t, s, "PR not yet enqueued")

	finishWithPR(t, s, task.ID, 1, "https://github.com/acme/app/pull/3", "task-3")

	result, err := s.EvaluateRequestCompletion(req.ID)
	require.NoError(t, err)
	require.Equal(t, store.RequestIntegrate, result.Status)
	require.True(t, result.Changed)
}

func TestActivityLogQueryAndPurge(t *testing.T) {
	s := testutil.NewTestStore(t)

	require.NoError(t, s.LogActivity("architect", "triage", map[string]any{"request_id": "req-1"}))
	require.NoError(t, s.LogActivity("worker-1", "start-task", nil))

	entries, err := s.QueryActivity("", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	require.Equal(t, "start-task", entries[0].Action)

	entries, err = s.QueryActivity("architect", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	n, err := s.PurgeActivityOlderThan(-time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}
