package store_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/maestro/internal/store"
	"github.com/zjrosen/maestro/internal/testutil"
)

func TestCreateAndGetRequest(t *testing.T) {
	s := testutil.NewTestStore(t)

	req, err := s.CreateRequest("add rate limiting")
	require.NoError(t, err)
	require.NotEmpty(t, req.ID)
	require.Equal(t, store.RequestPending, req.Status)
	require.Zero(t, req.Tier)

	got, err := s.GetRequest(req.ID)
	require.NoError(t, err)
	require.Equal(t, "add rate limiting", got.Description)
	require.Equal(t, store.RequestPending, got.Status)
}

func TestGetRequestNotFound(t *testing.T) {
	s := testutil.NewTestStore(t)

	_, err := s.GetRequest("req-missing")
	require.ErrorIs(t, err, store.ErrRequestNotFound)
}

func TestUpdateRequestTransitions(t *testing.T) {
	s := testutil.NewTestStore(t)

	req, err := s.CreateRequest("refactor auth")
	require.NoError(t, err)

	tier := 2
	status := store.RequestDecomposed
	require.NoError(t, s.UpdateRequest(req.ID, store.RequestUpdate{Tier: &tier, Status: &status}))

	got, err := s.GetRequest(req.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.Tier)
	require.Equal(t, store.RequestDecomposed, got.Status)
}

func TestUpdateRequestTerminalGuard(t *testing.T) {
	s := testutil.NewTestStore(t)

	req, err := s.CreateRequest("one shot")
	require.NoError(t, err)

	done := store.RequestCompleted
	require.NoError(t, s.UpdateRequest(req.ID, store.RequestUpdate{Status: &done}))

	// No status transition out of a terminal state.
	reopen := store.RequestInProgress
	err = s.UpdateRequest(req.ID, store.RequestUpdate{Status: &reopen})
	require.ErrorIs(t, err, store.ErrRequestCompleted)

	// Non-status fields may still be annotated.
	result := "late summary"
	require.NoError(t, s.UpdateRequest(req.ID, store.RequestUpdate{Result: &result}))

	got, err := s.GetRequest(req.ID)
	require.NoError(t, err)
	require.Equal(t, store.RequestCompleted, got.Status)
	require.Equal(t, "late summary", got.Result)
}

func TestListRequestsByStatus(t *testing.T) {
	s := testutil.NewTestStore(t)

	a, err := s.CreateRequest("first")
	require.NoError(t, err)
	_, err = s.CreateRequest("second")
	require.NoError(t, err)

	done := store.RequestCompleted
	require.NoError(t, s.UpdateRequest(a.ID, store.RequestUpdate{Status: &done}))

	pending, err := s.ListRequests(store.RequestPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "second", pending[0].Description)

	all, err := s.ListRequests("")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestCreateFix(t *testing.T) {
	s := testutil.NewTestStore(t)

	req, task, err := s.CreateFix("prod is down")
	require.NoError(t, err)
	require.Equal(t, 2, req.Tier)
	require.Equal(t, store.RequestDecomposed, req.Status)
	require.Equal(t, req.ID, task.RequestID)
	require.Equal(t, store.PriorityUrgent, task.Priority)
	require.Equal(t, store.TaskReady, task.Status)

	// The urgent task sorts ahead of normal work.
	_, normal := testutil.CreateReadyTask(t, s, "routine change")
	ready, err := s.ReadyTasks()
	require.NoError(t, err)
	require.Len(t, ready, 2)
	require.Equal(t, task.ID, ready[0].ID)
	require.Equal(t, normal.ID, ready[1].ID)
}
