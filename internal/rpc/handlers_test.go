package rpc_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/maestro/internal/mail"
	"github.com/zjrosen/maestro/internal/rpc"
	"github.com/zjrosen/maestro/internal/store"
	"github.com/zjrosen/maestro/internal/testutil"
)

func newHandlers(t *testing.T) (*rpc.Handlers, *store.Store, *mail.Bus) {
	t.Helper()
	s := testutil.NewTestStore(t)
	bus := mail.New(s)
	return rpc.NewHandlers(s, bus, "test"), s, bus
}

// dispatch validates like the server would before calling the handler.
func dispatch(t *testing.T, h *rpc.Handlers, command string, args map[string]any) (map[string]any, error) {
	t.Helper()
	clean, err := rpc.Validate(command, args)
	if err != nil {
		return nil, err
	}
	return h.Dispatch(context.Background(), &rpc.Request{Command: command, Args: clean})
}

func TestRequestCommand(t *testing.T) {
	h, s, bus := newHandlers(t)

	result, err := dispatch(t, h, "request", map[string]any{"description": "add dark mode"})
	require.NoError(t, err)
	requestID, ok := result["request_id"].(string)
	require.True(t, ok)
	require.Equal(t, string(store.RequestPending), result["status"])

	// The architect hears about it, the interface gets an ack.
	msgs, err := bus.Check(mail.RecipientArchitect)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, mail.TypeNewRequest, msgs[0].Type)

	msgs, err = bus.Check(mail.RecipientMaster)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, mail.TypeRequestAcknowledged, msgs[0].Type)

	req, err := s.GetRequest(requestID)
	require.NoError(t, err)
	require.Equal(t, "add dark mode", req.Description)
}

func TestFixCommand(t *testing.T) {
	h, s, bus := newHandlers(t)

	result, err := dispatch(t, h, "fix", map[string]any{"description": "login broken"})
	require.NoError(t, err)

	req, err := s.GetRequest(result["request_id"].(string))
	require.NoError(t, err)
	require.Equal(t, store.RequestDecomposed, req.Status)
	require.Equal(t, 2, req.Tier)

	// The allocator is nudged immediately.
	msgs, err := bus.Check(mail.RecipientAllocator)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, mail.TypeTasksReady, msgs[0].Type)
}

func TestTriageCommand(t *testing.T) {
	h, s, _ := newHandlers(t)
	req, err := s.CreateRequest("needs triage")
	require.NoError(t, err)

	result, err := dispatch(t, h, "triage", map[string]any{"request_id": req.ID, "tier": 3.0})
	require.NoError(t, err)
	require.Equal(t, string(store.RequestDecomposed), result["status"])

	// Tier 1 marks the request for direct handling.
	other, err := s.CreateRequest("trivial")
	require.NoError(t, err)
	result, err = dispatch(t, h, "triage", map[string]any{"request_id": other.ID, "tier": 1.0})
	require.NoError(t, err)
	require.Equal(t, string(store.RequestTier1), result["status"])

	_, err = dispatch(t, h, "triage", map[string]any{"request_id": req.ID, "tier": 4.0})
	var invalid *rpc.InvalidInputError
	require.ErrorAs(t, err, &invalid)
}

func TestCreateTaskCommand(t *testing.T) {
	h, s, bus := newHandlers(t)
	req, err := s.CreateRequest("decompose me")
	require.NoError(t, err)
	_, err = dispatch(t, h, "triage", map[string]any{"request_id": req.ID, "tier": 3.0})
	require.NoError(t, err)

	result, err := dispatch(t, h, "create-task", map[string]any{
		"request_id": req.ID,
		"subject":    "implement backend",
		"domain":     "backend",
		"files":      []any{"server.go"},
		"priority":   "high",
		"validation": map[string]any{"test": "go test ./..."},
	})
	require.NoError(t, err)
	task, ok := result["task"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "implement backend", task["subject"])
	require.Equal(t, string(store.TaskReady), task["status"])

	// First task flips the request into execution.
	got, err := s.GetRequest(req.ID)
	require.NoError(t, err)
	require.Equal(t, store.RequestInProgress, got.Status)

	msgs, err := bus.Check(mail.RecipientAllocator)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, mail.TypeTasksReady, msgs[0].Type)
}

func TestTier1CompleteCommand(t *testing.T) {
	h, s, bus := newHandlers(t)
	req, err := s.CreateRequest("answer a question")
	require.NoError(t, err)
	_, err = dispatch(t, h, "triage", map[string]any{"request_id": req.ID, "tier": 1.0})
	require.NoError(t, err)

	_, err = dispatch(t, h, "tier1-complete", map[string]any{
		"request_id": req.ID,
		"summary":    "answered directly",
	})
	require.NoError(t, err)

	got, err := s.GetRequest(req.ID)
	require.NoError(t, err)
	require.Equal(t, store.RequestCompleted, got.Status)
	require.Equal(t, "answered directly", got.Result)

	msgs, err := bus.Check(mail.RecipientMaster)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, mail.TypeRequestCompleted, msgs[0].Type)
}

func TestCompleteTaskCommand(t *testing.T) {
	h, s, bus := newHandlers(t)
	testutil.RegisterWorkers(t, s, 1)
	req, task := testutil.CreateReadyTask(t, s, "ship a PR")
	_, err := s.AssignTask(task.ID, 1, "")
	require.NoError(t, err)

	result, err := dispatch(t, h, "complete-task", map[string]any{
		"task_id":   float64(task.ID),
		"worker_id": 1.0,
		"pr_url":    "https://github.com/acme/app/pull/7",
		"branch":    "task-7",
		"summary":   "done",
	})
	require.NoError(t, err)
	require.Equal(t, string(store.TaskCompleted), result["task_status"])
	require.Equal(t, string(store.RequestIntegrate), result["request_status"])

	// The PR landed in the merge queue.
	merges, err := s.ListMerges(req.ID)
	require.NoError(t, err)
	require.Len(t, merges, 1)
	require.Equal(t, "https://github.com/acme/app/pull/7", merges[0].PRURL)

	// Allocator and architect both hear the outcome.
	msgs, err := bus.Check(mail.RecipientAllocator)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, mail.TypeTaskCompleted, msgs[0].Type)
	msgs, err = bus.Check(mail.RecipientArchitect)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestCompleteTaskRejectsBadPR(t *testing.T) {
	h, s, _ := newHandlers(t)
	testutil.RegisterWorkers(t, s, 1)
	_, task := testutil.CreateReadyTask(t, s, "bad pr")
	_, err := s.AssignTask(task.ID, 1, "")
	require.NoError(t, err)

	var invalid *rpc.InvalidInputError
	_, err = dispatch(t, h, "complete-task", map[string]any{
		"task_id":   float64(task.ID),
		"worker_id": 1.0,
		"pr_url":    "https://evil.example/acme/app/pull/7",
		"branch":    "task-7",
	})
	require.ErrorAs(t, err, &invalid)

	// A PR without a branch is refused too.
	_, err = dispatch(t, h, "complete-task", map[string]any{
		"task_id":   float64(task.ID),
		"worker_id": 1.0,
		"pr_url":    "https://github.com/acme/app/pull/7",
	})
	require.ErrorAs(t, err, &invalid)

	// Nothing was finished by the failed attempts.
	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskAssigned, got.Status)
}

func TestFailTaskCommand(t *testing.T) {
	h, s, bus := newHandlers(t)
	testutil.RegisterWorkers(t, s, 1)
	req, task := testutil.CreateReadyTask(t, s, "hopeless")
	_, err := s.AssignTask(task.ID, 1, "")
	require.NoError(t, err)

	result, err := dispatch(t, h, "fail-task", map[string]any{
		"task_id":   float64(task.ID),
		"worker_id": 1.0,
		"reason":    "dependency vanished",
	})
	require.NoError(t, err)
	require.Equal(t, string(store.TaskFailed), result["task_status"])
	require.Equal(t, string(store.RequestFailed), result["request_status"])

	got, err := s.GetRequest(req.ID)
	require.NoError(t, err)
	require.Equal(t, store.RequestFailed, got.Status)

	// The failed request's terminal outcome reaches the interface.
	msgs, err := bus.Check(mail.RecipientMaster)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, mail.TypeRequestCompleted, msgs[0].Type)
}

func TestMyTaskCommand(t *testing.T) {
	h, s, _ := newHandlers(t)
	testutil.RegisterWorkers(t, s, 1)

	result, err := dispatch(t, h, "my-task", map[string]any{"worker_id": 1.0})
	require.NoError(t, err)
	require.Nil(t, result["task"])

	_, task := testutil.CreateReadyTask(t, s, "current work")
	_, err = s.AssignTask(task.ID, 1, "")
	require.NoError(t, err)

	result, err = dispatch(t, h, "my-task", map[string]any{"worker_id": 1.0})
	require.NoError(t, err)
	got, ok := result["task"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, task.ID, got["id"])
}

func TestRegisterWorkerCommand(t *testing.T) {
	h, s, _ := newHandlers(t)

	result, err := dispatch(t, h, "register-worker", map[string]any{
		"worker_id": 2.0,
		"worktree":  "/wt/w2",
	})
	require.NoError(t, err)
	worker, ok := result["worker"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "worker-2", worker["window"])

	var invalid *rpc.InvalidInputError
	_, err = dispatch(t, h, "register-worker", map[string]any{"worker_id": 0.0})
	require.ErrorAs(t, err, &invalid)

	// Above the configured fleet size.
	_, err = dispatch(t, h, "register-worker", map[string]any{"worker_id": 5.0})
	require.ErrorAs(t, err, &invalid)
	require.NoError(t, s.SetConfig(store.KeyMaxWorkers, "5"))
	_, err = dispatch(t, h, "register-worker", map[string]any{"worker_id": 5.0})
	require.NoError(t, err)
}

func TestDistillCommand(t *testing.T) {
	h, s, _ := newHandlers(t)
	testutil.RegisterWorkers(t, s, 1)
	req, task := testutil.CreateReadyTask(t, s, "snapshot me")
	_, err := s.EnqueueMerge(req.ID, task.ID, "https://github.com/acme/app/pull/1", "task-1", 0)
	require.NoError(t, err)

	result, err := dispatch(t, h, "distill", map[string]any{"request_id": req.ID})
	require.NoError(t, err)
	require.NotNil(t, result["request"])
	require.Len(t, result["tasks"], 1)
	require.Len(t, result["merges"], 1)
}

func TestInboxCommands(t *testing.T) {
	h, _, bus := newHandlers(t)
	require.NoError(t, bus.Send("worker-1", mail.TypeNudge, mail.Nudge{Reason: "check in"}))

	result, err := dispatch(t, h, "inbox", map[string]any{"recipient": "worker-1"})
	require.NoError(t, err)
	msgs, ok := result["messages"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	require.Equal(t, mail.TypeNudge, msgs[0]["type"])

	// Read-once: the follow-up inbox-block hits the deadline empty-handed.
	result, err = dispatch(t, h, "inbox-block", map[string]any{
		"recipient": "worker-1",
		"timeout_s": 1.0,
	})
	require.NoError(t, err)
	require.Empty(t, result["messages"])
}

func TestRepairCommand(t *testing.T) {
	h, s, _ := newHandlers(t)
	testutil.RegisterWorkers(t, s, 2)
	_, task := testutil.CreateReadyTask(t, s, "orphan me")
	_, err := s.AssignTask(task.ID, 1, "")
	require.NoError(t, err)
	require.NoError(t, s.ResetWorker(1))
	require.NoError(t, s.ClaimWorker(2, "architect"))

	result, err := dispatch(t, h, "repair", nil)
	require.NoError(t, err)
	require.Equal(t, 1, result["claims_released"])
	require.Equal(t, 1, result["tasks_requeued"])
	require.Equal(t, 0, result["workers_reset"])

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskReady, got.Status)
}

func TestPingCommand(t *testing.T) {
	h, _, _ := newHandlers(t)

	result, err := dispatch(t, h, "ping", nil)
	require.NoError(t, err)
	require.Equal(t, true, result["pong"])
	require.Equal(t, "test", result["version"])
}

func TestClaimAndReleaseCommands(t *testing.T) {
	h, s, _ := newHandlers(t)
	testutil.RegisterWorkers(t, s, 1)

	_, err := dispatch(t, h, "claim-worker", map[string]any{"worker_id": 1.0, "claimer": "architect"})
	require.NoError(t, err)

	// The conflict surfaces as-is for the caller to retry elsewhere.
	_, err = dispatch(t, h, "claim-worker", map[string]any{"worker_id": 1.0, "claimer": "allocator"})
	require.ErrorIs(t, err, store.ErrWorkerClaimed)

	_, err = dispatch(t, h, "release-worker", map[string]any{"worker_id": 1.0})
	require.NoError(t, err)

	result, err := dispatch(t, h, "worker-status", map[string]any{"worker_id": 1.0})
	require.NoError(t, err)
	workers, ok := result["workers"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, workers, 1)
	require.NotContains(t, workers[0], "claimed_by")
}
