package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/zjrosen/maestro/internal/log"
	"github.com/zjrosen/maestro/internal/mail"
	"github.com/zjrosen/maestro/internal/merger"
	"github.com/zjrosen/maestro/internal/store"
)

// Handlers binds the command catalog to the store and mail bus. The socket
// server validates args against the schema before dispatch, so handlers see
// only known, correctly-typed fields.
type Handlers struct {
	store   *store.Store
	bus     *mail.Bus
	version string
}

// NewHandlers creates the command catalog.
func NewHandlers(s *store.Store, bus *mail.Bus, version string) *Handlers {
	if version == "" {
		version = "dev"
	}
	return &Handlers{store: s, bus: bus, version: version}
}

// Dispatch routes a validated request to its handler.
func (h *Handlers) Dispatch(ctx context.Context, req *Request) (map[string]any, error) {
	switch req.Command {
	case "request":
		return h.request(req.Args)
	case "fix":
		return h.fix(req.Args)
	case "status":
		return h.status()
	case "clarify":
		return h.clarify(req.Args)
	case "log":
		return h.log(req.Args)
	case "triage":
		return h.triage(req.Args)
	case "create-task":
		return h.createTask(req.Args)
	case "tier1-complete":
		return h.tier1Complete(req.Args)
	case "ask-clarification":
		return h.askClarification(req.Args)
	case "my-task":
		return h.myTask(req.Args)
	case "start-task":
		return h.startTask(req.Args)
	case "heartbeat":
		return h.heartbeat(req.Args)
	case "complete-task":
		return h.completeTask(req.Args)
	case "fail-task":
		return h.failTask(req.Args)
	case "distill":
		return h.distill(req.Args)
	case "inbox":
		return h.inbox(req.Args)
	case "inbox-block":
		return h.inboxBlock(ctx, req.Args)
	case "ready-tasks":
		return h.readyTasks()
	case "assign-task":
		return h.assignTask(req.Args)
	case "claim-worker":
		return h.claimWorker(req.Args)
	case "release-worker":
		return h.releaseWorker(req.Args)
	case "worker-status":
		return h.workerStatus(req.Args)
	case "check-completion":
		return h.checkCompletion(req.Args)
	case "register-worker":
		return h.registerWorker(req.Args)
	case "repair":
		return h.repair()
	case "ping":
		return map[string]any{"pong": true, "version": h.version}, nil
	default:
		return nil, &InvalidInputError{Command: req.Command, Detail: "unknown command"}
	}
}

// ---------------------------------------------------------------------------
// Interface commands
// ---------------------------------------------------------------------------

func (h *Handlers) request(args map[string]any) (map[string]any, error) {
	req, err := h.store.CreateRequest(argString(args, "description"))
	if err != nil {
		return nil, err
	}
	if err := h.bus.Send(mail.RecipientArchitect, mail.TypeNewRequest, mail.NewRequest{
		RequestID:   req.ID,
		Description: req.Description,
	}); err != nil {
		return nil, err
	}
	if err := h.bus.Send(mail.RecipientMaster, mail.TypeRequestAcknowledged,
		mail.RequestAcknowledged{RequestID: req.ID}); err != nil {
		return nil, err
	}
	_ = h.store.LogActivity("interface", "request_created", map[string]any{"request_id": req.ID})
	return map[string]any{"request_id": req.ID, "status": string(req.Status)}, nil
}

// fix is the urgent path: one atomic insert yields a decomposed tier-2
// request whose single urgent task is already ready, skipping triage.
func (h *Handlers) fix(args map[string]any) (map[string]any, error) {
	req, task, err := h.store.CreateFix(argString(args, "description"))
	if err != nil {
		return nil, err
	}
	if err := h.bus.Send(mail.RecipientAllocator, mail.TypeTasksReady, mail.TasksReady{
		RequestID: req.ID,
		TaskIDs:   []int64{task.ID},
	}); err != nil {
		return nil, err
	}
	_ = h.store.LogActivity("interface", "fix_created",
		map[string]any{"request_id": req.ID, "task_id": task.ID})
	return map[string]any{"request_id": req.ID, "task_id": task.ID}, nil
}

func (h *Handlers) status() (map[string]any, error) {
	requests, err := h.store.ListRequests("")
	if err != nil {
		return nil, err
	}
	workers, err := h.store.ListWorkers()
	if err != nil {
		return nil, err
	}
	ready, err := h.store.ReadyTasks()
	if err != nil {
		return nil, err
	}

	reqList := make([]map[string]any, 0, len(requests))
	for _, r := range requests {
		reqList = append(reqList, requestMap(r))
	}
	workerList := make([]map[string]any, 0, len(workers))
	for _, w := range workers {
		workerList = append(workerList, workerMap(w))
	}
	return map[string]any{
		"requests":    reqList,
		"workers":     workerList,
		"ready_tasks": len(ready),
	}, nil
}

func (h *Handlers) clarify(args map[string]any) (map[string]any, error) {
	requestID := argString(args, "request_id")
	if _, err := h.store.GetRequest(requestID); err != nil {
		return nil, err
	}
	if err := h.bus.Send(mail.RecipientArchitect, mail.TypeClarificationReply,
		mail.ClarificationReply{RequestID: requestID, Answer: argString(args, "answer")}); err != nil {
		return nil, err
	}
	_ = h.store.LogActivity("interface", "clarification_replied",
		map[string]any{"request_id": requestID})
	return map[string]any{"request_id": requestID}, nil
}

func (h *Handlers) log(args map[string]any) (map[string]any, error) {
	limit := 0
	if n, ok := argInt(args, "limit"); ok {
		limit = int(n)
	}
	entries, err := h.store.QueryActivity(argString(args, "actor"), limit)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"id":         e.ID,
			"actor":      e.Actor,
			"action":     e.Action,
			"details":    e.Details,
			"created_at": e.CreatedAt.Format(time.RFC3339),
		})
	}
	return map[string]any{"entries": out}, nil
}

// ---------------------------------------------------------------------------
// Architect commands
// ---------------------------------------------------------------------------

// triage records the architect's tier decision. Tier 1 means the architect
// handles the request directly; tiers 2 and 3 mean the request decomposes
// into worker tasks.
func (h *Handlers) triage(args map[string]any) (map[string]any, error) {
	requestID := argString(args, "request_id")
	tierArg, _ := argInt(args, "tier")
	tier := int(tierArg)
	if tier < 1 || tier > 3 {
		return nil, &InvalidInputError{Command: "triage", Detail: "tier must be 1..3"}
	}

	status := store.RequestDecomposed
	if tier == 1 {
		status = store.RequestTier1
	}
	if err := h.store.UpdateRequest(requestID, store.RequestUpdate{
		Tier:   &tier,
		Status: &status,
	}); err != nil {
		return nil, err
	}
	_ = h.store.LogActivity("architect", "request_triaged",
		map[string]any{"request_id": requestID, "tier": tier})
	return map[string]any{"request_id": requestID, "tier": tier, "status": string(status)}, nil
}

func (h *Handlers) createTask(args map[string]any) (map[string]any, error) {
	requestID := argString(args, "request_id")
	params := store.TaskParams{
		RequestID:   requestID,
		Subject:     argString(args, "subject"),
		Description: argString(args, "description"),
		Domain:      argString(args, "domain"),
		Files:       argStrings(args, "files"),
		Priority:    store.TaskPriority(argString(args, "priority")),
		DependsOn:   argInts(args, "depends_on"),
	}
	if tier, ok := argInt(args, "tier"); ok {
		params.Tier = int(tier)
	}
	if raw, ok := args["validation"].(map[string]any); ok {
		params.Validation = &store.Validation{}
		if s, ok := raw["build"].(string); ok {
			params.Validation.Build = s
		}
		if s, ok := raw["test"].(string); ok {
			params.Validation.Test = s
		}
		if s, ok := raw["lint"].(string); ok {
			params.Validation.Lint = s
		}
	}

	task, err := h.store.CreateTask(params)
	if err != nil {
		return nil, err
	}

	// First task moves a decomposed request into execution.
	if req, err := h.store.GetRequest(requestID); err == nil && req.Status == store.RequestDecomposed {
		status := store.RequestInProgress
		_ = h.store.UpdateRequest(requestID, store.RequestUpdate{Status: &status})
	}

	if task.Status == store.TaskReady {
		_ = h.bus.Send(mail.RecipientAllocator, mail.TypeTasksReady, mail.TasksReady{
			RequestID: requestID,
			TaskIDs:   []int64{task.ID},
		})
	}
	return map[string]any{"task": taskMap(task)}, nil
}

// tier1Complete closes a request the architect handled without decomposition.
func (h *Handlers) tier1Complete(args map[string]any) (map[string]any, error) {
	requestID := argString(args, "request_id")
	summary := argString(args, "summary")

	now := time.Now()
	status := store.RequestCompleted
	upd := store.RequestUpdate{Status: &status, CompletedAt: &now}
	if summary != "" {
		upd.Result = &summary
	}
	if err := h.store.UpdateRequest(requestID, upd); err != nil {
		return nil, err
	}
	if err := h.bus.Send(mail.RecipientMaster, mail.TypeRequestCompleted, mail.RequestCompleted{
		RequestID: requestID,
		Status:    string(store.RequestCompleted),
		Summary:   summary,
	}); err != nil {
		return nil, err
	}
	_ = h.store.LogActivity("architect", "tier1_completed", map[string]any{"request_id": requestID})
	return map[string]any{"request_id": requestID, "status": string(status)}, nil
}

func (h *Handlers) askClarification(args map[string]any) (map[string]any, error) {
	requestID := argString(args, "request_id")
	req, err := h.store.GetRequest(requestID)
	if err != nil {
		return nil, err
	}
	if req.Status == store.RequestPending {
		status := store.RequestTriaging
		_ = h.store.UpdateRequest(requestID, store.RequestUpdate{Status: &status})
	}
	if err := h.bus.Send(mail.RecipientMaster, mail.TypeClarificationAsk,
		mail.ClarificationAsk{RequestID: requestID, Question: argString(args, "question")}); err != nil {
		return nil, err
	}
	_ = h.store.LogActivity("architect", "clarification_asked",
		map[string]any{"request_id": requestID})
	return map[string]any{"request_id": requestID}, nil
}

// distill returns the full snapshot of a request: the request row, every
// task and every merge queue entry. The architect uses it to decide next
// steps after a task outcome.
func (h *Handlers) distill(args map[string]any) (map[string]any, error) {
	requestID := argString(args, "request_id")
	req, err := h.store.GetRequest(requestID)
	if err != nil {
		return nil, err
	}
	tasks, err := h.store.ListTasks(store.TaskFilter{RequestID: requestID})
	if err != nil {
		return nil, err
	}
	merges, err := h.store.ListMerges(requestID)
	if err != nil {
		return nil, err
	}

	taskList := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		taskList = append(taskList, taskMap(t))
	}
	mergeList := make([]map[string]any, 0, len(merges))
	for _, m := range merges {
		mergeList = append(mergeList, mergeMap(m))
	}
	return map[string]any{
		"request": requestMap(req),
		"tasks":   taskList,
		"merges":  mergeList,
	}, nil
}

// ---------------------------------------------------------------------------
// Worker commands
// ---------------------------------------------------------------------------

func (h *Handlers) myTask(args map[string]any) (map[string]any, error) {
	workerID, _ := argInt(args, "worker_id")
	worker, err := h.store.GetWorker(int(workerID))
	if err != nil {
		return nil, err
	}
	if worker.CurrentTaskID == nil {
		return map[string]any{"task": nil}, nil
	}
	task, err := h.store.GetTask(*worker.CurrentTaskID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": taskMap(task)}, nil
}

func (h *Handlers) startTask(args map[string]any) (map[string]any, error) {
	taskID, _ := argInt(args, "task_id")
	workerID, _ := argInt(args, "worker_id")
	if err := h.store.StartTask(taskID, int(workerID)); err != nil {
		return nil, err
	}
	return map[string]any{"task_id": taskID, "status": string(store.TaskInProgress)}, nil
}

func (h *Handlers) heartbeat(args map[string]any) (map[string]any, error) {
	workerID, _ := argInt(args, "worker_id")
	if err := h.store.Heartbeat(int(workerID)); err != nil {
		return nil, err
	}
	return map[string]any{"worker_id": workerID}, nil
}

func (h *Handlers) completeTask(args map[string]any) (map[string]any, error) {
	taskID, _ := argInt(args, "task_id")
	workerID, _ := argInt(args, "worker_id")
	prURL := argString(args, "pr_url")
	branch := argString(args, "branch")
	summary := argString(args, "summary")

	// A PR implies a branch and both must pass the allow-lists before
	// anything lands in the merge queue.
	if prURL != "" {
		if branch == "" {
			return nil, &InvalidInputError{Command: "complete-task", Detail: "pr_url requires branch"}
		}
		if err := merger.ValidatePRURL(prURL); err != nil {
			return nil, &InvalidInputError{Command: "complete-task", Detail: err.Error()}
		}
		if err := merger.ValidateBranch(branch); err != nil {
			return nil, &InvalidInputError{Command: "complete-task", Detail: err.Error()}
		}
	}

	task, err := h.store.FinishTask(taskID, int(workerID), store.TaskCompleted, prURL, branch, summary)
	if err != nil {
		return nil, err
	}

	if prURL != "" {
		priority := 0
		if task.Priority == store.PriorityUrgent {
			priority = 10
		}
		if _, err := h.store.EnqueueMerge(task.RequestID, taskID, prURL, branch, priority); err != nil {
			log.ErrorErr(log.CatRPC, "merge enqueue failed", err, "task", taskID)
		}
	}

	outcome := mail.TaskOutcome{
		TaskID:    taskID,
		RequestID: task.RequestID,
		WorkerID:  int(workerID),
		PRURL:     prURL,
		Result:    summary,
	}
	_ = h.bus.Send(mail.RecipientAllocator, mail.TypeTaskCompleted, outcome)
	_ = h.bus.Send(mail.RecipientArchitect, mail.TypeTaskCompleted, outcome)
	_ = h.store.LogActivity(mail.WorkerRecipient(int(workerID)), "task_completed",
		map[string]any{"task_id": taskID, "pr_url": prURL})

	return h.finishAndEvaluate(task, taskID)
}

func (h *Handlers) failTask(args map[string]any) (map[string]any, error) {
	taskID, _ := argInt(args, "task_id")
	workerID, _ := argInt(args, "worker_id")
	reason := argString(args, "reason")

	task, err := h.store.FinishTask(taskID, int(workerID), store.TaskFailed, "", "", reason)
	if err != nil {
		return nil, err
	}

	outcome := mail.TaskOutcome{
		TaskID:    taskID,
		RequestID: task.RequestID,
		WorkerID:  int(workerID),
		Result:    reason,
	}
	_ = h.bus.Send(mail.RecipientAllocator, mail.TypeTaskFailed, outcome)
	_ = h.bus.Send(mail.RecipientArchitect, mail.TypeTaskFailed, outcome)
	_ = h.store.LogActivity(mail.WorkerRecipient(int(workerID)), "task_failed",
		map[string]any{"task_id": taskID, "reason": reason})

	return h.finishAndEvaluate(task, taskID)
}

// finishAndEvaluate re-evaluates the request after a terminal task outcome
// and notifies the interface when the request itself closes.
func (h *Handlers) finishAndEvaluate(task *store.Task, taskID int64) (map[string]any, error) {
	result, err := h.store.EvaluateRequestCompletion(task.RequestID)
	if err != nil {
		return nil, err
	}
	if result.Changed && result.Status.Terminal() {
		_ = h.bus.Send(mail.RecipientMaster, mail.TypeRequestCompleted, mail.RequestCompleted{
			RequestID: task.RequestID,
			Status:    string(result.Status),
			Summary:   result.Summary,
		})
	}
	return map[string]any{
		"task_id":        taskID,
		"task_status":    string(task.Status),
		"request_status": string(result.Status),
	}, nil
}

// ---------------------------------------------------------------------------
// Mail commands
// ---------------------------------------------------------------------------

func (h *Handlers) inbox(args map[string]any) (map[string]any, error) {
	msgs, err := h.bus.Check(argString(args, "recipient"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": mailList(msgs)}, nil
}

func (h *Handlers) inboxBlock(ctx context.Context, args map[string]any) (map[string]any, error) {
	deadline := mail.DefaultDeadline
	if n, ok := argInt(args, "timeout_s"); ok && n > 0 {
		deadline = time.Duration(n) * time.Second
	}
	msgs, err := h.bus.Inbox(ctx, argString(args, "recipient"), deadline)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": mailList(msgs)}, nil
}

// ---------------------------------------------------------------------------
// Allocation commands
// ---------------------------------------------------------------------------

func (h *Handlers) readyTasks() (map[string]any, error) {
	tasks, err := h.store.ReadyTasks()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskMap(t))
	}
	return map[string]any{"tasks": out}, nil
}

func (h *Handlers) assignTask(args map[string]any) (map[string]any, error) {
	taskID, _ := argInt(args, "task_id")
	workerID, _ := argInt(args, "worker_id")
	task, err := h.store.AssignTask(taskID, int(workerID), argString(args, "claimer"))
	if err != nil {
		return nil, err
	}
	_ = h.bus.Send(mail.WorkerRecipient(int(workerID)), mail.TypeTaskAssigned, mail.TaskAssigned{
		TaskID:      task.ID,
		RequestID:   task.RequestID,
		Subject:     task.Subject,
		Description: task.Description,
		Domain:      task.Domain,
		Files:       task.Files,
		Priority:    string(task.Priority),
		Branch:      task.Branch,
	})
	return map[string]any{"task": taskMap(task)}, nil
}

func (h *Handlers) claimWorker(args map[string]any) (map[string]any, error) {
	workerID, _ := argInt(args, "worker_id")
	if err := h.store.ClaimWorker(int(workerID), argString(args, "claimer")); err != nil {
		return nil, err
	}
	return map[string]any{"worker_id": workerID}, nil
}

func (h *Handlers) releaseWorker(args map[string]any) (map[string]any, error) {
	workerID, _ := argInt(args, "worker_id")
	if err := h.store.ReleaseWorker(int(workerID)); err != nil {
		return nil, err
	}
	return map[string]any{"worker_id": workerID}, nil
}

func (h *Handlers) workerStatus(args map[string]any) (map[string]any, error) {
	if n, ok := argInt(args, "worker_id"); ok {
		worker, err := h.store.GetWorker(int(n))
		if err != nil {
			return nil, err
		}
		return map[string]any{"workers": []map[string]any{workerMap(worker)}}, nil
	}
	workers, err := h.store.ListWorkers()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(workers))
	for _, w := range workers {
		out = append(out, workerMap(w))
	}
	return map[string]any{"workers": out}, nil
}

func (h *Handlers) checkCompletion(args map[string]any) (map[string]any, error) {
	requestID := argString(args, "request_id")
	result, err := h.store.EvaluateRequestCompletion(requestID)
	if err != nil {
		return nil, err
	}
	if result.Changed && result.Status.Terminal() {
		_ = h.bus.Send(mail.RecipientMaster, mail.TypeRequestCompleted, mail.RequestCompleted{
			RequestID: requestID,
			Status:    string(result.Status),
			Summary:   result.Summary,
		})
	}
	return map[string]any{
		"request_id": requestID,
		"status":     string(result.Status),
		"changed":    result.Changed,
	}, nil
}

func (h *Handlers) registerWorker(args map[string]any) (map[string]any, error) {
	workerID, _ := argInt(args, "worker_id")
	id := int(workerID)
	if id < 1 {
		return nil, &InvalidInputError{Command: "register-worker", Detail: "worker_id must be >= 1"}
	}
	if id > h.store.MaxWorkers() {
		return nil, &InvalidInputError{
			Command: "register-worker",
			Detail:  fmt.Sprintf("worker_id %d exceeds max_workers %d", id, h.store.MaxWorkers()),
		}
	}
	window := argString(args, "window")
	if window == "" {
		window = mail.WorkerRecipient(id)
	}
	worker, err := h.store.RegisterWorker(id,
		argString(args, "worktree"), argString(args, "branch"),
		argString(args, "session"), window)
	if err != nil {
		return nil, err
	}
	return map[string]any{"worker": workerMap(worker)}, nil
}

// repair runs the recovery sweep on demand: stale claims released, orphaned
// active tasks requeued, stuck completed_task workers reset.
func (h *Handlers) repair() (map[string]any, error) {
	workers, err := h.store.ListWorkers()
	if err != nil {
		return nil, err
	}

	var claimsReleased, workersReset, tasksRequeued int
	byID := make(map[int]*store.Worker, len(workers))
	for _, w := range workers {
		byID[w.ID] = w
		if w.Status == store.WorkerIdle && w.ClaimedBy != "" {
			if err := h.store.ReleaseWorker(w.ID); err == nil {
				claimsReleased++
			}
		}
		if w.Status == store.WorkerCompletedTask {
			if err := h.store.ResetWorker(w.ID); err == nil {
				workersReset++
			}
		}
	}

	for _, status := range []store.TaskStatus{store.TaskAssigned, store.TaskInProgress} {
		tasks, err := h.store.ListTasks(store.TaskFilter{Status: status})
		if err != nil {
			return nil, err
		}
		for _, task := range tasks {
			if task.AssignedTo == nil {
				continue
			}
			worker, ok := byID[*task.AssignedTo]
			if !ok {
				continue
			}
			if worker.Status == store.WorkerIdle && worker.CurrentTaskID == nil {
				if requeued, err := h.store.RequeueTaskIfActive(task.ID); err == nil && requeued {
					tasksRequeued++
				}
			}
		}
	}

	_ = h.store.LogActivity("repair", "repair_run", map[string]any{
		"claims_released": claimsReleased,
		"workers_reset":   workersReset,
		"tasks_requeued":  tasksRequeued,
	})
	return map[string]any{
		"claims_released": claimsReleased,
		"workers_reset":   workersReset,
		"tasks_requeued":  tasksRequeued,
	}, nil
}

// ---------------------------------------------------------------------------
// Wire serialization
// ---------------------------------------------------------------------------

func requestMap(r *store.Request) map[string]any {
	out := map[string]any{
		"id":          r.ID,
		"description": r.Description,
		"tier":        r.Tier,
		"status":      string(r.Status),
		"created_at":  r.CreatedAt.Format(time.RFC3339),
		"updated_at":  r.UpdatedAt.Format(time.RFC3339),
	}
	if r.Result != "" {
		out["result"] = r.Result
	}
	if r.CompletedAt != nil {
		out["completed_at"] = r.CompletedAt.Format(time.RFC3339)
	}
	return out
}

func taskMap(t *store.Task) map[string]any {
	out := map[string]any{
		"id":         t.ID,
		"request_id": t.RequestID,
		"subject":    t.Subject,
		"priority":   string(t.Priority),
		"tier":       t.Tier,
		"status":     string(t.Status),
		"created_at": t.CreatedAt.Format(time.RFC3339),
		"updated_at": t.UpdatedAt.Format(time.RFC3339),
	}
	if t.Description != "" {
		out["description"] = t.Description
	}
	if t.Domain != "" {
		out["domain"] = t.Domain
	}
	if len(t.Files) > 0 {
		out["files"] = t.Files
	}
	if len(t.DependsOn) > 0 {
		out["depends_on"] = t.DependsOn
	}
	if t.AssignedTo != nil {
		out["assigned_to"] = *t.AssignedTo
	}
	if t.PRURL != "" {
		out["pr_url"] = t.PRURL
	}
	if t.Branch != "" {
		out["branch"] = t.Branch
	}
	if t.Validation != nil {
		out["validation"] = t.Validation
	}
	if t.Result != "" {
		out["result"] = t.Result
	}
	if t.CompletedAt != nil {
		out["completed_at"] = t.CompletedAt.Format(time.RFC3339)
	}
	return out
}

func workerMap(w *store.Worker) map[string]any {
	out := map[string]any{
		"id":              w.ID,
		"status":          string(w.Status),
		"tasks_completed": w.TasksCompleted,
		"updated_at":      w.UpdatedAt.Format(time.RFC3339),
	}
	if w.Domain != "" {
		out["domain"] = w.Domain
	}
	if w.Worktree != "" {
		out["worktree"] = w.Worktree
	}
	if w.Branch != "" {
		out["branch"] = w.Branch
	}
	if w.Window != "" {
		out["window"] = w.Window
	}
	if w.CurrentTaskID != nil {
		out["current_task_id"] = *w.CurrentTaskID
	}
	if w.ClaimedBy != "" {
		out["claimed_by"] = w.ClaimedBy
	}
	if w.LastHeartbeat != nil {
		out["last_heartbeat"] = w.LastHeartbeat.Format(time.RFC3339)
	}
	return out
}

func mergeMap(m *store.MergeEntry) map[string]any {
	out := map[string]any{
		"id":         m.ID,
		"request_id": m.RequestID,
		"task_id":    m.TaskID,
		"pr_url":     m.PRURL,
		"branch":     m.Branch,
		"status":     string(m.Status),
		"priority":   m.Priority,
		"created_at": m.CreatedAt.Format(time.RFC3339),
	}
	if m.Error != "" {
		out["error"] = m.Error
	}
	if m.MergedAt != nil {
		out["merged_at"] = m.MergedAt.Format(time.RFC3339)
	}
	return out
}

func mailList(msgs []*store.MailMessage) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{
			"id":         m.ID,
			"recipient":  m.Recipient,
			"type":       m.Type,
			"payload":    m.Payload,
			"created_at": m.CreatedAt.Format(time.RFC3339),
		})
	}
	return out
}
