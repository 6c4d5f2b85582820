// Package mail is the durable point-to-point message bus between the
// coordinator, the architect, the allocator, the workers and the interface
// agent. Messages persist in the store's mail table and are read-once;
// a per-recipient pub/sub wakeup lets blocking inboxes return promptly
// while the table remains the source of truth.
package mail

import (
	"encoding/json"
	"fmt"
)

// Well-known recipients. Workers are addressed as WorkerRecipient(n).
const (
	RecipientArchitect = "architect"
	RecipientAllocator = "allocator"
	RecipientMaster    = "master-1"
)

// WorkerRecipient returns the mailbox name for worker n.
func WorkerRecipient(n int) string {
	return fmt.Sprintf("worker-%d", n)
}

// Message types. Each type has a payload struct below; the wire form is
// JSON only at the socket boundary and in the mail table.
const (
	TypeNewRequest          = "new_request"
	TypeClarificationReply  = "clarification_reply"
	TypeClarificationAsk    = "clarification_ask"
	TypeTasksReady          = "tasks_ready"
	TypeTasksAvailable      = "tasks_available"
	TypeTaskAssigned        = "task_assigned"
	TypeTaskCompleted       = "task_completed"
	TypeTaskFailed          = "task_failed"
	TypeNudge               = "nudge"
	TypeRequestCompleted    = "request_completed"
	TypeRequestAcknowledged = "request_acknowledged"
	TypeHeartbeat           = "heartbeat"
	TypeTerminate           = "terminate"
)

// NewRequest tells the architect a request needs triage.
type NewRequest struct {
	RequestID   string `json:"request_id"`
	Description string `json:"description"`
}

// ClarificationReply carries the user's answer back to the architect.
type ClarificationReply struct {
	RequestID string `json:"request_id"`
	Answer    string `json:"answer"`
}

// ClarificationAsk carries an architect question to the interface agent.
type ClarificationAsk struct {
	RequestID string `json:"request_id"`
	Question  string `json:"question"`
}

// TasksReady tells the allocator a tier-3 decomposition finished.
type TasksReady struct {
	RequestID string  `json:"request_id"`
	TaskIDs   []int64 `json:"task_ids,omitempty"`
}

// TasksAvailable is the allocator's hint that ready tasks were left
// unplaced after a matching pass, with the idle workers still available.
type TasksAvailable struct {
	ReadyTasks  int `json:"ready_tasks"`
	IdleWorkers int `json:"idle_workers"`
}

// TaskAssigned carries a task snapshot to its new worker.
type TaskAssigned struct {
	TaskID      int64    `json:"task_id"`
	RequestID   string   `json:"request_id"`
	Subject     string   `json:"subject"`
	Description string   `json:"description"`
	Domain      string   `json:"domain,omitempty"`
	Files       []string `json:"files,omitempty"`
	Priority    string   `json:"priority"`
	Branch      string   `json:"branch,omitempty"`
}

// TaskOutcome reports a finished task to the allocator and architect.
type TaskOutcome struct {
	TaskID    int64  `json:"task_id"`
	RequestID string `json:"request_id"`
	WorkerID  int    `json:"worker_id"`
	PRURL     string `json:"pr_url,omitempty"`
	Result    string `json:"result,omitempty"`
}

// Nudge asks a worker for a status update.
type Nudge struct {
	Reason string `json:"reason"`
}

// RequestCompleted reports a request's terminal outcome to the interface.
type RequestCompleted struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Summary   string `json:"summary,omitempty"`
}

// RequestAcknowledged confirms acceptance of a new request.
type RequestAcknowledged struct {
	RequestID string `json:"request_id"`
}

// Terminate tells a worker to shut down.
type Terminate struct {
	Reason string `json:"reason"`
}

func marshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
