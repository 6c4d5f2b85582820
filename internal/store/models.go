package store

import (
	"encoding/json"
	"time"
)

// RequestStatus tracks a request through triage, execution and integration.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestTriaging   RequestStatus = "triaging"
	RequestTier1      RequestStatus = "executing_tier1"
	RequestDecomposed RequestStatus = "decomposed"
	RequestInProgress RequestStatus = "in_progress"
	RequestIntegrate  RequestStatus = "integrating"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
)

// Terminal reports whether the request can transition no further.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed
}

// Request is a single user intention, triaged by the architect into tiers.
type Request struct {
	ID          string
	Description string
	Tier        int // 0 until triage assigns 1..3
	Status      RequestStatus
	Result      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// TaskStatus tracks a task from creation through terminal completion.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskReady      TaskStatus = "ready"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
)

// Terminal reports whether the task must never be reassigned.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Active reports whether a worker currently owns the task.
func (s TaskStatus) Active() bool {
	return s == TaskAssigned || s == TaskInProgress
}

// TaskPriority orders ready tasks for allocation.
type TaskPriority string

const (
	PriorityUrgent TaskPriority = "urgent"
	PriorityHigh   TaskPriority = "high"
	PriorityNormal TaskPriority = "normal"
	PriorityLow    TaskPriority = "low"
)

// Rank returns the numeric sort rank: urgent < high < normal < low.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 3
	}
}

// Valid reports whether p is one of the four known priorities.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Validation describes how a worker should verify its change before
// completing a task. All fields optional.
type Validation struct {
	Build string `json:"build,omitempty"`
	Test  string `json:"test,omitempty"`
	Lint  string `json:"lint,omitempty"`
}

// Task is a unit of work assignable to exactly one worker.
type Task struct {
	ID          int64
	RequestID   string
	Subject     string
	Description string
	Domain      string
	Files       []string
	Priority    TaskPriority
	Tier        int
	DependsOn   []int64
	AssignedTo  *int // worker id, set iff status is assigned/in_progress
	Status      TaskStatus
	PRURL       string
	Branch      string
	Validation  *Validation
	Result      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// WorkerStatus tracks a worker slot's lifecycle.
type WorkerStatus string

const (
	WorkerIdle          WorkerStatus = "idle"
	WorkerAssigned      WorkerStatus = "assigned"
	WorkerRunning       WorkerStatus = "running"
	WorkerBusy          WorkerStatus = "busy"
	WorkerCompletedTask WorkerStatus = "completed_task"
	WorkerResetting     WorkerStatus = "resetting"
)

// HoldsTask reports whether the status implies a non-null current task.
func (s WorkerStatus) HoldsTask() bool {
	switch s {
	case WorkerAssigned, WorkerRunning, WorkerBusy, WorkerCompletedTask:
		return true
	}
	return false
}

// Worker is a logical slot 1..maxWorkers bound to a git worktree.
type Worker struct {
	ID             int
	Status         WorkerStatus
	Domain         string // last-seen domain, drives affinity matching
	Worktree       string
	Branch         string
	Session        string // supervisor session name
	Window         string // supervisor window name
	CurrentTaskID  *int64
	ClaimedBy      string // reservation marker, only meaningful while idle
	ClaimedAt      *time.Time
	LastHeartbeat  *time.Time
	LaunchedAt     *time.Time
	TasksCompleted int
	UpdatedAt      time.Time
}

// MailMessage is a durable, recipient-addressed, read-once message.
type MailMessage struct {
	ID        int64
	Recipient string
	Type      string
	Payload   json.RawMessage
	Consumed  bool
	CreatedAt time.Time
}

// MergeStatus tracks a completed PR through integration.
type MergeStatus string

const (
	MergePending  MergeStatus = "pending"
	MergeReady    MergeStatus = "ready"
	MergeMerging  MergeStatus = "merging"
	MergeMerged   MergeStatus = "merged"
	MergeConflict MergeStatus = "conflict"
	MergeFailed   MergeStatus = "failed"
)

// MergeEntry is one completed PR awaiting integration.
type MergeEntry struct {
	ID        int64
	RequestID string
	TaskID    int64
	PRURL     string
	Branch    string
	Status    MergeStatus
	Priority  int // higher first
	Error     string
	CreatedAt time.Time
	MergedAt  *time.Time
}

// ActivityEntry is one append-only audit record.
type ActivityEntry struct {
	ID        int64
	Actor     string
	Action    string
	Details   json.RawMessage
	CreatedAt time.Time
}

// ---------------------------------------------------------------------------
// Row models. Fields map directly to SQL columns with Unix timestamps for
// time values and JSON-encoded text for list fields.
// ---------------------------------------------------------------------------

func encodeJSON(v any) *string {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

func decodeInt64s(s *string) []int64 {
	if s == nil || *s == "" {
		return nil
	}
	var out []int64
	_ = json.Unmarshal([]byte(*s), &out)
	return out
}

func decodeStrings(s *string) []string {
	if s == nil || *s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(*s), &out)
	return out
}

func timePtr(u *int64) *time.Time {
	if u == nil {
		return nil
	}
	t := time.Unix(*u, 0)
	return &t
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
