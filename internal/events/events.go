// Package events defines the fixed set of coordination events published on
// the broadcast broker. The store and the periodic loops publish; external
// consumers (the dashboard, log tailers) subscribe. Events are advisory:
// all authoritative state lives in the store.
package events

import "time"

// Kind identifies what happened.
type Kind string

const (
	KindRequestCreated   Kind = "request_created"
	KindRequestUpdated   Kind = "request_updated"
	KindRequestCompleted Kind = "request_completed"
	KindTaskCreated      Kind = "task_created"
	KindTaskUpdated      Kind = "task_updated"
	KindTaskAssigned     Kind = "task_assigned"
	KindTaskCompleted    Kind = "task_completed"
	KindTaskFailed       Kind = "task_failed"
	KindWorkerRegistered Kind = "worker_registered"
	KindWorkerUpdated    Kind = "worker_updated"
	KindWorkerDied       Kind = "worker_died"
	KindMailSent         Kind = "mail_sent"
	KindMergeEnqueued    Kind = "merge_enqueued"
	KindMergeUpdated     Kind = "merge_updated"
	KindActivity         Kind = "activity"
)

// Event is the payload published on the broadcast broker.
// Exactly one of RequestID, TaskID, WorkerID, MergeID is meaningful per
// kind; the rest are zero values.
type Event struct {
	Kind      Kind      `json:"kind"`
	RequestID string    `json:"request_id,omitempty"`
	TaskID    int64     `json:"task_id,omitempty"`
	WorkerID  int       `json:"worker_id,omitempty"`
	MergeID   int64     `json:"merge_id,omitempty"`
	Recipient string    `json:"recipient,omitempty"` // mail events
	Actor     string    `json:"actor,omitempty"`     // activity events
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}
