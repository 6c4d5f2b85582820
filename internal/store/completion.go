package store

import (
	"fmt"
	"time"

	"github.com/zjrosen/maestro/internal/log"
)

// CompletionResult reports what EvaluateRequestCompletion decided.
type CompletionResult struct {
	RequestID string
	Status    RequestStatus // status after evaluation
	Changed   bool          // true when the request transitioned
	Summary   string
}

// EvaluateRequestCompletion advances a request through its closing states.
//
// With every task terminal, a request moves to integrating; once every merge
// queue entry has merged it completes. A failed task closes the request as
// failed rather than leaving it open forever: the interface needs a terminal
// outcome either way, and the failure reason names the tasks involved.
func (s *Store) EvaluateRequestCompletion(requestID string) (*CompletionResult, error) {
	req, err := s.GetRequest(requestID)
	if err != nil {
		return nil, err
	}
	result := &CompletionResult{RequestID: requestID, Status: req.Status}
	if req.Status.Terminal() {
		return result, nil
	}

	tasks, err := s.ListTasks(TaskFilter{RequestID: requestID})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		// Tier 1 requests have no tasks; tier1-complete closes them directly.
		return result, nil
	}

	var completed, failed, open, withPR int
	var failedSubjects []string
	for _, t := range tasks {
		switch t.Status {
		case TaskCompleted:
			completed++
			if t.PRURL != "" {
				withPR++
			}
		case TaskFailed:
			failed++
			failedSubjects = append(failedSubjects, t.Subject)
		default:
			open++
		}
	}
	if open > 0 {
		return result, nil
	}

	if failed > 0 {
		now := time.Now()
		summary := fmt.Sprintf("%d of %d tasks failed: %v", failed, len(tasks), failedSubjects)
		status := RequestFailed
		if err := s.UpdateRequest(requestID, RequestUpdate{
			Status:      &status,
			Result:      &summary,
			CompletedAt: &now,
		}); err != nil {
			return nil, err
		}
		log.Info(log.CatOrch, "request failed", "id", requestID, "failed_tasks", failed)
		return &CompletionResult{RequestID: requestID, Status: RequestFailed, Changed: true, Summary: summary}, nil
	}

	merges, err := s.ListMerges(requestID)
	if err != nil {
		return nil, err
	}
	allMerged := true
	for _, m := range merges {
		if m.Status != MergeMerged {
			allMerged = false
			break
		}
	}

	if !allMerged || len(merges) < withPR {
		// PRs still integrating (or not yet enqueued).
		if req.Status != RequestIntegrate {
			status := RequestIntegrate
			if err := s.UpdateRequest(requestID, RequestUpdate{Status: &status}); err != nil {
				return nil, err
			}
			return &CompletionResult{RequestID: requestID, Status: RequestIntegrate, Changed: true}, nil
		}
		return result, nil
	}

	now := time.Now()
	summary := fmt.Sprintf("%d tasks completed, %d PRs merged", completed, len(merges))
	status := RequestCompleted
	if err := s.UpdateRequest(requestID, RequestUpdate{
		Status:      &status,
		Result:      &summary,
		CompletedAt: &now,
	}); err != nil {
		return nil, err
	}
	log.Info(log.CatOrch, "request completed", "id", requestID, "tasks", completed)
	return &CompletionResult{RequestID: requestID, Status: RequestCompleted, Changed: true, Summary: summary}, nil
}
