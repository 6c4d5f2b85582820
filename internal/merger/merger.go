// Package merger integrates completed PRs one at a time. Each queue entry
// runs the four-tier escalation: clean merge, rebase and retry, a
// conflict-resolution task for a worker, and finally a redo task against
// latest main.
package merger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/maestro/internal/log"
	"github.com/zjrosen/maestro/internal/mail"
	"github.com/zjrosen/maestro/internal/store"
)

// DefaultInterval is the merge queue poll period.
const DefaultInterval = 5 * time.Second

// Merger is the serialized queue consumer.
type Merger struct {
	store      *store.Store
	bus        *mail.Bus
	git        GitOps
	interval   time.Duration
	mainBranch string

	mu         sync.Mutex
	processing bool
}

// Config holds merger construction parameters.
type Config struct {
	Store      *store.Store
	Bus        *mail.Bus
	Git        GitOps
	Interval   time.Duration // defaults to DefaultInterval
	MainBranch string        // defaults to "main"
}

// New creates a Merger.
func New(cfg Config) *Merger {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	mainBranch := cfg.MainBranch
	if mainBranch == "" {
		mainBranch = "main"
	}
	return &Merger{
		store:      cfg.Store,
		bus:        cfg.Bus,
		git:        cfg.Git,
		interval:   interval,
		mainBranch: mainBranch,
	}
}

// Run polls the queue until ctx is cancelled.
func (m *Merger) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Info(log.CatMerge, "merger started", "interval", m.interval, "main", m.mainBranch)
	for {
		select {
		case <-ctx.Done():
			log.Info(log.CatMerge, "merger stopped")
			return
		case <-ticker.C:
			if err := m.ProcessNext(); err != nil {
				log.ErrorErr(log.CatMerge, "merge processing failed", err)
			}
		}
	}
}

// ProcessNext claims and resolves at most one queue entry. The in-memory
// guard plus the store's merging-status check keep a single PR in flight
// even when ticks overlap.
func (m *Merger) ProcessNext() error {
	m.mu.Lock()
	if m.processing {
		m.mu.Unlock()
		return nil
	}
	m.processing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.processing = false
		m.mu.Unlock()
	}()

	entry, err := m.store.ClaimNextMerge()
	if err != nil {
		return fmt.Errorf("claim merge: %w", err)
	}
	if entry == nil {
		return nil
	}
	return m.resolve(entry)
}

// resolve runs the 4-tier escalation for one claimed entry.
func (m *Merger) resolve(entry *store.MergeEntry) error {
	// Inputs crossed the command surface once already, but the merger is
	// the last gate before a subprocess.
	if err := ValidateBranch(entry.Branch); err != nil {
		return m.failEntry(entry, err.Error())
	}
	if err := ValidatePRURL(entry.PRURL); err != nil {
		return m.failEntry(entry, err.Error())
	}
	if m.store.MergeValidation() {
		if err := m.validateEntry(entry); err != nil {
			return m.failEntry(entry, err.Error())
		}
	}

	// Tier 1: clean merge.
	mergeErr := m.git.MergePR(entry.PRURL)
	if mergeErr == nil {
		log.Info(log.CatMerge, "clean merge", "id", entry.ID, "branch", entry.Branch)
		return m.finishMerged(entry)
	}
	log.Warn(log.CatMerge, "clean merge failed", "id", entry.ID, "error", mergeErr)

	// Tier 2: rebase onto main and retry.
	if rebaseErr := m.git.RebaseBranch(entry.Branch, m.mainBranch); rebaseErr != nil {
		log.Warn(log.CatMerge, "rebase failed", "id", entry.ID, "error", rebaseErr)
	} else if retryErr := m.git.MergePR(entry.PRURL); retryErr == nil {
		log.Info(log.CatMerge, "merged after rebase", "id", entry.ID, "branch", entry.Branch)
		return m.finishMerged(entry)
	} else {
		log.Warn(log.CatMerge, "post-rebase merge failed", "id", entry.ID, "error", retryErr)
	}

	// Tier 3: hand the conflict to a worker as a fix task. The entry stays
	// in conflict until the fix task's PR lands; marking it merged now
	// could complete the request before the work is actually integrated.
	task, err := m.store.GetTask(entry.TaskID)
	if err != nil {
		return m.failEntry(entry, fmt.Sprintf("original task lookup: %v", err))
	}
	fixTask, err := m.store.CreateTask(store.TaskParams{
		RequestID: entry.RequestID,
		Subject:   fmt.Sprintf("Resolve merge conflict: %s", entry.Branch),
		Description: fmt.Sprintf(
			"Branch %s conflicts with %s and cannot be rebased automatically. "+
				"Resolve the conflicts, push the branch, and open a fresh PR.\n\nOriginal task: %s",
			entry.Branch, m.mainBranch, task.Subject),
		Domain:   task.Domain,
		Files:    task.Files,
		Priority: store.PriorityHigh,
		Tier:     2,
	})
	if err == nil {
		log.Info(log.CatMerge, "conflict fix task created",
			"id", entry.ID, "task", fixTask.ID, "branch", entry.Branch)
		_ = m.store.LogActivity("merger", "fix_task_created",
			map[string]any{"merge_id": entry.ID, "task_id": fixTask.ID, "branch": entry.Branch})
		status := store.MergeConflict
		note := "resolution task created"
		return m.store.UpdateMerge(entry.ID, store.MergeUpdate{Status: &status, Error: &note})
	}
	log.ErrorErr(log.CatMerge, "fix task creation failed", err, "id", entry.ID)

	// Tier 4: redo from scratch on latest main.
	if _, err := m.store.CreateTask(store.TaskParams{
		RequestID:   entry.RequestID,
		Subject:     fmt.Sprintf("Redo: %s", task.Subject),
		Description: task.Description,
		Domain:      task.Domain,
		Files:       task.Files,
		Priority:    store.PriorityHigh,
		Tier:        task.Tier,
	}); err != nil {
		return m.failEntry(entry, fmt.Sprintf("redo task creation: %v", err))
	}
	log.Warn(log.CatMerge, "redo task created", "id", entry.ID, "branch", entry.Branch)
	status := store.MergeConflict
	note := "Needs reimplementation on latest main"
	return m.store.UpdateMerge(entry.ID, store.MergeUpdate{Status: &status, Error: &note})
}

// validateEntry cross-checks a claimed entry against its task record. Runs
// only when the merge_validation config key is on: it catches entries whose
// task was requeued, or re-finished with a different branch or PR, after
// they were enqueued.
func (m *Merger) validateEntry(entry *store.MergeEntry) error {
	task, err := m.store.GetTask(entry.TaskID)
	if err != nil {
		return fmt.Errorf("merge validation: %w", err)
	}
	if task.Status != store.TaskCompleted {
		return fmt.Errorf("merge validation: task %d is %s, not completed", task.ID, task.Status)
	}
	if task.Branch != "" && task.Branch != entry.Branch {
		return fmt.Errorf("merge validation: entry branch %s does not match task branch %s",
			entry.Branch, task.Branch)
	}
	if task.PRURL != "" && task.PRURL != entry.PRURL {
		return fmt.Errorf("merge validation: entry PR %s does not match task PR %s",
			entry.PRURL, task.PRURL)
	}
	return nil
}

// finishMerged marks the entry merged, promotes any conflict predecessors
// resolved by this PR, and re-evaluates the request's completion.
func (m *Merger) finishMerged(entry *store.MergeEntry) error {
	now := time.Now()
	status := store.MergeMerged
	if err := m.store.UpdateMerge(entry.ID, store.MergeUpdate{Status: &status, MergedAt: &now}); err != nil {
		return err
	}
	_ = m.store.LogActivity("merger", "pr_merged",
		map[string]any{"merge_id": entry.ID, "pr_url": entry.PRURL})

	// A fix task's PR carries the conflicted branch's work; its landing
	// resolves those earlier entries too.
	if _, err := m.store.PromoteConflictMerges(entry.Branch); err != nil {
		log.ErrorErr(log.CatMerge, "conflict promotion failed", err, "branch", entry.Branch)
	}

	result, err := m.store.EvaluateRequestCompletion(entry.RequestID)
	if err != nil {
		return fmt.Errorf("evaluate completion: %w", err)
	}
	if result.Changed && result.Status.Terminal() {
		return m.bus.Send(mail.RecipientMaster, mail.TypeRequestCompleted, mail.RequestCompleted{
			RequestID: entry.RequestID,
			Status:    string(result.Status),
			Summary:   result.Summary,
		})
	}
	return nil
}

func (m *Merger) failEntry(entry *store.MergeEntry, reason string) error {
	log.Error(log.CatMerge, "merge entry failed", "id", entry.ID, "reason", reason)
	status := store.MergeFailed
	return m.store.UpdateMerge(entry.ID, store.MergeUpdate{Status: &status, Error: &reason})
}
