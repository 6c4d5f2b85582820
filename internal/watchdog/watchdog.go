// Package watchdog supervises worker liveness. Each tick walks the fleet:
// dead windows trigger death handling, stale heartbeats climb the
// warn/nudge/triage/terminate ladder, abandoned claims and orphan tasks are
// released, and once an hour old mail and activity are purged.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/zjrosen/maestro/internal/clock"
	"github.com/zjrosen/maestro/internal/events"
	"github.com/zjrosen/maestro/internal/log"
	"github.com/zjrosen/maestro/internal/mail"
	"github.com/zjrosen/maestro/internal/pubsub"
	"github.com/zjrosen/maestro/internal/store"
	"github.com/zjrosen/maestro/internal/supervisor"
)

// Escalation thresholds. Staleness is measured from the last heartbeat;
// each tier's action fires when staleness crosses its threshold.
const (
	DefaultInterval       = 10 * time.Second
	DefaultWarnAfter      = 60 * time.Second
	DefaultNudgeAfter     = 90 * time.Second
	DefaultTriageAfter    = 120 * time.Second
	DefaultTerminateAfter = 180 * time.Second

	// DefaultLaunchGrace skips escalation while a sentinel is still
	// starting up.
	DefaultLaunchGrace = 60 * time.Second
	// DefaultCompletedReset returns a completed_task worker to idle.
	DefaultCompletedReset = 30 * time.Second
	// DefaultClaimTimeout releases a reservation that never produced an
	// assignment.
	DefaultClaimTimeout = 120 * time.Second
	// DefaultPurgeEvery spaces the retention sweeps.
	DefaultPurgeEvery = time.Hour
	// DefaultActivityRetention bounds the audit log.
	DefaultActivityRetention = 30 * 24 * time.Hour

	// triageCaptureLines is how much pane scrollback lands in the log at
	// the triage tier.
	triageCaptureLines = 30
)

// Thresholds groups the escalation timing knobs.
type Thresholds struct {
	Warn           time.Duration
	Nudge          time.Duration
	Triage         time.Duration
	Terminate      time.Duration
	LaunchGrace    time.Duration
	CompletedReset time.Duration
	ClaimTimeout   time.Duration
}

// DefaultThresholds returns the standard escalation ladder.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Warn:           DefaultWarnAfter,
		Nudge:          DefaultNudgeAfter,
		Triage:         DefaultTriageAfter,
		Terminate:      DefaultTerminateAfter,
		LaunchGrace:    DefaultLaunchGrace,
		CompletedReset: DefaultCompletedReset,
		ClaimTimeout:   DefaultClaimTimeout,
	}
}

// Watchdog is the liveness loop.
type Watchdog struct {
	store      *store.Store
	bus        *mail.Bus
	supervisor supervisor.Supervisor
	clock      clock.Clock
	interval   time.Duration
	thresholds Thresholds

	// fixedThresholds pins the ladder to an explicit Config override instead
	// of the stored heartbeat timeout.
	fixedThresholds bool

	mailRetention     time.Duration
	activityRetention time.Duration
	lastPurge         time.Time
}

// Config holds watchdog construction parameters.
type Config struct {
	Store      *store.Store
	Bus        *mail.Bus
	Supervisor supervisor.Supervisor
	Clock      clock.Clock   // defaults to RealClock
	Interval   time.Duration // defaults to DefaultInterval
	Thresholds *Thresholds   // defaults to DefaultThresholds

	MailRetention     time.Duration // defaults to mail.DefaultRetention
	ActivityRetention time.Duration // defaults to DefaultActivityRetention
}

// New creates a Watchdog.
func New(cfg Config) *Watchdog {
	c := cfg.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	thresholds := DefaultThresholds()
	if cfg.Thresholds != nil {
		thresholds = *cfg.Thresholds
	}
	mailRetention := cfg.MailRetention
	if mailRetention <= 0 {
		mailRetention = mail.DefaultRetention
	}
	activityRetention := cfg.ActivityRetention
	if activityRetention <= 0 {
		activityRetention = DefaultActivityRetention
	}
	return &Watchdog{
		store:             cfg.Store,
		bus:               cfg.Bus,
		supervisor:        cfg.Supervisor,
		clock:             c,
		interval:          interval,
		thresholds:        thresholds,
		fixedThresholds:   cfg.Thresholds != nil,
		mailRetention:     mailRetention,
		activityRetention: activityRetention,
	}
}

// effectiveThresholds derives the ladder from the stored heartbeat timeout,
// so runtime config changes take effect on the next tick. The nudge, triage
// and terminate tiers keep their 1.5x/2x/3x spacing over the base.
func (w *Watchdog) effectiveThresholds() Thresholds {
	t := w.thresholds
	if w.fixedThresholds {
		return t
	}
	base := w.store.HeartbeatTimeout()
	if base <= 0 || base == t.Warn {
		return t
	}
	t.Warn = base
	t.Nudge = base * 3 / 2
	t.Triage = base * 2
	t.Terminate = base * 3
	return t
}

// Run ticks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	log.Info(log.CatWatchdog, "watchdog started", "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			log.Info(log.CatWatchdog, "watchdog stopped")
			return
		case <-ticker.C:
			if err := w.Tick(); err != nil {
				log.ErrorErr(log.CatWatchdog, "watchdog tick failed", err)
			}
		}
	}
}

// Tick runs one supervision pass over the whole fleet.
func (w *Watchdog) Tick() error {
	workers, err := w.store.ListWorkers()
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}

	now := w.clock.Now()
	th := w.effectiveThresholds()
	for _, worker := range workers {
		if err := w.checkWorker(worker, now, th); err != nil {
			log.ErrorErr(log.CatWatchdog, "worker check failed", err, "worker", worker.ID)
		}
	}

	if err := w.recoverOrphanTasks(workers); err != nil {
		log.ErrorErr(log.CatWatchdog, "orphan recovery failed", err)
	}

	if now.Sub(w.lastPurge) >= DefaultPurgeEvery {
		w.lastPurge = now
		if _, err := w.bus.Purge(w.mailRetention); err != nil {
			log.ErrorErr(log.CatWatchdog, "mail purge failed", err)
		}
		if _, err := w.store.PurgeActivityOlderThan(w.activityRetention); err != nil {
			log.ErrorErr(log.CatWatchdog, "activity purge failed", err)
		}
	}
	return nil
}

func (w *Watchdog) checkWorker(worker *store.Worker, now time.Time, th Thresholds) error {
	// Stale claim cleanup applies to idle workers only.
	if worker.Status == store.WorkerIdle {
		if worker.ClaimedBy != "" && worker.ClaimedAt != nil &&
			now.Sub(*worker.ClaimedAt) > th.ClaimTimeout {
			log.Info(log.CatWatchdog, "stale claim released",
				"worker", worker.ID, "claimer", worker.ClaimedBy)
			return w.store.ReleaseWorker(worker.ID)
		}
		return nil
	}

	// completed_task auto-reset frees the slot for the next assignment.
	if worker.Status == store.WorkerCompletedTask {
		if now.Sub(worker.UpdatedAt) >= th.CompletedReset {
			log.Debug(log.CatWatchdog, "completed_task auto-reset", "worker", worker.ID)
			return w.store.ResetWorker(worker.ID)
		}
		return nil
	}

	// Liveness: a non-idle worker with a dead window gets death handling.
	if w.supervisor != nil {
		window := worker.Window
		if window == "" {
			window = mail.WorkerRecipient(worker.ID)
		}
		alive, err := w.supervisor.IsAlive(window)
		if err != nil {
			// Supervisor hiccups are non-fatal; retry next tick.
			log.Warn(log.CatWatchdog, "liveness check failed", "worker", worker.ID, "error", err)
		} else if !alive {
			log.Warn(log.CatWatchdog, "worker window dead", "worker", worker.ID)
			return w.handleDeath(worker, "window dead")
		}
	}

	// Launch grace: a sentinel still booting has no heartbeat yet.
	if worker.LaunchedAt != nil && now.Sub(*worker.LaunchedAt) < th.LaunchGrace {
		return nil
	}

	// Heartbeat staleness escalation, only for actively working states.
	if worker.Status != store.WorkerRunning && worker.Status != store.WorkerBusy {
		return nil
	}
	last := worker.LastHeartbeat
	if last == nil {
		last = worker.LaunchedAt
	}
	if last == nil {
		return nil
	}
	staleness := now.Sub(*last)

	switch {
	case staleness > th.Terminate:
		log.Error(log.CatWatchdog, "worker terminated for stale heartbeat",
			"worker", worker.ID, "staleness", staleness)
		if w.supervisor != nil {
			window := worker.Window
			if window == "" {
				window = mail.WorkerRecipient(worker.ID)
			}
			if err := w.supervisor.KillWindow(window); err != nil {
				log.Warn(log.CatWatchdog, "kill window failed", "worker", worker.ID, "error", err)
			}
		}
		return w.handleDeath(worker, fmt.Sprintf("heartbeat stale %s", staleness.Round(time.Second)))
	case staleness > th.Triage:
		w.captureForTriage(worker)
		return w.bus.Send(mail.WorkerRecipient(worker.ID), mail.TypeNudge,
			mail.Nudge{Reason: "heartbeat stale, triage"})
	case staleness > th.Nudge:
		log.Warn(log.CatWatchdog, "worker nudged", "worker", worker.ID, "staleness", staleness)
		return w.bus.Send(mail.WorkerRecipient(worker.ID), mail.TypeNudge,
			mail.Nudge{Reason: "heartbeat stale"})
	case staleness > th.Warn:
		log.Warn(log.CatWatchdog, "worker heartbeat stale", "worker", worker.ID, "staleness", staleness)
	}
	return nil
}

func (w *Watchdog) captureForTriage(worker *store.Worker) {
	if w.supervisor == nil {
		return
	}
	window := worker.Window
	if window == "" {
		window = mail.WorkerRecipient(worker.ID)
	}
	output, err := w.supervisor.CapturePane(window, triageCaptureLines)
	if err != nil {
		log.Warn(log.CatWatchdog, "pane capture failed", "worker", worker.ID, "error", err)
		return
	}
	log.Warn(log.CatWatchdog, "triage capture", "worker", worker.ID, "output", output)
	_ = w.store.LogActivity("watchdog", "triage_capture",
		map[string]any{"worker_id": worker.ID, "output": output})
}

// handleDeath requeues the worker's task (unless a concurrent complete-task
// already finished it) and resets the worker to idle.
func (w *Watchdog) handleDeath(worker *store.Worker, reason string) error {
	if worker.CurrentTaskID != nil {
		requeued, err := w.store.RequeueTaskIfActive(*worker.CurrentTaskID)
		if err != nil {
			return fmt.Errorf("requeue task %d: %w", *worker.CurrentTaskID, err)
		}
		if requeued {
			log.Info(log.CatWatchdog, "task requeued after worker death",
				"task", *worker.CurrentTaskID, "worker", worker.ID)
		}
	}
	if err := w.store.ResetWorker(worker.ID); err != nil {
		return fmt.Errorf("reset worker %d: %w", worker.ID, err)
	}
	_ = w.store.LogActivity("watchdog", "worker_death",
		map[string]any{"worker_id": worker.ID, "reason": reason})
	if broker := w.store.Broker(); broker != nil {
		broker.Publish(pubsub.UpdatedEvent, events.Event{Kind: events.KindWorkerDied, WorkerID: worker.ID, Detail: reason})
	}
	return nil
}

// recoverOrphanTasks requeues tasks whose recorded worker no longer holds
// them: the task says assigned/in_progress but the worker is idle with no
// current task.
func (w *Watchdog) recoverOrphanTasks(workers []*store.Worker) error {
	byID := make(map[int]*store.Worker, len(workers))
	for _, worker := range workers {
		byID[worker.ID] = worker
	}

	for _, status := range []store.TaskStatus{store.TaskAssigned, store.TaskInProgress} {
		tasks, err := w.store.ListTasks(store.TaskFilter{Status: status})
		if err != nil {
			return err
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
				log.Warn(log.CatWatchdog, "orphan task recovered", "task", task.ID, "worker", worker.ID)
				if _, err := w.store.RequeueTaskIfActive(task.ID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
